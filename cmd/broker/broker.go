// Package broker implements the broker diagnostics and saved-broker
// subcommands.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/iotalerts/internal/conf"
	"github.com/tphakala/iotalerts/internal/errors"
	"github.com/tphakala/iotalerts/internal/logger"
	"github.com/tphakala/iotalerts/internal/mqtt"
)

const diagnosticsTimeout = time.Minute

// Command creates the broker command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Test the broker connection and manage the saved broker",
	}
	cmd.AddCommand(testCommand(settings), showCommand(settings), forgetCommand(settings))
	return cmd
}

func testCommand(settings *conf.Settings) *cobra.Command {
	ep := mqtt.Endpoint{}
	cmd := &cobra.Command{
		Use:   "test [uri]",
		Short: "Check DNS, TCP, MQTT connect and message round trip to a broker",
		Long:  "Test a broker stage by stage. Without a URI the saved broker is tested, or the configured one when none is saved.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ep
			switch {
			case len(args) == 1:
				target.URI = args[0]
			default:
				rec, ok, err := brokerStore(settings).Load()
				if err != nil {
					return err
				}
				if ok {
					target = mqtt.Endpoint{URI: rec.URI, Username: rec.Username, Password: rec.Password}
				} else {
					target.URI = settings.Broker.URI
				}
			}
			if err := conf.ValidateBrokerURI(target.URI); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), diagnosticsTimeout)
			defer cancel()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Testing %s\n", target.Redacted())
			results := make(chan mqtt.TestResult)
			passed := make(chan bool, 1)
			go func() { passed <- mqtt.RunDiagnostics(ctx, target, results) }()
			for r := range results {
				if r.IsProgress {
					continue
				}
				mark := "ok"
				if !r.Success {
					mark = "FAIL"
				}
				fmt.Fprintf(out, "  %-20s %-4s %s\n", r.Stage, mark, r.Message)
				if r.Error != "" {
					fmt.Fprintf(out, "  %-20s      %s\n", "", r.Error)
				}
			}
			if !<-passed {
				return errors.Newf("broker test failed").
					Category(errors.CategoryMQTTConnection).
					Context("broker", target.Redacted()).
					Build()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&ep.Username, "username", viper.GetString("broker.username"), "Broker username")
	cmd.Flags().StringVar(&ep.Password, "password", viper.GetString("broker.password"), "Broker password")
	return cmd
}

func showCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the saved broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := brokerStore(settings)
			rec, ok, err := store.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !ok {
				_, err = fmt.Fprintf(out, "no broker saved in %s\n", store.Path())
				return err
			}
			_, err = fmt.Fprintf(out, "broker:   %s\nusername: %s\nsaved:    %s\n",
				logger.RedactBrokerURI(rec.URI), rec.Username, rec.SavedAt.Local().Format(time.DateTime))
			return err
		},
	}
}

func forgetCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Forget the saved broker so the next start uses the configured one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := brokerStore(settings).Clear(); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "saved broker cleared")
			return err
		},
	}
}

func brokerStore(settings *conf.Settings) *conf.FileBrokerStore {
	return conf.NewFileBrokerStore(conf.ResolvePath(settings.State.Path))
}
