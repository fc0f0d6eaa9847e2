package monitor

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/iotalerts/internal/buildinfo"
	"github.com/tphakala/iotalerts/internal/conf"
	"github.com/tphakala/iotalerts/internal/monitor"
)

// Command creates the command that runs the alert monitor daemon.
func Command(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Monitor MQTT topics for alerts",
		Long:  "Connect to the MQTT broker, persist incoming alerts and notify on severity changes until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if settings.Broker.URI != "" {
				if err := conf.ValidateBrokerURI(settings.Broker.URI); err != nil {
					return err
				}
			}
			return monitor.Run(settings, build)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringVar(&settings.Broker.URI, "uri", viper.GetString("broker.uri"), "Broker URI used when no broker has been saved (tcp://host:1883)")
	cmd.Flags().StringVar(&settings.Broker.Username, "username", viper.GetString("broker.username"), "Broker username")
	cmd.Flags().StringVar(&settings.Broker.Password, "password", viper.GetString("broker.password"), "Broker password")
	cmd.Flags().StringSliceVar(&settings.Broker.Topics, "topic", viper.GetStringSlice("broker.topics"), "Topic to subscribe on first connect, repeatable")
	cmd.Flags().BoolVar(&settings.Telemetry.Enabled, "enable-telemetry", viper.GetBool("telemetry.enabled"), "Enable the metrics and status endpoint")
	cmd.Flags().StringVar(&settings.Telemetry.Listen, "listen", viper.GetString("telemetry.listen"), "Listen address and port of the telemetry endpoint")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
