// Package alerts implements the alert history subcommands.
package alerts

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/iotalerts/internal/conf"
	"github.com/tphakala/iotalerts/internal/datastore"
	"github.com/tphakala/iotalerts/internal/errors"
	"github.com/tphakala/iotalerts/internal/monitor"
)

// Command creates the alerts command with its list, ack and delete
// subcommands.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Inspect and manage stored alerts",
	}
	cmd.AddCommand(listCommand(settings), ackCommand(settings), deleteCommand(settings))
	return cmd
}

func listCommand(settings *conf.Settings) *cobra.Command {
	var topic string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored alerts, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(settings, func(store *datastore.Store) error {
				list, err := store.AllAlerts(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTOPIC\tSEVERITY\tRECEIVED\tACK\tMESSAGE")
				for _, a := range list {
					if topic != "" && a.Topic != topic {
						continue
					}
					ack := ""
					if a.Acknowledged {
						ack = "yes"
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
						a.ID, a.Topic, a.Severity, a.Timestamp.Local().Format(time.DateTime), ack, a.Message)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "Only list alerts of this topic")
	return cmd
}

func ackCommand(settings *conf.Settings) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "ack [id]",
		Short: "Acknowledge an alert by id, or every alert received at --at",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (at != "") {
				return errors.ValidationError("give either an alert id or --at")
			}
			return withStore(settings, func(store *datastore.Store) error {
				if at != "" {
					ts, err := time.Parse(time.RFC3339Nano, at)
					if err != nil {
						return errors.New(err).
							Category(errors.CategoryValidation).
							Context("at", at).
							Build()
					}
					n, err := store.AcknowledgeByTimestamp(cmd.Context(), ts)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "acknowledged %d alert(s)\n", n)
					return err
				}

				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				if err := store.Acknowledge(cmd.Context(), id); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "acknowledged alert %d\n", id)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "RFC3339 receive timestamp of the alerts to acknowledge")
	return cmd
}

func deleteCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStore(settings, func(store *datastore.Store) error {
				if err := store.RemoveAlert(cmd.Context(), id); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted alert %d\n", id)
				return err
			})
		},
	}
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 0)
	if err != nil || id == 0 {
		return 0, errors.Newf("invalid alert id %q", s).
			Category(errors.CategoryValidation).
			Build()
	}
	return uint(id), nil
}

func withStore(settings *conf.Settings, fn func(*datastore.Store) error) error {
	store, err := monitor.OpenStore(settings.Database)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(store)
}
