package topics

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/iotalerts/internal/conf"
	"github.com/tphakala/iotalerts/internal/monitor"
)

// Command creates the topics command. Subscriptions are changed by the
// running monitor, so only listing is offered here.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Inspect the subscribed topic ledger",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List subscribed topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := monitor.OpenStore(settings.Database)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			topics, err := store.ListTopics(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range topics {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), t); err != nil {
					return err
				}
			}
			return nil
		},
	})
	return cmd
}
