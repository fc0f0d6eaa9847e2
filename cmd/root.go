package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/iotalerts/cmd/alerts"
	"github.com/tphakala/iotalerts/cmd/broker"
	"github.com/tphakala/iotalerts/cmd/monitor"
	"github.com/tphakala/iotalerts/cmd/topics"
	"github.com/tphakala/iotalerts/cmd/version"
	"github.com/tphakala/iotalerts/internal/buildinfo"
	"github.com/tphakala/iotalerts/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "iotalerts",
		Short:         "IoT alert monitor for MQTT brokers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(rootCmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
	}

	rootCmd.AddCommand(
		monitor.Command(settings, build),
		alerts.Command(settings),
		topics.Command(settings),
		broker.Command(settings),
		version.Command(build),
	)

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&settings.Database.Path, "dbpath", viper.GetString("database.path"), "Path to the sqlite alert store")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
