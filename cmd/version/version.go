package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/iotalerts/internal/buildinfo"
)

// Command creates a new cobra.Command to print build information.
func Command(build *buildinfo.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of iotalerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "iotalerts %s (built %s)\n", build.GetVersion(), build.GetBuildDate())
			return err
		},
	}
}
