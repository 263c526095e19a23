package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_sync/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the gateway",
	Long:  `Check the gateway's store, connectivity, and queue depth.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st health.Status
		err := doJSON("GET", "/healthz", nil, &st)
		if outputJSON && err == nil {
			printOutput(cmd.OutOrStdout(), st)
			return nil
		}

		out := cmd.OutOrStdout()
		if err != nil {
			fmt.Fprintf(out, "✗ Gateway is unhealthy: %v\n", err)
			return nil
		}
		fmt.Fprintln(out, "✓ Gateway is healthy")
		if st.Network != "" {
			fmt.Fprintf(out, "  Network: %s\n", st.Network)
		}
		if st.Queue != nil {
			fmt.Fprintf(out, "  Queue: %d pending, %d in flight, %d dead\n", st.Queue.Pending, st.Queue.InFlight, st.Queue.Dead)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
