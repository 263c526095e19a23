package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_sync/internal/network"
	"github.com/austindbirch/harbor_sync/internal/queue"
)

type networkState struct {
	State      string `json:"state"`
	Generation uint64 `json:"generation"`
	Changed    bool   `json:"changed,omitempty"`
}

// networkCmd represents the network command
var networkCmd = &cobra.Command{
	Use:   "network [online|offline]",
	Short: "Show or report connectivity",
	Long: `Without arguments, show the gateway's current view of connectivity.
With an argument, report connectivity to the gateway, as a host platform would.

Example:
  syncctl network offline`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"online", "offline"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var st networkState
		if len(args) == 0 {
			if err := doJSON("GET", "/v1/network", nil, &st); err != nil {
				return fmt.Errorf("failed to get network state: %w", err)
			}
		} else {
			if _, ok := network.ParseState(args[0]); !ok {
				return fmt.Errorf("invalid state %q (use online or offline)", args[0])
			}
			if err := doJSON("POST", "/v1/network", networkState{State: args[0]}, &st); err != nil {
				return fmt.Errorf("failed to set network state: %w", err)
			}
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), st)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Network: %s (generation %d)\n", st.State, st.Generation)
		return nil
	},
}

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Ask the gateway to drain its queue now",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats queue.Stats
		if err := doJSON("POST", "/v1/sync", nil, &stats); err != nil {
			return fmt.Errorf("failed to trigger sync: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), stats)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sync requested (%d pending, %d in flight)\n", stats.Pending, stats.InFlight)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(networkCmd)
	rootCmd.AddCommand(syncCmd)
}
