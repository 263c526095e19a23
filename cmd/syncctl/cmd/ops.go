package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_sync/internal/operation"
	"github.com/austindbirch/harbor_sync/internal/queue"
)

// opRecord mirrors the gatewayd JSON for one queued operation
type opRecord struct {
	ID             string          `json:"id"`
	Kind           json.RawMessage `json:"kind"`
	Method         string          `json:"method"`
	Target         string          `json:"target"`
	EnqueuedAt     int64           `json:"enqueued_at"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	Status         string          `json:"status"`
	NextEligibleAt time.Time       `json:"next_eligible_at"`
	LastError      string          `json:"last_error,omitempty"`
}

func (r opRecord) kindName() string {
	kind, err := operation.DecodeKind(r.Kind)
	if err != nil {
		return "?"
	}
	return kind.KindName()
}

func printOps(w io.Writer, ops []opRecord, empty string) {
	if len(ops) == 0 {
		fmt.Fprintln(w, empty)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tMETHOD\tTARGET\tSTATUS\tPRIO\tATTEMPTS\tLAST ERROR")
	for _, op := range ops {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			op.ID, op.kindName(), op.Method, op.Target, op.Status, op.Priority, op.Attempts, op.LastError)
	}
	_ = tw.Flush()
}

// opsCmd represents the ops command
var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Inspect and manage queued operations",
	Long:  `List queued operations, inspect the dead letters, purge them, and submit new operations.`,
}

var opsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every operation the gateway holds",
	Long: `List queued operations in drain order.

Example:
  syncctl ops list --status pending`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		if status != "" && !operation.Status(status).Valid() {
			return fmt.Errorf("invalid status %q", status)
		}

		var ops []opRecord
		if err := doJSON("GET", "/v1/ops", nil, &ops); err != nil {
			return fmt.Errorf("failed to list operations: %w", err)
		}
		if status != "" {
			filtered := ops[:0]
			for _, op := range ops {
				if op.Status == status {
					filtered = append(filtered, op)
				}
			}
			ops = filtered
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), ops)
			return nil
		}
		printOps(cmd.OutOrStdout(), ops, "No operations queued")
		return nil
	},
}

var opsDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered operations",
	Long: `List operations that were rejected upstream or ran out of retry budget.

Example:
  syncctl ops dead --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var ops []opRecord
		if err := doJSON("GET", "/v1/ops/dead", nil, &ops); err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), ops)
			return nil
		}
		printOps(cmd.OutOrStdout(), ops, "No dead-lettered operations")
		return nil
	},
}

var opsPurgeCmd = &cobra.Command{
	Use:   "purge [operation-id...]",
	Short: "Delete dead-lettered operations",
	Long: `Permanently delete dead-lettered operations. Only dead operations can be purged.

Example:
  syncctl ops purge 0199c0de-7a4e-7c1a-9f00-5b1e0c1d2e3f`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			if err := doJSON("DELETE", "/v1/ops/dead/"+url.PathEscape(id), nil, nil); err != nil {
				return fmt.Errorf("failed to purge %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %s\n", id)
		}
		return nil
	},
}

var opsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats queue.Stats
		if err := doJSON("GET", "/v1/ops/stats", nil, &stats); err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), stats)
			return nil
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Queue:")
		fmt.Fprintf(out, "  Pending: %d\n", stats.Pending)
		fmt.Fprintf(out, "  In flight: %d\n", stats.InFlight)
		fmt.Fprintf(out, "  Dead: %d\n", stats.Dead)
		return nil
	},
}

var opsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Send one operation through the gateway",
	Long: `Send one operation through the gateway. While offline, writes are queued
and answered with a pending-sync placeholder.

Example:
  syncctl ops submit --kind '{"type":"message.send","conversation_id":"c1","client_message_id":"m1"}' \
    --method create --target /conversations/c1/messages --body '{"text":"hi"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kindStr, _ := cmd.Flags().GetString("kind")
		method, _ := cmd.Flags().GetString("method")
		target, _ := cmd.Flags().GetString("target")
		bodyStr, _ := cmd.Flags().GetString("body")
		priority, _ := cmd.Flags().GetInt("priority")

		if _, err := operation.DecodeKind([]byte(kindStr)); err != nil {
			return err
		}
		req := map[string]any{
			"kind":     json.RawMessage(kindStr),
			"method":   method,
			"target":   target,
			"priority": priority,
		}
		if bodyStr != "" {
			if !json.Valid([]byte(bodyStr)) {
				return fmt.Errorf("--body must be valid JSON")
			}
			req["body"] = json.RawMessage(bodyStr)
		}

		var resp map[string]any
		if err := doJSON("POST", "/v1/ops", req, &resp); err != nil {
			return fmt.Errorf("failed to submit operation: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Source: %v\n", resp["source"])
		if id, ok := resp["operation_id"]; ok {
			fmt.Fprintf(out, "Operation ID: %v\n", id)
		}
		if b, ok := resp["body"]; ok {
			data, _ := json.Marshal(b)
			fmt.Fprintf(out, "Body: %s\n", data)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(opsCmd)
	opsCmd.AddCommand(opsListCmd)
	opsCmd.AddCommand(opsDeadCmd)
	opsCmd.AddCommand(opsPurgeCmd)
	opsCmd.AddCommand(opsStatsCmd)
	opsCmd.AddCommand(opsSubmitCmd)

	opsListCmd.Flags().String("status", "", "only show operations in this status (pending, inflight, dead)")

	opsSubmitCmd.Flags().String("kind", "", "operation kind as JSON, with a \"type\" field")
	opsSubmitCmd.Flags().String("method", "", "read, create, update or delete")
	opsSubmitCmd.Flags().String("target", "", "upstream resource path")
	opsSubmitCmd.Flags().String("body", "", "JSON request body")
	opsSubmitCmd.Flags().Int("priority", 0, "higher drains first")
	_ = opsSubmitCmd.MarkFlagRequired("kind")
	_ = opsSubmitCmd.MarkFlagRequired("method")
	_ = opsSubmitCmd.MarkFlagRequired("target")
}
