// Command sluicectl drives a sluice coordinator from the shell: it submits
// listing and drop requests, polls them, cancels them and deletes them.
//
//	sluicectl list --sort size --dir desc --max 20 --wait
//	sluicectl drop --wait
//	sluicectl status drop 3f0c...
//	sluicectl cancel listing 3f0c...
//	sluicectl flowfile 9b2e... --node node-1
//	sluicectl enqueue --node http://localhost:8081 --count 100 --size 1024
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/sluice/internal/cluster"
	"github.com/dreamware/sluice/internal/request"
)

const defaultServer = "http://127.0.0.1:8080"

var bases = map[string]string{
	"listing": "/queue/listing-requests",
	"drop":    "/queue/drop-requests",
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sluicectl",
		Short:         "Control a sluice coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("server", defaultServer, "coordinator base URL")

	rootCmd.AddCommand(
		listCmd(),
		dropCmd(),
		statusCmd(),
		cancelCmd(),
		deleteCmd(),
		nodesCmd(),
		flowUnitCmd(),
		enqueueCmd(),
	)
	return rootCmd
}

func serverURL(cmd *cobra.Command, path string) string {
	return strings.TrimRight(cmd.Flag("server").Value.String(), "/") + path
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the flow units queued across the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]any{}
			if v, _ := cmd.Flags().GetString("sort"); v != "" {
				body["sortColumn"] = v
			}
			if v, _ := cmd.Flags().GetString("dir"); v != "" {
				body["sortDirection"] = v
			}
			if v, _ := cmd.Flags().GetInt("max"); v > 0 {
				body["maxResults"] = v
			}
			return submit(cmd, "listing", body)
		},
	}
	cmd.Flags().String("sort", "", "sort column (position, uuid, filename, size, queued, age, penalized)")
	cmd.Flags().String("dir", "", "sort direction (asc or desc)")
	cmd.Flags().Int("max", 0, "maximum number of results, 0 for all")
	addSubmitFlags(cmd)
	return cmd
}

func dropCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop every flow unit queued across the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return submit(cmd, "drop", map[string]any{})
		},
	}
	addSubmitFlags(cmd)
	return cmd
}

func addSubmitFlags(cmd *cobra.Command) {
	cmd.Flags().String("seed", "", "idempotency seed; resubmitting a seed returns the same request")
	cmd.Flags().Bool("wait", false, "poll until the request finishes")
	cmd.Flags().Duration("interval", 500*time.Millisecond, "poll interval with --wait")
}

func submit(cmd *cobra.Command, kind string, body map[string]any) error {
	if seed, _ := cmd.Flags().GetString("seed"); seed != "" {
		body["seed"] = seed
	}
	var snap request.Snapshot
	if err := cluster.PostJSON(cmd.Context(), serverURL(cmd, bases[kind]), body, &snap); err != nil {
		return fmt.Errorf("submit %s: %w", kind, err)
	}
	if wait, _ := cmd.Flags().GetBool("wait"); wait && !snap.State.IsTerminal() {
		interval, _ := cmd.Flags().GetDuration("interval")
		var err error
		if snap, err = poll(cmd.Context(), serverURL(cmd, bases[kind]+"/"+snap.ID), interval); err != nil {
			return err
		}
	}
	return printJSON(cmd.OutOrStdout(), snap)
}

// poll fetches url until the request it names reaches a terminal state.
func poll(ctx context.Context, url string, interval time.Duration) (request.Snapshot, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var snap request.Snapshot
		if err := cluster.GetJSON(ctx, url, &snap); err != nil {
			return snap, fmt.Errorf("poll: %w", err)
		}
		if snap.State.IsTerminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

func kindArg(args []string) (string, error) {
	if _, ok := bases[args[0]]; !ok {
		return "", fmt.Errorf("unknown request kind %q (want listing or drop)", args[0])
	}
	return args[0], nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <listing|drop> <id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := kindArg(args)
			if err != nil {
				return err
			}
			var snap request.Snapshot
			if err := cluster.GetJSON(cmd.Context(), serverURL(cmd, bases[kind]+"/"+args[1]), &snap); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <listing|drop> <id>",
		Short: "Cancel a running request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := kindArg(args)
			if err != nil {
				return err
			}
			var out json.RawMessage
			if err := cluster.PostJSON(cmd.Context(), serverURL(cmd, bases[kind]+"/"+args[1]+"/cancel"), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <listing|drop> <id>",
		Short: "Delete a request, canceling it first if it is still running",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := kindArg(args)
			if err != nil {
				return err
			}
			var snap request.Snapshot
			if err := cluster.DeleteJSON(cmd.Context(), serverURL(cmd, bases[kind]+"/"+args[1]), &snap); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func nodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List registered nodes and their health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out json.RawMessage
			if err := cluster.GetJSON(cmd.Context(), serverURL(cmd, "/nodes"), &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func flowUnitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flowfile <uuid>",
		Short: "Show one queued flow unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeID, _ := cmd.Flags().GetString("node")
			if nodeID == "" {
				return fmt.Errorf("--node is required")
			}
			path := "/queue/flowfiles/" + url.PathEscape(args[0]) + "?clusterNodeId=" + url.QueryEscape(nodeID)
			var summary request.FlowUnitSummary
			if err := cluster.GetJSON(cmd.Context(), serverURL(cmd, path), &summary); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().String("node", "", "id of the node holding the unit")
	return cmd
}

// enqueueCmd loads synthetic flow units straight into one node's queue.
func enqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Load synthetic flow units into a node queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nodeURL, _ := cmd.Flags().GetString("node")
			count, _ := cmd.Flags().GetInt("count")
			size, _ := cmd.Flags().GetInt64("size")
			name, _ := cmd.Flags().GetString("filename")
			if nodeURL == "" {
				return fmt.Errorf("--node is required")
			}
			if count < 1 {
				return fmt.Errorf("--count must be at least 1, got %d", count)
			}
			batch := make([]cluster.EnqueueUnit, count)
			for i := range batch {
				batch[i] = cluster.EnqueueUnit{Filename: fmt.Sprintf("%s-%d", name, i), Size: size}
			}
			var resp cluster.EnqueueResponse
			if err := cluster.PostJSON(cmd.Context(), strings.TrimRight(nodeURL, "/")+cluster.PathEnqueue,
				cluster.EnqueueRequest{FlowUnits: batch}, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().String("node", "", "node base URL")
	cmd.Flags().Int("count", 1, "number of flow units")
	cmd.Flags().Int64("size", 0, "size of each flow unit in bytes")
	cmd.Flags().String("filename", "unit", "filename prefix")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
