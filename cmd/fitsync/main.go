// fitsync is the operator CLI for the offline worker daemon.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fitsync/fitsync/internal/api"
	"github.com/fitsync/fitsync/internal/config"
	"github.com/fitsync/fitsync/internal/model"
	"github.com/fitsync/fitsync/internal/pageclient"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fitsync: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var socketPath string
	var timeout time.Duration

	root := &cobra.Command{
		Use:           "fitsync",
		Short:         "Inspect and control the offline sync daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaults := config.DefaultConfig()
	root.PersistentFlags().StringVar(&socketPath, "socket", defaults.SocketPath, "daemon socket path")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	client := func() *pageclient.Client {
		return pageclient.New(socketPath).WithUnaryTimeout(timeout)
	}

	root.AddCommand(
		newStatusCmd(client),
		newSyncCmd(client),
		newPendingCmd(client),
		newStoreCmd(client),
		newGetCmd(client),
		newClearAuthCmd(client),
		newWatchCmd(client),
	)
	return root
}

func newStatusCmd(client func() *pageclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			health, err := client().Health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status:        %s\n", health.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "cache version: %s\n", health.CacheVersion)
			fmt.Fprintf(cmd.OutOrStdout(), "pending:       %d\n", health.PendingCount)
			fmt.Fprintf(cmd.OutOrStdout(), "upstream:      %s\n", reachability(health.UpstreamOK))
			return nil
		},
	}
}

func reachability(ok bool) string {
	if ok {
		return "reachable"
	}
	return "unreachable"
}

func newSyncCmd(client func() *pageclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a synchronization pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reply, err := client().Send(cmd.Context(), api.Message{Type: model.MsgTriggerSync})
			if err != nil {
				return err
			}
			if !reply.OK {
				if reply.Error == model.ErrSyncRunning {
					fmt.Fprintln(cmd.OutOrStdout(), "sync already running")
					return nil
				}
				return fmt.Errorf("sync failed: %s", reply.Error)
			}
			var results api.SyncResults
			if len(reply.Data) > 0 {
				if err := json.Unmarshal(reply.Data, &results); err != nil {
					return fmt.Errorf("decode sync results: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced: %d ok, %d failed\n", results.Success, results.Failure)
			return nil
		},
	}
}

func newPendingCmd(client func() *pageclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show the number of queued offline mutations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reply, err := client().Send(cmd.Context(), api.Message{Type: model.MsgGetPendingChangesCount})
			if err != nil {
				return err
			}
			if !reply.OK || reply.Count == nil {
				return fmt.Errorf("get pending count: %s", reply.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", *reply.Count)
			return nil
		},
	}
}

func newStoreCmd(client func() *pageclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "store <key> <json>",
		Short: "Store a JSON payload for offline reads",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage(args[1])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}
			reply, err := client().Send(cmd.Context(), api.Message{
				Type: model.MsgStoreOfflineData,
				Key:  args[0],
				Data: payload,
			})
			if err != nil {
				return err
			}
			if !reply.OK {
				return fmt.Errorf("store failed: %s", reply.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stored")
			return nil
		},
	}
}

func newGetCmd(client func() *pageclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read a cached JSON payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := client().Send(cmd.Context(), api.Message{
				Type: model.MsgGetCachedData,
				Key:  args[0],
			})
			if err != nil {
				return err
			}
			if !reply.OK {
				if reply.Error == model.ErrNotFound {
					return fmt.Errorf("no cached data for %s", args[0])
				}
				return fmt.Errorf("get failed: %s", reply.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(reply.Data))
			return nil
		},
	}
}

func newClearAuthCmd(client func() *pageclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-auth",
		Short: "Drop cached auth data and queued auth writes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reply, err := client().Send(cmd.Context(), api.Message{Type: model.MsgClearAuthCache})
			if err != nil {
				return err
			}
			if !reply.OK {
				return fmt.Errorf("clear auth cache: %s", reply.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "auth cache cleared")
			return nil
		},
	}
}

func newWatchCmd(client func() *pageclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream worker events as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			return client().Listen(cmd.Context(), pageclient.ListenOptions{}, func(line api.EventLine) error {
				return enc.Encode(line)
			})
		},
	}
}
