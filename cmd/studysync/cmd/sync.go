package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/spf13/cobra"

	syncpkg "github.com/kimhsiao/studysync/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync [store]",
	Short: "Run a sync pass",
	Long: `Run one sync pass on a store, or on every syncable store when none is
given. Interrupting the command cancels the pass; the store is left as it
was before the pass.

Examples:
  studysync sync              # bookmarks, readingplans and workspaces
  studysync sync bookmarks`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		return withApp(ctx, func(a *app) error {
			m, err := a.syncing()
			if err != nil {
				return err
			}

			if len(args) == 0 {
				results, err := m.SyncAll(ctx)
				printResults(results)
				return err
			}
			res, err := m.Sync(ctx, args[0])
			if err != nil {
				return err
			}
			printResults(map[string]*syncpkg.Result{res.Store: res})
			return nil
		})
	},
}

var conflictsLimit int

var conflictsCmd = &cobra.Command{
	Use:   "conflicts <store>",
	Short: "List recent conflict decisions of a store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		return withApp(ctx, func(a *app) error {
			m, err := a.syncing()
			if err != nil {
				return err
			}
			acc, err := m.Accessor(args[0])
			if err != nil {
				return err
			}
			logs, err := acc.Conflicts(ctx, conflictsLimit)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(logs)
			}
			for _, c := range logs {
				fmt.Printf("%s  %s/%s  %s (local %d, remote %d)  %s\n",
					time.UnixMilli(c.DetectedAt).Format(time.RFC3339), c.Table, c.RowID,
					c.Resolution, c.LocalTimestamp, c.RemoteTimestamp, c.SourceFile)
			}
			return nil
		})
	},
}

var resetSyncCmd = &cobra.Command{
	Use:   "reset-sync <store>",
	Short: "Forget the sync state of a store",
	Long: `Forget the remote cursor, the applied-file records and the conflict log
of a store. The next pass downloads every remote file again and uploads the
local changes still in the log.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		return withApp(ctx, func(a *app) error {
			m, err := a.syncing()
			if err != nil {
				return err
			}
			if err := m.ResetSync(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("sync state of %s reset\n", args[0])
			return nil
		})
	},
}

func printResults(results map[string]*syncpkg.Result) {
	if jsonOut {
		printJSON(results)
		return
	}
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Println(describeResult(results[name]))
	}
}

func describeResult(r *syncpkg.Result) string {
	switch {
	case r.Skipped:
		return fmt.Sprintf("%-13s skipped, not signed in", r.Store)
	case r.NoOp:
		return fmt.Sprintf("%-13s up to date", r.Store)
	}
	s := fmt.Sprintf("%-13s downloaded %d, %d rows changed, %d conflicts", r.Store,
		r.Downloaded, len(r.Update.Changes), r.Conflicts)
	if r.Replaced {
		s += ", replaced from snapshot"
	}
	if r.Uploaded != "" {
		s += ", uploaded " + r.Uploaded
	}
	if r.Retired > 0 {
		s += fmt.Sprintf(", retired %d old files", r.Retired)
	}
	return s
}

func init() {
	conflictsCmd.Flags().IntVarP(&conflictsLimit, "limit", "n", 20, "number of entries, 0 for all")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(resetSyncCmd)
}
