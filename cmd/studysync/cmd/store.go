package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/studysync/internal/db"
	syncpkg "github.com/kimhsiao/studysync/internal/sync"
)

type storeStatus struct {
	Store   string          `json:"store"`
	File    string          `json:"file"`
	Version int             `json:"version"`
	Target  int             `json:"target"`
	Sync    *syncpkg.Status `json:"sync,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store versions and sync state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		return withApp(ctx, func(a *app) error {
			var out []storeStatus
			bySync := make(map[string]*syncpkg.Status)
			if a.manager != nil {
				statuses, err := a.manager.Status(ctx)
				if err != nil {
					return err
				}
				for _, st := range statuses {
					bySync[st.Store] = st
				}
			}
			for _, def := range a.reg.Definitions() {
				store, err := a.reg.Store(def.Name)
				if err != nil {
					return err
				}
				v, err := store.Version(ctx)
				if err != nil {
					return err
				}
				out = append(out, storeStatus{
					Store:   def.Name,
					File:    store.Path(),
					Version: v,
					Target:  def.Version,
					Sync:    bySync[def.Name],
				})
			}

			if jsonOut {
				return printJSON(map[string]interface{}{
					"device":   a.device,
					"provider": a.cfg.SyncProvider,
					"stores":   out,
				})
			}

			fmt.Printf("device   %s\nprovider %s\n\n", a.device, a.cfg.SyncProvider)
			for _, s := range out {
				line := fmt.Sprintf("%-13s v%d", s.Store, s.Version)
				if st := s.Sync; st != nil {
					last := "never"
					if st.LastSyncAt > 0 {
						last = time.UnixMilli(st.LastSyncAt).Format(time.RFC3339)
					}
					line += fmt.Sprintf("  last sync %s, %d pending, %d conflicts", last, st.Pending, st.Conflicts)
					if !st.SignedIn {
						line += ", signed out"
					}
					if st.Truncated {
						line += ", full upload due"
					}
				}
				fmt.Println(line)
			}
			return nil
		})
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a backup archive of every store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := newRegistry(cfg)
		if err != nil {
			return err
		}
		archive, err := reg.Backup(context.Background())
		if err != nil {
			return err
		}
		if archive == "" {
			fmt.Println("no store files to back up")
			return nil
		}
		fmt.Println(archive)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <archive>",
	Short: "Replace the stores with a backup archive",
	Long: `Replace the store files with the contents of a backup archive written
by "studysync backup" or by a startup upgrade. Every file is checked
against the archive manifest before anything is replaced.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manifest, err := db.ReadManifest(args[0])
		if err != nil {
			return err
		}
		reg, err := newRegistry(cfg)
		if err != nil {
			return err
		}
		if err := reg.Restore(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "restored %d files written by %s at %s\n",
			len(manifest.Files), manifest.AppVersion, manifest.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Compact every store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		return withApp(ctx, func(a *app) error {
			if err := a.reg.Vacuum(ctx); err != nil {
				return err
			}
			fmt.Println("stores compacted")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(vacuumCmd)
}
