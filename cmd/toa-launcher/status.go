package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/taozi8887/toa-launcher/internal/backup"
	"github.com/taozi8887/toa-launcher/internal/config"
	"github.com/taozi8887/toa-launcher/internal/history"
	"github.com/taozi8887/toa-launcher/internal/manifest"
	"github.com/taozi8887/toa-launcher/internal/updater"
)

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the installed version and recent update sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			local, err := manifest.Load(filepath.Join(cfg.Install.Root, updater.ManifestName))
			if err != nil {
				return err
			}
			if local == nil {
				fmt.Println("installed: none (first run pending)")
			} else {
				fmt.Printf("installed: %s", local.Version)
				if local.ReleaseDate != "" {
					fmt.Printf(" (released %s)", local.ReleaseDate)
				}
				fmt.Printf(", %d files tracked\n", local.FileCount())
			}

			if cfg.History.Path == "" {
				return nil
			}
			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.ListRecent(10)
			if err != nil {
				return err
			}
			for _, r := range recs {
				line := fmt.Sprintf("%s  %-11s %s -> %s",
					r.StartedAt.Format("2006-01-02 15:04"), r.Outcome, orDash(r.FromVersion), orDash(r.ToVersion))
				if r.FilesFetched > 0 {
					line += fmt.Sprintf("  (%d files, %d bytes)", r.FilesFetched, r.BytesFetched)
				}
				if r.Detail != "" {
					line += "  " + r.Detail
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func rollbackCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Restore an interrupted update transaction by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			mgr := backup.New(cfg.Install.Root)
			recovered, err := mgr.Recover()
			if err != nil {
				return err
			}
			if recovered {
				fmt.Println("interrupted transaction rolled back")
			} else {
				fmt.Println("nothing to roll back")
			}
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
