package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/leadfoundry/internal/workspace"
)

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Delete stale run workspaces",
	Long:  "Removes run directories under workspace.base_dir that have no lock marker and are older than the minimum age.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		minAge, _ := cmd.Flags().GetDuration("min-age")
		if !cmd.Flags().Changed("min-age") {
			minAge = cfg.Workspace.ReclaimMinAge
		}

		res, err := workspace.Reclaim(cfg.Workspace.BaseDir, workspace.ReclaimOptions{
			MinAge: minAge,
			Prefix: cfg.Workspace.RunPrefix,
		})
		if err != nil {
			return err
		}
		formatReclaim(os.Stdout, res)
		return nil
	},
}

func formatReclaim(w io.Writer, res *workspace.ReclaimResult) {
	for _, dir := range res.Removed {
		_, _ = fmt.Fprintf(w, "removed  %s\n", dir)
	}
	_, _ = fmt.Fprintf(w, "%d removed, %d skipped, %d failed\n", len(res.Removed), res.Skipped, res.Failed)
}

func init() {
	reclaimCmd.Flags().Duration("min-age", time.Hour, "only delete directories older than this (default from config)")
	rootCmd.AddCommand(reclaimCmd)
}
