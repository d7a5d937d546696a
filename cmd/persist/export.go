package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/smartpcr/persistence-lib/internal/bulk"
)

var exportCmd = &cobra.Command{
	Use:   "export <table>",
	Short: "Export a table to a package directory",
	Long: `Export writes metadata.json, batched data-NNNN.ndjson files, and a
manifest with per-file checksums. Soft-delete tables export their full
version history in full and archive modes.`,
	Example: `  persist export Widgets --db store.db --out ./backup
  persist export Widgets --db store.db --out ./inc --mode incremental --since 2025-06-01T00:00:00Z
  persist export Widgets --db store.db --out ./old --mode archive --cutoff 2024-01-01T00:00:00Z --gzip`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		mode, _ := cmd.Flags().GetString("mode")
		sinceStr, _ := cmd.Flags().GetString("since")
		cutoffStr, _ := cmd.Flags().GetString("cutoff")
		batch, _ := cmd.Flags().GetInt("batch-size")
		gz, _ := cmd.Flags().GetBool("gzip")

		opts := bulk.ExportOptions{
			Mode:      bulk.ExportMode(mode),
			Dir:       out,
			BatchSize: batch,
			Compress:  gz,
		}
		var err error
		if sinceStr != "" {
			if opts.Since, err = time.Parse(time.RFC3339, sinceStr); err != nil {
				return fmt.Errorf("bad --since: %w", err)
			}
		}
		if cutoffStr != "" {
			if opts.Cutoff, err = time.Parse(time.RFC3339, cutoffStr); err != nil {
				return fmt.Errorf("bad --cutoff: %w", err)
			}
		}

		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		table, err := eng.Table(ctx, args[0])
		if err != nil {
			return err
		}
		sum, err := bulk.Export(ctx, table, opts)
		if err != nil {
			return err
		}
		fmt.Printf("Exported %d rows in %d files to %s (%s)\n",
			sum.Rows, sum.Files, sum.Dir, sum.Duration.Round(time.Millisecond))
		return nil
	},
}

func init() {
	exportCmd.Flags().String("out", "", "destination directory (required)")
	exportCmd.Flags().String("mode", "full", "export mode: full, incremental, archive")
	exportCmd.Flags().String("since", "", "incremental watermark (RFC3339)")
	exportCmd.Flags().String("cutoff", "", "archive boundary (RFC3339)")
	exportCmd.Flags().Int("batch-size", 1000, "rows per data file")
	exportCmd.Flags().Bool("gzip", false, "compress data files")
	exportCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(exportCmd)
}
