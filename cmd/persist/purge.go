package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/smartpcr/persistence-lib/internal/bulk"
)

var purgeCmd = &cobra.Command{
	Use:   "purge <table>",
	Short: "Remove expired rows or old versions from a table",
	Long: `Purge strategies:
  expired         rows past their AbsoluteExpiration (archived rows stay)
  soft-retention  fully-deleted keys plus superseded versions older than
                  --older-than; the latest live version always survives

Use --preview to see what would go without changing anything, and
--backup-dir to export the table first (an export failure aborts the purge).`,
	Example: `  persist purge Widgets --db store.db --strategy expired --preview
  persist purge Widgets --db store.db --strategy soft-retention --older-than 720h --backup-dir ./pre-purge`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		preview, _ := cmd.Flags().GetBool("preview")
		backupDir, _ := cmd.Flags().GetString("backup-dir")

		opts := bulk.PurgeOptions{
			Strategy:    bulk.PurgeStrategy(strategy),
			Preview:     preview,
			BackupFirst: backupDir != "",
			BackupDir:   backupDir,
		}
		if olderThan > 0 {
			opts.OlderThan = time.Now().Add(-olderThan)
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
		sum, err := bulk.Purge(ctx, table, opts)
		if err != nil {
			return err
		}

		verb := "Removed"
		if sum.Preview {
			verb = "Would remove"
		}
		fmt.Printf("%s %d rows and %d list mappings from %s\n",
			verb, sum.RowsRemoved, sum.MappingsRemoved, args[0])
		if len(sum.KeysSample) > 0 {
			fmt.Printf("Keys: %s\n", strings.Join(sum.KeysSample, ", "))
		}
		if sum.BackupDir != "" {
			fmt.Printf("Backup written to %s\n", sum.BackupDir)
		}
		return nil
	},
}

func init() {
	purgeCmd.Flags().String("strategy", "expired", "expired or soft-retention")
	purgeCmd.Flags().Duration("older-than", 0, "retention window for soft-retention (e.g. 720h)")
	purgeCmd.Flags().Bool("preview", false, "count without deleting")
	purgeCmd.Flags().String("backup-dir", "", "export the table here before purging")
	rootCmd.AddCommand(purgeCmd)
}
