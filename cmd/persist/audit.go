package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List audit records, newest first",
	Example: `  persist audit --db store.db
  persist audit --db store.db --type Widgets --key w-123 --limit 50`,
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType, _ := cmd.Flags().GetString("type")
		key, _ := cmd.Flags().GetString("key")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		recs, err := eng.AuditRecords(ctx, entityType, key, limit)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No audit records.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tOP\tTYPE\tID\tVERSION\tCALLER")
		for _, r := range recs {
			old := ""
			if r.OldVersion != nil {
				old = fmt.Sprintf(" (was %d)", *r.OldVersion)
			}
			caller := ""
			if r.CallerFile != "" {
				caller = fmt.Sprintf("%s:%d", r.CallerFile, r.CallerLine)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%s\t%s\n",
				r.CreatedAt.Format("2006-01-02 15:04:05"), r.Operation,
				r.EntityType, r.EntityID, r.NewVersion, old, caller)
		}
		return w.Flush()
	},
}

func init() {
	auditCmd.Flags().String("type", "", "filter by entity type")
	auditCmd.Flags().String("key", "", "filter by entity id")
	auditCmd.Flags().Int("limit", 100, "maximum records (0 = all)")
	rootCmd.AddCommand(auditCmd)
}
