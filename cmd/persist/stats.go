package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show table row counts and the version sequence head",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		tables, err := eng.TableNames(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TABLE\tROWS")
		for _, t := range tables {
			n, err := eng.CountRows(ctx, t)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%d\n", t, n)
		}
		w.Flush()

		head, err := eng.VersionHead(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("\nVersion sequence head: %d\n", head)

		if fi, err := os.Stat(eng.Options().DBFile); err == nil {
			fmt.Printf("Database size: %d bytes\n", fi.Size())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
