package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a database with the engine's system tables",
	Long: `Create (or open) the database and lay down the system tables: the
global version sequence, the list-mapping table, and the audit trail.
Entity tables are created by applications through their descriptors.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()
		fmt.Printf("Initialized %s\n", eng.Options().DBFile)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
