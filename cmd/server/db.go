package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aeolun/pairchat/pkg/database"
)

var createDBCmd = &cobra.Command{
	Use:   "createdb",
	Short: "Create the database file and apply the schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, _, err := loadConfig()
		if err != nil {
			return err
		}
		path, err := databasePath(config)
		if err != nil {
			return err
		}
		if err := database.Create(path); err != nil {
			return err
		}
		fmt.Printf("Database ready at %s\n", path)
		return nil
	},
}

var deleteDBCmd = &cobra.Command{
	Use:   "deletedb",
	Short: "Delete the database file and its WAL files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, _, err := loadConfig()
		if err != nil {
			return err
		}
		path, err := config.GetDatabasePath()
		if err != nil {
			return fmt.Errorf("failed to resolve database path: %w", err)
		}
		if err := database.Drop(path); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(createDBCmd)
	rootCmd.AddCommand(deleteDBCmd)
}
