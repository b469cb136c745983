package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmehdipour/billing-reconciler/internal/app"
	"github.com/jmehdipour/billing-reconciler/internal/db"
	"github.com/jmehdipour/billing-reconciler/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create MySQL tables and, when configured, the ClickHouse history table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.Load(cfgPath)
		if err != nil {
			return err
		}

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()

		version, err := migrations.UpMySQL(sqlDB.DB)
		if err != nil {
			return err
		}
		fmt.Printf(">> mysql schema at version %d\n", version)

		if strings.TrimSpace(cfg.ClickHouse.DSN) == "" {
			fmt.Println(">> clickhouse.dsn empty, skipping transition history")
			fmt.Println(">> Migration complete")
			return nil
		}

		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer chDB.Close()

		chScripts, err := migrations.ClickHouse()
		if err != nil {
			return fmt.Errorf("read clickhouse migrations: %w", err)
		}
		for _, s := range chScripts {
			for _, stmt := range s.Statements() {
				if _, err := chDB.Exec(stmt); err != nil {
					return fmt.Errorf("exec migration %s: %w", s.Name, err)
				}
			}
			fmt.Printf(">> applied %s\n", s.Name)
		}

		fmt.Println(">> Migration complete")
		return nil
	},
}
