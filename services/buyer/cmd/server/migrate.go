package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prithviraju1369/ontheline.in/pkg/db"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/callbacks"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/config"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/idempotency"
	"github.com/prithviraju1369/ontheline.in/services/buyer/internal/orders"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the orders, callback receipt and idempotency schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Store.Driver != "postgres" {
				return fmt.Errorf("migrate needs store.driver=postgres, have %q", cfg.Store.Driver)
			}
			pool, err := db.Connect(cmd.Context(), cfg.Database.URL, db.Options{MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := migrate(cmd.Context(), orders.NewPGStore(pool), callbacks.NewPGReceiptStore(pool), idempotency.NewPGStore(pool)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}
