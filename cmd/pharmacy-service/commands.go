package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/medflow/medflow-pharmacy/migrations"
	"github.com/medflow/medflow-pharmacy/pkg/actor"
	"github.com/medflow/medflow-pharmacy/pkg/config"
	"github.com/medflow/medflow-pharmacy/pkg/database"
	"github.com/medflow/medflow-pharmacy/pkg/logger"
	"github.com/medflow/medflow-pharmacy/pkg/tenant"
	"github.com/spf13/cobra"
)

// connect opens the database for a one-shot command
func connect() (*config.Config, *database.DB, *logger.Logger, error) {
	cfg, err := config.Load(serviceName)
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.New(serviceName, cfg.Server.Environment)
	db, err := database.New(&cfg.Database, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, db, log, nil
}

// tenantContext scopes a command to one tenant schema acting as the system
func tenantContext(cmd *cobra.Command) (context.Context, error) {
	schema, _ := cmd.Flags().GetString("schema")
	tenantID, _ := cmd.Flags().GetString("tenant-id")
	if err := tenant.ValidateSchema(schema); err != nil {
		return nil, err
	}
	if tenantID == "" {
		tenantID = schema
	}
	ctx := tenant.WithTenantContext(context.Background(), tenantID, "", schema)
	return actor.WithActor(ctx, actor.SystemActor()), nil
}

func addTenantFlags(cmd *cobra.Command) {
	cmd.Flags().String("schema", "", "Tenant schema, e.g. tenant_demo")
	cmd.Flags().String("tenant-id", "", "Tenant id recorded on events (defaults to the schema)")
	_ = cmd.MarkFlagRequired("schema")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply tenant schema migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			all, _ := cmd.Flags().GetBool("all-tenants")
			if (schema == "") == !all {
				return errors.New("pass exactly one of --schema or --all-tenants")
			}

			_, db, _, err := connect()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := context.Background()
			schemas := []string{schema}
			if all {
				tenants, err := db.ActiveTenants(ctx)
				if err != nil {
					return err
				}
				schemas = schemas[:0]
				for _, t := range tenants {
					schemas = append(schemas, t.Schema)
				}
			}

			migrator := database.NewMigrator(db, migrations.FS)
			for _, s := range schemas {
				count, err := migrator.Up(ctx, s)
				if err != nil {
					return fmt.Errorf("migrate %s: %w", s, err)
				}
				fmt.Printf("%s: applied %d migration(s)\n", s, count)
			}
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target tenant schema")
	upCmd.Flags().Bool("all-tenants", false, "Migrate every active tenant")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status of a tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			_, db, _, err := connect()
			if err != nil {
				return err
			}
			defer db.Close()

			statuses, err := database.NewMigrator(db, migrations.FS).Status(context.Background(), schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				state, at := "pending", ""
				if s.Applied {
					state = "applied"
					at = s.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, state, at)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target tenant schema")
	_ = statusCmd.MarkFlagRequired("schema")
	cmd.AddCommand(statusCmd)

	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the stock ledger",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay every batch and check the hash chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := tenantContext(cmd)
			if err != nil {
				return err
			}
			cfg, db, log, err := connect()
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := newServices(db, nil, cfg, log).ledger.VerifyAll(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("%d batch(es) do not match their ledger", len(report.Discrepancies))
			}
			return nil
		},
	}
	addTenantFlags(verifyCmd)
	cmd.AddCommand(verifyCmd)

	return cmd
}

func alertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Stock and expiry alerts",
	}

	evaluateCmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate alerts for one tenant and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := tenantContext(cmd)
			if err != nil {
				return err
			}
			cfg, db, log, err := connect()
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := newServices(db, nil, cfg, log).alerts.Evaluate(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	addTenantFlags(evaluateCmd)
	cmd.AddCommand(evaluateCmd)

	return cmd
}
