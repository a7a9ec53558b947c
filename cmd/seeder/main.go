package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unclebandit/newsletter-delivery/internal/config"
	"github.com/unclebandit/newsletter-delivery/internal/db"
)

var defaultSeedFiles = []string{
	"seed/subscribers.sql",
	"seed/campaigns.sql",
}

type opener func(ctx context.Context) (*sql.DB, error)

func main() {
	open := func(ctx context.Context) (*sql.DB, error) {
		cfg, err := config.LoadFromEnv(configPath())
		if err != nil {
			return nil, err
		}
		return db.Open(ctx, cfg.Database, zap.NewNop())
	}
	if err := newRootCmd(open).Execute(); err != nil {
		os.Exit(1)
	}
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:          "seeder",
		Short:        "Apply the newsletter schema and load seed data",
		SilenceUsage: true,
	}
	root.AddCommand(newSchemaCmd(open), newSQLCmd(open))
	return root
}

func newSchemaCmd(open opener) *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Create the campaigns and subscribers tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if printOnly {
				_, err := io.WriteString(cmd.OutOrStdout(), db.Schema())
				return err
			}
			conn, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := db.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the schema instead of applying it")
	return cmd
}

func newSQLCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "sql [files...]",
		Short: "Execute seed SQL files, each in its own transaction",
		Long:  "Execute seed SQL files in order. Without arguments the bundled seed files are used.",
		RunE: func(cmd *cobra.Command, args []string) error {
			files := args
			if len(files) == 0 {
				files = defaultSeedFiles
			}
			conn, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()

			for _, file := range files {
				if err := execFile(cmd.Context(), conn, file); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded: %s\n", file)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Database seeding completed successfully!")
			return nil
		},
	}
}

func execFile(ctx context.Context, conn *sql.DB, file string) error {
	content, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", file, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to execute %s: %w", file, err)
	}
	return tx.Commit()
}
