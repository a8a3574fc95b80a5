package main

import (
	"encoding/json"
	"fmt"
	"time"

	"agentcall/internal/app"
	"agentcall/internal/auth"
	"agentcall/internal/config"
	"agentcall/migrations"
	"agentcall/pkg/logger"
	"agentcall/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logger.New(cfg.App.Env, cfg.App.LogLevel)

			db, err := utils.OpenPostgres(cmd.Context(), "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: 2})
			if err != nil {
				return err
			}
			defer db.Close()

			if err := utils.Migrate(db, migrations.FS); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Execute pending retries whose dispatcher callback is overdue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Sweeper.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "executed %d overdue retries\n", n)
			return nil
		},
	}
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <sid>",
		Short: "Schedule a retry of a session on behalf of its callee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Scheduler.Schedule(cmd.Context(), args[0], "")
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func newTokenCmd() *cobra.Command {
	var userID, realm, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access/refresh token pair (local and dev only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.IsProduction() {
				return fmt.Errorf("token issuance is disabled in production")
			}
			m, err := auth.NewManager(cfg.Auth)
			if err != nil {
				return err
			}
			pair, err := m.IssuePair(time.Now(), userID, realm, role)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{
				"access_token":  pair.AccessToken,
				"refresh_token": pair.RefreshToken,
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&realm, "realm", "", "realm")
	cmd.Flags().StringVar(&role, "role", "operator", "role: operator, callee, super_admin")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func build(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.Build(cmd.Context(), cfg, logger.New(cfg.App.Env, cfg.App.LogLevel))
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
