package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/peerswarm/lease-coordinator/internal/database"
	"github.com/peerswarm/lease-coordinator/internal/token"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

var (
	taskComplexity string
	taskWorkflow   string
	taskMaxRetries int
	auditKind      string
	auditOut       string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the Postgres schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(m *database.Migrator) error {
			if err := m.Up(); err != nil {
				return err
			}
			logger.Info().Msg("Migrations applied")
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back every migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(m *database.Migrator) error {
			if err := m.Down(); err != nil {
				return err
			}
			logger.Info().Msg("Migrations rolled back")
			return nil
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(m *database.Migrator) error {
			v, dirty, err := m.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", v, dirty)
			return nil
		})
	},
}

func withMigrator(cmd *cobra.Command, fn func(*database.Migrator) error) error {
	if err := requireConfig(cmd); err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL not set")
	}
	m, err := database.NewMigrator(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and inspect tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:     "create <idempotency-key>",
	Short:   "Create a task, or return the one already holding the key",
	Example: `  swarmctl task create wf-42/step-3 --complexity HIGH --workflow wf-42`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := types.NewTask{
			IdempotencyKey: args[0],
			Complexity:     types.Complexity(taskComplexity),
		}
		if cmd.Flags().Changed("max-retries") {
			in.MaxRetries = &taskMaxRetries
		}
		if taskWorkflow != "" {
			in.WorkflowID = &taskWorkflow
		}
		return apiCall(cmd, http.MethodPost, "/v1/tasks", in)
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall(cmd, http.MethodGet, "/v1/tasks/"+url.PathEscape(args[0]), nil)
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <task-id>",
	Short: "Requeue a FAILED or EXPIRED task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall(cmd, http.MethodPost, "/v1/admin/tasks/"+url.PathEscape(args[0])+"/requeue", nil)
	},
}

var revokePeerCmd = &cobra.Command{
	Use:   "revoke-peer <peer-id>",
	Short: "Revoke every active lease held by a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall(cmd, http.MethodPost, "/v1/admin/peers/"+url.PathEscape(args[0])+"/revoke", nil)
	},
}

var bufferCmd = &cobra.Command{
	Use:   "buffer",
	Short: "Inspect and flush the result buffer",
}

var bufferStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show result buffer occupancy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall(cmd, http.MethodGet, "/v1/admin/buffer/stats", nil)
	},
}

var bufferFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Reconcile buffered results with the control plane now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiCall(cmd, http.MethodPost, "/v1/admin/buffer/flush", nil)
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Read the audit trail",
}

var auditExportCmd = &cobra.Command{
	Use:     "export",
	Short:   "Download audit records as an Excel workbook",
	Example: `  swarmctl audit export --kind lease_revoked --out revoked.xlsx`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if auditKind != "" {
			q.Set("kind", auditKind)
		}
		path := "/v1/admin/audit/export"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()
		body, err := newAdminClient(serverURL, apiKey).call(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		if err := os.WriteFile(auditOut, body, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", auditOut, err)
		}
		logger.Info().Str("file", auditOut).Int("bytes", len(body)).Msg("Audit export written")
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Lease token utilities",
}

var tokenInspectCmd = &cobra.Command{
	Use:   "inspect <token>",
	Short: "Decode a lease token without verifying its signature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		claims, err := token.Inspect(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "lease:   %s\n", claims.LeaseID())
		fmt.Fprintf(out, "task:    %s\n", claims.TaskID)
		fmt.Fprintf(out, "peer:    %s\n", claims.PeerID)
		fmt.Fprintf(out, "issuer:  %s\n", claims.Issuer)
		fmt.Fprintf(out, "expires: %s\n", claims.ExpiresTime().UTC().Format(time.RFC3339))
		return nil
	},
}

func apiCall(cmd *cobra.Command, method, path string, body any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	raw, err := newAdminClient(serverURL, apiKey).call(ctx, method, path, body)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), raw)
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)

	taskCreateCmd.Flags().StringVar(&taskComplexity, "complexity", string(types.ComplexityMedium), "LOW, MEDIUM or HIGH")
	taskCreateCmd.Flags().StringVar(&taskWorkflow, "workflow", "", "workflow the task belongs to")
	taskCreateCmd.Flags().IntVar(&taskMaxRetries, "max-retries", 0, "retry budget, 0 never retries (unset uses the coordinator default)")
	taskCmd.AddCommand(taskCreateCmd, taskGetCmd)

	bufferCmd.AddCommand(bufferStatsCmd, bufferFlushCmd)

	auditExportCmd.Flags().StringVar(&auditKind, "kind", "", "only export records of this kind")
	auditExportCmd.Flags().StringVarP(&auditOut, "out", "o", "audit.xlsx", "output file")
	auditCmd.AddCommand(auditExportCmd)

	tokenCmd.AddCommand(tokenInspectCmd)

	rootCmd.AddCommand(migrateCmd, taskCmd, requeueCmd, revokePeerCmd, bufferCmd, auditCmd, tokenCmd)
}
