package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/animus-labs/reelforge/internal/execution/schema"
	"github.com/animus-labs/reelforge/internal/platform/postgres"
	repopg "github.com/animus-labs/reelforge/internal/repo/postgres"
)

const serviceName = "reelforge"

// configError marks failures caused by invalid configuration. They exit with 2.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func invalidConfig(what string, err error) error {
	return &configError{err: fmt.Errorf("invalid %s config: %w", what, err)}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(logger).ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Error("reelforge failed", "error", err)
		var cfgErr *configError
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "reelforge",
		Short: "Execution engine for video pipeline nodes",
		Long: `reelforge runs single nodes of a video generation pipeline on
external providers and compute, and records their outcome.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(logger), newMigrateCmd(logger), newNodeTypesCmd())
	return root
}

func newMigrateCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			dbCfg, err := postgres.ConfigFromEnv()
			if err != nil {
				return invalidConfig("database", err)
			}
			db, err := postgres.Open(ctx, dbCfg)
			if err != nil {
				return fmt.Errorf("database unavailable: %w", err)
			}
			defer func() { _ = db.Close() }()
			if err := repopg.Migrate(ctx, db); err != nil {
				return err
			}
			logger.Info("schema applied")
			return nil
		},
	}
}

func newNodeTypesCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "node-types",
		Short: "Print the node type catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeCatalogue(cmd.OutOrStdout(), format)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "json", "output format: json or yaml")
	return cmd
}

func writeCatalogue(w io.Writer, format string) error {
	resp := nodeTypesResponse{SchemaVersion: schema.SchemaVersion, NodeTypes: schema.Builtin().Catalogue()}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(resp); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
