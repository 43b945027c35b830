package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shiftdb/shift/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the shift HTTP API server",
	Long: `Start the HTTP API: analyze sources, build plans, execute and inspect
runs, trigger rollback or abort. State lives on the target database, so
multiple CLI and API sessions see the same plans and runs.

Requires source.url and target.url (config file, environment, or flags).
Set server.api_token to require bearer authentication.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("host", "", "Listen host")
	serveCmd.Flags().Int("port", 0, "Listen port")
	serveCmd.Flags().String("source-url", "", "Source database connection URL")
	serveCmd.Flags().String("source-kind", "", "Source kind: postgres, sqlite, or mysql")
	serveCmd.Flags().String("target-url", "", "Target PostgreSQL connection URL")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	// Register signal handlers before any blocking work.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	ctx := cmd.Context()
	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	srv := server.New(cfg, logger, rt.store, rt.engine, rt.conns.Health)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
		signal.Stop(sigCh) // second Ctrl-C exits immediately
		if err := srv.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
