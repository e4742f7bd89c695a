package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/vaultscript/mcpserver"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the evaluator over MCP on stdin/stdout",
		Long: `Start a Model Context Protocol server on stdin/stdout.

Tools:
  evaluate              Type-check and run a program
  check                 Type-check a program
  search_capabilities   Search the capability catalog
  describe_capability   Describe one capability
  type_declarations     Render declarations for an allow-list
  upsert_function       Create or update a custom function
  list_functions        List custom functions
  remove_function       Remove a custom function

Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := mcpserver.New(a.exec, mcpserver.Options{
		Name:    a.cfg.Server.Name,
		Version: a.cfg.Server.Version,
		Logger:  a.logger,
	})

	g, ctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		// The client closing stdin ends Run; stop unblocks the watcher below.
		defer stop()
		a.logger.Info("serving MCP on stdio",
			zap.String("name", a.cfg.Server.Name),
			zap.String("functions_store", a.cfg.Functions.Store),
		)
		return srv.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down", zap.Error(context.Cause(ctx)))
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
