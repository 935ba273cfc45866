package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/use-agent/reelfetch/api"
	"github.com/use-agent/reelfetch/cache"
	"github.com/use-agent/reelfetch/parser"
)

// shutdownGrace is how long in-flight requests get after a signal.
const shutdownGrace = 5 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(commandContext(cmd))
		},
	}
}

func (c *cli) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := c.cfg
	c.logger.Info("reelfetch starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"engines", cfg.Dispatch.Engines,
	)

	svc, err := c.buildServices()
	if err != nil {
		return err
	}
	defer svc.Close(c.logger)

	cc := cache.New(cfg.Cache.MaxEntries)
	defer cc.Close()

	router := api.NewRouter(ctx, api.Deps{
		Fetcher:   svc.dispatcher,
		Pool:      svc.pool,
		Parser:    parser.NewFestivalParser(c.logger),
		Cache:     cc,
		Config:    cfg,
		Logger:    c.logger,
		StartTime: time.Now(),
		Version:   version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		c.logger.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		c.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.logger.Error("HTTP server forced shutdown", "error", err)
	} else {
		c.logger.Info("HTTP server drained gracefully")
	}
	c.logger.Info("reelfetch stopped")
	return nil
}
