package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meetsync/botherd/internal/log"
	"github.com/meetsync/botherd/internal/registry"
	"github.com/meetsync/botherd/internal/server"
	"github.com/meetsync/botherd/internal/stopcascade"
	"github.com/meetsync/botherd/internal/supervisor"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 10 * time.Second

func doServe(cmd *cobra.Command, _ []string) error {
	if err := config.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("botherd",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	reg := registry.New()
	sup := supervisor.New(config, reg)
	cascade := stopcascade.New(config, reg, sup)
	api := server.New(config, sup, cascade, reg)

	srv := &http.Server{
		Addr:              config.Listen,
		Handler:           api.Handler(slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "botherd listening", "addr", config.Listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.InfoContext(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
