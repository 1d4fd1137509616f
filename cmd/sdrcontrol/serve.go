package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/sdrcontrol/internal/api"
	"github.com/banshee-data/sdrcontrol/internal/monitoring"
	"github.com/banshee-data/sdrcontrol/internal/version"
)

const shutdownTimeout = 5 * time.Second

func (a *app) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the receiver HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, nil)
		},
	}
	cmd.Flags().String("listen", a.v.GetString("listen"), "HTTP listen address")
	if err := a.v.BindPFlag("listen", cmd.Flags().Lookup("listen")); err != nil {
		panic(err)
	}
	return cmd
}

// serve runs the API until ctx is cancelled. If ready is non-nil it
// receives the bound listener address once the server accepts connections.
func (a *app) serve(ctx context.Context, ready chan<- string) error {
	log := monitoring.Logger()
	log.Info("starting", zap.String("version", version.String()))

	s, err := newStack(a.cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	statuses, err := s.dir.Initialize()
	if err != nil {
		return fmt.Errorf("failed to enumerate receivers: %w", err)
	}
	for _, st := range statuses {
		log.Info("receiver",
			zap.String("serial", st.Serial),
			zap.String("name", st.Name),
			zap.Int("index", st.Index),
			zap.Bool("accessible", st.Accessible),
			zap.String("error", st.Error))
	}

	srv := api.NewServer(s.ctrl, s.dir, s.store, s.hub, s.registry, s.clock)
	mux := srv.ServeMux()
	srv.AttachAdminRoutes(mux)
	s.store.AttachAdminRoutes(mux)

	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Listen, err)
	}
	server := &http.Server{
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP server shutdown error", zap.Error(err))
			// websocket taps are hijacked and ignored by Shutdown
			if err := server.Close(); err != nil {
				log.Warn("HTTP server force close error", zap.Error(err))
			}
		}
		return nil
	})
	if ready != nil {
		ready <- ln.Addr().String()
	}

	err = g.Wait()
	srv.StopAll()
	log.Info("graceful shutdown complete")
	return err
}
