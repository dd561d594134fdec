package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"brewlog/internal/agentapi"
	"brewlog/internal/connectivity"
	"brewlog/internal/telemetry"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local capture API and background sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			return Serve(ctx, a)
		},
	}
}

// Serve runs the agent API, the connectivity probe and the sync dispatcher
// until ctx is cancelled.
func Serve(ctx context.Context, a *Agent) error {
	cfg := a.Config

	shutdownTracing, err := telemetry.InitJaeger(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		a.Logger.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(ctx)
	}()

	var probe *connectivity.Probe
	if cfg.Probe.Enabled {
		url, err := connectivity.HeartbeatURL(cfg.ServerURL, cfg.AgentID)
		if err != nil {
			return err
		}
		probe = connectivity.NewProbe(url, a.Monitor, a.Logger)
		probe.PongTimeout = cfg.Probe.PongTimeout
		probe.MaxBackoff = cfg.Probe.MaxBackoff
	}

	if err := a.Engine.Start(ctx); err != nil {
		return err
	}

	handler := agentapi.NewHandler(cfg.AgentID, a.Capture, a.Engine, a.Drafts, a.Monitor, a.Names, a.Logger)
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      agentapi.SetupRoutes(handler, a.Logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("agent API listening", "addr", server.Addr, "server", cfg.ServerURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if probe != nil {
		g.Go(func() error { return probe.Run(ctx) })
	} else {
		// Learning: without the socket, one health check decides the start state
		a.CheckServer(ctx)
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		a.Engine.Stop()
		return err
	})

	return g.Wait()
}
