package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"brewlog/internal/config"
	"brewlog/internal/connectivity"
	"brewlog/internal/drafts"
	"brewlog/internal/kv"
	"brewlog/internal/naming"
	"brewlog/internal/remote"
	"brewlog/internal/services"
	"brewlog/internal/syncengine"
)

// Agent holds the capture agent's components, wired from one config.
type Agent struct {
	Config  *config.AgentConfig
	Logger  *slog.Logger
	Store   kv.Store
	Drafts  *drafts.Store
	Remote  *remote.Client
	Monitor *connectivity.Monitor
	Engine  *syncengine.Engine
	Names   *naming.Resolver
	Capture *services.CaptureService
}

// OpenAgent opens the draft database at cfg.DataPath and wires the agent.
func OpenAgent(cfg *config.AgentConfig, logger *slog.Logger) (*Agent, error) {
	store, err := kv.OpenSQLite(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open draft store %s: %w", cfg.DataPath, err)
	}
	a, err := NewAgent(cfg, store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

// NewAgent wires the agent over an already open KV store. The agent starts
// offline; the probe or a health check flips it online.
func NewAgent(cfg *config.AgentConfig, store kv.Store, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}

	names, err := naming.New(cfg.Naming, naming.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("invalid naming config: %w", err)
	}

	draftStore := drafts.NewStore(store,
		drafts.WithMaxDrafts(cfg.MaxDrafts),
		drafts.WithLogger(logger),
	)
	client := remote.NewClient(cfg.ServerURL, cfg.Sync.RemoteTimeout)
	monitor := connectivity.NewMonitor(false, logger)

	engine := syncengine.New(draftStore, client, cfg.Sync,
		syncengine.WithLogger(logger),
		syncengine.WithConnectivity(monitor),
	)

	capture := services.NewCaptureService(draftStore, client, client, engine, monitor, names, logger)

	return &Agent{
		Config:  cfg,
		Logger:  logger,
		Store:   store,
		Drafts:  draftStore,
		Remote:  client,
		Monitor: monitor,
		Engine:  engine,
		Names:   names,
		Capture: capture,
	}, nil
}

// CheckServer sets the connectivity state from one health request.
func (a *Agent) CheckServer(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, a.Config.Sync.RemoteTimeout)
	defer cancel()

	err := a.Remote.Health(ctx)
	if err != nil {
		a.Logger.Debug("server health check failed", "error", err)
	}
	a.Monitor.Set(err == nil)
	return err == nil
}

// Close stops the sync engine and closes the draft database.
func (a *Agent) Close() error {
	a.Engine.Stop()
	c, ok := a.Store.(io.Closer)
	if !ok {
		return nil
	}
	if err := c.Close(); err != nil && !errors.Is(err, kv.ErrClosed) {
		return err
	}
	return nil
}
