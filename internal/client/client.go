package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mirrorbox/mirrorbox/internal/client/config"
	"github.com/mirrorbox/mirrorbox/internal/client/sync"
)

// Client runs one synced workspace against one relay.
type Client struct {
	config    *config.Config
	workspace *Workspace
	engine    *sync.Engine
}

func New(cfg *config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ws, err := NewWorkspace(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	return &Client{
		config:    cfg,
		workspace: ws,
	}, nil
}

func (c *Client) Start(ctx context.Context) error {
	slog.Info("client start",
		"datadir", c.config.DataDir, "server", c.config.ServerURL,
		"group", c.config.GroupID, "client", c.config.ClientID)

	if err := c.workspace.Setup(); err != nil {
		return fmt.Errorf("workspace setup: %w", err)
	}

	engine, err := sync.NewEngine(c.config, c.workspace.JournalPath)
	if err != nil {
		c.workspace.Close()
		return err
	}
	c.engine = engine

	if err := c.engine.Start(ctx); err != nil {
		c.workspace.Close()
		return fmt.Errorf("start sync engine: %w", err)
	}

	<-ctx.Done()
	slog.Info("received interrupt signal, stopping client")

	if err := c.engine.Stop(); err != nil {
		slog.Error("engine stop", "error", err)
	}
	if err := c.workspace.Close(); err != nil {
		slog.Error("workspace close", "error", err)
	}
	slog.Info("client stop")
	return nil
}
