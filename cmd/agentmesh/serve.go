package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/config/provider"
	"github.com/agentmesh/agentmesh/pkg/executor"
	"github.com/agentmesh/agentmesh/pkg/llm"
	"github.com/agentmesh/agentmesh/pkg/mcp"
	"github.com/agentmesh/agentmesh/pkg/planner"
	"github.com/agentmesh/agentmesh/pkg/registry"
	"github.com/agentmesh/agentmesh/pkg/server"
	"github.com/agentmesh/agentmesh/pkg/task"
)

// ServeCmd starts the coordinator server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)." default:"0"`
	Watch bool `help:"Watch the MCP server config file and reload on change."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	cfg.LogTimeouts()

	// MCP tool servers.
	mcpClient := mcp.NewClient(config.LoadMCPServers(), cfg.Timeout("mcp_tools"))
	defer mcpClient.Shutdown()

	if c.Watch {
		if err := watchMCPConfig(ctx, mcpClient); err != nil {
			slog.Warn("MCP config watch unavailable", "error", err)
		}
	}

	// Discovery.
	prober := a2a.NewProber(cfg.Timeout("agent_discovery"), cfg.Timeout("health_check"))
	reg := registry.New(prober, cfg.Discovery.Endpoints)
	go reg.RunPeriodic(ctx, time.Duration(cfg.Discovery.RefreshInterval)*time.Second)

	// Planning and execution.
	llmClient := llm.New(cfg.LLM, cfg.Timeout("llm_api"))
	caller := a2a.NewCaller(cfg.Timeout("agent_communication"))
	plnr := planner.New(llmClient, reg, mcpClient)
	exec := executor.New(reg, caller, mcpClient)
	manager := task.NewManager(plnr, exec, cfg.Timeout("task_processing"))

	srv := server.New(manager, reg, prober, mcpClient, llmClient.Verified)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Coordinator listening", "addr", addr,
			"discovery_endpoints", len(cfg.Discovery.Endpoints),
			"mcp_servers", len(mcpClient.Names()))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	// Graceful stop: HTTP first, then the MCP children (via the deferred
	// Shutdown).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	slog.Info("Coordinator stopped")
	return nil
}

// watchMCPConfig reloads MCP server definitions when the file changes.
func watchMCPConfig(ctx context.Context, mcpClient *mcp.Client) error {
	path, ok := config.FindMCPServersPath()
	if !ok {
		return fmt.Errorf("no mcp_servers.json to watch")
	}

	fp, err := provider.NewFileProvider(path)
	if err != nil {
		return err
	}

	changes, err := fp.Watch(ctx)
	if err != nil {
		fp.Close()
		return err
	}

	go func() {
		defer fp.Close()
		for range changes {
			defs, err := config.LoadMCPServersFrom(path)
			if err != nil {
				slog.Warn("Ignoring invalid MCP config change", "path", path, "error", err)
				continue
			}
			mcpClient.Reload(defs)
		}
	}()

	slog.Info("Watching MCP server config", "path", path)
	return nil
}
