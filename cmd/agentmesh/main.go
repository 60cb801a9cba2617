// Command agentmesh runs the multi-agent coordinator: it discovers remote
// agents, plans submitted tasks with an LLM, and dispatches plan steps to
// agents and MCP tool servers.
//
// Usage:
//
//	agentmesh serve --config config/system.yaml
//	agentmesh serve --port 9000 --watch
//	agentmesh version
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the coordinator server."`

	Config   string `short:"c" help:"Path to system config file." default:"config/system.yaml" type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("agentmesh version %s\n", version)
	return nil
}

func initLogger(level string) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("invalid log level: %s", level)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

func main() {
	// .env is optional; values already in the environment win.
	if err := godotenv.Load(); err == nil {
		slog.Debug("Loaded .env file")
	}

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("agentmesh"),
		kong.Description("Multi-agent task coordinator."),
		kong.UsageOnError(),
	)

	if err := initLogger(cli.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := ctx.Run(&cli); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}
