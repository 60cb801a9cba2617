package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ServerDef describes one MCP tool server: the command to spawn and the
// environment overlay it receives.
type ServerDef struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env"`
	Description string            `json:"description"`
}

// mcpServersFile mirrors the on-disk shape of mcp_servers.json.
type mcpServersFile struct {
	MCPServers map[string]ServerDef `json:"mcpServers"`
}

// mcpSearchDirs are the directories searched, in order, for the MCP
// server definitions file.
var mcpSearchDirs = []string{".", "..", filepath.Join("..", "..")}

// FindMCPServersPath locates config/mcp_servers.json in the working
// directory or up to two parents.
func FindMCPServersPath() (string, bool) {
	for _, dir := range mcpSearchDirs {
		path := filepath.Join(dir, "config", "mcp_servers.json")
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// LoadMCPServers loads MCP server definitions from config/mcp_servers.json,
// searching the working directory and up to two parents. A missing file is
// not an error: the coordinator runs with zero tool servers rather than
// inventing executables to spawn.
func LoadMCPServers() map[string]ServerDef {
	path, ok := FindMCPServersPath()
	if !ok {
		slog.Warn("No MCP server config found, running without tool servers",
			"searched", mcpSearchDirs)
		return map[string]ServerDef{}
	}

	defs, err := loadMCPServersFile(path)
	if err != nil {
		slog.Warn("Failed to load MCP server config", "path", path, "error", err)
		return map[string]ServerDef{}
	}
	slog.Info("MCP server config loaded", "path", path, "servers", len(defs))
	return defs
}

// LoadMCPServersFrom loads MCP server definitions from an explicit path.
func LoadMCPServersFrom(path string) (map[string]ServerDef, error) {
	return loadMCPServersFile(path)
}

func loadMCPServersFile(path string) (map[string]ServerDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := ExpandEnv(string(data))

	var f mcpServersFile
	if err := json.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if f.MCPServers == nil {
		return nil, fmt.Errorf("%s: missing mcpServers key", path)
	}

	for name, def := range f.MCPServers {
		if def.Command == "" {
			slog.Warn("MCP server definition missing command, skipping", "server", name)
			delete(f.MCPServers, name)
		}
	}
	return f.MCPServers, nil
}
