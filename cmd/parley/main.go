// Parley server — hosts interactive multi-agent sessions behind an HTTP
// API and a WebSocket observer protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/parleyhq/parley/pkg/api"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/mcp"
	"github.com/parleyhq/parley/pkg/session"
	"github.com/parleyhq/parley/pkg/version"
)

const shutdownTimeout = 15 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory; missing is fine.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file loaded", "path", envPath, "error", err)
	}

	slog.Info("Starting parley",
		"version", version.GitCommit,
		"config_dir", *configDir)

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	stats := cfg.Stats()
	slog.Info("Configuration loaded",
		"agents", stats.Agents,
		"mcp_servers", stats.MCPServers,
		"llm_providers", stats.LLMProviders)

	// MCP sessions are shared across all agent workbenches. Failures are
	// non-fatal: a broken server degrades its tools, not the process.
	mcpClient := mcp.NewClient(cfg.MCPServerRegistry)
	if ids := cfg.MCPServerRegistry.ServerIDs(); len(ids) > 0 {
		mcpClient.Initialize(ctx, ids)
		if failed := mcpClient.FailedServers(); len(failed) > 0 {
			slog.Warn("Some MCP servers failed to initialize", "failed_servers", failed)
		}
	}
	defer func() {
		if err := mcpClient.Close(); err != nil {
			slog.Error("Error closing MCP client", "error", err)
		}
	}()

	sessions := session.NewManager(cfg, mcpClient, nil)
	server := api.NewServer(cfg, sessions, mcpClient)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}

	// Persist every live session before the process exits.
	sessions.Shutdown()
	slog.Info("Shutdown complete")
}
