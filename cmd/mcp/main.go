// Command mcp serves the VerifAI decision API as MCP tools over stdio, so an
// LLM client can score transactions, answer verification requests and read
// the learning log.
package main

import (
	"net/url"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/verifai/internal/logging"
	"github.com/mbd888/verifai/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	_ = godotenv.Load()

	// stdout carries the MCP protocol; logs go to stderr.
	logger := logging.NewWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "text")

	apiURL := os.Getenv("VERIFAI_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}
	if u, err := url.Parse(apiURL); err != nil || u.Scheme == "" || u.Host == "" {
		logger.Error("VERIFAI_API_URL must be an absolute URL", "value", apiURL)
		os.Exit(1)
	}

	cfg := mcpserver.Config{
		APIURL:      apiURL,
		AdminSecret: os.Getenv("VERIFAI_ADMIN_SECRET"),
	}
	logger.Info("starting verifai mcp server", "version", Version, "api", apiURL, "admin_tools", cfg.AdminSecret != "")

	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg, Version)); err != nil {
		logger.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}
