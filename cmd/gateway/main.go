// Package main provides the CLI entry point for the zero-trust routing
// gateway.
//
// # Basic Usage
//
// Start the gateway, speaking line-delimited JSON-RPC 2.0 over stdio to
// its client and spawning the configured upstream tool servers:
//
//	gateway serve --upstreams upstreams.yaml --skills skills.yaml --identity identity.yaml
//
// List the derived role catalogue:
//
//	gateway roles list --skills skills.yaml
//
// Validate a configuration file against its JSON Schema shape:
//
//	gateway config validate --skills skills.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gateway",
		Short: "Zero-trust routing gateway between an AI-agent client and a fleet of MCP tool servers",
		Long: `gateway sits between an AI-agent client and a fleet of MCP-style tool
servers, resolving the caller's identity to a role, filtering the tool
table that role may see, routing calls through a selectable strategy
with retry and circuit-breaking, and recording every decision to a
bounded in-memory audit ring.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildRolesCmd(),
		buildAuditCmd(),
		buildConfigCmd(),
	)
	return root
}
