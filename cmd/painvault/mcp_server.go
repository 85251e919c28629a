package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forest6511/painvault/internal/logging"
	"github.com/forest6511/painvault/internal/mcp"
	"github.com/forest6511/painvault/pkg/audit"
	"github.com/forest6511/painvault/pkg/engine"
)

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

// mcpServerCmd starts the MCP server for AI assistant integration
var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start the MCP server for AI assistant integration",
	Long: `Start the MCP server that lets AI assistants check on the vault.

The server implements the Model Context Protocol (MCP) over stdio transport.
Tools report status, counts and metadata. Record contents are never
returned.

Available tools:
  - vault_status:      Lock state, queue depth, open conflicts
  - record_list:       Tables and record counts
  - record_exists:     Whether a record exists, with envelope metadata
  - conflict_list:     Open conflicts (field names only)
  - dead_letter_list:  Failed sync operations
  - insight_list:      Computed insights

Authentication:
  Set PAINVAULT_PASSWORD before starting the server to unlock the vault.
  The password is read once and immediately cleared from the environment.
  Without it the server runs locked: everything but insight computation
  still works.

Example MCP configuration:
  {
    "mcpServers": {
      "painvault": {
        "type": "stdio",
        "command": "/path/to/painvault",
        "args": ["mcp-server"],
        "env": {
          "PAINVAULT_PASSWORD": "your-passphrase"
        }
      }
    }
  }`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPServer(cmd.Context())
	},
}

func runMCPServer(parent context.Context) error {
	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(logging.WithContext(parent, logger))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var r engine.Remote
	if !offline {
		var err error
		if r, err = engine.NewRemote(cfg, logger); err != nil {
			return err
		}
	}
	e, err := engine.Open(ctx, cfg, r,
		engine.WithLogger(logger),
		engine.WithActor(audit.Actor{Name: "mcp-server", Source: audit.SourceMCP}))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", cfg.Dir, err)
	}
	defer e.Close()

	server, err := mcp.NewServer(ctx, &mcp.ServerOptions{Engine: e})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	go func() {
		select {
		case <-sigChan:
			cancel()
			server.Close()
		case <-ctx.Done():
		}
	}()

	// Run the server
	if err := server.Run(ctx); err != nil {
		// Don't report context canceled as an error
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
