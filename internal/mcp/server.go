// Package mcp implements the MCP (Model Context Protocol) server for painvault.
// Agents get status, counts and metadata; record contents are never returned.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/painvault/pkg/engine"
)

// PasswordEnv is read when no password is passed in ServerOptions.
const PasswordEnv = "PAINVAULT_PASSWORD"

// Version is reported to MCP clients.
const Version = "0.1.0"

// Server represents the MCP server for painvault.
type Server struct {
	server *mcp.Server
	engine *engine.Engine
}

// ServerOptions contains configuration options for the MCP server.
type ServerOptions struct {
	// Engine is an open engine. The server does not close it.
	Engine *engine.Engine

	// Password unlocks the vault. If empty, PAINVAULT_PASSWORD is tried.
	// Without either the server runs locked: everything except computing
	// insights still works.
	Password string
}

// NewServer creates a new MCP server instance.
func NewServer(ctx context.Context, opts *ServerOptions) (*Server, error) {
	if opts == nil || opts.Engine == nil {
		return nil, errors.New("mcp: engine is required")
	}

	// Get password from options or environment
	password := opts.Password
	if password == "" {
		password = os.Getenv(PasswordEnv)
		// Clear the environment variable after reading for security
		os.Unsetenv(PasswordEnv)
	}

	if password != "" {
		if err := opts.Engine.Unlock(ctx, password); err != nil {
			return nil, fmt.Errorf("failed to unlock vault: %w", err)
		}
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "painvault",
			Version: Version,
		},
		nil,
	)

	s := &Server{
		server: mcpServer,
		engine: opts.Engine,
	}

	s.registerTools()

	return s, nil
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vault_status",
		Description: "Report whether the vault is initialized and unlocked, sync queue depth, dead letters, open conflicts, flagged records and the last successful sync.",
	}, s.handleVaultStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "record_list",
		Description: "List tables with their record counts. Does NOT return record contents.",
	}, s.handleRecordList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "record_exists",
		Description: "Check whether a record exists and return its envelope metadata (schema version, key version, write time). Does NOT decrypt the record.",
	}, s.handleRecordExists)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "conflict_list",
		Description: "List open sync conflicts with the names of the conflicting fields. Does NOT return field values.",
	}, s.handleConflictList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "dead_letter_list",
		Description: "List sync operations that exhausted their retries or were rejected by the server, optionally only those older than a duration such as 7d.",
	}, s.handleDeadLetterList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "insight_list",
		Description: "List derived health insights (trends and summaries). Requires an unlocked vault unless insights were already computed.",
	}, s.handleInsightList)
}

// Run starts the MCP server using stdio transport.
func (s *Server) Run(ctx context.Context) error {
	defer s.engine.Lock()

	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Close locks the vault.
func (s *Server) Close() error {
	s.engine.Lock()
	return nil
}
