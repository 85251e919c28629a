package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/painvault/internal/cli"
	"github.com/forest6511/painvault/pkg/insight"
	"github.com/forest6511/painvault/pkg/storage"
	"github.com/forest6511/painvault/pkg/vault"
)

// VaultStatusInput represents input for vault_status tool.
type VaultStatusInput struct{}

// VaultStatusOutput represents output for vault_status tool.
type VaultStatusOutput struct {
	Initialized    bool   `json:"initialized"`
	Locked         bool   `json:"locked"`
	KeyVersion     int    `json:"key_version,omitempty"`
	SyncEnabled    bool   `json:"sync_enabled"`
	QueueDepth     int    `json:"queue_depth"`
	DeadLetters    int    `json:"dead_letters"`
	Conflicts      int    `json:"conflicts"`
	Flagged        int    `json:"flagged"`
	LastSync       string `json:"last_sync,omitempty"`
	NeedsAttention bool   `json:"needs_attention"`
}

// RecordListInput represents input for record_list tool.
type RecordListInput struct {
	Table string `json:"table,omitempty"`
}

// RecordListOutput represents output for record_list tool.
type RecordListOutput struct {
	Tables []TableInfo `json:"tables"`
}

// TableInfo is a table name and its record count.
type TableInfo struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// RecordExistsInput represents input for record_exists tool.
type RecordExistsInput struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

// RecordExistsOutput represents output for record_exists tool.
type RecordExistsOutput struct {
	Exists        bool   `json:"exists"`
	Table         string `json:"table"`
	ID            string `json:"id"`
	SchemaVersion int    `json:"schema_version,omitempty"`
	KeyVersion    int    `json:"key_version,omitempty"`
	WrittenAt     string `json:"written_at,omitempty"`
}

// ConflictListInput represents input for conflict_list tool.
type ConflictListInput struct {
	Table string `json:"table,omitempty"`
}

// ConflictListOutput represents output for conflict_list tool.
type ConflictListOutput struct {
	Conflicts []ConflictInfo `json:"conflicts"`
}

// ConflictInfo describes one open conflict (no values).
type ConflictInfo struct {
	ID            string   `json:"id"`
	Table         string   `json:"table"`
	EntityID      string   `json:"entity_id"`
	Fields        []string `json:"fields"`
	RemoteVersion string   `json:"remote_version"`
	DetectedAt    string   `json:"detected_at"`
}

// DeadLetterListInput represents input for dead_letter_list tool.
type DeadLetterListInput struct {
	OlderThan string `json:"older_than,omitempty"`
}

// DeadLetterListOutput represents output for dead_letter_list tool.
type DeadLetterListOutput struct {
	DeadLetters []DeadLetterInfo `json:"dead_letters"`
}

// DeadLetterInfo describes one dead-lettered operation.
type DeadLetterInfo struct {
	ID       uint64 `json:"id"`
	Method   string `json:"method"`
	Table    string `json:"table"`
	EntityID string `json:"entity_id"`
	Priority string `json:"priority"`
	Retries  int    `json:"retries"`
	Reason   string `json:"reason"`
	DeadAt   string `json:"dead_at"`
}

// InsightListInput represents input for insight_list tool.
type InsightListInput struct {
	Type string `json:"type,omitempty"`
}

// InsightListOutput represents output for insight_list tool.
type InsightListOutput struct {
	Insights []insight.Insight `json:"insights"`
	Cached   bool              `json:"cached"`
}

// handleVaultStatus handles the vault_status tool call.
func (s *Server) handleVaultStatus(ctx context.Context, _ *mcp.CallToolRequest, _ VaultStatusInput) (*mcp.CallToolResult, VaultStatusOutput, error) {
	st, err := s.engine.Status(ctx)
	if err != nil {
		return nil, VaultStatusOutput{}, fmt.Errorf("failed to read status: %w", err)
	}
	out := VaultStatusOutput{
		Initialized:    st.Initialized,
		Locked:         st.Locked,
		KeyVersion:     st.KeyVersion,
		SyncEnabled:    st.SyncEnabled,
		QueueDepth:     st.QueueDepth,
		DeadLetters:    st.DeadLetters,
		Conflicts:      st.Conflicts,
		Flagged:        st.Flagged,
		NeedsAttention: st.NeedsAttention(),
	}
	if !st.LastSync.IsZero() {
		out.LastSync = st.LastSync.Format(time.RFC3339)
	}
	return nil, out, nil
}

// handleRecordList handles the record_list tool call.
func (s *Server) handleRecordList(ctx context.Context, _ *mcp.CallToolRequest, input RecordListInput) (*mcp.CallToolResult, RecordListOutput, error) {
	tables := s.engine.Tables()
	if input.Table != "" {
		tables = []string{input.Table}
	}

	output := RecordListOutput{Tables: make([]TableInfo, 0, len(tables))}
	for _, t := range tables {
		n, err := s.engine.Count(ctx, t)
		if err != nil {
			return nil, RecordListOutput{}, fmt.Errorf("failed to count %s: %w", t, err)
		}
		output.Tables = append(output.Tables, TableInfo{Name: t, Count: n})
	}
	return nil, output, nil
}

// handleRecordExists handles the record_exists tool call.
func (s *Server) handleRecordExists(ctx context.Context, _ *mcp.CallToolRequest, input RecordExistsInput) (*mcp.CallToolResult, RecordExistsOutput, error) {
	if input.Table == "" || input.ID == "" {
		return nil, RecordExistsOutput{}, errors.New("table and id are required")
	}

	info, err := s.engine.Describe(ctx, input.Table, input.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, RecordExistsOutput{
				Exists: false,
				Table:  input.Table,
				ID:     input.ID,
			}, nil
		}
		return nil, RecordExistsOutput{}, fmt.Errorf("failed to read record: %w", err)
	}

	return nil, RecordExistsOutput{
		Exists:        true,
		Table:         info.Table,
		ID:            info.ID,
		SchemaVersion: info.SchemaVersion,
		KeyVersion:    info.KeyVersion,
		WrittenAt:     info.WrittenAt.Format(time.RFC3339),
	}, nil
}

// handleConflictList handles the conflict_list tool call.
func (s *Server) handleConflictList(ctx context.Context, _ *mcp.CallToolRequest, input ConflictListInput) (*mcp.CallToolResult, ConflictListOutput, error) {
	list, err := s.engine.Conflicts(ctx)
	if err != nil {
		return nil, ConflictListOutput{}, fmt.Errorf("failed to list conflicts: %w", err)
	}

	output := ConflictListOutput{Conflicts: make([]ConflictInfo, 0, len(list))}
	for _, c := range list {
		if input.Table != "" && c.Table != input.Table {
			continue
		}
		output.Conflicts = append(output.Conflicts, ConflictInfo{
			ID:            c.ID,
			Table:         c.Table,
			EntityID:      c.EntityID,
			Fields:        c.Fields,
			RemoteVersion: c.RemoteVersion,
			DetectedAt:    c.DetectedAt.Format(time.RFC3339),
		})
	}
	return nil, output, nil
}

// handleDeadLetterList handles the dead_letter_list tool call.
func (s *Server) handleDeadLetterList(ctx context.Context, _ *mcp.CallToolRequest, input DeadLetterListInput) (*mcp.CallToolResult, DeadLetterListOutput, error) {
	var cutoff time.Time
	if input.OlderThan != "" {
		d, err := cli.ParseDuration(input.OlderThan)
		if err != nil {
			return nil, DeadLetterListOutput{}, fmt.Errorf("invalid older_than format: %w", err)
		}
		cutoff = time.Now().Add(-d)
	}

	dead, err := s.engine.DeadLetters(ctx)
	if err != nil {
		return nil, DeadLetterListOutput{}, fmt.Errorf("failed to list dead letters: %w", err)
	}

	output := DeadLetterListOutput{DeadLetters: make([]DeadLetterInfo, 0, len(dead))}
	for _, d := range dead {
		if !cutoff.IsZero() && d.DeadAt.After(cutoff) {
			continue
		}
		output.DeadLetters = append(output.DeadLetters, DeadLetterInfo{
			ID:       d.ID,
			Method:   string(d.Op.Method),
			Table:    d.Op.Table,
			EntityID: d.Op.ID,
			Priority: d.Priority.String(),
			Retries:  d.RetryCount,
			Reason:   d.Reason,
			DeadAt:   d.DeadAt.Format(time.RFC3339),
		})
	}
	return nil, output, nil
}

// handleInsightList handles the insight_list tool call.
func (s *Server) handleInsightList(ctx context.Context, _ *mcp.CallToolRequest, input InsightListInput) (*mcp.CallToolResult, InsightListOutput, error) {
	list, cached := s.engine.CachedInsights()
	if !cached {
		var err error
		list, err = s.engine.Insights(ctx)
		if errors.Is(err, vault.ErrLocked) {
			return nil, InsightListOutput{}, errors.New("vault is locked: start the server with PAINVAULT_PASSWORD to compute insights")
		}
		if err != nil {
			return nil, InsightListOutput{}, fmt.Errorf("failed to compute insights: %w", err)
		}
	}

	output := InsightListOutput{Insights: make([]insight.Insight, 0, len(list)), Cached: cached}
	for _, in := range list {
		if input.Type != "" && in.Type != input.Type {
			continue
		}
		output.Insights = append(output.Insights, in)
	}
	return nil, output, nil
}
