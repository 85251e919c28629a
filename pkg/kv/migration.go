package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Physical schema versions of the SQLite backend. These version the storage
// layout only; record schemas are versioned per virtual table by the storage
// package.
const (
	// SchemaVersion1 creates the kv table.
	SchemaVersion1 = 1
	// SchemaVersion2 adds updated_at for diagnostics and export ordering.
	SchemaVersion2 = 2
	// CurrentSchemaVersion is the current schema version
	CurrentSchemaVersion = SchemaVersion2
)

// getSchemaVersion returns the stored schema version, or 0 for a new database.
func getSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var name string
	err := db.QueryRowContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kv: failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kv: failed to get schema version: %w", err)
	}
	return version, nil
}

// migrateSchema applies pending migrations in order, each in its own
// transaction.
func migrateSchema(ctx context.Context, db *sql.DB) error {
	version, err := getSchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	steps := []struct {
		version int
		apply   func(ctx context.Context, tx *sql.Tx) error
	}{
		{SchemaVersion1, migrateToV1},
		{SchemaVersion2, migrateToV2},
	}

	for _, step := range steps {
		if version >= step.version {
			continue
		}
		if err := applyMigration(ctx, db, step.version, step.apply); err != nil {
			return fmt.Errorf("kv: migration to v%d failed: %w", step.version, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, version int, apply func(context.Context, *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := apply(ctx, tx); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			migrated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return tx.Commit()
}

func migrateToV1(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		) WITHOUT ROWID
	`)
	if err != nil {
		return fmt.Errorf("failed to create kv table: %w", err)
	}
	return nil
}

// migrateToV2 adds the updated_at column. Existing rows keep 0 until they
// are next written.
func migrateToV2(ctx context.Context, tx *sql.Tx) error {
	columns, err := getTableColumns(ctx, tx, "kv")
	if err != nil {
		return fmt.Errorf("failed to get table columns: %w", err)
	}
	if !columns["updated_at"] {
		if _, err := tx.ExecContext(ctx, "ALTER TABLE kv ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0"); err != nil {
			return fmt.Errorf("failed to add updated_at column: %w", err)
		}
	}
	return nil
}

// getTableColumns returns a map of column names for a table.
func getTableColumns(ctx context.Context, tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		columns[name] = true
	}
	return columns, rows.Err()
}
