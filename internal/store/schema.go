package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLiteMagic is the 16-byte header every sqlite database file starts with.
// The mirror uses it to tell an encrypted upload from a plaintext one.
const SQLiteMagic = "SQLite format 3\x00"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS upstream_keys (
		id TEXT PRIMARY KEY,
		secret TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		usage_date TEXT NOT NULL DEFAULT '',
		model_usage_json TEXT NOT NULL DEFAULT '{}',
		category_usage_json TEXT NOT NULL DEFAULT '{}',
		error_status INTEGER,
		consecutive_429_json TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS worker_keys (
		secret TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		safety_enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS models_config (
		model_id TEXT PRIMARY KEY,
		category TEXT NOT NULL CHECK (category IN ('Pro','Flash','Custom')),
		daily_quota INTEGER,
		individual_quota INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// settingsSeeds are inserted once on first boot; the selector depends on the
// rotation rows existing.
var settingsSeeds = [][2]string{
	{"category_quotas", `{"proQuota":50,"flashQuota":1500}`},
	{"gemini_key_list", `[]`},
	{"gemini_key_index", `0`},
}

// ensureSchema creates missing tables and seeds. It runs before any listener
// is registered, so the mutation signal stays quiet during boot.
func (s *Store) ensureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin schema: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schemaStatements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: apply schema: %w", err)
		}
	}
	for _, seed := range settingsSeeds {
		if _, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`, seed[0], seed[1]); err != nil {
			return fmt.Errorf("store: seed settings: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit schema: %w", err)
	}
	return nil
}

// GetSetting reads one settings row; ok is false when the key is absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSetting upserts one settings row under the write lock.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.Run(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// SetSettingTx is the transactional variant used when a settings write must
// commit atomically with other statements (the rotation cursor).
func SetSettingTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
