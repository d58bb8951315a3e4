// Package workerkey manages the locally issued keys clients present on
// /v1 requests. Each key carries a safety toggle that decides whether
// upstream content filters are disabled for that caller.
package workerkey

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/routeworks/geminipanel/internal/store"
)

// ErrNotFound reports an unknown worker key.
var ErrNotFound = errors.New("worker key not found")

// Key is one issued client credential.
type Key struct {
	Secret        string    `json:"key"`
	Description   string    `json:"description,omitempty"`
	SafetyEnabled bool      `json:"safetyEnabled"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Manager owns the worker_keys table.
type Manager struct {
	st *store.Store
}

// NewManager returns a Manager over st.
func NewManager(st *store.Store) *Manager {
	return &Manager{st: st}
}

// Create issues a new key. Secrets are always generated server-side.
func (m *Manager) Create(ctx context.Context, description string, safetyEnabled bool) (*Key, error) {
	k := &Key{
		Secret:        "sk-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Description:   description,
		SafetyEnabled: safetyEnabled,
		CreatedAt:     time.Now().UTC(),
	}
	_, err := m.st.Run(ctx,
		`INSERT INTO worker_keys (secret, description, safety_enabled, created_at) VALUES (?, ?, ?, ?)`,
		k.Secret, k.Description, boolToInt(k.SafetyEnabled), k.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	return k, nil
}

// List returns every worker key, oldest first.
func (m *Manager) List(ctx context.Context) ([]Key, error) {
	rows, err := m.st.DB().QueryContext(ctx,
		`SELECT secret, description, safety_enabled, created_at FROM worker_keys ORDER BY created_at, secret`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []Key
	for rows.Next() {
		k, errScan := scanKey(rows)
		if errScan != nil {
			return nil, errScan
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// Lookup resolves a presented secret, used by the auth middleware.
func (m *Manager) Lookup(ctx context.Context, secret string) (*Key, error) {
	k, err := scanKey(m.st.DB().QueryRowContext(ctx,
		`SELECT secret, description, safety_enabled, created_at FROM worker_keys WHERE secret = ?`, secret))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return k, err
}

// Update patches description and/or the safety toggle; nil fields keep
// their stored value.
func (m *Manager) Update(ctx context.Context, secret string, description *string, safetyEnabled *bool) (*Key, error) {
	err := m.st.Update(ctx, func(tx *sql.Tx) error {
		k, errGet := scanKey(tx.QueryRowContext(ctx,
			`SELECT secret, description, safety_enabled, created_at FROM worker_keys WHERE secret = ?`, secret))
		if errors.Is(errGet, sql.ErrNoRows) {
			return ErrNotFound
		}
		if errGet != nil {
			return errGet
		}
		if description != nil {
			k.Description = *description
		}
		if safetyEnabled != nil {
			k.SafetyEnabled = *safetyEnabled
		}
		_, errExec := tx.ExecContext(ctx,
			`UPDATE worker_keys SET description = ?, safety_enabled = ? WHERE secret = ?`,
			k.Description, boolToInt(k.SafetyEnabled), secret)
		return errExec
	})
	if err != nil {
		return nil, err
	}
	return m.Lookup(ctx, secret)
}

// Delete removes one key.
func (m *Manager) Delete(ctx context.Context, secret string) error {
	res, err := m.st.Run(ctx, `DELETE FROM worker_keys WHERE secret = ?`, secret)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanKey(row interface{ Scan(...interface{}) error }) (*Key, error) {
	var (
		k         Key
		safety    int
		createdAt string
	)
	if err := row.Scan(&k.Secret, &k.Description, &safety, &createdAt); err != nil {
		return nil, err
	}
	k.SafetyEnabled = safety != 0
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		k.CreatedAt = t
	}
	return &k, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
