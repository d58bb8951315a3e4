// Package keypool manages the pool of upstream API keys: registration and
// removal, per-civil-day usage counters, error flags, and the quota-aware
// rotation that picks one usable key per request.
package keypool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/routeworks/geminipanel/internal/civil"
	"github.com/routeworks/geminipanel/internal/store"
)

// Settings rows owned by this package. The list fixes the rotation order
// (insertion order); the index is the persisted cursor.
const (
	rotationListKey   = "gemini_key_list"
	rotationCursorKey = "gemini_key_index"
)

var (
	// ErrDuplicateKey reports an already-registered secret.
	ErrDuplicateKey = errors.New("key already exists")
	// ErrInvalidKey reports a secret that fails format validation.
	ErrInvalidKey = errors.New("key does not match the expected format")
	// ErrKeyNotFound reports an unknown key id.
	ErrKeyNotFound = errors.New("key not found")
	// ErrBusy reports that a bulk key operation is already running.
	ErrBusy = errors.New("another bulk key operation is in progress")
)

// Key is one upstream API key with its per-day counters. Counter maps are
// valid for UsageDate only; readers must treat them as zero when UsageDate
// is older than the current civil day.
type Key struct {
	ID             string
	Secret         string
	DisplayName    string
	UsageDate      string
	ModelUsage     map[string]int
	CategoryUsage  map[string]int
	ErrorStatus    *int
	Consecutive429 map[string]int
	CreatedAt      time.Time
}

// Stale reports whether the key's counters belong to an earlier civil day.
func (k *Key) Stale(today string) bool {
	return civil.Before(k.UsageDate, today)
}

// Rollover zeroes all counters and stamps today. Returns true when the key
// was stale and actually rolled.
func (k *Key) Rollover(today string) bool {
	if !k.Stale(today) {
		return false
	}
	k.UsageDate = today
	k.ModelUsage = map[string]int{}
	k.CategoryUsage = map[string]int{}
	k.Consecutive429 = map[string]int{}
	return true
}

// UsageView returns the counters that apply today; for a stale key both
// maps read as empty without mutating the key (dry-run reset).
func (k *Key) UsageView(today string) (modelUsage, categoryUsage map[string]int) {
	if k.Stale(today) {
		return map[string]int{}, map[string]int{}
	}
	return k.ModelUsage, k.CategoryUsage
}

// Preview renders the admin-facing abbreviation of a secret.
func Preview(secret string) string {
	if len(secret) <= 8 {
		return secret
	}
	return secret[:4] + "…" + secret[len(secret)-4:]
}

const keyColumns = `id, secret, display_name, usage_date, model_usage_json, category_usage_json, error_status, consecutive_429_json, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(row rowScanner) (*Key, error) {
	var (
		k              Key
		modelJSON      string
		categoryJSON   string
		consecutive    string
		errorStatus    sql.NullInt64
		createdAt      string
	)
	if err := row.Scan(&k.ID, &k.Secret, &k.DisplayName, &k.UsageDate, &modelJSON, &categoryJSON, &errorStatus, &consecutive, &createdAt); err != nil {
		return nil, err
	}
	k.ModelUsage = unmarshalCounts(modelJSON)
	k.CategoryUsage = unmarshalCounts(categoryJSON)
	k.Consecutive429 = unmarshalCounts(consecutive)
	if errorStatus.Valid {
		v := int(errorStatus.Int64)
		k.ErrorStatus = &v
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		k.CreatedAt = t
	}
	return &k, nil
}

func marshalCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(counts)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func unmarshalCounts(raw string) map[string]int {
	counts := map[string]int{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &counts)
	}
	return counts
}

// saveCountersTx writes back the mutable accounting columns of a key.
func saveCountersTx(ctx context.Context, tx *sql.Tx, k *Key) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE upstream_keys SET usage_date = ?, model_usage_json = ?, category_usage_json = ?, consecutive_429_json = ? WHERE id = ?`,
		k.UsageDate, marshalCounts(k.ModelUsage), marshalCounts(k.CategoryUsage), marshalCounts(k.Consecutive429), k.ID)
	return err
}

func getKeyTx(ctx context.Context, tx *sql.Tx, id string) (*Key, error) {
	k, err := scanKey(tx.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM upstream_keys WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return k, err
}

// loadRotation reads the persisted rotation order and every key row.
// Rows missing from the list (never expected) are appended by creation
// time so no key silently drops out of rotation.
func loadRotation(ctx context.Context, st *store.Store) ([]string, map[string]*Key, error) {
	raw, _, err := st.GetSetting(ctx, rotationListKey)
	if err != nil {
		return nil, nil, err
	}
	var order []string
	if raw != "" {
		if errUnmarshal := json.Unmarshal([]byte(raw), &order); errUnmarshal != nil {
			return nil, nil, fmt.Errorf("keypool: parse rotation list: %w", errUnmarshal)
		}
	}

	rows, err := st.DB().QueryContext(ctx, `SELECT `+keyColumns+` FROM upstream_keys ORDER BY created_at, id`)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()

	keys := make(map[string]*Key)
	var byCreation []string
	for rows.Next() {
		k, errScan := scanKey(rows)
		if errScan != nil {
			return nil, nil, errScan
		}
		keys[k.ID] = k
		byCreation = append(byCreation, k.ID)
	}
	if errRows := rows.Err(); errRows != nil {
		return nil, nil, errRows
	}

	listed := make(map[string]bool, len(order))
	ids := make([]string, 0, len(keys))
	for _, id := range order {
		if keys[id] != nil {
			ids = append(ids, id)
			listed[id] = true
		}
	}
	for _, id := range byCreation {
		if !listed[id] {
			ids = append(ids, id)
		}
	}
	return ids, keys, nil
}

func rotationListTx(ctx context.Context, tx *sql.Tx) ([]string, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, rotationListKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var order []string
	if raw != "" {
		if errUnmarshal := json.Unmarshal([]byte(raw), &order); errUnmarshal != nil {
			return nil, fmt.Errorf("keypool: parse rotation list: %w", errUnmarshal)
		}
	}
	return order, nil
}

func writeRotationListTx(ctx context.Context, tx *sql.Tx, order []string) error {
	if order == nil {
		order = []string{}
	}
	raw, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return store.SetSettingTx(ctx, tx, rotationListKey, string(raw))
}

func appendToRotationTx(ctx context.Context, tx *sql.Tx, id string) error {
	order, err := rotationListTx(ctx, tx)
	if err != nil {
		return err
	}
	return writeRotationListTx(ctx, tx, append(order, id))
}

func removeFromRotationTx(ctx context.Context, tx *sql.Tx, ids []string) error {
	order, err := rotationListTx(ctx, tx)
	if err != nil {
		return err
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := order[:0]
	for _, id := range order {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	return writeRotationListTx(ctx, tx, kept)
}
