package keypool

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/routeworks/geminipanel/internal/catalog"
	"github.com/routeworks/geminipanel/internal/civil"
	"github.com/routeworks/geminipanel/internal/store"
)

// secretPattern is the accepted upstream key shape: the fixed prefix plus
// 33 URL-safe characters.
var secretPattern = regexp.MustCompile(`^AIzaSy[0-9A-Za-z_-]{33}$`)

// consecutive429Threshold is how many 429s in a row a (key, model) pair
// may accumulate before the key is treated as exhausted for the category
// for the rest of the day.
const consecutive429Threshold = 3

// Manager owns all writes to the upstream key table.
type Manager struct {
	st    *store.Store
	clock *civil.Clock
	cat   *catalog.Catalog

	// opMu serializes bulk operations (batch add, test-all) so two mass
	// writes never interleave.
	opMu sync.Mutex
}

// NewManager returns a Manager over st using clock for civil-day stamps.
func NewManager(st *store.Store, clock *civil.Clock, cat *catalog.Catalog) *Manager {
	return &Manager{st: st, clock: clock, cat: cat}
}

// Add validates and registers one key, appending it to the rotation order.
func (m *Manager) Add(ctx context.Context, secret, displayName string) (*Key, error) {
	secret = strings.TrimSpace(secret)
	if !secretPattern.MatchString(secret) {
		return nil, ErrInvalidKey
	}

	var added *Key
	err := m.st.Update(ctx, func(tx *sql.Tx) error {
		k, errInsert := m.insertKeyTx(ctx, tx, secret, displayName)
		if errInsert != nil {
			return errInsert
		}
		added = k
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// AddBatch registers many keys at once, de-duplicating within the batch
// and against existing rows. Individual failures do not abort the batch;
// all successful inserts commit atomically. Guarded so only one bulk
// operation runs at a time.
func (m *Manager) AddBatch(ctx context.Context, secrets []string) (*BatchResult, error) {
	if !m.opMu.TryLock() {
		return nil, ErrBusy
	}
	defer m.opMu.Unlock()

	result := &BatchResult{Results: make([]BatchItem, 0, len(secrets))}
	seen := make(map[string]bool, len(secrets))

	err := m.st.Update(ctx, func(tx *sql.Tx) error {
		for _, raw := range secrets {
			secret := strings.TrimSpace(raw)
			item := BatchItem{Key: Preview(secret)}
			switch {
			case !secretPattern.MatchString(secret):
				item.Error = "invalid key format"
			case seen[secret]:
				item.Error = "duplicate within batch"
			default:
				seen[secret] = true
				k, errInsert := m.insertKeyTx(ctx, tx, secret, "")
				if errInsert == ErrDuplicateKey {
					item.Error = "key already exists"
				} else if errInsert != nil {
					return errInsert
				} else {
					item.Success = true
					item.ID = k.ID
				}
			}
			if item.Success {
				result.SuccessCount++
			} else {
				result.FailureCount++
			}
			result.Results = append(result.Results, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BatchItem is the per-secret outcome of AddBatch.
type BatchItem struct {
	Key     string `json:"key"`
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BatchResult aggregates AddBatch outcomes.
type BatchResult struct {
	SuccessCount int         `json:"successCount"`
	FailureCount int         `json:"failureCount"`
	Results      []BatchItem `json:"results"`
}

func (m *Manager) insertKeyTx(ctx context.Context, tx *sql.Tx, secret, displayName string) (*Key, error) {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM upstream_keys WHERE secret = ?`, secret).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, ErrDuplicateKey
	}

	id, err := newKeyIDTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	k := &Key{
		ID:             id,
		Secret:         secret,
		DisplayName:    displayName,
		ModelUsage:     map[string]int{},
		CategoryUsage:  map[string]int{},
		Consecutive429: map[string]int{},
		CreatedAt:      now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO upstream_keys (id, secret, display_name, created_at) VALUES (?, ?, ?, ?)`,
		k.ID, k.Secret, k.DisplayName, now.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	if err = appendToRotationTx(ctx, tx, k.ID); err != nil {
		return nil, err
	}
	return k, nil
}

// newKeyIDTx mints a short unique id, regenerating on the (unlikely)
// collision with an existing row.
func newKeyIDTx(ctx context.Context, tx *sql.Tx) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		id := strings.SplitN(uuid.NewString(), "-", 2)[0]
		var taken int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM upstream_keys WHERE id = ?`, id).Scan(&taken); err != nil {
			return "", err
		}
		if taken == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("keypool: could not allocate a key id")
}

// Delete removes one key and drops it from the rotation order.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.st.Update(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM upstream_keys WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrKeyNotFound
		}
		return removeFromRotationTx(ctx, tx, []string{id})
	})
}

// DeleteAllWithError removes every key whose error flag is set and returns
// the deleted ids.
func (m *Manager) DeleteAllWithError(ctx context.Context) ([]string, error) {
	var ids []string
	err := m.st.Update(ctx, func(tx *sql.Tx) error {
		rows, errQuery := tx.QueryContext(ctx, `SELECT id FROM upstream_keys WHERE error_status IS NOT NULL`)
		if errQuery != nil {
			return errQuery
		}
		for rows.Next() {
			var id string
			if errScan := rows.Scan(&id); errScan != nil {
				_ = rows.Close()
				return errScan
			}
			ids = append(ids, id)
		}
		if errRows := rows.Err(); errRows != nil {
			return errRows
		}
		_ = rows.Close()
		if len(ids) == 0 {
			return nil
		}
		if _, errExec := tx.ExecContext(ctx, `DELETE FROM upstream_keys WHERE error_status IS NOT NULL`); errExec != nil {
			return errExec
		}
		return removeFromRotationTx(ctx, tx, ids)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Get returns one key by id.
func (m *Manager) Get(ctx context.Context, id string) (*Key, error) {
	k, err := scanKey(m.st.DB().QueryRowContext(ctx, `SELECT `+keyColumns+` FROM upstream_keys WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	return k, err
}

// IncrementUsage counts one successful call for (key, model, category):
// counters roll to today first when stale, the model counter and the
// Pro/Flash category counter gain one, and the model's consecutive-429
// streak clears.
func (m *Manager) IncrementUsage(ctx context.Context, id, modelID string, category catalog.Category) error {
	today := m.clock.Today()
	return m.st.Update(ctx, func(tx *sql.Tx) error {
		k, err := getKeyTx(ctx, tx, id)
		if err != nil {
			return err
		}
		k.Rollover(today)
		k.ModelUsage[modelID]++
		if category == catalog.CategoryPro || category == catalog.CategoryFlash {
			k.CategoryUsage[string(category)]++
		}
		delete(k.Consecutive429, modelID)
		return saveCountersTx(ctx, tx, k)
	})
}

// Handle429 records one rate-limit hit for (key, model). When the streak
// reaches the threshold, the key's remaining budget for the request's
// category (or the Custom model's daily cap) is consumed so rotation skips
// it until the next civil day. Unlimited caps cannot be consumed; the
// streak keeps counting in that case.
func (m *Manager) Handle429(ctx context.Context, id, modelID string, caps Caps) (bool, error) {
	today := m.clock.Today()
	var exhausted bool
	err := m.st.Update(ctx, func(tx *sql.Tx) error {
		k, errGet := getKeyTx(ctx, tx, id)
		if errGet != nil {
			return errGet
		}
		k.Rollover(today)
		k.Consecutive429[modelID]++
		if k.Consecutive429[modelID] >= consecutive429Threshold {
			switch {
			case caps.Custom && caps.DailyCap > 0:
				k.ModelUsage[modelID] = caps.DailyCap
				exhausted = true
			case !caps.Custom && caps.CategoryCap > 0:
				k.CategoryUsage[string(caps.Category)] = caps.CategoryCap
				exhausted = true
			}
			if exhausted {
				delete(k.Consecutive429, modelID)
			}
		}
		return saveCountersTx(ctx, tx, k)
	})
	if err != nil {
		return false, err
	}
	if exhausted {
		log.Warnf("key %s exhausted for %s after repeated 429s", id, modelID)
	}
	return exhausted, nil
}

// RecordError flags a key so rotation skips it until the flag clears.
func (m *Manager) RecordError(ctx context.Context, id string, status int) error {
	return m.st.Update(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE upstream_keys SET error_status = ? WHERE id = ?`, status, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrKeyNotFound
		}
		return nil
	})
}

// CountErrored reports how many keys currently carry an error flag.
func (m *Manager) CountErrored(ctx context.Context) (int, error) {
	var n int
	err := m.st.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM upstream_keys WHERE error_status IS NOT NULL`).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ClearError unsets a key's error flag and returns the refreshed key.
func (m *Manager) ClearError(ctx context.Context, id string) (*Key, error) {
	err := m.st.Update(ctx, func(tx *sql.Tx) error {
		res, errExec := tx.ExecContext(ctx, `UPDATE upstream_keys SET error_status = NULL WHERE id = ?`, id)
		if errExec != nil {
			return errExec
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrKeyNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.Get(ctx, id)
}

// KeyUsage is the admin-facing view of one key: abbreviated secret,
// today's counters, and the quota limits currently in force.
type KeyUsage struct {
	ID             string         `json:"id"`
	DisplayName    string         `json:"displayName,omitempty"`
	KeyPreview     string         `json:"keyPreview"`
	UsageDate      string         `json:"usageDate"`
	ModelUsage     map[string]int `json:"modelUsage"`
	CategoryUsage  map[string]int `json:"categoryUsage"`
	Consecutive429 map[string]int `json:"consecutive429,omitempty"`
	ErrorStatus    *int           `json:"errorStatus,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	Quotas         QuotaView      `json:"quotas"`
}

// QuotaView summarizes the caps that apply to every key.
type QuotaView struct {
	Pro    int            `json:"proQuota"`
	Flash  int            `json:"flashQuota"`
	Models map[string]int `json:"modelQuotas,omitempty"`
}

// ListWithUsage returns every key in rotation order with derived fields.
// Stale counters read as zero; the stored rows are left untouched.
func (m *Manager) ListWithUsage(ctx context.Context) ([]KeyUsage, error) {
	quotas, err := m.cat.CategoryQuotas(ctx)
	if err != nil {
		return nil, err
	}
	models, err := m.cat.List(ctx)
	if err != nil {
		return nil, err
	}
	modelQuotas := make(map[string]int)
	for _, mc := range models {
		switch {
		case mc.Category == catalog.CategoryCustom && mc.DailyQuota != nil:
			modelQuotas[mc.ID] = *mc.DailyQuota
		case mc.IndividualQuota != nil:
			modelQuotas[mc.ID] = *mc.IndividualQuota
		}
	}

	ids, keys, err := loadRotation(ctx, m.st)
	if err != nil {
		return nil, err
	}
	today := m.clock.Today()

	usages := make([]KeyUsage, 0, len(ids))
	for _, id := range ids {
		k := keys[id]
		modelUsage, categoryUsage := k.UsageView(today)
		usage := KeyUsage{
			ID:            k.ID,
			DisplayName:   k.DisplayName,
			KeyPreview:    Preview(k.Secret),
			UsageDate:     k.UsageDate,
			ModelUsage:    modelUsage,
			CategoryUsage: categoryUsage,
			ErrorStatus:   k.ErrorStatus,
			CreatedAt:     k.CreatedAt,
			Quotas: QuotaView{
				Pro:    quotas.ProQuota,
				Flash:  quotas.FlashQuota,
				Models: modelQuotas,
			},
		}
		if !k.Stale(today) && len(k.Consecutive429) > 0 {
			usage.Consecutive429 = k.Consecutive429
		}
		usages = append(usages, usage)
	}
	return usages, nil
}

// SweepStale rolls every stale key's counters to today. Scheduled right
// after civil midnight so the admin view starts the day at zero even with
// no traffic.
func (m *Manager) SweepStale(ctx context.Context) (int, error) {
	today := m.clock.Today()
	ids, keys, err := loadRotation(ctx, m.st)
	if err != nil {
		return 0, err
	}
	rolled := 0
	for _, id := range ids {
		if !keys[id].Stale(today) {
			continue
		}
		err = m.st.Update(ctx, func(tx *sql.Tx) error {
			k, errGet := getKeyTx(ctx, tx, id)
			if errGet != nil {
				return errGet
			}
			if !k.Rollover(today) {
				return nil
			}
			rolled++
			return saveCountersTx(ctx, tx, k)
		})
		if err != nil {
			return rolled, err
		}
	}
	return rolled, nil
}
