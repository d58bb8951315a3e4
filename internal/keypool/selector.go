package keypool

import (
	"context"
	"database/sql"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/routeworks/geminipanel/internal/catalog"
	"github.com/routeworks/geminipanel/internal/civil"
	"github.com/routeworks/geminipanel/internal/store"
)

// Caps are the effective per-key limits for one model today. Zero means
// unlimited for every field.
type Caps struct {
	Category      catalog.Category
	CategoryCap   int
	IndividualCap int
	DailyCap      int
	Custom        bool
}

// Allows reports whether a key still has budget for the model under these
// caps, using a dry-run view of today's counters.
func (caps Caps) Allows(k *Key, today, modelID string) bool {
	modelUsage, categoryUsage := k.UsageView(today)
	if caps.Custom {
		return caps.DailyCap == 0 || modelUsage[modelID] < caps.DailyCap
	}
	if caps.CategoryCap > 0 && categoryUsage[string(caps.Category)] >= caps.CategoryCap {
		return false
	}
	if caps.IndividualCap > 0 && modelUsage[modelID] >= caps.IndividualCap {
		return false
	}
	return true
}

// Selection is one rotation decision: the chosen key, its position in the
// rotation order, and the caps that were in force.
type Selection struct {
	Key   *Key
	Index int
	Caps  Caps
}

// Selector implements the quota-aware round-robin over the key pool.
type Selector struct {
	st    *store.Store
	clock *civil.Clock
	cat   *catalog.Catalog
}

// NewSelector returns a Selector reading keys from st and quota rules
// from cat.
func NewSelector(st *store.Store, clock *civil.Clock, cat *catalog.Catalog) *Selector {
	return &Selector{st: st, clock: clock, cat: cat}
}

// ComputeCaps resolves the model's category and the limits that apply to
// each key for it today.
func (s *Selector) ComputeCaps(ctx context.Context, modelID string) (Caps, error) {
	category, model, err := s.cat.ResolveCategory(ctx, modelID)
	if err != nil {
		return Caps{}, err
	}
	caps := Caps{Category: category}
	if category == catalog.CategoryCustom {
		caps.Custom = true
		if model != nil && model.DailyQuota != nil {
			caps.DailyCap = *model.DailyQuota
		}
		return caps, nil
	}
	quotas, err := s.cat.CategoryQuotas(ctx)
	if err != nil {
		return Caps{}, err
	}
	if category == catalog.CategoryPro {
		caps.CategoryCap = quotas.ProQuota
	} else {
		caps.CategoryCap = quotas.FlashQuota
	}
	if model != nil && model.IndividualQuota != nil {
		caps.IndividualCap = *model.IndividualQuota
	}
	return caps, nil
}

// Select scans the rotation order starting at the persisted cursor and
// returns the first key that is not error-flagged and still has budget
// for modelID. Stale counters read as zero during the scan; the reset is
// only written when the key is actually chosen. With advance set, the
// cursor moves past the chosen key and commits together with that reset.
// Returns nil when no key qualifies.
func (s *Selector) Select(ctx context.Context, modelID string, advance bool) (*Selection, error) {
	caps, err := s.ComputeCaps(ctx, modelID)
	if err != nil {
		return nil, err
	}

	ids, keys, err := loadRotation(ctx, s.st)
	if err != nil {
		return nil, err
	}
	n := len(ids)
	if n == 0 {
		return nil, nil
	}

	cursor, err := s.readCursor(ctx)
	if err != nil {
		return nil, err
	}
	today := s.clock.Today()

	for offset := 0; offset < n; offset++ {
		idx := (cursor + offset) % n
		k := keys[ids[idx]]
		if k.ErrorStatus != nil {
			continue
		}
		if !caps.Allows(k, today, modelID) {
			continue
		}

		if advance {
			if errCommit := s.commitSelection(ctx, k, idx, n, today); errCommit != nil {
				return nil, errCommit
			}
		} else {
			k.Rollover(today)
		}
		log.Debugf("selected key %s (index %d) for model %s", k.ID, idx, modelID)
		return &Selection{Key: k, Index: idx, Caps: caps}, nil
	}
	return nil, nil
}

// commitSelection advances the cursor and, when the chosen key's counters
// are stale, materializes the civil-day reset in the same transaction.
func (s *Selector) commitSelection(ctx context.Context, k *Key, idx, n int, today string) error {
	return s.st.Update(ctx, func(tx *sql.Tx) error {
		next := strconv.Itoa((idx + 1) % n)
		if err := store.SetSettingTx(ctx, tx, rotationCursorKey, next); err != nil {
			return err
		}
		if !k.Rollover(today) {
			return nil
		}
		return saveCountersTx(ctx, tx, k)
	})
}

func (s *Selector) readCursor(ctx context.Context) (int, error) {
	raw, ok, err := s.st.GetSetting(ctx, rotationCursorKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	cursor, errParse := strconv.Atoi(raw)
	if errParse != nil || cursor < 0 {
		return 0, nil
	}
	return cursor, nil
}
