// Package catalog owns the model configuration table and the quota
// settings that govern key rotation: which category a model belongs to,
// per-model daily and individual caps, and the shared Pro/Flash category
// quotas.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/routeworks/geminipanel/internal/store"
)

// Category buckets a model for quota accounting.
type Category string

const (
	CategoryPro    Category = "Pro"
	CategoryFlash  Category = "Flash"
	CategoryCustom Category = "Custom"
)

// ErrValidation marks malformed admin input; handlers map it to 400.
var ErrValidation = errors.New("invalid model configuration")

// Model is one catalog entry. DailyQuota applies only to Custom models;
// IndividualQuota applies only to Pro/Flash models. A nil (or zero) quota
// means unlimited.
type Model struct {
	ID              string   `json:"id"`
	Category        Category `json:"category"`
	DailyQuota      *int     `json:"dailyQuota,omitempty"`
	IndividualQuota *int     `json:"individualQuota,omitempty"`
}

// CategoryQuotas is the shared per-key daily budget for each category.
// Zero means unlimited.
type CategoryQuotas struct {
	ProQuota   int `json:"proQuota"`
	FlashQuota int `json:"flashQuota"`
}

const categoryQuotasKey = "category_quotas"

// Catalog reads and mutates models_config and the category-quota setting.
type Catalog struct {
	st *store.Store
}

// New returns a Catalog backed by st.
func New(st *store.Store) *Catalog {
	return &Catalog{st: st}
}

// List returns every configured model ordered by id.
func (c *Catalog) List(ctx context.Context) ([]Model, error) {
	rows, err := c.st.DB().QueryContext(ctx, `SELECT model_id, category, daily_quota, individual_quota FROM models_config ORDER BY model_id`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list models: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var models []Model
	for rows.Next() {
		m, errScan := scanModel(rows)
		if errScan != nil {
			return nil, errScan
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// Get returns the model with the given id, or nil when it is not configured.
func (c *Catalog) Get(ctx context.Context, id string) (*Model, error) {
	row := c.st.DB().QueryRowContext(ctx, `SELECT model_id, category, daily_quota, individual_quota FROM models_config WHERE model_id = ?`, id)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Upsert inserts or replaces a model entry after validating the
// category/quota combination.
func (c *Catalog) Upsert(ctx context.Context, m Model) error {
	if err := validateModel(m); err != nil {
		return err
	}
	_, err := c.st.Run(ctx,
		`INSERT INTO models_config (model_id, category, daily_quota, individual_quota) VALUES (?, ?, ?, ?)
		 ON CONFLICT(model_id) DO UPDATE SET category = excluded.category, daily_quota = excluded.daily_quota, individual_quota = excluded.individual_quota`,
		m.ID, string(m.Category), nullableQuota(m.DailyQuota), nullableQuota(m.IndividualQuota))
	return err
}

// Delete removes a model entry. Deleting an unknown id is a no-op.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	_, err := c.st.Run(ctx, `DELETE FROM models_config WHERE model_id = ?`, id)
	return err
}

// CategoryQuotas returns the shared Pro/Flash budgets from settings.
func (c *Catalog) CategoryQuotas(ctx context.Context) (CategoryQuotas, error) {
	quotas := CategoryQuotas{ProQuota: 50, FlashQuota: 1500}
	raw, ok, err := c.st.GetSetting(ctx, categoryQuotasKey)
	if err != nil {
		return quotas, err
	}
	if !ok {
		return quotas, nil
	}
	if errUnmarshal := json.Unmarshal([]byte(raw), &quotas); errUnmarshal != nil {
		return quotas, fmt.Errorf("catalog: parse category quotas: %w", errUnmarshal)
	}
	return quotas, nil
}

// SetCategoryQuotas validates and persists the shared budgets.
func (c *Catalog) SetCategoryQuotas(ctx context.Context, quotas CategoryQuotas) error {
	if quotas.ProQuota < 0 || quotas.FlashQuota < 0 {
		return fmt.Errorf("%w: category quotas must be non-negative", ErrValidation)
	}
	raw, err := json.Marshal(quotas)
	if err != nil {
		return err
	}
	return c.st.SetSetting(ctx, categoryQuotasKey, string(raw))
}

// ResolveCategory returns the category for a model id, falling back to
// name inference when the model is not in the catalog: "flash" in the
// name means Flash, "pro" means Pro, anything else defaults to Flash.
// The returned Model is nil for uncataloged ids.
func (c *Catalog) ResolveCategory(ctx context.Context, modelID string) (Category, *Model, error) {
	m, err := c.Get(ctx, modelID)
	if err != nil {
		return "", nil, err
	}
	if m != nil {
		return m.Category, m, nil
	}

	lower := strings.ToLower(modelID)
	switch {
	case strings.Contains(lower, "flash"):
		return CategoryFlash, nil, nil
	case strings.Contains(lower, "pro"):
		return CategoryPro, nil, nil
	default:
		return CategoryFlash, nil, nil
	}
}

func validateModel(m Model) error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: model id is required", ErrValidation)
	}
	switch m.Category {
	case CategoryPro, CategoryFlash:
		if m.DailyQuota != nil {
			return fmt.Errorf("%w: daily quota applies only to Custom models", ErrValidation)
		}
		if m.IndividualQuota != nil && *m.IndividualQuota < 0 {
			return fmt.Errorf("%w: individual quota must be non-negative", ErrValidation)
		}
	case CategoryCustom:
		if m.IndividualQuota != nil {
			return fmt.Errorf("%w: individual quota applies only to Pro/Flash models", ErrValidation)
		}
		if m.DailyQuota != nil && *m.DailyQuota < 0 {
			return fmt.Errorf("%w: daily quota must be non-negative", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown category %q", ErrValidation, m.Category)
	}
	return nil
}

func nullableQuota(q *int) interface{} {
	if q == nil {
		return nil
	}
	return *q
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanModel(row rowScanner) (Model, error) {
	var (
		m          Model
		category   string
		daily      sql.NullInt64
		individual sql.NullInt64
	)
	if err := row.Scan(&m.ID, &category, &daily, &individual); err != nil {
		return Model{}, err
	}
	m.Category = Category(category)
	if daily.Valid {
		v := int(daily.Int64)
		m.DailyQuota = &v
	}
	if individual.Valid {
		v := int(individual.Int64)
		m.IndividualQuota = &v
	}
	return m, nil
}
