package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/routeworks/geminipanel/internal/store"
)

func openTestCatalog(t *testing.T) (*Catalog, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "panel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st), st
}

func intPtr(v int) *int { return &v }

func TestUpsertAndListModels(t *testing.T) {
	c, _ := openTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, Model{ID: "gemini-2.5-pro", Category: CategoryPro}))
	require.NoError(t, c.Upsert(ctx, Model{ID: "gemini-2.5-flash", Category: CategoryFlash, IndividualQuota: intPtr(100)}))
	require.NoError(t, c.Upsert(ctx, Model{ID: "gemma-3-27b-it", Category: CategoryCustom, DailyQuota: intPtr(200)}))

	models, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, models, 3)

	flash, err := c.Get(ctx, "gemini-2.5-flash")
	require.NoError(t, err)
	require.NotNil(t, flash)
	require.Equal(t, CategoryFlash, flash.Category)
	require.NotNil(t, flash.IndividualQuota)
	require.Equal(t, 100, *flash.IndividualQuota)
	require.Nil(t, flash.DailyQuota)
}

func TestUpsertReplacesExisting(t *testing.T) {
	c, _ := openTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, Model{ID: "gemini-2.5-pro", Category: CategoryPro}))
	require.NoError(t, c.Upsert(ctx, Model{ID: "gemini-2.5-pro", Category: CategoryPro, IndividualQuota: intPtr(10)}))

	m, err := c.Get(ctx, "gemini-2.5-pro")
	require.NoError(t, err)
	require.NotNil(t, m.IndividualQuota)
	require.Equal(t, 10, *m.IndividualQuota)
}

func TestUpsertValidation(t *testing.T) {
	c, _ := openTestCatalog(t)
	ctx := context.Background()

	err := c.Upsert(ctx, Model{ID: "m", Category: CategoryCustom, IndividualQuota: intPtr(5)})
	require.ErrorIs(t, err, ErrValidation)

	err = c.Upsert(ctx, Model{ID: "m", Category: CategoryPro, DailyQuota: intPtr(5)})
	require.ErrorIs(t, err, ErrValidation)

	err = c.Upsert(ctx, Model{ID: "m", Category: Category("Turbo")})
	require.ErrorIs(t, err, ErrValidation)

	err = c.Upsert(ctx, Model{ID: "  ", Category: CategoryPro})
	require.ErrorIs(t, err, ErrValidation)
}

func TestDeleteModel(t *testing.T) {
	c, _ := openTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, Model{ID: "gemini-2.5-pro", Category: CategoryPro}))
	require.NoError(t, c.Delete(ctx, "gemini-2.5-pro"))

	m, err := c.Get(ctx, "gemini-2.5-pro")
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestCategoryQuotasSeededDefaults(t *testing.T) {
	c, _ := openTestCatalog(t)
	ctx := context.Background()

	quotas, err := c.CategoryQuotas(ctx)
	require.NoError(t, err)
	require.Equal(t, 50, quotas.ProQuota)
	require.Equal(t, 1500, quotas.FlashQuota)

	require.NoError(t, c.SetCategoryQuotas(ctx, CategoryQuotas{ProQuota: 2, FlashQuota: 10}))
	quotas, err = c.CategoryQuotas(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, quotas.ProQuota)
	require.Equal(t, 10, quotas.FlashQuota)

	require.ErrorIs(t, c.SetCategoryQuotas(ctx, CategoryQuotas{ProQuota: -1}), ErrValidation)
}

func TestResolveCategoryInference(t *testing.T) {
	c, _ := openTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, Model{ID: "gemma-3-27b-it", Category: CategoryCustom, DailyQuota: intPtr(100)}))

	cat, m, err := c.ResolveCategory(ctx, "gemma-3-27b-it")
	require.NoError(t, err)
	require.Equal(t, CategoryCustom, cat)
	require.NotNil(t, m)

	cat, m, err = c.ResolveCategory(ctx, "gemini-2.5-flash-lite")
	require.NoError(t, err)
	require.Equal(t, CategoryFlash, cat)
	require.Nil(t, m)

	cat, _, err = c.ResolveCategory(ctx, "gemini-2.5-pro")
	require.NoError(t, err)
	require.Equal(t, CategoryPro, cat)

	cat, _, err = c.ResolveCategory(ctx, "imagen-4")
	require.NoError(t, err)
	require.Equal(t, CategoryFlash, cat)
}

func TestRuntimeSettingsFallBackToDefaults(t *testing.T) {
	_, st := openTestCatalog(t)
	ctx := context.Background()
	s := NewSettings(st, Defaults{KeepAlive: true, MaxRetry: 3, WebSearch: false})

	keepAlive, err := s.KeepAlive(ctx)
	require.NoError(t, err)
	require.True(t, keepAlive)

	maxRetry, err := s.MaxRetry(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, maxRetry)

	require.NoError(t, s.SetKeepAlive(ctx, false))
	require.NoError(t, s.SetMaxRetry(ctx, 7))
	require.NoError(t, s.SetWebSearch(ctx, true))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.False(t, snap.KeepAlive)
	require.Equal(t, 7, snap.MaxRetry)
	require.True(t, snap.WebSearch)
}
