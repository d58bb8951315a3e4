package workerkey

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/routeworks/geminipanel/internal/store"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "panel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewManager(st)
}

func TestCreateLookupDelete(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	k, err := m.Create(ctx, "ci runner", true)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(k.Secret, "sk-"))
	require.True(t, k.SafetyEnabled)

	found, err := m.Lookup(ctx, k.Secret)
	require.NoError(t, err)
	require.Equal(t, "ci runner", found.Description)

	require.NoError(t, m.Delete(ctx, k.Secret))
	_, err = m.Lookup(ctx, k.Secret)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, m.Delete(ctx, k.Secret), ErrNotFound)
}

func TestUpdatePatchesFields(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	k, err := m.Create(ctx, "", true)
	require.NoError(t, err)

	safety := false
	updated, err := m.Update(ctx, k.Secret, nil, &safety)
	require.NoError(t, err)
	require.False(t, updated.SafetyEnabled)
	require.Empty(t, updated.Description)

	desc := "render farm"
	updated, err = m.Update(ctx, k.Secret, &desc, nil)
	require.NoError(t, err)
	require.Equal(t, "render farm", updated.Description)
	require.False(t, updated.SafetyEnabled, "safety toggle must survive a description-only patch")

	_, err = m.Update(ctx, "sk-missing", &desc, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListReturnsAllKeys(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "a", true)
	require.NoError(t, err)
	_, err = m.Create(ctx, "b", false)
	require.NoError(t, err)

	keys, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
}
