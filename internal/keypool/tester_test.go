package keypool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	status  int
	body    string
	err     error
	secrets []string
}

func (p *fakeProber) Probe(_ context.Context, _ string, secret string) (int, []byte, error) {
	p.secrets = append(p.secrets, secret)
	return p.status, []byte(p.body), p.err
}

func TestKeyTestSuccessIncrementsUsage(t *testing.T) {
	f := newFixture(t, noonPacific(t))
	ctx := context.Background()

	k, err := f.manager.Add(ctx, testSecret(1), "")
	require.NoError(t, err)

	prober := &fakeProber{status: 200, body: `{"candidates":[]}`}
	result, err := f.manager.Test(ctx, prober, k.ID, "gemini-2.5-flash")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 200, result.HTTPStatus)

	fresh, err := f.manager.Get(ctx, k.ID)
	require.NoError(t, err)
	require.Equal(t, 1, fresh.ModelUsage["gemini-2.5-flash"])
	require.Equal(t, 1, fresh.CategoryUsage["Flash"])
}

func TestKeyTestAuthFailureFlagsKey(t *testing.T) {
	f := newFixture(t, noonPacific(t))
	ctx := context.Background()

	k, err := f.manager.Add(ctx, testSecret(1), "")
	require.NoError(t, err)

	prober := &fakeProber{status: 401, body: `{"error":{"message":"API key not valid"}}`, err: errors.New("upstream status 401")}
	result, err := f.manager.Test(ctx, prober, k.ID, "gemini-2.5-flash")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, 401, result.HTTPStatus)

	fresh, err := f.manager.Get(ctx, k.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.ErrorStatus)
	require.Equal(t, 401, *fresh.ErrorStatus)
}

func TestKeyTestNetworkErrorLeavesKeyClean(t *testing.T) {
	f := newFixture(t, noonPacific(t))
	ctx := context.Background()

	k, err := f.manager.Add(ctx, testSecret(1), "")
	require.NoError(t, err)

	prober := &fakeProber{status: 0, err: errors.New("dial tcp: connection refused")}
	result, err := f.manager.Test(ctx, prober, k.ID, "gemini-2.5-flash")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "connection refused")

	fresh, err := f.manager.Get(ctx, k.ID)
	require.NoError(t, err)
	require.Nil(t, fresh.ErrorStatus)
}

func TestTestAllCoversEveryKeyInOrder(t *testing.T) {
	f := newFixture(t, noonPacific(t))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := f.manager.Add(ctx, testSecret(i), "")
		require.NoError(t, err)
	}

	prober := &fakeProber{status: 200, body: `{}`}
	results, err := f.manager.TestAll(ctx, prober, "gemini-2.5-flash")
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, []string{testSecret(1), testSecret(2), testSecret(3)}, prober.secrets)
	for _, r := range results {
		require.True(t, r.Success)
	}
}
