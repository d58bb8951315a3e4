package catalog

import (
	"context"
	"strconv"

	"github.com/routeworks/geminipanel/internal/store"
)

// Settings keys persisted alongside the seeded rows.
const (
	keepAliveKey = "keep_alive"
	maxRetryKey  = "max_retry"
	webSearchKey = "web_search"
)

// Defaults seeds the runtime settings from configuration; values changed
// through the admin API are persisted and win over these on later reads.
type Defaults struct {
	KeepAlive bool
	MaxRetry  int
	WebSearch bool
}

// Settings exposes the admin-tunable flags that shape request handling.
type Settings struct {
	st       *store.Store
	defaults Defaults
}

// NewSettings returns a Settings view over st with the given fallbacks.
func NewSettings(st *store.Store, defaults Defaults) *Settings {
	return &Settings{st: st, defaults: defaults}
}

// Snapshot is the admin-facing view of the runtime settings.
type Snapshot struct {
	KeepAlive bool `json:"keepAlive"`
	MaxRetry  int  `json:"maxRetry"`
	WebSearch bool `json:"webSearch"`
}

// Snapshot reads all runtime settings at once.
func (s *Settings) Snapshot(ctx context.Context) (Snapshot, error) {
	keepAlive, err := s.KeepAlive(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	maxRetry, err := s.MaxRetry(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	webSearch, err := s.WebSearch(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{KeepAlive: keepAlive, MaxRetry: maxRetry, WebSearch: webSearch}, nil
}

// KeepAlive reports whether heartbeat streaming is enabled.
func (s *Settings) KeepAlive(ctx context.Context) (bool, error) {
	return s.boolSetting(ctx, keepAliveKey, s.defaults.KeepAlive)
}

// SetKeepAlive persists the heartbeat flag.
func (s *Settings) SetKeepAlive(ctx context.Context, on bool) error {
	return s.st.SetSetting(ctx, keepAliveKey, strconv.FormatBool(on))
}

// MaxRetry reports how many upstream attempts a completion may consume.
func (s *Settings) MaxRetry(ctx context.Context) (int, error) {
	raw, ok, err := s.st.GetSetting(ctx, maxRetryKey)
	if err != nil || !ok {
		return s.defaults.MaxRetry, err
	}
	n, errParse := strconv.Atoi(raw)
	if errParse != nil || n < 1 {
		return s.defaults.MaxRetry, nil
	}
	return n, nil
}

// SetMaxRetry persists the retry budget.
func (s *Settings) SetMaxRetry(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	return s.st.SetSetting(ctx, maxRetryKey, strconv.Itoa(n))
}

// WebSearch reports whether "-search" model variants are offered.
func (s *Settings) WebSearch(ctx context.Context) (bool, error) {
	return s.boolSetting(ctx, webSearchKey, s.defaults.WebSearch)
}

// SetWebSearch persists the search-variant flag.
func (s *Settings) SetWebSearch(ctx context.Context, on bool) error {
	return s.st.SetSetting(ctx, webSearchKey, strconv.FormatBool(on))
}

func (s *Settings) boolSetting(ctx context.Context, key string, fallback bool) (bool, error) {
	raw, ok, err := s.st.GetSetting(ctx, key)
	if err != nil || !ok {
		return fallback, err
	}
	v, errParse := strconv.ParseBool(raw)
	if errParse != nil {
		return fallback, nil
	}
	return v, nil
}
