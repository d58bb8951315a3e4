// Package mirror keeps a debounced one-way copy of the sqlite file in a
// GitHub repository, optionally encrypted. It is strictly best-effort:
// every remote failure is logged and swallowed, and nothing on the
// request path ever waits for it.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/routeworks/geminipanel/internal/config"
	"github.com/routeworks/geminipanel/internal/store"
)

// sqliteMagic is the plaintext database header; remote bytes that do not
// start with it are assumed encrypted.
var sqliteMagic = []byte(store.SQLiteMagic)

// Restore downloads the remote copy into dbPath before the store opens
// it. A present local file is authoritative (this process is the only
// writer, so the remote can never be newer) and skips the download. The
// return value reports whether the initial sync completed; uploads stay
// blocked until it has, so a half-configured boot cannot clobber a
// remote backup it failed to read.
func Restore(ctx context.Context, cfg config.MirrorConfig, dbPath string) bool {
	if !cfg.Enabled() {
		return true
	}
	if _, err := os.Stat(dbPath); err == nil {
		log.Infof("mirror: local database present, skipping restore")
		return true
	}

	data, _, err := newGithubClient(cfg).getFile(ctx, cfg.Path)
	if errors.Is(err, errNotFound) {
		log.Infof("mirror: no remote copy of %s yet, starting fresh", cfg.Path)
		return true
	}
	if err != nil {
		log.Errorf("mirror: restore failed, uploads disabled: %v", err)
		return false
	}

	if !bytes.HasPrefix(data, sqliteMagic) {
		if cfg.EncryptKey == "" {
			log.Errorf("mirror: remote copy is encrypted but no key is configured, uploads disabled")
			return false
		}
		plain, err := decrypt(data, cfg.EncryptKey)
		if err != nil {
			log.Errorf("mirror: failed to decrypt remote copy, uploads disabled: %v", err)
			return false
		}
		data = plain
	}
	if !bytes.HasPrefix(data, sqliteMagic) {
		log.Errorf("mirror: remote copy is not a database file, uploads disabled")
		return false
	}

	if err := os.WriteFile(dbPath, data, 0o600); err != nil {
		log.Errorf("mirror: failed to write restored database: %v", err)
		return false
	}
	log.Infof("mirror: restored %d bytes from %s", len(data), cfg.Project)
	return true
}

// Mirror debounces uploads: the first mutation after an idle period arms
// a timer, further mutations inside the window only mark the state dirty,
// and the already-armed timer picks up whatever the file holds when it
// fires. Two uploads are therefore always at least one delay apart.
type Mirror struct {
	st     *store.Store
	cfg    config.MirrorConfig
	gh     *githubClient
	delay  time.Duration
	synced bool

	mu      sync.Mutex
	dirty   bool
	timer   *time.Timer
	lastSHA string
}

// New wires a Mirror to the store's mutation signal. synced comes from
// Restore; while false, uploads are skipped.
func New(st *store.Store, cfg config.MirrorConfig, synced bool) *Mirror {
	m := &Mirror{
		st:     st,
		cfg:    cfg,
		gh:     newGithubClient(cfg),
		delay:  time.Duration(cfg.SyncMinutes) * time.Minute,
		synced: synced,
	}
	if cfg.Enabled() {
		st.OnMutate(m.MarkDirty)
	}
	return m
}

// MarkDirty notes a committed write and arms the upload timer if no run
// is already scheduled. The timer is deliberately not restarted.
func (m *Mirror) MarkDirty() {
	if !m.cfg.Enabled() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = true
	if m.timer == nil {
		m.timer = time.AfterFunc(m.delay, m.fire)
	}
}

func (m *Mirror) fire() {
	m.mu.Lock()
	m.dirty = false
	m.timer = nil
	m.mu.Unlock()
	m.upload(context.Background())
}

// Flush runs one final upload if anything is pending. Called on shutdown
// after the last store write.
func (m *Mirror) Flush(ctx context.Context) {
	if !m.cfg.Enabled() {
		return
	}
	m.mu.Lock()
	pending := m.dirty
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.dirty = false
	m.mu.Unlock()
	if pending {
		m.upload(ctx)
	}
}

func (m *Mirror) upload(ctx context.Context) {
	if !m.synced {
		log.Warnf("mirror: initial sync incomplete, skipping upload")
		return
	}
	if err := m.st.Checkpoint(ctx); err != nil {
		log.Warnf("mirror: checkpoint before upload failed: %v", err)
	}
	data, err := os.ReadFile(m.st.Path())
	if err != nil {
		log.Errorf("mirror: cannot read database file: %v", err)
		return
	}
	if m.cfg.EncryptKey != "" {
		if data, err = encrypt(data, m.cfg.EncryptKey); err != nil {
			log.Errorf("mirror: encryption failed: %v", err)
			return
		}
	}

	sha, err := m.gh.putFile(ctx, m.cfg.Path, data, m.currentSHA())
	if errors.Is(err, errConflict) {
		// Someone else advanced the blob (or we never learned its sha).
		// Refresh and retry once; the local file still wins.
		_, fresh, gerr := m.gh.getFile(ctx, m.cfg.Path)
		if gerr != nil && !errors.Is(gerr, errNotFound) {
			log.Errorf("mirror: upload conflict and sha refresh failed: %v", gerr)
			return
		}
		sha, err = m.gh.putFile(ctx, m.cfg.Path, data, fresh)
	}
	if err != nil {
		log.Errorf("mirror: upload failed: %v", err)
		return
	}

	m.mu.Lock()
	m.lastSHA = sha
	m.mu.Unlock()
	log.Infof("mirror: uploaded %d bytes to %s/%s", len(data), m.cfg.Project, m.cfg.Path)
}

func (m *Mirror) currentSHA() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSHA
}
