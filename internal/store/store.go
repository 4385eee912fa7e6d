// Package store persists intent records and per-sender nonce counters.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"gaslessrelay/internal/intent"
)

// Store abstracts intent persistence. Records are append-only once terminal:
// saving over a terminal record fails with intent.ErrTerminal.
type Store interface {
	Get(ctx context.Context, id string) (*intent.Record, error)
	Save(ctx context.Context, rec *intent.Record) error
	// ListOpen returns every non-terminal record, oldest first.
	ListOpen(ctx context.Context) ([]*intent.Record, error)
	LoadNonce(ctx context.Context, sender common.Address) (uint64, bool, error)
	SaveNonce(ctx context.Context, sender common.Address, next uint64) error
	Ping(ctx context.Context) error
	Close()
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*intent.Record
	nonces  map[common.Address]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*intent.Record),
		nonces:  make(map[common.Address]uint64),
	}
}

// Get returns nil, nil for unknown ids.
func (m *MemoryStore) Get(_ context.Context, id string) (*intent.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, rec *intent.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(rec)
}

func (m *MemoryStore) put(rec *intent.Record) error {
	if prev, ok := m.records[rec.ID]; ok && prev.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", intent.ErrTerminal, rec.ID, prev.Status)
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *MemoryStore) ListOpen(_ context.Context) ([]*intent.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*intent.Record
	for _, rec := range m.records {
		if !rec.Status.Terminal() {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) LoadNonce(_ context.Context, sender common.Address) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nonces[sender]
	return n, ok, nil
}

func (m *MemoryStore) SaveNonce(_ context.Context, sender common.Address, next uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[sender] = next
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() {}

type fileSnapshot struct {
	Records map[string]*intent.Record `json:"records"`
	Nonces  map[string]uint64         `json:"nonces"`
}

// FileStore keeps everything in memory and rewrites one JSON file on every
// change. Suitable for local dev.
type FileStore struct {
	path string
	mem  *MemoryStore
	// mu orders whole-file writes.
	mu sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, mem: NewMemoryStore()}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	var snap fileSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return fmt.Errorf("decode %s: %w", f.path, err)
	}
	for id, rec := range snap.Records {
		f.mem.records[id] = rec
	}
	for sender, n := range snap.Nonces {
		f.mem.nonces[common.HexToAddress(sender)] = n
	}
	return nil
}

// persist must be called with f.mu held.
func (f *FileStore) persist() error {
	f.mem.mu.RLock()
	snap := fileSnapshot{
		Records: make(map[string]*intent.Record, len(f.mem.records)),
		Nonces:  make(map[string]uint64, len(f.mem.nonces)),
	}
	for id, rec := range f.mem.records {
		snap.Records[id] = rec
	}
	for sender, n := range f.mem.nonces {
		snap.Nonces[sender.Hex()] = n
	}
	blob, err := json.MarshalIndent(snap, "", "  ")
	f.mem.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(ctx context.Context, id string) (*intent.Record, error) {
	return f.mem.Get(ctx, id)
}

func (f *FileStore) Save(ctx context.Context, rec *intent.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mem.Save(ctx, rec); err != nil {
		return err
	}
	return f.persist()
}

func (f *FileStore) ListOpen(ctx context.Context) ([]*intent.Record, error) {
	return f.mem.ListOpen(ctx)
}

func (f *FileStore) LoadNonce(ctx context.Context, sender common.Address) (uint64, bool, error) {
	return f.mem.LoadNonce(ctx, sender)
}

func (f *FileStore) SaveNonce(ctx context.Context, sender common.Address, next uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mem.SaveNonce(ctx, sender, next); err != nil {
		return err
	}
	return f.persist()
}

func (f *FileStore) Ping(context.Context) error {
	_, err := os.Stat(filepath.Dir(f.path))
	return err
}

func (f *FileStore) Close() {}
