package validator

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

// MaxDecimals is the largest decimals value accepted for an asset.
const MaxDecimals = 36

// Asset is a whitelisted transferable token.
type Asset struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals int32          `json:"decimals"`
	// GasUsage is the expected settlement gas for one relayed transfer.
	GasUsage uint64 `json:"gasUsage"`
	Paused   bool   `json:"paused"`
}

// Snapshot is an immutable, versioned view of the whitelist.
type Snapshot struct {
	Version uint64
	assets  map[common.Address]Asset
}

func (s *Snapshot) Lookup(addr common.Address) (Asset, bool) {
	a, ok := s.assets[addr]
	return a, ok
}

// List returns the assets ordered by symbol.
func (s *Snapshot) List() []Asset {
	out := make([]Asset, 0, len(s.assets))
	for _, a := range s.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol == out[j].Symbol {
			return out[i].Address.Hex() < out[j].Address.Hex()
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Registry publishes whitelist snapshots. Readers never observe a partial update.
type Registry struct {
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex // serializes writers only
}

func NewRegistry(assets []Asset) *Registry {
	r := &Registry{}
	r.current.Store(newSnapshot(0, assets))
	return r
}

func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Replace installs a new whitelist and returns its version.
func (r *Registry) Replace(assets []Asset) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := newSnapshot(r.current.Load().Version+1, assets)
	r.current.Store(next)
	return next.Version
}

func newSnapshot(version uint64, assets []Asset) *Snapshot {
	m := make(map[common.Address]Asset, len(assets))
	for _, a := range assets {
		m[a.Address] = a
	}
	return &Snapshot{Version: version, assets: m}
}
