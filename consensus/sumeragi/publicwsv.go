package sumeragi

import (
	"sync"

	"github.com/tolelom/tolchain/core"
)

// PublicWSV is the mutex-guarded state exposed to readers outside the
// consensus thread (RPC, the indexer, sync). It wraps a single backing
// core.State rather than the two-copy private/public split a literal
// reading would suggest: storage.StateDB offers no cheap deep-clone, so
// the engine instead takes Lock for the full duration of a stamp-execute,
// revalidate-execute or commit-execute sequence and releases it only once
// the WSV has settled. Readers taking the per-method lock below never
// observe a partially-applied block; they just wait out the engine's
// longer hold instead of racing it.
type PublicWSV struct {
	mu    sync.RWMutex
	inner core.State
}

// NewPublicWSV wraps inner, which must not be accessed by any other
// goroutine afterwards except through this wrapper.
func NewPublicWSV(inner core.State) *PublicWSV {
	return &PublicWSV{inner: inner}
}

// Lock acquires exclusive access for the engine's loop to run a multi-step
// mutation (snapshot, execute, revert-or-commit) without a concurrent RPC
// read observing an intermediate state. Callers must Unlock when done.
func (w *PublicWSV) Lock() { w.mu.Lock() }

// Unlock releases a lock taken with Lock.
func (w *PublicWSV) Unlock() { w.mu.Unlock() }

// State returns the wrapped state for direct use by the engine's loop while
// the caller holds the lock. Never call this without holding Lock first.
func (w *PublicWSV) State() core.State { return w.inner }

func (w *PublicWSV) GetAccount(address string) (*core.Account, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.inner.GetAccount(address)
}

func (w *PublicWSV) SetAccount(account *core.Account) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inner.SetAccount(account)
}

func (w *PublicWSV) GetAsset(id string) (*core.Asset, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.inner.GetAsset(id)
}

func (w *PublicWSV) SetAsset(asset *core.Asset) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inner.SetAsset(asset)
}

func (w *PublicWSV) DeleteAsset(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inner.DeleteAsset(id)
}

func (w *PublicWSV) GetTemplate(id string) (*core.AssetTemplate, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.inner.GetTemplate(id)
}

func (w *PublicWSV) SetTemplate(t *core.AssetTemplate) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inner.SetTemplate(t)
}

func (w *PublicWSV) GetSession(id string) (*core.Session, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.inner.GetSession(id)
}

func (w *PublicWSV) SetSession(s *core.Session) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inner.SetSession(s)
}

func (w *PublicWSV) GetListing(id string) (*core.MarketListing, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.inner.GetListing(id)
}

func (w *PublicWSV) SetListing(l *core.MarketListing) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inner.SetListing(l)
}

func (w *PublicWSV) Snapshot() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inner.Snapshot()
}

func (w *PublicWSV) RevertToSnapshot(id int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inner.RevertToSnapshot(id)
}

func (w *PublicWSV) ComputeRoot() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.inner.ComputeRoot()
}

func (w *PublicWSV) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inner.Commit()
}
