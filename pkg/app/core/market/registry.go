package market

import (
	"fmt"
	"sort"
	"sync"
)

// Registry tracks all open markets. It is the only market state shared
// across execution contexts, so access is guarded by a RWMutex; everything
// hanging off an individual book stays owned by that market's worker.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market
}

func NewRegistry() *Registry {
	return &Registry{markets: make(map[string]*Market)}
}

func (r *Registry) Register(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}
	if err := m.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := m.Key.String()
	if _, exists := r.markets[key]; exists {
		return fmt.Errorf("market %s already registered", key)
	}
	r.markets[key] = m
	return nil
}

func (r *Registry) Get(key Key) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.markets[key.String()]
	if !exists {
		return nil, fmt.Errorf("market %s not found", key)
	}
	return m, nil
}

// List returns all registered markets sorted by key for deterministic output.
func (r *Registry) List() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// StatusOf reads a market's current trading status under the registry
// lock. Callers holding a *Market from Get must come here for Status;
// the struct field may be concurrently rewritten by SetStatus.
func (r *Registry) StatusOf(key Key) (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.markets[key.String()]
	if !exists {
		return 0, fmt.Errorf("market %s not found", key)
	}
	return m.Status, nil
}

// SetStatus changes a market's trading status. Closed is terminal; a Halted
// market can only go back to Active (operator resume after investigating the
// halt).
func (r *Registry) SetStatus(key Key, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.markets[key.String()]
	if !exists {
		return fmt.Errorf("market %s not found", key)
	}
	if m.Status == Closed {
		return fmt.Errorf("market %s is closed (terminal state)", key)
	}
	if m.Status == Halted && status != Active && status != Closed {
		return fmt.Errorf("halted market %s can only be resumed or closed", key)
	}
	m.Status = status
	return nil
}

// Halt flags a market after an internal invariant violation. Separate from
// SetStatus so the call site reads as what it is.
func (r *Registry) Halt(key Key) error {
	return r.SetStatus(key, Halted)
}

func (r *Registry) Exists(key Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.markets[key.String()]
	return exists
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}
