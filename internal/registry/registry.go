// Package registry holds the in-memory active (symbol, timeframe) set and
// notifies subscribers when it changes.
package registry

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Observer is notified after the active universe changes. Implementations
// must tolerate being called from the updater's goroutine; failures are
// isolated by the registry.
type Observer interface {
	OnUniverseChange(symbols, timeframes, added, removed []string)
}

// Registry is the single shared view of the active universe, owned by the
// orchestrator and passed explicitly to every task that needs it.
type Registry struct {
	mu         sync.RWMutex
	symbols    []string
	timeframes []string
	observers  []Observer
	logger     *logrus.Logger
}

// New creates an empty registry.
func New(logger *logrus.Logger) *Registry {
	return &Registry{logger: logger}
}

// Subscribe registers an observer for future universe changes.
func (r *Registry) Subscribe(obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, obs)
}

// Snapshot returns copies of the current symbol and timeframe lists.
func (r *Registry) Snapshot() (symbols, timeframes []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.symbols...), append([]string(nil), r.timeframes...)
}

// Update swaps in a new universe, computes the symbol delta, and notifies
// every observer outside the lock. It reports the added and removed symbols.
func (r *Registry) Update(symbols, timeframes []string) (added, removed []string) {
	symbols = dedupe(symbols)
	timeframes = dedupe(timeframes)

	r.mu.Lock()
	added = diff(symbols, r.symbols)
	removed = diff(r.symbols, symbols)
	changed := len(added) > 0 || len(removed) > 0 || !equal(timeframes, r.timeframes)
	r.symbols = symbols
	r.timeframes = timeframes
	observers := append([]Observer(nil), r.observers...)
	r.mu.Unlock()

	if !changed {
		return nil, nil
	}

	// Notify outside the lock: a slow or faulty observer must not block the
	// registry or other subscribers.
	for _, obs := range observers {
		r.notify(obs, symbols, timeframes, added, removed)
	}
	return added, removed
}

func (r *Registry) notify(obs Observer, symbols, timeframes, added, removed []string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithField("panic", rec).Error("Registry observer panicked")
		}
	}()
	obs.OnUniverseChange(symbols, timeframes, added, removed)
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func diff(a, b []string) []string {
	inB := make(map[string]struct{}, len(b))
	for _, v := range b {
		inB[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := inB[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
