package family

import (
	"context"
	"sync"
	"time"

	"github.com/lucalabs/cosmic-family/internal/ledger"
	"github.com/lucalabs/cosmic-family/internal/provider"
)

const (
	// DefaultQuestion is the vote framing used when the caller gives none.
	DefaultQuestion = "Is the statement valid? Answer: Yes or No"

	DefaultMaxTokens   = 1000
	DefaultTemperature = 0.7

	// Not-found dispatches carry no meaningful model label.
	unknownModelLabel = "N/A"

	errProviderNotFound = "Provider not found"
)

// Entry is one registered backend. Entries are created at registration
// and never mutated; the registry owns them exclusively.
type Entry struct {
	Name       string
	Invoker    provider.Invoker
	ModelLabel string
	Kind       provider.Kind
}

// Family is the multi-provider orchestrator: a provider registry, a
// sequential fan-out dispatcher and a consensus voter, with every
// dispatch logged to the ledger.
type Family struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
	ledger  *ledger.Ledger
}

func New(l *ledger.Ledger) *Family {
	return &Family{
		entries: make(map[string]*Entry),
		ledger:  l,
	}
}

// Register adds or replaces a provider. The invoker is taken as-is; no
// validation is performed. Replacement keeps the original registration
// position.
func (f *Family) Register(name string, inv provider.Invoker, modelLabel string, kind provider.Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.entries[name]; !exists {
		f.order = append(f.order, name)
	}
	f.entries[name] = &Entry{
		Name:       name,
		Invoker:    inv,
		ModelLabel: modelLabel,
		Kind:       kind,
	}
}

func (f *Family) Unregister(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.entries[name]; !exists {
		return
	}
	delete(f.entries, name)
	for i, n := range f.order {
		if n == name {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// Providers returns registered entries in registration order.
func (f *Family) Providers() []*Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Entry, 0, len(f.order))
	for _, name := range f.order {
		out = append(out, f.entries[name])
	}
	return out
}

func (f *Family) lookup(name string) (*Entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entries[name]
	return e, ok
}

func (f *Family) providerNames() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, len(f.order))
	copy(names, f.order)
	return names
}

// Process dispatches one query to one provider. Failures never
// propagate as errors: an unknown provider or a failing invoker
// produces a record with Error set, and every attempt (success or
// failure) appends exactly one record to the ledger.
func (f *Family) Process(ctx context.Context, name, query string, maxTokens int, temperature float64) *ledger.Record {
	record := &ledger.Record{
		Provider:  name,
		Query:     query,
		Timestamp: time.Now().UTC(),
	}

	entry, ok := f.lookup(name)
	if !ok {
		record.ModelLabel = unknownModelLabel
		record.Error = errProviderNotFound
		f.ledger.Append(record)
		return record
	}

	return f.dispatch(ctx, entry, record, maxTokens, temperature)
}

// dispatch invokes an already-resolved entry, so a concurrent
// unregistration cannot turn an in-flight dispatch into a not-found.
func (f *Family) dispatch(ctx context.Context, entry *Entry, record *ledger.Record, maxTokens int, temperature float64) *ledger.Record {
	record.ModelLabel = entry.ModelLabel
	result, err := entry.Invoker.Invoke(ctx, record.Query, maxTokens, temperature)
	if err != nil {
		record.Error = err.Error()
		record.ResponseText = "Error: " + err.Error()
	} else {
		record.ResponseText = result.Text
		record.TokensUsed = result.Tokens
	}

	f.ledger.Append(record)
	return record
}

// DimensionalSynthesis fans one query out to the named providers, or
// to every registered provider when names is nil, strictly one at a
// time in the order given (registration order for nil). Unknown names
// are skipped quietly; per-provider failures land in their records.
func (f *Family) DimensionalSynthesis(ctx context.Context, query string, names []string, maxTokens int, temperature float64) map[string]*ledger.Record {
	if names == nil {
		names = f.providerNames()
	}

	results := make(map[string]*ledger.Record)
	for _, name := range names {
		entry, ok := f.lookup(name)
		if !ok {
			continue
		}
		record := &ledger.Record{
			Provider:  name,
			Query:     query,
			Timestamp: time.Now().UTC(),
		}
		results[name] = f.dispatch(ctx, entry, record, maxTokens, temperature)
	}
	return results
}
