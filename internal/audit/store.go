package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

// Store is the durable side of the ledger. Entries come back in insertion
// order (oldest first) from All and Query.
type Store interface {
	Put(ctx context.Context, e Entry) error
	All(ctx context.Context) ([]Entry, error)
	Query(ctx context.Context, f Filter) ([]Entry, error)
	Clear(ctx context.Context) error
	Close() error
}

// Filter selects entries for Query. All fields are optional; zero values
// mean "no filter".
type Filter struct {
	Kind     EventKind // Exact event kind.
	Operator string    // Exact operator id.
	Resource string    // Glob pattern on the resource, e.g. "breaker-*".
	Since    time.Time // Inclusive lower bound on the entry timestamp.
	Until    time.Time // Inclusive upper bound on the entry timestamp.
	Limit    int       // Keep only the newest N matches.
}

// ParseTimeBound parses a filter bound given either as an RFC 3339
// timestamp or as a duration such as "90m", meaning that long before now.
func ParseTimeBound(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or a duration like 1h", s)
	}
	return t, nil
}

// compiledFilter is a Filter with its resource glob compiled once.
type compiledFilter struct {
	Filter
	resource glob.Glob
}

func (f Filter) compile() (*compiledFilter, error) {
	cf := &compiledFilter{Filter: f}
	if f.Resource != "" {
		g, err := glob.Compile(f.Resource)
		if err != nil {
			return nil, fmt.Errorf("invalid resource pattern %q: %w", f.Resource, err)
		}
		cf.resource = g
	}
	return cf, nil
}

// match applies every non-empty condition (AND logic).
func (cf *compiledFilter) match(e *Entry) bool {
	if cf.Kind != "" && e.Kind != cf.Kind {
		return false
	}
	if cf.Operator != "" && e.Operator != cf.Operator {
		return false
	}
	if !cf.Since.IsZero() && e.TimestampMs < cf.Since.UnixMilli() {
		return false
	}
	if !cf.Until.IsZero() && e.TimestampMs > cf.Until.UnixMilli() {
		return false
	}
	if cf.resource != nil && !cf.resource.Match(e.Resource) {
		return false
	}
	return true
}

// apply filters entries in order and trims to the newest Limit matches.
func (cf *compiledFilter) apply(entries []Entry) []Entry {
	var out []Entry
	for i := range entries {
		if cf.match(&entries[i]) {
			out = append(out, entries[i])
		}
	}
	if cf.Limit > 0 && len(out) > cf.Limit {
		out = out[len(out)-cf.Limit:]
	}
	return out
}

// MemoryStore keeps entries in a slice. It backs memory-only mode and
// tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryStore) All(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *MemoryStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	cf, err := f.compile()
	if err != nil {
		return nil, err
	}
	all, _ := m.All(ctx)
	return cf.apply(all), nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
