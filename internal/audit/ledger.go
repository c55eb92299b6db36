package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DatabaseFile is the SQLite file name inside the ledger directory.
const DatabaseFile = "ledger.db"

// DefaultWorkingSetSize is how many recent entries the ledger keeps in
// memory for snapshots and Recent.
const DefaultWorkingSetSize = 1000

// Options configures Open.
type Options struct {
	// Store overrides the storage backend. When nil, Open uses a SQLite
	// database at Dir/ledger.db behind a FallbackStore.
	Store Store

	// Dir is the ledger directory used when Store is nil.
	Dir string

	// MemoryOnly skips the durable store entirely.
	MemoryOnly bool

	WorkingSetSize int
	QueueDepth     int
	Retry          RetryPolicy

	Hasher Hasher
	Now    func() time.Time
	NewID  func() string
}

// Status is a point-in-time summary of the ledger.
type Status struct {
	Tip         string        `json:"tip"`
	Entries     int           `json:"entries"`
	WorkingSet  int           `json:"workingSet"`
	Subscribers int           `json:"subscribers"`
	Algorithm   string        `json:"algorithm"`
	Storage     DegradedState `json:"storage"`
}

// Ledger is the chain engine. Construct one per process with Open and
// pass it to every component that records events.
type Ledger struct {
	hasher Hasher
	store  Store
	queue  *appendQueue
	hub    *hub
	now    func() time.Time
	newID  func() string
	limit  int

	// Written only by the queue worker; mu lets readers take consistent
	// copies.
	mu      sync.RWMutex
	tip     string
	working []Entry // oldest first, at most limit entries
	count   int
}

// Open builds a ledger, recovering the chain tip and working set from the
// store. A broken chain is logged and left as is; Open never repairs it.
func Open(ctx context.Context, opts Options) (*Ledger, error) {
	if opts.WorkingSetSize <= 0 {
		opts.WorkingSetSize = DefaultWorkingSetSize
	}
	if opts.Hasher == nil {
		opts.Hasher = SHA256Hasher{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = newEntryID
	}

	store := opts.Store
	if store == nil {
		store = openDefaultStore(opts)
	}

	entries, err := store.All(ctx)
	if err != nil {
		if opts.Store == nil {
			store.Close()
		}
		return nil, fmt.Errorf("loading ledger entries: %w", err)
	}

	l := &Ledger{
		hasher: opts.Hasher,
		store:  store,
		hub:    newHub(),
		now:    opts.Now,
		newID:  opts.NewID,
		limit:  opts.WorkingSetSize,
		tip:    GenesisHash,
		count:  len(entries),
	}
	if res := Verify(l.hasher, entries); !res.Valid {
		slog.Error("audit chain verification failed on open",
			"broken_at", res.BrokenAtID, "reason", res.Reason)
	}

	if n := len(entries); n > 0 {
		l.tip = entries[n-1].Hash
		if n > l.limit {
			entries = entries[n-l.limit:]
		}
		l.working = entries
	}

	if fs, ok := store.(*FallbackStore); ok {
		fs.SeedFrom(l.workingSet)
	}

	l.hub.publish(l.snapshotLocked())
	l.queue = newAppendQueue(opts.QueueDepth)

	slog.Info("audit ledger opened", "entries", l.count, "tip", l.tip)
	return l, nil
}

func openDefaultStore(opts Options) Store {
	if opts.MemoryOnly {
		return NewFallbackStore(nil, opts.Retry)
	}
	durable, err := OpenSQLiteStore(filepath.Join(opts.Dir, DatabaseFile))
	if err != nil {
		slog.Warn("durable ledger store unavailable", "dir", opts.Dir, "error", err)
		return NewFallbackStore(nil, opts.Retry)
	}
	return NewFallbackStore(durable, opts.Retry)
}

// newEntryID returns a time-ordered UUIDv7, falling back to a random
// UUIDv4 if the clock-based generator fails.
func newEntryID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Log records a draft and returns the finalized entry. Concurrent calls
// are serialized; each entry links to the one finalized just before it.
//
// A digest failure returns an error wrapping ErrDigest and records
// nothing. If ctx is cancelled after the draft was queued, Log returns
// ctx.Err() but the entry is still recorded.
//
// Log must not be called from inside a Listener.
func (l *Ledger) Log(ctx context.Context, d Draft) (Entry, error) {
	if err := d.validate(); err != nil {
		return Entry{}, err
	}

	var out Entry
	var appendErr error
	if err := l.queue.submit(ctx, func() {
		out, appendErr = l.append(d)
	}); err != nil {
		return Entry{}, err
	}
	return out, appendErr
}

// append finalizes d against the current tip and stores it. Runs on the
// queue worker.
func (l *Ledger) append(d Draft) (Entry, error) {
	e, err := l.finalize(d, l.currentTip())
	if err != nil {
		return Entry{}, err
	}
	if err := l.commit(e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// finalize builds the entry for d linked to prev and computes its hash.
func (l *Ledger) finalize(d Draft, prev string) (Entry, error) {
	md, err := normalizeMetadata(d.Metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}

	ts := l.now().UTC()
	e := Entry{
		ID:           l.newID(),
		Timestamp:    ts.Format(time.RFC3339Nano),
		TimestampMs:  ts.UnixMilli(),
		Operator:     d.Operator,
		Kind:         d.Kind,
		Resource:     d.Resource,
		Details:      d.Details,
		Metadata:     md,
		PreviousHash: prev,
	}

	e.Hash, err = computeHash(l.hasher, &e)
	if err != nil {
		slog.Error("audit digest failed, entry not recorded",
			"kind", e.Kind, "operator", e.Operator, "error", err)
		return Entry{}, err
	}
	return e, nil
}

// commit stores e and advances the tip. The tip moves only once the entry
// is stored; otherwise the next entry would link to a hash that does not
// exist after a restart.
func (l *Ledger) commit(e Entry) error {
	if err := l.store.Put(context.Background(), e); err != nil {
		slog.Error("audit entry not persisted", "id", e.ID, "error", err)
		return fmt.Errorf("persisting audit entry: %w", err)
	}

	l.mu.Lock()
	l.tip = e.Hash
	l.count++
	l.working = append(l.working, e)
	if len(l.working) > l.limit {
		l.working = append([]Entry(nil), l.working[len(l.working)-l.limit:]...)
	}
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.hub.publish(snapshot)
	return nil
}

// Reset wipes the store and starts a new chain whose first entry is the
// record of the reset itself, built from d. It is the only way entries are
// ever removed.
//
// The clear and the record are one queue job, so no other entry can land
// between them. Reset adds "clearedEntries" and "previousTip" to the
// metadata and writes the details as "Audit ledger reset; N entries
// cleared", followed by d.Details when set. If the record cannot be
// hashed, nothing is cleared.
func (l *Ledger) Reset(ctx context.Context, d Draft) (Entry, error) {
	if err := d.validate(); err != nil {
		return Entry{}, err
	}

	var out Entry
	var resetErr error
	if err := l.queue.submit(ctx, func() {
		out, resetErr = l.reset(d)
	}); err != nil {
		return Entry{}, err
	}
	return out, resetErr
}

// reset runs on the queue worker.
func (l *Ledger) reset(d Draft) (Entry, error) {
	l.mu.RLock()
	removed, previousTip := l.count, l.tip
	l.mu.RUnlock()

	md := make(Metadata, len(d.Metadata)+2)
	for k, v := range d.Metadata {
		md[k] = v
	}
	md["clearedEntries"] = removed
	md["previousTip"] = previousTip
	d.Metadata = md

	details := fmt.Sprintf("Audit ledger reset; %d entries cleared", removed)
	if d.Details != "" {
		details += ": " + d.Details
	}
	d.Details = details

	e, err := l.finalize(d, GenesisHash)
	if err != nil {
		return Entry{}, err
	}

	if err := l.store.Clear(context.Background()); err != nil {
		return Entry{}, fmt.Errorf("clearing ledger store: %w", err)
	}
	l.mu.Lock()
	l.tip = GenesisHash
	l.count = 0
	l.working = nil
	l.mu.Unlock()

	slog.Warn("audit ledger reset", "entries_removed", removed, "operator", d.Operator)

	if err := l.commit(e); err != nil {
		l.hub.publish([]Entry{})
		return Entry{}, fmt.Errorf("ledger cleared but reset record lost: %w", err)
	}
	return e, nil
}

func (l *Ledger) currentTip() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tip
}

// Tip returns the hash of the most recently finalized entry, or
// GenesisHash for an empty chain.
func (l *Ledger) Tip() string { return l.currentTip() }

// snapshotLocked returns the working set newest first. Caller must hold
// l.mu (read or write), or be the only goroutine with access.
func (l *Ledger) snapshotLocked() []Entry {
	out := make([]Entry, len(l.working))
	for i, e := range l.working {
		out[len(l.working)-1-i] = e
	}
	return out
}

// workingSet returns a copy of the working set, oldest first.
func (l *Ledger) workingSet() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.working...)
}

// Snapshot returns the in-memory working set, newest first.
func (l *Ledger) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

// Recent returns up to n entries from the working set, newest first.
func (l *Ledger) Recent(n int) []Entry {
	snap := l.Snapshot()
	if n > 0 && len(snap) > n {
		snap = snap[:n]
	}
	return snap
}

// Entries returns the full stored history, oldest first.
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	return l.store.All(ctx)
}

// Query returns stored entries matching f, oldest first.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	return l.store.Query(ctx, f)
}

// Verify re-reads the full history and checks every hash and link. When
// the store kept only a recent segment after losing its durable backend,
// the segment is checked from its anchor.
func (l *Ledger) Verify(ctx context.Context) (VerifyResult, error) {
	entries, err := l.store.All(ctx)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("reading entries for verification: %w", err)
	}
	return VerifyFrom(l.hasher, l.Storage().Anchor, entries), nil
}

// Subscribe registers fn for snapshots. fn receives the current snapshot
// before Subscribe returns.
func (l *Ledger) Subscribe(fn Listener) (unsubscribe func()) {
	return l.hub.subscribe(fn)
}

// Hasher returns the ledger's hash function.
func (l *Ledger) Hasher() Hasher { return l.hasher }

// Storage reports whether the ledger has fallen back to memory-only mode.
func (l *Ledger) Storage() DegradedState {
	if s, ok := l.store.(interface{ State() DegradedState }); ok {
		return s.State()
	}
	return DegradedState{}
}

// Status summarizes the ledger.
func (l *Ledger) Status() Status {
	l.mu.RLock()
	st := Status{
		Tip:        l.tip,
		Entries:    l.count,
		WorkingSet: len(l.working),
	}
	l.mu.RUnlock()
	st.Subscribers = l.hub.count()
	st.Algorithm = l.hasher.Algorithm()
	st.Storage = l.Storage()
	return st
}

// Close drains queued appends and closes the store.
func (l *Ledger) Close() error {
	l.queue.close()
	if err := l.store.Close(); err != nil {
		return fmt.Errorf("closing audit ledger: %w", err)
	}
	return nil
}

// normalizeMetadata round-trips metadata through JSON with json.Number so
// the in-memory entry matches what the store returns after a restart.
func normalizeMetadata(md Metadata) (Metadata, error) {
	if len(md) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out Metadata
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("normalizing metadata: %w", err)
	}
	return out, nil
}
