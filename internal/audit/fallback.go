package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RetryPolicy bounds how long a durable write may be retried before the
// store gives up on durability.
type RetryPolicy struct {
	Retries int           // Extra attempts after the first failure.
	Backoff time.Duration // Delay before the first retry; doubled each time.
	Timeout time.Duration // Per-attempt timeout. Zero means none.
}

// DegradedState describes whether the ledger is running memory-only.
type DegradedState struct {
	Degraded bool      `json:"degraded"`
	Reason   string    `json:"reason,omitempty"`
	Since    time.Time `json:"since,omitempty"`

	// Anchor is set when the memory copy could not be read back from the
	// durable store and starts partway through the chain. It is the hash
	// the oldest in-memory entry links to.
	Anchor string `json:"anchor,omitempty"`
}

// FallbackStore wraps a durable Store. When a write still fails after the
// retry policy is exhausted, or when no durable store could be opened, it
// switches to memory-only operation for the rest of the process lifetime.
// The switch is logged once and reported through State.
type FallbackStore struct {
	mu      sync.RWMutex
	durable Store // nil once degraded
	memory  *MemoryStore
	policy  RetryPolicy
	state   DegradedState
	sleep   func(context.Context, time.Duration) error

	// recent supplies the entries to keep when the durable store cannot
	// be read on degrade, oldest first.
	recent func() []Entry
}

// NewFallbackStore wraps durable. A nil durable store starts degraded.
func NewFallbackStore(durable Store, policy RetryPolicy) *FallbackStore {
	fs := &FallbackStore{
		durable: durable,
		memory:  NewMemoryStore(),
		policy:  policy,
		sleep:   sleepContext,
	}
	if durable == nil {
		fs.state = DegradedState{Degraded: true, Reason: "durable store unavailable", Since: time.Now().UTC()}
		slog.Warn("audit ledger running memory-only, entries will not survive restart",
			"reason", fs.state.Reason)
	}
	return fs
}

// SeedFrom sets where the memory copy comes from when the durable store
// fails and cannot be read either. The ledger passes its working set.
func (fs *FallbackStore) SeedFrom(recent func() []Entry) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.recent = recent
}

// State reports the current degraded state.
func (fs *FallbackStore) State() DegradedState {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.state
}

func (fs *FallbackStore) Put(ctx context.Context, e Entry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.durable == nil {
		return fs.memory.Put(ctx, e)
	}

	var err error
	backoff := fs.policy.Backoff
	for attempt := 0; attempt <= fs.policy.Retries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying ledger write", "id", e.ID, "attempt", attempt+1, "backoff", backoff)
			if sleepErr := fs.sleep(ctx, backoff); sleepErr != nil {
				err = errors.Join(err, sleepErr)
				break
			}
			backoff *= 2
		}
		if err = fs.putOnce(ctx, e); err == nil {
			return nil
		}
	}

	fs.degrade(ctx, fmt.Sprintf("durable write failed: %v", err), e)
	return fs.memory.Put(ctx, e)
}

func (fs *FallbackStore) putOnce(ctx context.Context, e Entry) error {
	if fs.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fs.policy.Timeout)
		defer cancel()
	}
	return fs.durable.Put(ctx, e)
}

// degrade copies the durable history into memory and drops the durable
// store. If the history cannot be read, memory starts from the recent
// entries instead and State records the anchor that segment links to.
// pending is the write that failed. Caller must hold fs.mu.
func (fs *FallbackStore) degrade(ctx context.Context, reason string, pending Entry) {
	var anchor string
	existing, err := fs.durable.All(ctx)
	if err != nil {
		existing = nil
		if fs.recent != nil {
			existing = fs.recent()
		}
		anchor = pending.PreviousHash
		if len(existing) > 0 {
			anchor = existing[0].PreviousHash
		}
		if anchor == GenesisHash {
			anchor = ""
		}
		slog.Warn("could not read durable entries, keeping recent entries only",
			"error", err, "kept", len(existing), "anchor", anchor)
	}
	fs.memory.mu.Lock()
	fs.memory.entries = existing
	fs.memory.mu.Unlock()

	if closeErr := fs.durable.Close(); closeErr != nil {
		slog.Warn("closing failed durable store", "error", closeErr)
	}
	fs.durable = nil
	fs.state = DegradedState{Degraded: true, Reason: reason, Since: time.Now().UTC(), Anchor: anchor}
	slog.Warn("audit ledger switched to memory-only, entries will not survive restart",
		"reason", reason, "entries_in_memory", len(existing))
}

func (fs *FallbackStore) All(ctx context.Context) ([]Entry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.durable == nil {
		return fs.memory.All(ctx)
	}
	return fs.durable.All(ctx)
}

func (fs *FallbackStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.durable == nil {
		return fs.memory.Query(ctx, f)
	}
	return fs.durable.Query(ctx, f)
}

func (fs *FallbackStore) Clear(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.durable != nil {
		if err := fs.durable.Clear(ctx); err != nil {
			return err
		}
	}
	// A cleared chain starts again at genesis.
	fs.state.Anchor = ""
	return fs.memory.Clear(ctx)
}

func (fs *FallbackStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.durable == nil {
		return nil
	}
	return fs.durable.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
