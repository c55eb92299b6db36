package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "ledger", "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedStore logs a fixed set of entries through a ledger on store.
func seedStore(t *testing.T, store Store) []Entry {
	t.Helper()
	l, err := Open(context.Background(), Options{Store: store, Now: stepClock()})
	require.NoError(t, err)
	drafts := []Draft{
		{Operator: OperatorSystem, Kind: KindSystemBoot, Resource: "scada"},
		{Operator: "op-1", Kind: KindOperatorOverride, Resource: "breaker-1"},
		{Operator: OperatorAI, Kind: KindAIActuation, Resource: "breaker-2"},
		{Operator: "op-1", Kind: KindOperatorOverride, Resource: "capacitor-1"},
		{Operator: "op-2", Kind: KindOperatorOverride, Resource: "breaker-3", Metadata: Metadata{"mw": 12.5}},
	}
	var out []Entry
	for _, d := range drafts {
		out = append(out, mustLog(t, l, d))
	}
	// Close only the queue; the store belongs to the caller.
	l.queue.close()
	return out
}

func storeBackends(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": openTestSQLite(t),
	}
}

func TestStore_AllKeepsInsertionOrder(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			seeded := seedStore(t, store)
			all, err := store.All(context.Background())
			require.NoError(t, err)
			assert.Equal(t, seeded, all)
			assert.True(t, Verify(nil, all).Valid)
		})
	}
}

func TestStore_Query(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			seeded := seedStore(t, store)

			tests := []struct {
				name   string
				filter Filter
				want   []Entry
			}{
				{"no filter", Filter{}, seeded},
				{"by kind", Filter{Kind: KindOperatorOverride}, []Entry{seeded[1], seeded[3], seeded[4]}},
				{"by operator", Filter{Operator: "op-1"}, []Entry{seeded[1], seeded[3]}},
				{"kind and operator", Filter{Kind: KindOperatorOverride, Operator: "op-2"}, []Entry{seeded[4]}},
				{"resource glob", Filter{Resource: "breaker-*"}, []Entry{seeded[1], seeded[2], seeded[4]}},
				{"since", Filter{Since: seeded[3].Time()}, []Entry{seeded[3], seeded[4]}},
				{"until", Filter{Until: seeded[1].Time()}, []Entry{seeded[0], seeded[1]}},
				{"limit keeps newest", Filter{Limit: 2}, []Entry{seeded[3], seeded[4]}},
				{"glob with limit", Filter{Resource: "breaker-*", Limit: 1}, []Entry{seeded[4]}},
				{"no match", Filter{Operator: "nobody"}, nil},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					got, err := store.Query(context.Background(), tt.filter)
					require.NoError(t, err)
					assert.Equal(t, tt.want, got)
				})
			}
		})
	}
}

func TestStore_QueryInvalidGlob(t *testing.T) {
	_, err := NewMemoryStore().Query(context.Background(), Filter{Resource: "[unclosed"})
	assert.Error(t, err)
}

func TestStore_Clear(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			seedStore(t, store)
			require.NoError(t, store.Clear(context.Background()))
			all, err := store.All(context.Background())
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestSQLiteStoreReadOnly_MissingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo", "ledger.db")
	_, err := OpenSQLiteStoreReadOnly(path)
	require.Error(t, err)
	assert.NoFileExists(t, path)
	assert.NoDirExists(t, filepath.Dir(path))
}

func TestSQLiteStoreReadOnly_ReadsExistingChain(t *testing.T) {
	rw := openTestSQLite(t)
	seeded := seedStore(t, rw)

	ro, err := OpenSQLiteStoreReadOnly(rw.Path())
	require.NoError(t, err)
	defer ro.Close()

	all, err := ro.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, seeded, all)

	assert.Error(t, ro.Put(context.Background(), baseEntry()))
}

func TestSQLiteStore_RejectsDuplicateID(t *testing.T) {
	s := openTestSQLite(t)
	e := baseEntry()
	e.Hash = "sha256:x"
	require.NoError(t, s.Put(context.Background(), e))
	assert.Error(t, s.Put(context.Background(), e))
}

// brokenStore fails every durable operation.
type brokenStore struct {
	puts   int
	closed bool
}

func (b *brokenStore) Put(context.Context, Entry) error {
	b.puts++
	return errors.New("io error")
}

func (b *brokenStore) All(context.Context) ([]Entry, error) {
	return nil, errors.New("io error")
}

func (b *brokenStore) Query(context.Context, Filter) ([]Entry, error) {
	return nil, errors.New("io error")
}

func (b *brokenStore) Clear(context.Context) error { return errors.New("io error") }

func (b *brokenStore) Close() error {
	b.closed = true
	return nil
}

func TestFallbackStore_DegradesAfterRetries(t *testing.T) {
	durable := &brokenStore{}
	fs := NewFallbackStore(durable, RetryPolicy{Retries: 2, Backoff: time.Millisecond})
	var slept []time.Duration
	fs.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	assert.False(t, fs.State().Degraded)

	e := baseEntry()
	require.NoError(t, fs.Put(context.Background(), e))
	assert.Equal(t, 3, durable.puts)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, slept)
	assert.True(t, durable.closed)

	st := fs.State()
	assert.True(t, st.Degraded)
	assert.Contains(t, st.Reason, "io error")
	assert.False(t, st.Since.IsZero())

	all, err := fs.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Entry{e}, all)

	// Later writes go straight to memory.
	require.NoError(t, fs.Put(context.Background(), e))
	assert.Equal(t, 3, durable.puts)
}

func TestFallbackStore_CopiesDurableHistoryOnDegrade(t *testing.T) {
	durable := &flakyStore{MemoryStore: NewMemoryStore()}
	seeded := seedStore(t, durable)

	fs := NewFallbackStore(durable, RetryPolicy{})
	durable.setFail(true)

	l, err := Open(context.Background(), Options{Store: fs, Now: stepClock()})
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, seeded[len(seeded)-1].Hash, l.Tip())

	e := mustLog(t, l, Draft{Operator: "op", Kind: KindError, Details: "disk gone"})
	assert.Equal(t, seeded[len(seeded)-1].Hash, e.PreviousHash)
	assert.True(t, l.Status().Storage.Degraded)

	res, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, len(seeded)+1, res.EntriesChecked)
}

// downStore fails reads as well as writes once fail is set, as if the
// disk had gone away.
type downStore struct {
	*flakyStore
}

func (d *downStore) All(ctx context.Context) ([]Entry, error) {
	d.mu.Lock()
	fail := d.fail
	d.mu.Unlock()
	if fail {
		return nil, errors.New("device not configured")
	}
	return d.MemoryStore.All(ctx)
}

func TestFallbackStore_UnreadableDurableKeepsWorkingSet(t *testing.T) {
	durable := &downStore{&flakyStore{MemoryStore: NewMemoryStore()}}
	l := openTestLedger(t, Options{Store: NewFallbackStore(durable, RetryPolicy{})})
	mustLog(t, l, Draft{Operator: "op", Kind: KindNavigation})
	mustLog(t, l, Draft{Operator: "op", Kind: KindNavigation})

	durable.setFail(true)
	third := mustLog(t, l, Draft{Operator: OperatorAI, Kind: KindAIActuation})

	st := l.Status()
	assert.True(t, st.Storage.Degraded)
	assert.Empty(t, st.Storage.Anchor)
	assert.Equal(t, 3, st.Entries)

	res, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid, "%+v", res)
	assert.Equal(t, 3, res.EntriesChecked)
	assert.Empty(t, res.AnchoredAt)

	art, err := l.ComplianceArtifact(context.Background(), "NERC CIP-007-6", 1)
	require.NoError(t, err)
	assert.True(t, art.Metadata.Verification.Valid)
	assert.Equal(t, 3, art.Metadata.TotalEntries)
	assert.Equal(t, third.ID, art.RecentEntries[0].ID)
}

func TestFallbackStore_UnreadableDurableAnchorsPartialSegment(t *testing.T) {
	durable := &downStore{&flakyStore{MemoryStore: NewMemoryStore()}}
	l := openTestLedger(t, Options{Store: NewFallbackStore(durable, RetryPolicy{}), WorkingSetSize: 2})
	var logged []Entry
	for i := 0; i < 4; i++ {
		logged = append(logged, mustLog(t, l, Draft{Operator: "op", Kind: KindNavigation}))
	}

	durable.setFail(true)
	mustLog(t, l, Draft{Operator: "op", Kind: KindError, Details: "disk gone"})

	assert.Equal(t, logged[1].Hash, l.Storage().Anchor)
	res, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid, "%+v", res)
	assert.Equal(t, 3, res.EntriesChecked)
	assert.Equal(t, logged[1].Hash, res.AnchoredAt)

	art, err := l.ComplianceArtifact(context.Background(), "NERC CIP-007-6", 0)
	require.NoError(t, err)
	assert.True(t, art.Metadata.Verification.Valid)
	assert.Equal(t, logged[1].Hash, art.Metadata.Storage.Anchor)

	// A reset starts a fresh chain that verifies from genesis again.
	_, err = l.Reset(context.Background(), Draft{Operator: "admin", Kind: KindConfigChange})
	require.NoError(t, err)
	assert.Empty(t, l.Storage().Anchor)
	res, err = l.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.AnchoredAt)
}

func TestFallbackStore_NilDurableStartsDegraded(t *testing.T) {
	fs := NewFallbackStore(nil, RetryPolicy{})
	assert.True(t, fs.State().Degraded)
	require.NoError(t, fs.Put(context.Background(), baseEntry()))
	all, err := fs.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLedger_OpenFailsWhenStoreUnreadable(t *testing.T) {
	_, err := Open(context.Background(), Options{Store: &brokenStore{}})
	assert.Error(t, err)
}

func TestParseTimeBound(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := ParseTimeBound("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = ParseTimeBound("90m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-90*time.Minute), got)

	got, err = ParseTimeBound("2026-02-28T08:30:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 28, 8, 30, 0, 0, time.UTC), got)

	_, err = ParseTimeBound("yesterday", now)
	assert.Error(t, err)
}
