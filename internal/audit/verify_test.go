package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildChain(t *testing.T, n int) []Entry {
	t.Helper()
	l := openTestLedger(t, Options{})
	for i := 0; i < n; i++ {
		d := Draft{
			Operator: fmt.Sprintf("op-%d", i),
			Kind:     AllKinds[i%len(AllKinds)],
			Resource: fmt.Sprintf("asset-%d", i),
			Details:  fmt.Sprintf("event %d", i),
		}
		if i%2 == 0 {
			d.Metadata = Metadata{"index": i, "zone": "north"}
		}
		mustLog(t, l, d)
	}
	all, err := l.Entries(context.Background())
	require.NoError(t, err)
	return all
}

func TestVerify_EmptyChainIsValid(t *testing.T) {
	res := Verify(nil, nil)
	assert.True(t, res.Valid)
	assert.Equal(t, 0, res.EntriesChecked)
}

func TestVerify_UntouchedChainsAreValid(t *testing.T) {
	for _, n := range []int{1, 2, 7, 30} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			res := Verify(SHA256Hasher{}, buildChain(t, n))
			assert.True(t, res.Valid)
			assert.Equal(t, n, res.EntriesChecked)
		})
	}
}

func TestVerify_SingleFieldTamperingIsDetected(t *testing.T) {
	const n = 6
	chain := buildChain(t, n)

	fields := []struct {
		name   string
		modify func(e *Entry)
	}{
		{"timestamp", func(e *Entry) { e.Timestamp = "1999-01-01T00:00:00Z" }},
		{"timestamp_ms", func(e *Entry) { e.TimestampMs = 1 }},
		{"operator", func(e *Entry) { e.Operator = "intruder" }},
		{"kind", func(e *Entry) { e.Kind = KindNavigation }},
		{"resource", func(e *Entry) { e.Resource = "elsewhere" }},
		{"details", func(e *Entry) { e.Details = "nothing happened" }},
		{"metadata", func(e *Entry) { e.Metadata = Metadata{"zone": json.Number("9")} }},
		{"hash", func(e *Entry) { e.Hash = "sha256:deadbeef" }},
		{"previous_hash", func(e *Entry) { e.PreviousHash = "sha256:deadbeef" }},
	}

	for k := 0; k < n; k++ {
		for _, f := range fields {
			t.Run(fmt.Sprintf("entry%d/%s", k, f.name), func(t *testing.T) {
				tampered := make([]Entry, n)
				copy(tampered, chain)
				f.modify(&tampered[k])

				res := Verify(SHA256Hasher{}, tampered)
				require.False(t, res.Valid)
				assert.Contains(t, []string{chain[k].ID, nextID(chain, k)}, res.BrokenAtID)
				assert.Equal(t, k, res.BrokenAtIndex)
			})
		}
	}
}

func nextID(chain []Entry, k int) string {
	if k+1 < len(chain) {
		return chain[k+1].ID
	}
	return ""
}

func TestVerify_RemovedEntryBreaksLink(t *testing.T) {
	chain := buildChain(t, 5)
	removed := append(append([]Entry{}, chain[:2]...), chain[3:]...)

	res := Verify(nil, removed)
	require.False(t, res.Valid)
	assert.Equal(t, chain[3].ID, res.BrokenAtID)
	assert.Equal(t, ReasonLinkMismatch, res.Reason)
	assert.Equal(t, chain[1].Hash, res.ExpectedHash)
}

func TestVerify_FirstEntryMustLinkToGenesis(t *testing.T) {
	chain := buildChain(t, 4)

	res := Verify(nil, chain[1:])
	require.False(t, res.Valid)
	assert.Equal(t, chain[1].ID, res.BrokenAtID)
	assert.Equal(t, GenesisHash, res.ExpectedHash)
}

func TestVerify_RecomputedHashCatchesConsistentRelink(t *testing.T) {
	// Editing details and rewriting the next entry's link still fails
	// because the edited entry's own hash no longer matches its fields.
	chain := buildChain(t, 3)
	chain[1].Details = "edited"
	chain[2].PreviousHash = chain[1].Hash

	res := Verify(nil, chain)
	require.False(t, res.Valid)
	assert.Equal(t, chain[1].ID, res.BrokenAtID)
	assert.Equal(t, ReasonHashMismatch, res.Reason)
}

func TestVerify_DigestFailureIsReported(t *testing.T) {
	chain := buildChain(t, 2)
	res := Verify(failingHasher{}, chain)
	require.False(t, res.Valid)
	assert.Equal(t, ReasonDigestError, res.Reason)
	assert.Equal(t, chain[0].ID, res.BrokenAtID)
}

func TestVerifyFrom_AnchoredSegment(t *testing.T) {
	chain := buildChain(t, 4)

	res := VerifyFrom(nil, chain[0].Hash, chain[1:])
	assert.True(t, res.Valid)
	assert.Equal(t, 3, res.EntriesChecked)
	assert.Equal(t, chain[0].Hash, res.AnchoredAt)

	res = VerifyFrom(nil, chain[1].Hash, chain[1:])
	require.False(t, res.Valid)
	assert.Equal(t, ReasonLinkMismatch, res.Reason)
	assert.Equal(t, chain[1].Hash, res.AnchoredAt)

	res = VerifyFrom(nil, "", chain)
	assert.True(t, res.Valid)
	assert.Empty(t, res.AnchoredAt)
}

func TestVerifyResult_JSONKeepsIndexZero(t *testing.T) {
	chain := buildChain(t, 2)
	chain[0].Details = "edited"

	data, err := json.Marshal(Verify(nil, chain))
	require.NoError(t, err)
	var broken map[string]any
	require.NoError(t, json.Unmarshal(data, &broken))
	assert.Equal(t, false, broken["valid"])
	assert.Equal(t, float64(0), broken["brokenAtIndex"])

	data, err = json.Marshal(Verify(nil, chain[:0]))
	require.NoError(t, err)
	var valid map[string]any
	require.NoError(t, json.Unmarshal(data, &valid))
	assert.NotContains(t, valid, "brokenAtIndex")

	var back VerifyResult
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Valid)
}
