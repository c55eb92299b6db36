package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportCSV_HeaderAndOrder(t *testing.T) {
	chain := buildChain(t, 3)
	chain[1].Details = `says "hi", then leaves`

	var buf bytes.Buffer
	require.NoError(t, ExportCSV(&buf, chain))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Timestamp,Operator,EventKind,Resource,Details,Hash,PreviousHash", strings.Join(rows[0], ","))
	for i, e := range chain {
		row := rows[i+1]
		assert.Equal(t, e.Timestamp, row[0])
		assert.Equal(t, e.Operator, row[1])
		assert.Equal(t, string(e.Kind), row[2])
		assert.Equal(t, e.Details, row[4])
		assert.Equal(t, e.Hash, row[5])
		assert.Equal(t, e.PreviousHash, row[6])
	}
}

func TestExportJSON_RoundTripVerifiesLikeLiveStore(t *testing.T) {
	store := NewMemoryStore()
	l := openTestLedger(t, Options{Store: store})
	for i := 0; i < 4; i++ {
		mustLog(t, l, Draft{Operator: "op", Kind: KindAIRecommendation, Metadata: Metadata{"step": i, "load": 0.25 * float64(i)}})
	}

	check := func(t *testing.T) {
		live, err := l.Verify(context.Background())
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, l.ExportJSON(context.Background(), &buf))
		doc, err := ParseJSONExport(&buf)
		require.NoError(t, err)
		assert.Equal(t, 4, doc.EntryCount)

		assert.Equal(t, live, Verify(SHA256Hasher{}, doc.Entries))
	}

	t.Run("intact", check)

	store.mu.Lock()
	store.entries[2].Details = "rewritten"
	store.mu.Unlock()

	t.Run("tampered", check)
}

func TestParseJSONExport_CountMismatch(t *testing.T) {
	_, err := ParseJSONExport(strings.NewReader(`{"exportedAt":"x","entryCount":2,"entries":[]}`))
	assert.Error(t, err)
}

func TestExportJSON_EmptyChain(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ExportJSON(&buf, nil, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Contains(t, buf.String(), `"entries": []`)
	assert.Contains(t, buf.String(), `"entryCount": 0`)
}

func TestBuildComplianceArtifact(t *testing.T) {
	l := openTestLedger(t, Options{})
	drafts := []Draft{
		{Operator: OperatorSystem, Kind: KindSystemBoot},
		{Operator: OperatorAI, Kind: KindAIRecommendation},
		{Operator: OperatorAI, Kind: KindAIRecommendation},
		{Operator: OperatorAI, Kind: KindAIRecommendation},
		{Operator: OperatorAI, Kind: KindAIRecommendation},
		{Operator: "op-1", Kind: KindOperatorOverride},
		{Operator: "op-2", Kind: KindOperatorApproval},
		{Operator: "op-1", Kind: KindSafetySwitch},
	}
	for _, d := range drafts {
		mustLog(t, l, d)
	}

	art, err := l.ComplianceArtifact(context.Background(), "NERC CIP-007-6", 3)
	require.NoError(t, err)

	assert.Equal(t, "NERC CIP-007-6", art.Metadata.Standard)
	assert.True(t, art.Metadata.Verification.Valid)
	assert.Equal(t, len(drafts), art.Metadata.TotalEntries)
	assert.Equal(t, GenesisHash, art.Metadata.GenesisHash)
	assert.False(t, art.Metadata.Storage.Degraded)

	require.Len(t, art.Counts, len(AllKinds))
	byKind := map[EventKind]int{}
	for _, c := range art.Counts {
		byKind[c.Kind] = c.Count
	}
	assert.Equal(t, 4, byKind[KindAIRecommendation])
	assert.Equal(t, 1, byKind[KindOperatorOverride])
	assert.Equal(t, 0, byKind[KindError])

	assert.Equal(t, 4, art.Summary.AIRecommendations)
	assert.Equal(t, 1, art.Summary.OperatorOverrides)
	assert.InDelta(t, 0.25, art.Summary.OverrideRate, 1e-9)
	assert.Equal(t, 4, art.Summary.Operators)

	require.Len(t, art.RecentEntries, 3)
	assert.Equal(t, KindSafetySwitch, art.RecentEntries[0].Kind, "recent entries are newest first")
}

func TestBuildComplianceArtifact_RecomputesVerification(t *testing.T) {
	chain := buildChain(t, 3)
	good := BuildComplianceArtifact(chain, ComplianceOptions{Standard: "x"})
	assert.True(t, good.Metadata.Verification.Valid)

	chain[0].Operator = "intruder"
	bad := BuildComplianceArtifact(chain, ComplianceOptions{Standard: "x", Storage: DegradedState{Degraded: true, Reason: "test"}})
	assert.False(t, bad.Metadata.Verification.Valid)
	assert.Equal(t, chain[0].ID, bad.Metadata.Verification.BrokenAtID)
	assert.True(t, bad.Metadata.Storage.Degraded)
}
