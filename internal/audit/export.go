package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// CSVHeader is the first row of every CSV export.
var CSVHeader = []string{"Timestamp", "Operator", "EventKind", "Resource", "Details", "Hash", "PreviousHash"}

// JSONExport is the document written by ExportJSON. Entries are oldest
// first, so the array can be fed straight back into Verify.
type JSONExport struct {
	ExportedAt string  `json:"exportedAt"`
	EntryCount int     `json:"entryCount"`
	Entries    []Entry `json:"entries"`
}

// ExportCSV writes one row per entry, oldest first.
func ExportCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, e := range entries {
		if err := cw.Write([]string{
			e.Timestamp,
			e.Operator,
			string(e.Kind),
			e.Resource,
			e.Details,
			e.Hash,
			e.PreviousHash,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportJSON writes entries, oldest first, wrapped with the export time
// and entry count.
func ExportJSON(w io.Writer, entries []Entry, exportedAt time.Time) error {
	if entries == nil {
		entries = []Entry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(JSONExport{
		ExportedAt: exportedAt.UTC().Format(time.RFC3339Nano),
		EntryCount: len(entries),
		Entries:    entries,
	})
}

// ParseJSONExport reads a document written by ExportJSON. Metadata numbers
// are kept as json.Number so the entries verify exactly as exported.
func ParseJSONExport(r io.Reader) (*JSONExport, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var doc JSONExport
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing ledger export: %w", err)
	}
	if doc.EntryCount != len(doc.Entries) {
		return nil, fmt.Errorf("ledger export claims %d entries but contains %d", doc.EntryCount, len(doc.Entries))
	}
	return &doc, nil
}

// ComplianceOptions controls BuildComplianceArtifact.
type ComplianceOptions struct {
	Standard      string        // Name of the reporting standard.
	RecentEntries int           // Raw entries to include, newest first.
	Storage       DegradedState // Whether any of the session ran memory-only.
	Hasher        Hasher
	Now           time.Time
}

// ComplianceArtifact is the summary document handed to auditors.
type ComplianceArtifact struct {
	Metadata      ComplianceMetadata `json:"metadata"`
	Counts        []KindCount        `json:"counts"`
	Summary       ComplianceSummary  `json:"summary"`
	RecentEntries []Entry            `json:"recentEntries"`
}

type ComplianceMetadata struct {
	Standard     string        `json:"standard"`
	GeneratedAt  string        `json:"generatedAt"`
	Algorithm    string        `json:"algorithm"`
	GenesisHash  string        `json:"genesisHash"`
	TotalEntries int           `json:"totalEntries"`
	FirstEntryAt string        `json:"firstEntryAt,omitempty"`
	LastEntryAt  string        `json:"lastEntryAt,omitempty"`
	Verification VerifyResult  `json:"verification"`
	Storage      DegradedState `json:"storage"`
}

type KindCount struct {
	Kind  EventKind `json:"eventKind"`
	Count int       `json:"count"`
}

// ComplianceSummary highlights the balance between AI-driven actions and
// human intervention.
type ComplianceSummary struct {
	AIRecommendations  int     `json:"aiRecommendations"`
	AIActuations       int     `json:"aiActuations"`
	OperatorOverrides  int     `json:"operatorOverrides"`
	OperatorApprovals  int     `json:"operatorApprovals"`
	SafetySwitchEvents int     `json:"safetySwitchEvents"`
	Errors             int     `json:"errors"`
	OverrideRate       float64 `json:"overrideRate"` // overrides / AI recommendations
	Operators          int     `json:"distinctOperators"`
}

// BuildComplianceArtifact aggregates entries (oldest first) into a
// compliance document. Verification is always recomputed here.
func BuildComplianceArtifact(entries []Entry, opts ComplianceOptions) ComplianceArtifact {
	if opts.Hasher == nil {
		opts.Hasher = SHA256Hasher{}
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	counts := make(map[EventKind]int, len(AllKinds))
	operators := make(map[string]struct{})
	for _, e := range entries {
		counts[e.Kind]++
		operators[e.Operator] = struct{}{}
	}

	art := ComplianceArtifact{
		Metadata: ComplianceMetadata{
			Standard:     opts.Standard,
			GeneratedAt:  opts.Now.UTC().Format(time.RFC3339Nano),
			Algorithm:    opts.Hasher.Algorithm(),
			GenesisHash:  GenesisHash,
			TotalEntries: len(entries),
			Verification: VerifyFrom(opts.Hasher, opts.Storage.Anchor, entries),
			Storage:      opts.Storage,
		},
		Summary: ComplianceSummary{
			AIRecommendations:  counts[KindAIRecommendation],
			AIActuations:       counts[KindAIActuation],
			OperatorOverrides:  counts[KindOperatorOverride],
			OperatorApprovals:  counts[KindOperatorApproval],
			SafetySwitchEvents: counts[KindSafetySwitch],
			Errors:             counts[KindError],
			Operators:          len(operators),
		},
		RecentEntries: []Entry{},
	}
	if n := art.Summary.AIRecommendations; n > 0 {
		art.Summary.OverrideRate = float64(art.Summary.OperatorOverrides) / float64(n)
	}
	if len(entries) > 0 {
		art.Metadata.FirstEntryAt = entries[0].Timestamp
		art.Metadata.LastEntryAt = entries[len(entries)-1].Timestamp
	}

	for _, k := range AllKinds {
		art.Counts = append(art.Counts, KindCount{Kind: k, Count: counts[k]})
	}

	for i := len(entries) - 1; i >= 0; i-- {
		if opts.RecentEntries > 0 && len(art.RecentEntries) >= opts.RecentEntries {
			break
		}
		art.RecentEntries = append(art.RecentEntries, entries[i])
	}
	return art
}

// ExportCSV writes the full stored history as CSV, oldest first.
func (l *Ledger) ExportCSV(ctx context.Context, w io.Writer) error {
	entries, err := l.store.All(ctx)
	if err != nil {
		return fmt.Errorf("reading entries for export: %w", err)
	}
	return ExportCSV(w, entries)
}

// ExportJSON writes the full stored history as a JSONExport document.
func (l *Ledger) ExportJSON(ctx context.Context, w io.Writer) error {
	entries, err := l.store.All(ctx)
	if err != nil {
		return fmt.Errorf("reading entries for export: %w", err)
	}
	return ExportJSON(w, entries, l.now())
}

// ComplianceArtifact reads the full history, re-verifies it and builds
// the artifact.
func (l *Ledger) ComplianceArtifact(ctx context.Context, standard string, recent int) (ComplianceArtifact, error) {
	entries, err := l.store.All(ctx)
	if err != nil {
		return ComplianceArtifact{}, fmt.Errorf("reading entries for compliance artifact: %w", err)
	}
	return BuildComplianceArtifact(entries, ComplianceOptions{
		Standard:      standard,
		RecentEntries: recent,
		Storage:       l.Storage(),
		Hasher:        l.hasher,
		Now:           l.now(),
	}), nil
}
