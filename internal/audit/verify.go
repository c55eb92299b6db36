package audit

import "encoding/json"

// Reasons reported in VerifyResult.Reason.
const (
	ReasonHashMismatch = "hash_mismatch"
	ReasonLinkMismatch = "link_mismatch"
	ReasonDigestError  = "digest_error"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid          bool   `json:"valid"`
	EntriesChecked int    `json:"entriesChecked"`
	BrokenAtID     string `json:"brokenAtId,omitempty"`
	BrokenAtIndex  int    `json:"brokenAtIndex"`
	Reason         string `json:"reason,omitempty"`
	ExpectedHash   string `json:"expectedHash,omitempty"`
	ActualHash     string `json:"actualHash,omitempty"`

	// AnchoredAt is set when the chain was checked from a hash other than
	// GenesisHash because older entries were not available.
	AnchoredAt string `json:"anchoredAt,omitempty"`
}

// MarshalJSON reports brokenAtIndex for every broken chain, index 0
// included, and leaves it out for a valid one.
func (r VerifyResult) MarshalJSON() ([]byte, error) {
	type plain VerifyResult
	out := struct {
		plain
		BrokenAtIndex *int `json:"brokenAtIndex,omitempty"`
	}{plain: plain(r)}
	if !r.Valid {
		i := r.BrokenAtIndex
		out.BrokenAtIndex = &i
	}
	return json.Marshal(out)
}

// Verify walks entries oldest to newest and reports the first entry whose
// stored hash does not match a recomputation of its fields, or whose
// PreviousHash does not equal the hash of the entry before it (GenesisHash
// for the first entry). An empty chain is valid.
//
// Both checks are needed: a link-only check misses an edited field on an
// entry whose stored hash was left alone.
func Verify(h Hasher, entries []Entry) VerifyResult {
	return VerifyFrom(h, GenesisHash, entries)
}

// VerifyFrom is Verify for a chain segment whose first entry links to
// anchor. An empty anchor means GenesisHash. Any other anchor is reported
// in AnchoredAt.
func VerifyFrom(h Hasher, anchor string, entries []Entry) VerifyResult {
	if h == nil {
		h = SHA256Hasher{}
	}
	if anchor == "" {
		anchor = GenesisHash
	}
	res := verifyFrom(h, anchor, entries)
	if anchor != GenesisHash {
		res.AnchoredAt = anchor
	}
	return res
}

func verifyFrom(h Hasher, anchor string, entries []Entry) VerifyResult {
	prev := anchor
	for i := range entries {
		e := &entries[i]

		if e.PreviousHash != prev {
			return VerifyResult{
				EntriesChecked: i + 1,
				BrokenAtID:     e.ID,
				BrokenAtIndex:  i,
				Reason:         ReasonLinkMismatch,
				ExpectedHash:   prev,
				ActualHash:     e.PreviousHash,
			}
		}

		expected, err := computeHash(h, e)
		if err != nil {
			return VerifyResult{
				EntriesChecked: i + 1,
				BrokenAtID:     e.ID,
				BrokenAtIndex:  i,
				Reason:         ReasonDigestError,
				ActualHash:     e.Hash,
			}
		}
		if expected != e.Hash {
			return VerifyResult{
				EntriesChecked: i + 1,
				BrokenAtID:     e.ID,
				BrokenAtIndex:  i,
				Reason:         ReasonHashMismatch,
				ExpectedHash:   expected,
				ActualHash:     e.Hash,
			}
		}

		prev = e.Hash
	}

	return VerifyResult{Valid: true, EntriesChecked: len(entries)}
}
