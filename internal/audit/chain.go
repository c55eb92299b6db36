// Package audit implements the tamper-evident, hash-chained audit ledger.
//
// Every safety-relevant action (operator overrides, AI actuations, safety
// switch toggles, configuration changes) is recorded as an Entry. Each
// entry's hash covers its own fields plus the hash of the entry accepted
// before it, so editing or removing any stored entry breaks the chain from
// that point forward. The first entry links to GenesisHash.
//
// Appends are serialized through a single worker goroutine; that worker is
// the only code that reads or moves the chain tip.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// GenesisHash is the PreviousHash of the first entry in every chain.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// encodingVersion is the first element of every canonical encoding. Bump it
// only together with a migration; old chains stop verifying otherwise.
const encodingVersion = "gridledger/v1"

// Hasher computes the digest of a canonical encoding.
type Hasher interface {
	// Sum returns the digest rendered as "<algorithm>:<hex>".
	Sum(data []byte) (string, error)
	Algorithm() string
}

// SHA256Hasher is the default Hasher.
type SHA256Hasher struct{}

func (SHA256Hasher) Sum(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func (SHA256Hasher) Algorithm() string { return "sha256" }

// canonicalize returns the deterministic byte encoding of an entry's
// hash-critical fields, Hash excluded:
//
//	["gridledger/v1", id, timestamp, timestampMs, operator, eventKind,
//	 resource, details, metadata, previousHash]
//
// encoding/json writes map keys in sorted order, so metadata encodes the
// same regardless of insertion order. Empty metadata encodes as null.
func canonicalize(e *Entry) ([]byte, error) {
	var md any
	if len(e.Metadata) > 0 {
		md = map[string]any(e.Metadata)
	}
	fields := []any{
		encodingVersion,
		e.ID,
		e.Timestamp,
		e.TimestampMs,
		e.Operator,
		string(e.Kind),
		e.Resource,
		e.Details,
		md,
		e.PreviousHash,
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return nil, fmt.Errorf("canonical encoding of entry %s: %w", e.ID, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// computeHash returns the digest of e's canonical encoding.
func computeHash(h Hasher, e *Entry) (string, error) {
	data, err := canonicalize(e)
	if err != nil {
		return "", err
	}
	sum, err := h.Sum(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDigest, err)
	}
	return sum, nil
}
