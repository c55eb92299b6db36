package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventKind classifies an audit entry. The set is closed: Log rejects any
// kind not listed in AllKinds.
type EventKind string

const (
	KindSystemBoot       EventKind = "system-boot"
	KindUserLogin        EventKind = "user-login"
	KindUserLogout       EventKind = "user-logout"
	KindAIRecommendation EventKind = "ai-recommendation"
	KindAIActuation      EventKind = "ai-actuation"
	KindOperatorOverride EventKind = "operator-override"
	KindOperatorApproval EventKind = "operator-approval"
	KindSafetySwitch     EventKind = "safety-switch"
	KindDataFetch        EventKind = "data-fetch"
	KindNavigation       EventKind = "navigation"
	KindAlertTriggered   EventKind = "alert-triggered"
	KindConfigChange     EventKind = "config-change"
	KindExportGenerated  EventKind = "export-generated"
	KindError            EventKind = "error"
)

// AllKinds lists every event kind in a stable order. Compliance artifacts
// report counts in this order.
var AllKinds = []EventKind{
	KindSystemBoot,
	KindUserLogin,
	KindUserLogout,
	KindAIRecommendation,
	KindAIActuation,
	KindOperatorOverride,
	KindOperatorApproval,
	KindSafetySwitch,
	KindDataFetch,
	KindNavigation,
	KindAlertTriggered,
	KindConfigChange,
	KindExportGenerated,
	KindError,
}

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Reserved actor ids for entries not attributable to a human operator.
const (
	OperatorSystem = "SYSTEM"
	OperatorAI     = "AI_AGENT"
)

// Sentinel errors returned by the ledger.
var (
	// ErrDigest means the hash function failed. The entry was not recorded
	// and the chain tip did not move.
	ErrDigest = errors.New("audit: digest unavailable")

	// ErrInvalidDraft means a draft was rejected before it reached the queue.
	ErrInvalidDraft = errors.New("audit: invalid draft")

	// ErrClosed is returned by Log and Reset after Close.
	ErrClosed = errors.New("audit: ledger closed")

	// ErrChainBroken is used by callers that turn a failed verification
	// into an error.
	ErrChainBroken = errors.New("audit: chain integrity violation")
)

// Metadata is optional side-channel data attached to an entry. Values must
// be primitives: string, bool, nil, or a number. Metadata is part of the
// hashed encoding, serialized as sorted-key JSON.
type Metadata map[string]any

// Draft is what collaborators hand to Log. The ledger assigns the id,
// timestamp and hash fields.
type Draft struct {
	Operator string    `json:"operator"`
	Kind     EventKind `json:"eventKind"`
	Resource string    `json:"resource"`
	Details  string    `json:"details"`
	Metadata Metadata  `json:"metadata,omitempty"`
}

// Entry is a finalized audit record. Entries are only produced by the
// ledger and must be treated as immutable.
//
// Hash = SHA-256(canonicalize(entry)) where the canonical encoding includes
// PreviousHash, linking each entry to the one accepted before it.
type Entry struct {
	ID           string    `json:"id"`
	Timestamp    string    `json:"timestamp"`
	TimestampMs  int64     `json:"timestampMs"`
	Operator     string    `json:"operator"`
	Kind         EventKind `json:"eventKind"`
	Resource     string    `json:"resource"`
	Details      string    `json:"details"`
	Metadata     Metadata  `json:"metadata,omitempty"`
	Hash         string    `json:"hash"`
	PreviousHash string    `json:"previousHash"`
}

// Time parses the entry's ISO-8601 timestamp.
func (e Entry) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.UnixMilli(e.TimestampMs).UTC()
	}
	return t
}

// validate checks a draft before it is queued.
func (d Draft) validate() error {
	if d.Operator == "" {
		return fmt.Errorf("%w: operator is required", ErrInvalidDraft)
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: unknown event kind %q", ErrInvalidDraft, d.Kind)
	}
	for k, v := range d.Metadata {
		if !isPrimitive(v) {
			return fmt.Errorf("%w: metadata %q has non-primitive type %T", ErrInvalidDraft, k, v)
		}
	}
	return nil
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case nil, string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}
