// Package journal implements the per-subject append-only verification event
// log and the derived subject snapshot. The journal is the sole authoritative
// state; snapshots are a cache over the fold of the journal through the
// scoring model.
package journal

import (
	"encoding/base64"
	"time"

	"github.com/nabr/verification/internal/scoring"
)

// Kind enumerates journal event kinds.
type Kind string

const (
	KindMethodStarted        Kind = "method_started"
	KindMethodCompleted      Kind = "method_completed"
	KindMethodFailed         Kind = "method_failed"
	KindMethodRevoked        Kind = "method_revoked"
	KindMethodExpired        Kind = "method_expired"
	KindLevelChanged         Kind = "level_changed"
	KindVerifierConfirmed    Kind = "verifier_confirmed"
	KindAttestationReceived  Kind = "attestation_received"
	KindSnapshotRebuilt      Kind = "snapshot_rebuilt"
	KindConfirmationRevoked  Kind = "verifier_confirmation_revoked"
)

// Event is one journal element. Events are append-only and never mutated;
// seq is gap-free and monotonic per subject, starting at 1.
type Event struct {
	Seq            int64                  `json:"seq"`
	At             time.Time              `json:"at"`
	Kind           Kind                   `json:"kind"`
	Method         scoring.Method         `json:"method,omitempty"`
	ActorSubjectID string                 `json:"actor_subject_id,omitempty"`
	ProtocolRunID  string                 `json:"protocol_run_id,omitempty"`
	CommandID      string                 `json:"command_id,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

// Completion is a recorded successful execution of a method. Immutable once
// written except for the revocation fields, which are set by a later
// method_revoked event during the fold.
type Completion struct {
	Method           scoring.Method `json:"method"`
	SequenceIndex    int            `json:"sequence_index"`
	CompletedAt      time.Time      `json:"completed_at"`
	EvidenceRef      []byte         `json:"evidence_ref,omitempty"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	RevokedAt        *time.Time     `json:"revoked_at,omitempty"`
	RevocationReason string         `json:"revocation_reason,omitempty"`
}

// Valid reports whether the completion still contributes to the score at now.
func (c *Completion) Valid(now time.Time) bool {
	return c.RevokedAt == nil && !scoring.IsExpired(c.ExpiresAt, now)
}

// NewMethodCompleted builds a method_completed event carrying the completion
// payload. Times are stored as RFC3339Nano strings and evidence as base64 so
// the payload survives a JSON round trip through persistent storage.
func NewMethodCompleted(at time.Time, method scoring.Method, runID, commandID string,
	seqIndex int, evidence []byte, expiresAt *time.Time) Event {
	data := map[string]interface{}{
		"sequence_index": seqIndex,
	}
	if len(evidence) > 0 {
		data["evidence"] = base64.StdEncoding.EncodeToString(evidence)
	}
	if expiresAt != nil {
		data["expires_at"] = expiresAt.UTC().Format(time.RFC3339Nano)
	}
	return Event{
		At:            at.UTC(),
		Kind:          KindMethodCompleted,
		Method:        method,
		ProtocolRunID: runID,
		CommandID:     commandID,
		Data:          data,
	}
}

// --- payload decoding helpers -----------------------------------------------
//
// Data values arrive as native Go types from the in-memory store and as JSON
// types (float64, string) from persistent stores. The helpers accept both.

func dataString(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

func dataInt(data map[string]interface{}, key string) int {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func dataTime(data map[string]interface{}, key string) *time.Time {
	if data == nil {
		return nil
	}
	switch v := data[key].(type) {
	case time.Time:
		t := v.UTC()
		return &t
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil
		}
		t = t.UTC()
		return &t
	default:
		return nil
	}
}

func dataBytes(data map[string]interface{}, key string) []byte {
	s := dataString(data, key)
	if s == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
