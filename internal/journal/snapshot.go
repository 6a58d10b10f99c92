package journal

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nabr/verification/internal/scoring"
)

// ActiveRun describes a protocol run that has started but not yet reached a
// terminal event.
type ActiveRun struct {
	RunID     string            `json:"run_id"`
	Method    scoring.Method    `json:"method"`
	StartedAt time.Time         `json:"started_at"`
	Deadline  time.Time         `json:"deadline"`
	Params    map[string]string `json:"params,omitempty"`
}

// CommandResult is the recorded outcome of an idempotent command, keyed by
// the caller-supplied command id. Replays return the original outcome.
type CommandResult struct {
	Seq   int64  `json:"seq"`
	Kind  Kind   `json:"kind"`
	RunID string `json:"run_id,omitempty"`
}

// Snapshot is the derived view of a subject's verification state. It must
// equal the fold of the journal through the scoring model; any divergence is
// a bug and halts the subject's orchestrator.
type Snapshot struct {
	SubjectID uuid.UUID
	Class     scoring.SubjectClass
	Score     int
	Level     scoring.Level

	// Completions holds only non-revoked, non-expired completions.
	Completions map[scoring.Method][]Completion
	ActiveRuns  map[scoring.Method]ActiveRun
	Commands    map[string]CommandResult

	LastSeq   int64
	UpdatedAt time.Time
}

// NewSnapshot returns the empty snapshot for a subject.
func NewSnapshot(subjectID uuid.UUID, class scoring.SubjectClass) *Snapshot {
	return &Snapshot{
		SubjectID:   subjectID,
		Class:       class,
		Level:       scoring.LevelUnverified,
		Completions: make(map[scoring.Method][]Completion),
		ActiveRuns:  make(map[scoring.Method]ActiveRun),
		Commands:    make(map[string]CommandResult),
	}
}

// Counts returns the per-method count of live completions.
func (s *Snapshot) Counts() map[scoring.Method]int {
	counts := make(map[scoring.Method]int, len(s.Completions))
	for m, cs := range s.Completions {
		if len(cs) > 0 {
			counts[m] = len(cs)
		}
	}
	return counts
}

// Clone returns a deep copy so cached snapshots can be handed out without
// aliasing store-internal state.
func (s *Snapshot) Clone() *Snapshot {
	out := *s
	out.Completions = make(map[scoring.Method][]Completion, len(s.Completions))
	for m, cs := range s.Completions {
		out.Completions[m] = append([]Completion(nil), cs...)
	}
	out.ActiveRuns = make(map[scoring.Method]ActiveRun, len(s.ActiveRuns))
	for m, r := range s.ActiveRuns {
		out.ActiveRuns[m] = r
	}
	out.Commands = make(map[string]CommandResult, len(s.Commands))
	for id, c := range s.Commands {
		out.Commands[id] = c
	}
	return &out
}

// Replay folds a journal into a snapshot. The fold is pure: replaying the
// same journal always yields the same snapshot, which is what makes crash
// recovery a rebuild rather than a repair.
func Replay(subjectID uuid.UUID, class scoring.SubjectClass, events []Event) (*Snapshot, error) {
	snap := NewSnapshot(subjectID, class)
	for i := range events {
		if err := snap.Apply(&events[i]); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// Apply folds one event into the snapshot. Returns an error on a seq gap or
// a level_changed event that disagrees with the recomputed level; both are
// invariant violations.
func (s *Snapshot) Apply(ev *Event) error {
	if ev.Seq != s.LastSeq+1 {
		return fmt.Errorf("journal gap for subject %s: have seq %d, got %d: %w",
			s.SubjectID, s.LastSeq, ev.Seq, ErrInvariant)
	}

	switch ev.Kind {
	case KindMethodStarted:
		s.ActiveRuns[ev.Method] = ActiveRun{
			RunID:     ev.ProtocolRunID,
			Method:    ev.Method,
			StartedAt: ev.At,
			Deadline:  derefTime(dataTime(ev.Data, "deadline")),
			Params:    decodeParams(ev.Data),
		}

	case KindMethodCompleted:
		c := Completion{
			Method:        ev.Method,
			SequenceIndex: dataInt(ev.Data, "sequence_index"),
			CompletedAt:   ev.At,
			EvidenceRef:   dataBytes(ev.Data, "evidence"),
			ExpiresAt:     dataTime(ev.Data, "expires_at"),
		}
		s.Completions[ev.Method] = append(s.Completions[ev.Method], c)
		delete(s.ActiveRuns, ev.Method)

	case KindMethodFailed:
		delete(s.ActiveRuns, ev.Method)

	case KindMethodRevoked:
		// The most recent live completion of the method loses validity; if
		// none exists the revoke only cancels the active run.
		if cs := s.Completions[ev.Method]; len(cs) > 0 {
			s.Completions[ev.Method] = cs[:len(cs)-1]
			if len(s.Completions[ev.Method]) == 0 {
				delete(s.Completions, ev.Method)
			}
		}
		delete(s.ActiveRuns, ev.Method)

	case KindMethodExpired:
		s.dropEarliestExpiring(ev.Method)

	case KindLevelChanged:
		// The event is derived state; it must agree with the fold.
		want := scoring.Level(dataInt(ev.Data, "new_level"))
		got := scoring.LevelFor(scoring.Score(s.Counts(), s.Class))
		if want != got {
			return fmt.Errorf("level_changed at seq %d claims %s but fold computes %s: %w",
				ev.Seq, want, got, ErrInvariant)
		}

	case KindVerifierConfirmed, KindAttestationReceived, KindConfirmationRevoked, KindSnapshotRebuilt:
		// Audit trail and checkpoint marker; no snapshot effect.
	}

	if ev.CommandID != "" {
		if _, seen := s.Commands[ev.CommandID]; !seen {
			s.Commands[ev.CommandID] = CommandResult{Seq: ev.Seq, Kind: ev.Kind, RunID: ev.ProtocolRunID}
		}
	}

	s.Score = scoring.Score(s.Counts(), s.Class)
	s.Level = scoring.LevelFor(s.Score)
	s.LastSeq = ev.Seq
	s.UpdatedAt = ev.At
	return nil
}

// dropEarliestExpiring removes the earliest-expiring live completion of the
// method. Each method_expired event consumes exactly one completion;
// subsequent timers handle later ones.
func (s *Snapshot) dropEarliestExpiring(m scoring.Method) {
	cs := s.Completions[m]
	idx := -1
	for i, c := range cs {
		if c.ExpiresAt == nil {
			continue
		}
		if idx == -1 || c.ExpiresAt.Before(*cs[idx].ExpiresAt) {
			idx = i
		}
	}
	if idx == -1 {
		return
	}
	s.Completions[m] = append(append([]Completion(nil), cs[:idx]...), cs[idx+1:]...)
	if len(s.Completions[m]) == 0 {
		delete(s.Completions, m)
	}
}

func decodeParams(data map[string]interface{}) map[string]string {
	raw, ok := data["params"]
	if !ok {
		return nil
	}
	out := make(map[string]string)
	switch v := raw.(type) {
	case map[string]string:
		for k, val := range v {
			out[k] = val
		}
	case map[string]interface{}:
		for k, val := range v {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
