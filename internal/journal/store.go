package journal

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/nabr/verification/internal/scoring"
)

var (
	// ErrConflict means the caller's expected_last_seq no longer matches the
	// journal head. Retryable after a fresh read.
	ErrConflict = errors.New("journal: optimistic concurrency conflict")

	// ErrUnknownSubject means the subject has never been registered.
	ErrUnknownSubject = errors.New("journal: unknown subject")

	// ErrStorage wraps transient backend failures. Retryable with backoff.
	ErrStorage = errors.New("journal: storage failure")

	// ErrInvariant means the journal or a derived snapshot violates a core
	// invariant. Not retryable; the subject's orchestrator halts on it.
	ErrInvariant = errors.New("journal: invariant violation")
)

// Store is the per-subject append-only event log plus the derived snapshot
// cache. Each subject's log is an independent linearizable stream; no
// cross-subject ordering is provided.
type Store interface {
	// EnsureSubject registers a subject and its class. Idempotent; the class
	// of an existing subject is never changed.
	EnsureSubject(ctx context.Context, subjectID uuid.UUID, class scoring.SubjectClass) error

	// Class returns the registered class of a subject.
	Class(ctx context.Context, subjectID uuid.UUID) (scoring.SubjectClass, error)

	// Append atomically appends an event with seq = expectedLastSeq+1 and
	// returns the assigned seq. Fails with ErrConflict when another append
	// won the race. The write is durable once Append returns.
	Append(ctx context.Context, subjectID uuid.UUID, expectedLastSeq int64, ev Event) (int64, error)

	// ReadJournal returns the subject's events with seq >= fromSeq, ordered
	// by seq ascending. fromSeq 0 (or 1) reads from the beginning.
	ReadJournal(ctx context.Context, subjectID uuid.UUID, fromSeq int64) ([]Event, error)

	// Snapshot returns the subject's snapshot, rebuilding from the journal
	// when the cache is stale or missing. A Snapshot call after a successful
	// Append reflects the appended event (read-your-write per subject).
	Snapshot(ctx context.Context, subjectID uuid.UUID) (*Snapshot, error)

	// Invalidate marks the cached snapshot stale.
	Invalidate(subjectID uuid.UUID)
}
