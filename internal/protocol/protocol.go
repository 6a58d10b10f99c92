// Package protocol implements the child verification protocols: the
// code challenge for email and phone, the two-party in-person saga, the
// human document review, and the attestation intake. Each protocol is a
// small state machine driven by signals from its parent orchestrator and
// emits exactly one terminal outcome.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nabr/verification/internal/journal"
	"github.com/nabr/verification/internal/notify"
	"github.com/nabr/verification/internal/policy"
	"github.com/nabr/verification/internal/scoring"
	"github.com/nabr/verification/internal/tokenstore"
)

// State is the protocol execution state. One shared enum covers every
// protocol; each protocol validates its own transitions.
type State int

const (
	StatePending State = iota
	StateWaiting
	StateQRIssued
	StateAwaitingFirst
	StateAwaitingSecond
	StateValidating
	StateRecording
	StateAwarding
	StateUploading
	StateAwaitingReview
	StateAwaitingAttestation
	StateCompensating
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateWaiting:
		return "WAITING"
	case StateQRIssued:
		return "QR_ISSUED"
	case StateAwaitingFirst:
		return "AWAITING_FIRST"
	case StateAwaitingSecond:
		return "AWAITING_SECOND"
	case StateValidating:
		return "VALIDATING"
	case StateRecording:
		return "RECORDING"
	case StateAwarding:
		return "AWARDING"
	case StateUploading:
		return "UPLOADING"
	case StateAwaitingReview:
		return "AWAITING_REVIEW"
	case StateAwaitingAttestation:
		return "AWAITING_ATTESTATION"
	case StateCompensating:
		return "COMPENSATING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether the protocol has finished.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Failure reasons carried on a failed outcome.
const (
	ReasonExhausted              = "exhausted"
	ReasonExpired                = "expired"
	ReasonTimeout                = "timeout"
	ReasonRejected               = "rejected"
	ReasonCancelled              = "cancelled"
	ReasonUnauthorizedVerifier   = "unauthorized_verifier"
	ReasonCompensationIncomplete = "compensation_incomplete"
	ReasonStorageUnavailable     = "temporarily_unavailable"
)

// Signal is a typed message into a running protocol.
type Signal interface{ isSignal() }

// CodeEntered carries the subject's attempt at the delivered code.
type CodeEntered struct {
	Code string
}

// VerifierConfirmation is one verifier's in-person confirmation. CommandID
// ends up on the journaled confirmation so replays after the run finished
// still resolve to the original outcome.
type VerifierConfirmation struct {
	Token      string
	VerifierID uuid.UUID
	CommandID  string
	Evidence   []byte
	Latitude   float64
	Longitude  float64
	Device     string
}

// ReviewDecision is the human reviewer's verdict on a document.
type ReviewDecision struct {
	Approved bool
	Reason   string
}

// Attestation is a community member vouching for the subject.
type Attestation struct {
	AttestorID uuid.UUID
	CommandID  string
	Text       string
}

func (CodeEntered) isSignal()          {}
func (VerifierConfirmation) isSignal() {}
func (ReviewDecision) isSignal()       {}
func (Attestation) isSignal()          {}

// Outcome is a protocol's single terminal result.
type Outcome struct {
	RunID         string
	SubjectID     uuid.UUID
	Method        scoring.Method
	Completed     bool
	EvidenceRef   []byte
	FailureReason string
	VerifierIDs   []uuid.UUID
	At            time.Time
}

// Run identifies one protocol execution.
type Run struct {
	ID        string
	SubjectID uuid.UUID
	Method    scoring.Method
	Params    map[string]string
	StartedAt time.Time
	Deadline  time.Time
}

// Protocol is the contract every child protocol satisfies. Signal and
// CheckTimeout are safe to call from the orchestrator goroutine at any time;
// a terminal protocol rejects further signals.
type Protocol interface {
	Start(ctx context.Context) error
	Signal(ctx context.Context, sig Signal) error
	Cancel(ctx context.Context)
	// CheckTimeout fails the run when its deadline has passed; reports
	// whether it did.
	CheckTimeout(ctx context.Context, now time.Time) bool
	State() State
	Run() Run
	Outcome() <-chan Outcome
}

// Signal handling errors surfaced to callers.
var (
	ErrNotActive      = errors.New("protocol: run not accepting signals")
	ErrWrongSignal    = errors.New("protocol: signal type not accepted by this protocol")
	ErrTokenUnknown   = errors.New("protocol: token unknown")
	ErrTokenExpired   = errors.New("protocol: token expired")
	ErrCodeMismatch   = errors.New("protocol: code does not match")
	ErrAttestorDenied = errors.New("protocol: attestor not authorized")
)

// CodeSender delivers a one-time code to an email address or phone number.
// Implementations are retryable side effects.
type CodeSender interface {
	Send(ctx context.Context, target, code string, ttl time.Duration) error
}

// ReviewTask is one document awaiting human review.
type ReviewTask struct {
	RunID       string         `json:"run_id"`
	SubjectID   uuid.UUID      `json:"subject_id"`
	Method      scoring.Method `json:"method"`
	DocumentRef string         `json:"document_ref"`
	SubmittedAt time.Time      `json:"submitted_at"`
	Deadline    time.Time      `json:"deadline"`
}

// ReviewQueue hands documents to the external review system.
type ReviewQueue interface {
	Enqueue(ctx context.Context, task ReviewTask) (reviewID string, err error)
}

// Deps are the collaborators a protocol may use. Protocols receive them at
// construction; nothing is global.
type Deps struct {
	Journal journal.Store
	Tokens  tokenstore.Store
	Records policy.RecordStore
	Codes   CodeSender
	Reviews ReviewQueue
	Notify  notify.Sink

	Comp CompensationConfig
}

// Default deadlines per protocol family.
const (
	CodeChallengeTTL    = 30 * time.Minute
	TwoPartyDeadline    = 72 * time.Hour
	ReviewDeadline      = 30 * 24 * time.Hour
	AttestationDeadline = 7 * 24 * time.Hour
)

// DefaultDeadline returns the deadline a run of the method gets when the
// caller supplies none.
func DefaultDeadline(m scoring.Method, startedAt time.Time) time.Time {
	switch {
	case m == scoring.MethodEmail || m == scoring.MethodPhone:
		return startedAt.Add(CodeChallengeTTL)
	case m == scoring.MethodTwoPartyInPerson:
		return startedAt.Add(TwoPartyDeadline)
	case scoring.RequiresHumanReview(m):
		return startedAt.Add(ReviewDeadline)
	default:
		return startedAt.Add(AttestationDeadline)
	}
}

// Factory builds a protocol for a run.
type Factory func(run Run, deps Deps) Protocol

// For returns the protocol factory for a method. Every method the scoring
// table knows has a factory.
func For(m scoring.Method) Factory {
	switch {
	case m == scoring.MethodEmail || m == scoring.MethodPhone:
		return NewCodeChallenge
	case m == scoring.MethodTwoPartyInPerson:
		return NewTwoPartySaga
	case scoring.RequiresHumanReview(m):
		return NewHumanReview
	default:
		return NewAttestationIntake
	}
}

// base carries the state shared by every protocol: the run record, the
// current state with its valid-transition table, and the single-shot outcome
// channel. Protocols embed it and hold its mutex across signal handling.
type base struct {
	mu          sync.Mutex
	run         Run
	state       State
	transitions map[State][]State
	outcome     chan Outcome
	emitted     bool
	nowFn       func() time.Time
}

func newBase(run Run, transitions map[State][]State) base {
	return base{
		run:         run,
		state:       StatePending,
		transitions: transitions,
		outcome:     make(chan Outcome, 1),
		nowFn:       time.Now,
	}
}

// transition moves to the next state, enforcing the protocol's table.
// Callers hold b.mu.
func (b *base) transition(to State) error {
	for _, allowed := range b.transitions[b.state] {
		if allowed == to {
			b.state = to
			return nil
		}
	}
	return fmt.Errorf("protocol %s: invalid transition %s -> %s", b.run.ID, b.state, to)
}

// emit delivers the terminal outcome exactly once. Callers hold b.mu.
func (b *base) emit(out Outcome) {
	if b.emitted {
		return
	}
	b.emitted = true
	out.RunID = b.run.ID
	out.SubjectID = b.run.SubjectID
	out.Method = b.run.Method
	out.At = b.nowFn().UTC()
	b.outcome <- out
}

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) Run() Run { return b.run }

func (b *base) Outcome() <-chan Outcome { return b.outcome }

// appendWithRetry appends an event to a subject's journal, retrying the
// optimistic-concurrency conflict by re-reading the head seq.
func appendWithRetry(ctx context.Context, store journal.Store, subjectID uuid.UUID, ev journal.Event) (int64, error) {
	for {
		snap, err := store.Snapshot(ctx, subjectID)
		if err != nil {
			return 0, err
		}
		seq, err := store.Append(ctx, subjectID, snap.LastSeq, ev)
		if errors.Is(err, journal.ErrConflict) {
			continue
		}
		return seq, err
	}
}
