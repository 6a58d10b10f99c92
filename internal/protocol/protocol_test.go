package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabr/verification/internal/journal"
	"github.com/nabr/verification/internal/notify"
	"github.com/nabr/verification/internal/policy"
	"github.com/nabr/verification/internal/scoring"
	"github.com/nabr/verification/internal/tokenstore"
)

// captureSender records delivered codes instead of sending them.
type captureSender struct {
	mu   sync.Mutex
	sent []struct{ Target, Code string }
}

func (s *captureSender) Send(_ context.Context, target, code string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, struct{ Target, Code string }{target, code})
	return nil
}

func (s *captureSender) last() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return "", ""
	}
	return s.sent[len(s.sent)-1].Target, s.sent[len(s.sent)-1].Code
}

func testDeps() (Deps, *captureSender, *MemoryReviewQueue) {
	sender := &captureSender{}
	queue := NewMemoryReviewQueue()
	deps := Deps{
		Journal: journal.NewMemoryStore(),
		Tokens:  tokenstore.NewMemoryStore(),
		Records: policy.NewMemoryRecordStore(),
		Codes:   sender,
		Reviews: queue,
		Notify:  notify.NewBus(),
		Comp:    CompensationConfig{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}
	return deps, sender, queue
}

func newRun(method scoring.Method, params map[string]string) Run {
	now := time.Now().UTC()
	return Run{
		ID:        uuid.NewString(),
		SubjectID: uuid.New(),
		Method:    method,
		Params:    params,
		StartedAt: now,
		Deadline:  DefaultDeadline(method, now),
	}
}

// seedLevel appends completions to a subject's journal until it reaches the
// given score.
func seedCompletions(t *testing.T, store journal.Store, id uuid.UUID, methods ...scoring.Method) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.EnsureSubject(ctx, id, scoring.ClassIndividual))
	now := time.Now().UTC()
	for i, m := range methods {
		ev := journal.NewMethodCompleted(now, m, uuid.NewString(), "", 1, nil, scoring.ExpiryFor(m, now))
		_, err := store.Append(ctx, id, int64(i), ev)
		require.NoError(t, err)
	}
}

func TestFactorySelection(t *testing.T) {
	deps, _, _ := testDeps()

	_, ok := For(scoring.MethodEmail)(newRun(scoring.MethodEmail, nil), deps).(*CodeChallenge)
	assert.True(t, ok)
	_, ok = For(scoring.MethodTwoPartyInPerson)(newRun(scoring.MethodTwoPartyInPerson, nil), deps).(*TwoPartySaga)
	assert.True(t, ok)
	_, ok = For(scoring.MethodGovernmentID)(newRun(scoring.MethodGovernmentID, nil), deps).(*HumanReview)
	assert.True(t, ok)
	_, ok = For(scoring.MethodCommunityAttestation)(newRun(scoring.MethodCommunityAttestation, nil), deps).(*AttestationIntake)
	assert.True(t, ok)
}

func TestCompStackRunsLIFOWithRetry(t *testing.T) {
	cs := newCompStack("run-1", CompensationConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond})

	var order []string
	cs.Push("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	attempts := 0
	cs.Push("second", func(context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		order = append(order, "second")
		return nil
	})

	require.NoError(t, cs.Execute(context.Background()))
	assert.Equal(t, []string{"second", "first"}, order)
	assert.Equal(t, 2, attempts)
	assert.Empty(t, cs.DeadLetters())
}

func TestCompStackDeadLettersAfterMaxAttempts(t *testing.T) {
	cs := newCompStack("run-2", CompensationConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond})

	cs.Push("always fails", func(context.Context) error { return errors.New("downstream gone") })

	err := cs.Execute(context.Background())
	require.Error(t, err)
	dl := cs.DeadLetters()
	require.Len(t, dl, 1)
	assert.Equal(t, 3, dl[0].Attempts)
	assert.Equal(t, "downstream gone", dl[0].LastError)
}

func TestCompStackClearCommits(t *testing.T) {
	cs := newCompStack("run-3", CompensationConfig{})
	ran := false
	cs.Push("undo", func(context.Context) error { ran = true; return nil })
	cs.Clear()
	require.NoError(t, cs.Execute(context.Background()))
	assert.False(t, ran)
}

func TestHumanReviewApproval(t *testing.T) {
	ctx := context.Background()
	deps, _, queue := testDeps()
	run := newRun(scoring.MethodGovernmentID, map[string]string{"document_ref": "blob://passport-scan"})
	p := NewHumanReview(run, deps)

	require.NoError(t, p.Start(ctx))
	assert.Equal(t, StateAwaitingReview, p.State())
	require.Len(t, queue.Pending(), 1)
	assert.Equal(t, run.SubjectID, queue.Pending()[0].SubjectID)

	require.NoError(t, p.Signal(ctx, ReviewDecision{Approved: true}))
	out := <-p.Outcome()
	assert.True(t, out.Completed)
	// Evidence is the document hash, not the document.
	assert.Len(t, out.EvidenceRef, 32)
	assert.NotContains(t, string(out.EvidenceRef), "passport")
}

func TestHumanReviewRejectionAndTimeout(t *testing.T) {
	ctx := context.Background()
	deps, _, _ := testDeps()

	p := NewHumanReview(newRun(scoring.MethodBusinessLicense, map[string]string{"document_ref": "blob://license"}), deps)
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Signal(ctx, ReviewDecision{Approved: false, Reason: "illegible"}))
	out := <-p.Outcome()
	assert.False(t, out.Completed)
	assert.Equal(t, ReasonRejected, out.FailureReason)

	run := newRun(scoring.MethodGovernmentID, map[string]string{"document_ref": "blob://id"})
	p2 := NewHumanReview(run, deps)
	require.NoError(t, p2.Start(ctx))
	assert.True(t, p2.CheckTimeout(ctx, run.Deadline.Add(time.Second)))
	out = <-p2.Outcome()
	assert.Equal(t, ReasonTimeout, out.FailureReason)
}

func TestAttestationRequiresMinimalLevel(t *testing.T) {
	ctx := context.Background()
	deps, _, _ := testDeps()
	run := newRun(scoring.MethodCommunityAttestation, nil)
	require.NoError(t, deps.Journal.EnsureSubject(ctx, run.SubjectID, scoring.ClassIndividual))

	p := NewAttestationIntake(run, deps)
	require.NoError(t, p.Start(ctx))

	// Unknown attestor.
	err := p.Signal(ctx, Attestation{AttestorID: uuid.New(), Text: "good neighbor"})
	assert.ErrorIs(t, err, ErrAttestorDenied)
	assert.Equal(t, StateAwaitingAttestation, p.State())

	// Attestor below Minimal (email alone is 30 points).
	low := uuid.New()
	seedCompletions(t, deps.Journal, low, scoring.MethodEmail)
	err = p.Signal(ctx, Attestation{AttestorID: low, Text: "good neighbor"})
	assert.ErrorIs(t, err, ErrAttestorDenied)

	// Attestor at Minimal completes the run.
	ok := uuid.New()
	seedCompletions(t, deps.Journal, ok, scoring.MethodTwoPartyInPerson)
	require.NoError(t, p.Signal(ctx, Attestation{AttestorID: ok, Text: "good neighbor"}))
	out := <-p.Outcome()
	assert.True(t, out.Completed)
	assert.Equal(t, []uuid.UUID{ok}, out.VerifierIDs)

	// The attestation is journaled on the subject.
	events, err := deps.Journal.ReadJournal(ctx, run.SubjectID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, journal.KindAttestationReceived, events[0].Kind)
	assert.Equal(t, ok.String(), events[0].ActorSubjectID)
}

func TestAttestationRevokedAttestorDenied(t *testing.T) {
	ctx := context.Background()
	deps, _, _ := testDeps()
	run := newRun(scoring.MethodPersonalReference, nil)
	require.NoError(t, deps.Journal.EnsureSubject(ctx, run.SubjectID, scoring.ClassIndividual))

	attestor := uuid.New()
	seedCompletions(t, deps.Journal, attestor, scoring.MethodTwoPartyInPerson)
	at := time.Now().Add(-time.Hour)
	require.NoError(t, deps.Records.Put(ctx, &policy.VerifierRecord{
		SubjectID: attestor,
		RevokedAt: &at,
	}))

	p := NewAttestationIntake(run, deps)
	require.NoError(t, p.Start(ctx))
	err := p.Signal(ctx, Attestation{AttestorID: attestor, Text: "vouch"})
	assert.ErrorIs(t, err, ErrAttestorDenied)
}
