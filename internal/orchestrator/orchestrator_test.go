package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabr/verification/internal/expiry"
	"github.com/nabr/verification/internal/journal"
	"github.com/nabr/verification/internal/notify"
	"github.com/nabr/verification/internal/policy"
	"github.com/nabr/verification/internal/protocol"
	"github.com/nabr/verification/internal/scoring"
	"github.com/nabr/verification/internal/tokenstore"
)

// fakeScheduler records scheduled expiries instead of firing them.
type fakeScheduler struct {
	mu    sync.Mutex
	tasks []expiry.Task
}

func (s *fakeScheduler) Schedule(task expiry.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}
func (s *fakeScheduler) Cancel(string) {}
func (s *fakeScheduler) Stop()         {}

func (s *fakeScheduler) scheduled() []expiry.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]expiry.Task(nil), s.tasks...)
}

type captureSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *captureSender) Send(_ context.Context, _, code string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, code)
	return nil
}

func (s *captureSender) codes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type fixture struct {
	store  *journal.MemoryStore
	deps   protocol.Deps
	sched  *fakeScheduler
	sender *captureSender
	bus    *notify.Bus
	orch   *Orchestrator
}

func newFixture(t *testing.T, class scoring.SubjectClass) *fixture {
	t.Helper()
	store := journal.NewMemoryStore()
	sender := &captureSender{}
	sched := &fakeScheduler{}
	bus := notify.NewBus()
	deps := protocol.Deps{
		Journal: store,
		Tokens:  tokenstore.NewMemoryStore(),
		Records: policy.NewMemoryRecordStore(),
		Codes:   sender,
		Reviews: protocol.NewMemoryReviewQueue(),
		Notify:  bus,
		Comp:    protocol.CompensationConfig{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}
	cfg := Config{AppendBackoff: time.Millisecond, AppendMaxBackoff: time.Millisecond}
	orch, err := New(context.Background(), uuid.New(), class, store, deps, sched, bus, cfg)
	require.NoError(t, err)
	t.Cleanup(orch.Stop)
	return &fixture{store: store, deps: deps, sched: sched, sender: sender, bus: bus, orch: orch}
}

func (f *fixture) waitScore(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		score, err := f.orch.Score(context.Background())
		return err == nil && score == want
	}, 2*time.Second, 5*time.Millisecond)
}

func (f *fixture) kinds(t *testing.T) []journal.Kind {
	t.Helper()
	events, err := f.store.ReadJournal(context.Background(), f.orch.SubjectID(), 0)
	require.NoError(t, err)
	out := make([]journal.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestStartMethodCodeChallengeToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, scoring.ClassIndividual)

	runID, err := f.orch.StartMethod(ctx, "cmd-email", scoring.MethodEmail,
		map[string]string{"target": "x@y.example"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	codes := f.sender.codes()
	require.Len(t, codes, 1)
	require.NoError(t, f.orch.EnterCode(ctx, scoring.MethodEmail, codes[0]))

	f.waitScore(t, 30)
	level, err := f.orch.Level(ctx)
	require.NoError(t, err)
	assert.Equal(t, scoring.LevelUnverified, level)

	// Email decays; exactly one expiry timer was scheduled.
	require.Eventually(t, func() bool { return len(f.sched.scheduled()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, scoring.MethodEmail, f.sched.scheduled()[0].Method)
}

func TestStartMethodIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, scoring.ClassIndividual)

	first, err := f.orch.StartMethod(ctx, "cmd-1", scoring.MethodEmail, map[string]string{"target": "a@b"})
	require.NoError(t, err)
	second, err := f.orch.StartMethod(ctx, "cmd-1", scoring.MethodEmail, map[string]string{"target": "a@b"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	// One journal entry, one code delivery.
	assert.Equal(t, []journal.Kind{journal.KindMethodStarted}, f.kinds(t))
	assert.Len(t, f.sender.codes(), 1)
}

func TestStartMethodPreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, scoring.ClassIndividual)

	_, err := f.orch.StartMethod(ctx, "", scoring.MethodBusinessLicense, nil)
	assert.ErrorIs(t, err, ErrMethodNotApplicable)

	_, err = f.orch.StartMethod(ctx, "", scoring.MethodEmail, map[string]string{"target": "a@b"})
	require.NoError(t, err)
	_, err = f.orch.StartMethod(ctx, "", scoring.MethodEmail, map[string]string{"target": "a@b"})
	assert.ErrorIs(t, err, ErrAlreadyActive)

	// Complete it, then the multiplier cap applies.
	require.NoError(t, f.orch.EnterCode(ctx, scoring.MethodEmail, f.sender.codes()[0]))
	f.waitScore(t, 30)
	_, err = f.orch.StartMethod(ctx, "", scoring.MethodEmail, map[string]string{"target": "a@b"})
	assert.ErrorIs(t, err, ErrAlreadyMaxed)
}

func TestTwoPartyThroughOrchestratorChangesLevel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, scoring.ClassIndividual)

	notary := uuid.New()
	require.NoError(t, f.deps.Records.Put(ctx, &policy.VerifierRecord{
		SubjectID:   notary,
		Credentials: []policy.CredentialKind{policy.CredentialNotaryPublic},
		Authorized:  true,
	}))
	attorney := uuid.New()
	require.NoError(t, f.deps.Records.Put(ctx, &policy.VerifierRecord{
		SubjectID:   attorney,
		Credentials: []policy.CredentialKind{policy.CredentialAttorney},
		Authorized:  true,
	}))

	levelEvents := f.bus.Subscribe(notify.KindLevelChanged)

	_, err := f.orch.StartMethod(ctx, "cmd-2p", scoring.MethodTwoPartyInPerson, nil)
	require.NoError(t, err)

	f.orch.mu.RLock()
	saga := f.orch.active[scoring.MethodTwoPartyInPerson].(*protocol.TwoPartySaga)
	f.orch.mu.RUnlock()
	tokens := saga.Tokens()

	require.NoError(t, f.orch.VerifierConfirm(ctx, "", protocol.VerifierConfirmation{
		Token: tokens[0].Value, VerifierID: notary,
	}))
	require.NoError(t, f.orch.VerifierConfirm(ctx, "", protocol.VerifierConfirmation{
		Token: tokens[1].Value, VerifierID: attorney,
	}))

	f.waitScore(t, 150)
	level, err := f.orch.Level(ctx)
	require.NoError(t, err)
	assert.Equal(t, scoring.LevelMinimal, level)

	env := <-levelEvents
	assert.Equal(t, "unverified", env.Data["old_level"])
	assert.Equal(t, "minimal", env.Data["new_level"])

	kinds := f.kinds(t)
	assert.Contains(t, kinds, journal.KindLevelChanged)
	// The two-party completion never decays, so no expiry timer.
	assert.Empty(t, f.sched.scheduled())
}

func TestCommunityAttestOncePerAttestor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, scoring.ClassIndividual)

	attestor := uuid.New()
	require.NoError(t, f.store.EnsureSubject(ctx, attestor, scoring.ClassIndividual))
	now := time.Now().UTC()
	_, err := f.store.Append(ctx, attestor, 0,
		journal.NewMethodCompleted(now, scoring.MethodTwoPartyInPerson, uuid.NewString(), "", 1, nil, nil))
	require.NoError(t, err)

	require.NoError(t, f.orch.CommunityAttest(ctx, "att-1", protocol.Attestation{
		AttestorID: attestor, Text: "long-time neighbor",
	}))
	f.waitScore(t, 40)

	err = f.orch.CommunityAttest(ctx, "att-2", protocol.Attestation{
		AttestorID: attestor, Text: "again",
	})
	assert.ErrorIs(t, err, ErrAlreadyAttested)
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, scoring.ClassIndividual)

	_, err := f.orch.Revoke(ctx, "", scoring.MethodEmail, "fraud", uuid.New())
	assert.ErrorIs(t, err, ErrNothingToRevoke)

	_, err = f.orch.StartMethod(ctx, "", scoring.MethodEmail, map[string]string{"target": "a@b"})
	require.NoError(t, err)
	require.NoError(t, f.orch.EnterCode(ctx, scoring.MethodEmail, f.sender.codes()[0]))
	f.waitScore(t, 30)

	level, err := f.orch.Revoke(ctx, "rev-1", scoring.MethodEmail, "address bounced", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, scoring.LevelUnverified, level)
	f.waitScore(t, 0)

	// Replay returns the same outcome without another journal write.
	events := len(f.kinds(t))
	_, err = f.orch.Revoke(ctx, "rev-1", scoring.MethodEmail, "address bounced", uuid.New())
	require.NoError(t, err)
	assert.Len(t, f.kinds(t), events)
}

func TestExpireCompletionDropsScoreAndLevel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, scoring.ClassIndividual)
	id := f.orch.SubjectID()

	// 30 (email) + 30 (phone) + 40 (attestation) = 100, exactly Minimal.
	now := time.Now().UTC()
	for i, m := range []scoring.Method{scoring.MethodEmail, scoring.MethodPhone, scoring.MethodCommunityAttestation} {
		_, err := f.store.Append(ctx, id, int64(i),
			journal.NewMethodCompleted(now, m, uuid.NewString(), "", 1, nil, scoring.ExpiryFor(m, now)))
		require.NoError(t, err)
	}

	level, err := f.orch.Level(ctx)
	require.NoError(t, err)
	require.Equal(t, scoring.LevelMinimal, level)

	// Timer fires before the completion is due: nothing happens.
	require.NoError(t, f.orch.ExpireCompletion(ctx, scoring.MethodEmail, now.Add(time.Hour)))
	score, err := f.orch.Score(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, score)

	// 366 days later the email completion expires and the level drops.
	levelEvents := f.bus.Subscribe(notify.KindLevelChanged)
	require.NoError(t, f.orch.ExpireCompletion(ctx, scoring.MethodEmail, now.Add(366*24*time.Hour)))
	score, err = f.orch.Score(ctx)
	require.NoError(t, err)
	assert.Equal(t, 70, score)

	env := <-levelEvents
	assert.Equal(t, "minimal", env.Data["old_level"])
	assert.Equal(t, "unverified", env.Data["new_level"])
}

func TestRehydrationRestoresActiveRunsAndTimers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, scoring.ClassIndividual)
	id := f.orch.SubjectID()

	_, err := f.orch.StartMethod(ctx, "", scoring.MethodEmail, map[string]string{"target": "a@b"})
	require.NoError(t, err)
	f.orch.Stop()

	// A fresh orchestrator over the same journal re-registers the run and
	// re-delivers the code.
	sched := &fakeScheduler{}
	orch2, err := New(ctx, id, scoring.ClassIndividual, f.store, f.deps, sched, f.bus,
		Config{AppendBackoff: time.Millisecond})
	require.NoError(t, err)
	defer orch2.Stop()

	status, err := orch2.Method(ctx, scoring.MethodEmail)
	require.NoError(t, err)
	assert.Equal(t, "WAITING", status.ActiveState)
	assert.Len(t, f.sender.codes(), 2)

	require.NoError(t, orch2.EnterCode(ctx, scoring.MethodEmail, f.sender.codes()[1]))
	require.Eventually(t, func() bool {
		score, err := orch2.Score(ctx)
		return err == nil && score == 30
	}, 2*time.Second, 5*time.Millisecond)
}

func TestVerifierConfirmReplayAfterSagaCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, scoring.ClassIndividual)

	notary := uuid.New()
	require.NoError(t, f.deps.Records.Put(ctx, &policy.VerifierRecord{
		SubjectID:   notary,
		Credentials: []policy.CredentialKind{policy.CredentialNotaryPublic},
		Authorized:  true,
	}))
	attorney := uuid.New()
	require.NoError(t, f.deps.Records.Put(ctx, &policy.VerifierRecord{
		SubjectID:   attorney,
		Credentials: []policy.CredentialKind{policy.CredentialAttorney},
		Authorized:  true,
	}))

	_, err := f.orch.StartMethod(ctx, "", scoring.MethodTwoPartyInPerson, nil)
	require.NoError(t, err)
	f.orch.mu.RLock()
	saga := f.orch.active[scoring.MethodTwoPartyInPerson].(*protocol.TwoPartySaga)
	f.orch.mu.RUnlock()
	tokens := saga.Tokens()

	require.NoError(t, f.orch.VerifierConfirm(ctx, "confirm-1", protocol.VerifierConfirmation{
		Token: tokens[0].Value, VerifierID: notary,
	}))
	require.NoError(t, f.orch.VerifierConfirm(ctx, "confirm-2", protocol.VerifierConfirmation{
		Token: tokens[1].Value, VerifierID: attorney,
	}))
	f.waitScore(t, 150)

	// Replays after the saga finished return the original accepted outcome,
	// not ErrNoActiveRun.
	require.NoError(t, f.orch.VerifierConfirm(ctx, "confirm-2", protocol.VerifierConfirmation{
		Token: tokens[1].Value, VerifierID: attorney,
	}))
	require.NoError(t, f.orch.VerifierConfirm(ctx, "confirm-1", protocol.VerifierConfirmation{
		Token: tokens[0].Value, VerifierID: notary,
	}))

	var confirmed int
	for _, kind := range f.kinds(t) {
		if kind == journal.KindVerifierConfirmed {
			confirmed++
		}
	}
	assert.Equal(t, 2, confirmed)
}

func TestCommunityAttestReplayOnRunningIntake(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, scoring.ClassIndividual)

	attestor := uuid.New()
	require.NoError(t, f.store.EnsureSubject(ctx, attestor, scoring.ClassIndividual))
	now := time.Now().UTC()
	_, err := f.store.Append(ctx, attestor, 0,
		journal.NewMethodCompleted(now, scoring.MethodTwoPartyInPerson, uuid.NewString(), "", 1, nil, nil))
	require.NoError(t, err)

	// An unqualified attestor leaves the run waiting for another voucher.
	err = f.orch.CommunityAttest(ctx, "att-a", protocol.Attestation{
		AttestorID: uuid.New(), Text: "hi",
	})
	assert.ErrorIs(t, err, protocol.ErrAttestorDenied)

	// The qualified attestor's signal lands on the already-running intake, so
	// no method_started carries its command id.
	require.NoError(t, f.orch.CommunityAttest(ctx, "att-b", protocol.Attestation{
		AttestorID: attestor, Text: "long-time neighbor",
	}))
	f.waitScore(t, 40)

	// The replay resolves to the original outcome instead of tripping the
	// already-attested check.
	require.NoError(t, f.orch.CommunityAttest(ctx, "att-b", protocol.Attestation{
		AttestorID: attestor, Text: "long-time neighbor",
	}))

	var received int
	for _, kind := range f.kinds(t) {
		if kind == journal.KindAttestationReceived {
			received++
		}
	}
	assert.Equal(t, 1, received)
}

func TestDeadlineSweepFailsOverdueTwoPartyRun(t *testing.T) {
	ctx := context.Background()
	store := journal.NewMemoryStore()
	id := uuid.New()
	require.NoError(t, store.EnsureSubject(ctx, id, scoring.ClassIndividual))

	// The run's 72 h window closed an hour ago.
	started := time.Now().UTC().Add(-73 * time.Hour)
	_, err := store.Append(ctx, id, 0, journal.Event{
		At:            started,
		Kind:          journal.KindMethodStarted,
		Method:        scoring.MethodTwoPartyInPerson,
		ProtocolRunID: uuid.NewString(),
		Data:          map[string]interface{}{"deadline": started.Add(72 * time.Hour)},
	})
	require.NoError(t, err)

	deps := protocol.Deps{
		Journal: store,
		Tokens:  tokenstore.NewMemoryStore(),
		Records: policy.NewMemoryRecordStore(),
		Comp:    protocol.CompensationConfig{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}
	orch, err := New(ctx, id, scoring.ClassIndividual, store, deps, &fakeScheduler{}, nil,
		Config{AppendBackoff: time.Millisecond, DeadlineSweepInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	defer orch.Stop()

	require.Eventually(t, func() bool {
		events, err := store.ReadJournal(ctx, id, 0)
		if err != nil {
			return false
		}
		for _, ev := range events {
			if ev.Kind == journal.KindMethodFailed && ev.Data["reason"] == protocol.ReasonTimeout {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// The method is free again.
	status, err := orch.Method(ctx, scoring.MethodTwoPartyInPerson)
	require.NoError(t, err)
	assert.Empty(t, status.ActiveState)
	_, err = orch.StartMethod(ctx, "", scoring.MethodTwoPartyInPerson, nil)
	assert.NoError(t, err)
}

func TestDeadlineSweepFailsOverdueReview(t *testing.T) {
	ctx := context.Background()
	store := journal.NewMemoryStore()
	id := uuid.New()
	require.NoError(t, store.EnsureSubject(ctx, id, scoring.ClassIndividual))

	// A 30-day review window that closed yesterday, with no decision.
	started := time.Now().UTC().Add(-31 * 24 * time.Hour)
	_, err := store.Append(ctx, id, 0, journal.Event{
		At:            started,
		Kind:          journal.KindMethodStarted,
		Method:        scoring.MethodGovernmentID,
		ProtocolRunID: uuid.NewString(),
		Data: map[string]interface{}{
			"deadline": started.Add(30 * 24 * time.Hour),
			"params":   map[string]string{"document_ref": "passport-scan.pdf"},
		},
	})
	require.NoError(t, err)

	deps := protocol.Deps{
		Journal: store,
		Tokens:  tokenstore.NewMemoryStore(),
		Records: policy.NewMemoryRecordStore(),
		Reviews: protocol.NewMemoryReviewQueue(),
	}
	orch, err := New(ctx, id, scoring.ClassIndividual, store, deps, &fakeScheduler{}, nil,
		Config{AppendBackoff: time.Millisecond, DeadlineSweepInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	defer orch.Stop()

	require.Eventually(t, func() bool {
		events, err := store.ReadJournal(ctx, id, 0)
		if err != nil {
			return false
		}
		for _, ev := range events {
			if ev.Kind == journal.KindMethodFailed && ev.Data["reason"] == protocol.ReasonTimeout {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRehydrationSchedulesTimersForLiveCompletions(t *testing.T) {
	ctx := context.Background()
	store := journal.NewMemoryStore()
	id := uuid.New()
	require.NoError(t, store.EnsureSubject(ctx, id, scoring.ClassIndividual))
	now := time.Now().UTC()
	_, err := store.Append(ctx, id, 0,
		journal.NewMethodCompleted(now, scoring.MethodEmail, uuid.NewString(), "", 1, nil, scoring.ExpiryFor(scoring.MethodEmail, now)))
	require.NoError(t, err)

	sched := &fakeScheduler{}
	deps := protocol.Deps{Journal: store, Tokens: tokenstore.NewMemoryStore(), Records: policy.NewMemoryRecordStore()}
	orch, err := New(ctx, id, scoring.ClassIndividual, store, deps, sched, nil, Config{})
	require.NoError(t, err)
	defer orch.Stop()

	require.Len(t, sched.scheduled(), 1)
	assert.Equal(t, scoring.MethodEmail, sched.scheduled()[0].Method)
}

func TestRehydrationSchedulesOneTimerPerCompletion(t *testing.T) {
	ctx := context.Background()
	store := journal.NewMemoryStore()
	id := uuid.New()
	require.NoError(t, store.EnsureSubject(ctx, id, scoring.ClassIndividual))

	// Two references completed in the same instant decay at the same second;
	// each still gets its own timer.
	now := time.Now().UTC()
	expires := now.Add(180 * 24 * time.Hour)
	for i := 1; i <= 2; i++ {
		_, err := store.Append(ctx, id, int64(i-1),
			journal.NewMethodCompleted(now, scoring.MethodPersonalReference, uuid.NewString(), "", i, nil, &expires))
		require.NoError(t, err)
	}

	sched := &fakeScheduler{}
	deps := protocol.Deps{Journal: store, Tokens: tokenstore.NewMemoryStore(), Records: policy.NewMemoryRecordStore()}
	orch, err := New(ctx, id, scoring.ClassIndividual, store, deps, sched, nil, Config{})
	require.NoError(t, err)
	defer orch.Stop()

	tasks := sched.scheduled()
	require.Len(t, tasks, 2)
	assert.NotEqual(t, tasks[0].Key(), tasks[1].Key())
}
