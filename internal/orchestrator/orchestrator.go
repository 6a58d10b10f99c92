// Package orchestrator runs one long-lived task per subject. The task owns
// the subject's snapshot and active protocol runs, serializes every command
// through a mailbox, and is the only writer of the subject's journal apart
// from the two-party saga's audit entries. All of its state is derivable
// from the journal; rehydration is a pure fold.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nabr/verification/internal/expiry"
	"github.com/nabr/verification/internal/journal"
	"github.com/nabr/verification/internal/notify"
	"github.com/nabr/verification/internal/protocol"
	"github.com/nabr/verification/internal/scoring"
)

// Caller errors; rejected synchronously with no journal write.
var (
	ErrMethodNotApplicable = errors.New("orchestrator: method not applicable to subject class")
	ErrAlreadyActive       = errors.New("orchestrator: method already has an active run")
	ErrAlreadyMaxed        = errors.New("orchestrator: method already at max completions")
	ErrNoActiveRun         = errors.New("orchestrator: no active run for method")
	ErrNothingToRevoke     = errors.New("orchestrator: nothing to revoke")
	ErrAlreadyAttested     = errors.New("orchestrator: attestor already attested for this subject")
	ErrUnavailable         = errors.New("orchestrator: temporarily unavailable")
	ErrHalted              = errors.New("orchestrator: halted on invariant violation")
)

// Config tunes one orchestrator.
type Config struct {
	// CheckpointEvery appends a snapshot marker after this many events.
	CheckpointEvery int64
	// AppendAttempts bounds retries of a journal append on transient failure.
	AppendAttempts int
	// AppendBackoff is the first retry delay; doubles up to AppendMaxBackoff.
	AppendBackoff    time.Duration
	AppendMaxBackoff time.Duration
	// DeadlineSweepInterval is how often active runs are checked against
	// their deadlines.
	DeadlineSweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		CheckpointEvery:       1000,
		AppendAttempts:        10,
		AppendBackoff:         time.Second,
		AppendMaxBackoff:      60 * time.Second,
		DeadlineSweepInterval: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = d.CheckpointEvery
	}
	if c.AppendAttempts <= 0 {
		c.AppendAttempts = d.AppendAttempts
	}
	if c.AppendBackoff <= 0 {
		c.AppendBackoff = d.AppendBackoff
	}
	if c.AppendMaxBackoff <= 0 {
		c.AppendMaxBackoff = d.AppendMaxBackoff
	}
	if c.DeadlineSweepInterval <= 0 {
		c.DeadlineSweepInterval = d.DeadlineSweepInterval
	}
	return c
}

// StuckRun is a saga whose compensation could not complete; the only state
// that needs an operator.
type StuckRun struct {
	RunID       string                `json:"run_id"`
	Method      scoring.Method        `json:"method"`
	FailedAt    time.Time             `json:"failed_at"`
	DeadLetters []protocol.DeadLetter `json:"dead_letters"`
}

// MethodStatus is the per-method query result.
type MethodStatus struct {
	CompletedCount int        `json:"completed_count"`
	ActiveState    string     `json:"active_state,omitempty"`
	ActiveRunID    string     `json:"active_run_id,omitempty"`
	NextExpiry     *time.Time `json:"next_expiry,omitempty"`
}

// request is one mailbox element: a closure run on the orchestrator
// goroutine plus the caller's rendezvous.
type request struct {
	exec func(ctx context.Context)
	done chan struct{}
}

// Orchestrator is the per-subject task.
type Orchestrator struct {
	subjectID uuid.UUID
	class     scoring.SubjectClass
	store     journal.Store
	deps      protocol.Deps
	sched     expiry.Scheduler
	sink      notify.Sink
	cfg       Config
	logger    *log.Logger
	nowFn     func() time.Time

	mailbox  chan request
	outcomes chan protocol.Outcome
	stopCh   chan struct{}
	stopped  sync.Once
	loopDone chan struct{}

	// Guarded by mu: read by synchronous queries, written by the loop.
	mu             sync.RWMutex
	active         map[scoring.Method]protocol.Protocol
	stuck          []StuckRun
	halted         error
	lastCheckpoint int64
	// Runs revoked while active; their terminal outcome must not append
	// another journal event.
	suppressed map[string]bool
}

// New builds and rehydrates the orchestrator for a subject, registering the
// subject if needed, re-registering still-live runs, and rescheduling expiry
// timers for every live decaying completion.
func New(ctx context.Context, subjectID uuid.UUID, class scoring.SubjectClass,
	store journal.Store, deps protocol.Deps, sched expiry.Scheduler,
	sink notify.Sink, cfg Config) (*Orchestrator, error) {

	if err := store.EnsureSubject(ctx, subjectID, class); err != nil {
		return nil, err
	}
	registered, err := store.Class(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		subjectID:  subjectID,
		class:      registered,
		store:      store,
		deps:       deps,
		sched:      sched,
		sink:       sink,
		cfg:        cfg.withDefaults(),
		logger:     log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		nowFn:      time.Now,
		mailbox:    make(chan request, 64),
		outcomes:   make(chan protocol.Outcome, 16),
		stopCh:     make(chan struct{}),
		loopDone:   make(chan struct{}),
		active:     make(map[scoring.Method]protocol.Protocol),
		suppressed: make(map[string]bool),
	}

	snap, err := store.Snapshot(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	o.lastCheckpoint = snap.LastSeq

	// Re-register live runs. Protocol-internal secrets (code hashes) do not
	// survive a crash, so restarting a code challenge re-delivers; saga
	// tokens persist in the token store and keep working because the run id
	// is stable.
	for _, run := range snap.ActiveRuns {
		if err := o.spawnLocked(ctx, protocol.Run{
			ID:        run.RunID,
			SubjectID: subjectID,
			Method:    run.Method,
			Params:    run.Params,
			StartedAt: run.StartedAt,
			Deadline:  run.Deadline,
		}); err != nil {
			o.logger.Printf("subject %s: re-register %s run %s: %v", subjectID, run.Method, run.RunID, err)
		}
	}

	// One expiry timer per live decaying completion.
	for _, cs := range snap.Completions {
		for _, c := range cs {
			if c.ExpiresAt != nil {
				o.sched.Schedule(expiry.Task{
					SubjectID:     subjectID,
					Method:        c.Method,
					SequenceIndex: c.SequenceIndex,
					FireAt:        *c.ExpiresAt,
				})
			}
		}
	}

	go o.loop()
	return o, nil
}

func (o *Orchestrator) SubjectID() uuid.UUID        { return o.subjectID }
func (o *Orchestrator) Class() scoring.SubjectClass { return o.class }

// Stop halts command processing. Active runs stay registered in the journal
// and are re-registered on the next rehydration.
func (o *Orchestrator) Stop() {
	o.stopped.Do(func() { close(o.stopCh) })
	<-o.loopDone
}

// Shutdown cancels every active child (subject deletion path), letting each
// run its compensation, then stops.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.do(ctx, func(ctx context.Context) {
		for _, p := range o.snapshotActive() {
			p.Cancel(ctx)
		}
	})
	// Drain the cancellation outcomes before stopping the loop.
	for o.activeCount() > 0 {
		select {
		case out := <-o.outcomes:
			o.handleOutcome(context.Background(), out)
		case <-time.After(5 * time.Second):
			o.logger.Printf("subject %s: shutdown drain timed out", o.subjectID)
			o.Stop()
			return
		}
	}
	o.Stop()
}

// loop is the single goroutine that owns all mutations.
func (o *Orchestrator) loop() {
	defer close(o.loopDone)
	deadlines := time.NewTicker(o.cfg.DeadlineSweepInterval)
	defer deadlines.Stop()
	for {
		select {
		case req := <-o.mailbox:
			req.exec(context.Background())
			close(req.done)
		case out := <-o.outcomes:
			o.handleOutcome(context.Background(), out)
		case <-deadlines.C:
			o.sweepDeadlines(context.Background())
		case <-o.stopCh:
			return
		}
	}
}

// sweepDeadlines fails every active run whose deadline has passed. The child
// journals its failure through the normal outcome path, so a timed-out saga
// still compensates and a timed-out review frees the method. Rehydrated runs
// are covered because they sit in the same active set.
func (o *Orchestrator) sweepDeadlines(ctx context.Context) {
	now := o.nowFn().UTC()
	for _, p := range o.snapshotActive() {
		if p.CheckTimeout(ctx, now) {
			run := p.Run()
			o.logger.Printf("subject %s: %s run %s timed out", o.subjectID, run.Method, run.ID)
		}
	}
}

// do runs fn on the orchestrator goroutine and waits for it.
func (o *Orchestrator) do(ctx context.Context, fn func(ctx context.Context)) error {
	if err := o.haltedErr(); err != nil {
		return err
	}
	req := request{exec: fn, done: make(chan struct{})}
	select {
	case o.mailbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopCh:
		return ErrHalted
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) haltedErr() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.halted != nil {
		return fmt.Errorf("%w: %v", ErrHalted, o.halted)
	}
	return nil
}

// halt stops the orchestrator on an invariant violation. Queries keep
// serving the last committed state; commands are refused.
func (o *Orchestrator) halt(err error) {
	o.mu.Lock()
	o.halted = err
	o.mu.Unlock()
	o.logger.Printf("subject %s: HALTED: %v", o.subjectID, err)
	o.stopped.Do(func() { close(o.stopCh) })
}

func (o *Orchestrator) snapshotActive() []protocol.Protocol {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]protocol.Protocol, 0, len(o.active))
	for _, p := range o.active {
		out = append(out, p)
	}
	return out
}

func (o *Orchestrator) activeCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.active)
}

// spawnLocked builds, starts, and registers a child protocol and wires its
// outcome into the loop. Called from the loop goroutine (or New, before the
// loop starts).
func (o *Orchestrator) spawnLocked(ctx context.Context, run protocol.Run) error {
	p := protocol.For(run.Method)(run, o.deps)
	if err := p.Start(ctx); err != nil {
		return err
	}
	o.mu.Lock()
	o.active[run.Method] = p
	o.mu.Unlock()
	go func() {
		out := <-p.Outcome()
		select {
		case o.outcomes <- out:
		case <-o.stopCh:
		}
	}()
	return nil
}

// appendEvent appends with bounded retry. Optimistic-concurrency conflicts
// re-read the head and retry immediately; transient failures back off.
func (o *Orchestrator) appendEvent(ctx context.Context, ev journal.Event) (*journal.Snapshot, error) {
	backoff := o.cfg.AppendBackoff
	for attempt := 1; ; attempt++ {
		snap, err := o.store.Snapshot(ctx, o.subjectID)
		if err != nil {
			if errors.Is(err, journal.ErrInvariant) {
				o.halt(err)
				return nil, err
			}
			return nil, err
		}
		_, err = o.store.Append(ctx, o.subjectID, snap.LastSeq, ev)
		if err == nil {
			return o.store.Snapshot(ctx, o.subjectID)
		}
		if errors.Is(err, journal.ErrConflict) {
			continue
		}
		if errors.Is(err, journal.ErrInvariant) {
			o.halt(err)
			return nil, err
		}
		if attempt >= o.cfg.AppendAttempts {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > o.cfg.AppendMaxBackoff {
			backoff = o.cfg.AppendMaxBackoff
		}
	}
}

// levelTransition appends level_changed and notifies when the fold moved the
// subject across a threshold. Notifications never gate the state change.
func (o *Orchestrator) levelTransition(ctx context.Context, oldLevel scoring.Level, snap *journal.Snapshot) {
	if snap.Level == oldLevel {
		return
	}
	after, err := o.appendEvent(ctx, journal.Event{
		At:   o.nowFn().UTC(),
		Kind: journal.KindLevelChanged,
		Data: map[string]interface{}{
			"old_level": int(oldLevel),
			"new_level": int(snap.Level),
			"score":     snap.Score,
		},
	})
	if err != nil {
		o.logger.Printf("subject %s: level_changed append failed: %v", o.subjectID, err)
		return
	}
	next := scoring.NextLevel(after.Score, o.class, after.Counts())
	o.deliver(ctx, notify.KindLevelChanged, map[string]interface{}{
		"old_level":    oldLevel.String(),
		"new_level":    after.Level.String(),
		"score":        after.Score,
		"progress_pct": next.ProgressPct,
	})
}

func (o *Orchestrator) deliver(ctx context.Context, kind string, payload map[string]interface{}) {
	if o.sink == nil {
		return
	}
	if err := o.sink.Deliver(ctx, o.subjectID, kind, payload); err != nil {
		o.logger.Printf("subject %s: notify %s failed: %v", o.subjectID, kind, err)
	}
}

// maybeCheckpoint appends the compaction marker every CheckpointEvery
// events. The journal is never truncated; the marker only bounds read-back.
func (o *Orchestrator) maybeCheckpoint(ctx context.Context, snap *journal.Snapshot) {
	o.mu.RLock()
	last := o.lastCheckpoint
	o.mu.RUnlock()
	if snap.LastSeq-last < o.cfg.CheckpointEvery {
		return
	}
	after, err := o.appendEvent(ctx, journal.Event{
		At:   o.nowFn().UTC(),
		Kind: journal.KindSnapshotRebuilt,
		Data: map[string]interface{}{"score": snap.Score, "level": int(snap.Level)},
	})
	if err != nil {
		return
	}
	o.mu.Lock()
	o.lastCheckpoint = after.LastSeq
	o.mu.Unlock()
}

// handleOutcome is the core algorithm on child termination: journal the
// terminal event, rebuild the snapshot, emit level_changed on a threshold
// crossing, schedule the completion's expiry, and drop the run.
func (o *Orchestrator) handleOutcome(ctx context.Context, out protocol.Outcome) {
	o.mu.Lock()
	var deadLetters []protocol.DeadLetter
	if p, ok := o.active[out.Method]; ok && p.Run().ID == out.RunID {
		if saga, ok := p.(*protocol.TwoPartySaga); ok {
			deadLetters = saga.DeadLetters()
		}
		delete(o.active, out.Method)
	}
	suppressed := o.suppressed[out.RunID]
	delete(o.suppressed, out.RunID)
	if out.FailureReason == protocol.ReasonCompensationIncomplete {
		o.stuck = append(o.stuck, StuckRun{
			RunID:       out.RunID,
			Method:      out.Method,
			FailedAt:    out.At,
			DeadLetters: deadLetters,
		})
	}
	o.mu.Unlock()

	if suppressed {
		return
	}

	before, err := o.store.Snapshot(ctx, o.subjectID)
	if err != nil {
		if errors.Is(err, journal.ErrInvariant) {
			o.halt(err)
		}
		return
	}
	oldLevel := before.Level

	if !out.Completed {
		if _, err := o.appendEvent(ctx, journal.Event{
			At:            out.At,
			Kind:          journal.KindMethodFailed,
			Method:        out.Method,
			ProtocolRunID: out.RunID,
			Data:          map[string]interface{}{"reason": out.FailureReason},
		}); err != nil {
			o.logger.Printf("subject %s: method_failed append failed: %v", o.subjectID, err)
			return
		}
		o.deliver(ctx, notify.KindMethodFailed, map[string]interface{}{
			"method": string(out.Method),
			"reason": out.FailureReason,
		})
		return
	}

	seqIndex := len(before.Completions[out.Method]) + 1
	expiresAt := scoring.ExpiryFor(out.Method, out.At)
	snap, err := o.appendEvent(ctx, journal.NewMethodCompleted(
		out.At, out.Method, out.RunID, "", seqIndex, out.EvidenceRef, expiresAt))
	if err != nil {
		o.logger.Printf("subject %s: method_completed append failed: %v", o.subjectID, err)
		return
	}
	if expiresAt != nil {
		o.sched.Schedule(expiry.Task{
			SubjectID:     o.subjectID,
			Method:        out.Method,
			SequenceIndex: seqIndex,
			FireAt:        *expiresAt,
		})
	}

	o.deliver(ctx, notify.KindMethodCompleted, map[string]interface{}{
		"method": string(out.Method),
		"score":  snap.Score,
	})
	o.levelTransition(ctx, oldLevel, snap)
	o.maybeCheckpoint(ctx, snap)
}
