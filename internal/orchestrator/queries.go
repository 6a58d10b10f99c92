package orchestrator

import (
	"context"

	"github.com/nabr/verification/internal/protocol"
	"github.com/nabr/verification/internal/scoring"
	"github.com/nabr/verification/internal/tokenstore"
)

// Queries are synchronous reads of the last committed snapshot. They bypass
// the mailbox so they always answer, even while a command is in flight or
// after a halt.

// Score returns the subject's current trust score.
func (o *Orchestrator) Score(ctx context.Context) (int, error) {
	snap, err := o.store.Snapshot(ctx, o.subjectID)
	if err != nil {
		return 0, err
	}
	return snap.Score, nil
}

// Level returns the subject's current verification level.
func (o *Orchestrator) Level(ctx context.Context) (scoring.Level, error) {
	snap, err := o.store.Snapshot(ctx, o.subjectID)
	if err != nil {
		return scoring.LevelUnverified, err
	}
	return snap.Level, nil
}

// CompletedMethods returns the per-method count of live completions.
func (o *Orchestrator) CompletedMethods(ctx context.Context) (map[scoring.Method]int, error) {
	snap, err := o.store.Snapshot(ctx, o.subjectID)
	if err != nil {
		return nil, err
	}
	return snap.Counts(), nil
}

// NextLevel returns the gap to the next level and suggested method paths.
func (o *Orchestrator) NextLevel(ctx context.Context) (scoring.NextLevelResult, error) {
	snap, err := o.store.Snapshot(ctx, o.subjectID)
	if err != nil {
		return scoring.NextLevelResult{}, err
	}
	return scoring.NextLevel(snap.Score, o.class, snap.Counts()), nil
}

// Method returns the status of one method: live completion count, active run
// state if any, and the next completion expiry.
func (o *Orchestrator) Method(ctx context.Context, method scoring.Method) (MethodStatus, error) {
	snap, err := o.store.Snapshot(ctx, o.subjectID)
	if err != nil {
		return MethodStatus{}, err
	}
	status := MethodStatus{CompletedCount: len(snap.Completions[method])}
	for _, c := range snap.Completions[method] {
		if c.ExpiresAt == nil {
			continue
		}
		if status.NextExpiry == nil || c.ExpiresAt.Before(*status.NextExpiry) {
			t := *c.ExpiresAt
			status.NextExpiry = &t
		}
	}
	o.mu.RLock()
	if p, ok := o.active[method]; ok {
		status.ActiveState = p.State().String()
		status.ActiveRunID = p.Run().ID
	}
	o.mu.RUnlock()
	return status, nil
}

// RunTokens returns the confirmation tokens of the active two-party run in
// slot order. The subject-facing surface renders them as QR codes.
func (o *Orchestrator) RunTokens(method scoring.Method) ([2]tokenstore.Token, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.active[method]
	if !ok {
		return [2]tokenstore.Token{}, ErrNoActiveRun
	}
	saga, ok := p.(*protocol.TwoPartySaga)
	if !ok {
		return [2]tokenstore.Token{}, ErrNoActiveRun
	}
	return saga.Tokens(), nil
}

// StuckRuns returns runs whose saga compensation dead-lettered; the only
// states needing operator intervention.
func (o *Orchestrator) StuckRuns() []StuckRun {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]StuckRun(nil), o.stuck...)
}

// Halted reports the invariant violation the orchestrator halted on, if any.
func (o *Orchestrator) Halted() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.halted
}
