package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nabr/verification/internal/journal"
	"github.com/nabr/verification/internal/notify"
	"github.com/nabr/verification/internal/protocol"
	"github.com/nabr/verification/internal/scoring"
)

// replayedResult returns the original outcome of a command id that was
// already journaled, making every command idempotent.
func (o *Orchestrator) replayedResult(ctx context.Context, commandID string) (*journal.CommandResult, error) {
	if commandID == "" {
		return nil, nil
	}
	snap, err := o.store.Snapshot(ctx, o.subjectID)
	if err != nil {
		return nil, err
	}
	if res, ok := snap.Commands[commandID]; ok {
		return &res, nil
	}
	return nil, nil
}

// StartMethod spawns a child protocol for the method and journals the start.
// Replays with the same command id return the original run id without a
// second delivery or journal entry.
func (o *Orchestrator) StartMethod(ctx context.Context, commandID string, method scoring.Method,
	params map[string]string) (string, error) {

	var runID string
	var cmdErr error
	err := o.do(ctx, func(ctx context.Context) {
		if res, err := o.replayedResult(ctx, commandID); err != nil {
			cmdErr = err
			return
		} else if res != nil {
			runID = res.RunID
			return
		}

		if !scoring.Applicable(method, o.class) {
			cmdErr = ErrMethodNotApplicable
			return
		}
		o.mu.RLock()
		_, running := o.active[method]
		o.mu.RUnlock()
		if running {
			cmdErr = ErrAlreadyActive
			return
		}
		snap, err := o.store.Snapshot(ctx, o.subjectID)
		if err != nil {
			cmdErr = err
			return
		}
		if len(snap.Completions[method]) >= scoring.MaxMultiplier(method) {
			cmdErr = ErrAlreadyMaxed
			return
		}

		now := o.nowFn().UTC()
		run := protocol.Run{
			ID:        uuid.NewString(),
			SubjectID: o.subjectID,
			Method:    method,
			Params:    params,
			StartedAt: now,
			Deadline:  protocol.DefaultDeadline(method, now),
		}
		ev := journal.Event{
			At:            now,
			Kind:          journal.KindMethodStarted,
			Method:        method,
			ProtocolRunID: run.ID,
			CommandID:     commandID,
			Data:          map[string]interface{}{"deadline": run.Deadline},
		}
		if params != nil {
			ev.Data["params"] = params
		}
		if _, err := o.appendEvent(ctx, ev); err != nil {
			cmdErr = err
			return
		}
		if err := o.spawnLocked(ctx, run); err != nil {
			// The start never took effect; journal the failure so the run
			// does not rehydrate as live.
			if _, aerr := o.appendEvent(ctx, journal.Event{
				At:            o.nowFn().UTC(),
				Kind:          journal.KindMethodFailed,
				Method:        method,
				ProtocolRunID: run.ID,
				Data:          map[string]interface{}{"reason": protocol.ReasonStorageUnavailable},
			}); aerr != nil {
				o.logger.Printf("subject %s: failed-start append failed: %v", o.subjectID, aerr)
			}
			cmdErr = errors.Join(ErrUnavailable, err)
			return
		}
		runID = run.ID
	})
	if err != nil {
		return "", err
	}
	return runID, cmdErr
}

// VerifierConfirm forwards a verifier's confirmation into the active
// two-party run.
func (o *Orchestrator) VerifierConfirm(ctx context.Context, commandID string,
	conf protocol.VerifierConfirmation) error {

	var cmdErr error
	err := o.do(ctx, func(ctx context.Context) {
		if res, err := o.replayedResult(ctx, commandID); err != nil {
			cmdErr = err
			return
		} else if res != nil {
			return
		}
		o.mu.RLock()
		p, ok := o.active[scoring.MethodTwoPartyInPerson]
		o.mu.RUnlock()
		if !ok {
			cmdErr = ErrNoActiveRun
			return
		}
		// The saga journals the confirmation; the command id rides along so
		// replays after completion find the original outcome.
		conf.CommandID = commandID
		cmdErr = p.Signal(ctx, conf)
	})
	if err != nil {
		return err
	}
	return cmdErr
}

// EnterCode forwards a code entry into the active code challenge for the
// method.
func (o *Orchestrator) EnterCode(ctx context.Context, method scoring.Method, code string) error {
	return o.signalActive(ctx, method, protocol.CodeEntered{Code: code})
}

// ReviewDecide forwards the reviewer's verdict into the active human-review
// run for the method.
func (o *Orchestrator) ReviewDecide(ctx context.Context, method scoring.Method, approved bool, reason string) error {
	return o.signalActive(ctx, method, protocol.ReviewDecision{Approved: approved, Reason: reason})
}

func (o *Orchestrator) signalActive(ctx context.Context, method scoring.Method, sig protocol.Signal) error {
	var cmdErr error
	err := o.do(ctx, func(ctx context.Context) {
		o.mu.RLock()
		p, ok := o.active[method]
		o.mu.RUnlock()
		if !ok {
			cmdErr = ErrNoActiveRun
			return
		}
		cmdErr = p.Signal(ctx, sig)
	})
	if err != nil {
		return err
	}
	return cmdErr
}

// CommunityAttest starts the attestation protocol when none is running and
// forwards the attestation. Each attestor may vouch once per subject; the
// method's multiplier caps how many attestations can still be started.
func (o *Orchestrator) CommunityAttest(ctx context.Context, commandID string,
	att protocol.Attestation) error {

	var cmdErr error
	err := o.do(ctx, func(ctx context.Context) {
		if res, err := o.replayedResult(ctx, commandID); err != nil {
			cmdErr = err
			return
		} else if res != nil {
			return
		}

		method := scoring.MethodCommunityAttestation
		events, err := o.store.ReadJournal(ctx, o.subjectID, 0)
		if err != nil {
			cmdErr = err
			return
		}
		for _, ev := range events {
			if ev.Kind == journal.KindAttestationReceived && ev.ActorSubjectID == att.AttestorID.String() {
				cmdErr = ErrAlreadyAttested
				return
			}
		}

		o.mu.RLock()
		p, running := o.active[method]
		o.mu.RUnlock()
		if !running {
			snap, err := o.store.Snapshot(ctx, o.subjectID)
			if err != nil {
				cmdErr = err
				return
			}
			if len(snap.Completions[method]) >= scoring.MaxMultiplier(method) {
				cmdErr = ErrAlreadyMaxed
				return
			}
			now := o.nowFn().UTC()
			run := protocol.Run{
				ID:        uuid.NewString(),
				SubjectID: o.subjectID,
				Method:    method,
				StartedAt: now,
				Deadline:  protocol.DefaultDeadline(method, now),
			}
			if _, err := o.appendEvent(ctx, journal.Event{
				At:            now,
				Kind:          journal.KindMethodStarted,
				Method:        method,
				ProtocolRunID: run.ID,
				CommandID:     commandID,
				Data:          map[string]interface{}{"deadline": run.Deadline},
			}); err != nil {
				cmdErr = err
				return
			}
			if err := o.spawnLocked(ctx, run); err != nil {
				cmdErr = errors.Join(ErrUnavailable, err)
				return
			}
			o.mu.RLock()
			p = o.active[method]
			o.mu.RUnlock()
		}
		att.CommandID = commandID
		cmdErr = p.Signal(ctx, att)
	})
	if err != nil {
		return err
	}
	return cmdErr
}

// Revoke removes the most recent live completion of the method (or cancels
// its active run) and returns the new level.
func (o *Orchestrator) Revoke(ctx context.Context, commandID string, method scoring.Method,
	reason string, actorID uuid.UUID) (scoring.Level, error) {

	var level scoring.Level
	var cmdErr error
	err := o.do(ctx, func(ctx context.Context) {
		if res, err := o.replayedResult(ctx, commandID); err != nil {
			cmdErr = err
			return
		} else if res != nil {
			snap, err := o.store.Snapshot(ctx, o.subjectID)
			if err != nil {
				cmdErr = err
				return
			}
			level = snap.Level
			return
		}

		before, err := o.store.Snapshot(ctx, o.subjectID)
		if err != nil {
			cmdErr = err
			return
		}
		o.mu.RLock()
		child, hasActive := o.active[method]
		o.mu.RUnlock()
		if len(before.Completions[method]) == 0 && !hasActive {
			cmdErr = ErrNothingToRevoke
			return
		}

		snap, err := o.appendEvent(ctx, journal.Event{
			At:             o.nowFn().UTC(),
			Kind:           journal.KindMethodRevoked,
			Method:         method,
			ActorSubjectID: actorID.String(),
			CommandID:      commandID,
			Data:           map[string]interface{}{"reason": reason},
		})
		if err != nil {
			cmdErr = err
			return
		}
		if hasActive {
			// The revoke event already clears the run from the journal; the
			// child's terminal outcome must not journal again.
			o.mu.Lock()
			o.suppressed[child.Run().ID] = true
			o.mu.Unlock()
			child.Cancel(ctx)
		}
		o.levelTransition(ctx, before.Level, snap)
		snap, err = o.store.Snapshot(ctx, o.subjectID)
		if err != nil {
			cmdErr = err
			return
		}
		level = snap.Level
	})
	if err != nil {
		return scoring.LevelUnverified, err
	}
	return level, cmdErr
}

// CancelMethod cancels the active run for the method. The child journals its
// cancellation through the normal outcome path.
func (o *Orchestrator) CancelMethod(ctx context.Context, method scoring.Method) error {
	var cmdErr error
	err := o.do(ctx, func(ctx context.Context) {
		o.mu.RLock()
		p, ok := o.active[method]
		o.mu.RUnlock()
		if !ok {
			cmdErr = ErrNoActiveRun
			return
		}
		p.Cancel(ctx)
	})
	if err != nil {
		return err
	}
	return cmdErr
}

// ExpireCompletion handles a fired expiry timer: it journals method_expired
// for the earliest-expiring live completion if one is actually past due, and
// emits level_changed when the score drop crosses a threshold downward.
func (o *Orchestrator) ExpireCompletion(ctx context.Context, method scoring.Method, now time.Time) error {
	var cmdErr error
	err := o.do(ctx, func(ctx context.Context) {
		before, err := o.store.Snapshot(ctx, o.subjectID)
		if err != nil {
			cmdErr = err
			return
		}
		due := false
		for _, c := range before.Completions[method] {
			if scoring.IsExpired(c.ExpiresAt, now) {
				due = true
				break
			}
		}
		if !due {
			// Timer for a completion that was since revoked or renewed.
			return
		}
		snap, err := o.appendEvent(ctx, journal.Event{
			At:     now.UTC(),
			Kind:   journal.KindMethodExpired,
			Method: method,
		})
		if err != nil {
			cmdErr = err
			return
		}
		o.deliver(ctx, notify.KindMethodExpired, map[string]interface{}{
			"method": string(method),
			"score":  snap.Score,
		})
		o.levelTransition(ctx, before.Level, snap)
	})
	if err != nil {
		return err
	}
	return cmdErr
}
