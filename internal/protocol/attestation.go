package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nabr/verification/internal/journal"
	"github.com/nabr/verification/internal/policy"
	"github.com/nabr/verification/internal/scoring"
)

// AttestationIntake receives a single attestation or reference for the
// subject. The attestor must hold at least Minimal verification level; a
// held credential record that was revoked also disqualifies. The attestation
// text is journaled as an audit entry and its hash-free JSON form becomes
// the completion evidence.
type AttestationIntake struct {
	base
	deps Deps
}

var attestationTransitions = map[State][]State{
	StatePending:             {StateAwaitingAttestation, StateCancelled},
	StateAwaitingAttestation: {StateCompleted, StateFailed, StateCancelled},
}

func NewAttestationIntake(run Run, deps Deps) Protocol {
	return &AttestationIntake{
		base: newBase(run, attestationTransitions),
		deps: deps,
	}
}

func (p *AttestationIntake) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePending {
		return nil
	}
	return p.transition(StateAwaitingAttestation)
}

func (p *AttestationIntake) Signal(ctx context.Context, sig Signal) error {
	att, ok := sig.(Attestation)
	if !ok {
		return ErrWrongSignal
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateAwaitingAttestation {
		return ErrNotActive
	}
	if p.nowFn().After(p.run.Deadline) {
		if err := p.transition(StateFailed); err == nil {
			p.emit(Outcome{FailureReason: ReasonTimeout})
		}
		return ErrNotActive
	}

	if err := p.authorizeAttestor(ctx, att.AttestorID); err != nil {
		// The run keeps waiting; another attestor may still vouch.
		return err
	}

	ev := journal.Event{
		At:             p.nowFn().UTC(),
		Kind:           journal.KindAttestationReceived,
		Method:         p.run.Method,
		ActorSubjectID: att.AttestorID.String(),
		ProtocolRunID:  p.run.ID,
		CommandID:      att.CommandID,
		Data: map[string]interface{}{
			"text": att.Text,
		},
	}
	if _, err := appendWithRetry(ctx, p.deps.Journal, p.run.SubjectID, ev); err != nil {
		return err
	}

	evidence, _ := json.Marshal(map[string]string{
		"attestor_id": att.AttestorID.String(),
		"text":        att.Text,
	})
	if err := p.transition(StateCompleted); err != nil {
		return err
	}
	p.emit(Outcome{Completed: true, EvidenceRef: evidence, VerifierIDs: []uuid.UUID{att.AttestorID}})
	return nil
}

// authorizeAttestor requires Minimal level and no revoked verifier record.
func (p *AttestationIntake) authorizeAttestor(ctx context.Context, attestorID uuid.UUID) error {
	snap, err := p.deps.Journal.Snapshot(ctx, attestorID)
	if errors.Is(err, journal.ErrUnknownSubject) {
		return ErrAttestorDenied
	}
	if err != nil {
		return err
	}
	if snap.Level < scoring.LevelMinimal {
		return ErrAttestorDenied
	}
	rec, err := p.deps.Records.Get(ctx, attestorID)
	if err != nil && !errors.Is(err, policy.ErrNotFound) {
		return err
	}
	if rec != nil && rec.RevokedAt != nil {
		return ErrAttestorDenied
	}
	return nil
}

func (p *AttestationIntake) Cancel(_ context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.IsTerminal() {
		return
	}
	if err := p.transition(StateCancelled); err != nil {
		return
	}
	p.emit(Outcome{FailureReason: ReasonCancelled})
}

func (p *AttestationIntake) CheckTimeout(_ context.Context, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateAwaitingAttestation || !now.After(p.run.Deadline) {
		return false
	}
	if err := p.transition(StateFailed); err != nil {
		return false
	}
	p.emit(Outcome{FailureReason: ReasonTimeout})
	return true
}

var _ Protocol = (*AttestationIntake)(nil)
