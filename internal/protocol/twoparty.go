package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/nabr/verification/internal/journal"
	"github.com/nabr/verification/internal/notify"
	"github.com/nabr/verification/internal/policy"
	"github.com/nabr/verification/internal/scoring"
	"github.com/nabr/verification/internal/tokenstore"
)

// TwoPartySaga runs the in-person verification: two QR tokens are issued to
// the subject, two distinct verifiers scan and confirm, the confirmations
// are validated against policy, each verifier's track record is credited,
// and the method completes. Every forward step registers its compensation
// before touching the outside world, so a failure at any point unwinds in
// reverse order: credits are decremented, recorded confirmations are revoked
// in the journal, and the tokens are invalidated.
type TwoPartySaga struct {
	base
	deps Deps

	tokens        [2]tokenstore.Token
	confirmations map[int]*confirmation // slot -> confirmation
	comp          *compStack
	logger        *log.Logger
}

// confirmation is one verifier's accepted scan.
type confirmation struct {
	Slot       int
	Token      string
	VerifierID uuid.UUID
	CommandID  string
	Evidence   []byte
	Latitude   float64
	Longitude  float64
	Device     string
	At         time.Time
}

var twoPartyTransitions = map[State][]State{
	StatePending:        {StateQRIssued, StateCancelled},
	StateQRIssued:       {StateAwaitingFirst, StateCompensating},
	StateAwaitingFirst:  {StateAwaitingSecond, StateCompensating},
	StateAwaitingSecond: {StateValidating, StateCompensating},
	StateValidating:     {StateRecording, StateCompensating},
	StateRecording:      {StateAwarding, StateCompensating},
	StateAwarding:       {StateCompleted, StateCompensating},
	StateCompensating:   {StateFailed, StateCancelled},
}

func NewTwoPartySaga(run Run, deps Deps) Protocol {
	return &TwoPartySaga{
		base:          newBase(run, twoPartyTransitions),
		deps:          deps,
		confirmations: make(map[int]*confirmation),
		comp:          newCompStack(run.ID, deps.Comp),
		logger:        log.New(log.Writer(), "[TWO-PARTY] ", log.LstdFlags),
	}
}

// Start issues the two QR tokens. The compensation that invalidates them is
// registered before the tokens are persisted so rollback can always finish.
func (p *TwoPartySaga) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePending {
		return nil
	}
	if err := p.transition(StateQRIssued); err != nil {
		return err
	}

	now := p.nowFn().UTC()
	for slot := 1; slot <= 2; slot++ {
		value, err := tokenstore.NewValue()
		if err != nil {
			return err
		}
		p.tokens[slot-1] = tokenstore.Token{
			Value:     value,
			SubjectID: p.run.SubjectID,
			RunID:     p.run.ID,
			Slot:      slot,
			IssuedAt:  now,
			ExpiresAt: p.run.Deadline,
		}
	}

	values := []string{p.tokens[0].Value, p.tokens[1].Value}
	p.comp.Push("invalidate qr tokens", func(ctx context.Context) error {
		for _, v := range values {
			if err := p.deps.Tokens.Invalidate(ctx, v); err != nil {
				return err
			}
		}
		return nil
	})

	for i := range p.tokens {
		if err := p.deps.Tokens.PutIfAbsent(ctx, p.tokens[i]); err != nil {
			p.compensateAndFinishLocked(ctx, StateFailed, ReasonStorageUnavailable)
			return fmt.Errorf("issue qr token: %w", err)
		}
	}
	return p.transition(StateAwaitingFirst)
}

// Tokens returns the issued QR tokens for delivery to the subject.
func (p *TwoPartySaga) Tokens() [2]tokenstore.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens
}

func (p *TwoPartySaga) Signal(ctx context.Context, sig Signal) error {
	conf, ok := sig.(VerifierConfirmation)
	if !ok {
		return ErrWrongSignal
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.IsTerminal() {
		return ErrTokenExpired
	}
	if p.state != StateAwaitingFirst && p.state != StateAwaitingSecond {
		return ErrNotActive
	}
	if p.nowFn().After(p.run.Deadline) {
		p.compensateAndFinishLocked(ctx, StateFailed, ReasonTimeout)
		return ErrTokenExpired
	}

	tok, err := p.deps.Tokens.Get(ctx, conf.Token)
	switch {
	case errors.Is(err, tokenstore.ErrUnknown):
		return ErrTokenUnknown
	case errors.Is(err, tokenstore.ErrExpired):
		return ErrTokenExpired
	case err != nil:
		return err
	}
	if tok.RunID != p.run.ID {
		return ErrTokenUnknown
	}

	// Duplicate of an already-accepted token is idempotent.
	if existing, ok := p.confirmations[tok.Slot]; ok && existing.Token == conf.Token {
		return nil
	}
	// The two confirmations must come from distinct verifiers; a second scan
	// by the same verifier collapses into the first.
	for _, existing := range p.confirmations {
		if existing.VerifierID == conf.VerifierID {
			return nil
		}
	}

	c := &confirmation{
		Slot:       tok.Slot,
		Token:      conf.Token,
		VerifierID: conf.VerifierID,
		CommandID:  conf.CommandID,
		Evidence:   conf.Evidence,
		Latitude:   conf.Latitude,
		Longitude:  conf.Longitude,
		Device:     conf.Device,
		At:         p.nowFn().UTC(),
	}
	if err := p.recordConfirmationLocked(ctx, c); err != nil {
		p.compensateAndFinishLocked(ctx, StateFailed, ReasonStorageUnavailable)
		return err
	}
	p.confirmations[tok.Slot] = c

	if p.state == StateAwaitingFirst {
		return p.transition(StateAwaitingSecond)
	}

	// Second confirmation arrived; run the remaining forward steps.
	if err := p.transition(StateValidating); err != nil {
		return err
	}
	return p.finishLocked(ctx)
}

// recordConfirmationLocked appends the verifier_confirmed journal entry,
// registering the revoking compensation first. Callers hold p.mu.
func (p *TwoPartySaga) recordConfirmationLocked(ctx context.Context, c *confirmation) error {
	vid := c.VerifierID
	p.comp.Push(fmt.Sprintf("revoke confirmation from %s", vid), func(ctx context.Context) error {
		ev := journal.Event{
			At:             time.Now().UTC(),
			Kind:           journal.KindConfirmationRevoked,
			Method:         scoring.MethodTwoPartyInPerson,
			ActorSubjectID: vid.String(),
			ProtocolRunID:  p.run.ID,
		}
		if _, err := appendWithRetry(ctx, p.deps.Journal, p.run.SubjectID, ev); err != nil {
			return err
		}
		if p.deps.Notify != nil {
			p.deps.Notify.Deliver(ctx, vid, notify.KindMethodFailed, map[string]interface{}{
				"run_id": p.run.ID,
				"reason": "confirmation revoked",
			})
		}
		return nil
	})

	ev := journal.Event{
		At:             c.At,
		Kind:           journal.KindVerifierConfirmed,
		Method:         scoring.MethodTwoPartyInPerson,
		ActorSubjectID: vid.String(),
		ProtocolRunID:  p.run.ID,
		CommandID:      c.CommandID,
		Data: map[string]interface{}{
			"slot":      c.Slot,
			"latitude":  c.Latitude,
			"longitude": c.Longitude,
			"device":    c.Device,
			"evidence":  base64.StdEncoding.EncodeToString(c.Evidence),
		},
	}
	_, err := appendWithRetry(ctx, p.deps.Journal, p.run.SubjectID, ev)
	return err
}

// finishLocked runs validate, record, award. Callers hold p.mu.
func (p *TwoPartySaga) finishLocked(ctx context.Context) error {
	confs := []*confirmation{p.confirmations[1], p.confirmations[2]}

	// Validate both verifiers against policy at confirmation-complete time.
	// A verifier revoked since scanning is caught here.
	for _, c := range confs {
		if denied := p.authorize(ctx, c.VerifierID); denied != nil {
			p.logger.Printf("run %s: verifier %s denied: %v", p.run.ID, c.VerifierID, denied)
			p.compensateAndFinishLocked(ctx, StateFailed, ReasonUnauthorizedVerifier)
			return nil
		}
	}
	if err := p.transition(StateRecording); err != nil {
		return err
	}

	// Credit each verifier's track record, decrement on rollback.
	credited := make([]uuid.UUID, 0, 2)
	p.comp.Push("decrement verifier confirmation counters", func(ctx context.Context) error {
		for _, vid := range credited {
			if err := p.deps.Records.AddConfirmations(ctx, vid, -1); err != nil && !errors.Is(err, policy.ErrNotFound) {
				return err
			}
		}
		return nil
	})
	for _, c := range confs {
		if err := p.deps.Records.AddConfirmations(ctx, c.VerifierID, 1); err != nil && !errors.Is(err, policy.ErrNotFound) {
			p.compensateAndFinishLocked(ctx, StateFailed, ReasonStorageUnavailable)
			return nil
		}
		credited = append(credited, c.VerifierID)
	}

	// Award.
	if err := p.transition(StateAwarding); err != nil {
		return err
	}
	verifierIDs := []uuid.UUID{confs[0].VerifierID, confs[1].VerifierID}
	evidence, _ := json.Marshal(map[string]interface{}{
		"verifier_ids": []string{verifierIDs[0].String(), verifierIDs[1].String()},
	})
	// The run is done; the QR tokens stop working now rather than at the
	// deadline.
	for _, tok := range p.tokens {
		if err := p.deps.Tokens.Invalidate(ctx, tok.Value); err != nil {
			p.logger.Printf("run %s: invalidate token: %v", p.run.ID, err)
		}
	}
	p.comp.Clear()
	if err := p.transition(StateCompleted); err != nil {
		return err
	}
	p.emit(Outcome{Completed: true, EvidenceRef: evidence, VerifierIDs: verifierIDs})
	return nil
}

// authorize returns nil when the verifier may confirm the in-person method.
func (p *TwoPartySaga) authorize(ctx context.Context, verifierID uuid.UUID) error {
	rec, err := p.deps.Records.Get(ctx, verifierID)
	if errors.Is(err, policy.ErrNotFound) {
		rec = nil
	} else if err != nil {
		return err
	}
	snap, err := p.deps.Journal.Snapshot(ctx, verifierID)
	if errors.Is(err, journal.ErrUnknownSubject) {
		snap = nil
	} else if err != nil {
		return err
	}
	_, err = policy.Authorize(rec, snap, scoring.MethodTwoPartyInPerson, p.nowFn())
	return err
}

func (p *TwoPartySaga) Cancel(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.IsTerminal() {
		return
	}
	p.compensateAndFinishLocked(ctx, StateCancelled, ReasonCancelled)
}

func (p *TwoPartySaga) CheckTimeout(ctx context.Context, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.IsTerminal() || !now.After(p.run.Deadline) {
		return false
	}
	p.compensateAndFinishLocked(ctx, StateFailed, ReasonTimeout)
	return true
}

// compensateAndFinishLocked unwinds the stack and lands in the terminal
// state. A dead-lettered compensation overrides the reason so operators can
// find the stuck run. Callers hold p.mu.
func (p *TwoPartySaga) compensateAndFinishLocked(ctx context.Context, terminal State, reason string) {
	if p.transition(StateCompensating) != nil {
		p.state = StateCompensating
	}
	if err := p.comp.Execute(ctx); err != nil {
		p.logger.Printf("run %s: compensation incomplete: %v", p.run.ID, err)
		reason = ReasonCompensationIncomplete
		terminal = StateFailed
		if p.deps.Notify != nil {
			p.deps.Notify.Deliver(ctx, p.run.SubjectID, notify.KindRunStuck, map[string]interface{}{
				"run_id":       p.run.ID,
				"method":       string(p.run.Method),
				"dead_letters": p.comp.DeadLetters(),
			})
		}
	}
	if p.transition(terminal) != nil {
		return
	}
	p.emit(Outcome{FailureReason: reason})
}

// DeadLetters exposes compensation failures for the stuck-run query.
func (p *TwoPartySaga) DeadLetters() []DeadLetter {
	return p.comp.DeadLetters()
}

var _ Protocol = (*TwoPartySaga)(nil)
