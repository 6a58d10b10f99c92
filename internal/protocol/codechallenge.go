package protocol

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// CodeChallenge verifies control of an email address or phone number by
// delivering a 6-digit code and comparing the subject's entry against a
// salted hash. Only the hash is retained after dispatch.
type CodeChallenge struct {
	base
	deps Deps

	codeHash      []byte
	codeExpiresAt time.Time
	attemptsLeft  int
	target        string
}

const codeAttempts = 5

var codeChallengeTransitions = map[State][]State{
	StatePending: {StateWaiting, StateCancelled},
	StateWaiting: {StateCompleted, StateFailed, StateCancelled},
}

// NewCodeChallenge builds the protocol. run.Params["target"] is the delivery
// address.
func NewCodeChallenge(run Run, deps Deps) Protocol {
	return &CodeChallenge{
		base:   newBase(run, codeChallengeTransitions),
		deps:   deps,
		target: run.Params["target"],
	}
}

// Start generates the code, requests delivery, and begins waiting. A second
// Start on an already-waiting run is a no-op so command replays do not
// re-deliver the code.
func (p *CodeChallenge) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePending {
		return nil
	}
	if p.target == "" {
		return fmt.Errorf("code challenge %s: no delivery target", p.run.ID)
	}

	code, err := newCode()
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash code: %w", err)
	}
	if err := p.deps.Codes.Send(ctx, p.target, code, CodeChallengeTTL); err != nil {
		return fmt.Errorf("deliver code: %w", err)
	}

	p.codeHash = hash
	p.codeExpiresAt = p.nowFn().Add(CodeChallengeTTL)
	p.attemptsLeft = codeAttempts
	return p.transition(StateWaiting)
}

// Signal accepts CodeEntered. A match completes with the delivery target as
// evidence; a mismatch burns an attempt; exhaustion or expiry fails the run.
func (p *CodeChallenge) Signal(_ context.Context, sig Signal) error {
	entered, ok := sig.(CodeEntered)
	if !ok {
		return ErrWrongSignal
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateWaiting {
		return ErrNotActive
	}
	if p.nowFn().After(p.codeExpiresAt) {
		p.fail(ReasonExpired)
		return ErrTokenExpired
	}

	// bcrypt comparison is constant-time.
	if bcrypt.CompareHashAndPassword(p.codeHash, []byte(entered.Code)) == nil {
		if err := p.transition(StateCompleted); err != nil {
			return err
		}
		p.emit(Outcome{Completed: true, EvidenceRef: []byte(p.target)})
		return nil
	}

	p.attemptsLeft--
	if p.attemptsLeft <= 0 {
		p.fail(ReasonExhausted)
		return ErrCodeMismatch
	}
	return ErrCodeMismatch
}

func (p *CodeChallenge) Cancel(_ context.Context) {
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

func (p *CodeChallenge) CheckTimeout(_ context.Context, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateWaiting || !now.After(p.codeExpiresAt) {
		return false
	}
	p.fail(ReasonExpired)
	return true
}

// fail moves to Failed and emits. Callers hold p.mu.
func (p *CodeChallenge) fail(reason string) {
	if p.transition(StateFailed) != nil {
		return
	}
	p.emit(Outcome{FailureReason: reason})
}

// newCode draws a uniform 6-digit numeric code.
func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("code entropy: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

var _ Protocol = (*CodeChallenge)(nil)
