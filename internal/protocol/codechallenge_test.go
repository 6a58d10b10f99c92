package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabr/verification/internal/scoring"
)

func startedChallenge(t *testing.T) (*CodeChallenge, *captureSender) {
	t.Helper()
	deps, sender, _ := testDeps()
	run := newRun(scoring.MethodEmail, map[string]string{"target": "x@y.example"})
	p := NewCodeChallenge(run, deps).(*CodeChallenge)
	require.NoError(t, p.Start(context.Background()))
	return p, sender
}

func TestCodeChallengeHappyPath(t *testing.T) {
	p, sender := startedChallenge(t)
	assert.Equal(t, StateWaiting, p.State())

	target, code := sender.last()
	assert.Equal(t, "x@y.example", target)
	require.Len(t, code, 6)

	require.NoError(t, p.Signal(context.Background(), CodeEntered{Code: code}))
	out := <-p.Outcome()
	assert.True(t, out.Completed)
	assert.Equal(t, []byte("x@y.example"), out.EvidenceRef)
	assert.Equal(t, StateCompleted, p.State())
}

func TestCodeChallengeDuplicateStartDoesNotResend(t *testing.T) {
	p, sender := startedChallenge(t)
	require.NoError(t, p.Start(context.Background()))
	assert.Len(t, sender.sent, 1)
}

func TestCodeChallengeAttemptsExhausted(t *testing.T) {
	p, _ := startedChallenge(t)

	for i := 0; i < codeAttempts; i++ {
		err := p.Signal(context.Background(), CodeEntered{Code: "000000"})
		assert.ErrorIs(t, err, ErrCodeMismatch)
	}
	out := <-p.Outcome()
	assert.False(t, out.Completed)
	assert.Equal(t, ReasonExhausted, out.FailureReason)

	// Terminal runs reject further entries.
	assert.ErrorIs(t, p.Signal(context.Background(), CodeEntered{Code: "000000"}), ErrNotActive)
}

func TestCodeChallengeExpiry(t *testing.T) {
	p, sender := startedChallenge(t)
	_, code := sender.last()

	base := time.Now()
	p.nowFn = func() time.Time { return base.Add(CodeChallengeTTL + time.Second) }

	err := p.Signal(context.Background(), CodeEntered{Code: code})
	assert.ErrorIs(t, err, ErrTokenExpired)
	out := <-p.Outcome()
	assert.Equal(t, ReasonExpired, out.FailureReason)
}

func TestCodeChallengeTimeoutCheck(t *testing.T) {
	p, _ := startedChallenge(t)

	assert.False(t, p.CheckTimeout(context.Background(), time.Now()))
	assert.True(t, p.CheckTimeout(context.Background(), time.Now().Add(CodeChallengeTTL+time.Second)))
	out := <-p.Outcome()
	assert.Equal(t, ReasonExpired, out.FailureReason)
}

func TestCodeChallengeWrongSignal(t *testing.T) {
	p, _ := startedChallenge(t)
	assert.ErrorIs(t, p.Signal(context.Background(), ReviewDecision{Approved: true}), ErrWrongSignal)
}

func TestCodeChallengeCancel(t *testing.T) {
	p, _ := startedChallenge(t)
	p.Cancel(context.Background())
	out := <-p.Outcome()
	assert.Equal(t, ReasonCancelled, out.FailureReason)
	assert.Equal(t, StateCancelled, p.State())
}
