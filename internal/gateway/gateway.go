// Package gateway is the process-wide front door: it owns the per-subject
// orchestrator index, routes commands and queries to the right subject, and
// resolves verifier confirmation tokens to the subject that issued them.
package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nabr/verification/internal/expiry"
	"github.com/nabr/verification/internal/journal"
	"github.com/nabr/verification/internal/notify"
	"github.com/nabr/verification/internal/orchestrator"
	"github.com/nabr/verification/internal/policy"
	"github.com/nabr/verification/internal/protocol"
	"github.com/nabr/verification/internal/scoring"
	"github.com/nabr/verification/internal/tokenstore"
)

// Gateway multiplexes one orchestrator per subject. Orchestrators are created
// lazily on first use and rehydrate from the journal, so the gateway itself
// holds no durable state.
type Gateway struct {
	store journal.Store
	deps  protocol.Deps
	sched expiry.Scheduler
	sink  notify.Sink
	cfg   orchestrator.Config

	logger *log.Logger

	mu    sync.RWMutex
	orchs map[uuid.UUID]*orchestrator.Orchestrator
}

func New(store journal.Store, deps protocol.Deps, sched expiry.Scheduler,
	sink notify.Sink, cfg orchestrator.Config) *Gateway {
	return &Gateway{
		store:  store,
		deps:   deps,
		sched:  sched,
		sink:   sink,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
		orchs:  make(map[uuid.UUID]*orchestrator.Orchestrator),
	}
}

// Register creates the subject if needed and returns its orchestrator. The
// class of an already-registered subject is never changed.
func (g *Gateway) Register(ctx context.Context, subjectID uuid.UUID, class scoring.SubjectClass) error {
	_, err := g.get(ctx, subjectID, class)
	return err
}

// forSubject returns the orchestrator for an existing subject, rehydrating it
// on first access. Unknown subjects fail with journal.ErrUnknownSubject.
func (g *Gateway) forSubject(ctx context.Context, subjectID uuid.UUID) (*orchestrator.Orchestrator, error) {
	class, err := g.store.Class(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return g.get(ctx, subjectID, class)
}

func (g *Gateway) get(ctx context.Context, subjectID uuid.UUID, class scoring.SubjectClass) (*orchestrator.Orchestrator, error) {
	g.mu.RLock()
	o, ok := g.orchs[subjectID]
	g.mu.RUnlock()
	if ok {
		return o, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Double-check after acquiring the write lock.
	if o, ok = g.orchs[subjectID]; ok {
		return o, nil
	}

	o, err := orchestrator.New(ctx, subjectID, class, g.store, g.deps, g.sched, g.sink, g.cfg)
	if err != nil {
		return nil, err
	}
	g.orchs[subjectID] = o
	return o, nil
}

// StartMethod starts a verification run for the subject.
func (g *Gateway) StartMethod(ctx context.Context, subjectID uuid.UUID, commandID string,
	method scoring.Method, params map[string]string) (string, error) {
	o, err := g.forSubject(ctx, subjectID)
	if err != nil {
		return "", err
	}
	return o.StartMethod(ctx, commandID, method, params)
}

// EnterCode submits a challenge code for the subject's active run.
func (g *Gateway) EnterCode(ctx context.Context, subjectID uuid.UUID, method scoring.Method, code string) error {
	o, err := g.forSubject(ctx, subjectID)
	if err != nil {
		return err
	}
	return o.EnterCode(ctx, method, code)
}

// VerifierConfirm routes a confirmation by its token: the token identifies
// the subject whose saga issued it, so the verifier never has to name the
// subject. The saga itself validates the verifier during its validation step.
func (g *Gateway) VerifierConfirm(ctx context.Context, commandID string, conf protocol.VerifierConfirmation) error {
	tok, err := g.deps.Tokens.Get(ctx, conf.Token)
	if err != nil {
		switch {
		case errors.Is(err, tokenstore.ErrExpired):
			return protocol.ErrTokenExpired
		case errors.Is(err, tokenstore.ErrUnknown):
			return protocol.ErrTokenUnknown
		}
		return err
	}
	o, err := g.forSubject(ctx, tok.SubjectID)
	if err != nil {
		return err
	}
	return o.VerifierConfirm(ctx, commandID, conf)
}

// ReviewDecide records a reviewer's verdict on the subject's pending
// human-review run.
func (g *Gateway) ReviewDecide(ctx context.Context, subjectID uuid.UUID, method scoring.Method,
	approved bool, reason string) error {
	o, err := g.forSubject(ctx, subjectID)
	if err != nil {
		return err
	}
	return o.ReviewDecide(ctx, method, approved, reason)
}

// CommunityAttest records an attestation by attestorID for the subject.
func (g *Gateway) CommunityAttest(ctx context.Context, subjectID uuid.UUID, commandID string,
	att protocol.Attestation) error {
	o, err := g.forSubject(ctx, subjectID)
	if err != nil {
		return err
	}
	return o.CommunityAttest(ctx, commandID, att)
}

// Revoke removes the subject's most recent live completion of the method and
// returns the resulting level.
func (g *Gateway) Revoke(ctx context.Context, subjectID uuid.UUID, commandID string,
	method scoring.Method, reason string, actorID uuid.UUID) (scoring.Level, error) {
	o, err := g.forSubject(ctx, subjectID)
	if err != nil {
		return scoring.LevelUnverified, err
	}
	return o.Revoke(ctx, commandID, method, reason, actorID)
}

// CancelMethod cancels the subject's active run for the method.
func (g *Gateway) CancelMethod(ctx context.Context, subjectID uuid.UUID, method scoring.Method) error {
	o, err := g.forSubject(ctx, subjectID)
	if err != nil {
		return err
	}
	return o.CancelMethod(ctx, method)
}

// HandleExpiry is the expiry.Handler wired into the scheduler. A fired timer
// only proposes an expiry; the orchestrator re-checks that the completion is
// actually past due, so stale timers are harmless.
func (g *Gateway) HandleExpiry(task expiry.Task) {
	ctx := context.Background()
	o, err := g.forSubject(ctx, task.SubjectID)
	if err != nil {
		g.logger.Printf("expiry for unknown subject %s dropped", task.SubjectID)
		return
	}
	if err := o.ExpireCompletion(ctx, task.Method, time.Now().UTC()); err != nil {
		g.logger.Printf("subject %s: expiry of %s failed: %v", task.SubjectID, task.Method, err)
	}
}

// Score returns the subject's current trust score.
func (g *Gateway) Score(ctx context.Context, subjectID uuid.UUID) (int, error) {
	o, err := g.forSubject(ctx, subjectID)
	if err != nil {
		return 0, err
	}
	return o.Score(ctx)
}

// Level returns the subject's current verification level.
func (g *Gateway) Level(ctx context.Context, subjectID uuid.UUID) (scoring.Level, error) {
	o, err := g.forSubject(ctx, subjectID)
	if err != nil {
		return scoring.LevelUnverified, err
	}
	return o.Level(ctx)
}

// CompletedMethods returns the subject's live completion counts per method.
func (g *Gateway) CompletedMethods(ctx context.Context, subjectID uuid.UUID) (map[scoring.Method]int, error) {
	o, err := g.forSubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return o.CompletedMethods(ctx)
}

// NextLevel returns the subject's gap to the next level and suggested paths.
func (g *Gateway) NextLevel(ctx context.Context, subjectID uuid.UUID) (scoring.NextLevelResult, error) {
	o, err := g.forSubject(ctx, subjectID)
	if err != nil {
		return scoring.NextLevelResult{}, err
	}
	return o.NextLevel(ctx)
}

// RunTokens returns the QR confirmation tokens of the subject's active
// two-party run.
func (g *Gateway) RunTokens(ctx context.Context, subjectID uuid.UUID, method scoring.Method) ([2]tokenstore.Token, error) {
	o, err := g.forSubject(ctx, subjectID)
	if err != nil {
		return [2]tokenstore.Token{}, err
	}
	return o.RunTokens(method)
}

// Method returns the status of one method for the subject.
func (g *Gateway) Method(ctx context.Context, subjectID uuid.UUID, method scoring.Method) (orchestrator.MethodStatus, error) {
	o, err := g.forSubject(ctx, subjectID)
	if err != nil {
		return orchestrator.MethodStatus{}, err
	}
	return o.Method(ctx, method)
}

// CheckVerifier evaluates whether a subject currently qualifies as a verifier
// for the method. Advisory: sagas re-run the same check during validation.
func (g *Gateway) CheckVerifier(ctx context.Context, verifierID uuid.UUID, method scoring.Method) (*policy.Authorization, error) {
	rec, err := g.deps.Records.Get(ctx, verifierID)
	if err != nil && !errors.Is(err, policy.ErrNotFound) {
		return nil, err
	}
	snap, err := g.store.Snapshot(ctx, verifierID)
	if err != nil && !errors.Is(err, journal.ErrUnknownSubject) {
		return nil, err
	}
	return policy.Authorize(rec, snap, method, time.Now().UTC())
}

// StuckRuns returns every loaded subject's dead-lettered saga runs.
func (g *Gateway) StuckRuns() map[uuid.UUID][]orchestrator.StuckRun {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[uuid.UUID][]orchestrator.StuckRun)
	for id, o := range g.orchs {
		if stuck := o.StuckRuns(); len(stuck) > 0 {
			out[id] = stuck
		}
	}
	return out
}

// Shutdown stops every orchestrator and the expiry scheduler. Active runs
// survive in the journal and rehydrate on the next start.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	orchs := g.orchs
	g.orchs = make(map[uuid.UUID]*orchestrator.Orchestrator)
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, o := range orchs {
		wg.Add(1)
		go func(o *orchestrator.Orchestrator) {
			defer wg.Done()
			o.Stop()
		}(o)
	}
	wg.Wait()
	g.sched.Stop()
}
