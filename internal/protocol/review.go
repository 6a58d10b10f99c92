package protocol

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

// HumanReview handles the document methods: the caller supplies a document
// reference at start, the document goes to the external review queue, and
// the run blocks on the reviewer's decision. Evidence on success is the
// document hash, never the document itself.
type HumanReview struct {
	base
	deps Deps

	documentRef string
	docHash     []byte
	reviewID    string
}

var humanReviewTransitions = map[State][]State{
	StatePending:        {StateUploading, StateCancelled},
	StateUploading:      {StateAwaitingReview, StateFailed, StateCancelled},
	StateAwaitingReview: {StateCompleted, StateFailed, StateCancelled},
}

// NewHumanReview builds the protocol. run.Params["document_ref"] is the blob
// handle.
func NewHumanReview(run Run, deps Deps) Protocol {
	return &HumanReview{
		base:        newBase(run, humanReviewTransitions),
		deps:        deps,
		documentRef: run.Params["document_ref"],
	}
}

func (p *HumanReview) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePending {
		return nil
	}
	if p.documentRef == "" {
		return fmt.Errorf("human review %s: no document reference", p.run.ID)
	}
	if err := p.transition(StateUploading); err != nil {
		return err
	}

	sum := sha256.Sum256([]byte(p.documentRef))
	p.docHash = sum[:]

	reviewID, err := p.deps.Reviews.Enqueue(ctx, ReviewTask{
		RunID:       p.run.ID,
		SubjectID:   p.run.SubjectID,
		Method:      p.run.Method,
		DocumentRef: p.documentRef,
		SubmittedAt: p.nowFn().UTC(),
		Deadline:    p.run.Deadline,
	})
	if err != nil {
		return fmt.Errorf("enqueue review: %w", err)
	}
	p.reviewID = reviewID
	return p.transition(StateAwaitingReview)
}

func (p *HumanReview) Signal(_ context.Context, sig Signal) error {
	decision, ok := sig.(ReviewDecision)
	if !ok {
		return ErrWrongSignal
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateAwaitingReview {
		return ErrNotActive
	}
	if p.nowFn().After(p.run.Deadline) {
		p.fail(ReasonTimeout)
		return ErrNotActive
	}

	if decision.Approved {
		if err := p.transition(StateCompleted); err != nil {
			return err
		}
		p.emit(Outcome{Completed: true, EvidenceRef: p.docHash})
		return nil
	}
	p.fail(ReasonRejected)
	return nil
}

func (p *HumanReview) Cancel(_ context.Context) {
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

func (p *HumanReview) CheckTimeout(_ context.Context, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateAwaitingReview || !now.After(p.run.Deadline) {
		return false
	}
	p.fail(ReasonTimeout)
	return true
}

// ReviewID returns the external queue's id for the submitted task.
func (p *HumanReview) ReviewID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reviewID
}

func (p *HumanReview) fail(reason string) {
	if p.transition(StateFailed) != nil {
		return
	}
	p.emit(Outcome{FailureReason: reason})
}

var _ Protocol = (*HumanReview)(nil)

// MemoryReviewQueue is the in-process ReviewQueue used by tests and local
// deployments; tasks just accumulate for inspection.
type MemoryReviewQueue struct {
	mu    sync.Mutex
	tasks []ReviewTask
}

func NewMemoryReviewQueue() *MemoryReviewQueue {
	return &MemoryReviewQueue{}
}

func (q *MemoryReviewQueue) Enqueue(_ context.Context, task ReviewTask) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return fmt.Sprintf("review-%d", len(q.tasks)), nil
}

// Pending returns the enqueued tasks.
func (q *MemoryReviewQueue) Pending() []ReviewTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]ReviewTask(nil), q.tasks...)
}

var _ ReviewQueue = (*MemoryReviewQueue)(nil)
