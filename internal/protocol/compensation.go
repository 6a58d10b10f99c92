package protocol

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// CompensationConfig tunes compensation retry behavior.
type CompensationConfig struct {
	MaxAttempts int           // per undo step (default 10)
	BaseBackoff time.Duration // first retry delay (default 1s)
	MaxBackoff  time.Duration // backoff cap (default 60s)
}

func (c CompensationConfig) withDefaults() CompensationConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	return c
}

// compEntry is one registered undo operation.
type compEntry struct {
	Description  string
	Undo         func(ctx context.Context) error
	RegisteredAt time.Time
}

// DeadLetter is an undo that failed after all retries. Operators review
// these; the engine treats the run as failed either way.
type DeadLetter struct {
	RunID       string    `json:"run_id"`
	Description string    `json:"description"`
	LastError   string    `json:"last_error"`
	Attempts    int       `json:"attempts"`
	FailedAt    time.Time `json:"failed_at"`
}

// compStack is the saga's LIFO stack of compensating actions. Forward steps
// push their undo before running the side effect; on failure the stack runs
// in reverse order with per-entry retries.
type compStack struct {
	mu         sync.Mutex
	runID      string
	entries    []compEntry
	deadLetter []DeadLetter
	config     CompensationConfig
	logger     *log.Logger
}

func newCompStack(runID string, cfg CompensationConfig) *compStack {
	return &compStack{
		runID:  runID,
		config: cfg.withDefaults(),
		logger: log.New(log.Writer(), "[SAGA-COMP] ", log.LstdFlags),
	}
}

func (cs *compStack) Push(description string, undo func(ctx context.Context) error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.entries = append(cs.entries, compEntry{
		Description:  description,
		Undo:         undo,
		RegisteredAt: time.Now(),
	})
}

// Clear drops registered compensations; called when the saga commits.
func (cs *compStack) Clear() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.entries = nil
}

// Execute runs every compensation in LIFO order. Each entry retries with
// exponential backoff until it succeeds or MaxAttempts is exhausted, in which
// case it is dead-lettered. Returns an error if anything was dead-lettered.
func (cs *compStack) Execute(ctx context.Context) error {
	cs.mu.Lock()
	entries := cs.entries
	cs.entries = nil
	cs.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}
	cs.logger.Printf("run %s: executing %d compensations", cs.runID, len(entries))

	var failed int
	for i := len(entries) - 1; i >= 0; i-- {
		if err := cs.executeWithRetry(ctx, entries[i]); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("run %s: %d compensation(s) dead-lettered", cs.runID, failed)
	}
	return nil
}

func (cs *compStack) executeWithRetry(ctx context.Context, entry compEntry) error {
	var lastErr error
	backoff := cs.config.BaseBackoff
	for attempt := 1; attempt <= cs.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			// Compensation completes even under cancellation, so the wait
			// ignores ctx.
			time.Sleep(backoff)
			backoff *= 2
			if backoff > cs.config.MaxBackoff {
				backoff = cs.config.MaxBackoff
			}
		}
		lastErr = entry.Undo(ctx)
		if lastErr == nil {
			return nil
		}
		cs.logger.Printf("run %s: compensation %q attempt %d failed: %v",
			cs.runID, entry.Description, attempt, lastErr)
	}

	cs.mu.Lock()
	cs.deadLetter = append(cs.deadLetter, DeadLetter{
		RunID:       cs.runID,
		Description: entry.Description,
		LastError:   lastErr.Error(),
		Attempts:    cs.config.MaxAttempts,
		FailedAt:    time.Now().UTC(),
	})
	cs.mu.Unlock()
	return lastErr
}

// DeadLetters returns the dead-lettered compensations for operator review.
func (cs *compStack) DeadLetters() []DeadLetter {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]DeadLetter(nil), cs.deadLetter...)
}
