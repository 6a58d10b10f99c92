// Package expiry schedules the moment a method completion stops counting.
// The engine registers one task per decaying completion; when a task fires
// the orchestrator records the expiry in the journal. Tasks are rebuilt from
// the journal on rehydration, so schedulers may lose state on restart.
package expiry

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nabr/verification/internal/scoring"
)

// Task is one pending expiry.
type Task struct {
	SubjectID uuid.UUID      `json:"subject_id"`
	Method    scoring.Method `json:"method"`
	// SequenceIndex is the completion's index within its method, so two
	// completions of a multi-completion method each keep their own timer
	// even when their deadlines land in the same second.
	SequenceIndex int       `json:"sequence_index,omitempty"`
	FireAt        time.Time `json:"fire_at"`
}

// Key identifies a task; one live completion maps to one key.
func (t Task) Key() string {
	return fmt.Sprintf("%s/%s/%d/%d", t.SubjectID, t.Method, t.SequenceIndex, t.FireAt.UTC().Unix())
}

// Handler receives fired tasks. It must be fast; slow work belongs on the
// handler's side of the channel.
type Handler func(Task)

// Scheduler registers and cancels expiry tasks.
type Scheduler interface {
	Schedule(task Task)
	Cancel(key string)
	Stop()
}

// SweepConfig tunes the in-process scheduler.
type SweepConfig struct {
	// Interval between sweeps over pending tasks.
	Interval time.Duration
}

func DefaultSweepConfig() SweepConfig {
	return SweepConfig{Interval: time.Minute}
}

// SweepScheduler is the in-process Scheduler. A single background goroutine
// sweeps the pending set on a ticker and fires everything past due. Firing
// order within a sweep is deterministic: earliest deadline first, key as the
// tie-break.
type SweepScheduler struct {
	mu      sync.Mutex
	pending map[string]Task
	handler Handler
	config  SweepConfig
	stopCh  chan struct{}
	logger  *log.Logger
	nowFn   func() time.Time
}

// NewSweepScheduler creates and starts the scheduler.
func NewSweepScheduler(handler Handler, cfg SweepConfig) *SweepScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepConfig().Interval
	}
	s := &SweepScheduler{
		pending: make(map[string]Task),
		handler: handler,
		config:  cfg,
		stopCh:  make(chan struct{}),
		logger:  log.New(log.Writer(), "[EXPIRY] ", log.LstdFlags),
		nowFn:   time.Now,
	}
	go s.run()
	return s
}

func (s *SweepScheduler) Schedule(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[task.Key()] = task
}

func (s *SweepScheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
}

// Stop halts the sweep loop. Pending tasks are discarded; rehydration
// reschedules them.
func (s *SweepScheduler) Stop() {
	close(s.stopCh)
}

func (s *SweepScheduler) run() {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Printf("started expiry scheduler (interval=%s)", s.config.Interval)
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			s.logger.Println("expiry scheduler stopped")
			return
		}
	}
}

// Sweep fires every task at or past its deadline. Exported so tests can
// drive the clock without waiting on the ticker.
func (s *SweepScheduler) Sweep() {
	now := s.nowFn()

	s.mu.Lock()
	var due []Task
	for key, task := range s.pending {
		if !now.Before(task.FireAt) {
			due = append(due, task)
			delete(s.pending, key)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].FireAt.Equal(due[j].FireAt) {
			return due[i].FireAt.Before(due[j].FireAt)
		}
		return due[i].Key() < due[j].Key()
	})
	for _, task := range due {
		s.handler(task)
	}
	if len(due) > 0 {
		s.logger.Printf("sweep fired %d expiries", len(due))
	}
}

// PendingCount returns the number of registered tasks.
func (s *SweepScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

var _ Scheduler = (*SweepScheduler)(nil)
