package journal

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nabr/verification/internal/scoring"
)

// MemoryStore is an in-process journal store. It is the reference
// implementation of the Store contract and the default backend for tests and
// single-process deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	subjects map[uuid.UUID]*memorySubject
}

type memorySubject struct {
	class  scoring.SubjectClass
	events []Event
	snap   *Snapshot // incremental fold cache; nil when invalidated
}

// NewMemoryStore creates an empty in-memory journal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subjects: make(map[uuid.UUID]*memorySubject)}
}

func (ms *MemoryStore) EnsureSubject(_ context.Context, subjectID uuid.UUID, class scoring.SubjectClass) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.subjects[subjectID]; !ok {
		ms.subjects[subjectID] = &memorySubject{class: class}
	}
	return nil
}

func (ms *MemoryStore) Class(_ context.Context, subjectID uuid.UUID) (scoring.SubjectClass, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	sub, ok := ms.subjects[subjectID]
	if !ok {
		return "", ErrUnknownSubject
	}
	return sub.class, nil
}

func (ms *MemoryStore) Append(_ context.Context, subjectID uuid.UUID, expectedLastSeq int64, ev Event) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	sub, ok := ms.subjects[subjectID]
	if !ok {
		return 0, ErrUnknownSubject
	}
	if int64(len(sub.events)) != expectedLastSeq {
		return 0, fmt.Errorf("expected last seq %d, have %d: %w",
			expectedLastSeq, len(sub.events), ErrConflict)
	}

	ev.Seq = expectedLastSeq + 1
	sub.events = append(sub.events, ev)

	// Keep the fold cache warm; on any fold error the cache is dropped and
	// Snapshot surfaces the invariant violation.
	if sub.snap != nil {
		if err := sub.snap.Apply(&ev); err != nil {
			sub.snap = nil
		}
	}
	return ev.Seq, nil
}

func (ms *MemoryStore) ReadJournal(_ context.Context, subjectID uuid.UUID, fromSeq int64) ([]Event, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	sub, ok := ms.subjects[subjectID]
	if !ok {
		return nil, ErrUnknownSubject
	}
	if fromSeq < 1 {
		fromSeq = 1
	}
	if fromSeq > int64(len(sub.events)) {
		return nil, nil
	}
	out := make([]Event, len(sub.events[fromSeq-1:]))
	copy(out, sub.events[fromSeq-1:])
	return out, nil
}

func (ms *MemoryStore) Snapshot(_ context.Context, subjectID uuid.UUID) (*Snapshot, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	sub, ok := ms.subjects[subjectID]
	if !ok {
		return nil, ErrUnknownSubject
	}
	if sub.snap == nil {
		snap, err := Replay(subjectID, sub.class, sub.events)
		if err != nil {
			return nil, err
		}
		sub.snap = snap
	}
	return sub.snap.Clone(), nil
}

func (ms *MemoryStore) Invalidate(subjectID uuid.UUID) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if sub, ok := ms.subjects[subjectID]; ok {
		sub.snap = nil
	}
}

var _ Store = (*MemoryStore)(nil)
