package journal

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabr/verification/internal/scoring"
)

func mustAppend(t *testing.T, store Store, id uuid.UUID, expected int64, ev Event) int64 {
	t.Helper()
	seq, err := store.Append(context.Background(), id, expected, ev)
	require.NoError(t, err)
	return seq
}

func completedEvent(method scoring.Method, at time.Time) Event {
	return NewMethodCompleted(at, method, uuid.NewString(), "",
		1, []byte("evidence"), scoring.ExpiryFor(method, at))
}

func TestAppendAssignsGapFreeSeq(t *testing.T) {
	store := NewMemoryStore()
	id := uuid.New()
	require.NoError(t, store.EnsureSubject(context.Background(), id, scoring.ClassIndividual))

	now := time.Now().UTC()
	for i := int64(0); i < 5; i++ {
		seq := mustAppend(t, store, id, i, Event{At: now, Kind: KindMethodStarted, Method: scoring.MethodEmail})
		assert.Equal(t, i+1, seq)
	}

	events, err := store.ReadJournal(context.Background(), id, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestAppendConflictOnStaleSeq(t *testing.T) {
	store := NewMemoryStore()
	id := uuid.New()
	require.NoError(t, store.EnsureSubject(context.Background(), id, scoring.ClassIndividual))

	mustAppend(t, store, id, 0, Event{At: time.Now(), Kind: KindMethodStarted, Method: scoring.MethodEmail})

	_, err := store.Append(context.Background(), id, 0,
		Event{At: time.Now(), Kind: KindMethodStarted, Method: scoring.MethodPhone})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAppendUnknownSubject(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Append(context.Background(), uuid.New(), 0, Event{Kind: KindMethodStarted})
	assert.ErrorIs(t, err, ErrUnknownSubject)
}

func TestSnapshotReadYourWrite(t *testing.T) {
	store := NewMemoryStore()
	id := uuid.New()
	require.NoError(t, store.EnsureSubject(context.Background(), id, scoring.ClassIndividual))

	now := time.Now().UTC()
	mustAppend(t, store, id, 0, completedEvent(scoring.MethodEmail, now))

	snap, err := store.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 30, snap.Score)
	assert.Equal(t, scoring.LevelUnverified, snap.Level)
	assert.Equal(t, int64(1), snap.LastSeq)
}

func TestSnapshotEqualsReplay(t *testing.T) {
	store := NewMemoryStore()
	id := uuid.New()
	require.NoError(t, store.EnsureSubject(context.Background(), id, scoring.ClassIndividual))

	now := time.Now().UTC()
	mustAppend(t, store, id, 0, completedEvent(scoring.MethodEmail, now))
	mustAppend(t, store, id, 1, completedEvent(scoring.MethodPhone, now))
	mustAppend(t, store, id, 2, completedEvent(scoring.MethodTwoPartyInPerson, now))

	// Invalidate forces a cold rebuild; it must match the warm fold.
	warm, err := store.Snapshot(context.Background(), id)
	require.NoError(t, err)
	store.Invalidate(id)
	cold, err := store.Snapshot(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, warm.Score, cold.Score)
	assert.Equal(t, warm.Level, cold.Level)
	assert.Equal(t, warm.Counts(), cold.Counts())
	assert.Equal(t, 210, cold.Score)
	assert.Equal(t, scoring.LevelMinimal, cold.Level)
}

func TestReplayRejectsSeqGap(t *testing.T) {
	id := uuid.New()
	events := []Event{
		{Seq: 1, Kind: KindMethodStarted, Method: scoring.MethodEmail},
		{Seq: 3, Kind: KindMethodFailed, Method: scoring.MethodEmail},
	}
	_, err := Replay(id, scoring.ClassIndividual, events)
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestReplayRejectsBogusLevelChange(t *testing.T) {
	id := uuid.New()
	now := time.Now().UTC()
	ev := completedEvent(scoring.MethodEmail, now)
	ev.Seq = 1
	levelEv := Event{
		Seq: 2, At: now, Kind: KindLevelChanged,
		Data: map[string]interface{}{"old_level": 0, "new_level": int(scoring.LevelComplete)},
	}
	_, err := Replay(id, scoring.ClassIndividual, []Event{ev, levelEv})
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestRevokeRemovesLatestCompletion(t *testing.T) {
	store := NewMemoryStore()
	id := uuid.New()
	require.NoError(t, store.EnsureSubject(context.Background(), id, scoring.ClassIndividual))

	now := time.Now().UTC()
	mustAppend(t, store, id, 0, completedEvent(scoring.MethodPersonalReference, now))
	mustAppend(t, store, id, 1, completedEvent(scoring.MethodPersonalReference, now))
	mustAppend(t, store, id, 2, Event{At: now, Kind: KindMethodRevoked, Method: scoring.MethodPersonalReference,
		Data: map[string]interface{}{"reason": "reference withdrawn"}})

	snap, err := store.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Counts()[scoring.MethodPersonalReference])
	assert.Equal(t, 50, snap.Score)
}

func TestRevokeThenRecompleteRestoresScore(t *testing.T) {
	store := NewMemoryStore()
	id := uuid.New()
	require.NoError(t, store.EnsureSubject(context.Background(), id, scoring.ClassIndividual))

	now := time.Now().UTC()
	mustAppend(t, store, id, 0, completedEvent(scoring.MethodGovernmentID, now))
	snapBefore, err := store.Snapshot(context.Background(), id)
	require.NoError(t, err)

	mustAppend(t, store, id, 1, Event{At: now, Kind: KindMethodRevoked, Method: scoring.MethodGovernmentID})
	mustAppend(t, store, id, 2, completedEvent(scoring.MethodGovernmentID, now.Add(time.Hour)))

	snapAfter, err := store.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, snapBefore.Score, snapAfter.Score)
	assert.Equal(t, snapBefore.Level, snapAfter.Level)
}

func TestExpiredEventDropsEarliestExpiring(t *testing.T) {
	store := NewMemoryStore()
	id := uuid.New()
	require.NoError(t, store.EnsureSubject(context.Background(), id, scoring.ClassIndividual))

	early := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(30 * 24 * time.Hour)
	mustAppend(t, store, id, 0, completedEvent(scoring.MethodEmail, early))
	mustAppend(t, store, id, 1, completedEvent(scoring.MethodTwoPartyInPerson, early))
	mustAppend(t, store, id, 2, Event{At: late, Kind: KindMethodExpired, Method: scoring.MethodEmail})

	snap, err := store.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, snap.Counts()[scoring.MethodEmail])
	assert.Equal(t, 150, snap.Score)
	// Two-party has no decay and must survive any number of expiry events.
	assert.Equal(t, 1, snap.Counts()[scoring.MethodTwoPartyInPerson])
}

func TestCommandIdempotenceRecorded(t *testing.T) {
	store := NewMemoryStore()
	id := uuid.New()
	require.NoError(t, store.EnsureSubject(context.Background(), id, scoring.ClassIndividual))

	runID := uuid.NewString()
	mustAppend(t, store, id, 0, Event{
		At: time.Now(), Kind: KindMethodStarted, Method: scoring.MethodEmail,
		ProtocolRunID: runID, CommandID: "cmd-1",
	})

	snap, err := store.Snapshot(context.Background(), id)
	require.NoError(t, err)
	res, ok := snap.Commands["cmd-1"]
	require.True(t, ok)
	assert.Equal(t, runID, res.RunID)
	assert.Equal(t, KindMethodStarted, res.Kind)
}

func TestCompletionPayloadSurvivesJSONTypes(t *testing.T) {
	// Persistent stores hand back JSON-decoded payloads: float64 numbers and
	// string timestamps. The fold must read them identically.
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	exp := at.Add(365 * 24 * time.Hour)
	ev := Event{
		Seq: 1, At: at, Kind: KindMethodCompleted, Method: scoring.MethodEmail,
		Data: map[string]interface{}{
			"sequence_index": float64(1),
			"expires_at":     exp.Format(time.RFC3339Nano),
			"evidence":       "eC55QGV4YW1wbGU=",
		},
	}
	snap, err := Replay(uuid.New(), scoring.ClassIndividual, []Event{ev})
	require.NoError(t, err)
	cs := snap.Completions[scoring.MethodEmail]
	require.Len(t, cs, 1)
	assert.Equal(t, 1, cs[0].SequenceIndex)
	require.NotNil(t, cs[0].ExpiresAt)
	assert.True(t, cs[0].ExpiresAt.Equal(exp))
	assert.Equal(t, []byte("x.y@example"), cs[0].EvidenceRef)
}
