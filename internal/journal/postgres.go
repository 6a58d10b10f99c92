package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nabr/verification/internal/scoring"
)

// PostgresStore persists the journal in Postgres. Appends rely on the
// (subject_id, seq) primary key for optimistic concurrency: the row insert
// with seq = expected+1 either wins or collides, and a collision surfaces as
// ErrConflict. Snapshots are folded in-process and cached per subject.
type PostgresStore struct {
	db *sql.DB

	mu    sync.Mutex
	snaps map[uuid.UUID]*Snapshot
}

// Schema for the journal tables. Migration tooling is owned by the platform;
// EnsureSchema exists for development and tests against a scratch database.
const schema = `
CREATE TABLE IF NOT EXISTS verification_subjects (
	subject_id UUID PRIMARY KEY,
	class      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS verification_events (
	subject_id      UUID NOT NULL REFERENCES verification_subjects (subject_id),
	seq             BIGINT NOT NULL,
	at              TIMESTAMPTZ NOT NULL,
	kind            TEXT NOT NULL,
	method          TEXT NOT NULL DEFAULT '',
	actor_subject   TEXT NOT NULL DEFAULT '',
	protocol_run_id TEXT NOT NULL DEFAULT '',
	command_id      TEXT NOT NULL DEFAULT '',
	data            JSONB,
	PRIMARY KEY (subject_id, seq)
);
`

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, snaps: make(map[uuid.UUID]*Snapshot)}
}

// EnsureSchema creates the journal tables if missing.
func (ps *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := ps.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %v: %w", err, ErrStorage)
	}
	return nil
}

func (ps *PostgresStore) EnsureSubject(ctx context.Context, subjectID uuid.UUID, class scoring.SubjectClass) error {
	_, err := ps.db.ExecContext(ctx,
		`INSERT INTO verification_subjects (subject_id, class) VALUES ($1, $2)
		 ON CONFLICT (subject_id) DO NOTHING`,
		subjectID, string(class))
	if err != nil {
		return fmt.Errorf("ensure subject: %v: %w", err, ErrStorage)
	}
	return nil
}

func (ps *PostgresStore) Class(ctx context.Context, subjectID uuid.UUID) (scoring.SubjectClass, error) {
	var class string
	err := ps.db.QueryRowContext(ctx,
		`SELECT class FROM verification_subjects WHERE subject_id = $1`, subjectID).Scan(&class)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownSubject
	}
	if err != nil {
		return "", fmt.Errorf("load class: %v: %w", err, ErrStorage)
	}
	return scoring.SubjectClass(class), nil
}

func (ps *PostgresStore) Append(ctx context.Context, subjectID uuid.UUID, expectedLastSeq int64, ev Event) (int64, error) {
	ev.Seq = expectedLastSeq + 1

	var data []byte
	if ev.Data != nil {
		var err error
		data, err = json.Marshal(ev.Data)
		if err != nil {
			return 0, fmt.Errorf("marshal event data: %w", err)
		}
	}

	_, err := ps.db.ExecContext(ctx,
		`INSERT INTO verification_events
		 (subject_id, seq, at, kind, method, actor_subject, protocol_run_id, command_id, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		subjectID, ev.Seq, ev.At.UTC(), string(ev.Kind), string(ev.Method),
		ev.ActorSubjectID, ev.ProtocolRunID, ev.CommandID, nullableJSON(data))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case "23505": // unique_violation — another writer took this seq
				return 0, ErrConflict
			case "23503": // foreign_key_violation — subject not registered
				return 0, ErrUnknownSubject
			}
		}
		return 0, fmt.Errorf("append event: %v: %w", err, ErrStorage)
	}

	ps.mu.Lock()
	if snap, ok := ps.snaps[subjectID]; ok && snap.LastSeq == expectedLastSeq {
		if err := snap.Apply(&ev); err != nil {
			delete(ps.snaps, subjectID)
		}
	}
	ps.mu.Unlock()

	return ev.Seq, nil
}

func (ps *PostgresStore) ReadJournal(ctx context.Context, subjectID uuid.UUID, fromSeq int64) ([]Event, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	rows, err := ps.db.QueryContext(ctx,
		`SELECT seq, at, kind, method, actor_subject, protocol_run_id, command_id, data
		 FROM verification_events
		 WHERE subject_id = $1 AND seq >= $2
		 ORDER BY seq ASC`,
		subjectID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("read journal: %v: %w", err, ErrStorage)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev   Event
			kind string
			meth string
			data []byte
			at   time.Time
		)
		if err := rows.Scan(&ev.Seq, &at, &kind, &meth, &ev.ActorSubjectID,
			&ev.ProtocolRunID, &ev.CommandID, &data); err != nil {
			return nil, fmt.Errorf("scan event: %v: %w", err, ErrStorage)
		}
		ev.At = at.UTC()
		ev.Kind = Kind(kind)
		ev.Method = scoring.Method(meth)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, fmt.Errorf("decode event data at seq %d: %w", ev.Seq, err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %v: %w", err, ErrStorage)
	}
	return out, nil
}

func (ps *PostgresStore) Snapshot(ctx context.Context, subjectID uuid.UUID) (*Snapshot, error) {
	ps.mu.Lock()
	cached := ps.snaps[subjectID]
	ps.mu.Unlock()

	if cached == nil {
		class, err := ps.Class(ctx, subjectID)
		if err != nil {
			return nil, err
		}
		cached = NewSnapshot(subjectID, class)
	}

	// Fold any events past the cached head. A warm cache reads nothing.
	events, err := ps.ReadJournal(ctx, subjectID, cached.LastSeq+1)
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		cached = cached.Clone()
		for i := range events {
			if err := cached.Apply(&events[i]); err != nil {
				return nil, err
			}
		}
	}

	ps.mu.Lock()
	ps.snaps[subjectID] = cached
	ps.mu.Unlock()

	return cached.Clone(), nil
}

func (ps *PostgresStore) Invalidate(subjectID uuid.UUID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.snaps, subjectID)
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ Store = (*PostgresStore)(nil)
