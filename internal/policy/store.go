package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound means no verifier record exists for the subject.
var ErrNotFound = errors.New("policy: verifier record not found")

// RecordStore persists verifier records keyed by verifier subject id. The
// confirmation counter is only ever adjusted through AddConfirmations so the
// update is atomic in every backend.
type RecordStore interface {
	Get(ctx context.Context, verifierID uuid.UUID) (*VerifierRecord, error)
	Put(ctx context.Context, rec *VerifierRecord) error
	AddConfirmations(ctx context.Context, verifierID uuid.UUID, delta int) error
	Revoke(ctx context.Context, verifierID uuid.UUID, reason string, at time.Time) error
}

// MemoryRecordStore is the in-process RecordStore used by tests and
// single-process deployments.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*VerifierRecord
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[uuid.UUID]*VerifierRecord)}
}

func (s *MemoryRecordStore) Get(_ context.Context, verifierID uuid.UUID) (*VerifierRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[verifierID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.Credentials = append([]CredentialKind(nil), rec.Credentials...)
	return &cp, nil
}

func (s *MemoryRecordStore) Put(_ context.Context, rec *VerifierRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Credentials = append([]CredentialKind(nil), rec.Credentials...)
	s.records[rec.SubjectID] = &cp
	return nil
}

func (s *MemoryRecordStore) AddConfirmations(_ context.Context, verifierID uuid.UUID, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[verifierID]
	if !ok {
		return ErrNotFound
	}
	rec.SuccessfulConfirmations += delta
	if rec.SuccessfulConfirmations < 0 {
		rec.SuccessfulConfirmations = 0
	}
	return nil
}

func (s *MemoryRecordStore) Revoke(_ context.Context, verifierID uuid.UUID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[verifierID]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	rec.RevokedAt = &at
	rec.RevocationReason = reason
	return nil
}

var _ RecordStore = (*MemoryRecordStore)(nil)

// PostgresRecordStore keeps verifier records in Postgres. Confirmation
// counters are adjusted with a single UPDATE so concurrent sagas never lose
// increments.
type PostgresRecordStore struct {
	db *sql.DB
}

const recordSchema = `
CREATE TABLE IF NOT EXISTS verifier_records (
	subject_id    UUID PRIMARY KEY,
	credentials   TEXT[] NOT NULL DEFAULT '{}',
	authorized    BOOLEAN NOT NULL DEFAULT TRUE,
	revoked_at    TIMESTAMPTZ,
	revoke_reason TEXT NOT NULL DEFAULT '',
	confirmations INTEGER NOT NULL DEFAULT 0
);
`

func NewPostgresRecordStore(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

func (s *PostgresRecordStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, recordSchema)
	return err
}

func (s *PostgresRecordStore) Get(ctx context.Context, verifierID uuid.UUID) (*VerifierRecord, error) {
	rec := &VerifierRecord{SubjectID: verifierID}
	var creds pq.StringArray
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT credentials, authorized, revoked_at, revoke_reason, confirmations
		 FROM verifier_records WHERE subject_id = $1`, verifierID).
		Scan(&creds, &rec.Authorized, &revokedAt, &rec.RevocationReason, &rec.SuccessfulConfirmations)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load verifier record: %w", err)
	}
	for _, c := range creds {
		rec.Credentials = append(rec.Credentials, CredentialKind(c))
	}
	if revokedAt.Valid {
		t := revokedAt.Time.UTC()
		rec.RevokedAt = &t
	}
	return rec, nil
}

func (s *PostgresRecordStore) Put(ctx context.Context, rec *VerifierRecord) error {
	creds := make(pq.StringArray, len(rec.Credentials))
	for i, c := range rec.Credentials {
		creds[i] = string(c)
	}
	var revokedAt interface{}
	if rec.RevokedAt != nil {
		revokedAt = rec.RevokedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verifier_records
		 (subject_id, credentials, authorized, revoked_at, revoke_reason, confirmations)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (subject_id) DO UPDATE SET
		   credentials = EXCLUDED.credentials,
		   authorized = EXCLUDED.authorized,
		   revoked_at = EXCLUDED.revoked_at,
		   revoke_reason = EXCLUDED.revoke_reason`,
		rec.SubjectID, creds, rec.Authorized, revokedAt,
		rec.RevocationReason, rec.SuccessfulConfirmations)
	if err != nil {
		return fmt.Errorf("store verifier record: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) AddConfirmations(ctx context.Context, verifierID uuid.UUID, delta int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE verifier_records
		 SET confirmations = GREATEST(confirmations + $2, 0)
		 WHERE subject_id = $1`, verifierID, delta)
	if err != nil {
		return fmt.Errorf("adjust confirmations: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresRecordStore) Revoke(ctx context.Context, verifierID uuid.UUID, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE verifier_records SET revoked_at = $2, revoke_reason = $3
		 WHERE subject_id = $1`, verifierID, at.UTC(), reason)
	if err != nil {
		return fmt.Errorf("revoke verifier: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ RecordStore = (*PostgresRecordStore)(nil)
