// Package policy decides whether a subject may act as a verifier for a given
// method. The decision is pure over the verifier's record and snapshot; no
// I/O happens beyond reading those two inputs.
package policy

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nabr/verification/internal/journal"
	"github.com/nabr/verification/internal/scoring"
)

// CredentialKind is a credential that can authorize a subject as a verifier.
type CredentialKind string

const (
	CredentialNotaryPublic          CredentialKind = "notary_public"
	CredentialAttorney              CredentialKind = "attorney"
	CredentialCommunityLeader       CredentialKind = "community_leader"
	CredentialVerifiedBusinessOwner CredentialKind = "verified_business_owner"
	CredentialOrganizationDirector  CredentialKind = "organization_director"
	CredentialGovernmentOfficial    CredentialKind = "government_official"
	CredentialTrustedVerifier       CredentialKind = "trusted_verifier"
)

// DenialReason is the machine-readable reason a verifier was refused.
type DenialReason string

const (
	DenialNotAVerifier       DenialReason = "not_a_verifier"
	DenialBelowMinimumLevel  DenialReason = "below_minimum_level"
	DenialRevoked            DenialReason = "revoked"
	DenialCredentialExpired  DenialReason = "credential_expired"
	DenialMethodNotSupported DenialReason = "method_not_supported"
)

// Denial is returned as the error when authorization is refused.
type Denial struct {
	VerifierID uuid.UUID
	Reason     DenialReason
}

func (d *Denial) Error() string {
	return fmt.Sprintf("verifier %s denied: %s", d.VerifierID, d.Reason)
}

// VerifierRecord holds a verifier's credentials and track record.
type VerifierRecord struct {
	SubjectID               uuid.UUID        `json:"subject_id"`
	Credentials             []CredentialKind `json:"credentials"`
	Authorized              bool             `json:"authorized"`
	RevokedAt               *time.Time       `json:"revoked_at,omitempty"`
	RevocationReason        string           `json:"revocation_reason,omitempty"`
	SuccessfulConfirmations int              `json:"successful_confirmations"`
}

// HasCredential reports whether the record carries the given credential.
// TrustedVerifier is synthetic: held automatically at 50 or more successful
// confirmations regardless of the stored credential list.
func (r *VerifierRecord) HasCredential(k CredentialKind) bool {
	if k == CredentialTrustedVerifier && r.SuccessfulConfirmations >= trustedVerifierThreshold {
		return true
	}
	for _, c := range r.Credentials {
		if c == k {
			return true
		}
	}
	return false
}

// Authorization is the positive result, carrying what the saga records as
// evidence.
type Authorization struct {
	VerifierID    uuid.UUID        `json:"verifier_id"`
	Credentials   []CredentialKind `json:"credentials"`
	Confirmations int              `json:"confirmations"`
}

const trustedVerifierThreshold = 50

// Credentials that qualify a verifier regardless of their own verification
// level.
var autoVerifierCredentials = []CredentialKind{
	CredentialNotaryPublic,
	CredentialAttorney,
	CredentialGovernmentOfficial,
}

// Credentials accepted for the two-party in-person method.
var inPersonCredentials = []CredentialKind{
	CredentialNotaryPublic,
	CredentialAttorney,
	CredentialCommunityLeader,
	CredentialVerifiedBusinessOwner,
	CredentialOrganizationDirector,
	CredentialGovernmentOfficial,
	CredentialTrustedVerifier,
}

// Authorize evaluates the verifier rules in order; the first matching rule
// wins. snap may be nil when the verifier has no journal yet, which counts
// as Unverified.
func Authorize(rec *VerifierRecord, snap *journal.Snapshot, target scoring.Method, now time.Time) (*Authorization, error) {
	if rec == nil {
		return nil, &Denial{Reason: DenialNotAVerifier}
	}
	// A set revocation denies immediately, whatever its timestamp says.
	if rec.RevokedAt != nil {
		return nil, &Denial{VerifierID: rec.SubjectID, Reason: DenialRevoked}
	}

	level := scoring.LevelUnverified
	if snap != nil {
		level = snap.Level
	}
	if level < scoring.LevelStandard && !hasAny(rec, autoVerifierCredentials) {
		return nil, &Denial{VerifierID: rec.SubjectID, Reason: DenialBelowMinimumLevel}
	}

	if target == scoring.MethodTwoPartyInPerson && !hasAny(rec, inPersonCredentials) {
		return nil, &Denial{VerifierID: rec.SubjectID, Reason: DenialNotAVerifier}
	}

	creds := append([]CredentialKind(nil), rec.Credentials...)
	if rec.SuccessfulConfirmations >= trustedVerifierThreshold && !contains(creds, CredentialTrustedVerifier) {
		creds = append(creds, CredentialTrustedVerifier)
	}
	return &Authorization{
		VerifierID:    rec.SubjectID,
		Credentials:   creds,
		Confirmations: rec.SuccessfulConfirmations,
	}, nil
}

func hasAny(rec *VerifierRecord, kinds []CredentialKind) bool {
	for _, k := range kinds {
		if rec.HasCredential(k) {
			return true
		}
	}
	return false
}

func contains(creds []CredentialKind, k CredentialKind) bool {
	for _, c := range creds {
		if c == k {
			return true
		}
	}
	return false
}
