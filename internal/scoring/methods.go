// Package scoring implements the progressive-trust scoring model: the static
// method→points table, level thresholds, decay, applicability per subject
// class, and next-level path suggestions. Pure functions, no I/O.
package scoring

import "sort"

// SubjectClass is the registration class of a subject.
type SubjectClass string

const (
	ClassIndividual   SubjectClass = "individual"
	ClassBusiness     SubjectClass = "business"
	ClassOrganization SubjectClass = "organization"
)

// Method is a concrete verification protocol whose completion earns points.
type Method string

const (
	MethodEmail                Method = "email"
	MethodPhone                Method = "phone"
	MethodTwoPartyInPerson     Method = "two_party_in_person"
	MethodGovernmentID         Method = "government_id"
	MethodBiometric            Method = "biometric"
	MethodPersonalReference    Method = "personal_reference"
	MethodCommunityAttestation Method = "community_attestation"
	MethodPlatformHistory      Method = "platform_history"
	MethodTransactionHistory   Method = "transaction_history"
	MethodBusinessLicense      Method = "business_license"
	MethodTaxID                Method = "tax_id"
	MethodBusinessAddress      Method = "business_address"
	MethodOwnerVerification    Method = "owner_verification"
	MethodBusinessInsurance    Method = "business_insurance"
	MethodProfessionalLicense  Method = "professional_license"
	MethodBusinessReference    Method = "business_reference"
	MethodCommunityEndorsement Method = "community_endorsement"
	MethodNonprofitStatus      Method = "nonprofit_status"
	MethodOrgBylaws            Method = "org_bylaws"
	MethodBoardVerification    Method = "board_verification"
	MethodMissionAlignment     Method = "mission_alignment"
	MethodOrgReference         Method = "org_reference"
	MethodNotaryVerification   Method = "notary_verification"
)

// Effort is a static per-method effort estimate used only to rank
// suggested next-level paths. Code challenges are cheapest; in-person
// confirmation is the most expensive.
type Effort int

const (
	EffortCodeChallenge Effort = iota + 1
	EffortAutomated
	EffortDocumentReview
	EffortInPerson
)

// MethodScore is the static policy for one verification method.
type MethodScore struct {
	BasePoints          int
	MaxMultiplier       int // distinct completions that count toward score
	DecayDays           int // 0 = no expiry
	RequiresHumanReview bool
	Classes             []SubjectClass
	Effort              Effort
}

func allClasses() []SubjectClass {
	return []SubjectClass{ClassIndividual, ClassBusiness, ClassOrganization}
}

// methodTable is the authoritative constants table. Values can be overridden
// from configuration via Override; the defaults here are the shipped policy.
var methodTable = map[Method]MethodScore{
	MethodEmail: {BasePoints: 30, MaxMultiplier: 1, DecayDays: 365,
		Classes: allClasses(), Effort: EffortCodeChallenge},
	MethodPhone: {BasePoints: 30, MaxMultiplier: 1, DecayDays: 365,
		Classes: allClasses(), Effort: EffortCodeChallenge},
	MethodTwoPartyInPerson: {BasePoints: 150, MaxMultiplier: 1,
		Classes: []SubjectClass{ClassIndividual}, Effort: EffortInPerson},
	MethodGovernmentID: {BasePoints: 100, MaxMultiplier: 1, RequiresHumanReview: true,
		Classes: []SubjectClass{ClassIndividual}, Effort: EffortDocumentReview},
	MethodBiometric: {BasePoints: 80, MaxMultiplier: 1, RequiresHumanReview: true,
		Classes: []SubjectClass{ClassIndividual}, Effort: EffortAutomated},
	MethodPersonalReference: {BasePoints: 50, MaxMultiplier: 3,
		Classes: []SubjectClass{ClassIndividual}, Effort: EffortAutomated},
	MethodCommunityAttestation: {BasePoints: 40, MaxMultiplier: 2,
		Classes: []SubjectClass{ClassIndividual}, Effort: EffortAutomated},
	MethodPlatformHistory: {BasePoints: 25, MaxMultiplier: 1, DecayDays: 365,
		Classes: allClasses(), Effort: EffortAutomated},
	MethodTransactionHistory: {BasePoints: 25, MaxMultiplier: 1, DecayDays: 365,
		Classes: allClasses(), Effort: EffortAutomated},
	MethodBusinessLicense: {BasePoints: 120, MaxMultiplier: 1, RequiresHumanReview: true,
		Classes: []SubjectClass{ClassBusiness}, Effort: EffortDocumentReview},
	MethodTaxID: {BasePoints: 120, MaxMultiplier: 1, RequiresHumanReview: true,
		Classes: []SubjectClass{ClassBusiness, ClassOrganization}, Effort: EffortDocumentReview},
	MethodBusinessAddress: {BasePoints: 60, MaxMultiplier: 1, RequiresHumanReview: true,
		Classes: []SubjectClass{ClassBusiness}, Effort: EffortDocumentReview},
	MethodOwnerVerification: {BasePoints: 80, MaxMultiplier: 1, RequiresHumanReview: true,
		Classes: []SubjectClass{ClassBusiness}, Effort: EffortDocumentReview},
	MethodBusinessInsurance: {BasePoints: 60, MaxMultiplier: 1, RequiresHumanReview: true,
		Classes: []SubjectClass{ClassBusiness}, Effort: EffortDocumentReview},
	MethodProfessionalLicense: {BasePoints: 70, MaxMultiplier: 1, RequiresHumanReview: true,
		Classes: []SubjectClass{ClassIndividual, ClassBusiness}, Effort: EffortDocumentReview},
	MethodBusinessReference: {BasePoints: 40, MaxMultiplier: 2,
		Classes: []SubjectClass{ClassBusiness}, Effort: EffortAutomated},
	MethodCommunityEndorsement: {BasePoints: 40, MaxMultiplier: 2,
		Classes: []SubjectClass{ClassBusiness, ClassOrganization}, Effort: EffortAutomated},
	MethodNonprofitStatus: {BasePoints: 120, MaxMultiplier: 1, RequiresHumanReview: true,
		Classes: []SubjectClass{ClassOrganization}, Effort: EffortDocumentReview},
	MethodOrgBylaws: {BasePoints: 60, MaxMultiplier: 1, RequiresHumanReview: true,
		Classes: []SubjectClass{ClassOrganization}, Effort: EffortDocumentReview},
	MethodBoardVerification: {BasePoints: 80, MaxMultiplier: 1, RequiresHumanReview: true,
		Classes: []SubjectClass{ClassOrganization}, Effort: EffortDocumentReview},
	MethodMissionAlignment: {BasePoints: 40, MaxMultiplier: 1, RequiresHumanReview: true,
		Classes: []SubjectClass{ClassOrganization}, Effort: EffortDocumentReview},
	MethodOrgReference: {BasePoints: 40, MaxMultiplier: 2,
		Classes: []SubjectClass{ClassOrganization}, Effort: EffortAutomated},
	MethodNotaryVerification: {BasePoints: 100, MaxMultiplier: 1, RequiresHumanReview: true,
		Classes: allClasses(), Effort: EffortDocumentReview},
}

// AllMethods returns every known method in lexicographic order. The order is
// the deterministic tie-break for path ranking.
func AllMethods() []Method {
	out := make([]Method, 0, len(methodTable))
	for m := range methodTable {
		out = append(out, m)
	}
	sortMethods(out)
	return out
}

// Lookup returns the static policy for a method. The second return is false
// for unknown methods.
func Lookup(m Method) (MethodScore, bool) {
	ms, ok := methodTable[m]
	return ms, ok
}

// Override replaces the point policy for a method. Called once at startup
// when configuration carries a constants-table override; not safe for
// concurrent use with scoring calls.
func Override(m Method, ms MethodScore) {
	methodTable[m] = ms
}

// Applicable reports whether a method counts for the given subject class.
func Applicable(m Method, class SubjectClass) bool {
	ms, ok := methodTable[m]
	if !ok {
		return false
	}
	for _, c := range ms.Classes {
		if c == class {
			return true
		}
	}
	return false
}

// MaxMultiplier returns how many distinct completions of a method count
// toward the score. Unknown methods return 0.
func MaxMultiplier(m Method) int {
	return methodTable[m].MaxMultiplier
}

// RequiresHumanReview reports whether completions of the method need a
// human adjudication step.
func RequiresHumanReview(m Method) bool {
	return methodTable[m].RequiresHumanReview
}

// DecayDays returns the validity window of a completion in days (0 = never
// expires).
func DecayDays(m Method) int {
	return methodTable[m].DecayDays
}

func sortMethods(ms []Method) {
	sort.Slice(ms, func(i, j int) bool { return ms[i] < ms[j] })
}
