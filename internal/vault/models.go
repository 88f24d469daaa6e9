// package vault contains the append-only compliance ledger: models, hash
// chaining, the writer and the verifier. Entries are immutable once persisted;
// the only mutable state is retention metadata (storage tier and legal holds).
package vault

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EntryType classifies the domain event a vault entry records.
type EntryType string

const (
	EntryCalculationFinalized   EntryType = "calculation_finalized"
	EntryCalculationCorrected   EntryType = "calculation_corrected"
	EntryClassification         EntryType = "ttoc_classified"
	EntryClassificationOverride EntryType = "ttoc_overridden"
	EntryClassificationVerified EntryType = "ttoc_verified"
	EntryApprovalSubmitted      EntryType = "approval_submitted"
	EntryApprovalGranted        EntryType = "approval_granted"
	EntryApprovalRejected       EntryType = "approval_rejected"
	EntryWriteBack              EntryType = "payroll_write_back"
	EntryIntegrationSync        EntryType = "integration_sync"
	EntryConfigChanged          EntryType = "config_changed"
	EntryAuditPackGenerated     EntryType = "audit_pack_generated"
)

// knownEntryTypes is the closed set accepted by the writer.
var knownEntryTypes = map[EntryType]struct{}{
	EntryCalculationFinalized:   {},
	EntryCalculationCorrected:   {},
	EntryClassification:         {},
	EntryClassificationOverride: {},
	EntryClassificationVerified: {},
	EntryApprovalSubmitted:      {},
	EntryApprovalGranted:        {},
	EntryApprovalRejected:       {},
	EntryWriteBack:              {},
	EntryIntegrationSync:        {},
	EntryConfigChanged:          {},
	EntryAuditPackGenerated:     {},
}

// ActorType records what kind of principal triggered an entry.
type ActorType string

const (
	ActorUser        ActorType = "user"
	ActorSystem      ActorType = "system"
	ActorIntegration ActorType = "integration"
	ActorCalcEngine  ActorType = "calculation_engine"
)

// StorageTier is retention metadata; it never affects chain validity.
type StorageTier string

const (
	TierHot  StorageTier = "hot"
	TierCold StorageTier = "cold"
)

// Entry is the unit of record. Payload holds the canonical JSON bytes produced
// at append time; hashing always operates on those exact bytes so the entry
// hash is recomputable by anyone holding the row.
type Entry struct {
	ID          uuid.UUID       `json:"id"`
	Tenant      string          `json:"tenant"`
	Sequence    int64           `json:"sequenceNumber"`
	EntryType   EntryType       `json:"entryType"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payloadHash"`
	Actor       string          `json:"actor"`
	ActorType   ActorType       `json:"actorType"`
	SubjectID   string          `json:"subjectId,omitempty"`
	PrevHash    string          `json:"previousHash"`
	EntryHash   string          `json:"entryHash"`
	CreatedAt   time.Time       `json:"createdAt"`

	// Retention metadata, mutable via the retention manager only.
	Tier       StorageTier `json:"storageTier"`
	LegalHold  bool        `json:"legalHold"`
	ArchiveKey string      `json:"archiveKey,omitempty"`
	ArchivedAt *time.Time  `json:"archivedAt,omitempty"`
}

// BreakKind identifies what the verifier detected at the first broken entry.
type BreakKind string

const (
	// BreakGap: sequence numbers are not contiguous.
	BreakGap BreakKind = "gap"
	// BreakLink: previous_hash does not match the prior entry's hash.
	BreakLink BreakKind = "link"
	// BreakMutation: the stored entry hash does not match a recomputation.
	BreakMutation BreakKind = "mutation"
)

// VerificationResult reports a chain walk. FirstBreakSequence is zero when the
// chain is intact.
type VerificationResult struct {
	Tenant             string    `json:"tenant"`
	Valid              bool      `json:"isValid"`
	EntriesChecked     int64     `json:"entriesChecked"`
	FirstBreakSequence int64     `json:"firstBreakSequence,omitempty"`
	BreakKind          BreakKind `json:"breakKind,omitempty"`
	Message            string    `json:"message"`
	VerifiedAt         time.Time `json:"verifiedAt"`
}

// RetentionPolicy is per-tenant retention configuration.
type RetentionPolicy struct {
	Tenant         string        `json:"tenant"`
	Period         time.Duration `json:"-"`
	PeriodDays     int           `json:"periodDays"`
	HoldAllEntries bool          `json:"holdAllEntries"`
}

// DefaultRetentionDays is the IRS retention floor: seven years.
const DefaultRetentionDays = 7 * 365

// Filter selects entries for listing and export.
type Filter struct {
	From       time.Time   `json:"from,omitempty"`
	To         time.Time   `json:"to,omitempty"`
	SubjectID  string      `json:"subjectId,omitempty"`
	EntryTypes []EntryType `json:"entryTypes,omitempty"`
}

// Matches reports whether the entry falls inside the filter.
func (f Filter) Matches(e *Entry) bool {
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if len(f.EntryTypes) > 0 {
		found := false
		for _, t := range f.EntryTypes {
			if e.EntryType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// KnownEntryType reports whether t is in the accepted catalog.
func KnownEntryType(t EntryType) bool {
	_, ok := knownEntryTypes[t]
	return ok
}

// NewUUID returns a freshly-generated UUID.
func NewUUID() uuid.UUID {
	return uuid.New()
}
