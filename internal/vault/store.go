package vault

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence abstraction the vault is defined above. The store
// owns sequence allocation: AppendEntry is conditional on (tenant, sequence)
// uniqueness so the single-writer-per-chain guarantee holds across multiple service
// instances without in-process coordination.
type Store interface {
	// AppendEntry persists a fully-populated entry as one atomic unit.
	// Returns *ConflictError if the (tenant, sequence) slot is already taken.
	AppendEntry(ctx context.Context, e *Entry) error

	// HeadEntry returns the highest-sequence entry for a tenant, or
	// ErrNotFound when the chain is empty.
	HeadEntry(ctx context.Context, tenant string) (*Entry, error)

	// GetEntry fetches one entry by (tenant, sequence).
	GetEntry(ctx context.Context, tenant string, seq int64) (*Entry, error)

	// RangeEntries returns entries with from <= sequence <= to in ascending
	// sequence order. to <= 0 means "through the head".
	RangeEntries(ctx context.Context, tenant string, from, to int64) ([]*Entry, error)

	// ListEntries returns filtered entries in ascending sequence order.
	ListEntries(ctx context.Context, tenant string, f Filter, limit, offset int) ([]*Entry, error)

	// CountEntries returns the number of entries in a tenant's chain.
	CountEntries(ctx context.Context, tenant string) (int64, error)

	// Tenants lists every tenant with at least one entry.
	Tenants(ctx context.Context) ([]string, error)

	// RetentionPolicy returns the tenant's policy, or ErrNotFound when none
	// has been set (callers apply the default).
	RetentionPolicy(ctx context.Context, tenant string) (RetentionPolicy, error)

	// SetRetentionPolicy upserts a tenant's retention policy.
	SetRetentionPolicy(ctx context.Context, p RetentionPolicy) error

	// SetEntryHold flips the legal-hold flag on a single entry.
	SetEntryHold(ctx context.Context, tenant string, seq int64, hold bool) error

	// ArchivalCandidates returns hot-tier entries created at or before the
	// cutoff with sequence greater than afterSeq, ascending by sequence,
	// capped at limit. afterSeq is the pagination cursor: held entries stay
	// hot, so without it a page full of holds would be refetched forever.
	ArchivalCandidates(ctx context.Context, tenant string, cutoff time.Time, afterSeq int64, limit int) ([]*Entry, error)

	// MarkArchived records the tier change for one entry. Metadata only:
	// payload, hashes and sequence are untouched.
	MarkArchived(ctx context.Context, tenant string, seq int64, archiveKey string, at time.Time) error

	// RetentionSummary reports retention state counts for a tenant.
	RetentionSummary(ctx context.Context, tenant string, cutoff time.Time) (RetentionSummary, error)

	// PendingStreamEntries claims up to limit entries awaiting publication to
	// the event stream.
	PendingStreamEntries(ctx context.Context, limit int) ([]*Entry, error)

	// MarkStreamResult records the outcome of publishing one entry.
	MarkStreamResult(ctx context.Context, id uuid.UUID, ok bool, errMsg string) error

	// Ping validates the store is reachable.
	Ping(ctx context.Context) error
}

// RetentionSummary is the per-tenant retention dashboard shape.
type RetentionSummary struct {
	Tenant   string `json:"tenant"`
	Total    int64  `json:"total"`
	Hot      int64  `json:"hot"`
	Cold     int64  `json:"cold"`
	Held     int64  `json:"held"`
	Eligible int64  `json:"eligible"`
}
