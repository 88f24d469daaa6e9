// package export assembles audit packs: a filtered view of a tenant's entries
// bundled with a full-chain verification result, packaged so an external
// auditor can independently confirm nothing was altered or omitted.
package export

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/safeharborhq/compliance-vault/internal/archive"
	"github.com/safeharborhq/compliance-vault/internal/canonical"
	"github.com/safeharborhq/compliance-vault/internal/vault"
)

const packVersion = "1.0.0"

// Manifest describes the pack contents. AggregateHash covers the ordered list
// of included entry hashes, so identical chain state and filter always yield
// an identical aggregate regardless of when the export ran.
type Manifest struct {
	PackID        string                   `json:"packId"`
	Version       string                   `json:"version"`
	Tenant        string                   `json:"tenant"`
	Filter        vault.Filter             `json:"filter"`
	EntryCount    int                      `json:"entryCount"`
	AggregateHash string                   `json:"aggregateHash"`
	GeneratedAt   time.Time                `json:"generatedAt"`
	GeneratedBy   string                   `json:"generatedBy"`
	ChainValid    bool                     `json:"chainValid"`
	Verification  vault.VerificationResult `json:"verification"`
}

// AuditPack is a derived, read-only snapshot. It is never chained or written
// back into the ledger.
type AuditPack struct {
	Manifest Manifest       `json:"manifest"`
	Entries  []*vault.Entry `json:"entries"`
}

// Exporter builds audit packs. The archiver is optional; when present,
// serialized packs can be pushed to object storage.
type Exporter struct {
	store    vault.Store
	verifier *vault.Verifier
	archiver archive.Archiver
}

func NewExporter(store vault.Store, archiver archive.Archiver) *Exporter {
	return &Exporter{
		store:    store,
		verifier: vault.NewVerifier(store),
		archiver: archiver,
	}
}

// Export verifies the tenant's entire chain (not just the filtered subset),
// then selects matching entries and seals them under an aggregate hash. A
// failed verification does not abort the export: the manifest records the
// break so the pack can never silently claim integrity it does not have.
func (x *Exporter) Export(ctx context.Context, tenant string, f vault.Filter, generatedBy string) (*AuditPack, error) {
	verification, err := x.verifier.VerifyChain(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("verify chain: %w", err)
	}
	if !verification.Valid {
		log.Printf("[vault.export] tenant=%s exporting over broken chain: %s at %d",
			tenant, verification.BreakKind, verification.FirstBreakSequence)
	}

	entries, err := x.store.ListEntries(ctx, tenant, f, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}

	pack := &AuditPack{
		Manifest: Manifest{
			PackID:        uuid.New().String(),
			Version:       packVersion,
			Tenant:        tenant,
			Filter:        f,
			EntryCount:    len(entries),
			AggregateHash: AggregateHash(entries),
			GeneratedAt:   time.Now().UTC(),
			GeneratedBy:   generatedBy,
			ChainValid:    verification.Valid,
			Verification:  verification,
		},
		Entries: entries,
	}
	return pack, nil
}

// ExportAndStore serializes the pack canonically and uploads it, returning the
// pack and its object key.
func (x *Exporter) ExportAndStore(ctx context.Context, tenant string, f vault.Filter, generatedBy string) (*AuditPack, string, error) {
	pack, err := x.Export(ctx, tenant, f, generatedBy)
	if err != nil {
		return nil, "", err
	}
	if x.archiver == nil {
		return pack, "", nil
	}
	data, err := Marshal(pack)
	if err != nil {
		return nil, "", err
	}
	key, err := x.archiver.StorePack(ctx, tenant, pack.Manifest.PackID, data)
	if err != nil {
		return nil, "", fmt.Errorf("store pack: %w", err)
	}
	return pack, key, nil
}

// Marshal serializes a pack as canonical JSON so the artifact bytes are
// reproducible given identical content.
func Marshal(p *AuditPack) ([]byte, error) {
	b, err := canonical.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("canonicalize pack: %w", err)
	}
	return b, nil
}

// AggregateHash seals the ordered list of entry hashes. A recipient recomputes
// it from the included entries to confirm none were dropped or reordered.
func AggregateHash(entries []*vault.Entry) string {
	hashes := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = e.EntryHash
	}
	return vault.HashHex([]byte(strings.Join(hashes, "\n")))
}
