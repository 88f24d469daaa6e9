package export_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/safeharborhq/compliance-vault/internal/export"
	"github.com/safeharborhq/compliance-vault/internal/vault"
)

func seedChain(t *testing.T, store *vault.MemoryStore, tenant string) []*vault.Entry {
	t.Helper()
	l := vault.NewLedger(store)
	var out []*vault.Entry
	reqs := []vault.AppendRequest{
		{Tenant: tenant, EntryType: vault.EntryCalculationFinalized, Payload: map[string]interface{}{"run": "r1"}, Actor: "engine", SubjectID: "emp-1"},
		{Tenant: tenant, EntryType: vault.EntryApprovalGranted, Payload: map[string]interface{}{"by": "cfo"}, Actor: "cfo", SubjectID: "emp-1"},
		{Tenant: tenant, EntryType: vault.EntryWriteBack, Payload: map[string]interface{}{"batch": "b1"}, Actor: "engine", SubjectID: "emp-2"},
	}
	for _, req := range reqs {
		e, err := l.Append(context.Background(), req)
		if err != nil {
			t.Fatalf("seed append: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func TestExportFullChain(t *testing.T) {
	store := vault.NewMemoryStore()
	entries := seedChain(t, store, "org-a")

	pack, err := export.NewExporter(store, nil).Export(context.Background(), "org-a", vault.Filter{}, "auditor@safeharbor")
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}

	m := pack.Manifest
	if !m.ChainValid || !m.Verification.Valid {
		t.Fatalf("expected verified chain in manifest: %+v", m.Verification)
	}
	if m.EntryCount != 3 || len(pack.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", m.EntryCount)
	}
	if m.Verification.EntriesChecked != 3 {
		t.Fatalf("full-chain verification expected, checked %d", m.Verification.EntriesChecked)
	}
	if m.AggregateHash != export.AggregateHash(entries) {
		t.Fatalf("aggregate hash mismatch")
	}
	if m.GeneratedBy != "auditor@safeharbor" {
		t.Fatalf("exporting identity not recorded")
	}
}

func TestExportDeterministicAggregateHash(t *testing.T) {
	store := vault.NewMemoryStore()
	seedChain(t, store, "org-a")

	x := export.NewExporter(store, nil)
	f := vault.Filter{SubjectID: "emp-1"}

	a, err := x.Export(context.Background(), "org-a", f, "auditor")
	if err != nil {
		t.Fatalf("first export: %v", err)
	}
	b, err := x.Export(context.Background(), "org-a", f, "auditor")
	if err != nil {
		t.Fatalf("second export: %v", err)
	}
	if a.Manifest.AggregateHash != b.Manifest.AggregateHash {
		t.Fatalf("repeated export changed aggregate hash: %s vs %s",
			a.Manifest.AggregateHash, b.Manifest.AggregateHash)
	}
	if a.Manifest.EntryCount != 2 {
		t.Fatalf("subject filter should select 2 entries, got %d", a.Manifest.EntryCount)
	}
}

func TestExportFilters(t *testing.T) {
	store := vault.NewMemoryStore()
	seedChain(t, store, "org-a")
	x := export.NewExporter(store, nil)

	byType, err := x.Export(context.Background(), "org-a",
		vault.Filter{EntryTypes: []vault.EntryType{vault.EntryWriteBack}}, "auditor")
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}
	if byType.Manifest.EntryCount != 1 || byType.Entries[0].EntryType != vault.EntryWriteBack {
		t.Fatalf("type filter failed: %+v", byType.Manifest)
	}

	// Verification still covers the whole chain even under a narrow filter.
	if byType.Manifest.Verification.EntriesChecked != 3 {
		t.Fatalf("trust anchor must span the full chain, checked %d",
			byType.Manifest.Verification.EntriesChecked)
	}

	future := time.Now().UTC().Add(time.Hour)
	empty, err := x.Export(context.Background(), "org-a", vault.Filter{From: future}, "auditor")
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}
	if empty.Manifest.EntryCount != 0 {
		t.Fatalf("future window should select nothing")
	}
	if empty.Manifest.AggregateHash != export.AggregateHash(nil) {
		t.Fatalf("empty aggregate hash must still be defined")
	}
}

func TestExportRecordsBrokenChain(t *testing.T) {
	store := vault.NewMemoryStore()
	seedChain(t, store, "org-a")

	// Corrupt the middle entry behind the ledger's back.
	store.Corrupt("org-a", 2, []byte(`{"by":"nobody"}`))

	pack, err := export.NewExporter(store, nil).Export(context.Background(), "org-a", vault.Filter{}, "auditor")
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}
	m := pack.Manifest
	if m.ChainValid {
		t.Fatalf("export silently claimed integrity over a broken chain")
	}
	if m.Verification.FirstBreakSequence != 2 || m.Verification.BreakKind != vault.BreakMutation {
		t.Fatalf("break location not recorded: %+v", m.Verification)
	}
	if m.EntryCount != 3 {
		t.Fatalf("export should still include the entries for investigation")
	}
}

func TestMarshalIsReproducible(t *testing.T) {
	store := vault.NewMemoryStore()
	seedChain(t, store, "org-a")
	pack, err := export.NewExporter(store, nil).Export(context.Background(), "org-a", vault.Filter{}, "auditor")
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}

	a, err := export.Marshal(pack)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	b, err := export.Marshal(pack)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("pack serialization is not reproducible")
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(a, &decoded); err != nil {
		t.Fatalf("pack is not valid JSON: %v", err)
	}
	manifest, ok := decoded["manifest"].(map[string]interface{})
	if !ok || manifest["aggregateHash"] == "" {
		t.Fatalf("serialized pack must surface the aggregate hash")
	}
	if _, ok := manifest["verification"]; !ok {
		t.Fatalf("serialized pack must embed the verification result")
	}
}
