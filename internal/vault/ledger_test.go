package vault

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

func testAppend(t *testing.T, l *Ledger, tenant string, et EntryType, payload interface{}) *Entry {
	t.Helper()
	e, err := l.Append(context.Background(), AppendRequest{
		Tenant:    tenant,
		EntryType: et,
		Payload:   payload,
		Actor:     "test-actor",
		ActorType: ActorSystem,
	})
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	return e
}

func TestAppendChainsSequencesAndHashes(t *testing.T) {
	store := NewMemoryStore()
	l := NewLedger(store)

	e1 := testAppend(t, l, "org-a", EntryCalculationFinalized, map[string]interface{}{"run": "r1"})
	e2 := testAppend(t, l, "org-a", EntryApprovalGranted, map[string]interface{}{"by": "cfo"})
	e3 := testAppend(t, l, "org-a", EntryWriteBack, map[string]interface{}{"batch": "b9"})

	if e1.Sequence != 1 || e2.Sequence != 2 || e3.Sequence != 3 {
		t.Fatalf("sequences not contiguous: %d %d %d", e1.Sequence, e2.Sequence, e3.Sequence)
	}
	if e1.PrevHash != GenesisHash("org-a") {
		t.Fatalf("first entry prev hash is not the tenant genesis")
	}
	if e2.PrevHash != e1.EntryHash || e3.PrevHash != e2.EntryHash {
		t.Fatalf("previous-hash linkage broken")
	}
	for _, e := range []*Entry{e1, e2, e3} {
		if ComputeEntryHash(e) != e.EntryHash {
			t.Fatalf("entry hash not recomputable for seq %d", e.Sequence)
		}
		if HashHex(e.Payload) != e.PayloadHash {
			t.Fatalf("payload hash mismatch for seq %d", e.Sequence)
		}
		if e.Tier != TierHot {
			t.Fatalf("new entry not hot tier")
		}
	}
}

func TestAppendRecanonicalizesRawPayload(t *testing.T) {
	store := NewMemoryStore()
	l := NewLedger(store)

	// Producer-serialized JSON: unsorted keys, trailing-zero decimals. Stored
	// bytes must be the canonical form with the number text intact.
	raw := json.RawMessage(`{"net": 1874.50, "gross": 2500.00}`)
	e := testAppend(t, l, "org-a", EntryCalculationFinalized, raw)

	want := `{"gross":2500.00,"net":1874.50}`
	if string(e.Payload) != want {
		t.Fatalf("stored payload not canonical:\n got %s\nwant %s", e.Payload, want)
	}
	if HashHex(e.Payload) != e.PayloadHash {
		t.Fatalf("payload hash not recomputable from stored bytes")
	}

	_, err := l.Append(context.Background(), AppendRequest{
		Tenant:    "org-a",
		EntryType: EntryCalculationFinalized,
		Payload:   []byte(`{"truncated":`),
		Actor:     "test-actor",
	})
	if !IsValidation(err) {
		t.Fatalf("malformed raw payload: expected validation error, got %v", err)
	}
}

func TestAppendTenantsAreIndependent(t *testing.T) {
	store := NewMemoryStore()
	l := NewLedger(store)

	a := testAppend(t, l, "org-a", EntryCalculationFinalized, map[string]interface{}{"v": 1})
	b := testAppend(t, l, "org-b", EntryCalculationFinalized, map[string]interface{}{"v": 1})

	if a.Sequence != 1 || b.Sequence != 1 {
		t.Fatalf("tenant chains share sequence space: %d %d", a.Sequence, b.Sequence)
	}
	if a.PrevHash == b.PrevHash {
		t.Fatalf("genesis values are not tenant-unique")
	}
}

func TestAppendValidation(t *testing.T) {
	l := NewLedger(NewMemoryStore())
	ctx := context.Background()

	cases := []struct {
		name string
		req  AppendRequest
	}{
		{"missing tenant", AppendRequest{EntryType: EntryWriteBack, Payload: map[string]interface{}{}, Actor: "a"}},
		{"missing actor", AppendRequest{Tenant: "t", EntryType: EntryWriteBack, Payload: map[string]interface{}{}}},
		{"unknown type", AppendRequest{Tenant: "t", EntryType: "made_up", Payload: map[string]interface{}{}, Actor: "a"}},
		{"nil payload", AppendRequest{Tenant: "t", EntryType: EntryWriteBack, Actor: "a"}},
		{"non-serializable payload", AppendRequest{Tenant: "t", EntryType: EntryWriteBack, Payload: map[string]interface{}{"ch": make(chan int)}, Actor: "a"}},
	}
	for _, tc := range cases {
		if _, err := l.Append(ctx, tc.req); !IsValidation(err) {
			t.Fatalf("%s: expected ValidationError, got %v", tc.name, err)
		}
	}
}

func TestAppendOversizedPayload(t *testing.T) {
	l := NewLedger(NewMemoryStore())
	big := make([]byte, MaxPayloadBytes+1)
	for i := range big {
		big[i] = 'x'
	}
	_, err := l.Append(context.Background(), AppendRequest{
		Tenant:    "t",
		EntryType: EntryWriteBack,
		Payload:   map[string]interface{}{"blob": string(big)},
		Actor:     "a",
	})
	if !IsValidation(err) {
		t.Fatalf("expected ValidationError for oversized payload, got %v", err)
	}
}

func TestAppendPayloadIsCanonical(t *testing.T) {
	l := NewLedger(NewMemoryStore())
	e := testAppend(t, l, "org-a", EntryClassification, map[string]interface{}{
		"model_id":      "claude-3",
		"prompt_hash":   "abc",
		"response_hash": "def",
		"confidence":    json.Number("0.90"),
	})
	want := `{"confidence":0.90,"model_id":"claude-3","prompt_hash":"abc","response_hash":"def"}`
	if string(e.Payload) != want {
		t.Fatalf("payload not canonical:\nwant %s\ngot  %s", want, e.Payload)
	}
}

func TestConcurrentAppendsNeverShareASequence(t *testing.T) {
	store := NewMemoryStore()
	l := NewLedger(store)

	const writers = 16
	var wg sync.WaitGroup
	seqs := make(chan int64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := l.AppendWithRetry(context.Background(), AppendRequest{
				Tenant:    "org-race",
				EntryType: EntryCalculationFinalized,
				Payload:   map[string]interface{}{"w": true},
				Actor:     "writer",
			}, 50)
			if err != nil {
				t.Errorf("AppendWithRetry error: %v", err)
				return
			}
			seqs <- e.Sequence
		}()
	}
	wg.Wait()
	close(seqs)

	seen := map[int64]bool{}
	n := 0
	for s := range seqs {
		if seen[s] {
			t.Fatalf("duplicate sequence %d", s)
		}
		seen[s] = true
		n++
	}
	if n != writers {
		t.Fatalf("expected %d committed appends, got %d", writers, n)
	}
	for i := int64(1); i <= writers; i++ {
		if !seen[i] {
			t.Fatalf("sequence %d missing: run is not contiguous", i)
		}
	}
}

// racingStore slips a competing append in between the ledger's head read and
// its own append, so the ledger's first attempt always loses the slot.
type racingStore struct {
	*MemoryStore
	raced bool
}

func (r *racingStore) AppendEntry(ctx context.Context, e *Entry) error {
	if !r.raced {
		r.raced = true
		rival := *e
		rival.ID = NewUUID()
		rival.Actor = "rival-writer"
		if err := r.MemoryStore.AppendEntry(ctx, &rival); err != nil {
			return err
		}
	}
	return r.MemoryStore.AppendEntry(ctx, e)
}

func TestAppendLostRaceReturnsConflict(t *testing.T) {
	store := &racingStore{MemoryStore: NewMemoryStore()}
	l := NewLedger(store)

	_, err := l.Append(context.Background(), AppendRequest{
		Tenant:    "org-a",
		EntryType: EntryWriteBack,
		Payload:   map[string]interface{}{},
		Actor:     "a",
	})
	if !IsConflict(err) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestAppendWithRetryRecoversFromConflict(t *testing.T) {
	store := &racingStore{MemoryStore: NewMemoryStore()}
	l := NewLedger(store)

	e, err := l.AppendWithRetry(context.Background(), AppendRequest{
		Tenant:    "org-a",
		EntryType: EntryWriteBack,
		Payload:   map[string]interface{}{},
		Actor:     "a",
	}, 3)
	if err != nil {
		t.Fatalf("AppendWithRetry error: %v", err)
	}
	if e.Sequence != 2 {
		t.Fatalf("expected retry to land at sequence 2 behind the rival, got %d", e.Sequence)
	}
	if head, _ := store.HeadEntry(context.Background(), "org-a"); head.EntryHash != e.EntryHash {
		t.Fatalf("retried entry is not the chain head")
	}
}
