package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/safeharborhq/compliance-vault/internal/vault"
)

// fakeProducer implements Producer for tests.
type fakeProducer struct {
	produceFunc func(ctx context.Context, key, value []byte) error
	messages    [][]byte
	keys        []string
}

func (f *fakeProducer) Produce(ctx context.Context, key, value []byte) error {
	if f.produceFunc != nil {
		if err := f.produceFunc(ctx, key, value); err != nil {
			return err
		}
	}
	f.keys = append(f.keys, string(key))
	f.messages = append(f.messages, value)
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func seedEntries(t *testing.T, store *vault.MemoryStore, tenant string, n int) {
	t.Helper()
	l := vault.NewLedger(store)
	for i := 0; i < n; i++ {
		_, err := l.Append(context.Background(), vault.AppendRequest{
			Tenant:    tenant,
			EntryType: vault.EntryCalculationFinalized,
			Payload:   map[string]interface{}{"i": i},
			Actor:     "seeder",
		})
		if err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}
}

func TestPublishSuccess(t *testing.T) {
	store := vault.NewMemoryStore()
	seedEntries(t, store, "org-a", 2)

	prod := &fakeProducer{}
	s := NewStreamer(store, prod, Config{BatchSize: 10, MaxConcurrency: 1})

	entries, err := store.PendingStreamEntries(context.Background(), 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 pending entries, got %d", len(entries))
	}
	for _, e := range entries {
		if err := s.publish(context.Background(), e); err != nil {
			t.Fatalf("publish error: %v", err)
		}
	}

	if len(prod.messages) != 2 {
		t.Fatalf("expected 2 produced messages, got %d", len(prod.messages))
	}
	for _, k := range prod.keys {
		if k != "org-a" {
			t.Fatalf("message not keyed by tenant: %q", k)
		}
	}

	var envelope map[string]interface{}
	if err := json.Unmarshal(prod.messages[0], &envelope); err != nil {
		t.Fatalf("envelope not valid JSON: %v", err)
	}
	for _, field := range []string{"tenant", "sequenceNumber", "entryHash", "previousHash", "payload"} {
		if _, ok := envelope[field]; !ok {
			t.Fatalf("envelope missing %q: %s", field, prod.messages[0])
		}
	}

	// Nothing left pending after success.
	rest, err := store.PendingStreamEntries(context.Background(), 10)
	if err != nil {
		t.Fatalf("claim rest: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected empty pending queue, got %d", len(rest))
	}
}

func TestPublishFailureRequeues(t *testing.T) {
	store := vault.NewMemoryStore()
	seedEntries(t, store, "org-a", 1)

	prod := &fakeProducer{
		produceFunc: func(ctx context.Context, key, value []byte) error {
			return errors.New("broker down")
		},
	}
	s := NewStreamer(store, prod, Config{})

	entries, err := store.PendingStreamEntries(context.Background(), 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.publish(context.Background(), entries[0]); err == nil {
		t.Fatalf("expected publish error")
	}

	// Failed entry is back in the queue for the next poll.
	again, err := store.PendingStreamEntries(context.Background(), 1)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(again) != 1 || again[0].ID != entries[0].ID {
		t.Fatalf("failed entry not requeued")
	}
}
