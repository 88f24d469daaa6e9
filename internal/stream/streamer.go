package stream

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/safeharborhq/compliance-vault/internal/canonical"
	"github.com/safeharborhq/compliance-vault/internal/vault"
)

// Producer is the subset of Kafka producer behavior the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) error
	Close() error
}

// Config configures the durable DB-first streamer.
type Config struct {
	// BatchSize is how many entries to claim per poll.
	BatchSize int

	// PollInterval when there is no work.
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent publication of claimed entries.
	MaxConcurrency int
}

// Streamer drains committed vault entries to Kafka:
//   - claims pending entries from the store (FOR UPDATE SKIP LOCKED in the
//     Postgres implementation)
//   - publishes a canonical envelope per entry, keyed by tenant
//   - records success/failure back on the row, so the database drives retries
type Streamer struct {
	store    vault.Store
	producer Producer
	cfg      Config
	wg       sync.WaitGroup
}

func NewStreamer(store vault.Store, producer Producer, cfg Config) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{store: store, producer: producer, cfg: cfg}
}

// Run polls for pending entries until ctx is cancelled. Safe to run in a
// goroutine.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[vault.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[vault.streamer] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		default:
		}

		entries, err := s.store.PendingStreamEntries(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[vault.streamer] claim pending: %v", err)
			sleepCtx(ctx, s.cfg.PollInterval)
			continue
		}
		if len(entries) == 0 {
			sleepCtx(ctx, s.cfg.PollInterval)
			continue
		}

		for _, e := range entries {
			sem <- struct{}{}
			s.wg.Add(1)
			go func(e *vault.Entry) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.publish(ctx, e); err != nil {
					log.Printf("[vault.streamer] publish tenant=%s seq=%d: %v", e.Tenant, e.Sequence, err)
				}
			}(e)
		}
		// Drain the batch before claiming more.
		s.wg.Wait()
	}
}

// publish produces one entry envelope and records the outcome.
func (s *Streamer) publish(parentCtx context.Context, e *vault.Entry) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	envelope := map[string]interface{}{
		"id":             e.ID.String(),
		"tenant":         e.Tenant,
		"sequenceNumber": e.Sequence,
		"entryType":      string(e.EntryType),
		"payload":        e.Payload,
		"payloadHash":    e.PayloadHash,
		"actor":          e.Actor,
		"actorType":      string(e.ActorType),
		"previousHash":   e.PrevHash,
		"entryHash":      e.EntryHash,
		"createdAt":      e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	body, err := canonical.Marshal(envelope)
	if err != nil {
		_ = s.store.MarkStreamResult(parentCtx, e.ID, false, fmt.Sprintf("canonicalize envelope: %v", err))
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	if err := s.producer.Produce(ctx, []byte(e.Tenant), body); err != nil {
		_ = s.store.MarkStreamResult(parentCtx, e.ID, false, fmt.Sprintf("kafka produce: %v", err))
		return fmt.Errorf("kafka produce: %w", err)
	}

	if err := s.store.MarkStreamResult(parentCtx, e.ID, true, ""); err != nil {
		return fmt.Errorf("mark stream success: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
