package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/safeharborhq/compliance-vault/internal/canonical"
)

// MaxPayloadBytes caps the canonical payload size accepted by the writer.
const MaxPayloadBytes = 1 << 20

// AppendRequest carries one domain event into the ledger. Payload is opaque:
// the writer canonicalizes and hashes it but never interprets it.
type AppendRequest struct {
	Tenant    string
	EntryType EntryType
	Payload   interface{}
	Actor     string
	ActorType ActorType
	SubjectID string
}

// Ledger appends immutable entries to per-tenant hash chains. Sequence
// allocation is delegated to the Store's conditional append, so any number of
// Ledger instances may run concurrently against the same store.
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Append writes one entry. A lost allocation race returns *ConflictError; the
// caller retries (see AppendWithRetry). Malformed requests return
// *ValidationError and must not be retried.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	canon, err := l.validate(req)
	if err != nil {
		return nil, err
	}

	prev := GenesisHash(req.Tenant)
	var seq int64 = 1
	head, err := l.store.HeadEntry(ctx, req.Tenant)
	switch {
	case err == nil:
		prev = head.EntryHash
		seq = head.Sequence + 1
	case err == ErrNotFound:
		// first entry in the chain
	default:
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	actorType := req.ActorType
	if actorType == "" {
		actorType = ActorSystem
	}

	e := &Entry{
		ID:          NewUUID(),
		Tenant:      req.Tenant,
		Sequence:    seq,
		EntryType:   req.EntryType,
		Payload:     canon,
		PayloadHash: HashHex(canon),
		Actor:       req.Actor,
		ActorType:   actorType,
		SubjectID:   req.SubjectID,
		PrevHash:    prev,
		// Truncated to microseconds so the RFC3339Nano rendering used in the
		// hash survives a Postgres timestamptz round trip.
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		Tier:      TierHot,
	}
	e.EntryHash = ComputeEntryHash(e)

	if err := l.store.AppendEntry(ctx, e); err != nil {
		return nil, err
	}
	log.Printf("[vault.ledger] tenant=%s seq=%d type=%s hash=%s", e.Tenant, e.Sequence, e.EntryType, e.EntryHash[:16])
	return e, nil
}

// AppendWithRetry retries Append on sequence conflicts with doubling backoff,
// up to maxAttempts. Exhaustion returns the last conflict: a business action
// whose audit record cannot be written must itself fail.
func (l *Ledger) AppendWithRetry(ctx context.Context, req AppendRequest, maxAttempts int) (*Entry, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		e, err := l.Append(ctx, req)
		if err == nil {
			return e, nil
		}
		if !IsConflict(err) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("append failed after %d attempts: %w", maxAttempts, lastErr)
}

func (l *Ledger) validate(req AppendRequest) ([]byte, error) {
	if req.Tenant == "" {
		return nil, &ValidationError{Reason: "tenant required"}
	}
	if req.Actor == "" {
		return nil, &ValidationError{Reason: "actor required"}
	}
	if !KnownEntryType(req.EntryType) {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown entry type %q", req.EntryType)}
	}
	if req.Payload == nil {
		return nil, &ValidationError{Reason: "payload required"}
	}
	var canon []byte
	var err error
	switch p := req.Payload.(type) {
	// Pre-serialized JSON is recanonicalized as bytes so number text survives
	// exactly as the producer wrote it.
	case json.RawMessage:
		canon, err = canonical.Recanonicalize(p)
	case []byte:
		canon, err = canonical.Recanonicalize(p)
	default:
		canon, err = canonical.Marshal(req.Payload)
	}
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("payload does not canonicalize: %v", err)}
	}
	if len(canon) > MaxPayloadBytes {
		return nil, &ValidationError{Reason: fmt.Sprintf("payload %d bytes exceeds limit %d", len(canon), MaxPayloadBytes)}
	}
	return canon, nil
}
