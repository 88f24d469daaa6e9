package vault

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for dev and tests. Append is conditional
// on the (tenant, sequence) slot being free, matching the Postgres unique
// constraint, so writer races behave the same as in production.
type MemoryStore struct {
	mu       sync.RWMutex
	chains   map[string][]*Entry // per tenant, index i holds sequence i+1
	policies map[string]RetentionPolicy
	pending  []uuid.UUID // stream queue, append order
	streamed map[uuid.UUID]string

	// HoldCheckErr, when set, is returned by RetentionPolicy to exercise the
	// fail-closed path in retention tests.
	HoldCheckErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains:   map[string][]*Entry{},
		policies: map[string]RetentionPolicy{},
		streamed: map[uuid.UUID]string{},
	}
}

func copyEntry(e *Entry) *Entry {
	dup := *e
	dup.Payload = append([]byte(nil), e.Payload...)
	if e.ArchivedAt != nil {
		at := *e.ArchivedAt
		dup.ArchivedAt = &at
	}
	return &dup
}

func (m *MemoryStore) AppendEntry(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[e.Tenant]
	if e.Sequence != int64(len(chain))+1 {
		return &ConflictError{Tenant: e.Tenant, Sequence: e.Sequence}
	}
	m.chains[e.Tenant] = append(chain, copyEntry(e))
	m.pending = append(m.pending, e.ID)
	return nil
}

func (m *MemoryStore) HeadEntry(ctx context.Context, tenant string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[tenant]
	if len(chain) == 0 {
		return nil, ErrNotFound
	}
	return copyEntry(chain[len(chain)-1]), nil
}

func (m *MemoryStore) GetEntry(ctx context.Context, tenant string, seq int64) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[tenant]
	if seq < 1 || seq > int64(len(chain)) {
		return nil, ErrNotFound
	}
	return copyEntry(chain[seq-1]), nil
}

func (m *MemoryStore) RangeEntries(ctx context.Context, tenant string, from, to int64) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[tenant]
	if from < 1 {
		from = 1
	}
	if to <= 0 || to > int64(len(chain)) {
		to = int64(len(chain))
	}
	var out []*Entry
	for i := from; i <= to; i++ {
		out = append(out, copyEntry(chain[i-1]))
	}
	return out, nil
}

func (m *MemoryStore) ListEntries(ctx context.Context, tenant string, f Filter, limit, offset int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	skipped := 0
	for _, e := range m.chains[tenant] {
		if !f.Matches(e) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, copyEntry(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) CountEntries(ctx context.Context, tenant string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.chains[tenant])), nil
}

func (m *MemoryStore) Tenants(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.chains))
	for t := range m.chains {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) RetentionPolicy(ctx context.Context, tenant string) (RetentionPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.HoldCheckErr != nil {
		return RetentionPolicy{}, m.HoldCheckErr
	}
	p, ok := m.policies[tenant]
	if !ok {
		return RetentionPolicy{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) SetRetentionPolicy(ctx context.Context, p RetentionPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.Tenant] = p
	return nil
}

func (m *MemoryStore) SetEntryHold(ctx context.Context, tenant string, seq int64, hold bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[tenant]
	if seq < 1 || seq > int64(len(chain)) {
		return ErrNotFound
	}
	chain[seq-1].LegalHold = hold
	return nil
}

func (m *MemoryStore) ArchivalCandidates(ctx context.Context, tenant string, cutoff time.Time, afterSeq int64, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, e := range m.chains[tenant] {
		if e.Sequence <= afterSeq || e.Tier != TierHot || e.CreatedAt.After(cutoff) {
			continue
		}
		out = append(out, copyEntry(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkArchived(ctx context.Context, tenant string, seq int64, archiveKey string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[tenant]
	if seq < 1 || seq > int64(len(chain)) {
		return ErrNotFound
	}
	e := chain[seq-1]
	e.Tier = TierCold
	e.ArchiveKey = archiveKey
	ts := at
	e.ArchivedAt = &ts
	return nil
}

func (m *MemoryStore) RetentionSummary(ctx context.Context, tenant string, cutoff time.Time) (RetentionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := RetentionSummary{Tenant: tenant}
	for _, e := range m.chains[tenant] {
		s.Total++
		switch e.Tier {
		case TierCold:
			s.Cold++
		default:
			s.Hot++
		}
		if e.LegalHold {
			s.Held++
			continue
		}
		if e.Tier == TierHot && !e.CreatedAt.After(cutoff) {
			s.Eligible++
		}
	}
	return s, nil
}

func (m *MemoryStore) PendingStreamEntries(ctx context.Context, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	var rest []uuid.UUID
	for i, id := range m.pending {
		if limit > 0 && len(out) >= limit {
			rest = append(rest, m.pending[i:]...)
			break
		}
		if e := m.findByID(id); e != nil {
			out = append(out, copyEntry(e))
		}
	}
	m.pending = rest
	return out, nil
}

func (m *MemoryStore) MarkStreamResult(ctx context.Context, id uuid.UUID, ok bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.streamed[id] = ""
		return nil
	}
	m.streamed[id] = errMsg
	m.pending = append(m.pending, id)
	return nil
}

// Backdate rewrites an entry's creation time so tests can age entries past a
// retention window. Not part of the Store interface.
func (m *MemoryStore) Backdate(tenant string, seq int64, to time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[tenant]
	if seq >= 1 && seq <= int64(len(chain)) {
		chain[seq-1].CreatedAt = to
	}
}

// Corrupt overwrites a stored entry's payload in place, bypassing the append
// path. Test helper for exercising tamper detection.
func (m *MemoryStore) Corrupt(tenant string, seq int64, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[tenant]
	if seq >= 1 && seq <= int64(len(chain)) {
		chain[seq-1].Payload = append([]byte(nil), payload...)
	}
}

func (m *MemoryStore) findByID(id uuid.UUID) *Entry {
	for _, chain := range m.chains {
		for _, e := range chain {
			if e.ID == id {
				return e
			}
		}
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
