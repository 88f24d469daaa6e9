// package retention sweeps per-tenant chains and moves entries whose retention
// window has elapsed to the cold storage tier. It mutates tier and hold
// metadata only; entry content, hashes and sequence numbers are never touched,
// so a sweep can run concurrently with verification and export.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/safeharborhq/compliance-vault/internal/archive"
	"github.com/safeharborhq/compliance-vault/internal/vault"
)

// ErrSweepRunning is returned when a sweep for the tenant is already in
// flight. Overlapping sweeps are wasteful rather than unsafe; callers just
// try again later.
var ErrSweepRunning = errors.New("retention: sweep already running for tenant")

const candidateBatchSize = 500

// Summary reports one sweep.
type Summary struct {
	Tenant   string    `json:"tenant"`
	Scanned  int       `json:"scanned"`
	Archived int       `json:"archived"`
	Held     int       `json:"held"`
	Skipped  int       `json:"skipped"`
	Cutoff   time.Time `json:"cutoff"`
}

// Manager runs retention sweeps. The archiver is optional: when present,
// cold-tier entries get a canonical copy in object storage before the tier
// flip is recorded.
type Manager struct {
	store         vault.Store
	archiver      archive.Archiver
	defaultPeriod time.Duration

	mu      sync.Mutex
	running map[string]bool
}

func NewManager(store vault.Store, archiver archive.Archiver, defaultPeriodDays int) *Manager {
	if defaultPeriodDays <= 0 {
		defaultPeriodDays = vault.DefaultRetentionDays
	}
	return &Manager{
		store:         store,
		archiver:      archiver,
		defaultPeriod: time.Duration(defaultPeriodDays) * 24 * time.Hour,
		running:       map[string]bool{},
	}
}

// Evaluate sweeps one tenant. Any ambiguity about hold state fails closed:
// the affected entries stay hot and the sweep reports them as skipped.
func (m *Manager) Evaluate(ctx context.Context, tenant string) (Summary, error) {
	if !m.acquire(tenant) {
		return Summary{Tenant: tenant}, ErrSweepRunning
	}
	defer m.release(tenant)

	sum := Summary{Tenant: tenant}

	policy, err := m.policy(ctx, tenant)
	if err != nil {
		// Unknown hold state for the whole tenant: archive nothing.
		return sum, &vault.RetentionPolicyError{Tenant: tenant, Reason: err.Error()}
	}
	sum.Cutoff = time.Now().UTC().Add(-policy.Period)

	if policy.HoldAllEntries {
		log.Printf("[vault.retention] tenant=%s under scope hold, sweep skipped", tenant)
		return sum, nil
	}

	// Held and failed entries stay hot, so the cursor (not the tier flip) is
	// what moves the scan forward. Without it a page full of holds would be
	// refetched forever and anything past it never evaluated.
	var afterSeq int64
	for {
		candidates, err := m.store.ArchivalCandidates(ctx, tenant, sum.Cutoff, afterSeq, candidateBatchSize)
		if err != nil {
			return sum, fmt.Errorf("list archival candidates: %w", err)
		}

		for _, e := range candidates {
			afterSeq = e.Sequence
			sum.Scanned++

			if e.LegalHold {
				sum.Held++
				continue
			}
			if err := m.archiveOne(ctx, e); err != nil {
				sum.Skipped++
				log.Printf("[vault.retention] tenant=%s seq=%d: %v", tenant, e.Sequence, err)
				continue
			}
			sum.Archived++
		}
		if len(candidates) < candidateBatchSize {
			break
		}
	}

	log.Printf("[vault.retention] tenant=%s swept: scanned=%d archived=%d held=%d skipped=%d",
		tenant, sum.Scanned, sum.Archived, sum.Held, sum.Skipped)
	return sum, nil
}

// Summary reports retention state without mutating anything.
func (m *Manager) Summary(ctx context.Context, tenant string) (vault.RetentionSummary, error) {
	policy, err := m.policy(ctx, tenant)
	if err != nil {
		return vault.RetentionSummary{}, &vault.RetentionPolicyError{Tenant: tenant, Reason: err.Error()}
	}
	cutoff := time.Now().UTC().Add(-policy.Period)
	s, err := m.store.RetentionSummary(ctx, tenant, cutoff)
	if err != nil {
		return vault.RetentionSummary{}, err
	}
	if policy.HoldAllEntries {
		// A scope hold suppresses eligibility wholesale.
		s.Held = s.Total
		s.Eligible = 0
	}
	return s, nil
}

// Run drives periodic sweeps over every known tenant until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tenants, err := m.store.Tenants(ctx)
			if err != nil {
				log.Printf("[vault.retention] list tenants: %v", err)
				continue
			}
			for _, tenant := range tenants {
				if _, err := m.Evaluate(ctx, tenant); err != nil && !errors.Is(err, ErrSweepRunning) {
					log.Printf("[vault.retention] sweep tenant=%s: %v", tenant, err)
				}
			}
		}
	}
}

func (m *Manager) archiveOne(ctx context.Context, e *vault.Entry) error {
	var key string
	if m.archiver != nil {
		k, err := m.archiver.ArchiveEntry(ctx, e)
		if err != nil {
			return fmt.Errorf("archive entry: %w", err)
		}
		key = k
	}
	err := m.store.MarkArchived(ctx, e.Tenant, e.Sequence, key, time.Now().UTC())
	if err == vault.ErrNotFound {
		// Already cold: an overlapping sweep got there first.
		return nil
	}
	return err
}

func (m *Manager) policy(ctx context.Context, tenant string) (vault.RetentionPolicy, error) {
	p, err := m.store.RetentionPolicy(ctx, tenant)
	if err == vault.ErrNotFound {
		return vault.RetentionPolicy{
			Tenant: tenant,
			Period: m.defaultPeriod,
		}, nil
	}
	if err != nil {
		return vault.RetentionPolicy{}, err
	}
	if p.Period <= 0 {
		p.Period = m.defaultPeriod
	}
	return p, nil
}

func (m *Manager) acquire(tenant string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running[tenant] {
		return false
	}
	m.running[tenant] = true
	return true
}

func (m *Manager) release(tenant string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, tenant)
}
