package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PGStore persists vault entries and retention metadata in Postgres.
//
// The payload column is TEXT, not JSONB: jsonb normalizes key order and number
// formatting, which would silently rewrite the canonical bytes the entry hash
// was computed over.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

const entryColumns = `id, tenant, sequence_number, entry_type, payload, payload_hash,
	actor, actor_type, subject_id, prev_hash, entry_hash, created_at,
	tier, legal_hold, archive_key, archived_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e          Entry
		id         string
		payload    string
		subjectID  sql.NullString
		archiveKey sql.NullString
		archivedAt sql.NullTime
	)
	err := row.Scan(&id, &e.Tenant, &e.Sequence, &e.EntryType, &payload, &e.PayloadHash,
		&e.Actor, &e.ActorType, &subjectID, &e.PrevHash, &e.EntryHash, &e.CreatedAt,
		&e.Tier, &e.LegalHold, &archiveKey, &archivedAt)
	if err != nil {
		return nil, err
	}
	e.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse entry id: %w", err)
	}
	e.Payload = []byte(payload)
	if subjectID.Valid {
		e.SubjectID = subjectID.String
	}
	if archiveKey.Valid {
		e.ArchiveKey = archiveKey.String
	}
	if archivedAt.Valid {
		at := archivedAt.Time
		e.ArchivedAt = &at
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// AppendEntry inserts the entry in one statement. The UNIQUE constraint on
// (tenant, sequence_number) is the sequence allocator: a lost race surfaces as
// a unique violation and is mapped to *ConflictError.
func (p *PGStore) AppendEntry(ctx context.Context, e *Entry) error {
	q := `
		INSERT INTO vault_entries
		  (id, tenant, sequence_number, entry_type, payload, payload_hash,
		   actor, actor_type, subject_id, prev_hash, entry_hash, created_at,
		   tier, legal_hold, stream_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,'pending')
	`
	_, err := p.db.ExecContext(ctx, q,
		e.ID.String(), e.Tenant, e.Sequence, string(e.EntryType), string(e.Payload), e.PayloadHash,
		e.Actor, string(e.ActorType), nullString(e.SubjectID), e.PrevHash, e.EntryHash, e.CreatedAt,
		string(e.Tier), e.LegalHold,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return &ConflictError{Tenant: e.Tenant, Sequence: e.Sequence}
		}
		return fmt.Errorf("insert vault entry: %w", err)
	}
	return nil
}

func (p *PGStore) HeadEntry(ctx context.Context, tenant string) (*Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM vault_entries
		WHERE tenant = $1 ORDER BY sequence_number DESC LIMIT 1`
	e, err := scanEntry(p.db.QueryRowContext(ctx, q, tenant))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query chain head: %w", err)
	}
	return e, nil
}

func (p *PGStore) GetEntry(ctx context.Context, tenant string, seq int64) (*Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM vault_entries
		WHERE tenant = $1 AND sequence_number = $2`
	e, err := scanEntry(p.db.QueryRowContext(ctx, q, tenant, seq))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query entry: %w", err)
	}
	return e, nil
}

func (p *PGStore) RangeEntries(ctx context.Context, tenant string, from, to int64) ([]*Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM vault_entries
		WHERE tenant = $1 AND sequence_number >= $2`
	args := []interface{}{tenant, from}
	if to > 0 {
		q += ` AND sequence_number <= $3`
		args = append(args, to)
	}
	q += ` ORDER BY sequence_number ASC`
	return p.queryEntries(ctx, q, args...)
}

func (p *PGStore) ListEntries(ctx context.Context, tenant string, f Filter, limit, offset int) ([]*Entry, error) {
	var (
		conds = []string{"tenant = $1"}
		args  = []interface{}{tenant}
	)
	if !f.From.IsZero() {
		args = append(args, f.From)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	if f.SubjectID != "" {
		args = append(args, f.SubjectID)
		conds = append(conds, fmt.Sprintf("subject_id = $%d", len(args)))
	}
	if len(f.EntryTypes) > 0 {
		types := make([]string, len(f.EntryTypes))
		for i, t := range f.EntryTypes {
			types[i] = string(t)
		}
		args = append(args, pq.Array(types))
		conds = append(conds, fmt.Sprintf("entry_type = ANY($%d)", len(args)))
	}

	q := `SELECT ` + entryColumns + ` FROM vault_entries WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY sequence_number ASC`
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return p.queryEntries(ctx, q, args...)
}

func (p *PGStore) CountEntries(ctx context.Context, tenant string) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vault_entries WHERE tenant = $1`, tenant).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (p *PGStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT DISTINCT tenant FROM vault_entries ORDER BY tenant`)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PGStore) RetentionPolicy(ctx context.Context, tenant string) (RetentionPolicy, error) {
	var pol RetentionPolicy
	err := p.db.QueryRowContext(ctx,
		`SELECT tenant, period_days, hold_all FROM vault_retention_policies WHERE tenant = $1`,
		tenant).Scan(&pol.Tenant, &pol.PeriodDays, &pol.HoldAllEntries)
	if err != nil {
		if err == sql.ErrNoRows {
			return RetentionPolicy{}, ErrNotFound
		}
		return RetentionPolicy{}, fmt.Errorf("query retention policy: %w", err)
	}
	pol.Period = time.Duration(pol.PeriodDays) * 24 * time.Hour
	return pol, nil
}

func (p *PGStore) SetRetentionPolicy(ctx context.Context, pol RetentionPolicy) error {
	q := `
		INSERT INTO vault_retention_policies (tenant, period_days, hold_all, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant) DO UPDATE
		SET period_days = EXCLUDED.period_days, hold_all = EXCLUDED.hold_all, updated_at = NOW()
	`
	if _, err := p.db.ExecContext(ctx, q, pol.Tenant, pol.PeriodDays, pol.HoldAllEntries); err != nil {
		return fmt.Errorf("upsert retention policy: %w", err)
	}
	return nil
}

func (p *PGStore) SetEntryHold(ctx context.Context, tenant string, seq int64, hold bool) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE vault_entries SET legal_hold = $3 WHERE tenant = $1 AND sequence_number = $2`,
		tenant, seq, hold)
	if err != nil {
		return fmt.Errorf("set entry hold: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PGStore) ArchivalCandidates(ctx context.Context, tenant string, cutoff time.Time, afterSeq int64, limit int) ([]*Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM vault_entries
		WHERE tenant = $1 AND tier = 'hot' AND created_at <= $2 AND sequence_number > $3
		ORDER BY sequence_number ASC LIMIT $4`
	return p.queryEntries(ctx, q, tenant, cutoff, afterSeq, limit)
}

// MarkArchived updates tier metadata only. The WHERE guard keeps it idempotent
// and ensures an already-cold entry is never rewritten.
func (p *PGStore) MarkArchived(ctx context.Context, tenant string, seq int64, archiveKey string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE vault_entries SET tier = 'cold', archive_key = $3, archived_at = $4
		 WHERE tenant = $1 AND sequence_number = $2 AND tier = 'hot'`,
		tenant, seq, nullString(archiveKey), at)
	if err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PGStore) RetentionSummary(ctx context.Context, tenant string, cutoff time.Time) (RetentionSummary, error) {
	s := RetentionSummary{Tenant: tenant}
	q := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE tier = 'hot'),
		       COUNT(*) FILTER (WHERE tier = 'cold'),
		       COUNT(*) FILTER (WHERE legal_hold),
		       COUNT(*) FILTER (WHERE tier = 'hot' AND NOT legal_hold AND created_at <= $2)
		FROM vault_entries WHERE tenant = $1
	`
	err := p.db.QueryRowContext(ctx, q, tenant, cutoff).
		Scan(&s.Total, &s.Hot, &s.Cold, &s.Held, &s.Eligible)
	if err != nil {
		return RetentionSummary{}, fmt.Errorf("retention summary: %w", err)
	}
	return s, nil
}

// PendingStreamEntries claims up to limit entries for publication using
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent streamers never double-claim.
func (p *PGStore) PendingStreamEntries(ctx context.Context, limit int) ([]*Entry, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	q := `SELECT ` + entryColumns + ` FROM vault_entries
		WHERE stream_status = 'pending'
		ORDER BY created_at ASC LIMIT $1
		FOR UPDATE SKIP LOCKED`
	rows, err := tx.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending entries: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID.String()
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE vault_entries
		 SET stream_status = 'in_progress', stream_attempts = stream_attempts + 1
		 WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("mark entries in progress: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return entries, nil
}

func (p *PGStore) MarkStreamResult(ctx context.Context, id uuid.UUID, ok bool, errMsg string) error {
	var err error
	if ok {
		_, err = p.db.ExecContext(ctx,
			`UPDATE vault_entries
			 SET stream_status = 'succeeded', streamed_at = NOW(), stream_error = NULL
			 WHERE id = $1`, id.String())
	} else {
		// back to pending so the next poll retries it
		_, err = p.db.ExecContext(ctx,
			`UPDATE vault_entries
			 SET stream_status = 'pending', stream_error = $2
			 WHERE id = $1`, id.String(), errMsg)
	}
	if err != nil {
		return fmt.Errorf("mark stream result: %w", err)
	}
	return nil
}

func (p *PGStore) queryEntries(ctx context.Context, q string, args ...interface{}) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]*Entry, error) {
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
