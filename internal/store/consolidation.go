package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/memory-substrate/internal/memory"
	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

const summaryColumns = `id, tenant_id, org_id, user_id, correlation_id, scope_kind, scope_key,
	summary_text, key_facts, key_entities, decisions, source_packet_ids, packet_count, embedding,
	confidence, coverage_start, coverage_end, valid_until, created_at`

func scanSummary(row scanner) (*memory.Summary, error) {
	var (
		sm   memory.Summary
		kind string
	)
	err := row.Scan(&sm.ID, &sm.TenantID, &sm.OrgID, &sm.UserID, &sm.CorrelationID, &kind, &sm.ScopeKey,
		&sm.Text, &sm.KeyFacts, &sm.KeyEntities, &sm.Decisions, &sm.SourcePacketIDs, &sm.PacketCount, &sm.Embedding,
		&sm.Confidence, &sm.CoverageStart, &sm.CoverageEnd, &sm.ValidUntil, &sm.CreatedAt)
	if err != nil {
		return nil, err
	}
	sm.ScopeKind = memory.ScopeKind(kind)
	return &sm, nil
}

// SaveSummary writes sm, replacing the summary of the same tenant and scope.
func (s *Store) SaveSummary(ctx context.Context, sm *memory.Summary) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO summaries (`+summaryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (tenant_id, scope_kind, scope_key) DO UPDATE SET
			id = EXCLUDED.id,
			org_id = EXCLUDED.org_id,
			user_id = EXCLUDED.user_id,
			correlation_id = EXCLUDED.correlation_id,
			summary_text = EXCLUDED.summary_text,
			key_facts = EXCLUDED.key_facts,
			key_entities = EXCLUDED.key_entities,
			decisions = EXCLUDED.decisions,
			source_packet_ids = EXCLUDED.source_packet_ids,
			packet_count = EXCLUDED.packet_count,
			embedding = EXCLUDED.embedding,
			confidence = EXCLUDED.confidence,
			coverage_start = EXCLUDED.coverage_start,
			coverage_end = EXCLUDED.coverage_end,
			valid_until = EXCLUDED.valid_until,
			created_at = EXCLUDED.created_at`,
		sm.ID, sm.TenantID, sm.OrgID, sm.UserID, sm.CorrelationID, string(sm.ScopeKind), sm.ScopeKey,
		sm.Text, strs(sm.KeyFacts), strs(sm.KeyEntities), strs(sm.Decisions), strs(sm.SourcePacketIDs),
		sm.PacketCount, sm.Embedding, sm.Confidence, sm.CoverageStart, sm.CoverageEnd, sm.ValidUntil, sm.CreatedAt)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// GetSummary loads the summary of one tenant scope.
func (s *Store) GetSummary(ctx context.Context, tenantID string, kind memory.ScopeKind, key string) (*memory.Summary, error) {
	sm, err := scanSummary(s.db.QueryRow(ctx,
		`SELECT `+summaryColumns+` FROM summaries WHERE tenant_id = $1 AND scope_kind = $2 AND scope_key = $3`,
		tenantID, string(kind), key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("summary %s/%s: %w", kind, key, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	return sm, nil
}

// ListSummaries returns the newest summaries within scope. An empty kind
// lists every kind.
func (s *Store) ListSummaries(ctx context.Context, scope tenancy.Scope, kind memory.ScopeKind, limit int) ([]*memory.Summary, error) {
	q := &query{}
	q.scope(scope)
	if kind != "" {
		q.add("scope_kind = ?", string(kind))
	}
	stmt := `SELECT ` + summaryColumns + ` FROM summaries` + q.where() +
		` ORDER BY coverage_end DESC, id LIMIT ` + q.arg(limit)
	rows, err := s.db.Query(ctx, stmt, q.args...)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var out []*memory.Summary
	for rows.Next() {
		sm, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

const reflectionColumns = `id, tenant_id, org_id, user_id, correlation_id, type, content, context,
	entities, tags, confidence, priority, source_agent_id, source_packet_id, access_count,
	last_accessed, last_decayed, embedding, created_at, expires_at`

func scanReflection(row scanner) (*memory.Reflection, error) {
	var (
		r   memory.Reflection
		typ string
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.OrgID, &r.UserID, &r.CorrelationID, &typ, &r.Content, &r.Context,
		&r.Entities, &r.Tags, &r.Confidence, &r.Priority, &r.SourceAgentID, &r.SourcePacketID, &r.AccessCount,
		&r.LastAccessed, &r.LastDecayed, &r.Embedding, &r.CreatedAt, &r.ExpiresAt)
	if err != nil {
		return nil, err
	}
	r.Type = memory.ReflectionType(typ)
	return &r, nil
}

// InsertReflection stores a new reflection.
func (s *Store) InsertReflection(ctx context.Context, r *memory.Reflection) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO reflections (id, tenant_id, org_id, user_id, correlation_id, type, content, context,
			entities, tags, confidence, priority, source_agent_id, source_packet_id, access_count,
			embedding, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 0, $15, $16, $17)`,
		r.ID, r.TenantID, r.OrgID, r.UserID, r.CorrelationID, string(r.Type), r.Content, r.Context,
		strs(r.Entities), strs(r.Tags), r.Confidence, r.Priority, r.SourceAgentID, r.SourcePacketID,
		r.Embedding, r.CreatedAt, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert reflection: %w", err)
	}
	return nil
}

// ListReflections returns unexpired reflections matching f. Ranking is left
// to the engine.
func (s *Store) ListReflections(ctx context.Context, f memory.ReflectionFilter, scope tenancy.Scope, limit int) ([]*memory.Reflection, error) {
	q := &query{}
	q.scope(scope)
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		q.in("type", types)
	}
	if f.Tag != "" {
		q.add("? = ANY(tags)", f.Tag)
	}
	if f.Entity != "" {
		q.add("? = ANY(entities)", f.Entity)
	}
	if f.SourceAgentID != "" {
		q.add("source_agent_id = ?", f.SourceAgentID)
	}
	if f.MinConfidence > 0 {
		q.add("confidence >= ?", f.MinConfidence)
	}
	if !f.Now.IsZero() {
		q.add("(expires_at IS NULL OR expires_at > ?)", f.Now)
	}
	order := q.page(f.Page, "priority DESC, confidence DESC, created_at DESC, id")
	stmt := `SELECT ` + reflectionColumns + ` FROM reflections` + q.where() +
		` ORDER BY ` + order + ` LIMIT ` + q.arg(limit)
	rows, err := s.db.Query(ctx, stmt, q.args...)
	if err != nil {
		return nil, fmt.Errorf("list reflections: %w", err)
	}
	defer rows.Close()

	var out []*memory.Reflection
	for rows.Next() {
		r, err := scanReflection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reflection: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TouchReflections counts one read of each reflection.
func (s *Store) TouchReflections(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx,
		`UPDATE reflections SET access_count = access_count + 1, last_accessed = $1 WHERE id = ANY($2)`,
		at, ids); err != nil {
		return fmt.Errorf("touch reflections: %w", err)
	}
	return nil
}

// DecayReflections fades the confidence of one batch of neglected
// reflections.
func (s *Store) DecayReflections(ctx context.Context, scope tenancy.Scope, p memory.DecayParams) (int64, error) {
	q := &query{}
	set := `confidence = GREATEST(` + q.arg(p.Floor) + `, confidence - ` + q.arg(p.Step) +
		`), last_decayed = ` + q.arg(p.Now)
	q.scope(scope)
	q.add("COALESCE(last_accessed, created_at) < ?", p.AccessedBefore)
	q.add("confidence > ?", p.Floor)
	q.add("(last_decayed IS NULL OR last_decayed < ?)", p.DecayedBefore)
	stmt := `UPDATE reflections SET ` + set + `
		WHERE id IN (SELECT id FROM reflections` + q.where() + `
			ORDER BY id LIMIT ` + q.arg(p.Limit) + ` FOR UPDATE SKIP LOCKED)`
	tag, err := s.db.Exec(ctx, stmt, q.args...)
	if err != nil {
		return 0, fmt.Errorf("decay reflections: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredReflections removes one batch of expired reflections.
func (s *Store) DeleteExpiredReflections(ctx context.Context, now time.Time, limit int) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM reflections WHERE id IN (
			SELECT id FROM reflections
			WHERE expires_at IS NOT NULL AND expires_at <= $1
			ORDER BY expires_at LIMIT $2
			FOR UPDATE SKIP LOCKED)`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired reflections: %w", err)
	}
	return tag.RowsAffected(), nil
}
