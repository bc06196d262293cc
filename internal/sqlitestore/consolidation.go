package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/memory-substrate/internal/memory"
	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

const summaryColumns = `id, tenant_id, org_id, user_id, correlation_id, scope_kind, scope_key,
	summary_text, key_facts, key_entities, decisions, source_packet_ids, packet_count, embedding,
	confidence, coverage_start, coverage_end, valid_until, created_at`

func scanSummary(row scanner) (*memory.Summary, error) {
	var (
		sm                                 memory.Summary
		kind                               string
		facts, entities, decisions, source string
		embedding                          []byte
		start, end, validUntil, createdAt  int64
	)
	err := row.Scan(&sm.ID, &sm.TenantID, &sm.OrgID, &sm.UserID, &sm.CorrelationID, &kind, &sm.ScopeKey,
		&sm.Text, &facts, &entities, &decisions, &source, &sm.PacketCount, &embedding,
		&sm.Confidence, &start, &end, &validUntil, &createdAt)
	if err != nil {
		return nil, err
	}
	sm.ScopeKind = memory.ScopeKind(kind)
	sm.KeyFacts = decodeStrings(facts)
	sm.KeyEntities = decodeStrings(entities)
	sm.Decisions = decodeStrings(decisions)
	sm.SourcePacketIDs = decodeStrings(source)
	sm.Embedding = decodeVector(embedding)
	sm.CoverageStart, sm.CoverageEnd = fromMS(start), fromMS(end)
	sm.ValidUntil, sm.CreatedAt = fromMS(validUntil), fromMS(createdAt)
	return &sm, nil
}

// SaveSummary writes sm, replacing the summary of the same tenant and scope.
func (s *Store) SaveSummary(ctx context.Context, sm *memory.Summary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (`+summaryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, scope_kind, scope_key) DO UPDATE SET
			id = excluded.id,
			org_id = excluded.org_id,
			user_id = excluded.user_id,
			correlation_id = excluded.correlation_id,
			summary_text = excluded.summary_text,
			key_facts = excluded.key_facts,
			key_entities = excluded.key_entities,
			decisions = excluded.decisions,
			source_packet_ids = excluded.source_packet_ids,
			packet_count = excluded.packet_count,
			embedding = excluded.embedding,
			confidence = excluded.confidence,
			coverage_start = excluded.coverage_start,
			coverage_end = excluded.coverage_end,
			valid_until = excluded.valid_until,
			created_at = excluded.created_at`,
		sm.ID, sm.TenantID, sm.OrgID, sm.UserID, sm.CorrelationID, string(sm.ScopeKind), sm.ScopeKey,
		sm.Text, stringsJSON(sm.KeyFacts), stringsJSON(sm.KeyEntities), stringsJSON(sm.Decisions),
		stringsJSON(sm.SourcePacketIDs), sm.PacketCount, encodeVector(sm.Embedding),
		sm.Confidence, ms(sm.CoverageStart), ms(sm.CoverageEnd), ms(sm.ValidUntil), ms(sm.CreatedAt))
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// GetSummary loads the summary of one tenant scope.
func (s *Store) GetSummary(ctx context.Context, tenantID string, kind memory.ScopeKind, key string) (*memory.Summary, error) {
	sm, err := scanSummary(s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM summaries WHERE tenant_id = ? AND scope_kind = ? AND scope_key = ?`,
		tenantID, string(kind), key))
	if errors.Is(err, sql.ErrNoRows) {
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
	w := &where{}
	w.scope(scope)
	if kind != "" {
		w.add("scope_kind = ?", string(kind))
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+summaryColumns+` FROM summaries`+w.String()+` ORDER BY coverage_end DESC, id LIMIT ?`,
		append(w.args, limit)...)
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
		r                              memory.Reflection
		typ, entities, tags            string
		embedding                      []byte
		createdAt                      int64
		lastAccessed, lastDecayed, exp sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.OrgID, &r.UserID, &r.CorrelationID, &typ, &r.Content, &r.Context,
		&entities, &tags, &r.Confidence, &r.Priority, &r.SourceAgentID, &r.SourcePacketID, &r.AccessCount,
		&lastAccessed, &lastDecayed, &embedding, &createdAt, &exp)
	if err != nil {
		return nil, err
	}
	r.Type = memory.ReflectionType(typ)
	r.Entities = decodeStrings(entities)
	r.Tags = decodeStrings(tags)
	r.Embedding = decodeVector(embedding)
	r.LastAccessed = fromNullMS(lastAccessed)
	r.LastDecayed = fromNullMS(lastDecayed)
	r.CreatedAt = fromMS(createdAt)
	r.ExpiresAt = fromNullMS(exp)
	return &r, nil
}

// InsertReflection stores a new reflection.
func (s *Store) InsertReflection(ctx context.Context, r *memory.Reflection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reflections (id, tenant_id, org_id, user_id, correlation_id, type, content, context,
			entities, tags, confidence, priority, source_agent_id, source_packet_id, access_count,
			embedding, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		r.ID, r.TenantID, r.OrgID, r.UserID, r.CorrelationID, string(r.Type), r.Content, r.Context,
		stringsJSON(r.Entities), stringsJSON(r.Tags), r.Confidence, r.Priority, r.SourceAgentID,
		r.SourcePacketID, encodeVector(r.Embedding), ms(r.CreatedAt), msPtr(r.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert reflection: %w", err)
	}
	return nil
}

// ListReflections returns unexpired reflections matching f. Ranking is left
// to the engine.
func (s *Store) ListReflections(ctx context.Context, f memory.ReflectionFilter, scope tenancy.Scope, limit int) ([]*memory.Reflection, error) {
	w := &where{}
	w.scope(scope)
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		w.in("type", types)
	}
	if f.Tag != "" {
		w.add("EXISTS (SELECT 1 FROM json_each(reflections.tags) WHERE value = ?)", f.Tag)
	}
	if f.Entity != "" {
		w.add("EXISTS (SELECT 1 FROM json_each(reflections.entities) WHERE value = ?)", f.Entity)
	}
	if f.SourceAgentID != "" {
		w.add("source_agent_id = ?", f.SourceAgentID)
	}
	if f.MinConfidence > 0 {
		w.add("confidence >= ?", f.MinConfidence)
	}
	if !f.Now.IsZero() {
		w.add("(expires_at IS NULL OR expires_at > ?)", ms(f.Now))
	}
	order := w.page(f.Page, "priority DESC, confidence DESC, created_at DESC, id")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reflectionColumns+` FROM reflections`+w.String()+` ORDER BY `+order+` LIMIT ?`,
		append(w.args, limit)...)
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
	w := &where{}
	w.in("id", ids)
	args := append([]any{ms(at)}, w.args...)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE reflections SET access_count = access_count + 1, last_accessed = ?`+w.String(), args...); err != nil {
		return fmt.Errorf("touch reflections: %w", err)
	}
	return nil
}

// DecayReflections fades the confidence of one batch of neglected
// reflections.
func (s *Store) DecayReflections(ctx context.Context, scope tenancy.Scope, p memory.DecayParams) (int64, error) {
	w := &where{}
	w.scope(scope)
	w.add("COALESCE(last_accessed, created_at) < ?", ms(p.AccessedBefore))
	w.add("confidence > ?", p.Floor)
	w.add("(last_decayed IS NULL OR last_decayed < ?)", ms(p.DecayedBefore))

	args := append([]any{p.Floor, p.Step, ms(p.Now)}, w.args...)
	args = append(args, p.Limit)
	res, err := s.db.ExecContext(ctx, `
		UPDATE reflections SET
			confidence = MAX(?, confidence - ?),
			last_decayed = ?
		WHERE id IN (SELECT id FROM reflections`+w.String()+` ORDER BY id LIMIT ?)`, args...)
	if err != nil {
		return 0, fmt.Errorf("decay reflections: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpiredReflections removes one batch of expired reflections.
func (s *Store) DeleteExpiredReflections(ctx context.Context, now time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM reflections WHERE id IN (
			SELECT id FROM reflections
			WHERE expires_at IS NOT NULL AND expires_at <= ?
			ORDER BY expires_at LIMIT ?)`, ms(now), limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired reflections: %w", err)
	}
	return res.RowsAffected()
}
