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

const factColumns = `id, tenant_id, org_id, user_id, correlation_id, subject, subject_normalized,
	predicate, object, object_normalized, object_type, confidence, supporting_packet_count,
	contradiction_count, source_packet_id, scope, last_confidence_update, access_count,
	last_accessed, created_at`

func scanFact(row scanner) (*memory.Fact, error) {
	var (
		f                  memory.Fact
		scope              string
		updated, createdAt int64
		lastAccessed       sql.NullInt64
	)
	err := row.Scan(&f.ID, &f.TenantID, &f.OrgID, &f.UserID, &f.CorrelationID, &f.Subject, &f.SubjectNorm,
		&f.Predicate, &f.Object, &f.ObjectNorm, &f.ObjectType, &f.Confidence, &f.SupportingCount,
		&f.ContradictionCount, &f.SourcePacketID, &scope, &updated, &f.AccessCount,
		&lastAccessed, &createdAt)
	if err != nil {
		return nil, err
	}
	f.Scope = memory.Scope(scope)
	f.ConfidenceUpdatedAt = fromMS(updated)
	f.LastAccessed = fromNullMS(lastAccessed)
	f.CreatedAt = fromMS(createdAt)
	return &f, nil
}

// UpsertFact inserts f or reinforces the existing assertion of the same
// tenant, subject, predicate and object.
func (s *Store) UpsertFact(ctx context.Context, f *memory.Fact, step float64) (*memory.Fact, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO facts (id, tenant_id, org_id, user_id, correlation_id, subject, subject_normalized,
			predicate, object, object_normalized, object_type, confidence, supporting_packet_count,
			contradiction_count, source_packet_id, scope, last_confidence_update, access_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, 0, ?)
		ON CONFLICT (tenant_id, subject_normalized, predicate, object_normalized) DO UPDATE SET
			confidence = MIN(1.0, MAX(0.1, facts.confidence + ?)),
			supporting_packet_count = facts.supporting_packet_count + 1,
			last_confidence_update = excluded.last_confidence_update
		RETURNING `+factColumns,
		f.ID, f.TenantID, f.OrgID, f.UserID, f.CorrelationID, f.Subject, f.SubjectNorm,
		f.Predicate, f.Object, f.ObjectNorm, f.ObjectType, f.Confidence, f.SupportingCount,
		f.SourcePacketID, string(f.Scope), ms(f.ConfidenceUpdatedAt), ms(f.CreatedAt), step)
	stored, err := scanFact(row)
	if err != nil {
		return nil, false, fmt.Errorf("upsert fact: %w", err)
	}
	return stored, stored.ID == f.ID, nil
}

// GetFact loads one fact regardless of tenant.
func (s *Store) GetFact(ctx context.Context, id string) (*memory.Fact, error) {
	f, err := scanFact(s.db.QueryRowContext(ctx, `SELECT `+factColumns+` FROM facts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fact %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get fact: %w", err)
	}
	return f, nil
}

// AdjustFact moves confidence by delta within [0.1, 1] and counts the
// evidence.
func (s *Store) AdjustFact(ctx context.Context, id string, scope tenancy.Scope, delta float64, contradiction bool, at time.Time) (*memory.Fact, error) {
	counter := "supporting_packet_count"
	if contradiction {
		counter = "contradiction_count"
	}
	w := &where{}
	w.add("id = ?", id)
	w.scope(scope)
	args := append([]any{delta, ms(at)}, w.args...)
	f, err := scanFact(s.db.QueryRowContext(ctx, `
		UPDATE facts SET
			confidence = MIN(1.0, MAX(0.1, confidence + ?)),
			`+counter+` = `+counter+` + 1,
			last_confidence_update = ?`+w.String()+`
		RETURNING `+factColumns, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fact %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("adjust fact: %w", err)
	}
	return f, nil
}

// TouchFact counts one read of a fact.
func (s *Store) TouchFact(ctx context.Context, id string, scope tenancy.Scope, at time.Time) (*memory.Fact, error) {
	w := &where{}
	w.add("id = ?", id)
	w.scope(scope)
	args := append([]any{ms(at)}, w.args...)
	f, err := scanFact(s.db.QueryRowContext(ctx, `
		UPDATE facts SET access_count = access_count + 1, last_accessed = ?`+w.String()+`
		RETURNING `+factColumns, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fact %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("touch fact: %w", err)
	}
	return f, nil
}

// ListFacts returns matching facts, most confident first. Subject, predicate
// and object in f must already be normalized.
func (s *Store) ListFacts(ctx context.Context, f memory.FactFilter, scope tenancy.Scope, limit int) ([]*memory.Fact, error) {
	w := &where{}
	w.scope(scope)
	if f.Subject != "" {
		w.add("subject_normalized = ?", f.Subject)
	}
	if f.Predicate != "" {
		w.add("predicate = ?", f.Predicate)
	}
	if f.Object != "" {
		w.add("object_normalized = ?", f.Object)
	}
	w.in("source_packet_id", f.SourcePacketIDs)
	if f.MinConfidence > 0 {
		w.add("confidence >= ?", f.MinConfidence)
	}
	order := w.page(f.Page, "confidence DESC, id")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts`+w.String()+` ORDER BY `+order+` LIMIT ?`,
		append(w.args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var out []*memory.Fact
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		out = append(out, fact)
	}
	return out, rows.Err()
}

const relationshipColumns = `id, tenant_id, org_id, user_id, correlation_id, source_entity,
	source_normalized, relationship_type, target_entity, target_normalized, confidence,
	mention_count, source_packet_id, first_seen, last_seen`

func scanRelationship(row scanner) (*memory.Relationship, error) {
	var (
		r                   memory.Relationship
		firstSeen, lastSeen int64
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.OrgID, &r.UserID, &r.CorrelationID, &r.Source,
		&r.SourceNorm, &r.Type, &r.Target, &r.TargetNorm, &r.Confidence,
		&r.MentionCount, &r.SourcePacketID, &firstSeen, &lastSeen)
	if err != nil {
		return nil, err
	}
	r.FirstSeen, r.LastSeen = fromMS(firstSeen), fromMS(lastSeen)
	return &r, nil
}

// UpsertRelationship inserts r or counts one more mention of the edge.
func (s *Store) UpsertRelationship(ctx context.Context, r *memory.Relationship, step float64) (*memory.Relationship, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO relationships (id, tenant_id, org_id, user_id, correlation_id, source_entity,
			source_normalized, relationship_type, target_entity, target_normalized, confidence,
			mention_count, source_packet_id, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (tenant_id, source_normalized, relationship_type, target_normalized) DO UPDATE SET
			mention_count = relationships.mention_count + 1,
			confidence = MIN(1.0, relationships.confidence + ?),
			last_seen = MAX(relationships.last_seen, excluded.last_seen)
		RETURNING `+relationshipColumns,
		r.ID, r.TenantID, r.OrgID, r.UserID, r.CorrelationID, r.Source,
		r.SourceNorm, r.Type, r.Target, r.TargetNorm, r.Confidence,
		r.SourcePacketID, ms(r.FirstSeen), ms(r.LastSeen), step)
	stored, err := scanRelationship(row)
	if err != nil {
		return nil, false, fmt.Errorf("upsert relationship: %w", err)
	}
	return stored, stored.ID == r.ID, nil
}

// ListRelationships returns matching edges, most mentioned first. Names in f
// must already be normalized.
func (s *Store) ListRelationships(ctx context.Context, f memory.RelationshipFilter, scope tenancy.Scope, limit int) ([]*memory.Relationship, error) {
	w := &where{}
	w.scope(scope)
	if f.Entity != "" {
		w.add("(source_normalized = ? OR target_normalized = ?)", f.Entity, f.Entity)
	}
	if f.Source != "" {
		w.add("source_normalized = ?", f.Source)
	}
	if f.Target != "" {
		w.add("target_normalized = ?", f.Target)
	}
	if f.Type != "" {
		w.add("relationship_type = ?", f.Type)
	}
	w.in("source_packet_id", f.SourcePacketIDs)
	if f.MinConfidence > 0 {
		w.add("confidence >= ?", f.MinConfidence)
	}
	order := w.page(f.Page, "mention_count DESC, confidence DESC, id")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships`+w.String()+` ORDER BY `+order+` LIMIT ?`,
		append(w.args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	var out []*memory.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
