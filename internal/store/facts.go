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

const factColumns = `id, tenant_id, org_id, user_id, correlation_id, subject, subject_normalized,
	predicate, object, object_normalized, object_type, confidence, supporting_packet_count,
	contradiction_count, source_packet_id, scope, last_confidence_update, access_count,
	last_accessed, created_at`

func scanFact(row scanner) (*memory.Fact, error) {
	var (
		f     memory.Fact
		scope string
	)
	err := row.Scan(&f.ID, &f.TenantID, &f.OrgID, &f.UserID, &f.CorrelationID, &f.Subject, &f.SubjectNorm,
		&f.Predicate, &f.Object, &f.ObjectNorm, &f.ObjectType, &f.Confidence, &f.SupportingCount,
		&f.ContradictionCount, &f.SourcePacketID, &scope, &f.ConfidenceUpdatedAt, &f.AccessCount,
		&f.LastAccessed, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	f.Scope = memory.Scope(scope)
	return &f, nil
}

func collectFacts(rows pgx.Rows) ([]*memory.Fact, error) {
	defer rows.Close()
	var out []*memory.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpsertFact inserts f or reinforces the existing assertion of the same
// tenant, subject, predicate and object.
func (s *Store) UpsertFact(ctx context.Context, f *memory.Fact, step float64) (*memory.Fact, bool, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO facts (id, tenant_id, org_id, user_id, correlation_id, subject, subject_normalized,
			predicate, object, object_normalized, object_type, confidence, supporting_packet_count,
			contradiction_count, source_packet_id, scope, last_confidence_update, access_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0, $14, $15, $16, 0, $17)
		ON CONFLICT (tenant_id, subject_normalized, predicate, object_normalized) DO UPDATE SET
			confidence = LEAST(1.0, GREATEST(0.1, facts.confidence + $18)),
			supporting_packet_count = facts.supporting_packet_count + 1,
			last_confidence_update = EXCLUDED.last_confidence_update
		RETURNING `+factColumns,
		f.ID, f.TenantID, f.OrgID, f.UserID, f.CorrelationID, f.Subject, f.SubjectNorm,
		f.Predicate, f.Object, f.ObjectNorm, f.ObjectType, f.Confidence, f.SupportingCount,
		f.SourcePacketID, string(f.Scope), f.ConfidenceUpdatedAt, f.CreatedAt, step)
	stored, err := scanFact(row)
	if err != nil {
		return nil, false, fmt.Errorf("upsert fact: %w", err)
	}
	return stored, stored.ID == f.ID, nil
}

// GetFact loads one fact regardless of tenant.
func (s *Store) GetFact(ctx context.Context, id string) (*memory.Fact, error) {
	f, err := scanFact(s.db.QueryRow(ctx, `SELECT `+factColumns+` FROM facts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
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
	q := &query{}
	set := `confidence = LEAST(1.0, GREATEST(0.1, confidence + ` + q.arg(delta) + `)), ` +
		counter + ` = ` + counter + ` + 1, last_confidence_update = ` + q.arg(at)
	q.add("id = ?", id)
	q.scope(scope)
	f, err := scanFact(s.db.QueryRow(ctx,
		`UPDATE facts SET `+set+q.where()+` RETURNING `+factColumns, q.args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("fact %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("adjust fact: %w", err)
	}
	return f, nil
}

// TouchFact counts one read of a fact.
func (s *Store) TouchFact(ctx context.Context, id string, scope tenancy.Scope, at time.Time) (*memory.Fact, error) {
	q := &query{}
	set := `access_count = access_count + 1, last_accessed = ` + q.arg(at)
	q.add("id = ?", id)
	q.scope(scope)
	f, err := scanFact(s.db.QueryRow(ctx,
		`UPDATE facts SET `+set+q.where()+` RETURNING `+factColumns, q.args...))
	if errors.Is(err, pgx.ErrNoRows) {
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
	q := &query{}
	q.scope(scope)
	if f.Subject != "" {
		q.add("subject_normalized = ?", f.Subject)
	}
	if f.Predicate != "" {
		q.add("predicate = ?", f.Predicate)
	}
	if f.Object != "" {
		q.add("object_normalized = ?", f.Object)
	}
	q.in("source_packet_id", f.SourcePacketIDs)
	if f.MinConfidence > 0 {
		q.add("confidence >= ?", f.MinConfidence)
	}
	order := q.page(f.Page, "confidence DESC, id")
	stmt := `SELECT ` + factColumns + ` FROM facts` + q.where() + ` ORDER BY ` + order + ` LIMIT ` + q.arg(limit)
	rows, err := s.db.Query(ctx, stmt, q.args...)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	return collectFacts(rows)
}

const relationshipColumns = `id, tenant_id, org_id, user_id, correlation_id, source_entity,
	source_normalized, relationship_type, target_entity, target_normalized, confidence,
	mention_count, source_packet_id, first_seen, last_seen`

func scanRelationship(row scanner) (*memory.Relationship, error) {
	var r memory.Relationship
	err := row.Scan(&r.ID, &r.TenantID, &r.OrgID, &r.UserID, &r.CorrelationID, &r.Source,
		&r.SourceNorm, &r.Type, &r.Target, &r.TargetNorm, &r.Confidence,
		&r.MentionCount, &r.SourcePacketID, &r.FirstSeen, &r.LastSeen)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertRelationship inserts r or counts one more mention of the edge.
func (s *Store) UpsertRelationship(ctx context.Context, r *memory.Relationship, step float64) (*memory.Relationship, bool, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO relationships (id, tenant_id, org_id, user_id, correlation_id, source_entity,
			source_normalized, relationship_type, target_entity, target_normalized, confidence,
			mention_count, source_packet_id, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12, $13, $14)
		ON CONFLICT (tenant_id, source_normalized, relationship_type, target_normalized) DO UPDATE SET
			mention_count = relationships.mention_count + 1,
			confidence = LEAST(1.0, relationships.confidence + $15),
			last_seen = GREATEST(relationships.last_seen, EXCLUDED.last_seen)
		RETURNING `+relationshipColumns,
		r.ID, r.TenantID, r.OrgID, r.UserID, r.CorrelationID, r.Source,
		r.SourceNorm, r.Type, r.Target, r.TargetNorm, r.Confidence,
		r.SourcePacketID, r.FirstSeen, r.LastSeen, step)
	stored, err := scanRelationship(row)
	if err != nil {
		return nil, false, fmt.Errorf("upsert relationship: %w", err)
	}
	return stored, stored.ID == r.ID, nil
}

// ListRelationships returns matching edges, most mentioned first. Names in f
// must already be normalized.
func (s *Store) ListRelationships(ctx context.Context, f memory.RelationshipFilter, scope tenancy.Scope, limit int) ([]*memory.Relationship, error) {
	q := &query{}
	q.scope(scope)
	if f.Entity != "" {
		q.add("(source_normalized = ? OR target_normalized = ?)", f.Entity, f.Entity)
	}
	if f.Source != "" {
		q.add("source_normalized = ?", f.Source)
	}
	if f.Target != "" {
		q.add("target_normalized = ?", f.Target)
	}
	if f.Type != "" {
		q.add("relationship_type = ?", f.Type)
	}
	q.in("source_packet_id", f.SourcePacketIDs)
	if f.MinConfidence > 0 {
		q.add("confidence >= ?", f.MinConfidence)
	}
	order := q.page(f.Page, "mention_count DESC, confidence DESC, id")
	stmt := `SELECT ` + relationshipColumns + ` FROM relationships` + q.where() +
		` ORDER BY ` + order + ` LIMIT ` + q.arg(limit)
	rows, err := s.db.Query(ctx, stmt, q.args...)
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
