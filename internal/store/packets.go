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

type scanner interface {
	Scan(dest ...any) error
}

const packetColumns = `id, tenant_id, org_id, user_id, correlation_id, packet_type, payload, labels,
	scope, importance_score, access_count, last_accessed, last_decayed, content_hash,
	is_chunked, chunk_index, chunk_count, created_at, expires_at`

func scanPacket(row scanner) (*memory.Packet, error) {
	var (
		p     memory.Packet
		scope string
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.OrgID, &p.UserID, &p.CorrelationID, &p.Type, &p.Payload, &p.Labels,
		&scope, &p.Importance, &p.AccessCount, &p.LastAccessed, &p.LastDecayed, &p.ContentHash,
		&p.IsChunked, &p.ChunkIndex, &p.ChunkCount, &p.CreatedAt, &p.ExpiresAt)
	if err != nil {
		return nil, err
	}
	p.Scope = memory.Scope(scope)
	if len(p.Labels) == 0 {
		p.Labels = nil
	}
	return &p, nil
}

func collectPackets(rows pgx.Rows) ([]*memory.Packet, error) {
	defer rows.Close()
	var out []*memory.Packet
	for rows.Next() {
		p, err := scanPacket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan packet: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPacket inserts p or counts a repeat of the same tenant and content
// on a row scope can read.
func (s *Store) UpsertPacket(ctx context.Context, p *memory.Packet, scope tenancy.Scope) (*memory.Packet, bool, error) {
	payload := p.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	labels := p.Labels
	if labels == nil {
		labels = map[string]string{}
	}

	visible, orgArgs := conflictOrgs(scope, 17)
	args := []any{p.ID, p.TenantID, p.OrgID, p.UserID, p.CorrelationID, p.Type, payload, labels,
		string(p.Scope), p.Importance, p.ContentHash, p.IsChunked, p.ChunkIndex, p.ChunkCount,
		p.CreatedAt, p.ExpiresAt}
	row := s.db.QueryRow(ctx, `
		INSERT INTO packets (id, tenant_id, org_id, user_id, correlation_id, packet_type, payload, labels,
			scope, importance_score, access_count, content_hash, is_chunked, chunk_index, chunk_count,
			created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (tenant_id, content_hash) DO UPDATE SET
			access_count = packets.access_count + 1,
			last_accessed = EXCLUDED.created_at
		WHERE packets.packet_type = EXCLUDED.packet_type`+visible+`
		RETURNING `+packetColumns, append(args, orgArgs...)...)
	stored, err := scanPacket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, s.refusedUpsert(ctx, p, scope)
	}
	if err != nil {
		return nil, false, fmt.Errorf("upsert packet: %w", err)
	}
	return stored, stored.ID == p.ID, nil
}

// conflictOrgs restricts the conflict update to rows of orgs scope reads.
// next is the number of the first free placeholder.
func conflictOrgs(scope tenancy.Scope, next int) (string, []any) {
	if scope.AllTenants || scope.AllOrgs {
		return "", nil
	}
	return fmt.Sprintf(" AND (packets.org_id = '' OR packets.org_id = $%d)", next), []any{scope.OrgID}
}

// refusedUpsert explains why the conflict update matched no row.
func (s *Store) refusedUpsert(ctx context.Context, p *memory.Packet, scope tenancy.Scope) error {
	var org, typ string
	err := s.db.QueryRow(ctx,
		`SELECT org_id, packet_type FROM packets WHERE tenant_id = $1 AND content_hash = $2`,
		p.TenantID, p.ContentHash).Scan(&org, &typ)
	if err != nil {
		return fmt.Errorf("classify refused upsert of %s: %w", p.ContentHash, err)
	}
	if !scope.Allows(tenancy.Owner{TenantID: p.TenantID, OrgID: org}) {
		return fmt.Errorf("packet with content hash %s belongs to org %q: %w",
			p.ContentHash, org, memory.ErrTenancyViolation)
	}
	return fmt.Errorf("packet with content hash %s exists with type %q, not %q: %w",
		p.ContentHash, typ, p.Type, memory.ErrDuplicateConflict)
}

// GetPacket loads one packet regardless of tenant.
func (s *Store) GetPacket(ctx context.Context, id string) (*memory.Packet, error) {
	p, err := scanPacket(s.db.QueryRow(ctx, `SELECT `+packetColumns+` FROM packets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("packet %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get packet: %w", err)
	}
	return p, nil
}

func packetQuery(f memory.PacketFilter, scope tenancy.Scope) *query {
	q := &query{}
	q.scope(scope)
	q.in("id", f.IDs)
	q.in("packet_type", f.Types)
	if len(f.Scopes) > 0 {
		scopes := make([]string, len(f.Scopes))
		for i, sc := range f.Scopes {
			scopes[i] = string(sc)
		}
		q.in("scope", scopes)
	}
	if f.UserID != "" {
		q.add("user_id = ?", f.UserID)
	}
	if f.CorrelationID != "" {
		q.add("correlation_id = ?", f.CorrelationID)
	}
	for k, v := range f.Labels {
		q.add("labels ->> ? = ?", k, v)
	}
	if !f.CreatedAfter.IsZero() {
		q.add("created_at >= ?", f.CreatedAfter)
	}
	if !f.CreatedBefore.IsZero() {
		q.add("created_at < ?", f.CreatedBefore)
	}
	if f.MinImportance > 0 {
		q.add("importance_score >= ?", f.MinImportance)
	}
	if !f.Now.IsZero() {
		q.add("(expires_at IS NULL OR expires_at > ?)", f.Now)
	}
	return q
}

// ListPackets returns up to limit matching packets, most important first
// unless f pages.
func (s *Store) ListPackets(ctx context.Context, f memory.PacketFilter, scope tenancy.Scope, limit int) ([]*memory.Packet, error) {
	q := packetQuery(f, scope)
	order := q.page(f.Page, "importance_score DESC, created_at DESC, id")
	stmt := `SELECT ` + packetColumns + ` FROM packets` + q.where() +
		` ORDER BY ` + order + ` LIMIT ` + q.arg(limit)
	rows, err := s.db.Query(ctx, stmt, q.args...)
	if err != nil {
		return nil, fmt.Errorf("list packets: %w", err)
	}
	return collectPackets(rows)
}

// TouchPacket records one access in a single transaction.
func (s *Store) TouchPacket(ctx context.Context, id string, scope tenancy.Scope, boost float64, entry *memory.AccessLogEntry) (*memory.Packet, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin touch: %w", err)
	}
	defer tx.Rollback(ctx)

	q := &query{}
	set := `access_count = access_count + 1, last_accessed = ` + q.arg(entry.AccessAt) +
		`, importance_score = LEAST(1.0, importance_score + ` + q.arg(boost) + `)`
	q.add("id = ?", id)
	q.scope(scope)
	p, err := scanPacket(tx.QueryRow(ctx,
		`UPDATE packets SET `+set+q.where()+` RETURNING `+packetColumns, q.args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("packet %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("touch packet: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO access_log (id, packet_id, agent_id, relevance, useful, accessed_at,
			tenant_id, org_id, user_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, id, entry.AgentID, entry.Relevance, entry.Useful, entry.AccessAt,
		entry.TenantID, entry.OrgID, entry.UserID, entry.CorrelationID); err != nil {
		return nil, fmt.Errorf("append access log: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit touch: %w", err)
	}
	return p, nil
}

// AccessLog returns the latest accesses of a packet, newest first.
func (s *Store) AccessLog(ctx context.Context, packetID string, limit int) ([]*memory.AccessLogEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, packet_id, agent_id, relevance, useful, accessed_at,
			tenant_id, org_id, user_id, correlation_id
		FROM access_log WHERE packet_id = $1
		ORDER BY accessed_at DESC, id DESC LIMIT $2`, packetID, limit)
	if err != nil {
		return nil, fmt.Errorf("access log: %w", err)
	}
	defer rows.Close()

	var out []*memory.AccessLogEntry
	for rows.Next() {
		var e memory.AccessLogEntry
		if err := rows.Scan(&e.ID, &e.PacketID, &e.AgentID, &e.Relevance, &e.Useful, &e.AccessAt,
			&e.TenantID, &e.OrgID, &e.UserID, &e.CorrelationID); err != nil {
			return nil, fmt.Errorf("scan access log: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeletePacket removes a packet; embeddings and access log cascade.
func (s *Store) DeletePacket(ctx context.Context, id string, scope tenancy.Scope) error {
	q := &query{}
	q.add("id = ?", id)
	q.scope(scope)
	tag, err := s.db.Exec(ctx, `DELETE FROM packets`+q.where(), q.args...)
	if err != nil {
		return fmt.Errorf("delete packet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("packet %s: %w", id, memory.ErrNotFound)
	}
	return nil
}

// DecayPackets fades one batch of neglected packets. Rows locked by a
// concurrent writer are left for the next batch.
func (s *Store) DecayPackets(ctx context.Context, scope tenancy.Scope, p memory.DecayParams) (int64, error) {
	q := &query{}
	set := `importance_score = GREATEST(` + q.arg(p.Floor) + `, importance_score - ` + q.arg(p.Step) +
		`), last_decayed = ` + q.arg(p.Now)
	q.scope(scope)
	q.add("COALESCE(last_accessed, created_at) < ?", p.AccessedBefore)
	q.add("importance_score > ?", p.Floor)
	q.add("(last_decayed IS NULL OR last_decayed < ?)", p.DecayedBefore)
	stmt := `UPDATE packets SET ` + set + `
		WHERE id IN (SELECT id FROM packets` + q.where() + `
			ORDER BY id LIMIT ` + q.arg(p.Limit) + ` FOR UPDATE SKIP LOCKED)`
	tag, err := s.db.Exec(ctx, stmt, q.args...)
	if err != nil {
		return 0, fmt.Errorf("decay packets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredPackets removes one batch of expired packets and returns
// their ids.
func (s *Store) DeleteExpiredPackets(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		DELETE FROM packets WHERE id IN (
			SELECT id FROM packets
			WHERE expires_at IS NOT NULL AND expires_at <= $1
			ORDER BY expires_at LIMIT $2
			FOR UPDATE SKIP LOCKED)
		RETURNING id`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("delete expired packets: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("delete expired packets: %w", err)
	}
	return ids, nil
}

// UpsertEmbedding stores a vector, replacing the one of the same packet,
// space and chunk.
func (s *Store) UpsertEmbedding(ctx context.Context, e *memory.Embedding) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO embeddings (packet_id, space, chunk_index, vector, chunk_text,
			tenant_id, org_id, user_id, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (packet_id, space, chunk_index) DO UPDATE SET
			vector = EXCLUDED.vector,
			chunk_text = EXCLUDED.chunk_text,
			created_at = EXCLUDED.created_at`,
		e.PacketID, string(e.Space), e.ChunkIndex, e.Vector, e.ChunkText,
		e.TenantID, e.OrgID, e.UserID, e.CorrelationID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// ListEmbeddings returns every embedding of a packet.
func (s *Store) ListEmbeddings(ctx context.Context, packetID string) ([]*memory.Embedding, error) {
	rows, err := s.db.Query(ctx, `
		SELECT packet_id, space, chunk_index, vector, chunk_text,
			tenant_id, org_id, user_id, correlation_id, created_at
		FROM embeddings WHERE packet_id = $1
		ORDER BY space, chunk_index`, packetID)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()

	var out []*memory.Embedding
	for rows.Next() {
		var (
			e     memory.Embedding
			space string
		)
		if err := rows.Scan(&e.PacketID, &space, &e.ChunkIndex, &e.Vector, &e.ChunkText,
			&e.TenantID, &e.OrgID, &e.UserID, &e.CorrelationID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		e.Space = memory.Space(space)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// SpaceDimension returns the stored vector length of space, 0 when empty.
func (s *Store) SpaceDimension(ctx context.Context, space memory.Space) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT cardinality(vector) FROM embeddings WHERE space = $1 LIMIT 1`, string(space)).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("space dimension: %w", err)
	}
	return n, nil
}

// Tenants lists every tenant id that owns rows, including "" for public
// memory.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT tenant_id FROM packets
		UNION SELECT tenant_id FROM facts
		UNION SELECT tenant_id FROM relationships
		UNION SELECT tenant_id FROM reflections
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Users lists the user ids that own packets within scope.
func (s *Store) Users(ctx context.Context, scope tenancy.Scope) ([]string, error) {
	q := &query{}
	q.scope(scope)
	q.add("user_id <> ''")
	rows, err := s.db.Query(ctx, `SELECT DISTINCT user_id FROM packets`+q.where()+` ORDER BY 1`, q.args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// scopeKeyExpr is the column or expression a consolidation kind groups by.
func scopeKeyExpr(kind memory.ScopeKind) (string, error) {
	switch kind {
	case memory.ScopeThread:
		return "correlation_id", nil
	case memory.ScopeAgent:
		return "user_id", nil
	case memory.ScopeTopic, memory.ScopeProject, memory.ScopeTask:
		return "COALESCE(labels ->> '" + string(kind) + "', '')", nil
	}
	return "", fmt.Errorf("scope kind %q has no grouping key: %w", kind, memory.ErrValidation)
}

// ConsolidationCandidates groups the unexpired packets of scope by the key
// of p.Kind and returns the groups that are large or old enough.
func (s *Store) ConsolidationCandidates(ctx context.Context, scope tenancy.Scope, p memory.CandidateParams) ([]memory.ScopeStats, error) {
	key, err := scopeKeyExpr(p.Kind)
	if err != nil {
		return nil, err
	}
	q := &query{}
	q.scope(scope)
	q.add("(expires_at IS NULL OR expires_at > ?)", p.Now)
	inner := q.where()

	stmt := `
		SELECT k, n, oldest, newest FROM (
			SELECT ` + key + ` AS k, COUNT(*) AS n, MIN(created_at) AS oldest, MAX(created_at) AS newest
			FROM packets` + inner + `
			GROUP BY 1
		) g WHERE k <> '' AND (n >= ` + q.arg(p.MinPackets) + ` OR oldest < ` + q.arg(p.CreatedBefore) + `)
		ORDER BY n DESC, k LIMIT ` + q.arg(p.Limit)
	rows, err := s.db.Query(ctx, stmt, q.args...)
	if err != nil {
		return nil, fmt.Errorf("consolidation candidates: %w", err)
	}
	defer rows.Close()

	var out []memory.ScopeStats
	for rows.Next() {
		var (
			st memory.ScopeStats
			n  int64
		)
		if err := rows.Scan(&st.Scope.Key, &n, &st.Oldest, &st.Newest); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		st.Scope.Kind = p.Kind
		st.Count = int(n)
		out = append(out, st)
	}
	return out, rows.Err()
}
