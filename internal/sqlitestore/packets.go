package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/memory-substrate/internal/memory"
	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

const packetColumns = `id, tenant_id, org_id, user_id, correlation_id, packet_type, payload, labels,
	scope, importance_score, access_count, last_accessed, last_decayed, content_hash,
	is_chunked, chunk_index, chunk_count, created_at, expires_at`

func scanPacket(row scanner) (*memory.Packet, error) {
	var (
		p                              memory.Packet
		payload, labels, scope         string
		isChunked                      int
		createdAt                      int64
		lastAccessed, lastDecayed, exp sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.OrgID, &p.UserID, &p.CorrelationID, &p.Type, &payload, &labels,
		&scope, &p.Importance, &p.AccessCount, &lastAccessed, &lastDecayed, &p.ContentHash,
		&isChunked, &p.ChunkIndex, &p.ChunkCount, &createdAt, &exp)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &p.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", p.ID, err)
	}
	if labels != "" && labels != "{}" {
		if err := json.Unmarshal([]byte(labels), &p.Labels); err != nil {
			return nil, fmt.Errorf("decode labels of %s: %w", p.ID, err)
		}
	}
	p.Scope = memory.Scope(scope)
	p.IsChunked = isChunked != 0
	p.CreatedAt = fromMS(createdAt)
	p.LastAccessed = fromNullMS(lastAccessed)
	p.LastDecayed = fromNullMS(lastDecayed)
	p.ExpiresAt = fromNullMS(exp)
	return &p, nil
}

func collectPackets(rows *sql.Rows) ([]*memory.Packet, error) {
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
	payload, err := jsonText(p.Payload)
	if err != nil {
		return nil, false, err
	}
	labels := "{}"
	if len(p.Labels) > 0 {
		if labels, err = jsonText(p.Labels); err != nil {
			return nil, false, err
		}
	}

	visible, orgArgs := conflictOrgs(scope)
	args := []any{p.ID, p.TenantID, p.OrgID, p.UserID, p.CorrelationID, p.Type, payload, labels,
		string(p.Scope), p.Importance, p.ContentHash, boolInt(p.IsChunked), p.ChunkIndex, p.ChunkCount,
		ms(p.CreatedAt), msPtr(p.ExpiresAt)}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO packets (id, tenant_id, org_id, user_id, correlation_id, packet_type, payload, labels,
			scope, importance_score, access_count, content_hash, is_chunked, chunk_index, chunk_count,
			created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, content_hash) DO UPDATE SET
			access_count = packets.access_count + 1,
			last_accessed = excluded.created_at
		WHERE packets.packet_type = excluded.packet_type`+visible+`
		RETURNING `+packetColumns, append(args, orgArgs...)...)
	stored, err := scanPacket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, s.refusedUpsert(ctx, p, scope)
	}
	if err != nil {
		return nil, false, fmt.Errorf("upsert packet: %w", err)
	}
	return stored, stored.ID == p.ID, nil
}

// conflictOrgs restricts the conflict update to rows of orgs scope reads.
func conflictOrgs(scope tenancy.Scope) (string, []any) {
	if scope.AllTenants || scope.AllOrgs {
		return "", nil
	}
	return " AND (packets.org_id = '' OR packets.org_id = ?)", []any{scope.OrgID}
}

// refusedUpsert explains why the conflict update matched no row.
func (s *Store) refusedUpsert(ctx context.Context, p *memory.Packet, scope tenancy.Scope) error {
	var org, typ string
	err := s.db.QueryRowContext(ctx,
		`SELECT org_id, packet_type FROM packets WHERE tenant_id = ? AND content_hash = ?`,
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

// GetPacket loads one packet regardless of tenant. The engine checks
// visibility.
func (s *Store) GetPacket(ctx context.Context, id string) (*memory.Packet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+packetColumns+` FROM packets WHERE id = ?`, id)
	p, err := scanPacket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("packet %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get packet: %w", err)
	}
	return p, nil
}

func packetWhere(f memory.PacketFilter, scope tenancy.Scope) *where {
	w := &where{}
	w.scope(scope)
	w.in("id", f.IDs)
	w.in("packet_type", f.Types)
	if len(f.Scopes) > 0 {
		scopes := make([]string, len(f.Scopes))
		for i, sc := range f.Scopes {
			scopes[i] = string(sc)
		}
		w.in("scope", scopes)
	}
	if f.UserID != "" {
		w.add("user_id = ?", f.UserID)
	}
	if f.CorrelationID != "" {
		w.add("correlation_id = ?", f.CorrelationID)
	}
	for k, v := range f.Labels {
		w.add("json_extract(labels, ?) = ?", labelPath(k), v)
	}
	if !f.CreatedAfter.IsZero() {
		w.add("created_at >= ?", ms(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		w.add("created_at < ?", ms(f.CreatedBefore))
	}
	if f.MinImportance > 0 {
		w.add("importance_score >= ?", f.MinImportance)
	}
	if !f.Now.IsZero() {
		w.add("(expires_at IS NULL OR expires_at > ?)", ms(f.Now))
	}
	return w
}

// ListPackets returns up to limit matching packets, most important first
// unless f pages.
func (s *Store) ListPackets(ctx context.Context, f memory.PacketFilter, scope tenancy.Scope, limit int) ([]*memory.Packet, error) {
	w := packetWhere(f, scope)
	order := w.page(f.Page, "importance_score DESC, created_at DESC, id")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+packetColumns+` FROM packets`+w.String()+` ORDER BY `+order+` LIMIT ?`,
		append(w.args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("list packets: %w", err)
	}
	return collectPackets(rows)
}

// TouchPacket records one access in a single transaction.
func (s *Store) TouchPacket(ctx context.Context, id string, scope tenancy.Scope, boost float64, entry *memory.AccessLogEntry) (*memory.Packet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin touch: %w", err)
	}
	defer tx.Rollback()

	w := &where{}
	w.add("id = ?", id)
	w.scope(scope)
	args := append([]any{ms(entry.AccessAt), boost}, w.args...)
	row := tx.QueryRowContext(ctx, `
		UPDATE packets SET
			access_count = access_count + 1,
			last_accessed = ?,
			importance_score = MIN(1.0, importance_score + ?)`+w.String()+`
		RETURNING `+packetColumns, args...)
	p, err := scanPacket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("packet %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("touch packet: %w", err)
	}

	var useful any
	if entry.Useful != nil {
		useful = boolInt(*entry.Useful)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO access_log (id, packet_id, agent_id, relevance, useful, accessed_at,
			tenant_id, org_id, user_id, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, id, entry.AgentID, entry.Relevance, useful, ms(entry.AccessAt),
		entry.TenantID, entry.OrgID, entry.UserID, entry.CorrelationID); err != nil {
		return nil, fmt.Errorf("append access log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit touch: %w", err)
	}
	return p, nil
}

// AccessLog returns the latest accesses of a packet, newest first.
func (s *Store) AccessLog(ctx context.Context, packetID string, limit int) ([]*memory.AccessLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, packet_id, agent_id, relevance, useful, accessed_at,
			tenant_id, org_id, user_id, correlation_id
		FROM access_log WHERE packet_id = ?
		ORDER BY accessed_at DESC, id DESC LIMIT ?`, packetID, limit)
	if err != nil {
		return nil, fmt.Errorf("access log: %w", err)
	}
	defer rows.Close()

	var out []*memory.AccessLogEntry
	for rows.Next() {
		var (
			e          memory.AccessLogEntry
			relevance  sql.NullFloat64
			useful     sql.NullInt64
			accessedAt int64
		)
		if err := rows.Scan(&e.ID, &e.PacketID, &e.AgentID, &relevance, &useful, &accessedAt,
			&e.TenantID, &e.OrgID, &e.UserID, &e.CorrelationID); err != nil {
			return nil, fmt.Errorf("scan access log: %w", err)
		}
		if relevance.Valid {
			e.Relevance = &relevance.Float64
		}
		if useful.Valid {
			b := useful.Int64 != 0
			e.Useful = &b
		}
		e.AccessAt = fromMS(accessedAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeletePacket removes a packet; embeddings and access log cascade.
func (s *Store) DeletePacket(ctx context.Context, id string, scope tenancy.Scope) error {
	w := &where{}
	w.add("id = ?", id)
	w.scope(scope)
	res, err := s.db.ExecContext(ctx, `DELETE FROM packets`+w.String(), w.args...)
	if err != nil {
		return fmt.Errorf("delete packet: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("packet %s: %w", id, memory.ErrNotFound)
	}
	return nil
}

// DecayPackets fades one batch of neglected packets.
func (s *Store) DecayPackets(ctx context.Context, scope tenancy.Scope, p memory.DecayParams) (int64, error) {
	w := &where{}
	w.scope(scope)
	w.add("COALESCE(last_accessed, created_at) < ?", ms(p.AccessedBefore))
	w.add("importance_score > ?", p.Floor)
	w.add("(last_decayed IS NULL OR last_decayed < ?)", ms(p.DecayedBefore))

	args := append([]any{p.Floor, p.Step, ms(p.Now)}, w.args...)
	args = append(args, p.Limit)
	res, err := s.db.ExecContext(ctx, `
		UPDATE packets SET
			importance_score = MAX(?, importance_score - ?),
			last_decayed = ?
		WHERE id IN (SELECT id FROM packets`+w.String()+` ORDER BY id LIMIT ?)`, args...)
	if err != nil {
		return 0, fmt.Errorf("decay packets: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpiredPackets removes one batch of expired packets and returns
// their ids.
func (s *Store) DeleteExpiredPackets(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM packets WHERE id IN (
			SELECT id FROM packets
			WHERE expires_at IS NOT NULL AND expires_at <= ?
			ORDER BY expires_at LIMIT ?)
		RETURNING id`, ms(now), limit)
	if err != nil {
		return nil, fmt.Errorf("delete expired packets: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertEmbedding stores a vector, replacing the one of the same packet,
// space and chunk.
func (s *Store) UpsertEmbedding(ctx context.Context, e *memory.Embedding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (packet_id, space, chunk_index, vector, dimensions, chunk_text,
			tenant_id, org_id, user_id, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (packet_id, space, chunk_index) DO UPDATE SET
			vector = excluded.vector,
			dimensions = excluded.dimensions,
			chunk_text = excluded.chunk_text,
			created_at = excluded.created_at`,
		e.PacketID, string(e.Space), e.ChunkIndex, encodeVector(e.Vector), len(e.Vector), e.ChunkText,
		e.TenantID, e.OrgID, e.UserID, e.CorrelationID, ms(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// ListEmbeddings returns every embedding of a packet.
func (s *Store) ListEmbeddings(ctx context.Context, packetID string) ([]*memory.Embedding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT packet_id, space, chunk_index, vector, chunk_text,
			tenant_id, org_id, user_id, correlation_id, created_at
		FROM embeddings WHERE packet_id = ?
		ORDER BY space, chunk_index`, packetID)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()

	var out []*memory.Embedding
	for rows.Next() {
		var (
			e         memory.Embedding
			space     string
			blob      []byte
			createdAt int64
		)
		if err := rows.Scan(&e.PacketID, &space, &e.ChunkIndex, &blob, &e.ChunkText,
			&e.TenantID, &e.OrgID, &e.UserID, &e.CorrelationID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		e.Space = memory.Space(space)
		e.Vector = decodeVector(blob)
		e.CreatedAt = fromMS(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// SpaceDimension returns the stored vector length of space, 0 when empty.
func (s *Store) SpaceDimension(ctx context.Context, space memory.Space) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT dimensions FROM embeddings WHERE space = ? LIMIT 1`, string(space)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id FROM packets
		UNION SELECT tenant_id FROM facts
		UNION SELECT tenant_id FROM relationships
		UNION SELECT tenant_id FROM reflections
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return collectStrings(rows)
}

// Users lists the user ids that own packets within scope.
func (s *Store) Users(ctx context.Context, scope tenancy.Scope) ([]string, error) {
	w := &where{}
	w.scope(scope)
	w.add("user_id <> ''")
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM packets`+w.String()+` ORDER BY 1`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return collectStrings(rows)
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// scopeKeyExpr is the column or expression a consolidation kind groups by.
func scopeKeyExpr(kind memory.ScopeKind) (string, error) {
	switch kind {
	case memory.ScopeThread:
		return "correlation_id", nil
	case memory.ScopeAgent:
		return "user_id", nil
	case memory.ScopeTopic, memory.ScopeProject, memory.ScopeTask:
		return "COALESCE(json_extract(labels, '" + labelPath(string(kind)) + "'), '')", nil
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
	w := &where{}
	w.scope(scope)
	w.add("(expires_at IS NULL OR expires_at > ?)", ms(p.Now))

	args := append(w.args, p.MinPackets, ms(p.CreatedBefore), p.Limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT k, n, oldest, newest FROM (
			SELECT `+key+` AS k, COUNT(*) AS n, MIN(created_at) AS oldest, MAX(created_at) AS newest
			FROM packets`+w.String()+`
			GROUP BY k
		) WHERE k <> '' AND (n >= ? OR oldest < ?)
		ORDER BY n DESC, k LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("consolidation candidates: %w", err)
	}
	defer rows.Close()

	var out []memory.ScopeStats
	for rows.Next() {
		var (
			st             memory.ScopeStats
			oldest, newest int64
		)
		if err := rows.Scan(&st.Scope.Key, &st.Count, &oldest, &newest); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		st.Scope.Kind = p.Kind
		st.Oldest, st.Newest = fromMS(oldest), fromMS(newest)
		out = append(out, st)
	}
	return out, rows.Err()
}
