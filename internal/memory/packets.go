package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

// IngestResult is the stored packet and whether this call created it.
type IngestResult struct {
	Packet  *Packet `json:"packet"`
	Created bool    `json:"created"`
}

// Ingest stores a packet, or counts a repeat of identical content within the
// tenant as an access of the existing packet.
func (e *Engine) Ingest(ctx context.Context, tc tenancy.Context, in PacketInput) (res *IngestResult, err error) {
	const op = "ingest"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	hash, err := ContentHash(in.Payload)
	if err != nil {
		return nil, &Error{Op: op, Kind: ErrValidation, Err: err}
	}

	now := e.now()
	p := &Packet{
		ID:          uuid.NewString(),
		Owner:       tc.Owner(),
		Type:        in.Type,
		Payload:     in.Payload,
		Labels:      in.Labels,
		Scope:       in.Scope,
		Importance:  DefaultImportance,
		ContentHash: hash,
		IsChunked:   in.IsChunked,
		ChunkIndex:  in.ChunkIndex,
		ChunkCount:  in.ChunkCount,
		CreatedAt:   now,
	}
	if p.Scope == "" {
		p.Scope = ScopeShared
	}
	if in.Importance != nil {
		p.Importance = ClampImportance(*in.Importance)
	}
	if !p.IsChunked {
		p.ChunkCount = 1
	}
	if in.TTL > 0 {
		exp := now.Add(in.TTL)
		p.ExpiresAt = &exp
	}

	// The dedup key is tenant wide, so a repeat may hit a packet of another
	// org of the same tenant. The store refuses to count it.
	stored, created, err := e.repo.UpsertPacket(ctx, p, tc.Scope())
	if err != nil {
		return nil, wrapStorage(op, err)
	}
	if err := checkRead(op, tc, stored.Owner, "packet", stored.ID); err != nil {
		return nil, err
	}

	e.logger.Debug("packet ingested",
		zap.String("packet_id", stored.ID),
		zap.String("tenant_id", stored.TenantID),
		zap.Bool("created", created))
	return &IngestResult{Packet: stored, Created: created}, nil
}

// Get returns one packet. A packet of another tenant is a tenancy violation,
// not a miss. Public packets are visible to every context.
func (e *Engine) Get(ctx context.Context, tc tenancy.Context, id string) (p *Packet, err error) {
	const op = "get"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()
	return e.loadPacket(ctx, op, tc, id)
}

func (e *Engine) loadPacket(ctx context.Context, op string, tc tenancy.Context, id string) (*Packet, error) {
	p, err := e.repo.GetPacket(ctx, id)
	if err != nil {
		if derr := deadlineErr(op, ctx); derr != nil {
			return nil, derr
		}
		return nil, wrapStorage(op, err)
	}
	if err := checkRead(op, tc, p.Owner, "packet", id); err != nil {
		return nil, err
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(e.now()) {
		return nil, opError(op, ErrNotFound, "packet %s expired", id)
	}
	return p, nil
}

// RecordAccess counts one read of a packet by an agent. It is the only path
// through which reads raise importance. Counter updates on public packets
// are allowed for every reader.
func (e *Engine) RecordAccess(ctx context.Context, tc tenancy.Context, packetID string, in AccessInput) (p *Packet, err error) {
	const op = "record access"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	if err := validateStruct(op, &in); err != nil {
		return nil, err
	}
	existing, err := e.loadPacket(ctx, op, tc, packetID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	entry := &AccessLogEntry{
		ID:        ulid.Make().String(),
		PacketID:  packetID,
		AgentID:   in.AgentID,
		Relevance: in.Relevance,
		Useful:    in.Useful,
		AccessAt:  now,
		Owner:     existing.Owner,
	}
	p, err = e.repo.TouchPacket(ctx, packetID, tc.Scope(), e.cfg.Scoring.AccessBoost, entry)
	if err != nil {
		return nil, wrapStorage(op, err)
	}
	if err := checkRead(op, tc, p.Owner, "packet", packetID); err != nil {
		return nil, err
	}
	return p, nil
}

// AccessLog returns the most recent reads of a packet, newest first.
func (e *Engine) AccessLog(ctx context.Context, tc tenancy.Context, packetID string, limit int) ([]*AccessLogEntry, error) {
	const op = "access log"
	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()
	if _, err := e.loadPacket(ctx, op, tc, packetID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	entries, err := e.repo.AccessLog(ctx, packetID, limit)
	if err != nil {
		if derr := deadlineErr(op, ctx); derr != nil {
			return nil, derr
		}
		return nil, wrapStorage(op, err)
	}
	return entries, nil
}

// Query returns the packets matching f ranked by combined importance.
func (e *Engine) Query(ctx context.Context, tc tenancy.Context, f PacketFilter, topK int) (out []RankedResult, err error) {
	const op = "query"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, opError(op, ErrValidation, "topK must be positive, got %d", topK)
	}
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()

	now := e.now()
	f.Now = now
	best := newTopN(topK, rankedBefore)
	err = e.eachPacket(ctx, f, tc.Scope(), func(p *Packet) error {
		if err := checkRead(op, tc, p.Owner, "packet", p.ID); err != nil {
			e.logger.Error("scoped query returned foreign row",
				zap.String("packet_id", p.ID),
				zap.String("row_tenant", p.TenantID),
				zap.String("ctx_tenant", tc.TenantID))
			return err
		}
		best.push(RankedResult{Packet: p, Score: PacketScore(p, now, e.cfg.Scoring), ChunkIndex: WholePacket})
		return nil
	})
	if err != nil {
		return nil, walkErr(op, ctx, err)
	}
	if err := deadlineErr(op, ctx); err != nil {
		return nil, err
	}
	return best.result(), nil
}

// Delete hard-deletes a packet with its embeddings, access log and index
// points.
func (e *Engine) Delete(ctx context.Context, tc tenancy.Context, id string) (err error) {
	const op = "delete"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err := authorize(op, tc); err != nil {
		return err
	}
	p, err := e.repo.GetPacket(ctx, id)
	if err != nil {
		return wrapStorage(op, err)
	}
	if err := checkWrite(op, tc, p.Owner, "packet", id); err != nil {
		return err
	}
	if err := e.repo.DeletePacket(ctx, id, tc.Scope()); err != nil {
		return wrapStorage(op, err)
	}
	e.dropFromIndex(ctx, id)
	return nil
}

// dropFromIndex removes a deleted packet's points. The rows are already gone
// so a failure only leaves orphan points, which searches skip.
func (e *Engine) dropFromIndex(ctx context.Context, packetID string) {
	if e.index == nil {
		return
	}
	err := e.indexBreaker.Do(func() error { return e.index.DeletePacket(ctx, packetID) })
	if err != nil {
		e.logger.Warn("vector index delete failed", zap.String("packet_id", packetID), zap.Error(err))
	}
}

func rankedBefore(a, b RankedResult) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.Packet.CreatedAt.Equal(b.Packet.CreatedAt) {
		return a.Packet.CreatedAt.After(b.Packet.CreatedAt)
	}
	return a.Packet.ID < b.Packet.ID
}
