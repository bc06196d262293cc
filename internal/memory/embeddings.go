package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/memory-substrate/internal/resilience"
	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

// searchOversample is the first index query size per requested packet.
// Chunk hits of one packet can still crowd out others, so searches double it
// until enough distinct packets come back.
const searchOversample = 4

// Embed attaches a vector to a packet in one space, replacing the vector of
// the same (space, chunk) pair.
func (e *Engine) Embed(ctx context.Context, tc tenancy.Context, in EmbedInput) (err error) {
	const op = "embed"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err := authorize(op, tc); err != nil {
		return err
	}
	if err := validateStruct(op, &in); err != nil {
		return err
	}
	p, err := e.loadPacket(ctx, op, tc, in.PacketID)
	if err != nil {
		return err
	}
	if err := checkWrite(op, tc, p.Owner, "packet", p.ID); err != nil {
		return err
	}
	pinned, err := e.pinDimension(ctx, op, in.Space, len(in.Vector))
	if err != nil {
		return err
	}

	emb := &Embedding{
		PacketID:   p.ID,
		Space:      in.Space,
		Vector:     in.Vector,
		ChunkIndex: WholePacket,
		ChunkText:  in.ChunkText,
		CreatedAt:  e.now(),
		Owner:      p.Owner,
	}
	if in.ChunkIndex != nil {
		emb.ChunkIndex = *in.ChunkIndex
	}
	if err := e.repo.UpsertEmbedding(ctx, emb); err != nil {
		if pinned {
			e.dims.CompareAndDelete(in.Space, len(in.Vector))
		}
		return wrapStorage(op, err)
	}
	if err := e.indexEmbedding(ctx, emb); err != nil {
		// The row is stored; a retry or Reindex repairs the index.
		return fmt.Errorf("%s: index packet %s: %w", op, p.ID, err)
	}
	return nil
}

// dimension returns the vector length of space, 0 while it is empty. The
// first lookup reads it from stored embeddings.
func (e *Engine) dimension(ctx context.Context, space Space) (int, error) {
	if d, ok := e.dims.Load(space); ok {
		return d.(int), nil
	}
	n, err := e.repo.SpaceDimension(ctx, space)
	if err != nil || n == 0 {
		return 0, err
	}
	d, _ := e.dims.LoadOrStore(space, n)
	return d.(int), nil
}

// pinDimension checks n against the vector length of space and pins an
// empty space to n. It reports whether this call did the pinning.
func (e *Engine) pinDimension(ctx context.Context, op string, space Space, n int) (bool, error) {
	d, err := e.dimension(ctx, space)
	if err != nil {
		return false, wrapStorage(op, err)
	}
	pinned := false
	if d == 0 {
		got, loaded := e.dims.LoadOrStore(space, n)
		d, pinned = got.(int), !loaded
	}
	if d != n {
		return false, opError(op, ErrValidation, "space %s holds %d-dimensional vectors, got %d", space, d, n)
	}
	return pinned, nil
}

func (e *Engine) indexEmbedding(ctx context.Context, emb *Embedding) error {
	if e.index == nil {
		return nil
	}
	return e.indexBreaker.Do(func() error { return e.index.Upsert(ctx, emb) })
}

// Reindex pushes every stored embedding of a packet into the vector index
// again and returns how many were pushed.
func (e *Engine) Reindex(ctx context.Context, tc tenancy.Context, packetID string) (int, error) {
	const op = "reindex"
	if err := authorize(op, tc); err != nil {
		return 0, err
	}
	p, err := e.loadPacket(ctx, op, tc, packetID)
	if err != nil {
		return 0, err
	}
	if err := checkWrite(op, tc, p.Owner, "packet", p.ID); err != nil {
		return 0, err
	}
	embs, err := e.repo.ListEmbeddings(ctx, packetID)
	if err != nil {
		return 0, wrapStorage(op, err)
	}
	for i, emb := range embs {
		if err := e.indexEmbedding(ctx, emb); err != nil {
			return i, fmt.Errorf("%s: index %s/%s/%d: %w", op, packetID, emb.Space, emb.ChunkIndex, err)
		}
	}
	return len(embs), nil
}

// SearchSpace returns the packets nearest to vector within one space, most
// similar first. Each packet appears once, represented by its best chunk.
func (e *Engine) SearchSpace(ctx context.Context, tc tenancy.Context, space Space, vector []float32, topK int) (out []RankedResult, err error) {
	const op = "search space"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()
	return e.searchSpace(ctx, op, tc, space, vector, topK)
}

func (e *Engine) searchSpace(ctx context.Context, op string, tc tenancy.Context, space Space, vector []float32, topK int) ([]RankedResult, error) {
	if !space.Valid() {
		return nil, opError(op, ErrValidation, "unknown space %q", space)
	}
	if len(vector) == 0 {
		return nil, opError(op, ErrValidation, "empty query vector")
	}
	if topK <= 0 {
		return nil, opError(op, ErrValidation, "topK must be positive, got %d", topK)
	}
	if e.index == nil {
		return nil, opError(op, ErrValidation, "no vector index configured")
	}
	dim, err := e.dimension(ctx, space)
	if err != nil {
		if derr := deadlineErr(op, ctx); derr != nil {
			return nil, derr
		}
		return nil, wrapStorage(op, err)
	}
	if dim != 0 && dim != len(vector) {
		return nil, opError(op, ErrValidation, "space %s holds %d-dimensional vectors, got %d", space, dim, len(vector))
	}

	scope := tc.Scope()
	best, ids, err := e.nearestPackets(ctx, op, space, vector, scope, topK)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []RankedResult{}, nil
	}

	now := e.now()
	rows, err := e.repo.ListPackets(ctx, PacketFilter{IDs: ids, Now: now}, scope, len(ids))
	if err != nil {
		if derr := deadlineErr(op, ctx); derr != nil {
			return nil, derr
		}
		return nil, wrapStorage(op, err)
	}
	if err := deadlineErr(op, ctx); err != nil {
		return nil, err
	}

	out := make([]RankedResult, 0, len(rows))
	for _, p := range rows {
		if err := checkRead(op, tc, p.Owner, "packet", p.ID); err != nil {
			return nil, err
		}
		h := best[p.ID]
		out = append(out, RankedResult{
			Packet:     p,
			Score:      PacketScore(p, now, e.cfg.Scoring),
			Similarity: h.Score,
			Space:      space,
			ChunkIndex: h.ChunkIndex,
		})
	}
	sortBySimilarity(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// nearestPackets collects the best chunk hit of at least topK distinct
// packets, widening the index query until it has them or the index runs out.
// ids lists the packets in first-hit order.
func (e *Engine) nearestPackets(ctx context.Context, op string, space Space, vector []float32, scope tenancy.Scope, topK int) (map[string]VectorHit, []string, error) {
	for limit := topK * searchOversample; ; limit *= 2 {
		hits, err := resilience.Call(e.indexBreaker, func() ([]VectorHit, error) {
			return e.index.Search(ctx, space, vector, scope, limit)
		})
		if err != nil {
			if derr := deadlineErr(op, ctx); derr != nil {
				return nil, nil, derr
			}
			return nil, nil, wrapStorage(op, err)
		}

		best := make(map[string]VectorHit, len(hits))
		ids := make([]string, 0, len(hits))
		for _, h := range hits {
			if !scope.Allows(h.Owner) {
				return nil, nil, opError(op, ErrTenancyViolation, "index returned packet %s of tenant %q", h.PacketID, h.Owner.TenantID)
			}
			cur, seen := best[h.PacketID]
			if !seen {
				ids = append(ids, h.PacketID)
			}
			if !seen || h.Score > cur.Score {
				best[h.PacketID] = h
			}
		}
		if len(ids) >= topK || len(hits) < limit {
			return best, ids, nil
		}
		if err := deadlineErr(op, ctx); err != nil {
			return nil, nil, err
		}
		e.logger.Debug("widening vector search",
			zap.String("space", string(space)),
			zap.Int("limit", limit),
			zap.Int("packets", len(ids)))
	}
}

// SearchSpaces queries several spaces concurrently and merges the hits by
// weighted similarity. A space without a weight counts 1. Any failing space
// fails the whole call.
func (e *Engine) SearchSpaces(ctx context.Context, tc tenancy.Context, queries map[Space][]float32, weights map[Space]float64, topK int) (out []RankedResult, err error) {
	const op = "search spaces"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	if len(queries) == 0 {
		return nil, opError(op, ErrValidation, "no spaces to search")
	}
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()

	var mu sync.Mutex
	merged := make(map[string]*RankedResult)
	bestSim := make(map[string]float64)
	g, gctx := errgroup.WithContext(ctx)
	for space, vec := range queries {
		g.Go(func() error {
			res, err := e.searchSpace(gctx, op, tc, space, vec, topK)
			if err != nil {
				return err
			}
			w, ok := weights[space]
			if !ok {
				w = 1
			}
			mu.Lock()
			defer mu.Unlock()
			for _, r := range res {
				sim := w * r.Similarity
				cur, seen := merged[r.Packet.ID]
				if !seen {
					r.Similarity = sim
					merged[r.Packet.ID] = &r
					bestSim[r.Packet.ID] = sim
					continue
				}
				// Report the space and chunk that contributed most.
				if sim > bestSim[r.Packet.ID] {
					cur.Space, cur.ChunkIndex = r.Space, r.ChunkIndex
					bestSim[r.Packet.ID] = sim
				}
				cur.Similarity += sim
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if derr := deadlineErr(op, ctx); derr != nil {
			return nil, derr
		}
		return nil, err
	}

	out = make([]RankedResult, 0, len(merged))
	for _, r := range merged {
		out = append(out, *r)
	}
	sortBySimilarity(out)
	if len(out) > topK {
		out = out[:topK]
	}
	e.logger.Debug("multi-space search",
		zap.Int("spaces", len(queries)),
		zap.Int("results", len(out)))
	return out, nil
}

func sortBySimilarity(rs []RankedResult) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Similarity != rs[j].Similarity {
			return rs[i].Similarity > rs[j].Similarity
		}
		if rs[i].Score != rs[j].Score {
			return rs[i].Score > rs[j].Score
		}
		return rs[i].Packet.ID < rs[j].Packet.ID
	})
}
