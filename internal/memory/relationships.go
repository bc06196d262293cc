package memory

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/memory-substrate/internal/resilience"
	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

// MaxTraversalDepth bounds Neighbors.
const MaxTraversalDepth = 4

// UpsertRelationship records one observation of an edge between two
// entities. Repeated observations of the same edge reinforce the one row.
func (e *Engine) UpsertRelationship(ctx context.Context, tc tenancy.Context, in RelationshipInput) (r *Relationship, err error) {
	const op = "upsert relationship"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.SourcePacketID != "" {
		if _, err := e.loadPacket(ctx, op, tc, in.SourcePacketID); err != nil {
			return nil, err
		}
	}

	conf := e.cfg.Relationships.InitialConfidence
	if in.Confidence != nil {
		conf = *in.Confidence
	}
	now := e.now()
	candidate := &Relationship{
		ID:             uuid.NewString(),
		Owner:          tc.Owner(),
		Source:         strings.TrimSpace(in.Source),
		SourceNorm:     NormalizeEntity(in.Source),
		Type:           NormalizePredicate(in.Type),
		Target:         strings.TrimSpace(in.Target),
		TargetNorm:     NormalizeEntity(in.Target),
		Confidence:     ClampImportance(conf),
		MentionCount:   1,
		SourcePacketID: in.SourcePacketID,
		FirstSeen:      now,
		LastSeen:       now,
	}

	stored, _, err := e.repo.UpsertRelationship(ctx, candidate, e.cfg.Relationships.ReinforceStep)
	if err != nil {
		return nil, wrapStorage(op, err)
	}
	if err := checkRead(op, tc, stored.Owner, "relationship", stored.ID); err != nil {
		return nil, err
	}
	e.project(ctx, stored)
	return stored, nil
}

// project mirrors an edge into the graph database. The graph is rebuilt by
// view refresh, so failures are only logged.
func (e *Engine) project(ctx context.Context, r *Relationship) {
	if e.graph == nil {
		return
	}
	if err := e.graphBreaker.Do(func() error { return e.graph.Project(ctx, r) }); err != nil {
		e.logger.Warn("graph projection failed",
			zap.String("relationship_id", r.ID),
			zap.Error(err))
	}
}

// Relationships lists edges matching f, most reinforced first.
func (e *Engine) Relationships(ctx context.Context, tc tenancy.Context, f RelationshipFilter, limit int) (out []*Relationship, err error) {
	const op = "relationships"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = e.cfg.Maintenance.ViewSize
	}
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()
	return e.listRelationships(ctx, op, tc, f, limit)
}

func (e *Engine) listRelationships(ctx context.Context, op string, tc tenancy.Context, f RelationshipFilter, limit int) ([]*Relationship, error) {
	f.Entity = NormalizeEntity(f.Entity)
	f.Source = NormalizeEntity(f.Source)
	f.Target = NormalizeEntity(f.Target)
	f.Type = NormalizePredicate(f.Type)

	rows, err := e.repo.ListRelationships(ctx, f, tc.Scope(), limit)
	if err != nil {
		if derr := deadlineErr(op, ctx); derr != nil {
			return nil, derr
		}
		return nil, wrapStorage(op, err)
	}
	if err := deadlineErr(op, ctx); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := checkRead(op, tc, r.Owner, "relationship", r.ID); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// Neighbors returns the edges reachable from entity within depth hops. The
// graph database answers when configured and healthy; otherwise the edges
// are walked breadth first from the repository.
func (e *Engine) Neighbors(ctx context.Context, tc tenancy.Context, entity string, depth, limit int) (out []*Relationship, err error) {
	const op = "neighbors"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	name := NormalizeEntity(entity)
	if name == "" {
		return nil, opError(op, ErrValidation, "entity is required")
	}
	if depth <= 0 {
		depth = 1
	}
	if depth > MaxTraversalDepth {
		depth = MaxTraversalDepth
	}
	if limit <= 0 {
		limit = e.cfg.Maintenance.ViewSize
	}
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()

	scope := tc.Scope()
	if e.graph != nil {
		rels, gerr := resilience.Call(e.graphBreaker, func() ([]*Relationship, error) {
			return e.graph.Neighbors(ctx, scope, name, depth, limit)
		})
		if gerr == nil {
			for _, r := range rels {
				if err := checkRead(op, tc, r.Owner, "relationship", r.ID); err != nil {
					return nil, err
				}
			}
			return rels, nil
		}
		if derr := deadlineErr(op, ctx); derr != nil {
			return nil, derr
		}
		e.logger.Warn("graph traversal failed, walking repository",
			zap.String("entity", name),
			zap.Error(gerr))
	}
	return e.walkRelationships(ctx, op, tc, name, depth, limit)
}

func (e *Engine) walkRelationships(ctx context.Context, op string, tc tenancy.Context, start string, depth, limit int) ([]*Relationship, error) {
	visited := map[string]bool{start: true}
	seen := make(map[string]bool)
	frontier := []string{start}
	var out []*Relationship

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, entity := range frontier {
			rels, err := e.listRelationships(ctx, op, tc, RelationshipFilter{Entity: entity}, limit)
			if err != nil {
				return nil, err
			}
			for _, r := range rels {
				if seen[r.ID] {
					continue
				}
				seen[r.ID] = true
				out = append(out, r)
				if len(out) >= limit {
					return out, nil
				}
				for _, n := range []string{r.SourceNorm, r.TargetNorm} {
					if !visited[n] {
						visited[n] = true
						next = append(next, n)
					}
				}
			}
		}
		frontier = next
	}
	return out, nil
}
