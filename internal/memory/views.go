package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

// View names. Cache keys are "view:<name>:<tenant>".
const (
	ViewRecentImportant     = "recent_important"
	ViewHighConfidenceFacts = "high_confidence_facts"
	ViewEntityRollup        = "entity_rollup"
)

func viewKey(name, tenant string) string {
	return fmt.Sprintf("view:%s:%s", name, tenant)
}

// RecentImportantView holds each agent's most important recent packets
// across every org of the tenant and public memory. Truncated marks agents
// with more rows than the view keeps.
type RecentImportantView struct {
	GeneratedAt time.Time                 `json:"generated_at"`
	ByAgent     map[string][]RankedResult `json:"by_agent"`
	Truncated   map[string]bool           `json:"truncated,omitempty"`
}

// FactsView holds the tenant's high-confidence, uncontested facts.
type FactsView struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Facts       []RankedFact `json:"facts"`
	Truncated   bool         `json:"truncated,omitempty"`
}

// EntityStat aggregates the edges touching one entity.
type EntityStat struct {
	Entity     string  `json:"entity"`
	Degree     int     `json:"degree"`
	Mentions   int64   `json:"mentions"`
	Confidence float64 `json:"confidence"` // mean over touching edges
}

// EntityRollupView ranks the tenant's entities by mentions.
type EntityRollupView struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Entities    []EntityStat `json:"entities"`
	Truncated   bool         `json:"truncated,omitempty"`
}

// refreshTenantViews recomputes every view of one tenant and rebuilds the
// tenant's graph projection. It returns the number of rows written.
func (e *Engine) refreshTenantViews(ctx context.Context, tenant string) (int64, error) {
	var written int64
	// Public memory has no views of its own; it is folded into each tenant's.
	cacheViews := e.views != nil && tenant != ""
	if cacheViews {
		ttl := e.cfg.Maintenance.ViewTTL

		recent, err := e.computeRecentImportant(ctx, tenant)
		if err != nil {
			return written, fmt.Errorf("recent important: %w", err)
		}
		if err := e.views.Put(ctx, viewKey(ViewRecentImportant, tenant), recent, ttl); err != nil {
			return written, fmt.Errorf("store recent important: %w", err)
		}
		for _, rs := range recent.ByAgent {
			written += int64(len(rs))
		}

		facts, err := e.computeFactsView(ctx, tenant)
		if err != nil {
			return written, fmt.Errorf("high confidence facts: %w", err)
		}
		if err := e.views.Put(ctx, viewKey(ViewHighConfidenceFacts, tenant), facts, ttl); err != nil {
			return written, fmt.Errorf("store high confidence facts: %w", err)
		}
		written += int64(len(facts.Facts))

		visible, err := e.allRelationships(ctx, RelationshipFilter{}, tenancy.System(tenant).Scope())
		if err != nil {
			return written, fmt.Errorf("list visible relationships: %w", err)
		}
		rollup := e.rollup(visible, e.cfg.Maintenance.ViewSize)
		if err := e.views.Put(ctx, viewKey(ViewEntityRollup, tenant), rollup, ttl); err != nil {
			return written, fmt.Errorf("store entity rollup: %w", err)
		}
		written += int64(len(rollup.Entities))
	}

	if e.graph != nil {
		rels, err := e.allRelationships(ctx, RelationshipFilter{}, tenancy.TenantScope(tenant))
		if err != nil {
			return written, fmt.Errorf("list relationships: %w", err)
		}
		if err := e.graphBreaker.Do(func() error { return e.graph.Rebuild(ctx, tenant, rels) }); err != nil {
			return written, fmt.Errorf("rebuild graph: %w", err)
		}
		written += int64(len(rels))
	}
	return written, nil
}

// computeRecentImportant ranks the recent packets a tenant admin would see,
// keeping one row past ViewSize per agent to detect truncation.
func (e *Engine) computeRecentImportant(ctx context.Context, tenant string) (*RecentImportantView, error) {
	now := e.now()
	size := e.cfg.Maintenance.ViewSize
	byAgent := make(map[string]*topN[RankedResult])
	err := e.eachPacket(ctx, PacketFilter{
		CreatedAfter: now.Add(-e.cfg.Maintenance.RecentWindow),
		Now:          now,
	}, tenancy.System(tenant).Scope(), func(p *Packet) error {
		best, ok := byAgent[p.UserID]
		if !ok {
			best = newTopN(size+1, rankedBefore)
			byAgent[p.UserID] = best
		}
		best.push(RankedResult{Packet: p, Score: PacketScore(p, now, e.cfg.Scoring), ChunkIndex: WholePacket})
		return nil
	})
	if err != nil {
		return nil, err
	}
	v := &RecentImportantView{
		GeneratedAt: now,
		ByAgent:     make(map[string][]RankedResult, len(byAgent)),
		Truncated:   make(map[string]bool),
	}
	for agent, best := range byAgent {
		rs := best.result()
		if len(rs) > size {
			rs = rs[:size]
			v.Truncated[agent] = true
		}
		v.ByAgent[agent] = rs
	}
	return v, nil
}

func (e *Engine) computeFactsView(ctx context.Context, tenant string) (*FactsView, error) {
	size := e.cfg.Maintenance.ViewSize
	facts, err := e.rankFacts(ctx, "high confidence facts", tenancy.System(tenant), FactFilter{
		MinConfidence:    e.cfg.Facts.HighConfidence,
		ExcludeContested: true,
	}, size+1)
	if err != nil {
		return nil, err
	}
	v := &FactsView{GeneratedAt: e.now(), Facts: facts}
	if len(facts) > size {
		v.Facts, v.Truncated = facts[:size], true
	}
	return v, nil
}

func (e *Engine) rollup(rels []*Relationship, size int) *EntityRollupView {
	stats := make(map[string]*EntityStat)
	confSum := make(map[string]float64)
	touch := func(raw, norm string, r *Relationship) {
		s, ok := stats[norm]
		if !ok {
			s = &EntityStat{Entity: raw}
			stats[norm] = s
		}
		s.Degree++
		s.Mentions += r.MentionCount
		confSum[norm] += r.Confidence
	}
	for _, r := range rels {
		touch(r.Source, r.SourceNorm, r)
		if r.TargetNorm != r.SourceNorm {
			touch(r.Target, r.TargetNorm, r)
		}
	}

	v := &EntityRollupView{GeneratedAt: e.now(), Entities: make([]EntityStat, 0, len(stats))}
	for norm, s := range stats {
		s.Confidence = confSum[norm] / float64(s.Degree)
		v.Entities = append(v.Entities, *s)
	}
	sort.Slice(v.Entities, func(i, j int) bool {
		a, b := v.Entities[i], v.Entities[j]
		if a.Mentions != b.Mentions {
			return a.Mentions > b.Mentions
		}
		return a.Entity < b.Entity
	})
	if len(v.Entities) > size {
		v.Entities, v.Truncated = v.Entities[:size], true
	}
	return v
}

// cachedView loads a view of the caller's tenant. Callers without a tenant
// always compute live.
func (e *Engine) cachedView(ctx context.Context, tc tenancy.Context, name string, dst any) bool {
	if e.views == nil || tc.TenantID == "" {
		return false
	}
	ok, err := e.views.Get(ctx, viewKey(name, tc.TenantID), dst)
	if err != nil {
		e.logger.Warn("view cache read failed", zap.String("view", name), zap.Error(err))
		return false
	}
	return ok
}

// fromView keeps the rows of a cached, tenant wide ranking that tc may read,
// up to n. It reports false when the readable rows of the cached prefix are
// fewer than n and the view dropped rows, so the caller must read live.
func fromView[T any](tc tenancy.Context, rows []T, truncated bool, n int, owner func(T) tenancy.Owner) ([]T, bool) {
	out := make([]T, 0, n)
	for _, r := range rows {
		if !tc.CanRead(owner(r)) {
			continue
		}
		out = append(out, r)
		if len(out) == n {
			return out, true
		}
	}
	return out, !truncated
}

// RecentImportant returns an agent's most important packets of the recent
// window, from the refreshed view when it holds enough readable rows.
func (e *Engine) RecentImportant(ctx context.Context, tc tenancy.Context, agentID string, n int) (out []RankedResult, err error) {
	const op = "recent important"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = e.cfg.Maintenance.ViewSize
	}
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()

	var v RecentImportantView
	if e.cachedView(ctx, tc, ViewRecentImportant, &v) {
		out, ok := fromView(tc, v.ByAgent[agentID], v.Truncated[agentID], n,
			func(r RankedResult) tenancy.Owner { return r.Packet.Owner })
		if ok {
			return out, nil
		}
	}

	now := e.now()
	best := newTopN(n, rankedBefore)
	err = e.eachPacket(ctx, PacketFilter{
		UserID:       agentID,
		CreatedAfter: now.Add(-e.cfg.Maintenance.RecentWindow),
		Now:          now,
	}, tc.Scope(), func(p *Packet) error {
		if err := checkRead(op, tc, p.Owner, "packet", p.ID); err != nil {
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

// HighConfidenceFacts returns facts at or above the high-confidence
// threshold that are not contested, from the refreshed view when it holds
// enough readable rows.
func (e *Engine) HighConfidenceFacts(ctx context.Context, tc tenancy.Context, n int) (out []RankedFact, err error) {
	const op = "high confidence facts"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = e.cfg.Maintenance.ViewSize
	}
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()

	var v FactsView
	if e.cachedView(ctx, tc, ViewHighConfidenceFacts, &v) {
		out, ok := fromView(tc, v.Facts, v.Truncated, n,
			func(f RankedFact) tenancy.Owner { return f.Fact.Owner })
		if ok {
			return out, nil
		}
	}
	return e.rankFacts(ctx, op, tc, FactFilter{
		MinConfidence:    e.cfg.Facts.HighConfidence,
		ExcludeContested: true,
	}, n)
}

// EntityRollup returns the most mentioned entities. The cached rollup
// aggregates everything a tenant admin sees, so only tenant admins are
// served from it.
func (e *Engine) EntityRollup(ctx context.Context, tc tenancy.Context, n int) (out []EntityStat, err error) {
	const op = "entity rollup"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = e.cfg.Maintenance.ViewSize
	}
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()

	var v EntityRollupView
	if tc.Role == tenancy.RoleTenantAdmin && e.cachedView(ctx, tc, ViewEntityRollup, &v) &&
		(len(v.Entities) >= n || !v.Truncated) {
		if len(v.Entities) > n {
			return v.Entities[:n], nil
		}
		return v.Entities, nil
	}

	var rels []*Relationship
	err = e.eachRelationship(ctx, RelationshipFilter{}, tc.Scope(), func(r *Relationship) error {
		if err := checkRead(op, tc, r.Owner, "relationship", r.ID); err != nil {
			return err
		}
		rels = append(rels, r)
		return nil
	})
	if err != nil {
		return nil, walkErr(op, ctx, err)
	}
	if err := deadlineErr(op, ctx); err != nil {
		return nil, err
	}
	return e.rollup(rels, n).Entities, nil
}
