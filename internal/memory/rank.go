package memory

import (
	"context"
	"errors"
	"sort"

	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

// walk calls fn on every row list returns, requesting pages of size rows in
// id order until a short page. Ranking happens in Go, so no row may be cut
// by a storage-side order.
func walk[T any](ctx context.Context, size int, list func(*Page) ([]T, error), id func(T) string, fn func(T) error) error {
	page := &Page{}
	for {
		rows, err := list(page)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := fn(row); err != nil {
				return err
			}
		}
		if len(rows) < size {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		page = &Page{AfterID: id(rows[len(rows)-1])}
	}
}

func (e *Engine) eachPacket(ctx context.Context, f PacketFilter, scope tenancy.Scope, fn func(*Packet) error) error {
	size := e.cfg.Scoring.CandidateLimit
	return walk(ctx, size, func(p *Page) ([]*Packet, error) {
		f.Page = p
		return e.repo.ListPackets(ctx, f, scope, size)
	}, func(p *Packet) string { return p.ID }, fn)
}

func (e *Engine) eachFact(ctx context.Context, f FactFilter, scope tenancy.Scope, fn func(*Fact) error) error {
	size := e.cfg.Scoring.CandidateLimit
	return walk(ctx, size, func(p *Page) ([]*Fact, error) {
		f.Page = p
		return e.repo.ListFacts(ctx, f, scope, size)
	}, func(f *Fact) string { return f.ID }, fn)
}

func (e *Engine) eachRelationship(ctx context.Context, f RelationshipFilter, scope tenancy.Scope, fn func(*Relationship) error) error {
	size := e.cfg.Scoring.CandidateLimit
	return walk(ctx, size, func(p *Page) ([]*Relationship, error) {
		f.Page = p
		return e.repo.ListRelationships(ctx, f, scope, size)
	}, func(r *Relationship) string { return r.ID }, fn)
}

func (e *Engine) eachReflection(ctx context.Context, f ReflectionFilter, scope tenancy.Scope, fn func(*Reflection) error) error {
	size := e.cfg.Scoring.CandidateLimit
	return walk(ctx, size, func(p *Page) ([]*Reflection, error) {
		f.Page = p
		return e.repo.ListReflections(ctx, f, scope, size)
	}, func(r *Reflection) string { return r.ID }, fn)
}

// allRelationships collects every edge matching f within scope.
func (e *Engine) allRelationships(ctx context.Context, f RelationshipFilter, scope tenancy.Scope) ([]*Relationship, error) {
	var out []*Relationship
	err := e.eachRelationship(ctx, f, scope, func(r *Relationship) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// walkErr classifies an error that stopped a walk. Kinded errors raised by
// the row callback pass through unchanged.
func walkErr(op string, ctx context.Context, err error) error {
	var me *Error
	if errors.As(err, &me) {
		return err
	}
	if derr := deadlineErr(op, ctx); derr != nil {
		return derr
	}
	return wrapStorage(op, err)
}

// topN keeps the best n items pushed into it. before reports whether a
// ranks ahead of b.
type topN[T any] struct {
	n      int
	before func(a, b T) bool
	items  []T
}

func newTopN[T any](n int, before func(a, b T) bool) *topN[T] {
	return &topN[T]{n: n, before: before}
}

func (t *topN[T]) push(v T) {
	t.items = append(t.items, v)
	if len(t.items) >= 2*t.n+64 {
		t.trim()
	}
}

func (t *topN[T]) trim() {
	sort.SliceStable(t.items, func(i, j int) bool { return t.before(t.items[i], t.items[j]) })
	if len(t.items) > t.n {
		t.items = t.items[:t.n]
	}
}

// result returns the kept items, best first.
func (t *topN[T]) result() []T {
	t.trim()
	if t.items == nil {
		return []T{}
	}
	return t.items
}
