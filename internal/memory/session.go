package memory

import (
	"context"

	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

// Session binds one tenancy context to the engine. It is created once per
// request or connection so that callers cannot forget or swap the identity
// between calls.
type Session struct {
	engine *Engine
	tc     tenancy.Context
}

// Session validates tc and returns a session bound to it.
func (e *Engine) Session(tc tenancy.Context) (*Session, error) {
	if err := authorize("session", tc); err != nil {
		return nil, err
	}
	return &Session{engine: e, tc: tc}, nil
}

// Context returns the bound identity.
func (s *Session) Context() tenancy.Context { return s.tc }

func (s *Session) Ingest(ctx context.Context, in PacketInput) (*IngestResult, error) {
	return s.engine.Ingest(ctx, s.tc, in)
}

func (s *Session) Get(ctx context.Context, id string) (*Packet, error) {
	return s.engine.Get(ctx, s.tc, id)
}

func (s *Session) RecordAccess(ctx context.Context, packetID string, in AccessInput) (*Packet, error) {
	return s.engine.RecordAccess(ctx, s.tc, packetID, in)
}

func (s *Session) AccessLog(ctx context.Context, packetID string, limit int) ([]*AccessLogEntry, error) {
	return s.engine.AccessLog(ctx, s.tc, packetID, limit)
}

func (s *Session) Query(ctx context.Context, f PacketFilter, topK int) ([]RankedResult, error) {
	return s.engine.Query(ctx, s.tc, f, topK)
}

func (s *Session) Delete(ctx context.Context, id string) error {
	return s.engine.Delete(ctx, s.tc, id)
}

func (s *Session) Embed(ctx context.Context, in EmbedInput) error {
	return s.engine.Embed(ctx, s.tc, in)
}

func (s *Session) SearchSpace(ctx context.Context, space Space, vector []float32, topK int) ([]RankedResult, error) {
	return s.engine.SearchSpace(ctx, s.tc, space, vector, topK)
}

func (s *Session) SearchSpaces(ctx context.Context, queries map[Space][]float32, weights map[Space]float64, topK int) ([]RankedResult, error) {
	return s.engine.SearchSpaces(ctx, s.tc, queries, weights, topK)
}

func (s *Session) AssertFact(ctx context.Context, in FactInput) (*Fact, error) {
	return s.engine.AssertFact(ctx, s.tc, in)
}

func (s *Session) Reinforce(ctx context.Context, factID string, step float64) (*Fact, error) {
	return s.engine.Reinforce(ctx, s.tc, factID, step)
}

func (s *Session) Decay(ctx context.Context, factID string, step float64) (*Fact, error) {
	return s.engine.Decay(ctx, s.tc, factID, step)
}

func (s *Session) QueryFacts(ctx context.Context, f FactFilter, topK int) ([]RankedFact, error) {
	return s.engine.QueryFacts(ctx, s.tc, f, topK)
}

func (s *Session) HighConfidenceFacts(ctx context.Context, n int) ([]RankedFact, error) {
	return s.engine.HighConfidenceFacts(ctx, s.tc, n)
}

func (s *Session) UpsertRelationship(ctx context.Context, in RelationshipInput) (*Relationship, error) {
	return s.engine.UpsertRelationship(ctx, s.tc, in)
}

func (s *Session) Relationships(ctx context.Context, f RelationshipFilter, limit int) ([]*Relationship, error) {
	return s.engine.Relationships(ctx, s.tc, f, limit)
}

func (s *Session) Neighbors(ctx context.Context, entity string, depth, limit int) ([]*Relationship, error) {
	return s.engine.Neighbors(ctx, s.tc, entity, depth, limit)
}

func (s *Session) Consolidate(ctx context.Context, scope ConsolidationScope) (*Summary, error) {
	return s.engine.Consolidate(ctx, s.tc, scope)
}

func (s *Session) Reflect(ctx context.Context, in ReflectionInput) (*Reflection, error) {
	return s.engine.Reflect(ctx, s.tc, in)
}

func (s *Session) Reflections(ctx context.Context, f ReflectionFilter, topK int) ([]RankedReflection, error) {
	return s.engine.Reflections(ctx, s.tc, f, topK)
}

func (s *Session) RecentImportant(ctx context.Context, agentID string, n int) ([]RankedResult, error) {
	return s.engine.RecentImportant(ctx, s.tc, agentID, n)
}

func (s *Session) BuildContext(ctx context.Context, req ContextRequest) ([]ContextBlock, error) {
	return s.engine.BuildContext(ctx, s.tc, req)
}
