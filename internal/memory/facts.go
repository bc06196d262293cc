package memory

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

// AssertFact records a subject-predicate-object assertion. Asserting a fact
// that already exists in the tenant counts as corroboration: confidence is
// reinforced by one step and the supporting count grows by one.
func (e *Engine) AssertFact(ctx context.Context, tc tenancy.Context, in FactInput) (f *Fact, err error) {
	const op = "assert fact"
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

	initial := e.cfg.Facts.InitialConfidence
	if in.InitialConfidence != nil {
		initial = *in.InitialConfidence
	}
	scope := in.Scope
	if scope == "" {
		scope = ScopeShared
	}
	now := e.now()
	object := strings.TrimSpace(in.Object)
	candidate := &Fact{
		ID:                  uuid.NewString(),
		Owner:               tc.Owner(),
		Subject:             strings.TrimSpace(in.Subject),
		SubjectNorm:         NormalizeEntity(in.Subject),
		Predicate:           NormalizePredicate(in.Predicate),
		Object:              object,
		ObjectNorm:          NormalizeEntity(object),
		ObjectType:          InferObjectType(object),
		Confidence:          ReinforcedConfidence(initial, e.cfg.Facts.ReinforceStep),
		SupportingCount:     1,
		SourcePacketID:      in.SourcePacketID,
		Scope:               scope,
		ConfidenceUpdatedAt: now,
		CreatedAt:           now,
	}

	stored, created, err := e.repo.UpsertFact(ctx, candidate, e.cfg.Facts.ReinforceStep)
	if err != nil {
		return nil, wrapStorage(op, err)
	}
	if err := checkRead(op, tc, stored.Owner, "fact", stored.ID); err != nil {
		return nil, err
	}
	e.logger.Debug("fact asserted",
		zap.String("fact_id", stored.ID),
		zap.Bool("created", created),
		zap.Float64("confidence", stored.Confidence))
	return stored, nil
}

// Reinforce raises a fact's confidence by step (default 0.05), capped at 1,
// and counts one more supporting observation. Evidence on public facts may
// be recorded by any reader.
func (e *Engine) Reinforce(ctx context.Context, tc tenancy.Context, factID string, step float64) (f *Fact, err error) {
	const op = "reinforce fact"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if step <= 0 {
		step = e.cfg.Facts.ReinforceStep
	}
	return e.adjustFact(ctx, op, tc, factID, step, false)
}

// Decay lowers a fact's confidence by step (default 0.1), floored at 0.1,
// and counts one more contradiction. Evidence on public facts may be
// recorded by any reader.
func (e *Engine) Decay(ctx context.Context, tc tenancy.Context, factID string, step float64) (f *Fact, err error) {
	const op = "decay fact"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if step <= 0 {
		step = e.cfg.Facts.DecayStep
	}
	return e.adjustFact(ctx, op, tc, factID, -step, true)
}

func (e *Engine) adjustFact(ctx context.Context, op string, tc tenancy.Context, id string, delta float64, contradiction bool) (*Fact, error) {
	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	if _, err := e.loadFact(ctx, op, tc, id); err != nil {
		return nil, err
	}
	f, err := e.repo.AdjustFact(ctx, id, tc.Scope(), delta, contradiction, e.now())
	if err != nil {
		return nil, wrapStorage(op, err)
	}
	if err := checkRead(op, tc, f.Owner, "fact", id); err != nil {
		return nil, err
	}
	return f, nil
}

func (e *Engine) loadFact(ctx context.Context, op string, tc tenancy.Context, id string) (*Fact, error) {
	f, err := e.repo.GetFact(ctx, id)
	if err != nil {
		return nil, wrapStorage(op, err)
	}
	if err := checkRead(op, tc, f.Owner, "fact", id); err != nil {
		return nil, err
	}
	return f, nil
}

// GetFact returns one fact.
func (e *Engine) GetFact(ctx context.Context, tc tenancy.Context, id string) (*Fact, error) {
	const op = "get fact"
	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	return e.loadFact(ctx, op, tc, id)
}

// RecordFactAccess counts one read of a fact.
func (e *Engine) RecordFactAccess(ctx context.Context, tc tenancy.Context, factID string) (*Fact, error) {
	const op = "record fact access"
	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	if _, err := e.loadFact(ctx, op, tc, factID); err != nil {
		return nil, err
	}
	f, err := e.repo.TouchFact(ctx, factID, tc.Scope(), e.now())
	if err != nil {
		return nil, wrapStorage(op, err)
	}
	return f, nil
}

// QueryFacts returns facts matching f ranked by the combined score with
// confidence in place of importance.
func (e *Engine) QueryFacts(ctx context.Context, tc tenancy.Context, f FactFilter, topK int) (out []RankedFact, err error) {
	const op = "query facts"
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
	return e.rankFacts(ctx, op, tc, f, topK)
}

func (e *Engine) rankFacts(ctx context.Context, op string, tc tenancy.Context, f FactFilter, topK int) ([]RankedFact, error) {
	if f.Subject != "" {
		f.Subject = NormalizeEntity(f.Subject)
	}
	if f.Predicate != "" {
		f.Predicate = NormalizePredicate(f.Predicate)
	}
	if f.Object != "" {
		f.Object = NormalizeEntity(f.Object)
	}
	f.ContradictionLimit = e.cfg.Facts.ContradictionLimit

	now := e.now()
	best := newTopN(topK, func(a, b RankedFact) bool {
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Fact.ID < b.Fact.ID
	})
	err := e.eachFact(ctx, f, tc.Scope(), func(fact *Fact) error {
		if err := checkRead(op, tc, fact.Owner, "fact", fact.ID); err != nil {
			return err
		}
		if f.ExcludeContested && Contested(fact, f.ContradictionLimit) {
			return nil
		}
		best.push(RankedFact{Fact: fact, Score: FactScore(fact, now, e.cfg.Scoring)})
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
