package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

// PacketTypeDecision marks packets whose text is carried into a summary's
// decisions.
const PacketTypeDecision = "decision"

// Summarizer condenses the packets of one scope into summary text.
type Summarizer interface {
	Summarize(ctx context.Context, packets []*Packet) (string, error)
}

// ExtractiveSummarizer keeps the first sentence of every packet, oldest
// first, until MaxChars is reached.
type ExtractiveSummarizer struct {
	MaxChars int
}

// Summarize implements Summarizer.
func (s ExtractiveSummarizer) Summarize(_ context.Context, packets []*Packet) (string, error) {
	budget := s.MaxChars
	if budget <= 0 {
		budget = DefaultConfig().Consolidation.SummaryChars
	}
	var b strings.Builder
	for _, p := range packets {
		sentence := firstSentence(p.Text())
		if sentence == "" {
			continue
		}
		need := utf8.RuneCountInString(sentence)
		if b.Len() > 0 {
			need++
		}
		if utf8.RuneCountInString(b.String())+need > budget {
			break
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(sentence)
	}
	if b.Len() == 0 {
		return fmt.Sprintf("%d packets without text content", len(packets)), nil
	}
	return b.String(), nil
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	end := len(text)
	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if i := strings.Index(text, sep); i >= 0 && i+1 < end {
			end = i + 1
		}
	}
	return strings.TrimSpace(text[:end])
}

// consolidationScope limits consolidation to the rows of one tenant. Public
// memory is never folded into a tenant's summary.
func consolidationScope(tc tenancy.Context) tenancy.Scope {
	if tc.Role == tenancy.RolePlatformAdmin {
		return tenancy.TenantScope(tc.TenantID)
	}
	s := tc.Scope()
	s.ExcludePublic = true
	return s
}

func scopeFilter(op string, cs *ConsolidationScope) (PacketFilter, error) {
	var f PacketFilter
	switch cs.Kind {
	case ScopeThread:
		f.CorrelationID = cs.Key
	case ScopeAgent:
		f.UserID = cs.Key
	case ScopeTopic, ScopeProject, ScopeTask:
		f.Labels = map[string]string{string(cs.Kind): cs.Key}
	case ScopeTimePeriod:
		if cs.Start.IsZero() || !cs.End.After(cs.Start) {
			return f, opError(op, ErrValidation, "time period needs start before end")
		}
		f.CreatedAfter, f.CreatedBefore = cs.Start, cs.End
		if cs.Key == "" {
			cs.Key = cs.Start.UTC().Format(time.RFC3339) + "/" + cs.End.UTC().Format(time.RFC3339)
		}
		return f, nil
	}
	if cs.Key == "" {
		return f, opError(op, ErrValidation, "%s scope needs a key", cs.Kind)
	}
	return f, nil
}

// Consolidate folds the packets of one scope into a summary, replacing any
// earlier summary of the same scope.
func (e *Engine) Consolidate(ctx context.Context, tc tenancy.Context, cs ConsolidationScope) (s *Summary, err error) {
	const op = "consolidate"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	if err := validateStruct(op, &cs); err != nil {
		return nil, err
	}
	f, err := scopeFilter(op, &cs)
	if err != nil {
		return nil, err
	}

	now := e.now()
	f.Now = now
	scope := consolidationScope(tc)
	packets, err := e.repo.ListPackets(ctx, f, scope, e.cfg.Consolidation.MaxSourcePackets)
	if err != nil {
		return nil, wrapStorage(op, err)
	}
	if len(packets) == 0 {
		return nil, opError(op, ErrNotFound, "no packets in %s scope %q", cs.Kind, cs.Key)
	}
	for _, p := range packets {
		if err := checkRead(op, tc, p.Owner, "packet", p.ID); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(packets, func(i, j int) bool { return packets[i].CreatedAt.Before(packets[j].CreatedAt) })

	text, err := e.summarizer.Summarize(ctx, packets)
	if err != nil {
		return nil, fmt.Errorf("%s: summarize: %w", op, err)
	}

	ids := make([]string, len(packets))
	var importance float64
	var decisions []string
	for i, p := range packets {
		ids[i] = p.ID
		importance += p.Importance
		if p.Type == PacketTypeDecision {
			if t := p.Text(); t != "" {
				decisions = append(decisions, t)
			}
		}
	}

	keyFacts, keyEntities, err := e.extractKeys(ctx, op, scope, ids)
	if err != nil {
		return nil, err
	}

	owner := tc.Owner()
	switch cs.Kind {
	case ScopeThread:
		owner.CorrelationID = cs.Key
	case ScopeAgent:
		owner.UserID = cs.Key
	}
	s = &Summary{
		ID:              uuid.NewString(),
		Owner:           owner,
		ScopeKind:       cs.Kind,
		ScopeKey:        cs.Key,
		Text:            text,
		KeyFacts:        keyFacts,
		KeyEntities:     keyEntities,
		Decisions:       decisions,
		SourcePacketIDs: ids,
		PacketCount:     len(ids),
		Confidence:      ClampImportance(importance / float64(len(packets))),
		CoverageStart:   packets[0].CreatedAt,
		CoverageEnd:     packets[len(packets)-1].CreatedAt,
		ValidUntil:      now.Add(e.cfg.Consolidation.SummaryTTL),
		CreatedAt:       now,
	}
	if e.embedder != nil {
		vecs, err := e.embedder.Embed(ctx, []string{text})
		if err != nil {
			e.logger.Warn("summary embedding failed", zap.String("scope_key", cs.Key), zap.Error(err))
		} else if len(vecs) == 1 {
			s.Embedding = vecs[0]
		}
	}
	if err := validateSummary(s); err != nil {
		return nil, err
	}
	if err := e.repo.SaveSummary(ctx, s); err != nil {
		return nil, wrapStorage(op, err)
	}

	e.logger.Info("scope consolidated",
		zap.String("tenant_id", s.TenantID),
		zap.String("scope_kind", string(cs.Kind)),
		zap.String("scope_key", cs.Key),
		zap.Int("packets", s.PacketCount))
	return s, nil
}

// extractKeys collects the facts and entities sourced from the given packets.
func (e *Engine) extractKeys(ctx context.Context, op string, scope tenancy.Scope, ids []string) ([]string, []string, error) {
	facts, err := e.repo.ListFacts(ctx, FactFilter{SourcePacketIDs: ids}, scope, e.cfg.Maintenance.ViewSize)
	if err != nil {
		return nil, nil, wrapStorage(op, err)
	}
	keyFacts := make([]string, 0, len(facts))
	for _, f := range facts {
		keyFacts = append(keyFacts, fmt.Sprintf("%s %s %s", f.Subject, f.Predicate, f.Object))
	}

	rels, err := e.repo.ListRelationships(ctx, RelationshipFilter{SourcePacketIDs: ids}, scope, e.cfg.Maintenance.ViewSize)
	if err != nil {
		return nil, nil, wrapStorage(op, err)
	}
	seen := make(map[string]bool)
	var entities []string
	add := func(raw, norm string) {
		if !seen[norm] {
			seen[norm] = true
			entities = append(entities, raw)
		}
	}
	for _, f := range facts {
		add(f.Subject, f.SubjectNorm)
	}
	for _, r := range rels {
		add(r.Source, r.SourceNorm)
		add(r.Target, r.TargetNorm)
	}
	return keyFacts, entities, nil
}

// Summary returns the stored summary of one scope of the caller's tenant.
func (e *Engine) Summary(ctx context.Context, tc tenancy.Context, kind ScopeKind, key string) (*Summary, error) {
	const op = "get summary"
	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	s, err := e.repo.GetSummary(ctx, tc.TenantID, kind, key)
	if err != nil {
		return nil, wrapStorage(op, err)
	}
	if err := checkRead(op, tc, s.Owner, "summary", s.ID); err != nil {
		return nil, err
	}
	return s, nil
}

// Summaries lists the summaries of one kind visible to the caller, newest
// first. An empty kind lists all kinds.
func (e *Engine) Summaries(ctx context.Context, tc tenancy.Context, kind ScopeKind, limit int) ([]*Summary, error) {
	const op = "list summaries"
	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = e.cfg.Maintenance.ViewSize
	}
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()
	rows, err := e.repo.ListSummaries(ctx, tc.Scope(), kind, limit)
	if err != nil {
		if derr := deadlineErr(op, ctx); derr != nil {
			return nil, derr
		}
		return nil, wrapStorage(op, err)
	}
	for _, s := range rows {
		if err := checkRead(op, tc, s.Owner, "summary", s.ID); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// Reflect persists a lesson, pattern, failure, success or insight.
func (e *Engine) Reflect(ctx context.Context, tc tenancy.Context, in ReflectionInput) (r *Reflection, err error) {
	const op = "reflect"
	start := time.Now()
	defer func() { e.observe(op, start, err) }()

	if err := authorize(op, tc); err != nil {
		return nil, err
	}
	if err := validateStruct(op, &in); err != nil {
		return nil, err
	}
	if in.SourcePacketID != "" {
		if _, err := e.loadPacket(ctx, op, tc, in.SourcePacketID); err != nil {
			return nil, err
		}
	}

	now := e.now()
	r = &Reflection{
		ID:             uuid.NewString(),
		Owner:          tc.Owner(),
		Type:           in.Type,
		Content:        strings.TrimSpace(in.Content),
		Context:        in.Context,
		Entities:       normalizeEntities(in.Entities),
		Tags:           in.Tags,
		Confidence:     0.7,
		Priority:       3,
		SourceAgentID:  in.SourceAgentID,
		SourcePacketID: in.SourcePacketID,
		Embedding:      in.Embedding,
		CreatedAt:      now,
		ExpiresAt:      in.ExpiresAt,
	}
	if in.Confidence != nil {
		r.Confidence = *in.Confidence
	}
	if in.Priority != 0 {
		r.Priority = in.Priority
	}
	if r.SourceAgentID == "" {
		r.SourceAgentID = tc.UserID
	}
	if in.TTL > 0 {
		exp := now.Add(in.TTL)
		r.ExpiresAt = &exp
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
		return nil, opError(op, ErrValidation, "expires_at is in the past")
	}
	if len(r.Embedding) == 0 && e.embedder != nil {
		vecs, err := e.embedder.Embed(ctx, []string{r.Content})
		if err != nil {
			e.logger.Warn("reflection embedding failed", zap.Error(err))
		} else if len(vecs) == 1 {
			r.Embedding = vecs[0]
		}
	}

	if err := e.repo.InsertReflection(ctx, r); err != nil {
		return nil, wrapStorage(op, err)
	}
	return r, nil
}

// Reflections returns reflections matching f ranked by confidence, recency
// and use. With a query vector or text, similarity ranks first and text
// queries drop reflections that share no terms. Returned reflections are
// counted as accessed.
func (e *Engine) Reflections(ctx context.Context, tc tenancy.Context, f ReflectionFilter, topK int) (out []RankedReflection, err error) {
	const op = "reflections"
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
	f.Entity = NormalizeEntity(f.Entity)
	bySimilarity := len(f.Vector) > 0 || f.Query != ""
	best := newTopN(topK, func(a, b RankedReflection) bool {
		if bySimilarity && a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Reflection.ID < b.Reflection.ID
	})
	err = e.eachReflection(ctx, f, tc.Scope(), func(r *Reflection) error {
		if err := checkRead(op, tc, r.Owner, "reflection", r.ID); err != nil {
			return err
		}
		rr := RankedReflection{Reflection: r, Score: ReflectionScore(r, now, e.cfg.Scoring)}
		switch {
		case len(f.Vector) > 0:
			rr.Similarity = CosineSimilarity(f.Vector, r.Embedding)
		case f.Query != "":
			rr.Similarity = keywordSimilarity(f.Query, r.Content+" "+r.Context)
			if rr.Similarity == 0 {
				return nil
			}
		}
		best.push(rr)
		return nil
	})
	if err != nil {
		return nil, walkErr(op, ctx, err)
	}
	if err := deadlineErr(op, ctx); err != nil {
		return nil, err
	}
	out = best.result()
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]string, len(out))
	for i, rr := range out {
		ids[i] = rr.Reflection.ID
	}
	if err := e.repo.TouchReflections(ctx, ids, now); err != nil {
		if derr := deadlineErr(op, ctx); derr != nil {
			return nil, derr
		}
		return nil, wrapStorage(op, err)
	}
	for _, rr := range out {
		rr.Reflection.AccessCount++
		t := now
		rr.Reflection.LastAccessed = &t
	}
	return out, nil
}

func normalizeEntities(in []string) []string {
	var out []string
	for _, e := range in {
		if n := NormalizeEntity(e); n != "" {
			out = append(out, n)
		}
	}
	return out
}
