package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/memory-substrate/internal/memory"
	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// allRows lets upserts count repeats on any row.
var allRows = tenancy.Scope{AllTenants: true}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory(zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func packet(id, tenant, org, hash string) *memory.Packet {
	return &memory.Packet{
		ID:          id,
		Owner:       tenancy.Owner{TenantID: tenant, OrgID: org, UserID: "u1", CorrelationID: "thread-1"},
		Type:        "observation",
		Payload:     map[string]any{"content": "the build is green"},
		Labels:      map[string]string{"topic": "ci"},
		Scope:       memory.ScopeShared,
		Importance:  0.5,
		ContentHash: hash,
		ChunkCount:  1,
		CreatedAt:   t0,
	}
}

func TestMigrationsApplied(t *testing.T) {
	s := newTestStore(t)
	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != len(migrations) {
		t.Fatalf("got version %d, want %d", v, len(migrations))
	}
	// Re-running is a no-op.
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestUpsertPacketIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.UpsertPacket(ctx, packet("p1", "t1", "", "h1"), allRows)
	if err != nil || !created {
		t.Fatalf("first upsert: created=%v err=%v", created, err)
	}
	if first.Payload["content"] != "the build is green" || first.Labels["topic"] != "ci" {
		t.Fatalf("round trip lost data: %+v", first)
	}

	again, created, err := s.UpsertPacket(ctx, packet("p2", "t1", "", "h1"), allRows)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created || again.ID != "p1" {
		t.Fatalf("expected existing p1, got %s created=%v", again.ID, created)
	}
	if again.AccessCount != 1 {
		t.Fatalf("access count = %d, want 1", again.AccessCount)
	}

	// Same content in another tenant is a separate row.
	other, created, err := s.UpsertPacket(ctx, packet("p3", "t2", "", "h1"), allRows)
	if err != nil || !created || other.ID != "p3" {
		t.Fatalf("cross-tenant upsert: id=%s created=%v err=%v", other.ID, created, err)
	}

	mismatch := packet("p4", "t1", "", "h1")
	mismatch.Type = "decision"
	if _, _, err := s.UpsertPacket(ctx, mismatch, allRows); !errors.Is(err, memory.ErrDuplicateConflict) {
		t.Fatalf("expected duplicate conflict, got %v", err)
	}
}

func TestUpsertPacketLeavesUnreadableRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.UpsertPacket(ctx, packet("p1", "t1", "sales", "h1"), allRows); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ops := tenancy.Scope{TenantID: "t1", OrgID: "ops"}
	_, _, err := s.UpsertPacket(ctx, packet("p2", "t1", "ops", "h1"), ops)
	if !errors.Is(err, memory.ErrTenancyViolation) {
		t.Fatalf("expected tenancy violation, got %v", err)
	}
	got, err := s.GetPacket(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessCount != 0 || got.LastAccessed != nil {
		t.Fatalf("refused repeat touched the row: count=%d last=%v", got.AccessCount, got.LastAccessed)
	}

	// A tenant-wide scope may count the repeat.
	again, created, err := s.UpsertPacket(ctx, packet("p3", "t1", "", "h1"), tenancy.Scope{TenantID: "t1", AllOrgs: true})
	if err != nil || created || again.ID != "p1" || again.AccessCount != 1 {
		t.Fatalf("tenant-wide repeat: id=%s created=%v err=%v", again.ID, created, err)
	}
}

func TestListPacketsScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, p := range []*memory.Packet{
		packet("a-shared", "acme", "", "h1"),
		packet("a-sales", "acme", "sales", "h2"),
		packet("a-ops", "acme", "ops", "h3"),
		packet("globex", "globex", "", "h4"),
		packet("public", "", "", "h5"),
	} {
		if _, _, err := s.UpsertPacket(ctx, p, allRows); err != nil {
			t.Fatalf("upsert %s: %v", p.ID, err)
		}
	}

	tests := []struct {
		name  string
		scope tenancy.Scope
		want  []string
	}{
		{"end user", tenancy.Context{TenantID: "acme", OrgID: "sales", Role: tenancy.RoleEndUser}.Scope(),
			[]string{"a-sales", "a-shared", "public"}},
		{"tenant admin", tenancy.Context{TenantID: "acme", Role: tenancy.RoleTenantAdmin}.Scope(),
			[]string{"a-ops", "a-sales", "a-shared", "public"}},
		{"tenant only", tenancy.TenantScope("acme"), []string{"a-ops", "a-sales", "a-shared"}},
		{"public only", tenancy.TenantScope(""), []string{"public"}},
		{"platform", tenancy.Scope{AllTenants: true}, []string{"a-ops", "a-sales", "a-shared", "globex", "public"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListPackets(ctx, memory.PacketFilter{}, tt.scope, 100)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			ids := map[string]bool{}
			for _, p := range got {
				ids[p.ID] = true
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("got %v, want %v", ids, tt.want)
			}
			for _, id := range tt.want {
				if !ids[id] {
					t.Fatalf("missing %s in %v", id, ids)
				}
			}
		})
	}
}

func TestListPacketsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := packet("old", "t1", "", "h1")
	old.CreatedAt = t0.Add(-48 * time.Hour)
	expired := packet("expired", "t1", "", "h2")
	exp := t0.Add(-time.Minute)
	expired.ExpiresAt = &exp
	other := packet("other", "t1", "", "h3")
	other.Labels = map[string]string{"topic": "billing"}
	for _, p := range []*memory.Packet{old, expired, other} {
		if _, _, err := s.UpsertPacket(ctx, p, allRows); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	got, err := s.ListPackets(ctx, memory.PacketFilter{Labels: map[string]string{"topic": "ci"}, Now: t0}, tenancy.TenantScope("t1"), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "old" {
		t.Fatalf("label filter: got %d packets", len(got))
	}

	got, err = s.ListPackets(ctx, memory.PacketFilter{CreatedAfter: t0.Add(-time.Hour)}, tenancy.TenantScope("t1"), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("created filter: got %d packets, want 2", len(got))
	}
}

func TestTouchPacketConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, _, err := s.UpsertPacket(ctx, packet("p1", "t1", "", "h1"), allRows); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.TouchPacket(ctx, "p1", tenancy.TenantScope("t1"), 0.01, &memory.AccessLogEntry{
				ID:       fmt.Sprintf("log-%02d", i),
				AgentID:  "agent",
				AccessAt: t0.Add(time.Duration(i) * time.Second),
				Owner:    tenancy.Owner{TenantID: "t1"},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("touch: %v", err)
		}
	}

	p, err := s.GetPacket(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.AccessCount != n {
		t.Fatalf("access count = %d, want %d", p.AccessCount, n)
	}
	if math.Abs(p.Importance-0.7) > 1e-9 {
		t.Fatalf("importance = %v, want 0.7", p.Importance)
	}
	log, err := s.AccessLog(ctx, "p1", 100)
	if err != nil {
		t.Fatalf("access log: %v", err)
	}
	if len(log) != n {
		t.Fatalf("access log has %d entries, want %d", len(log), n)
	}

	if _, err := s.TouchPacket(ctx, "p1", tenancy.TenantScope("t2"), 0.01, &memory.AccessLogEntry{ID: "x", AccessAt: t0}); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("touch outside scope: expected not found, got %v", err)
	}
}

func TestDeletePacketCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, _, err := s.UpsertPacket(ctx, packet("p1", "t1", "", "h1"), allRows); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if n, err := s.SpaceDimension(ctx, memory.SpaceContent); err != nil || n != 0 {
		t.Fatalf("empty space dimension: %d %v", n, err)
	}
	if err := s.UpsertEmbedding(ctx, &memory.Embedding{
		PacketID: "p1", Space: memory.SpaceContent, Vector: []float32{0.5, -1, 2},
		ChunkIndex: memory.WholePacket, CreatedAt: t0, Owner: tenancy.Owner{TenantID: "t1"},
	}); err != nil {
		t.Fatalf("embedding: %v", err)
	}
	if n, err := s.SpaceDimension(ctx, memory.SpaceContent); err != nil || n != 3 {
		t.Fatalf("space dimension: %d %v", n, err)
	}
	embs, err := s.ListEmbeddings(ctx, "p1")
	if err != nil || len(embs) != 1 {
		t.Fatalf("list embeddings: %d %v", len(embs), err)
	}
	if embs[0].Vector[2] != 2 || embs[0].Vector[1] != -1 {
		t.Fatalf("vector round trip: %v", embs[0].Vector)
	}

	if err := s.DeletePacket(ctx, "p1", tenancy.TenantScope("t2")); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("delete outside scope: expected not found, got %v", err)
	}
	if err := s.DeletePacket(ctx, "p1", tenancy.TenantScope("t1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	embs, err = s.ListEmbeddings(ctx, "p1")
	if err != nil || len(embs) != 0 {
		t.Fatalf("embeddings survived delete: %d %v", len(embs), err)
	}
}

func TestDecayPacketsOncePerInterval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := packet("p1", "t1", "", "h1")
	p.CreatedAt = t0.Add(-30 * 24 * time.Hour)
	if _, _, err := s.UpsertPacket(ctx, p, allRows); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	params := memory.DecayParams{
		AccessedBefore: t0.Add(-7 * 24 * time.Hour),
		DecayedBefore:  t0.Add(-24 * time.Hour),
		Step:           0.1,
		Floor:          0.1,
		Now:            t0,
		Limit:          10,
	}
	n, err := s.DecayPackets(ctx, tenancy.TenantScope("t1"), params)
	if err != nil || n != 1 {
		t.Fatalf("first decay: n=%d err=%v", n, err)
	}
	n, err = s.DecayPackets(ctx, tenancy.TenantScope("t1"), params)
	if err != nil || n != 0 {
		t.Fatalf("second decay in same interval: n=%d err=%v", n, err)
	}
	got, _ := s.GetPacket(ctx, "p1")
	if math.Abs(got.Importance-0.4) > 1e-9 {
		t.Fatalf("importance = %v, want 0.4", got.Importance)
	}
}

func TestDeleteExpiredPackets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p := packet(fmt.Sprintf("p%d", i), "t1", "", fmt.Sprintf("h%d", i))
		if i < 2 {
			exp := t0.Add(-time.Duration(i+1) * time.Minute)
			p.ExpiresAt = &exp
		}
		if _, _, err := s.UpsertPacket(ctx, p, allRows); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	ids, err := s.DeleteExpiredPackets(ctx, t0, 10)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("deleted %v, want 2 ids", ids)
	}
	if _, err := s.GetPacket(ctx, "p2"); err != nil {
		t.Fatalf("unexpired packet gone: %v", err)
	}
}

func TestUpsertFactReinforces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := func(id string) *memory.Fact {
		return &memory.Fact{
			ID: id, Owner: tenancy.Owner{TenantID: "t1"},
			Subject: "Service A", SubjectNorm: "service a", Predicate: "depends_on",
			Object: "Postgres", ObjectNorm: "postgres", ObjectType: memory.ObjectString,
			Confidence: 0.85, SupportingCount: 1, Scope: memory.ScopeShared,
			ConfidenceUpdatedAt: t0, CreatedAt: t0,
		}
	}
	if _, created, err := s.UpsertFact(ctx, f("f1"), 0.05); err != nil || !created {
		t.Fatalf("insert: created=%v err=%v", created, err)
	}
	stored, created, err := s.UpsertFact(ctx, f("f2"), 0.05)
	if err != nil || created {
		t.Fatalf("reinforce: created=%v err=%v", created, err)
	}
	if stored.ID != "f1" || stored.SupportingCount != 2 || math.Abs(stored.Confidence-0.9) > 1e-9 {
		t.Fatalf("unexpected fact after reinforce: %+v", stored)
	}

	adjusted, err := s.AdjustFact(ctx, "f1", tenancy.TenantScope("t1"), -5, true, t0)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if adjusted.Confidence != 0.1 || adjusted.ContradictionCount != 1 {
		t.Fatalf("contradiction not floored: %+v", adjusted)
	}
	adjusted, err = s.AdjustFact(ctx, "f1", tenancy.TenantScope("t1"), 5, false, t0)
	if err != nil || adjusted.Confidence != 1 {
		t.Fatalf("reinforcement not capped: %v %v", adjusted, err)
	}

	facts, err := s.ListFacts(ctx, memory.FactFilter{Subject: "service a"}, tenancy.TenantScope("t1"), 10)
	if err != nil || len(facts) != 1 {
		t.Fatalf("list facts: %d %v", len(facts), err)
	}
	facts, err = s.ListFacts(ctx, memory.FactFilter{}, tenancy.TenantScope("t2"), 10)
	if err != nil || len(facts) != 0 {
		t.Fatalf("fact leaked to t2: %d %v", len(facts), err)
	}
}

func TestUpsertRelationshipCountsMentions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := s.UpsertRelationship(ctx, &memory.Relationship{
			ID: fmt.Sprintf("r%d", i), Owner: tenancy.Owner{TenantID: "t1"},
			Source: "API", SourceNorm: "api", Type: "calls", Target: "DB", TargetNorm: "db",
			Confidence: 0.5, FirstSeen: t0, LastSeen: t0.Add(time.Duration(i) * time.Minute),
		}, 0.1)
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	rels, err := s.ListRelationships(ctx, memory.RelationshipFilter{Entity: "db"}, tenancy.TenantScope("t1"), 10)
	if err != nil || len(rels) != 1 {
		t.Fatalf("list: %d %v", len(rels), err)
	}
	r := rels[0]
	if r.ID != "r0" || r.MentionCount != 3 || math.Abs(r.Confidence-0.7) > 1e-9 {
		t.Fatalf("unexpected edge: %+v", r)
	}
	if !r.LastSeen.Equal(t0.Add(2 * time.Minute)) {
		t.Fatalf("last seen = %v", r.LastSeen)
	}
}

func TestConsolidationCandidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		p := packet(fmt.Sprintf("busy-%d", i), "t1", "", fmt.Sprintf("b%d", i))
		p.CorrelationID = "busy"
		p.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
		if _, _, err := s.UpsertPacket(ctx, p, allRows); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	quiet := packet("quiet", "t1", "", "q")
	quiet.CorrelationID = "quiet"
	if _, _, err := s.UpsertPacket(ctx, quiet, allRows); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.ConsolidationCandidates(ctx, tenancy.TenantScope("t1"), memory.CandidateParams{
		Kind: memory.ScopeThread, MinPackets: 5, CreatedBefore: t0.Add(-time.Hour), Now: t0, Limit: 10,
	})
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 1 || got[0].Scope.Key != "busy" || got[0].Count != 5 {
		t.Fatalf("unexpected candidates: %+v", got)
	}
	if !got[0].Newest.Equal(t0.Add(4 * time.Minute)) {
		t.Fatalf("newest = %v", got[0].Newest)
	}

	got, err = s.ConsolidationCandidates(ctx, tenancy.TenantScope("t1"), memory.CandidateParams{
		Kind: memory.ScopeTopic, MinPackets: 2, CreatedBefore: t0.Add(-time.Hour), Now: t0, Limit: 10,
	})
	if err != nil || len(got) != 1 || got[0].Scope.Key != "ci" {
		t.Fatalf("topic candidates: %+v %v", got, err)
	}
}

func TestSaveSummaryReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sm := &memory.Summary{
		ID: "s1", Owner: tenancy.Owner{TenantID: "t1"},
		ScopeKind: memory.ScopeThread, ScopeKey: "thread-1", Text: "first",
		SourcePacketIDs: []string{"a", "b"}, PacketCount: 2, Confidence: 0.5,
		CoverageStart: t0, CoverageEnd: t0, ValidUntil: t0.Add(time.Hour), CreatedAt: t0,
	}
	if err := s.SaveSummary(ctx, sm); err != nil {
		t.Fatalf("save: %v", err)
	}
	sm.ID, sm.Text = "s2", "second"
	sm.SourcePacketIDs, sm.PacketCount = []string{"a", "b", "c"}, 3
	sm.Embedding = []float32{1, 0}
	if err := s.SaveSummary(ctx, sm); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := s.GetSummary(ctx, "t1", memory.ScopeThread, "thread-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "s2" || got.Text != "second" || got.PacketCount != 3 || len(got.Embedding) != 2 {
		t.Fatalf("summary not replaced: %+v", got)
	}

	sm.PacketCount = 5
	if err := s.SaveSummary(ctx, sm); err == nil {
		t.Fatal("expected packet count check to fail")
	}
	if _, err := s.GetSummary(ctx, "t2", memory.ScopeThread, "thread-1"); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReflectionsFilterAndTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exp := t0.Add(-time.Minute)
	for _, r := range []*memory.Reflection{
		{ID: "r1", Owner: tenancy.Owner{TenantID: "t1"}, Type: memory.ReflectionLesson, Content: "retry with backoff",
			Tags: []string{"network"}, Entities: []string{"gateway"}, Confidence: 0.7, Priority: 3, CreatedAt: t0},
		{ID: "r2", Owner: tenancy.Owner{TenantID: "t1"}, Type: memory.ReflectionFailure, Content: "disk filled",
			Tags: []string{"storage"}, Confidence: 0.7, Priority: 5, CreatedAt: t0},
		{ID: "r3", Owner: tenancy.Owner{TenantID: "t1"}, Type: memory.ReflectionLesson, Content: "expired",
			Tags: []string{"network"}, Confidence: 0.7, Priority: 3, CreatedAt: t0.Add(-time.Hour), ExpiresAt: &exp},
	} {
		if err := s.InsertReflection(ctx, r); err != nil {
			t.Fatalf("insert %s: %v", r.ID, err)
		}
	}

	got, err := s.ListReflections(ctx, memory.ReflectionFilter{Tag: "network", Now: t0}, tenancy.TenantScope("t1"), 10)
	if err != nil || len(got) != 1 || got[0].ID != "r1" {
		t.Fatalf("tag filter: %v %v", got, err)
	}
	got, err = s.ListReflections(ctx, memory.ReflectionFilter{Entity: "gateway", Now: t0}, tenancy.TenantScope("t1"), 10)
	if err != nil || len(got) != 1 {
		t.Fatalf("entity filter: %v %v", got, err)
	}

	if err := s.TouchReflections(ctx, []string{"r1", "r2"}, t0); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err = s.ListReflections(ctx, memory.ReflectionFilter{Now: t0}, tenancy.TenantScope("t1"), 10)
	if err != nil || len(got) != 2 {
		t.Fatalf("list: %v %v", got, err)
	}
	for _, r := range got {
		if r.AccessCount != 1 || r.LastAccessed == nil {
			t.Fatalf("reflection %s not touched: %+v", r.ID, r)
		}
	}

	n, err := s.DeleteExpiredReflections(ctx, t0, 10)
	if err != nil || n != 1 {
		t.Fatalf("delete expired: n=%d err=%v", n, err)
	}
}

func TestTenantsIncludesPublic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, p := range []*memory.Packet{packet("a", "acme", "", "h1"), packet("b", "", "", "h2")} {
		if _, _, err := s.UpsertPacket(ctx, p, allRows); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	tenants, err := s.Tenants(ctx)
	if err != nil {
		t.Fatalf("tenants: %v", err)
	}
	if len(tenants) != 2 || tenants[0] != "" || tenants[1] != "acme" {
		t.Fatalf("tenants = %q", tenants)
	}
}
