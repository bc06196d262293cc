package memory_test

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/memory-substrate/internal/memory"
)

func importanceOf(t *testing.T, h *harness, id string) float64 {
	t.Helper()
	p, err := h.engine.Get(context.Background(), tenantAdmin("acme"), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return p.Importance
}

func runJob(t *testing.T, h *harness, kind memory.JobKind) *memory.JobReport {
	t.Helper()
	report, err := h.engine.RunMaintenance(context.Background(), kind)
	if err != nil {
		t.Fatalf("%s: %v", kind, err)
	}
	return report
}

func TestDecayJob(t *testing.T) {
	h := newHarness(t, memory.Config{})
	acme := endUser("acme", "")
	old := mustIngest(t, h.engine, acme, note("stale observation"))

	h.clock.Advance(31 * 24 * time.Hour)
	fresh := mustIngest(t, h.engine, acme, note("fresh observation"))

	report := runJob(t, h, memory.JobDecay)
	if report.Affected != 1 {
		t.Fatalf("affected = %d, want 1", report.Affected)
	}
	if got := importanceOf(t, h, old.ID); math.Abs(got-0.4) > 1e-9 {
		t.Fatalf("decayed importance = %v, want 0.4", got)
	}
	if got := importanceOf(t, h, fresh.ID); got != memory.DefaultImportance {
		t.Fatalf("fresh packet decayed to %v", got)
	}

	// A second sweep inside the decay interval leaves the row alone.
	runJob(t, h, memory.JobDecay)
	if got := importanceOf(t, h, old.ID); math.Abs(got-0.4) > 1e-9 {
		t.Fatalf("importance after rerun = %v, want 0.4", got)
	}

	h.clock.Advance(24*time.Hour + time.Minute)
	runJob(t, h, memory.JobDecay)
	if got := importanceOf(t, h, old.ID); math.Abs(got-0.3) > 1e-9 {
		t.Fatalf("importance after a day = %v, want 0.3", got)
	}

	// Reading the packet resets its decay clock.
	if _, err := h.engine.RecordAccess(context.Background(), acme, old.ID, memory.AccessInput{AgentID: "agent-1"}); err != nil {
		t.Fatalf("record access: %v", err)
	}
	h.clock.Advance(2 * 24 * time.Hour)
	runJob(t, h, memory.JobDecay)
	if got := importanceOf(t, h, old.ID); math.Abs(got-0.35) > 1e-9 {
		t.Fatalf("importance after access = %v, want 0.35", got)
	}
}

func TestDecayFloor(t *testing.T) {
	h := newHarness(t, memory.Config{})
	acme := endUser("acme", "")
	p := mustIngest(t, h.engine, acme, note("forgotten"))

	h.clock.Advance(31 * 24 * time.Hour)
	for i := 0; i < 8; i++ {
		runJob(t, h, memory.JobDecay)
		h.clock.Advance(25 * time.Hour)
	}
	if got := importanceOf(t, h, p.ID); math.Abs(got-0.1) > 1e-9 {
		t.Fatalf("importance = %v, want floor 0.1", got)
	}
}

func TestTTLEviction(t *testing.T) {
	h := newHarness(t, memory.Config{})
	ctx := context.Background()
	acme := endUser("acme", "")

	in := note("short lived")
	in.TTL = time.Hour
	short := mustIngest(t, h.engine, acme, in)
	keep := mustIngest(t, h.engine, acme, note("long lived"))
	if _, err := h.engine.Reflect(ctx, acme, memory.ReflectionInput{Type: memory.ReflectionInsight, Content: "temporary hunch", TTL: time.Hour}); err != nil {
		t.Fatalf("reflect: %v", err)
	}

	// Expired rows disappear from reads before the sweep runs.
	h.clock.Advance(2 * time.Hour)
	_, err := h.engine.Get(ctx, acme, short.ID)
	wantKind(t, err, memory.ErrNotFound)

	report := runJob(t, h, memory.JobTTLEviction)
	if report.Affected != 2 {
		t.Fatalf("affected = %d, want 2", report.Affected)
	}
	if _, err := h.engine.Get(ctx, acme, keep.ID); err != nil {
		t.Fatalf("unexpired packet evicted: %v", err)
	}
	_, err = h.engine.Get(ctx, tenantAdmin("acme"), short.ID)
	wantKind(t, err, memory.ErrNotFound)

	report = runJob(t, h, memory.JobTTLEviction)
	if report.Affected != 0 {
		t.Fatalf("second sweep affected %d rows", report.Affected)
	}
}

func TestConsolidateThread(t *testing.T) {
	h := newHarness(t, memory.Config{})
	ctx := context.Background()
	acme := endUser("acme", "")

	kickoff := mustIngest(t, h.engine, acme, note("Kickoff held. Notes follow later."))
	h.clock.Advance(time.Minute)
	mustIngest(t, h.engine, acme, note("Team prefers Postgres for storage."))
	h.clock.Advance(time.Minute)
	mustIngest(t, h.engine, acme, memory.PacketInput{Type: memory.PacketTypeDecision, Payload: map[string]any{"content": "Ship on Friday"}})
	if _, err := h.engine.AssertFact(ctx, acme, memory.FactInput{Subject: "Project", Predicate: "uses", Object: "Postgres", SourcePacketID: kickoff.ID}); err != nil {
		t.Fatalf("assert: %v", err)
	}
	// Another thread and another tenant stay out of the summary.
	mustIngest(t, h.engine, endUser("globex", ""), note("Globex thread note."))

	s, err := h.engine.Consolidate(ctx, acme, memory.ConsolidationScope{Kind: memory.ScopeThread, Key: "thread-1"})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if s.PacketCount != 3 || len(s.SourcePacketIDs) != 3 {
		t.Fatalf("packet_count = %d, sources = %d", s.PacketCount, len(s.SourcePacketIDs))
	}
	if s.SourcePacketIDs[0] != kickoff.ID {
		t.Fatal("source packets must be ordered oldest first")
	}
	if !strings.HasPrefix(s.Text, "Kickoff held.") {
		t.Fatalf("unexpected summary text %q", s.Text)
	}
	if len(s.Decisions) != 1 || s.Decisions[0] != "Ship on Friday" {
		t.Fatalf("decisions = %v", s.Decisions)
	}
	if len(s.KeyFacts) != 1 || s.KeyFacts[0] != "Project uses Postgres" {
		t.Fatalf("key facts = %v", s.KeyFacts)
	}
	if len(s.KeyEntities) != 1 || s.KeyEntities[0] != "Project" {
		t.Fatalf("key entities = %v", s.KeyEntities)
	}
	if !s.CoverageEnd.Equal(t0.Add(2*time.Minute)) || !s.ValidUntil.After(h.clock.Now()) {
		t.Fatalf("coverage %v..%v valid until %v", s.CoverageStart, s.CoverageEnd, s.ValidUntil)
	}

	stored, err := h.engine.Summary(ctx, acme, memory.ScopeThread, "thread-1")
	if err != nil || stored.ID != s.ID {
		t.Fatalf("stored summary: %v %v", stored, err)
	}
	_, err = h.engine.Summary(ctx, endUser("globex", ""), memory.ScopeThread, "thread-1")
	wantKind(t, err, memory.ErrNotFound)
}

func TestConsolidateErrors(t *testing.T) {
	h := newHarness(t, memory.Config{})
	ctx := context.Background()
	acme := endUser("acme", "")
	mustIngest(t, h.engine, acme, note("something"))

	_, err := h.engine.Consolidate(ctx, acme, memory.ConsolidationScope{Kind: memory.ScopeThread, Key: "empty-thread"})
	wantKind(t, err, memory.ErrNotFound)
	_, err = h.engine.Consolidate(ctx, acme, memory.ConsolidationScope{Kind: memory.ScopeTimePeriod, Start: t0, End: t0.Add(-time.Hour)})
	wantKind(t, err, memory.ErrValidation)
	_, err = h.engine.Consolidate(ctx, acme, memory.ConsolidationScope{Kind: "galaxy", Key: "x"})
	wantKind(t, err, memory.ErrValidation)
	_, err = h.engine.Consolidate(ctx, acme, memory.ConsolidationScope{Kind: memory.ScopeTopic})
	wantKind(t, err, memory.ErrValidation)

	s, err := h.engine.Consolidate(ctx, acme, memory.ConsolidationScope{Kind: memory.ScopeTimePeriod, Start: t0.Add(-time.Hour), End: t0.Add(time.Hour)})
	if err != nil {
		t.Fatalf("time period: %v", err)
	}
	if s.ScopeKey == "" || s.PacketCount != 1 {
		t.Fatalf("time period summary %+v", s)
	}
}

func TestConsolidationJobSkipsFreshScopes(t *testing.T) {
	h := newHarness(t, memory.Config{Consolidation: memory.ConsolidationConfig{MinPackets: 3}})
	acme := endUser("acme", "")
	for _, text := range []string{"first note.", "second note.", "third note."} {
		mustIngest(t, h.engine, acme, note(text))
		h.clock.Advance(time.Minute)
	}

	// One thread and one agent scope qualify.
	if report := runJob(t, h, memory.JobConsolidation); report.Affected != 2 {
		t.Fatalf("first run affected %d, want 2", report.Affected)
	}
	if report := runJob(t, h, memory.JobConsolidation); report.Affected != 0 {
		t.Fatalf("second run affected %d, want 0", report.Affected)
	}

	mustIngest(t, h.engine, acme, note("fourth note."))
	if report := runJob(t, h, memory.JobConsolidation); report.Affected != 2 {
		t.Fatalf("run after new packet affected %d, want 2", report.Affected)
	}
	s, err := h.engine.Summary(context.Background(), acme, memory.ScopeAgent, "agent-1")
	if err != nil {
		t.Fatalf("agent summary: %v", err)
	}
	if s.PacketCount != 4 {
		t.Fatalf("agent summary covers %d packets, want 4", s.PacketCount)
	}
}

func TestViewRefreshServesCachedViews(t *testing.T) {
	h := newHarness(t, memory.Config{})
	ctx := context.Background()
	acme := endUser("acme", "")
	mustIngest(t, h.engine, acme, note("before refresh"))

	live, err := h.engine.RecentImportant(ctx, acme, "agent-1", 10)
	if err != nil || len(live) != 1 {
		t.Fatalf("live view: %v %d", err, len(live))
	}

	report := runJob(t, h, memory.JobViewRefresh)
	if report.Affected == 0 {
		t.Fatal("view refresh wrote nothing")
	}

	mustIngest(t, h.engine, acme, note("after refresh"))
	stale, err := h.engine.RecentImportant(ctx, acme, "agent-1", 10)
	if err != nil {
		t.Fatalf("cached view: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("cached view has %d rows, want the 1 refreshed row", len(stale))
	}

	runJob(t, h, memory.JobViewRefresh)
	fresh, err := h.engine.RecentImportant(ctx, acme, "agent-1", 10)
	if err != nil || len(fresh) != 2 {
		t.Fatalf("refreshed view: %v %d", err, len(fresh))
	}

	// Org readers only see their slice of the tenant-wide view.
	sales := endUser("acme", "sales")
	mustIngest(t, h.engine, sales, note("sales only"))
	runJob(t, h, memory.JobViewRefresh)
	rows, err := h.engine.RecentImportant(ctx, endUser("acme", "ops"), "agent-1", 10)
	if err != nil {
		t.Fatalf("ops view: %v", err)
	}
	for _, r := range rows {
		if r.Packet.OrgID == "sales" {
			t.Fatal("cached view leaked a sales packet to ops")
		}
	}
}

func TestReflections(t *testing.T) {
	h := newHarness(t, memory.Config{})
	ctx := context.Background()
	acme := endUser("acme", "")

	lesson, err := h.engine.Reflect(ctx, acme, memory.ReflectionInput{
		Type:     memory.ReflectionLesson,
		Content:  "Always set statement timeouts on Postgres",
		Entities: []string{" Postgres "},
		Tags:     []string{"db"},
	})
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	if lesson.Confidence != 0.7 || lesson.Priority != 3 || lesson.SourceAgentID != "agent-1" {
		t.Fatalf("defaults not applied: %+v", lesson)
	}
	if _, err := h.engine.Reflect(ctx, acme, memory.ReflectionInput{
		Type:    memory.ReflectionInsight,
		Content: "Cache warmup halves latency",
		Tags:    []string{"perf"},
	}); err != nil {
		t.Fatalf("reflect: %v", err)
	}

	byEntity, err := h.engine.Reflections(ctx, acme, memory.ReflectionFilter{Entity: "POSTGRES"}, 10)
	if err != nil || len(byEntity) != 1 || byEntity[0].Reflection.ID != lesson.ID {
		t.Fatalf("entity filter: %v %+v", err, byEntity)
	}
	byQuery, err := h.engine.Reflections(ctx, acme, memory.ReflectionFilter{Query: "latency of the cache"}, 10)
	if err != nil || len(byQuery) != 1 || byQuery[0].Reflection.Type != memory.ReflectionInsight {
		t.Fatalf("query filter: %v %+v", err, byQuery)
	}
	byTag, err := h.engine.Reflections(ctx, acme, memory.ReflectionFilter{Tag: "perf"}, 10)
	if err != nil || len(byTag) != 1 {
		t.Fatalf("tag filter: %v %+v", err, byTag)
	}
	if byTag[0].Reflection.AccessCount != 2 {
		t.Fatalf("access_count = %d, want 2", byTag[0].Reflection.AccessCount)
	}

	other, err := h.engine.Reflections(ctx, endUser("globex", ""), memory.ReflectionFilter{}, 10)
	if err != nil || len(other) != 0 {
		t.Fatalf("reflections leaked across tenants: %v %d", err, len(other))
	}

	past := h.clock.Now().Add(-time.Minute)
	_, err = h.engine.Reflect(ctx, acme, memory.ReflectionInput{Type: memory.ReflectionFailure, Content: "late", ExpiresAt: &past})
	wantKind(t, err, memory.ErrValidation)
	_, err = h.engine.Reflect(ctx, acme, memory.ReflectionInput{Type: "rumor", Content: "x"})
	wantKind(t, err, memory.ErrValidation)
	_, err = h.engine.Reflections(ctx, acme, memory.ReflectionFilter{}, 0)
	wantKind(t, err, memory.ErrValidation)
}
