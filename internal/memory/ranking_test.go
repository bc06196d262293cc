package memory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nidhogg/memory-substrate/internal/memory"
	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

func withImportance(in memory.PacketInput, v float64) memory.PacketInput {
	in.Importance = &v
	return in
}

// Rows are read in pages of three here, so every ranking below has to look
// past the first page to find its winner.
func smallPages() memory.Config {
	return memory.Config{Scoring: memory.ScoringConfig{CandidateLimit: 3}}
}

func TestQueryRanksEveryCandidate(t *testing.T) {
	h := newHarness(t, smallPages())
	ctx := context.Background()
	acme := endUser("acme", "")

	for i := 0; i < 3; i++ {
		mustIngest(t, h.engine, acme, withImportance(note(fmt.Sprintf("archived plan %d", i)), 0.9))
	}
	hot := mustIngest(t, h.engine, acme, withImportance(note("on-call handbook"), 0.3))

	h.clock.Advance(365 * 24 * time.Hour)
	for i := 0; i < 3; i++ {
		if _, err := h.engine.RecordAccess(ctx, acme, hot.ID, memory.AccessInput{AgentID: "agent-1"}); err != nil {
			t.Fatalf("record access: %v", err)
		}
	}

	top, err := h.engine.Query(ctx, acme, memory.PacketFilter{}, 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(top) != 1 || top[0].Packet.ID != hot.ID {
		t.Fatalf("top packet = %+v, want the recently used %s", top, hot.ID)
	}
	if top[0].Score < 0.5 {
		t.Fatalf("score of recently used packet = %.3f", top[0].Score)
	}

	all, err := h.engine.Query(ctx, acme, memory.PacketFilter{}, 10)
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d packets, want 4", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Score < all[i].Score {
			t.Fatalf("results out of order at %d: %.3f < %.3f", i, all[i-1].Score, all[i].Score)
		}
	}
}

func TestFactsAndReflectionsRankEveryCandidate(t *testing.T) {
	h := newHarness(t, smallPages())
	ctx := context.Background()
	acme := endUser("acme", "")

	for i := 0; i < 7; i++ {
		if _, err := h.engine.AssertFact(ctx, acme, memory.FactInput{Subject: fmt.Sprintf("service-%d", i), Predicate: "runs on", Object: "k8s"}); err != nil {
			t.Fatalf("assert: %v", err)
		}
	}
	facts, err := h.engine.QueryFacts(ctx, acme, memory.FactFilter{}, 100)
	if err != nil {
		t.Fatalf("query facts: %v", err)
	}
	if len(facts) != 7 {
		t.Fatalf("got %d facts, want 7", len(facts))
	}

	for i := 0; i < 4; i++ {
		if _, err := h.engine.Reflect(ctx, acme, memory.ReflectionInput{
			Type: memory.ReflectionPattern, Content: fmt.Sprintf("routine check %d", i), Priority: 5,
		}); err != nil {
			t.Fatalf("reflect: %v", err)
		}
	}
	lesson, err := h.engine.Reflect(ctx, acme, memory.ReflectionInput{
		Type: memory.ReflectionLesson, Content: "Postgres failover needs a fenced primary", Priority: 1,
	})
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	got, err := h.engine.Reflections(ctx, acme, memory.ReflectionFilter{Query: "postgres failover"}, 1)
	if err != nil {
		t.Fatalf("reflections: %v", err)
	}
	if len(got) != 1 || got[0].Reflection.ID != lesson.ID {
		t.Fatalf("reflections = %+v, want the failover lesson", got)
	}
}

func TestCachedViewsMatchLiveForOrgReaders(t *testing.T) {
	h := newHarness(t, memory.Config{Maintenance: memory.MaintenanceConfig{ViewSize: 2}})
	ctx := context.Background()
	sales := endUser("acme", "sales")
	ops := endUser("acme", "ops")
	public := tenancy.Context{UserID: "agent-1", Role: tenancy.RolePlatformAdmin}

	for i := 0; i < 3; i++ {
		mustIngest(t, h.engine, sales, withImportance(note(fmt.Sprintf("sales forecast %d", i)), 0.9))
	}
	shared := mustIngest(t, h.engine, public, withImportance(note("company holidays"), 0.95))
	opsHigh := mustIngest(t, h.engine, ops, withImportance(note("pager rotation"), 0.6))
	mustIngest(t, h.engine, ops, withImportance(note("runbook index"), 0.5))

	live, err := h.engine.RecentImportant(ctx, ops, "agent-1", 2)
	if err != nil {
		t.Fatalf("live view: %v", err)
	}
	runJob(t, h, memory.JobViewRefresh)
	cached, err := h.engine.RecentImportant(ctx, ops, "agent-1", 2)
	if err != nil {
		t.Fatalf("cached view: %v", err)
	}

	want := []string{shared.ID, opsHigh.ID}
	for name, rows := range map[string][]memory.RankedResult{"live": live, "cached": cached} {
		if len(rows) != len(want) {
			t.Fatalf("%s view has %d rows, want %d", name, len(rows), len(want))
		}
		for i, r := range rows {
			if r.Packet.ID != want[i] {
				t.Fatalf("%s view row %d = %s, want %s", name, i, r.Packet.ID, want[i])
			}
		}
	}

	// Facts: the cached view keeps two rows, both unreadable for ops.
	for i := 0; i < 3; i++ {
		if _, err := h.engine.AssertFact(ctx, sales, memory.FactInput{Subject: fmt.Sprintf("deal-%d", i), Predicate: "closes in", Object: "Q3"}); err != nil {
			t.Fatalf("assert sales fact: %v", err)
		}
	}
	opsFact, err := h.engine.AssertFact(ctx, ops, memory.FactInput{Subject: "pager", Predicate: "escalates to", Object: "sre"})
	if err != nil {
		t.Fatalf("assert ops fact: %v", err)
	}
	runJob(t, h, memory.JobViewRefresh)
	facts, err := h.engine.HighConfidenceFacts(ctx, ops, 2)
	if err != nil {
		t.Fatalf("high confidence facts: %v", err)
	}
	if len(facts) != 1 || facts[0].Fact.ID != opsFact.ID {
		t.Fatalf("ops facts = %+v, want only %s", facts, opsFact.ID)
	}
}
