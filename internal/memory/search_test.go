package memory_test

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/memory-substrate/internal/memory"
	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

func embed(t *testing.T, e *memory.Engine, tc tenancy.Context, in memory.EmbedInput) {
	t.Helper()
	if err := e.Embed(context.Background(), tc, in); err != nil {
		t.Fatalf("embed %s/%s: %v", in.PacketID, in.Space, err)
	}
}

func TestSearchSpaceIsTenantScoped(t *testing.T) {
	h := newHarness(t, memory.Config{})
	ctx := context.Background()
	acme := endUser("acme", "")
	globex := endUser("globex", "")

	a := mustIngest(t, h.engine, acme, note("rollout plan"))
	b := mustIngest(t, h.engine, acme, note("incident review"))
	g := mustIngest(t, h.engine, globex, note("rollout plan"))
	embed(t, h.engine, acme, memory.EmbedInput{PacketID: a.ID, Space: memory.SpaceContent, Vector: []float32{1, 0, 0}})
	chunk := 1
	embed(t, h.engine, acme, memory.EmbedInput{PacketID: a.ID, Space: memory.SpaceContent, Vector: []float32{0.9, 0.1, 0}, ChunkIndex: &chunk, ChunkText: "plan"})
	embed(t, h.engine, acme, memory.EmbedInput{PacketID: b.ID, Space: memory.SpaceContent, Vector: []float32{0, 1, 0}})
	embed(t, h.engine, globex, memory.EmbedInput{PacketID: g.ID, Space: memory.SpaceContent, Vector: []float32{1, 0, 0}})

	res, err := h.engine.SearchSpace(ctx, acme, memory.SpaceContent, []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("got %d results, want 2", len(res))
	}
	if res[0].Packet.ID != a.ID || res[0].Similarity < 0.99 {
		t.Fatalf("nearest packet = %s (%.3f), want %s", res[0].Packet.ID, res[0].Similarity, a.ID)
	}
	for _, r := range res {
		if r.Packet.TenantID != "acme" {
			t.Fatalf("search leaked packet of tenant %q", r.Packet.TenantID)
		}
	}

	all, err := h.engine.SearchSpace(ctx, platformAdmin, memory.SpaceContent, []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("admin search: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("platform admin saw %d packets, want 3", len(all))
	}

	empty, err := h.engine.SearchSpace(ctx, acme, memory.SpaceReasoning, []float32{1, 0, 0}, 5)
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty space: %v %v", empty, err)
	}
}

func TestEmbedValidation(t *testing.T) {
	h := newHarness(t, memory.Config{})
	ctx := context.Background()
	acme := endUser("acme", "")
	p := mustIngest(t, h.engine, acme, note("vectors"))
	embed(t, h.engine, acme, memory.EmbedInput{PacketID: p.ID, Space: memory.SpaceContent, Vector: []float32{1, 0, 0}})

	err := h.engine.Embed(ctx, acme, memory.EmbedInput{PacketID: p.ID, Space: memory.SpaceContent, Vector: []float32{1, 0}})
	wantKind(t, err, memory.ErrValidation)
	_, err = h.engine.SearchSpace(ctx, acme, memory.SpaceContent, []float32{1, 0}, 5)
	wantKind(t, err, memory.ErrValidation)
	err = h.engine.Embed(ctx, acme, memory.EmbedInput{PacketID: p.ID, Space: "smell", Vector: []float32{1}})
	wantKind(t, err, memory.ErrValidation)
	_, err = h.engine.SearchSpace(ctx, acme, memory.SpaceContent, []float32{1, 0, 0}, 0)
	wantKind(t, err, memory.ErrValidation)

	// Spaces pin their dimension independently.
	embed(t, h.engine, acme, memory.EmbedInput{PacketID: p.ID, Space: memory.SpaceEntity, Vector: []float32{1, 0}})

	err = h.engine.Embed(ctx, endUser("globex", ""), memory.EmbedInput{PacketID: p.ID, Space: memory.SpaceContent, Vector: []float32{0, 1, 0}})
	wantKind(t, err, memory.ErrTenancyViolation)
	err = h.engine.Embed(ctx, acme, memory.EmbedInput{PacketID: "missing", Space: memory.SpaceContent, Vector: []float32{0, 1, 0}})
	wantKind(t, err, memory.ErrNotFound)
}

func TestSearchSpacesMergesWeighted(t *testing.T) {
	h := newHarness(t, memory.Config{})
	ctx := context.Background()
	acme := endUser("acme", "")

	a := mustIngest(t, h.engine, acme, note("matches on content"))
	b := mustIngest(t, h.engine, acme, note("matches on entity"))
	embed(t, h.engine, acme, memory.EmbedInput{PacketID: a.ID, Space: memory.SpaceContent, Vector: []float32{1, 0, 0}})
	embed(t, h.engine, acme, memory.EmbedInput{PacketID: b.ID, Space: memory.SpaceContent, Vector: []float32{0, 1, 0}})
	embed(t, h.engine, acme, memory.EmbedInput{PacketID: b.ID, Space: memory.SpaceEntity, Vector: []float32{0, 0, 1}})

	queries := map[memory.Space][]float32{
		memory.SpaceContent: {1, 0, 0},
		memory.SpaceEntity:  {0, 0, 1},
	}
	res, err := h.engine.SearchSpaces(ctx, acme, queries, map[memory.Space]float64{memory.SpaceEntity: 2}, 5)
	if err != nil {
		t.Fatalf("search spaces: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("got %d results, want 2", len(res))
	}
	if res[0].Packet.ID != b.ID || res[0].Space != memory.SpaceEntity {
		t.Fatalf("weighted entity hit should lead, got %s in %s", res[0].Packet.ID, res[0].Space)
	}

	res, err = h.engine.SearchSpaces(ctx, acme, queries, nil, 5)
	if err != nil {
		t.Fatalf("search spaces: %v", err)
	}
	if res[0].Packet.ID != b.ID && res[0].Packet.ID != a.ID {
		t.Fatalf("unexpected leader %s", res[0].Packet.ID)
	}

	_, err = h.engine.SearchSpaces(ctx, acme, map[memory.Space][]float32{"smell": {1}}, nil, 5)
	wantKind(t, err, memory.ErrValidation)
	_, err = h.engine.SearchSpaces(ctx, acme, nil, nil, 5)
	wantKind(t, err, memory.ErrValidation)
}

func TestReindexRestoresIndex(t *testing.T) {
	h := newHarness(t, memory.Config{})
	ctx := context.Background()
	acme := endUser("acme", "")
	p := mustIngest(t, h.engine, acme, note("reindexed"))
	embed(t, h.engine, acme, memory.EmbedInput{PacketID: p.ID, Space: memory.SpaceContent, Vector: []float32{1, 0, 0}})
	embed(t, h.engine, acme, memory.EmbedInput{PacketID: p.ID, Space: memory.SpaceSummary, Vector: []float32{0, 1, 0}})

	n, err := h.engine.Reindex(ctx, acme, p.ID)
	if err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if n != 2 {
		t.Fatalf("reindexed %d embeddings, want 2", n)
	}
	_, err = h.engine.Reindex(ctx, endUser("globex", ""), p.ID)
	wantKind(t, err, memory.ErrTenancyViolation)
}

func TestRejectedEmbedDoesNotPinDimension(t *testing.T) {
	h := newHarness(t, memory.Config{})
	ctx := context.Background()
	acme := endUser("acme", "")
	p := mustIngest(t, h.engine, acme, note("first vector"))

	err := h.engine.Embed(ctx, endUser("globex", ""), memory.EmbedInput{PacketID: p.ID, Space: memory.SpaceContent, Vector: []float32{1, 0}})
	wantKind(t, err, memory.ErrTenancyViolation)
	err = h.engine.Embed(ctx, acme, memory.EmbedInput{PacketID: "missing", Space: memory.SpaceContent, Vector: []float32{1, 0}})
	wantKind(t, err, memory.ErrNotFound)

	embed(t, h.engine, acme, memory.EmbedInput{PacketID: p.ID, Space: memory.SpaceContent, Vector: []float32{1, 0, 0}})
	if _, err := h.engine.SearchSpace(ctx, acme, memory.SpaceContent, []float32{1, 0, 0}, 1); err != nil {
		t.Fatalf("search: %v", err)
	}
}

func TestDimensionSurvivesRestart(t *testing.T) {
	h := newHarness(t, memory.Config{})
	ctx := context.Background()
	acme := endUser("acme", "")
	p := mustIngest(t, h.engine, acme, note("stored vector"))
	embed(t, h.engine, acme, memory.EmbedInput{PacketID: p.ID, Space: memory.SpaceContent, Vector: []float32{1, 0, 0}})

	restarted := memory.NewEngine(h.repo, nil, memory.Config{}, zap.NewNop(), memory.WithClock(h.clock.Now))
	err := restarted.Embed(ctx, acme, memory.EmbedInput{PacketID: p.ID, Space: memory.SpaceContent, Vector: []float32{1, 0}})
	wantKind(t, err, memory.ErrValidation)
	if err := restarted.Embed(ctx, acme, memory.EmbedInput{PacketID: p.ID, Space: memory.SpaceContent, Vector: []float32{0, 1, 0}}); err != nil {
		t.Fatalf("embed with stored dimension: %v", err)
	}
}

func TestSearchSpaceLooksPastChunkedPackets(t *testing.T) {
	h := newHarness(t, memory.Config{})
	ctx := context.Background()
	acme := endUser("acme", "")

	long := mustIngest(t, h.engine, acme, note("long design doc"))
	near := mustIngest(t, h.engine, acme, note("related note"))
	far := mustIngest(t, h.engine, acme, note("unrelated note"))
	for i := 0; i < 12; i++ {
		chunk := i
		embed(t, h.engine, acme, memory.EmbedInput{
			PacketID: long.ID, Space: memory.SpaceContent,
			Vector: []float32{1, 0.01 * float32(i), 0}, ChunkIndex: &chunk,
		})
	}
	embed(t, h.engine, acme, memory.EmbedInput{PacketID: near.ID, Space: memory.SpaceContent, Vector: []float32{0.7, 0.7, 0}})
	embed(t, h.engine, acme, memory.EmbedInput{PacketID: far.ID, Space: memory.SpaceContent, Vector: []float32{0, 0, 1}})

	res, err := h.engine.SearchSpace(ctx, acme, memory.SpaceContent, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res) != 2 || res[0].Packet.ID != long.ID || res[1].Packet.ID != near.ID {
		t.Fatalf("got %d results, want the chunked packet then %s", len(res), near.ID)
	}

	all, err := h.engine.SearchSpace(ctx, acme, memory.SpaceContent, []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("search all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d results, want every packet of the space", len(all))
	}
}
