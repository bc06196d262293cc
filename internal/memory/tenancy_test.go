package memory_test

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/nidhogg/memory-substrate/internal/memory"
	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

// TestNoCrossTenantReads seeds random packets, facts and edges across
// tenants, orgs and public memory, then checks every non-admin reader sees
// exactly the rows it may read.
func TestNoCrossTenantReads(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			checkIsolation(t, rand.New(rand.NewSource(seed)))
		})
	}
}

func checkIsolation(t *testing.T, rng *rand.Rand) {
	h := newHarness(t, memory.Config{})
	ctx := context.Background()

	tenants := []string{"acme", "globex", "initech"}
	orgs := []string{"", "sales", "ops"}
	writer := func() tenancy.Context {
		if rng.Intn(8) == 0 {
			return platformAdmin
		}
		return endUser(tenants[rng.Intn(len(tenants))], orgs[rng.Intn(len(orgs))])
	}

	var packets []*memory.Packet
	var facts []*memory.Fact
	for i := 0; i < 60; i++ {
		tc := writer()
		packets = append(packets, mustIngest(t, h.engine, tc, note(fmt.Sprintf("observation %d", i))))
		if rng.Intn(2) == 0 {
			f, err := h.engine.AssertFact(ctx, tc, memory.FactInput{Subject: fmt.Sprintf("s%d", i), Predicate: "is", Object: "x"})
			if err != nil {
				t.Fatalf("assert: %v", err)
			}
			facts = append(facts, f)
		}
		if rng.Intn(2) == 0 {
			if _, err := h.engine.UpsertRelationship(ctx, tc, memory.RelationshipInput{Source: "hub", Type: "links", Target: fmt.Sprintf("n%d", i)}); err != nil {
				t.Fatalf("upsert: %v", err)
			}
		}
	}

	var readers []tenancy.Context
	for _, tenant := range tenants {
		for _, org := range orgs {
			readers = append(readers, endUser(tenant, org))
			if org != "" {
				readers = append(readers, tenancy.Context{TenantID: tenant, OrgID: org, UserID: "lead", Role: tenancy.RoleOrgAdmin})
			}
		}
		readers = append(readers, tenantAdmin(tenant))
	}

	for _, tc := range readers {
		want := 0
		for _, p := range packets {
			if tc.CanRead(p.Owner) {
				want++
			}
		}
		got, err := h.engine.Query(ctx, tc, memory.PacketFilter{}, 1000)
		if err != nil {
			t.Fatalf("query as %+v: %v", tc, err)
		}
		if len(got) != want {
			t.Fatalf("%s/%s %s saw %d packets, want %d", tc.TenantID, tc.OrgID, tc.Role, len(got), want)
		}
		for _, r := range got {
			if !r.Packet.Public() && r.Packet.TenantID != tc.TenantID {
				t.Fatalf("%s read packet of tenant %s", tc.TenantID, r.Packet.TenantID)
			}
		}

		wantFacts := 0
		for _, f := range facts {
			if tc.CanRead(f.Owner) {
				wantFacts++
			}
		}
		gotFacts, err := h.engine.QueryFacts(ctx, tc, memory.FactFilter{}, 1000)
		if err != nil {
			t.Fatalf("query facts: %v", err)
		}
		if len(gotFacts) != wantFacts {
			t.Fatalf("%s/%s %s saw %d facts, want %d", tc.TenantID, tc.OrgID, tc.Role, len(gotFacts), wantFacts)
		}

		rels, err := h.engine.Neighbors(ctx, tc, "hub", 2, 1000)
		if err != nil {
			t.Fatalf("neighbors: %v", err)
		}
		for _, r := range rels {
			if !tc.CanRead(r.Owner) {
				t.Fatalf("%s/%s traversed into edge of %s/%s", tc.TenantID, tc.OrgID, r.TenantID, r.OrgID)
			}
		}

		for _, p := range packets {
			_, err := h.engine.Get(ctx, tc, p.ID)
			if tc.CanRead(p.Owner) != (err == nil) {
				t.Fatalf("get %s/%s as %s/%s: %v", p.TenantID, p.OrgID, tc.TenantID, tc.OrgID, err)
			}
		}
	}
}
