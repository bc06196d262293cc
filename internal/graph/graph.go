// Package graph mirrors the entity relationship rows into Neo4j and answers
// multi-hop traversals from it. The projection is derived: every write sets
// absolute property values taken from the relational row, so replaying or
// rebuilding it is always safe.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/memory-substrate/internal/memory"
	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

// Graph is a Neo4j-backed memory.GraphProjector.
type Graph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// New connects to Neo4j and verifies connectivity.
func New(ctx context.Context, uri, user, password string, logger *zap.Logger) (*Graph, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	logger.Info("connected to Neo4j", zap.String("uri", uri))
	return &Graph{driver: driver, logger: logger}, nil
}

// Close releases the driver.
func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// EnsureSchema creates the lookup indexes. Idempotent.
func (g *Graph) EnsureSchema(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, q := range []string{
		`CREATE INDEX entity_key IF NOT EXISTS FOR (n:Entity) ON (n.tenant_id, n.name)`,
		`CREATE INDEX relates_id IF NOT EXISTS FOR ()-[r:RELATES]-() ON (r.id)`,
	} {
		if _, err := session.Run(ctx, q, nil); err != nil {
			return fmt.Errorf("ensure graph schema: %w", err)
		}
	}
	return nil
}

// Entities are keyed by tenant and normalized name, edges by the relational
// row id.
const projectQuery = `
	MERGE (a:Entity {tenant_id: $tenant_id, name: $source})
	  ON CREATE SET a.display = $source_raw
	MERGE (b:Entity {tenant_id: $tenant_id, name: $target})
	  ON CREATE SET b.display = $target_raw
	MERGE (a)-[r:RELATES {id: $id}]->(b)
	SET r.type = $type,
	    r.tenant_id = $tenant_id,
	    r.org_id = $org_id,
	    r.user_id = $user_id,
	    r.correlation_id = $correlation_id,
	    r.confidence = $confidence,
	    r.mention_count = $mention_count,
	    r.source_packet_id = $source_packet_id,
	    r.first_seen = $first_seen,
	    r.last_seen = $last_seen`

func projectParams(r *memory.Relationship) map[string]any {
	return map[string]any{
		"id":               r.ID,
		"tenant_id":        r.TenantID,
		"org_id":           r.OrgID,
		"user_id":          r.UserID,
		"correlation_id":   r.CorrelationID,
		"source":           r.SourceNorm,
		"source_raw":       r.Source,
		"target":           r.TargetNorm,
		"target_raw":       r.Target,
		"type":             r.Type,
		"confidence":       r.Confidence,
		"mention_count":    r.MentionCount,
		"source_packet_id": r.SourcePacketID,
		"first_seen":       r.FirstSeen.UTC().Format(time.RFC3339Nano),
		"last_seen":        r.LastSeen.UTC().Format(time.RFC3339Nano),
	}
}

// Project upserts one edge and its endpoints.
func (g *Graph) Project(ctx context.Context, r *memory.Relationship) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	if _, err := session.Run(ctx, projectQuery, projectParams(r)); err != nil {
		return fmt.Errorf("project relationship %s: %w", r.ID, err)
	}
	return nil
}

// Rebuild replaces the projection of one tenant with rels in a single
// transaction.
func (g *Graph) Rebuild(ctx context.Context, tenantID string, rels []*memory.Relationship) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx,
			`MATCH (n:Entity {tenant_id: $tenant_id}) DETACH DELETE n`,
			map[string]any{"tenant_id": tenantID}); err != nil {
			return nil, err
		}
		for _, r := range rels {
			if r.TenantID != tenantID {
				return nil, fmt.Errorf("relationship %s belongs to tenant %q", r.ID, r.TenantID)
			}
			if _, err := tx.Run(ctx, projectQuery, projectParams(r)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("rebuild graph for tenant %q: %w", tenantID, err)
	}
	g.logger.Info("graph projection rebuilt",
		zap.String("tenant_id", tenantID),
		zap.Int("edges", len(rels)))
	return nil
}

// Neighbors walks up to depth hops from entity over edges the scope allows
// and returns the distinct edges met, most mentioned first.
func (g *Graph) Neighbors(ctx context.Context, scope tenancy.Scope, entity string, depth, limit int) ([]*memory.Relationship, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	// Variable-length bounds cannot be parameters.
	query := `
		MATCH path = (start:Entity {name: $entity})-[:RELATES*1..` + fmt.Sprint(depth) + `]-()
		WHERE all(r IN relationships(path) WHERE
			$all_tenants
			OR (r.tenant_id = '' AND NOT $exclude_public)
			OR (r.tenant_id = $tenant_id AND ($all_orgs OR r.org_id = '' OR r.org_id = $org_id)))
		UNWIND relationships(path) AS r
		WITH DISTINCT r
		RETURN r.id AS id,
			r.tenant_id AS tenant_id,
			r.org_id AS org_id,
			r.user_id AS user_id,
			r.correlation_id AS correlation_id,
			startNode(r).display AS source,
			startNode(r).name AS source_norm,
			r.type AS type,
			endNode(r).display AS target,
			endNode(r).name AS target_norm,
			r.confidence AS confidence,
			r.mention_count AS mention_count,
			r.source_packet_id AS source_packet_id,
			r.first_seen AS first_seen,
			r.last_seen AS last_seen
		ORDER BY mention_count DESC, id
		LIMIT $limit`

	result, err := session.Run(ctx, query, map[string]any{
		"entity":         entity,
		"all_tenants":    scope.AllTenants,
		"exclude_public": scope.ExcludePublic,
		"tenant_id":      scope.TenantID,
		"all_orgs":       scope.AllOrgs,
		"org_id":         scope.OrgID,
		"limit":          limit,
	})
	if err != nil {
		return nil, fmt.Errorf("neighbors of %q: %w", entity, err)
	}

	var rels []*memory.Relationship
	for result.Next(ctx) {
		rels = append(rels, recordToRelationship(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("neighbors of %q: %w", entity, err)
	}
	return rels, nil
}

func recordToRelationship(rec *neo4j.Record) *memory.Relationship {
	r := &memory.Relationship{
		ID:             str(rec, "id"),
		Source:         str(rec, "source"),
		SourceNorm:     str(rec, "source_norm"),
		Type:           str(rec, "type"),
		Target:         str(rec, "target"),
		TargetNorm:     str(rec, "target_norm"),
		SourcePacketID: str(rec, "source_packet_id"),
		FirstSeen:      timeAt(rec, "first_seen"),
		LastSeen:       timeAt(rec, "last_seen"),
	}
	r.TenantID = str(rec, "tenant_id")
	r.OrgID = str(rec, "org_id")
	r.UserID = str(rec, "user_id")
	r.CorrelationID = str(rec, "correlation_id")
	if v, ok := rec.Get("confidence"); ok && v != nil {
		r.Confidence, _ = v.(float64)
	}
	if v, ok := rec.Get("mention_count"); ok && v != nil {
		r.MentionCount, _ = v.(int64)
	}
	return r
}

func str(rec *neo4j.Record, key string) string {
	if v, ok := rec.Get(key); ok && v != nil {
		s, _ := v.(string)
		return s
	}
	return ""
}

func timeAt(rec *neo4j.Record, key string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, str(rec, key))
	return t
}
