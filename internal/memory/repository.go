package memory

import (
	"context"
	"time"

	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

// Page asks a list call for rows in id order after AfterID instead of its
// usual ordering. Callers that rank in Go walk every match this way.
type Page struct {
	AfterID string
}

// PacketFilter narrows packet queries. Zero fields do not filter.
type PacketFilter struct {
	IDs           []string          `json:"ids,omitempty"`
	Types         []string          `json:"types,omitempty"`
	Scopes        []Scope           `json:"scopes,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	CreatedAfter  time.Time         `json:"created_after,omitempty"`
	CreatedBefore time.Time         `json:"created_before,omitempty"`
	MinImportance float64           `json:"min_importance,omitempty"`
	// Now excludes packets whose expiry is at or before it. Set by the engine.
	Now  time.Time `json:"-"`
	Page *Page     `json:"-"`
}

// FactFilter narrows fact queries.
type FactFilter struct {
	Subject          string   `json:"subject,omitempty"`
	Predicate        string   `json:"predicate,omitempty"`
	Object           string   `json:"object,omitempty"`
	SourcePacketIDs  []string `json:"source_packet_ids,omitempty"`
	MinConfidence    float64  `json:"min_confidence,omitempty"`
	ExcludeContested bool     `json:"exclude_contested,omitempty"`
	// ContradictionLimit is filled by the engine from FactConfig.
	ContradictionLimit int64 `json:"-"`
	Page               *Page `json:"-"`
}

// RelationshipFilter narrows relationship queries. Entity matches either end.
type RelationshipFilter struct {
	Entity          string   `json:"entity,omitempty"`
	Source          string   `json:"source,omitempty"`
	Target          string   `json:"target,omitempty"`
	Type            string   `json:"type,omitempty"`
	SourcePacketIDs []string `json:"source_packet_ids,omitempty"`
	MinConfidence   float64  `json:"min_confidence,omitempty"`
	Page            *Page    `json:"-"`
}

// ReflectionFilter narrows reflection queries.
type ReflectionFilter struct {
	Types         []ReflectionType `json:"types,omitempty"`
	Tag           string           `json:"tag,omitempty"`
	Entity        string           `json:"entity,omitempty"`
	SourceAgentID string           `json:"source_agent_id,omitempty"`
	MinConfidence float64          `json:"min_confidence,omitempty"`
	// Query ranks by keyword relevance of content and context.
	Query string `json:"query,omitempty"`
	// Vector ranks by cosine similarity to the stored embedding.
	Vector []float32 `json:"vector,omitempty"`
	Now    time.Time `json:"-"`
	Page   *Page     `json:"-"`
}

// DecayParams describes one batch of a neglect-decay sweep.
type DecayParams struct {
	AccessedBefore time.Time // last access (or creation) strictly before
	DecayedBefore  time.Time // never decayed, or last decayed strictly before
	Step           float64
	Floor          float64
	Now            time.Time
	Limit          int
}

// ScopeStats describes the packets of one consolidation candidate scope.
type ScopeStats struct {
	Scope  ConsolidationScope
	Count  int
	Oldest time.Time
	Newest time.Time
}

// CandidateParams selects consolidation candidates of one kind in a tenant.
type CandidateParams struct {
	Kind          ScopeKind
	MinPackets    int
	CreatedBefore time.Time // or oldest packet created before this
	Now           time.Time
	Limit         int
}

// PacketRepository stores packets, their access log and their embeddings.
// Every mutation is a single conditional statement (or one transaction) so
// concurrent callers never lose updates.
type PacketRepository interface {
	// UpsertPacket inserts p, or, when a packet with the same tenant and
	// content hash exists and has the same type, increments its access count
	// and returns it with created=false. The existing row is only touched
	// when scope allows it; otherwise ErrTenancyViolation is returned and the
	// row is left as it was. A type mismatch returns ErrDuplicateConflict.
	UpsertPacket(ctx context.Context, p *Packet, scope tenancy.Scope) (stored *Packet, created bool, err error)
	GetPacket(ctx context.Context, id string) (*Packet, error)
	ListPackets(ctx context.Context, f PacketFilter, scope tenancy.Scope, limit int) ([]*Packet, error)
	// TouchPacket atomically increments access_count, sets last_accessed,
	// raises importance by boost (capped at 1) and appends entry.
	TouchPacket(ctx context.Context, id string, scope tenancy.Scope, boost float64, entry *AccessLogEntry) (*Packet, error)
	AccessLog(ctx context.Context, packetID string, limit int) ([]*AccessLogEntry, error)
	DeletePacket(ctx context.Context, id string, scope tenancy.Scope) error
	DecayPackets(ctx context.Context, scope tenancy.Scope, p DecayParams) (int64, error)
	DeleteExpiredPackets(ctx context.Context, now time.Time, limit int) ([]string, error)

	UpsertEmbedding(ctx context.Context, e *Embedding) error
	ListEmbeddings(ctx context.Context, packetID string) ([]*Embedding, error)
	// SpaceDimension returns the vector length of any stored embedding of
	// space, or 0 when the space holds none.
	SpaceDimension(ctx context.Context, space Space) (int, error)

	Tenants(ctx context.Context) ([]string, error)
	Users(ctx context.Context, scope tenancy.Scope) ([]string, error)
	ConsolidationCandidates(ctx context.Context, scope tenancy.Scope, p CandidateParams) ([]ScopeStats, error)
}

// FactRepository stores the fact graph.
type FactRepository interface {
	// UpsertFact inserts f (with confidence already reinforced once) or, on
	// the unique (tenant, subject, predicate, object) key, reinforces the
	// existing row by step and increments its supporting count.
	UpsertFact(ctx context.Context, f *Fact, step float64) (stored *Fact, created bool, err error)
	GetFact(ctx context.Context, id string) (*Fact, error)
	// AdjustFact adds delta to confidence clamped to [0.1, 1]. A contradiction
	// increments contradiction_count, otherwise supporting_packet_count.
	AdjustFact(ctx context.Context, id string, scope tenancy.Scope, delta float64, contradiction bool, at time.Time) (*Fact, error)
	TouchFact(ctx context.Context, id string, scope tenancy.Scope, at time.Time) (*Fact, error)
	ListFacts(ctx context.Context, f FactFilter, scope tenancy.Scope, limit int) ([]*Fact, error)
}

// RelationshipRepository stores the entity graph.
type RelationshipRepository interface {
	// UpsertRelationship inserts r or, on the unique (tenant, source, type,
	// target) key, increments mention_count, raises confidence by step capped
	// at 1 and updates last_seen.
	UpsertRelationship(ctx context.Context, r *Relationship, step float64) (stored *Relationship, created bool, err error)
	ListRelationships(ctx context.Context, f RelationshipFilter, scope tenancy.Scope, limit int) ([]*Relationship, error)
}

// ConsolidationRepository stores summaries and reflections.
type ConsolidationRepository interface {
	// SaveSummary replaces the summary of the same tenant and scope.
	SaveSummary(ctx context.Context, s *Summary) error
	GetSummary(ctx context.Context, tenantID string, kind ScopeKind, key string) (*Summary, error)
	ListSummaries(ctx context.Context, scope tenancy.Scope, kind ScopeKind, limit int) ([]*Summary, error)

	InsertReflection(ctx context.Context, r *Reflection) error
	ListReflections(ctx context.Context, f ReflectionFilter, scope tenancy.Scope, limit int) ([]*Reflection, error)
	TouchReflections(ctx context.Context, ids []string, at time.Time) error
	DecayReflections(ctx context.Context, scope tenancy.Scope, p DecayParams) (int64, error)
	DeleteExpiredReflections(ctx context.Context, now time.Time, limit int) (int64, error)
}

// Repository is the source of truth of the engine.
type Repository interface {
	PacketRepository
	FactRepository
	RelationshipRepository
	ConsolidationRepository
	Ping(ctx context.Context) error
}

// VectorHit is one nearest neighbour returned by a VectorIndex.
type VectorHit struct {
	PacketID   string
	ChunkIndex int
	Score      float64
	Owner      tenancy.Owner
}

// VectorIndex searches embeddings of one space at a time. It is a derived
// index: the repository's embedding rows are authoritative.
type VectorIndex interface {
	Upsert(ctx context.Context, e *Embedding) error
	Search(ctx context.Context, space Space, vector []float32, scope tenancy.Scope, topK int) ([]VectorHit, error)
	DeletePacket(ctx context.Context, packetID string) error
}

// GraphProjector mirrors relationship rows into a graph database for
// traversal. The projection is disposable and rebuilt by view refresh.
type GraphProjector interface {
	Project(ctx context.Context, r *Relationship) error
	Rebuild(ctx context.Context, tenantID string, rels []*Relationship) error
	Neighbors(ctx context.Context, scope tenancy.Scope, entity string, depth, limit int) ([]*Relationship, error)
}

// ViewCache holds refreshed read projections.
type ViewCache interface {
	Put(ctx context.Context, key string, v any, ttl time.Duration) error
	// Get decodes the cached value into dst and reports whether it existed.
	Get(ctx context.Context, key string, dst any) (bool, error)
}

// Embedder turns text into vectors through the external embedding provider.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
