package memory

import (
	"time"

	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

// Scope classifies how widely a packet may be shared inside its tenant.
type Scope string

const (
	ScopeShared      Scope = "shared"
	ScopeRestrictedA Scope = "restricted-a"
	ScopeRestrictedB Scope = "restricted-b"
)

// Space names one embedding lens over a packet.
type Space string

const (
	SpaceContent   Space = "content"
	SpaceContext   Space = "context"
	SpaceEntity    Space = "entity"
	SpaceSummary   Space = "summary"
	SpaceReasoning Space = "reasoning"
)

// Spaces lists every embedding space.
var Spaces = []Space{SpaceContent, SpaceContext, SpaceEntity, SpaceSummary, SpaceReasoning}

// Valid reports whether s is a known space.
func (s Space) Valid() bool {
	for _, sp := range Spaces {
		if s == sp {
			return true
		}
	}
	return false
}

// WholePacket is the chunk index of an embedding that covers the whole packet.
const WholePacket = -1

// Packet is a stored unit of memory.
type Packet struct {
	ID string `json:"id"`
	tenancy.Owner
	Type         string            `json:"packet_type"`
	Payload      map[string]any    `json:"payload"`
	Labels       map[string]string `json:"labels,omitempty"`
	Scope        Scope             `json:"scope"`
	Importance   float64           `json:"importance_score"`
	AccessCount  int64             `json:"access_count"`
	LastAccessed *time.Time        `json:"last_accessed,omitempty"`
	LastDecayed  *time.Time        `json:"last_decayed,omitempty"`
	ContentHash  string            `json:"content_hash"`
	IsChunked    bool              `json:"is_chunked"`
	ChunkIndex   int               `json:"chunk_index"`
	ChunkCount   int               `json:"chunk_count"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
}

// AccessedAt is the timestamp recency is measured from.
func (p *Packet) AccessedAt() time.Time {
	if p.LastAccessed != nil {
		return *p.LastAccessed
	}
	return p.CreatedAt
}

// Text returns the human-readable content of the payload, if any.
func (p *Packet) Text() string {
	for _, k := range []string{"content", "text", "summary", "message"} {
		if s, ok := p.Payload[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// AccessLogEntry records one read of a packet.
type AccessLogEntry struct {
	ID        string    `json:"id"`
	PacketID  string    `json:"packet_id"`
	AgentID   string    `json:"agent_id"`
	Relevance *float64  `json:"relevance,omitempty"`
	Useful    *bool     `json:"useful,omitempty"`
	AccessAt  time.Time `json:"accessed_at"`
	tenancy.Owner
}

// Embedding is a vector for one packet in one space.
type Embedding struct {
	PacketID   string    `json:"packet_id"`
	Space      Space     `json:"space"`
	Vector     []float32 `json:"vector"`
	ChunkIndex int       `json:"chunk_index"`
	ChunkText  string    `json:"chunk_text,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	tenancy.Owner
}

// Fact is a subject-predicate-object assertion.
type Fact struct {
	ID string `json:"id"`
	tenancy.Owner
	Subject             string     `json:"subject"`
	SubjectNorm         string     `json:"subject_normalized"`
	Predicate           string     `json:"predicate"`
	Object              string     `json:"object"`
	ObjectNorm          string     `json:"object_normalized"`
	ObjectType          string     `json:"object_type"`
	Confidence          float64    `json:"confidence"`
	SupportingCount     int64      `json:"supporting_packet_count"`
	ContradictionCount  int64      `json:"contradiction_count"`
	SourcePacketID      string     `json:"source_packet_id,omitempty"`
	Scope               Scope      `json:"scope"`
	ConfidenceUpdatedAt time.Time  `json:"last_confidence_update"`
	AccessCount         int64      `json:"access_count"`
	LastAccessed        *time.Time `json:"last_accessed,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// AccessedAt is the timestamp recency is measured from.
func (f *Fact) AccessedAt() time.Time {
	if f.LastAccessed != nil {
		return *f.LastAccessed
	}
	return f.CreatedAt
}

// Relationship is an aggregated edge between two named entities.
type Relationship struct {
	ID string `json:"id"`
	tenancy.Owner
	Source         string    `json:"source_entity"`
	SourceNorm     string    `json:"source_normalized"`
	Type           string    `json:"relationship_type"`
	Target         string    `json:"target_entity"`
	TargetNorm     string    `json:"target_normalized"`
	Confidence     float64   `json:"confidence"`
	MentionCount   int64     `json:"mention_count"`
	SourcePacketID string    `json:"source_packet_id,omitempty"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// ScopeKind is the grouping a summary consolidates over.
type ScopeKind string

const (
	ScopeThread     ScopeKind = "thread"
	ScopeAgent      ScopeKind = "agent"
	ScopeTopic      ScopeKind = "topic"
	ScopeTimePeriod ScopeKind = "time_period"
	ScopeProject    ScopeKind = "project"
	ScopeTask       ScopeKind = "task"
)

// ConsolidationScope selects the packets one summary covers.
// Key is the correlation id for threads, the user id for agents and the label
// value for topics, projects and tasks. Time periods use Start and End.
type ConsolidationScope struct {
	Kind  ScopeKind `json:"kind" validate:"required,oneof=thread agent topic time_period project task"`
	Key   string    `json:"key"`
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Summary is a consolidation of many packets sharing a scope.
type Summary struct {
	ID string `json:"id"`
	tenancy.Owner
	ScopeKind       ScopeKind `json:"scope_kind"`
	ScopeKey        string    `json:"scope_key"`
	Text            string    `json:"summary_text"`
	KeyFacts        []string  `json:"key_facts"`
	KeyEntities     []string  `json:"key_entities"`
	Decisions       []string  `json:"decisions"`
	SourcePacketIDs []string  `json:"source_packet_ids"`
	PacketCount     int       `json:"packet_count"`
	Embedding       []float32 `json:"embedding,omitempty"`
	Confidence      float64   `json:"confidence"`
	CoverageStart   time.Time `json:"coverage_start"`
	CoverageEnd     time.Time `json:"coverage_end"`
	ValidUntil      time.Time `json:"valid_until"`
	CreatedAt       time.Time `json:"created_at"`
}

// ReflectionType is the kind of lesson a reflection records.
type ReflectionType string

const (
	ReflectionLesson  ReflectionType = "lesson"
	ReflectionPattern ReflectionType = "pattern"
	ReflectionFailure ReflectionType = "failure"
	ReflectionSuccess ReflectionType = "success"
	ReflectionInsight ReflectionType = "insight"
)

// Reflection is a persisted lesson, pattern, failure, success or insight.
type Reflection struct {
	ID string `json:"id"`
	tenancy.Owner
	Type           ReflectionType `json:"type"`
	Content        string         `json:"content"`
	Context        string         `json:"context,omitempty"`
	Entities       []string       `json:"entities,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Confidence     float64        `json:"confidence"`
	Priority       int            `json:"priority"`
	SourceAgentID  string         `json:"source_agent_id,omitempty"`
	SourcePacketID string         `json:"source_packet_id,omitempty"`
	AccessCount    int64          `json:"access_count"`
	LastAccessed   *time.Time     `json:"last_accessed,omitempty"`
	LastDecayed    *time.Time     `json:"last_decayed,omitempty"`
	Embedding      []float32      `json:"embedding,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
}

// AccessedAt is the timestamp recency is measured from.
func (r *Reflection) AccessedAt() time.Time {
	if r.LastAccessed != nil {
		return *r.LastAccessed
	}
	return r.CreatedAt
}

// RankedResult is a packet returned by a read path with its ranking signals.
type RankedResult struct {
	Packet     *Packet `json:"packet"`
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity,omitempty"`
	Space      Space   `json:"space,omitempty"`
	ChunkIndex int     `json:"chunk_index,omitempty"`
}

// RankedFact is a fact returned by a read path with its combined score.
type RankedFact struct {
	Fact  *Fact   `json:"fact"`
	Score float64 `json:"score"`
}

// RankedReflection is a reflection returned by a read path.
type RankedReflection struct {
	Reflection *Reflection `json:"reflection"`
	Score      float64     `json:"score"`
	Similarity float64     `json:"similarity,omitempty"`
}
