package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// PacketInput is what producers submit to Ingest.
type PacketInput struct {
	Type       string            `json:"packet_type" validate:"required,max=64"`
	Payload    map[string]any    `json:"payload" validate:"required,min=1"`
	Labels     map[string]string `json:"labels,omitempty"`
	Scope      Scope             `json:"scope,omitempty" validate:"omitempty,oneof=shared restricted-a restricted-b"`
	Importance *float64          `json:"importance_score,omitempty" validate:"omitempty,gte=0,lte=1"`
	IsChunked  bool              `json:"is_chunked"`
	ChunkIndex int               `json:"chunk_index" validate:"gte=0"`
	ChunkCount int               `json:"chunk_count" validate:"gte=0"`
	TTL        time.Duration     `json:"ttl,omitempty" validate:"gte=0"`
}

// AccessInput describes one read of a packet.
type AccessInput struct {
	AgentID   string   `json:"agent_id" validate:"required"`
	Relevance *float64 `json:"relevance,omitempty" validate:"omitempty,gte=0,lte=1"`
	Useful    *bool    `json:"useful,omitempty"`
}

// EmbedInput attaches a vector to a packet in one space.
type EmbedInput struct {
	PacketID   string    `json:"packet_id" validate:"required"`
	Space      Space     `json:"space" validate:"required,oneof=content context entity summary reasoning"`
	Vector     []float32 `json:"vector" validate:"required,min=1"`
	ChunkIndex *int      `json:"chunk_index,omitempty" validate:"omitempty,gte=0"`
	ChunkText  string    `json:"chunk_text,omitempty"`
}

// FactInput is a subject-predicate-object assertion submitted to AssertFact.
type FactInput struct {
	Subject           string   `json:"subject" validate:"required,max=512"`
	Predicate         string   `json:"predicate" validate:"required,max=128"`
	Object            string   `json:"object" validate:"required,max=2048"`
	SourcePacketID    string   `json:"source_packet_id,omitempty"`
	InitialConfidence *float64 `json:"initial_confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	Scope             Scope    `json:"scope,omitempty" validate:"omitempty,oneof=shared restricted-a restricted-b"`
}

// RelationshipInput is an observed edge submitted to UpsertRelationship.
type RelationshipInput struct {
	Source         string   `json:"source_entity" validate:"required,max=512"`
	Type           string   `json:"relationship_type" validate:"required,max=128"`
	Target         string   `json:"target_entity" validate:"required,max=512"`
	Confidence     *float64 `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	SourcePacketID string   `json:"source_packet_id,omitempty"`
}

// ReflectionInput is a lesson submitted to Reflect.
type ReflectionInput struct {
	Type           ReflectionType `json:"type" validate:"required,oneof=lesson pattern failure success insight"`
	Content        string         `json:"content" validate:"required"`
	Context        string         `json:"context,omitempty"`
	Entities       []string       `json:"entities,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Confidence     *float64       `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	Priority       int            `json:"priority,omitempty" validate:"omitempty,min=1,max=5"`
	SourceAgentID  string         `json:"source_agent_id,omitempty"`
	SourcePacketID string         `json:"source_packet_id,omitempty"`
	Embedding      []float32      `json:"embedding,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	TTL            time.Duration  `json:"ttl,omitempty" validate:"gte=0"`
}

// validateStruct runs the struct tags and turns failures into ErrValidation.
func validateStruct(op string, v any) error {
	if err := validate.Struct(v); err != nil {
		return &Error{Op: op, Kind: ErrValidation, Err: formatValidationError(err)}
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, e.Param()))
		case "gte", "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", field, e.Param()))
		case "lte", "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", field, e.Param()))
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

func (in *PacketInput) validate() error {
	if err := validateStruct("ingest", in); err != nil {
		return err
	}
	if in.IsChunked {
		if in.ChunkCount <= 1 {
			return opError("ingest", ErrValidation, "chunked packet needs chunk_count > 1, got %d", in.ChunkCount)
		}
		if in.ChunkIndex >= in.ChunkCount {
			return opError("ingest", ErrValidation, "chunk_index %d out of range [0,%d)", in.ChunkIndex, in.ChunkCount)
		}
	} else if in.ChunkIndex != 0 || in.ChunkCount > 1 {
		return opError("ingest", ErrValidation, "chunk metadata set on unchunked packet")
	}
	return nil
}

func (in *FactInput) validate() error {
	if err := validateStruct("assert fact", in); err != nil {
		return err
	}
	if NormalizeEntity(in.Subject) == "" || NormalizeEntity(in.Object) == "" || NormalizePredicate(in.Predicate) == "" {
		return opError("assert fact", ErrValidation, "subject, predicate and object must not be blank")
	}
	return nil
}

func (in *RelationshipInput) validate() error {
	if err := validateStruct("upsert relationship", in); err != nil {
		return err
	}
	if NormalizeEntity(in.Source) == "" || NormalizeEntity(in.Target) == "" || NormalizePredicate(in.Type) == "" {
		return opError("upsert relationship", ErrValidation, "source, type and target must not be blank")
	}
	return nil
}

// validateSummary enforces the summary invariants before it is stored.
func validateSummary(s *Summary) error {
	if s.PacketCount != len(s.SourcePacketIDs) {
		return opError("consolidate", ErrValidation, "packet_count %d != %d source packets", s.PacketCount, len(s.SourcePacketIDs))
	}
	if s.ScopeKind == "" {
		return opError("consolidate", ErrValidation, "summary without scope kind")
	}
	return nil
}
