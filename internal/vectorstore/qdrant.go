// Package vectorstore holds the memory.VectorIndex backends: Qdrant for
// clustered deployments and chromem-go for embedded ones. Both keep one
// collection per embedding space and carry the owning tenant and org in the
// point payload so searches are filtered before ranking.
package vectorstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/nidhogg/memory-substrate/internal/memory"
	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

var _ memory.VectorIndex = (*Client)(nil)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// Prefix namespaces the per-space collections.
	Prefix string `json:"prefix"`
}

// Client wraps gRPC connections to Qdrant's collections and points services.
type Client struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	prefix      string
	logger      *zap.Logger

	ensured sync.Map // collection name -> struct{}
}

// NewClient dials the Qdrant gRPC endpoint and returns a ready Client.
func NewClient(cfg QdrantConfig, logger *zap.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "memory"
	}
	return &Client{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		prefix:      prefix,
		logger:      logger,
	}, nil
}

func (c *Client) collection(space memory.Space) string {
	return c.prefix + "_" + string(space)
}

// EnsureCollection creates the named collection if it does not already exist.
func (c *Client) EnsureCollection(ctx context.Context, name string, dimension uint64) error {
	if _, ok := c.ensured.Load(name); ok {
		return nil
	}
	_, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err == nil {
		c.ensured.Store(name, struct{}{})
		return nil
	}
	_, err = c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	c.ensured.Store(name, struct{}{})
	c.logger.Info("qdrant collection ready",
		zap.String("collection", name),
		zap.Uint64("dimension", dimension))
	return nil
}

// PointID derives the stable point id of one embedding.
func PointID(packetID string, space memory.Space, chunk int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(packetID+"/"+string(space)+"/"+strconv.Itoa(chunk))).String()
}

func keyword(v string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
}

// Upsert writes the point of one embedding. Re-upserting the same packet,
// space and chunk replaces it.
func (c *Client) Upsert(ctx context.Context, e *memory.Embedding) error {
	name := c.collection(e.Space)
	if err := c.EnsureCollection(ctx, name, uint64(len(e.Vector))); err != nil {
		return err
	}
	wait := true
	_, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: name,
		Wait:           &wait,
		Points: []*pb.PointStruct{
			{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(e.PacketID, e.Space, e.ChunkIndex)}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: e.Vector}}},
				Payload: map[string]*pb.Value{
					"packet_id":      keyword(e.PacketID),
					"chunk_index":    {Kind: &pb.Value_IntegerValue{IntegerValue: int64(e.ChunkIndex)}},
					"tenant_id":      keyword(e.TenantID),
					"org_id":         keyword(e.OrgID),
					"user_id":        keyword(e.UserID),
					"correlation_id": keyword(e.CorrelationID),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert point %s/%s: %w", name, e.PacketID, err)
	}
	return nil
}

func match(key, value string) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
		Key:   key,
		Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
	}}}
}

func matchAny(key string, values ...string) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
		Key:   key,
		Match: &pb.Match{MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: values}}},
	}}}
}

func nested(f *pb.Filter) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Filter{Filter: f}}
}

// scopeFilter translates a tenancy scope into a payload filter. A nil
// filter matches every point.
func scopeFilter(s tenancy.Scope) *pb.Filter {
	if s.AllTenants {
		return nil
	}
	tenant := &pb.Filter{Must: []*pb.Condition{match("tenant_id", s.TenantID)}}
	if !s.AllOrgs {
		tenant.Must = append(tenant.Must, matchAny("org_id", "", s.OrgID))
	}
	if s.ExcludePublic {
		return tenant
	}
	return &pb.Filter{Should: []*pb.Condition{match("tenant_id", ""), nested(tenant)}}
}

// Search returns the nearest points of one space that scope allows.
func (c *Client) Search(ctx context.Context, space memory.Space, vector []float32, scope tenancy.Scope, topK int) ([]memory.VectorHit, error) {
	name := c.collection(space)
	resp, err := c.points.Search(ctx, &pb.SearchPoints{
		CollectionName: name,
		Vector:         vector,
		Limit:          uint64(topK),
		Filter:         scopeFilter(scope),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", name, err)
	}
	hits := make([]memory.VectorHit, 0, len(resp.Result))
	for _, r := range resp.Result {
		p := r.Payload
		hits = append(hits, memory.VectorHit{
			PacketID:   p["packet_id"].GetStringValue(),
			ChunkIndex: int(p["chunk_index"].GetIntegerValue()),
			Score:      float64(r.Score),
			Owner: tenancy.Owner{
				TenantID:      p["tenant_id"].GetStringValue(),
				OrgID:         p["org_id"].GetStringValue(),
				UserID:        p["user_id"].GetStringValue(),
				CorrelationID: p["correlation_id"].GetStringValue(),
			},
		})
	}
	return hits, nil
}

// DeletePacket removes every point of a packet from every space.
func (c *Client) DeletePacket(ctx context.Context, packetID string) error {
	wait := true
	for _, space := range memory.Spaces {
		name := c.collection(space)
		_, err := c.points.Delete(ctx, &pb.DeletePoints{
			CollectionName: name,
			Wait:           &wait,
			Points: &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{match("packet_id", packetID)}},
			}},
		})
		if status.Code(err) == codes.NotFound {
			continue
		}
		if err != nil {
			return fmt.Errorf("delete %s from %s: %w", packetID, name, err)
		}
	}
	return nil
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
