package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/nidhogg/memory-substrate/internal/memory"
	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

var _ memory.VectorIndex = (*ChromemStore)(nil)

// ChromemStore is an embedded memory.VectorIndex on chromem-go.
type ChromemStore struct {
	db          *chromem.DB
	collections map[memory.Space]*chromem.Collection
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewChromem creates an embedded index. A non-empty path persists it to
// disk.
func NewChromem(path string, logger *zap.Logger) (*ChromemStore, error) {
	db := chromem.NewDB()
	if path != "" {
		var err error
		db, err = chromem.NewPersistentDB(path, true)
		if err != nil {
			return nil, fmt.Errorf("open chromem at %s: %w", path, err)
		}
	}
	return &ChromemStore{
		db:          db,
		collections: make(map[memory.Space]*chromem.Collection),
		logger:      logger,
	}, nil
}

// collection returns the collection of a space, creating it when create is
// set. It returns nil for a missing collection otherwise.
func (s *ChromemStore) collection(space memory.Space, create bool) (*chromem.Collection, error) {
	s.mu.RLock()
	col, exists := s.collections[space]
	s.mu.RUnlock()
	if exists {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, exists := s.collections[space]; exists {
		return col, nil
	}
	name := "memory_" + string(space)
	if col := s.db.GetCollection(name, nil); col != nil {
		s.collections[space] = col
		return col, nil
	}
	if !create {
		return nil, nil
	}
	// Vectors are always supplied, so the collection needs no embedding func.
	col, err := s.db.CreateCollection(name, map[string]string{"space": string(space)}, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	s.collections[space] = col
	return col, nil
}

// Upsert writes the document of one embedding. Re-adding the same id
// replaces it.
func (s *ChromemStore) Upsert(ctx context.Context, e *memory.Embedding) error {
	col, err := s.collection(e.Space, true)
	if err != nil {
		return err
	}
	vec := make([]float32, len(e.Vector))
	copy(vec, e.Vector)
	err = col.AddDocument(ctx, chromem.Document{
		ID:        PointID(e.PacketID, e.Space, e.ChunkIndex),
		Embedding: vec,
		Content:   e.ChunkText,
		Metadata: map[string]string{
			"packet_id":      e.PacketID,
			"chunk_index":    strconv.Itoa(e.ChunkIndex),
			"tenant_id":      e.TenantID,
			"org_id":         e.OrgID,
			"user_id":        e.UserID,
			"correlation_id": e.CorrelationID,
		},
	})
	if err != nil {
		return fmt.Errorf("add document %s: %w", e.PacketID, err)
	}
	return nil
}

// scopeWheres lists the exact-match metadata filters whose union is the
// scope. A nil entry matches every document.
func scopeWheres(s tenancy.Scope) []map[string]string {
	if s.AllTenants {
		return []map[string]string{nil}
	}
	var wheres []map[string]string
	if s.AllOrgs {
		wheres = append(wheres, map[string]string{"tenant_id": s.TenantID})
	} else {
		wheres = append(wheres, map[string]string{"tenant_id": s.TenantID, "org_id": ""})
		if s.OrgID != "" {
			wheres = append(wheres, map[string]string{"tenant_id": s.TenantID, "org_id": s.OrgID})
		}
	}
	if !s.ExcludePublic && s.TenantID != "" {
		wheres = append(wheres, map[string]string{"tenant_id": ""})
	}
	return wheres
}

// Search returns the nearest documents of one space that scope allows.
func (s *ChromemStore) Search(ctx context.Context, space memory.Space, vector []float32, scope tenancy.Scope, topK int) ([]memory.VectorHit, error) {
	col, err := s.collection(space, false)
	if err != nil || col == nil {
		return nil, err
	}
	n := topK
	if count := col.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}

	seen := make(map[string]bool)
	var hits []memory.VectorHit
	for _, where := range scopeWheres(scope) {
		results, err := queryUpTo(ctx, col, vector, n, where)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", space, err)
		}
		for _, r := range results {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			chunk, _ := strconv.Atoi(r.Metadata["chunk_index"])
			hits = append(hits, memory.VectorHit{
				PacketID:   r.Metadata["packet_id"],
				ChunkIndex: chunk,
				Score:      float64(r.Similarity),
				Owner: tenancy.Owner{
					TenantID:      r.Metadata["tenant_id"],
					OrgID:         r.Metadata["org_id"],
					UserID:        r.Metadata["user_id"],
					CorrelationID: r.Metadata["correlation_id"],
				},
			})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// queryUpTo asks for n results and steps down while chromem rejects n as
// larger than the documents the filter leaves.
func queryUpTo(ctx context.Context, col *chromem.Collection, vector []float32, n int, where map[string]string) ([]chromem.Result, error) {
	for ; n >= 1; n-- {
		results, err := col.QueryEmbedding(ctx, vector, n, where, nil)
		if err == nil {
			return results, nil
		}
		if !strings.Contains(err.Error(), "nResults") && !strings.Contains(err.Error(), "number of documents") {
			return nil, err
		}
	}
	return nil, nil
}

// DeletePacket removes every document of a packet from every space.
func (s *ChromemStore) DeletePacket(ctx context.Context, packetID string) error {
	for _, space := range memory.Spaces {
		col, err := s.collection(space, false)
		if err != nil {
			return err
		}
		if col == nil {
			continue
		}
		if err := col.Delete(ctx, map[string]string{"packet_id": packetID}, nil); err != nil {
			return fmt.Errorf("delete %s from %s: %w", packetID, space, err)
		}
	}
	return nil
}
