package memory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

// ContextBlock is a chunk of memory-derived context for prompt injection.
type ContextBlock struct {
	Source        string  `json:"source"` // packet, fact or reflection id
	Kind          string  `json:"kind"`
	Content       string  `json:"content"`
	Relevance     float64 `json:"relevance"`
	TokenEstimate int     `json:"token_estimate"`
}

// ContextBudget controls how much memory context to assemble.
type ContextBudget struct {
	MaxTokens int // total token budget for memory context
	MaxBlocks int // max number of context blocks
}

// DefaultContextBudget returns sensible defaults.
func DefaultContextBudget() ContextBudget {
	return ContextBudget{
		MaxTokens: 2000,
		MaxBlocks: 10,
	}
}

// ContextRequest selects the memory BuildContext draws from. With a vector
// the packets come from a search of Space, otherwise from Query with Filter.
type ContextRequest struct {
	Vector []float32
	Space  Space
	Filter PacketFilter
	Budget ContextBudget
}

// BuildContext assembles ranked packets, high-confidence facts and recent
// reflections into blocks within a token budget.
func (e *Engine) BuildContext(ctx context.Context, tc tenancy.Context, req ContextRequest) ([]ContextBlock, error) {
	budget := req.Budget
	if budget.MaxTokens == 0 {
		budget = DefaultContextBudget()
	}

	var packets []RankedResult
	var err error
	if len(req.Vector) > 0 {
		space := req.Space
		if space == "" {
			space = SpaceContent
		}
		packets, err = e.SearchSpace(ctx, tc, space, req.Vector, budget.MaxBlocks)
	} else {
		packets, err = e.Query(ctx, tc, req.Filter, budget.MaxBlocks)
	}
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	facts, err := e.HighConfidenceFacts(ctx, tc, budget.MaxBlocks)
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}

	var candidates []ContextBlock
	for _, r := range packets {
		relevance := r.Score
		if r.Similarity > 0 {
			relevance = r.Similarity
		}
		candidates = append(candidates, ContextBlock{Source: r.Packet.ID, Kind: "packet", Content: r.Packet.Text(), Relevance: relevance})
	}
	for _, f := range facts {
		content := fmt.Sprintf("%s %s %s", f.Fact.Subject, f.Fact.Predicate, f.Fact.Object)
		candidates = append(candidates, ContextBlock{Source: f.Fact.ID, Kind: "fact", Content: content, Relevance: f.Score})
	}

	var blocks []ContextBlock
	usedTokens := 0
	for _, c := range candidates {
		if len(blocks) >= budget.MaxBlocks {
			break
		}
		if c.Content == "" {
			continue
		}
		est := estimateTokens(c.Content)
		if usedTokens+est > budget.MaxTokens {
			continue
		}
		c.TokenEstimate = est
		blocks = append(blocks, c)
		usedTokens += est
	}

	e.logger.Debug("built memory context",
		zap.String("tenant_id", tc.TenantID),
		zap.Int("blocks", len(blocks)),
		zap.Int("tokens", usedTokens))
	return blocks, nil
}

// FormatContextPrompt renders memory blocks as a system prompt section.
func FormatContextPrompt(blocks []ContextBlock) string {
	if len(blocks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[Memory Context]\n")
	for _, block := range blocks {
		fmt.Fprintf(&b, "- %s %s (relevance: %.2f): %s\n", block.Kind, block.Source, block.Relevance, block.Content)
	}
	return b.String()
}

// estimateTokens gives a rough token count (~4 chars per token).
func estimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		return 1
	}
	return n
}
