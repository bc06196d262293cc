package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/memory-substrate/internal/metrics"
	"github.com/nidhogg/memory-substrate/internal/resilience"
	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

// Engine is the memory substrate. Every mutation goes through one of its
// named operations so the invariants are enforced in one place.
type Engine struct {
	repo       Repository
	index      VectorIndex
	graph      GraphProjector
	views      ViewCache
	embedder   Embedder
	summarizer Summarizer
	metrics    *metrics.Collector

	indexBreaker *resilience.Breaker
	graphBreaker *resilience.Breaker

	dims sync.Map // Space -> vector length

	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

// Option configures optional collaborators of an Engine.
type Option func(*Engine)

// WithGraph mirrors relationships into a graph database for traversal.
func WithGraph(g GraphProjector) Option {
	return func(e *Engine) { e.graph = g }
}

// WithViewCache stores refreshed read projections.
func WithViewCache(c ViewCache) Option {
	return func(e *Engine) { e.views = c }
}

// WithEmbedder embeds summaries and reflections that arrive without vectors.
func WithEmbedder(em Embedder) Option {
	return func(e *Engine) { e.embedder = em }
}

// WithSummarizer replaces the extractive summarizer.
func WithSummarizer(s Summarizer) Option {
	return func(e *Engine) { e.summarizer = s }
}

// WithMetrics records operation and job metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over a repository and a vector index.
func NewEngine(repo Repository, index VectorIndex, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		repo:   repo,
		index:  index,
		cfg:    cfg.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.summarizer == nil {
		e.summarizer = ExtractiveSummarizer{MaxChars: e.cfg.Consolidation.SummaryChars}
	}
	e.indexBreaker = resilience.NewBreaker(resilience.DefaultBreakerConfig("vector-index"), logger)
	e.graphBreaker = resilience.NewBreaker(resilience.DefaultBreakerConfig("entity-graph"), logger)
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Ping verifies the repository connection.
func (e *Engine) Ping(ctx context.Context) error {
	return e.repo.Ping(ctx)
}

// authorize validates the tenancy context of an operation.
func authorize(op string, tc tenancy.Context) error {
	if err := tc.Validate(); err != nil {
		return &Error{Op: op, Kind: ErrTenancyViolation, Err: err}
	}
	return nil
}

func checkRead(op string, tc tenancy.Context, o tenancy.Owner, what, id string) error {
	if !tc.CanRead(o) {
		return opError(op, ErrTenancyViolation, "%s %s is not visible to tenant %q org %q", what, id, tc.TenantID, tc.OrgID)
	}
	return nil
}

func checkWrite(op string, tc tenancy.Context, o tenancy.Owner, what, id string) error {
	if !tc.CanWrite(o) {
		return opError(op, ErrTenancyViolation, "%s %s is not writable by tenant %q org %q role %s", what, id, tc.TenantID, tc.OrgID, tc.Role)
	}
	return nil
}

// withDeadline applies the configured query timeout unless the caller set a
// tighter deadline.
func (e *Engine) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= e.cfg.QueryTimeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.QueryTimeout)
}

// deadlineErr converts an expired context into ErrDeadlineExceeded so read
// paths never hand back a partial result.
func deadlineErr(op string, ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if err == context.DeadlineExceeded {
			return &Error{Op: op, Kind: ErrDeadlineExceeded, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (e *Engine) observe(op string, start time.Time, err error) {
	e.metrics.ObserveOp(op, start, err)
}
