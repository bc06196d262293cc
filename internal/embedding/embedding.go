// Package embedding calls the external embedding provider. The engine never
// generates vectors itself; this client only fills in vectors for summaries
// and reflections that arrive without one.
package embedding

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/memory-substrate/internal/memory"
)

// Provider generates vector embeddings from text.
type Provider interface {
	memory.Embedder
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string        `json:"provider"` // "api", "local" or "" for none
	Endpoint  string        `json:"endpoint"`
	Model     string        `json:"model"`
	APIKey    string        `json:"api_key"`
	Dimension int           `json:"dimension"`
	BatchSize int           `json:"batch_size"`
	Timeout   time.Duration `json:"-"`
}

// New builds the configured provider. It returns nil, nil when no provider
// is configured.
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: cfg.Timeout}
	switch cfg.Provider {
	case "":
		return nil, nil
	case "api":
		return NewAPIProvider(cfg, client, logger), nil
	case "local":
		return NewLocalProvider(cfg, client, logger), nil
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}
}

// checkDimension rejects vectors whose length differs from the configured
// dimension, before they reach the index.
func checkDimension(want int, vecs [][]float32) error {
	if want <= 0 {
		return nil
	}
	for i, v := range vecs {
		if len(v) != want {
			return fmt.Errorf("embedding: vector %d has dimension %d, want %d", i, len(v), want)
		}
	}
	return nil
}
