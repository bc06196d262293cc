// Package config loads the JSON configuration of the substrate daemon.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/nidhogg/memory-substrate/internal/embedding"
	"github.com/nidhogg/memory-substrate/internal/memory"
	"github.com/nidhogg/memory-substrate/internal/scheduler"
)

// Config is the top-level configuration structure.
type Config struct {
	LogLevel    string          `json:"log_level" validate:"omitempty,oneof=debug info warn error"`
	MetricsAddr string          `json:"metrics_addr"`
	Storage     StorageConfig   `json:"storage"`
	Vector      VectorConfig    `json:"vector"`
	Neo4j       Neo4jConfig     `json:"neo4j"`
	Redis       RedisConfig     `json:"redis"`
	Cache       CacheConfig     `json:"cache"`
	Embedding   EmbeddingConfig `json:"embedding"`
	Scheduler   SchedulerConfig `json:"scheduler"`
	Memory      MemoryConfig    `json:"memory"`
}

// StorageConfig selects the source-of-truth repository.
type StorageConfig struct {
	Backend    string `json:"backend" validate:"required,oneof=postgres sqlite"`
	DSN        string `json:"dsn" validate:"required_if=Backend postgres"`
	Path       string `json:"path"` // sqlite file; empty means in-memory
	Migrations string `json:"migrations"`
}

// VectorConfig selects the vector index.
type VectorConfig struct {
	Backend string `json:"backend" validate:"required,oneof=qdrant chromem"`
	Host    string `json:"host" validate:"required_if=Backend qdrant"`
	Port    int    `json:"port"`
	Prefix  string `json:"prefix"`
	Path    string `json:"path"` // chromem persistence directory
}

// Neo4jConfig enables the entity graph projection when URI is set.
type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// RedisConfig enables the shared view cache, job lock and report stream
// when URL is set.
type RedisConfig struct {
	URL string `json:"url"`
}

// CacheConfig bounds the in-process view cache used without Redis.
type CacheConfig struct {
	MaxBytes int64 `json:"max_bytes"`
}

type EmbeddingConfig struct {
	Provider  string   `json:"provider" validate:"omitempty,oneof=api local"`
	Endpoint  string   `json:"endpoint" validate:"required_with=Provider"`
	Model     string   `json:"model"`
	APIKey    string   `json:"api_key"`
	Dimension int      `json:"dimension" validate:"gte=0"`
	BatchSize int      `json:"batch_size" validate:"gte=0"`
	Timeout   Duration `json:"timeout"`
}

// SchedulerConfig sets job intervals. A negative interval disables a job.
type SchedulerConfig struct {
	Decay         Duration `json:"decay"`
	TTLEviction   Duration `json:"ttl_eviction"`
	Consolidation Duration `json:"consolidation"`
	ViewRefresh   Duration `json:"view_refresh"`
	LockTTL       Duration `json:"lock_ttl"`
	Timeout       Duration `json:"timeout"`
}

// MemoryConfig mirrors memory.Config with string durations. Zero fields
// keep the engine defaults.
type MemoryConfig struct {
	QueryTimeout Duration `json:"query_timeout"`
	Scoring      struct {
		BaseWeight      float64  `json:"base_weight" validate:"gte=0,lte=1"`
		RecencyWeight   float64  `json:"recency_weight" validate:"gte=0,lte=1"`
		FrequencyWeight float64  `json:"frequency_weight" validate:"gte=0,lte=1"`
		HalfLife        Duration `json:"half_life"`
		FrequencyCap    int64    `json:"frequency_cap"`
		AccessBoost     float64  `json:"access_boost"`
		CandidateLimit  int      `json:"candidate_limit"`
	} `json:"scoring"`
	Facts struct {
		InitialConfidence  float64 `json:"initial_confidence" validate:"gte=0,lte=1"`
		ReinforceStep      float64 `json:"reinforce_step"`
		DecayStep          float64 `json:"decay_step"`
		HighConfidence     float64 `json:"high_confidence" validate:"gte=0,lte=1"`
		ContradictionLimit int64   `json:"contradiction_limit"`
	} `json:"facts"`
	Relationships struct {
		InitialConfidence float64 `json:"initial_confidence" validate:"gte=0,lte=1"`
		ReinforceStep     float64 `json:"reinforce_step"`
	} `json:"relationships"`
	Maintenance struct {
		DecayAfter    Duration `json:"decay_after"`
		DecayStep     float64  `json:"decay_step"`
		DecayFloor    float64  `json:"decay_floor" validate:"gte=0,lte=1"`
		DecayInterval Duration `json:"decay_interval"`
		BatchSize     int      `json:"batch_size"`
		ViewSize      int      `json:"view_size"`
		ViewTTL       Duration `json:"view_ttl"`
		RecentWindow  Duration `json:"recent_window"`
	} `json:"maintenance"`
	Consolidation struct {
		MinPackets       int      `json:"min_packets"`
		MaxAge           Duration `json:"max_age"`
		MaxSourcePackets int      `json:"max_source_packets"`
		SummaryTTL       Duration `json:"summary_ttl"`
		SummaryChars     int      `json:"summary_chars"`
	} `json:"consolidation"`
}

// Duration is a time.Duration written as a Go duration string ("720h").
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable
// references. A .env file in the working directory is loaded first when
// present; it never overrides variables already set.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a single-node configuration: SQLite in memory, chromem in
// memory, no graph, no Redis.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Storage:  StorageConfig{Backend: "sqlite"},
		Vector:   VectorConfig{Backend: "chromem", Port: 6334, Prefix: "substrate"},
		Cache:    CacheConfig{MaxBytes: 64 << 20},
	}
}

// Engine converts the memory section into engine tuning.
func (c *Config) Engine() memory.Config {
	m := c.Memory
	return memory.Config{
		QueryTimeout: time.Duration(m.QueryTimeout),
		Scoring: memory.ScoringConfig{
			BaseWeight:      m.Scoring.BaseWeight,
			RecencyWeight:   m.Scoring.RecencyWeight,
			FrequencyWeight: m.Scoring.FrequencyWeight,
			HalfLife:        time.Duration(m.Scoring.HalfLife),
			FrequencyCap:    m.Scoring.FrequencyCap,
			AccessBoost:     m.Scoring.AccessBoost,
			CandidateLimit:  m.Scoring.CandidateLimit,
		},
		Facts: memory.FactConfig{
			InitialConfidence:  m.Facts.InitialConfidence,
			ReinforceStep:      m.Facts.ReinforceStep,
			DecayStep:          m.Facts.DecayStep,
			HighConfidence:     m.Facts.HighConfidence,
			ContradictionLimit: m.Facts.ContradictionLimit,
		},
		Relationships: memory.RelationshipConfig{
			InitialConfidence: m.Relationships.InitialConfidence,
			ReinforceStep:     m.Relationships.ReinforceStep,
		},
		Maintenance: memory.MaintenanceConfig{
			DecayAfter:    time.Duration(m.Maintenance.DecayAfter),
			DecayStep:     m.Maintenance.DecayStep,
			DecayFloor:    m.Maintenance.DecayFloor,
			DecayInterval: time.Duration(m.Maintenance.DecayInterval),
			BatchSize:     m.Maintenance.BatchSize,
			ViewSize:      m.Maintenance.ViewSize,
			ViewTTL:       time.Duration(m.Maintenance.ViewTTL),
			RecentWindow:  time.Duration(m.Maintenance.RecentWindow),
		},
		Consolidation: memory.ConsolidationConfig{
			MinPackets:       m.Consolidation.MinPackets,
			MaxAge:           time.Duration(m.Consolidation.MaxAge),
			MaxSourcePackets: m.Consolidation.MaxSourcePackets,
			SummaryTTL:       time.Duration(m.Consolidation.SummaryTTL),
			SummaryChars:     m.Consolidation.SummaryChars,
		},
	}
}

// SchedulerConfig converts the scheduler section.
func (c *Config) SchedulerConfig() scheduler.Config {
	s := c.Scheduler
	return scheduler.Config{
		Intervals: map[memory.JobKind]time.Duration{
			memory.JobDecay:         time.Duration(s.Decay),
			memory.JobTTLEviction:   time.Duration(s.TTLEviction),
			memory.JobConsolidation: time.Duration(s.Consolidation),
			memory.JobViewRefresh:   time.Duration(s.ViewRefresh),
		},
		LockTTL: time.Duration(s.LockTTL),
		Timeout: time.Duration(s.Timeout),
	}
}

// EmbeddingConfig converts the embedding section.
func (c *Config) EmbeddingConfig() embedding.Config {
	e := c.Embedding
	return embedding.Config{
		Provider:  e.Provider,
		Endpoint:  e.Endpoint,
		Model:     e.Model,
		APIKey:    e.APIKey,
		Dimension: e.Dimension,
		BatchSize: e.BatchSize,
		Timeout:   time.Duration(e.Timeout),
	}
}
