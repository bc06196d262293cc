package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nidhogg/memory-substrate/internal/memory"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "substrate.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("TEST_SUBSTRATE_DSN", "postgres://u:p@db:5432/mem")
	path := writeConfig(t, `{
		"storage": {"backend": "postgres", "dsn": "${TEST_SUBSTRATE_DSN}"},
		"vector": {"backend": "chromem", "path": "${TEST_SUBSTRATE_UNSET:/var/lib/vectors}"},
		"scheduler": {"decay": "12h", "view_refresh": "-1s"},
		"memory": {"query_timeout": "2s", "maintenance": {"decay_after": "720h"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.DSN != "postgres://u:p@db:5432/mem" {
		t.Errorf("dsn = %q", cfg.Storage.DSN)
	}
	if cfg.Vector.Path != "/var/lib/vectors" {
		t.Errorf("default not applied: %q", cfg.Vector.Path)
	}
	if cfg.LogLevel != "info" || cfg.Cache.MaxBytes != 64<<20 {
		t.Errorf("defaults lost: %+v", cfg)
	}

	eng := cfg.Engine()
	if eng.QueryTimeout != 2*time.Second || eng.Maintenance.DecayAfter != 720*time.Hour {
		t.Errorf("engine config = %+v", eng)
	}

	sc := cfg.SchedulerConfig()
	if sc.Intervals[memory.JobDecay] != 12*time.Hour {
		t.Errorf("decay interval = %v", sc.Intervals[memory.JobDecay])
	}
	if sc.Intervals[memory.JobViewRefresh] >= 0 {
		t.Errorf("view refresh should be disabled, got %v", sc.Intervals[memory.JobViewRefresh])
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"postgres without dsn": `{"storage": {"backend": "postgres"}}`,
		"unknown backend":      `{"storage": {"backend": "mysql"}}`,
		"qdrant without host":  `{"vector": {"backend": "qdrant"}}`,
		"bad duration":         `{"scheduler": {"decay": "daily"}}`,
		"numeric duration":     `{"scheduler": {"decay": 60}}`,
		"weight out of range":  `{"memory": {"scoring": {"base_weight": 2}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "substrate.json"))
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if cfg.Scheduler.TTLEviction != Duration(time.Hour) {
		t.Errorf("ttl eviction interval = %v", time.Duration(cfg.Scheduler.TTLEviction))
	}
	if cfg.EmbeddingConfig().Timeout != 30*time.Second {
		t.Errorf("embedding timeout = %v", cfg.EmbeddingConfig().Timeout)
	}
}
