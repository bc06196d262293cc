package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"
)

func TestRecencyWeight(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	halfLife := 30 * 24 * time.Hour

	if w := RecencyWeight(now, now, halfLife); w != 1 {
		t.Fatalf("weight at now = %v", w)
	}
	if w := RecencyWeight(now.Add(time.Hour), now, halfLife); w != 1 {
		t.Fatalf("future access weight = %v", w)
	}
	if w := RecencyWeight(now.Add(-halfLife), now, halfLife); math.Abs(w-0.5) > 1e-12 {
		t.Fatalf("weight at one half-life = %v", w)
	}
	w := RecencyWeight(now.Add(-31*24*time.Hour), now, halfLife)
	if w <= 0.45 || w >= 0.5 {
		t.Fatalf("weight at 31 days = %v, want in (0.45, 0.5)", w)
	}
	if w := RecencyWeight(now.Add(-time.Hour), now, 0); w != 0 {
		t.Fatalf("zero half-life weight = %v", w)
	}
}

func TestFrequencyWeight(t *testing.T) {
	cases := []struct {
		count, capAt int64
		want         float64
	}{
		{0, 100, 0},
		{100, 100, 1},
		{5000, 100, 1},
		{5, 0, 0},
	}
	for _, tc := range cases {
		if got := FrequencyWeight(tc.count, tc.capAt); got != tc.want {
			t.Fatalf("FrequencyWeight(%d, %d) = %v, want %v", tc.count, tc.capAt, got, tc.want)
		}
	}
	if a, b := FrequencyWeight(3, 100), FrequencyWeight(30, 100); !(a > 0 && a < b && b < 1) {
		t.Fatalf("weights not monotonic: %v %v", a, b)
	}
}

func TestScoreClamps(t *testing.T) {
	if v := ClampImportance(1.7); v != 1 {
		t.Fatalf("ClampImportance(1.7) = %v", v)
	}
	if v := ClampImportance(math.NaN()); v != 0 {
		t.Fatalf("ClampImportance(NaN) = %v", v)
	}
	if v := ClampConfidence(-3); v != MinConfidence {
		t.Fatalf("ClampConfidence(-3) = %v", v)
	}
	if v := BoostedImportance(0.98, 0.05); v != 1 {
		t.Fatalf("boost past cap = %v", v)
	}
	if v := ReinforcedConfidence(0.8, 0.05); math.Abs(v-0.85) > 1e-12 {
		t.Fatalf("ReinforcedConfidence = %v", v)
	}
	if v := DecayedConfidence(0.15, 0.1); v != MinConfidence {
		t.Fatalf("DecayedConfidence floor = %v", v)
	}
}

func TestDecayedImportance(t *testing.T) {
	if v := DecayedImportance(0.5, 0.1, 0.1); math.Abs(v-0.4) > 1e-12 {
		t.Fatalf("one step = %v", v)
	}
	if v := DecayedImportance(0.15, 0.1, 0.1); v != 0.1 {
		t.Fatalf("step past floor = %v", v)
	}
	// Rows already under the floor are never raised.
	if v := DecayedImportance(0.05, 0.1, 0.1); v != 0.05 {
		t.Fatalf("below floor = %v", v)
	}
}

func TestDueForDecay(t *testing.T) {
	cfg := DefaultConfig().Maintenance
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	old := now.Add(-31 * 24 * time.Hour)
	recent := now.Add(-time.Hour)
	yesterday := now.Add(-25 * time.Hour)

	if !DueForDecay(old, nil, now, cfg) {
		t.Fatal("old row never decayed should be due")
	}
	if DueForDecay(recent, nil, now, cfg) {
		t.Fatal("recently accessed row is not due")
	}
	if DueForDecay(old, &recent, now, cfg) {
		t.Fatal("row decayed an hour ago is not due")
	}
	if !DueForDecay(old, &yesterday, now, cfg) {
		t.Fatal("row decayed yesterday is due")
	}
}

func TestCombinedScoreOrdering(t *testing.T) {
	cfg := DefaultConfig().Scoring
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	fresh := CombinedScore(0.5, now, 0, now, cfg)
	stale := CombinedScore(0.5, now.Add(-90*24*time.Hour), 0, now, cfg)
	popular := CombinedScore(0.5, now, 50, now, cfg)
	if !(popular > fresh && fresh > stale) {
		t.Fatalf("scores out of order: popular=%v fresh=%v stale=%v", popular, fresh, stale)
	}
	if max := CombinedScore(1, now, 1000, now, cfg); math.Abs(max-1) > 1e-12 {
		t.Fatalf("maximum score = %v, want 1", max)
	}
}

func TestContentHash(t *testing.T) {
	a := map[string]any{"content": "deploy", "tags": []any{"ops"}, "n": 3}
	b := map[string]any{"n": 3, "tags": []any{"ops"}, "content": "deploy"}
	ha, err := ContentHash(a)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hb, _ := ContentHash(b)
	if ha != hb {
		t.Fatal("hash depends on key order")
	}
	if len(ha) != 64 {
		t.Fatalf("hash length = %d", len(ha))
	}
	hc, _ := ContentHash(map[string]any{"content": "deploy!"})
	if hc == ha {
		t.Fatal("different payloads hashed equal")
	}
	if _, err := ContentHash(map[string]any{"bad": make(chan int)}); err == nil {
		t.Fatal("expected an error for an unencodable payload")
	}
}

func TestNormalization(t *testing.T) {
	if got := NormalizeEntity("  Acme   Corp\t"); got != "acme corp" {
		t.Fatalf("NormalizeEntity = %q", got)
	}
	if got := NormalizePredicate(" Works  At "); got != "works_at" {
		t.Fatalf("NormalizePredicate = %q", got)
	}
	for raw, want := range map[string]string{
		"42":                   ObjectNumber,
		"-3.5":                 ObjectNumber,
		"TRUE":                 ObjectBool,
		"2026-05-01":           ObjectDate,
		"2026-05-01T10:00:00Z": ObjectDate,
		"Postgres":             ObjectString,
	} {
		if got := InferObjectType(raw); got != want {
			t.Fatalf("InferObjectType(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	if v := CosineSimilarity([]float32{1, 0}, []float32{2, 0}); math.Abs(v-1) > 1e-9 {
		t.Fatalf("parallel = %v", v)
	}
	if v := CosineSimilarity([]float32{1, 0}, []float32{0, 1}); v != 0 {
		t.Fatalf("orthogonal = %v", v)
	}
	if v := CosineSimilarity([]float32{1, 0}, []float32{-1, 0}); math.Abs(v+1) > 1e-9 {
		t.Fatalf("opposite = %v", v)
	}
	if v := CosineSimilarity([]float32{1}, []float32{1, 0}); v != 0 {
		t.Fatalf("length mismatch = %v", v)
	}
	if v := CosineSimilarity(nil, nil); v != 0 {
		t.Fatalf("empty = %v", v)
	}
}

func TestKeywordSimilarity(t *testing.T) {
	text := "Cache warmup halves latency"
	full := keywordSimilarity("cache latency", text)
	partial := keywordSimilarity("cache throughput", text)
	if !(full > partial && partial > 0) {
		t.Fatalf("full=%v partial=%v", full, partial)
	}
	if v := keywordSimilarity("postgres", text); v != 0 {
		t.Fatalf("unrelated = %v", v)
	}
	if v := keywordSimilarity("a", text); v != 0 {
		t.Fatalf("single-letter query = %v", v)
	}
}

func TestExtractiveSummarizer(t *testing.T) {
	packets := []*Packet{
		{Payload: map[string]any{"content": "Kickoff held. Details later."}},
		{Payload: map[string]any{"other": 1}},
		{Payload: map[string]any{"text": "Postgres chosen!  More to come."}},
	}
	got, err := ExtractiveSummarizer{}.Summarize(context.Background(), packets)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if got != "Kickoff held.\nPostgres chosen!" {
		t.Fatalf("summary = %q", got)
	}

	short, _ := ExtractiveSummarizer{MaxChars: 15}.Summarize(context.Background(), packets)
	if short != "Kickoff held." {
		t.Fatalf("budgeted summary = %q", short)
	}

	empty, _ := ExtractiveSummarizer{}.Summarize(context.Background(), packets[1:2])
	if !strings.Contains(empty, "1 packets") {
		t.Fatalf("summary of textless packets = %q", empty)
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{Scoring: ScoringConfig{BaseWeight: 1}, Facts: FactConfig{ContradictionLimit: 5}}.withDefaults()
	if c.Scoring.BaseWeight != 1 || c.Scoring.RecencyWeight != 0 || c.Scoring.FrequencyWeight != 0 {
		t.Fatalf("explicit weights not kept: %+v", c.Scoring)
	}
	if c.Facts.ContradictionLimit != 5 || c.Facts.DecayStep != 0.1 {
		t.Fatalf("facts config %+v", c.Facts)
	}
	d := Config{}.withDefaults()
	if d.Scoring.BaseWeight != 0.4 || d.Maintenance.DecayAfter != 30*24*time.Hour || d.QueryTimeout != 5*time.Second {
		t.Fatalf("defaults not applied: %+v", d)
	}
}

func TestParseJobKind(t *testing.T) {
	for _, k := range JobKinds {
		got, err := ParseJobKind(string(k))
		if err != nil || got != k {
			t.Fatalf("ParseJobKind(%s) = %s, %v", k, got, err)
		}
	}
	if _, err := ParseJobKind("compaction"); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown job: %v", err)
	}
}

func TestErrorKinds(t *testing.T) {
	err := opError("get", ErrNotFound, "packet %s", "p1")
	if KindOf(err) != ErrNotFound {
		t.Fatalf("KindOf = %v", KindOf(err))
	}
	wrapped := fmt.Errorf("handler: %w", err)
	if !errors.Is(wrapped, ErrNotFound) || errors.Is(wrapped, ErrValidation) {
		t.Fatal("kind lost through wrapping")
	}
	var me *Error
	if !errors.As(wrapped, &me) || me.Op != "get" {
		t.Fatalf("errors.As: %+v", me)
	}

	if got := wrapStorage("query", context.DeadlineExceeded); KindOf(got) != ErrDeadlineExceeded {
		t.Fatalf("deadline kind = %v", KindOf(got))
	}
	if got := wrapStorage("get", fmt.Errorf("row: %w", ErrNotFound)); KindOf(got) != ErrNotFound {
		t.Fatalf("storage not found kind = %v", KindOf(got))
	}
	raw := errors.New("disk full")
	if got := wrapStorage("ingest", raw); KindOf(got) != nil || !errors.Is(got, raw) {
		t.Fatalf("raw storage error = %v", got)
	}
	if wrapStorage("noop", nil) != nil {
		t.Fatal("nil error wrapped")
	}
}
