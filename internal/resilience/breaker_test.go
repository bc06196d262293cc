package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

func TestBreakerTripsAndFailsFast(t *testing.T) {
	cfg := DefaultBreakerConfig("test")
	cfg.MinRequests = 2
	cfg.Timeout = time.Minute
	b := NewBreaker(cfg, zap.NewNop())

	boom := errors.New("down")
	calls := 0
	for i := 0; i < 2; i++ {
		_ = b.Do(func() error { calls++; return boom })
	}

	err := b.Do(func() error { calls++; return nil })
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("got %v, want ErrOpenState", err)
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2", calls)
	}
	if b.State() != "open" {
		t.Errorf("state = %s, want open", b.State())
	}
}

func TestCallReturnsValue(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig("value"), zap.NewNop())
	v, err := Call(b, func() ([]string, error) { return []string{"a"}, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(v) != 1 || v[0] != "a" {
		t.Errorf("got %v", v)
	}
}
