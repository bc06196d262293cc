package memory

import (
	"math"
	"time"
)

// Bounds of the stored scores.
const (
	MinImportance     = 0.0
	MaxImportance     = 1.0
	MinConfidence     = 0.1
	MaxConfidence     = 1.0
	DefaultImportance = 0.5
)

// ClampImportance keeps an importance score inside [0, 1].
func ClampImportance(v float64) float64 {
	return clamp(v, MinImportance, MaxImportance)
}

// ClampConfidence keeps a confidence inside [0.1, 1]. Confidence never
// reaches zero so a contradicted fact can still recover.
func ClampConfidence(v float64) float64 {
	return clamp(v, MinConfidence, MaxConfidence)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(hi, math.Max(lo, v))
}

// RecencyWeight is the exponential recency term: 1 for a row touched at now,
// 0.5 after one half-life, approaching 0 afterwards.
func RecencyWeight(accessedAt, now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 0
	}
	age := now.Sub(accessedAt)
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(halfLife))
}

// FrequencyWeight is the log-scaled access term, saturating at 1 once
// accessCount reaches capAt.
func FrequencyWeight(accessCount, capAt int64) float64 {
	if accessCount <= 0 || capAt <= 0 {
		return 0
	}
	return math.Min(1, math.Log1p(float64(accessCount))/math.Log1p(float64(capAt)))
}

// CombinedScore blends base importance (or confidence), recency and access
// frequency with the configured weights.
func CombinedScore(base float64, accessedAt time.Time, accessCount int64, now time.Time, cfg ScoringConfig) float64 {
	return cfg.BaseWeight*clamp(base, 0, 1) +
		cfg.RecencyWeight*RecencyWeight(accessedAt, now, cfg.HalfLife) +
		cfg.FrequencyWeight*FrequencyWeight(accessCount, cfg.FrequencyCap)
}

// PacketScore ranks a packet.
func PacketScore(p *Packet, now time.Time, cfg ScoringConfig) float64 {
	return CombinedScore(p.Importance, p.AccessedAt(), p.AccessCount, now, cfg)
}

// FactScore ranks a fact, substituting confidence for importance.
func FactScore(f *Fact, now time.Time, cfg ScoringConfig) float64 {
	return CombinedScore(f.Confidence, f.AccessedAt(), f.AccessCount, now, cfg)
}

// ReflectionScore ranks a reflection on its confidence.
func ReflectionScore(r *Reflection, now time.Time, cfg ScoringConfig) float64 {
	return CombinedScore(r.Confidence, r.AccessedAt(), r.AccessCount, now, cfg)
}

// BoostedImportance is the importance after one recorded access.
func BoostedImportance(importance, boost float64) float64 {
	return ClampImportance(importance + boost)
}

// DecayedImportance is the importance after one neglect decay step. Rows at
// or under the floor are left alone: neglect fades memories, it never
// erases or raises them.
func DecayedImportance(importance, step, floor float64) float64 {
	if importance <= floor {
		return importance
	}
	return ClampImportance(math.Max(floor, importance-step))
}

// ReinforcedConfidence is the confidence after corroborating evidence.
func ReinforcedConfidence(confidence, step float64) float64 {
	return ClampConfidence(confidence + step)
}

// DecayedConfidence is the confidence after contradicting evidence.
func DecayedConfidence(confidence, step float64) float64 {
	return ClampConfidence(confidence - step)
}

// Contested reports whether a fact has been contradicted often enough to be
// kept out of high-confidence views whatever its numeric confidence.
func Contested(f *Fact, limit int64) bool {
	return f.ContradictionCount >= limit
}

// DueForDecay reports whether an unaccessed row should lose importance in a
// sweep at now.
func DueForDecay(accessedAt time.Time, lastDecayed *time.Time, now time.Time, cfg MaintenanceConfig) bool {
	if now.Sub(accessedAt) < cfg.DecayAfter {
		return false
	}
	return lastDecayed == nil || now.Sub(*lastDecayed) >= cfg.DecayInterval
}
