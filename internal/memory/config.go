package memory

import "time"

// ScoringConfig tunes the combined importance ranking.
type ScoringConfig struct {
	BaseWeight      float64 // weight of importance (or confidence), default 0.4
	RecencyWeight   float64 // weight of the recency decay term, default 0.3
	FrequencyWeight float64 // weight of the access frequency term, default 0.3
	HalfLife        time.Duration
	FrequencyCap    int64   // access count at which the frequency term saturates, default 100
	AccessBoost     float64 // importance added by RecordAccess, default 0.05
	CandidateLimit  int     // page size when walking rows to rank in Go, default 500
}

// FactConfig tunes the confidence model of the fact graph.
type FactConfig struct {
	InitialConfidence  float64 // default 0.8
	ReinforceStep      float64 // default 0.05
	DecayStep          float64 // default 0.1
	HighConfidence     float64 // threshold of the high-confidence view, default 0.7
	ContradictionLimit int64   // contested at or above this count, default 3
}

// RelationshipConfig tunes entity edge reinforcement.
type RelationshipConfig struct {
	InitialConfidence float64 // default 0.8
	ReinforceStep     float64 // default 0.02
}

// MaintenanceConfig tunes the background jobs.
type MaintenanceConfig struct {
	DecayAfter    time.Duration // unaccessed for this long before decay, default 30 days
	DecayStep     float64       // default 0.1
	DecayFloor    float64       // default 0.1
	DecayInterval time.Duration // minimum gap between two decays of one row, default 24h
	BatchSize     int           // rows per batch, default 500
	ViewSize      int           // rows kept per cached view, default 50
	ViewTTL       time.Duration // cache lifetime of a refreshed view, default 48h
	RecentWindow  time.Duration // horizon of the recent-important view, default 7 days
}

// ConsolidationConfig tunes summary generation.
type ConsolidationConfig struct {
	MinPackets       int           // consolidate scopes with at least this many packets, default 10
	MaxAge           time.Duration // or whose oldest packet is older than this, default 7 days
	MaxSourcePackets int           // packets folded into one summary, default 200
	SummaryTTL       time.Duration // valid_until horizon, default 7 days
	SummaryChars     int           // extractive summary budget, default 2000
}

// Config is the full tuning surface of the engine. Zero fields take defaults.
type Config struct {
	Scoring       ScoringConfig
	Facts         FactConfig
	Relationships RelationshipConfig
	Maintenance   MaintenanceConfig
	Consolidation ConsolidationConfig
	QueryTimeout  time.Duration // default 5s
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Scoring: ScoringConfig{
			BaseWeight:      0.4,
			RecencyWeight:   0.3,
			FrequencyWeight: 0.3,
			HalfLife:        30 * 24 * time.Hour,
			FrequencyCap:    100,
			AccessBoost:     0.05,
			CandidateLimit:  500,
		},
		Facts: FactConfig{
			InitialConfidence:  0.8,
			ReinforceStep:      0.05,
			DecayStep:          0.1,
			HighConfidence:     0.7,
			ContradictionLimit: 3,
		},
		Relationships: RelationshipConfig{
			InitialConfidence: 0.8,
			ReinforceStep:     0.02,
		},
		Maintenance: MaintenanceConfig{
			DecayAfter:    30 * 24 * time.Hour,
			DecayStep:     0.1,
			DecayFloor:    0.1,
			DecayInterval: 24 * time.Hour,
			BatchSize:     500,
			ViewSize:      50,
			ViewTTL:       48 * time.Hour,
			RecentWindow:  7 * 24 * time.Hour,
		},
		Consolidation: ConsolidationConfig{
			MinPackets:       10,
			MaxAge:           7 * 24 * time.Hour,
			MaxSourcePackets: 200,
			SummaryTTL:       7 * 24 * time.Hour,
			SummaryChars:     2000,
		},
		QueryTimeout: 5 * time.Second,
	}
}

// withDefaults fills every zero field from DefaultConfig. Weights are taken
// as a group: if all three are zero the defaults apply, otherwise the given
// values are kept, zeros included.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	s := &c.Scoring
	if s.BaseWeight == 0 && s.RecencyWeight == 0 && s.FrequencyWeight == 0 {
		s.BaseWeight, s.RecencyWeight, s.FrequencyWeight = d.Scoring.BaseWeight, d.Scoring.RecencyWeight, d.Scoring.FrequencyWeight
	}
	setDuration(&s.HalfLife, d.Scoring.HalfLife)
	if s.FrequencyCap <= 0 {
		s.FrequencyCap = d.Scoring.FrequencyCap
	}
	setFloat(&s.AccessBoost, d.Scoring.AccessBoost)
	setInt(&s.CandidateLimit, d.Scoring.CandidateLimit)

	f := &c.Facts
	setFloat(&f.InitialConfidence, d.Facts.InitialConfidence)
	setFloat(&f.ReinforceStep, d.Facts.ReinforceStep)
	setFloat(&f.DecayStep, d.Facts.DecayStep)
	setFloat(&f.HighConfidence, d.Facts.HighConfidence)
	if f.ContradictionLimit <= 0 {
		f.ContradictionLimit = d.Facts.ContradictionLimit
	}

	r := &c.Relationships
	setFloat(&r.InitialConfidence, d.Relationships.InitialConfidence)
	setFloat(&r.ReinforceStep, d.Relationships.ReinforceStep)

	m := &c.Maintenance
	setDuration(&m.DecayAfter, d.Maintenance.DecayAfter)
	setFloat(&m.DecayStep, d.Maintenance.DecayStep)
	setFloat(&m.DecayFloor, d.Maintenance.DecayFloor)
	setDuration(&m.DecayInterval, d.Maintenance.DecayInterval)
	setInt(&m.BatchSize, d.Maintenance.BatchSize)
	setInt(&m.ViewSize, d.Maintenance.ViewSize)
	setDuration(&m.ViewTTL, d.Maintenance.ViewTTL)
	setDuration(&m.RecentWindow, d.Maintenance.RecentWindow)

	k := &c.Consolidation
	setInt(&k.MinPackets, d.Consolidation.MinPackets)
	setDuration(&k.MaxAge, d.Consolidation.MaxAge)
	setInt(&k.MaxSourcePackets, d.Consolidation.MaxSourcePackets)
	setDuration(&k.SummaryTTL, d.Consolidation.SummaryTTL)
	setInt(&k.SummaryChars, d.Consolidation.SummaryChars)

	setDuration(&c.QueryTimeout, d.QueryTimeout)
	return c
}

func setFloat(v *float64, def float64) {
	if *v <= 0 {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}
