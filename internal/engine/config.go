package engine

import (
	"fmt"

	"github.com/rawblock/pattern-engine/internal/learner"
	"github.com/rawblock/pattern-engine/internal/store"
)

// Config carries every tunable of the engine pipeline. All fields are
// plain values so the whole struct serializes into snapshots verbatim.
type Config struct {
	// Identity universe
	Universe int `json:"universe"`

	// Group store caps
	MaxGroups            int               `json:"maxGroups"`
	MaxGroupsPerIdentity int               `json:"maxGroupsPerIdentity"`
	IndexEvictPolicy     store.EvictPolicy `json:"indexEvictPolicy"`

	// Learner
	Learner learner.Params `json:"learner"`

	// Deduction graph
	GraphThreshold  float64 `json:"graphThreshold"`
	MaxEdgesPerNode int     `json:"maxEdgesPerNode"`
	DecayFactor     float64 `json:"decayFactor"`
	DecayEvery      int     `json:"decayEvery"`
	DecayPerHop     float64 `json:"decayPerHop"`
	MaxHops         int     `json:"maxHops"`
	// Multi-hop prediction kicks in when the active set is at most this
	// large; bigger active sets give direct prediction enough fan-out.
	MultiHopActiveLimit int `json:"multiHopActiveLimit"`

	// Transition learning
	Eta        float64 `json:"eta"`
	BaseReward float64 `json:"baseReward"`
	RLPressure float64 `json:"rlPressure"`

	// Attention buffer
	SurpriseAdmissionRatio float64 `json:"surpriseAdmissionRatio"`
	BufferMaxItems         int     `json:"bufferMaxItems"`
	SurpriseWeight         float64 `json:"surpriseWeight"`
	RecurrenceWeight       float64 `json:"recurrenceWeight"`
	RecencyDecay           float64 `json:"recencyDecay"`

	// Persistent concerns
	MaxConcerns   int     `json:"maxConcerns"`
	MinRecurrence int     `json:"minRecurrence"`
	MinSessions   int     `json:"minSessions"`
	BonusGrowth   float64 `json:"bonusGrowth"`
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return Config{
		Universe:             10000,
		MaxGroups:            5000,
		MaxGroupsPerIdentity: 32,
		IndexEvictPolicy:     store.EvictLowestSalience,

		Learner: learner.DefaultParams(),

		GraphThreshold:      0.01,
		MaxEdgesPerNode:     64,
		DecayFactor:         0.1,
		DecayEvery:          100,
		DecayPerHop:         0.5,
		MaxHops:             2,
		MultiHopActiveLimit: 3,

		Eta:        0.1,
		BaseReward: 1.0,
		RLPressure: 0.5,

		SurpriseAdmissionRatio: 0.5,
		BufferMaxItems:         10000,
		SurpriseWeight:         1.0,
		RecurrenceWeight:       0.5,
		RecencyDecay:           0.95,

		MaxConcerns:   500,
		MinRecurrence: 2,
		MinSessions:   2,
		BonusGrowth:   1.1,
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Universe <= 0 {
		return fmt.Errorf("universe must be positive, got %d", c.Universe)
	}
	if c.IndexEvictPolicy != store.EvictLowestSalience && c.IndexEvictPolicy != store.EvictOldest {
		return fmt.Errorf("unknown index eviction policy %q", c.IndexEvictPolicy)
	}
	if s := c.Learner.Smoothing; s != learner.SmoothingNone && s != learner.SmoothingAddAlpha {
		return fmt.Errorf("unknown smoothing strategy %q", s)
	}
	if c.DecayEvery < 0 {
		return fmt.Errorf("decayEvery must be non-negative, got %d", c.DecayEvery)
	}
	return nil
}
