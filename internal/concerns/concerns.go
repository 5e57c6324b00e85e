package concerns

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rawblock/pattern-engine/internal/attention"
	"github.com/rawblock/pattern-engine/internal/bitset"
)

// Persistent Concerns — what stays unsolved across sessions
//
// The attention buffer is session-local; when a session ends, most of
// its contents are noise. But an input that recurred within a session
// AND keeps coming back in later sessions is a structural gap in the
// learned model. This layer promotes such items into concerns keyed by
// their content fingerprint and lets drivers record repair attempts
// against them.
//
// Ranking priority = occurrences · sessions · persistenceBonus, where
// the bonus compounds at every session start, so the longest-lived
// concerns surface first even when their raw counts are modest.
//
// A concern resolves (and is deleted) once the cumulative improvement of
// recorded attempts exceeds half the signature's bit size — at that
// point the model explains most of what used to be surprising.

const (
	DefaultMaxConcerns  = 500
	DefaultMinRecurrence = 2
	DefaultMinSessions   = 2
	DefaultBonusGrowth   = 1.1
)

// Attempt records one repair attempt against a concern.
type Attempt struct {
	TransformID string  `json:"transformId"`
	Improvement float64 `json:"improvement"`
	Timestamp   int64   `json:"timestamp"`
}

// Concern is a recurring unresolved input signature.
type Concern struct {
	SignatureBits    *bitset.Bitset `json:"signatureBits"`
	SignatureHash    uint64         `json:"signatureHash"`
	Occurrences      int            `json:"occurrences"`
	FirstSeen        int64          `json:"firstSeen"`
	LastSeen         int64          `json:"lastSeen"`
	Sessions         int            `json:"sessions"`
	PersistenceBonus float64        `json:"persistenceBonus"`
	Attempts         []Attempt      `json:"attempts,omitempty"`
	BestAttempt      *Attempt       `json:"bestAttempt,omitempty"`
}

// Priority ranks a concern for retrieval.
func (c *Concern) Priority() float64 {
	return float64(c.Occurrences) * float64(c.Sessions) * c.PersistenceBonus
}

// Stats counts lifecycle events.
type Stats struct {
	TotalPromoted int `json:"totalPromoted"`
	TotalResolved int `json:"totalResolved"`
	TotalEvicted  int `json:"totalEvicted"`
	TotalPruned   int `json:"totalPruned"`
}

// Tracker owns all concerns for an engine.
type Tracker struct {
	maxConcerns   int
	minRecurrence int
	minSessions   int
	bonusGrowth   float64

	concerns map[uint64]*Concern
	stats    Stats

	nowFn func() int64
}

// New creates an empty tracker. Non-positive parameters, and a
// bonusGrowth of 1 or less, select defaults.
func New(maxConcerns, minRecurrence, minSessions int, bonusGrowth float64, nowFn func() int64) *Tracker {
	if maxConcerns <= 0 {
		maxConcerns = DefaultMaxConcerns
	}
	if minRecurrence <= 0 {
		minRecurrence = DefaultMinRecurrence
	}
	if minSessions <= 0 {
		minSessions = DefaultMinSessions
	}
	if bonusGrowth <= 1 {
		bonusGrowth = DefaultBonusGrowth
	}
	return &Tracker{
		maxConcerns:   maxConcerns,
		minRecurrence: minRecurrence,
		minSessions:   minSessions,
		bonusGrowth:   bonusGrowth,
		concerns:      make(map[uint64]*Concern),
		nowFn:         nowFn,
	}
}

// Size returns the number of live concerns.
func (t *Tracker) Size() int {
	return len(t.concerns)
}

// Stats returns a copy of the lifecycle counters.
func (t *Tracker) Stats() Stats {
	return t.stats
}

// Get returns the concern keyed by a signature hash.
func (t *Tracker) Get(hash uint64) (*Concern, bool) {
	c, ok := t.concerns[hash]
	return c, ok
}

// SessionStart compounds every concern's persistence bonus.
func (t *Tracker) SessionStart() {
	for _, c := range t.concerns {
		c.PersistenceBonus *= t.bonusGrowth
	}
}

// SessionEnd promotes every unresolved buffer item whose within-session
// recurrence reached minRecurrence. An existing concern (same content
// fingerprint) counts another session; a new one starts at one.
func (t *Tracker) SessionEnd(buf *attention.Buffer) int {
	now := t.nowFn()
	promoted := 0
	seen := make(map[uint64]bool)

	for _, item := range buf.Items() {
		if item.Resolved || item.Recurrence < t.minRecurrence {
			continue
		}
		if seen[item.InputHash] {
			// Multiple buffer entries with one fingerprint are a single
			// concern; the first entry's recurrence already counts them.
			continue
		}
		seen[item.InputHash] = true

		if existing, ok := t.concerns[item.InputHash]; ok {
			existing.Sessions++
			existing.Occurrences += item.Recurrence + 1
			existing.LastSeen = now
			continue
		}

		t.concerns[item.InputHash] = &Concern{
			SignatureBits:    item.InputBits.Clone(),
			SignatureHash:    item.InputHash,
			Occurrences:      item.Recurrence + 1,
			FirstSeen:        now,
			LastSeen:         now,
			Sessions:         1,
			PersistenceBonus: 1,
		}
		t.stats.TotalPromoted++
		promoted++

		if len(t.concerns) > t.maxConcerns {
			t.evictLowestPriority()
		}
	}

	return promoted
}

// RecordAttempt appends a repair attempt and updates the best attempt.
// When cumulative improvement exceeds half the signature's bit size, the
// concern is resolved and deleted; the second return reports that.
func (t *Tracker) RecordAttempt(hash uint64, transformID string, improvement float64) (*Concern, bool, error) {
	c, ok := t.concerns[hash]
	if !ok {
		return nil, false, fmt.Errorf("unknown concern %x", hash)
	}

	attempt := Attempt{
		TransformID: transformID,
		Improvement: improvement,
		Timestamp:   t.nowFn(),
	}
	c.Attempts = append(c.Attempts, attempt)
	if c.BestAttempt == nil || attempt.Improvement > c.BestAttempt.Improvement {
		best := attempt
		c.BestAttempt = &best
	}

	total := 0.0
	for _, a := range c.Attempts {
		total += a.Improvement
	}
	if total > float64(c.SignatureBits.Size())/2 {
		delete(t.concerns, hash)
		t.stats.TotalResolved++
		return c, true, nil
	}
	return c, false, nil
}

// TopConcerns returns up to n concerns in descending priority order;
// equal priorities break on the smaller signature hash.
func (t *Tracker) TopConcerns(n int) []*Concern {
	ranked := make([]*Concern, 0, len(t.concerns))
	for _, c := range t.concerns {
		ranked = append(ranked, c)
	}
	sort.Slice(ranked, func(i, j int) bool {
		pi, pj := ranked[i].Priority(), ranked[j].Priority()
		if pi != pj {
			return pi > pj
		}
		return ranked[i].SignatureHash < ranked[j].SignatureHash
	})
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// Prune removes concerns older than the cutoff that never reached
// minSessions — stale one-session noise that will not come back.
func (t *Tracker) Prune(maxAgeDays int) int {
	if maxAgeDays <= 0 {
		return 0
	}
	cutoff := t.nowFn() - int64(maxAgeDays)*24*60*60*1000
	pruned := 0
	for hash, c := range t.concerns {
		if c.LastSeen < cutoff && c.Sessions < t.minSessions {
			delete(t.concerns, hash)
			t.stats.TotalPruned++
			pruned++
		}
	}
	return pruned
}

// evictLowestPriority drops the weakest concern to stay at capacity.
func (t *Tracker) evictLowestPriority() {
	var victim *Concern
	for _, c := range t.concerns {
		if victim == nil ||
			c.Priority() < victim.Priority() ||
			(c.Priority() == victim.Priority() && c.SignatureHash > victim.SignatureHash) {
			victim = c
		}
	}
	if victim != nil {
		delete(t.concerns, victim.SignatureHash)
		t.stats.TotalEvicted++
	}
}

type trackerJSON struct {
	MaxConcerns   int        `json:"maxConcerns"`
	MinRecurrence int        `json:"minRecurrence"`
	MinSessions   int        `json:"minSessions"`
	BonusGrowth   float64    `json:"bonusGrowth"`
	Concerns      []*Concern `json:"concerns"`
	Stats         Stats      `json:"stats"`
}

// MarshalJSON serializes the tracker with concerns in priority order.
func (t *Tracker) MarshalJSON() ([]byte, error) {
	return json.Marshal(trackerJSON{
		MaxConcerns:   t.maxConcerns,
		MinRecurrence: t.minRecurrence,
		MinSessions:   t.minSessions,
		BonusGrowth:   t.bonusGrowth,
		Concerns:      t.TopConcerns(0),
		Stats:         t.stats,
	})
}

// UnmarshalJSON restores a tracker. The clock falls back to a frozen
// zero source; the owner re-injects the real clock after restore.
func (t *Tracker) UnmarshalJSON(data []byte) error {
	var wire trackerJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("failed to decode persistent concerns: %w", err)
	}

	restored := New(wire.MaxConcerns, wire.MinRecurrence, wire.MinSessions, wire.BonusGrowth,
		func() int64 { return 0 })
	restored.stats = wire.Stats
	for _, c := range wire.Concerns {
		if c == nil || c.SignatureBits == nil {
			return fmt.Errorf("concern payload missing signature bits")
		}
		restored.concerns[c.SignatureHash] = c
	}

	*t = *restored
	return nil
}

// SetClock re-injects the millisecond clock after a restore.
func (t *Tracker) SetClock(nowFn func() int64) {
	if nowFn != nil {
		t.nowFn = nowFn
	}
}
