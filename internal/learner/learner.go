package learner

import (
	"math"
	"sort"

	"github.com/rawblock/pattern-engine/internal/bitset"
	"github.com/rawblock/pattern-engine/internal/store"
)

// Online Learner — activation, creation, and membership drift
//
// Given an input bitset and the store's candidate groups, the learner
// decides which patterns are "on", how much of the input they explain,
// and how the patterns themselves should move toward the data.
//
// Scoring composes three signals:
//
//   score(g, x) = |g.members ∩ x| / √|g.members| · (1 + β·g.salience)
//
// The √ normalization stops huge groups from winning on raw overlap
// alone; the salience factor lets consistently useful groups outrank
// one-hit wonders at equal overlap. Candidates below minScore are
// rejected outright, so a step with no plausible pattern yields zero
// active groups and full surprise — a valid outcome, not an error.
//
// Creation is deliberately conservative and deterministic: a new group
// is cut from the unexplained bits only when the surprise ratio clears
// creationThreshold AND no existing candidate scored at or above
// minMergeScore (a strong candidate means the right move is widening it
// through drift, not minting a rival). An exact-duplicate membership is
// never created twice — the existing group is reinforced instead.
//
// Membership drift is the slow path of learning: identities that keep
// co-occurring with an active group accumulate pending credit until they
// cross membershipThreshold and join; claimed-but-absent identities
// (hallucinations) bleed count until they drop out. Every membership
// change routes through the store so the inverted index stays exact.

// Smoothing selects the score smoothing strategy.
type Smoothing string

const (
	SmoothingNone     Smoothing = "none"
	SmoothingAddAlpha Smoothing = "addAlpha"
)

// Params bundles the learner's knobs. All are plain values so the whole
// struct serializes with the engine config.
type Params struct {
	MinScore            float64   `json:"minScore"`
	SalienceBeta        float64   `json:"salienceBeta"`
	MaxActive           int       `json:"maxActive"`
	CreationThreshold   float64   `json:"creationThreshold"`
	MinMergeScore       float64   `json:"minMergeScore"`
	MinGroupSize        int       `json:"minGroupSize"`
	MembershipThreshold float64   `json:"membershipThreshold"`
	Alpha               float64   `json:"alpha"`
	AlphaDecay          float64   `json:"alphaDecay"`
	Lambda              float64   `json:"lambda"`
	NoveltyWeight       float64   `json:"noveltyWeight"`
	UtilityWeight       float64   `json:"utilityWeight"`
	StabilityWeight     float64   `json:"stabilityWeight"`
	Smoothing           Smoothing `json:"smoothing"`
	SmoothingAlpha      float64   `json:"smoothingAlpha"`
}

// DefaultParams returns the stock configuration.
func DefaultParams() Params {
	return Params{
		MinScore:            0.3,
		SalienceBeta:        0.5,
		MaxActive:           8,
		CreationThreshold:   0.4,
		MinMergeScore:       1.5,
		MinGroupSize:        2,
		MembershipThreshold: 3.0,
		Alpha:               1.0,
		AlphaDecay:          0.5,
		Lambda:              0.2,
		NoveltyWeight:       0.4,
		UtilityWeight:       0.4,
		StabilityWeight:     0.2,
		Smoothing:           SmoothingNone,
		SmoothingAlpha:      0.5,
	}
}

// Learner applies the activation and update rules.
type Learner struct {
	params Params
}

// New creates a learner with the given parameters.
func New(params Params) *Learner {
	if params.MaxActive <= 0 {
		params.MaxActive = DefaultParams().MaxActive
	}
	if params.MinGroupSize <= 0 {
		params.MinGroupSize = 1
	}
	return &Learner{params: params}
}

// Params returns the learner's configuration.
func (l *Learner) Params() Params {
	return l.params
}

// ActiveGroup pairs an activated group with its score.
type ActiveGroup struct {
	Group *store.Group
	Score float64
}

// Activation is the outcome of scoring one input.
type Activation struct {
	Active       []ActiveGroup
	ActiveIDs    []int
	Explained    *bitset.Bitset // input bits covered by active members
	ClaimedUnion *bitset.Bitset // union of active members
	Surprise     int            // input bits no active group explains
	Hallucination int           // bits active groups claim but input lacks
}

// Score rates one candidate against the input.
func (l *Learner) Score(g *store.Group, input *bitset.Bitset) float64 {
	overlap := float64(g.Members.And(input).Size())
	size := float64(g.Members.Size())
	if size == 0 {
		return 0
	}
	var base float64
	if l.params.Smoothing == SmoothingAddAlpha {
		a := l.params.SmoothingAlpha
		base = (overlap + a) / (math.Sqrt(size) + a)
	} else {
		base = overlap / math.Sqrt(size)
	}
	return base * (1 + l.params.SalienceBeta*g.Salience)
}

// Activate scores the store's candidates for the input and selects the
// active set. It mutates nothing — the same input and store state always
// produce the same activation.
func (l *Learner) Activate(input *bitset.Bitset, st *store.Store) Activation {
	candidates := st.GetCandidates(input)

	scored := make([]ActiveGroup, 0, len(candidates))
	for gid := range candidates {
		g, ok := st.Get(gid)
		if !ok {
			continue
		}
		s := l.Score(g, input)
		if s < l.params.MinScore {
			continue
		}
		scored = append(scored, ActiveGroup{Group: g, Score: s})
	}

	// Descending score, ties on the lower group ID.
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Group.ID < scored[j].Group.ID
	})

	if k := l.activeK(input); len(scored) > k {
		scored = scored[:k]
	}

	explained := bitset.New(input.Universe())
	union := bitset.New(input.Universe())
	ids := make([]int, 0, len(scored))
	for _, ag := range scored {
		union = union.Or(ag.Group.Members)
		explained = explained.Or(ag.Group.Members.And(input))
		ids = append(ids, ag.Group.ID)
	}

	return Activation{
		Active:        scored,
		ActiveIDs:     ids,
		Explained:     explained,
		ClaimedUnion:  union,
		Surprise:      input.AndNot(explained).Size(),
		Hallucination: union.Size() - explained.Size(),
	}
}

// activeK adapts the active-set width to the input density, capped at
// MaxActive: wider inputs can support more simultaneous patterns.
func (l *Learner) activeK(input *bitset.Bitset) int {
	k := 1 + input.Size()/4
	if k > l.params.MaxActive {
		k = l.params.MaxActive
	}
	return k
}

// MaybeCreateGroup applies the deterministic creation rule. It returns
// the created group, or nil when creation was suppressed.
func (l *Learner) MaybeCreateGroup(input *bitset.Bitset, act Activation, st *store.Store, step int64) (*store.Group, error) {
	if input.Size() == 0 {
		return nil, nil
	}
	ratio := float64(act.Surprise) / float64(input.Size())
	if ratio < l.params.CreationThreshold {
		return nil, nil
	}
	for _, ag := range act.Active {
		if ag.Score >= l.params.MinMergeScore {
			// A strong candidate already covers this territory; widening
			// it through drift beats minting a rival.
			return nil, nil
		}
	}

	unexplained := input.AndNot(act.Explained)
	if unexplained.Size() < l.params.MinGroupSize {
		return nil, nil
	}

	if existing, ok := st.FindByMembers(unexplained); ok {
		// Never duplicate a membership — reinforce the incumbent instead.
		for id := range existing.MemberCounts {
			existing.MemberCounts[id] += l.params.Alpha
		}
		existing.LastSeen = step
		return nil, nil
	}

	return st.Create(unexplained, step)
}

// UpdateMemberships drifts every active group toward the input:
// co-occurring outsiders accumulate pending credit and join at the
// membership threshold; claimed-but-absent members bleed count and drop
// out at zero. Also bumps usage and recency on the active groups.
func (l *Learner) UpdateMemberships(act Activation, input *bitset.Bitset, reward float64, st *store.Store, step int64) error {
	for _, ag := range act.Active {
		g := ag.Group
		g.UsageCount++
		g.LastSeen = step

		var join []int
		input.Iterate(func(i int) bool {
			if g.Members.Has(i) {
				g.MemberCounts[i] += l.params.Alpha * reward
				return true
			}
			if g.PendingCounts == nil {
				g.PendingCounts = make(map[int]float64)
			}
			g.PendingCounts[i] += l.params.Alpha * reward
			if g.PendingCounts[i] >= l.params.MembershipThreshold {
				join = append(join, i)
			}
			return true
		})

		var drop []int
		g.Members.Iterate(func(i int) bool {
			if input.Has(i) {
				return true
			}
			g.MemberCounts[i] -= l.params.AlphaDecay
			if g.MemberCounts[i] <= 0 {
				drop = append(drop, i)
			}
			return true
		})

		if len(join) > 0 || len(drop) > 0 {
			if err := st.UpdateMembers(g, join, drop); err != nil {
				return err
			}
		}
	}
	return nil
}

// Importance combines the step's novelty, utility, and stability signals
// into a clamped [0.1, 1.0] importance value.
func (l *Learner) Importance(novelty, utility, stability float64) float64 {
	v := l.params.NoveltyWeight*novelty +
		l.params.UtilityWeight*utility +
		l.params.StabilityWeight*stability
	if v < 0.1 {
		return 0.1
	}
	if v > 1.0 {
		return 1.0
	}
	return v
}

// UpdateSalience moves a group's salience toward the step importance by
// the exponential factor λ.
func (l *Learner) UpdateSalience(g *store.Group, importance float64) {
	g.Salience = (1-l.params.Lambda)*g.Salience + l.params.Lambda*importance
}

// Utility measures how much of the input one group explains, in [0, 1].
func Utility(g *store.Group, input *bitset.Bitset) float64 {
	if input.Size() == 0 {
		return 0
	}
	return float64(g.Members.And(input).Size()) / float64(input.Size())
}

// Stability grows with lifetime activations, saturating at 1.
func Stability(g *store.Group) float64 {
	s := float64(g.UsageCount) / 50.0
	if s > 1 {
		return 1
	}
	return s
}
