package learner

import (
	"math"
	"testing"

	"github.com/rawblock/pattern-engine/internal/bitset"
	"github.com/rawblock/pattern-engine/internal/store"
)

const eps = 1e-9

func mustBits(t *testing.T, ids []int) *bitset.Bitset {
	t.Helper()
	b, err := bitset.FromIDs(ids, 1000)
	if err != nil {
		t.Fatalf("FromIDs failed: %v", err)
	}
	return b
}

func newStore() *store.Store {
	return store.New(1000, 0, 0, store.EvictLowestSalience)
}

func TestScoreNormalizesBySize(t *testing.T) {
	l := New(DefaultParams())
	st := newStore()

	small, _ := st.Create(mustBits(t, []int{1, 2}), 0)
	big, _ := st.Create(mustBits(t, []int{1, 2, 3, 4, 5, 6, 7, 8}), 0)
	small.Salience, big.Salience = 0, 0

	input := mustBits(t, []int{1, 2})
	if l.Score(small, input) <= l.Score(big, input) {
		t.Errorf("Expected the tight group to outscore the loose one: %v vs %v",
			l.Score(small, input), l.Score(big, input))
	}

	// score = overlap/√size · (1 + β·salience); β=0.5, salience=0 → 2/√2.
	want := 2.0 / math.Sqrt(2)
	if got := l.Score(small, input); math.Abs(got-want) > eps {
		t.Errorf("Expected score %v, got %v", want, got)
	}
}

func TestSalienceBoostsScore(t *testing.T) {
	l := New(DefaultParams())
	st := newStore()
	g, _ := st.Create(mustBits(t, []int{1, 2}), 0)

	input := mustBits(t, []int{1, 2})
	g.Salience = 0
	base := l.Score(g, input)
	g.Salience = 1
	boosted := l.Score(g, input)

	if math.Abs(boosted-base*1.5) > eps {
		t.Errorf("Expected β=0.5 full-salience boost of 1.5×, got %v vs %v", boosted, base)
	}
}

func TestActivateSelectsAndAccounts(t *testing.T) {
	l := New(DefaultParams())
	st := newStore()
	st.Create(mustBits(t, []int{1, 2, 3}), 0)   // strong candidate
	st.Create(mustBits(t, []int{3, 50, 51, 52, 53, 54, 55, 56, 57}), 0) // weak: 1/3 overlap

	input := mustBits(t, []int{1, 2, 3, 4})
	act := l.Activate(input, st)

	if len(act.Active) != 2 {
		t.Fatalf("Expected 2 active groups, got %d", len(act.Active))
	}
	if act.Active[0].Group.ID != 1 {
		t.Errorf("Expected the tight group ranked first")
	}
	if act.Surprise != 1 {
		t.Errorf("Expected surprise 1 (identity 4 unexplained), got %d", act.Surprise)
	}
	// Union claims {1,2,3,50..57} = 11 bits, explained {1,2,3} = 3.
	if act.Hallucination != 8 {
		t.Errorf("Expected hallucination 8, got %d", act.Hallucination)
	}
}

func TestActivateRejectsBelowMinScore(t *testing.T) {
	p := DefaultParams()
	p.MinScore = 2.0
	l := New(p)
	st := newStore()
	st.Create(mustBits(t, []int{1, 40, 41, 42, 43, 44, 45, 46, 47}), 0)

	act := l.Activate(mustBits(t, []int{1, 2, 3}), st)

	if len(act.Active) != 0 {
		t.Fatalf("Expected no activations below minScore, got %d", len(act.Active))
	}
	if act.Surprise != 3 {
		t.Errorf("Expected full surprise when nothing activates, got %d", act.Surprise)
	}
	if act.Hallucination != 0 {
		t.Errorf("Expected no hallucination with empty active set, got %d", act.Hallucination)
	}
}

func TestActivateIsPure(t *testing.T) {
	l := New(DefaultParams())
	st := newStore()
	g, _ := st.Create(mustBits(t, []int{1, 2}), 0)

	before := struct {
		usage    int
		salience float64
		count    float64
	}{g.UsageCount, g.Salience, g.MemberCounts[1]}

	for i := 0; i < 5; i++ {
		l.Activate(mustBits(t, []int{1, 2, 3}), st)
	}

	if g.UsageCount != before.usage || g.Salience != before.salience ||
		g.MemberCounts[1] != before.count {
		t.Errorf("Activate must not mutate groups: %+v changed", g)
	}
	if st.Size() != 1 {
		t.Errorf("Activate must not create groups")
	}
}

func TestCreateGroupFromUnexplainedBits(t *testing.T) {
	l := New(DefaultParams())
	st := newStore()

	input := mustBits(t, []int{5, 6, 7})
	act := l.Activate(input, st) // empty store: everything surprising

	g, err := l.MaybeCreateGroup(input, act, st, 3)
	if err != nil {
		t.Fatalf("MaybeCreateGroup failed: %v", err)
	}
	if g == nil {
		t.Fatalf("Expected a group created from a fully surprising input")
	}
	if !g.Members.Equals(input) {
		t.Errorf("Expected members = unexplained bits %v, got %v", input.IDs(), g.Members.IDs())
	}
	if g.CreatedAt != 3 {
		t.Errorf("Expected createdAt step recorded, got %d", g.CreatedAt)
	}
}

func TestCreateSuppressedBelowThreshold(t *testing.T) {
	l := New(DefaultParams())
	st := newStore()
	st.Create(mustBits(t, []int{1, 2, 3}), 0)

	input := mustBits(t, []int{1, 2, 3, 4}) // surprise ratio 1/4 < 0.4
	act := l.Activate(input, st)

	g, err := l.MaybeCreateGroup(input, act, st, 1)
	if err != nil {
		t.Fatalf("MaybeCreateGroup failed: %v", err)
	}
	if g != nil {
		t.Errorf("Expected creation suppressed below the surprise threshold")
	}
}

func TestCreateSuppressedByStrongCandidate(t *testing.T) {
	p := DefaultParams()
	p.MinMergeScore = 1.0
	l := New(p)
	st := newStore()
	st.Create(mustBits(t, []int{1, 2, 3, 4}), 0) // scores 4/√4·1.25 = 2.5

	input := mustBits(t, []int{1, 2, 3, 4, 10, 11, 12, 13, 14, 15})
	act := l.Activate(input, st) // surprise 6/10 ≥ 0.4 but candidate is strong

	g, err := l.MaybeCreateGroup(input, act, st, 1)
	if err != nil {
		t.Fatalf("MaybeCreateGroup failed: %v", err)
	}
	if g != nil {
		t.Errorf("Expected creation suppressed when a candidate clears minMergeScore")
	}
}

func TestCreateNeverDuplicatesMembers(t *testing.T) {
	p := DefaultParams()
	p.MinScore = 10 // force the incumbent inactive so its bits stay unexplained
	l := New(p)
	st := newStore()
	existing, _ := st.Create(mustBits(t, []int{5, 6}), 0)
	countBefore := existing.MemberCounts[5]

	input := mustBits(t, []int{5, 6})
	act := l.Activate(input, st)

	g, err := l.MaybeCreateGroup(input, act, st, 2)
	if err != nil {
		t.Fatalf("MaybeCreateGroup failed: %v", err)
	}
	if g != nil {
		t.Errorf("Expected duplicate membership rejected")
	}
	if st.Size() != 1 {
		t.Errorf("Expected no new group, store size %d", st.Size())
	}
	if existing.MemberCounts[5] <= countBefore {
		t.Errorf("Expected the incumbent reinforced instead")
	}
}

func TestMembershipDriftJoinsAtThreshold(t *testing.T) {
	l := New(DefaultParams()) // α=1, threshold=3
	st := newStore()
	g, _ := st.Create(mustBits(t, []int{10, 20}), 0)

	input := mustBits(t, []int{10, 20, 30})
	for step := int64(1); step <= 3; step++ {
		act := l.Activate(input, st)
		if len(act.Active) != 1 {
			t.Fatalf("step %d: expected the group active, got %d", step, len(act.Active))
		}
		if err := l.UpdateMemberships(act, input, 1.0, st, step); err != nil {
			t.Fatalf("UpdateMemberships failed: %v", err)
		}
	}

	if !g.Members.Has(30) {
		t.Fatalf("Expected identity 30 to join after crossing the threshold")
	}
	candidates := st.GetCandidates(mustBits(t, []int{30}))
	if _, ok := candidates[g.ID]; !ok {
		t.Errorf("Expected the inverted index updated for the new member")
	}
	if g.UsageCount != 3 {
		t.Errorf("Expected usage counted per activation, got %d", g.UsageCount)
	}
}

func TestHallucinatedMembersDropOut(t *testing.T) {
	l := New(DefaultParams()) // alphaDecay=0.5, counts start at 1
	st := newStore()
	g, _ := st.Create(mustBits(t, []int{10, 20}), 0)

	input := mustBits(t, []int{10}) // 20 is claimed but absent
	for step := int64(1); step <= 2; step++ {
		act := l.Activate(input, st)
		if err := l.UpdateMemberships(act, input, 1.0, st, step); err != nil {
			t.Fatalf("UpdateMemberships failed: %v", err)
		}
	}

	if g.Members.Has(20) {
		t.Errorf("Expected the hallucinated member removed at zero count")
	}
	if _, ok := st.GetCandidates(mustBits(t, []int{20}))[g.ID]; ok {
		t.Errorf("Expected the inverted index scrubbed for the dropped member")
	}
	if !g.Members.Has(10) {
		t.Errorf("Expected the confirmed member kept")
	}
}

func TestImportanceClamps(t *testing.T) {
	l := New(DefaultParams())

	if v := l.Importance(0, 0, 0); v != 0.1 {
		t.Errorf("Expected floor 0.1, got %v", v)
	}
	if v := l.Importance(5, 5, 5); v != 1.0 {
		t.Errorf("Expected ceiling 1.0, got %v", v)
	}
	// 0.4·0.5 + 0.4·0.5 + 0.2·0.5 = 0.5
	if v := l.Importance(0.5, 0.5, 0.5); math.Abs(v-0.5) > eps {
		t.Errorf("Expected 0.5, got %v", v)
	}
}

func TestUpdateSalienceEMA(t *testing.T) {
	l := New(DefaultParams()) // λ=0.2
	st := newStore()
	g, _ := st.Create(mustBits(t, []int{1}), 0)
	g.Salience = 0.5

	l.UpdateSalience(g, 1.0)
	if math.Abs(g.Salience-0.6) > eps {
		t.Errorf("Expected 0.8·0.5 + 0.2·1.0 = 0.6, got %v", g.Salience)
	}
}

func TestAddAlphaSmoothing(t *testing.T) {
	p := DefaultParams()
	p.Smoothing = SmoothingAddAlpha
	p.SmoothingAlpha = 1.0
	l := New(p)
	st := newStore()
	g, _ := st.Create(mustBits(t, []int{1, 2, 3, 4}), 0)
	g.Salience = 0

	// (overlap+1)/(√4+1) = 3/3 = 1.
	if got := l.Score(g, mustBits(t, []int{1, 2})); math.Abs(got-1.0) > eps {
		t.Errorf("Expected smoothed score 1.0, got %v", got)
	}
}
