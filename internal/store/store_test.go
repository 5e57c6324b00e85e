package store

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/rawblock/pattern-engine/internal/bitset"
)

func mustBits(t *testing.T, ids []int, universe int) *bitset.Bitset {
	t.Helper()
	b, err := bitset.FromIDs(ids, universe)
	if err != nil {
		t.Fatalf("FromIDs(%v) failed: %v", ids, err)
	}
	return b
}

func mustCreate(t *testing.T, s *Store, ids []int, step int64) *Group {
	t.Helper()
	g, err := s.Create(mustBits(t, ids, s.Universe()), step)
	if err != nil {
		t.Fatalf("Create(%v) failed: %v", ids, err)
	}
	return g
}

// checkIndexBiconditional verifies g.Members.Has(i) ⇔ g.ID ∈ belongsTo[i]
// for every group and identity, plus bucket hygiene. Only valid when the
// per-identity cap cannot fire (bucket eviction intentionally breaks the
// forward direction for the evicted entry).
func checkIndexBiconditional(t *testing.T, s *Store) {
	t.Helper()

	for _, g := range s.groups {
		g.Members.Iterate(func(i int) bool {
			if _, ok := s.belongsTo[i][g.ID]; !ok {
				t.Fatalf("group %d has member %d but belongsTo[%d] lacks it", g.ID, i, i)
			}
			if g.MemberCounts[i] <= 0 {
				t.Fatalf("group %d member %d has non-positive count %v", g.ID, i, g.MemberCounts[i])
			}
			return true
		})
		for i, c := range g.MemberCounts {
			if c > 0 && !g.Members.Has(i) {
				t.Fatalf("group %d counts %d (=%v) but members lacks it", g.ID, i, c)
			}
		}
	}

	for i, bucket := range s.belongsTo {
		if len(bucket) == 0 {
			t.Fatalf("empty bucket left behind for identity %d", i)
		}
		if s.maxGroupsPerIdentity > 0 && len(bucket) > s.maxGroupsPerIdentity {
			t.Fatalf("bucket %d has %d entries, cap is %d", i, len(bucket), s.maxGroupsPerIdentity)
		}
		for gid := range bucket {
			g, ok := s.groups[gid]
			if !ok {
				t.Fatalf("belongsTo[%d] references deleted group %d", i, gid)
			}
			if !g.Members.Has(i) {
				t.Fatalf("belongsTo[%d] contains group %d which lacks the member", i, gid)
			}
		}
	}
}

func TestCreateIndexesEveryMember(t *testing.T) {
	s := New(1000, 0, 0, EvictLowestSalience)
	g := mustCreate(t, s, []int{1, 7, 42}, 5)

	if g.ID != 1 {
		t.Errorf("Expected first group ID 1, got %d", g.ID)
	}
	if s.Size() != 1 {
		t.Errorf("Expected store size 1, got %d", s.Size())
	}
	for _, i := range []int{1, 7, 42} {
		if g.MemberCounts[i] != 1 {
			t.Errorf("Expected count 1 for member %d, got %v", i, g.MemberCounts[i])
		}
	}
	checkIndexBiconditional(t, s)
}

func TestGetCandidatesUnionsBuckets(t *testing.T) {
	s := New(1000, 0, 0, EvictLowestSalience)
	g1 := mustCreate(t, s, []int{1, 2}, 0)
	g2 := mustCreate(t, s, []int{2, 3}, 0)
	g3 := mustCreate(t, s, []int{9}, 0)

	candidates := s.GetCandidates(mustBits(t, []int{2, 9}, 1000))

	for _, want := range []int{g1.ID, g2.ID, g3.ID} {
		if _, ok := candidates[want]; !ok {
			t.Errorf("Expected group %d among candidates", want)
		}
	}
	if len(candidates) != 3 {
		t.Errorf("Expected exactly 3 candidates, got %d", len(candidates))
	}

	if got := s.GetCandidates(mustBits(t, []int{500}, 1000)); len(got) != 0 {
		t.Errorf("Expected no candidates for an untouched identity, got %v", got)
	}
}

func TestBucketEvictionLowestSalience(t *testing.T) {
	s := New(1000, 0, 1, EvictLowestSalience)

	g1 := mustCreate(t, s, []int{1}, 0)
	g1.Salience = 0.9
	g2 := mustCreate(t, s, []int{1}, 1)
	g2.Salience = 0.1

	candidates := s.GetCandidates(mustBits(t, []int{1}, 1000))
	if len(candidates) != 1 {
		t.Fatalf("Expected exactly one candidate under cap 1, got %d", len(candidates))
	}
	if _, ok := candidates[g1.ID]; !ok {
		t.Errorf("Expected the high-salience group %d to survive, got %v", g1.ID, candidates)
	}

	// The evicted group still exists in the primary map.
	if _, ok := s.Get(g2.ID); !ok {
		t.Errorf("Bucket eviction must not delete the group from the primary map")
	}
	if s.Stats().TotalEvicted == 0 {
		t.Errorf("Expected a recorded bucket eviction")
	}
}

func TestBucketEvictionOldestPolicy(t *testing.T) {
	s := New(1000, 0, 1, EvictOldest)

	g1 := mustCreate(t, s, []int{5}, 10)
	g2 := mustCreate(t, s, []int{5}, 99)

	candidates := s.GetCandidates(mustBits(t, []int{5}, 1000))
	if _, ok := candidates[g2.ID]; !ok {
		t.Errorf("Expected the newer group %d to survive under oldest policy", g2.ID)
	}
	if _, ok := candidates[g1.ID]; ok {
		t.Errorf("Expected the older group %d to be evicted from the bucket", g1.ID)
	}
}

func TestUpdateMembersKeepsIndexSynchronized(t *testing.T) {
	s := New(1000, 0, 0, EvictLowestSalience)
	g := mustCreate(t, s, []int{10, 20}, 0)

	if err := s.UpdateMembers(g, []int{30}, []int{10}); err != nil {
		t.Fatalf("UpdateMembers failed: %v", err)
	}

	if !g.Members.Has(30) || g.Members.Has(10) {
		t.Errorf("Expected members {20,30}, got %v", g.Members.IDs())
	}
	if _, ok := s.belongsTo[10]; ok {
		t.Errorf("Expected bucket for removed identity 10 to be deleted")
	}
	checkIndexBiconditional(t, s)

	if err := s.UpdateMembers(g, []int{5000}, nil); err == nil {
		t.Errorf("Expected domain error for out-of-universe add")
	}
}

func TestUpdateMembersPromotesPendingCredit(t *testing.T) {
	s := New(1000, 0, 0, EvictLowestSalience)
	g := mustCreate(t, s, []int{10}, 0)

	g.PendingCounts = map[int]float64{30: 2.5}
	if err := s.UpdateMembers(g, []int{30}, nil); err != nil {
		t.Fatalf("UpdateMembers failed: %v", err)
	}

	if g.MemberCounts[30] != 2.5 {
		t.Errorf("Expected promoted count 2.5, got %v", g.MemberCounts[30])
	}
	if _, ok := g.PendingCounts[30]; ok {
		t.Errorf("Expected pending credit to be consumed on promotion")
	}
	checkIndexBiconditional(t, s)
}

func TestDeleteScrubsEveryBucket(t *testing.T) {
	s := New(1000, 0, 0, EvictLowestSalience)
	g1 := mustCreate(t, s, []int{1, 2, 3}, 0)
	mustCreate(t, s, []int{2}, 0)

	if err := s.Delete(g1.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(g1.ID); err == nil {
		t.Errorf("Expected error deleting an unknown group")
	}

	if _, ok := s.belongsTo[1]; ok {
		t.Errorf("Expected bucket 1 deleted with its only group")
	}
	if bucket := s.belongsTo[2]; len(bucket) != 1 {
		t.Errorf("Expected bucket 2 to keep the surviving group, got %v", bucket)
	}
	checkIndexBiconditional(t, s)
}

func TestMergeUnionsMembersAndRepointsIndex(t *testing.T) {
	s := New(1000, 0, 0, EvictLowestSalience)
	winner := mustCreate(t, s, []int{1, 2}, 0)
	loser := mustCreate(t, s, []int{2, 3}, 5)
	loser.UsageCount = 4

	if err := s.Merge(winner.ID, loser.ID); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	if _, ok := s.Get(loser.ID); ok {
		t.Errorf("Expected loser to be deleted after merge")
	}
	for _, i := range []int{1, 2, 3} {
		if !winner.Members.Has(i) {
			t.Errorf("Expected merged members to include %d", i)
		}
	}
	if winner.MemberCounts[2] != 2 {
		t.Errorf("Expected summed count 2 for shared member, got %v", winner.MemberCounts[2])
	}
	if winner.UsageCount != 4 {
		t.Errorf("Expected usage counts folded into winner, got %d", winner.UsageCount)
	}
	if winner.LastSeen != 5 {
		t.Errorf("Expected lastSeen advanced to loser's, got %d", winner.LastSeen)
	}
	checkIndexBiconditional(t, s)
}

func TestMaxGroupsEvictsWeakest(t *testing.T) {
	s := New(1000, 2, 0, EvictLowestSalience)

	g1 := mustCreate(t, s, []int{1}, 0)
	g1.Salience = 0.9
	g2 := mustCreate(t, s, []int{2}, 0)
	g2.Salience = 0.05
	g3 := mustCreate(t, s, []int{3}, 0)

	if s.Size() != 2 {
		t.Fatalf("Expected cap of 2 enforced on insertion, size=%d", s.Size())
	}
	if _, ok := s.Get(g2.ID); ok {
		t.Errorf("Expected lowest-salience group %d evicted", g2.ID)
	}
	if _, ok := s.Get(g3.ID); !ok {
		t.Errorf("Expected the new group to be present")
	}
	checkIndexBiconditional(t, s)
}

func TestFindByMembers(t *testing.T) {
	s := New(1000, 0, 0, EvictLowestSalience)
	g := mustCreate(t, s, []int{4, 8}, 0)
	mustCreate(t, s, []int{4, 9}, 0)

	found, ok := s.FindByMembers(mustBits(t, []int{4, 8}, 1000))
	if !ok || found.ID != g.ID {
		t.Errorf("Expected to find group %d by exact members", g.ID)
	}
	if _, ok := s.FindByMembers(mustBits(t, []int{4}, 1000)); ok {
		t.Errorf("Did not expect a match for a strict subset")
	}
}

// Randomized invariant sweep: ≤1000 interleaved create/updateMembers/
// merge/delete operations, biconditional checked after every step.
func TestInvariantSweepRandomOps(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	s := New(500, 0, 0, EvictLowestSalience)
	step := int64(0)

	liveIDs := func() []int {
		ids := s.IDs()
		return ids
	}

	for op := 0; op < 1000; op++ {
		step++
		ids := liveIDs()
		switch action := rng.Intn(4); {
		case action == 0 || len(ids) == 0:
			n := 1 + rng.Intn(6)
			members := make([]int, 0, n)
			for i := 0; i < n; i++ {
				members = append(members, rng.Intn(500))
			}
			mustCreate(t, s, members, step)

		case action == 1:
			g, _ := s.Get(ids[rng.Intn(len(ids))])
			add := []int{rng.Intn(500)}
			var remove []int
			g.Members.Iterate(func(i int) bool {
				remove = append(remove, i)
				return false
			})
			if err := s.UpdateMembers(g, add, remove); err != nil {
				t.Fatalf("op %d: UpdateMembers failed: %v", op, err)
			}
			// A group can end up empty of members; delete it like the
			// learner's maintenance would.
			if g.Members.IsEmpty() {
				_ = s.Delete(g.ID)
			}

		case action == 2 && len(ids) >= 2:
			a, b := ids[rng.Intn(len(ids))], ids[rng.Intn(len(ids))]
			if a != b {
				if err := s.Merge(a, b); err != nil {
					t.Fatalf("op %d: Merge(%d,%d) failed: %v", op, a, b, err)
				}
			}

		default:
			_ = s.Delete(ids[rng.Intn(len(ids))])
		}

		checkIndexBiconditional(t, s)
	}
}

func TestStoreJSONRoundTrip(t *testing.T) {
	s := New(1000, 50, 4, EvictLowestSalience)
	g1 := mustCreate(t, s, []int{1, 2, 3}, 10)
	g1.Salience = 0.77
	g1.PendingCounts = map[int]float64{9: 1.5}
	mustCreate(t, s, []int{2, 5}, 11)
	_ = s.UpdateMembers(g1, []int{7}, []int{3})

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	restored := &Store{}
	if err := json.Unmarshal(data, restored); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if restored.Size() != s.Size() {
		t.Errorf("Size changed: %d vs %d", restored.Size(), s.Size())
	}
	for _, id := range s.IDs() {
		orig, _ := s.Get(id)
		back, ok := restored.Get(id)
		if !ok {
			t.Fatalf("group %d lost in round-trip", id)
		}
		if !orig.Members.Equals(back.Members) {
			t.Errorf("group %d membership changed in round-trip", id)
		}
		if back.Salience != orig.Salience {
			t.Errorf("group %d salience changed: %v vs %v", id, back.Salience, orig.Salience)
		}
	}

	// Candidate answers must be identical.
	probe := mustBits(t, []int{2}, 1000)
	a, b := s.GetCandidates(probe), restored.GetCandidates(probe)
	if len(a) != len(b) {
		t.Fatalf("candidate sets differ after round-trip: %v vs %v", a, b)
	}
	for gid := range a {
		if _, ok := b[gid]; !ok {
			t.Errorf("candidate %d missing after round-trip", gid)
		}
	}

	// A new create on the restored store must not reuse an existing ID.
	g := mustCreate(t, restored, []int{42}, 12)
	if _, clash := s.Get(g.ID); clash {
		t.Errorf("restored store reused live ID %d", g.ID)
	}

	if err := json.Unmarshal([]byte(`{"universe":0}`), &Store{}); err == nil {
		t.Errorf("Expected error restoring a malformed store payload")
	}
}
