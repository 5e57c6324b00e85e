package store

import (
	"fmt"

	"github.com/rawblock/pattern-engine/internal/bitset"
)

// Group Store — pattern ownership and the inverted membership index
//
// The store is the single owner of every learned group. All other
// components refer to groups by their stable integer ID; nothing outside
// this package mutates a group's membership directly, because every
// member change must be mirrored into the inverted index:
//
//   belongsTo: identity → set of group IDs
//
// That index is what makes candidate lookup O(|input|) instead of
// O(#groups): the learner asks for the union of buckets touched by the
// input bits. It is also the engine's canonical consistency hotspot —
// the biconditional
//
//   g.Members.Has(i)  ⇔  g.ID ∈ belongsTo[i]
//
// must hold at every public-API boundary.
//
// Capacity is enforced on insertion, never by sweep:
//   - maxGroups: creating past the cap evicts the globally weakest group,
//     ranked by the same configured policy as bucket eviction
//   - maxGroupsPerIdentity: a full bucket evicts one member per the
//     configured policy. Bucket eviction removes the victim from that
//     bucket only; the group itself survives in the primary map.

// EvictPolicy selects the bucket-eviction victim when an identity's
// bucket exceeds maxGroupsPerIdentity.
type EvictPolicy string

const (
	// EvictLowestSalience drops the bucket member with the smallest salience.
	EvictLowestSalience EvictPolicy = "lowestSalience"
	// EvictOldest drops the bucket member with the smallest lastSeen step.
	EvictOldest EvictPolicy = "oldest"
)

// Group is a learned co-occurrence pattern over identity IDs.
type Group struct {
	ID           int             `json:"id"`
	Members      *bitset.Bitset  `json:"members"`
	MemberCounts map[int]float64 `json:"memberCounts"`
	// PendingCounts accumulates observation credit for identities that are
	// not yet members. When a pending count crosses the learner's
	// membership threshold the identity moves into Members/MemberCounts.
	PendingCounts map[int]float64 `json:"pendingCounts,omitempty"`
	Salience      float64         `json:"salience"`
	UsageCount    int             `json:"usageCount"`
	CreatedAt     int64           `json:"createdAt"`
	LastSeen      int64           `json:"lastSeen"`
}

// Stats counts capacity events. Evictions and deletions are normal
// operation, not errors.
type Stats struct {
	TotalEvicted       int `json:"totalEvicted"`       // bucket evictions
	TotalGroupsEvicted int `json:"totalGroupsEvicted"` // whole-group evictions at maxGroups
	TotalMerged        int `json:"totalMerged"`
	TotalDeleted       int `json:"totalDeleted"`
}

// Store owns all groups and the inverted membership index.
type Store struct {
	universe             int
	maxGroups            int
	maxGroupsPerIdentity int
	evictPolicy          EvictPolicy

	nextID    int
	groups    map[int]*Group
	belongsTo map[int]map[int]struct{}
	stats     Stats
}

// New creates an empty store. A zero or negative cap disables that cap.
func New(universe, maxGroups, maxGroupsPerIdentity int, policy EvictPolicy) *Store {
	if policy == "" {
		policy = EvictLowestSalience
	}
	return &Store{
		universe:             universe,
		maxGroups:            maxGroups,
		maxGroupsPerIdentity: maxGroupsPerIdentity,
		evictPolicy:          policy,
		nextID:               1,
		groups:               make(map[int]*Group),
		belongsTo:            make(map[int]map[int]struct{}),
	}
}

// Size returns the number of live groups.
func (s *Store) Size() int {
	return len(s.groups)
}

// Universe returns the identity universe size.
func (s *Store) Universe() int {
	return s.universe
}

// Stats returns a copy of the capacity-event counters.
func (s *Store) Stats() Stats {
	return s.stats
}

// Get returns the group with the given ID.
func (s *Store) Get(id int) (*Group, bool) {
	g, ok := s.groups[id]
	return g, ok
}

// IDs returns every live group ID in unspecified order.
func (s *Store) IDs() []int {
	ids := make([]int, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	return ids
}

// Create allocates a new group whose members are a copy of the given
// bitset, with every member count initialized to 1. Each member is pushed
// into its inverted bucket, applying the per-identity cap.
func (s *Store) Create(members *bitset.Bitset, step int64) (*Group, error) {
	if members == nil || members.IsEmpty() {
		return nil, fmt.Errorf("cannot create a group with no members")
	}
	if members.Universe() != s.universe {
		return nil, fmt.Errorf("group universe %d does not match store universe %d",
			members.Universe(), s.universe)
	}

	if s.maxGroups > 0 && len(s.groups) >= s.maxGroups {
		s.evictLeastSalientGroup()
	}

	g := &Group{
		ID:           s.nextID,
		Members:      members.Clone(),
		MemberCounts: make(map[int]float64, members.Size()),
		Salience:     0.5,
		CreatedAt:    step,
		LastSeen:     step,
	}
	s.nextID++
	s.groups[g.ID] = g

	members.Iterate(func(id int) bool {
		g.MemberCounts[id] = 1
		s.indexInsert(id, g)
		return true
	})

	return g, nil
}

// GetCandidates returns the union of inverted buckets touched by the
// input bits: every group that shares at least one identity with the input.
func (s *Store) GetCandidates(input *bitset.Bitset) map[int]struct{} {
	candidates := make(map[int]struct{})
	input.Iterate(func(id int) bool {
		for gid := range s.belongsTo[id] {
			candidates[gid] = struct{}{}
		}
		return true
	})
	return candidates
}

// UpdateMembers applies membership changes to a group, keeping the
// inverted index synchronized. Added identities receive a count of at
// least 1 (or the group's pending credit if larger); removed identities
// lose their count entirely.
func (s *Store) UpdateMembers(g *Group, addIDs, removeIDs []int) error {
	if _, ok := s.groups[g.ID]; !ok {
		return fmt.Errorf("unknown group %d", g.ID)
	}

	for _, id := range addIDs {
		if id < 0 || id >= s.universe {
			return fmt.Errorf("identity %d outside universe [0, %d)", id, s.universe)
		}
	}
	for _, id := range removeIDs {
		if id < 0 || id >= s.universe {
			return fmt.Errorf("identity %d outside universe [0, %d)", id, s.universe)
		}
	}

	for _, id := range addIDs {
		if g.Members.Has(id) {
			continue
		}
		_ = g.Members.Add(id)
		count := 1.0
		if pending, ok := g.PendingCounts[id]; ok && pending > count {
			count = pending
		}
		delete(g.PendingCounts, id)
		g.MemberCounts[id] = count
		s.indexInsert(id, g)
	}

	for _, id := range removeIDs {
		if !g.Members.Has(id) {
			continue
		}
		_ = g.Members.Remove(id)
		delete(g.MemberCounts, id)
		s.indexRemove(id, g.ID)
	}

	return nil
}

// Delete removes a group from the primary map and from every inverted
// bucket it appears in.
func (s *Store) Delete(id int) error {
	g, ok := s.groups[id]
	if !ok {
		return fmt.Errorf("unknown group %d", id)
	}
	g.Members.Iterate(func(identity int) bool {
		s.indexRemove(identity, id)
		return true
	})
	delete(s.groups, id)
	s.stats.TotalDeleted++
	return nil
}

// Merge folds the loser group into the winner: union of members, summed
// counts, re-pointed inverted index, loser deleted. Pending credit is
// merged by taking the larger value per identity.
func (s *Store) Merge(winnerID, loserID int) error {
	if winnerID == loserID {
		return fmt.Errorf("cannot merge group %d into itself", winnerID)
	}
	winner, ok := s.groups[winnerID]
	if !ok {
		return fmt.Errorf("unknown winner group %d", winnerID)
	}
	loser, ok := s.groups[loserID]
	if !ok {
		return fmt.Errorf("unknown loser group %d", loserID)
	}

	loser.Members.Iterate(func(id int) bool {
		if winner.Members.Has(id) {
			winner.MemberCounts[id] += loser.MemberCounts[id]
		} else {
			_ = winner.Members.Add(id)
			winner.MemberCounts[id] = loser.MemberCounts[id]
			s.indexInsert(id, winner)
		}
		return true
	})

	for id, pending := range loser.PendingCounts {
		if winner.Members.Has(id) {
			continue
		}
		if winner.PendingCounts == nil {
			winner.PendingCounts = make(map[int]float64)
		}
		if pending > winner.PendingCounts[id] {
			winner.PendingCounts[id] = pending
		}
	}

	winner.UsageCount += loser.UsageCount
	if loser.LastSeen > winner.LastSeen {
		winner.LastSeen = loser.LastSeen
	}

	if err := s.Delete(loserID); err != nil {
		return err
	}
	s.stats.TotalMerged++
	return nil
}

// FindByMembers returns a live group whose members exactly equal the
// given bitset, if one exists. Used by the learner's duplicate guard.
// Every member's bucket is probed: bucket eviction can drop a group from
// one bucket, but a match missing from all of them is not indexed at all
// and duplicating it is tolerable.
func (s *Store) FindByMembers(members *bitset.Bitset) (*Group, bool) {
	var match *Group
	members.Iterate(func(id int) bool {
		for gid := range s.belongsTo[id] {
			g := s.groups[gid]
			if g.Members.Equals(members) {
				match = g
				return false
			}
		}
		return true
	})
	if match == nil {
		return nil, false
	}
	return match, true
}

// indexInsert pushes a group into an identity's bucket, enforcing the
// per-identity cap. Bucket eviction removes the victim from this bucket
// only — never from the primary map.
func (s *Store) indexInsert(identity int, g *Group) {
	bucket, ok := s.belongsTo[identity]
	if !ok {
		bucket = make(map[int]struct{})
		s.belongsTo[identity] = bucket
	}
	if _, present := bucket[g.ID]; present {
		return
	}

	if s.maxGroupsPerIdentity > 0 && len(bucket) >= s.maxGroupsPerIdentity {
		victim := s.pickBucketVictim(bucket, g)
		if victim == g.ID {
			// The incoming group loses against every incumbent; the member
			// stays on the group but the bucket does not index it.
			s.stats.TotalEvicted++
			return
		}
		delete(bucket, victim)
		s.stats.TotalEvicted++
	}

	bucket[g.ID] = struct{}{}
}

// indexRemove drops a group from an identity's bucket, deleting the
// bucket when it empties.
func (s *Store) indexRemove(identity, groupID int) {
	bucket, ok := s.belongsTo[identity]
	if !ok {
		return
	}
	delete(bucket, groupID)
	if len(bucket) == 0 {
		delete(s.belongsTo, identity)
	}
}

// pickBucketVictim chooses which of the bucket incumbents plus the
// incoming group should not be indexed, per the configured policy.
// Deterministic tie-break: smaller lastSeen loses, then the greater ID.
func (s *Store) pickBucketVictim(bucket map[int]struct{}, incoming *Group) int {
	victim := incoming
	for gid := range bucket {
		candidate, ok := s.groups[gid]
		if !ok {
			// A stale bucket entry (group already deleted) is always the victim.
			return gid
		}
		if s.loses(candidate, victim) {
			victim = candidate
		}
	}
	return victim.ID
}

// loses reports whether a should be evicted in preference to b.
func (s *Store) loses(a, b *Group) bool {
	switch s.evictPolicy {
	case EvictOldest:
		if a.LastSeen != b.LastSeen {
			return a.LastSeen < b.LastSeen
		}
	default: // EvictLowestSalience
		if a.Salience != b.Salience {
			return a.Salience < b.Salience
		}
		if a.LastSeen != b.LastSeen {
			return a.LastSeen < b.LastSeen
		}
	}
	return a.ID > b.ID
}

// evictLeastSalientGroup removes the globally weakest group to make room
// for a new one. Unlike bucket eviction this is a full delete.
func (s *Store) evictLeastSalientGroup() {
	var victim *Group
	for _, g := range s.groups {
		if victim == nil || s.loses(g, victim) {
			victim = g
		}
	}
	if victim != nil {
		_ = s.Delete(victim.ID)
		s.stats.TotalGroupsEvicted++
	}
}
