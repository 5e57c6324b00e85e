package store

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Snapshot wire format. The inverted index is serialized explicitly
// rather than rebuilt from memberships, because bucket eviction makes the
// index a lossy projection of membership — rebuilding would not restore
// the exact candidate sets the live store answered with.

type storeJSON struct {
	Universe             int          `json:"universe"`
	MaxGroups            int          `json:"maxGroups"`
	MaxGroupsPerIdentity int          `json:"maxGroupsPerIdentity"`
	EvictPolicy          EvictPolicy  `json:"evictPolicy"`
	NextID               int          `json:"nextId"`
	Groups               []*Group     `json:"groups"`
	BelongsTo            map[int][]int `json:"belongsTo"`
	Stats                Stats        `json:"stats"`
}

// MarshalJSON serializes the full store state.
func (s *Store) MarshalJSON() ([]byte, error) {
	groups := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })

	index := make(map[int][]int, len(s.belongsTo))
	for identity, bucket := range s.belongsTo {
		ids := make([]int, 0, len(bucket))
		for gid := range bucket {
			ids = append(ids, gid)
		}
		sort.Ints(ids)
		index[identity] = ids
	}

	return json.Marshal(storeJSON{
		Universe:             s.universe,
		MaxGroups:            s.maxGroups,
		MaxGroupsPerIdentity: s.maxGroupsPerIdentity,
		EvictPolicy:          s.evictPolicy,
		NextID:               s.nextID,
		Groups:               groups,
		BelongsTo:            index,
		Stats:                s.stats,
	})
}

// UnmarshalJSON restores a store. Malformed payloads fail without partial
// state change.
func (s *Store) UnmarshalJSON(data []byte) error {
	var wire storeJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("failed to decode group store: %w", err)
	}
	if wire.Universe <= 0 {
		return fmt.Errorf("invalid store universe %d", wire.Universe)
	}

	restored := New(wire.Universe, wire.MaxGroups, wire.MaxGroupsPerIdentity, wire.EvictPolicy)
	restored.nextID = wire.NextID
	restored.stats = wire.Stats

	for _, g := range wire.Groups {
		if g == nil || g.Members == nil {
			return fmt.Errorf("group payload missing members")
		}
		if g.Members.Universe() != wire.Universe {
			return fmt.Errorf("group %d universe %d does not match store universe %d",
				g.ID, g.Members.Universe(), wire.Universe)
		}
		if g.MemberCounts == nil {
			g.MemberCounts = make(map[int]float64)
		}
		restored.groups[g.ID] = g
		if g.ID >= restored.nextID {
			restored.nextID = g.ID + 1
		}
	}

	for identity, ids := range wire.BelongsTo {
		bucket := make(map[int]struct{}, len(ids))
		for _, gid := range ids {
			if _, ok := restored.groups[gid]; !ok {
				return fmt.Errorf("inverted index references unknown group %d", gid)
			}
			bucket[gid] = struct{}{}
		}
		if len(bucket) > 0 {
			restored.belongsTo[identity] = bucket
		}
	}

	*s = *restored
	return nil
}
