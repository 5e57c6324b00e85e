package deduction

import (
	"encoding/json"
	"fmt"
)

// Wire format: only the forward map is serialized — the backward mirror
// and edgeCount are derived on restore, so a snapshot can never encode an
// inconsistent pair.

type graphJSON struct {
	Threshold       float64                 `json:"threshold"`
	MaxEdgesPerNode int                     `json:"maxEdgesPerNode"`
	DecayFactor     float64                 `json:"decayFactor"`
	Forward         map[int]map[int]float64 `json:"forward"`
	Stats           Stats                   `json:"stats"`
}

// MarshalJSON serializes the graph configuration and forward edges.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(graphJSON{
		Threshold:       g.threshold,
		MaxEdgesPerNode: g.maxEdgesPerNode,
		DecayFactor:     g.decayFactor,
		Forward:         g.forward,
		Stats:           g.stats,
	})
}

// UnmarshalJSON restores a graph, rebuilding the backward mirror and the
// edge count from the forward map.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var wire graphJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("failed to decode deduction graph: %w", err)
	}

	restored := New(wire.Threshold, wire.MaxEdgesPerNode, wire.DecayFactor)
	restored.stats = wire.Stats
	for from, edges := range wire.Forward {
		for to, w := range edges {
			if w <= 0 {
				return fmt.Errorf("edge %d→%d has non-positive weight %v", from, to, w)
			}
			restored.setEdge(from, to, w)
		}
	}

	*g = *restored
	return nil
}
