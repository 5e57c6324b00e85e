package deduction

import (
	"sort"
	"strconv"
)

// Deduction Graph — learned temporal succession between groups
//
// A weighted directed multigraph over group IDs. An edge from→to says
// "when `from` was active, `to` tended to be active on the next step",
// with the weight accumulating reward-scaled strengthening over time.
//
// The graph keeps two exact mirrors:
//   forward:  from → (to → weight)     used for prediction fan-out
//   backward: to   → (from → weight)   used for merge and removal
//
// Mirror consistency and the edgeCount == Σ|forward[*]| identity hold at
// every public-API boundary. They are the graph's canonical invariants
// and are swept in tests across randomized operation sequences.
//
// Bounded memory: each source keeps at most maxEdgesPerNode outgoing
// edges. After a strengthen pushes a source past the cap, the lowest
// weight outgoing edges are pruned until back at the cap — tie-break:
// equal weights prune the lexicographically greater target ID first.
// Weakening and decay drop edges at or below the weight threshold.

const (
	// DefaultThreshold is the weight at or below which an edge is removed
	// after weakening or decay.
	DefaultThreshold = 0.01

	// DefaultMaxEdgesPerNode bounds the outgoing fan of a single source.
	DefaultMaxEdgesPerNode = 64

	// DefaultDecayFactor is the multiplicative loss applied by ApplyDecay.
	DefaultDecayFactor = 0.1

	// DefaultDecayPerHop attenuates multi-hop path products per extra hop.
	DefaultDecayPerHop = 0.5
)

// Graph is a weighted directed graph over group IDs.
type Graph struct {
	threshold       float64
	maxEdgesPerNode int
	decayFactor     float64

	forward   map[int]map[int]float64
	backward  map[int]map[int]float64
	edgeCount int

	stats Stats
}

// Stats counts structural maintenance events.
type Stats struct {
	TotalPruned  int `json:"totalPruned"`  // every edge removal, incl. merge folds and group removal
	TotalMerged  int `json:"totalMerged"`  // node merges
	TotalRemoved int `json:"totalRemoved"` // removed groups
}

// New creates an empty graph. Non-positive parameters, and a decayFactor
// of 1 or more, select defaults.
func New(threshold float64, maxEdgesPerNode int, decayFactor float64) *Graph {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if maxEdgesPerNode <= 0 {
		maxEdgesPerNode = DefaultMaxEdgesPerNode
	}
	if decayFactor <= 0 || decayFactor >= 1 {
		decayFactor = DefaultDecayFactor
	}
	return &Graph{
		threshold:       threshold,
		maxEdgesPerNode: maxEdgesPerNode,
		decayFactor:     decayFactor,
		forward:         make(map[int]map[int]float64),
		backward:        make(map[int]map[int]float64),
	}
}

// EdgeCount returns the number of live forward edges.
func (g *Graph) EdgeCount() int {
	return g.edgeCount
}

// Stats returns a copy of the maintenance counters.
func (g *Graph) Stats() Stats {
	return g.stats
}

// Weight returns the current weight of from→to, or 0 when absent.
func (g *Graph) Weight(from, to int) float64 {
	return g.forward[from][to]
}

// Deductions returns a copy of the outgoing edge map of a source.
func (g *Graph) Deductions(from int) map[int]float64 {
	out := make(map[int]float64, len(g.forward[from]))
	for to, w := range g.forward[from] {
		out[to] = w
	}
	return out
}

// Strengthen adds delta to the from→to weight, creating the edge when
// absent, then enforces the per-source cap.
func (g *Graph) Strengthen(from, to int, delta float64) {
	if delta <= 0 || from == to {
		return
	}

	if _, exists := g.forward[from][to]; !exists {
		g.setEdge(from, to, delta)
	} else {
		g.forward[from][to] += delta
		g.backward[to][from] += delta
	}

	g.enforceCap(from)
}

// Weaken subtracts delta from the from→to weight. Edges falling to the
// threshold or below are removed from both mirrors.
func (g *Graph) Weaken(from, to int, delta float64) {
	w, exists := g.forward[from][to]
	if !exists {
		return
	}
	w -= delta
	if w <= g.threshold {
		g.removeEdge(from, to)
		return
	}
	g.forward[from][to] = w
	g.backward[to][from] = w
}

// ApplyDecay multiplies every weight by (1 − decayFactor) and drops edges
// at or below the threshold. Atomic with respect to external observers.
func (g *Graph) ApplyDecay() {
	type deadEdge struct{ from, to int }
	var dead []deadEdge

	for from, edges := range g.forward {
		for to := range edges {
			w := edges[to] * (1 - g.decayFactor)
			if w <= g.threshold {
				dead = append(dead, deadEdge{from, to})
				continue
			}
			edges[to] = w
			g.backward[to][from] = w
		}
	}

	for _, e := range dead {
		g.removeEdge(e.from, e.to)
	}
}

// PredictDirect sums forward weights from every active source into a
// score per reachable target.
func (g *Graph) PredictDirect(activeIDs []int) map[int]float64 {
	scores := make(map[int]float64)
	for _, from := range activeIDs {
		for to, w := range g.forward[from] {
			scores[to] += w
		}
	}
	return scores
}

// PredictMultiHop explores successors up to maxDepth hops away,
// accumulating the product of edge weights along each path attenuated by
// decayPerHop for every hop beyond the first. A target reached through
// multiple paths keeps the best score.
func (g *Graph) PredictMultiHop(activeIDs []int, maxDepth int, decayPerHop float64) map[int]float64 {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	if decayPerHop <= 0 || decayPerHop > 1 {
		decayPerHop = DefaultDecayPerHop
	}

	scores := make(map[int]float64)

	type frontier struct {
		node    int
		product float64
	}

	for _, origin := range activeIDs {
		current := []frontier{{node: origin, product: 1}}
		hopFactor := 1.0

		for depth := 1; depth <= maxDepth && len(current) > 0; depth++ {
			if depth > 1 {
				hopFactor *= decayPerHop
			}
			var next []frontier
			for _, f := range current {
				for to, w := range g.forward[f.node] {
					if to == origin {
						continue
					}
					product := f.product * w
					score := product * hopFactor
					if score > scores[to] {
						scores[to] = score
					}
					next = append(next, frontier{node: to, product: product})
				}
			}
			current = next
		}
	}

	return scores
}

// RankPredictions flattens a score map into a deterministic ranking:
// higher score first, equal scores break on the lower group ID.
func RankPredictions(scores map[int]float64) []ScoredGroup {
	ranked := make([]ScoredGroup, 0, len(scores))
	for id, score := range scores {
		ranked = append(ranked, ScoredGroup{GroupID: id, Score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].GroupID < ranked[j].GroupID
	})
	return ranked
}

// ScoredGroup pairs a group ID with a prediction score.
type ScoredGroup struct {
	GroupID int     `json:"groupId"`
	Score   float64 `json:"score"`
}

// MergeNodes folds every edge of loser into winner, summing weights on
// collision, then removes loser from both sides entirely. Self-edges
// produced by the fold are discarded.
func (g *Graph) MergeNodes(winner, loser int) {
	if winner == loser {
		return
	}

	for to, w := range g.forward[loser] {
		g.removeEdge(loser, to)
		if to == winner {
			continue
		}
		if _, exists := g.forward[winner][to]; exists {
			g.forward[winner][to] += w
			g.backward[to][winner] += w
		} else {
			g.setEdge(winner, to, w)
		}
	}

	for from, w := range g.backward[loser] {
		g.removeEdge(from, loser)
		if from == winner {
			continue
		}
		if _, exists := g.forward[from][winner]; exists {
			g.forward[from][winner] += w
			g.backward[winner][from] += w
		} else {
			g.setEdge(from, winner, w)
		}
	}

	g.enforceCap(winner)
	g.stats.TotalMerged++
}

// RemoveGroup deletes every edge touching the given ID.
func (g *Graph) RemoveGroup(id int) {
	for to := range g.forward[id] {
		g.removeEdge(id, to)
	}
	for from := range g.backward[id] {
		g.removeEdge(from, id)
	}
	g.stats.TotalRemoved++
}

// setEdge inserts a brand-new edge into both mirrors.
func (g *Graph) setEdge(from, to int, w float64) {
	if g.forward[from] == nil {
		g.forward[from] = make(map[int]float64)
	}
	if g.backward[to] == nil {
		g.backward[to] = make(map[int]float64)
	}
	g.forward[from][to] = w
	g.backward[to][from] = w
	g.edgeCount++
}

// removeEdge deletes an edge from both mirrors, cleaning up empty maps.
func (g *Graph) removeEdge(from, to int) {
	if _, exists := g.forward[from][to]; !exists {
		return
	}
	delete(g.forward[from], to)
	if len(g.forward[from]) == 0 {
		delete(g.forward, from)
	}
	delete(g.backward[to], from)
	if len(g.backward[to]) == 0 {
		delete(g.backward, to)
	}
	g.edgeCount--
	g.stats.TotalPruned++
}

// enforceCap prunes the lowest-weight outgoing edges of a source until it
// is back at maxEdgesPerNode. Equal weights prune the lexicographically
// greater target ID.
func (g *Graph) enforceCap(from int) {
	edges := g.forward[from]
	for len(edges) > g.maxEdgesPerNode {
		victimTo := -1
		victimW := 0.0
		for to, w := range edges {
			if victimTo == -1 || w < victimW || (w == victimW && strconv.Itoa(to) > strconv.Itoa(victimTo)) {
				victimTo = to
				victimW = w
			}
		}
		g.removeEdge(from, victimTo)
	}
}
