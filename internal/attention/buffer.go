package attention

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/rawblock/pattern-engine/internal/bitset"
)

// Attention Buffer — unresolved high-surprise inputs, ranked
//
// When a step leaves a large fraction of the input unexplained, the
// input is worth revisiting: it is either noise or a pattern the store
// has not learned yet. The buffer retains those inputs with a priority
// that rewards dense surprise and recurrence and decays with age:
//
//   priority = surpriseWeight · (surprise/inputSize)
//            · (1 + recurrenceWeight · recurrence)
//            · recencyDecay^⌊age_ms / 60 000⌋
//
// Recurrence is counted by content fingerprint: a re-observed input
// bumps every retained item sharing its hash, so repeated mysteries
// outrank one-off noise.
//
// Bounded memory: exceeding maxItems evicts the lowest-priority item on
// insertion, never by sweep. Time is injected so recency behavior is
// reproducible in tests.

const (
	DefaultMaxItems         = 10000
	DefaultSurpriseWeight   = 1.0
	DefaultRecurrenceWeight = 0.5
	DefaultRecencyDecay     = 0.95
)

// Item is a retained surprising input.
type Item struct {
	InputBits       *bitset.Bitset `json:"inputBits"`
	InputHash       uint64         `json:"inputHash"`
	Surprise        int            `json:"surprise"`
	InputSize       int            `json:"inputSize"`
	ContextGroupIDs []int          `json:"contextGroupIds"`
	Timestamp       int64          `json:"timestamp"` // unix ms
	Recurrence      int            `json:"recurrence"`
	Priority        float64        `json:"priority"`
	Resolved        bool           `json:"resolved"`
}

// Stats counts capacity events.
type Stats struct {
	TotalEvicted  int `json:"totalEvicted"`
	TotalResolved int `json:"totalResolved"`
}

// Buffer is a bounded priority queue of surprising inputs.
type Buffer struct {
	maxItems         int
	surpriseWeight   float64
	recurrenceWeight float64
	recencyDecay     float64

	items  []*Item
	byHash map[uint64]int // hash → live item count
	stats  Stats

	nowFn func() int64
}

// New creates an empty buffer. Non-positive parameters, and a
// recencyDecay above 1, select defaults.
// nowFn supplies the clock in unix milliseconds and must not be nil.
func New(maxItems int, surpriseWeight, recurrenceWeight, recencyDecay float64, nowFn func() int64) *Buffer {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	if surpriseWeight <= 0 {
		surpriseWeight = DefaultSurpriseWeight
	}
	if recurrenceWeight <= 0 {
		recurrenceWeight = DefaultRecurrenceWeight
	}
	if recencyDecay <= 0 || recencyDecay > 1 {
		recencyDecay = DefaultRecencyDecay
	}
	return &Buffer{
		maxItems:         maxItems,
		surpriseWeight:   surpriseWeight,
		recurrenceWeight: recurrenceWeight,
		recencyDecay:     recencyDecay,
		byHash:           make(map[uint64]int),
		nowFn:            nowFn,
	}
}

// Size returns the number of retained items, resolved included.
func (b *Buffer) Size() int {
	return len(b.items)
}

// Stats returns a copy of the capacity-event counters.
func (b *Buffer) Stats() Stats {
	return b.stats
}

// Items returns the retained items ordered by descending priority.
func (b *Buffer) Items() []*Item {
	out := make([]*Item, len(b.items))
	copy(out, b.items)
	return out
}

// Add retains a surprising input. Items already holding the same content
// fingerprint count as recurrence and have their own recurrence bumped.
// When the buffer is full the lowest-priority item is evicted.
func (b *Buffer) Add(input *bitset.Bitset, surprise int, contextGroupIDs []int) *Item {
	now := b.nowFn()
	hash := input.Hash64()

	recurrence := b.byHash[hash]
	for _, it := range b.items {
		if it.InputHash == hash {
			it.Recurrence++
		}
	}

	ctx := make([]int, len(contextGroupIDs))
	copy(ctx, contextGroupIDs)

	item := &Item{
		InputBits:       input.Clone(),
		InputHash:       hash,
		Surprise:        surprise,
		InputSize:       input.Size(),
		ContextGroupIDs: ctx,
		Timestamp:       now,
		Recurrence:      recurrence,
	}
	item.Priority = b.priorityOf(item, now)

	b.items = append(b.items, item)
	b.byHash[hash]++
	b.sortByPriority()

	if len(b.items) > b.maxItems {
		b.evictLowest()
	}

	return item
}

// GetTopProblems re-applies recency decay to every priority, re-sorts,
// and returns up to n unresolved items in descending priority order.
func (b *Buffer) GetTopProblems(n int) []*Item {
	now := b.nowFn()
	for _, it := range b.items {
		it.Priority = b.priorityOf(it, now)
	}
	b.sortByPriority()

	out := make([]*Item, 0, n)
	for _, it := range b.items {
		if it.Resolved {
			continue
		}
		out = append(out, it)
		if len(out) == n {
			break
		}
	}
	return out
}

// MarkResolved flags an item; it stays in the buffer until compaction.
func (b *Buffer) MarkResolved(item *Item) {
	if item != nil && !item.Resolved {
		item.Resolved = true
		b.stats.TotalResolved++
	}
}

// ClearResolved compacts resolved items out of the buffer.
func (b *Buffer) ClearResolved() int {
	kept := b.items[:0]
	removed := 0
	for _, it := range b.items {
		if it.Resolved {
			b.dropHash(it.InputHash)
			removed++
			continue
		}
		kept = append(kept, it)
	}
	b.items = kept
	return removed
}

// priorityOf computes the ranking priority of an item at a given time.
func (b *Buffer) priorityOf(it *Item, now int64) float64 {
	if it.InputSize == 0 {
		return 0
	}
	ageMinutes := float64((now - it.Timestamp) / 60000)
	if ageMinutes < 0 {
		ageMinutes = 0
	}
	recency := math.Pow(b.recencyDecay, ageMinutes)
	density := float64(it.Surprise) / float64(it.InputSize)
	return b.surpriseWeight * density * (1 + b.recurrenceWeight*float64(it.Recurrence)) * recency
}

// sortByPriority orders descending priority; ties break on newer first,
// then insertion stability.
func (b *Buffer) sortByPriority() {
	sort.SliceStable(b.items, func(i, j int) bool {
		if b.items[i].Priority != b.items[j].Priority {
			return b.items[i].Priority > b.items[j].Priority
		}
		return b.items[i].Timestamp > b.items[j].Timestamp
	})
}

// evictLowest drops the tail item (lowest priority after sorting).
func (b *Buffer) evictLowest() {
	last := b.items[len(b.items)-1]
	b.items = b.items[:len(b.items)-1]
	b.dropHash(last.InputHash)
	b.stats.TotalEvicted++
}

func (b *Buffer) dropHash(hash uint64) {
	if n := b.byHash[hash]; n <= 1 {
		delete(b.byHash, hash)
	} else {
		b.byHash[hash] = n - 1
	}
}

type bufferJSON struct {
	MaxItems         int     `json:"maxItems"`
	SurpriseWeight   float64 `json:"surpriseWeight"`
	RecurrenceWeight float64 `json:"recurrenceWeight"`
	RecencyDecay     float64 `json:"recencyDecay"`
	Items            []*Item `json:"items"`
	Stats            Stats   `json:"stats"`
}

// MarshalJSON serializes configuration, items, and counters.
func (b *Buffer) MarshalJSON() ([]byte, error) {
	return json.Marshal(bufferJSON{
		MaxItems:         b.maxItems,
		SurpriseWeight:   b.surpriseWeight,
		RecurrenceWeight: b.recurrenceWeight,
		RecencyDecay:     b.recencyDecay,
		Items:            b.items,
		Stats:            b.stats,
	})
}

// UnmarshalJSON restores a buffer. The clock falls back to a frozen zero
// source; the owner re-injects the real clock after restore.
func (b *Buffer) UnmarshalJSON(data []byte) error {
	var wire bufferJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("failed to decode attention buffer: %w", err)
	}

	restored := New(wire.MaxItems, wire.SurpriseWeight, wire.RecurrenceWeight, wire.RecencyDecay,
		func() int64 { return 0 })
	restored.stats = wire.Stats
	for _, it := range wire.Items {
		if it == nil || it.InputBits == nil {
			return fmt.Errorf("attention item payload missing input bits")
		}
		restored.items = append(restored.items, it)
		restored.byHash[it.InputHash]++
	}
	restored.sortByPriority()

	*b = *restored
	return nil
}

// SetClock re-injects the millisecond clock after a restore.
func (b *Buffer) SetClock(nowFn func() int64) {
	if nowFn != nil {
		b.nowFn = nowFn
	}
}
