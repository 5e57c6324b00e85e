package bitset

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

// Identity Bitset — the input universe primitive
//
// Every input the engine sees is a sparse set of identity IDs drawn from
// a fixed universe [0, U). Groups store their membership as the same
// structure, so candidate lookup, explained/surprise accounting and
// hallucination detection all reduce to bitmap algebra.
//
// Backed by a compressed roaring bitmap:
//   - Add/Remove/Has: O(1) amortized
//   - AND/OR/ANDNOT: proportional to container count, not universe size
//   - Space: compressed runs for dense regions, arrays for sparse ones
//
// The 64-bit fingerprint is a content hash over the ascending bit
// sequence. Equal sets always produce equal fingerprints; collisions are
// tolerated by every consumer (recurrence counting, concern keying).

const (
	// fnvOffset and fnvPrime are the FNV-1a 64-bit parameters used for
	// the content fingerprint.
	fnvOffset uint64 = 14695981039346656037
	fnvPrime  uint64 = 1099511628211
)

// Bitset is a set of identity IDs over a fixed universe [0, U).
type Bitset struct {
	universe int
	bits     *roaring.Bitmap
}

// New creates an empty Bitset over a universe of the given size.
func New(universe int) *Bitset {
	return &Bitset{
		universe: universe,
		bits:     roaring.New(),
	}
}

// FromIDs builds a Bitset from a slice of identity IDs.
// Any ID outside [0, universe) is a domain error and no Bitset is returned.
func FromIDs(ids []int, universe int) (*Bitset, error) {
	b := New(universe)
	for _, id := range ids {
		if err := b.Add(id); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Universe returns the universe size this set was created with.
func (b *Bitset) Universe() int {
	return b.universe
}

// Add inserts an identity ID. IDs outside [0, U) are rejected.
func (b *Bitset) Add(id int) error {
	if id < 0 || id >= b.universe {
		return fmt.Errorf("identity %d outside universe [0, %d)", id, b.universe)
	}
	b.bits.Add(uint32(id))
	return nil
}

// Remove drops an identity ID. Removing an absent ID is a no-op.
func (b *Bitset) Remove(id int) error {
	if id < 0 || id >= b.universe {
		return fmt.Errorf("identity %d outside universe [0, %d)", id, b.universe)
	}
	b.bits.Remove(uint32(id))
	return nil
}

// Has reports whether the identity ID is present.
func (b *Bitset) Has(id int) bool {
	if id < 0 || id >= b.universe {
		return false
	}
	return b.bits.Contains(uint32(id))
}

// Size returns the population count.
func (b *Bitset) Size() int {
	return int(b.bits.GetCardinality())
}

// IsEmpty reports whether the set has no members.
func (b *Bitset) IsEmpty() bool {
	return b.bits.IsEmpty()
}

// IDs returns every member in ascending order.
func (b *Bitset) IDs() []int {
	raw := b.bits.ToArray()
	ids := make([]int, len(raw))
	for i, v := range raw {
		ids[i] = int(v)
	}
	return ids
}

// Iterate walks the members in ascending order, stopping early when fn
// returns false. Each call starts a fresh pass.
func (b *Bitset) Iterate(fn func(id int) bool) {
	it := b.bits.Iterator()
	for it.HasNext() {
		if !fn(int(it.Next())) {
			return
		}
	}
}

// Clone returns an independent copy.
func (b *Bitset) Clone() *Bitset {
	return &Bitset{
		universe: b.universe,
		bits:     b.bits.Clone(),
	}
}

// And returns a new Bitset containing the intersection.
func (b *Bitset) And(other *Bitset) *Bitset {
	return &Bitset{
		universe: b.universe,
		bits:     roaring.And(b.bits, other.bits),
	}
}

// Or returns a new Bitset containing the union.
func (b *Bitset) Or(other *Bitset) *Bitset {
	return &Bitset{
		universe: b.universe,
		bits:     roaring.Or(b.bits, other.bits),
	}
}

// AndNot returns a new Bitset containing members of b absent from other.
func (b *Bitset) AndNot(other *Bitset) *Bitset {
	return &Bitset{
		universe: b.universe,
		bits:     roaring.AndNot(b.bits, other.bits),
	}
}

// Equals reports whether both sets have identical universe and members.
func (b *Bitset) Equals(other *Bitset) bool {
	if other == nil {
		return false
	}
	return b.universe == other.universe && b.bits.Equals(other.bits)
}

// Hash64 returns a deterministic 64-bit fingerprint of the bit pattern.
// Equal sets always hash equal; the converse is probabilistic.
func (b *Bitset) Hash64() uint64 {
	h := fnvOffset
	it := b.bits.Iterator()
	for it.HasNext() {
		v := it.Next()
		for shift := 0; shift < 32; shift += 8 {
			h ^= uint64(byte(v >> shift))
			h *= fnvPrime
		}
	}
	return h
}

// bitsetJSON is the wire form: the universe size plus the ascending ID list.
type bitsetJSON struct {
	Universe int   `json:"universe"`
	IDs      []int `json:"ids"`
}

// MarshalJSON encodes the set as {"universe": U, "ids": [...]}.
func (b *Bitset) MarshalJSON() ([]byte, error) {
	ids := b.IDs()
	sort.Ints(ids) // ToArray is ascending already; keep the contract explicit
	return json.Marshal(bitsetJSON{Universe: b.universe, IDs: ids})
}

// UnmarshalJSON restores a set from its wire form. Out-of-universe IDs in
// the payload are a domain error and leave the receiver untouched.
func (b *Bitset) UnmarshalJSON(data []byte) error {
	var wire bitsetJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("failed to decode bitset: %w", err)
	}
	if wire.Universe <= 0 {
		return fmt.Errorf("invalid bitset universe %d", wire.Universe)
	}
	restored, err := FromIDs(wire.IDs, wire.Universe)
	if err != nil {
		return err
	}
	b.universe = restored.universe
	b.bits = restored.bits
	return nil
}
