package bitset

import (
	"encoding/json"
	"math/rand"
	"testing"
)

func mustFromIDs(t *testing.T, ids []int, universe int) *Bitset {
	t.Helper()
	b, err := FromIDs(ids, universe)
	if err != nil {
		t.Fatalf("FromIDs(%v) returned error: %v", ids, err)
	}
	return b
}

func TestAddRemoveHas(t *testing.T) {
	b := New(100)

	if err := b.Add(42); err != nil {
		t.Fatalf("Add(42) failed: %v", err)
	}
	if !b.Has(42) {
		t.Errorf("Expected Has(42) after Add")
	}
	if b.Size() != 1 {
		t.Errorf("Expected size 1, got %d", b.Size())
	}

	if err := b.Remove(42); err != nil {
		t.Fatalf("Remove(42) failed: %v", err)
	}
	if b.Has(42) {
		t.Errorf("Expected Has(42) false after Remove")
	}
	if !b.IsEmpty() {
		t.Errorf("Expected empty set after removing the only member")
	}
}

func TestOutOfUniverseIsDomainError(t *testing.T) {
	b := New(10)

	if err := b.Add(10); err == nil {
		t.Errorf("Expected domain error adding id == universe")
	}
	if err := b.Add(-1); err == nil {
		t.Errorf("Expected domain error adding negative id")
	}
	if err := b.Remove(10); err == nil {
		t.Errorf("Expected domain error removing id == universe")
	}
	if b.Has(10) {
		t.Errorf("Has on out-of-universe id must be false")
	}
	if _, err := FromIDs([]int{1, 2, 99}, 10); err == nil {
		t.Errorf("Expected domain error from FromIDs with out-of-universe id")
	}
}

func TestSetAlgebraIdentities(t *testing.T) {
	// |a ∪ b| = |a| + |b| − |a ∩ b| and (a \ b) ∩ b = ∅ over random pairs.
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 50; trial++ {
		a := New(1000)
		b := New(1000)
		for i := 0; i < 80; i++ {
			_ = a.Add(rng.Intn(1000))
			_ = b.Add(rng.Intn(1000))
		}

		union := a.Or(b)
		inter := a.And(b)
		if union.Size() != a.Size()+b.Size()-inter.Size() {
			t.Fatalf("trial %d: |a∪b|=%d but |a|+|b|−|a∩b|=%d",
				trial, union.Size(), a.Size()+b.Size()-inter.Size())
		}

		if leak := a.AndNot(b).And(b); leak.Size() != 0 {
			t.Fatalf("trial %d: (a\\b)∩b has %d members, want 0", trial, leak.Size())
		}
	}
}

func TestIterateAscendingAndRestartable(t *testing.T) {
	b := mustFromIDs(t, []int{50, 3, 17, 999, 400}, 1000)

	var first []int
	b.Iterate(func(id int) bool {
		first = append(first, id)
		return true
	})

	want := []int{3, 17, 50, 400, 999}
	if len(first) != len(want) {
		t.Fatalf("Expected %d members, got %d", len(want), len(first))
	}
	for i, id := range want {
		if first[i] != id {
			t.Errorf("position %d: got %d, want %d", i, first[i], id)
		}
	}

	// A second pass starts from the beginning.
	count := 0
	b.Iterate(func(id int) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Errorf("Expected early stop after 2 members, visited %d", count)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ids  []int
	}{
		{"Empty", nil},
		{"Single", []int{0}},
		{"Sparse", []int{1, 500, 9999}},
		{"Dense run", []int{10, 11, 12, 13, 14, 15}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := mustFromIDs(t, tt.ids, 10000)

			data, err := json.Marshal(orig)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}

			restored := &Bitset{}
			if err := json.Unmarshal(data, restored); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}

			if !orig.Equals(restored) {
				t.Errorf("Round-trip changed membership: %v vs %v", orig.IDs(), restored.IDs())
			}
			if restored.Universe() != 10000 {
				t.Errorf("Round-trip lost universe: got %d", restored.Universe())
			}
		})
	}
}

func TestHash64EqualContentsEqualHash(t *testing.T) {
	a := mustFromIDs(t, []int{5, 80, 301}, 1000)

	// Built in a different insertion order, same contents.
	b := New(1000)
	_ = b.Add(301)
	_ = b.Add(5)
	_ = b.Add(80)

	if a.Hash64() != b.Hash64() {
		t.Errorf("Equal sets must have equal fingerprints: %x vs %x", a.Hash64(), b.Hash64())
	}

	c := mustFromIDs(t, []int{5, 80, 302}, 1000)
	if a.Hash64() == c.Hash64() {
		t.Errorf("Distinct small sets should not collide in this test vector")
	}

	if New(1000).Hash64() != New(1000).Hash64() {
		t.Errorf("Empty sets must hash equal")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	a := mustFromIDs(t, []int{1, 2, 3}, 100)
	b := a.Clone()

	_ = b.Add(50)
	if a.Has(50) {
		t.Errorf("Mutating a clone must not affect the original")
	}
	if b.Size() != 4 || a.Size() != 3 {
		t.Errorf("Unexpected sizes after clone mutation: a=%d b=%d", a.Size(), b.Size())
	}
}
