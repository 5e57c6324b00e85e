package tokenizer

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/rawblock/pattern-engine/internal/bitset"
)

// Tokenizer — text to identity bitset
//
// The engine core only understands identity IDs in [0, U). This layer
// maps token strings onto those IDs with a grow-on-first-sight vocab:
// the first time a token is seen in learning mode it claims the next
// free identity, deterministically, so replaying the same corpus always
// yields the same encoding.
//
// The vocab is capped at the universe size. Once full, unseen tokens are
// dropped and counted — a capacity event, not an error. In non-learning
// mode the vocab is strictly read-only: unknown tokens are skipped,
// nothing is assigned, and the IDF tracker does not advance. The engine's
// learn:false purity invariant depends on this.
//
// The IDF tracker supplies the learner's novelty signal: identities that
// appear in few inputs carry more information when they finally show up.

// IDFTracker counts per-identity document frequency.
type IDFTracker struct {
	DocumentCount int         `json:"documentCount"`
	DocFreq       map[int]int `json:"docFreq"`
}

// NewIDFTracker creates an empty tracker.
func NewIDFTracker() *IDFTracker {
	return &IDFTracker{DocFreq: make(map[int]int)}
}

// Observe counts one document containing the given identities.
func (t *IDFTracker) Observe(ids []int) {
	t.DocumentCount++
	for _, id := range ids {
		t.DocFreq[id]++
	}
}

// Weight returns the inverse-document-frequency weight of an identity:
// log((1+N)/(1+df)). Unseen identities get the maximum weight.
func (t *IDFTracker) Weight(id int) float64 {
	return math.Log(float64(1+t.DocumentCount) / float64(1+t.DocFreq[id]))
}

// MeanWeight averages the IDF weight over a set of identities.
func (t *IDFTracker) MeanWeight(ids []int) float64 {
	if len(ids) == 0 {
		return 0
	}
	sum := 0.0
	for _, id := range ids {
		sum += t.Weight(id)
	}
	return sum / float64(len(ids))
}

// Stats counts capacity events.
type Stats struct {
	DroppedTokens int `json:"droppedTokens"`
}

// Tokenizer maps token strings onto identity IDs.
type Tokenizer struct {
	universe int
	vocab    map[string]int
	idf      *IDFTracker
	stats    Stats
}

// New creates a tokenizer over a universe of the given size.
func New(universe int) *Tokenizer {
	return &Tokenizer{
		universe: universe,
		vocab:    make(map[string]int),
		idf:      NewIDFTracker(),
	}
}

// VocabSize returns the number of assigned identities.
func (tk *Tokenizer) VocabSize() int {
	return len(tk.vocab)
}

// Universe returns the identity universe size.
func (tk *Tokenizer) Universe() int {
	return tk.universe
}

// IDF exposes the document-frequency tracker.
func (tk *Tokenizer) IDF() *IDFTracker {
	return tk.idf
}

// Stats returns a copy of the capacity-event counters.
func (tk *Tokenizer) Stats() Stats {
	return tk.stats
}

// Tokenize splits a text line into normalized tokens.
func Tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// Lookup returns the identity of a known token.
func (tk *Tokenizer) Lookup(token string) (int, bool) {
	id, ok := tk.vocab[strings.ToLower(token)]
	return id, ok
}

// TokenOf reverse-maps an identity to its token. Linear scan — only used
// on the read-only evaluation surface, never in the step pipeline.
func (tk *Tokenizer) TokenOf(id int) (string, bool) {
	for tok, tid := range tk.vocab {
		if tid == id {
			return tok, true
		}
	}
	return "", false
}

// Encode maps tokens onto an identity bitset. In learning mode unseen
// tokens claim the next free identity in encounter order; once the vocab
// fills the universe, further unseen tokens are dropped and counted.
// In non-learning mode unknown tokens are skipped and no state changes.
func (tk *Tokenizer) Encode(tokens []string, learn bool) (*bitset.Bitset, error) {
	bits := bitset.New(tk.universe)
	for _, raw := range tokens {
		token := strings.ToLower(raw)
		if token == "" {
			continue
		}
		id, known := tk.vocab[token]
		if !known {
			if !learn {
				continue
			}
			if len(tk.vocab) >= tk.universe {
				tk.stats.DroppedTokens++
				continue
			}
			id = len(tk.vocab)
			tk.vocab[token] = id
		}
		if err := bits.Add(id); err != nil {
			return nil, fmt.Errorf("vocab assigned out-of-universe identity: %w", err)
		}
	}

	if learn {
		tk.idf.Observe(bits.IDs())
	}
	return bits, nil
}

// EncodeText tokenizes and encodes a raw line in one call.
func (tk *Tokenizer) EncodeText(text string, learn bool) (*bitset.Bitset, error) {
	return tk.Encode(Tokenize(text), learn)
}

type tokenizerJSON struct {
	Universe int            `json:"universe"`
	Vocab    map[string]int `json:"vocab"`
	IDF      *IDFTracker    `json:"idf"`
	Stats    Stats          `json:"stats"`
}

// MarshalJSON serializes the vocab and IDF state.
func (tk *Tokenizer) MarshalJSON() ([]byte, error) {
	return json.Marshal(tokenizerJSON{
		Universe: tk.universe,
		Vocab:    tk.vocab,
		IDF:      tk.idf,
		Stats:    tk.stats,
	})
}

// UnmarshalJSON restores the tokenizer. Vocab entries outside the
// universe are a domain error.
func (tk *Tokenizer) UnmarshalJSON(data []byte) error {
	var wire tokenizerJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("failed to decode tokenizer: %w", err)
	}
	if wire.Universe <= 0 {
		return fmt.Errorf("invalid tokenizer universe %d", wire.Universe)
	}
	for token, id := range wire.Vocab {
		if id < 0 || id >= wire.Universe {
			return fmt.Errorf("vocab token %q maps outside universe [0, %d)", token, wire.Universe)
		}
	}

	restored := New(wire.Universe)
	if wire.Vocab != nil {
		restored.vocab = wire.Vocab
	}
	if wire.IDF != nil {
		restored.idf = wire.IDF
		if restored.idf.DocFreq == nil {
			restored.idf.DocFreq = make(map[int]int)
		}
	}
	restored.stats = wire.Stats

	*tk = *restored
	return nil
}
