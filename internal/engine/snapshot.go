package engine

import (
	"encoding/json"
	"fmt"

	"github.com/rawblock/pattern-engine/internal/attention"
	"github.com/rawblock/pattern-engine/internal/concerns"
	"github.com/rawblock/pattern-engine/internal/deduction"
	"github.com/rawblock/pattern-engine/internal/store"
	"github.com/rawblock/pattern-engine/internal/tokenizer"
	"github.com/rawblock/pattern-engine/pkg/models"
)

// Snapshot support. Every component serializes itself; the engine only
// assembles the versioned envelope and re-links clocks on restore.
// Restores are all-or-nothing: a malformed sub-payload fails before any
// engine state is touched.

// ToJSON serializes the full engine state into the persistence envelope.
func (e *Engine) ToJSON() (*models.Snapshot, error) {
	cfg, err := json.Marshal(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	tok, err := json.Marshal(e.tokenizer)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize tokenizer: %w", err)
	}
	st, err := json.Marshal(e.store)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize store: %w", err)
	}
	gr, err := json.Marshal(e.graph)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize graph: %w", err)
	}
	buf, err := json.Marshal(e.buffer)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize attention buffer: %w", err)
	}
	con, err := json.Marshal(e.concerns)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize concerns: %w", err)
	}

	return &models.Snapshot{
		Version:   models.SnapshotVersion,
		Step:      e.step,
		Config:    cfg,
		Tokenizer: tok,
		Store:     st,
		Graph:     gr,
		Buffer:    buf,
		Concerns:  con,
	}, nil
}

// FromJSON reconstructs an engine from a persistence envelope. Optional
// sections (buffer, concerns, tokenizer) default-initialize when absent
// so older snapshots stay loadable.
func FromJSON(snap *models.Snapshot) (*Engine, error) {
	if snap == nil {
		return nil, fmt.Errorf("nil snapshot")
	}
	if snap.Version > models.SnapshotVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported %d",
			snap.Version, models.SnapshotVersion)
	}

	var cfg Config
	if err := json.Unmarshal(snap.Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	e, err := New(cfg)
	if err != nil {
		return nil, err
	}
	e.step = snap.Step

	if len(snap.Tokenizer) > 0 {
		tk := &tokenizer.Tokenizer{}
		if err := json.Unmarshal(snap.Tokenizer, tk); err != nil {
			return nil, err
		}
		e.tokenizer = tk
	}

	st := &store.Store{}
	if err := json.Unmarshal(snap.Store, st); err != nil {
		return nil, err
	}
	e.store = st

	gr := &deduction.Graph{}
	if err := json.Unmarshal(snap.Graph, gr); err != nil {
		return nil, err
	}
	e.graph = gr

	if len(snap.Buffer) > 0 {
		buf := &attention.Buffer{}
		if err := json.Unmarshal(snap.Buffer, buf); err != nil {
			return nil, err
		}
		e.buffer = buf
	}

	if len(snap.Concerns) > 0 {
		con := &concerns.Tracker{}
		if err := json.Unmarshal(snap.Concerns, con); err != nil {
			return nil, err
		}
		e.concerns = con
	}

	// Restored components carry a frozen clock; re-link the live one.
	e.SetClock(e.nowFn)
	return e, nil
}

// MarshalSnapshot serializes the engine to raw bytes in one call.
func (e *Engine) MarshalSnapshot() ([]byte, error) {
	snap, err := e.ToJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(snap)
}

// UnmarshalSnapshot reconstructs an engine from raw snapshot bytes.
// Unknown top-level keys in the payload are ignored.
func UnmarshalSnapshot(data []byte) (*Engine, error) {
	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot envelope: %w", err)
	}
	return FromJSON(&snap)
}
