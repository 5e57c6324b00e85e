package engine

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

// Trainer feeds a line corpus through an engine asynchronously. It
// provides the retroactive bulk learning that complements the per-message
// session path: a saved corpus can be replayed into a fresh session, with
// progress observable while it runs.
//
// The engine itself is single-threaded, so the trainer takes the same
// lock the session layer uses for interactive messages; each line is one
// atomic step and interactive traffic interleaves between lines.
type Trainer struct {
	engine *Engine
	lock   sync.Locker

	currentLine   atomic.Int64
	totalLines    atomic.Int64
	totalSurprise atomic.Int64
	groupsCreated atomic.Int64
	isRunning     atomic.Bool
}

// TrainProgress is the trainer's observable state.
type TrainProgress struct {
	IsRunning     bool  `json:"isRunning"`
	CurrentLine   int64 `json:"currentLine"`
	TotalLines    int64 `json:"totalLines"`
	TotalSurprise int64 `json:"totalSurprise"`
	GroupsCreated int64 `json:"groupsCreated"`
}

// NewTrainer wraps an engine and the lock that serializes access to it.
func NewTrainer(engine *Engine, lock sync.Locker) *Trainer {
	return &Trainer{engine: engine, lock: lock}
}

// GetProgress returns the current training progress (thread-safe).
func (t *Trainer) GetProgress() TrainProgress {
	return TrainProgress{
		IsRunning:     t.isRunning.Load(),
		CurrentLine:   t.currentLine.Load(),
		TotalLines:    t.totalLines.Load(),
		TotalSurprise: t.totalSurprise.Load(),
		GroupsCreated: t.groupsCreated.Load(),
	}
}

// Run processes the corpus asynchronously with the given reward. A
// second Run while one is in flight is ignored.
func (t *Trainer) Run(ctx context.Context, lines []string, reward float64) bool {
	if !t.isRunning.CompareAndSwap(false, true) {
		log.Println("[Trainer] Training already in progress, ignoring duplicate request")
		return false
	}

	t.currentLine.Store(0)
	t.totalLines.Store(int64(len(lines)))
	t.totalSurprise.Store(0)
	t.groupsCreated.Store(0)

	go func() {
		defer t.isRunning.Store(false)

		log.Printf("[Trainer] Starting corpus training: %d lines", len(lines))

		for i, line := range lines {
			select {
			case <-ctx.Done():
				log.Printf("[Trainer] Training cancelled at line %d", i)
				return
			default:
			}

			t.lock.Lock()
			metrics, err := t.engine.ProcessText(line, Options{Learn: true, Reward: reward})
			groupTotal := t.engine.Store().Size()
			t.lock.Unlock()
			if err != nil {
				log.Printf("[Trainer] Error at line %d: %v", i, err)
				continue
			}

			t.currentLine.Store(int64(i + 1))
			t.totalSurprise.Add(int64(metrics.Surprise))
			if metrics.GroupCreated != 0 {
				t.groupsCreated.Add(1)
			}

			if (i+1)%500 == 0 {
				log.Printf("[Trainer] Progress: line %d/%d | groups %d | cumulative surprise %d",
					i+1, len(lines), groupTotal, t.totalSurprise.Load())
			}
		}

		t.lock.Lock()
		edgeTotal := t.engine.Graph().EdgeCount()
		t.lock.Unlock()
		log.Printf("[Trainer] Training complete: %d lines, %d groups created, %d edges learned",
			len(lines), t.groupsCreated.Load(), edgeTotal)
	}()

	return true
}
