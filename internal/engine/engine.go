package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/rawblock/pattern-engine/internal/attention"
	"github.com/rawblock/pattern-engine/internal/bitset"
	"github.com/rawblock/pattern-engine/internal/concerns"
	"github.com/rawblock/pattern-engine/internal/deduction"
	"github.com/rawblock/pattern-engine/internal/learner"
	"github.com/rawblock/pattern-engine/internal/store"
	"github.com/rawblock/pattern-engine/internal/tokenizer"
	"github.com/rawblock/pattern-engine/pkg/models"
)

// Engine — the per-step orchestration pipeline
//
// One Engine owns one complete learner state: tokenizer, group store,
// deduction graph, attention buffer, and persistent concerns. A step is:
//
//   encode → activate → strengthen transitions → predict → drift
//   memberships → maybe create → decay → admit surprise → emit metrics
//
// Engines are single-threaded by contract: Process is atomic with no
// internal suspension point, and concurrent callers must serialize
// externally (the session layer holds one mutex per engine). There is no
// process-wide state — every engine is fully self-contained, which is
// what makes one-engine-per-worker embedding safe.
//
// learn=false is a hard read-only mode: no counter, no vocab entry, no
// edge, no buffer item, not even the step counter moves. The greedy
// rollout scorer depends on this being exact.

// Options controls one Process call.
type Options struct {
	Learn  bool    `json:"learn"`
	Reward float64 `json:"reward"`
}

// Engine orchestrates the step pipeline over its owned components.
type Engine struct {
	cfg  Config
	step int64

	tokenizer *tokenizer.Tokenizer
	store     *store.Store
	graph     *deduction.Graph
	learner   *learner.Learner
	buffer    *attention.Buffer
	concerns  *concerns.Tracker

	prevActive []int

	alerts *AlertManager
	nowFn  func() int64
}

// New creates an engine from a validated configuration.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nowFn := func() int64 { return time.Now().UnixMilli() }
	return &Engine{
		cfg:       cfg,
		tokenizer: tokenizer.New(cfg.Universe),
		store:     store.New(cfg.Universe, cfg.MaxGroups, cfg.MaxGroupsPerIdentity, cfg.IndexEvictPolicy),
		graph:     deduction.New(cfg.GraphThreshold, cfg.MaxEdgesPerNode, cfg.DecayFactor),
		learner:   learner.New(cfg.Learner),
		buffer:    attention.New(cfg.BufferMaxItems, cfg.SurpriseWeight, cfg.RecurrenceWeight, cfg.RecencyDecay, nowFn),
		concerns:  concerns.New(cfg.MaxConcerns, cfg.MinRecurrence, cfg.MinSessions, cfg.BonusGrowth, nowFn),
		nowFn:     nowFn,
	}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Step returns the number of learning steps processed.
func (e *Engine) Step() int64 { return e.step }

// Tokenizer exposes the text encoder for the evaluation surface.
func (e *Engine) Tokenizer() *tokenizer.Tokenizer { return e.tokenizer }

// Store exposes the group store for the evaluation surface.
func (e *Engine) Store() *store.Store { return e.store }

// Graph exposes the deduction graph for the evaluation surface.
func (e *Engine) Graph() *deduction.Graph { return e.graph }

// Buffer exposes the attention buffer.
func (e *Engine) Buffer() *attention.Buffer { return e.buffer }

// Concerns exposes the persistent-concern tracker.
func (e *Engine) Concerns() *concerns.Tracker { return e.concerns }

// SetAlertManager wires an alert sink for high-surprise steps.
func (e *Engine) SetAlertManager(am *AlertManager) { e.alerts = am }

// SetClock injects a millisecond clock into the engine and its
// time-dependent components. Used by tests and after snapshot restore.
func (e *Engine) SetClock(nowFn func() int64) {
	if nowFn == nil {
		return
	}
	e.nowFn = nowFn
	e.buffer.SetClock(nowFn)
	e.concerns.SetClock(nowFn)
}

// ProcessText runs one step over a raw text line.
func (e *Engine) ProcessText(text string, opts Options) (models.Metrics, error) {
	return e.ProcessTokens(tokenizer.Tokenize(text), opts)
}

// ProcessTokens runs one step over pre-split tokens.
func (e *Engine) ProcessTokens(tokens []string, opts Options) (models.Metrics, error) {
	input, err := e.tokenizer.Encode(tokens, opts.Learn)
	if err != nil {
		return models.Metrics{}, err
	}
	return e.ProcessBits(input, opts)
}

// ProcessBits runs one step over a pre-built identity bitset.
func (e *Engine) ProcessBits(input *bitset.Bitset, opts Options) (models.Metrics, error) {
	if input == nil {
		return models.Metrics{}, fmt.Errorf("nil input bitset")
	}
	if input.Universe() != e.cfg.Universe {
		return models.Metrics{}, fmt.Errorf("input universe %d does not match engine universe %d",
			input.Universe(), e.cfg.Universe)
	}

	// 1–2. Candidates and activation (pure).
	act := e.learner.Activate(input, e.store)

	reward := e.cfg.BaseReward + e.cfg.RLPressure*opts.Reward

	// 3. Strengthen transitions from the previous active set.
	if opts.Learn && len(e.prevActive) > 0 {
		for _, p := range e.prevActive {
			for _, a := range act.ActiveIDs {
				e.graph.Strengthen(p, a, e.cfg.Eta*reward)
			}
		}
	}

	// 4. Predictions from the current active set (pure).
	predictions := e.predict(act.ActiveIDs)

	importance := e.stepImportance(input, act)
	created := 0

	// 5. Learning updates.
	if opts.Learn {
		if err := e.learner.UpdateMemberships(act, input, reward, e.store, e.step); err != nil {
			return models.Metrics{}, err
		}
		e.reapEmptyGroups(act)

		for _, ag := range act.Active {
			e.learner.UpdateSalience(ag.Group, importance)
		}

		if g, err := e.learner.MaybeCreateGroup(input, act, e.store, e.step); err != nil {
			return models.Metrics{}, err
		} else if g != nil {
			created = g.ID
		}

		if e.cfg.DecayEvery > 0 && e.step > 0 && e.step%int64(e.cfg.DecayEvery) == 0 {
			e.graph.ApplyDecay()
		}

		if input.Size() > 0 {
			ratio := float64(act.Surprise) / float64(input.Size())
			if ratio >= e.cfg.SurpriseAdmissionRatio {
				e.buffer.Add(input, act.Surprise, act.ActiveIDs)
				if e.alerts != nil {
					e.alerts.EmitFromStep(e.step, act.Surprise, input.Size(), act.ActiveIDs)
				}
			}
		}

		// 6. Advance the temporal context.
		e.prevActive = act.ActiveIDs
		e.step++
	}

	// 7. Metrics.
	return e.buildMetrics(input, act, predictions, importance, created), nil
}

// predict combines direct fan-out with multi-hop inference when the
// active set is small enough that one hop rarely reaches anything.
func (e *Engine) predict(activeIDs []int) []deduction.ScoredGroup {
	if len(activeIDs) == 0 {
		return nil
	}
	scores := e.graph.PredictDirect(activeIDs)
	if len(activeIDs) <= e.cfg.MultiHopActiveLimit && e.cfg.MaxHops > 1 {
		for id, s := range e.graph.PredictMultiHop(activeIDs, e.cfg.MaxHops, e.cfg.DecayPerHop) {
			if s > scores[id] {
				scores[id] = s
			}
		}
	}
	return deduction.RankPredictions(scores)
}

// stepImportance blends the novelty, utility, and stability signals of
// this step into the learner's clamped importance value.
func (e *Engine) stepImportance(input *bitset.Bitset, act learner.Activation) float64 {
	if input.Size() == 0 {
		return 0.1
	}

	// Novelty: IDF mass of the input squashed into [0, 1).
	rawNovelty := e.tokenizer.IDF().MeanWeight(input.IDs())
	novelty := 1 - 1/(1+math.Max(0, rawNovelty))

	utility := float64(act.Explained.Size()) / float64(input.Size())

	stability := 0.0
	if len(act.Active) > 0 {
		for _, ag := range act.Active {
			stability += learner.Stability(ag.Group)
		}
		stability /= float64(len(act.Active))
	}

	return e.learner.Importance(novelty, utility, stability)
}

// reapEmptyGroups deletes groups whose membership drifted to nothing,
// scrubbing them from the graph as well.
func (e *Engine) reapEmptyGroups(act learner.Activation) {
	for _, ag := range act.Active {
		if ag.Group.Members.IsEmpty() {
			_ = e.store.Delete(ag.Group.ID)
			e.graph.RemoveGroup(ag.Group.ID)
		}
	}
}

func (e *Engine) buildMetrics(input *bitset.Bitset, act learner.Activation,
	predictions []deduction.ScoredGroup, importance float64, created int) models.Metrics {

	actives := make([]models.ActiveGroup, 0, len(act.Active))
	for _, ag := range act.Active {
		actives = append(actives, models.ActiveGroup{
			ID:       ag.Group.ID,
			Salience: ag.Group.Salience,
			Score:    ag.Score,
		})
	}

	preds := make([]models.Prediction, 0, len(predictions))
	for _, p := range predictions {
		preds = append(preds, models.Prediction{GroupID: p.GroupID, Score: p.Score})
	}

	ids := make([]int, len(act.ActiveIDs))
	copy(ids, act.ActiveIDs)

	return models.Metrics{
		Step:           e.step,
		InputSize:      input.Size(),
		Surprise:       act.Surprise,
		Hallucination:  act.Hallucination,
		Importance:     importance,
		ActiveGroupIDs: ids,
		ActiveGroups:   actives,
		Predictions:    preds,
		GroupCreated:   created,
	}
}

// SessionEnd promotes recurring unresolved attention items into
// persistent concerns. Called by the embedder at save boundaries.
func (e *Engine) SessionEnd() int {
	return e.concerns.SessionEnd(e.buffer)
}

// SessionStart compounds concern persistence bonuses. Called by the
// embedder after a restore.
func (e *Engine) SessionStart() {
	e.concerns.SessionStart()
}
