package eval

import (
	"fmt"
	"log"

	"github.com/rawblock/pattern-engine/internal/engine"
)

// Shadow evaluation
//
// No configuration change affects a production engine directly. A
// candidate config runs in "shadow mode": a second engine learns the
// same corpus in parallel and the per-step surprise series of both are
// compared. Only when the shadow's compression wins over a full
// observation window does the candidate graduate.

// ShadowRunner trains a production and a shadow configuration on the
// same corpus and reports the divergence.
type ShadowRunner struct {
	production *engine.Engine
	shadow     *engine.Engine
}

// ShadowResult captures the diff between production and shadow configs.
type ShadowResult struct {
	Lines              int          `json:"lines"`
	ProductionSurprise SummaryStats `json:"productionSurprise"`
	ShadowSurprise     SummaryStats `json:"shadowSurprise"`
	ProductionGroups   int          `json:"productionGroups"`
	ShadowGroups       int          `json:"shadowGroups"`
	ProductionEdges    int          `json:"productionEdges"`
	ShadowEdges        int          `json:"shadowEdges"`
	// ShadowWins is true when the shadow config explains the corpus
	// better (lower mean surprise ratio).
	ShadowWins bool `json:"shadowWins"`
}

// NewShadowRunner creates a runner over two engine configurations.
func NewShadowRunner(productionCfg, shadowCfg engine.Config) (*ShadowRunner, error) {
	prod, err := engine.New(productionCfg)
	if err != nil {
		return nil, fmt.Errorf("production config rejected: %w", err)
	}
	shad, err := engine.New(shadowCfg)
	if err != nil {
		return nil, fmt.Errorf("shadow config rejected: %w", err)
	}
	return &ShadowRunner{production: prod, shadow: shad}, nil
}

// Run feeds the corpus through both engines and summarizes the
// per-line surprise ratios.
func (sr *ShadowRunner) Run(lines []string) (*ShadowResult, error) {
	prodRatios := make([]float64, 0, len(lines))
	shadRatios := make([]float64, 0, len(lines))

	for i, line := range lines {
		pm, err := sr.production.ProcessText(line, engine.Options{Learn: true})
		if err != nil {
			return nil, fmt.Errorf("production engine failed at line %d: %w", i, err)
		}
		sm, err := sr.shadow.ProcessText(line, engine.Options{Learn: true})
		if err != nil {
			return nil, fmt.Errorf("shadow engine failed at line %d: %w", i, err)
		}

		if pm.InputSize > 0 {
			prodRatios = append(prodRatios, float64(pm.Surprise)/float64(pm.InputSize))
			shadRatios = append(shadRatios, float64(sm.Surprise)/float64(sm.InputSize))
		}
	}

	result := &ShadowResult{
		Lines:              len(lines),
		ProductionSurprise: Summarize(prodRatios),
		ShadowSurprise:     Summarize(shadRatios),
		ProductionGroups:   sr.production.Store().Size(),
		ShadowGroups:       sr.shadow.Store().Size(),
		ProductionEdges:    sr.production.Graph().EdgeCount(),
		ShadowEdges:        sr.shadow.Graph().EdgeCount(),
	}
	result.ShadowWins = result.ShadowSurprise.Mean < result.ProductionSurprise.Mean

	log.Printf("[Shadow] %d lines | production surprise %.3f | shadow surprise %.3f | shadow wins: %v",
		result.Lines, result.ProductionSurprise.Mean, result.ShadowSurprise.Mean, result.ShadowWins)
	return result, nil
}
