package retrieval

import (
	"context"
	"strings"

	"github.com/rattsdata/rattsvar/internal/observability"
	"github.com/rattsdata/rattsvar/pkg/models"
)

// Escalation steps. Each step widens the search; D never searches again, it
// keeps C's results and decides whether to abstain.
const (
	stepA = "A"
	stepB = "B"
	stepC = "C"
	stepD = "D"
)

// searchAdaptive runs the confidence-driven escalation loop: start cheap,
// widen only while signal thresholds are breached, and apply the no-answer
// policy after the final step.
func (r *Retriever) searchAdaptive(ctx context.Context, req Request) (*Result, error) {
	maxSteps := r.cfg.MaxEscalationSteps
	if maxSteps <= 0 || maxSteps > 4 {
		maxSteps = 4
	}
	allCollections := r.vcfg.AllCollections
	if len(allCollections) == 0 {
		allCollections = req.Collections
	}

	steps := []struct {
		name        string
		variants    int
		k           int
		collections []string
	}{
		{stepA, 2, req.K, req.Collections},
		{stepB, 2, req.K * 2, allCollections},
		{stepC, 3, req.K * 2, allCollections},
	}

	var (
		res     *Result
		signals *models.ConfidenceSignals
		path    []string
		reasons []string
	)

	for i, step := range steps {
		if i >= maxSteps {
			break
		}

		stepRes, err := r.ragFusion(ctx, req, step.variants, step.k, step.collections)
		if err != nil {
			if res != nil {
				// A later step failing never discards earlier results.
				r.logger.Warn().Err(err).Str("step", step.name).Msg("escalation step failed, keeping previous results")
				break
			}
			return nil, err
		}
		res = stepRes
		path = append(path, step.name)

		signals = computeSignals(res.Hits, res.Plan, res.Metrics.Fusion)
		breaches := breachedThresholds(signals, len(res.Plan.MustInclude) > 0)
		if len(breaches) == 0 {
			reasons = append(reasons, step.name+": confident")
			break
		}
		reasons = append(reasons, step.name+": "+strings.Join(breaches, ","))

		observability.LogEvent(r.logger, observability.EventEscalation, map[string]any{
			"step":       step.name,
			"breaches":   breaches,
			"confidence": signals.OverallConfidence,
		})
	}

	finalStep := path[len(path)-1]

	// Step D: thresholds still breached after the widest search we ran.
	stillBreached := len(breachedThresholds(signals, len(res.Plan.MustInclude) > 0)) > 0
	if stillBreached {
		path = append(path, stepD)
		finalStep = stepD
		signals.Tier = models.TierVeryLow
		applyAbstentionPolicy(signals)
		if signals.ShouldAbstain {
			reasons = append(reasons, "D: abstain:"+signals.AbstainReason)
			observability.LogEvent(r.logger, observability.EventAbstained, map[string]any{
				"reason": signals.AbstainReason,
			})
		} else {
			reasons = append(reasons, "D: degraded")
		}
	}

	res.Metrics.Adaptive = true
	res.Metrics.EscalationPath = path
	res.Metrics.ReasonCodes = reasons
	res.Metrics.FinalStep = finalStep
	res.Metrics.Signals = signals

	for i := range res.Hits {
		res.Hits[i].Retriever = "adaptive"
	}
	return res, nil
}
