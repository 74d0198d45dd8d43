package retrieval

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rattsdata/rattsvar/internal/query"
	"github.com/rattsdata/rattsvar/pkg/models"
)

// Route is one row of the intent routing table.
type Route struct {
	Primary           []string `yaml:"primary"`
	Support           []string `yaml:"support"`
	Secondary         []string `yaml:"secondary"`
	SecondaryBudget   int      `yaml:"secondary_budget"`
	RequireSeparation bool     `yaml:"require_separation"`
}

// RoutingTable maps intents to collection routes. Read-only after startup.
type RoutingTable map[query.Intent]Route

// DefaultRoutingTable is the compiled-in routing policy.
func DefaultRoutingTable() RoutingTable {
	return RoutingTable{
		query.IntentSmalltalk: {},
		query.IntentAbbreviation: {
			Primary: []string{"lagtext"},
		},
		query.IntentLegalText: {
			Primary: []string{"lagtext"},
			Support: []string{"forarbeten"},
		},
		query.IntentParliamentTrace: {
			Primary: []string{"riksdagstryck"},
			Support: []string{"forarbeten"},
		},
		query.IntentPolicyArguments: {
			Primary:           []string{"forarbeten", "riksdagstryck"},
			Secondary:         []string{"forskning"},
			SecondaryBudget:   2,
			RequireSeparation: true,
		},
		query.IntentResearchSynthesis: {
			Primary:           []string{"forskning"},
			Support:           []string{"myndighetsvagledning"},
			RequireSeparation: true,
		},
		query.IntentPracticalProcess: {
			Primary: []string{"myndighetsvagledning"},
			Support: []string{"lagtext"},
		},
		query.IntentClarification: {
			Primary: []string{"lagtext", "forarbeten"},
		},
		query.IntentUnknown: {
			Primary:         []string{"lagtext", "forarbeten", "riksdagstryck"},
			Secondary:       []string{"forskning"},
			SecondaryBudget: 1,
		},
	}
}

// LoadRoutingTable reads a routing policy from a YAML file. Intents absent
// from the file keep their compiled-in route.
func LoadRoutingTable(path string) (RoutingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing table: %w", err)
	}
	var overrides map[query.Intent]Route
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse routing table: %w", err)
	}

	table := DefaultRoutingTable()
	for intent, route := range overrides {
		if _, known := table[intent]; !known {
			return nil, fmt.Errorf("routing table names unknown intent %q", intent)
		}
		table[intent] = route
	}
	return table, nil
}

// searchWithRouting is the two-pass intent-routed strategy. Pass one covers
// primary and support collections; pass two, run only when the route grants
// a secondary budget, is capped at that many contributions. Results keep a
// stable tier order: A, then B, then C; within a tier by score.
func (r *Retriever) searchWithRouting(ctx context.Context, req Request) (*Result, error) {
	intentRes := r.processor.ClassifyIntent(req.Query)
	route, ok := r.routes[intentRes.Intent]
	if !ok {
		route = r.routes[query.IntentUnknown]
	}

	routing := &models.RoutingInfo{
		Primary:         route.Primary,
		Support:         route.Support,
		Secondary:       route.Secondary,
		SecondaryBudget: route.SecondaryBudget,
	}

	// Smalltalk skips retrieval entirely.
	if len(route.Primary) == 0 {
		return &Result{
			Intent:  intentRes.Intent,
			Routing: routing,
			Plan:    models.QueryPlan{Original: req.Query, Standalone: req.Query},
			Metrics: &models.RetrievalMetrics{Strategy: "epr_routing"},
		}, nil
	}

	tierOf := make(map[string]string)
	for _, c := range route.Primary {
		tierOf[c] = "A"
	}
	for _, c := range route.Support {
		if _, ok := tierOf[c]; !ok {
			tierOf[c] = "B"
		}
	}
	for _, c := range route.Secondary {
		if _, ok := tierOf[c]; !ok {
			tierOf[c] = "C"
		}
	}

	passOne := req
	passOne.Collections = append(append([]string{}, route.Primary...), route.Support...)
	res, err := r.searchRAGFusion(ctx, passOne)
	if err != nil {
		return nil, err
	}
	for i := range res.Hits {
		res.Hits[i].Tier = tierOf[res.Hits[i].Collection]
		if res.Hits[i].Tier == "" {
			res.Hits[i].Tier = "B" // lexical sidecar extras
		}
	}

	if route.SecondaryBudget > 0 && len(route.Secondary) > 0 {
		passTwo := req
		passTwo.Collections = route.Secondary
		secRes, err := r.searchRAGFusion(ctx, passTwo)
		if err != nil {
			r.logger.Warn().Err(err).Msg("secondary routing pass failed")
		} else {
			known := make(map[string]bool, len(res.Hits))
			for _, h := range res.Hits {
				known[h.ID] = true
			}
			budget := route.SecondaryBudget
			for _, h := range secRes.Hits {
				if budget == 0 {
					break
				}
				if known[h.ID] {
					continue
				}
				h.Tier = "C"
				res.Hits = append(res.Hits, h)
				budget--
			}
		}
	}

	res.Hits = sortByTier(res.Hits)
	res.Intent = intentRes.Intent
	res.Routing = routing
	res.Metrics.Strategy = "epr_routing"
	for i := range res.Hits {
		res.Hits[i].Retriever = "epr"
	}
	return res, nil
}

// sortByTier orders hits A before B before C, by score descending inside a
// tier, with the deterministic tie-break.
func sortByTier(hits []models.SearchHit) []models.SearchHit {
	out := make([]models.SearchHit, 0, len(hits))
	for _, tier := range []string{"A", "B", "C"} {
		var group []models.SearchHit
		for _, h := range hits {
			if h.Tier == tier {
				group = append(group, h)
			}
		}
		out = append(out, sortHits(group)...)
	}
	for _, h := range hits {
		if h.Tier != "A" && h.Tier != "B" && h.Tier != "C" {
			out = append(out, h)
		}
	}
	return out
}
