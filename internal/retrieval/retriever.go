// Package retrieval implements the retrieval stack: per-collection dense
// search with timeouts, an optional lexical sidecar, reciprocal-rank fusion
// over query variants, confidence signals, adaptive escalation and
// intent-based routing.
package retrieval

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rattsdata/rattsvar/internal/config"
	"github.com/rattsdata/rattsvar/internal/lexical"
	"github.com/rattsdata/rattsvar/internal/observability"
	"github.com/rattsdata/rattsvar/internal/query"
	"github.com/rattsdata/rattsvar/internal/vectorstore"
	"github.com/rattsdata/rattsvar/pkg/models"
)

// Strategy names selectable per request.
const (
	StrategyLegacy     = "legacy"
	StrategyParallelV1 = "parallel_v1"
	StrategyRewriteV1  = "rewrite_v1"
	StrategyRAGFusion  = "rag_fusion"
	StrategyAdaptive   = "adaptive"
)

// lowFusionGain is the fusion-gain floor under which the fused union is no
// better than the first variant alone.
const lowFusionGain = 0.05

// KnownStrategy reports whether s names a selectable strategy. The empty
// string selects the configured default.
func KnownStrategy(s string) bool {
	switch s {
	case "", StrategyLegacy, StrategyParallelV1, StrategyRewriteV1, StrategyRAGFusion, StrategyAdaptive:
		return true
	}
	return false
}

// Embedder is the slice of the embedding client the retriever needs.
type Embedder interface {
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// LexicalSearcher is the keyword sidecar. Optional.
type LexicalSearcher interface {
	Search(ctx context.Context, q string, cutoff int) ([]lexical.Hit, error)
}

// Request is one retrieval invocation.
type Request struct {
	Query       string
	History     []models.Turn
	Strategy    string
	K           int
	Collections []string          // empty means the configured defaults
	Filter      map[string]string // metadata equality filter
	UseRouting  bool
}

// Result is the outcome of a retrieval invocation.
type Result struct {
	Hits    []models.SearchHit
	Plan    models.QueryPlan
	Intent  query.Intent
	Routing *models.RoutingInfo
	Metrics *models.RetrievalMetrics
}

// Retriever drives all retrieval strategies. Safe for concurrent use.
type Retriever struct {
	store     vectorstore.Store
	embedder  Embedder
	lex       LexicalSearcher
	rewriter  *query.Rewriter
	expander  *query.Expander
	processor *query.Processor
	cfg       config.RetrievalConfig
	vcfg      config.VectorStoreConfig
	routes    RoutingTable
	variantSem *semaphore.Weighted
	logger    zerolog.Logger
}

// New builds a Retriever. lex may be nil when no lexical index is configured.
func New(store vectorstore.Store, embedder Embedder, lex LexicalSearcher, cfg config.RetrievalConfig, vcfg config.VectorStoreConfig) *Retriever {
	maxConcurrent := cfg.MaxConcurrentQueries
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	logger := observability.Logger("retrieval")
	routes := DefaultRoutingTable()
	if cfg.RoutingTablePath != "" {
		loaded, err := LoadRoutingTable(cfg.RoutingTablePath)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.RoutingTablePath).Msg("routing table file ignored, using defaults")
		} else {
			routes = loaded
		}
	}
	return &Retriever{
		store:      store,
		embedder:   embedder,
		lex:        lex,
		rewriter:   query.NewRewriter(),
		expander:   query.NewExpander(),
		processor:  query.NewProcessor(),
		cfg:        cfg,
		vcfg:       vcfg,
		routes:     routes,
		variantSem: semaphore.NewWeighted(int64(maxConcurrent)),
		logger:     logger,
	}
}

// Search dispatches one request to its strategy and fills in metrics.
func (r *Retriever) Search(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if req.K <= 0 {
		req.K = r.cfg.TopK
	}
	if len(req.Collections) == 0 {
		req.Collections = r.vcfg.DefaultCollections
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyAdaptive
		if !r.cfg.AdaptiveEnabled {
			strategy = StrategyRAGFusion
		}
	}

	if req.UseRouting && r.cfg.EPREnabled {
		res, err := r.searchWithRouting(ctx, req)
		if err != nil {
			return nil, err
		}
		res.Metrics.TotalMs = time.Since(start).Milliseconds()
		return res, nil
	}

	var (
		res *Result
		err error
	)
	switch strategy {
	case StrategyLegacy:
		res, err = r.searchLegacy(ctx, req)
	case StrategyParallelV1:
		res, err = r.searchParallelV1(ctx, req)
	case StrategyRewriteV1:
		res, err = r.searchRewriteV1(ctx, req)
	case StrategyRAGFusion:
		res, err = r.searchRAGFusion(ctx, req)
	case StrategyAdaptive:
		res, err = r.searchAdaptive(ctx, req)
	default:
		return nil, models.NewError(models.ErrValidation, "unknown retrieval strategy: "+strategy)
	}
	if err != nil {
		return nil, err
	}

	res.Metrics.Strategy = strategy
	res.Metrics.TotalMs = time.Since(start).Milliseconds()
	r.logger.Info().
		Str("strategy", strategy).
		Int("hits", len(res.Hits)).
		Int64("total_ms", res.Metrics.TotalMs).
		Msg("retrieval completed")
	return res, nil
}

func (r *Retriever) searchLegacy(ctx context.Context, req Request) (*Result, error) {
	embedding, err := r.embedder.EmbedSingle(ctx, req.Query)
	if err != nil {
		return nil, models.Wrap(models.ErrEmbedding, "embed query", err)
	}

	timedOut := &timeoutSet{}
	hits := r.searchSequential(ctx, embedding, req.Collections, req.K, req.Filter, timedOut)
	hits = r.finalize(hits, req.K)

	return &Result{
		Hits: hits,
		Plan: models.QueryPlan{Original: req.Query, Standalone: req.Query},
		Metrics: &models.RetrievalMetrics{
			Scores:   computeScoreStats(hits),
			TimedOut: timedOut.list(),
			CountsPerStage: map[string]int{"dense": len(hits)},
		},
	}, nil
}

func (r *Retriever) searchParallelV1(ctx context.Context, req Request) (*Result, error) {
	embedding, err := r.embedder.EmbedSingle(ctx, req.Query)
	if err != nil {
		return nil, models.Wrap(models.ErrEmbedding, "embed query", err)
	}

	timedOut := &timeoutSet{}
	hits := r.searchParallel(ctx, embedding, req.Collections, req.K, req.Filter, timedOut)
	hits = r.mergeLexical(ctx, hits, req.Query, req.K)
	hits = r.finalize(hits, req.K)

	return &Result{
		Hits: hits,
		Plan: models.QueryPlan{Original: req.Query, Standalone: req.Query},
		Metrics: &models.RetrievalMetrics{
			Scores:   computeScoreStats(hits),
			TimedOut: timedOut.list(),
			CountsPerStage: map[string]int{"dense": len(hits)},
		},
	}, nil
}

func (r *Retriever) searchRewriteV1(ctx context.Context, req Request) (*Result, error) {
	plan := r.rewriter.Rewrite(req.Query, req.History)

	sub := req
	sub.Query = plan.Standalone
	res, err := r.searchParallelV1(ctx, sub)
	if err != nil {
		return nil, err
	}

	if plan.Standalone != plan.Original {
		if !r.rewriter.CheckGuardrails(plan, req.History, topSnippets(res.Hits, 10)) {
			r.logger.Warn().Str("query", req.Query).Msg("rewrite guardrail failed, falling back to original")
			sub.Query = plan.Original
			plan.Standalone = plan.Original
			res, err = r.searchParallelV1(ctx, sub)
			if err != nil {
				return nil, err
			}
		} else {
			res.Metrics.RewriteUsed = true
			res.Metrics.RewrittenQuery = plan.Standalone
		}
	}

	res.Plan = plan
	return res, nil
}

// searchRAGFusion expands the plan into variants, batch-embeds them, fans
// each variant out through the parallel search under the variant semaphore,
// then RRF-merges the per-variant lists.
func (r *Retriever) searchRAGFusion(ctx context.Context, req Request) (*Result, error) {
	return r.ragFusion(ctx, req, query.MaxVariants, req.K, req.Collections)
}

func (r *Retriever) ragFusion(ctx context.Context, req Request, maxVariants, k int, collections []string) (*Result, error) {
	plan := r.rewriter.Rewrite(req.Query, req.History)
	variants := r.expander.Expand(plan, maxVariants)

	texts := make([]string, len(variants))
	for i, v := range variants {
		texts[i] = v.Text
	}
	embeddings, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, models.Wrap(models.ErrEmbedding, "embed variants", err)
	}

	timedOut := &timeoutSet{}
	lists := make([][]models.SearchHit, len(variants))

	g, gctx := errgroup.WithContext(ctx)
	for i := range variants {
		g.Go(func() error {
			if err := r.variantSem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer r.variantSem.Release(1)
			lists[i] = r.searchParallel(gctx, embeddings[i], collections, k, req.Filter, timedOut)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, models.Wrap(models.ErrRetrieval, "variant fanout", err)
	}

	// The similarity threshold works on the similarity scale, so it runs
	// per variant list before fusion rescores everything onto the RRF scale.
	for i := range lists {
		lists[i] = r.applySimilarityThreshold(lists[i])
	}

	fusionMetrics := computeFusionMetrics(lists)
	var hits []models.SearchHit
	if len(lists) > 1 && fusionMetrics.FusionGain < lowFusionGain {
		// The extra variants found almost nothing new; the first variant's
		// similarity-scale scores are more informative than RRF rescoring.
		r.logger.Info().Float64("fusion_gain", fusionMetrics.FusionGain).Msg("Low fusion gain, using single-variant results")
		hits = append(hits, lists[0]...)
	} else {
		hits = fuseRRF(lists, r.cfg.RRFK)
	}
	hits = r.mergeLexical(ctx, hits, plan.Lexical, k)
	hits = sortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}

	metrics := &models.RetrievalMetrics{
		Scores:     computeScoreStats(hits),
		TimedOut:   timedOut.list(),
		FusionUsed: true,
		Fusion:     fusionMetrics,
		CountsPerStage: map[string]int{"fusion": len(hits)},
	}
	if plan.Standalone != plan.Original {
		metrics.RewriteUsed = true
		metrics.RewrittenQuery = plan.Standalone
	}

	return &Result{Hits: hits, Plan: plan, Metrics: metrics}, nil
}

// mergeLexical folds keyword-sidecar hits into a dense or fused result set.
// Lexical hits only ever add documents; when both retrievers produce a doc
// the dense entry wins.
func (r *Retriever) mergeLexical(ctx context.Context, hits []models.SearchHit, lexQuery string, k int) []models.SearchHit {
	if r.lex == nil || lexQuery == "" {
		return hits
	}

	lexHits, err := r.lex.Search(ctx, lexQuery, k)
	if err != nil {
		r.logger.Warn().Err(err).Msg("lexical sidecar failed")
		return hits
	}

	known := make(map[string]bool, len(hits))
	for _, h := range hits {
		known[h.ID] = true
	}

	floor := 0.0
	if len(hits) > 0 {
		floor = hits[len(hits)-1].Score
	}
	for i, lh := range lexHits {
		if known[lh.ID] {
			continue
		}
		// Slot lexical extras below the weakest dense hit, keeping their
		// BM25 order.
		score := floor * float64(len(lexHits)-i) / float64(len(lexHits)+1)
		hits = append(hits, models.SearchHit{
			ID:        lh.ID,
			Title:     lh.Title,
			Snippet:   truncateSnippet(lh.Text),
			Score:     score,
			Retriever: "lexical",
		})
	}
	return hits
}

// finalize applies the similarity threshold, re-sorts and truncates.
func (r *Retriever) finalize(hits []models.SearchHit, k int) []models.SearchHit {
	hits = r.applySimilarityThreshold(hits)
	hits = sortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// HealthCheck pings the vector store.
func (r *Retriever) HealthCheck(ctx context.Context) error {
	return r.store.HealthCheck(ctx)
}
