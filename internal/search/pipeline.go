// Package search implements the SearchPipeline capability of §4.8: an
// ordered operation graph (expand -> interpret -> synthesize filter ->
// embed -> vector search -> rerank -> complete) run cooperatively against a
// single collection namespace, with an optional streaming completion stage.
//
// Grounded on original_source/backend/airweave/search/search_service.py and
// operations/vector_search.py for the operation ordering, the quality-gate
// thresholds and messages, and the bulk-search merge/rerank-fetch rules;
// adapted into the teacher's Deps-struct-plus-zerolog idiom used throughout
// internal/sync and internal/router.
package search

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/internal/metrics"
	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
)

// Status mirrors the quality gates of §4.8: a search that executes
// successfully but finds nothing useful is not an error, it is a status.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusNoResults        Status = "no_results"
	StatusNoRelevantResult Status = "no_relevant_results"
)

// relevanceThreshold is the score floor below which every result is
// considered noise, ported from search_service.py's quality check
// (any(score > 0.25) over the merged result set).
const relevanceThreshold = 0.25

// rerankFetchMultiplier and rerankFetchCap implement vector_search.py's
// min(limit * 2.5, 250) over-fetch rule: when reranking is configured, the
// vector-search stage pulls more candidates than Limit so the reranker has
// material to reorder before truncation.
const (
	rerankFetchMultiplier = 2.5
	rerankFetchCap        = 250
)

const noResultsMessage = "I couldn't find any relevant information for that query. Try asking about something in your data collection."
const noRelevantResultsMessage = "Your query didn't match anything meaningful in the database. Please try a different question related to your data."

// completionContextBudget reserves tokens (roughly 4 chars/token) for the
// system and user turns, so packed result snippets leave headroom for the
// model's own response per §4.8's "minus ~2k token safety margin".
const completionContextBudget = 2000

// EventFunc receives pipeline progress notifications the caller can forward
// to a client over a websocket or SSE stream: "query_expanded",
// "filter_applied", "completion_start", "completion_delta",
// "completion_done", etc. A nil EventFunc means no one is listening.
type EventFunc func(name string, data map[string]interface{})

// Deps are the capabilities one Pipeline call exercises. Sparse and LLM are
// optional: a nil Sparse disables hybrid search, a nil LLM disables query
// expansion, interpretation, reranking, and completion regardless of what
// Options requests.
type Deps struct {
	VectorStore contracts.VectorStore
	Dense       contracts.EmbeddingProvider
	Sparse      contracts.SparseEncoder
	LLM         contracts.LLMProvider
	Logger      zerolog.Logger

	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.Collector
}

// ExpansionStrategy selects how the query-expansion operation behaves.
type ExpansionStrategy string

const (
	ExpandNone      ExpansionStrategy = "none"
	ExpandParaphrase ExpansionStrategy = "llm_paraphrase"
)

// Options configures one Search call. Namespace and Query are required;
// everything else has a documented zero-value behavior.
type Options struct {
	Namespace string
	Query     string

	Filter         map[string]interface{}
	Limit          int
	Offset         int
	ScoreThreshold float32
	Decay          *contracts.DecayConfig

	Expansion      ExpansionStrategy
	ExpansionCount int // max paraphrase variants, including the original

	Interpret bool // run LLM query interpretation to derive structured filters

	Rerank bool

	Completion          bool
	MaxCompletionTokens int

	OnEvent EventFunc
}

// Result is one merged, post-rerank search hit. Vector and sparse encodings
// never reach this type; Payload is the caller-facing metadata minus the
// system-reserved embeddable_text field, which EmbeddableText exposes
// separately for the completion stage only.
type Result struct {
	EntityID       string
	Score          float32
	Payload        map[string]interface{}
	EmbeddableText string
}

// Response is what Search returns: the merged, reranked results, the
// quality-gate status, an optional completion, and the filter actually
// applied (useful for clients to display "searched within: ...").
type Response struct {
	Status         Status
	Message        string
	Results        []Result
	Completion     string
	AppliedFilter  map[string]interface{}
}

// Pipeline runs one SearchPipeline invocation per Search call; it holds no
// per-request state itself, so one Pipeline value is safe to reuse
// concurrently across requests (§4.8: "single-threaded cooperative per
// request" describes one call's internal stage ordering, not the Pipeline
// value's concurrency).
type Pipeline struct {
	deps Deps
}

func New(deps Deps) *Pipeline {
	return &Pipeline{deps: deps}
}

func (p *Pipeline) emit(opts Options, name string, data map[string]interface{}) {
	if opts.OnEvent != nil {
		opts.OnEvent(name, data)
	}
}

// Search runs the full operation graph described in §4.8.
func (p *Pipeline) Search(ctx context.Context, opts Options) (resp *Response, err error) {
	started := time.Now()
	defer func() {
		status := "error"
		if resp != nil {
			status = string(resp.Status)
		}
		p.deps.Metrics.RecordSearch(status, time.Since(started))
	}()

	if opts.Namespace == "" {
		return nil, airerr.New(airerr.ValidationFailure, "search namespace is required")
	}
	if opts.Query == "" {
		return nil, airerr.New(airerr.ValidationFailure, "search query is required")
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	queries, err := p.expand(ctx, opts)
	if err != nil {
		return nil, err
	}
	p.emit(opts, "query_expanded", map[string]interface{}{"variants": queries})

	interpreted, err := p.interpret(ctx, opts)
	if err != nil {
		return nil, err
	}

	compiled, err := Synthesize(opts.Filter, interpreted)
	if err != nil {
		return nil, err
	}
	p.emit(opts, "filter_applied", map[string]interface{}{"filter": compiled.Equality})

	results, err := p.vectorSearch(ctx, opts, queries, compiled)
	if err != nil {
		return nil, err
	}

	if status, msg := checkQuality(results); status != StatusSuccess {
		resp := &Response{Status: status, Message: msg, AppliedFilter: compiled.Equality}
		if opts.Completion && p.deps.LLM != nil {
			resp.Completion = msg
			p.emit(opts, "completion_start", nil)
			p.emit(opts, "completion_delta", map[string]interface{}{"text": msg})
			p.emit(opts, "completion_done", nil)
		}
		return resp, nil
	}

	if opts.Rerank && p.deps.LLM != nil {
		results, err = p.rerank(ctx, opts, results)
		if err != nil {
			return nil, err
		}
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	resp := &Response{Status: StatusSuccess, Results: results, AppliedFilter: compiled.Equality}
	if opts.Completion && p.deps.LLM != nil {
		completion, err := p.complete(ctx, opts, results)
		if err != nil {
			return nil, err
		}
		resp.Completion = completion
	}
	return resp, nil
}

// checkQuality implements search_service.py's _check_result_quality: empty
// results is NO_RESULTS; a non-empty set where nothing clears the
// relevance threshold is NO_RELEVANT_RESULTS.
func checkQuality(results []Result) (Status, string) {
	if len(results) == 0 {
		return StatusNoResults, noResultsMessage
	}
	for _, r := range results {
		if r.Score > relevanceThreshold {
			return StatusSuccess, ""
		}
	}
	return StatusNoRelevantResult, noRelevantResultsMessage
}

// fetchSize implements vector_search.py's min(limit*2.5, 250) rerank
// over-fetch rule; outside of reranking, fetch is just Limit+Offset worth
// of headroom.
func fetchSize(opts Options) int {
	if !opts.Rerank {
		return opts.Limit + opts.Offset
	}
	fetch := int(float64(opts.Limit) * rerankFetchMultiplier)
	if fetch > rerankFetchCap {
		fetch = rerankFetchCap
	}
	if fetch < opts.Limit {
		fetch = opts.Limit
	}
	return fetch
}

func sortResultsDesc(results []Result) {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
}

func entityIDOf(payload map[string]interface{}, fallback fmt.Stringer) string {
	if payload != nil {
		if v, ok := payload["entity_id"].(string); ok && v != "" {
			return v
		}
	}
	return fallback.String()
}
