package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
)

// internalOnlyPayloadKeys are stripped from every Result's Payload before it
// is handed back to the caller (§6: "Vector, sparse encodings, DownloadURL,
// Checksum, and EmbeddableText MUST be stripped before this leaves the
// core"). EmbeddableText is carried separately on Result for the completion
// stage only.
var internalOnlyPayloadKeys = []string{"embeddable_text", "download_url", "checksum", "download_headers"}

// expand runs the query-expansion operation. ExpandNone (the default) or a
// missing LLM both degrade to the single original query, matching §4.8's
// "none" strategy.
func (p *Pipeline) expand(ctx context.Context, opts Options) ([]string, error) {
	if opts.Expansion != ExpandParaphrase || p.deps.LLM == nil {
		return []string{opts.Query}, nil
	}
	count := opts.ExpansionCount
	if count <= 0 {
		count = 3
	}

	prompt := fmt.Sprintf(
		"Generate up to %d alternate phrasings of the following search query, one per line, "+
			"preserving its meaning. Do not number them or add commentary.\n\nQuery: %s",
		count-1, opts.Query,
	)
	text, err := p.deps.LLM.Complete(ctx, []contracts.ChatMessage{{Role: "user", Content: prompt}}, 256)
	if err != nil {
		return nil, airerr.Wrap(airerr.Transient, "query expansion failed", err)
	}

	variants := []string{opts.Query}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == opts.Query {
			continue
		}
		variants = append(variants, line)
		if len(variants) >= count {
			break
		}
	}
	return variants, nil
}

// interpretedFilterSchema is the shape the interpretation prompt asks the
// LLM to return, so the response can be unmarshaled directly.
type interpretedFilterSchema struct {
	Equality   map[string]interface{} `json:"equality"`
	Expression string                  `json:"expression"`
}

// interpret runs the query-interpretation operation: an LLM call that turns
// free text into structured filter fragments, grounded on
// search_service.py's query_interpretation operation. A malformed or empty
// LLM response degrades to "no interpreted filter" rather than failing the
// whole search, since interpretation is advisory.
func (p *Pipeline) interpret(ctx context.Context, opts Options) (*InterpretedFilter, error) {
	if !opts.Interpret || p.deps.LLM == nil {
		return nil, nil
	}

	prompt := fmt.Sprintf(
		`Given the search query below, extract any explicit filter conditions as JSON with this shape:
{"equality": {"field": "value"}, "expression": "a boolean expr-lang expression over payload fields, or empty string"}
Only extract conditions the query explicitly states. If there are none, return {"equality": {}, "expression": ""}.

Query: %s`, opts.Query,
	)
	text, err := p.deps.LLM.Complete(ctx, []contracts.ChatMessage{{Role: "user", Content: prompt}}, 256)
	if err != nil {
		return nil, airerr.Wrap(airerr.Transient, "query interpretation failed", err)
	}

	var parsed interpretedFilterSchema
	if err := json.Unmarshal([]byte(extractJSON(text)), &parsed); err != nil {
		p.deps.Logger.Warn().Err(err).Msg("query interpretation returned unparseable JSON, ignoring")
		return nil, nil
	}
	if len(parsed.Equality) == 0 && parsed.Expression == "" {
		return nil, nil
	}
	return &InterpretedFilter{Equality: parsed.Equality, Expression: parsed.Expression}, nil
}

// extractJSON trims any leading/trailing prose a chat model wraps its JSON
// answer in (e.g. markdown code fences), keeping only the outermost object.
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return "{}"
	}
	return text[start : end+1]
}

// vectorSearch embeds each expanded query, issues a single Search or a
// BulkSearch depending on how many queries expansion produced, merges
// multi-query results by entity_id keeping the max score (vector_search.py's
// _deduplicate), applies the compiled expression filter, and converts to
// the externally-safe Result shape.
func (p *Pipeline) vectorSearch(ctx context.Context, opts Options, queries []string, filter *CompiledFilter) ([]Result, error) {
	searchQueries := make([]contracts.SearchQuery, 0, len(queries))
	fetch := fetchSize(opts)

	for _, q := range queries {
		vec, err := p.deps.Dense.Embed(ctx, q)
		if err != nil {
			return nil, airerr.Wrap(airerr.Transient, "query embedding failed", err)
		}
		sq := contracts.SearchQuery{
			Vector:    vec,
			Filter:    filter.Equality,
			Limit:     fetch,
			Offset:    opts.Offset,
			Threshold: opts.ScoreThreshold,
			Decay:     opts.Decay,
		}
		if p.deps.Sparse != nil {
			sparse, err := p.deps.Sparse.Encode(ctx, q)
			if err != nil {
				return nil, airerr.Wrap(airerr.Transient, "query sparse encoding failed", err)
			}
			sq.Sparse = sparse
		}
		searchQueries = append(searchQueries, sq)
	}

	var raw []contracts.SearchResult
	if len(searchQueries) == 1 {
		r, err := p.deps.VectorStore.Search(ctx, opts.Namespace, searchQueries[0])
		if err != nil {
			return nil, airerr.Wrap(airerr.Transient, "vector search failed", err)
		}
		raw = r
	} else {
		batches, err := p.deps.VectorStore.BulkSearch(ctx, opts.Namespace, searchQueries)
		if err != nil {
			return nil, airerr.Wrap(airerr.Transient, "bulk vector search failed", err)
		}
		raw = mergeByEntityID(batches)
	}

	results := make([]Result, 0, len(raw))
	for _, r := range raw {
		ok, err := filter.Matches(r.Payload)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		results = append(results, toResult(r))
	}
	sortResultsDesc(results)
	return results, nil
}

// mergeByEntityID implements vector_search.py's _deduplicate: across every
// per-query result batch, keep the highest score seen for a given
// entity_id, then sort descending.
func mergeByEntityID(batches [][]contracts.SearchResult) []contracts.SearchResult {
	best := make(map[string]contracts.SearchResult)
	for _, batch := range batches {
		for _, r := range batch {
			key := entityIDOf(r.Payload, r.ID)
			existing, ok := best[key]
			if !ok || r.Score > existing.Score {
				best[key] = r
			}
		}
	}
	merged := make([]contracts.SearchResult, 0, len(best))
	for _, r := range best {
		merged = append(merged, r)
	}
	sortSearchResultsDesc(merged)
	return merged
}

func sortSearchResultsDesc(results []contracts.SearchResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func toResult(r contracts.SearchResult) Result {
	payload := make(map[string]interface{}, len(r.Payload))
	for k, v := range r.Payload {
		payload[k] = v
	}
	for _, k := range internalOnlyPayloadKeys {
		delete(payload, k)
	}
	return Result{
		EntityID:       entityIDOf(r.Payload, r.ID),
		Score:          r.Score,
		Payload:        payload,
		EmbeddableText: r.EmbeddableText,
	}
}

// rerank implements the optional LLM-based reordering stage: the model is
// given the query and each candidate's embeddable text, and returns the
// candidates' entity_ids in its preferred order. Candidates the model
// drops are appended at the end in their original order rather than
// discarded, since a partial or malformed rerank response should degrade
// gracefully instead of losing results.
func (p *Pipeline) rerank(ctx context.Context, opts Options, results []Result) ([]Result, error) {
	if len(results) <= 1 {
		return results, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nRank the following candidates from most to least relevant. "+
		"Respond with a JSON array of their ids in ranked order, nothing else.\n\n", opts.Query)
	for _, r := range results {
		fmt.Fprintf(&sb, "id: %s\ntext: %s\n\n", r.EntityID, truncate(r.EmbeddableText, 500))
	}

	text, err := p.deps.LLM.Complete(ctx, []contracts.ChatMessage{{Role: "user", Content: sb.String()}}, 512)
	if err != nil {
		return nil, airerr.Wrap(airerr.Transient, "reranking failed", err)
	}

	var order []string
	if err := json.Unmarshal([]byte(extractJSONArray(text)), &order); err != nil {
		p.deps.Logger.Warn().Err(err).Msg("rerank returned unparseable JSON, keeping original order")
		return results, nil
	}

	byID := make(map[string]Result, len(results))
	for _, r := range results {
		byID[r.EntityID] = r
	}
	seen := make(map[string]bool, len(order))
	ranked := make([]Result, 0, len(results))
	for _, id := range order {
		if r, ok := byID[id]; ok && !seen[id] {
			ranked = append(ranked, r)
			seen[id] = true
		}
	}
	for _, r := range results {
		if !seen[r.EntityID] {
			ranked = append(ranked, r)
		}
	}
	return ranked, nil
}

func extractJSONArray(text string) string {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end < start {
		return "[]"
	}
	return text[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// complete runs the optional streaming completion stage: result snippets
// are packed into the context window (minus a fixed safety margin for the
// model's own response), then the model is asked to answer the query from
// that context. Deltas are forwarded through opts.OnEvent as
// completion_start/completion_delta/completion_done so a caller can stream
// the answer to a client as it arrives.
func (p *Pipeline) complete(ctx context.Context, opts Options, results []Result) (string, error) {
	maxTokens := opts.MaxCompletionTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	packed := packContext(results, maxTokens*4) // ~4 chars/token budget estimate
	messages := []contracts.ChatMessage{
		{Role: "system", Content: contextPrompt},
		{Role: "user", Content: fmt.Sprintf("Context:\n%s\n\nQuestion: %s", packed, opts.Query)},
	}

	p.emit(opts, "completion_start", nil)
	stream, err := p.deps.LLM.StreamComplete(ctx, messages, maxTokens)
	if err != nil {
		return "", airerr.Wrap(airerr.Transient, "completion failed", err)
	}

	var sb strings.Builder
	for delta := range stream {
		if delta.Err != nil {
			return "", airerr.Wrap(airerr.Transient, "completion stream failed", delta.Err)
		}
		if delta.Text != "" {
			sb.WriteString(delta.Text)
			p.emit(opts, "completion_delta", map[string]interface{}{"text": delta.Text})
		}
		if delta.Done {
			break
		}
	}
	p.emit(opts, "completion_done", nil)
	return sb.String(), nil
}

// contextPrompt instructs the model to answer strictly from the packed
// search context and to format its answer as markdown, ported from
// search_service.py's CONTEXT_PROMPT.
const contextPrompt = `You are a helpful assistant answering questions using only the provided
search context. If the context does not contain the answer, say so plainly.
Format your response as markdown.`

// packContext joins result snippets into one string, stopping once the
// running byte budget (a proxy for the completion stage's ~2k-token safety
// margin, §4.8) would be exceeded.
func packContext(results []Result, charBudget int) string {
	budget := charBudget - completionContextBudget*4
	if budget <= 0 {
		budget = charBudget
	}
	var sb strings.Builder
	for _, r := range results {
		snippet := r.EmbeddableText
		if snippet == "" {
			continue
		}
		if sb.Len()+len(snippet) > budget {
			remaining := budget - sb.Len()
			if remaining <= 0 {
				break
			}
			snippet = snippet[:remaining]
		}
		sb.WriteString(snippet)
		sb.WriteString("\n---\n")
		if sb.Len() >= budget {
			break
		}
	}
	return sb.String()
}
