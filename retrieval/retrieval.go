// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retrieval implements hybrid document search: semantic and lexical
// halves run in parallel, reciprocal rank fusion merges them, a model-based
// reranker reorders the head of the list, and per-chunk feedback applies a
// bounded multiplier. Embedding failure is fatal; every later stage degrades
// instead of failing.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"axonflow/agentcore/config"
	"axonflow/agentcore/llm"
	"axonflow/agentcore/router"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
	"axonflow/agentcore/store"
)

// Result is one retrieval hit with its citation payload.
type Result struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	Ordinal    int     `json:"ordinal"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`

	// Feedback is the combined document+chunk feedback counter that
	// produced the multiplier.
	Feedback int `json:"feedback"`
}

// Citation converts a hit into the message citation payload.
func (r *Result) Citation() store.Citation {
	excerpt := r.Content
	if len(excerpt) > 200 {
		excerpt = excerpt[:200]
	}
	return store.Citation{
		ChunkID:    r.ChunkID,
		DocumentID: r.DocumentID,
		Filename:   r.Filename,
		Ordinal:    r.Ordinal,
		Excerpt:    excerpt,
	}
}

// Response is the full engine output including degradation warnings.
type Response struct {
	Results  []*Result `json:"results"`
	Warnings []string  `json:"warnings,omitempty"`
}

// Engine runs hybrid retrieval over the chunk repository.
type Engine struct {
	chunks *store.ChunkRepo
	router *router.Router
	cfg    config.RetrievalConfig
	log    *logger.Logger
}

// NewEngine creates a retrieval engine.
func NewEngine(chunks *store.ChunkRepo, rt *router.Router, cfg config.RetrievalConfig, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.New("retrieval")
	}
	return &Engine{chunks: chunks, router: rt, cfg: cfg, log: log}
}

// Search runs the full hybrid pipeline for a query under a metadata filter.
// A vector_top_k of zero returns an empty response without error.
func (e *Engine) Search(ctx context.Context, scope store.TenantScope, filter *store.ChunkFilter, query string) (*Response, error) {
	if e.cfg.VectorTopK == 0 {
		return &Response{}, nil
	}
	if strings.TrimSpace(query) == "" {
		return nil, fault.Validation("query_empty", "query", "query must not be empty")
	}

	vecs, err := e.router.Embed(ctx, []string{query})
	if err != nil {
		// No embedding, no retrieval.
		return nil, err
	}

	resp := &Response{}

	var wg sync.WaitGroup
	var semantic, lexical []*store.RankedChunk
	var semErr, lexErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		semantic, semErr = e.chunks.SemanticSearch(ctx, filter, vecs[0], e.cfg.VectorTopK)
	}()
	go func() {
		defer wg.Done()
		lexical, lexErr = e.chunks.LexicalSearch(ctx, filter, query, e.cfg.VectorTopK)
	}()
	wg.Wait()

	if semErr != nil {
		return nil, semErr
	}
	if lexErr != nil {
		resp.Warnings = append(resp.Warnings, "lexical search degraded: "+lexErr.Error())
		e.log.Warn(scope.TenantID(), "", "lexical search failed", map[string]interface{}{
			"error": lexErr.Error(),
		})
		lexical = nil
	}

	fused := e.fuse(semantic, lexical)
	if len(fused) == 0 {
		return resp, nil
	}

	reranked, warn := e.rerank(ctx, scope, query, fused)
	if warn != "" {
		resp.Warnings = append(resp.Warnings, warn)
	}

	e.applyFeedback(reranked)

	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].Score > reranked[j].Score
	})

	finalK := e.cfg.FinalK
	if finalK <= 0 {
		finalK = 5
	}
	if len(reranked) > finalK {
		reranked = reranked[:finalK]
	}
	resp.Results = reranked
	return resp, nil
}

// fuse merges the two ranked lists with reciprocal rank fusion:
// score = w_sem/(k + rank_sem) + w_lex/(k + rank_lex).
func (e *Engine) fuse(semantic, lexical []*store.RankedChunk) []*Result {
	k := float64(e.cfg.RRFSmoothing)
	if k <= 0 {
		k = 60
	}

	merged := make(map[string]*Result)
	feedback := make(map[string]int)

	add := func(hits []*store.RankedChunk, weight float64) {
		for rank, h := range hits {
			r, ok := merged[h.Chunk.ID]
			if !ok {
				r = &Result{
					ChunkID:    h.Chunk.ID,
					DocumentID: h.DocumentID,
					Filename:   h.Filename,
					Ordinal:    h.Chunk.Ordinal,
					Content:    h.Chunk.Content,
				}
				merged[h.Chunk.ID] = r
				feedback[h.Chunk.ID] = h.DocFeedback + h.ChunkFeedback
			}
			r.Score += weight / (k + float64(rank+1))
		}
	}
	add(semantic, e.cfg.SemanticWeight)
	add(lexical, e.cfg.LexicalWeight)

	out := make([]*Result, 0, len(merged))
	for id, r := range merged {
		r.Feedback = feedback[id]
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

const rerankPrompt = `Score how relevant the passage is to the query on a scale of 0 to 10.
Respond with only the number.

Query: %s

Passage:
%s`

// rerank rescores the top N fused results through the standard tier. Any
// failure degrades to RRF order with a warning rather than failing the
// search.
func (e *Engine) rerank(ctx context.Context, scope store.TenantScope, query string, fused []*Result) ([]*Result, string) {
	topN := e.cfg.RerankTopN
	if topN <= 0 || len(fused) == 0 {
		return fused, ""
	}
	if topN > len(fused) {
		topN = len(fused)
	}

	head := fused[:topN]
	scores := make([]float64, topN)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed bool

	for i, r := range head {
		wg.Add(1)
		go func(i int, r *Result) {
			defer wg.Done()
			res, err := e.router.Complete(ctx, scope, &router.Request{
				Prompt:     fmt.Sprintf(rerankPrompt, query, truncate(r.Content, 1500)),
				SystemTier: llm.TierStandard,
				MaxTokens:  4,
			})
			if err != nil {
				mu.Lock()
				failed = true
				mu.Unlock()
				return
			}
			score, err := parseScore(res.Response.Content)
			if err != nil {
				mu.Lock()
				failed = true
				mu.Unlock()
				return
			}
			scores[i] = score / 10
		}(i, r)
	}
	wg.Wait()

	if failed {
		return fused, "rerank degraded to fusion order"
	}

	for i, r := range head {
		r.Score = scores[i]
	}
	return fused, ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// parseScore reads the first number out of a model reply.
func parseScore(s string) (float64, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty score")
	}
	v, err := strconv.ParseFloat(strings.Trim(fields[0], ".,"), 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		v = 0
	}
	if v > 10 {
		v = 10
	}
	return v, nil
}

// applyFeedback multiplies each score by the bounded feedback factor.
func (e *Engine) applyFeedback(results []*Result) {
	gain := e.cfg.FeedbackGain
	if gain <= 0 {
		gain = 0.05
	}
	for _, r := range results {
		r.Score *= FeedbackMultiplier(r.Feedback, gain)
	}
}

// FeedbackMultiplier maps a signed feedback counter to a multiplicative
// factor clamped to [0.5, 1.5].
func FeedbackMultiplier(feedback int, gain float64) float64 {
	m := 1 + gain*float64(feedback)
	if m < 0.5 {
		return 0.5
	}
	if m > 1.5 {
		return 1.5
	}
	return m
}

// RecordFeedback applies a thumbs signal against a cited chunk. Positive
// delta promotes, negative recedes; the multiplier clamp keeps either from
// removing a source outright.
func (e *Engine) RecordFeedback(ctx context.Context, scope store.TenantScope, chunkID string, delta int) error {
	if delta == 0 {
		return nil
	}
	if delta > 1 {
		delta = 1
	}
	if delta < -1 {
		delta = -1
	}
	return e.chunks.AdjustFeedback(ctx, scope, chunkID, delta)
}
