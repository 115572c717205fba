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

// Package router selects the concrete inference endpoint for each model
// call. Selection order: an operator-pinned tier wins, otherwise the light
// tier classifies the request's complexity; the budget gate may then walk
// the choice down the ladder. A transient failure earns at most one
// escalation to the next-higher tier.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"axonflow/agentcore/budget"
	"axonflow/agentcore/config"
	"axonflow/agentcore/llm"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
	"axonflow/agentcore/shared/types"
	"axonflow/agentcore/store"
)

// Request is a routed model call.
type Request struct {
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64

	// PinnedTier forces a tier on behalf of the caller. Operator or admin
	// only.
	PinnedTier llm.Tier

	// SystemTier is set by core components that already know the tier
	// they need (reranker, extractor, classifier). It bypasses the pin
	// permission check and the complexity classifier, but not the budget
	// gate.
	SystemTier llm.Tier

	// ConversationID or WriteOperationID attributes the consumption; at
	// most one is set.
	ConversationID   string
	WriteOperationID string
}

// Result is a routed completion plus its routing trace.
type Result struct {
	Response *llm.CompletionResponse

	// Tier is the tier that served the final attempt.
	Tier llm.Tier

	// Downgraded is true when the budget gate lowered the tier.
	Downgraded bool

	// Escalated is true when a transient failure moved the call up one
	// tier.
	Escalated bool

	// Notes records routing decisions for the reasoning trace.
	Notes []string
}

// Router maps tiers to providers and enforces the budget gate.
type Router struct {
	providers map[llm.Tier]llm.Provider
	embedder  llm.Embedder
	ledger    *budget.Ledger
	cfg       config.ModelsConfig
	log       *logger.Logger
}

// New builds a router from the models configuration. Tiers without usable
// credentials fall back to the deterministic mock provider so credential-less
// deployments still serve.
func New(cfg config.ModelsConfig, ledger *budget.Ledger, log *logger.Logger) (*Router, error) {
	if log == nil {
		log = logger.New("router")
	}
	r := &Router{
		providers: make(map[llm.Tier]llm.Provider, 3),
		ledger:    ledger,
		cfg:       cfg,
		log:       log,
	}

	endpoints := map[llm.Tier]config.ModelEndpoint{
		llm.TierLight:    cfg.Light,
		llm.TierStandard: cfg.Standard,
		llm.TierHeavy:    cfg.Heavy,
	}
	for tier, ep := range endpoints {
		p, err := buildProvider(tier, ep)
		if err != nil {
			return nil, err
		}
		r.providers[tier] = p
	}

	emb, err := buildEmbedder(cfg.Embedding, cfg.EmbeddingDimensions)
	if err != nil {
		return nil, err
	}
	r.embedder = emb
	return r, nil
}

func buildProvider(tier llm.Tier, ep config.ModelEndpoint) (llm.Provider, error) {
	name := string(tier)
	switch ep.Provider {
	case "anthropic":
		if ep.APIKey == "" {
			return llm.NewMockProvider(name), nil
		}
		return llm.NewAnthropicProvider(name, ep.APIKey, ep.BaseURL, ep.Model), nil
	case "bedrock":
		return llm.NewBedrockProvider(context.Background(), name, ep.Region, ep.Model)
	case "ollama":
		return llm.NewOllamaProvider(name, ep.BaseURL, ep.Model), nil
	case "mock", "":
		return llm.NewMockProvider(name), nil
	default:
		return nil, fault.Validation("provider_unknown", "models."+name+".provider", "unrecognized provider")
	}
}

func buildEmbedder(ep config.ModelEndpoint, dims int) (llm.Embedder, error) {
	switch ep.Provider {
	case "ollama":
		return llm.NewOllamaEmbedder(ep.BaseURL, ep.Model, dims), nil
	case "mock", "":
		return llm.NewMockEmbedder(dims), nil
	default:
		return nil, fault.Validation("embedder_unknown", "models.embedding.provider", "unrecognized embedding provider")
	}
}

// Provider returns the provider serving a tier. Used by health checks.
func (r *Router) Provider(tier llm.Tier) llm.Provider {
	return r.providers[tier]
}

// Embedder returns the configured embedder.
func (r *Router) Embedder() llm.Embedder {
	return r.embedder
}

// Embed produces embeddings, enforcing the configured output width.
func (r *Router) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fault.Upstream("embed_failed", "embedding call failed", true, err)
	}
	for i, v := range vecs {
		if len(v) != r.cfg.EmbeddingDimensions {
			return nil, fault.Validation("embedding_dimensions_mismatch", "embedding",
				fmt.Sprintf("embedder returned width %d for input %d", len(v), i))
		}
	}
	return vecs, nil
}

// selectTier resolves the tier before the budget gate: a pin wins, otherwise
// the classifier decides.
func (r *Router) selectTier(ctx context.Context, scope store.TenantScope, req *Request) (llm.Tier, []string, error) {
	var notes []string

	// A pin beats the caller's own tier choice: specialists pass their
	// role tier as SystemTier, and an operator override must still win.
	if req.PinnedTier != "" {
		if !req.PinnedTier.Valid() {
			return "", nil, fault.Validation("tier_invalid", "tier", "unknown model tier")
		}
		rc, ok := types.FromContext(ctx)
		if !ok || rc.Principal == nil || rc.Principal.Role == types.RoleViewer {
			return "", nil, fault.Authz("tier_pin_forbidden")
		}
		notes = append(notes, "tier pinned to "+string(req.PinnedTier))
		return req.PinnedTier, notes, nil
	}

	if req.SystemTier != "" {
		if !req.SystemTier.Valid() {
			return "", nil, fault.Validation("tier_invalid", "tier", "unknown model tier")
		}
		return req.SystemTier, notes, nil
	}

	tier := r.Classify(ctx, scope, req.Prompt)
	notes = append(notes, "classified as "+string(tier))
	return tier, notes, nil
}

// classifyPrompt is the instruction given to the light tier for complexity
// classification.
const classifyPrompt = `Classify the complexity of the user request below.
Respond with exactly one word: simple, moderate, or complex.
simple: lookups, short factual answers, formatting.
moderate: analysis, summarization, multi-step answers.
complex: planning, multi-document synthesis, code generation.

Request:
`

// Classify maps a prompt to a tier using the light tier itself; a heuristic
// takes over when the light call fails.
func (r *Router) Classify(ctx context.Context, scope store.TenantScope, prompt string) llm.Tier {
	resp, err := r.providers[llm.TierLight].Complete(ctx, &llm.CompletionRequest{
		Prompt:    classifyPrompt + truncateForClassify(prompt),
		MaxTokens: 5,
	})
	if err == nil {
		switch {
		case strings.Contains(strings.ToLower(resp.Content), "complex"):
			return llm.TierHeavy
		case strings.Contains(strings.ToLower(resp.Content), "moderate"):
			return llm.TierStandard
		case strings.Contains(strings.ToLower(resp.Content), "simple"):
			return llm.TierLight
		}
	}
	return heuristicTier(prompt)
}

func truncateForClassify(s string) string {
	if len(s) > 2000 {
		return s[:2000]
	}
	return s
}

// heuristicTier is the fallback complexity estimate: length plus a few
// planning keywords.
func heuristicTier(prompt string) llm.Tier {
	lower := strings.ToLower(prompt)
	for _, kw := range []string{"plan", "design", "implement", "compare", "analyze", "synthesize"} {
		if strings.Contains(lower, kw) {
			return llm.TierHeavy
		}
	}
	switch {
	case len(prompt) > 1500:
		return llm.TierHeavy
	case len(prompt) > 300:
		return llm.TierStandard
	}
	return llm.TierLight
}

// Complete runs an eager routed completion.
func (r *Router) Complete(ctx context.Context, scope store.TenantScope, req *Request) (*Result, error) {
	return r.run(ctx, scope, req, nil)
}

// CompleteStream runs a streaming routed completion. Chunks are delivered in
// arrival order; cancellation preserves tokens already recorded in the trace
// but stops delivery.
func (r *Router) CompleteStream(ctx context.Context, scope store.TenantScope, req *Request, handler llm.StreamHandler) (*Result, error) {
	if handler == nil {
		return nil, fault.Validation("stream_handler_missing", "handler", "stream handler required")
	}
	return r.run(ctx, scope, req, handler)
}

// run executes the gate/call/record cycle, with one escalation retry on a
// transient failure.
func (r *Router) run(ctx context.Context, scope store.TenantScope, req *Request, handler llm.StreamHandler) (*Result, error) {
	tier, notes, err := r.selectTier(ctx, scope, req)
	if err != nil {
		return nil, err
	}

	promptTokens := int64(llm.EstimateTokens(req.SystemPrompt + req.Prompt))
	decision, err := r.ledger.Gate(ctx, scope, tier, promptTokens)
	if err != nil {
		return nil, err
	}
	if decision.Downgraded {
		notes = append(notes, "budget downgrade "+string(tier)+" to "+string(decision.Tier))
	}
	tier = decision.Tier

	result := &Result{Tier: tier, Downgraded: decision.Downgraded, Notes: notes}

	resp, err := r.attempt(ctx, scope, req, tier, handler)
	if err == nil {
		result.Response = resp
		return result, nil
	}

	// One escalation on transient failure, budget permitting.
	if !transient(err) {
		return nil, r.wrapProviderErr(err)
	}
	above, ok := tier.Above()
	if !ok {
		return nil, r.wrapProviderErr(err)
	}
	retryDecision, gateErr := r.ledger.Gate(ctx, scope, above, promptTokens)
	if gateErr != nil || retryDecision.Tier != above {
		return nil, r.wrapProviderErr(err)
	}

	result.Notes = append(result.Notes, "escalated "+string(tier)+" to "+string(above)+" after transient failure")
	result.Tier = above
	result.Escalated = true

	resp, retryErr := r.attempt(ctx, scope, req, above, handler)
	if retryErr != nil {
		return nil, r.wrapProviderErr(retryErr)
	}
	result.Response = resp
	return result, nil
}

// attempt makes one model call on one tier and records its consumption.
func (r *Router) attempt(ctx context.Context, scope store.TenantScope, req *Request, tier llm.Tier, handler llm.StreamHandler) (*llm.CompletionResponse, error) {
	provider := r.providers[tier]
	call := &llm.CompletionRequest{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	}

	var resp *llm.CompletionResponse
	var err error
	if handler == nil {
		resp, err = provider.Complete(ctx, call)
	} else {
		resp, err = r.streamOnce(ctx, provider, call, handler)
	}
	if resp != nil && resp.Usage.TotalTokens > 0 {
		rec := budget.ConsumptionRecord{
			Tier:             tier,
			Model:            resp.Model,
			ConversationID:   req.ConversationID,
			WriteOperationID: req.WriteOperationID,
			Usage:            resp.Usage,
		}
		if rc, ok := types.FromContext(ctx); ok && rc.Principal != nil {
			rec.PrincipalID = rc.Principal.ID
		}
		if recErr := r.ledger.Record(ctx, scope, rec); recErr != nil {
			r.log.Error(scope.TenantID(), "", "consumption record failed", map[string]interface{}{
				"error": recErr.Error(),
			})
		}
	}
	return resp, err
}

// streamOnce adapts a streaming call so the caller still receives the
// assembled response for accounting and tracing.
func (r *Router) streamOnce(ctx context.Context, provider llm.Provider, call *llm.CompletionRequest, handler llm.StreamHandler) (*llm.CompletionResponse, error) {
	var content strings.Builder
	var usage llm.UsageStats

	err := provider.CompleteStream(ctx, call, func(chunk llm.StreamChunk) error {
		if chunk.Type == "content" {
			content.WriteString(chunk.Content)
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		return handler(chunk)
	})

	resp := &llm.CompletionResponse{
		Content: content.String(),
		Model:   call.Model,
		Usage:   usage,
	}
	if resp.Usage.TotalTokens == 0 && content.Len() > 0 {
		// Provider did not report usage; estimate so the ledger still
		// sees the call.
		resp.Usage.PromptTokens = llm.EstimateTokens(call.SystemPrompt + call.Prompt)
		resp.Usage.CompletionTokens = llm.EstimateTokens(content.String())
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	if err != nil {
		return resp, err
	}
	return resp, nil
}

// transient reports whether a provider failure qualifies for escalation.
// Caller cancellation never does.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		if pe.Code == llm.ErrCodeTimeout {
			return true
		}
		return pe.Retryable
	}
	return false
}

// wrapProviderErr maps provider failures onto the taxonomy.
func (r *Router) wrapProviderErr(err error) error {
	if f, ok := fault.As(err); ok {
		return f
	}
	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		switch pe.Code {
		case llm.ErrCodeTimeout:
			return fault.Wrap(fault.KindTimeout, "model_timeout", "model call timed out", err)
		case llm.ErrCodeInvalidRequest, llm.ErrCodeContextLength:
			return fault.Wrap(fault.KindValidation, "model_request_invalid", pe.Message, err)
		default:
			return fault.Upstream("model_"+pe.Code, "model call failed", pe.Retryable, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.FromContextErr(err)
	}
	if errors.Is(err, context.Canceled) {
		return fault.FromContextErr(err)
	}
	return fault.Upstream("model_call_failed", "model call failed", false, err)
}
