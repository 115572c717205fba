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

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const ollamaDefaultBaseURL = "http://localhost:11434"

// OllamaProvider calls a local or self-hosted Ollama instance. It is the
// usual choice for the light tier in on-prem deployments.
type OllamaProvider struct {
	name       string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaProvider creates a provider for the given default model.
func NewOllamaProvider(name, baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = ollamaDefaultBaseURL
	}
	return &OllamaProvider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *OllamaProvider) Name() string { return p.name }

// CostPer1K is zero for self-hosted inference.
func (p *OllamaProvider) CostPer1K() (float64, float64) { return 0, 0 }

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (p *OllamaProvider) buildRequest(req *CompletionRequest, stream bool) *ollamaGenerateRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	body := &ollamaGenerateRequest{
		Model:  model,
		Prompt: req.Prompt,
		System: req.SystemPrompt,
		Stream: stream,
	}
	opts := map[string]any{}
	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if len(req.StopSequences) > 0 {
		opts["stop"] = req.StopSequences
	}
	if len(opts) > 0 {
		body.Options = opts
	}
	return body
}

func (p *OllamaProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	httpResp, err := p.post(ctx, "/api/generate", p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, p.statusError(httpResp.StatusCode)
	}

	var out ollamaGenerateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, NewProviderError(p.name, ErrCodeServerError, "malformed response: "+err.Error())
	}

	return &CompletionResponse{
		Content: out.Response,
		Model:   out.Model,
		Usage: UsageStats{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
		Latency:      time.Since(start),
		FinishReason: out.DoneReason,
	}, nil
}

func (p *OllamaProvider) CompleteStream(ctx context.Context, req *CompletionRequest, handler StreamHandler) error {
	httpResp, err := p.post(ctx, "/api/generate", p.buildRequest(req, true))
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return p.statusError(httpResp.StatusCode)
	}

	// Ollama streams one JSON object per line.
	var usage UsageStats
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var out ollamaGenerateResponse
		if err := json.Unmarshal(scanner.Bytes(), &out); err != nil {
			continue
		}
		if out.Response != "" {
			if err := handler(StreamChunk{Type: "content", Content: out.Response}); err != nil {
				return err
			}
		}
		if out.Done {
			usage = UsageStats{
				PromptTokens:     out.PromptEvalCount,
				CompletionTokens: out.EvalCount,
				TotalTokens:      out.PromptEvalCount + out.EvalCount,
			}
			return handler(StreamChunk{Type: "done", Done: true, Usage: &usage})
		}
	}
	if err := scanner.Err(); err != nil {
		return NewProviderError(p.name, ErrCodeServerError, "stream interrupted: "+err.Error())
	}
	return handler(StreamChunk{Type: "done", Done: true, Usage: &usage})
}

func (p *OllamaProvider) IsHealthy(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(healthCtx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *OllamaProvider) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, NewProviderError(p.name, ErrCodeInvalidRequest, err.Error())
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, NewProviderError(p.name, ErrCodeInvalidRequest, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewProviderError(p.name, ErrCodeTimeout, ctx.Err().Error())
		}
		return nil, NewProviderError(p.name, ErrCodeUnavailable, err.Error())
	}
	return resp, nil
}

func (p *OllamaProvider) statusError(status int) *ProviderError {
	code := ErrCodeServerError
	switch {
	case status == http.StatusNotFound || status == http.StatusBadRequest:
		code = ErrCodeInvalidRequest
	case status == http.StatusTooManyRequests:
		code = ErrCodeRateLimit
	case status >= 500:
		code = ErrCodeServerError
	}
	pe := NewProviderError(p.name, code, fmt.Sprintf("upstream returned status %d", status))
	pe.StatusCode = status
	return pe
}

// OllamaEmbedder produces embeddings through an Ollama embedding model.
type OllamaEmbedder struct {
	name       string
	baseURL    string
	model      string
	dims       int
	httpClient *http.Client
}

// NewOllamaEmbedder creates an embedder for the given model and output width.
func NewOllamaEmbedder(baseURL, model string, dims int) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = ollamaDefaultBaseURL
	}
	if dims <= 0 {
		dims = 768
	}
	return &OllamaEmbedder{
		name:       "ollama-embedder",
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		dims:       dims,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *OllamaEmbedder) Name() string { return e.name }

func (e *OllamaEmbedder) Dimensions() int { return e.dims }

func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		if len(vec) != e.dims {
			return nil, NewProviderError(e.name, ErrCodeServerError,
				fmt.Sprintf("embedding width %d, expected %d", len(vec), e.dims))
		}
		out[i] = vec
	}
	return out, nil
}

func (e *OllamaEmbedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]string{
		"model":  e.model,
		"prompt": text,
	})
	if err != nil {
		return nil, NewProviderError(e.name, ErrCodeInvalidRequest, err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, NewProviderError(e.name, ErrCodeInvalidRequest, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewProviderError(e.name, ErrCodeTimeout, ctx.Err().Error())
		}
		return nil, NewProviderError(e.name, ErrCodeUnavailable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, NewProviderError(e.name, ErrCodeServerError,
			fmt.Sprintf("embedding request returned status %d", resp.StatusCode))
	}

	var body struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, NewProviderError(e.name, ErrCodeServerError, "malformed response: "+err.Error())
	}
	return body.Embedding, nil
}
