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

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client

	inputCostPer1K  float64
	outputCostPer1K float64
}

// NewAnthropicProvider creates a provider for the given default model.
func NewAnthropicProvider(name, apiKey, baseURL, model string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &AnthropicProvider{
		name:            name,
		apiKey:          apiKey,
		baseURL:         strings.TrimRight(baseURL, "/"),
		model:           model,
		httpClient:      &http.Client{Timeout: 120 * time.Second},
		inputCostPer1K:  0.003,
		outputCostPer1K: 0.015,
	}
}

func (p *AnthropicProvider) Name() string { return p.name }

func (p *AnthropicProvider) CostPer1K() (float64, float64) {
	return p.inputCostPer1K, p.outputCostPer1K
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`

	Temperature   *float64 `json:"temperature,omitempty"`
	StopSequences []string `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) buildRequest(req *CompletionRequest, stream bool) *anthropicRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	body := &anthropicRequest{
		Model:         model,
		MaxTokens:     maxTokens,
		System:        req.SystemPrompt,
		Messages:      []anthropicMessage{{Role: "user", Content: req.Prompt}},
		Stream:        stream,
		StopSequences: req.StopSequences,
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}
	return body
}

func (p *AnthropicProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	payload, err := json.Marshal(p.buildRequest(req, false))
	if err != nil {
		return nil, NewProviderError(p.name, ErrCodeInvalidRequest, err.Error())
	}

	httpResp, err := p.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, p.statusError(httpResp.StatusCode)
	}

	var out anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, NewProviderError(p.name, ErrCodeServerError, "malformed response: "+err.Error())
	}
	if out.Error != nil {
		return nil, NewProviderError(p.name, ErrCodeServerError, out.Error.Message)
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &CompletionResponse{
		Content: text.String(),
		Model:   out.Model,
		Usage: UsageStats{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
		Latency:      time.Since(start),
		FinishReason: out.StopReason,
	}, nil
}

func (p *AnthropicProvider) CompleteStream(ctx context.Context, req *CompletionRequest, handler StreamHandler) error {
	payload, err := json.Marshal(p.buildRequest(req, true))
	if err != nil {
		return NewProviderError(p.name, ErrCodeInvalidRequest, err.Error())
	}

	httpResp, err := p.post(ctx, payload)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return p.statusError(httpResp.StatusCode)
	}

	var usage UsageStats
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
			Usage *struct {
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
			Message *struct {
				Usage struct {
					InputTokens int `json:"input_tokens"`
				} `json:"usage"`
			} `json:"message"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.PromptTokens = event.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if event.Delta.Type == "text_delta" {
				if err := handler(StreamChunk{Type: "content", Content: event.Delta.Text}); err != nil {
					return err
				}
			}
		case "message_delta":
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}
		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			return handler(StreamChunk{Type: "done", Done: true, Usage: &usage})
		}
	}
	if err := scanner.Err(); err != nil {
		return NewProviderError(p.name, ErrCodeServerError, "stream interrupted: "+err.Error())
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return handler(StreamChunk{Type: "done", Done: true, Usage: &usage})
}

func (p *AnthropicProvider) IsHealthy(ctx context.Context) bool {
	return p.apiKey != ""
}

func (p *AnthropicProvider) post(ctx context.Context, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, NewProviderError(p.name, ErrCodeInvalidRequest, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewProviderError(p.name, ErrCodeTimeout, ctx.Err().Error())
		}
		return nil, NewProviderError(p.name, ErrCodeUnavailable, err.Error())
	}
	return resp, nil
}

func (p *AnthropicProvider) statusError(status int) *ProviderError {
	code := ErrCodeServerError
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = ErrCodeAuth
	case status == http.StatusTooManyRequests:
		code = ErrCodeRateLimit
	case status == http.StatusBadRequest:
		code = ErrCodeInvalidRequest
	case status >= 500:
		code = ErrCodeServerError
	}
	pe := NewProviderError(p.name, code, fmt.Sprintf("upstream returned status %d", status))
	pe.StatusCode = status
	return pe
}
