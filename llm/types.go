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

// Package llm defines the unified provider abstraction for model inference.
// Concrete providers (Anthropic, Bedrock, Ollama, mock) implement the same
// interface so the router can swap them per tier without callers noticing.
package llm

import (
	"context"
	"fmt"
	"time"
)

// Tier identifies a model capability class. The router maps each tier to a
// concrete provider and model.
type Tier string

const (
	// TierLight is the small fast model used for classification,
	// extraction, and embedding-adjacent chores.
	TierLight Tier = "light"

	// TierStandard is the mid-size default for most reasoning.
	TierStandard Tier = "standard"

	// TierHeavy is the large model reserved for complex requests.
	TierHeavy Tier = "heavy"
)

// Valid reports whether the tier is recognized.
func (t Tier) Valid() bool {
	switch t {
	case TierLight, TierStandard, TierHeavy:
		return true
	}
	return false
}

// Below returns the next-lower tier; light is the floor.
func (t Tier) Below() (Tier, bool) {
	switch t {
	case TierHeavy:
		return TierStandard, true
	case TierStandard:
		return TierLight, true
	}
	return TierLight, false
}

// Above returns the next-higher tier; heavy is the cap.
func (t Tier) Above() (Tier, bool) {
	switch t {
	case TierLight:
		return TierStandard, true
	case TierStandard:
		return TierHeavy, true
	}
	return TierHeavy, false
}

// CompletionRequest is the unified request shape for all providers.
type CompletionRequest struct {
	// Prompt is the user's input text.
	Prompt string `json:"prompt"`

	// SystemPrompt sets behavior/context where the provider supports it.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// MaxTokens limits the response length; 0 uses provider defaults.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness; 0 is deterministic.
	Temperature float64 `json:"temperature,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`

	// StopSequences end generation early.
	StopSequences []string `json:"stop_sequences,omitempty"`
}

// CompletionResponse is the result of a completion.
type CompletionResponse struct {
	// Content is the generated text.
	Content string `json:"content"`

	// Model is the model that actually served the request.
	Model string `json:"model"`

	// Usage is the token accounting for the call.
	Usage UsageStats `json:"usage"`

	// Latency is the wall time of the call.
	Latency time.Duration `json:"latency"`

	// FinishReason is why generation stopped ("stop", "max_tokens", ...).
	FinishReason string `json:"finish_reason,omitempty"`
}

// UsageStats tracks token consumption for budget accounting.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one unit of a streaming response.
type StreamChunk struct {
	// Type is "content", "done", or "error".
	Type string `json:"type"`

	// Content is the token text for content chunks.
	Content string `json:"content,omitempty"`

	// Done marks the final chunk.
	Done bool `json:"done"`

	// Error carries the failure for error chunks.
	Error string `json:"error,omitempty"`

	// Usage is populated on the final chunk when the provider reports it.
	Usage *UsageStats `json:"usage,omitempty"`
}

// StreamHandler consumes streaming chunks in arrival order. Returning an
// error aborts the stream.
type StreamHandler func(chunk StreamChunk) error

// Provider is a model inference endpoint.
type Provider interface {
	// Name identifies the provider instance for logs and traces.
	Name() string

	// Complete runs an eager completion.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteStream runs a streaming completion, delivering chunks to
	// the handler in arrival order.
	CompleteStream(ctx context.Context, req *CompletionRequest, handler StreamHandler) error

	// IsHealthy reports whether the endpoint is currently usable.
	IsHealthy(ctx context.Context) bool

	// CostPer1K returns the input and output token prices.
	CostPer1K() (input, output float64)
}

// Embedder produces fixed-width embedding vectors.
type Embedder interface {
	// Name identifies the embedder for logs.
	Name() string

	// Embed returns one vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the fixed output width.
	Dimensions() int
}

// ProviderError is a failure reported by a provider endpoint.
type ProviderError struct {
	// Provider is the reporting provider's name.
	Provider string `json:"provider"`

	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message describes the failure.
	Message string `json:"message"`

	// StatusCode is the upstream HTTP status, when applicable.
	StatusCode int `json:"status_code,omitempty"`

	// Retryable marks transient failures.
	Retryable bool `json:"retryable"`

	// Cause is the underlying error.
	Cause error `json:"-"`
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Common provider error codes.
const (
	ErrCodeRateLimit      = "rate_limit"
	ErrCodeAuth           = "authentication_error"
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeContextLength  = "context_length_exceeded"
	ErrCodeServerError    = "server_error"
	ErrCodeTimeout        = "timeout"
	ErrCodeUnavailable    = "unavailable"
)

// NewProviderError creates a ProviderError, deriving retryability from the
// code.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	}
	return false
}

// EstimateTokens approximates the token count of a text. Four characters
// per token tracks English prose closely enough for budgets and chunking.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		return 1
	}
	return n
}
