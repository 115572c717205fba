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
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// MockProvider is the deterministic fallback used when no provider
// credentials are configured, and the workhorse of the test suites. Output
// depends only on the prompt so replays are stable.
type MockProvider struct {
	name string

	// Respond overrides the canned response logic when set.
	Respond func(req *CompletionRequest) string

	// Fail makes every call return the given error when set.
	Fail error

	// Delay simulates inference latency.
	Delay time.Duration
}

// NewMockProvider creates a mock provider with the given instance name.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name}
}

func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, NewProviderError(m.name, ErrCodeTimeout, ctx.Err().Error())
		}
	}
	if m.Fail != nil {
		return nil, m.Fail
	}

	content := m.render(req)
	return &CompletionResponse{
		Content: content,
		Model:   "mock-model",
		Usage: UsageStats{
			PromptTokens:     EstimateTokens(req.SystemPrompt + req.Prompt),
			CompletionTokens: EstimateTokens(content),
			TotalTokens:      EstimateTokens(req.SystemPrompt+req.Prompt) + EstimateTokens(content),
		},
		Latency:      time.Since(start),
		FinishReason: "stop",
	}, nil
}

func (m *MockProvider) CompleteStream(ctx context.Context, req *CompletionRequest, handler StreamHandler) error {
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return err
	}
	for _, word := range strings.Fields(resp.Content) {
		select {
		case <-ctx.Done():
			return NewProviderError(m.name, ErrCodeTimeout, ctx.Err().Error())
		default:
		}
		if err := handler(StreamChunk{Type: "content", Content: word + " "}); err != nil {
			return err
		}
	}
	return handler(StreamChunk{Type: "done", Done: true, Usage: &resp.Usage})
}

func (m *MockProvider) IsHealthy(ctx context.Context) bool { return m.Fail == nil }

func (m *MockProvider) CostPer1K() (float64, float64) { return 0, 0 }

func (m *MockProvider) render(req *CompletionRequest) string {
	if m.Respond != nil {
		return m.Respond(req)
	}
	sum := sha256.Sum256([]byte(req.Prompt))
	return fmt.Sprintf("mock response %x for: %s", sum[:4], truncate(req.Prompt, 80))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// MockEmbedder produces deterministic embeddings derived from a content
// hash. Similar inputs do not get similar vectors; the point is stable,
// correctly-sized output for tests and credential-less deployments.
type MockEmbedder struct {
	dims int
}

// NewMockEmbedder creates an embedder with the given output width.
func NewMockEmbedder(dims int) *MockEmbedder {
	if dims <= 0 {
		dims = 768
	}
	return &MockEmbedder{dims: dims}
}

func (m *MockEmbedder) Name() string { return "mock-embedder" }

func (m *MockEmbedder) Dimensions() int { return m.dims }

func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, NewProviderError(m.Name(), ErrCodeTimeout, err.Error())
		}
		vec := make([]float32, m.dims)
		seed := sha256.Sum256([]byte(t))
		for j := 0; j < m.dims; j++ {
			// Re-hash every 8 values to spread entropy across the vector.
			if j%8 == 0 && j > 0 {
				seed = sha256.Sum256(seed[:])
			}
			bits := binary.BigEndian.Uint32(seed[(j%8)*4 : (j%8)*4+4])
			vec[j] = (float32(bits%2000) - 1000) / 1000
		}
		out[i] = normalize(vec)
	}
	return out, nil
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / float32(math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}
