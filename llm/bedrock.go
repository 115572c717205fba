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
	"encoding/json"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// BedrockProvider calls AWS Bedrock managed models through the runtime API.
// The request body follows the Anthropic-on-Bedrock schema.
type BedrockProvider struct {
	name   string
	client *bedrockruntime.Client
	model  string

	inputCostPer1K  float64
	outputCostPer1K float64
}

// NewBedrockProvider creates a provider bound to a region and model. AWS
// credentials resolve through the default chain (env, profile, IMDS).
func NewBedrockProvider(ctx context.Context, name, region, model string) (*BedrockProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, NewProviderError(name, ErrCodeAuth, "cannot load AWS config: "+err.Error())
	}
	return &BedrockProvider{
		name:            name,
		client:          bedrockruntime.NewFromConfig(cfg),
		model:           model,
		inputCostPer1K:  0.003,
		outputCostPer1K: 0.015,
	}, nil
}

func (p *BedrockProvider) Name() string { return p.name }

func (p *BedrockProvider) CostPer1K() (float64, float64) {
	return p.inputCostPer1K, p.outputCostPer1K
}

type bedrockClaudeRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	System           string             `json:"system,omitempty"`
	Messages         []anthropicMessage `json:"messages"`
	Temperature      *float64           `json:"temperature,omitempty"`
	StopSequences    []string           `json:"stop_sequences,omitempty"`
}

type bedrockClaudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *BedrockProvider) buildBody(req *CompletionRequest) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	body := bedrockClaudeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		System:           req.SystemPrompt,
		Messages:         []anthropicMessage{{Role: "user", Content: req.Prompt}},
		StopSequences:    req.StopSequences,
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}
	return json.Marshal(body)
}

func (p *BedrockProvider) modelID(req *CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

func (p *BedrockProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	body, err := p.buildBody(req)
	if err != nil {
		return nil, NewProviderError(p.name, ErrCodeInvalidRequest, err.Error())
	}

	modelID := p.modelID(req)
	contentType := "application/json"
	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &modelID,
		ContentType: &contentType,
		Body:        body,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewProviderError(p.name, ErrCodeTimeout, ctx.Err().Error())
		}
		return nil, NewProviderError(p.name, ErrCodeUnavailable, err.Error())
	}

	var resp bedrockClaudeResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, NewProviderError(p.name, ErrCodeServerError, "malformed response: "+err.Error())
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &CompletionResponse{
		Content: text,
		Model:   modelID,
		Usage: UsageStats{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Latency:      time.Since(start),
		FinishReason: resp.StopReason,
	}, nil
}

func (p *BedrockProvider) CompleteStream(ctx context.Context, req *CompletionRequest, handler StreamHandler) error {
	body, err := p.buildBody(req)
	if err != nil {
		return NewProviderError(p.name, ErrCodeInvalidRequest, err.Error())
	}

	modelID := p.modelID(req)
	contentType := "application/json"
	out, err := p.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     &modelID,
		ContentType: &contentType,
		Body:        body,
	})
	if err != nil {
		if ctx.Err() != nil {
			return NewProviderError(p.name, ErrCodeTimeout, ctx.Err().Error())
		}
		return NewProviderError(p.name, ErrCodeUnavailable, err.Error())
	}

	stream := out.GetStream()
	defer stream.Close()

	var usage UsageStats
	for event := range stream.Events() {
		chunk, ok := event.(*brtypes.ResponseStreamMemberChunk)
		if !ok {
			continue
		}
		var payload struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
			Message *struct {
				Usage struct {
					InputTokens int `json:"input_tokens"`
				} `json:"usage"`
			} `json:"message"`
			Usage *struct {
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(chunk.Value.Bytes, &payload); err != nil {
			continue
		}

		switch payload.Type {
		case "message_start":
			if payload.Message != nil {
				usage.PromptTokens = payload.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if payload.Delta.Type == "text_delta" {
				if err := handler(StreamChunk{Type: "content", Content: payload.Delta.Text}); err != nil {
					return err
				}
			}
		case "message_delta":
			if payload.Usage != nil {
				usage.CompletionTokens = payload.Usage.OutputTokens
			}
		}
	}
	if err := stream.Err(); err != nil {
		return NewProviderError(p.name, ErrCodeServerError, "stream interrupted: "+err.Error())
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return handler(StreamChunk{Type: "done", Done: true, Usage: &usage})
}

func (p *BedrockProvider) IsHealthy(ctx context.Context) bool {
	return p.client != nil
}
