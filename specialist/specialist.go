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

// Package specialist provides the built-in leaf reasoners the scheduler
// composes: generalist, researcher, analyst, builder, tester, verifier, and
// synthesizer. Each is a role prompt over the model router; a reply whose
// self-reported confidence falls below the escalation threshold is retried
// once on the next-higher tier.
package specialist

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"axonflow/agentcore/compose"
	"axonflow/agentcore/llm"
	"axonflow/agentcore/router"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/store"
)

// confidenceMarker is the trailing line specialists are instructed to emit.
const confidenceMarker = "CONFIDENCE:"

const confidenceInstruction = `
End your reply with a final line of the form "CONFIDENCE: 0.x" estimating
how confident you are in the answer, from 0.0 to 1.0.`

// Agent is one role-prompted reasoner.
type Agent struct {
	name      string
	role      string
	tier      llm.Tier
	router    *router.Router
	threshold float64
	maxTokens int
}

// New creates a specialist with an explicit role prompt and preferred tier.
// An empty tier defers to the router's complexity classifier.
func New(name, role string, tier llm.Tier, rt *router.Router, escalationThreshold float64) *Agent {
	if escalationThreshold <= 0 {
		escalationThreshold = 0.4
	}
	return &Agent{
		name:      name,
		role:      role,
		tier:      tier,
		router:    rt,
		threshold: escalationThreshold,
		maxTokens: 4096,
	}
}

func (a *Agent) Name() string { return a.name }

func (a *Agent) buildSystemPrompt(task *compose.Task) string {
	var b strings.Builder
	b.WriteString(a.role)
	b.WriteString(confidenceInstruction)
	for _, block := range task.Context {
		b.WriteString("\n\n---\n")
		b.WriteString(block)
	}
	return b.String()
}

// Execute runs the specialist, escalating one tier when the reply's
// confidence falls below the threshold.
func (a *Agent) Execute(ctx context.Context, scope store.TenantScope, task *compose.Task) (*compose.Output, error) {
	if task == nil || strings.TrimSpace(task.Query) == "" {
		return nil, fault.Validation("task_empty", "query", "task needs a query")
	}

	out, err := a.call(ctx, scope, task, a.tier)
	if err != nil {
		return nil, err
	}

	if out.Confidence < a.threshold && task.PinnedTier == "" {
		if above, ok := out.Tier.Above(); ok {
			retry, retryErr := a.call(ctx, scope, task, above)
			if retryErr == nil && retry.Confidence > out.Confidence {
				return retry, nil
			}
		}
	}
	return out, nil
}

func (a *Agent) call(ctx context.Context, scope store.TenantScope, task *compose.Task, tier llm.Tier) (*compose.Output, error) {
	res, err := a.router.Complete(ctx, scope, &router.Request{
		Prompt:       task.Query,
		SystemPrompt: a.buildSystemPrompt(task),
		SystemTier:   tier,
		PinnedTier:   task.PinnedTier,
		MaxTokens:    a.maxTokens,
	})
	if err != nil {
		return nil, err
	}

	content, confidence := SplitConfidence(res.Response.Content)
	return &compose.Output{
		Specialist: a.name,
		Content:    content,
		Confidence: confidence,
		Tier:       res.Tier,
		Usage:      res.Response.Usage,
	}, nil
}

// SplitConfidence strips the trailing confidence line from a reply and
// returns the parsed value; replies without one count as fully confident.
func SplitConfidence(reply string) (string, float64) {
	trimmed := strings.TrimRight(reply, " \t\n")
	idx := strings.LastIndex(trimmed, confidenceMarker)
	if idx < 0 {
		return trimmed, 1.0
	}
	tail := strings.TrimSpace(trimmed[idx+len(confidenceMarker):])
	if strings.ContainsAny(tail, "\n") {
		// Marker mid-text, not a trailing line.
		return trimmed, 1.0
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(strings.Fields(tail+" x")[0], "."), 64)
	if err != nil {
		return trimmed, 1.0
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return strings.TrimRight(trimmed[:idx], " \t\n"), v
}

// Registry holds the built-in specialists by name.
type Registry struct {
	agents map[string]*Agent
}

// Built-in specialist names.
const (
	Generalist  = "generalist"
	Researcher  = "researcher"
	Analyst     = "analyst"
	Builder     = "builder"
	Tester      = "tester"
	Verifier    = "verifier"
	Synthesizer = "synthesizer"
)

// NewRegistry wires the built-in roster over one router.
func NewRegistry(rt *router.Router, escalationThreshold float64) *Registry {
	roster := []struct {
		name string
		role string
		tier llm.Tier
	}{
		{Generalist,
			"You are a capable general assistant for industrial operations. Answer directly and cite provided context where relevant.",
			""},
		{Researcher,
			"You are a research specialist. Gather the relevant facts from the provided context and state what is known, unknown, and where each fact came from.",
			llm.TierStandard},
		{Analyst,
			"You are an analysis specialist. Weigh the evidence in the provided context, identify patterns and risks, and draw explicit conclusions.",
			llm.TierStandard},
		{Builder,
			"You are an implementation specialist. Produce the requested artifact completely and precisely. Output only the artifact.",
			llm.TierHeavy},
		{Tester,
			"You are a testing specialist. Evaluate the candidate implementation in the provided context against the request. Reply with JSON: {\"pass\":bool,\"summary\":\"...\",\"failures\":[\"...\"]}.",
			llm.TierStandard},
		{Verifier,
			"You are a verification specialist. Judge whether the candidate output in the provided context answers the request correctly and safely. Reply with JSON: {\"pass\":bool,\"reason\":\"...\"}.",
			llm.TierStandard},
		{Synthesizer,
			"You are a synthesis specialist. Merge the findings in the provided context into one coherent, non-repetitive answer, preserving disagreements explicitly.",
			llm.TierStandard},
	}

	r := &Registry{agents: make(map[string]*Agent, len(roster))}
	for _, item := range roster {
		r.agents[item.name] = New(item.name, item.role, item.tier, rt, escalationThreshold)
	}
	return r
}

// Get returns a specialist by name.
func (r *Registry) Get(name string) (compose.Specialist, error) {
	a, ok := r.agents[name]
	if !ok {
		return nil, fault.Validation("specialist_unknown", "specialist", fmt.Sprintf("no specialist named %q", name))
	}
	return a, nil
}

// Names lists the registered specialists in no particular order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		out = append(out, name)
	}
	return out
}
