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

// Package compose executes specialists and compositions of them under a
// shared context and deadline. Four patterns are supported: pipeline
// (sequential with context threading), fan-out (concurrent with synthesis),
// gate (producer/verifier with retry), and TDD-loop (builder/tester with
// iteration). A planner-emitted DAG executes in topological layers.
package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"axonflow/agentcore/llm"
	"axonflow/agentcore/router"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
	"axonflow/agentcore/store"
)

// Task is the unit of work handed to a specialist. Context carries the
// outputs of earlier stages and the retrieval/memory blocks assembled by the
// pipeline.
type Task struct {
	Query   string
	Context []string

	// PinnedTier, when set, forces every model call for this task onto
	// one tier. Carried from the chat request's model_override.
	PinnedTier llm.Tier
}

// WithContext returns a copy of the task with an extra context block.
func (t *Task) WithContext(blocks ...string) *Task {
	next := &Task{Query: t.Query, PinnedTier: t.PinnedTier}
	next.Context = append(next.Context, t.Context...)
	for _, b := range blocks {
		if b != "" {
			next.Context = append(next.Context, b)
		}
	}
	return next
}

// Output is a specialist's result.
type Output struct {
	Specialist string         `json:"specialist"`
	Content    string         `json:"content"`
	Confidence float64        `json:"confidence"`
	Tier       llm.Tier       `json:"tier"`
	Usage      llm.UsageStats `json:"usage"`

	// RollbackHandles are undo references produced by stages that caused
	// side effects.
	RollbackHandles []string `json:"rollback_handles,omitempty"`
}

// Specialist is a leaf reasoner.
type Specialist interface {
	// Name identifies the specialist in stage records.
	Name() string

	// Execute runs the specialist on a task.
	Execute(ctx context.Context, scope store.TenantScope, task *Task) (*Output, error)
}

// StageRecord is one entry in a composition's structured history.
type StageRecord struct {
	Specialist      string         `json:"specialist"`
	TaskID          string         `json:"task_id,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         time.Time      `json:"ended_at"`
	Tier            llm.Tier       `json:"tier,omitempty"`
	Usage           llm.UsageStats `json:"usage"`
	Output          string         `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	Attempt         int            `json:"attempt,omitempty"`
	RollbackHandles []string       `json:"rollback_handles,omitempty"`
}

// Pattern names a composition shape.
type Pattern string

const (
	PatternDirect   Pattern = "direct"
	PatternPipeline Pattern = "pipeline"
	PatternFanOut   Pattern = "fanout"
	PatternGate     Pattern = "gate"
	PatternTDDLoop  Pattern = "tdd_loop"
)

// Scheduler runs compositions.
type Scheduler struct {
	router *router.Router
	log    *logger.Logger

	// GateRetries bounds verifier-driven retries; TDDIterations bounds
	// builder/tester loops.
	GateRetries   int
	TDDIterations int
}

// NewScheduler creates a scheduler with default bounds.
func NewScheduler(rt *router.Router, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.New("compose")
	}
	return &Scheduler{router: rt, log: log, GateRetries: 3, TDDIterations: 3}
}

// runStage executes one specialist and records it.
func runStage(ctx context.Context, scope store.TenantScope, sp Specialist, task *Task, attempt int) (*Output, StageRecord) {
	rec := StageRecord{Specialist: sp.Name(), StartedAt: time.Now().UTC(), Attempt: attempt}
	out, err := sp.Execute(ctx, scope, task)
	rec.EndedAt = time.Now().UTC()
	if err != nil {
		rec.Error = err.Error()
		return nil, rec
	}
	rec.Tier = out.Tier
	rec.Usage = out.Usage
	rec.Output = out.Content
	rec.RollbackHandles = out.RollbackHandles
	return out, rec
}

// RunPipeline executes specialists in order, threading each output into the
// next task's context. The first failure stops the pipeline and becomes its
// error.
func (s *Scheduler) RunPipeline(ctx context.Context, scope store.TenantScope, stages []Specialist, task *Task) (*Output, []StageRecord, error) {
	if len(stages) == 0 {
		return nil, nil, fault.Validation("pipeline_empty", "stages", "pipeline needs at least one stage")
	}

	var history []StageRecord
	current := task
	var last *Output
	for _, sp := range stages {
		if err := ctx.Err(); err != nil {
			return nil, history, fault.FromContextErr(err)
		}
		out, rec := runStage(ctx, scope, sp, current, 0)
		history = append(history, rec)
		if out == nil {
			return nil, history, fault.Wrap(fault.KindUpstream, "pipeline_stage_failed",
				"stage "+sp.Name()+" failed", fmt.Errorf("%s", rec.Error))
		}
		last = out
		current = current.WithContext(sp.Name() + " output:\n" + out.Content)
	}
	return last, history, nil
}

// RunFanOut executes branches concurrently on the same task, then hands the
// successful outputs to the synthesizer. Partial failure is tolerated;
// synthesis needs at least one success.
func (s *Scheduler) RunFanOut(ctx context.Context, scope store.TenantScope, branches []Specialist, synthesizer Specialist, task *Task) (*Output, []StageRecord, error) {
	if len(branches) == 0 {
		return nil, nil, fault.Validation("fanout_empty", "branches", "fan-out needs at least one branch")
	}
	if synthesizer == nil {
		return nil, nil, fault.Validation("fanout_no_synthesizer", "synthesizer", "fan-out needs a synthesizer")
	}

	outputs := make([]*Output, len(branches))
	records := make([]StageRecord, len(branches))

	var wg sync.WaitGroup
	for i, sp := range branches {
		wg.Add(1)
		go func(i int, sp Specialist) {
			defer wg.Done()
			outputs[i], records[i] = runStage(ctx, scope, sp, task, 0)
		}(i, sp)
	}
	wg.Wait()

	history := append([]StageRecord(nil), records...)

	synthTask := task
	successes := 0
	for i, out := range outputs {
		if out != nil {
			successes++
			synthTask = synthTask.WithContext(branches[i].Name() + " findings:\n" + out.Content)
		}
	}
	if successes == 0 {
		return nil, history, fault.Wrap(fault.KindUpstream, "fanout_all_failed",
			"every fan-out branch failed", nil)
	}

	out, rec := runStage(ctx, scope, synthesizer, synthTask, 0)
	history = append(history, rec)
	if out == nil {
		return nil, history, fault.Wrap(fault.KindUpstream, "fanout_synthesis_failed",
			"synthesis failed", fmt.Errorf("%s", rec.Error))
	}
	return out, history, nil
}

// Verdict is a verifier's decision.
type Verdict struct {
	Pass   bool   `json:"pass"`
	Reason string `json:"reason"`
}

// ParseVerdict reads a verifier output: strict JSON first, keyword scan as
// fallback.
func ParseVerdict(content string) Verdict {
	trimmed := strings.TrimSpace(content)
	if i := strings.Index(trimmed, "{"); i >= 0 {
		if j := strings.LastIndex(trimmed, "}"); j > i {
			var v Verdict
			if err := json.Unmarshal([]byte(trimmed[i:j+1]), &v); err == nil {
				return v
			}
		}
	}
	upper := strings.ToUpper(trimmed)
	if strings.Contains(upper, "PASS") && !strings.Contains(upper, "FAIL") {
		return Verdict{Pass: true}
	}
	return Verdict{Pass: false, Reason: trimmed}
}

// RunGate runs producer then verifier. On a failed verdict the reason is fed
// back into the producer's context and the pair retries, up to GateRetries
// attempts.
func (s *Scheduler) RunGate(ctx context.Context, scope store.TenantScope, producer, verifier Specialist, task *Task) (*Output, []StageRecord, error) {
	if producer == nil || verifier == nil {
		return nil, nil, fault.Validation("gate_incomplete", "gate", "gate needs producer and verifier")
	}

	retries := s.GateRetries
	if retries < 1 {
		retries = 1
	}

	var history []StageRecord
	current := task
	var lastReason string
	for attempt := 1; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, history, fault.FromContextErr(err)
		}

		out, rec := runStage(ctx, scope, producer, current, attempt)
		history = append(history, rec)
		if out == nil {
			return nil, history, fault.Wrap(fault.KindUpstream, "gate_producer_failed",
				"producer failed", fmt.Errorf("%s", rec.Error))
		}

		verdictTask := task.WithContext("Candidate output:\n" + out.Content)
		vOut, vRec := runStage(ctx, scope, verifier, verdictTask, attempt)
		history = append(history, vRec)
		if vOut == nil {
			return nil, history, fault.Wrap(fault.KindUpstream, "gate_verifier_failed",
				"verifier failed", fmt.Errorf("%s", vRec.Error))
		}

		verdict := ParseVerdict(vOut.Content)
		if verdict.Pass {
			return out, history, nil
		}
		lastReason = verdict.Reason
		current = task.WithContext("A previous attempt was rejected: " + verdict.Reason)
	}
	return nil, history, fault.Wrap(fault.KindUpstream, "gate_exhausted",
		"verifier rejected all attempts", fmt.Errorf("last reason: %s", lastReason))
}

// TestOutcome is a tester's structured result.
type TestOutcome struct {
	Pass     bool     `json:"pass"`
	Summary  string   `json:"summary"`
	Failures []string `json:"failures,omitempty"`
}

// ParseTestOutcome reads a tester output; non-JSON replies count as failure
// with the reply as summary.
func ParseTestOutcome(content string) TestOutcome {
	trimmed := strings.TrimSpace(content)
	if i := strings.Index(trimmed, "{"); i >= 0 {
		if j := strings.LastIndex(trimmed, "}"); j > i {
			var o TestOutcome
			if err := json.Unmarshal([]byte(trimmed[i:j+1]), &o); err == nil {
				return o
			}
		}
	}
	return TestOutcome{Pass: false, Summary: trimmed}
}

// RunTDDLoop alternates builder and tester. The tester is authoritative; on
// failure its structured outcome feeds the next build, up to TDDIterations.
func (s *Scheduler) RunTDDLoop(ctx context.Context, scope store.TenantScope, builder, tester Specialist, task *Task) (*Output, []StageRecord, error) {
	if builder == nil || tester == nil {
		return nil, nil, fault.Validation("tdd_incomplete", "tdd_loop", "loop needs builder and tester")
	}

	iterations := s.TDDIterations
	if iterations < 1 {
		iterations = 1
	}

	var history []StageRecord
	current := task
	var lastOutcome TestOutcome
	for attempt := 1; attempt <= iterations; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, history, fault.FromContextErr(err)
		}

		built, bRec := runStage(ctx, scope, builder, current, attempt)
		history = append(history, bRec)
		if built == nil {
			return nil, history, fault.Wrap(fault.KindUpstream, "tdd_builder_failed",
				"builder failed", fmt.Errorf("%s", bRec.Error))
		}

		testTask := task.WithContext("Candidate implementation:\n" + built.Content)
		tested, tRec := runStage(ctx, scope, tester, testTask, attempt)
		history = append(history, tRec)
		if tested == nil {
			return nil, history, fault.Wrap(fault.KindUpstream, "tdd_tester_failed",
				"tester failed", fmt.Errorf("%s", tRec.Error))
		}

		outcome := ParseTestOutcome(tested.Content)
		if outcome.Pass {
			return built, history, nil
		}
		lastOutcome = outcome
		feedback := "Tests failed: " + outcome.Summary
		if len(outcome.Failures) > 0 {
			feedback += "\n- " + strings.Join(outcome.Failures, "\n- ")
		}
		current = task.WithContext(feedback)
	}
	return nil, history, fault.Wrap(fault.KindUpstream, "tdd_exhausted",
		"tester failed every iteration", fmt.Errorf("last outcome: %s", lastOutcome.Summary))
}

// classifyPrompt drives auto-composition selection on the light tier.
const classifyPrompt = `Classify this request for agent composition.
Respond with exactly one word: simple, deep, multi_perspective, or quality_critical.
simple: a direct answer suffices.
deep: needs sequential research then analysis.
multi_perspective: benefits from independent parallel takes.
quality_critical: the answer must be verified before returning.

Request:
`

// SelectPattern asks the light tier to pick a composition pattern. The
// mapping is deterministic; an unavailable classifier selects direct.
func (s *Scheduler) SelectPattern(ctx context.Context, scope store.TenantScope, query string) Pattern {
	res, err := s.router.Complete(ctx, scope, &router.Request{
		Prompt:     classifyPrompt + query,
		SystemTier: llm.TierLight,
		MaxTokens:  8,
	})
	if err != nil {
		return PatternDirect
	}
	switch {
	case strings.Contains(res.Response.Content, "multi_perspective"):
		return PatternFanOut
	case strings.Contains(res.Response.Content, "quality_critical"):
		return PatternGate
	case strings.Contains(res.Response.Content, "deep"):
		return PatternPipeline
	case strings.Contains(res.Response.Content, "simple"):
		return PatternDirect
	}
	return PatternDirect
}
