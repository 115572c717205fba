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

// Package pipeline drives one request through the four reasoning phases:
// observe (gather history, memories, goals, documents), think (classify and
// plan), verify (execute the composition, or hand a write off to the
// gateway), learn (extract memories, apply feedback, persist the trace).
// Phases are strictly ordered; sub-operations within observe run
// concurrently.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"axonflow/agentcore/audit"
	"axonflow/agentcore/compose"
	"axonflow/agentcore/config"
	"axonflow/agentcore/llm"
	"axonflow/agentcore/memory"
	"axonflow/agentcore/retrieval"
	"axonflow/agentcore/router"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
	"axonflow/agentcore/shared/types"
	"axonflow/agentcore/specialist"
	"axonflow/agentcore/store"
	"axonflow/agentcore/writegate"
)

// Intent is the routing classification of a user turn.
type Intent string

const (
	IntentAnswer Intent = "answer"
	IntentWrite  Intent = "write"
	IntentBuild  Intent = "build"
)

// Request is one user turn entering the pipeline.
type Request struct {
	Principal      *types.Principal
	ConversationID string
	Message        string
	AgentID        string

	// ModelOverride pins every model call for this turn to one tier.
	// The router enforces who may pin.
	ModelOverride llm.Tier

	// Feedback applies to a prior turn's citations before this turn runs.
	Feedback *Feedback

	// Progress, when set, is invoked as each phase begins. Used by the
	// streaming chat endpoint to frame phase events.
	Progress func(phase string)
}

func (r *Request) progress(phase string) {
	if r.Progress != nil {
		r.Progress(phase)
	}
}

// Feedback is a thumbs signal on a prior assistant turn.
type Feedback struct {
	Delta    int // +1 or -1
	ChunkIDs []string
	Comment  string
}

// Observation is the structured record the observe phase produces.
type Observation struct {
	Conversation *store.Conversation
	History      []*store.Message
	Memories     []*store.RankedMemory
	Goals        []*store.Goal
	Retrieval    *retrieval.Response
	Warnings     []string
}

// Plan is the structured record the think phase produces.
type Plan struct {
	Intent      Intent          `json:"intent"`
	Pattern     compose.Pattern `json:"pattern"`
	Specialists []string        `json:"specialists"`
}

// Result is the pipeline's outcome for one turn.
type Result struct {
	Message     *store.Message
	Observation *Observation
	Plan        *Plan
	Output      *compose.Output
	Stages      []compose.StageRecord

	// PendingApproval is set when the turn proposed a write that now waits
	// for a human decision.
	PendingApproval *store.WriteOperation

	Warnings []string
}

// trace is the persisted reasoning record attached to the assistant turn.
type trace struct {
	Intent    Intent                `json:"intent"`
	Pattern   compose.Pattern       `json:"pattern,omitempty"`
	Notes     []string              `json:"notes,omitempty"`
	Stages    []compose.StageRecord `json:"stages,omitempty"`
	Warnings  []string              `json:"warnings,omitempty"`
	StartedAt time.Time             `json:"started_at"`
	EndedAt   time.Time             `json:"ended_at"`
}

// Pipeline wires the phase dependencies.
type Pipeline struct {
	conversations *store.ConversationRepo
	goals         *store.GoalRepo
	memories      *memory.Service
	retriever     *retrieval.Engine
	scheduler     *compose.Scheduler
	specialists   *specialist.Registry
	writes        *writegate.Gateway
	router        *router.Router
	ledger        *audit.Ledger
	cfg           config.PipelineConfig
	log           *logger.Logger
}

// New assembles the pipeline. The audit ledger may be nil in tests.
func New(
	conversations *store.ConversationRepo,
	goals *store.GoalRepo,
	memories *memory.Service,
	retriever *retrieval.Engine,
	scheduler *compose.Scheduler,
	specialists *specialist.Registry,
	writes *writegate.Gateway,
	rt *router.Router,
	ledger *audit.Ledger,
	cfg config.PipelineConfig,
	log *logger.Logger,
) *Pipeline {
	if log == nil {
		log = logger.New("pipeline")
	}
	if cfg.HistoryTokens <= 0 {
		cfg.HistoryTokens = 4000
	}
	if cfg.GoalLimit <= 0 {
		cfg.GoalLimit = 5
	}
	return &Pipeline{
		conversations: conversations,
		goals:         goals,
		memories:      memories,
		retriever:     retriever,
		scheduler:     scheduler,
		specialists:   specialists,
		writes:        writes,
		router:        rt,
		ledger:        ledger,
		cfg:           cfg,
		log:           log,
	}
}

// Run executes one turn. On TIMEOUT or CANCELLED during verify the partial
// trace is still persisted; the returned Result carries whatever phases
// completed.
func (p *Pipeline) Run(ctx context.Context, req *Request) (*Result, error) {
	if req.Principal == nil {
		return nil, fault.Authn("unauthenticated")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fault.Validation("message_empty", "message", "message must not be empty")
	}
	scope, err := store.NewTenantScope(req.Principal.TenantID)
	if err != nil {
		return nil, err
	}

	startedAt := time.Now().UTC()

	// Learn-from-feedback runs before the new turn so corrected rankings
	// apply to this retrieval.
	var warnings []string
	if req.Feedback != nil {
		warnings = append(warnings, p.applyFeedback(ctx, scope, req)...)
	}

	req.progress("observe")
	obs, err := p.observe(ctx, scope, req)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, obs.Warnings...)

	req.progress("think")
	plan := p.think(ctx, scope, req, obs)

	result := &Result{Observation: obs, Plan: plan, Warnings: warnings}
	tr := &trace{Intent: plan.Intent, Pattern: plan.Pattern, StartedAt: startedAt}

	req.progress("verify")
	out, stages, pending, verifyErr := p.verify(ctx, scope, req, obs, plan)
	result.Output = out
	result.Stages = stages
	result.PendingApproval = pending
	tr.Stages = stages

	if verifyErr != nil {
		kind := fault.KindOf(verifyErr)
		if kind == fault.KindTimeout || kind == fault.KindCancelled {
			// Preserve the partial trace so the turn is reconstructable.
			tr.Warnings = append(warnings, "verify aborted: "+string(kind))
			tr.EndedAt = time.Now().UTC()
			p.persistTurn(context.WithoutCancel(ctx), scope, req, obs, "", string(kind), tr)
		}
		return result, verifyErr
	}

	content := p.finalContent(out, pending)
	req.progress("learn")
	learnWarnings := p.learn(ctx, scope, req, obs, content)
	warnings = append(warnings, learnWarnings...)
	result.Warnings = warnings
	tr.Warnings = warnings
	tr.EndedAt = time.Now().UTC()

	msg, err := p.persistTurn(ctx, scope, req, obs, content, "stop", tr)
	if err != nil {
		return result, err
	}
	result.Message = msg

	p.auditTurn(req, obs, plan, startedAt)
	return result, nil
}

// observe loads history first, then recalls memories, retrieves documents,
// and lists goals concurrently. Memory and goal failures degrade with a
// warning; history and retrieval failures are fatal to the turn.
func (p *Pipeline) observe(ctx context.Context, scope store.TenantScope, req *Request) (*Observation, error) {
	conv, err := p.conversations.Get(ctx, scope, req.ConversationID)
	if err != nil {
		return nil, err
	}

	obs := &Observation{Conversation: conv}
	obs.History, err = p.conversations.History(ctx, scope, conv.ID, p.cfg.HistoryTokens)
	if err != nil {
		return nil, err
	}

	var warnMu sync.Mutex
	warn := func(msg string) {
		warnMu.Lock()
		obs.Warnings = append(obs.Warnings, msg)
		warnMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := p.memories.Recall(gctx, scope, req.Principal.ID, req.AgentID, req.Message, p.memories.RecallTopK())
		if err != nil {
			warn("memory recall degraded: " + err.Error())
			return nil
		}
		obs.Memories = hits
		return nil
	})
	g.Go(func() error {
		filter, err := store.NewChunkFilter(scope, conv.Ceiling)
		if err != nil {
			return err
		}
		resp, err := p.retriever.Search(gctx, scope, filter, req.Message)
		if err != nil {
			return err
		}
		obs.Retrieval = resp
		warnMu.Lock()
		obs.Warnings = append(obs.Warnings, resp.Warnings...)
		warnMu.Unlock()
		return nil
	})
	g.Go(func() error {
		scopes := []store.RecallScope{
			{Level: types.ScopeUser, ID: req.Principal.ID},
			{Level: types.ScopeDepartment, ID: ""},
			{Level: types.ScopePlant, ID: ""},
		}
		goals, err := p.goals.ListActive(gctx, scope, scopes, p.cfg.GoalLimit)
		if err != nil {
			warn("goal load degraded: " + err.Error())
			return nil
		}
		obs.Goals = goals
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return obs, nil
}

const intentPrompt = `Classify the intent of this user message.
Respond with exactly one word: answer, write, or build.
answer: the user wants information or analysis.
write: the user asks to change an external system (create, update, delete records, send messages).
build: the user asks for an artifact (code, document, plan) without touching external systems.

Message:
`

// think classifies intent and selects the composition.
func (p *Pipeline) think(ctx context.Context, scope store.TenantScope, req *Request, obs *Observation) *Plan {
	plan := &Plan{Intent: IntentAnswer}

	res, err := p.router.Complete(ctx, scope, &router.Request{
		Prompt:     intentPrompt + truncate(req.Message, 2000),
		SystemTier: llm.TierLight,
		MaxTokens:  4,
	})
	if err == nil {
		switch {
		case strings.Contains(res.Response.Content, "write"):
			plan.Intent = IntentWrite
		case strings.Contains(res.Response.Content, "build"):
			plan.Intent = IntentBuild
		}
	} else {
		p.log.Warn(scope.TenantID(), "", "intent classifier unavailable, defaulting to answer", map[string]interface{}{
			"error": err.Error(),
		})
	}

	switch plan.Intent {
	case IntentWrite:
		plan.Pattern = compose.PatternGate
		plan.Specialists = []string{specialist.Builder, specialist.Verifier}
	case IntentBuild:
		plan.Pattern = compose.PatternTDDLoop
		plan.Specialists = []string{specialist.Builder, specialist.Tester}
	default:
		plan.Pattern = p.scheduler.SelectPattern(ctx, scope, req.Message)
		switch plan.Pattern {
		case compose.PatternPipeline:
			plan.Specialists = []string{specialist.Researcher, specialist.Analyst}
		case compose.PatternFanOut:
			plan.Specialists = []string{specialist.Researcher, specialist.Analyst, specialist.Synthesizer}
		case compose.PatternGate:
			plan.Specialists = []string{specialist.Generalist, specialist.Verifier}
		default:
			plan.Specialists = []string{specialist.Generalist}
		}
	}
	return plan
}

// verify executes the plan. A write intent produces a proposal that goes to
// the write gateway instead of a final answer.
func (p *Pipeline) verify(ctx context.Context, scope store.TenantScope, req *Request, obs *Observation, plan *Plan) (*compose.Output, []compose.StageRecord, *store.WriteOperation, error) {
	task := p.buildTask(req, obs)

	if plan.Intent == IntentWrite {
		return p.verifyWrite(ctx, scope, req, task)
	}

	lookup := func(name string) (compose.Specialist, error) { return p.specialists.Get(name) }

	switch plan.Pattern {
	case compose.PatternPipeline, compose.PatternDirect:
		stages := make([]compose.Specialist, 0, len(plan.Specialists))
		for _, name := range plan.Specialists {
			sp, err := lookup(name)
			if err != nil {
				return nil, nil, nil, err
			}
			stages = append(stages, sp)
		}
		out, recs, err := p.scheduler.RunPipeline(ctx, scope, stages, task)
		return out, recs, nil, err

	case compose.PatternFanOut:
		var branches []compose.Specialist
		for _, name := range plan.Specialists[:len(plan.Specialists)-1] {
			sp, err := lookup(name)
			if err != nil {
				return nil, nil, nil, err
			}
			branches = append(branches, sp)
		}
		synth, err := lookup(plan.Specialists[len(plan.Specialists)-1])
		if err != nil {
			return nil, nil, nil, err
		}
		out, recs, err := p.scheduler.RunFanOut(ctx, scope, branches, synth, task)
		return out, recs, nil, err

	case compose.PatternGate:
		producer, err := lookup(plan.Specialists[0])
		if err != nil {
			return nil, nil, nil, err
		}
		verifier, err := lookup(plan.Specialists[1])
		if err != nil {
			return nil, nil, nil, err
		}
		out, recs, err := p.scheduler.RunGate(ctx, scope, producer, verifier, task)
		return out, recs, nil, err

	case compose.PatternTDDLoop:
		builder, err := lookup(plan.Specialists[0])
		if err != nil {
			return nil, nil, nil, err
		}
		tester, err := lookup(plan.Specialists[1])
		if err != nil {
			return nil, nil, nil, err
		}
		out, recs, err := p.scheduler.RunTDDLoop(ctx, scope, builder, tester, task)
		return out, recs, nil, err
	}
	return nil, nil, nil, fault.Internal("unknown_pattern", fmt.Errorf("pattern %s", plan.Pattern))
}

const proposalInstruction = `Produce a write proposal for the user's request as strict JSON:
{"connector":"...","operation":"...","parameters":{...},"rationale":"..."}
connector: the external system to touch. operation: the action name.
parameters: the exact values. rationale: one sentence for the approver.`

// writeProposal is the builder-emitted shape parsed before proposing.
type writeProposal struct {
	Connector  string                 `json:"connector"`
	Operation  string                 `json:"operation"`
	Parameters map[string]interface{} `json:"parameters"`
	Rationale  string                 `json:"rationale"`
}

func (p *Pipeline) verifyWrite(ctx context.Context, scope store.TenantScope, req *Request, task *compose.Task) (*compose.Output, []compose.StageRecord, *store.WriteOperation, error) {
	builder, err := p.specialists.Get(specialist.Builder)
	if err != nil {
		return nil, nil, nil, err
	}
	verifier, err := p.specialists.Get(specialist.Verifier)
	if err != nil {
		return nil, nil, nil, err
	}

	out, recs, err := p.scheduler.RunGate(ctx, scope, builder, verifier, task.WithContext(proposalInstruction))
	if err != nil {
		return out, recs, nil, err
	}

	proposal, err := parseProposal(out.Content)
	if err != nil {
		return out, recs, nil, err
	}

	op, err := p.writes.Propose(ctx, scope, req.Principal, &store.WriteOperation{
		Connector:  proposal.Connector,
		Operation:  proposal.Operation,
		Parameters: proposal.Parameters,
		Rationale:  proposal.Rationale,
	})
	if err != nil {
		return out, recs, nil, err
	}
	return out, recs, op, nil
}

func parseProposal(content string) (*writeProposal, error) {
	trimmed := strings.TrimSpace(content)
	i := strings.Index(trimmed, "{")
	j := strings.LastIndex(trimmed, "}")
	if i < 0 || j <= i {
		return nil, fault.Validation("proposal_unparseable", "proposal", "no JSON object in write proposal")
	}
	var wp writeProposal
	if err := json.Unmarshal([]byte(trimmed[i:j+1]), &wp); err != nil {
		return nil, fault.Validation("proposal_unparseable", "proposal", "malformed write proposal: "+err.Error())
	}
	if wp.Connector == "" || wp.Operation == "" {
		return nil, fault.Validation("proposal_incomplete", "proposal", "proposal needs connector and operation")
	}
	return &wp, nil
}

// buildTask assembles the composition task from the observation.
func (p *Pipeline) buildTask(req *Request, obs *Observation) *compose.Task {
	task := &compose.Task{Query: req.Message, PinnedTier: req.ModelOverride}

	if block := historyBlock(obs.History); block != "" {
		task = task.WithContext(block)
	}
	if block := memory.ContextBlock(obs.Memories); block != "" {
		task = task.WithContext(block)
	}
	if obs.Retrieval != nil && len(obs.Retrieval.Results) > 0 {
		task = task.WithContext(documentBlock(obs.Retrieval.Results))
	}
	if block := goalBlock(obs.Goals); block != "" {
		task = task.WithContext(block)
	}
	return task
}

func historyBlock(history []*store.Message) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, m := range history {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(truncate(m.Content, 500))
		b.WriteString("\n")
	}
	return b.String()
}

func documentBlock(results []*retrieval.Result) string {
	var b strings.Builder
	b.WriteString("Retrieved documents:\n")
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s (chunk %d): %s\n", i+1, r.Filename, r.Ordinal, truncate(r.Content, 400))
	}
	return b.String()
}

func goalBlock(goals []*store.Goal) string {
	if len(goals) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Active goals:\n")
	for _, g := range goals {
		fmt.Fprintf(&b, "- [%s priority %d] %s\n", g.ScopeLevel, g.Priority, g.Description)
	}
	return b.String()
}

// finalContent renders the assistant turn. Pending writes answer with the
// approval status instead of the raw proposal.
func (p *Pipeline) finalContent(out *compose.Output, pending *store.WriteOperation) string {
	if pending == nil {
		if out == nil {
			return ""
		}
		return out.Content
	}
	switch pending.State {
	case store.WriteExecuted:
		return fmt.Sprintf("Done: %s on %s executed (operation %s).",
			pending.Operation, pending.Connector, pending.ID)
	case store.WriteProposed:
		return fmt.Sprintf("I prepared %s on %s. The change needs approval before it runs (operation %s).",
			pending.Operation, pending.Connector, pending.ID)
	}
	return fmt.Sprintf("Write operation %s is %s.", pending.ID, pending.State)
}

// learn extracts memories, applies goal progress, and reports degradations
// as warnings. Learn failures never fail the turn.
func (p *Pipeline) learn(ctx context.Context, scope store.TenantScope, req *Request, obs *Observation, assistantContent string) []string {
	var warnings []string

	if assistantContent != "" {
		if _, err := p.memories.Extract(ctx, scope, req.Principal.ID, req.Message, assistantContent); err != nil {
			warnings = append(warnings, "memory extraction degraded: "+err.Error())
		}
	}

	if obs.Conversation.GoalID != "" {
		note := "turn: " + truncate(req.Message, 200)
		if err := p.goals.AppendProgress(ctx, scope, obs.Conversation.GoalID, note, false); err != nil {
			warnings = append(warnings, "goal progress degraded: "+err.Error())
		}
	}
	return warnings
}

// applyFeedback adjusts chunk rankings and records a corrective memory on
// negative feedback.
func (p *Pipeline) applyFeedback(ctx context.Context, scope store.TenantScope, req *Request) []string {
	var warnings []string
	fb := req.Feedback

	for _, chunkID := range fb.ChunkIDs {
		if err := p.retriever.RecordFeedback(ctx, scope, chunkID, fb.Delta); err != nil {
			warnings = append(warnings, "feedback on chunk "+chunkID+" failed: "+err.Error())
		}
	}

	if fb.Delta < 0 && fb.Comment != "" {
		_, err := p.memories.Store(ctx, scope, &store.Memory{
			ScopeLevel: types.ScopeUser,
			ScopeID:    req.Principal.ID,
			Kind:       store.MemoryFact,
			Content:    "Correction from feedback: " + fb.Comment,
			Importance: 0.8,
			SourceID:   req.Principal.ID,
		})
		if err != nil {
			warnings = append(warnings, "corrective memory failed: "+err.Error())
		}
	}
	return warnings
}

// persistTurn appends the user and assistant messages with the trace. The
// retrieval citations attach to the assistant turn.
func (p *Pipeline) persistTurn(ctx context.Context, scope store.TenantScope, req *Request, obs *Observation, content, finishReason string, tr *trace) (*store.Message, error) {
	version := obs.Conversation.Version
	_, err := p.conversations.AppendMessage(ctx, scope, &store.Message{
		ConversationID: obs.Conversation.ID,
		Role:           store.RoleUser,
		Content:        req.Message,
		TokenCount:     llm.EstimateTokens(req.Message),
	}, version)
	if err != nil {
		return nil, err
	}

	traceJSON, err := json.Marshal(tr)
	if err != nil {
		traceJSON = nil
	}

	var citations []store.Citation
	if obs.Retrieval != nil {
		for _, r := range obs.Retrieval.Results {
			citations = append(citations, r.Citation())
		}
	}

	model := ""
	if len(tr.Stages) > 0 {
		model = string(tr.Stages[len(tr.Stages)-1].Tier)
	}

	msg, err := p.conversations.AppendMessage(ctx, scope, &store.Message{
		ConversationID: obs.Conversation.ID,
		Role:           store.RoleAssistant,
		Content:        content,
		TokenCount:     llm.EstimateTokens(content),
		Citations:      citations,
		Trace:          traceJSON,
		Model:          model,
		FinishReason:   finishReason,
	}, version+1)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *Pipeline) auditTurn(req *Request, obs *Observation, plan *Plan, startedAt time.Time) {
	if p.ledger == nil {
		return
	}
	p.ledger.Record(&audit.Entry{
		TenantID:     req.Principal.TenantID,
		PrincipalID:  req.Principal.ID,
		Kind:         audit.EventChatRequest,
		ResourceKind: "conversation",
		ResourceID:   obs.Conversation.ID,
		Status:       "success",
		LatencyMS:    time.Since(startedAt).Milliseconds(),
		Metadata: map[string]interface{}{
			"intent":  string(plan.Intent),
			"pattern": string(plan.Pattern),
		},
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
