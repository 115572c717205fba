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

// Package plans turns a natural-language goal into an approvable task
// graph. A proposed plan is inert until a human approves it; approval
// executes the graph through the composition scheduler layer by layer.
package plans

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"axonflow/agentcore/audit"
	"axonflow/agentcore/compose"
	"axonflow/agentcore/llm"
	"axonflow/agentcore/policy"
	"axonflow/agentcore/router"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
	"axonflow/agentcore/shared/types"
	"axonflow/agentcore/specialist"
	"axonflow/agentcore/store"
)

const maxPlanTasks = 12

// Service proposes, decides, and executes task plans.
type Service struct {
	repo        *store.PlanRepo
	scheduler   *compose.Scheduler
	specialists *specialist.Registry
	router      *router.Router
	policy      *policy.Engine
	ledger      *audit.Ledger
	log         *logger.Logger
}

// NewService wires the plan service. The audit ledger may be nil in tests.
func NewService(repo *store.PlanRepo, scheduler *compose.Scheduler, specialists *specialist.Registry, rt *router.Router, pol *policy.Engine, ledger *audit.Ledger, log *logger.Logger) *Service {
	if log == nil {
		log = logger.New("plans")
	}
	return &Service{
		repo:        repo,
		scheduler:   scheduler,
		specialists: specialists,
		router:      rt,
		policy:      pol,
		ledger:      ledger,
		log:         log,
	}
}

const draftPrompt = `Decompose this goal into a task graph for a team of specialists.

Available specialists: researcher, analyst, builder, tester, verifier, synthesizer, generalist.

Reply with JSON only:
{"tasks":[{"id":"t1","specialist":"researcher","query":"...","depends_on":[]}]}

Rules: at most %d tasks, every depends_on entry names another task id, no cycles.

Goal: %s`

// Propose drafts a task graph from the goal, validates it, and stores it
// in PROPOSED state. Nothing executes until an approval.
func (s *Service) Propose(ctx context.Context, scope store.TenantScope, principal *types.Principal, goal string) (*store.Plan, error) {
	if err := s.policy.Check(ctx, principal, "propose", policy.ResourceRef{
		Kind:     "plan",
		TenantID: scope.TenantID(),
	}); err != nil {
		return nil, err
	}
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, fault.Validation("goal_required", "goal", "goal must not be empty")
	}

	tasks, warnings := s.draft(ctx, scope, goal)
	if err := s.validate(tasks); err != nil {
		return nil, err
	}

	plan, err := s.repo.Insert(ctx, scope, &store.Plan{
		PrincipalID: principal.ID,
		Goal:        goal,
		Tasks:       tasks,
	})
	if err != nil {
		return nil, err
	}

	s.audit(audit.EventPlanPropose, plan, principal.ID, "proposed", map[string]interface{}{
		"task_count": len(plan.Tasks),
		"warnings":   warnings,
	})
	return plan, nil
}

// draft asks the standard tier for a task graph; an unparsable reply falls
// back to the research-analyze-synthesize template.
func (s *Service) draft(ctx context.Context, scope store.TenantScope, goal string) ([]store.PlanTask, []string) {
	res, err := s.router.Complete(ctx, scope, &router.Request{
		Prompt:     fmt.Sprintf(draftPrompt, maxPlanTasks, goal),
		SystemTier: llm.TierStandard,
		MaxTokens:  1500,
	})
	if err == nil {
		if tasks, perr := parseTasks(res.Response.Content); perr == nil {
			return tasks, nil
		}
	}

	reason := "planner draft unavailable, using template"
	if err != nil {
		reason = "planner draft failed, using template"
	}
	return templateTasks(goal), []string{reason}
}

func parseTasks(content string) ([]store.PlanTask, error) {
	trimmed := strings.TrimSpace(content)
	i := strings.Index(trimmed, "{")
	j := strings.LastIndex(trimmed, "}")
	if i < 0 || j <= i {
		return nil, fault.Validation("plan_unparseable", "tasks", "no JSON object in planner reply")
	}
	var body struct {
		Tasks []struct {
			ID         string   `json:"id"`
			Specialist string   `json:"specialist"`
			Query      string   `json:"query"`
			DependsOn  []string `json:"depends_on"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(trimmed[i:j+1]), &body); err != nil {
		return nil, fault.Validation("plan_unparseable", "tasks", "planner reply is not valid JSON")
	}
	if len(body.Tasks) == 0 {
		return nil, fault.Validation("plan_empty", "tasks", "planner returned no tasks")
	}

	tasks := make([]store.PlanTask, 0, len(body.Tasks))
	for _, t := range body.Tasks {
		tasks = append(tasks, store.PlanTask{
			ID:         t.ID,
			Specialist: t.Specialist,
			Query:      t.Query,
			DependsOn:  t.DependsOn,
		})
	}
	return tasks, nil
}

// templateTasks is the deterministic fallback graph.
func templateTasks(goal string) []store.PlanTask {
	return []store.PlanTask{
		{ID: "research", Specialist: specialist.Researcher,
			Query: "Gather the facts needed for: " + goal},
		{ID: "analyze", Specialist: specialist.Analyst,
			Query: "Analyze the research findings for: " + goal, DependsOn: []string{"research"}},
		{ID: "synthesize", Specialist: specialist.Synthesizer,
			Query: "Produce the final answer for: " + goal, DependsOn: []string{"research", "analyze"}},
	}
}

// validate checks specialist names and graph shape before anything is
// stored. Cycle detection reuses the scheduler's layering.
func (s *Service) validate(tasks []store.PlanTask) error {
	if len(tasks) > maxPlanTasks {
		return fault.Validation("plan_too_large", "tasks", "too many tasks in one plan")
	}
	dag := make([]compose.DAGTask, 0, len(tasks))
	for _, t := range tasks {
		if _, err := s.specialists.Get(t.Specialist); err != nil {
			return err
		}
		if strings.TrimSpace(t.Query) == "" {
			return fault.Validation("task_query_required", "query", "task "+t.ID+" has no query")
		}
		dag = append(dag, compose.DAGTask{ID: t.ID, Query: t.Query, DependsOn: t.DependsOn})
	}
	_, err := compose.Layers(dag)
	return err
}

// Get loads a plan.
func (s *Service) Get(ctx context.Context, scope store.TenantScope, id string) (*store.Plan, error) {
	return s.repo.Get(ctx, scope, id)
}

// List returns the tenant's plans, newest first.
func (s *Service) List(ctx context.Context, scope store.TenantScope, limit int) ([]*store.Plan, error) {
	return s.repo.List(ctx, scope, limit)
}

// Approve transitions PROPOSED to APPROVED, then executes the graph. The
// proposer cannot approve their own plan.
func (s *Service) Approve(ctx context.Context, scope store.TenantScope, approver *types.Principal, id, reason string) (*store.Plan, error) {
	if err := s.policy.Check(ctx, approver, "approve", policy.ResourceRef{
		Kind:     "plan",
		ID:       id,
		TenantID: scope.TenantID(),
	}); err != nil {
		return nil, err
	}

	plan, err := s.repo.Transition(ctx, scope, id, func(p *store.Plan) error {
		if p.State != store.PlanProposed {
			return fault.Concurrency("plan_not_proposed",
				"cannot approve a plan in state "+string(p.State))
		}
		if p.PrincipalID == approver.ID {
			return fault.Authz("self_approval")
		}
		p.State = store.PlanApproved
		p.ApproverID = approver.ID
		p.DecisionReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(audit.EventPlanApprove, plan, approver.ID, "approved", map[string]interface{}{
		"reason": reason,
	})

	return s.execute(ctx, scope, plan)
}

// Reject transitions PROPOSED to REJECTED, a terminal state.
func (s *Service) Reject(ctx context.Context, scope store.TenantScope, approver *types.Principal, id, reason string) (*store.Plan, error) {
	if err := s.policy.Check(ctx, approver, "approve", policy.ResourceRef{
		Kind:     "plan",
		ID:       id,
		TenantID: scope.TenantID(),
	}); err != nil {
		return nil, err
	}

	plan, err := s.repo.Transition(ctx, scope, id, func(p *store.Plan) error {
		if p.State != store.PlanProposed {
			return fault.Concurrency("plan_not_proposed",
				"cannot reject a plan in state "+string(p.State))
		}
		p.State = store.PlanRejected
		p.ApproverID = approver.ID
		p.DecisionReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(audit.EventPlanReject, plan, approver.ID, "rejected", map[string]interface{}{
		"reason": reason,
	})
	return plan, nil
}

// execute runs the approved graph and records per-task outcomes. A task
// failure fails the plan but keeps the outputs already produced.
func (s *Service) execute(ctx context.Context, scope store.TenantScope, plan *store.Plan) (*store.Plan, error) {
	dag := make([]compose.DAGTask, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		sp, err := s.specialists.Get(t.Specialist)
		if err != nil {
			return plan, err
		}
		dag = append(dag, compose.DAGTask{
			ID:         t.ID,
			Specialist: sp,
			Query:      t.Query,
			DependsOn:  t.DependsOn,
		})
	}

	outputs, records, execErr := s.scheduler.RunDAG(ctx, scope, dag, &compose.Task{Query: plan.Goal})

	failed := make(map[string]string, len(records))
	for _, rec := range records {
		if rec.Error != "" {
			failed[rec.TaskID] = rec.Error
		}
	}

	final, err := s.repo.Transition(ctx, scope, plan.ID, func(p *store.Plan) error {
		for i := range p.Tasks {
			t := &p.Tasks[i]
			if out, ok := outputs[t.ID]; ok {
				t.State = store.TaskCompleted
				t.Output = out.Content
				continue
			}
			if msg, ok := failed[t.ID]; ok {
				t.State = store.TaskFailed
				t.Error = msg
			}
		}
		if execErr != nil {
			p.State = store.PlanFailed
			p.Error = execErr.Error()
		} else {
			p.State = store.PlanCompleted
		}
		return nil
	})
	if err != nil {
		return plan, err
	}

	status := "completed"
	if execErr != nil {
		status = "failed"
	}
	s.audit(audit.EventPlanComplete, final, final.ApproverID, status, map[string]interface{}{
		"task_count": len(final.Tasks),
	})
	return final, execErr
}

func (s *Service) audit(kind audit.EventKind, plan *store.Plan, principalID, status string, meta map[string]interface{}) {
	if s.ledger == nil {
		return
	}
	s.ledger.Record(&audit.Entry{
		TenantID:     plan.TenantID,
		PrincipalID:  principalID,
		Kind:         kind,
		ResourceKind: "plan",
		ResourceID:   plan.ID,
		Status:       status,
		Metadata:     meta,
	})
}
