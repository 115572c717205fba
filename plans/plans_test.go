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

package plans

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"axonflow/agentcore/budget"
	"axonflow/agentcore/compose"
	"axonflow/agentcore/config"
	"axonflow/agentcore/policy"
	"axonflow/agentcore/router"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/types"
	"axonflow/agentcore/specialist"
	"axonflow/agentcore/store"
)

type testHarness struct {
	svc  *Service
	mock sqlmock.Sqlmock
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	s := store.NewWithDB(db)
	ledger := budget.NewLedger(s.Budgets, config.BudgetConfig{
		TokenBudgetDaily:   1_000_000,
		TokenBudgetMonthly: 20_000_000,
	}, nil)
	rt, err := router.New(config.ModelsConfig{
		Light:               config.ModelEndpoint{Provider: "mock"},
		Standard:            config.ModelEndpoint{Provider: "mock"},
		Heavy:               config.ModelEndpoint{Provider: "mock"},
		Embedding:           config.ModelEndpoint{Provider: "mock"},
		EmbeddingDimensions: 8,
	}, ledger, nil)
	if err != nil {
		t.Fatal(err)
	}

	sched := compose.NewScheduler(rt, nil)
	reg := specialist.NewRegistry(rt, 0.4)
	svc := NewService(s.Plans, sched, reg, rt, policy.NewEngine(nil), nil, nil)
	return &testHarness{svc: svc, mock: mock}
}

// expectBudgetCycle covers one routed model call: two period lookups, then
// the consumption transaction.
func (h *testHarness) expectBudgetCycle() {
	future := time.Now().Add(24 * time.Hour)
	for _, limit := range []int64{1_000_000, 20_000_000} {
		h.mock.ExpectQuery(`SELECT token_limit, consumed, resets_at FROM budgets`).
			WillReturnRows(sqlmock.NewRows([]string{"token_limit", "consumed", "resets_at"}).
				AddRow(limit, int64(0), future))
	}
	h.mock.ExpectBegin()
	h.mock.ExpectExec(`UPDATE budgets SET consumed`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`UPDATE budgets SET consumed`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()
}

var planColumns = []string{
	"tenant_id", "id", "principal_id", "goal", "tasks", "state",
	"approver_id", "decision_reason", "error", "created_at", "updated_at",
}

func planRow(t *testing.T, id, principalID string, state store.PlanState, tasks []store.PlanTask) []driver.Value {
	t.Helper()
	raw, err := json.Marshal(tasks)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	return []driver.Value{"t1", id, principalID, "summarize q3", raw, string(state), nil, nil, nil, now, now}
}

func testScope(t *testing.T) store.TenantScope {
	t.Helper()
	scope, err := store.NewTenantScope("t1")
	if err != nil {
		t.Fatal(err)
	}
	return scope
}

func principal(id string, role types.Role) *types.Principal {
	return &types.Principal{ID: id, TenantID: "t1", Role: role}
}

func TestParseTasks(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{
			name:    "plain JSON",
			content: `{"tasks":[{"id":"t1","specialist":"researcher","query":"find facts"}]}`,
			want:    1,
		},
		{
			name: "JSON wrapped in prose",
			content: `Here is the plan:
{"tasks":[{"id":"a","specialist":"researcher","query":"q"},{"id":"b","specialist":"analyst","query":"q","depends_on":["a"]}]}
Let me know.`,
			want: 2,
		},
		{name: "no JSON object", content: "I cannot plan this.", wantErr: true},
		{name: "invalid JSON", content: `{"tasks": [}`, wantErr: true},
		{name: "empty task list", content: `{"tasks":[]}`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tasks, err := parseTasks(tc.content)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTasks: %v", err)
			}
			if len(tasks) != tc.want {
				t.Errorf("got %d tasks, want %d", len(tasks), tc.want)
			}
		})
	}
}

func TestValidateRejectsBadGraphs(t *testing.T) {
	h := newTestHarness(t)

	cases := []struct {
		name  string
		tasks []store.PlanTask
	}{
		{"unknown specialist", []store.PlanTask{
			{ID: "a", Specialist: "wizard", Query: "q"},
		}},
		{"empty query", []store.PlanTask{
			{ID: "a", Specialist: "researcher", Query: "  "},
		}},
		{"cycle", []store.PlanTask{
			{ID: "a", Specialist: "researcher", Query: "q", DependsOn: []string{"b"}},
			{ID: "b", Specialist: "analyst", Query: "q", DependsOn: []string{"a"}},
		}},
		{"unknown dependency", []store.PlanTask{
			{ID: "a", Specialist: "researcher", Query: "q", DependsOn: []string{"ghost"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.svc.validate(tc.tasks)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if fault.KindOf(err) != fault.KindValidation {
				t.Errorf("kind = %v, want VALIDATION", fault.KindOf(err))
			}
		})
	}
}

func TestProposeFallsBackToTemplate(t *testing.T) {
	h := newTestHarness(t)

	// The mock provider's reply is not a task-graph JSON, so the draft
	// falls back to the deterministic template.
	h.expectBudgetCycle()
	h.mock.ExpectExec(`INSERT INTO plans`).WillReturnResult(sqlmock.NewResult(0, 1))

	plan, err := h.svc.Propose(context.Background(), testScope(t), principal("p1", types.RoleOperator), "summarize q3 incidents")
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if plan.State != store.PlanProposed {
		t.Errorf("state = %q, want PROPOSED", plan.State)
	}
	if len(plan.Tasks) != 3 {
		t.Fatalf("got %d tasks, want 3 template tasks", len(plan.Tasks))
	}
	wantIDs := []string{"research", "analyze", "synthesize"}
	for i, want := range wantIDs {
		if plan.Tasks[i].ID != want {
			t.Errorf("task %d id = %q, want %q", i, plan.Tasks[i].ID, want)
		}
		if plan.Tasks[i].State != store.TaskPending {
			t.Errorf("task %q state = %q, want pending", plan.Tasks[i].ID, plan.Tasks[i].State)
		}
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProposeRejectsEmptyGoal(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.svc.Propose(context.Background(), testScope(t), principal("p1", types.RoleOperator), "   ")
	if fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("err = %v, want VALIDATION", err)
	}
}

func TestApproveExecutesGraph(t *testing.T) {
	h := newTestHarness(t)
	tasks := []store.PlanTask{
		{ID: "research", Specialist: "researcher", Query: "find the facts", State: store.TaskPending},
		{ID: "synthesize", Specialist: "synthesizer", Query: "merge", DependsOn: []string{"research"}, State: store.TaskPending},
	}

	// Approve transition.
	h.mock.ExpectBegin()
	h.mock.ExpectQuery(`SELECT .+ FROM plans .+ FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(planColumns).
			AddRow(planRow(t, "pl1", "p1", store.PlanProposed, tasks)...))
	h.mock.ExpectExec(`UPDATE plans`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	// One model call per task.
	h.expectBudgetCycle()
	h.expectBudgetCycle()

	// Completion transition.
	h.mock.ExpectBegin()
	h.mock.ExpectQuery(`SELECT .+ FROM plans .+ FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(planColumns).
			AddRow(planRow(t, "pl1", "p1", store.PlanApproved, tasks)...))
	h.mock.ExpectExec(`UPDATE plans`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	plan, err := h.svc.Approve(context.Background(), testScope(t), principal("p2", types.RoleOperator), "pl1", "looks right")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if plan.State != store.PlanCompleted {
		t.Errorf("state = %q, want COMPLETED", plan.State)
	}
	for _, task := range plan.Tasks {
		if task.State != store.TaskCompleted {
			t.Errorf("task %q state = %q, want completed", task.ID, task.State)
		}
		if task.Output == "" {
			t.Errorf("task %q has no output", task.ID)
		}
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestApproveRejectsSelfApproval(t *testing.T) {
	h := newTestHarness(t)
	tasks := []store.PlanTask{
		{ID: "research", Specialist: "researcher", Query: "q", State: store.TaskPending},
	}

	h.mock.ExpectBegin()
	h.mock.ExpectQuery(`SELECT .+ FROM plans .+ FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(planColumns).
			AddRow(planRow(t, "pl1", "p1", store.PlanProposed, tasks)...))
	h.mock.ExpectRollback()

	_, err := h.svc.Approve(context.Background(), testScope(t), principal("p1", types.RoleOperator), "pl1", "")
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Code != "self_approval" {
		t.Fatalf("err = %v, want self_approval", err)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	h := newTestHarness(t)
	tasks := []store.PlanTask{
		{ID: "research", Specialist: "researcher", Query: "q", State: store.TaskPending},
	}

	h.mock.ExpectBegin()
	h.mock.ExpectQuery(`SELECT .+ FROM plans .+ FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(planColumns).
			AddRow(planRow(t, "pl1", "p1", store.PlanRejected, tasks)...))
	h.mock.ExpectRollback()

	_, err := h.svc.Reject(context.Background(), testScope(t), principal("p2", types.RoleOperator), "pl1", "again")
	if fault.KindOf(err) != fault.KindConcurrency {
		t.Fatalf("err = %v, want CONCURRENCY", err)
	}
}
