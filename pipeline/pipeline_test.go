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

package pipeline

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"axonflow/agentcore/audit"
	"axonflow/agentcore/budget"
	"axonflow/agentcore/compose"
	"axonflow/agentcore/config"
	"axonflow/agentcore/llm"
	"axonflow/agentcore/memory"
	"axonflow/agentcore/policy"
	"axonflow/agentcore/retrieval"
	"axonflow/agentcore/router"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/types"
	"axonflow/agentcore/specialist"
	"axonflow/agentcore/store"
	"axonflow/agentcore/writegate"
)

type testHarness struct {
	pipeline *Pipeline
	mock     sqlmock.Sqlmock
	db       *sql.DB
	router   *router.Router
}

// newHarness wires a full pipeline on mock providers. Retrieval and memory
// recall are disabled (top_k zero) so observe needs no vector queries.
func newHarness(t *testing.T) *testHarness {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
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

	mem := memory.NewService(s.Memories, rt, nil, config.MemoryConfig{}, nil)
	retr := retrieval.NewEngine(s.Chunks, rt, config.RetrievalConfig{VectorTopK: 0}, nil)
	sched := compose.NewScheduler(rt, nil)
	reg := specialist.NewRegistry(rt, 0.4)
	gate := writegate.NewGateway(s.WriteOps, policy.NewEngine(nil), nil, nil, config.ApprovalConfig{}, nil)

	p := New(s.Conversations, s.Goals, mem, retr, sched, reg, gate, rt, nil,
		config.PipelineConfig{HistoryTokens: 4000, GoalLimit: 5}, nil)
	return &testHarness{pipeline: p, mock: mock, db: db, router: rt}
}

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

func (h *testHarness) expectObserve(goalID string) {
	now := time.Now().UTC()
	var goal interface{}
	if goalID != "" {
		goal = goalID
	}
	h.mock.ExpectQuery(`SELECT tenant_id, id, principal_id, title, classification_ceiling, goal_id, version`).
		WillReturnRows(sqlmock.NewRows([]string{
			"tenant_id", "id", "principal_id", "title", "classification_ceiling",
			"goal_id", "version", "created_at", "updated_at",
		}).AddRow("t1", "c1", "u1", "rail maintenance", 2, goal, int64(3), now, now))
	h.mock.ExpectQuery(`SELECT id, conversation_id, role, content, token_count, classification, citations, model, finish_reason, created_at`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "conversation_id", "role", "content", "token_count",
			"classification", "citations", "model", "finish_reason", "created_at",
		}))
	h.mock.ExpectQuery(`FROM goals`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "scope_level", "scope_id", "category", "priority", "description",
			"status", "progress", "deadline", "parent_goal_id", "created_at", "updated_at",
		}))
}

func (h *testHarness) expectAppendMessage() {
	h.mock.ExpectBegin()
	h.mock.ExpectQuery(`SELECT classification_ceiling FROM conversations`).
		WillReturnRows(sqlmock.NewRows([]string{"classification_ceiling"}).AddRow(2))
	h.mock.ExpectExec(`UPDATE conversations SET version`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`INSERT INTO messages`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()
}

func principal() *types.Principal {
	return &types.Principal{ID: "u1", TenantID: "t1", Role: types.RoleOperator}
}

// lightResponder answers the pipeline's light-tier prompts by content.
func lightResponder(intent, pattern string) func(req *llm.CompletionRequest) string {
	return func(req *llm.CompletionRequest) string {
		switch {
		case strings.Contains(req.Prompt, "intent of this user message"):
			return intent
		case strings.Contains(req.Prompt, "agent composition"):
			return pattern
		case strings.Contains(req.Prompt, "complexity of the user request"):
			// The generalist's own call then lands on the standard tier.
			return "moderate"
		}
		return `[]`
	}
}

func TestRunDirectAnswer(t *testing.T) {
	h := newHarness(t)
	defer h.db.Close()

	h.router.Provider(llm.TierLight).(*llm.MockProvider).Respond = lightResponder("answer", "simple")
	h.router.Provider(llm.TierStandard).(*llm.MockProvider).Respond = func(req *llm.CompletionRequest) string {
		return "Check the expansion joints first.\nCONFIDENCE: 0.9"
	}

	h.expectObserve("")
	// intent classify, pattern classify, generalist, memory extraction
	for i := 0; i < 4; i++ {
		h.expectBudgetCycle()
	}
	h.expectAppendMessage()
	h.expectAppendMessage()

	res, err := h.pipeline.Run(context.Background(), &Request{
		Principal:      principal(),
		ConversationID: "c1",
		Message:        "why did the rail buckle",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Plan.Intent != IntentAnswer || res.Plan.Pattern != compose.PatternDirect {
		t.Errorf("plan = %+v, want direct answer", res.Plan)
	}
	if res.Message == nil || res.Message.Content != "Check the expansion joints first." {
		t.Errorf("assistant message = %+v", res.Message)
	}
	if !strings.Contains(string(res.Message.Trace), `"intent":"answer"`) {
		t.Errorf("trace not persisted on the message: %s", res.Message.Trace)
	}
	if res.PendingApproval != nil {
		t.Error("direct answer should not propose a write")
	}
}

func TestRunWriteIntentProposes(t *testing.T) {
	h := newHarness(t)
	defer h.db.Close()

	h.router.Provider(llm.TierLight).(*llm.MockProvider).Respond = lightResponder("write", "simple")
	h.router.Provider(llm.TierHeavy).(*llm.MockProvider).Respond = func(req *llm.CompletionRequest) string {
		return `{"connector":"sap","operation":"update_order","parameters":{"order":"4711","qty":5},"rationale":"user asked to bump quantity"}` +
			"\nCONFIDENCE: 0.9"
	}
	h.router.Provider(llm.TierStandard).(*llm.MockProvider).Respond = func(req *llm.CompletionRequest) string {
		return `{"pass":true,"reason":"parameters match the request"}` + "\nCONFIDENCE: 0.9"
	}

	h.expectObserve("")
	// intent classify, builder, verifier, memory extraction
	for i := 0; i < 4; i++ {
		h.expectBudgetCycle()
	}
	h.mock.ExpectExec(`INSERT INTO write_operations`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.expectAppendMessage()
	h.expectAppendMessage()

	res, err := h.pipeline.Run(context.Background(), &Request{
		Principal:      principal(),
		ConversationID: "c1",
		Message:        "please raise order 4711 to quantity 5",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Plan.Intent != IntentWrite {
		t.Errorf("intent = %v, want write", res.Plan.Intent)
	}
	if res.PendingApproval == nil {
		t.Fatal("write turn should carry a pending operation")
	}
	if res.PendingApproval.State != store.WriteProposed {
		t.Errorf("state = %v, want PROPOSED", res.PendingApproval.State)
	}
	if res.PendingApproval.Risk != types.RiskMedium {
		t.Errorf("risk = %v, want medium for update_order", res.PendingApproval.Risk)
	}
	if !strings.Contains(res.Message.Content, "needs approval") {
		t.Errorf("assistant content should announce the pending approval: %q", res.Message.Content)
	}
}

func TestRunNegativeFeedbackCreatesCorrection(t *testing.T) {
	h := newHarness(t)
	defer h.db.Close()

	h.router.Provider(llm.TierLight).(*llm.MockProvider).Respond = lightResponder("answer", "simple")
	h.router.Provider(llm.TierStandard).(*llm.MockProvider).Respond = func(req *llm.CompletionRequest) string {
		return "Understood.\nCONFIDENCE: 0.9"
	}

	h.mock.ExpectExec(`UPDATE document_chunks SET feedback_score`).
		WithArgs("t1", "chunk-9", -1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`INSERT INTO memories`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.expectObserve("")
	for i := 0; i < 4; i++ {
		h.expectBudgetCycle()
	}
	h.expectAppendMessage()
	h.expectAppendMessage()

	res, err := h.pipeline.Run(context.Background(), &Request{
		Principal:      principal(),
		ConversationID: "c1",
		Message:        "that document was about the wrong plant",
		Feedback: &Feedback{
			Delta:    -1,
			ChunkIDs: []string{"chunk-9"},
			Comment:  "cited the Hamburg plant manual for a Munich question",
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}
}

func TestRunGoalProgressRecorded(t *testing.T) {
	h := newHarness(t)
	defer h.db.Close()

	h.router.Provider(llm.TierLight).(*llm.MockProvider).Respond = lightResponder("answer", "simple")
	h.router.Provider(llm.TierStandard).(*llm.MockProvider).Respond = func(req *llm.CompletionRequest) string {
		return "On track.\nCONFIDENCE: 0.9"
	}

	h.expectObserve("g1")
	for i := 0; i < 4; i++ {
		h.expectBudgetCycle()
	}
	// goal progress append
	h.mock.ExpectBegin()
	h.mock.ExpectQuery(`SELECT progress FROM goals`).
		WillReturnRows(sqlmock.NewRows([]string{"progress"}).AddRow([]byte(`["started"]`)))
	h.mock.ExpectExec(`UPDATE goals SET progress`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()
	h.expectAppendMessage()
	h.expectAppendMessage()

	_, err := h.pipeline.Run(context.Background(), &Request{
		Principal:      principal(),
		ConversationID: "c1",
		Message:        "how is the inspection backlog",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunRejectsEmptyMessage(t *testing.T) {
	h := newHarness(t)
	defer h.db.Close()

	_, err := h.pipeline.Run(context.Background(), &Request{
		Principal:      principal(),
		ConversationID: "c1",
		Message:        "   ",
	})
	if fault.KindOf(err) != fault.KindValidation {
		t.Errorf("error kind = %v, want VALIDATION", fault.KindOf(err))
	}
}

func TestRunRequiresPrincipal(t *testing.T) {
	h := newHarness(t)
	defer h.db.Close()

	_, err := h.pipeline.Run(context.Background(), &Request{ConversationID: "c1", Message: "hi"})
	if fault.KindOf(err) != fault.KindAuthn {
		t.Errorf("error kind = %v, want AUTHN", fault.KindOf(err))
	}
}

func TestThinkMapsBuildIntent(t *testing.T) {
	h := newHarness(t)
	defer h.db.Close()

	h.router.Provider(llm.TierLight).(*llm.MockProvider).Respond = lightResponder("build", "simple")
	h.expectBudgetCycle()

	scope, _ := store.NewTenantScope("t1")
	plan := h.pipeline.think(context.Background(), scope,
		&Request{Principal: principal(), Message: "write a shutdown checklist"},
		&Observation{})
	if plan.Intent != IntentBuild || plan.Pattern != compose.PatternTDDLoop {
		t.Errorf("plan = %+v, want build via tdd_loop", plan)
	}
	if len(plan.Specialists) != 2 || plan.Specialists[0] != specialist.Builder {
		t.Errorf("specialists = %v, want builder/tester", plan.Specialists)
	}
}

func TestParseProposal(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"plain", `{"connector":"sap","operation":"update_order","parameters":{},"rationale":"x"}`, false},
		{"fenced", "```json\n{\"connector\":\"sap\",\"operation\":\"update_order\"}\n```", false},
		{"missing connector", `{"operation":"update_order"}`, true},
		{"prose", "I cannot produce a proposal.", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseProposal(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildTaskAssemblesContext(t *testing.T) {
	h := newHarness(t)
	defer h.db.Close()

	obs := &Observation{
		Conversation: &store.Conversation{ID: "c1"},
		History: []*store.Message{
			{Role: store.RoleUser, Content: "earlier question"},
		},
		Memories: []*store.RankedMemory{
			{Memory: store.Memory{Kind: store.MemoryFact, ScopeLevel: types.ScopeUser,
				Classification: types.ClassI, Content: "prefers metric units"}},
		},
		Retrieval: &retrieval.Response{Results: []*retrieval.Result{
			{Filename: "manual.pdf", Ordinal: 3, Content: "torque to 80 Nm"},
		}},
		Goals: []*store.Goal{
			{ScopeLevel: types.ScopeDepartment, Priority: 2, Description: "reduce downtime"},
		},
	}

	task := h.pipeline.buildTask(&Request{Message: "current question"}, obs)
	if task.Query != "current question" {
		t.Errorf("query = %q", task.Query)
	}
	if len(task.Context) != 4 {
		t.Fatalf("context blocks = %d, want 4", len(task.Context))
	}
	joined := strings.Join(task.Context, "\n")
	for _, want := range []string{"earlier question", "prefers metric units", "torque to 80 Nm", "reduce downtime"} {
		if !strings.Contains(joined, want) {
			t.Errorf("context missing %q", want)
		}
	}
}

func TestFinalContent(t *testing.T) {
	h := newHarness(t)
	defer h.db.Close()

	out := &compose.Output{Content: "the answer"}
	if got := h.pipeline.finalContent(out, nil); got != "the answer" {
		t.Errorf("finalContent without pending = %q", got)
	}
	pending := &store.WriteOperation{ID: "w1", Connector: "sap", Operation: "update_order", State: store.WriteProposed}
	if got := h.pipeline.finalContent(out, pending); !strings.Contains(got, "needs approval") {
		t.Errorf("pending proposal content = %q", got)
	}
	pending.State = store.WriteExecuted
	if got := h.pipeline.finalContent(out, pending); !strings.Contains(got, "executed") {
		t.Errorf("executed content = %q", got)
	}
}

func TestAuditTurnRecordsSuccess(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS audit_entries`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`REVOKE UPDATE, DELETE`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ledger, err := audit.NewLedger(db, audit.WithBatch(10, time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectBegin()
	mock.ExpectPrepare(`INSERT INTO audit_entries`)
	mock.ExpectExec(`INSERT INTO audit_entries`).
		WithArgs("t1", sqlmock.AnyArg(), "p1", "chat.request", "conversation", "c1",
			nil, nil, "success", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p := New(nil, nil, nil, nil, nil, nil, nil, nil, ledger, config.PipelineConfig{}, nil)
	p.auditTurn(
		&Request{Principal: &types.Principal{ID: "p1", TenantID: "t1"}},
		&Observation{Conversation: &store.Conversation{ID: "c1"}},
		&Plan{Intent: IntentAnswer, Pattern: compose.PatternDirect},
		time.Now(),
	)
	ledger.Close()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
