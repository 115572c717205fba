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

package specialist

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"axonflow/agentcore/budget"
	"axonflow/agentcore/compose"
	"axonflow/agentcore/config"
	"axonflow/agentcore/llm"
	"axonflow/agentcore/router"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/store"
)

func newTestRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock, *sql.DB, *router.Router) {
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
	return NewRegistry(rt, 0.4), mock, db, rt
}

func expectBudgetCycle(mock sqlmock.Sqlmock) {
	future := time.Now().Add(24 * time.Hour)
	for _, limit := range []int64{1_000_000, 20_000_000} {
		mock.ExpectQuery(`SELECT token_limit, consumed, resets_at FROM budgets`).
			WillReturnRows(sqlmock.NewRows([]string{"token_limit", "consumed", "resets_at"}).
				AddRow(limit, int64(0), future))
	}
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE budgets SET consumed`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE budgets SET consumed`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestRegistryRoster(t *testing.T) {
	reg, _, db, _ := newTestRegistry(t)
	defer db.Close()

	for _, name := range []string{Generalist, Researcher, Analyst, Builder, Tester, Verifier, Synthesizer} {
		sp, err := reg.Get(name)
		if err != nil {
			t.Errorf("Get(%s): %v", name, err)
			continue
		}
		if sp.Name() != name {
			t.Errorf("Name() = %q, want %q", sp.Name(), name)
		}
	}
	if len(reg.Names()) != 7 {
		t.Errorf("roster size = %d, want 7", len(reg.Names()))
	}
	if _, err := reg.Get("astrologer"); fault.KindOf(err) != fault.KindValidation {
		t.Errorf("unknown specialist error kind = %v, want VALIDATION", fault.KindOf(err))
	}
}

func TestSplitConfidence(t *testing.T) {
	tests := []struct {
		name        string
		in          string
		wantContent string
		wantConf    float64
	}{
		{"trailing marker", "The answer.\nCONFIDENCE: 0.9", "The answer.", 0.9},
		{"no marker", "The answer.", "The answer.", 1.0},
		{"unparseable", "The answer.\nCONFIDENCE: very high", "The answer.\nCONFIDENCE: very high", 1.0},
		{"clamped high", "ok\nCONFIDENCE: 1.5", "ok", 1.0},
		{"marker mid text", "CONFIDENCE: 0.2 was mentioned\nfinal answer", "CONFIDENCE: 0.2 was mentioned\nfinal answer", 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, conf := SplitConfidence(tt.in)
			if content != tt.wantContent {
				t.Errorf("content = %q, want %q", content, tt.wantContent)
			}
			if conf != tt.wantConf {
				t.Errorf("confidence = %v, want %v", conf, tt.wantConf)
			}
		})
	}
}

func TestExecuteParsesConfidence(t *testing.T) {
	reg, mock, db, rt := newTestRegistry(t)
	defer db.Close()

	rt.Provider(llm.TierStandard).(*llm.MockProvider).Respond = func(req *llm.CompletionRequest) string {
		return "Steel expands when heated.\nCONFIDENCE: 0.9"
	}
	expectBudgetCycle(mock)

	sp, _ := reg.Get(Researcher)
	scope, _ := store.NewTenantScope("t1")
	out, err := sp.Execute(context.Background(), scope, &compose.Task{Query: "why did the rail buckle"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Content != "Steel expands when heated." {
		t.Errorf("content = %q", out.Content)
	}
	if out.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", out.Confidence)
	}
	if out.Tier != llm.TierStandard {
		t.Errorf("tier = %v, want standard", out.Tier)
	}
}

func TestExecuteEscalatesOnLowConfidence(t *testing.T) {
	reg, mock, db, rt := newTestRegistry(t)
	defer db.Close()

	rt.Provider(llm.TierStandard).(*llm.MockProvider).Respond = func(req *llm.CompletionRequest) string {
		return "Maybe thermal stress?\nCONFIDENCE: 0.2"
	}
	rt.Provider(llm.TierHeavy).(*llm.MockProvider).Respond = func(req *llm.CompletionRequest) string {
		return "Thermal stress from the heat wave.\nCONFIDENCE: 0.85"
	}
	expectBudgetCycle(mock)
	expectBudgetCycle(mock)

	sp, _ := reg.Get(Analyst)
	scope, _ := store.NewTenantScope("t1")
	out, err := sp.Execute(context.Background(), scope, &compose.Task{Query: "root cause of the rail buckle"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Tier != llm.TierHeavy {
		t.Errorf("tier = %v, want heavy after escalation", out.Tier)
	}
	if out.Confidence != 0.85 {
		t.Errorf("confidence = %v, want escalated answer", out.Confidence)
	}
}

func TestExecuteKeepsFirstWhenEscalationNoBetter(t *testing.T) {
	reg, mock, db, rt := newTestRegistry(t)
	defer db.Close()

	rt.Provider(llm.TierStandard).(*llm.MockProvider).Respond = func(req *llm.CompletionRequest) string {
		return "Unclear.\nCONFIDENCE: 0.2"
	}
	rt.Provider(llm.TierHeavy).(*llm.MockProvider).Respond = func(req *llm.CompletionRequest) string {
		return "Also unclear.\nCONFIDENCE: 0.1"
	}
	expectBudgetCycle(mock)
	expectBudgetCycle(mock)

	sp, _ := reg.Get(Analyst)
	scope, _ := store.NewTenantScope("t1")
	out, err := sp.Execute(context.Background(), scope, &compose.Task{Query: "ambiguous question"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Tier != llm.TierStandard || out.Content != "Unclear." {
		t.Errorf("should keep the first answer, got tier %v content %q", out.Tier, out.Content)
	}
}

func TestExecuteThreadsContextIntoSystemPrompt(t *testing.T) {
	reg, mock, db, rt := newTestRegistry(t)
	defer db.Close()

	var seenSystem string
	rt.Provider(llm.TierStandard).(*llm.MockProvider).Respond = func(req *llm.CompletionRequest) string {
		seenSystem = req.SystemPrompt
		return "done\nCONFIDENCE: 1.0"
	}
	expectBudgetCycle(mock)

	sp, _ := reg.Get(Synthesizer)
	scope, _ := store.NewTenantScope("t1")
	task := (&compose.Task{Query: "combine findings"}).
		WithContext("researcher output:\nthe valve was open")
	if _, err := sp.Execute(context.Background(), scope, task); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(seenSystem, "the valve was open") {
		t.Errorf("system prompt missing context block: %q", seenSystem)
	}
	if !strings.Contains(seenSystem, "synthesis specialist") {
		t.Errorf("system prompt missing role: %q", seenSystem)
	}
}

func TestExecuteRejectsEmptyTask(t *testing.T) {
	reg, _, db, _ := newTestRegistry(t)
	defer db.Close()

	sp, _ := reg.Get(Generalist)
	scope, _ := store.NewTenantScope("t1")
	if _, err := sp.Execute(context.Background(), scope, &compose.Task{}); fault.KindOf(err) != fault.KindValidation {
		t.Errorf("error kind = %v, want VALIDATION", fault.KindOf(err))
	}
}
