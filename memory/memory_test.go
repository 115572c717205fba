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

package memory

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"axonflow/agentcore/budget"
	"axonflow/agentcore/config"
	"axonflow/agentcore/llm"
	"axonflow/agentcore/router"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/types"
	"axonflow/agentcore/store"
)

func newTestService(t *testing.T, cfg config.MemoryConfig) (*Service, sqlmock.Sqlmock, *sql.DB, *router.Router) {
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
	return NewService(s.Memories, rt, nil, cfg, nil), mock, db, rt
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

func TestStoreUserScopeInserts(t *testing.T) {
	svc, mock, db, _ := newTestService(t, config.MemoryConfig{})
	defer db.Close()

	mock.ExpectExec(`INSERT INTO memories`).WillReturnResult(sqlmock.NewResult(0, 1))

	scope, _ := store.NewTenantScope("t1")
	m, err := svc.Store(context.Background(), scope, &store.Memory{
		ScopeLevel: types.ScopeUser,
		ScopeID:    "u1",
		Kind:       store.MemoryFact,
		Content:    "prefers metric units",
		Importance: 0.6,
		SourceID:   "u1",
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if m.ID == "" || m.TenantID != "t1" {
		t.Errorf("stored memory incomplete: %+v", m)
	}
	if len(m.Embedding) != 8 {
		t.Errorf("content should have been embedded, got width %d", len(m.Embedding))
	}
}

func TestStoreDepartmentRequiresSharingPolicy(t *testing.T) {
	svc, _, db, _ := newTestService(t, config.MemoryConfig{SharingEnabled: false})
	defer db.Close()

	scope, _ := store.NewTenantScope("t1")
	_, err := svc.Store(context.Background(), scope, &store.Memory{
		ScopeLevel:     types.ScopeDepartment,
		Kind:           store.MemoryFact,
		Content:        "shift change is at 6am",
		Importance:     0.5,
		Classification: types.ClassI,
	})
	if fault.KindOf(err) != fault.KindCompliance {
		t.Errorf("error kind = %v, want COMPLIANCE", fault.KindOf(err))
	}
}

func TestStoreScopeClassificationCeilings(t *testing.T) {
	tests := []struct {
		name    string
		level   types.ScopeLevel
		class   types.Classification
		wantErr bool
	}{
		{"department class II ok", types.ScopeDepartment, types.ClassII, false},
		{"department class III blocked", types.ScopeDepartment, types.ClassIII, true},
		{"plant class I ok", types.ScopePlant, types.ClassI, false},
		{"plant class II blocked", types.ScopePlant, types.ClassII, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, mock, db, _ := newTestService(t, config.MemoryConfig{SharingEnabled: true, KAnonymity: 3})
			defer db.Close()

			if !tt.wantErr {
				mock.ExpectQuery(`COUNT\(DISTINCT source_id\)`).
					WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
				mock.ExpectExec(`INSERT INTO memories`).WillReturnResult(sqlmock.NewResult(0, 1))
			}

			scope, _ := store.NewTenantScope("t1")
			_, err := svc.Store(context.Background(), scope, &store.Memory{
				ScopeLevel:     tt.level,
				Kind:           store.MemoryFact,
				Content:        "a widely shared pattern",
				Importance:     0.5,
				Classification: tt.class,
			})
			if tt.wantErr && fault.KindOf(err) != fault.KindCompliance {
				t.Errorf("error kind = %v, want COMPLIANCE", fault.KindOf(err))
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestStoreKAnonymityGate(t *testing.T) {
	svc, mock, db, _ := newTestService(t, config.MemoryConfig{SharingEnabled: true, KAnonymity: 3})
	defer db.Close()

	mock.ExpectQuery(`COUNT\(DISTINCT source_id\)`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	scope, _ := store.NewTenantScope("t1")
	_, err := svc.Store(context.Background(), scope, &store.Memory{
		ScopeLevel:     types.ScopeDepartment,
		Kind:           store.MemoryFact,
		Content:        "operators prefer the short checklist",
		Importance:     0.5,
		Classification: types.ClassI,
		SourceID:       "u1",
	})
	if fault.KindOf(err) != fault.KindCompliance {
		t.Errorf("error kind = %v, want COMPLIANCE", fault.KindOf(err))
	}
}

func TestEscalatedMemoryIsAnonymized(t *testing.T) {
	svc, mock, db, _ := newTestService(t, config.MemoryConfig{SharingEnabled: true, KAnonymity: 2})
	defer db.Close()

	mock.ExpectQuery(`COUNT\(DISTINCT source_id\)`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectExec(`INSERT INTO memories`).WillReturnResult(sqlmock.NewResult(0, 1))

	scope, _ := store.NewTenantScope("t1")
	m, err := svc.Store(context.Background(), scope, &store.Memory{
		ScopeLevel:     types.ScopeDepartment,
		Kind:           store.MemoryFact,
		Content:        "reported by alice@example.com during handover",
		Importance:     0.5,
		Classification: types.ClassI,
		SourceID:       "u1",
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if m.SourceID != "" {
		t.Error("source principal should be stripped on escalation")
	}
	if strings.Contains(m.Content, "alice@example.com") {
		t.Errorf("content should be anonymized, got %q", m.Content)
	}
}

func TestAnonymize(t *testing.T) {
	tests := []struct {
		in   string
		drop string
	}{
		{"contact bob@plant.io for access", "bob@plant.io"},
		{"raised by @jsmith yesterday", "@jsmith"},
		{"user-id 8f2e1ab4 asked twice", "8f2e1ab4"},
	}
	for _, tt := range tests {
		out := Anonymize(tt.in)
		if strings.Contains(out, tt.drop) {
			t.Errorf("Anonymize(%q) kept identifier: %q", tt.in, out)
		}
	}
}

func TestRecallZeroTopK(t *testing.T) {
	svc, _, db, _ := newTestService(t, config.MemoryConfig{})
	defer db.Close()

	scope, _ := store.NewTenantScope("t1")
	hits, err := svc.Recall(context.Background(), scope, "u1", "", "anything", 0)
	if err != nil || hits != nil {
		t.Errorf("zero topK should return nothing, got %v, %v", hits, err)
	}
}

func TestParseExtracted(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int
		wantErr bool
	}{
		{"plain array", `[{"kind":"FACT","content":"x","importance":0.5}]`, 1, false},
		{"fenced", "```json\n[{\"kind\":\"PREFERENCE\",\"content\":\"y\",\"importance\":0.3}]\n```", 1, false},
		{"empty array", `[]`, 0, false},
		{"prose", "no memories found", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := parseExtracted(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(items) != tt.want {
				t.Errorf("got %d items, want %d", len(items), tt.want)
			}
		})
	}
}

func TestExtractStoresValidMemories(t *testing.T) {
	svc, mock, db, rt := newTestService(t, config.MemoryConfig{})
	defer db.Close()

	light := rt.Provider(llm.TierLight).(*llm.MockProvider)
	light.Respond = func(req *llm.CompletionRequest) string {
		return `[{"kind":"FACT","content":"works night shift","importance":0.7},
		        {"kind":"NONSENSE","content":"ignored","importance":0.5}]`
	}

	expectBudgetCycle(mock)
	mock.ExpectExec(`INSERT INTO memories`).WillReturnResult(sqlmock.NewResult(0, 1))

	scope, _ := store.NewTenantScope("t1")
	stored, err := svc.Extract(context.Background(), scope, "u1", "I work nights", "Noted.")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored memory, got %d", len(stored))
	}
	if stored[0].Kind != store.MemoryFact || stored[0].SourceID != "u1" {
		t.Errorf("stored memory wrong: %+v", stored[0])
	}
}

func TestContextBlock(t *testing.T) {
	if ContextBlock(nil) != "" {
		t.Error("no hits should render empty block")
	}
	block := ContextBlock([]*store.RankedMemory{
		{Memory: store.Memory{Kind: store.MemoryFact, ScopeLevel: types.ScopeUser,
			Classification: types.ClassI, Content: "prefers metric units"}},
	})
	if !strings.Contains(block, "prefers metric units") || !strings.Contains(block, "FACT") {
		t.Errorf("block missing fields: %q", block)
	}
}
