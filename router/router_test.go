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

package router

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
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/types"
	"axonflow/agentcore/store"
)

func newTestRouter(t *testing.T) (*Router, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	s := store.NewWithDB(db)
	ledger := budget.NewLedger(s.Budgets, config.BudgetConfig{
		TokenBudgetDaily:   1_000_000,
		TokenBudgetMonthly: 20_000_000,
	}, nil)

	cfg := config.ModelsConfig{
		Light:               config.ModelEndpoint{Provider: "mock"},
		Standard:            config.ModelEndpoint{Provider: "mock"},
		Heavy:               config.ModelEndpoint{Provider: "mock"},
		Embedding:           config.ModelEndpoint{Provider: "mock"},
		EmbeddingDimensions: 64,
	}
	r, err := New(cfg, ledger, nil)
	if err != nil {
		t.Fatal(err)
	}
	return r, mock, db
}

func expectGate(mock sqlmock.Sqlmock, dailyConsumed int64) {
	future := time.Now().Add(24 * time.Hour)
	for _, row := range [][2]int64{{1_000_000, dailyConsumed}, {20_000_000, 0}} {
		mock.ExpectQuery(`SELECT token_limit, consumed, resets_at FROM budgets`).
			WillReturnRows(sqlmock.NewRows([]string{"token_limit", "consumed", "resets_at"}).
				AddRow(row[0], row[1], future))
	}
}

func expectRecord(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE budgets SET consumed = consumed`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE budgets SET consumed = consumed`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func operatorCtx() context.Context {
	return types.WithRequestContext(context.Background(), &types.RequestContext{
		Principal: &types.Principal{ID: "op1", TenantID: "t1", Role: types.RoleOperator},
	})
}

func viewerCtx() context.Context {
	return types.WithRequestContext(context.Background(), &types.RequestContext{
		Principal: &types.Principal{ID: "v1", TenantID: "t1", Role: types.RoleViewer},
	})
}

func TestCompleteHonorsPinnedTier(t *testing.T) {
	r, mock, db := newTestRouter(t)
	defer db.Close()

	expectGate(mock, 0)
	expectRecord(mock)

	scope, _ := store.NewTenantScope("t1")
	res, err := r.Complete(operatorCtx(), scope, &Request{Prompt: "hello", PinnedTier: llm.TierHeavy})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Tier != llm.TierHeavy || res.Downgraded || res.Escalated {
		t.Errorf("unexpected routing: %+v", res)
	}
	if res.Response == nil || res.Response.Content == "" {
		t.Error("expected a response body")
	}
}

func TestPinnedTierBeatsSystemTier(t *testing.T) {
	r, mock, db := newTestRouter(t)
	defer db.Close()

	expectGate(mock, 0)
	expectRecord(mock)

	// Specialists pass their role tier as SystemTier; an operator's pin
	// must still decide the routing.
	scope, _ := store.NewTenantScope("t1")
	res, err := r.Complete(operatorCtx(), scope, &Request{
		Prompt:     "hello",
		SystemTier: llm.TierStandard,
		PinnedTier: llm.TierHeavy,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Tier != llm.TierHeavy {
		t.Errorf("tier = %s, want heavy", res.Tier)
	}
}

func TestPinnedTierForbiddenForViewer(t *testing.T) {
	r, _, db := newTestRouter(t)
	defer db.Close()

	scope, _ := store.NewTenantScope("t1")
	_, err := r.Complete(viewerCtx(), scope, &Request{Prompt: "hello", PinnedTier: llm.TierHeavy})
	if fault.KindOf(err) != fault.KindAuthz {
		t.Errorf("error kind = %v, want AUTHZ", fault.KindOf(err))
	}
}

func TestClassifierMapsLightResponse(t *testing.T) {
	r, _, db := newTestRouter(t)
	defer db.Close()

	light := r.Provider(llm.TierLight).(*llm.MockProvider)

	tests := []struct {
		answer string
		want   llm.Tier
	}{
		{"simple", llm.TierLight},
		{"moderate", llm.TierStandard},
		{"complex", llm.TierHeavy},
	}
	scope, _ := store.NewTenantScope("t1")
	for _, tt := range tests {
		light.Respond = func(req *llm.CompletionRequest) string { return tt.answer }
		if got := r.Classify(context.Background(), scope, "what is the shutdown procedure"); got != tt.want {
			t.Errorf("Classify with %q = %s, want %s", tt.answer, got, tt.want)
		}
	}
}

func TestClassifierHeuristicFallback(t *testing.T) {
	r, _, db := newTestRouter(t)
	defer db.Close()

	light := r.Provider(llm.TierLight).(*llm.MockProvider)
	light.Fail = llm.NewProviderError("light", llm.ErrCodeUnavailable, "down")

	scope, _ := store.NewTenantScope("t1")
	if got := r.Classify(context.Background(), scope, "plan the migration of the billing system"); got != llm.TierHeavy {
		t.Errorf("planning keyword should map to heavy, got %s", got)
	}
	if got := r.Classify(context.Background(), scope, "hi"); got != llm.TierLight {
		t.Errorf("short prompt should map to light, got %s", got)
	}
}

func TestBudgetDowngradeRecordedInNotes(t *testing.T) {
	r, mock, db := newTestRouter(t)
	defer db.Close()

	// Headroom only fits light.
	expectGate(mock, 1_000_000-1100)
	expectRecord(mock)

	scope, _ := store.NewTenantScope("t1")
	res, err := r.Complete(operatorCtx(), scope, &Request{Prompt: "hello", PinnedTier: llm.TierHeavy})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Tier != llm.TierLight || !res.Downgraded {
		t.Errorf("expected downgrade to light, got %+v", res)
	}
	found := false
	for _, n := range res.Notes {
		if strings.Contains(n, "downgrade") {
			found = true
		}
	}
	if !found {
		t.Errorf("downgrade should be noted, notes = %v", res.Notes)
	}
}

func TestEscalationOnTransientFailure(t *testing.T) {
	r, mock, db := newTestRouter(t)
	defer db.Close()

	standard := r.Provider(llm.TierStandard).(*llm.MockProvider)
	standard.Fail = llm.NewProviderError("standard", llm.ErrCodeServerError, "boom")

	expectGate(mock, 0) // initial gate
	expectGate(mock, 0) // escalation gate
	expectRecord(mock)  // successful heavy attempt

	scope, _ := store.NewTenantScope("t1")
	res, err := r.Complete(operatorCtx(), scope, &Request{Prompt: "hello", PinnedTier: llm.TierStandard})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Tier != llm.TierHeavy || !res.Escalated {
		t.Errorf("expected escalation to heavy, got %+v", res)
	}
}

func TestNoEscalationPastHeavy(t *testing.T) {
	r, mock, db := newTestRouter(t)
	defer db.Close()

	heavy := r.Provider(llm.TierHeavy).(*llm.MockProvider)
	heavy.Fail = llm.NewProviderError("heavy", llm.ErrCodeServerError, "boom")

	expectGate(mock, 0)

	scope, _ := store.NewTenantScope("t1")
	_, err := r.Complete(operatorCtx(), scope, &Request{Prompt: "hello", PinnedTier: llm.TierHeavy})
	if fault.KindOf(err) != fault.KindUpstream {
		t.Errorf("error kind = %v, want UPSTREAM", fault.KindOf(err))
	}
}

func TestStreamDeliversChunksAndUsage(t *testing.T) {
	r, mock, db := newTestRouter(t)
	defer db.Close()

	light := r.Provider(llm.TierLight).(*llm.MockProvider)
	light.Respond = func(req *llm.CompletionRequest) string {
		if strings.Contains(req.Prompt, "Classify") {
			return "simple"
		}
		return "streamed answer here"
	}

	expectGate(mock, 0)
	expectRecord(mock)

	var chunks int
	var done bool
	scope, _ := store.NewTenantScope("t1")
	res, err := r.CompleteStream(operatorCtx(), scope, &Request{Prompt: "hello"}, func(c llm.StreamChunk) error {
		if c.Type == "content" {
			chunks++
		}
		if c.Done {
			done = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	if chunks == 0 || !done {
		t.Errorf("expected content chunks and a done marker, got %d/%v", chunks, done)
	}
	if res.Response.Content == "" {
		t.Error("assembled response should carry the streamed content")
	}
}

func TestEmbedReturnsConfiguredWidth(t *testing.T) {
	r, _, db := newTestRouter(t)
	defer db.Close()

	vecs, err := r.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for _, v := range vecs {
		if len(v) != 64 {
			t.Errorf("vector width %d, want 64", len(v))
		}
	}
}

func TestMockFallbackWhenNoCredentials(t *testing.T) {
	cfg := config.ModelsConfig{
		Light:               config.ModelEndpoint{Provider: "anthropic"}, // no API key
		Standard:            config.ModelEndpoint{Provider: "mock"},
		Heavy:               config.ModelEndpoint{Provider: "mock"},
		Embedding:           config.ModelEndpoint{Provider: "mock"},
		EmbeddingDimensions: 8,
	}
	r, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := r.Provider(llm.TierLight).(*llm.MockProvider); !ok {
		t.Error("credential-less anthropic endpoint should fall back to mock")
	}
}
