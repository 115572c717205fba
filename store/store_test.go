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

package store

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/types"
)

func TestVectorLiteralRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
	}{
		{"empty", nil},
		{"single", []float32{0.5}},
		{"several", []float32{0.1, -0.25, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lit := VectorLiteral(tt.in)
			out, err := ParseVector(lit)
			if err != nil {
				t.Fatalf("ParseVector(%q) error = %v", lit, err)
			}
			if len(out) != len(tt.in) {
				t.Fatalf("round trip length = %d, want %d", len(out), len(tt.in))
			}
			for i := range out {
				if out[i] != tt.in[i] {
					t.Errorf("element %d = %v, want %v", i, out[i], tt.in[i])
				}
			}
		})
	}
}

func TestParseVectorRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "1,2,3", "[1,2", "[a,b]"} {
		if _, err := ParseVector(in); err == nil {
			t.Errorf("ParseVector(%q) accepted malformed input", in)
		}
	}
}

func TestNewTenantScopeRejectsEmpty(t *testing.T) {
	if _, err := NewTenantScope(""); fault.KindOf(err) != fault.KindAuthz {
		t.Errorf("empty tenant scope error kind = %v, want AUTHZ", fault.KindOf(err))
	}
}

func TestRepoRejectsZeroScope(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := NewWithDB(db)

	// A zero-value scope must fail before any SQL runs; sqlmock would
	// error on an unexpected query if it did not.
	var zero TenantScope
	if _, err := s.Conversations.Get(context.Background(), zero, "x"); fault.KindOf(err) != fault.KindAuthz {
		t.Errorf("unscoped query error kind = %v, want AUTHZ", fault.KindOf(err))
	}
	if _, err := s.Documents.List(context.Background(), zero, 10); fault.KindOf(err) != fault.KindAuthz {
		t.Errorf("unscoped list error kind = %v, want AUTHZ", fault.KindOf(err))
	}
}

func TestAppendMessageVersionConflict(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := NewWithDB(db)

	scope, _ := NewTenantScope("tenant-a")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT classification_ceiling FROM conversations").
		WillReturnRows(sqlmock.NewRows([]string{"classification_ceiling"}).AddRow(2))
	// Stale expected version: zero rows updated.
	mock.ExpectExec("UPDATE conversations SET version").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	m := &Message{ConversationID: "c1", Role: RoleUser, Content: "hello", Classification: types.ClassI}
	_, err = s.Conversations.AppendMessage(context.Background(), scope, m, 3)
	if fault.KindOf(err) != fault.KindConcurrency {
		t.Fatalf("stale append error kind = %v, want CONCURRENCY", fault.KindOf(err))
	}
	if !fault.IsRetryable(err) {
		t.Error("version conflict should be retryable")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAppendMessageCeilingEnforced(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := NewWithDB(db)

	scope, _ := NewTenantScope("tenant-a")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT classification_ceiling FROM conversations").
		WillReturnRows(sqlmock.NewRows([]string{"classification_ceiling"}).AddRow(2))
	mock.ExpectRollback()

	m := &Message{ConversationID: "c1", Role: RoleAssistant, Content: "x", Classification: types.ClassIII}
	_, err = s.Conversations.AppendMessage(context.Background(), scope, m, 1)
	if fault.KindOf(err) != fault.KindCompliance {
		t.Fatalf("over-ceiling append error kind = %v, want COMPLIANCE", fault.KindOf(err))
	}
}

func TestBudgetConsumeBothPeriods(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := NewWithDB(db)

	scope, _ := NewTenantScope("tenant-a")

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE budgets SET consumed").
		WithArgs("tenant-a", "daily", int64(250)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE budgets SET consumed").
		WithArgs("tenant-a", "monthly", int64(250)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.Budgets.Consume(context.Background(), scope, 250); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestChunkFilterRequiresValidCeiling(t *testing.T) {
	scope, _ := NewTenantScope("tenant-a")
	if _, err := NewChunkFilter(scope, types.Classification(9)); err == nil {
		t.Error("NewChunkFilter accepted an invalid ceiling")
	}
	if _, err := NewChunkFilter(TenantScope{}, types.ClassII); fault.KindOf(err) != fault.KindAuthz {
		t.Error("NewChunkFilter accepted a zero-value scope")
	}
}

func TestWriteStateTerminal(t *testing.T) {
	tests := []struct {
		state WriteState
		want  bool
	}{
		{WriteProposed, false},
		{WriteApproved, false},
		{WriteExecuted, false},
		{WriteRejected, true},
		{WriteTimedOut, true},
		{WriteRolledBack, true},
		{WriteFailed, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}
