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

package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestObserveAggregatesPerTenant(t *testing.T) {
	c := NewCollector()

	c.ObserveRequest("t1", "/chat", "success", 120*time.Millisecond)
	c.ObserveRequest("t1", "/chat", "error", 40*time.Millisecond)
	c.ObserveRequest("t2", "/documents", "success", 10*time.Millisecond)
	c.ObserveModelCall("t1", "claude-std", "success", 900)
	c.ObserveConnectorCall("t1", "crm", "ok")

	aggs, from, to := c.Snapshot()
	if to.Before(from) {
		t.Errorf("window end %v before start %v", to, from)
	}
	t1 := aggs["t1"]
	if t1 == nil {
		t.Fatal("missing t1 aggregate")
	}
	if t1.Requests != 2 || t1.Errors != 1 || t1.ModelCalls != 1 || t1.Tokens != 900 || t1.ConnectorCalls != 1 {
		t.Errorf("t1 aggregate = %+v", t1)
	}
	if aggs["t2"].Requests != 1 {
		t.Errorf("t2 aggregate = %+v", aggs["t2"])
	}

	// Snapshot resets the window.
	again, _, _ := c.Snapshot()
	if len(again) != 0 {
		t.Errorf("window not reset: %v", again)
	}
}

func TestHandlerServesScrapes(t *testing.T) {
	c := NewCollector()
	c.ObserveRequest("t1", "/chat", "success", 50*time.Millisecond)
	c.SetQueueDepth(3)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"agentcore_requests_total",
		"agentcore_worker_queue_depth 3",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestFlushPersistsWindows(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS metric_windows").
		WillReturnResult(sqlmock.NewResult(0, 0))
	p, err := NewPersister(db)
	if err != nil {
		t.Fatal(err)
	}

	c := NewCollector()
	c.ObserveRequest("t1", "/chat", "success", 10*time.Millisecond)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO metric_windows").
		ExpectExec().
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := p.Flush(context.Background(), c); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// Second flush sees an empty window and touches nothing.
	if err := p.Flush(context.Background(), c); err != nil {
		t.Fatalf("empty Flush: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
