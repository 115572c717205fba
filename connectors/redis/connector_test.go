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

package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"axonflow/agentcore/connectors/base"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/types"
)

func newTestConnector(t *testing.T) (*Connector, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	c := New()
	err = c.Connect(context.Background(), &base.Config{
		Name:           "cache",
		Endpoint:       mr.Addr(),
		TenantID:       "t1",
		Classification: types.ClassI,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Disconnect(context.Background()) })
	return c, mr
}

func TestQueryGet(t *testing.T) {
	c, mr := newTestConnector(t)
	mr.Set("plant:p01:status", "running")

	res, err := c.Query(context.Background(), &base.Query{
		Operation: "get",
		Filters:   map[string]interface{}{"key": "plant:p01:status"},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.RowCount != 1 || res.Rows[0]["value"] != "running" {
		t.Fatalf("rows = %v", res.Rows)
	}

	res, err = c.Query(context.Background(), &base.Query{
		Operation: "get",
		Filters:   map[string]interface{}{"key": "missing"},
	})
	if err != nil {
		t.Fatalf("Query miss: %v", err)
	}
	if res.RowCount != 0 {
		t.Fatalf("miss returned rows: %v", res.Rows)
	}
}

func TestQueryHGetAll(t *testing.T) {
	c, mr := newTestConnector(t)
	mr.HSet("machine:m1", "state", "idle", "oee", "0.91")

	res, err := c.Query(context.Background(), &base.Query{
		Operation: "hgetall",
		Filters:   map[string]interface{}{"key": "machine:m1"},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.RowCount != 1 || res.Rows[0]["state"] != "idle" {
		t.Fatalf("rows = %v", res.Rows)
	}
}

func TestQueryKeys(t *testing.T) {
	c, mr := newTestConnector(t)
	mr.Set("job:1", "a")
	mr.Set("job:2", "b")
	mr.Set("other", "c")

	res, err := c.Query(context.Background(), &base.Query{
		Operation: "keys",
		Filters:   map[string]interface{}{"pattern": "job:*"},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.RowCount != 2 {
		t.Fatalf("RowCount = %d, rows %v", res.RowCount, res.Rows)
	}
}

func TestQueryKeysRejectsBadPattern(t *testing.T) {
	c, _ := newTestConnector(t)

	for _, pattern := range []string{"job:*\n", "{bad}", ""} {
		_, err := c.Query(context.Background(), &base.Query{
			Operation: "keys",
			Filters:   map[string]interface{}{"pattern": pattern},
		})
		if fault.KindOf(err) != fault.KindValidation {
			t.Errorf("pattern %q: err = %v, want VALIDATION", pattern, err)
		}
	}
}

func TestQueryUnknownOperation(t *testing.T) {
	c, _ := newTestConnector(t)
	if _, err := c.Query(context.Background(), &base.Query{Operation: "flushall"}); err == nil {
		t.Fatal("unknown operation accepted")
	}
}

func TestExecuteSetAndDel(t *testing.T) {
	c, mr := newTestConnector(t)

	res, err := c.Execute(context.Background(), &base.Command{
		Operation:  "set:job:9",
		Parameters: map[string]interface{}{"value": "queued"},
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !res.Success {
		t.Fatal("set not successful")
	}
	if res.Handle != "absent" {
		t.Fatalf("handle = %q, want absent", res.Handle)
	}
	if got, _ := mr.Get("job:9"); got != "queued" {
		t.Fatalf("stored = %q", got)
	}

	res, err = c.Execute(context.Background(), &base.Command{Operation: "del:job:9"})
	if err != nil {
		t.Fatalf("del: %v", err)
	}
	if res.RowsAffected != 1 {
		t.Fatalf("RowsAffected = %d", res.RowsAffected)
	}
	if mr.Exists("job:9") {
		t.Fatal("key survived del")
	}
}

func TestRollbackRestoresPriorValue(t *testing.T) {
	c, mr := newTestConnector(t)
	mr.Set("job:5", "running")

	res, err := c.Execute(context.Background(), &base.Command{
		Operation:  "set:job:5",
		Parameters: map[string]interface{}{"value": "failed"},
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if res.Handle != "prev:running" {
		t.Fatalf("handle = %q", res.Handle)
	}

	if err := c.Rollback(context.Background(), "job:5", res.Handle); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if got, _ := mr.Get("job:5"); got != "running" {
		t.Fatalf("restored = %q", got)
	}

	if err := c.Rollback(context.Background(), "job:5", "absent"); err != nil {
		t.Fatalf("Rollback absent: %v", err)
	}
	if mr.Exists("job:5") {
		t.Fatal("key survived absent rollback")
	}

	if err := c.Rollback(context.Background(), "job:5", "bogus"); err == nil {
		t.Fatal("bogus handle accepted")
	}
}
