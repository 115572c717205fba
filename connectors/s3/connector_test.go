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

package s3

import (
	"context"
	"testing"

	"axonflow/agentcore/connectors/base"
	"axonflow/agentcore/shared/fault"
)

func TestConnectRequiresBucket(t *testing.T) {
	c := New()
	err := c.Connect(context.Background(), &base.Config{Name: "objects"})
	if fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("kind = %v, want VALIDATION", fault.KindOf(err))
	}
}

func TestQueryValidation(t *testing.T) {
	c := New()

	if _, err := c.Query(context.Background(), &base.Query{Operation: "stat"}); err == nil {
		t.Fatal("unknown operation accepted")
	}

	_, err := c.Query(context.Background(), &base.Query{
		Operation: "get",
		Filters:   map[string]interface{}{"key": "../secrets"},
	})
	if fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("traversal kind = %v", fault.KindOf(err))
	}

	_, err = c.Query(context.Background(), &base.Query{Operation: "get"})
	if fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("missing key kind = %v", fault.KindOf(err))
	}
}

func TestExecuteValidation(t *testing.T) {
	c := New()

	if _, err := c.Execute(context.Background(), &base.Command{Operation: "reports"}); err == nil {
		t.Fatal("missing action accepted")
	}
	_, err := c.Execute(context.Background(), &base.Command{Operation: "put:../x"})
	if fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("traversal kind = %v", fault.KindOf(err))
	}
	_, err = c.Execute(context.Background(), &base.Command{Operation: "copy:a.txt"})
	if fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("unsupported action kind = %v", fault.KindOf(err))
	}
}
