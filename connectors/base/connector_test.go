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

package base

import (
	"context"
	"errors"
	"testing"

	"axonflow/agentcore/shared/fault"
)

func TestConfigOptions(t *testing.T) {
	cfg := &Config{Options: map[string]interface{}{
		"sslmode":   "require",
		"pool_size": float64(12),
		"retries":   3,
	}}

	if got := cfg.OptionString("sslmode", "disable"); got != "require" {
		t.Fatalf("OptionString = %q", got)
	}
	if got := cfg.OptionString("missing", "disable"); got != "disable" {
		t.Fatalf("OptionString default = %q", got)
	}
	if got := cfg.OptionInt("pool_size", 4); got != 12 {
		t.Fatalf("OptionInt float = %d", got)
	}
	if got := cfg.OptionInt("retries", 1); got != 3 {
		t.Fatalf("OptionInt int = %d", got)
	}
	if got := cfg.OptionInt("missing", 4); got != 4 {
		t.Fatalf("OptionInt default = %d", got)
	}
}

func TestUpstreamFault(t *testing.T) {
	if UpstreamFault("crm", "query", true, nil) != nil {
		t.Fatal("nil error should pass through")
	}

	err := UpstreamFault("crm", "query", true, errors.New("boom"))
	if fault.KindOf(err) != fault.KindUpstream {
		t.Fatalf("kind = %v, want UPSTREAM", fault.KindOf(err))
	}
	if !fault.IsRetryable(err) {
		t.Fatal("retryable flag lost")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = UpstreamFault("crm", "query", false, ctx.Err())
	if fault.KindOf(err) != fault.KindCancelled {
		t.Fatalf("kind = %v, want CANCELLED", fault.KindOf(err))
	}
}

func TestNotSupported(t *testing.T) {
	err := NotSupported("s3_readonly", "execute")
	if fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("kind = %v, want VALIDATION", fault.KindOf(err))
	}
}
