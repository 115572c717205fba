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

package sdk

import (
	"context"
	"testing"
	"time"

	"axonflow/agentcore/shared/fault"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		Attempts:        attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	out, err := Do(context.Background(), fastPolicy(4), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", fault.Upstream("flaky", "transient", true, nil)
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if out != "ok" || calls != 3 {
		t.Fatalf("out=%q calls=%d", out, calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(4), func(ctx context.Context) (string, error) {
		calls++
		return "", fault.Validation("bad_input", "field", "nope")
	})
	if err == nil || calls != 1 {
		t.Fatalf("err=%v calls=%d, want single attempt", err, calls)
	}
	if fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("kind = %v", fault.KindOf(err))
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) (int, error) {
		calls++
		return 0, fault.Upstream("down", "still down", true, nil)
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if fault.KindOf(err) != fault.KindUpstream {
		t.Fatalf("kind = %v", fault.KindOf(err))
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Do(ctx, fastPolicy(4), func(ctx context.Context) (int, error) {
		calls++
		return 0, nil
	})
	if calls != 0 {
		t.Fatalf("calls = %d, want 0", calls)
	}
	if fault.KindOf(err) != fault.KindCancelled {
		t.Fatalf("kind = %v, want CANCELLED", fault.KindOf(err))
	}
}

func TestDoVoid(t *testing.T) {
	calls := 0
	err := DoVoid(context.Background(), fastPolicy(2), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return fault.Upstream("flaky", "transient", true, nil)
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}
