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

package policy

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func TestRateLimiterAllowsWithinLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewRateLimiter(client, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if !rl.Allow(ctx, "t1", "p1") {
			t.Fatalf("request %d blocked below limit", i)
		}
	}
	if rl.Allow(ctx, "t1", "p1") {
		t.Error("sixth request within the window should be blocked")
	}
}

func TestRateLimiterIsolatesPrincipals(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl := NewRateLimiter(client, 2)
	ctx := context.Background()

	rl.Allow(ctx, "t1", "p1")
	rl.Allow(ctx, "t1", "p1")
	if rl.Allow(ctx, "t1", "p1") {
		t.Error("p1 should be rate limited")
	}
	if !rl.Allow(ctx, "t1", "p2") {
		t.Error("p2 should not share p1's window")
	}
}

func TestRateLimiterFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close() // simulate an unreachable Redis

	rl := NewRateLimiter(client, 1)
	if !rl.Allow(context.Background(), "t1", "p1") {
		t.Error("limiter should fail open when Redis is unreachable")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(nil, 100)
	if !rl.Allow(context.Background(), "t1", "p1") {
		t.Error("nil client should disable limiting")
	}
}
