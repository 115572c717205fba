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
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"axonflow/agentcore/shared/logger"
)

// RateLimiter enforces a per-principal sliding window over Redis. Redis
// failures fail open: an unreachable limiter never blocks traffic.
type RateLimiter struct {
	client    *redis.Client
	perMinute int
	log       *logger.Logger
}

// NewRateLimiter creates a limiter allowing perMinute requests per
// principal. A nil client or non-positive limit disables limiting.
func NewRateLimiter(client *redis.Client, perMinute int) *RateLimiter {
	return &RateLimiter{
		client:    client,
		perMinute: perMinute,
		log:       logger.New("ratelimit"),
	}
}

// Allow reports whether the principal may proceed. The window is the last
// 60 seconds, tracked as a Redis sorted set of request timestamps.
func (rl *RateLimiter) Allow(ctx context.Context, tenantID, principalID string) bool {
	if rl.client == nil || rl.perMinute <= 0 {
		return true
	}

	key := fmt.Sprintf("ratelimit:%s:%s", tenantID, principalID)
	now := time.Now()
	windowStart := now.Add(-time.Minute)

	pipe := rl.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8]),
	})
	pipe.Expire(ctx, key, 2*time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		rl.log.Warn(tenantID, "", "rate limiter unavailable, failing open", map[string]interface{}{
			"error": err.Error(),
		})
		return true
	}

	return countCmd.Val() < int64(rl.perMinute)
}
