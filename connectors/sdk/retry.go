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

// Package sdk holds the resilience primitives shared by all connectors:
// bounded retry with exponential backoff, and a per-connector circuit
// breaker. The proxy wraps every upstream call in both.
package sdk

import (
	"context"
	"math/rand"
	"time"

	"axonflow/agentcore/shared/fault"
)

// Policy bounds retry behavior. Attempts counts total tries, not retries;
// an Attempts of 1 disables retry entirely.
type Policy struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
}

// DefaultPolicy matches the connector defaults: up to 4 tries, 100ms
// initial backoff doubling to a 5s cap, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:        4,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		Jitter:          0.1,
	}
}

func (p Policy) normalized() Policy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 100 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 5 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	return p
}

// Do runs fn until it succeeds, returns a non-retryable fault, or the
// attempt budget is spent. Only errors the taxonomy marks retryable are
// retried; context expiry always stops the loop with a TIMEOUT or
// CANCELLED fault.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	p = p.normalized()

	interval := p.InitialInterval
	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if ctx.Err() != nil {
			return zero, fault.FromContextErr(ctx.Err())
		}

		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !fault.IsRetryable(err) || attempt == p.Attempts {
			break
		}

		wait := interval
		if p.Jitter > 0 {
			wait += time.Duration(float64(wait) * p.Jitter * (rand.Float64()*2 - 1))
		}
		if wait > p.MaxInterval {
			wait = p.MaxInterval
		}
		select {
		case <-ctx.Done():
			return zero, fault.FromContextErr(ctx.Err())
		case <-time.After(wait):
		}

		interval = time.Duration(float64(interval) * p.Multiplier)
		if interval > p.MaxInterval {
			interval = p.MaxInterval
		}
	}
	return zero, lastErr
}

// DoVoid is Do for functions without a result.
func DoVoid(ctx context.Context, p Policy, fn func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
