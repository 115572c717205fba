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
	"sync"
	"time"

	"axonflow/agentcore/shared/fault"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// Breaker is a per-connector circuit breaker. Closed passes calls through
// and counts consecutive failures; at the threshold it opens and rejects
// calls until the cooldown elapses, then admits probes half-open. A run of
// probe successes closes it; any probe failure reopens it.
type Breaker struct {
	name         string
	maxFailures  int
	cooldown     time.Duration
	probesToHeal int

	mu        sync.Mutex
	state     string
	failures  int
	openedAt  time.Time
	probeWins int
	nowFn     func() time.Time
}

// NewBreaker creates a closed breaker. maxFailures consecutive failures
// open it; after cooldown it goes half-open and needs three probe
// successes to close.
func NewBreaker(name string, maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures < 1 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:         name,
		maxFailures:  maxFailures,
		cooldown:     cooldown,
		probesToHeal: 3,
		state:        StateClosed,
		nowFn:        time.Now,
	}
}

// errOpen is the fault returned while the breaker rejects calls. Marked
// retryable: the condition clears on its own after the cooldown.
func (b *Breaker) errOpen() error {
	return fault.Upstream("circuit_open", b.name+": circuit breaker open", true, nil)
}

// Allow reports whether a call may proceed, transitioning open to
// half-open when the cooldown has elapsed. Callers pair it with Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.nowFn().Sub(b.openedAt) < b.cooldown {
			return b.errOpen()
		}
		b.state = StateHalfOpen
		b.probeWins = 0
	}
	return nil
}

// Record feeds one call outcome into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.maxFailures {
			b.state = StateOpen
			b.openedAt = b.nowFn()
		}
		return
	}

	if b.state == StateHalfOpen {
		b.probeWins++
		if b.probeWins >= b.probesToHeal {
			b.state = StateClosed
			b.failures = 0
		}
		return
	}
	b.failures = 0
}

// Do runs fn through the breaker.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err)
	return err
}

// State returns the current state string for health reporting.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probeWins = 0
}
