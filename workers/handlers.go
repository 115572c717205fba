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

package workers

import (
	"context"
	"time"

	"axonflow/agentcore/memory"
	"axonflow/agentcore/metrics"
	"axonflow/agentcore/shared/logger"
	"axonflow/agentcore/writegate"
)

const sweepBatchLimit = 100

// IngestHandler drains the pending-document queue. One job processes
// documents until the queue is empty, so a burst of uploads needs only
// one queued job to make progress.
func IngestHandler(ing *Ingestor) Handler {
	return func(ctx context.Context, _ Job) error {
		for {
			more, err := ing.ProcessNext(ctx)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
	}
}

// FlushHandler persists the current metric window.
func FlushHandler(p *metrics.Persister, c *metrics.Collector) Handler {
	return func(ctx context.Context, _ Job) error {
		return p.Flush(ctx, c)
	}
}

// SweepHandler expires overdue write-operation proposals.
func SweepHandler(gw *writegate.Gateway, log *logger.Logger) Handler {
	return func(ctx context.Context, _ Job) error {
		swept, err := gw.SweepExpired(ctx, time.Now().UTC(), sweepBatchLimit)
		if err != nil {
			return err
		}
		if swept > 0 && log != nil {
			log.Info("", "", "expired write operations swept", map[string]interface{}{
				"count": swept,
			})
		}
		return nil
	}
}

// DecayHandler ages unaccessed memories.
func DecayHandler(mem *memory.Service) Handler {
	return func(ctx context.Context, _ Job) error {
		_, err := mem.Decay(ctx, time.Now().UTC())
		return err
	}
}
