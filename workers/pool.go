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

// Package workers drives asynchronous work off the request path: document
// ingestion, metric persistence, write-operation timeout sweeps, and
// memory decay. Jobs are typed; a handler failure is logged and never
// takes a worker down.
package workers

import (
	"context"
	"sync"
	"time"

	"axonflow/agentcore/config"
	"axonflow/agentcore/metrics"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
)

// Kind names a job type.
type Kind string

const (
	KindIngest      Kind = "ingest"
	KindMetricFlush Kind = "metric_flush"
	KindSweep       Kind = "timeout_sweep"
	KindMemoryDecay Kind = "memory_decay"
)

// Job is one unit of background work.
type Job struct {
	Kind       Kind
	TenantID   string
	DocumentID string
}

// Handler processes one job kind.
type Handler func(ctx context.Context, job Job) error

// Pool runs a fixed set of workers over a bounded queue.
type Pool struct {
	queue     chan Job
	handlers  map[Kind]Handler
	collector *metrics.Collector
	log       *logger.Logger

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	tickerWg sync.WaitGroup
	tickers  []*time.Ticker
	done     chan struct{}

	concurrency int
}

// NewPool sizes the pool from config. The collector may be nil.
func NewPool(cfg config.WorkersConfig, collector *metrics.Collector) *Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Pool{
		queue:       make(chan Job, queueSize),
		handlers:    make(map[Kind]Handler),
		collector:   collector,
		log:         logger.New("workers"),
		done:        make(chan struct{}),
		concurrency: concurrency,
	}
}

// Handle registers the handler for a job kind. Must be called before Start.
func (p *Pool) Handle(kind Kind, h Handler) {
	p.handlers[kind] = h
}

// Start launches the workers. Safe to call once.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Every enqueues a job at a fixed interval until the pool stops. A full
// queue skips the beat rather than stacking periodic work.
func (p *Pool) Every(interval time.Duration, job Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	p.tickers = append(p.tickers, t)
	p.tickerWg.Add(1)
	go func() {
		defer p.tickerWg.Done()
		for {
			select {
			case <-t.C:
				if err := p.Enqueue(job); err != nil {
					p.log.Warn("", "", "periodic job skipped, queue full", map[string]interface{}{
						"kind": string(job.Kind),
					})
				}
			case <-p.done:
				return
			}
		}
	}()
}

// Enqueue submits a job without blocking. A full queue returns a
// CONCURRENCY fault with code queue_full.
func (p *Pool) Enqueue(job Job) error {
	select {
	case p.queue <- job:
		p.observeDepth()
		return nil
	default:
		return fault.Concurrency("queue_full", "worker queue is at capacity")
	}
}

// EnqueueWait submits a job, blocking until there is room or the context
// expires.
func (p *Pool) EnqueueWait(ctx context.Context, job Job) error {
	select {
	case p.queue <- job:
		p.observeDepth()
		return nil
	case <-ctx.Done():
		return fault.FromContextErr(ctx.Err())
	}
}

// Depth reports the number of queued jobs.
func (p *Pool) Depth() int {
	return len(p.queue)
}

// Close stops the tickers, drains the queue, and waits for the workers.
// Callers stop producing before closing.
func (p *Pool) Close() {
	p.mu.Lock()
	for _, t := range p.tickers {
		t.Stop()
	}
	p.tickers = nil
	p.mu.Unlock()

	close(p.done)
	p.tickerWg.Wait()
	close(p.queue)
	p.wg.Wait()

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.queue {
		p.observeDepth()
		p.dispatch(ctx, job)
	}
}

func (p *Pool) dispatch(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error(job.TenantID, "", "worker handler panicked", map[string]interface{}{
				"kind":  string(job.Kind),
				"panic": r,
			})
		}
	}()

	h, ok := p.handlers[job.Kind]
	if !ok {
		p.log.Error(job.TenantID, "", "no handler for job kind", map[string]interface{}{
			"kind": string(job.Kind),
		})
		return
	}
	if err := h(ctx, job); err != nil {
		p.log.Error(job.TenantID, "", "worker job failed", map[string]interface{}{
			"kind":  string(job.Kind),
			"error": err.Error(),
		})
	}
}

func (p *Pool) observeDepth() {
	if p.collector != nil {
		p.collector.SetQueueDepth(len(p.queue))
	}
}
