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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"axonflow/agentcore/config"
	"axonflow/agentcore/shared/fault"
)

func TestPoolDispatchesToTypedHandlers(t *testing.T) {
	p := NewPool(config.WorkersConfig{Concurrency: 2, QueueSize: 8}, nil)

	var ingests, sweeps int64
	var wg sync.WaitGroup
	p.Handle(KindIngest, func(context.Context, Job) error {
		defer wg.Done()
		atomic.AddInt64(&ingests, 1)
		return nil
	})
	p.Handle(KindSweep, func(context.Context, Job) error {
		defer wg.Done()
		atomic.AddInt64(&sweeps, 1)
		return nil
	})
	p.Start(context.Background())

	wg.Add(3)
	for _, job := range []Job{
		{Kind: KindIngest, TenantID: "t1"},
		{Kind: KindIngest, TenantID: "t2"},
		{Kind: KindSweep},
	} {
		if err := p.Enqueue(job); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	wg.Wait()
	p.Close()

	if atomic.LoadInt64(&ingests) != 2 || atomic.LoadInt64(&sweeps) != 1 {
		t.Errorf("ingests=%d sweeps=%d", ingests, sweeps)
	}
}

func TestEnqueueFullQueue(t *testing.T) {
	p := NewPool(config.WorkersConfig{Concurrency: 1, QueueSize: 2}, nil)
	// Not started: nothing drains the queue.
	if err := p.Enqueue(Job{Kind: KindIngest}); err != nil {
		t.Fatal(err)
	}
	if err := p.Enqueue(Job{Kind: KindIngest}); err != nil {
		t.Fatal(err)
	}

	err := p.Enqueue(Job{Kind: KindIngest})
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Code != "queue_full" {
		t.Fatalf("err = %v, want queue_full", err)
	}
	if fault.KindOf(err) != fault.KindConcurrency {
		t.Errorf("kind = %v, want CONCURRENCY", fault.KindOf(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.EnqueueWait(ctx, Job{Kind: KindIngest}); fault.KindOf(err) != fault.KindTimeout {
		t.Errorf("EnqueueWait kind = %v, want TIMEOUT", fault.KindOf(err))
	}
}

func TestHandlerFailureDoesNotKillWorker(t *testing.T) {
	p := NewPool(config.WorkersConfig{Concurrency: 1, QueueSize: 8}, nil)

	var calls int64
	var wg sync.WaitGroup
	p.Handle(KindIngest, func(context.Context, Job) error {
		defer wg.Done()
		n := atomic.AddInt64(&calls, 1)
		if n == 1 {
			return errors.New("boom")
		}
		if n == 2 {
			panic("worse")
		}
		return nil
	})
	p.Start(context.Background())

	wg.Add(3)
	for i := 0; i < 3; i++ {
		if err := p.Enqueue(Job{Kind: KindIngest}); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	p.Close()

	if atomic.LoadInt64(&calls) != 3 {
		t.Errorf("calls = %d, want 3 (worker survived failures)", calls)
	}
}

func TestEveryEnqueuesPeriodically(t *testing.T) {
	p := NewPool(config.WorkersConfig{Concurrency: 1, QueueSize: 8}, nil)

	var calls int64
	p.Handle(KindMetricFlush, func(context.Context, Job) error {
		atomic.AddInt64(&calls, 1)
		return nil
	})
	p.Start(context.Background())
	p.Every(10*time.Millisecond, Job{Kind: KindMetricFlush})

	time.Sleep(60 * time.Millisecond)
	p.Close()

	if n := atomic.LoadInt64(&calls); n < 2 {
		t.Errorf("periodic handler ran %d times, want >= 2", n)
	}
}
