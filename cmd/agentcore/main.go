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

// Package main is the entry point for the AxonFlow agent execution core.
//
// The service exposes the chat, document, and write-approval APIs, runs the
// observe-think-verify-learn pipeline against the configured model tiers,
// and hosts the background workers for ingestion, budget metrics, approval
// sweeps, and memory decay.
//
// Usage:
//
//	./agentcore -config /etc/agentcore/config.yaml
//
// Every config value can also be supplied through AGENTCORE_* environment
// variables; see the config package for the full list.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"axonflow/agentcore/audit"
	"axonflow/agentcore/budget"
	"axonflow/agentcore/compose"
	"axonflow/agentcore/config"
	"axonflow/agentcore/gateway"
	"axonflow/agentcore/memory"
	"axonflow/agentcore/metrics"
	"axonflow/agentcore/pipeline"
	"axonflow/agentcore/plans"
	"axonflow/agentcore/policy"
	"axonflow/agentcore/proxy"
	"axonflow/agentcore/retrieval"
	"axonflow/agentcore/router"
	"axonflow/agentcore/shared/logger"
	"axonflow/agentcore/specialist"
	"axonflow/agentcore/store"
	"axonflow/agentcore/workers"
	"axonflow/agentcore/writegate"
)

func main() {
	configPath := flag.String("config", os.Getenv("AGENTCORE_CONFIG"), "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "agentcore: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.New("agentcore")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	st.SetEmbeddingDims(cfg.Models.EmbeddingDimensions)
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}

	ledger, err := audit.NewLedger(st.DB())
	if err != nil {
		return err
	}
	defer ledger.Close()
	pol := policy.NewEngine(ledger)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	limiter := policy.NewRateLimiter(redisClient, cfg.RateLimit.PerMinute)

	budgets := budget.NewLedger(st.Budgets, cfg.Budget, nil)
	rt, err := router.New(cfg.Models, budgets, nil)
	if err != nil {
		return err
	}

	retriever := retrieval.NewEngine(st.Chunks, rt, cfg.Retrieval, nil)
	mem := memory.NewService(st.Memories, rt, ledger, cfg.Memory, nil)
	scheduler := compose.NewScheduler(rt, nil)
	specialists := specialist.NewRegistry(rt, cfg.Models.EscalationConfidence)

	// Connector credentials referenced as secretsmanager:<name> resolve
	// through AWS; without a region only plain credentials work.
	var secrets proxy.SecretSource
	if region := os.Getenv("AWS_REGION"); region != "" {
		aws, err := proxy.NewAWSSecrets(ctx, region, 5*time.Minute)
		if err != nil {
			return err
		}
		secrets = aws
	}
	registry := proxy.NewRegistry(secrets)
	prox := proxy.New(registry, pol, ledger, cfg.Cache)

	writes := writegate.NewGateway(st.WriteOps, pol, ledger, prox, cfg.Approval, nil)
	planner := plans.NewService(st.Plans, scheduler, specialists, rt, pol, ledger, nil)
	pipe := pipeline.New(st.Conversations, st.Goals, mem, retriever, scheduler,
		specialists, writes, rt, ledger, cfg.Pipeline, nil)

	collector := metrics.NewCollector()
	persister, err := metrics.NewPersister(st.DB())
	if err != nil {
		return err
	}

	pool := workers.NewPool(cfg.Workers, collector)
	ingestor := workers.NewIngestor(st.Documents, st.Chunks, rt, cfg.Workers)
	pool.Handle(workers.KindIngest, workers.IngestHandler(ingestor))
	pool.Handle(workers.KindMetricFlush, workers.FlushHandler(persister, collector))
	pool.Handle(workers.KindSweep, workers.SweepHandler(writes, log))
	pool.Handle(workers.KindMemoryDecay, workers.DecayHandler(mem))
	pool.Start(ctx)
	pool.Every(cfg.Workers.MetricsInterval, workers.Job{Kind: workers.KindMetricFlush})
	pool.Every(cfg.Approval.SweepInterval, workers.Job{Kind: workers.KindSweep})
	pool.Every(cfg.Workers.DecayInterval, workers.Job{Kind: workers.KindMemoryDecay})
	// One ingest beat as a safety net for documents whose enqueue was lost
	// to a full queue.
	pool.Every(time.Minute, workers.Job{Kind: workers.KindIngest})

	gw := gateway.New(*cfg, pipe, st.Documents, pool, writes, planner, pol,
		limiter, collector, prox, ledger, st.DB())

	err = gw.Serve(ctx)

	// Drain in dependency order: no new HTTP work, then workers, then the
	// connectors and the audit queue behind them.
	pool.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	registry.Close(shutdownCtx)

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFlush()
	if ferr := persister.Flush(flushCtx, collector); ferr != nil {
		log.Warn("", "", "final metrics flush failed", map[string]interface{}{
			"error": ferr.Error(),
		})
	}

	log.Info("", "", "agentcore stopped", nil)
	return err
}
