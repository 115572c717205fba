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

// Package metrics exposes the prometheus registry and keeps per-tenant
// aggregates that the metric worker periodically persists.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the prometheus metrics plus the in-memory tenant
// aggregates. Prometheus answers scrapes; the aggregates feed the durable
// flush.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	modelCalls      *prometheus.CounterVec
	modelTokens     *prometheus.CounterVec
	connectorCalls  *prometheus.CounterVec
	queueDepth      prometheus.Gauge

	mu         sync.Mutex
	aggregates map[string]*TenantAggregate
	windowFrom time.Time
}

// TenantAggregate is one tenant's counters for the current flush window.
type TenantAggregate struct {
	Requests       int64 `json:"requests"`
	Errors         int64 `json:"errors"`
	ModelCalls     int64 `json:"model_calls"`
	Tokens         int64 `json:"tokens"`
	ConnectorCalls int64 `json:"connector_calls"`
}

func NewCollector() *Collector {
	c := &Collector{
		registry:   prometheus.NewRegistry(),
		aggregates: make(map[string]*TenantAggregate),
		windowFrom: time.Now().UTC(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_requests_total",
				Help: "Total number of requests processed",
			},
			[]string{"tenant", "endpoint", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_request_duration_milliseconds",
				Help:    "Request duration in milliseconds",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
			[]string{"endpoint"},
		),
		modelCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_model_calls_total",
				Help: "Total number of model invocations",
			},
			[]string{"tenant", "model", "status"},
		),
		modelTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_model_tokens_total",
				Help: "Total tokens consumed across model calls",
			},
			[]string{"tenant", "model"},
		),
		connectorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_connector_calls_total",
				Help: "Total number of connector invocations",
			},
			[]string{"tenant", "connector", "status"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentcore_worker_queue_depth",
				Help: "Jobs waiting in the background worker queue",
			},
		),
	}
	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.modelCalls,
		c.modelTokens,
		c.connectorCalls,
		c.queueDepth,
	)
	return c
}

// Handler serves the /metrics scrape endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished HTTP request.
func (c *Collector) ObserveRequest(tenantID, endpoint, status string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(tenantID, endpoint, status).Inc()
	c.requestDuration.WithLabelValues(endpoint).Observe(float64(duration.Milliseconds()))

	c.mu.Lock()
	agg := c.tenantLocked(tenantID)
	agg.Requests++
	if status != "success" {
		agg.Errors++
	}
	c.mu.Unlock()
}

// ObserveModelCall records one model invocation with its token usage.
func (c *Collector) ObserveModelCall(tenantID, model, status string, tokens int64) {
	c.modelCalls.WithLabelValues(tenantID, model, status).Inc()
	if tokens > 0 {
		c.modelTokens.WithLabelValues(tenantID, model).Add(float64(tokens))
	}

	c.mu.Lock()
	agg := c.tenantLocked(tenantID)
	agg.ModelCalls++
	agg.Tokens += tokens
	c.mu.Unlock()
}

// ObserveConnectorCall records one connector invocation.
func (c *Collector) ObserveConnectorCall(tenantID, connector, status string) {
	c.connectorCalls.WithLabelValues(tenantID, connector, status).Inc()

	c.mu.Lock()
	c.tenantLocked(tenantID).ConnectorCalls++
	c.mu.Unlock()
}

// SetQueueDepth reports the worker queue backlog.
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// Snapshot returns a deep copy of the current window's aggregates and
// resets them, opening the next window.
func (c *Collector) Snapshot() (map[string]*TenantAggregate, time.Time, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]*TenantAggregate, len(c.aggregates))
	for tenant, agg := range c.aggregates {
		cp := *agg
		out[tenant] = &cp
	}
	from := c.windowFrom
	now := time.Now().UTC()
	c.aggregates = make(map[string]*TenantAggregate)
	c.windowFrom = now
	return out, from, now
}

func (c *Collector) tenantLocked(tenantID string) *TenantAggregate {
	agg, ok := c.aggregates[tenantID]
	if !ok {
		agg = &TenantAggregate{}
		c.aggregates[tenantID] = agg
	}
	return agg
}
