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

// Package proxy is the sole path between the core and external systems.
// Every invocation passes the policy gate, the tenant cache, parameter
// validation, bounded retries behind a per-connector circuit breaker, and
// pre/post audit entries. Writes additionally require an approved
// operation and are idempotent on its identifier.
package proxy

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"axonflow/agentcore/audit"
	"axonflow/agentcore/config"
	"axonflow/agentcore/connectors/base"
	"axonflow/agentcore/connectors/sdk"
	"axonflow/agentcore/policy"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
	"axonflow/agentcore/shared/types"
	"axonflow/agentcore/store"
)

// Proxy mediates connector access.
type Proxy struct {
	registry *Registry
	cache    *resultCache
	policy   *policy.Engine
	ledger   *audit.Ledger
	retry    sdk.Policy
	log      *logger.Logger

	breakerMu sync.Mutex
	breakers  map[string]*sdk.Breaker

	// executed keeps prior write results so a duplicate execution of the
	// same operation identifier returns the earlier outcome.
	executed sync.Map // op ID -> *priorWrite
}

type priorWrite struct {
	result []byte
	handle string
}

// New wires the proxy. The ledger may be nil in tests.
func New(registry *Registry, pol *policy.Engine, ledger *audit.Ledger, cacheCfg config.CacheConfig) *Proxy {
	return &Proxy{
		registry: registry,
		cache:    newResultCache(cacheCfg.MaxEntries, cacheCfg.TTL),
		policy:   pol,
		ledger:   ledger,
		retry:    sdk.DefaultPolicy(),
		breakers: make(map[string]*sdk.Breaker),
		log:      logger.New("proxy"),
	}
}

func (p *Proxy) breaker(tenantID, connector string) *sdk.Breaker {
	key := tenantID + "/" + connector
	p.breakerMu.Lock()
	defer p.breakerMu.Unlock()
	b, ok := p.breakers[key]
	if !ok {
		b = sdk.NewBreaker(key, 5, 30*time.Second)
		p.breakers[key] = b
	}
	return b
}

// Query runs a read through the full mediation path.
func (p *Proxy) Query(ctx context.Context, principal *types.Principal, connector string, q *base.Query) (*base.QueryResult, error) {
	if err := p.policy.Check(ctx, principal, "read", policy.ResourceRef{
		Kind: "connector", ID: connector, TenantID: tenantOf(principal),
	}); err != nil {
		return nil, err
	}

	conn, cfg, err := p.registry.Lookup(principal.TenantID, connector)
	if err != nil {
		return nil, err
	}

	key := cacheKey(principal.TenantID, connector, q.Operation, principal.ID, q.Filters)
	if cfg.CacheTTL > 0 {
		if hit, ok := p.cache.get(key); ok {
			return hit, nil
		}
	}

	p.audit(principal.TenantID, principal.ID, audit.EventConnectorCall, connector, q.Operation, "started", 0, nil)

	start := time.Now()
	res, err := p.callQuery(ctx, principal.TenantID, conn, cfg, q)
	latency := time.Since(start)

	if err != nil {
		p.audit(principal.TenantID, principal.ID, audit.EventConnectorResult, connector, q.Operation,
			"error", latency, map[string]interface{}{"error": base.SanitizeLog(err.Error())})
		return nil, err
	}
	p.audit(principal.TenantID, principal.ID, audit.EventConnectorResult, connector, q.Operation,
		"ok", latency, map[string]interface{}{"rows": res.RowCount})

	if cfg.CacheTTL > 0 {
		p.cache.put(key, principal.TenantID, res, cfg.CacheTTL)
	}
	return res, nil
}

func (p *Proxy) callQuery(ctx context.Context, tenantID string, conn base.Connector, cfg *base.Config, q *base.Query) (*base.QueryResult, error) {
	b := p.breaker(tenantID, cfg.Name)
	retry := p.retry
	if cfg.MaxRetries > 0 {
		retry.Attempts = cfg.MaxRetries + 1
	}
	return sdk.Do(ctx, retry, func(ctx context.Context) (*base.QueryResult, error) {
		if err := b.Allow(); err != nil {
			return nil, err
		}
		callCtx := ctx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}
		res, err := conn.Query(callCtx, q)
		b.Record(err)
		return res, err
	})
}

// ExecuteWrite carries an approved write operation to its connector. The
// write gateway calls this inside its row-locked state transition, which
// serializes executions of the same identifier; the prior-result map
// covers re-execution after a completed transition.
func (p *Proxy) ExecuteWrite(ctx context.Context, scope store.TenantScope, op *store.WriteOperation) ([]byte, string, error) {
	if prior, ok := p.executed.Load(op.ID); ok {
		pw := prior.(*priorWrite)
		return pw.result, pw.handle, nil
	}

	conn, cfg, err := p.registry.Lookup(scope.TenantID(), op.Connector)
	if err != nil {
		return nil, "", err
	}

	p.audit(scope.TenantID(), op.PrincipalID, audit.EventConnectorCall, op.Connector, op.Operation, "started", 0,
		map[string]interface{}{"operation_id": op.ID})

	cmd := &base.Command{
		OperationID: op.ID,
		Operation:   op.Operation,
		Parameters:  op.Parameters,
		Timeout:     cfg.Timeout,
	}

	b := p.breaker(scope.TenantID(), cfg.Name)
	start := time.Now()
	res, err := sdk.Do(ctx, p.retry, func(ctx context.Context) (*base.CommandResult, error) {
		if berr := b.Allow(); berr != nil {
			return nil, berr
		}
		callCtx := ctx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}
		out, cerr := conn.Execute(callCtx, cmd)
		b.Record(cerr)
		return out, cerr
	})
	latency := time.Since(start)

	if err != nil {
		p.audit(scope.TenantID(), op.PrincipalID, audit.EventConnectorResult, op.Connector, op.Operation,
			"error", latency, map[string]interface{}{
				"operation_id": op.ID,
				"error":        base.SanitizeLog(err.Error()),
			})
		return nil, "", err
	}

	raw, merr := json.Marshal(res)
	if merr != nil {
		return nil, "", fault.Internal("write_result_encode", merr)
	}
	p.executed.Store(op.ID, &priorWrite{result: raw, handle: res.Handle})

	p.audit(scope.TenantID(), op.PrincipalID, audit.EventConnectorResult, op.Connector, op.Operation,
		"ok", latency, map[string]interface{}{
			"operation_id":  op.ID,
			"rows_affected": res.RowsAffected,
		})
	return raw, res.Handle, nil
}

// RollbackWrite undoes an executed operation through connectors that
// support it.
func (p *Proxy) RollbackWrite(ctx context.Context, scope store.TenantScope, op *store.WriteOperation) error {
	conn, _, err := p.registry.Lookup(scope.TenantID(), op.Connector)
	if err != nil {
		return err
	}
	rb, ok := conn.(base.Rollbacker)
	if !ok {
		return fault.Validation("rollback_unsupported", "connector",
			op.Connector+" cannot roll back writes")
	}

	target := op.Operation
	if _, t, err := base.SplitAction(op.Operation); err == nil {
		target = t
	}

	start := time.Now()
	err = rb.Rollback(ctx, target, op.RollbackHandle)
	latency := time.Since(start)

	status := "ok"
	meta := map[string]interface{}{"operation_id": op.ID, "rollback": true}
	if err != nil {
		status = "error"
		meta["error"] = base.SanitizeLog(err.Error())
	}
	p.audit(scope.TenantID(), op.PrincipalID, audit.EventConnectorResult, op.Connector, op.Operation,
		status, latency, meta)
	return err
}

// InvalidateTenant drops the tenant's cached reads, for use after bulk
// upstream changes.
func (p *Proxy) InvalidateTenant(tenantID string) {
	p.cache.invalidateTenant(tenantID)
}

// Health reports per-connector health plus breaker state for a tenant.
func (p *Proxy) Health(ctx context.Context, tenantID string) map[string]*base.Health {
	out := p.registry.Health(ctx, tenantID)
	for name, h := range out {
		if h.Details == nil {
			h.Details = map[string]string{}
		}
		h.Details["circuit"] = p.breaker(tenantID, name).State()
	}
	return out
}

func (p *Proxy) audit(tenantID, principalID string, kind audit.EventKind, connector, operation, status string, latency time.Duration, meta map[string]interface{}) {
	if p.ledger == nil {
		return
	}
	p.ledger.Record(&audit.Entry{
		TenantID:     tenantID,
		PrincipalID:  principalID,
		Kind:         kind,
		ResourceKind: "connector",
		ResourceID:   connector + ":" + strings.SplitN(operation, ":", 2)[0],
		Status:       status,
		LatencyMS:    latency.Milliseconds(),
		Metadata:     meta,
	})
}

func tenantOf(principal *types.Principal) string {
	if principal == nil {
		return ""
	}
	return principal.TenantID
}
