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

// Package budget implements the per-tenant token ledger that gates model
// calls. The gate decides before a call whether the requested tier fits the
// remaining budget, walking down the tier ladder when it does not; recording
// happens after the call with the actual usage. Updates are serialized per
// tenant, not per request.
package budget

import (
	"context"
	"sync"

	"axonflow/agentcore/config"
	"axonflow/agentcore/llm"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
	"axonflow/agentcore/store"
)

// tierOutputAllowance is the output token reservation per tier used for
// pre-call estimates. Larger tiers are configured with larger generation
// windows, so their estimated draw on the ledger is higher.
var tierOutputAllowance = map[llm.Tier]int64{
	llm.TierLight:    1024,
	llm.TierStandard: 2048,
	llm.TierHeavy:    4096,
}

// Decision is the outcome of a budget gate check.
type Decision struct {
	// Tier is the tier the call may run on.
	Tier llm.Tier

	// RequestedTier is the tier asked for before any downgrade.
	RequestedTier llm.Tier

	// Downgraded is true when Tier differs from RequestedTier.
	Downgraded bool

	// EstimatedTokens is the pre-call estimate for the granted tier.
	EstimatedTokens int64

	// RemainingDaily and RemainingMonthly are the ledger headroom observed
	// at decision time. Negative values mean the period already overshot.
	RemainingDaily   int64
	RemainingMonthly int64
}

// ConsumptionRecord attributes actual token usage to its origin.
type ConsumptionRecord struct {
	TenantID    string
	PrincipalID string
	Tier        llm.Tier
	Model       string

	// ConversationID or WriteOperationID names the work that issued the
	// call; at most one is set.
	ConversationID   string
	WriteOperationID string

	Usage llm.UsageStats
}

// Observer receives every recorded consumption. Metrics wiring hooks in
// here.
type Observer func(rec ConsumptionRecord)

// Ledger is the budget gate and recorder.
type Ledger struct {
	repo     *store.BudgetRepo
	cfg      config.BudgetConfig
	log      *logger.Logger
	observer Observer

	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

// NewLedger creates a budget ledger over the given repository.
func NewLedger(repo *store.BudgetRepo, cfg config.BudgetConfig, log *logger.Logger) *Ledger {
	if log == nil {
		log = logger.New("budget")
	}
	return &Ledger{
		repo:    repo,
		cfg:     cfg,
		log:     log,
		tenants: make(map[string]*sync.Mutex),
	}
}

// SetObserver installs the consumption observer. Call before serving.
func (l *Ledger) SetObserver(fn Observer) { l.observer = fn }

// tenantLock returns the serialization lock for one tenant.
func (l *Ledger) tenantLock(tenantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.tenants[tenantID]
	if !ok {
		m = &sync.Mutex{}
		l.tenants[tenantID] = m
	}
	return m
}

// Estimate returns the pre-call token estimate for a prompt on a tier: the
// prompt itself plus the tier's output reservation.
func Estimate(promptTokens int64, tier llm.Tier) int64 {
	return promptTokens + tierOutputAllowance[tier]
}

// Gate decides which tier a call may run on. If the requested tier's
// estimate exceeds the remaining budget in either period, the gate walks
// down the ladder; light is the floor. The floor tier is admitted as long
// as the tenant has not yet crossed its limit, so a ledger sitting exactly
// on the limit still gets one more call. The call fails with a BUDGET
// fault only once consumption has overshot the limit and no tier fits.
//
// An admitted call is never killed mid-stream; its overshoot lands on the
// ledger for the next call to see.
func (l *Ledger) Gate(ctx context.Context, scope store.TenantScope, requested llm.Tier, promptTokens int64) (*Decision, error) {
	if !requested.Valid() {
		return nil, fault.Validation("tier_invalid", "tier", "unknown model tier")
	}

	lock := l.tenantLock(scope.TenantID())
	lock.Lock()
	defer lock.Unlock()

	daily, err := l.repo.Get(ctx, scope, store.PeriodDaily, l.cfg.TokenBudgetDaily)
	if err != nil {
		return nil, err
	}
	monthly, err := l.repo.Get(ctx, scope, store.PeriodMonthly, l.cfg.TokenBudgetMonthly)
	if err != nil {
		return nil, err
	}

	remainingDaily := daily.Limit - daily.Consumed
	remainingMonthly := monthly.Limit - monthly.Consumed
	headroom := remainingDaily
	if remainingMonthly < headroom {
		headroom = remainingMonthly
	}

	tier := requested
	for {
		estimate := Estimate(promptTokens, tier)
		if estimate <= headroom {
			return &Decision{
				Tier:             tier,
				RequestedTier:    requested,
				Downgraded:       tier != requested,
				EstimatedTokens:  estimate,
				RemainingDaily:   remainingDaily,
				RemainingMonthly: remainingMonthly,
			}, nil
		}
		below, ok := tier.Below()
		if !ok {
			if headroom >= 0 {
				return &Decision{
					Tier:             tier,
					RequestedTier:    requested,
					Downgraded:       tier != requested,
					EstimatedTokens:  estimate,
					RemainingDaily:   remainingDaily,
					RemainingMonthly: remainingMonthly,
				}, nil
			}
			return nil, fault.Budget("token_budget_exhausted", "tenant token budget exhausted and no lower tier available")
		}
		l.log.Info(scope.TenantID(), "", "budget downgrade", map[string]interface{}{
			"from":     string(tier),
			"to":       string(below),
			"headroom": headroom,
			"estimate": estimate,
		})
		tier = below
	}
}

// Record charges actual usage to the tenant's ledgers. It is called after
// each model call, regardless of whether the gate downgraded.
func (l *Ledger) Record(ctx context.Context, scope store.TenantScope, rec ConsumptionRecord) error {
	rec.TenantID = scope.TenantID()

	lock := l.tenantLock(scope.TenantID())
	lock.Lock()
	err := l.repo.Consume(ctx, scope, int64(rec.Usage.TotalTokens))
	lock.Unlock()
	if err != nil {
		return err
	}

	if l.observer != nil {
		l.observer(rec)
	}
	l.log.Debug(scope.TenantID(), "", "tokens recorded", map[string]interface{}{
		"principal":       rec.PrincipalID,
		"tier":            string(rec.Tier),
		"model":           rec.Model,
		"total_tokens":    rec.Usage.TotalTokens,
		"conversation_id": rec.ConversationID,
		"write_op_id":     rec.WriteOperationID,
	})
	return nil
}

// Remaining reports the current headroom for both periods.
func (l *Ledger) Remaining(ctx context.Context, scope store.TenantScope) (daily, monthly int64, err error) {
	d, err := l.repo.Get(ctx, scope, store.PeriodDaily, l.cfg.TokenBudgetDaily)
	if err != nil {
		return 0, 0, err
	}
	m, err := l.repo.Get(ctx, scope, store.PeriodMonthly, l.cfg.TokenBudgetMonthly)
	if err != nil {
		return 0, 0, err
	}
	return d.Limit - d.Consumed, m.Limit - m.Consumed, nil
}

// SetLimit overrides a tenant's period limit.
func (l *Ledger) SetLimit(ctx context.Context, scope store.TenantScope, period store.BudgetPeriod, limit int64) error {
	if limit < 0 {
		return fault.Validation("budget_limit_negative", "limit", "must be non-negative")
	}
	return l.repo.SetLimit(ctx, scope, period, limit)
}
