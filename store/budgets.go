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

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// BudgetRepo persists the per-tenant token ledgers. Consumption updates are
// single-statement upserts so two concurrent calls never lose tokens; reads
// after a call observe the updated consumed value.
type BudgetRepo struct {
	db *sql.DB
}

// periodWindow returns the start of the current period and its reset time.
func periodWindow(period BudgetPeriod, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	switch period {
	case PeriodMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	default:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	}
}

// Get returns the current-period ledger row, creating it with the default
// limit when absent or rolling it over when the period lapsed.
func (r *BudgetRepo) Get(ctx context.Context, scope TenantScope, period BudgetPeriod, defaultLimit int64) (*Budget, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}

	_, resets := periodWindow(period, time.Now())

	b := &Budget{TenantID: scope.TenantID(), Period: period}
	err := r.db.QueryRowContext(ctx, `
		SELECT token_limit, consumed, resets_at FROM budgets
		WHERE tenant_id = $1 AND period = $2 AND tier = ''`,
		scope.TenantID(), string(period)).Scan(&b.Limit, &b.Consumed, &b.ResetsAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		b.Limit = defaultLimit
		b.ResetsAt = resets
		if _, err := r.db.ExecContext(ctx, `
			INSERT INTO budgets (tenant_id, period, tier, token_limit, consumed, resets_at)
			VALUES ($1, $2, '', $3, 0, $4)
			ON CONFLICT (tenant_id, period, tier) DO NOTHING`,
			scope.TenantID(), string(period), defaultLimit, resets); err != nil {
			return nil, wrapDBErr("budget_create", err)
		}
		return b, nil
	case err != nil:
		return nil, wrapDBErr("budget_get", err)
	}

	if !b.ResetsAt.After(time.Now().UTC()) {
		// Period lapsed; reset the window.
		if _, err := r.db.ExecContext(ctx, `
			UPDATE budgets SET consumed = 0, resets_at = $3
			WHERE tenant_id = $1 AND period = $2 AND tier = '' AND resets_at <= NOW()`,
			scope.TenantID(), string(period), resets); err != nil {
			return nil, wrapDBErr("budget_reset", err)
		}
		b.Consumed = 0
		b.ResetsAt = resets
	}
	return b, nil
}

// Consume records tokens against the tenant's ledger for both periods in
// one transaction. Overshoot within the recording call is allowed; the next
// reader sees the updated value.
func (r *BudgetRepo) Consume(ctx context.Context, scope TenantScope, tokens int64) error {
	if err := requireScope(scope); err != nil {
		return err
	}
	if tokens <= 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBErr("tx_begin", err)
	}
	defer tx.Rollback()

	for _, period := range []BudgetPeriod{PeriodDaily, PeriodMonthly} {
		if _, err := tx.ExecContext(ctx, `
			UPDATE budgets SET consumed = consumed + $3
			WHERE tenant_id = $1 AND period = $2 AND tier = ''`,
			scope.TenantID(), string(period), tokens); err != nil {
			return wrapDBErr("budget_consume", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapDBErr("tx_commit", err)
	}
	return nil
}

// SetLimit overrides a tenant's period limit.
func (r *BudgetRepo) SetLimit(ctx context.Context, scope TenantScope, period BudgetPeriod, limit int64) error {
	if err := requireScope(scope); err != nil {
		return err
	}
	_, resets := periodWindow(period, time.Now())
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO budgets (tenant_id, period, tier, token_limit, consumed, resets_at)
		VALUES ($1, $2, '', $3, 0, $4)
		ON CONFLICT (tenant_id, period, tier) DO UPDATE SET token_limit = EXCLUDED.token_limit`,
		scope.TenantID(), string(period), limit, resets)
	if err != nil {
		return wrapDBErr("budget_set_limit", err)
	}
	return nil
}
