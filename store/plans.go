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
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"axonflow/agentcore/shared/fault"
)

// PlanRepo persists task plans. State transitions take a row lock so a
// concurrent approve and reject serialize.
type PlanRepo struct {
	db *sql.DB
}

// Insert stores a newly proposed plan.
func (r *PlanRepo) Insert(ctx context.Context, scope TenantScope, p *Plan) (*Plan, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if p.Goal == "" {
		return nil, fault.Validation("goal_required", "goal", "must not be empty")
	}
	if len(p.Tasks) == 0 {
		return nil, fault.Validation("tasks_required", "tasks", "plan needs at least one task")
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.TenantID = scope.TenantID()
	p.State = PlanProposed
	for i := range p.Tasks {
		p.Tasks[i].State = TaskPending
	}
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt

	tasks, err := json.Marshal(p.Tasks)
	if err != nil {
		return nil, fault.Internal("tasks_marshal", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO plans (tenant_id, id, principal_id, goal, tasks, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.TenantID, p.ID, p.PrincipalID, p.Goal, tasks, string(p.State),
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, wrapDBErr("plan_insert", err)
	}
	return p, nil
}

// Get loads a plan without locking.
func (r *PlanRepo) Get(ctx context.Context, scope TenantScope, id string) (*Plan, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	return r.get(ctx, r.db.QueryRowContext, scope, id, "")
}

// List returns the tenant's plans, newest first.
func (r *PlanRepo) List(ctx context.Context, scope TenantScope, limit int) ([]*Plan, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, id, principal_id, goal, tasks, state, approver_id, decision_reason, error, created_at, updated_at
		FROM plans WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2`,
		scope.TenantID(), limit)
	if err != nil {
		return nil, wrapDBErr("plan_list", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// Transition runs fn against the row-locked plan and persists the mutation
// fn makes. fn must set the new state; the transition commits only when fn
// returns nil.
func (r *PlanRepo) Transition(ctx context.Context, scope TenantScope, id string, fn func(p *Plan) error) (*Plan, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapDBErr("tx_begin", err)
	}
	defer tx.Rollback()

	p, err := r.get(ctx, tx.QueryRowContext, scope, id, "FOR UPDATE")
	if err != nil {
		return nil, err
	}

	if err := fn(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Now().UTC()

	tasks, err := json.Marshal(p.Tasks)
	if err != nil {
		return nil, fault.Internal("tasks_marshal", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE plans
		SET state = $3, tasks = $4, approver_id = $5, decision_reason = $6, error = $7, updated_at = $8
		WHERE tenant_id = $1 AND id = $2`,
		scope.TenantID(), id, string(p.State), tasks, nullableString(p.ApproverID),
		nullableString(p.DecisionReason), nullableString(p.Error), p.UpdatedAt)
	if err != nil {
		return nil, wrapDBErr("plan_update", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapDBErr("tx_commit", err)
	}
	return p, nil
}

func (r *PlanRepo) get(ctx context.Context, queryRow queryRowFn, scope TenantScope, id, lock string) (*Plan, error) {
	row := queryRow(ctx, `
		SELECT tenant_id, id, principal_id, goal, tasks, state, approver_id, decision_reason, error, created_at, updated_at
		FROM plans WHERE tenant_id = $1 AND id = $2 `+lock,
		scope.TenantID(), id)
	return scanPlan(row)
}

func scanPlan(row rowScanner) (*Plan, error) {
	var (
		p        Plan
		tasks    []byte
		state    string
		approver sql.NullString
		reason   sql.NullString
		planErr  sql.NullString
	)
	err := row.Scan(&p.TenantID, &p.ID, &p.PrincipalID, &p.Goal, &tasks, &state,
		&approver, &reason, &planErr, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Validation("plan_not_found", "plan_id", "no such plan")
	}
	if err != nil {
		return nil, wrapDBErr("plan_scan", err)
	}
	if len(tasks) > 0 {
		if err := json.Unmarshal(tasks, &p.Tasks); err != nil {
			return nil, fault.Internal("tasks_unmarshal", err)
		}
	}
	p.State = PlanState(state)
	p.ApproverID = approver.String
	p.DecisionReason = reason.String
	p.Error = planErr.String
	return &p, nil
}
