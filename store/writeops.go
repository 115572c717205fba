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
	"axonflow/agentcore/shared/types"
)

// WriteOpRepo persists write operations. State transitions take a row lock
// on the operation so concurrent approvals serialize.
type WriteOpRepo struct {
	db *sql.DB
}

// Insert stores a newly proposed operation.
func (r *WriteOpRepo) Insert(ctx context.Context, scope TenantScope, op *WriteOperation) (*WriteOperation, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if !op.Risk.Valid() {
		return nil, fault.Validation("invalid_risk", "risk", "unrecognized risk level")
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.TenantID = scope.TenantID()
	op.State = WriteProposed
	op.RequestedAt = time.Now().UTC()
	op.UpdatedAt = op.RequestedAt

	params, err := json.Marshal(op.Parameters)
	if err != nil {
		return nil, fault.Internal("parameters_marshal", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO write_operations (tenant_id, id, principal_id, connector, operation, parameters, risk, rationale, state, requested_at, deadline, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		op.TenantID, op.ID, op.PrincipalID, op.Connector, op.Operation, params,
		string(op.Risk), op.Rationale, string(op.State), op.RequestedAt, op.Deadline, op.UpdatedAt)
	if err != nil {
		return nil, wrapDBErr("writeop_insert", err)
	}
	return op, nil
}

// Get loads an operation without locking.
func (r *WriteOpRepo) Get(ctx context.Context, scope TenantScope, id string) (*WriteOperation, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	return r.get(ctx, r.db.QueryRowContext, scope, id, "")
}

// Transition runs fn against the row-locked operation and persists the
// mutation fn makes. fn must set the new state; the transition commits only
// when fn returns nil.
func (r *WriteOpRepo) Transition(ctx context.Context, scope TenantScope, id string, fn func(op *WriteOperation) error) (*WriteOperation, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapDBErr("tx_begin", err)
	}
	defer tx.Rollback()

	op, err := r.get(ctx, tx.QueryRowContext, scope, id, "FOR UPDATE")
	if err != nil {
		return nil, err
	}

	if err := fn(op); err != nil {
		return nil, err
	}
	op.UpdatedAt = time.Now().UTC()

	params, err := json.Marshal(op.Parameters)
	if err != nil {
		return nil, fault.Internal("parameters_marshal", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE write_operations
		SET state = $3, approver_id = $4, decision_reason = $5, parameters = $6, result = $7, rollback_handle = $8, updated_at = $9
		WHERE tenant_id = $1 AND id = $2`,
		scope.TenantID(), id, string(op.State), nullableString(op.ApproverID),
		nullableString(op.DecisionReason), params, nullableBytes(op.Result),
		nullableString(op.RollbackHandle), op.UpdatedAt)
	if err != nil {
		return nil, wrapDBErr("writeop_update", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapDBErr("tx_commit", err)
	}
	return op, nil
}

// ListExpired returns PROPOSED operations past their deadline, across all
// tenants. Used by the timeout sweeper only.
func (r *WriteOpRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*WriteOperation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, id FROM write_operations
		WHERE state = 'PROPOSED' AND deadline < $1
		ORDER BY deadline
		LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, wrapDBErr("writeop_expired", err)
	}
	defer rows.Close()

	var ops []*WriteOperation
	for rows.Next() {
		op := &WriteOperation{}
		if err := rows.Scan(&op.TenantID, &op.ID); err != nil {
			return nil, wrapDBErr("writeop_scan", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ListPending returns the tenant's PROPOSED operations, oldest first.
func (r *WriteOpRepo) ListPending(ctx context.Context, scope TenantScope, limit int) ([]*WriteOperation, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, id, principal_id, connector, operation, parameters, risk, rationale, state, approver_id, decision_reason, requested_at, deadline, result, rollback_handle, updated_at
		FROM write_operations
		WHERE tenant_id = $1 AND state = 'PROPOSED'
		ORDER BY requested_at
		LIMIT $2`,
		scope.TenantID(), limit)
	if err != nil {
		return nil, wrapDBErr("writeop_pending", err)
	}
	defer rows.Close()

	var ops []*WriteOperation
	for rows.Next() {
		op, err := scanWriteOp(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

type queryRowFn func(ctx context.Context, query string, args ...interface{}) *sql.Row

func (r *WriteOpRepo) get(ctx context.Context, queryRow queryRowFn, scope TenantScope, id, suffix string) (*WriteOperation, error) {
	query := `
		SELECT tenant_id, id, principal_id, connector, operation, parameters, risk, rationale, state, approver_id, decision_reason, requested_at, deadline, result, rollback_handle, updated_at
		FROM write_operations WHERE tenant_id = $1 AND id = $2 ` + suffix
	op, err := scanWriteOp(queryRow(ctx, query, scope.TenantID(), id))
	if err != nil {
		return nil, err
	}
	return op, nil
}

func scanWriteOp(row rowScanner) (*WriteOperation, error) {
	op := &WriteOperation{}
	var params, result []byte
	var approver, reason, rollback sql.NullString
	var risk, state string
	err := row.Scan(&op.TenantID, &op.ID, &op.PrincipalID, &op.Connector, &op.Operation,
		&params, &risk, &op.Rationale, &state, &approver, &reason,
		&op.RequestedAt, &op.Deadline, &result, &rollback, &op.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Validation("operation_not_found", "operation_id", "no such write operation")
	}
	if err != nil {
		return nil, wrapDBErr("writeop_scan", err)
	}
	op.Risk = types.RiskLevel(risk)
	op.State = WriteState(state)
	op.ApproverID = approver.String
	op.DecisionReason = reason.String
	op.RollbackHandle = rollback.String
	op.Result = result
	if len(params) > 0 {
		if err := json.Unmarshal(params, &op.Parameters); err != nil {
			return nil, fault.Internal("parameters_unmarshal", err)
		}
	}
	return op, nil
}
