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
	"github.com/lib/pq"

	"axonflow/agentcore/shared/fault"
)

// GoalRepo persists goals. Progress roll-up across the parent edge is
// computed on read, never stored.
type GoalRepo struct {
	db *sql.DB
}

// Create inserts a new active goal.
func (r *GoalRepo) Create(ctx context.Context, scope TenantScope, g *Goal) (*Goal, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if g.Description == "" {
		return nil, fault.Validation("description_required", "description", "must not be empty")
	}
	if !g.ScopeLevel.Valid() {
		return nil, fault.Validation("invalid_scope_level", "scope_level", "unrecognized scope level")
	}

	g.ID = uuid.NewString()
	g.TenantID = scope.TenantID()
	g.Status = GoalActive
	g.CreatedAt = time.Now().UTC()
	g.UpdatedAt = g.CreatedAt

	progress, err := json.Marshal(g.Progress)
	if err != nil {
		return nil, fault.Internal("progress_marshal", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO goals (tenant_id, id, scope_level, scope_id, category, priority, description, status, progress, deadline, parent_goal_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		g.TenantID, g.ID, string(g.ScopeLevel), g.ScopeID, g.Category, g.Priority,
		g.Description, string(g.Status), progress, g.Deadline,
		nullableString(g.ParentGoalID), g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return nil, wrapDBErr("goal_insert", err)
	}
	return g, nil
}

// ListActive returns active goals at the given scopes ordered by priority.
func (r *GoalRepo) ListActive(ctx context.Context, scope TenantScope, scopes []RecallScope, limit int) ([]*Goal, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if len(scopes) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > 50 {
		limit = 10
	}

	levels := make([]string, len(scopes))
	ids := make([]string, len(scopes))
	for i, sc := range scopes {
		levels[i] = string(sc.Level)
		ids[i] = sc.ID
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, scope_level, scope_id, category, priority, description, status, progress, deadline, parent_goal_id, created_at, updated_at
		FROM goals
		WHERE tenant_id = $1 AND status = 'active'
		  AND (scope_level, scope_id) IN (SELECT unnest($2::text[]), unnest($3::text[]))
		ORDER BY priority DESC, created_at
		LIMIT $4`,
		scope.TenantID(), pq.Array(levels), pq.Array(ids), limit)
	if err != nil {
		return nil, wrapDBErr("goal_list", err)
	}
	defer rows.Close()

	var goals []*Goal
	for rows.Next() {
		g := &Goal{TenantID: scope.TenantID()}
		var progress []byte
		var parent sql.NullString
		if err := rows.Scan(&g.ID, &g.ScopeLevel, &g.ScopeID, &g.Category, &g.Priority,
			&g.Description, &g.Status, &progress, &g.Deadline, &parent,
			&g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, wrapDBErr("goal_scan", err)
		}
		g.ParentGoalID = parent.String
		if len(progress) > 0 {
			if err := json.Unmarshal(progress, &g.Progress); err != nil {
				return nil, fault.Internal("progress_unmarshal", err)
			}
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

// AppendProgress appends a progress note, optionally closing the goal.
func (r *GoalRepo) AppendProgress(ctx context.Context, scope TenantScope, goalID, note string, complete bool) error {
	if err := requireScope(scope); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBErr("tx_begin", err)
	}
	defer tx.Rollback()

	var progress []byte
	err = tx.QueryRowContext(ctx, `
		SELECT progress FROM goals WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		scope.TenantID(), goalID).Scan(&progress)
	if errors.Is(err, sql.ErrNoRows) {
		return fault.Validation("goal_not_found", "goal_id", "no such goal")
	}
	if err != nil {
		return wrapDBErr("goal_lock", err)
	}

	var notes []string
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &notes); err != nil {
			return fault.Internal("progress_unmarshal", err)
		}
	}
	notes = append(notes, note)
	updated, err := json.Marshal(notes)
	if err != nil {
		return fault.Internal("progress_marshal", err)
	}

	status := string(GoalActive)
	if complete {
		status = string(GoalCompleted)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE goals SET progress = $3, status = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2`,
		scope.TenantID(), goalID, updated, status); err != nil {
		return wrapDBErr("goal_update", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapDBErr("tx_commit", err)
	}
	return nil
}

// Rollup computes parent progress from direct children on read: the share
// of completed children, plus the parent's own note count.
func (r *GoalRepo) Rollup(ctx context.Context, scope TenantScope, goalID string) (completed, total int, err error) {
	if err := requireScope(scope); err != nil {
		return 0, 0, err
	}
	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'completed'), COUNT(*)
		FROM goals WHERE tenant_id = $1 AND parent_goal_id = $2`,
		scope.TenantID(), goalID).Scan(&completed, &total)
	if err != nil {
		return 0, 0, wrapDBErr("goal_rollup", err)
	}
	return completed, total, nil
}
