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
	"fmt"

	"axonflow/agentcore/shared/fault"
)

// TenantScope is the opaque predicate every tenant-scoped query must carry.
// It can only be constructed through NewTenantScope, which requires a
// non-empty tenant; repositories accept a TenantScope rather than a raw
// string so an unscoped query does not compile.
type TenantScope struct {
	tenantID string
}

// NewTenantScope builds the scope for a tenant. Empty tenant is rejected so
// a zero-value scope can never reach a query.
func NewTenantScope(tenantID string) (TenantScope, error) {
	if tenantID == "" {
		return TenantScope{}, fault.Authz("missing_tenant")
	}
	return TenantScope{tenantID: tenantID}, nil
}

// TenantID returns the scoped tenant identifier.
func (s TenantScope) TenantID() string {
	return s.tenantID
}

// valid reports whether the scope was built through NewTenantScope.
func (s TenantScope) valid() bool {
	return s.tenantID != ""
}

// requireScope guards every repository method against a zero-value scope.
func requireScope(s TenantScope) error {
	if !s.valid() {
		return fault.Authz("unscoped_query")
	}
	return nil
}

// SetSessionTenant sets the row-level security session variable on a
// transaction. Policies on tenant-scoped tables compare against
// current_setting('app.tenant_id').
func SetSessionTenant(ctx context.Context, tx *sql.Tx, scope TenantScope) error {
	if err := requireScope(scope); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SELECT set_config('app.tenant_id', $1, true)", scope.tenantID); err != nil {
		return wrapDBErr("set_session_tenant", err)
	}
	return nil
}

// VerifySessionTenant confirms the session variable matches the scope.
// Used by health checks to detect missing RLS wiring.
func VerifySessionTenant(ctx context.Context, tx *sql.Tx, scope TenantScope) error {
	var current string
	err := tx.QueryRowContext(ctx, "SELECT current_setting('app.tenant_id', true)").Scan(&current)
	if err != nil {
		return wrapDBErr("verify_session_tenant", err)
	}
	if current != scope.tenantID {
		return fault.New(fault.KindInternal, "rls_context_mismatch",
			fmt.Sprintf("session tenant %q does not match scope", current))
	}
	return nil
}
