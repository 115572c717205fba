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

// Package policy implements the policy gate evaluated at every trust
// boundary: authentication shape, role permissions, tenant isolation, and
// domain-based access control. Decisions run against in-memory tables only.
package policy

import (
	"context"
	"fmt"
	"strings"

	"axonflow/agentcore/audit"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
	"axonflow/agentcore/shared/types"
	"axonflow/agentcore/store"
)

// ResourceRef identifies the resource an operation targets.
type ResourceRef struct {
	Kind     string // conversation, document, memory, goal, writeop, plan, connector, audit
	ID       string
	TenantID string
	Domains  []types.Domain
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool
	Reason  string
}

// rolePermissions maps roles to "resource:operation" patterns. A "*"
// segment matches any value, mirroring connector permission strings.
var rolePermissions = map[types.Role][]string{
	types.RoleAdmin: {
		"*:*",
	},
	types.RoleOperator: {
		"conversation:*",
		"document:*",
		"memory:*",
		"goal:*",
		"plan:*",
		"writeop:propose",
		"writeop:read",
		"connector:read",
		"audit:read",
	},
	types.RoleViewer: {
		"conversation:read",
		"conversation:chat",
		"document:read",
		"memory:read",
		"goal:read",
		"plan:read",
		"writeop:read",
	},
}

// Engine evaluates policy decisions and records denials on the audit
// ledger before returning.
type Engine struct {
	ledger *audit.Ledger
	log    *logger.Logger
}

// NewEngine creates the policy engine.
func NewEngine(ledger *audit.Ledger) *Engine {
	return &Engine{
		ledger: ledger,
		log:    logger.New("policy"),
	}
}

// Check evaluates the four gate decisions for an operation on a resource.
// On deny an audit entry of kind policy.denied is written synchronously and
// an AUTHZ (or AUTHN) fault is returned.
func (e *Engine) Check(ctx context.Context, principal *types.Principal, operation string, ref ResourceRef) error {
	decision := e.evaluate(principal, operation, ref)
	if decision.Allowed {
		return nil
	}

	principalID, tenantID := "", ""
	if principal != nil {
		principalID, tenantID = principal.ID, principal.TenantID
	}
	entry := &audit.Entry{
		TenantID:     tenantID,
		PrincipalID:  principalID,
		Kind:         audit.EventPolicyDenied,
		ResourceKind: ref.Kind,
		ResourceID:   ref.ID,
		Status:       "denied",
		Metadata: map[string]interface{}{
			"operation": operation,
			"reason":    decision.Reason,
		},
	}
	if err := e.ledger.RecordSync(ctx, entry); err != nil {
		e.log.Error(tenantID, "", "failed to record policy denial", map[string]interface{}{
			"error": err.Error(),
		})
	}

	if principal == nil {
		return fault.Authn("unauthenticated")
	}
	return fault.Authz("policy_denied")
}

// evaluate runs the in-memory decision without side effects.
func (e *Engine) evaluate(principal *types.Principal, operation string, ref ResourceRef) Decision {
	if principal == nil || principal.ID == "" || principal.TenantID == "" {
		return Decision{Reason: "unauthenticated"}
	}
	if !principal.Role.Valid() {
		return Decision{Reason: "unknown role"}
	}
	if !roleAllows(principal.Role, ref.Kind, operation) {
		return Decision{Reason: fmt.Sprintf("role %s may not %s %s", principal.Role, operation, ref.Kind)}
	}
	if ref.TenantID != "" && ref.TenantID != principal.TenantID {
		return Decision{Reason: "tenant mismatch"}
	}
	if !principal.HasAllDomains(ref.Domains) {
		return Decision{Reason: "domain not in principal membership"}
	}
	return Decision{Allowed: true}
}

// Scope returns the tenant filter all subsequent queries must carry.
func (e *Engine) Scope(principal *types.Principal) (store.TenantScope, error) {
	if principal == nil || principal.TenantID == "" {
		return store.TenantScope{}, fault.Authn("unauthenticated")
	}
	return store.NewTenantScope(principal.TenantID)
}

// CanApprove reports whether the principal may approve or reject a write
// operation of the given risk. Admins approve all levels; operators approve
// low and medium. High and critical additionally require MFA.
func (e *Engine) CanApprove(principal *types.Principal, risk types.RiskLevel) error {
	if principal == nil {
		return fault.Authn("unauthenticated")
	}
	switch principal.Role {
	case types.RoleAdmin:
	case types.RoleOperator:
		if risk == types.RiskHigh || risk == types.RiskCritical {
			return fault.Authz("approval_requires_admin")
		}
	default:
		return fault.Authz("approval_not_permitted")
	}
	if risk.RequiresMFA() && !principal.MFAVerified {
		return fault.Authz("approval_requires_mfa")
	}
	return nil
}

// FilterDomains splits resource domains into the accessible subset and a
// count of inaccessible ones. Cross-domain queries degrade gracefully: the
// caller answers from accessible data and surfaces only that more exists.
func FilterDomains(principal *types.Principal, domains []types.Domain) (accessible []types.Domain, hiddenCount int) {
	for _, d := range domains {
		if principal.HasDomain(d) {
			accessible = append(accessible, d)
		} else {
			hiddenCount++
		}
	}
	return accessible, hiddenCount
}

func roleAllows(role types.Role, resourceKind, operation string) bool {
	for _, pattern := range rolePermissions[role] {
		parts := strings.SplitN(pattern, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if matchSegment(parts[0], resourceKind) && matchSegment(parts[1], operation) {
			return true
		}
	}
	return false
}

func matchSegment(pattern, value string) bool {
	return pattern == "*" || pattern == value
}
