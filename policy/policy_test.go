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

package policy

import (
	"testing"

	"axonflow/agentcore/shared/types"
)

func principal(role types.Role, tenant string, mfa bool, domains ...types.Domain) *types.Principal {
	return &types.Principal{
		ID:          "p1",
		TenantID:    tenant,
		Role:        role,
		Domains:     domains,
		MFAVerified: mfa,
	}
}

func TestEvaluate(t *testing.T) {
	e := &Engine{}

	tests := []struct {
		name      string
		principal *types.Principal
		operation string
		ref       ResourceRef
		want      bool
	}{
		{
			name:      "viewer may read documents",
			principal: principal(types.RoleViewer, "t1", false),
			operation: "read",
			ref:       ResourceRef{Kind: "document", TenantID: "t1"},
			want:      true,
		},
		{
			name:      "viewer may chat",
			principal: principal(types.RoleViewer, "t1", false),
			operation: "chat",
			ref:       ResourceRef{Kind: "conversation", TenantID: "t1"},
			want:      true,
		},
		{
			name:      "viewer may not upload documents",
			principal: principal(types.RoleViewer, "t1", false),
			operation: "upload",
			ref:       ResourceRef{Kind: "document", TenantID: "t1"},
			want:      false,
		},
		{
			name:      "operator may propose writes",
			principal: principal(types.RoleOperator, "t1", false),
			operation: "propose",
			ref:       ResourceRef{Kind: "writeop", TenantID: "t1"},
			want:      true,
		},
		{
			name:      "operator may not read audit of other tenant",
			principal: principal(types.RoleOperator, "t1", false),
			operation: "read",
			ref:       ResourceRef{Kind: "audit", TenantID: "t2"},
			want:      false,
		},
		{
			name:      "admin wildcard",
			principal: principal(types.RoleAdmin, "t1", true),
			operation: "delete",
			ref:       ResourceRef{Kind: "document", TenantID: "t1"},
			want:      true,
		},
		{
			name:      "cross tenant denied regardless of role",
			principal: principal(types.RoleAdmin, "t1", true),
			operation: "read",
			ref:       ResourceRef{Kind: "document", TenantID: "t2"},
			want:      false,
		},
		{
			name:      "domain outside membership denied",
			principal: principal(types.RoleOperator, "t1", false, "operations"),
			operation: "read",
			ref:       ResourceRef{Kind: "document", TenantID: "t1", Domains: []types.Domain{"finance"}},
			want:      false,
		},
		{
			name:      "domain within membership allowed",
			principal: principal(types.RoleOperator, "t1", false, "finance", "operations"),
			operation: "read",
			ref:       ResourceRef{Kind: "document", TenantID: "t1", Domains: []types.Domain{"finance"}},
			want:      true,
		},
		{
			name:      "nil principal denied",
			principal: nil,
			operation: "read",
			ref:       ResourceRef{Kind: "document", TenantID: "t1"},
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.evaluate(tt.principal, tt.operation, tt.ref)
			if got.Allowed != tt.want {
				t.Errorf("evaluate() allowed = %v (reason %q), want %v", got.Allowed, got.Reason, tt.want)
			}
		})
	}
}

func TestCanApprove(t *testing.T) {
	e := &Engine{}

	tests := []struct {
		name      string
		principal *types.Principal
		risk      types.RiskLevel
		wantErr   bool
	}{
		{"admin with mfa approves critical", principal(types.RoleAdmin, "t1", true), types.RiskCritical, false},
		{"admin without mfa cannot approve high", principal(types.RoleAdmin, "t1", false), types.RiskHigh, true},
		{"admin without mfa approves low", principal(types.RoleAdmin, "t1", false), types.RiskLow, false},
		{"operator approves medium", principal(types.RoleOperator, "t1", false), types.RiskMedium, false},
		{"operator cannot approve high even with mfa", principal(types.RoleOperator, "t1", true), types.RiskHigh, true},
		{"viewer cannot approve anything", principal(types.RoleViewer, "t1", true), types.RiskLow, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.CanApprove(tt.principal, tt.risk)
			if (err != nil) != tt.wantErr {
				t.Errorf("CanApprove() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFilterDomains(t *testing.T) {
	p := principal(types.RoleOperator, "t1", false, "finance", "operations")

	accessible, hidden := FilterDomains(p, []types.Domain{"finance", "safety", "hr"})
	if len(accessible) != 1 || accessible[0] != "finance" {
		t.Errorf("accessible = %v, want [finance]", accessible)
	}
	if hidden != 2 {
		t.Errorf("hidden = %d, want 2", hidden)
	}
}

func TestScopeRequiresPrincipal(t *testing.T) {
	e := &Engine{}
	if _, err := e.Scope(nil); err == nil {
		t.Error("Scope(nil) should fail")
	}
	scope, err := e.Scope(principal(types.RoleViewer, "t9", false))
	if err != nil {
		t.Fatalf("Scope() error = %v", err)
	}
	if scope.TenantID() != "t9" {
		t.Errorf("scope tenant = %q, want t9", scope.TenantID())
	}
}
