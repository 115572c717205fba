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

// Package types holds the identity and classification primitives shared by
// every component of the execution core. All tenant-scoped calls carry a
// RequestContext built from these types.
package types

import (
	"context"
	"time"
)

// Role is the coarse permission level of a principal within its tenant.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// Valid reports whether the role is one of the recognized values.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	}
	return false
}

// Domain is an information domain used for domain-based access control
// (finance, operations, safety, ...). Domains are free-form strings managed
// per tenant; membership checks are exact-match.
type Domain string

// Classification is the data classification class of a resource.
// Class I is public, class IV is the most restricted.
type Classification int

const (
	ClassI   Classification = 1
	ClassII  Classification = 2
	ClassIII Classification = 3
	ClassIV  Classification = 4
)

// Valid reports whether the classification is within I..IV.
func (c Classification) Valid() bool {
	return c >= ClassI && c <= ClassIV
}

func (c Classification) String() string {
	switch c {
	case ClassI:
		return "I"
	case ClassII:
		return "II"
	case ClassIII:
		return "III"
	case ClassIV:
		return "IV"
	}
	return "unknown"
}

// Principal is an authenticated caller bound to exactly one tenant.
// It is immutable for the duration of a request.
type Principal struct {
	ID          string   `json:"id"`
	TenantID    string   `json:"tenant_id"`
	Role        Role     `json:"role"`
	Domains     []Domain `json:"domains"`
	MFAVerified bool     `json:"mfa_verified"`
}

// HasDomain reports whether the principal is a member of the given domain.
func (p *Principal) HasDomain(d Domain) bool {
	for _, m := range p.Domains {
		if m == d {
			return true
		}
	}
	return false
}

// HasAllDomains reports whether every domain in ds is within the
// principal's membership set.
func (p *Principal) HasAllDomains(ds []Domain) bool {
	for _, d := range ds {
		if !p.HasDomain(d) {
			return false
		}
	}
	return true
}

// RequestContext carries the per-request identity, classification ceiling,
// and trace identifiers through every component. It is constructed once by
// the dispatcher and passed down explicitly.
type RequestContext struct {
	Principal     *Principal     `json:"principal"`
	RequestID     string         `json:"request_id"`
	CorrelationID string         `json:"correlation_id"`
	Ceiling       Classification `json:"ceiling"`
	Deadline      time.Time      `json:"deadline"`
	ReceivedAt    time.Time      `json:"received_at"`
}

// TenantID is a convenience accessor; empty when unauthenticated.
func (rc *RequestContext) TenantID() string {
	if rc == nil || rc.Principal == nil {
		return ""
	}
	return rc.Principal.TenantID
}

type ctxKey int

const requestContextKey ctxKey = 0

// WithRequestContext attaches the request context to a context.Context.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// FromContext extracts the request context; ok is false when absent.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey).(*RequestContext)
	return rc, ok
}

// ScopeLevel is the organizational granularity of a memory or goal.
type ScopeLevel string

const (
	ScopeUser       ScopeLevel = "user"
	ScopeAgent      ScopeLevel = "agent"
	ScopeDepartment ScopeLevel = "department"
	ScopePlant      ScopeLevel = "plant"
)

// Valid reports whether the scope level is recognized.
func (s ScopeLevel) Valid() bool {
	switch s {
	case ScopeUser, ScopeAgent, ScopeDepartment, ScopePlant:
		return true
	}
	return false
}

// RiskLevel classifies the severity of a write operation.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid reports whether the risk level is recognized.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// RequiresMFA reports whether approval of this risk level requires an
// MFA-verified approver.
func (r RiskLevel) RequiresMFA() bool {
	return r == RiskHigh || r == RiskCritical
}
