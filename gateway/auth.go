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

package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"axonflow/agentcore/config"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/types"
)

type contextKey string

const principalKey contextKey = "principal"

// PrincipalFrom extracts the authenticated principal from a request
// context. Nil when the request skipped auth middleware.
func PrincipalFrom(ctx context.Context) *types.Principal {
	p, _ := ctx.Value(principalKey).(*types.Principal)
	return p
}

// withPrincipal is used by handlers' tests to inject an identity.
func withPrincipal(ctx context.Context, p *types.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// authMiddleware verifies the bearer token and attaches the principal
// plus the request context consumed by the router and audit trail.
func authMiddleware(cfg config.AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeFault(w, fault.Authn("token_missing"))
			return
		}
		principal, err := parseToken(cfg, raw)
		if err != nil {
			writeFault(w, err)
			return
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := withPrincipal(r.Context(), principal)
		ctx = types.WithRequestContext(ctx, &types.RequestContext{
			Principal:     principal,
			RequestID:     requestID,
			CorrelationID: requestID,
			ReceivedAt:    time.Now().UTC(),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// parseToken validates signature, issuer, and expiry, then maps claims to
// a principal. Tokens without a tenant are rejected outright.
func parseToken(cfg config.AuthConfig, raw string) (*types.Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return nil, fault.Authn("token_invalid")
	}

	sub, _ := claims["sub"].(string)
	tenant, _ := claims["tenant_id"].(string)
	if sub == "" || tenant == "" {
		return nil, fault.Authn("token_claims_incomplete")
	}

	role := types.Role(stringClaim(claims, "role"))
	if !role.Valid() {
		role = types.RoleViewer
	}

	principal := &types.Principal{
		ID:       sub,
		TenantID: tenant,
		Role:     role,
	}
	if mfa, ok := claims["mfa"].(bool); ok {
		principal.MFAVerified = mfa
	}
	if raw, ok := claims["domains"].([]interface{}); ok {
		for _, d := range raw {
			if s, ok := d.(string); ok && s != "" {
				principal.Domains = append(principal.Domains, types.Domain(s))
			}
		}
	}
	return principal, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}
