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

// Package fault defines the error taxonomy used across the execution core.
// Every public boundary returns a *fault.Error so callers can branch on the
// kind without matching strings.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the taxonomy class of an error.
type Kind string

const (
	KindValidation  Kind = "VALIDATION"
	KindAuthn       Kind = "AUTHN"
	KindAuthz       Kind = "AUTHZ"
	KindCompliance  Kind = "COMPLIANCE"
	KindConcurrency Kind = "CONCURRENCY"
	KindBudget      Kind = "BUDGET"
	KindTimeout     Kind = "TIMEOUT"
	KindCancelled   Kind = "CANCELLED"
	KindUpstream    Kind = "UPSTREAM"
	KindInternal    Kind = "INTERNAL"
)

// Error is the taxonomy-carrying error type.
type Error struct {
	// Kind is the taxonomy class.
	Kind Kind `json:"kind"`

	// Code is a stable machine-readable code within the kind
	// (e.g. "chunk_overlap_too_large", "tenant_mismatch").
	Code string `json:"code"`

	// Message is the human-readable description. For AUTHZ/AUTHN this is
	// kept generic; detail goes to the audit trail only.
	Message string `json:"message"`

	// Field names the offending input field for VALIDATION errors.
	Field string `json:"field,omitempty"`

	// Rule names the violated rule for COMPLIANCE errors.
	Rule string `json:"rule,omitempty"`

	// CorrelationID ties the error to the request trace.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Retryable marks UPSTREAM/CONCURRENCY errors that may be retried.
	Retryable bool `json:"retryable"`

	// Cause is the wrapped underlying error.
	Cause error `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithCorrelation returns a shallow copy carrying the correlation ID.
func (e *Error) WithCorrelation(id string) *Error {
	c := *e
	c.CorrelationID = id
	return &c
}

// New creates an error of the given kind and code.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Validation creates a VALIDATION error naming the offending field.
func Validation(code, field, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Field: field, Message: message}
}

// Authn creates an AUTHN error with a generic message.
func Authn(code string) *Error {
	return &Error{Kind: KindAuthn, Code: code, Message: "authentication required"}
}

// Authz creates an AUTHZ error with a generic message. The denial detail
// belongs in the audit entry, not in the surfaced error.
func Authz(code string) *Error {
	return &Error{Kind: KindAuthz, Code: code, Message: "access denied"}
}

// Compliance creates a COMPLIANCE error naming the violated rule.
func Compliance(code, rule, message string) *Error {
	return &Error{Kind: KindCompliance, Code: code, Rule: rule, Message: message}
}

// Concurrency creates a retryable CONCURRENCY error.
func Concurrency(code, message string) *Error {
	return &Error{Kind: KindConcurrency, Code: code, Message: message, Retryable: true}
}

// Budget creates a BUDGET error.
func Budget(code, message string) *Error {
	return &Error{Kind: KindBudget, Code: code, Message: message}
}

// Timeout creates a TIMEOUT error.
func Timeout(code, message string) *Error {
	return &Error{Kind: KindTimeout, Code: code, Message: message}
}

// Cancelled creates a CANCELLED error.
func Cancelled(code, message string) *Error {
	return &Error{Kind: KindCancelled, Code: code, Message: message}
}

// Upstream creates an UPSTREAM error; retryable marks transient failures.
func Upstream(code, message string, retryable bool, cause error) *Error {
	return &Error{Kind: KindUpstream, Code: code, Message: message, Retryable: retryable, Cause: cause}
}

// Internal creates an INTERNAL error wrapping a cause. The message is safe
// to surface; the cause is logged only.
func Internal(code string, cause error) *Error {
	return &Error{Kind: KindInternal, Code: code, Message: "internal error", Cause: cause}
}

// FromContextErr converts a context error into the matching taxonomy error.
func FromContextErr(err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout("deadline_exceeded", "request deadline exceeded")
	case errors.Is(err, context.Canceled):
		return Cancelled("request_cancelled", "request cancelled by caller")
	}
	return Internal("unexpected_context_error", err)
}

// KindOf returns the taxonomy kind of err, or KindInternal when err carries
// no taxonomy.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// As extracts the *Error from an error chain.
func As(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}

// IsRetryable reports whether the error chain carries a retryable fault.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// HTTPStatus maps a taxonomy kind to the response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthn:
		return http.StatusUnauthorized
	case KindAuthz:
		return http.StatusForbidden
	case KindCompliance:
		return http.StatusForbidden
	case KindConcurrency:
		return http.StatusConflict
	case KindBudget:
		return http.StatusPaymentRequired
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return 499 // client closed request
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
