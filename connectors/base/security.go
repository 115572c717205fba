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

package base

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"axonflow/agentcore/shared/fault"
)

// EndpointRules configures endpoint validation for HTTP-style connectors.
type EndpointRules struct {
	// AllowPrivateIPs permits endpoints that resolve to private ranges.
	// Off in production; on only for local development targets.
	AllowPrivateIPs bool
	// AllowedSchemes defaults to https and http.
	AllowedSchemes []string
	// AllowedHosts and AllowedHostSuffixes restrict the endpoint to an
	// allow-list when either is non-empty.
	AllowedHosts        []string
	AllowedHostSuffixes []string
	BlockedHosts        []string
}

// DefaultEndpointRules returns the production defaults.
func DefaultEndpointRules() EndpointRules {
	return EndpointRules{
		AllowedSchemes: []string{"https", "http"},
	}
}

// ValidateEndpoint guards against SSRF: it checks scheme, host allow and
// block lists, and resolves the host to reject private, loopback, and
// otherwise internal addresses.
func ValidateEndpoint(raw string, rules EndpointRules) error {
	if raw == "" {
		return fault.Validation("endpoint_empty", "endpoint", "endpoint must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fault.Validation("endpoint_malformed", "endpoint", "endpoint is not a valid URL")
	}

	scheme := strings.ToLower(u.Scheme)
	allowed := rules.AllowedSchemes
	if len(allowed) == 0 {
		allowed = []string{"https", "http"}
	}
	ok := false
	for _, s := range allowed {
		if scheme == strings.ToLower(s) {
			ok = true
			break
		}
	}
	if !ok {
		return fault.Validation("endpoint_scheme", "endpoint",
			fmt.Sprintf("scheme %q not permitted", scheme))
	}

	host := u.Hostname()
	if host == "" {
		return fault.Validation("endpoint_no_host", "endpoint", "endpoint must contain a hostname")
	}
	lower := strings.ToLower(host)
	for _, b := range rules.BlockedHosts {
		b = strings.ToLower(b)
		if lower == b || strings.HasSuffix(lower, "."+b) {
			return fault.Validation("endpoint_blocked", "endpoint",
				fmt.Sprintf("host %q is blocked", host))
		}
	}
	if len(rules.AllowedHosts) > 0 || len(rules.AllowedHostSuffixes) > 0 {
		if !hostAllowed(lower, rules.AllowedHosts, rules.AllowedHostSuffixes) {
			return fault.Validation("endpoint_not_allowed", "endpoint",
				fmt.Sprintf("host %q is not on the allow-list", host))
		}
	}

	if !rules.AllowPrivateIPs {
		ips, err := net.LookupIP(host)
		if err != nil {
			return fault.Validation("endpoint_unresolvable", "endpoint",
				fmt.Sprintf("host %q does not resolve", host))
		}
		for _, ip := range ips {
			if isInternalIP(ip) {
				return fault.Validation("endpoint_private", "endpoint",
					fmt.Sprintf("host %q resolves to internal address %s", host, ip))
			}
		}
	}
	return nil
}

func hostAllowed(host string, exact, suffixes []string) bool {
	for _, a := range exact {
		if strings.ToLower(a) == host {
			return true
		}
	}
	for _, s := range suffixes {
		if strings.HasSuffix(host, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// isInternalIP covers loopback, link-local, RFC1918, CGNAT, TEST-NET,
// multicast, and reserved ranges.
func isInternalIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsPrivate() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	switch {
	case ip4[0] == 0:
		return true
	case ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127: // CGNAT
		return true
	case ip4[0] == 192 && ip4[1] == 0 && (ip4[2] == 0 || ip4[2] == 2):
		return true
	case ip4[0] == 198 && ip4[1] == 51 && ip4[2] == 100:
		return true
	case ip4[0] == 203 && ip4[1] == 0 && ip4[2] == 113:
		return true
	case ip4[0] >= 224: // multicast and reserved
		return true
	}
	return false
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// sqlReserved lists the reserved words rejected as identifiers. Kept short:
// the pattern check already blocks anything with quoting or whitespace.
var sqlReserved = map[string]struct{}{
	"SELECT": {}, "INSERT": {}, "UPDATE": {}, "DELETE": {}, "DROP": {},
	"CREATE": {}, "ALTER": {}, "TABLE": {}, "DATABASE": {}, "INDEX": {},
	"FROM": {}, "WHERE": {}, "AND": {}, "OR": {}, "NOT": {}, "NULL": {},
	"TRUE": {}, "FALSE": {}, "JOIN": {}, "UNION": {}, "ORDER": {}, "GROUP": {},
	"HAVING": {}, "LIMIT": {}, "OFFSET": {}, "INTO": {}, "VALUES": {},
	"SET": {}, "GRANT": {}, "REVOKE": {}, "TRUNCATE": {}, "CASCADE": {},
}

// ValidateIdentifier accepts strings safe to interpolate as table, column,
// keyspace, or collection names. Values never pass through here; they bind
// as parameters.
func ValidateIdentifier(identifier string) error {
	if identifier == "" {
		return fault.Validation("identifier_empty", "identifier", "identifier must not be empty")
	}
	if !identifierPattern.MatchString(identifier) {
		return fault.Validation("identifier_invalid", "identifier",
			fmt.Sprintf("%q is not a valid identifier", identifier))
	}
	if _, bad := sqlReserved[strings.ToUpper(identifier)]; bad {
		return fault.Validation("identifier_reserved", "identifier",
			fmt.Sprintf("%q is a reserved word", identifier))
	}
	return nil
}

// filterValuePattern is the character allow-list for string filter values.
// Anything outside it is rejected before a query is built, even though
// values only ever bind as parameters.
var filterValuePattern = regexp.MustCompile(`^[a-zA-Z0-9 _.,:@+/#()\-]*$`)

// maxFilterValueLen bounds a single filter value.
const maxFilterValueLen = 1024

// ValidateFilterValue checks one user-supplied filter value. Strings go
// through the character allow-list; numbers and booleans pass; anything
// else (nested maps, slices) is rejected.
func ValidateFilterValue(key string, value interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		if len(v) > maxFilterValueLen {
			return fault.Validation("filter_value_too_long", key,
				fmt.Sprintf("value exceeds %d characters", maxFilterValueLen))
		}
		if !filterValuePattern.MatchString(v) {
			return fault.Validation("filter_value_charset", key,
				"value contains characters outside the permitted set")
		}
		return nil
	case bool, int, int32, int64, float32, float64:
		return nil
	default:
		return fault.Validation("filter_value_type", key,
			fmt.Sprintf("unsupported filter value type %T", value))
	}
}

// ValidateFilters applies ValidateIdentifier to keys and
// ValidateFilterValue to values.
func ValidateFilters(filters map[string]interface{}) error {
	for k, v := range filters {
		if err := ValidateIdentifier(k); err != nil {
			return err
		}
		if err := ValidateFilterValue(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ValidateObjectKey accepts object-store keys and file paths, rejecting
// traversal sequences, null bytes, and system path prefixes.
func ValidateObjectKey(key string) error {
	if key == "" {
		return fault.Validation("object_key_empty", "key", "key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fault.Validation("object_key_traversal", "key", "path traversal not permitted")
	}
	if strings.ContainsRune(key, 0) {
		return fault.Validation("object_key_null", "key", "null bytes not permitted")
	}
	lower := strings.ToLower(key)
	for _, p := range []string{"/etc/", "/proc/", "/sys/", "/dev/"} {
		if strings.HasPrefix(lower, p) {
			return fault.Validation("object_key_system_path", "key", "system paths not permitted")
		}
	}
	return nil
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// SanitizeLog escapes newlines, strips ANSI sequences, and caps length so
// upstream-controlled strings cannot forge or flood log lines.
func SanitizeLog(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = ansiPattern.ReplaceAllString(s, "")
	const max = 500
	if len(s) > max {
		return s[:max] + "...[truncated]"
	}
	return s
}
