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

// Package base defines the connector contract every external-system driver
// implements, plus the input validators the proxy applies before anything
// reaches an upstream. Connectors never talk to callers directly; the proxy
// is the sole entry point.
package base

import (
	"context"
	"errors"
	"time"

	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/types"
)

// Connector is implemented by every upstream driver. Query covers read
// operations, Execute covers writes; a connector that cannot write returns
// an AUTHZ fault from Execute. All methods honor context cancellation.
type Connector interface {
	Connect(ctx context.Context, cfg *Config) error
	Disconnect(ctx context.Context) error
	HealthCheck(ctx context.Context) (*Health, error)

	Query(ctx context.Context, q *Query) (*QueryResult, error)
	Execute(ctx context.Context, cmd *Command) (*CommandResult, error)

	Name() string
	Type() string
	Capabilities() []string
}

// Rollbacker is implemented by connectors that can undo an executed
// write using the handle Execute returned. The proxy probes for it; a
// connector without it cannot serve rollback requests.
type Rollbacker interface {
	Rollback(ctx context.Context, target, handle string) error
}

// Config describes one connector instance for one tenant. Credential values
// may carry a "secretsmanager:" prefix; the proxy resolves those before
// Connect sees them.
type Config struct {
	Name        string                 `yaml:"name" json:"name"`
	Type        string                 `yaml:"type" json:"type"`
	Endpoint    string                 `yaml:"endpoint" json:"endpoint"`
	Credentials map[string]string      `yaml:"credentials" json:"credentials"`
	Options     map[string]interface{} `yaml:"options" json:"options"`
	Timeout     time.Duration          `yaml:"timeout" json:"timeout"`
	MaxRetries  int                    `yaml:"max_retries" json:"max_retries"`
	TenantID    string                 `yaml:"tenant_id" json:"tenant_id"`

	// Classification is the ceiling applied to results from this upstream.
	Classification types.Classification `yaml:"classification" json:"classification"`

	// CacheTTL enables the proxy's read cache for this connector when > 0.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// OptionString reads a string option with a fallback.
func (c *Config) OptionString(key, def string) string {
	if v, ok := c.Options[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// OptionInt reads an integer option with a fallback. YAML and JSON decode
// numbers differently, so both int and float64 are accepted.
func (c *Config) OptionInt(key string, def int) int {
	switch v := c.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// Query is a read operation. Operation names the registered upstream
// operation (table, endpoint, bucket prefix); Filters carry the validated
// parameter values the driver binds positionally.
type Query struct {
	Operation string                 `json:"operation"`
	Filters   map[string]interface{} `json:"filters"`
	Limit     int                    `json:"limit"`
	Timeout   time.Duration          `json:"timeout"`
}

// QueryResult is the typed read result the proxy hands back to the core.
type QueryResult struct {
	Rows           []map[string]interface{} `json:"rows"`
	RowCount       int                      `json:"row_count"`
	Classification types.Classification     `json:"classification"`
	Duration       time.Duration            `json:"duration"`
	Cached         bool                     `json:"cached"`
	CachedAt       time.Time                `json:"cached_at,omitempty"`
	Connector      string                   `json:"connector"`
}

// Command is a write operation. OperationID is the approved write-operation
// identifier the proxy uses as the idempotency key.
type Command struct {
	OperationID string                 `json:"operation_id"`
	Operation   string                 `json:"operation"`
	Parameters  map[string]interface{} `json:"parameters"`
	Timeout     time.Duration          `json:"timeout"`
}

// CommandResult is the typed write result. Handle, when non-empty, is the
// upstream token a rollback would need (object version, row key).
type CommandResult struct {
	Success      bool          `json:"success"`
	RowsAffected int64         `json:"rows_affected"`
	Handle       string        `json:"handle,omitempty"`
	Duration     time.Duration `json:"duration"`
	Connector    string        `json:"connector"`
}

// Health reports one connector's reachability.
type Health struct {
	Healthy   bool              `json:"healthy"`
	Latency   time.Duration     `json:"latency"`
	Details   map[string]string `json:"details,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
	Error     string            `json:"error,omitempty"`
}

// UpstreamFault wraps a driver error into the shared taxonomy. Context
// errors keep their TIMEOUT/CANCELLED kinds so deadline handling upstream
// of the proxy stays accurate.
func UpstreamFault(connector, op string, retryable bool, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fault.FromContextErr(err)
	}
	return fault.Upstream("connector_"+op+"_failed", connector+": "+op+" failed", retryable, err)
}

// NotSupported is returned by connectors that do not implement an operation
// class, such as writes on a read-only upstream.
func NotSupported(connector, op string) error {
	return fault.Validation("connector_op_unsupported", "operation",
		connector+" does not support "+op)
}
