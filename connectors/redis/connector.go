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

// Package redis is the Redis connector. Reads cover get, keys, and
// hgetall; writes cover set and del through the approved-write path.
package redis

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"axonflow/agentcore/connectors/base"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
)

const maxKeysScan = 1000

// keyGlobPattern admits redis glob syntax (* ? [a-c]) on top of the usual
// key charset. The generic filter allow-list would reject every glob.
var keyGlobPattern = regexp.MustCompile(`^[a-zA-Z0-9 _.,:@+/#()\-*?\[\]]{1,256}$`)

type Connector struct {
	cfg    *base.Config
	client *redis.Client
	log    *logger.Logger
}

func New() *Connector {
	return &Connector{log: logger.New("connector.redis")}
}

func (c *Connector) Name() string {
	if c.cfg != nil {
		return c.cfg.Name
	}
	return "redis"
}

func (c *Connector) Type() string { return "redis" }

func (c *Connector) Capabilities() []string {
	return []string{"query", "execute", "health"}
}

func (c *Connector) Connect(ctx context.Context, cfg *base.Config) error {
	c.cfg = cfg

	c.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Endpoint,
		Password:     cfg.Credentials["password"],
		DB:           cfg.OptionInt("db", 0),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     cfg.OptionInt("pool_size", 20),
	})
	if err := c.client.Ping(ctx).Err(); err != nil {
		return base.UpstreamFault(cfg.Name, "connect", true, err)
	}
	c.log.Info(cfg.TenantID, "", "redis connector ready", map[string]interface{}{
		"connector": cfg.Name,
	})
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Connector) HealthCheck(ctx context.Context) (*base.Health, error) {
	h := &base.Health{CheckedAt: time.Now()}
	if c.client == nil {
		h.Error = "not connected"
		return h, nil
	}
	start := time.Now()
	err := c.client.Ping(ctx).Err()
	h.Latency = time.Since(start)
	if err != nil {
		h.Error = err.Error()
		return h, nil
	}
	h.Healthy = true
	return h, nil
}

// Query dispatches on q.Operation: get and hgetall need Filters["key"],
// keys needs Filters["pattern"] and is capped at maxKeysScan results.
func (c *Connector) Query(ctx context.Context, q *base.Query) (*base.QueryResult, error) {
	if c.client == nil {
		return nil, fault.Internal("connector_not_connected", nil)
	}
	// The pattern filter carries glob metacharacters, so it is validated
	// on its own; everything else goes through the shared allow-list.
	rest := make(map[string]interface{}, len(q.Filters))
	for k, v := range q.Filters {
		if k == "pattern" {
			s, ok := v.(string)
			if !ok || !keyGlobPattern.MatchString(s) {
				return nil, fault.Validation("pattern_invalid", "pattern",
					"pattern must be a redis glob over the permitted key charset")
			}
			continue
		}
		rest[k] = v
	}
	if err := base.ValidateFilters(rest); err != nil {
		return nil, err
	}

	start := time.Now()
	var rows []map[string]interface{}

	switch q.Operation {
	case "get":
		key, err := filterString(q.Filters, "key")
		if err != nil {
			return nil, err
		}
		val, err := c.client.Get(ctx, key).Result()
		if err == redis.Nil {
			rows = nil
		} else if err != nil {
			return nil, base.UpstreamFault(c.Name(), "get", true, err)
		} else {
			rows = []map[string]interface{}{{"key": key, "value": val}}
		}

	case "hgetall":
		key, err := filterString(q.Filters, "key")
		if err != nil {
			return nil, err
		}
		fields, err := c.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, base.UpstreamFault(c.Name(), "hgetall", true, err)
		}
		if len(fields) > 0 {
			row := map[string]interface{}{"key": key}
			for f, v := range fields {
				row[f] = v
			}
			rows = []map[string]interface{}{row}
		}

	case "keys":
		pattern, err := filterString(q.Filters, "pattern")
		if err != nil {
			return nil, err
		}
		limit := q.Limit
		if limit <= 0 || limit > maxKeysScan {
			limit = maxKeysScan
		}
		iter := c.client.Scan(ctx, 0, pattern, int64(limit)).Iterator()
		for iter.Next(ctx) && len(rows) < limit {
			rows = append(rows, map[string]interface{}{"key": iter.Val()})
		}
		if err := iter.Err(); err != nil {
			return nil, base.UpstreamFault(c.Name(), "keys", true, err)
		}

	default:
		return nil, base.NotSupported(c.Name(), q.Operation)
	}

	return &base.QueryResult{
		Rows:           rows,
		RowCount:       len(rows),
		Classification: c.cfg.Classification,
		Duration:       time.Since(start),
		Connector:      c.Name(),
	}, nil
}

// Execute supports set:<key> with Parameters value and optional ttl_sec,
// and del:<key>.
func (c *Connector) Execute(ctx context.Context, cmd *base.Command) (*base.CommandResult, error) {
	if c.client == nil {
		return nil, fault.Internal("connector_not_connected", nil)
	}
	action, key, err := base.SplitAction(cmd.Operation)
	if err != nil {
		return nil, err
	}
	if err := base.ValidateFilters(cmd.Parameters); err != nil {
		return nil, err
	}

	start := time.Now()
	var affected int64
	var handle string

	switch action {
	case "set":
		val, err := filterString(cmd.Parameters, "value")
		if err != nil {
			return nil, err
		}
		var ttl time.Duration
		if sec, ok := cmd.Parameters["ttl_sec"].(int); ok {
			ttl = time.Duration(sec) * time.Second
		}
		// Capture the prior value so the write can be rolled back.
		prior, err := c.client.Get(ctx, key).Result()
		switch {
		case err == redis.Nil:
			handle = "absent"
		case err != nil:
			return nil, base.UpstreamFault(c.Name(), "set", true, err)
		default:
			handle = "prev:" + prior
		}
		if err := c.client.Set(ctx, key, val, ttl).Err(); err != nil {
			return nil, base.UpstreamFault(c.Name(), "set", true, err)
		}
		affected = 1

	case "del":
		n, err := c.client.Del(ctx, key).Result()
		if err != nil {
			return nil, base.UpstreamFault(c.Name(), "del", true, err)
		}
		affected = n

	default:
		return nil, base.NotSupported(c.Name(), action)
	}

	return &base.CommandResult{
		Success:      true,
		RowsAffected: affected,
		Handle:       handle,
		Duration:     time.Since(start),
		Connector:    c.Name(),
	}, nil
}

// Rollback restores the value a set overwrote, or deletes the key when
// it did not exist before the write.
func (c *Connector) Rollback(ctx context.Context, target, handle string) error {
	if c.client == nil {
		return fault.Internal("connector_not_connected", nil)
	}
	switch {
	case handle == "absent":
		if err := c.client.Del(ctx, target).Err(); err != nil {
			return base.UpstreamFault(c.Name(), "rollback", true, err)
		}
		return nil
	case strings.HasPrefix(handle, "prev:"):
		prior := strings.TrimPrefix(handle, "prev:")
		if err := c.client.Set(ctx, target, prior, 0).Err(); err != nil {
			return base.UpstreamFault(c.Name(), "rollback", true, err)
		}
		return nil
	}
	return fault.Validation("rollback_handle_invalid", "handle",
		"unrecognized rollback handle")
}

func filterString(m map[string]interface{}, key string) (string, error) {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return "", fault.Validation("filter_missing", key, key+" is required")
	}
	return s, nil
}
