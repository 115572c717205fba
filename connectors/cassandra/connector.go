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

// Package cassandra is the Cassandra connector. Endpoint carries a
// comma-separated host list; the keyspace comes from options. Query and
// write builders follow the SQL connectors with CQL placeholders.
package cassandra

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"axonflow/agentcore/connectors/base"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
)

const defaultQueryLimit = 1000

type Connector struct {
	cfg     *base.Config
	session *gocql.Session
	log     *logger.Logger
}

func New() *Connector {
	return &Connector{log: logger.New("connector.cassandra")}
}

func (c *Connector) Name() string {
	if c.cfg != nil {
		return c.cfg.Name
	}
	return "cassandra"
}

func (c *Connector) Type() string { return "cassandra" }

func (c *Connector) Capabilities() []string {
	return []string{"query", "execute", "health"}
}

func (c *Connector) Connect(ctx context.Context, cfg *base.Config) error {
	c.cfg = cfg

	keyspace := cfg.OptionString("keyspace", "")
	if keyspace == "" {
		return fault.Validation("cassandra_keyspace_missing", "options.keyspace",
			"keyspace option is required")
	}
	if err := base.ValidateIdentifier(keyspace); err != nil {
		return err
	}

	cluster := gocql.NewCluster(strings.Split(cfg.Endpoint, ",")...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = cfg.Timeout
	if cluster.Timeout <= 0 {
		cluster.Timeout = 10 * time.Second
	}
	if user := cfg.Credentials["username"]; user != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: user,
			Password: cfg.Credentials["password"],
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return base.UpstreamFault(cfg.Name, "connect", true, err)
	}
	c.session = session
	c.log.Info(cfg.TenantID, "", "cassandra connector ready", map[string]interface{}{
		"connector": cfg.Name,
		"keyspace":  keyspace,
	})
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	if c.session != nil {
		c.session.Close()
	}
	return nil
}

func (c *Connector) HealthCheck(ctx context.Context) (*base.Health, error) {
	h := &base.Health{CheckedAt: time.Now()}
	if c.session == nil || c.session.Closed() {
		h.Error = "not connected"
		return h, nil
	}
	start := time.Now()
	err := c.session.Query("SELECT release_version FROM system.local").
		WithContext(ctx).Exec()
	h.Latency = time.Since(start)
	if err != nil {
		h.Error = err.Error()
		return h, nil
	}
	h.Healthy = true
	return h, nil
}

func (c *Connector) Query(ctx context.Context, q *base.Query) (*base.QueryResult, error) {
	if err := base.ValidateIdentifier(q.Operation); err != nil {
		return nil, err
	}
	if err := base.ValidateFilters(q.Filters); err != nil {
		return nil, err
	}
	if c.session == nil {
		return nil, fault.Internal("connector_not_connected", nil)
	}

	stmt, args := buildSelect(q)
	start := time.Now()
	iter := c.session.Query(stmt, args...).WithContext(ctx).Iter()

	var rows []map[string]interface{}
	for {
		row := map[string]interface{}{}
		if !iter.MapScan(row) {
			break
		}
		rows = append(rows, row)
	}
	if err := iter.Close(); err != nil {
		return nil, base.UpstreamFault(c.Name(), "query", true, err)
	}

	return &base.QueryResult{
		Rows:           rows,
		RowCount:       len(rows),
		Classification: c.cfg.Classification,
		Duration:       time.Since(start),
		Connector:      c.Name(),
	}, nil
}

func (c *Connector) Execute(ctx context.Context, cmd *base.Command) (*base.CommandResult, error) {
	stmt, args, err := buildWrite(cmd)
	if err != nil {
		return nil, err
	}
	if c.session == nil {
		return nil, fault.Internal("connector_not_connected", nil)
	}

	start := time.Now()
	if err := c.session.Query(stmt, args...).WithContext(ctx).Exec(); err != nil {
		return nil, base.UpstreamFault(c.Name(), "execute", false, err)
	}
	// CQL reports no affected-row count; success implies one logical write.
	return &base.CommandResult{
		Success:      true,
		RowsAffected: 1,
		Duration:     time.Since(start),
		Connector:    c.Name(),
	}, nil
}

// buildSelect uses ALLOW FILTERING so non-key columns can appear as
// filters; registered operations are expected to filter on keys.
func buildSelect(q *base.Query) (string, []interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM %s", q.Operation)

	keys := sortedKeys(q.Filters)
	args := make([]interface{}, 0, len(keys))
	for i, k := range keys {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "%s = ?", k)
		args = append(args, q.Filters[k])
	}

	limit := q.Limit
	if limit <= 0 || limit > defaultQueryLimit {
		limit = defaultQueryLimit
	}
	fmt.Fprintf(&b, " LIMIT %d", limit)
	if len(keys) > 0 {
		b.WriteString(" ALLOW FILTERING")
	}
	return b.String(), args
}

func buildWrite(cmd *base.Command) (string, []interface{}, error) {
	action, table, err := base.SplitAction(cmd.Operation)
	if err != nil {
		return "", nil, err
	}
	if err := base.ValidateIdentifier(table); err != nil {
		return "", nil, err
	}
	if err := base.ValidateFilters(cmd.Parameters); err != nil {
		return "", nil, err
	}

	switch action {
	case "insert":
		keys := sortedKeys(cmd.Parameters)
		if len(keys) == 0 {
			return "", nil, base.NotSupported(table, "insert with no values")
		}
		args := make([]interface{}, 0, len(keys))
		ph := make([]string, 0, len(keys))
		for _, k := range keys {
			ph = append(ph, "?")
			args = append(args, cmd.Parameters[k])
		}
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(keys, ", "), strings.Join(ph, ", ")), args, nil

	case "update":
		sets, wheres := base.SplitWhereParams(cmd.Parameters)
		if len(sets) == 0 || len(wheres) == 0 {
			return "", nil, base.NotSupported(table, "update without set and where")
		}
		var b strings.Builder
		args := make([]interface{}, 0, len(sets)+len(wheres))
		fmt.Fprintf(&b, "UPDATE %s SET ", table)
		for i, k := range sortedKeys(sets) {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = ?", k)
			args = append(args, sets[k])
		}
		b.WriteString(" WHERE ")
		for i, k := range sortedKeys(wheres) {
			if i > 0 {
				b.WriteString(" AND ")
			}
			fmt.Fprintf(&b, "%s = ?", k)
			args = append(args, wheres[k])
		}
		return b.String(), args, nil

	case "delete":
		keys := sortedKeys(cmd.Parameters)
		if len(keys) == 0 {
			return "", nil, base.NotSupported(table, "unfiltered delete")
		}
		var b strings.Builder
		args := make([]interface{}, 0, len(keys))
		fmt.Fprintf(&b, "DELETE FROM %s WHERE ", table)
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" AND ")
			}
			fmt.Fprintf(&b, "%s = ?", k)
			args = append(args, cmd.Parameters[k])
		}
		return b.String(), args, nil
	}
	return "", nil, base.NotSupported("cassandra", action)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
