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

// Package postgres is the PostgreSQL connector. Query operations name a
// table and bind equality filters positionally; write commands use the
// action:table convention shared by the SQL connectors.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"axonflow/agentcore/connectors/base"
	"axonflow/agentcore/shared/logger"
)

const defaultQueryLimit = 1000

type Connector struct {
	cfg *base.Config
	db  *sql.DB
	log *logger.Logger
}

func New() *Connector {
	return &Connector{log: logger.New("connector.postgres")}
}

func (c *Connector) Name() string {
	if c.cfg != nil {
		return c.cfg.Name
	}
	return "postgres"
}

func (c *Connector) Type() string { return "postgres" }

func (c *Connector) Capabilities() []string {
	return []string{"query", "execute", "health"}
}

// Connect opens a pool against the DSN in cfg.Endpoint and pings it.
func (c *Connector) Connect(ctx context.Context, cfg *base.Config) error {
	c.cfg = cfg

	db, err := sql.Open("postgres", cfg.Endpoint)
	if err != nil {
		return base.UpstreamFault(cfg.Name, "connect", false, err)
	}
	db.SetMaxOpenConns(cfg.OptionInt("max_open_conns", 10))
	db.SetMaxIdleConns(cfg.OptionInt("max_idle_conns", 5))
	db.SetConnMaxLifetime(time.Duration(cfg.OptionInt("conn_max_lifetime_sec", 300)) * time.Second)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return base.UpstreamFault(cfg.Name, "connect", true, err)
	}
	c.db = db
	c.log.Info(cfg.TenantID, "", "postgres connector ready", map[string]interface{}{
		"connector": cfg.Name,
	})
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Connector) HealthCheck(ctx context.Context) (*base.Health, error) {
	h := &base.Health{CheckedAt: time.Now()}
	if c.db == nil {
		h.Error = "not connected"
		return h, nil
	}
	start := time.Now()
	err := c.db.PingContext(ctx)
	h.Latency = time.Since(start)
	if err != nil {
		h.Error = err.Error()
		return h, nil
	}
	stats := c.db.Stats()
	h.Healthy = true
	h.Details = map[string]string{
		"open_connections": fmt.Sprintf("%d", stats.OpenConnections),
		"in_use":           fmt.Sprintf("%d", stats.InUse),
	}
	return h, nil
}

// Query selects from the table named by q.Operation with equality filters.
// Identifiers are validated; values only ever bind as parameters.
func (c *Connector) Query(ctx context.Context, q *base.Query) (*base.QueryResult, error) {
	if c.db == nil {
		return nil, base.UpstreamFault(c.Name(), "query", false, sql.ErrConnDone)
	}
	if err := base.ValidateIdentifier(q.Operation); err != nil {
		return nil, err
	}
	if err := base.ValidateFilters(q.Filters); err != nil {
		return nil, err
	}

	stmt, args := buildSelect(q)
	start := time.Now()
	rows, err := c.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, base.UpstreamFault(c.Name(), "query", true, err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, base.UpstreamFault(c.Name(), "query", false, err)
	}
	return &base.QueryResult{
		Rows:           out,
		RowCount:       len(out),
		Classification: c.cfg.Classification,
		Duration:       time.Since(start),
		Connector:      c.Name(),
	}, nil
}

// Execute runs an approved write. cmd.Operation is action:table where
// action is insert, update, or delete. Update parameters prefixed where_
// become conditions; the rest become SET values.
func (c *Connector) Execute(ctx context.Context, cmd *base.Command) (*base.CommandResult, error) {
	if c.db == nil {
		return nil, base.UpstreamFault(c.Name(), "execute", false, sql.ErrConnDone)
	}
	stmt, args, err := buildWrite(cmd)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := c.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, base.UpstreamFault(c.Name(), "execute", false, err)
	}
	affected, _ := res.RowsAffected()
	return &base.CommandResult{
		Success:      true,
		RowsAffected: affected,
		Duration:     time.Since(start),
		Connector:    c.Name(),
	}, nil
}

// buildSelect produces `SELECT * FROM t WHERE a = $1 AND b = $2 LIMIT n`.
// Filter keys sort so statements are stable for the proxy cache.
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
		fmt.Fprintf(&b, "%s = $%d", k, i+1)
		args = append(args, q.Filters[k])
	}

	limit := q.Limit
	if limit <= 0 || limit > defaultQueryLimit {
		limit = defaultQueryLimit
	}
	fmt.Fprintf(&b, " LIMIT %d", limit)
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
		for i, k := range keys {
			ph = append(ph, fmt.Sprintf("$%d", i+1))
			args = append(args, cmd.Parameters[k])
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(keys, ", "), strings.Join(ph, ", "))
		return stmt, args, nil

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
			args = append(args, sets[k])
			fmt.Fprintf(&b, "%s = $%d", k, len(args))
		}
		b.WriteString(" WHERE ")
		for i, k := range sortedKeys(wheres) {
			if i > 0 {
				b.WriteString(" AND ")
			}
			args = append(args, wheres[k])
			fmt.Fprintf(&b, "%s = $%d", k, len(args))
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
			args = append(args, cmd.Parameters[k])
			fmt.Fprintf(&b, "%s = $%d", k, len(args))
		}
		return b.String(), args, nil
	}
	return "", nil, base.NotSupported("postgres", action)
}

func scanRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
