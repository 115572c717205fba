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

package metrics

import (
	"context"
	"database/sql"
	"time"

	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
)

// Persister writes aggregate windows to durable storage so tenant usage
// survives restarts and feeds billing queries.
type Persister struct {
	db  *sql.DB
	log *logger.Logger
}

func NewPersister(db *sql.DB) (*Persister, error) {
	p := &Persister{db: db, log: logger.New("metrics")}
	if err := p.ensureTable(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Persister) ensureTable() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS metric_windows (
			tenant_id       TEXT        NOT NULL,
			window_start    TIMESTAMPTZ NOT NULL,
			window_end      TIMESTAMPTZ NOT NULL,
			requests        BIGINT      NOT NULL,
			errors          BIGINT      NOT NULL,
			model_calls     BIGINT      NOT NULL,
			tokens          BIGINT      NOT NULL,
			connector_calls BIGINT      NOT NULL,
			PRIMARY KEY (tenant_id, window_start)
		)`)
	if err != nil {
		return fault.Wrap(fault.KindUpstream, "metrics_table", "cannot ensure metric_windows table", err)
	}
	return nil
}

// Flush snapshots the collector and persists one row per active tenant.
// An empty window writes nothing.
func (p *Persister) Flush(ctx context.Context, c *Collector) error {
	aggregates, from, to := c.Snapshot()
	if len(aggregates) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.KindUpstream, "metrics_tx_begin", "cannot begin metrics transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metric_windows (tenant_id, window_start, window_end, requests, errors, model_calls, tokens, connector_calls)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return fault.Wrap(fault.KindUpstream, "metrics_prepare", "cannot prepare metrics insert", err)
	}
	defer stmt.Close()

	for tenant, agg := range aggregates {
		if _, err := stmt.ExecContext(ctx, tenant, from, to,
			agg.Requests, agg.Errors, agg.ModelCalls, agg.Tokens, agg.ConnectorCalls); err != nil {
			return fault.Wrap(fault.KindUpstream, "metrics_insert", "cannot persist metric window", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.KindUpstream, "metrics_commit", "cannot commit metric windows", err)
	}

	p.log.Debug("", "", "metric window persisted", map[string]interface{}{
		"tenants": len(aggregates),
		"from":    from.Format(time.RFC3339),
		"to":      to.Format(time.RFC3339),
	})
	return nil
}
