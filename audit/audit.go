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

// Package audit provides the append-only audit ledger. Entries are queued
// on a bounded channel and flushed in batches; the repository contract is
// insert-only, so nothing in this package can update or delete a row.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
)

// EventKind identifies what happened.
type EventKind string

const (
	EventPolicyDenied     EventKind = "policy.denied"
	EventChatRequest      EventKind = "chat.request"
	EventDocumentUpload   EventKind = "document.upload"
	EventDocumentDelete   EventKind = "document.delete"
	EventWritePropose     EventKind = "write.propose"
	EventWriteApprove     EventKind = "write.approve"
	EventWriteReject      EventKind = "write.reject"
	EventWriteTimeout     EventKind = "write.timeout"
	EventWriteExecute     EventKind = "write.execute"
	EventWriteRollback    EventKind = "write.rollback"
	EventConnectorCall    EventKind = "connector.call"
	EventConnectorResult  EventKind = "connector.result"
	EventMemoryEscalation EventKind = "memory.escalation"
	EventPlanPropose      EventKind = "plan.propose"
	EventPlanApprove      EventKind = "plan.approve"
	EventPlanReject       EventKind = "plan.reject"
	EventPlanComplete     EventKind = "plan.complete"
)

// Entry is one append-only audit record.
type Entry struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenant_id"`
	PrincipalID  string                 `json:"principal_id"`
	Kind         EventKind              `json:"kind"`
	ResourceKind string                 `json:"resource_kind,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	Model        string                 `json:"model,omitempty"`
	Tools        []string               `json:"tools,omitempty"`
	Fingerprint  string                 `json:"fingerprint,omitempty"`
	Status       string                 `json:"status"`
	LatencyMS    int64                  `json:"latency_ms"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Ledger queues entries and writes them in batches. When the queue is full
// the entry is written synchronously so no audit record is ever dropped.
type Ledger struct {
	db    *sql.DB
	log   *logger.Logger
	queue chan *Entry

	batchSize     int
	flushInterval time.Duration

	wg      sync.WaitGroup
	closing chan struct{}
	once    sync.Once
}

// Option tunes the ledger.
type Option func(*Ledger)

// WithBatch overrides the batch size and flush interval.
func WithBatch(size int, interval time.Duration) Option {
	return func(l *Ledger) {
		l.batchSize = size
		l.flushInterval = interval
	}
}

// NewLedger creates the ledger and starts its batch writer.
func NewLedger(db *sql.DB, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		db:            db,
		log:           logger.New("audit"),
		queue:         make(chan *Entry, 10000),
		batchSize:     100,
		flushInterval: 10 * time.Second,
		closing:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.ensureTable(); err != nil {
		return nil, err
	}

	l.wg.Add(1)
	go l.run()
	return l, nil
}

func (l *Ledger) ensureTable() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			tenant_id TEXT NOT NULL,
			id UUID NOT NULL,
			principal_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			resource_kind TEXT,
			resource_id TEXT,
			model TEXT,
			tools TEXT[],
			fingerprint TEXT,
			status TEXT NOT NULL DEFAULT '',
			latency_ms BIGINT NOT NULL DEFAULT 0,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, id)
		)`)
	if err != nil {
		return fault.Wrap(fault.KindUpstream, "audit_schema_failed", "cannot ensure audit table", err)
	}
	// Insert-only: revoke in-database update/delete when the role exists.
	// Errors are ignored because local development runs as superuser.
	_, _ = l.db.Exec(`REVOKE UPDATE, DELETE ON audit_entries FROM PUBLIC`)
	return nil
}

// Record queues an entry. The identifier and timestamp are filled here so
// callers treat the ledger as fire-and-forget.
func (l *Ledger) Record(e *Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	select {
	case l.queue <- e:
	default:
		// Queue full: write synchronously rather than drop.
		if err := l.writeBatch([]*Entry{e}); err != nil {
			l.log.Error(e.TenantID, "", "audit direct write failed", map[string]interface{}{
				"error": err.Error(), "kind": string(e.Kind),
			})
		}
	}
}

// RecordSync writes an entry immediately, bypassing the queue. Used where
// the caller must observe the entry right after the operation returns
// (policy denials, write-gateway transitions).
func (l *Ledger) RecordSync(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return l.writeBatch([]*Entry{e})
}

func (l *Ledger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, l.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.writeBatch(batch); err != nil {
			l.log.Error("", "", "audit batch write failed", map[string]interface{}{
				"error": err.Error(), "batch_size": len(batch),
			})
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.queue:
			batch = append(batch, e)
			if len(batch) >= l.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.closing:
			// Drain whatever is left before exit.
			for {
				select {
				case e := <-l.queue:
					batch = append(batch, e)
					if len(batch) >= l.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *Ledger) writeBatch(batch []*Entry) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fault.Wrap(fault.KindUpstream, "audit_tx_begin", "cannot begin audit transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO audit_entries (tenant_id, id, principal_id, kind, resource_kind, resource_id, model, fingerprint, status, latency_ms, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
	if err != nil {
		return fault.Wrap(fault.KindUpstream, "audit_prepare", "cannot prepare audit insert", err)
	}
	defer stmt.Close()

	for _, e := range batch {
		var meta []byte
		if len(e.Metadata) > 0 {
			meta, err = json.Marshal(e.Metadata)
			if err != nil {
				meta = nil
			}
		}
		var metaArg interface{}
		if len(meta) > 0 {
			metaArg = meta
		}
		if _, err := stmt.Exec(e.TenantID, e.ID, e.PrincipalID, string(e.Kind),
			nullable(e.ResourceKind), nullable(e.ResourceID), nullable(e.Model),
			nullable(e.Fingerprint), e.Status, e.LatencyMS, metaArg, e.CreatedAt); err != nil {
			return fault.Wrap(fault.KindUpstream, "audit_insert", "cannot insert audit entry", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.KindUpstream, "audit_commit", "cannot commit audit batch", err)
	}
	return nil
}

// Recent returns the latest entries for a tenant, newest first. Reading is
// permitted; mutation is not part of the contract.
func (l *Ledger) Recent(ctx context.Context, tenantID string, limit int) ([]*Entry, error) {
	if tenantID == "" {
		return nil, fault.Authz("missing_tenant")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, principal_id, kind, resource_kind, resource_id, model, fingerprint, status, latency_ms, metadata, created_at
		FROM audit_entries WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstream, "audit_query", "cannot read audit entries", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{TenantID: tenantID}
		var resKind, resID, model, fp sql.NullString
		var meta []byte
		if err := rows.Scan(&e.ID, &e.PrincipalID, &e.Kind, &resKind, &resID, &model,
			&fp, &e.Status, &e.LatencyMS, &meta, &e.CreatedAt); err != nil {
			return nil, fault.Wrap(fault.KindUpstream, "audit_scan", "cannot scan audit entry", err)
		}
		e.ResourceKind = resKind.String
		e.ResourceID = resID.String
		e.Model = model.String
		e.Fingerprint = fp.String
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close stops the batch writer after draining the queue.
func (l *Ledger) Close() {
	l.once.Do(func() {
		close(l.closing)
	})
	l.wg.Wait()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
