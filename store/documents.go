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

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/types"
)

// DocumentRepo persists documents and their ingestion lifecycle.
type DocumentRepo struct {
	db *sql.DB
}

// Create registers a new document. Re-upload of an existing filename bumps
// the version: minor increments roll into the next major every ninth bump.
func (r *DocumentRepo) Create(ctx context.Context, scope TenantScope, d *Document) (*Document, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if d.Filename == "" {
		return nil, fault.Validation("filename_required", "filename", "must not be empty")
	}
	if !d.Classification.Valid() {
		return nil, fault.Validation("invalid_classification", "classification", "must be I..IV")
	}

	major, minor := 1, 0
	var prevMajor, prevMinor int
	err := r.db.QueryRowContext(ctx, `
		SELECT version_major, version_minor FROM documents
		WHERE tenant_id = $1 AND filename = $2 AND deleted_at IS NULL
		ORDER BY version_major DESC, version_minor DESC LIMIT 1`,
		scope.TenantID(), d.Filename).Scan(&prevMajor, &prevMinor)
	switch {
	case err == nil:
		major, minor = prevMajor, prevMinor+1
		if minor > 8 {
			major, minor = prevMajor+1, 0
		}
	case errors.Is(err, sql.ErrNoRows):
		// first version
	default:
		return nil, wrapDBErr("document_version_lookup", err)
	}

	d.ID = uuid.NewString()
	d.TenantID = scope.TenantID()
	d.VersionMajor = major
	d.VersionMinor = minor
	d.Status = DocPending
	d.CreatedAt = time.Now().UTC()
	d.UpdatedAt = d.CreatedAt

	domains := make([]string, len(d.Domains))
	for i, dom := range d.Domains {
		domains[i] = string(dom)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO documents (tenant_id, id, filename, mime_type, classification, source, version_major, version_minor, status, tags, domains, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.TenantID, d.ID, d.Filename, d.MimeType, int(d.Classification), nullableString(d.Source),
		d.VersionMajor, d.VersionMinor, string(d.Status), pq.Array(d.Tags), pq.Array(domains),
		d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return nil, wrapDBErr("document_insert", err)
	}
	return d, nil
}

// Get loads a document by identifier.
func (r *DocumentRepo) Get(ctx context.Context, scope TenantScope, id string) (*Document, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, id, filename, mime_type, classification, source, version_major, version_minor, status, feedback_score, tags, domains, created_at, updated_at
		FROM documents WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`,
		scope.TenantID(), id)
	return scanDocument(row)
}

// List returns the tenant's documents, newest first.
func (r *DocumentRepo) List(ctx context.Context, scope TenantScope, limit int) ([]*Document, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, id, filename, mime_type, classification, source, version_major, version_minor, status, feedback_score, tags, domains, created_at, updated_at
		FROM documents WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT $2`,
		scope.TenantID(), limit)
	if err != nil {
		return nil, wrapDBErr("document_list", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpdateStatus moves a document through the ingestion lifecycle.
func (r *DocumentRepo) UpdateStatus(ctx context.Context, scope TenantScope, id string, status DocumentStatus) error {
	if err := requireScope(scope); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE documents SET status = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`,
		scope.TenantID(), id, string(status))
	if err != nil {
		return wrapDBErr("document_status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Validation("document_not_found", "document_id", "no such document")
	}
	return nil
}

// AdjustFeedback applies a signed delta to the document's running feedback
// counter.
func (r *DocumentRepo) AdjustFeedback(ctx context.Context, scope TenantScope, id string, delta int) error {
	if err := requireScope(scope); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE documents SET feedback_score = feedback_score + $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`,
		scope.TenantID(), id, delta)
	if err != nil {
		return wrapDBErr("document_feedback", err)
	}
	return nil
}

// SoftDelete marks the document deleted and removes its chunks in the same
// transaction so no chunk survives its document.
func (r *DocumentRepo) SoftDelete(ctx context.Context, scope TenantScope, id string) error {
	if err := requireScope(scope); err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBErr("tx_begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE documents SET deleted_at = NOW(), updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`,
		scope.TenantID(), id)
	if err != nil {
		return wrapDBErr("document_delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Validation("document_not_found", "document_id", "no such document")
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM document_chunks WHERE tenant_id = $1 AND document_id = $2`,
		scope.TenantID(), id); err != nil {
		return wrapDBErr("chunk_cascade_delete", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapDBErr("tx_commit", err)
	}
	return nil
}

// SaveContent stores the raw upload alongside the document record so the
// ingestion worker (and a future re-embedding migration) can read it back.
func (r *DocumentRepo) SaveContent(ctx context.Context, scope TenantScope, id string, content []byte) error {
	if err := requireScope(scope); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO document_content (tenant_id, document_id, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, document_id) DO UPDATE SET content = EXCLUDED.content`,
		scope.TenantID(), id, content)
	if err != nil {
		return wrapDBErr("document_content_save", err)
	}
	return nil
}

// Content loads the raw upload for a document.
func (r *DocumentRepo) Content(ctx context.Context, scope TenantScope, id string) ([]byte, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	var content []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT content FROM document_content WHERE tenant_id = $1 AND document_id = $2`,
		scope.TenantID(), id).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Validation("document_content_missing", "document_id",
			"no stored content for this document")
	}
	if err != nil {
		return nil, wrapDBErr("document_content_load", err)
	}
	return content, nil
}

// NextPending claims the oldest pending document for ingestion, moving it to
// processing. Returns nil when the queue is empty.
func (r *DocumentRepo) NextPending(ctx context.Context) (*Document, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE documents SET status = 'processing', updated_at = NOW()
		WHERE (tenant_id, id) = (
			SELECT tenant_id, id FROM documents
			WHERE status = 'pending' AND deleted_at IS NULL
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING tenant_id, id, filename, mime_type, classification, source, version_major, version_minor, status, feedback_score, tags, domains, created_at, updated_at`)
	d, err := scanDocument(row)
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) && fe.Code == "document_not_found" {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*Document, error) {
	d := &Document{}
	var classification int
	var source sql.NullString
	var tags, domains pq.StringArray
	err := row.Scan(&d.TenantID, &d.ID, &d.Filename, &d.MimeType, &classification, &source,
		&d.VersionMajor, &d.VersionMinor, &d.Status, &d.FeedbackScore, &tags, &domains,
		&d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Validation("document_not_found", "document_id", "no such document")
	}
	if err != nil {
		return nil, wrapDBErr("document_scan", err)
	}
	d.Classification = types.Classification(classification)
	d.Source = source.String
	d.Tags = tags
	d.Domains = make([]types.Domain, len(domains))
	for i, dom := range domains {
		d.Domains[i] = types.Domain(dom)
	}
	return d, nil
}
