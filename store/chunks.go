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
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/types"
)

// ChunkRepo persists document chunks and serves the two halves of hybrid
// search. Both search paths filter on tenant and classification ceiling in
// SQL so restricted rows never leave the database.
type ChunkRepo struct {
	db *sql.DB
}

// RankedChunk is a search hit carrying its source document fields.
type RankedChunk struct {
	Chunk         DocumentChunk
	DocumentID    string
	Filename      string
	DocFeedback   int
	ChunkFeedback int
	Score         float64
}

// ChunkFilter is the metadata filter applied to search results. The tenant
// scope is mandatory at construction; everything else is optional.
type ChunkFilter struct {
	scope       TenantScope
	ceiling     types.Classification
	mimeTypes   []string
	tags        []string
	tagsMatchAll bool
	after       *time.Time
	before      *time.Time
}

// NewChunkFilter builds a filter for a tenant and classification ceiling.
func NewChunkFilter(scope TenantScope, ceiling types.Classification) (*ChunkFilter, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if !ceiling.Valid() {
		return nil, fault.Validation("invalid_ceiling", "classification_ceiling", "must be I..IV")
	}
	return &ChunkFilter{scope: scope, ceiling: ceiling}, nil
}

// WithMimeTypes restricts hits to documents of the given mime types.
func (f *ChunkFilter) WithMimeTypes(mimeTypes ...string) *ChunkFilter {
	f.mimeTypes = mimeTypes
	return f
}

// WithTags restricts hits to documents carrying the tags; matchAll requires
// every tag, otherwise any tag suffices.
func (f *ChunkFilter) WithTags(matchAll bool, tags ...string) *ChunkFilter {
	f.tags = tags
	f.tagsMatchAll = matchAll
	return f
}

// WithDateRange restricts hits by document creation time; either bound may
// be nil.
func (f *ChunkFilter) WithDateRange(after, before *time.Time) *ChunkFilter {
	f.after = after
	f.before = before
	return f
}

// where renders the filter predicates. Argument numbering starts after the
// fixed arguments already bound by the caller.
func (f *ChunkFilter) where(argOffset int) (string, []interface{}) {
	var conds []string
	var args []interface{}
	n := argOffset

	conds = append(conds, fmt.Sprintf("c.tenant_id = $%d", n))
	args = append(args, f.scope.TenantID())
	n++

	conds = append(conds, fmt.Sprintf("d.classification <= $%d", n))
	args = append(args, int(f.ceiling))
	n++

	conds = append(conds, "d.deleted_at IS NULL")

	if len(f.mimeTypes) > 0 {
		conds = append(conds, fmt.Sprintf("d.mime_type = ANY($%d)", n))
		args = append(args, pq.Array(f.mimeTypes))
		n++
	}
	if len(f.tags) > 0 {
		op := "&&" // any overlap
		if f.tagsMatchAll {
			op = "@>"
		}
		conds = append(conds, fmt.Sprintf("d.tags %s $%d", op, n))
		args = append(args, pq.Array(f.tags))
		n++
	}
	if f.after != nil {
		conds = append(conds, fmt.Sprintf("d.created_at >= $%d", n))
		args = append(args, *f.after)
		n++
	}
	if f.before != nil {
		conds = append(conds, fmt.Sprintf("d.created_at <= $%d", n))
		args = append(args, *f.before)
		n++
	}

	return strings.Join(conds, " AND "), args
}

// InsertBatch stores the chunks of one document in a single transaction.
// All chunks must carry the document's tenant.
func (r *ChunkRepo) InsertBatch(ctx context.Context, scope TenantScope, chunks []*DocumentChunk) error {
	if err := requireScope(scope); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBErr("tx_begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO document_chunks (tenant_id, id, document_id, ordinal, content, token_count, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::vector, $8)`)
	if err != nil {
		return wrapDBErr("chunk_prepare", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.TenantID = scope.TenantID()
		c.CreatedAt = now
		if _, err := stmt.ExecContext(ctx, c.TenantID, c.ID, c.DocumentID, c.Ordinal,
			c.Content, c.TokenCount, VectorLiteral(c.Embedding), c.CreatedAt); err != nil {
			return wrapDBErr("chunk_insert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapDBErr("tx_commit", err)
	}
	return nil
}

// SemanticSearch returns the topK nearest chunks by cosine distance.
func (r *ChunkRepo) SemanticSearch(ctx context.Context, filter *ChunkFilter, embedding []float32, topK int) ([]*RankedChunk, error) {
	if topK <= 0 {
		return nil, nil
	}
	where, args := filter.where(3)
	query := fmt.Sprintf(`
		SELECT c.id, c.document_id, c.ordinal, c.content, c.token_count, c.feedback_score,
		       d.filename, d.feedback_score,
		       1 - (c.embedding <=> $1::vector) AS score
		FROM document_chunks c
		JOIN documents d ON d.tenant_id = c.tenant_id AND d.id = c.document_id
		WHERE %s
		ORDER BY c.embedding <=> $1::vector
		LIMIT $2`, where)

	allArgs := append([]interface{}{VectorLiteral(embedding), topK}, args...)
	return r.search(ctx, filter.scope, query, allArgs)
}

// LexicalSearch returns the topK chunks by full-text rank against the query.
func (r *ChunkRepo) LexicalSearch(ctx context.Context, filter *ChunkFilter, queryText string, topK int) ([]*RankedChunk, error) {
	if topK <= 0 || strings.TrimSpace(queryText) == "" {
		return nil, nil
	}
	where, args := filter.where(3)
	query := fmt.Sprintf(`
		SELECT c.id, c.document_id, c.ordinal, c.content, c.token_count, c.feedback_score,
		       d.filename, d.feedback_score,
		       ts_rank(c.content_tsv, plainto_tsquery('english', $1)) AS score
		FROM document_chunks c
		JOIN documents d ON d.tenant_id = c.tenant_id AND d.id = c.document_id
		WHERE %s AND c.content_tsv @@ plainto_tsquery('english', $1)
		ORDER BY score DESC
		LIMIT $2`, where)

	allArgs := append([]interface{}{queryText, topK}, args...)
	return r.search(ctx, filter.scope, query, allArgs)
}

func (r *ChunkRepo) search(ctx context.Context, scope TenantScope, query string, args []interface{}) ([]*RankedChunk, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBErr("chunk_search", err)
	}
	defer rows.Close()

	var hits []*RankedChunk
	for rows.Next() {
		h := &RankedChunk{}
		h.Chunk.TenantID = scope.TenantID()
		if err := rows.Scan(&h.Chunk.ID, &h.Chunk.DocumentID, &h.Chunk.Ordinal, &h.Chunk.Content,
			&h.Chunk.TokenCount, &h.ChunkFeedback, &h.Filename, &h.DocFeedback, &h.Score); err != nil {
			return nil, wrapDBErr("chunk_scan", err)
		}
		h.DocumentID = h.Chunk.DocumentID
		h.Chunk.FeedbackScore = h.ChunkFeedback
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// AdjustFeedback applies a signed delta to a chunk's feedback counter.
func (r *ChunkRepo) AdjustFeedback(ctx context.Context, scope TenantScope, chunkID string, delta int) error {
	if err := requireScope(scope); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE document_chunks SET feedback_score = feedback_score + $3
		WHERE tenant_id = $1 AND id = $2`,
		scope.TenantID(), chunkID, delta)
	if err != nil {
		return wrapDBErr("chunk_feedback", err)
	}
	return nil
}

// CountByDocument reports how many chunks a document has; zero after a
// cascade delete.
func (r *ChunkRepo) CountByDocument(ctx context.Context, scope TenantScope, documentID string) (int, error) {
	if err := requireScope(scope); err != nil {
		return 0, err
	}
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM document_chunks WHERE tenant_id = $1 AND document_id = $2`,
		scope.TenantID(), documentID).Scan(&n)
	if err != nil {
		return 0, wrapDBErr("chunk_count", err)
	}
	return n, nil
}
