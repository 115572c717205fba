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
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/types"
)

// MemoryRepo persists learned memories and serves similarity recall.
type MemoryRepo struct {
	db *sql.DB
}

// RankedMemory is a recall hit with its combined rank score
// (similarity x importance).
type RankedMemory struct {
	Memory Memory
	Score  float64
}

// Insert stores a memory. Compliance checks happen in the memory service;
// the repository only enforces shape.
func (r *MemoryRepo) Insert(ctx context.Context, scope TenantScope, m *Memory) (*Memory, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if !m.Kind.Valid() {
		return nil, fault.Validation("invalid_memory_kind", "kind", "unrecognized memory kind")
	}
	if !m.ScopeLevel.Valid() {
		return nil, fault.Validation("invalid_scope_level", "scope_level", "unrecognized scope level")
	}
	if m.Importance < 0 || m.Importance > 1 {
		return nil, fault.Validation("importance_out_of_range", "importance", "must be in [0, 1]")
	}

	m.ID = uuid.NewString()
	m.TenantID = scope.TenantID()
	m.CreatedAt = time.Now().UTC()
	m.LastAccessedAt = m.CreatedAt
	if m.Classification == 0 {
		m.Classification = types.ClassI
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO memories (tenant_id, id, scope_level, scope_id, kind, content, importance, classification, embedding, source_id, access_count, last_accessed_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::vector, $10, 0, $11, $12, $13)`,
		m.TenantID, m.ID, string(m.ScopeLevel), m.ScopeID, string(m.Kind), m.Content,
		m.Importance, int(m.Classification), VectorLiteral(m.Embedding),
		nullableString(m.SourceID), m.LastAccessedAt, m.ExpiresAt, m.CreatedAt)
	if err != nil {
		return nil, wrapDBErr("memory_insert", err)
	}
	return m, nil
}

// Recall returns the topK memories visible at the given scopes, ranked by
// cosine similarity times importance. Each hit's access counter is bumped.
type RecallScope struct {
	Level types.ScopeLevel
	ID    string
}

func (r *MemoryRepo) Recall(ctx context.Context, scope TenantScope, scopes []RecallScope, embedding []float32, topK int) ([]*RankedMemory, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if topK <= 0 || len(scopes) == 0 {
		return nil, nil
	}

	levels := make([]string, len(scopes))
	ids := make([]string, len(scopes))
	for i, sc := range scopes {
		levels[i] = string(sc.Level)
		ids[i] = sc.ID
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, scope_level, scope_id, kind, content, importance, classification, access_count, last_accessed_at, created_at,
		       (1 - (embedding <=> $2::vector)) * importance AS score
		FROM memories
		WHERE tenant_id = $1
		  AND (scope_level, scope_id) IN (SELECT unnest($3::text[]), unnest($4::text[]))
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY score DESC
		LIMIT $5`,
		scope.TenantID(), VectorLiteral(embedding), pq.Array(levels), pq.Array(ids), topK)
	if err != nil {
		return nil, wrapDBErr("memory_recall", err)
	}
	defer rows.Close()

	var hits []*RankedMemory
	var hitIDs []string
	for rows.Next() {
		h := &RankedMemory{}
		h.Memory.TenantID = scope.TenantID()
		var classification int
		if err := rows.Scan(&h.Memory.ID, &h.Memory.ScopeLevel, &h.Memory.ScopeID, &h.Memory.Kind,
			&h.Memory.Content, &h.Memory.Importance, &classification, &h.Memory.AccessCount,
			&h.Memory.LastAccessedAt, &h.Memory.CreatedAt, &h.Score); err != nil {
			return nil, wrapDBErr("memory_scan", err)
		}
		h.Memory.Classification = types.Classification(classification)
		hits = append(hits, h)
		hitIDs = append(hitIDs, h.Memory.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr("memory_rows", err)
	}

	if len(hitIDs) > 0 {
		// Access bump keeps frequently-recalled memories from decaying.
		if _, err := r.db.ExecContext(ctx, `
			UPDATE memories SET access_count = access_count + 1, last_accessed_at = NOW()
			WHERE tenant_id = $1 AND id = ANY($2)`,
			scope.TenantID(), pq.Array(hitIDs)); err != nil {
			return nil, wrapDBErr("memory_access_bump", err)
		}
	}
	return hits, nil
}

// CountDistinctSources counts distinct originating principals contributing
// memories of similar content at the source scope. Used for the k-anonymity
// gate before scope escalation.
func (r *MemoryRepo) CountDistinctSources(ctx context.Context, scope TenantScope, embedding []float32, similarity float64) (int, error) {
	if err := requireScope(scope); err != nil {
		return 0, err
	}
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT source_id) FROM memories
		WHERE tenant_id = $1 AND scope_level = 'user' AND source_id IS NOT NULL
		  AND 1 - (embedding <=> $2::vector) >= $3`,
		scope.TenantID(), VectorLiteral(embedding), similarity).Scan(&n)
	if err != nil {
		return 0, wrapDBErr("memory_sources", err)
	}
	return n, nil
}

// Decay multiplies importance by factor for memories not accessed since the
// cutoff, and removes expired or fully-decayed rows. Returns rows affected.
func (r *MemoryRepo) Decay(ctx context.Context, cutoff time.Time, factor float64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE memories SET importance = importance * $1
		WHERE last_accessed_at < $2`,
		factor, cutoff)
	if err != nil {
		return 0, wrapDBErr("memory_decay", err)
	}
	decayed, _ := res.RowsAffected()

	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM memories
		WHERE importance < 0.05 OR (expires_at IS NOT NULL AND expires_at < NOW())`); err != nil {
		return decayed, wrapDBErr("memory_compact", err)
	}
	return decayed, nil
}
