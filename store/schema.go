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
	"fmt"
)

// EnsureSchema creates the core tables when they do not exist. Production
// deployments run migrations out of band; this keeps development and test
// databases usable without them.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS conversations (
			tenant_id TEXT NOT NULL,
			id UUID NOT NULL,
			principal_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			classification_ceiling INT NOT NULL DEFAULT 1,
			goal_id UUID,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, id)
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			tenant_id TEXT NOT NULL,
			id UUID NOT NULL,
			conversation_id UUID NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			token_count INT NOT NULL DEFAULT 0,
			classification INT NOT NULL DEFAULT 1,
			citations JSONB,
			reasoning_trace JSONB,
			model TEXT,
			finish_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages (tenant_id, conversation_id, created_at, id)`,

		`CREATE TABLE IF NOT EXISTS documents (
			tenant_id TEXT NOT NULL,
			id UUID NOT NULL,
			filename TEXT NOT NULL,
			mime_type TEXT NOT NULL DEFAULT 'application/octet-stream',
			classification INT NOT NULL DEFAULT 1,
			source TEXT,
			version_major INT NOT NULL DEFAULT 1,
			version_minor INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			feedback_score INT NOT NULL DEFAULT 0,
			tags TEXT[],
			domains TEXT[],
			deleted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_filename
			ON documents (tenant_id, filename)`,

		`CREATE TABLE IF NOT EXISTS document_content (
			tenant_id TEXT NOT NULL,
			document_id UUID NOT NULL,
			content BYTEA NOT NULL,
			PRIMARY KEY (tenant_id, document_id)
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_chunks (
			tenant_id TEXT NOT NULL,
			id UUID NOT NULL,
			document_id UUID NOT NULL,
			ordinal INT NOT NULL,
			content TEXT NOT NULL,
			token_count INT NOT NULL DEFAULT 0,
			embedding vector(%d),
			feedback_score INT NOT NULL DEFAULT 0,
			content_tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, id)
		)`, s.embeddingDims),
		`CREATE INDEX IF NOT EXISTS idx_chunks_document
			ON document_chunks (tenant_id, document_id, ordinal)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_tsv
			ON document_chunks USING GIN (content_tsv)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			tenant_id TEXT NOT NULL,
			id UUID NOT NULL,
			scope_level TEXT NOT NULL,
			scope_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			importance DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			classification INT NOT NULL DEFAULT 1,
			embedding vector(%d),
			source_id TEXT,
			access_count BIGINT NOT NULL DEFAULT 0,
			last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, id)
		)`, s.embeddingDims),
		`CREATE INDEX IF NOT EXISTS idx_memories_scope
			ON memories (tenant_id, scope_level, scope_id)`,

		`CREATE TABLE IF NOT EXISTS goals (
			tenant_id TEXT NOT NULL,
			id UUID NOT NULL,
			scope_level TEXT NOT NULL,
			scope_id TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			priority INT NOT NULL DEFAULT 0,
			description TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			progress JSONB,
			deadline TIMESTAMPTZ,
			parent_goal_id UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, id)
		)`,

		`CREATE TABLE IF NOT EXISTS budgets (
			tenant_id TEXT NOT NULL,
			period TEXT NOT NULL,
			tier TEXT NOT NULL DEFAULT '',
			token_limit BIGINT NOT NULL,
			consumed BIGINT NOT NULL DEFAULT 0,
			resets_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, period, tier)
		)`,

		`CREATE TABLE IF NOT EXISTS write_operations (
			tenant_id TEXT NOT NULL,
			id UUID NOT NULL,
			principal_id TEXT NOT NULL,
			connector TEXT NOT NULL,
			operation TEXT NOT NULL,
			parameters JSONB,
			risk TEXT NOT NULL,
			rationale TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'PROPOSED',
			approver_id TEXT,
			decision_reason TEXT,
			requested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deadline TIMESTAMPTZ NOT NULL,
			result JSONB,
			rollback_handle TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_writeops_state
			ON write_operations (state, deadline)`,

		`CREATE TABLE IF NOT EXISTS plans (
			tenant_id TEXT NOT NULL,
			id UUID NOT NULL,
			principal_id TEXT NOT NULL,
			goal TEXT NOT NULL,
			tasks JSONB NOT NULL,
			state TEXT NOT NULL DEFAULT 'PROPOSED',
			approver_id TEXT,
			decision_reason TEXT,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, id)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return wrapDBErr("ensure_schema", err)
		}
	}
	return nil
}

// SetEmbeddingDims fixes the vector column width before EnsureSchema runs.
// Changing the width on an existing deployment requires a re-embedding
// migration; mixed-width retrieval is not supported.
func (s *Store) SetEmbeddingDims(dims int) {
	s.embeddingDims = dims
}
