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
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/types"
)

// ConversationRepo persists conversations and their messages. Appends use
// optimistic concurrency on the conversation version column; conflicts
// surface as retryable CONCURRENCY faults.
type ConversationRepo struct {
	db *sql.DB
}

// Create inserts a new conversation owned by the principal.
func (r *ConversationRepo) Create(ctx context.Context, scope TenantScope, principalID, title string, ceiling types.Classification) (*Conversation, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if !ceiling.Valid() {
		return nil, fault.Validation("invalid_ceiling", "classification_ceiling", "must be I..IV")
	}

	c := &Conversation{
		ID:          uuid.NewString(),
		TenantID:    scope.TenantID(),
		PrincipalID: principalID,
		Title:       title,
		Ceiling:     ceiling,
		Version:     1,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversations (tenant_id, id, principal_id, title, classification_ceiling, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.TenantID, c.ID, c.PrincipalID, c.Title, int(c.Ceiling), c.Version, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, wrapDBErr("conversation_insert", err)
	}
	return c, nil
}

// Get loads a conversation by identifier within the tenant scope.
func (r *ConversationRepo) Get(ctx context.Context, scope TenantScope, id string) (*Conversation, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}

	c := &Conversation{}
	var goalID sql.NullString
	var ceiling int
	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, id, principal_id, title, classification_ceiling, goal_id, version, created_at, updated_at
		FROM conversations WHERE tenant_id = $1 AND id = $2`,
		scope.TenantID(), id).
		Scan(&c.TenantID, &c.ID, &c.PrincipalID, &c.Title, &ceiling, &goalID, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Validation("conversation_not_found", "conversation_id", "no such conversation")
	}
	if err != nil {
		return nil, wrapDBErr("conversation_get", err)
	}
	c.Ceiling = types.Classification(ceiling)
	c.GoalID = goalID.String
	return c, nil
}

// AppendMessage appends a turn, bumping the conversation version. The
// expectedVersion guard serializes concurrent writers; on mismatch the
// caller retries with a fresh read. The message classification must not
// exceed the conversation ceiling.
func (r *ConversationRepo) AppendMessage(ctx context.Context, scope TenantScope, m *Message, expectedVersion int64) (*Message, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if m.Classification == 0 {
		m.Classification = types.ClassI
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapDBErr("tx_begin", err)
	}
	defer tx.Rollback()

	var ceiling int
	err = tx.QueryRowContext(ctx, `
		SELECT classification_ceiling FROM conversations
		WHERE tenant_id = $1 AND id = $2`,
		scope.TenantID(), m.ConversationID).Scan(&ceiling)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Validation("conversation_not_found", "conversation_id", "no such conversation")
	}
	if err != nil {
		return nil, wrapDBErr("conversation_get", err)
	}
	if int(m.Classification) > ceiling {
		return nil, fault.Compliance("ceiling_exceeded", "classification_ceiling",
			"message classification exceeds conversation ceiling")
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET version = version + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND version = $3`,
		scope.TenantID(), m.ConversationID, expectedVersion)
	if err != nil {
		return nil, wrapDBErr("conversation_bump", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, wrapDBErr("conversation_bump", err)
	}
	if n == 0 {
		return nil, fault.Concurrency("conversation_version_conflict", "conversation changed concurrently")
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.TenantID = scope.TenantID()
	m.CreatedAt = time.Now().UTC()

	var citations []byte
	if len(m.Citations) > 0 {
		citations, err = json.Marshal(m.Citations)
		if err != nil {
			return nil, fault.Internal("citations_marshal", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (tenant_id, id, conversation_id, role, content, token_count, classification, citations, reasoning_trace, model, finish_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.TenantID, m.ID, m.ConversationID, string(m.Role), m.Content, m.TokenCount,
		int(m.Classification), nullableBytes(citations), nullableBytes(m.Trace),
		nullableString(m.Model), nullableString(m.FinishReason), m.CreatedAt)
	if err != nil {
		return nil, wrapDBErr("message_insert", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapDBErr("tx_commit", err)
	}
	return m, nil
}

// History returns the most recent messages of a conversation, oldest first,
// bounded by a token window. Messages are ordered by creation time with the
// identifier as tie-break.
func (r *ConversationRepo) History(ctx context.Context, scope TenantScope, conversationID string, maxTokens int) ([]*Message, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, token_count, classification, citations, model, finish_reason, created_at
		FROM messages
		WHERE tenant_id = $1 AND conversation_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 200`,
		scope.TenantID(), conversationID)
	if err != nil {
		return nil, wrapDBErr("history_query", err)
	}
	defer rows.Close()

	var recent []*Message
	budget := maxTokens
	for rows.Next() {
		m := &Message{TenantID: scope.TenantID()}
		var classification int
		var citations []byte
		var model, finish sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.TokenCount,
			&classification, &citations, &model, &finish, &m.CreatedAt); err != nil {
			return nil, wrapDBErr("history_scan", err)
		}
		m.Classification = types.Classification(classification)
		m.Model = model.String
		m.FinishReason = finish.String
		if len(citations) > 0 {
			if err := json.Unmarshal(citations, &m.Citations); err != nil {
				return nil, fault.Internal("citations_unmarshal", err)
			}
		}

		if budget > 0 && m.TokenCount > budget && len(recent) > 0 {
			break
		}
		budget -= m.TokenCount
		recent = append(recent, m)
		if budget <= 0 && maxTokens > 0 {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr("history_rows", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
