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

// Package store implements the Postgres persistence layer. Every entity is
// tenant-scoped: repository methods require the tenant identifier and all
// queries carry it as the first predicate, backed by row-level security
// session variables.
package store

import (
	"time"

	"axonflow/agentcore/shared/types"
)

// Conversation is an append-only log of turns between a principal and the
// agent system.
type Conversation struct {
	ID          string               `json:"id"`
	TenantID    string               `json:"tenant_id"`
	PrincipalID string               `json:"principal_id"`
	Title       string               `json:"title"`
	Ceiling     types.Classification `json:"classification_ceiling"`
	GoalID      string               `json:"goal_id,omitempty"`
	Version     int64                `json:"version"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// MessageRole is the author role of a message turn.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message is a single turn within a conversation.
type Message struct {
	ID             string               `json:"id"`
	ConversationID string               `json:"conversation_id"`
	TenantID       string               `json:"tenant_id"`
	Role           MessageRole          `json:"role"`
	Content        string               `json:"content"`
	TokenCount     int                  `json:"token_count"`
	Classification types.Classification `json:"classification"`
	Citations      []Citation           `json:"citations,omitempty"`
	Trace          []byte               `json:"reasoning_trace,omitempty"`
	Model          string               `json:"model,omitempty"`
	FinishReason   string               `json:"finish_reason,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// Citation references a chunk that grounded an assistant turn.
type Citation struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	Ordinal    int    `json:"ordinal"`
	Excerpt    string `json:"excerpt,omitempty"`
}

// DocumentStatus is the ingestion state of a document.
type DocumentStatus string

const (
	DocPending    DocumentStatus = "pending"
	DocProcessing DocumentStatus = "processing"
	DocIndexed    DocumentStatus = "indexed"
	DocFailed     DocumentStatus = "failed"
)

// Document is a tenant-owned ingested artifact.
type Document struct {
	ID             string               `json:"id"`
	TenantID       string               `json:"tenant_id"`
	Filename       string               `json:"filename"`
	MimeType       string               `json:"mime_type"`
	Classification types.Classification `json:"classification"`
	Source         string               `json:"source,omitempty"`
	VersionMajor   int                  `json:"version_major"`
	VersionMinor   int                  `json:"version_minor"`
	Status         DocumentStatus       `json:"status"`
	FeedbackScore  int                  `json:"feedback_score"`
	Tags           []string             `json:"tags,omitempty"`
	Domains        []types.Domain       `json:"domains,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// DocumentChunk is an indexed fragment of a document.
type DocumentChunk struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"document_id"`
	TenantID      string    `json:"tenant_id"`
	Ordinal       int       `json:"ordinal"`
	Content       string    `json:"content"`
	TokenCount    int       `json:"token_count"`
	Embedding     []float32 `json:"-"`
	FeedbackScore int       `json:"feedback_score"`
	CreatedAt     time.Time `json:"created_at"`
}

// MemoryKind classifies what a memory records.
type MemoryKind string

const (
	MemoryFact       MemoryKind = "FACT"
	MemoryPreference MemoryKind = "PREFERENCE"
	MemorySkill      MemoryKind = "SKILL"
	MemoryContext    MemoryKind = "CONTEXT"
	MemoryEpisodic   MemoryKind = "EPISODIC"
)

// Valid reports whether the kind is recognized.
func (k MemoryKind) Valid() bool {
	switch k {
	case MemoryFact, MemoryPreference, MemorySkill, MemoryContext, MemoryEpisodic:
		return true
	}
	return false
}

// Memory is a learned fact scoped to a user, agent, department, or plant.
type Memory struct {
	ID             string               `json:"id"`
	TenantID       string               `json:"tenant_id"`
	ScopeLevel     types.ScopeLevel     `json:"scope_level"`
	ScopeID        string               `json:"scope_id"`
	Kind           MemoryKind           `json:"kind"`
	Content        string               `json:"content"`
	Importance     float64              `json:"importance"`
	Classification types.Classification `json:"classification"`
	Embedding      []float32            `json:"-"`
	SourceID       string               `json:"source_id,omitempty"` // originating principal, empty once anonymized
	AccessCount    int64                `json:"access_count"`
	LastAccessedAt time.Time            `json:"last_accessed_at"`
	ExpiresAt      *time.Time           `json:"expires_at,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// GoalStatus is the lifecycle state of a goal.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalCompleted GoalStatus = "completed"
	GoalAbandoned GoalStatus = "abandoned"
)

// Goal is a persistent objective at some scope.
type Goal struct {
	ID           string           `json:"id"`
	TenantID     string           `json:"tenant_id"`
	ScopeLevel   types.ScopeLevel `json:"scope_level"`
	ScopeID      string           `json:"scope_id"`
	Category     string           `json:"category"`
	Priority     int              `json:"priority"`
	Description  string           `json:"description"`
	Status       GoalStatus       `json:"status"`
	Progress     []string         `json:"progress,omitempty"`
	Deadline     *time.Time       `json:"deadline,omitempty"`
	ParentGoalID string           `json:"parent_goal_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// BudgetPeriod is the accounting window of a budget row.
type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodMonthly BudgetPeriod = "monthly"
)

// Budget is a per-tenant token ledger row for one period and tier.
type Budget struct {
	TenantID string       `json:"tenant_id"`
	Period   BudgetPeriod `json:"period"`
	Tier     string       `json:"tier"` // empty means all tiers combined
	Limit    int64        `json:"limit"`
	Consumed int64        `json:"consumed"`
	ResetsAt time.Time    `json:"resets_at"`
}

// Remaining returns the unconsumed budget; negative when overshot.
func (b *Budget) Remaining() int64 {
	return b.Limit - b.Consumed
}

// WriteState is the approval state of a write operation.
type WriteState string

const (
	WriteProposed   WriteState = "PROPOSED"
	WriteApproved   WriteState = "APPROVED"
	WriteRejected   WriteState = "REJECTED"
	WriteTimedOut   WriteState = "TIMED_OUT"
	WriteExecuted   WriteState = "EXECUTED"
	WriteFailed     WriteState = "FAILED"
	WriteRolledBack WriteState = "ROLLED_BACK"
)

// Terminal reports whether no further transition is possible from s.
func (s WriteState) Terminal() bool {
	switch s {
	case WriteRejected, WriteTimedOut, WriteFailed, WriteRolledBack:
		return true
	}
	return false
}

// PlanState is the approval state of a task plan.
type PlanState string

const (
	PlanProposed  PlanState = "PROPOSED"
	PlanApproved  PlanState = "APPROVED"
	PlanRejected  PlanState = "REJECTED"
	PlanCompleted PlanState = "COMPLETED"
	PlanFailed    PlanState = "FAILED"
)

// PlanTaskState is the execution state of one task within a plan.
type PlanTaskState string

const (
	TaskPending   PlanTaskState = "pending"
	TaskRunning   PlanTaskState = "running"
	TaskCompleted PlanTaskState = "completed"
	TaskFailed    PlanTaskState = "failed"
)

// PlanTask is one node of a proposed task graph.
type PlanTask struct {
	ID         string        `json:"id"`
	Specialist string        `json:"specialist"`
	Query      string        `json:"query"`
	DependsOn  []string      `json:"depends_on,omitempty"`
	State      PlanTaskState `json:"state"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Plan is a task graph proposed from a natural-language goal, executed
// only after a human approves it.
type Plan struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	PrincipalID    string     `json:"principal_id"`
	Goal           string     `json:"goal"`
	Tasks          []PlanTask `json:"tasks"`
	State          PlanState  `json:"state"`
	ApproverID     string     `json:"approver_id,omitempty"`
	DecisionReason string     `json:"decision_reason,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// WriteOperation is a pending or past write against an external system.
type WriteOperation struct {
	ID             string                 `json:"id"`
	TenantID       string                 `json:"tenant_id"`
	PrincipalID    string                 `json:"principal_id"`
	Connector      string                 `json:"connector"`
	Operation      string                 `json:"operation"`
	Parameters     map[string]interface{} `json:"parameters"`
	Risk           types.RiskLevel        `json:"risk"`
	Rationale      string                 `json:"rationale"`
	State          WriteState             `json:"state"`
	ApproverID     string                 `json:"approver_id,omitempty"`
	DecisionReason string                 `json:"decision_reason,omitempty"`
	RequestedAt    time.Time              `json:"requested_at"`
	Deadline       time.Time              `json:"deadline"`
	Result         []byte                 `json:"result,omitempty"`
	RollbackHandle string                 `json:"rollback_handle,omitempty"`
	UpdatedAt      time.Time              `json:"updated_at"`
}
