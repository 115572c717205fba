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
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"axonflow/agentcore/config"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
)

// Store bundles the entity repositories over one connection pool.
type Store struct {
	db            *sql.DB
	log           *logger.Logger
	embeddingDims int

	Conversations *ConversationRepo
	Documents     *DocumentRepo
	Chunks        *ChunkRepo
	Memories      *MemoryRepo
	Goals         *GoalRepo
	Budgets       *BudgetRepo
	WriteOps      *WriteOpRepo
	Plans         *PlanRepo
}

// Open connects to Postgres and wires the repositories.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "db_open_failed", "cannot open database", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fault.Wrap(fault.KindUpstream, "db_unreachable", "database not reachable", err)
	}

	return NewWithDB(db), nil
}

// NewWithDB wires a Store over an existing handle. Used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store {
	s := &Store{
		db:            db,
		log:           logger.New("store"),
		embeddingDims: 768,
	}
	s.Conversations = &ConversationRepo{db: db}
	s.Documents = &DocumentRepo{db: db}
	s.Chunks = &ChunkRepo{db: db}
	s.Memories = &MemoryRepo{db: db}
	s.Goals = &GoalRepo{db: db}
	s.Budgets = &BudgetRepo{db: db}
	s.WriteOps = &WriteOpRepo{db: db}
	s.Plans = &PlanRepo{db: db}
	return s
}

// DB exposes the underlying pool for components that manage their own
// statements (audit writer).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping reports database reachability for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.KindUpstream, "tx_begin_failed", "cannot begin transaction", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error("", "", "transaction rollback failed", map[string]interface{}{"error": rbErr.Error()})
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.KindUpstream, "tx_commit_failed", "cannot commit transaction", err)
	}
	return nil
}

// VectorLiteral renders an embedding as a pgvector input literal.
func VectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v)*10 + 2)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// ParseVector parses a pgvector output literal back into a slice.
func ParseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal")
	}
	inner := s[1 : len(s)-1]
	if inner == "" {
		return nil, nil
	}
	parts := strings.Split(inner, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

// wrapDBErr maps a database error to the taxonomy, preserving sql.ErrNoRows
// handling at call sites.
func wrapDBErr(op string, err error) error {
	return fault.Upstream("db_"+op+"_failed", "database operation failed", true, err)
}
