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

// Package writegate is the human-in-the-loop gate in front of every external
// side effect. A proposed write sits in PROPOSED until an authorized
// principal approves or rejects it, or its deadline expires. Approval
// triggers execution through the connector proxy; execution is idempotent on
// the operation identifier.
package writegate

import (
	"context"
	"strings"
	"time"

	"axonflow/agentcore/audit"
	"axonflow/agentcore/config"
	"axonflow/agentcore/policy"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
	"axonflow/agentcore/shared/types"
	"axonflow/agentcore/store"
)

// Executor carries an approved operation to its external system. The
// connector proxy implements this; tests substitute fakes.
type Executor interface {
	// ExecuteWrite performs the side effect and returns the raw result and
	// an optional rollback handle.
	ExecuteWrite(ctx context.Context, scope store.TenantScope, op *store.WriteOperation) (result []byte, rollbackHandle string, err error)

	// RollbackWrite undoes a previously executed operation using its handle.
	RollbackWrite(ctx context.Context, scope store.TenantScope, op *store.WriteOperation) error
}

// Gateway drives the write-operation state machine.
type Gateway struct {
	ops    *store.WriteOpRepo
	policy *policy.Engine
	ledger *audit.Ledger
	exec   Executor
	cfg    config.ApprovalConfig
	log    *logger.Logger
}

// NewGateway wires the gateway. The audit ledger may be nil in tests.
func NewGateway(ops *store.WriteOpRepo, pol *policy.Engine, ledger *audit.Ledger, exec Executor, cfg config.ApprovalConfig, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.New("writegate")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 24 * time.Hour
	}
	return &Gateway{ops: ops, policy: pol, ledger: ledger, exec: exec, cfg: cfg, log: log}
}

// AssessRisk derives a risk level from the operation name when the proposer
// did not set one. Destructive verbs rank high, mutations medium, the rest
// low.
func AssessRisk(connector, operation string) types.RiskLevel {
	op := strings.ToLower(operation)
	switch {
	case strings.Contains(op, "delete"), strings.Contains(op, "drop"),
		strings.Contains(op, "truncate"), strings.Contains(op, "purge"):
		return types.RiskHigh
	case strings.Contains(op, "create"), strings.Contains(op, "update"),
		strings.Contains(op, "insert"), strings.Contains(op, "write"),
		strings.Contains(op, "put"), strings.Contains(op, "post"):
		return types.RiskMedium
	}
	return types.RiskLow
}

// Propose records a new write operation. Low-risk operations auto-approve
// (and execute) when tenant policy allows; everything else waits for a human.
func (g *Gateway) Propose(ctx context.Context, scope store.TenantScope, principal *types.Principal, op *store.WriteOperation) (*store.WriteOperation, error) {
	if principal == nil {
		return nil, fault.Authn("unauthenticated")
	}
	if op.Connector == "" || op.Operation == "" {
		return nil, fault.Validation("write_incomplete", "operation", "connector and operation are required")
	}
	if op.Risk == "" {
		op.Risk = AssessRisk(op.Connector, op.Operation)
	}

	op.PrincipalID = principal.ID
	if op.Deadline.IsZero() {
		op.Deadline = time.Now().UTC().Add(g.cfg.DefaultTimeout)
	}

	stored, err := g.ops.Insert(ctx, scope, op)
	if err != nil {
		return nil, err
	}
	g.audit(audit.EventWritePropose, stored, principal.ID, "proposed", map[string]interface{}{
		"risk": string(stored.Risk), "connector": stored.Connector, "operation": stored.Operation,
	})

	if stored.Risk == types.RiskLow && g.cfg.AutoApproveLow {
		return g.approve(ctx, scope, stored.ID, "system:policy", "auto-approved: low risk")
	}
	return stored, nil
}

// Approve transitions PROPOSED to APPROVED on behalf of an authorized
// approver, then executes. High and critical risk require an MFA-verified
// admin per the policy engine.
func (g *Gateway) Approve(ctx context.Context, scope store.TenantScope, approver *types.Principal, id, reason string) (*store.WriteOperation, error) {
	op, err := g.ops.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if err := g.policy.CanApprove(approver, op.Risk); err != nil {
		return nil, err
	}
	return g.approve(ctx, scope, id, approver.ID, reason)
}

func (g *Gateway) approve(ctx context.Context, scope store.TenantScope, id, approverID, reason string) (*store.WriteOperation, error) {
	op, err := g.ops.Transition(ctx, scope, id, func(op *store.WriteOperation) error {
		if op.State != store.WriteProposed {
			return stateFault(op.State, "approve")
		}
		op.State = store.WriteApproved
		op.ApproverID = approverID
		op.DecisionReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.audit(audit.EventWriteApprove, op, approverID, "approved", map[string]interface{}{"reason": reason})

	if g.exec == nil {
		return op, nil
	}
	return g.Execute(ctx, scope, id)
}

// Reject transitions PROPOSED to REJECTED, a terminal state. Re-submission
// requires a new operation.
func (g *Gateway) Reject(ctx context.Context, scope store.TenantScope, approver *types.Principal, id, reason string) (*store.WriteOperation, error) {
	op, err := g.ops.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if err := g.policy.CanApprove(approver, op.Risk); err != nil {
		return nil, err
	}

	op, err = g.ops.Transition(ctx, scope, id, func(op *store.WriteOperation) error {
		if op.State != store.WriteProposed {
			return stateFault(op.State, "reject")
		}
		op.State = store.WriteRejected
		op.ApproverID = approver.ID
		op.DecisionReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.audit(audit.EventWriteReject, op, approver.ID, "rejected", map[string]interface{}{"reason": reason})
	return op, nil
}

// Execute carries an APPROVED operation to its connector. The call is
// idempotent: an operation already EXECUTED returns its prior result without
// touching the external system. The row lock inside Transition serializes
// concurrent executors so the side effect happens exactly once.
func (g *Gateway) Execute(ctx context.Context, scope store.TenantScope, id string) (*store.WriteOperation, error) {
	if g.exec == nil {
		return nil, fault.Internal("no_executor", nil)
	}

	var execErr error
	started := time.Now()
	op, err := g.ops.Transition(ctx, scope, id, func(op *store.WriteOperation) error {
		switch op.State {
		case store.WriteExecuted:
			return errAlreadyExecuted
		case store.WriteApproved:
		default:
			return stateFault(op.State, "execute")
		}

		result, handle, err := g.exec.ExecuteWrite(ctx, scope, op)
		if err != nil {
			execErr = err
			op.State = store.WriteFailed
			op.DecisionReason = err.Error()
			return nil
		}
		op.State = store.WriteExecuted
		op.Result = result
		op.RollbackHandle = handle
		return nil
	})
	if err == errAlreadyExecuted {
		return g.ops.Get(ctx, scope, id)
	}
	if err != nil {
		return nil, err
	}

	status := "executed"
	if execErr != nil {
		status = "failed"
	}
	g.auditLatency(audit.EventWriteExecute, op, op.ApproverID, status, started)

	if execErr != nil {
		return op, fault.Wrap(fault.KindUpstream, "write_execution_failed", "connector write failed", execErr)
	}
	return op, nil
}

// Rollback undoes an EXECUTED operation. Available only when execution
// registered a rollback handle.
func (g *Gateway) Rollback(ctx context.Context, scope store.TenantScope, principal *types.Principal, id, reason string) (*store.WriteOperation, error) {
	op, err := g.ops.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if err := g.policy.CanApprove(principal, op.Risk); err != nil {
		return nil, err
	}

	var rollbackErr error
	op, err = g.ops.Transition(ctx, scope, id, func(op *store.WriteOperation) error {
		if op.State != store.WriteExecuted {
			return stateFault(op.State, "rollback")
		}
		if op.RollbackHandle == "" {
			return fault.Validation("no_rollback_handle", "operation_id", "operation did not register a rollback handle")
		}
		if err := g.exec.RollbackWrite(ctx, scope, op); err != nil {
			rollbackErr = err
			return err
		}
		op.State = store.WriteRolledBack
		op.DecisionReason = reason
		return nil
	})
	if rollbackErr != nil {
		return nil, fault.Wrap(fault.KindUpstream, "rollback_failed", "connector rollback failed", rollbackErr)
	}
	if err != nil {
		return nil, err
	}
	g.audit(audit.EventWriteRollback, op, principal.ID, "rolled_back", map[string]interface{}{"reason": reason})
	return op, nil
}

// SweepExpired transitions PROPOSED operations past their deadline to
// TIMED_OUT. Called by the background sweeper; races with a concurrent
// approval lose quietly.
func (g *Gateway) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	expired, err := g.ops.ListExpired(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, stub := range expired {
		scope, err := store.NewTenantScope(stub.TenantID)
		if err != nil {
			continue
		}
		op, err := g.ops.Transition(ctx, scope, stub.ID, func(op *store.WriteOperation) error {
			if op.State != store.WriteProposed {
				return errAlreadyDecided
			}
			op.State = store.WriteTimedOut
			op.DecisionReason = "approval deadline expired"
			return nil
		})
		if err == errAlreadyDecided {
			continue
		}
		if err != nil {
			g.log.Warn(stub.TenantID, "", "timeout sweep failed for operation", map[string]interface{}{
				"operation_id": stub.ID, "error": err.Error(),
			})
			continue
		}
		swept++
		g.audit(audit.EventWriteTimeout, op, "", "timed_out", nil)
	}
	return swept, nil
}

// Get returns an operation within the tenant scope.
func (g *Gateway) Get(ctx context.Context, scope store.TenantScope, id string) (*store.WriteOperation, error) {
	return g.ops.Get(ctx, scope, id)
}

// Pending lists the tenant's operations awaiting approval, oldest first.
func (g *Gateway) Pending(ctx context.Context, scope store.TenantScope, limit int) ([]*store.WriteOperation, error) {
	return g.ops.ListPending(ctx, scope, limit)
}

var (
	errAlreadyExecuted = fault.Concurrency("already_executed", "operation already executed")
	errAlreadyDecided  = fault.Concurrency("already_decided", "operation already left PROPOSED")
)

func stateFault(state store.WriteState, action string) error {
	if state.Terminal() {
		return fault.Validation("operation_terminal", "state",
			"cannot "+action+" an operation in terminal state "+string(state))
	}
	return fault.Concurrency("invalid_transition", "cannot "+action+" from state "+string(state))
}

func (g *Gateway) audit(kind audit.EventKind, op *store.WriteOperation, principalID, status string, meta map[string]interface{}) {
	if g.ledger == nil {
		return
	}
	g.ledger.Record(&audit.Entry{
		TenantID:     op.TenantID,
		PrincipalID:  principalID,
		Kind:         kind,
		ResourceKind: "write_operation",
		ResourceID:   op.ID,
		Status:       status,
		Metadata:     meta,
	})
}

func (g *Gateway) auditLatency(kind audit.EventKind, op *store.WriteOperation, principalID, status string, started time.Time) {
	if g.ledger == nil {
		return
	}
	g.ledger.Record(&audit.Entry{
		TenantID:     op.TenantID,
		PrincipalID:  principalID,
		Kind:         kind,
		ResourceKind: "write_operation",
		ResourceID:   op.ID,
		Status:       status,
		LatencyMS:    time.Since(started).Milliseconds(),
	})
}
