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

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"axonflow/agentcore/audit"
	"axonflow/agentcore/llm"
	"axonflow/agentcore/pipeline"
	"axonflow/agentcore/policy"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/types"
	"axonflow/agentcore/store"
	"axonflow/agentcore/workers"
)

// maxUploadBytes caps a single document upload.
const maxUploadBytes = 32 << 20

const defaultListLimit = 50

// chatRequest is the body of POST /chat.
type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	AgentID        string `json:"agent_id,omitempty"`
	Stream         bool   `json:"stream,omitempty"`
	ModelOverride  string `json:"model_override,omitempty"`

	Feedback *struct {
		Delta    int      `json:"delta"`
		ChunkIDs []string `json:"chunk_ids,omitempty"`
		Comment  string   `json:"comment,omitempty"`
	} `json:"feedback,omitempty"`
}

// chatResponse is the non-streaming reply of POST /chat.
type chatResponse struct {
	Message         *store.Message        `json:"message"`
	PendingApproval *store.WriteOperation `json:"pending_approval,omitempty"`
	Usage           llm.UsageStats        `json:"token_usage"`
	Warnings        []string              `json:"warnings,omitempty"`
}

func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	if principal == nil {
		writeFault(w, fault.Authn("token_missing"))
		return
	}

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFault(w, fault.Validation("body_invalid", "", "request body is not valid JSON"))
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeFault(w, fault.Validation("message_required", "message", "message must not be empty"))
		return
	}

	req := &pipeline.Request{
		Principal:      principal,
		ConversationID: body.ConversationID,
		Message:        body.Message,
		AgentID:        body.AgentID,
	}
	if body.ModelOverride != "" {
		tier := llm.Tier(body.ModelOverride)
		if !tier.Valid() {
			writeFault(w, fault.Validation("model_override_invalid", "model_override",
				"model_override must be light, standard, or heavy"))
			return
		}
		req.ModelOverride = tier
	}
	if body.Feedback != nil {
		req.Feedback = &pipeline.Feedback{
			Delta:    body.Feedback.Delta,
			ChunkIDs: body.Feedback.ChunkIDs,
			Comment:  body.Feedback.Comment,
		}
	}

	if body.Stream {
		g.streamChat(w, r, req)
		return
	}

	res, err := g.pipe.Run(r.Context(), req)
	if err != nil {
		writeFault(w, err)
		return
	}

	resp := chatResponse{
		Message:         res.Message,
		PendingApproval: res.PendingApproval,
		Warnings:        res.Warnings,
	}
	if res.Output != nil {
		resp.Usage = res.Output.Usage
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamChat runs the pipeline with a progress hook and frames the result
// as NDJSON events. Once streaming starts the status line is already
// written, so failures become error events rather than HTTP statuses.
func (g *Gateway) streamChat(w http.ResponseWriter, r *http.Request, req *pipeline.Request) {
	sw := newStreamWriter(w)
	req.Progress = sw.phase

	res, err := g.pipe.Run(r.Context(), req)
	if err != nil {
		sw.fail(err)
		return
	}

	if res.Message != nil {
		sw.tokens(res.Message.Content)
		sw.citations(res.Message.Citations)
	}
	var usage interface{}
	if res.Output != nil {
		usage = res.Output.Usage
	}
	sw.done(usage)
}

func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	scope, err := store.NewTenantScope(tenantOf(principal))
	if err != nil {
		writeFault(w, err)
		return
	}

	if err := g.pol.Check(r.Context(), principal, "upload", policy.ResourceRef{
		Kind:     "document",
		TenantID: scope.TenantID(),
	}); err != nil {
		writeFault(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeFault(w, fault.Validation("multipart_invalid", "file", "could not parse multipart upload"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeFault(w, fault.Validation("file_required", "file", "upload must include a file part"))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeFault(w, fault.Validation("file_unreadable", "file", "could not read uploaded file"))
		return
	}
	if len(content) == 0 {
		writeFault(w, fault.Validation("file_empty", "file", "uploaded file is empty"))
		return
	}

	class, err := parseClassification(r.FormValue("classification"))
	if err != nil {
		writeFault(w, err)
		return
	}

	mime := header.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(content)
	}

	doc := &store.Document{
		Filename:       header.Filename,
		MimeType:       mime,
		Classification: class,
		Source:         r.FormValue("source"),
		Tags:           splitList(r.FormValue("tags")),
		Domains:        parseDomains(r.FormValue("domains")),
	}
	doc, err = g.docs.Create(r.Context(), scope, doc)
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := g.docs.SaveContent(r.Context(), scope, doc.ID, content); err != nil {
		writeFault(w, err)
		return
	}

	if err := g.pool.Enqueue(workers.Job{
		Kind:       workers.KindIngest,
		TenantID:   scope.TenantID(),
		DocumentID: doc.ID,
	}); err != nil {
		// The document stays pending; the next ingest beat picks it up.
		g.log.Warn(scope.TenantID(), "", "ingest queue full, deferring document", map[string]interface{}{
			"document_id": doc.ID,
		})
	}

	g.recordAudit(principal, audit.EventDocumentUpload, "document", doc.ID, map[string]interface{}{
		"filename":       doc.Filename,
		"mime_type":      doc.MimeType,
		"classification": doc.Classification.String(),
		"bytes":          len(content),
	})
	writeJSON(w, http.StatusAccepted, doc)
}

func (g *Gateway) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	scope, err := store.NewTenantScope(tenantOf(principal))
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := g.pol.Check(r.Context(), principal, "read", policy.ResourceRef{
		Kind:     "document",
		TenantID: scope.TenantID(),
	}); err != nil {
		writeFault(w, err)
		return
	}

	docs, err := g.docs.List(r.Context(), scope, queryLimit(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

func (g *Gateway) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	scope, err := store.NewTenantScope(tenantOf(principal))
	if err != nil {
		writeFault(w, err)
		return
	}
	id := mux.Vars(r)["id"]

	if err := g.pol.Check(r.Context(), principal, "delete", policy.ResourceRef{
		Kind:     "document",
		ID:       id,
		TenantID: scope.TenantID(),
	}); err != nil {
		writeFault(w, err)
		return
	}

	if err := g.docs.SoftDelete(r.Context(), scope, id); err != nil {
		writeFault(w, err)
		return
	}

	g.recordAudit(principal, audit.EventDocumentDelete, "document", id, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// planRequest is the body of POST /plans.
type planRequest struct {
	Goal string `json:"goal"`
}

func (g *Gateway) handleProposePlan(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	scope, err := store.NewTenantScope(tenantOf(principal))
	if err != nil {
		writeFault(w, err)
		return
	}

	var body planRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFault(w, fault.Validation("body_invalid", "", "request body is not valid JSON"))
		return
	}

	plan, err := g.planner.Propose(r.Context(), scope, principal, body.Goal)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (g *Gateway) handleListPlans(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	scope, err := store.NewTenantScope(tenantOf(principal))
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := g.pol.Check(r.Context(), principal, "read", policy.ResourceRef{
		Kind:     "plan",
		TenantID: scope.TenantID(),
	}); err != nil {
		writeFault(w, err)
		return
	}

	list, err := g.planner.List(r.Context(), scope, queryLimit(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plans": list})
}

func (g *Gateway) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	scope, err := store.NewTenantScope(tenantOf(principal))
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := g.pol.Check(r.Context(), principal, "read", policy.ResourceRef{
		Kind:     "plan",
		ID:       mux.Vars(r)["id"],
		TenantID: scope.TenantID(),
	}); err != nil {
		writeFault(w, err)
		return
	}

	plan, err := g.planner.Get(r.Context(), scope, mux.Vars(r)["id"])
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// handlePlanStatus returns a snapshot of the plan state with per-task
// progress, without the full task outputs.
func (g *Gateway) handlePlanStatus(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	scope, err := store.NewTenantScope(tenantOf(principal))
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := g.pol.Check(r.Context(), principal, "read", policy.ResourceRef{
		Kind:     "plan",
		ID:       mux.Vars(r)["id"],
		TenantID: scope.TenantID(),
	}); err != nil {
		writeFault(w, err)
		return
	}

	plan, err := g.planner.Get(r.Context(), scope, mux.Vars(r)["id"])
	if err != nil {
		writeFault(w, err)
		return
	}

	type taskStatus struct {
		ID    string `json:"id"`
		State string `json:"state"`
		Error string `json:"error,omitempty"`
	}
	tasks := make([]taskStatus, len(plan.Tasks))
	for i, t := range plan.Tasks {
		tasks[i] = taskStatus{ID: t.ID, State: string(t.State), Error: t.Error}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":    plan.ID,
		"state": plan.State,
		"tasks": tasks,
	})
}

func (g *Gateway) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	g.decidePlan(w, r, g.planner.Approve)
}

func (g *Gateway) handleRejectPlan(w http.ResponseWriter, r *http.Request) {
	g.decidePlan(w, r, g.planner.Reject)
}

func (g *Gateway) decidePlan(w http.ResponseWriter, r *http.Request, fn func(context.Context, store.TenantScope, *types.Principal, string, string) (*store.Plan, error)) {
	principal := PrincipalFrom(r.Context())
	scope, err := store.NewTenantScope(tenantOf(principal))
	if err != nil {
		writeFault(w, err)
		return
	}

	var body decisionRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}

	plan, err := fn(r.Context(), scope, principal, mux.Vars(r)["id"], body.Reason)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// decisionRequest is the body of approve and reject calls.
type decisionRequest struct {
	Reason string `json:"reason"`
}

func (g *Gateway) handleApprove(w http.ResponseWriter, r *http.Request) {
	g.decide(w, r, func(scope store.TenantScope, principal *types.Principal, id, reason string) (*store.WriteOperation, error) {
		return g.writes.Approve(r.Context(), scope, principal, id, reason)
	})
}

func (g *Gateway) handleReject(w http.ResponseWriter, r *http.Request) {
	g.decide(w, r, func(scope store.TenantScope, principal *types.Principal, id, reason string) (*store.WriteOperation, error) {
		return g.writes.Reject(r.Context(), scope, principal, id, reason)
	})
}

func (g *Gateway) decide(w http.ResponseWriter, r *http.Request, fn func(store.TenantScope, *types.Principal, string, string) (*store.WriteOperation, error)) {
	principal := PrincipalFrom(r.Context())
	scope, err := store.NewTenantScope(tenantOf(principal))
	if err != nil {
		writeFault(w, err)
		return
	}

	var body decisionRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}

	op, err := fn(scope, principal, mux.Vars(r)["id"], body.Reason)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (g *Gateway) handleOperationStatus(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	scope, err := store.NewTenantScope(tenantOf(principal))
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := g.pol.Check(r.Context(), principal, "read", policy.ResourceRef{
		Kind:     "writeop",
		TenantID: scope.TenantID(),
	}); err != nil {
		writeFault(w, err)
		return
	}

	op, err := g.writes.Get(r.Context(), scope, mux.Vars(r)["id"])
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (g *Gateway) handlePendingOperations(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	scope, err := store.NewTenantScope(tenantOf(principal))
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := g.pol.Check(r.Context(), principal, "read", policy.ResourceRef{
		Kind:     "writeop",
		TenantID: scope.TenantID(),
	}); err != nil {
		writeFault(w, err)
		return
	}

	ops, err := g.writes.Pending(r.Context(), scope, queryLimit(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

func (g *Gateway) handleConnectorHealth(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	if err := g.pol.Check(r.Context(), principal, "read", policy.ResourceRef{
		Kind:     "connector",
		TenantID: tenantOf(principal),
	}); err != nil {
		writeFault(w, err)
		return
	}
	if g.prox == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"connectors": map[string]interface{}{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connectors": g.prox.Health(r.Context(), tenantOf(principal)),
	})
}

func (g *Gateway) recordAudit(principal *types.Principal, kind audit.EventKind, resourceKind, resourceID string, meta map[string]interface{}) {
	if g.ledger == nil {
		return
	}
	g.ledger.Record(&audit.Entry{
		TenantID:     tenantOf(principal),
		PrincipalID:  principal.ID,
		Kind:         kind,
		ResourceKind: resourceKind,
		ResourceID:   resourceID,
		Status:       "ok",
		Metadata:     meta,
	})
}

func tenantOf(principal *types.Principal) string {
	if principal == nil {
		return ""
	}
	return principal.TenantID
}

func parseClassification(raw string) (types.Classification, error) {
	if raw == "" {
		return types.ClassII, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || !types.Classification(n).Valid() {
		return 0, fault.Validation("classification_invalid", "classification", "classification must be 1 through 4")
	}
	return types.Classification(n), nil
}

func parseDomains(raw string) []types.Domain {
	var out []types.Domain
	for _, s := range splitList(raw) {
		out = append(out, types.Domain(s))
	}
	return out
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}
