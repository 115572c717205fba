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

// Package http is the generic REST connector. Query maps to GET with
// filters as query parameters; Execute maps action:path to the matching
// HTTP method with a JSON body. The endpoint passes SSRF validation at
// Connect time.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"axonflow/agentcore/connectors/base"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
)

const maxResponseBytes = 10 << 20

type Connector struct {
	cfg      *base.Config
	client   *http.Client
	baseURL  string
	authName string
	authVal  string
	log      *logger.Logger
}

func New() *Connector {
	return &Connector{log: logger.New("connector.http")}
}

func (c *Connector) Name() string {
	if c.cfg != nil {
		return c.cfg.Name
	}
	return "http"
}

func (c *Connector) Type() string { return "http_api" }

func (c *Connector) Capabilities() []string {
	return []string{"query", "execute", "health"}
}

// Connect validates the endpoint and prepares the client. Credentials:
// api_key becomes a bearer token, or header plus api_key set a custom
// header.
func (c *Connector) Connect(ctx context.Context, cfg *base.Config) error {
	c.cfg = cfg

	rules := base.DefaultEndpointRules()
	if cfg.OptionString("allow_private", "") == "true" {
		rules.AllowPrivateIPs = true
	}
	if hosts := cfg.OptionString("allowed_host_suffix", ""); hosts != "" {
		rules.AllowedHostSuffixes = strings.Split(hosts, ",")
	}
	if err := base.ValidateEndpoint(cfg.Endpoint, rules); err != nil {
		return err
	}
	c.baseURL = strings.TrimRight(cfg.Endpoint, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c.client = &http.Client{Timeout: timeout}

	if key := cfg.Credentials["api_key"]; key != "" {
		if header := cfg.Credentials["header"]; header != "" {
			c.authName, c.authVal = header, key
		} else {
			c.authName, c.authVal = "Authorization", "Bearer "+key
		}
	}
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	if c.client != nil {
		c.client.CloseIdleConnections()
	}
	return nil
}

func (c *Connector) HealthCheck(ctx context.Context) (*base.Health, error) {
	h := &base.Health{CheckedAt: time.Now()}
	if c.client == nil {
		h.Error = "not connected"
		return h, nil
	}
	path := "/"
	if c.cfg != nil {
		path = c.cfg.OptionString("health_path", "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		h.Error = err.Error()
		return h, nil
	}
	start := time.Now()
	resp, err := c.client.Do(req)
	h.Latency = time.Since(start)
	if err != nil {
		h.Error = err.Error()
		return h, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	h.Healthy = resp.StatusCode < http.StatusInternalServerError
	h.Details = map[string]string{"status": resp.Status}
	return h, nil
}

// Query issues GET {endpoint}/{operation}?filters. The operation is a
// path fragment validated against traversal; filter values become query
// parameters after the allow-list check.
func (c *Connector) Query(ctx context.Context, q *base.Query) (*base.QueryResult, error) {
	if c.client == nil {
		return nil, fault.Internal("connector_not_connected", nil)
	}
	if err := base.ValidateObjectKey(q.Operation); err != nil {
		return nil, err
	}
	if err := base.ValidateFilters(q.Filters); err != nil {
		return nil, err
	}

	u := c.baseURL + "/" + strings.TrimLeft(q.Operation, "/")
	if len(q.Filters) > 0 {
		vals := url.Values{}
		for k, v := range q.Filters {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		u += "?" + vals.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fault.Internal("http_request_build", err)
	}
	c.applyAuth(req)

	start := time.Now()
	rows, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return &base.QueryResult{
		Rows:           rows,
		RowCount:       len(rows),
		Classification: c.cfg.Classification,
		Duration:       time.Since(start),
		Connector:      c.Name(),
	}, nil
}

// Execute maps action:path to POST, PUT, PATCH, or DELETE with the
// parameters as a JSON body.
func (c *Connector) Execute(ctx context.Context, cmd *base.Command) (*base.CommandResult, error) {
	if c.client == nil {
		return nil, fault.Internal("connector_not_connected", nil)
	}
	action, path, err := base.SplitAction(cmd.Operation)
	if err != nil {
		return nil, err
	}
	if err := base.ValidateObjectKey(path); err != nil {
		return nil, err
	}
	if err := base.ValidateFilters(cmd.Parameters); err != nil {
		return nil, err
	}

	var method string
	switch action {
	case "post":
		method = http.MethodPost
	case "put":
		method = http.MethodPut
	case "patch":
		method = http.MethodPatch
	case "delete":
		method = http.MethodDelete
	default:
		return nil, base.NotSupported(c.Name(), action)
	}

	var body io.Reader
	if len(cmd.Parameters) > 0 {
		raw, err := json.Marshal(cmd.Parameters)
		if err != nil {
			return nil, fault.Internal("http_body_encode", err)
		}
		body = bytes.NewReader(raw)
	}

	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fault.Internal("http_request_build", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyAuth(req)

	start := time.Now()
	rows, err := c.do(req)
	if err != nil {
		return nil, err
	}

	res := &base.CommandResult{
		Success:      true,
		RowsAffected: 1,
		Duration:     time.Since(start),
		Connector:    c.Name(),
	}
	if len(rows) == 1 {
		if id, ok := rows[0]["id"].(string); ok {
			res.Handle = id
		}
	}
	return res, nil
}

func (c *Connector) applyAuth(req *http.Request) {
	if c.authName != "" {
		req.Header.Set(c.authName, c.authVal)
	}
	req.Header.Set("Accept", "application/json")
}

// do runs the request and decodes the JSON reply into rows. Arrays decode
// element-wise; a single object becomes one row. Status codes map to the
// taxonomy: 429 and 5xx are retryable, 4xx are not.
func (c *Connector) do(req *http.Request) ([]map[string]interface{}, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, base.UpstreamFault(c.Name(), strings.ToLower(req.Method), true, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, base.UpstreamFault(c.Name(), "read_body", true, err)
	}

	if resp.StatusCode >= 400 {
		retryable := resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode >= http.StatusInternalServerError
		return nil, fault.Upstream("http_status_"+fmt.Sprint(resp.StatusCode),
			fmt.Sprintf("%s: upstream returned %s: %s",
				c.Name(), resp.Status, base.SanitizeLog(string(raw))), retryable, nil)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var list []map[string]interface{}
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single map[string]interface{}
	if err := json.Unmarshal(raw, &single); err == nil {
		return []map[string]interface{}{single}, nil
	}
	return nil, fault.Upstream("http_body_malformed",
		c.Name()+": upstream body is not JSON", false, nil)
}
