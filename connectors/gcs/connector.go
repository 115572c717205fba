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

// Package gcs is the Google Cloud Storage connector. Object generations
// become rollback handles.
package gcs

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"axonflow/agentcore/connectors/base"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
)

const (
	defaultListLimit = 1000
	maxObjectBytes   = 10 << 20
)

type Connector struct {
	cfg    *base.Config
	client *storage.Client
	bucket string
	log    *logger.Logger
}

func New() *Connector {
	return &Connector{log: logger.New("connector.gcs")}
}

func (c *Connector) Name() string {
	if c.cfg != nil {
		return c.cfg.Name
	}
	return "gcs"
}

func (c *Connector) Type() string { return "gcs" }

func (c *Connector) Capabilities() []string {
	return []string{"query", "execute", "health"}
}

func (c *Connector) Connect(ctx context.Context, cfg *base.Config) error {
	c.cfg = cfg
	c.bucket = cfg.OptionString("bucket", "")
	if c.bucket == "" {
		return fault.Validation("gcs_bucket_missing", "options.bucket",
			"bucket option is required")
	}

	var opts []option.ClientOption
	if creds := cfg.Credentials["service_account_json"]; creds != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return base.UpstreamFault(cfg.Name, "connect", false, err)
	}
	c.client = client
	c.log.Info(cfg.TenantID, "", "gcs connector ready", map[string]interface{}{
		"connector": cfg.Name,
		"bucket":    c.bucket,
	})
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Connector) HealthCheck(ctx context.Context) (*base.Health, error) {
	h := &base.Health{CheckedAt: time.Now()}
	if c.client == nil {
		h.Error = "not connected"
		return h, nil
	}
	start := time.Now()
	_, err := c.client.Bucket(c.bucket).Attrs(ctx)
	h.Latency = time.Since(start)
	if err != nil {
		h.Error = err.Error()
		return h, nil
	}
	h.Healthy = true
	h.Details = map[string]string{"bucket": c.bucket}
	return h, nil
}

func (c *Connector) Query(ctx context.Context, q *base.Query) (*base.QueryResult, error) {
	start := time.Now()
	var rows []map[string]interface{}
	var err error

	switch q.Operation {
	case "list":
		rows, err = c.list(ctx, q)
	case "get":
		rows, err = c.get(ctx, q)
	default:
		return nil, base.NotSupported(c.Name(), q.Operation)
	}
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

func (c *Connector) list(ctx context.Context, q *base.Query) ([]map[string]interface{}, error) {
	prefix, _ := q.Filters["prefix"].(string)
	if prefix != "" {
		if err := base.ValidateObjectKey(prefix); err != nil {
			return nil, err
		}
	}
	if c.client == nil {
		return nil, fault.Internal("connector_not_connected", nil)
	}

	limit := q.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	it := c.client.Bucket(c.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var rows []map[string]interface{}
	for len(rows) < limit {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, base.UpstreamFault(c.Name(), "list", true, err)
		}
		rows = append(rows, map[string]interface{}{
			"key":           attrs.Name,
			"size":          attrs.Size,
			"last_modified": attrs.Updated.UTC().Format(time.RFC3339),
		})
	}
	return rows, nil
}

func (c *Connector) get(ctx context.Context, q *base.Query) ([]map[string]interface{}, error) {
	key, _ := q.Filters["key"].(string)
	if key == "" {
		return nil, fault.Validation("filter_missing", "key", "key is required")
	}
	if err := base.ValidateObjectKey(key); err != nil {
		return nil, err
	}
	if c.client == nil {
		return nil, fault.Internal("connector_not_connected", nil)
	}

	r, err := c.client.Bucket(c.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, base.UpstreamFault(c.Name(), "get", true, err)
	}
	defer r.Close()

	body, err := io.ReadAll(io.LimitReader(r, maxObjectBytes))
	if err != nil {
		return nil, base.UpstreamFault(c.Name(), "get", true, err)
	}
	return []map[string]interface{}{{
		"key":          key,
		"content":      string(body),
		"size":         int64(len(body)),
		"content_type": r.Attrs.ContentType,
	}}, nil
}

func (c *Connector) Execute(ctx context.Context, cmd *base.Command) (*base.CommandResult, error) {
	action, key, err := base.SplitAction(cmd.Operation)
	if err != nil {
		return nil, err
	}
	if err := base.ValidateObjectKey(key); err != nil {
		return nil, err
	}
	if action != "put" && action != "delete" {
		return nil, base.NotSupported(c.Name(), action)
	}
	if c.client == nil {
		return nil, fault.Internal("connector_not_connected", nil)
	}

	start := time.Now()
	obj := c.client.Bucket(c.bucket).Object(key)
	var handle string

	switch action {
	case "put":
		content, _ := cmd.Parameters["content"].(string)
		w := obj.NewWriter(ctx)
		if ct, ok := cmd.Parameters["content_type"].(string); ok && ct != "" {
			w.ContentType = ct
		}
		if _, err := w.Write([]byte(content)); err != nil {
			w.Close()
			return nil, base.UpstreamFault(c.Name(), "put", true, err)
		}
		if err := w.Close(); err != nil {
			return nil, base.UpstreamFault(c.Name(), "put", true, err)
		}
		if w.Attrs() != nil {
			handle = fmt.Sprintf("%d", w.Attrs().Generation)
		}

	case "delete":
		if err := obj.Delete(ctx); err != nil {
			return nil, base.UpstreamFault(c.Name(), "delete", true, err)
		}
	}

	return &base.CommandResult{
		Success:      true,
		RowsAffected: 1,
		Handle:       handle,
		Duration:     time.Since(start),
		Connector:    c.Name(),
	}, nil
}
