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

// Package azblob is the Azure Blob Storage connector. Shared-key
// credentials take precedence; otherwise the default Azure identity chain
// applies.
package azblob

import (
	"context"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"axonflow/agentcore/connectors/base"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
)

const (
	defaultListLimit = 1000
	maxObjectBytes   = 10 << 20
)

type Connector struct {
	cfg       *base.Config
	client    *azblob.Client
	container string
	log       *logger.Logger
}

func New() *Connector {
	return &Connector{log: logger.New("connector.azblob")}
}

func (c *Connector) Name() string {
	if c.cfg != nil {
		return c.cfg.Name
	}
	return "azblob"
}

func (c *Connector) Type() string { return "azblob" }

func (c *Connector) Capabilities() []string {
	return []string{"query", "execute", "health"}
}

func (c *Connector) Connect(ctx context.Context, cfg *base.Config) error {
	c.cfg = cfg
	c.container = cfg.OptionString("container", "")
	if c.container == "" {
		return fault.Validation("azblob_container_missing", "options.container",
			"container option is required")
	}

	account := cfg.Credentials["account_name"]
	if key := cfg.Credentials["account_key"]; key != "" && account != "" {
		cred, err := azblob.NewSharedKeyCredential(account, key)
		if err != nil {
			return base.UpstreamFault(cfg.Name, "connect", false, err)
		}
		client, err := azblob.NewClientWithSharedKeyCredential(cfg.Endpoint, cred, nil)
		if err != nil {
			return base.UpstreamFault(cfg.Name, "connect", false, err)
		}
		c.client = client
	} else {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return base.UpstreamFault(cfg.Name, "connect", false, err)
		}
		client, err := azblob.NewClient(cfg.Endpoint, cred, nil)
		if err != nil {
			return base.UpstreamFault(cfg.Name, "connect", false, err)
		}
		c.client = client
	}

	c.log.Info(cfg.TenantID, "", "azblob connector ready", map[string]interface{}{
		"connector": cfg.Name,
		"container": c.container,
	})
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error { return nil }

func (c *Connector) HealthCheck(ctx context.Context) (*base.Health, error) {
	h := &base.Health{CheckedAt: time.Now()}
	if c.client == nil {
		h.Error = "not connected"
		return h, nil
	}
	start := time.Now()
	pager := c.client.NewListBlobsFlatPager(c.container, nil)
	_, err := pager.NextPage(ctx)
	h.Latency = time.Since(start)
	if err != nil {
		h.Error = err.Error()
		return h, nil
	}
	h.Healthy = true
	h.Details = map[string]string{"container": c.container}
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

	opts := &azblob.ListBlobsFlatOptions{}
	if prefix != "" {
		opts.Prefix = &prefix
	}
	pager := c.client.NewListBlobsFlatPager(c.container, opts)

	var rows []map[string]interface{}
	for pager.More() && len(rows) < limit {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, base.UpstreamFault(c.Name(), "list", true, err)
		}
		for _, item := range page.Segment.BlobItems {
			if len(rows) >= limit {
				break
			}
			row := map[string]interface{}{"key": derefStr(item.Name)}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					row["size"] = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					row["last_modified"] = item.Properties.LastModified.UTC().Format(time.RFC3339)
				}
			}
			rows = append(rows, row)
		}
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

	resp, err := c.client.DownloadStream(ctx, c.container, key, nil)
	if err != nil {
		return nil, base.UpstreamFault(c.Name(), "get", true, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectBytes))
	if err != nil {
		return nil, base.UpstreamFault(c.Name(), "get", true, err)
	}
	row := map[string]interface{}{
		"key":     key,
		"content": string(body),
		"size":    int64(len(body)),
	}
	if resp.ContentType != nil {
		row["content_type"] = *resp.ContentType
	}
	return []map[string]interface{}{row}, nil
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
	var handle string

	switch action {
	case "put":
		content, _ := cmd.Parameters["content"].(string)
		resp, err := c.client.UploadBuffer(ctx, c.container, key, []byte(content), nil)
		if err != nil {
			return nil, base.UpstreamFault(c.Name(), "put", true, err)
		}
		if resp.VersionID != nil {
			handle = *resp.VersionID
		}

	case "delete":
		if _, err := c.client.DeleteBlob(ctx, c.container, key, nil); err != nil {
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

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
