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

// Package s3 is the S3 object connector. Reads list a prefix or fetch one
// object; writes put or delete an object. Object versions become rollback
// handles on versioned buckets.
package s3

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

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
	client *s3.Client
	bucket string
	log    *logger.Logger
}

func New() *Connector {
	return &Connector{log: logger.New("connector.s3")}
}

func (c *Connector) Name() string {
	if c.cfg != nil {
		return c.cfg.Name
	}
	return "s3"
}

func (c *Connector) Type() string { return "s3" }

func (c *Connector) Capabilities() []string {
	return []string{"query", "execute", "health"}
}

func (c *Connector) Connect(ctx context.Context, cfg *base.Config) error {
	c.cfg = cfg
	c.bucket = cfg.OptionString("bucket", "")
	if c.bucket == "" {
		return fault.Validation("s3_bucket_missing", "options.bucket",
			"bucket option is required")
	}

	region := cfg.OptionString("region", "us-east-1")
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if key := cfg.Credentials["access_key_id"]; key != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, cfg.Credentials["secret_access_key"], "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return base.UpstreamFault(cfg.Name, "connect", false, err)
	}

	c.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if ep := cfg.OptionString("endpoint_url", ""); ep != "" {
			o.BaseEndpoint = &ep
			o.UsePathStyle = true
		}
	})
	c.log.Info(cfg.TenantID, "", "s3 connector ready", map[string]interface{}{
		"connector": cfg.Name,
		"bucket":    c.bucket,
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
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &c.bucket})
	h.Latency = time.Since(start)
	if err != nil {
		h.Error = err.Error()
		return h, nil
	}
	h.Healthy = true
	h.Details = map[string]string{"bucket": c.bucket}
	return h, nil
}

// Query supports list with Filters["prefix"] and get with Filters["key"].
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

	limit := int32(q.Limit)
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	out, err := c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  &c.bucket,
		Prefix:  &prefix,
		MaxKeys: &limit,
	})
	if err != nil {
		return nil, base.UpstreamFault(c.Name(), "list", true, err)
	}

	rows := make([]map[string]interface{}, 0, len(out.Contents))
	for _, obj := range out.Contents {
		row := map[string]interface{}{"key": deref(obj.Key)}
		if obj.Size != nil {
			row["size"] = *obj.Size
		}
		if obj.LastModified != nil {
			row["last_modified"] = obj.LastModified.UTC().Format(time.RFC3339)
		}
		rows = append(rows, row)
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

	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &c.bucket, Key: &key})
	if err != nil {
		return nil, base.UpstreamFault(c.Name(), "get", true, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(io.LimitReader(out.Body, maxObjectBytes))
	if err != nil {
		return nil, base.UpstreamFault(c.Name(), "get", true, err)
	}
	row := map[string]interface{}{
		"key":     key,
		"content": string(body),
		"size":    int64(len(body)),
	}
	if out.ContentType != nil {
		row["content_type"] = *out.ContentType
	}
	return []map[string]interface{}{row}, nil
}

// Execute supports put:<key> with Parameters["content"] and delete:<key>.
// The returned handle is the object version on versioned buckets.
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
		in := &s3.PutObjectInput{
			Bucket: &c.bucket,
			Key:    &key,
			Body:   bytes.NewReader([]byte(content)),
		}
		if ct, ok := cmd.Parameters["content_type"].(string); ok && ct != "" {
			in.ContentType = &ct
		}
		out, err := c.client.PutObject(ctx, in)
		if err != nil {
			return nil, base.UpstreamFault(c.Name(), "put", true, err)
		}
		handle = deref(out.VersionId)

	case "delete":
		out, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: &c.bucket,
			Key:    &key,
		})
		if err != nil {
			return nil, base.UpstreamFault(c.Name(), "delete", true, err)
		}
		handle = deref(out.VersionId)

	default:
		return nil, base.NotSupported(c.Name(), action)
	}

	return &base.CommandResult{
		Success:      true,
		RowsAffected: 1,
		Handle:       handle,
		Duration:     time.Since(start),
		Connector:    c.Name(),
	}, nil
}

// Rollback removes the object version a put created. Only meaningful on
// versioned buckets, where the handle carries the version id.
func (c *Connector) Rollback(ctx context.Context, target, handle string) error {
	if err := base.ValidateObjectKey(target); err != nil {
		return err
	}
	if handle == "" {
		return fault.Validation("rollback_handle_missing", "handle",
			"object version handle is required")
	}
	if c.client == nil {
		return fault.Internal("connector_not_connected", nil)
	}
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:    &c.bucket,
		Key:       &target,
		VersionId: &handle,
	})
	if err != nil {
		return base.UpstreamFault(c.Name(), "rollback", true, err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
