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

// Package mongodb is the MongoDB connector. Query operations name a
// collection; filters become an equality match document. Writes follow
// the action:collection convention.
package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"axonflow/agentcore/connectors/base"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
)

const defaultQueryLimit = 1000

type Connector struct {
	cfg      *base.Config
	client   *mongo.Client
	database string
	log      *logger.Logger
}

func New() *Connector {
	return &Connector{log: logger.New("connector.mongodb")}
}

func (c *Connector) Name() string {
	if c.cfg != nil {
		return c.cfg.Name
	}
	return "mongodb"
}

func (c *Connector) Type() string { return "mongodb" }

func (c *Connector) Capabilities() []string {
	return []string{"query", "execute", "health"}
}

func (c *Connector) Connect(ctx context.Context, cfg *base.Config) error {
	c.cfg = cfg
	c.database = cfg.OptionString("database", "")
	if c.database == "" {
		return fault.Validation("mongodb_database_missing", "options.database",
			"database option is required")
	}

	opts := options.Client().ApplyURI(cfg.Endpoint).
		SetMaxPoolSize(uint64(cfg.OptionInt("max_pool_size", 20))).
		SetConnectTimeout(10 * time.Second)
	if user := cfg.Credentials["username"]; user != "" {
		opts.SetAuth(options.Credential{
			Username: user,
			Password: cfg.Credentials["password"],
		})
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return base.UpstreamFault(cfg.Name, "connect", false, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return base.UpstreamFault(cfg.Name, "connect", true, err)
	}
	c.client = client
	c.log.Info(cfg.TenantID, "", "mongodb connector ready", map[string]interface{}{
		"connector": cfg.Name,
		"database":  c.database,
	})
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Disconnect(ctx)
}

func (c *Connector) HealthCheck(ctx context.Context) (*base.Health, error) {
	h := &base.Health{CheckedAt: time.Now()}
	if c.client == nil {
		h.Error = "not connected"
		return h, nil
	}
	start := time.Now()
	err := c.client.Ping(ctx, readpref.Primary())
	h.Latency = time.Since(start)
	if err != nil {
		h.Error = err.Error()
		return h, nil
	}
	h.Healthy = true
	h.Details = map[string]string{"database": c.database}
	return h, nil
}

func (c *Connector) Query(ctx context.Context, q *base.Query) (*base.QueryResult, error) {
	if err := base.ValidateIdentifier(q.Operation); err != nil {
		return nil, err
	}
	if err := base.ValidateFilters(q.Filters); err != nil {
		return nil, err
	}
	if c.client == nil {
		return nil, fault.Internal("connector_not_connected", nil)
	}

	limit := q.Limit
	if limit <= 0 || limit > defaultQueryLimit {
		limit = defaultQueryLimit
	}

	start := time.Now()
	coll := c.client.Database(c.database).Collection(q.Operation)
	cur, err := coll.Find(ctx, filterDoc(q.Filters), options.Find().SetLimit(int64(limit)))
	if err != nil {
		return nil, base.UpstreamFault(c.Name(), "query", true, err)
	}
	defer cur.Close(ctx)

	var rows []map[string]interface{}
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, base.UpstreamFault(c.Name(), "decode", false, err)
		}
		rows = append(rows, map[string]interface{}(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, base.UpstreamFault(c.Name(), "query", true, err)
	}

	return &base.QueryResult{
		Rows:           rows,
		RowCount:       len(rows),
		Classification: c.cfg.Classification,
		Duration:       time.Since(start),
		Connector:      c.Name(),
	}, nil
}

func (c *Connector) Execute(ctx context.Context, cmd *base.Command) (*base.CommandResult, error) {
	action, collection, err := base.SplitAction(cmd.Operation)
	if err != nil {
		return nil, err
	}
	if err := base.ValidateIdentifier(collection); err != nil {
		return nil, err
	}
	if err := base.ValidateFilters(cmd.Parameters); err != nil {
		return nil, err
	}
	if c.client == nil {
		return nil, fault.Internal("connector_not_connected", nil)
	}

	start := time.Now()
	coll := c.client.Database(c.database).Collection(collection)
	var affected int64
	var handle string

	switch action {
	case "insert":
		if len(cmd.Parameters) == 0 {
			return nil, base.NotSupported(collection, "insert with no values")
		}
		res, err := coll.InsertOne(ctx, filterDoc(cmd.Parameters))
		if err != nil {
			return nil, base.UpstreamFault(c.Name(), "insert", false, err)
		}
		affected = 1
		if id, ok := res.InsertedID.(interface{ Hex() string }); ok {
			handle = id.Hex()
		}

	case "update":
		sets, wheres := base.SplitWhereParams(cmd.Parameters)
		if len(sets) == 0 || len(wheres) == 0 {
			return nil, base.NotSupported(collection, "update without set and where")
		}
		res, err := coll.UpdateMany(ctx, filterDoc(wheres), bson.M{"$set": filterDoc(sets)})
		if err != nil {
			return nil, base.UpstreamFault(c.Name(), "update", false, err)
		}
		affected = res.ModifiedCount

	case "delete":
		if len(cmd.Parameters) == 0 {
			return nil, base.NotSupported(collection, "unfiltered delete")
		}
		res, err := coll.DeleteMany(ctx, filterDoc(cmd.Parameters))
		if err != nil {
			return nil, base.UpstreamFault(c.Name(), "delete", false, err)
		}
		affected = res.DeletedCount

	default:
		return nil, base.NotSupported(c.Name(), action)
	}

	return &base.CommandResult{
		Success:      true,
		RowsAffected: affected,
		Handle:       handle,
		Duration:     time.Since(start),
		Connector:    c.Name(),
	}, nil
}

// filterDoc builds an equality match document. Validation upstream
// guarantees no operator injection: keys are identifiers, values scalars.
func filterDoc(filters map[string]interface{}) bson.M {
	doc := bson.M{}
	for k, v := range filters {
		doc[k] = v
	}
	return doc
}
