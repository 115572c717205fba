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

package proxy

import (
	"context"
	"sync"

	"axonflow/agentcore/connectors/azblob"
	"axonflow/agentcore/connectors/base"
	"axonflow/agentcore/connectors/cassandra"
	"axonflow/agentcore/connectors/gcs"
	connhttp "axonflow/agentcore/connectors/http"
	"axonflow/agentcore/connectors/mongodb"
	"axonflow/agentcore/connectors/mysql"
	"axonflow/agentcore/connectors/postgres"
	connredis "axonflow/agentcore/connectors/redis"
	"axonflow/agentcore/connectors/s3"
	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
)

// NewConnector instantiates a driver by type name.
func NewConnector(connType string) (base.Connector, error) {
	switch connType {
	case "postgres":
		return postgres.New(), nil
	case "mysql":
		return mysql.New(), nil
	case "http_api", "http":
		return connhttp.New(), nil
	case "redis":
		return connredis.New(), nil
	case "mongodb":
		return mongodb.New(), nil
	case "cassandra":
		return cassandra.New(), nil
	case "s3":
		return s3.New(), nil
	case "gcs":
		return gcs.New(), nil
	case "azblob":
		return azblob.New(), nil
	}
	return nil, fault.Validation("connector_type_unknown", "type",
		"unrecognized connector type "+connType)
}

type registration struct {
	cfg  *base.Config
	conn base.Connector
}

// Registry holds the connected connector instances, keyed by tenant and
// name. Registration resolves secret references before Connect.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]map[string]*registration // tenant -> name
	secrets SecretSource
	log     *logger.Logger
}

func NewRegistry(secrets SecretSource) *Registry {
	return &Registry{
		entries: make(map[string]map[string]*registration),
		secrets: secrets,
		log:     logger.New("proxy.registry"),
	}
}

// Register connects a driver for cfg and stores it under the tenant. A
// prior registration with the same name is disconnected first.
func (r *Registry) Register(ctx context.Context, cfg *base.Config) error {
	if cfg.TenantID == "" {
		return fault.Validation("connector_tenant_missing", "tenant_id",
			"connector registration requires a tenant")
	}
	if cfg.Name == "" {
		return fault.Validation("connector_name_missing", "name",
			"connector registration requires a name")
	}

	conn, err := NewConnector(cfg.Type)
	if err != nil {
		return err
	}

	resolved, err := resolveCredentials(ctx, r.secrets, cfg.Credentials)
	if err != nil {
		return err
	}
	connCfg := *cfg
	connCfg.Credentials = resolved

	if err := conn.Connect(ctx, &connCfg); err != nil {
		return err
	}

	r.mu.Lock()
	tenant, ok := r.entries[cfg.TenantID]
	if !ok {
		tenant = make(map[string]*registration)
		r.entries[cfg.TenantID] = tenant
	}
	prior := tenant[cfg.Name]
	tenant[cfg.Name] = &registration{cfg: cfg, conn: conn}
	r.mu.Unlock()

	if prior != nil {
		prior.conn.Disconnect(ctx)
	}
	r.log.Info(cfg.TenantID, "", "connector registered", map[string]interface{}{
		"connector": cfg.Name,
		"type":      cfg.Type,
	})
	return nil
}

// Lookup returns the registered connector and its config for a tenant.
func (r *Registry) Lookup(tenantID, name string) (base.Connector, *base.Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tenant, ok := r.entries[tenantID]; ok {
		if reg, ok := tenant[name]; ok {
			return reg.conn, reg.cfg, nil
		}
	}
	return nil, nil, fault.Validation("connector_unregistered", "connector",
		"connector "+name+" is not registered for this tenant")
}

// Names lists the connector names registered for a tenant.
func (r *Registry) Names(tenantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name := range r.entries[tenantID] {
		names = append(names, name)
	}
	return names
}

// Health checks every connector registered for a tenant.
func (r *Registry) Health(ctx context.Context, tenantID string) map[string]*base.Health {
	r.mu.RLock()
	regs := make([]*registration, 0)
	for _, reg := range r.entries[tenantID] {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()

	out := make(map[string]*base.Health, len(regs))
	for _, reg := range regs {
		h, err := reg.conn.HealthCheck(ctx)
		if err != nil {
			h = &base.Health{Error: err.Error()}
		}
		out[reg.cfg.Name] = h
	}
	return out
}

// Close disconnects everything; used during shutdown.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tenant := range r.entries {
		for _, reg := range tenant {
			reg.conn.Disconnect(ctx)
		}
	}
	r.entries = make(map[string]map[string]*registration)
}
