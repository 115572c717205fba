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
	"testing"

	"github.com/alicebob/miniredis/v2"

	"axonflow/agentcore/connectors/base"
	"axonflow/agentcore/shared/fault"
)

func TestNewConnectorTypes(t *testing.T) {
	for _, typ := range []string{
		"postgres", "mysql", "http_api", "http", "redis",
		"mongodb", "cassandra", "s3", "gcs", "azblob",
	} {
		conn, err := NewConnector(typ)
		if err != nil {
			t.Errorf("NewConnector(%q): %v", typ, err)
			continue
		}
		if conn == nil {
			t.Errorf("NewConnector(%q) returned nil", typ)
		}
	}

	if _, err := NewConnector("carrier-pigeon"); fault.KindOf(err) != fault.KindValidation {
		t.Errorf("unknown type kind = %v, want VALIDATION", fault.KindOf(err))
	}
}

func TestRegisterResolvesSecretsAndConnects(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	mr.RequireAuth("s3cret")

	src := &fakeSecrets{secrets: map[string]map[string]string{
		"prod/cache": {"password": "s3cret"},
	}}
	r := NewRegistry(src)
	t.Cleanup(func() { r.Close(context.Background()) })

	cfg := &base.Config{
		Name:     "cache",
		Type:     "redis",
		Endpoint: mr.Addr(),
		TenantID: "t1",
		Credentials: map[string]string{
			"password": "secretsmanager:prod/cache",
		},
	}
	if err := r.Register(context.Background(), cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(src.resolved) != 1 || src.resolved[0] != "prod/cache" {
		t.Errorf("resolved = %v", src.resolved)
	}
	// The stored config keeps the reference, not the resolved value.
	if cfg.Credentials["password"] != "secretsmanager:prod/cache" {
		t.Error("registration leaked resolved credential into caller config")
	}

	conn, got, err := r.Lookup("t1", "cache")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if conn.Type() != "redis" || got.Name != "cache" {
		t.Errorf("Lookup returned %s/%s", conn.Type(), got.Name)
	}

	health := r.Health(context.Background(), "t1")
	if h := health["cache"]; h == nil || !h.Healthy {
		t.Errorf("Health = %+v", health)
	}
	if names := r.Names("t1"); len(names) != 1 || names[0] != "cache" {
		t.Errorf("Names = %v", names)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  *base.Config
	}{
		{"missing tenant", &base.Config{Name: "c", Type: "redis"}},
		{"missing name", &base.Config{TenantID: "t1", Type: "redis"}},
		{"unknown type", &base.Config{TenantID: "t1", Name: "c", Type: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(ctx, tt.cfg)
			if fault.KindOf(err) != fault.KindValidation {
				t.Errorf("kind = %v, want VALIDATION", fault.KindOf(err))
			}
		})
	}
}

func TestLookupUnregistered(t *testing.T) {
	r := NewRegistry(nil)
	if _, _, err := r.Lookup("t1", "ghost"); fault.KindOf(err) != fault.KindValidation {
		t.Errorf("kind = %v, want VALIDATION", fault.KindOf(err))
	}
}
