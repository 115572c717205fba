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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"axonflow/agentcore/shared/fault"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "chunk size below minimum",
			mutate:  func(c *Config) { c.Workers.ChunkSizeTokens = 32 },
			wantErr: true,
		},
		{
			name:    "chunk overlap equals chunk size",
			mutate:  func(c *Config) { c.Workers.ChunkSizeTokens = 256; c.Workers.ChunkOverlap = 256 },
			wantErr: true,
		},
		{
			name:    "vector_top_k zero is allowed",
			mutate:  func(c *Config) { c.Retrieval.VectorTopK = 0 },
			wantErr: false,
		},
		{
			name:    "vector_top_k above cap",
			mutate:  func(c *Config) { c.Retrieval.VectorTopK = 21 },
			wantErr: true,
		},
		{
			name:    "worker concurrency above cap",
			mutate:  func(c *Config) { c.Workers.Concurrency = 64 },
			wantErr: true,
		},
		{
			name:    "semantic weight above one",
			mutate:  func(c *Config) { c.Retrieval.SemanticWeight = 1.5 },
			wantErr: true,
		},
		{
			name:    "embedding dimensions zero",
			mutate:  func(c *Config) { c.Models.EmbeddingDimensions = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && fault.KindOf(err) != fault.KindValidation {
				t.Errorf("Validate() kind = %v, want VALIDATION", fault.KindOf(err))
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  listen_addr: ":9999"
retrieval:
  vector_top_k: 7
  final_k: 3
workers:
  chunk_size_tokens: 128
  chunk_overlap_tokens: 16
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999", cfg.Server.ListenAddr)
	}
	if cfg.Retrieval.VectorTopK != 7 {
		t.Errorf("VectorTopK = %d, want 7", cfg.Retrieval.VectorTopK)
	}
	if cfg.Workers.ChunkSizeTokens != 128 {
		t.Errorf("ChunkSizeTokens = %d, want 128", cfg.Workers.ChunkSizeTokens)
	}
	// Untouched fields keep defaults.
	if cfg.Retrieval.RRFSmoothing != 60 {
		t.Errorf("RRFSmoothing = %d, want default 60", cfg.Retrieval.RRFSmoothing)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":7070")
	t.Setenv("EMBEDDING_DIMENSIONS", "1536")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want :7070", cfg.Server.ListenAddr)
	}
	if cfg.Models.EmbeddingDimensions != 1536 {
		t.Errorf("EmbeddingDimensions = %d, want 1536", cfg.Models.EmbeddingDimensions)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() accepted malformed YAML")
	}
}
