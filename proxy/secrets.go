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
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"axonflow/agentcore/shared/fault"
	"axonflow/agentcore/shared/logger"
)

// secretPrefix marks credential values that name a secret instead of
// carrying one.
const secretPrefix = "secretsmanager:"

// SecretSource resolves a named secret to its key-value payload.
type SecretSource interface {
	Resolve(ctx context.Context, name string) (map[string]string, error)
}

// AWSSecrets resolves secrets through AWS Secrets Manager with a TTL
// cache so connector reconnects do not hammer the API.
type AWSSecrets struct {
	client *secretsmanager.Client
	ttl    time.Duration
	mu     sync.RWMutex
	cache  map[string]secretEntry
	log    *logger.Logger
}

type secretEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// NewAWSSecrets builds the resolver. A non-positive ttl defaults to five
// minutes.
func NewAWSSecrets(ctx context.Context, region string, ttl time.Duration) (*AWSSecrets, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fault.Internal("secrets_aws_config", err)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AWSSecrets{
		client: secretsmanager.NewFromConfig(cfg),
		ttl:    ttl,
		cache:  make(map[string]secretEntry),
		log:    logger.New("secrets"),
	}, nil
}

// Resolve fetches one secret. JSON payloads decode to a key-value map;
// plain strings land under the "value" key.
func (s *AWSSecrets) Resolve(ctx context.Context, name string) (map[string]string, error) {
	s.mu.RLock()
	entry, ok := s.cache[name]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return nil, fault.Upstream("secret_fetch_failed",
			"secrets manager lookup failed for "+maskSecretName(name), true, err)
	}
	if out.SecretString == nil {
		return nil, fault.Upstream("secret_not_string",
			"secret "+maskSecretName(name)+" carries no string payload", false, nil)
	}

	var value map[string]string
	if err := json.Unmarshal([]byte(*out.SecretString), &value); err != nil {
		value = map[string]string{"value": *out.SecretString}
	}

	s.mu.Lock()
	s.cache[name] = secretEntry{value: value, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return value, nil
}

// Invalidate drops one cached secret, forcing a refetch.
func (s *AWSSecrets) Invalidate(name string) {
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
}

// resolveCredentials replaces secretsmanager: references in a credential
// map with resolved values. A reference resolves to the payload entry
// matching the credential key, falling back to "value" for plain secrets.
func resolveCredentials(ctx context.Context, src SecretSource, creds map[string]string) (map[string]string, error) {
	if len(creds) == 0 {
		return creds, nil
	}
	out := make(map[string]string, len(creds))
	for k, v := range creds {
		if !strings.HasPrefix(v, secretPrefix) {
			out[k] = v
			continue
		}
		if src == nil {
			return nil, fault.Validation("secret_source_missing", k,
				"credential references a secret but no secret source is configured")
		}
		name := strings.TrimPrefix(v, secretPrefix)
		payload, err := src.Resolve(ctx, name)
		if err != nil {
			return nil, err
		}
		if resolved, ok := payload[k]; ok {
			out[k] = resolved
		} else if resolved, ok := payload["value"]; ok {
			out[k] = resolved
		} else {
			return nil, fault.Validation("secret_key_missing", k,
				"secret "+maskSecretName(name)+" has no entry for this credential")
		}
	}
	return out, nil
}

// maskSecretName keeps only a recognizable tail for logs and errors.
func maskSecretName(name string) string {
	if len(name) <= 8 {
		return "***"
	}
	return "***" + name[len(name)-8:]
}
