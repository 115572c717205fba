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
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"axonflow/agentcore/connectors/base"
)

// cacheKey derives the cache key from everything that scopes a read:
// tenant first so eviction and lookup never cross tenants.
func cacheKey(tenantID, connector, operation, principalID string, filters map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(connector))
	h.Write([]byte{0})
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write([]byte(principalID))
	h.Write([]byte{0})
	if len(filters) > 0 {
		// json.Marshal emits map keys sorted, so the hash is stable.
		raw, _ := json.Marshal(filters)
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	key      string
	tenantID string
	result   *base.QueryResult
	storedAt time.Time
	ttl      time.Duration
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.After(e.storedAt.Add(e.ttl))
}

// resultCache is the tenant-isolated LRU with per-entry wall-clock TTL.
// A hit returns a shallow copy annotated with the storage time so callers
// can judge freshness.
type resultCache struct {
	mu         sync.Mutex
	maxEntries int
	defaultTTL time.Duration
	entries    map[string]*list.Element
	order      *list.List // front = most recent
	perTenant  map[string]int
}

func newResultCache(maxEntries int, defaultTTL time.Duration) *resultCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &resultCache{
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		perTenant:  make(map[string]int),
	}
}

func (c *resultCache) get(key string) (*base.QueryResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if entry.expired(time.Now()) {
		c.removeLocked(el)
		return nil, false
	}
	c.order.MoveToFront(el)

	out := *entry.result
	out.Cached = true
	out.CachedAt = entry.storedAt
	return &out, true
}

// put stores a result. A ttl of zero uses the cache default.
func (c *resultCache) put(key, tenantID string, res *base.QueryResult, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
	entry := &cacheEntry{
		key:      key,
		tenantID: tenantID,
		result:   res,
		storedAt: time.Now(),
		ttl:      ttl,
	}
	c.entries[key] = c.order.PushFront(entry)
	c.perTenant[tenantID]++

	for c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
}

// invalidateTenant drops every entry for one tenant.
func (c *resultCache) invalidateTenant(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next *list.Element
	for el := c.order.Front(); el != nil; el = next {
		next = el.Next()
		if el.Value.(*cacheEntry).tenantID == tenantID {
			c.removeLocked(el)
		}
	}
}

func (c *resultCache) tenantCount(tenantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perTenant[tenantID]
}

func (c *resultCache) removeLocked(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.entries, entry.key)
	if n := c.perTenant[entry.tenantID]; n <= 1 {
		delete(c.perTenant, entry.tenantID)
	} else {
		c.perTenant[entry.tenantID] = n - 1
	}
}
