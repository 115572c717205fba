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

package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"axonflow/agentcore/store"
)

// streamEvent is one line of the NDJSON chat stream. Kind is one of
// token, phase, citations, error, done.
type streamEvent struct {
	Kind      string           `json:"kind"`
	Token     string           `json:"token,omitempty"`
	Phase     string           `json:"phase,omitempty"`
	Citations []store.Citation `json:"citations,omitempty"`
	Error     *errorBody       `json:"error,omitempty"`
	Usage     interface{}      `json:"usage,omitempty"`
}

// streamWriter frames NDJSON events and flushes each line so tokens reach
// the client as they are produced. Writes are serialized; the pipeline's
// progress callback fires from the request goroutine but tests may drive
// it concurrently.
type streamWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	enc     *json.Encoder
}

func newStreamWriter(w http.ResponseWriter) *streamWriter {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	return &streamWriter{w: w, flusher: flusher, enc: json.NewEncoder(w)}
}

func (s *streamWriter) send(ev streamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ev); err != nil {
		return
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *streamWriter) phase(name string) {
	s.send(streamEvent{Kind: "phase", Phase: name})
}

// tokens emits the assistant content in word-bounded frames.
func (s *streamWriter) tokens(content string) {
	for _, word := range strings.SplitAfter(content, " ") {
		if word == "" {
			continue
		}
		s.send(streamEvent{Kind: "token", Token: word})
	}
}

func (s *streamWriter) citations(c []store.Citation) {
	if len(c) > 0 {
		s.send(streamEvent{Kind: "citations", Citations: c})
	}
}

func (s *streamWriter) fail(err error) {
	var body errorBody
	var fe = faultOf(err)
	body.Error.Kind = string(fe.Kind)
	body.Error.Code = fe.Code
	body.Error.Message = fe.Message
	s.send(streamEvent{Kind: "error", Error: &body})
}

func (s *streamWriter) done(usage interface{}) {
	s.send(streamEvent{Kind: "done", Usage: usage})
}
