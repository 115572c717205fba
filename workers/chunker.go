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

package workers

import (
	"strings"
	"unicode/utf8"

	"axonflow/agentcore/shared/fault"
)

// EstimateTokens approximates the token count of a text at roughly four
// characters per token, which tracks English prose closely enough for
// chunk sizing and budget estimates.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// ExtractText turns an uploaded payload into indexable text. Only textual
// mime types are supported; binary formats fail ingestion with VALIDATION.
func ExtractText(mimeType string, raw []byte) (string, error) {
	base := mimeType
	if i := strings.Index(base, ";"); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(strings.ToLower(base))

	switch {
	case strings.HasPrefix(base, "text/"):
	case base == "application/json",
		base == "application/xml",
		base == "application/x-ndjson",
		base == "application/markdown":
	default:
		return "", fault.Validation("mime_unsupported", "mime_type",
			"cannot extract text from "+base)
	}

	if !utf8.Valid(raw) {
		return "", fault.Validation("content_not_utf8", "content",
			"document content is not valid UTF-8")
	}
	return string(raw), nil
}

// Chunk splits text into windows of roughly sizeTokens tokens with
// overlapTokens of trailing context carried into the next window. Windows
// prefer to break at whitespace so words stay whole.
func Chunk(text string, sizeTokens, overlapTokens int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	window := sizeTokens * 4
	overlap := overlapTokens * 4
	if window <= 0 {
		return []string{text}
	}
	if overlap >= window {
		overlap = window / 2
	}

	var chunks []string
	for start := 0; start < len(text); {
		end := start + window
		if end >= len(text) {
			chunk := strings.TrimSpace(text[start:])
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			break
		}
		// Pull the cut back to the nearest whitespace, within reason.
		cut := end
		for cut > start+window/2 && !isSpace(text[cut]) {
			cut--
		}
		if cut == start+window/2 {
			cut = end
		}
		chunk := strings.TrimSpace(text[start:cut])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		next := cut - overlap
		if next <= start {
			next = cut
		}
		// Snap forward to a word start so overlapped chunks never open
		// mid-word.
		for next > 0 && next < len(text) && !isSpace(text[next-1]) {
			next++
		}
		start = next
	}
	return chunks
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}
