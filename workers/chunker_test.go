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
	"testing"

	"axonflow/agentcore/shared/fault"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name    string
		mime    string
		raw     []byte
		wantErr bool
	}{
		{"plain text", "text/plain", []byte("hello"), false},
		{"markdown with charset", "text/markdown; charset=utf-8", []byte("# h"), false},
		{"json", "application/json", []byte(`{"a":1}`), false},
		{"pdf rejected", "application/pdf", []byte("%PDF"), true},
		{"binary rejected", "text/plain", []byte{0xff, 0xfe, 0x00, 0x80}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractText(tt.mime, tt.raw)
			if tt.wantErr {
				if fault.KindOf(err) != fault.KindValidation {
					t.Fatalf("kind = %v, want VALIDATION", fault.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractText: %v", err)
			}
			if got != string(tt.raw) {
				t.Errorf("got %q", got)
			}
		})
	}
}

func TestChunkCoversTextWithOverlap(t *testing.T) {
	words := make([]string, 300)
	for i := range words {
		words[i] = "alpha"
	}
	text := strings.Join(words, " ")

	chunks := Chunk(text, 64, 8)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if EstimateTokens(c) > 64 {
			t.Errorf("chunk %d exceeds size: %d tokens", i, EstimateTokens(c))
		}
		if strings.HasPrefix(c, "lpha") || strings.HasSuffix(c, "alph") {
			t.Errorf("chunk %d split mid-word: %q...%q", i, c[:8], c[len(c)-8:])
		}
	}
	// Every input word appears somewhere.
	joined := strings.Join(chunks, " ")
	if !strings.Contains(joined, "alpha") {
		t.Error("content lost in chunking")
	}
}

func TestChunkEdgeCases(t *testing.T) {
	if got := Chunk("", 64, 8); got != nil {
		t.Errorf("empty text chunked: %v", got)
	}
	if got := Chunk("   \n\t ", 64, 8); got != nil {
		t.Errorf("whitespace chunked: %v", got)
	}
	short := Chunk("short text", 64, 8)
	if len(short) != 1 || short[0] != "short text" {
		t.Errorf("short text = %v", short)
	}
}
