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
	"context"

	"axonflow/agentcore/config"
	"axonflow/agentcore/shared/logger"
	"axonflow/agentcore/store"
)

// embedBatchSize bounds one embedding call so a large document cannot
// monopolize the embedding endpoint.
const embedBatchSize = 32

// Embedder is the slice of the model router ingestion needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Ingestor turns pending documents into indexed chunks: extract, chunk,
// embed, persist, then flip the document status.
type Ingestor struct {
	docs     *store.DocumentRepo
	chunks   *store.ChunkRepo
	embedder Embedder
	size     int
	overlap  int
	log      *logger.Logger
}

func NewIngestor(docs *store.DocumentRepo, chunks *store.ChunkRepo, embedder Embedder, cfg config.WorkersConfig) *Ingestor {
	size := cfg.ChunkSizeTokens
	if size <= 0 {
		size = 512
	}
	overlap := cfg.ChunkOverlap
	if overlap < 0 || overlap >= size {
		overlap = size / 8
	}
	return &Ingestor{
		docs:     docs,
		chunks:   chunks,
		embedder: embedder,
		size:     size,
		overlap:  overlap,
		log:      logger.New("ingest"),
	}
}

// ProcessNext claims the oldest pending document and ingests it. Returns
// false when nothing is pending. Processing failures mark the document
// failed and are reported to the caller for logging.
func (i *Ingestor) ProcessNext(ctx context.Context) (bool, error) {
	doc, err := i.docs.NextPending(ctx)
	if err != nil {
		return false, err
	}
	if doc == nil {
		return false, nil
	}

	scope, err := store.NewTenantScope(doc.TenantID)
	if err != nil {
		return true, err
	}
	if err := i.process(ctx, scope, doc); err != nil {
		if serr := i.docs.UpdateStatus(ctx, scope, doc.ID, store.DocFailed); serr != nil {
			i.log.Error(doc.TenantID, "", "cannot mark document failed", map[string]interface{}{
				"document_id": doc.ID, "error": serr.Error(),
			})
		}
		return true, err
	}
	return true, i.docs.UpdateStatus(ctx, scope, doc.ID, store.DocIndexed)
}

func (i *Ingestor) process(ctx context.Context, scope store.TenantScope, doc *store.Document) error {
	raw, err := i.docs.Content(ctx, scope, doc.ID)
	if err != nil {
		return err
	}
	text, err := ExtractText(doc.MimeType, raw)
	if err != nil {
		return err
	}

	pieces := Chunk(text, i.size, i.overlap)
	if len(pieces) == 0 {
		// An empty document indexes as zero chunks.
		return nil
	}

	chunks := make([]*store.DocumentChunk, len(pieces))
	for ord, content := range pieces {
		chunks[ord] = &store.DocumentChunk{
			DocumentID: doc.ID,
			Ordinal:    ord,
			Content:    content,
			TokenCount: EstimateTokens(content),
		}
	}

	for start := 0; start < len(pieces); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(pieces) {
			end = len(pieces)
		}
		vecs, err := i.embedder.Embed(ctx, pieces[start:end])
		if err != nil {
			return err
		}
		for off, v := range vecs {
			chunks[start+off].Embedding = v
		}
	}

	if err := i.chunks.InsertBatch(ctx, scope, chunks); err != nil {
		return err
	}
	i.log.Info(doc.TenantID, "", "document indexed", map[string]interface{}{
		"document_id": doc.ID,
		"filename":    doc.Filename,
		"chunks":      len(chunks),
	})
	return nil
}
