package sink

import (
	"context"
	"fmt"
	"path"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/metascan/metascan/internal/meta"
)

// BleveSink indexes records into a local bleve search index. Documents
// are keyed by full path, so re-delivered batches overwrite rather than
// duplicate (at-least-once stays idempotent downstream).
type BleveSink struct {
	idx bleve.Index
}

// NewBleveSink opens the index at indexPath, creating it when absent.
func NewBleveSink(indexPath string) (*BleveSink, error) {
	idx, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(indexPath, buildIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", indexPath, err)
	}
	return &BleveSink{idx: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	m := bleve.NewIndexMapping()
	m.DefaultAnalyzer = standard.Name

	doc := bleve.NewDocumentMapping()
	name := bleve.NewTextFieldMapping()
	doc.AddFieldMappingsAt("file_name", name)

	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name
	doc.AddFieldMappingsAt("file_path", keywordField)
	doc.AddFieldMappingsAt("file_type", keywordField)
	doc.AddFieldMappingsAt("file_ext", keywordField)
	doc.AddFieldMappingsAt("scan_id", keywordField)

	size := bleve.NewNumericFieldMapping()
	doc.AddFieldMappingsAt("size", size)
	doc.AddFieldMappingsAt("size_physical", size)
	doc.AddFieldMappingsAt("mtime", size)
	doc.AddFieldMappingsAt("atime", size)

	m.DefaultMapping = doc
	return m
}

// Send implements Sink.
func (b *BleveSink) Send(ctx context.Context, recs []meta.Record) error {
	return b.index(ctx, recs)
}

// SendDirs implements Sink.
func (b *BleveSink) SendDirs(ctx context.Context, recs []meta.Record) error {
	return b.index(ctx, recs)
}

func (b *BleveSink) index(ctx context.Context, recs []meta.Record) error {
	batch := b.idx.NewBatch()
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := batch.Index(docID(rec), map[string]any(rec)); err != nil {
			return fmt.Errorf("index %s: %w", docID(rec), err)
		}
	}
	if err := b.idx.Batch(batch); err != nil {
		return fmt.Errorf("index batch of %d: %w", len(recs), err)
	}
	return nil
}

// Flush implements Sink. Bleve persists per batch; nothing buffered.
func (b *BleveSink) Flush(ctx context.Context) error {
	return nil
}

// Close implements Sink.
func (b *BleveSink) Close() error {
	return b.idx.Close()
}

// DocCount returns the number of indexed documents.
func (b *BleveSink) DocCount() (uint64, error) {
	return b.idx.DocCount()
}

func docID(rec meta.Record) string {
	dir, _ := rec["file_path"].(string)
	name, _ := rec["file_name"].(string)
	return path.Join(dir, name)
}
