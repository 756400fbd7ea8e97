// Package blob stores pipeline artifacts (story markdown, episode markdown,
// scene images, episode PDFs) under the deterministic key layout both the
// producers and consumers of the pipeline derive identifiers from.
package blob

import "context"

// MIME types used for artifact puts.
const (
	MimeMarkdown = "text/markdown"
	MimePNG      = "image/png"
	MimePDF      = "application/pdf"
)

// Store is the object storage capability used by the pipeline.
// Puts overwrite. GetText on a missing key fails with models.ErrNotFound.
type Store interface {
	PutText(ctx context.Context, key, content, mime string) error
	PutBinary(ctx context.Context, key string, data []byte, mime string) error
	GetText(ctx context.Context, key string) (string, error)
}
