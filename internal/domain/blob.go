package domain

import (
	"context"
	"io"
)

// ContentTypeJSONL is the content type of archived event batches.
const ContentTypeJSONL = "application/x-ndjson"

// BlobWriter uploads event archive objects. PutMultipart is for bodies too
// large for a single request; partSize is a hint the implementation may raise
// to its own minimum.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}
