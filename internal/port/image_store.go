package port

import (
	"context"
	"io"
)

type ImageStore interface {
	// SaveImage stores the upload and returns its public URL.
	SaveImage(ctx context.Context, filename string, r io.Reader) (string, error)
}
