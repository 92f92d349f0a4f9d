package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "golang.org/x/image/webp"

	"github.com/rl1809/farmigo/internal/core/domain"
	"github.com/rl1809/farmigo/internal/port"
)

const (
	maxImageBytes     int64 = 5 * 1024 * 1024
	maxImageDimension       = 1200
)

var imageExtensions = map[string]string{
	".png":  ".png",
	".jpg":  ".jpg",
	".jpeg": ".jpg",
	".webp": ".png", // imaging cannot encode webp
}

// LocalImageStore writes listing images to a directory served under
// urlPrefix. Images are re-encoded, so EXIF data does not survive.
type LocalImageStore struct {
	dir       string
	urlPrefix string
}

func NewLocalImageStore(dir, urlPrefix string) (*LocalImageStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create upload dir %s", dir)
	}
	return &LocalImageStore{dir: dir, urlPrefix: strings.TrimRight(urlPrefix, "/")}, nil
}

func (s *LocalImageStore) SaveImage(ctx context.Context, filename string, r io.Reader) (string, error) {
	ext, ok := imageExtensions[strings.ToLower(filepath.Ext(filename))]
	if !ok {
		return "", errors.Wrapf(domain.ErrInvalidInput, "unsupported image type %q", filepath.Ext(filename))
	}

	lr := &io.LimitedReader{R: r, N: maxImageBytes + 1}
	img, err := imaging.Decode(lr, imaging.AutoOrientation(true))
	if lr.N <= 0 {
		return "", errors.Wrap(domain.ErrInvalidInput, "image exceeds 5MB limit")
	}
	if err != nil {
		return "", errors.Wrap(domain.ErrInvalidInput, "image could not be decoded")
	}

	b := img.Bounds()
	if b.Dx() > maxImageDimension || b.Dy() > maxImageDimension {
		img = imaging.Fit(img, maxImageDimension, maxImageDimension, imaging.Lanczos)
	}

	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(domain.ErrTimeout, err.Error())
	}

	name := uuid.NewString() + ext
	if err := imaging.Save(img, filepath.Join(s.dir, name)); err != nil {
		return "", errors.Wrapf(domain.ErrStorageFailure, "save image: %v", err)
	}
	return s.urlPrefix + "/" + name, nil
}

var _ port.ImageStore = (*LocalImageStore)(nil)
