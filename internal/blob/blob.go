// Package blob defines the file storage contract and the pipeline's
// object naming convention.
package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// ErrNotFound is returned when a requested object does not exist.
var ErrNotFound = errors.New("blob: not found")

// Store persists downloaded source documents. Implementations must
// guarantee read-after-complete-write: a concurrent reader never observes
// a partially written object.
type Store interface {
	// PutObject writes data under key and returns the store URI.
	PutObject(ctx context.Context, key string, contentType string, data []byte) (string, error)
	// GetObject reads the object back.
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// Key builds the canonical object key for a source document:
// {slug}/{slug}-{dataClass}-{year}.{ext}.
func Key(slug string, class tariff.DataClass, year int, fileType tariff.FileType) string {
	return fmt.Sprintf("%s/%s-%s-%d.%s", slug, slug, class, year, fileType.Ext())
}
