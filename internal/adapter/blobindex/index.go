package blobindex

import (
	"context"
	"fmt"
	"math/bits"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/vertextoedge/relayget/internal/domain"
	"github.com/vertextoedge/relayget/internal/port"
)

// KeyPrefix is prepended to every object key
const KeyPrefix = "relayget"

// DefaultTimeout bounds each bucket operation
const DefaultTimeout = 30 * time.Second

// Ensure Index implements port.IndexStorage
var _ port.IndexStorage = (*Index)(nil)

// OpenBucket opens the bucket at urlstr (file://, mem://, s3://)
func OpenBucket(ctx context.Context, urlstr string) (*blob.Bucket, error) {
	bkt, err := blob.OpenBucket(ctx, urlstr)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", urlstr, err)
	}
	return bkt, nil
}

// Index is one download's packed sheet index stored as a single object
type Index struct {
	bucket     *blob.Bucket
	key        string
	sheetCount int64
	timeout    time.Duration
}

// New returns the index for savePath in bucket
func New(bucket *blob.Bucket, savePath string, sheetCount int64) *Index {
	return &Index{
		bucket:     bucket,
		key:        KeyFor(savePath),
		sheetCount: sheetCount,
		timeout:    DefaultTimeout,
	}
}

// KeyFor maps a save path to its object key
func KeyFor(savePath string) string {
	p := strings.TrimLeft(filepath.ToSlash(filepath.Clean(savePath)), "/")
	p = strings.ReplaceAll(p, ":", "")
	return path.Join(KeyPrefix, p) + ".index"
}

// Key returns the object key
func (i *Index) Key() string {
	return i.key
}

func (i *Index) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), i.timeout)
}

// GetData reads the packed index object
func (i *Index) GetData() ([]byte, error) {
	ctx, cancel := i.context()
	defer cancel()

	data, err := i.bucket.ReadAll(ctx, i.key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("no index at %s: %w", i.key, domain.ErrJobNotExists)
		}
		return nil, fmt.Errorf("failed to read index %s: %w", i.key, err)
	}
	return data, nil
}

// SetData replaces the packed index object
func (i *Index) SetData(data []byte) error {
	if want := domain.PackedIndexLen(i.sheetCount); int64(len(data)) != want {
		return fmt.Errorf("index %s: got %d bytes, want %d: %w", i.key, len(data), want, domain.ErrCorruptIndex)
	}

	ctx, cancel := i.context()
	defer cancel()

	opts := &blob.WriterOptions{
		ContentType: "application/octet-stream",
		Metadata: map[string]string{
			"sheet-count": fmt.Sprint(i.sheetCount),
			"done-sheets": fmt.Sprint(countBits(data)),
		},
	}
	if err := i.bucket.WriteAll(ctx, i.key, data, opts); err != nil {
		return fmt.Errorf("failed to write index %s: %w", i.key, err)
	}
	return nil
}

// IsValid reports whether the index object exists
func (i *Index) IsValid() bool {
	ctx, cancel := i.context()
	defer cancel()

	ok, err := i.bucket.Exists(ctx, i.key)
	return err == nil && ok
}

// Identifier returns the object key
func (i *Index) Identifier() string {
	return "blob:" + i.key
}

// Delete removes the index object. A missing object is not an error.
func (i *Index) Delete() error {
	ctx, cancel := i.context()
	defer cancel()

	if err := i.bucket.Delete(ctx, i.key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("failed to delete index %s: %w", i.key, err)
	}
	return nil
}

func countBits(data []byte) int {
	n := 0
	for _, b := range data {
		n += bits.OnesCount8(b)
	}
	return n
}
