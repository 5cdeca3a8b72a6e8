// Package objstore abstracts the object storage the scheduler polls and
// the ingest workflow reads drop files from. The filesystem implementation
// maps buckets to directories under a root path.
package objstore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Store lists and reads objects. Listing returns keys sorted ascending so
// pollers observe a stable order.
type Store interface {
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// FS is a filesystem-backed object store.
type FS struct {
	Root string
}

// NewFS returns a filesystem store rooted at root.
func NewFS(root string) *FS {
	return &FS{Root: root}
}

// List implements Store.
func (f *FS) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	base := filepath.Join(f.Root, bucket)
	var keys []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(base, path)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: list %s/%s: %w", bucket, prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Get implements Store.
func (f *FS) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(f.Root, bucket, filepath.FromSlash(key))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("objstore: get %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// ParseURI splits a "bucket/key..." or "file://bucket/key" reference into
// bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(uri), "file://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("objstore: invalid object uri %q", uri)
	}
	return parts[0], parts[1], nil
}
