// Package pkgstore keeps function code packages in a blob bucket under
// <tag>/<name>/<version>/package. The presence of a version's package is
// the record that the version exists.
package pkgstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/seantiz/funclite/internal/model"
)

const (
	packageFile = "package"
	latestFile  = "LATEST"
	delimiter   = "/"
)

// ErrNotFound is returned when a package does not exist.
var ErrNotFound = errors.New("package not found")

// Store reads and writes packages in a bucket.
type Store struct {
	bucket *blob.Bucket
}

// Open opens the bucket at url. For file:// URLs the directory is created
// if it does not exist yet.
func Open(ctx context.Context, url string) (*Store, error) {
	if dir, ok := strings.CutPrefix(url, "file://"); ok {
		if i := strings.IndexByte(dir, '?'); i >= 0 {
			dir = dir[:i]
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create package directory: %w", err)
		}
	}

	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open package bucket: %w", err)
	}
	return New(bucket), nil
}

// New wraps an already opened bucket.
func New(bucket *blob.Bucket) *Store {
	return &Store{bucket: bucket}
}

// Close closes the bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}

// Key returns the blob key of one version's package.
func Key(tag model.Tag, name string, version int) string {
	return versionPrefix(tag, name, version) + packageFile
}

func functionPrefix(tag model.Tag, name string) string {
	return string(tag) + delimiter + name + delimiter
}

func versionPrefix(tag model.Tag, name string, version int) string {
	return functionPrefix(tag, name) + strconv.Itoa(version) + delimiter
}

// Put stores data as the package of a version and returns its key.
func (s *Store) Put(ctx context.Context, tag model.Tag, name string, version int, data []byte) (string, error) {
	key := Key(tag, name, version)
	if err := s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/octet-stream"}); err != nil {
		return "", fmt.Errorf("write package %s: %w", key, err)
	}
	return key, nil
}

// Get reads the package stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read package %s: %w", key, err)
	}
	return data, nil
}

// DeleteVersion removes everything stored for one version.
func (s *Store) DeleteVersion(ctx context.Context, tag model.Tag, name string, version int) error {
	return s.deletePrefix(ctx, versionPrefix(tag, name, version))
}

// DeleteFunction removes every version of a function and its marker.
func (s *Store) DeleteFunction(ctx context.Context, tag model.Tag, name string) error {
	return s.deletePrefix(ctx, functionPrefix(tag, name))
}

func (s *Store) deletePrefix(ctx context.Context, prefix string) error {
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	var keys []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		keys = append(keys, obj.Key)
	}

	for _, key := range keys {
		if err := s.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// children lists the immediate sub-directory names below prefix.
func (s *Store) children(ctx context.Context, prefix string) ([]string, error) {
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix, Delimiter: delimiter})
	var names []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", prefix, err)
		}
		if !obj.IsDir {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(obj.Key, prefix), delimiter)
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// Functions returns the stored function names grouped by tag. Directories
// that do not name a known tag are skipped.
func (s *Store) Functions(ctx context.Context) (map[model.Tag][]string, error) {
	tags, err := s.children(ctx, "")
	if err != nil {
		return nil, err
	}

	out := make(map[model.Tag][]string)
	for _, dir := range tags {
		tag, err := model.ParseTag(dir)
		if err != nil || string(tag) != dir {
			continue
		}
		names, err := s.children(ctx, dir+delimiter)
		if err != nil {
			return nil, err
		}
		slices.Sort(names)
		out[tag] = names
	}
	return out, nil
}

// Versions returns the version numbers stored for a function in ascending
// order. Non-numeric directories are ignored.
func (s *Store) Versions(ctx context.Context, tag model.Tag, name string) ([]int, error) {
	dirs, err := s.children(ctx, functionPrefix(tag, name))
	if err != nil {
		return nil, err
	}

	var versions []int
	for _, dir := range dirs {
		v, err := strconv.Atoi(dir)
		if err != nil || v < 1 {
			continue
		}
		versions = append(versions, v)
	}
	slices.Sort(versions)
	return versions, nil
}

// ReadLatest returns the highest version number ever issued for a function,
// or 0 if none was recorded.
func (s *Store) ReadLatest(ctx context.Context, tag model.Tag, name string) (int, error) {
	key := functionPrefix(tag, name) + latestFile
	data, err := s.bucket.ReadAll(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

// WriteLatest records the highest version number issued for a function.
func (s *Store) WriteLatest(ctx context.Context, tag model.Tag, name string, version int) error {
	key := functionPrefix(tag, name) + latestFile
	if err := s.bucket.WriteAll(ctx, key, []byte(strconv.Itoa(version)), nil); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
