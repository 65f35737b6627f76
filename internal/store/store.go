// Package store moves model containers to and from artifact stores: a local
// directory, MinIO or S3. Objects are immutable; a Put replaces the object.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is a flat namespace of immutable objects.
type Store interface {
	// Put writes the object name from r. size is -1 when unknown.
	Put(ctx context.Context, name string, r io.Reader, size int64) error
	// Get opens the object name. The caller closes the reader.
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
	// List returns the sorted names starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Schemes.
const (
	SchemeFile  = "file"
	SchemeMinio = "minio"
	SchemeS3    = "s3"
)

// Location is a parsed store URI: file:///dir, minio://host:port/bucket/prefix
// or s3://bucket/prefix. A URI without a scheme is a local directory.
type Location struct {
	Scheme string
	// Host is the MinIO endpoint.
	Host   string
	Bucket string
	// Prefix is prepended to object names. For file locations it is the directory.
	Prefix string
}

// ParseLocation parses a store URI.
func ParseLocation(uri string) (Location, error) {
	if !strings.Contains(uri, "://") {
		if uri == "" {
			return Location{}, fmt.Errorf("empty store location")
		}
		return Location{Scheme: SchemeFile, Prefix: uri}, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return Location{}, fmt.Errorf("invalid store location %q: %w", uri, err)
	}
	p := strings.Trim(u.Path, "/")
	switch u.Scheme {
	case SchemeFile:
		return Location{Scheme: SchemeFile, Prefix: u.Path}, nil
	case SchemeS3:
		if u.Host == "" {
			return Location{}, fmt.Errorf("store location %q has no bucket", uri)
		}
		return Location{Scheme: SchemeS3, Bucket: u.Host, Prefix: p}, nil
	case SchemeMinio:
		bucket, prefix, _ := strings.Cut(p, "/")
		if u.Host == "" || bucket == "" {
			return Location{}, fmt.Errorf("store location %q needs a host and a bucket", uri)
		}
		return Location{Scheme: SchemeMinio, Host: u.Host, Bucket: bucket, Prefix: prefix}, nil
	default:
		return Location{}, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}

// Key joins prefix and name into an object key.
func Key(prefix, name string) string {
	return path.Join(prefix, name)
}

// TrimKey strips prefix from an object key.
func TrimKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
}

// PutFile uploads the file at src as name.
func PutFile(ctx context.Context, s Store, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return s.Put(ctx, name, f, info.Size())
}

// GetFile downloads name to dst. dst is only replaced once the download
// completes.
func GetFile(ctx context.Context, s Store, name, dst string) (err error) {
	r, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, r.Close()) }()
	return writeAtomic(dst, r)
}
