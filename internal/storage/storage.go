package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("storage: document not found")

// Fields is the content of a document. Stored values are normalized to JSON types:
// numbers become float64, structs become map[string]any.
type Fields map[string]any

type serverTimestamp struct{}

// ServerTimestamp can be used as a field value on any write; the store replaces it
// with its own clock reading in Unix milliseconds.
var ServerTimestamp = serverTimestamp{}

// Storage is a hierarchical document store. Paths alternate collection and document
// segments: "channels/general" is a document, "channels/general/onlineUsers" a collection.
type Storage interface {
	Get(ctx context.Context, path string) (*Document, error)
	Query(ctx context.Context, collection string, q Query) ([]*Document, error)
	// Set writes a document. With merge the given fields are merged into the
	// existing top-level fields, otherwise the document is replaced.
	Set(ctx context.Context, path string, fields Fields, merge bool) error
	// Add creates a document with a generated id in the collection.
	Add(ctx context.Context, collection string, fields Fields) (string, error)
	// Update merges fields into an existing document and returns ErrNotFound if it is missing.
	Update(ctx context.Context, path string, fields Fields) error
	DeleteField(ctx context.Context, path, field string) error
	// Delete removes a document; deleting a missing document is not an error.
	Delete(ctx context.Context, path string) error
	// Subscribe delivers the full query result now and after every change to the collection.
	Subscribe(ctx context.Context, collection string, q Query) (*Subscription, error)
	Close() error
}

// Option configures a storage backend.
type Option func(*options)

type options struct {
	clock func() time.Time
}

// WithClock overrides the clock used to resolve ServerTimestamp.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Join builds a path from its segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// splitDocumentPath returns the parent collection and id of a document path.
func splitDocumentPath(path string) (string, string, error) {
	segments := strings.Split(path, "/")
	if len(segments) < 2 || len(segments)%2 != 0 {
		return "", "", fmt.Errorf("storage: invalid document path %q", path)
	}
	for _, s := range segments {
		if s == "" {
			return "", "", fmt.Errorf("storage: empty segment in path %q", path)
		}
	}
	i := strings.LastIndex(path, "/")
	return path[:i], path[i+1:], nil
}

func validateCollection(collection string) error {
	segments := strings.Split(collection, "/")
	if len(segments)%2 != 1 {
		return fmt.Errorf("storage: invalid collection path %q", collection)
	}
	for _, s := range segments {
		if s == "" {
			return fmt.Errorf("storage: empty segment in collection %q", collection)
		}
	}
	return nil
}
