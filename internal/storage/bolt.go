package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	bbolt "go.etcd.io/bbolt"
)

var bucketDocuments = []byte("documents")

// BoltStorage persists documents in a single bbolt bucket keyed by path.
// Query results come back in key order.
type BoltStorage struct {
	bolt *bbolt.DB
	opts options
	hub  *hub
}

// NewBoltStorage opens or creates the database file at path.
func NewBoltStorage(path string, opts ...Option) (*BoltStorage, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocuments)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}

	s := &BoltStorage{bolt: db, opts: buildOptions(opts)}
	s.hub = newHub(s.Query)
	return s, nil
}

func decodeFields(data []byte) (Fields, error) {
	fields := Fields{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func (s *BoltStorage) Get(ctx context.Context, path string) (*Document, error) {
	_, id, err := splitDocumentPath(path)
	if err != nil {
		return nil, err
	}

	var doc *Document
	err = s.bolt.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketDocuments).Get([]byte(path))
		if data == nil {
			return ErrNotFound
		}
		fields, err := decodeFields(data)
		if err != nil {
			return fmt.Errorf("boltstore: decode %s: %w", path, err)
		}
		doc = &Document{Path: path, ID: id, Fields: fields}
		return nil
	})
	return doc, err
}

func (s *BoltStorage) Query(ctx context.Context, collection string, q Query) ([]*Document, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	q, err := q.normalized()
	if err != nil {
		return nil, err
	}

	prefix := []byte(collection + "/")
	var docs []*Document
	err = s.bolt.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketDocuments).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			id := k[len(prefix):]
			// documents of nested collections share the prefix
			if bytes.IndexByte(id, '/') >= 0 {
				continue
			}
			fields, err := decodeFields(v)
			if err != nil {
				return fmt.Errorf("boltstore: decode %s: %w", k, err)
			}
			docs = append(docs, &Document{Path: string(k), ID: string(id), Fields: fields})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q.apply(docs), nil
}

// write runs fn against the current fields of path (nil when missing) and stores the result.
func (s *BoltStorage) write(path string, fn func(current Fields, exists bool) (Fields, error)) error {
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		var current Fields
		data := b.Get([]byte(path))
		if data != nil {
			var err error
			if current, err = decodeFields(data); err != nil {
				return fmt.Errorf("boltstore: decode %s: %w", path, err)
			}
		}
		next, err := fn(current, data != nil)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("boltstore: encode %s: %w", path, err)
		}
		return b.Put([]byte(path), encoded)
	})
	if err != nil {
		return err
	}
	s.hub.notify(path)
	return nil
}

func (s *BoltStorage) Set(ctx context.Context, path string, fields Fields, mergeFields bool) error {
	if _, _, err := splitDocumentPath(path); err != nil {
		return err
	}
	normalized, err := normalize(fields, s.opts.clock().UnixMilli())
	if err != nil {
		return err
	}
	return s.write(path, func(current Fields, exists bool) (Fields, error) {
		if exists && mergeFields {
			return merge(current, normalized), nil
		}
		return normalized, nil
	})
}

func (s *BoltStorage) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	if err := validateCollection(collection); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := s.Set(ctx, Join(collection, id), fields, false); err != nil {
		return "", err
	}
	return id, nil
}

func (s *BoltStorage) Update(ctx context.Context, path string, fields Fields) error {
	if _, _, err := splitDocumentPath(path); err != nil {
		return err
	}
	normalized, err := normalize(fields, s.opts.clock().UnixMilli())
	if err != nil {
		return err
	}
	return s.write(path, func(current Fields, exists bool) (Fields, error) {
		if !exists {
			return nil, ErrNotFound
		}
		return merge(current, normalized), nil
	})
}

func (s *BoltStorage) DeleteField(ctx context.Context, path, field string) error {
	if _, _, err := splitDocumentPath(path); err != nil {
		return err
	}
	return s.write(path, func(current Fields, exists bool) (Fields, error) {
		if !exists {
			return nil, ErrNotFound
		}
		delete(current, field)
		return current, nil
	})
}

func (s *BoltStorage) Delete(ctx context.Context, path string) error {
	if _, _, err := splitDocumentPath(path); err != nil {
		return err
	}
	existed := false
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		existed = b.Get([]byte(path)) != nil
		return b.Delete([]byte(path))
	})
	if err != nil {
		return fmt.Errorf("boltstore: delete %s: %w", path, err)
	}
	if existed {
		s.hub.notify(path)
	}
	return nil
}

func (s *BoltStorage) Subscribe(ctx context.Context, collection string, q Query) (*Subscription, error) {
	return s.hub.subscribe(ctx, collection, q)
}

func (s *BoltStorage) Close() error {
	s.hub.closeAll()
	if s.bolt != nil {
		return s.bolt.Close()
	}
	return nil
}
