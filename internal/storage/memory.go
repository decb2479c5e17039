package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type memoryDocument struct {
	fields Fields
	seq    uint64
}

// MemoryStorage keeps documents in a map. Query results come back in insertion order.
type MemoryStorage struct {
	mu   sync.RWMutex
	docs map[string]*memoryDocument
	seq  uint64

	opts options
	hub  *hub
}

func NewMemoryStorage(opts ...Option) *MemoryStorage {
	s := &MemoryStorage{
		docs: make(map[string]*memoryDocument),
		opts: buildOptions(opts),
	}
	s.hub = newHub(s.Query)
	return s
}

func (s *MemoryStorage) Get(ctx context.Context, path string) (*Document, error) {
	_, id, err := splitDocumentPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, exists := s.docs[path]
	if !exists {
		return nil, ErrNotFound
	}
	return &Document{Path: path, ID: id, Fields: cloneFields(doc.fields)}, nil
}

func (s *MemoryStorage) Query(ctx context.Context, collection string, q Query) ([]*Document, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	q, err := q.normalized()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	type entry struct {
		doc *Document
		seq uint64
	}
	var entries []entry
	for path, doc := range s.docs {
		parent, id, err := splitDocumentPath(path)
		if err != nil || parent != collection {
			continue
		}
		entries = append(entries, entry{
			doc: &Document{Path: path, ID: id, Fields: cloneFields(doc.fields)},
			seq: doc.seq,
		})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	docs := make([]*Document, len(entries))
	for i, e := range entries {
		docs[i] = e.doc
	}
	return q.apply(docs), nil
}

func (s *MemoryStorage) Set(ctx context.Context, path string, fields Fields, mergeFields bool) error {
	if _, _, err := splitDocumentPath(path); err != nil {
		return err
	}
	normalized, err := normalize(fields, s.opts.clock().UnixMilli())
	if err != nil {
		return err
	}

	s.mu.Lock()
	existing, exists := s.docs[path]
	switch {
	case exists && mergeFields:
		existing.fields = merge(existing.fields, normalized)
	case exists:
		existing.fields = normalized
	default:
		s.seq++
		s.docs[path] = &memoryDocument{fields: normalized, seq: s.seq}
	}
	s.mu.Unlock()

	s.hub.notify(path)
	return nil
}

func (s *MemoryStorage) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	if err := validateCollection(collection); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := s.Set(ctx, Join(collection, id), fields, false); err != nil {
		return "", err
	}
	return id, nil
}

func (s *MemoryStorage) Update(ctx context.Context, path string, fields Fields) error {
	if _, _, err := splitDocumentPath(path); err != nil {
		return err
	}
	normalized, err := normalize(fields, s.opts.clock().UnixMilli())
	if err != nil {
		return err
	}

	s.mu.Lock()
	existing, exists := s.docs[path]
	if !exists {
		s.mu.Unlock()
		return ErrNotFound
	}
	existing.fields = merge(existing.fields, normalized)
	s.mu.Unlock()

	s.hub.notify(path)
	return nil
}

func (s *MemoryStorage) DeleteField(ctx context.Context, path, field string) error {
	if _, _, err := splitDocumentPath(path); err != nil {
		return err
	}

	s.mu.Lock()
	existing, exists := s.docs[path]
	if !exists {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(existing.fields, field)
	s.mu.Unlock()

	s.hub.notify(path)
	return nil
}

func (s *MemoryStorage) Delete(ctx context.Context, path string) error {
	if _, _, err := splitDocumentPath(path); err != nil {
		return err
	}

	s.mu.Lock()
	_, exists := s.docs[path]
	delete(s.docs, path)
	s.mu.Unlock()

	if exists {
		s.hub.notify(path)
	}
	return nil
}

func (s *MemoryStorage) Subscribe(ctx context.Context, collection string, q Query) (*Subscription, error) {
	return s.hub.subscribe(ctx, collection, q)
}

func (s *MemoryStorage) Close() error {
	s.hub.closeAll()
	return nil
}
