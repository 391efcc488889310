package db

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store used by tests (dev-mode processes use
// BoltStore instead): a mutex-guarded map of collections, each holding its
// documents, located by a linear scan against the filter. It fans out
// change events to subscribers registered via Watch.
type MemStore struct {
	mu          sync.RWMutex
	collections map[string][]map[string]any
	subscribers map[string][]chan ChangeEvent
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		collections: make(map[string][]map[string]any),
		subscribers: make(map[string][]chan ChangeEvent),
	}
}

func (s *MemStore) Collection(name string) Collection {
	return &memCollection{store: s, name: name}
}

func (s *MemStore) Close(context.Context) error { return nil }

// ForApp returns the same store: tests exercise per-app scoping through the
// app_id field on documents, not a separate in-memory database per app.
func (s *MemStore) ForApp(string) Store {
	return s
}

// ProvisionApp and DropApp are no-ops: MemStore has no user/database
// concept to create or remove.
func (s *MemStore) ProvisionApp(context.Context, string, string) error {
	return nil
}

func (s *MemStore) DropApp(context.Context, string) error {
	return nil
}

func (s *MemStore) Watch(ctx context.Context, opts WatchOptions) (<-chan ChangeEvent, func(), error) {
	ch := make(chan ChangeEvent, 16)

	s.mu.Lock()
	s.subscribers[opts.Collection] = append(s.subscribers[opts.Collection], ch)
	s.mu.Unlock()

	filtered := make(chan ChangeEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(filtered)
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if opts.matches(ev) {
					select {
					case filtered <- ev:
					case <-done:
						return
					case <-ctx.Done():
						return
					}
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		close(done)
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subscribers[opts.Collection]
		for i, c := range subs {
			if c == ch {
				s.subscribers[opts.Collection] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}

	return filtered, cancel, nil
}

func (s *MemStore) publish(collection string, ev ChangeEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers[collection] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func matchesFilter(doc, filter map[string]any) bool {
	for k, v := range filter {
		if doc[k] != v {
			return false
		}
	}
	return true
}

type memCollection struct {
	store *MemStore
	name  string
}

func (c *memCollection) InsertOne(_ context.Context, doc map[string]any) error {
	c.store.mu.Lock()
	c.store.collections[c.name] = append(c.store.collections[c.name], cloneDoc(doc))
	c.store.mu.Unlock()

	c.store.publish(c.name, ChangeEvent{Operation: OpInsert, FullDocument: cloneDoc(doc)})
	return nil
}

func (c *memCollection) FindOne(_ context.Context, filter map[string]any) (map[string]any, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	for _, doc := range c.store.collections[c.name] {
		if matchesFilter(doc, filter) {
			return cloneDoc(doc), nil
		}
	}
	return nil, ErrNotFound
}

func (c *memCollection) Find(_ context.Context, filter map[string]any) ([]map[string]any, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	var out []map[string]any
	for _, doc := range c.store.collections[c.name] {
		if matchesFilter(doc, filter) {
			out = append(out, cloneDoc(doc))
		}
	}
	return out, nil
}

func (c *memCollection) UpdateOne(_ context.Context, filter map[string]any, update map[string]any) error {
	set, _ := update["$set"].(map[string]any)

	c.store.mu.Lock()
	docs := c.store.collections[c.name]
	var updated map[string]any
	var updatedFields []string
	for i, doc := range docs {
		if !matchesFilter(doc, filter) {
			continue
		}
		for k, v := range set {
			doc[k] = v
			updatedFields = append(updatedFields, k)
		}
		docs[i] = doc
		updated = cloneDoc(doc)
		break
	}
	c.store.mu.Unlock()

	if updated == nil {
		return ErrNotFound
	}
	c.store.publish(c.name, ChangeEvent{Operation: OpUpdate, FullDocument: updated, UpdatedFields: updatedFields})
	return nil
}

func (c *memCollection) ReplaceOne(_ context.Context, filter map[string]any, doc map[string]any, upsert bool) error {
	c.store.mu.Lock()
	docs := c.store.collections[c.name]
	found := false
	for i, d := range docs {
		if matchesFilter(d, filter) {
			docs[i] = cloneDoc(doc)
			found = true
			break
		}
	}
	if !found {
		if !upsert {
			c.store.mu.Unlock()
			return ErrNotFound
		}
		c.store.collections[c.name] = append(docs, cloneDoc(doc))
	}
	c.store.mu.Unlock()

	c.store.publish(c.name, ChangeEvent{Operation: OpReplace, FullDocument: cloneDoc(doc)})
	return nil
}

func (c *memCollection) DeleteOne(_ context.Context, filter map[string]any) error {
	c.store.mu.Lock()
	docs := c.store.collections[c.name]
	var removed map[string]any
	for i, doc := range docs {
		if matchesFilter(doc, filter) {
			removed = cloneDoc(doc)
			c.store.collections[c.name] = append(docs[:i], docs[i+1:]...)
			break
		}
	}
	c.store.mu.Unlock()

	if removed == nil {
		return ErrNotFound
	}
	c.store.publish(c.name, ChangeEvent{Operation: OpDelete, FullDocument: removed})
	return nil
}
