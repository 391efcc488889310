package db

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// BoltStore is a single-process, file-backed Store used in dev mode
// (HYAC_DEV_MODE for the controller, DEV_MODE for the runtime) when no
// MongoDB URI is configured: one bucket per collection, documents
// marshalled as JSON values, keyed by a generated UUID and located by the
// same linear ForEach-and-filter scan MemStore uses, since this package's
// filters are arbitrary field-equality maps rather than a fixed ID lookup.
// Change events are fanned out to subscribers exactly as MemStore does;
// BoltDB itself has no notification mechanism to build on.
type BoltStore struct {
	db          *bolt.DB
	mu          sync.RWMutex
	subscribers map[string][]chan ChangeEvent
}

// NewBoltStore opens (creating if necessary) a BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, "hyac.db")
	bdb, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt store at %s: %w", path, err)
	}
	return &BoltStore{db: bdb, subscribers: make(map[string][]chan ChangeEvent)}, nil
}

func (s *BoltStore) Collection(name string) Collection {
	return &boltCollection{store: s, name: name}
}

func (s *BoltStore) Close(context.Context) error {
	return s.db.Close()
}

// ForApp returns the same store: dev-mode's single BoltDB file has no
// per-database concept, so an app's "dedicated database" is simply the
// same set of buckets every other app shares, distinguished by the app_id
// field already present on every document. Good enough for a
// dependency-free local run; production isolation is MongoStore's job.
func (s *BoltStore) ForApp(string) Store {
	return s
}

// ProvisionApp is a no-op: there is no per-app user or database to create
// without a real MongoDB deployment behind it.
func (s *BoltStore) ProvisionApp(context.Context, string, string) error {
	return nil
}

// DropApp is a no-op for the same reason; the task queue worker still
// deletes the app's own documents by app_id before calling this.
func (s *BoltStore) DropApp(context.Context, string) error {
	return nil
}

func (s *BoltStore) Watch(ctx context.Context, opts WatchOptions) (<-chan ChangeEvent, func(), error) {
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

func (s *BoltStore) publish(collection string, ev ChangeEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers[collection] {
		select {
		case ch <- ev:
		default:
		}
	}
}

type boltCollection struct {
	store *BoltStore
	name  string
}

func (c *boltCollection) InsertOne(_ context.Context, doc map[string]any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	err = c.store.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(c.name))
		if err != nil {
			return err
		}
		return b.Put([]byte(uuid.New().String()), data)
	})
	if err != nil {
		return err
	}
	c.store.publish(c.name, ChangeEvent{Operation: OpInsert, FullDocument: cloneDoc(doc)})
	return nil
}

func (c *boltCollection) FindOne(_ context.Context, filter map[string]any) (map[string]any, error) {
	var found map[string]any
	err := c.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if found != nil {
				return nil
			}
			var doc map[string]any
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if matchesFilter(doc, filter) {
				found = doc
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (c *boltCollection) Find(_ context.Context, filter map[string]any) ([]map[string]any, error) {
	var out []map[string]any
	err := c.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var doc map[string]any
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if matchesFilter(doc, filter) {
				out = append(out, doc)
			}
			return nil
		})
	})
	return out, err
}

func (c *boltCollection) UpdateOne(_ context.Context, filter map[string]any, update map[string]any) error {
	set, _ := update["$set"].(map[string]any)

	var updated map[string]any
	var updatedFields []string
	err := c.store.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(c.name))
		if err != nil {
			return err
		}
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var doc map[string]any
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if !matchesFilter(doc, filter) {
				continue
			}
			for fk, fv := range set {
				doc[fk] = fv
				updatedFields = append(updatedFields, fk)
			}
			data, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
			updated = doc
			return nil
		}
		return nil
	})
	if err != nil {
		return err
	}
	if updated == nil {
		return ErrNotFound
	}
	c.store.publish(c.name, ChangeEvent{Operation: OpUpdate, FullDocument: updated, UpdatedFields: updatedFields})
	return nil
}

func (c *boltCollection) ReplaceOne(_ context.Context, filter map[string]any, doc map[string]any, upsert bool) error {
	found := false
	err := c.store.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(c.name))
		if err != nil {
			return err
		}
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var existing map[string]any
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if matchesFilter(existing, filter) {
				data, err := json.Marshal(doc)
				if err != nil {
					return err
				}
				found = true
				return b.Put(k, data)
			}
		}
		if !upsert {
			return nil
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		found = true
		return b.Put([]byte(uuid.New().String()), data)
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	c.store.publish(c.name, ChangeEvent{Operation: OpReplace, FullDocument: cloneDoc(doc)})
	return nil
}

func (c *boltCollection) DeleteOne(_ context.Context, filter map[string]any) error {
	var removed map[string]any
	err := c.store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return nil
		}
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var doc map[string]any
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if matchesFilter(doc, filter) {
				removed = doc
				return b.Delete(k)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if removed == nil {
		return ErrNotFound
	}
	c.store.publish(c.name, ChangeEvent{Operation: OpDelete, FullDocument: removed})
	return nil
}
