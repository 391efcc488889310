package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/hyac/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBoltStore(t *testing.T) *db.BoltStore {
	t.Helper()
	store, err := db.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func TestBoltStoreInsertAndFind(t *testing.T) {
	store := newBoltStore(t)
	coll := store.Collection("tasks")

	require.NoError(t, coll.InsertOne(context.Background(), map[string]any{
		"task_id": "t1",
		"status":  "pending",
	}))

	doc, err := coll.FindOne(context.Background(), map[string]any{"task_id": "t1"})
	require.NoError(t, err)
	assert.Equal(t, "pending", doc["status"])

	_, err = coll.FindOne(context.Background(), map[string]any{"task_id": "missing"})
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestBoltStoreUpdateOneSetsFieldsAndKeepsOthers(t *testing.T) {
	store := newBoltStore(t)
	coll := store.Collection("tasks")
	require.NoError(t, coll.InsertOne(context.Background(), map[string]any{
		"task_id": "t1",
		"status":  "pending",
		"action":  "start_app",
	}))

	require.NoError(t, coll.UpdateOne(context.Background(),
		map[string]any{"task_id": "t1"},
		map[string]any{"$set": map[string]any{"status": "running"}},
	))

	doc, err := coll.FindOne(context.Background(), map[string]any{"task_id": "t1"})
	require.NoError(t, err)
	assert.Equal(t, "running", doc["status"])
	assert.Equal(t, "start_app", doc["action"])
}

func TestBoltStoreReplaceOneUpserts(t *testing.T) {
	store := newBoltStore(t)
	coll := store.Collection("apps")

	err := coll.ReplaceOne(context.Background(),
		map[string]any{"app_id": "a1"},
		map[string]any{"app_id": "a1", "status": "running"},
		true,
	)
	require.NoError(t, err)

	doc, err := coll.FindOne(context.Background(), map[string]any{"app_id": "a1"})
	require.NoError(t, err)
	assert.Equal(t, "running", doc["status"])

	require.NoError(t, coll.ReplaceOne(context.Background(),
		map[string]any{"app_id": "a1"},
		map[string]any{"app_id": "a1", "status": "stopped"},
		false,
	))
	doc, err = coll.FindOne(context.Background(), map[string]any{"app_id": "a1"})
	require.NoError(t, err)
	assert.Equal(t, "stopped", doc["status"])
}

func TestBoltStoreDeleteOneRemovesDocument(t *testing.T) {
	store := newBoltStore(t)
	coll := store.Collection("apps")
	require.NoError(t, coll.InsertOne(context.Background(), map[string]any{"app_id": "a1"}))

	require.NoError(t, coll.DeleteOne(context.Background(), map[string]any{"app_id": "a1"}))
	_, err := coll.FindOne(context.Background(), map[string]any{"app_id": "a1"})
	assert.ErrorIs(t, err, db.ErrNotFound)

	err = coll.DeleteOne(context.Background(), map[string]any{"app_id": "a1"})
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := db.NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Collection("tasks").InsertOne(context.Background(), map[string]any{
		"task_id": "t1", "status": "pending",
	}))
	require.NoError(t, store.Close(context.Background()))

	reopened, err := db.NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close(context.Background())

	doc, err := reopened.Collection("tasks").FindOne(context.Background(), map[string]any{"task_id": "t1"})
	require.NoError(t, err)
	assert.Equal(t, "pending", doc["status"])
}

func TestBoltStoreWatchDeliversMatchingInserts(t *testing.T) {
	store := newBoltStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, stop, err := store.Watch(ctx, db.WatchOptions{
		Collection: "tasks",
		Operations: []db.Operation{db.OpInsert},
		Match: func(doc map[string]any) bool {
			return doc["status"] == "pending"
		},
	})
	require.NoError(t, err)
	defer stop()

	coll := store.Collection("tasks")
	require.NoError(t, coll.InsertOne(context.Background(), map[string]any{"task_id": "t1", "status": "running"}))
	require.NoError(t, coll.InsertOne(context.Background(), map[string]any{"task_id": "t2", "status": "pending"}))

	select {
	case ev := <-events:
		assert.Equal(t, "t2", ev.FullDocument["task_id"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching change event")
	}
}
