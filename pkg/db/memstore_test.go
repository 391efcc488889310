package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/hyac/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreInsertAndFind(t *testing.T) {
	store := db.NewMemStore()
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

func TestMemStoreUpdateOneSetsFieldsAndKeepsOthers(t *testing.T) {
	store := db.NewMemStore()
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

func TestMemStoreWatchDeliversMatchingInserts(t *testing.T) {
	store := db.NewMemStore()
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

func TestMemStoreDeleteOneRemovesDocument(t *testing.T) {
	store := db.NewMemStore()
	coll := store.Collection("apps")
	require.NoError(t, coll.InsertOne(context.Background(), map[string]any{"app_id": "a1"}))

	require.NoError(t, coll.DeleteOne(context.Background(), map[string]any{"app_id": "a1"}))
	_, err := coll.FindOne(context.Background(), map[string]any{"app_id": "a1"})
	assert.ErrorIs(t, err, db.ErrNotFound)

	err = coll.DeleteOne(context.Background(), map[string]any{"app_id": "a1"})
	assert.ErrorIs(t, err, db.ErrNotFound)
}
