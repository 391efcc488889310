package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/hyac/pkg/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is the production Store implementation, backed by
// go.mongodb.org/mongo-driver and its change-stream feed.
type MongoStore struct {
	client   *mongo.Client
	database *mongo.Database
}

// NewMongoStore connects to uri and selects database.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoStore{client: client, database: client.Database(database)}, nil
}

func (s *MongoStore) Collection(name string) Collection {
	return &mongoCollection{coll: s.database.Collection(name)}
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// ForApp returns a MongoStore scoped to appID's own dedicated database,
// sharing this store's client connection.
func (s *MongoStore) ForApp(appID string) Store {
	return &MongoStore{client: s.client, database: s.client.Database(appID)}
}

// ProvisionApp creates appID's dedicated database (implicitly, on first
// write) and a database user named appID with dbAdmin and readWrite roles
// scoped to that database, matching the per-app isolation model every
// application's own runtime container connects through. Re-running it for
// an existing user is a no-op: Mongo's duplicate-user error is swallowed.
func (s *MongoStore) ProvisionApp(ctx context.Context, appID, password string) error {
	appDB := s.client.Database(appID)
	cmd := bson.D{
		{Key: "createUser", Value: appID},
		{Key: "pwd", Value: password},
		{Key: "roles", Value: bson.A{
			bson.D{{Key: "role", Value: "dbAdmin"}, {Key: "db", Value: appID}},
			bson.D{{Key: "role", Value: "readWrite"}, {Key: "db", Value: appID}},
		}},
	}
	err := appDB.RunCommand(ctx, cmd).Err()
	if err != nil && !mongo.IsDuplicateKeyError(err) && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("create db user for %s: %w", appID, err)
	}
	return nil
}

// DropApp drops appID's dedicated database user and database, the mirror
// image of ProvisionApp. Dropping the database first releases any locks a
// lingering user reference might otherwise hold.
func (s *MongoStore) DropApp(ctx context.Context, appID string) error {
	appDB := s.client.Database(appID)
	if err := appDB.Drop(ctx); err != nil {
		return fmt.Errorf("drop database %s: %w", appID, err)
	}
	cmd := bson.D{{Key: "dropUser", Value: appID}}
	if err := appDB.RunCommand(ctx, cmd).Err(); err != nil && !strings.Contains(err.Error(), "UserNotFound") {
		return fmt.Errorf("drop db user for %s: %w", appID, err)
	}
	return nil
}

// Watch subscribes to a collection's change stream, filtered to the given
// operation types with full_document set to updateLookup so every event
// carries the post-change document.
func (s *MongoStore) Watch(ctx context.Context, opts WatchOptions) (<-chan ChangeEvent, func(), error) {
	var opMatch bson.A
	for _, op := range opts.Operations {
		opMatch = append(opMatch, string(op))
	}

	pipeline := mongo.Pipeline{}
	if len(opMatch) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: opMatch}}},
		}}})
	}

	coll := s.database.Collection(opts.Collection)
	stream, err := coll.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, nil, fmt.Errorf("watch %s: %w", opts.Collection, err)
	}

	out := make(chan ChangeEvent)
	logger := log.WithComponent("db.watch")

	go func() {
		defer close(out)
		defer stream.Close(context.Background())
		for stream.Next(ctx) {
			var raw struct {
				OperationType string   `bson:"operationType"`
				FullDocument  bson.M   `bson:"fullDocument"`
				UpdateDesc    struct {
					UpdatedFields bson.M `bson:"updatedFields"`
				} `bson:"updateDescription"`
			}
			if err := stream.Decode(&raw); err != nil {
				logger.Error().Err(err).Str("collection", opts.Collection).Msg("decode change event failed")
				continue
			}

			var updatedFields []string
			for k := range raw.UpdateDesc.UpdatedFields {
				updatedFields = append(updatedFields, k)
			}

			ev := ChangeEvent{
				Operation:     Operation(raw.OperationType),
				FullDocument:  bsonMToMap(raw.FullDocument),
				UpdatedFields: updatedFields,
			}
			if !opts.matches(ev) {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			logger.Error().Err(err).Str("collection", opts.Collection).Msg("change stream ended with error")
		}
	}()

	cancel := func() { _ = stream.Close(context.Background()) }
	return out, cancel, nil
}

func bsonMToMap(m bson.M) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type mongoCollection struct {
	coll *mongo.Collection
}

func (c *mongoCollection) InsertOne(ctx context.Context, doc map[string]any) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c *mongoCollection) FindOne(ctx context.Context, filter map[string]any) (map[string]any, error) {
	var out bson.M
	err := c.coll.FindOne(ctx, filter).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return bsonMToMap(out), nil
}

func (c *mongoCollection) Find(ctx context.Context, filter map[string]any) ([]map[string]any, error) {
	cursor, err := c.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var results []map[string]any
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		results = append(results, bsonMToMap(doc))
	}
	return results, cursor.Err()
}

func (c *mongoCollection) UpdateOne(ctx context.Context, filter map[string]any, update map[string]any) error {
	_, err := c.coll.UpdateOne(ctx, filter, update)
	return err
}

func (c *mongoCollection) ReplaceOne(ctx context.Context, filter map[string]any, doc map[string]any, upsert bool) error {
	_, err := c.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(upsert))
	return err
}

func (c *mongoCollection) DeleteOne(ctx context.Context, filter map[string]any) error {
	_, err := c.coll.DeleteOne(ctx, filter)
	return err
}
