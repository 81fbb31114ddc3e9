package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDriver connects to MongoDB. The collection documents carry exactly
// the fields key and value.
type MongoDriver struct{}

func (MongoDriver) Name() string { return DriverMongo }

// Open connects and pings the deployment. mongo.Connect does not perform
// I/O, so the ping is what surfaces unreachable servers and rejected
// credentials.
func (MongoDriver) Open(ctx context.Context, uri, database string) (Conn, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, Unavailable(fmt.Errorf("mongodb ping: %w", err))
	}
	return &MongoConn{client: client, db: client.Database(database)}, nil
}

// MongoConn is an open MongoDB client bound to one database.
type MongoConn struct {
	client *mongo.Client
	db     *mongo.Database
}

func (c *MongoConn) Collection(name string) Collection {
	return &mongoCollection{coll: c.db.Collection(name)}
}

func (c *MongoConn) Ping(ctx context.Context) error {
	return mongoErr(c.client.Ping(ctx, nil))
}

func (c *MongoConn) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// EnsureIndex creates the unique index on key.
func (c *MongoConn) EnsureIndex(ctx context.Context, collection string) error {
	_, err := c.db.Collection(collection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("key_unique"),
	})
	if err != nil {
		return fmt.Errorf("ensure index: %w", mongoErr(err))
	}
	return nil
}

type mongoCollection struct {
	coll *mongo.Collection
}

func (c *mongoCollection) FindOne(ctx context.Context, key string) (*Entry, error) {
	var doc Entry
	err := c.coll.FindOne(ctx, bson.D{{Key: "key", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mongoErr(err)
	}
	return &doc, nil
}

func (c *mongoCollection) Upsert(ctx context.Context, key, value string) error {
	_, err := c.coll.UpdateOne(ctx,
		bson.D{{Key: "key", Value: key}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "value", Value: value}}}},
		options.Update().SetUpsert(true),
	)
	return mongoErr(err)
}

func (c *mongoCollection) DeleteOne(ctx context.Context, key string) (int64, error) {
	res, err := c.coll.DeleteOne(ctx, bson.D{{Key: "key", Value: key}})
	if err != nil {
		return 0, mongoErr(err)
	}
	return res.DeletedCount, nil
}

func (c *mongoCollection) FindKeys(ctx context.Context) ([]string, error) {
	cur, err := c.coll.Find(ctx, bson.D{},
		options.Find().SetProjection(bson.D{{Key: "key", Value: 1}, {Key: "_id", Value: 0}}))
	if err != nil {
		return nil, mongoErr(err)
	}
	defer cur.Close(context.Background())

	keys := []string{}
	for cur.Next(ctx) {
		var doc struct {
			Key string `bson:"key"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode key: %w", err)
		}
		keys = append(keys, doc.Key)
	}
	if err := cur.Err(); err != nil {
		return nil, mongoErr(err)
	}
	return keys, nil
}

// mongoErr tags network and timeout failures as ErrUnavailable.
func mongoErr(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return Unavailable(err)
	}
	return err
}
