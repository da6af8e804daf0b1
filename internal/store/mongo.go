package store

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	DefaultMongoDatabase   = "txrelay"
	DefaultMongoCollection = "transactions"
)

// MongoKV keeps one document per key; _id is the base64 key.
type MongoKV struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func OpenMongo(ctx context.Context, uri, dbName, collName string) (*MongoKV, error) {
	if uri == "" {
		return nil, errors.New("store: mongo uri is empty")
	}
	if dbName == "" {
		dbName = DefaultMongoDatabase
	}
	if collName == "" {
		collName = DefaultMongoCollection
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}
	return &MongoKV{client: cli, coll: cli.Database(dbName).Collection(collName)}, nil
}

func mongoID(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

func (m *MongoKV) Get(ctx context.Context, key []byte) ([]byte, error) {
	var doc struct {
		Data []byte `bson:"data"`
	}
	err := m.coll.FindOne(ctx, bson.M{"_id": mongoID(key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.Data, nil
}

func (m *MongoKV) Put(ctx context.Context, key, value []byte) error {
	now := time.Now()
	_, err := m.coll.UpdateByID(
		ctx,
		mongoID(key),
		bson.M{
			"$set":         bson.M{"data": value, "updatedAt": now},
			"$setOnInsert": bson.M{"createdAt": now},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *MongoKV) Delete(ctx context.Context, key []byte) error {
	_, err := m.coll.DeleteOne(ctx, bson.M{"_id": mongoID(key)})
	return err
}

func (m *MongoKV) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
