package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"reimportd/internal/reimport"
)

type MongoOptions struct {
	URI        string
	Database   string
	Collection string
	DateField  string
	Filter     map[string]string
	Timeout    time.Duration
}

// MongoCounter counts documents whose date field equals the day as
// "2006-01-02", plus optional equality filters.
type MongoCounter struct {
	client  *mongo.Client
	coll    *mongo.Collection
	field   string
	filter  map[string]string
	timeout time.Duration
}

// OpenMongoCounter connects and pings the server.
func OpenMongoCounter(ctx context.Context, opt MongoOptions) (*MongoCounter, error) {
	if strings.TrimSpace(opt.URI) == "" || strings.TrimSpace(opt.Collection) == "" {
		return nil, errors.New("mongo counter: uri and collection are required")
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(cctx, options.Client().ApplyURI(opt.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	db := opt.Database
	if db == "" {
		db = "reimport"
	}
	return newMongoCounter(client, client.Database(db).Collection(opt.Collection), opt), nil
}

func newMongoCounter(client *mongo.Client, coll *mongo.Collection, opt MongoOptions) *MongoCounter {
	field := opt.DateField
	if field == "" {
		field = "day"
	}
	return &MongoCounter{client: client, coll: coll, field: field, filter: opt.Filter, timeout: opt.Timeout}
}

func (c *MongoCounter) query(day reimport.Day) bson.M {
	q := bson.M{c.field: day.Format(elasticDateLayout)}
	for k, v := range c.filter {
		if k == c.field {
			continue
		}
		q[k] = v
	}
	return q
}

func (c *MongoCounter) Count(ctx context.Context, day reimport.Day) (int64, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	n, err := c.coll.CountDocuments(ctx, c.query(day))
	if err != nil {
		return 0, fmt.Errorf("downstream count %s: %w", day, err)
	}
	return n, nil
}

func (c *MongoCounter) Close() error {
	if c.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.client.Disconnect(ctx)
}
