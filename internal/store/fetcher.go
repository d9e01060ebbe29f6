// Package store reads entity documents from the MongoDB API of the document
// database.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_egress/internal/delivery"
	"github.com/austindbirch/harbor_egress/internal/metrics"
	"github.com/austindbirch/harbor_egress/internal/tracing"
)

// Options configures where documents are read from.
type Options struct {
	Endpoint          string // mongodb:// connection string
	Key               string
	Username          string
	Database          string
	Collection        string
	PartitionKeyField string
	ConnectTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Database == "" {
		o.Database = "masterdata"
	}
	if o.Collection == "" {
		o.Collection = "product"
	}
	if o.PartitionKeyField == "" {
		o.PartitionKeyField = "partitionKey"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	return o
}

// finder reads a single raw document matching filter.
type finder interface {
	FindOne(ctx context.Context, filter interface{}) (bson.Raw, error)
}

type collectionFinder struct {
	coll *mongo.Collection
}

func (c collectionFinder) FindOne(ctx context.Context, filter interface{}) (bson.Raw, error) {
	return c.coll.FindOne(ctx, filter).Raw()
}

type handle struct {
	client *mongo.Client
	docs   finder
}

// Fetcher reads the current document of a changed entity. The client is built
// on first use and shared by every branch afterwards.
type Fetcher struct {
	opts Options
	dial func(ctx context.Context) (*handle, error)

	current atomic.Pointer[handle]
	mu      sync.Mutex
}

func New(opts Options) *Fetcher {
	f := &Fetcher{opts: opts.withDefaults()}
	f.dial = f.connect
	return f
}

// Fetch returns the document identified by ref as relaxed Extended JSON.
func (f *Fetcher) Fetch(ctx context.Context, ref delivery.EntityRef) (delivery.Document, error) {
	ctx, span := tracing.StartSpan(ctx, "store.fetch",
		tracing.EntityIDKey.String(ref.ID),
		attribute.String("entity.partition_key", ref.PartitionKey),
		attribute.String("db.collection", f.opts.Database+"/"+f.opts.Collection),
	)
	defer span.End()

	start := time.Now()
	doc, result, err := f.fetch(ctx, ref)
	metrics.RecordFetch(result, time.Since(start))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	return doc, nil
}

func (f *Fetcher) fetch(ctx context.Context, ref delivery.EntityRef) (delivery.Document, string, error) {
	h, err := f.handle(ctx)
	if err != nil {
		return nil, "unavailable", err
	}

	filter := bson.D{
		{Key: "id", Value: ref.ID},
		{Key: f.opts.PartitionKeyField, Value: ref.PartitionKey},
	}
	raw, err := h.docs.FindOne(ctx, filter)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil, "not_found", fmt.Errorf("%w: %s/%s id=%s partition=%s",
			delivery.ErrNotFound, f.opts.Database, f.opts.Collection, ref.ID, ref.PartitionKey)
	case err != nil:
		return nil, "unavailable", fmt.Errorf("%w: read %s: %v", delivery.ErrStoreUnavailable, ref.ID, err)
	}

	doc, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, "encode_error", fmt.Errorf("encode document %s: %w", ref.ID, err)
	}
	return delivery.Document(doc), "ok", nil
}

// handle returns the shared client, building it on the first call. Callers
// racing the first build wait for it; a failed build is retried by the next
// caller.
func (f *Fetcher) handle(ctx context.Context) (*handle, error) {
	if h := f.current.Load(); h != nil {
		return h, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if h := f.current.Load(); h != nil {
		return h, nil
	}

	h, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	f.current.Store(h)
	return h, nil
}

func (f *Fetcher) connect(ctx context.Context) (*handle, error) {
	if f.opts.Endpoint == "" || f.opts.Key == "" {
		return nil, fmt.Errorf("%w: document store endpoint and key are required", delivery.ErrConfiguration)
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.ConnectTimeout)
	defer cancel()

	clientOpts := options.Client().
		ApplyURI(f.opts.Endpoint).
		SetReadPreference(readpref.Primary()).
		SetReadConcern(readconcern.Majority())
	if user := f.username(); user != "" {
		clientOpts.SetAuth(options.Credential{Username: user, Password: f.opts.Key})
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", delivery.ErrStoreUnavailable, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: ping: %v", delivery.ErrStoreUnavailable, err)
	}

	coll := client.Database(f.opts.Database).Collection(f.opts.Collection)
	return &handle{client: client, docs: collectionFinder{coll: coll}}, nil
}

func (f *Fetcher) username() string {
	if f.opts.Username != "" {
		return f.opts.Username
	}
	u, err := url.Parse(f.opts.Endpoint)
	if err != nil || u.User == nil {
		return ""
	}
	return u.User.Username()
}

// Ping checks the store is reachable, connecting if needed
func (f *Fetcher) Ping(ctx context.Context) error {
	h, err := f.handle(ctx)
	if err != nil {
		return err
	}
	if h.client == nil {
		return nil
	}
	return h.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client if one was built
func (f *Fetcher) Close(ctx context.Context) error {
	h := f.current.Load()
	if h == nil || h.client == nil {
		return nil
	}
	return h.client.Disconnect(ctx)
}
