package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/austindbirch/harbor_egress/internal/delivery"
)

type fakeFinder struct {
	mu      sync.Mutex
	docs    map[string]bson.D // keyed by id
	err     error
	filters []bson.D
}

func (f *fakeFinder) FindOne(_ context.Context, filter interface{}) (bson.Raw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d := filter.(bson.D)
	f.filters = append(f.filters, d)
	if f.err != nil {
		return nil, f.err
	}
	doc, ok := f.docs[d[0].Value.(string)]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	return bson.Marshal(doc)
}

func newTestFetcher(ff *fakeFinder) *Fetcher {
	f := New(Options{})
	f.dial = func(context.Context) (*handle, error) {
		return &handle{docs: ff}, nil
	}
	return f
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.Database != "masterdata" || o.Collection != "product" {
		t.Errorf("defaults = %s/%s, want masterdata/product", o.Database, o.Collection)
	}
	if o.PartitionKeyField != "partitionKey" {
		t.Errorf("PartitionKeyField = %q, want partitionKey", o.PartitionKeyField)
	}
	if o.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want 10s", o.ConnectTimeout)
	}

	o = Options{Database: "catalog", PartitionKeyField: "category"}.withDefaults()
	if o.Database != "catalog" || o.PartitionKeyField != "category" {
		t.Errorf("explicit options overwritten: %+v", o)
	}
}

func TestFetcher_Fetch(t *testing.T) {
	ff := &fakeFinder{docs: map[string]bson.D{
		"p1": {{Key: "id", Value: "p1"}, {Key: "partitionKey", Value: "shoes"}, {Key: "name", Value: "Runner"}, {Key: "price", Value: 42}},
	}}
	f := newTestFetcher(ff)

	tests := []struct {
		name    string
		ref     delivery.EntityRef
		wantErr error
	}{
		{name: "existing document", ref: delivery.EntityRef{ID: "p1", PartitionKey: "shoes"}},
		{name: "missing document", ref: delivery.EntityRef{ID: "p9", PartitionKey: "shoes"}, wantErr: delivery.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := f.Fetch(context.Background(), tt.ref)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Fetch() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Fetch() unexpected error: %v", err)
			}

			var got map[string]any
			if err := json.Unmarshal(doc, &got); err != nil {
				t.Fatalf("Fetch() returned invalid JSON %s: %v", doc, err)
			}
			if got["name"] != "Runner" {
				t.Errorf("doc[name] = %v, want Runner", got["name"])
			}
			if got["price"] != float64(42) {
				t.Errorf("doc[price] = %v, want 42 (relaxed extended JSON)", got["price"])
			}
		})
	}
}

func TestFetcher_FilterUsesPartitionKeyField(t *testing.T) {
	ff := &fakeFinder{docs: map[string]bson.D{}}
	f := New(Options{PartitionKeyField: "category"})
	f.dial = func(context.Context) (*handle, error) { return &handle{docs: ff}, nil }

	_, _ = f.Fetch(context.Background(), delivery.EntityRef{ID: "p1", PartitionKey: "shoes"})

	if len(ff.filters) != 1 {
		t.Fatalf("FindOne called %d times, want 1", len(ff.filters))
	}
	want := bson.D{{Key: "id", Value: "p1"}, {Key: "category", Value: "shoes"}}
	got := ff.filters[0]
	if len(got) != len(want) {
		t.Fatalf("filter = %v, want %v", got, want)
	}
	for i := range want {
		if got[i].Key != want[i].Key || got[i].Value != want[i].Value {
			t.Errorf("filter[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFetcher_StoreErrors(t *testing.T) {
	ff := &fakeFinder{err: errors.New("server selection timeout")}
	f := newTestFetcher(ff)

	_, err := f.Fetch(context.Background(), delivery.EntityRef{ID: "p1", PartitionKey: "a"})
	if !errors.Is(err, delivery.ErrStoreUnavailable) {
		t.Errorf("Fetch() error = %v, want ErrStoreUnavailable", err)
	}
	if errors.Is(err, delivery.ErrNotFound) {
		t.Error("store failure must not look like a missing document")
	}
}

func TestFetcher_LazyClientBuiltOnce(t *testing.T) {
	ff := &fakeFinder{docs: map[string]bson.D{"p1": {{Key: "id", Value: "p1"}}}}
	f := New(Options{})

	var dials atomic.Int32
	f.dial = func(context.Context) (*handle, error) {
		dials.Add(1)
		time.Sleep(20 * time.Millisecond)
		return &handle{docs: ff}, nil
	}

	if dials.Load() != 0 {
		t.Fatal("client built before first fetch")
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.Fetch(context.Background(), delivery.EntityRef{ID: "p1", PartitionKey: "a"}); err != nil {
				t.Errorf("Fetch() unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := dials.Load(); got != 1 {
		t.Errorf("client built %d times, want 1", got)
	}
}

func TestFetcher_FailedConnectNotCached(t *testing.T) {
	ff := &fakeFinder{docs: map[string]bson.D{"p1": {{Key: "id", Value: "p1"}}}}
	f := New(Options{})

	var dials int
	f.dial = func(context.Context) (*handle, error) {
		dials++
		if dials == 1 {
			return nil, errors.New("dial tcp: connection refused")
		}
		return &handle{docs: ff}, nil
	}

	ref := delivery.EntityRef{ID: "p1", PartitionKey: "a"}
	if _, err := f.Fetch(context.Background(), ref); err == nil {
		t.Fatal("first Fetch() should fail")
	}
	if _, err := f.Fetch(context.Background(), ref); err != nil {
		t.Fatalf("second Fetch() unexpected error: %v", err)
	}
	if dials != 2 {
		t.Errorf("dial called %d times, want 2", dials)
	}
}

func TestFetcher_ConnectRequiresCredentials(t *testing.T) {
	f := New(Options{Endpoint: "mongodb://docs:10255"})

	_, err := f.Fetch(context.Background(), delivery.EntityRef{ID: "p1", PartitionKey: "a"})
	if !errors.Is(err, delivery.ErrConfiguration) {
		t.Errorf("Fetch() error = %v, want ErrConfiguration", err)
	}
}

func TestFetcher_Username(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want string
	}{
		{name: "explicit username", opts: Options{Username: "acct", Endpoint: "mongodb://other@docs:10255"}, want: "acct"},
		{name: "username from uri", opts: Options{Endpoint: "mongodb://acct@docs:10255/?ssl=true"}, want: "acct"},
		{name: "no username", opts: Options{Endpoint: "mongodb://docs:10255"}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := New(tt.opts).username(); got != tt.want {
				t.Errorf("username() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFetcher_PingAndCloseWithoutClient(t *testing.T) {
	f := newTestFetcher(&fakeFinder{})

	if err := f.Close(context.Background()); err != nil {
		t.Errorf("Close() before connect error: %v", err)
	}
	if err := f.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
	if err := f.Close(context.Background()); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}
