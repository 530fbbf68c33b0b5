package presence

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
)

type fakeRedis struct {
	mu        sync.Mutex
	hashes    map[string]map[string]string
	published []string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{hashes: make(map[string]map[string]string)}
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	field := values[0].(string)
	value := values[1].(string)
	h[field] = value
	return nil
}

func (f *fakeRedis) HDel(ctx context.Context, key string, fields ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.hashes[key]; ok {
		for _, field := range fields {
			delete(h, field)
		}
	}
	return nil
}

func (f *fakeRedis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, channel)
	return nil
}

func TestConnectAndAllConnected(t *testing.T) {
	redis := newFakeRedis()
	tr := New(redis, "node-1")
	ctx := context.Background()

	id1, id2 := uuid.New(), uuid.New()
	if err := tr.Connect(ctx, TopicClients, id1, "tok1", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tr.Connect(ctx, TopicClients, id2, "tok2", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	entries, err := tr.AllConnected(ctx, TopicClients, nil)
	if err != nil {
		t.Fatalf("AllConnected: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 connected, got %d", len(entries))
	}
}

func TestAllConnectedExcludesGivenIDs(t *testing.T) {
	redis := newFakeRedis()
	tr := New(redis, "node-1")
	ctx := context.Background()

	id1, id2 := uuid.New(), uuid.New()
	tr.Connect(ctx, TopicGlobalRelays, id1, "tok1", nil)
	tr.Connect(ctx, TopicGlobalRelays, id2, "tok2", nil)

	entries, err := tr.AllConnected(ctx, TopicGlobalRelays, map[uuid.UUID]struct{}{id1: {}})
	if err != nil {
		t.Fatalf("AllConnected: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id2 {
		t.Fatalf("expected only id2, got %+v", entries)
	}
}

func TestDisconnectRemovesEntry(t *testing.T) {
	redis := newFakeRedis()
	tr := New(redis, "node-1")
	ctx := context.Background()

	id := uuid.New()
	tr.Connect(ctx, TopicGateways, id, "tok", nil)
	if err := tr.Disconnect(ctx, TopicGateways, id); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	entries, _ := tr.AllConnected(ctx, TopicGateways, nil)
	if len(entries) != 0 {
		t.Fatalf("expected no entries after disconnect, got %+v", entries)
	}
}

func TestSelectRelaysNearestFirst(t *testing.T) {
	nyc := GeoPoint{Lat: 40.7, Lon: -74.0, Known: true}
	candidates := []Entry{
		{ID: uuid.New(), Metadata: map[string]string{"city": "london"}},
		{ID: uuid.New(), Metadata: map[string]string{"city": "newark"}},
		{ID: uuid.New(), Metadata: map[string]string{"city": "tokyo"}},
	}
	points := map[string]GeoPoint{
		"london": {Lat: 51.5, Lon: -0.1, Known: true},
		"newark": {Lat: 40.7, Lon: -74.2, Known: true},
		"tokyo":  {Lat: 35.7, Lon: 139.7, Known: true},
	}

	selected := SelectRelays(nyc, candidates, func(e Entry) GeoPoint {
		return points[e.Metadata["city"]]
	})

	if len(selected) != 2 {
		t.Fatalf("expected 2 relays selected, got %d", len(selected))
	}
	if selected[0].Metadata["city"] != "newark" {
		t.Fatalf("expected newark nearest, got %s", selected[0].Metadata["city"])
	}
}

func TestSelectRelaysRandomWhenOriginUnknown(t *testing.T) {
	candidates := []Entry{{ID: uuid.New()}, {ID: uuid.New()}, {ID: uuid.New()}}
	selected := SelectRelays(GeoPoint{}, candidates, func(e Entry) GeoPoint { return GeoPoint{} })
	if len(selected) != 2 {
		t.Fatalf("expected 2 relays selected, got %d", len(selected))
	}
}
