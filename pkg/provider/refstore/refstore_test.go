package refstore

import (
	"context"
	"testing"
	"time"

	"wallet-settlement/pkg/redisconn"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, rueidis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)

	config := redisconn.DefaultConfig()
	config.Addr = mr.Addr()
	config.AlwaysRESP2 = true
	config.DialTimeout = time.Second

	client, err := redisconn.New(config)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(client.Close)
	return mr, client
}

func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "MAH-1"); err != nil || ok {
		t.Fatalf("Expected nothing recorded, got %v %v", ok, err)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.Put(ctx, "MAH-1", Entry{Kind: "b2c", At: at}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(ctx, "MAH-1", Entry{Kind: "b2c", ID: "AG_1", At: at}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	e, ok, err := s.Get(ctx, "MAH-1")
	if err != nil || !ok {
		t.Fatalf("Get failed: %v %v", ok, err)
	}
	if e.Kind != "b2c" || e.ID != "AG_1" || !e.At.Equal(at) {
		t.Errorf("Unexpected entry %+v", e)
	}
}

func TestMemory(t *testing.T) {
	testStore(t, NewMemory())
}

func TestRedis(t *testing.T) {
	_, client := newTestClient(t)
	testStore(t, NewRedis(client, "mpesa", DefaultRedisConfig()))
}

func TestRedisSurvivesNewStore(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()

	if err := NewRedis(client, "mpesa", DefaultRedisConfig()).Put(ctx, "MAH-7", Entry{Kind: "stk", ID: "ws_CO_7"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !mr.Exists("provider:mpesa:MAH-7") {
		t.Error("Expected key provider:mpesa:MAH-7")
	}
	if ttl := mr.TTL("provider:mpesa:MAH-7"); ttl != 30*24*time.Hour {
		t.Errorf("Expected 30 day ttl, got %v", ttl)
	}

	e, ok, err := NewRedis(client, "mpesa", DefaultRedisConfig()).Get(ctx, "MAH-7")
	if err != nil || !ok || e.ID != "ws_CO_7" {
		t.Errorf("Expected entry from a fresh store, got %+v %v %v", e, ok, err)
	}

	// Names keep gateways apart
	if _, ok, _ := NewRedis(client, "other", DefaultRedisConfig()).Get(ctx, "MAH-7"); ok {
		t.Error("Expected no entry under another gateway name")
	}
}
