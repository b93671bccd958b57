package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"inspection/api/internal/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(logger.Nop(), Config{BaseURL: server.URL + "/", APIKey: "ledger-key", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestClientAnchor(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/anchors" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ledger-key" {
			t.Errorf("unexpected authorization %q", got)
		}
		var payload Payload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload.PlateNumber != "B 1234 XYZ" || payload.ContentHash != "abc123" {
			t.Errorf("unexpected payload %+v", payload)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"txRef":"tx-1","assetRef":"asset-1"}`))
	})

	receipt, err := client.Anchor(context.Background(), Payload{PlateNumber: "B 1234 XYZ", ContentHash: "abc123"})
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if receipt.TxRef != "tx-1" || receipt.AssetRef != "asset-1" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestClientAnchorErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{name: "json error", status: http.StatusBadGateway, body: `{"message":"chain unavailable"}`, message: "chain unavailable"},
		{name: "plain error", status: http.StatusInternalServerError, body: `boom`, message: "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := client.Anchor(context.Background(), Payload{PlateNumber: "B 1", ContentHash: "h"})
			var httpErr *HTTPError
			if !errors.As(err, &httpErr) {
				t.Fatalf("expected HTTPError, got %v", err)
			}
			if httpErr.StatusCode != tt.status || httpErr.Message != tt.message {
				t.Fatalf("unexpected error %+v", httpErr)
			}
		})
	}
}

func TestClientAnchorRejectsIncompleteReceipt(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"txRef":"tx-1"}`))
	})
	if _, err := client.Anchor(context.Background(), Payload{ContentHash: "h"}); err == nil {
		t.Fatal("expected error for receipt without asset ref")
	}
}

func TestClientAnchorRequiresHash(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})
	if _, err := client.Anchor(context.Background(), Payload{PlateNumber: "B 1"}); err == nil {
		t.Fatal("expected error for empty hash")
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("ledger must not be called without a hash")
	}
}

type anchorFunc func(ctx context.Context, payload Payload) (Receipt, error)

func (f anchorFunc) Anchor(ctx context.Context, payload Payload) (Receipt, error) {
	return f(ctx, payload)
}

func TestCachedAnchorReusesReceiptForSameHash(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer client.Close()

	var calls int32
	cached := NewCachedAnchor(anchorFunc(func(ctx context.Context, payload Payload) (Receipt, error) {
		n := atomic.AddInt32(&calls, 1)
		return Receipt{TxRef: "tx-" + payload.ContentHash, AssetRef: "asset-" + string(rune('0'+n))}, nil
	}), client, time.Hour, logger.Nop())

	ctx := context.Background()
	first, err := cached.Anchor(ctx, Payload{ContentHash: "h1"})
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	second, err := cached.Anchor(ctx, Payload{ContentHash: "h1"})
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if first != second || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected cached receipt, got %+v then %+v after %d calls", first, second, calls)
	}

	if _, err := cached.Anchor(ctx, Payload{ContentHash: "h2"}); err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected a new call for a different hash, got %d", calls)
	}
	if ttl := mr.TTL("anchor:h1"); ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %v", ttl)
	}
}

func TestCachedAnchorDoesNotCacheFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer client.Close()

	boom := errors.New("boom")
	fail := true
	cached := NewCachedAnchor(anchorFunc(func(context.Context, Payload) (Receipt, error) {
		if fail {
			return Receipt{}, boom
		}
		return Receipt{TxRef: "tx", AssetRef: "asset"}, nil
	}), client, time.Hour, nil)

	if _, err := cached.Anchor(context.Background(), Payload{ContentHash: "h"}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if mr.Exists("anchor:h") {
		t.Fatal("failure must not be cached")
	}
	fail = false
	if receipt, err := cached.Anchor(context.Background(), Payload{ContentHash: "h"}); err != nil || receipt.TxRef != "tx" {
		t.Fatalf("expected success after failure, got %+v %v", receipt, err)
	}
}

func TestCachedAnchorFallsThroughWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer client.Close()
	mr.Close()

	cached := NewCachedAnchor(anchorFunc(func(context.Context, Payload) (Receipt, error) {
		return Receipt{TxRef: "tx", AssetRef: "asset"}, nil
	}), client, time.Hour, nil)

	receipt, err := cached.Anchor(context.Background(), Payload{ContentHash: "h"})
	if err != nil || receipt.TxRef != "tx" {
		t.Fatalf("expected direct anchor when cache is down, got %+v %v", receipt, err)
	}
}

func TestNewRedisClientRejectsBadURL(t *testing.T) {
	if _, err := NewRedisClient("not-a-url"); err == nil {
		t.Fatal("expected parse error")
	}
}
