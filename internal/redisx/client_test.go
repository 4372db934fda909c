package redisx

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestNewClientWithoutAddrIsDisabled(t *testing.T) {
	client, err := NewClient(context.Background(), Config{})
	if err != nil || client != nil {
		t.Fatalf("expected nil client and nil error, got %v %v", client, err)
	}
}

func TestNewClientPings(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("Set: %v", err)
	}
}

func TestNewClientFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := NewClient(context.Background(), Config{Addr: addr, PingTimeout: time.Second}); err == nil {
		t.Fatalf("expected ping failure")
	}
}
