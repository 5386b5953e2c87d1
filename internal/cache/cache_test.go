package cache

import (
	"context"
	"testing"
	"time"
)

func TestFactory(t *testing.T) {
	cases := []struct {
		cfgType  string
		wantType string
		wantErr  bool
	}{
		{"redis", "redis", false},
		{"memcached", "memcached", false},
		{"memory", "memory", false},
		{"", "memory", false},
		{"couchbase", "", true},
	}

	for _, tc := range cases {
		c, err := Factory(Config{Type: tc.cfgType})
		if tc.wantErr {
			if err == nil {
				t.Errorf("Factory(%q): expected error", tc.cfgType)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Factory(%q): %v", tc.cfgType, err)
		}
		if c.Type() != tc.wantType {
			t.Errorf("Factory(%q).Type() = %q, want %q", tc.cfgType, c.Type(), tc.wantType)
		}
	}
}

func TestMemoryGetSetDelete(t *testing.T) {
	m := NewMemory()
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ctx := context.Background()

	if _, err := m.Get(ctx, "template:welcome"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := m.Set(ctx, "template:welcome", "Hello {name}", 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, err := m.Get(ctx, "template:welcome")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "Hello {name}" {
		t.Errorf("Got %q", val)
	}

	if err := m.Delete(ctx, "template:welcome"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := m.Get(ctx, "template:welcome"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryExpiration(t *testing.T) {
	m := NewMemory()
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ctx := context.Background()

	if err := m.Set(ctx, "key", "value", 20*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	if _, err := m.Get(ctx, "key"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound after expiry, got %v", err)
	}
}

func TestNotConnected(t *testing.T) {
	m := NewMemory()

	if _, err := m.Get(context.Background(), "key"); err != ErrNotConnected {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
	if err := m.Set(context.Background(), "key", "v", 0); err != ErrNotConnected {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}
