package identity

import "testing"

func TestHandleCache_SetThenGet(t *testing.T) {
	c := newHandleCache(10)
	c.set("did:plc:alice", handleResult{Handle: "alice.bsky.social", Found: true})

	got, ok := c.get("did:plc:alice")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Handle != "alice.bsky.social" || !got.Found {
		t.Fatalf("got %+v", got)
	}
}

func TestHandleCache_MissReturnsFalse(t *testing.T) {
	c := newHandleCache(10)
	if _, ok := c.get("did:plc:unknown"); ok {
		t.Fatal("expected cache miss")
	}
}

func TestHandleCache_NegativeResultCached(t *testing.T) {
	c := newHandleCache(10)
	c.set("did:plc:gone", handleResult{Found: false})

	got, ok := c.get("did:plc:gone")
	if !ok {
		t.Fatal("expected cache hit for cached negative result")
	}
	if got.Found || got.Handle != "" {
		t.Fatalf("got %+v, want empty negative result", got)
	}
}

func TestHandleCache_Purge(t *testing.T) {
	c := newHandleCache(10)
	c.set("did:plc:alice", handleResult{Handle: "alice.bsky.social", Found: true})
	c.purge("did:plc:alice")

	if _, ok := c.get("did:plc:alice"); ok {
		t.Fatal("expected cache miss after purge")
	}
}

func TestNewHandleCache_DefaultsNonPositiveCapacity(t *testing.T) {
	c := newHandleCache(0)
	if c.inner.Len() != 0 {
		t.Fatalf("fresh cache should be empty, got len %d", c.inner.Len())
	}
	c.set("did:plc:alice", handleResult{Handle: "alice.bsky.social", Found: true})
	if _, ok := c.get("did:plc:alice"); !ok {
		t.Fatal("expected cache to function with default capacity")
	}
}
