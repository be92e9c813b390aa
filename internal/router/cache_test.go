package router

import (
	"fmt"
	"testing"

	"github.com/nextlevelbuilder/relaygate/internal/store"
)

func TestBindingCacheEviction(t *testing.T) {
	c := newBindingCache(3)

	for i := 0; i < 3; i++ {
		c.put(fmt.Sprintf("k%d", i), store.SessionBinding{SessionKey: fmt.Sprintf("k%d", i)})
	}

	// Touch k0 so k1 becomes the eviction candidate.
	if _, ok := c.get("k0"); !ok {
		t.Fatal("k0 missing")
	}

	c.put("k3", store.SessionBinding{SessionKey: "k3"})

	if _, ok := c.get("k1"); ok {
		t.Fatal("least recently used entry survived eviction")
	}
	for _, k := range []string{"k0", "k2", "k3"} {
		if _, ok := c.get(k); !ok {
			t.Fatalf("%s evicted unexpectedly", k)
		}
	}
	if c.len() != 3 {
		t.Fatalf("len = %d, want 3", c.len())
	}
}

func TestBindingCacheUpdateInPlace(t *testing.T) {
	c := newBindingCache(2)

	id := store.GenNewID()
	c.put("k", store.SessionBinding{SessionKey: "k"})
	c.put("k", store.SessionBinding{SessionKey: "k", ConversationID: id})

	if c.len() != 1 {
		t.Fatalf("duplicate put grew the cache: len = %d", c.len())
	}
	b, ok := c.get("k")
	if !ok || b.ConversationID != id {
		t.Fatalf("got %+v, want updated binding", b)
	}
}

func TestBindingCacheMiss(t *testing.T) {
	c := newBindingCache(0) // default size
	if _, ok := c.get("absent"); ok {
		t.Fatal("hit on empty cache")
	}
}
