package vault

import (
	"bytes"
	"testing"
	"time"

	"pastevault/pkg/domain"
)

func TestShareURLAndFragment(t *testing.T) {
	key := bytes.Repeat([]byte{0x7F}, KeySize)
	url := ShareURL("https://paste.example.com/", "abc123DEF456", key)
	idx := len("https://paste.example.com/p/abc123DEF456")
	if url[:idx] != "https://paste.example.com/p/abc123DEF456" {
		t.Fatalf("unexpected share url %q", url)
	}
	got := KeyFromFragment(url[idx:])
	if !bytes.Equal(got, key) {
		t.Errorf("fragment round trip: got %x, want %x", got, key)
	}
}

func TestKeyFromFragmentVariants(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, KeySize)
	encoded := b64.EncodeToString(key)
	if got := KeyFromFragment("#lang=en&k=" + encoded); !bytes.Equal(got, key) {
		t.Error("ampersand-prefixed key not extracted")
	}
	if KeyFromFragment("#k=") != nil {
		t.Error("empty key accepted")
	}
	if KeyFromFragment("#k=AAAA") != nil {
		t.Error("short key accepted")
	}
	if KeyFromFragment("") != nil {
		t.Error("empty fragment yielded a key")
	}
}

func TestValidSlug(t *testing.T) {
	if !ValidSlug("abc-DEF_0123") {
		t.Error("well-formed slug rejected")
	}
	for _, bad := range []string{"", "short", "has space 123", "semi;colons!!", "ünïcödé12345"} {
		if ValidSlug(bad) {
			t.Errorf("ValidSlug(%q) accepted", bad)
		}
	}
}

func TestContentHashStable(t *testing.T) {
	c := domain.Content{Title: "t", Body: "b", RenderMode: domain.RenderPlain}
	a, err := ContentHash(c)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ContentHash(c)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("content hash unstable across calls")
	}
	c.Body = "b2"
	c2, err := ContentHash(c)
	if err != nil {
		t.Fatal(err)
	}
	if a == c2 {
		t.Error("different content produced identical hashes")
	}
}

func TestDrafts(t *testing.T) {
	store := NewMemScratch()
	d := NewDrafts(store)
	content := domain.Content{Title: "wip", Body: "draft body", RenderMode: domain.RenderPlain}
	if err := d.Save(content); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok := d.Load()
	if !ok {
		t.Fatal("saved draft not found")
	}
	if got != content {
		t.Errorf("draft round trip: got %+v", got)
	}
	d.Clear()
	if _, ok := d.Load(); ok {
		t.Error("draft survived Clear")
	}
}

func TestDraftsExpireAfterSevenDays(t *testing.T) {
	store := NewMemScratch()
	d := NewDrafts(store)
	if err := d.Save(domain.Content{Body: "old", RenderMode: domain.RenderPlain}); err != nil {
		t.Fatal(err)
	}
	d.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	if _, ok := d.Load(); ok {
		t.Error("stale draft was returned")
	}
	if _, ok := store.Get("pastevault_draft"); ok {
		t.Error("stale draft not evicted from store")
	}
}
