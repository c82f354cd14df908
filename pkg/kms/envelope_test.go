package kms

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"
)

func newLocalAdapter(t *testing.T) *Adapter {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	a, err := NewLocalAdapter(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("local adapter: %v", err)
	}
	return a
}

func TestWrapUnwrapRecord(t *testing.T) {
	a := newLocalAdapter(t)
	cache := NewDEKCache(a, time.Minute)
	defer cache.Stop()
	ctx := context.Background()

	record := []byte(`{"ct":"sealed-bytes","nonce":"n"}`)
	payload, wrappedDEK, err := WrapRecord(ctx, a, record, "abc123def456")
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if bytes.Contains(payload, []byte("sealed-bytes")) {
		t.Error("payload contains unwrapped record bytes")
	}

	got, err := UnwrapRecord(ctx, cache, payload, wrappedDEK, "abc123def456")
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(got, record) {
		t.Error("record does not round-trip")
	}
}

func TestUnwrapWrongSlugFails(t *testing.T) {
	a := newLocalAdapter(t)
	cache := NewDEKCache(a, time.Minute)
	defer cache.Stop()
	ctx := context.Background()

	payload, wrappedDEK, err := WrapRecord(ctx, a, []byte("record"), "slugaaaaaaaa")
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if _, err := UnwrapRecord(ctx, cache, payload, wrappedDEK, "slugbbbbbbbb"); err == nil {
		t.Error("unwrap succeeded under a different slug")
	}
}

func TestUnwrapTamperedPayloadFails(t *testing.T) {
	a := newLocalAdapter(t)
	cache := NewDEKCache(a, time.Minute)
	defer cache.Stop()
	ctx := context.Background()

	payload, wrappedDEK, err := WrapRecord(ctx, a, []byte("record"), "slugaaaaaaaa")
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	payload[len(payload)-1] ^= 0x01
	if _, err := UnwrapRecord(ctx, cache, payload, wrappedDEK, "slugaaaaaaaa"); err != ErrDecryptionFailed {
		t.Errorf("err = %v, want ErrDecryptionFailed", err)
	}
}

func TestDEKCacheReuse(t *testing.T) {
	a := newLocalAdapter(t)
	cache := NewDEKCache(a, time.Minute)
	defer cache.Stop()
	ctx := context.Background()

	_, wrappedDEK, err := WrapRecord(ctx, a, []byte("record"), "slugaaaaaaaa")
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	first, err := cache.Unwrap(ctx, wrappedDEK, "slugaaaaaaaa")
	if err != nil {
		t.Fatalf("first unwrap: %v", err)
	}
	second, err := cache.Unwrap(ctx, wrappedDEK, "slugaaaaaaaa")
	if err != nil {
		t.Fatalf("cached unwrap: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("cached DEK differs from original")
	}
	if stats := cache.Stats(); stats.Entries != 1 {
		t.Errorf("cache entries = %d, want 1", stats.Entries)
	}
}

func TestDEKCacheStop(t *testing.T) {
	a := newLocalAdapter(t)
	cache := NewDEKCache(a, time.Minute)
	ctx := context.Background()

	_, wrappedDEK, err := WrapRecord(ctx, a, []byte("record"), "slugaaaaaaaa")
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	cache.Stop()
	if _, err := cache.Unwrap(ctx, wrappedDEK, "slugaaaaaaaa"); err != ErrProviderUnavailable {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}
}

func TestLocalAdapterKeyValidation(t *testing.T) {
	if _, err := NewLocalAdapter(""); err == nil {
		t.Error("empty key accepted")
	}
	if _, err := NewLocalAdapter("not-base64!!"); err == nil {
		t.Error("invalid base64 accepted")
	}
	short := base64.StdEncoding.EncodeToString(make([]byte, 16))
	if _, err := NewLocalAdapter(short); err == nil {
		t.Error("short key accepted")
	}
}
