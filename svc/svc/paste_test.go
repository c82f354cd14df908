package svc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pastevault/cfg"
	"pastevault/pkg/domain"
	"pastevault/pkg/kms"
	"pastevault/pkg/vault"
	"pastevault/svc/cache"
	"pastevault/svc/db"
)

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		TombstoneCacheSize: 128,
		TombstoneTTL:       time.Minute,
		TombstoneWorkers:   2,
		MaxPasteSize:       1 << 20,
		MaxCreateLoad:      100,
		DEKCacheTTL:        time.Minute,
	}
}

func newEngine(t *testing.T, c *cfg.Cfg, adapter *kms.Adapter) *Paste {
	t.Helper()
	store, err := db.NewSQLiteWithConfig(filepath.Join(t.TempDir(), "test.db"), 10, 5, 5*time.Second)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	tombs, err := cache.NewTombstones(c.TombstoneCacheSize)
	if err != nil {
		t.Fatalf("tombstones: %v", err)
	}
	p := NewPaste(store, tombs, nil, adapter, c)
	t.Cleanup(func() {
		p.Shutdown()
		store.Close()
	})
	return p
}

func sealedParams(t *testing.T, slug string, burn bool, expiresIn time.Duration) domain.CreateParams {
	t.Helper()
	proto := vault.New(nil)
	if slug == "" {
		var err error
		slug, err = proto.NewSlug()
		if err != nil {
			t.Fatal(err)
		}
	}
	content := domain.Content{Body: "secret note", RenderMode: domain.RenderPlain}
	sealed, _, err := proto.Seal(content, slug)
	if err != nil {
		t.Fatal(err)
	}
	return domain.CreateParams{
		Slug:          slug,
		Ciphertext:    sealed.Ciphertext,
		Nonce:         sealed.Nonce,
		ExpiresIn:     expiresIn,
		BurnAfterRead: burn,
	}
}

func TestCreateReadRoundTrip(t *testing.T) {
	p := newEngine(t, testCfg(), nil)
	ctx := context.Background()

	params := sealedParams(t, "", false, time.Hour)
	created, err := p.Create(ctx, params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Slug != params.Slug {
		t.Errorf("slug = %q, want %q", created.Slug, params.Slug)
	}
	if created.ExpiresAt == nil {
		t.Fatal("expiry not set")
	}

	got, err := p.Read(ctx, params.Slug)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Ciphertext != params.Ciphertext || got.Nonce != params.Nonce {
		t.Error("sealed record not returned verbatim")
	}
}

func TestCreateGeneratesSlugWhenAbsent(t *testing.T) {
	p := newEngine(t, testCfg(), nil)
	params := sealedParams(t, "serverpicks1", false, 0)
	params.Slug = ""
	created, err := p.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !vault.ValidSlug(created.Slug) {
		t.Errorf("generated slug %q is invalid", created.Slug)
	}
	if created.ExpiresAt != nil {
		t.Error("paste without expiry got an expiry")
	}
}

func TestCreateRejectsBadSlug(t *testing.T) {
	p := newEngine(t, testCfg(), nil)
	params := sealedParams(t, "goodslug0000", false, 0)
	params.Slug = "bad slug!"
	if _, err := p.Create(context.Background(), params); err != domain.ErrInvalidSlug {
		t.Errorf("err = %v, want ErrInvalidSlug", err)
	}
}

func TestCreateSlugCollision(t *testing.T) {
	p := newEngine(t, testCfg(), nil)
	ctx := context.Background()
	params := sealedParams(t, "collide00000", false, 0)
	if _, err := p.Create(ctx, params); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := p.Create(ctx, params); err != domain.ErrSlugTaken {
		t.Errorf("err = %v, want ErrSlugTaken", err)
	}
}

func TestCreateOversizedRejected(t *testing.T) {
	c := testCfg()
	c.MaxPasteSize = 64
	p := newEngine(t, c, nil)
	params := sealedParams(t, "toobig000000", false, 0)
	params.Ciphertext = strings.Repeat("A", 200)
	if _, err := p.Create(context.Background(), params); err != domain.ErrPasteTooLarge {
		t.Errorf("err = %v, want ErrPasteTooLarge", err)
	}
}

func TestBurnAfterReadLifecycle(t *testing.T) {
	p := newEngine(t, testCfg(), nil)
	ctx := context.Background()

	params := sealedParams(t, "", true, 0)
	if _, err := p.Create(ctx, params); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := p.Read(ctx, params.Slug)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if got.Ciphertext != params.Ciphertext {
		t.Error("winning read did not get the payload")
	}

	// Every later read hits either the tombstone or the burned row.
	for i := 0; i < 3; i++ {
		if _, err := p.Read(ctx, params.Slug); err != domain.ErrPasteBurned {
			t.Errorf("read %d err = %v, want ErrPasteBurned", i+2, err)
		}
	}
}

// A stale tombstone is cleared before the row insert, not after, so a
// read racing a re-create resolves against the database instead of the
// old gone marker. Observable here: a re-create that loses to a
// still-occupied slug leaves no tombstone behind, and the database
// still reports the slug burned.
func TestRecreateClearsTombstoneBeforeInsert(t *testing.T) {
	p := newEngine(t, testCfg(), nil)
	ctx := context.Background()

	params := sealedParams(t, "", true, 0)
	if _, err := p.Create(ctx, params); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := p.Read(ctx, params.Slug); err != nil {
		t.Fatalf("burning read: %v", err)
	}
	if got := p.tombs.Reason(ctx, params.Slug); got != GoneBurned {
		t.Fatalf("tombstone reason = %q, want %q", got, GoneBurned)
	}

	// The burned row still holds the slug until the sweep runs.
	_, err := p.Create(ctx, sealedParams(t, params.Slug, false, 0))
	if err != domain.ErrSlugTaken {
		t.Fatalf("re-create err = %v, want ErrSlugTaken", err)
	}
	if got := p.tombs.Reason(ctx, params.Slug); got != "" {
		t.Errorf("tombstone survived failed re-create: %q", got)
	}
	if _, err := p.Read(ctx, params.Slug); err != domain.ErrPasteBurned {
		t.Errorf("read err = %v, want ErrPasteBurned", err)
	}
}

func TestBurnRaceThroughEngine(t *testing.T) {
	p := newEngine(t, testCfg(), nil)
	ctx := context.Background()

	params := sealedParams(t, "", true, 0)
	if _, err := p.Create(ctx, params); err != nil {
		t.Fatalf("create: %v", err)
	}

	const readers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Read(ctx, params.Slug); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
}

func TestExpiredPaste(t *testing.T) {
	p := newEngine(t, testCfg(), nil)
	ctx := context.Background()

	params := sealedParams(t, "", false, 20*time.Millisecond)
	if _, err := p.Create(ctx, params); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if _, err := p.Read(ctx, params.Slug); err != domain.ErrPasteExpired {
		t.Fatalf("err = %v, want ErrPasteExpired", err)
	}
	// The tombstone keeps reporting expired even though the row is gone.
	if _, err := p.Read(ctx, params.Slug); err != domain.ErrPasteExpired {
		t.Errorf("repeat read err = %v, want ErrPasteExpired from tombstone", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	p := newEngine(t, testCfg(), nil)
	ctx := context.Background()

	params := sealedParams(t, "", false, 0)
	if _, err := p.Create(ctx, params); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := p.Delete(ctx, params.Slug); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := p.Delete(ctx, params.Slug); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if err := p.Delete(ctx, "unknown00000"); err != nil {
		t.Fatalf("delete unknown: %v", err)
	}
	if _, err := p.Read(ctx, params.Slug); err != domain.ErrPasteNotFound {
		t.Errorf("read after delete err = %v, want ErrPasteNotFound", err)
	}
}

func TestAtRestWrapRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	adapter, err := kms.NewLocalAdapter(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("local adapter: %v", err)
	}
	c := testCfg()
	c.AtRestWrap = true
	p := newEngine(t, c, adapter)
	ctx := context.Background()

	params := sealedParams(t, "", false, time.Hour)
	if _, err := p.Create(ctx, params); err != nil {
		t.Fatalf("create: %v", err)
	}

	// The stored row holds only the wrapped blob.
	stored, err := p.db.Peek(ctx, params.Slug)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if stored.Ciphertext != "" || len(stored.WrappedPayload) == 0 {
		t.Error("row not wrapped at rest")
	}

	got, err := p.Read(ctx, params.Slug)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Ciphertext != params.Ciphertext || got.Nonce != params.Nonce {
		t.Error("unwrapped record differs from original")
	}
}
