package test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"pastevault/cfg"
	"pastevault/pkg/domain"
	"pastevault/pkg/vault"
	"pastevault/svc/api"
	"pastevault/svc/cache"
	"pastevault/svc/db"
	"pastevault/svc/lim"
	"pastevault/svc/svc"
	"pastevault/svc/util"
)

var envLoadOnce sync.Once

func loadTestEnv() {
	envLoadOnce.Do(func() {
		paths := []string{
			".env.test",
			"../.env.test",
		}
		for _, p := range paths {
			if absPath, err := filepath.Abs(p); err == nil {
				if _, err := os.Stat(absPath); err == nil {
					if err := godotenv.Load(absPath); err == nil {
						return
					}
				}
			}
		}
		if os.Getenv("PEPPER") == "" {
			os.Setenv("PEPPER", "0123456789ABCDEF0123456789ABCDEF")
		}
	})
}

func createTestConfig() *cfg.Cfg {
	loadTestEnv()
	return &cfg.Cfg{
		Port:               "0",
		Environment:        "test",
		LogLevel:           "error",
		DatabasePath:       ":memory:",
		TombstoneCacheSize: 1024,
		TombstoneTTL:       time.Minute,
		TombstoneWorkers:   4,
		MaxPasteSize:       1024 * 1024,
		MaxExpiryHours:     8760,
		MaxCreateLoad:      1000,
		AllowedOrigins:     []string{"*"},
		ContextTimeout:     30 * time.Second,
		RateLimit: cfg.RateLimitCfg{
			RPM:               100000,
			Burst:             10000,
			ConservativeLimit: 50000,
		},
		IPHashRotationInterval: 1 * time.Hour,
		DEKCacheTTL:            10 * time.Minute,
		CleanupInterval:        time.Hour,
	}
}

type testStack struct {
	srv    *api.Server
	engine *svc.Paste
	store  *db.SQLite
	cfg    *cfg.Cfg
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	c := createTestConfig()

	dsn := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", time.Now().UnixNano())
	store, err := db.NewSQLiteWithConfig(dsn, 250, 25, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	tombs, err := cache.NewTombstones(c.TombstoneCacheSize)
	if err != nil {
		t.Fatal(err)
	}
	hasher, err := util.NewIPHasher([]byte(os.Getenv("PEPPER")), c.IPHashRotationInterval)
	if err != nil {
		t.Fatal(err)
	}
	util.SetIPHasher(hasher)
	engine := svc.NewPaste(store, tombs, nil, nil, c)
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, nil, nil)
	srv := api.NewServer(c, engine, limiter, store, nil)
	t.Cleanup(func() {
		limiter.Stop()
		engine.Shutdown()
		store.Close()
		hasher.Stop()
		util.SetIPHasher(nil)
	})
	return &testStack{srv: srv, engine: engine, store: store, cfg: c}
}

type createReq struct {
	Slug           string `json:"slug,omitempty"`
	Ciphertext     string `json:"ciphertext"`
	Nonce          string `json:"nonce"`
	Salt           string `json:"salt,omitempty"`
	KDFParams      string `json:"kdf_params,omitempty"`
	ExpiresInHours int    `json:"expires_in_hours,omitempty"`
	BurnAfterRead  bool   `json:"burn_after_read,omitempty"`
}

type pasteResp struct {
	Metadata struct {
		Slug          string `json:"slug"`
		BurnAfterRead bool   `json:"burn_after_read"`
		IsBurned      bool   `json:"is_burned"`
		ViewCount     int64  `json:"view_count"`
	} `json:"metadata"`
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Salt       string `json:"salt,omitempty"`
	KDFParams  string `json:"kdf_params,omitempty"`
}

func (s *testStack) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.RemoteAddr = "203.0.113.50:9000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	}
	w := httptest.NewRecorder()
	s.srv.ServeHTTP(w, req)
	return w
}

// sealAndPost seals content client-side and posts it, returning the slug
// and the key that never left the client.
func (s *testStack) sealAndPost(t *testing.T, body string, burn bool) (string, []byte) {
	t.Helper()
	proto := vault.New(nil)
	slug, err := proto.NewSlug()
	if err != nil {
		t.Fatal(err)
	}
	content := domain.Content{Body: body, RenderMode: domain.RenderPlain}
	sealed, key, err := proto.Seal(content, slug)
	if err != nil {
		t.Fatal(err)
	}
	reqBody, err := json.Marshal(createReq{
		Slug:          slug,
		Ciphertext:    sealed.Ciphertext,
		Nonce:         sealed.Nonce,
		BurnAfterRead: burn,
	})
	if err != nil {
		t.Fatal(err)
	}
	w := s.do(http.MethodPost, "/api/pastes", reqBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	return slug, key
}
