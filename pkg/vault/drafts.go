package vault

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"pastevault/pkg/domain"
)

const draftMaxAge = 7 * 24 * time.Hour

// ScratchStore is the injected key-value capability backing draft
// auto-save. Browsers hand in localStorage; tests hand in a map.
type ScratchStore interface {
	Get(key string) (string, bool)
	Set(key string, value string) error
	Delete(key string)
}

const draftKey = "pastevault_draft"

type draftRecord struct {
	Content domain.Content `json:"content"`
	SavedAt int64          `json:"saved_at"`
}

// Drafts persists in-progress plaintext locally so a page reload does
// not lose work. Drafts never leave the client.
type Drafts struct {
	store ScratchStore
	now   func() time.Time
}

func NewDrafts(store ScratchStore) *Drafts {
	return &Drafts{store: store, now: time.Now}
}

func (d *Drafts) Save(c domain.Content) error {
	rec := draftRecord{Content: c, SavedAt: d.now().UnixMilli()}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal draft")
	}
	return d.store.Set(draftKey, string(data))
}

// Load returns the saved draft, discarding drafts older than seven days.
func (d *Drafts) Load() (domain.Content, bool) {
	raw, ok := d.store.Get(draftKey)
	if !ok {
		return domain.Content{}, false
	}
	var rec draftRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		d.store.Delete(draftKey)
		return domain.Content{}, false
	}
	if d.now().UnixMilli()-rec.SavedAt > draftMaxAge.Milliseconds() {
		d.store.Delete(draftKey)
		return domain.Content{}, false
	}
	return rec.Content, true
}

func (d *Drafts) Clear() {
	d.store.Delete(draftKey)
}

// MemScratch is an in-memory ScratchStore for tests and headless use.
type MemScratch struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemScratch() *MemScratch {
	return &MemScratch{m: make(map[string]string)}
}

func (s *MemScratch) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *MemScratch) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *MemScratch) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}
