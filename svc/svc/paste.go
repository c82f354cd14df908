package svc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"pastevault/cfg"
	"pastevault/metrics"
	"pastevault/pkg/domain"
	"pastevault/pkg/kms"
	"pastevault/pkg/vault"
	"pastevault/svc/cache"
	"pastevault/svc/db"
	"pastevault/svc/util"
)

const slugRetries = 5

const (
	GoneBurned  = "burned"
	GoneExpired = "expired"
	GoneDeleted = "deleted"
)

type tombEvent struct {
	slug   string
	reason string
}

// Paste runs the server-side lifecycle: it stores sealed records it
// cannot read, hands them back exactly as written, and enforces expiry
// and burn-after-read. Terminal slugs are propagated to the tombstone
// cache and Redis by a worker pool so repeat reads fail fast.
type Paste struct {
	db              *db.SQLite
	tombs           *cache.Tombstones
	rdb             *db.Redis
	kmsAdapter      *kms.Adapter
	dekCache        *kms.DEKCache
	proto           *vault.Protocol
	cfg             *cfg.Cfg
	tombQueue       chan tombEvent
	tombWorkerWg    sync.WaitGroup
	activeCreateOps int32
	shutdownCtx     context.Context
	shutdownFn      context.CancelFunc
	shutdown        atomic.Bool
	opWg            sync.WaitGroup
}

func NewPaste(sqlDB *db.SQLite, tombs *cache.Tombstones, rdb *db.Redis, kmsAdapter *kms.Adapter, c *cfg.Cfg) *Paste {
	if sqlDB == nil || tombs == nil || c == nil {
		panic("paste service: nil dependency (sqlDB, tombs, or cfg)")
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())

	p := &Paste{
		db:          sqlDB,
		tombs:       tombs,
		rdb:         rdb,
		kmsAdapter:  kmsAdapter,
		proto:       vault.New(nil),
		cfg:         c,
		tombQueue:   make(chan tombEvent, c.TombstoneWorkers*100),
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
	}
	if kmsAdapter != nil {
		p.dekCache = kms.NewDEKCache(kmsAdapter, c.DEKCacheTTL)
	}
	if c.TombstoneWorkers <= 0 {
		c.TombstoneWorkers = 4
	}
	p.startWorkers(c.TombstoneWorkers)
	return p
}

func (p *Paste) startWorkers(n int) {
	for i := 0; i < n; i++ {
		p.tombWorkerWg.Add(1)
		go p.tombWorker()
	}
}

func (p *Paste) tombWorker() {
	defer p.tombWorkerWg.Done()
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("tombstone worker panicked")
		}
	}()
	for ev := range p.tombQueue {
		if p.rdb == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(p.shutdownCtx, 5*time.Second)
		if err := p.rdb.MarkGone(ctx, ev.slug, ev.reason, p.cfg.TombstoneTTL); err != nil {
			if errors.Is(err, context.Canceled) {
				cancel()
				return
			}
			util.Warn().Err(err).Str("slug", ev.slug).Msg("failed to propagate tombstone")
		}
		cancel()
	}
}

// markGone records the terminal state locally right away and queues the
// Redis propagation. Local marking never blocks the request path.
func (p *Paste) markGone(ctx context.Context, slug, reason string) {
	p.tombs.Mark(ctx, slug, reason, p.cfg.TombstoneTTL)
	select {
	case p.tombQueue <- tombEvent{slug: slug, reason: reason}:
	default:
		util.Warn().Str("slug", slug).Msg("tombstone queue full, dropping propagation")
	}
}

func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	close(p.tombQueue)
	p.shutdownFn()
	done := make(chan struct{})
	go func() {
		p.tombWorkerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("tombstone workers didn't stop in time")
	}
	p.opWg.Wait()

	if p.dekCache != nil {
		p.dekCache.Stop()
	}

	util.Debug().Msg("paste service shutdown complete")
}

// sealedRecord is the stored shape of a client-sealed paste when at-rest
// wrapping is enabled. All fields are already ciphertext or public
// parameters from the client's point of view.
type sealedRecord struct {
	Ciphertext string `json:"ct"`
	Nonce      string `json:"nonce"`
	Salt       string `json:"salt,omitempty"`
	KDFParams  string `json:"kdf,omitempty"`
}

func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.SealedPaste, error) {
	if p.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()
	currentLoad := atomic.AddInt32(&p.activeCreateOps, 1)
	defer atomic.AddInt32(&p.activeCreateOps, -1)
	if currentLoad > int32(p.cfg.MaxCreateLoad) {
		return nil, errors.New("create pipeline overloaded")
	}
	if int64(base64.RawURLEncoding.DecodedLen(len(params.Ciphertext))) > p.cfg.MaxPasteSize {
		return nil, domain.ErrPasteTooLarge
	}

	slug := params.Slug
	clientChosen := slug != ""
	if clientChosen {
		if !vault.ValidSlug(slug) {
			return nil, domain.ErrInvalidSlug
		}
	} else {
		var err error
		slug, err = p.generateSlug(ctx)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	paste := &domain.SealedPaste{
		ID:            uuid.NewString(),
		Slug:          slug,
		Ciphertext:    params.Ciphertext,
		Nonce:         params.Nonce,
		Salt:          params.Salt,
		KDFParams:     params.KDFParams,
		CreatedAt:     now,
		BurnAfterRead: params.BurnAfterRead,
	}
	if params.ExpiresIn > 0 {
		t := now.Add(params.ExpiresIn)
		paste.ExpiresAt = &t
	}

	stored := *paste
	if p.cfg.AtRestWrap && p.kmsAdapter != nil {
		if err := p.wrapForStorage(ctx, &stored); err != nil {
			return nil, errors.Wrap(err, "at-rest wrap")
		}
	}

	// A client-chosen slug may be reusing one that previously died.
	// Clear stale tombstones before the insert so a read racing this
	// create consults the database, not the old gone marker. If the
	// insert then fails the database still answers correctly.
	if clientChosen {
		p.tombs.Remove(slug)
		if p.rdb != nil {
			if err := p.rdb.ClearGone(ctx, slug); err != nil {
				util.Warn().Err(err).Str("slug", slug).Msg("failed to clear stale tombstone")
			}
		}
	}

	if err := p.db.Create(ctx, &stored, params.ClientIPHash); err != nil {
		if errors.Is(err, domain.ErrSlugTaken) {
			return nil, domain.ErrSlugTaken
		}
		return nil, errors.Wrap(err, "create paste")
	}

	metrics.PasteCreated.Inc()
	return paste, nil
}

func (p *Paste) generateSlug(ctx context.Context) (string, error) {
	for i := 0; i < slugRetries; i++ {
		slug, err := p.proto.NewSlug()
		if err != nil {
			return "", errors.Wrap(err, "generate slug")
		}
		taken, err := p.db.Exists(ctx, slug)
		if err != nil {
			return "", errors.Wrap(err, "slug collision check")
		}
		if !taken {
			return slug, nil
		}
	}
	return "", domain.ErrSlugGeneration
}

func (p *Paste) wrapForStorage(ctx context.Context, paste *domain.SealedPaste) error {
	recJSON, err := json.Marshal(sealedRecord{
		Ciphertext: paste.Ciphertext,
		Nonce:      paste.Nonce,
		Salt:       paste.Salt,
		KDFParams:  paste.KDFParams,
	})
	if err != nil {
		return errors.Wrap(err, "marshal sealed record")
	}
	payload, wrappedDEK, err := kms.WrapRecord(ctx, p.kmsAdapter, recJSON, paste.Slug)
	if err != nil {
		metrics.AtRestOps.WithLabelValues("wrap_error").Inc()
		return err
	}
	paste.WrappedPayload = payload
	paste.WrappedDEK = wrappedDEK
	paste.Ciphertext = ""
	paste.Nonce = ""
	paste.Salt = ""
	paste.KDFParams = ""
	metrics.AtRestOps.WithLabelValues("wrap").Inc()
	return nil
}

func (p *Paste) unwrapFromStorage(ctx context.Context, paste *domain.SealedPaste) error {
	recJSON, err := kms.UnwrapRecord(ctx, p.dekCache, paste.WrappedPayload, paste.WrappedDEK, paste.Slug)
	if err != nil {
		metrics.AtRestOps.WithLabelValues("unwrap_error").Inc()
		return err
	}
	var rec sealedRecord
	if err := json.Unmarshal(recJSON, &rec); err != nil {
		return errors.Wrap(err, "unmarshal sealed record")
	}
	paste.Ciphertext = rec.Ciphertext
	paste.Nonce = rec.Nonce
	paste.Salt = rec.Salt
	paste.KDFParams = rec.KDFParams
	metrics.AtRestOps.WithLabelValues("unwrap").Inc()
	return nil
}

func goneError(reason string) error {
	switch reason {
	case GoneBurned:
		return domain.ErrPasteBurned
	case GoneExpired:
		return domain.ErrPasteExpired
	default:
		return domain.ErrPasteNotFound
	}
}

// Read returns the sealed record for a slug, applying the view
// transition. The first read of a burn-after-read paste succeeds and
// burns it; every later read fails with the burned error.
func (p *Paste) Read(ctx context.Context, slug string) (*domain.SealedPaste, error) {
	if p.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	if reason := p.tombs.Reason(ctx, slug); reason != "" {
		metrics.TombstoneHits.Inc()
		metrics.PasteGone.WithLabelValues(reason).Inc()
		return nil, goneError(reason)
	}
	if p.rdb != nil {
		if reason, err := p.rdb.GoneReason(ctx, slug); err == nil && reason != "" {
			p.tombs.Mark(ctx, slug, reason, p.cfg.TombstoneTTL)
			metrics.TombstoneHits.Inc()
			metrics.PasteGone.WithLabelValues(reason).Inc()
			return nil, goneError(reason)
		}
	}

	paste, err := p.db.ReadForView(ctx, slug)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPasteBurned):
			p.markGone(ctx, slug, GoneBurned)
			metrics.PasteGone.WithLabelValues(GoneBurned).Inc()
		case errors.Is(err, domain.ErrPasteExpired):
			p.markGone(ctx, slug, GoneExpired)
			metrics.PasteGone.WithLabelValues(GoneExpired).Inc()
		case errors.Is(err, domain.ErrPasteNotFound):
			metrics.PasteGone.WithLabelValues("not_found").Inc()
		default:
			return nil, errors.Wrap(err, "read paste")
		}
		return nil, err
	}

	if len(paste.WrappedPayload) > 0 {
		if p.dekCache == nil {
			return nil, errors.New("wrapped record but at-rest unwrapping is not configured")
		}
		if err := p.unwrapFromStorage(ctx, paste); err != nil {
			return nil, errors.Wrap(err, "at-rest unwrap")
		}
	}

	// This read consumed a burn-after-read paste. The row stays until
	// the sweep, but from here on the slug is terminal.
	if paste.IsBurned {
		p.markGone(ctx, slug, GoneBurned)
		if p.dekCache != nil && len(paste.WrappedDEK) > 0 {
			p.dekCache.Forget(paste.WrappedDEK, slug)
		}
		metrics.PasteBurned.Inc()
	}

	metrics.PasteRetrieved.Inc()
	return paste, nil
}

// Delete removes a paste unconditionally. It is idempotent: deleting an
// unknown, burned, or expired slug succeeds.
func (p *Paste) Delete(ctx context.Context, slug string) error {
	if p.shutdown.Load() {
		return errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := p.db.Delete(ctx, slug); err != nil {
		return errors.Wrap(err, "delete from db")
	}
	p.markGone(ctx, slug, GoneDeleted)
	util.Info().Str("slug", slug).Msg("paste deleted")
	return nil
}

var (
	sweeperOnce    sync.Once
	sweeperRunning atomic.Bool
)

// StartSweeper runs the periodic cleanup of expired and burned rows.
func StartSweeper(ctx context.Context, db *db.SQLite, interval time.Duration) error {
	if sweeperRunning.Load() {
		return errors.New("sweeper already running")
	}
	sweeperOnce.Do(func() {
		sweeperRunning.Store(true)
		go runSweeper(ctx, db, interval)
	})
	return nil
}

func runSweeper(ctx context.Context, db *db.SQLite, interval time.Duration) {
	defer sweeperRunning.Store(false)
	sweepRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, sweepRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", sweepRequestID).
		Dur("interval", interval).
		Msg("sweep worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", sweepRequestID).
				Msg("sweep worker shutting down")
			return
		case <-ticker.C:
			deleted, err := db.CleanupExpired(ctx)
			metrics.SweepCycles.Inc()
			if err != nil {
				util.Error().
					Err(err).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("sweep failed")
			} else if deleted > 0 {
				metrics.SweepDeleted.Add(float64(deleted))
				util.Info().
					Int("deleted", deleted).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("sweep completed")
			}
		}
	}
}
