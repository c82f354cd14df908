package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"pastevault/pkg/domain"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed      = 0
	circuitOpen        = 1
	circuitHalfOpen    = 2
	maxFailures        = 5
	cooldownSeconds    = 30
	minResponseTime    = 50 * time.Millisecond
	responseTimeJitter = 20 * time.Millisecond
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	_, err = s.db.Exec("PRAGMA synchronous=FULL")
	if err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT NOT NULL,
		slug TEXT PRIMARY KEY,
		ciphertext TEXT NOT NULL DEFAULT '',
		nonce TEXT NOT NULL,
		salt TEXT NOT NULL DEFAULT '',
		kdf_params TEXT NOT NULL DEFAULT '',
		wrapped_payload BLOB,
		wrapped_dek BLOB,
		created_at DATETIME NOT NULL,
		expires_at DATETIME,
		burn_after_read INTEGER NOT NULL DEFAULT 0,
		is_burned INTEGER NOT NULL DEFAULT 0,
		view_count INTEGER NOT NULL DEFAULT 0,
		client_ip_hash TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
	`
	_, err = s.db.Exec(query)
	return err
}

func normalizeResponseTime(start time.Time) {
	elapsed := time.Since(start)
	var jitterNanos int64
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		jitterNanos = int64(responseTimeJitter)
	} else {
		jitterNanos = int64(binary.BigEndian.Uint64(b[:]) % uint64(responseTimeJitter))
	}
	target := minResponseTime + time.Duration(jitterNanos)
	if elapsed < target {
		time.Sleep(target - elapsed)
	}
}

func (s *SQLite) Create(ctx context.Context, p *domain.SealedPaste, clientIPHash string) error {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (id, slug, ciphertext, nonce, salt, kdf_params, wrapped_payload, wrapped_dek, created_at, expires_at, burn_after_read, client_ip_hash)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	// Stored timestamps are always UTC so the text comparisons in the
	// read and cleanup guards are well defined.
	var expiresAt interface{}
	if p.ExpiresAt != nil {
		expiresAt = p.ExpiresAt.UTC()
	}
	_, err := s.db.ExecContext(queryCtx, q,
		p.ID, p.Slug, p.Ciphertext, p.Nonce, p.Salt, p.KDFParams,
		p.WrappedPayload, p.WrappedDEK, p.CreatedAt.UTC(), expiresAt, p.BurnAfterRead, clientIPHash,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return domain.ErrSlugTaken
		}
	}
	s.recordError(err)
	return errors.Wrap(err, "db create")
}

// ReadForView performs the read state transition in one transaction: a
// single conditional UPDATE increments view_count and flips is_burned on
// the first view of a burn-after-read paste. Two concurrent first reads
// cannot both match the UPDATE's guard, so at most one reader wins a
// burn paste. Expired rows are deleted before the error is returned.
func (s *SQLite) ReadForView(ctx context.Context, slug string) (*domain.SealedPaste, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "begin read tx")
	}
	defer tx.Rollback()

	// Expiry timestamps are stored in UTC; the driver binds time.Time as
	// offset-suffixed text and SQLite compares those strings, so the
	// bound value must be UTC too or the guard is off by the host offset.
	now := time.Now().UTC()
	res, err := tx.ExecContext(queryCtx, `
	UPDATE pastes SET
		view_count = view_count + 1,
		is_burned = CASE WHEN burn_after_read = 1 AND view_count = 0 THEN 1 ELSE is_burned END
	WHERE slug = ? AND is_burned = 0 AND (expires_at IS NULL OR expires_at > ?)
	`, slug, now)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "view transition")
	}
	n, err := res.RowsAffected()
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "rows affected")
	}

	if n == 0 {
		reason, err := s.classifyGone(queryCtx, tx, slug, now)
		if err != nil {
			s.recordError(err)
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			s.recordError(err)
			return nil, errors.Wrap(err, "commit gone classification")
		}
		s.recordError(nil)
		return nil, reason
	}

	p, err := scanPaste(tx.QueryRowContext(queryCtx, selectPaste+` WHERE slug = ?`, slug))
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "read after transition")
	}
	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "commit read tx")
	}
	s.recordError(nil)
	return p, nil
}

// classifyGone decides which terminal condition blocked the view
// transition. Expired rows are removed here; the read path must not
// depend on the sweep having run.
func (s *SQLite) classifyGone(ctx context.Context, tx *sql.Tx, slug string, now time.Time) (error, error) {
	var isBurned bool
	var expiresAt sql.NullTime
	err := tx.QueryRowContext(ctx, `SELECT is_burned, expires_at FROM pastes WHERE slug = ?`, slug).
		Scan(&isBurned, &expiresAt)
	if err == sql.ErrNoRows {
		return domain.ErrPasteNotFound, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "classify gone")
	}
	if isBurned {
		return domain.ErrPasteBurned, nil
	}
	if expiresAt.Valid && now.After(expiresAt.Time) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pastes WHERE slug = ?`, slug); err != nil {
			return nil, errors.Wrap(err, "delete expired row")
		}
		return domain.ErrPasteExpired, nil
	}
	// Row changed between UPDATE and SELECT; treat as gone.
	return domain.ErrPasteNotFound, nil
}

const selectPaste = `
	SELECT id, slug, ciphertext, nonce, salt, kdf_params, wrapped_payload, wrapped_dek,
		created_at, expires_at, burn_after_read, is_burned, view_count
	FROM pastes`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPaste(row rowScanner) (*domain.SealedPaste, error) {
	var p domain.SealedPaste
	var expiresAt sql.NullTime
	err := row.Scan(
		&p.ID, &p.Slug, &p.Ciphertext, &p.Nonce, &p.Salt, &p.KDFParams,
		&p.WrappedPayload, &p.WrappedDEK,
		&p.CreatedAt, &expiresAt, &p.BurnAfterRead, &p.IsBurned, &p.ViewCount,
	)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		p.ExpiresAt = &t
	}
	return &p, nil
}

// Peek returns a row without any state transition. Gone-ness is still
// enforced so callers never see burned or expired content.
func (s *SQLite) Peek(ctx context.Context, slug string) (*domain.SealedPaste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, selectPaste+` WHERE slug = ?`, slug))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db peek")
	}
	if p.IsBurned {
		return nil, domain.ErrPasteBurned
	}
	if p.Expired(time.Now()) {
		return nil, domain.ErrPasteExpired
	}
	return p, nil
}

func (s *SQLite) Delete(ctx context.Context, slug string) error {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `DELETE FROM pastes WHERE slug = ?`
	_, err := s.db.ExecContext(queryCtx, q, slug)
	s.recordError(err)
	return errors.Wrap(err, "delete paste")
}

func (s *SQLite) Exists(ctx context.Context, slug string) (bool, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	q := `SELECT 1 FROM pastes WHERE slug = ? LIMIT 1`
	err := s.db.QueryRowContext(queryCtx, q, slug).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

// CleanupExpired removes rows that are logically gone: past expiry or
// already burned. Batched so a large backlog cannot hold a write lock
// for long. Safe to run concurrently with itself.
func (s *SQLite) CleanupExpired(ctx context.Context) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	totalDeleted := 0
	maxIterations := 10000
	for i := 0; i < maxIterations; i++ {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE slug IN (
				SELECT slug FROM pastes
				WHERE (expires_at IS NOT NULL AND expires_at < ?) OR is_burned = 1
				LIMIT 100
			)
		`, time.Now().UTC())
		cancel()
		s.recordError(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "cleanup batch failed")
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	if totalDeleted == maxIterations*100 {
		return totalDeleted, errors.New("cleanup hit iteration limit, more records may exist")
	}
	return totalDeleted, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
