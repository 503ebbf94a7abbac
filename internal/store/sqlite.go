package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/lucasew/imgcache/internal/errutil"
	"github.com/lucasew/imgcache/internal/hashutil"
	"github.com/lucasew/imgcache/internal/registry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func init() {
	Register("sqlite", func(ctx context.Context, opts Options) (Store, error) {
		return OpenSQLite(ctx, opts)
	})
}

const selectColumns = `url, size, digest, cached_at, last_accessed, expires_at, access_count, section, priority`

// SQLite persists entries in a single sqlite database file.
type SQLite struct {
	// mu serializes every mutation so the budget check and the write that
	// depends on it see the same state.
	mu   sync.Mutex
	db   *sql.DB
	opts Options
}

// OpenSQLite opens (creating if needed) the database at opts.Path and applies
// pending migrations.
func OpenSQLite(ctx context.Context, opts Options) (*SQLite, error) {
	opts = opts.withDefaults()
	if opts.Path == "" {
		return nil, fmt.Errorf("sqlite store requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, &Error{Op: "open", Err: fmt.Errorf("%w: %w", ErrPermission, err)}
	}

	dsn := opts.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		errutil.LogMsg(db.Close(), "Failed to close database")
		return nil, &Error{Op: "open", Err: mapError(err)}
	}

	if err := migrateUp(db); err != nil {
		errutil.LogMsg(db.Close(), "Failed to close database")
		return nil, err
	}

	slog.Info("Opened image store", "path", opts.Path, "max_bytes", opts.MaxBytes)
	return &SQLite{db: db, opts: opts}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	// m.Close would also close db, only the source is released here.
	defer func() {
		errutil.LogMsg(src.Close(), "Failed to close migration source")
	}()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// mapError translates sqlite result codes into the store error taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_FULL:
			return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
		case sqlite3lib.SQLITE_PERM, sqlite3lib.SQLITE_READONLY, sqlite3lib.SQLITE_CANTOPEN, sqlite3lib.SQLITE_AUTH:
			return fmt.Errorf("%w: %w", ErrPermission, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func (s *SQLite) Budget() int64 {
	return s.opts.MaxBytes
}

func (s *SQLite) Put(ctx context.Context, e Entry) error {
	size := int64(len(e.Payload))
	if size > s.opts.MaxBytes {
		return &Error{Op: "put", URL: e.URL, Err: ErrQuotaExceeded}
	}
	digest, err := hashutil.Sum(s.opts.DigestAlgo, e.Payload)
	if err != nil {
		return &Error{Op: "put", URL: e.URL, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	if err := s.put(ctx, e, size, digest, now); err != nil {
		return &Error{Op: "put", URL: e.URL, Err: mapError(err)}
	}
	slog.Debug("Stored image", "url", e.URL, "size", size, "section", e.Section)
	return nil
}

func (s *SQLite) put(ctx context.Context, e Entry, size int64, digest string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM images WHERE url != ?`, e.URL,
	).Scan(&current); err != nil {
		return err
	}

	if current+size > s.opts.MaxBytes {
		// 1. Expired entries
		res, err := tx.ExecContext(ctx, `DELETE FROM images WHERE expires_at <= ? AND url != ?`, now.UnixMilli(), e.URL)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(SUM(size), 0) FROM images WHERE url != ?`, e.URL,
			).Scan(&current); err != nil {
				return err
			}
		}

		// 2. Least recently used
		if current+size > s.opts.MaxBytes {
			victims, err := lruVictims(ctx, tx, e.URL, current+size-s.opts.MaxBytes)
			if err != nil {
				return err
			}
			for _, v := range victims {
				if _, err := tx.ExecContext(ctx, `DELETE FROM images WHERE url = ?`, v); err != nil {
					return err
				}
			}
			slog.Info("Evicted images to make room", "url", e.URL, "count", len(victims))
		}
	}

	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return err
	}
	ms := now.UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO images (url, payload, size, digest, cached_at, last_accessed, access_seq, expires_at, access_count, section, priority)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			payload = excluded.payload,
			size = excluded.size,
			digest = excluded.digest,
			cached_at = excluded.cached_at,
			last_accessed = excluded.last_accessed,
			access_seq = excluded.access_seq,
			expires_at = excluded.expires_at,
			access_count = 0,
			section = excluded.section,
			priority = excluded.priority`,
		e.URL, e.Payload, size, digest, ms, ms, seq,
		now.Add(ttlFor(e, s.opts.DefaultTTL)).UnixMilli(), e.Section, int(e.Priority),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func lruVictims(ctx context.Context, tx *sql.Tx, keep string, need int64) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT url, size FROM images WHERE url != ? ORDER BY last_accessed ASC, access_seq ASC`, keep)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var victims []string
	var freed int64
	for freed < need && rows.Next() {
		var u string
		var size int64
		if err := rows.Scan(&u, &size); err != nil {
			return nil, err
		}
		victims = append(victims, u)
		freed += size
	}
	return victims, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nextSeq(ctx context.Context, q queryer) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(access_seq), 0) + 1 FROM images`).Scan(&seq)
	return seq, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeta(sc scanner, extra ...any) (Meta, error) {
	var m Meta
	var cachedAt, lastAccessed, expiresAt int64
	var priority int
	dest := append([]any{&m.URL, &m.Size, &m.Digest, &cachedAt, &lastAccessed, &expiresAt, &m.AccessCount, &m.Section, &priority}, extra...)
	if err := sc.Scan(dest...); err != nil {
		return m, err
	}
	m.CachedAt = time.UnixMilli(cachedAt)
	m.LastAccessed = time.UnixMilli(lastAccessed)
	m.ExpiresAt = time.UnixMilli(expiresAt)
	m.Priority = registry.Priority(priority)
	return m, nil
}

func (s *SQLite) lookup(ctx context.Context, op, url string, touch bool) (*CachedImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	img := &CachedImage{}
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+`, payload FROM images WHERE url = ?`, url)
	meta, err := scanMeta(row, &img.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Op: op, URL: url, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &Error{Op: op, URL: url, Err: mapError(err)}
	}
	img.Meta = meta

	now := s.opts.Now()
	if expired(img.ExpiresAt, now) {
		_, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE url = ?`, url)
		errutil.LogMsg(err, "Failed to delete expired image", "url", url)
		return nil, &Error{Op: op, URL: url, Err: ErrNotFound}
	}

	if touch {
		seq, err := nextSeq(ctx, s.db)
		if err != nil {
			return nil, &Error{Op: op, URL: url, Err: mapError(err)}
		}
		ms := now.UnixMilli()
		if _, err := s.db.ExecContext(ctx,
			`UPDATE images SET access_count = access_count + 1, last_accessed = ?, access_seq = ? WHERE url = ?`,
			ms, seq, url,
		); err != nil {
			return nil, &Error{Op: op, URL: url, Err: mapError(err)}
		}
		img.AccessCount++
		img.LastAccessed = time.UnixMilli(ms)
	}
	return img, nil
}

func (s *SQLite) Get(ctx context.Context, url string) (*CachedImage, error) {
	return s.lookup(ctx, "get", url, true)
}

func (s *SQLite) Peek(ctx context.Context, url string) (*CachedImage, error) {
	return s.lookup(ctx, "peek", url, false)
}

func (s *SQLite) Remove(ctx context.Context, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE url = ?`, url)
	if err != nil {
		return false, &Error{Op: "remove", URL: url, Err: mapError(err)}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) Clear(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM images`)
	if err != nil {
		return 0, &Error{Op: "clear", Err: mapError(err)}
	}
	n, _ := res.RowsAffected()
	slog.Info("Cleared image store", "removed", n)
	return int(n), nil
}

func (s *SQLite) List(ctx context.Context) ([]Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(ctx)
}

func (s *SQLite) list(ctx context.Context) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM images WHERE expires_at > ? ORDER BY last_accessed ASC, access_seq ASC`,
		s.opts.Now().UnixMilli())
	if err != nil {
		return nil, &Error{Op: "list", Err: mapError(err)}
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, &Error{Op: "list", Err: mapError(err)}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "list", Err: mapError(err)}
	}
	return out, nil
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	metas, err := s.list(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := newStats(s.opts.MaxBytes)
	for _, m := range metas {
		st.add(m)
	}
	st.finish()
	return st, nil
}

func (s *SQLite) RemoveExpired(ctx context.Context) (int, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, &Error{Op: "remove_expired", Err: mapError(err)}
	}
	defer func() { _ = tx.Rollback() }()

	now := s.opts.Now().UnixMilli()
	var count int
	var freed int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM images WHERE expires_at <= ?`, now,
	).Scan(&count, &freed); err != nil {
		return 0, 0, &Error{Op: "remove_expired", Err: mapError(err)}
	}
	if count == 0 {
		return 0, 0, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM images WHERE expires_at <= ?`, now); err != nil {
		return 0, 0, &Error{Op: "remove_expired", Err: mapError(err)}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, &Error{Op: "remove_expired", Err: mapError(err)}
	}
	return count, freed, nil
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
