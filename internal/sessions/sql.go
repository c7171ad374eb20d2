package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/haasonsaas/atlas/pkg/models"
)

// Dialect selects SQL placeholder style and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) driver() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// rebind rewrites ? placeholders to $N for postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS atlas_sessions (
	key        TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL,
	channel    TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`

// SQLConfig tunes the connection pool.
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns default pool settings.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLStore stores bindings in SQLite or PostgreSQL. Timestamps are kept as
// unix milliseconds so both dialects share one schema.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect

	stmtGet    *sql.Stmt
	stmtPut    *sql.Stmt
	stmtDelete *sql.Stmt
	stmtList   *sql.Stmt
}

// OpenSQLStore opens the database, creates the table and prepares statements.
func OpenSQLStore(ctx context.Context, dialect Dialect, dsn string, cfg *SQLConfig) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if cfg == nil {
		cfg = DefaultSQLConfig()
	}
	db, err := sql.Open(dialect.driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialect == DialectSQLite {
		// one writer avoids SQLITE_BUSY under concurrent turns
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store, err := NewSQLStore(ctx, db, dialect)
	if err != nil {
		_ = db.Close() //nolint:errcheck
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("create sessions table: %w", err)
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.prepareStatements(ctx); err != nil {
		_ = s.closeStatements() //nolint:errcheck
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return s, nil
}

func (s *SQLStore) prepareStatements(ctx context.Context) error {
	var err error
	s.stmtGet, err = s.db.PrepareContext(ctx, s.dialect.rebind(
		`SELECT key, thread_id, channel, created_at, updated_at FROM atlas_sessions WHERE key = ?`))
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	s.stmtPut, err = s.db.PrepareContext(ctx, s.dialect.rebind(
		`INSERT INTO atlas_sessions (key, thread_id, channel, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			thread_id = excluded.thread_id,
			channel = excluded.channel,
			updated_at = excluded.updated_at`))
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	s.stmtDelete, err = s.db.PrepareContext(ctx, s.dialect.rebind(
		`DELETE FROM atlas_sessions WHERE key = ?`))
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.stmtList, err = s.db.PrepareContext(ctx, s.dialect.rebind(
		`SELECT key, thread_id, channel, created_at, updated_at FROM atlas_sessions
		WHERE (? = '' OR channel = ?)
		ORDER BY updated_at DESC, key ASC
		LIMIT ?`))
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session          models.Session
		channel          string
		created, updated int64
	)
	if err := row.Scan(&session.Key, &session.ThreadID, &channel, &created, &updated); err != nil {
		return nil, err
	}
	session.Channel = models.ChannelType(channel)
	session.CreatedAt = time.UnixMilli(created).UTC()
	session.UpdatedAt = time.UnixMilli(updated).UTC()
	return &session, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (*models.Session, error) {
	session, err := scanSession(s.stmtGet.QueryRowContext(ctx, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *SQLStore) Put(ctx context.Context, session *models.Session) error {
	if session == nil || session.Key == "" {
		return fmt.Errorf("session key is required")
	}
	now := time.Now()
	created, updated := session.CreatedAt, session.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}
	if _, err := s.stmtPut.ExecContext(ctx,
		session.Key,
		session.ThreadID,
		string(session.Channel),
		created.UnixMilli(),
		updated.UnixMilli(),
	); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.stmtDelete.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.stmtList.QueryContext(ctx, string(opts.Channel), string(opts.Channel), limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (s *SQLStore) closeStatements() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{s.stmtGet, s.stmtPut, s.stmtDelete, s.stmtList} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes prepared statements and the database.
func (s *SQLStore) Close() error {
	err := s.closeStatements()
	if cerr := s.db.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}
