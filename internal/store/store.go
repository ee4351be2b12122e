package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/stellarlinkco/peacy/internal/config"
	"github.com/stellarlinkco/peacy/internal/logging"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrNotFound is returned when a profile or summary does not exist.
var ErrNotFound = errors.New("not found")

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store is the durable message log, user profile table and per-chat summary
// table. Every method is safe for concurrent use; each call is atomic on its
// own rows and no transaction spans calls.
type Store struct {
	db     *sqlx.DB
	driver string
	logger *log.Logger

	clockMu sync.Mutex
	last    int64
	now     func() time.Time
}

// Open connects to the configured backend and creates missing tables.
func Open(ctx context.Context, cfg config.StoreConfig, logger *log.Logger) (*Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		return OpenSQLite(ctx, cfg.DSN, logger)
	case DriverPostgres, "pgx":
		return OpenPostgres(ctx, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func OpenSQLite(ctx context.Context, path string, logger *log.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps pragmas and transactions on the same connection.
	db.SetMaxOpenConns(1)

	s := newStore(db, DriverSQLite, logger)
	if err := s.configure(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func OpenPostgres(ctx context.Context, dsn string, logger *log.Logger) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := newStore(db, DriverPostgres, logger)
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func newStore(db *sqlx.DB, driver string, logger *log.Logger) *Store {
	return &Store{
		db:     db,
		driver: driver,
		logger: logging.OrDiscard(logger).WithPrefix("store"),
		now:    time.Now,
	}
}

func (s *Store) configure(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Driver() string {
	return s.driver
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// tick returns a unix-nano timestamp strictly greater than any previously
// returned by this store.
func (s *Store) tick() int64 {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	n := s.now().UnixNano()
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	return n
}

func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// Counts is a row-count snapshot for status reporting.
type Counts struct {
	Messages  int
	Users     int
	Summaries int
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	targets := []struct {
		table string
		dst   *int
	}{
		{TableMessages, &c.Messages},
		{TableUsers, &c.Users},
		{TableSummaries, &c.Summaries},
	}
	for _, target := range targets {
		if err := s.db.GetContext(ctx, target.dst, "SELECT COUNT(*) FROM "+target.table); err != nil {
			return Counts{}, fmt.Errorf("count %s: %w", target.table, err)
		}
	}
	return c, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
