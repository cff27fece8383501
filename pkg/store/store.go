// Package store persists evaluations, audit logs and the application
// registry in SQL. The same queries run on Postgres (lib/pq) and on an
// embedded SQLite file (modernc.org/sqlite) used in lite mode.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder and column type differences.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// SQLStore wraps a database handle with its dialect.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open handle.
func New(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Open connects to databaseURL. postgres:// and postgresql:// URLs use
// lib/pq; an empty URL opens <dataDir>/gateway.db; sqlite:<path> opens that
// file.
func Open(ctx context.Context, databaseURL, dataDir string) (*SQLStore, error) {
	var (
		driver, dsn string
		dialect     Dialect
	)
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		driver, dsn, dialect = "postgres", databaseURL, DialectPostgres
	case databaseURL == "":
		if dataDir == "" {
			dataDir = "data"
		}
		if err := os.MkdirAll(dataDir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		driver, dsn, dialect = "sqlite", sqliteDSN(filepath.Join(dataDir, "gateway.db")), DialectSQLite
	case strings.HasPrefix(databaseURL, "sqlite:"):
		driver, dsn, dialect = "sqlite", sqliteDSN(strings.TrimPrefix(databaseURL, "sqlite:")), DialectSQLite
	default:
		return nil, fmt.Errorf("unsupported database url scheme in %q", redact(databaseURL))
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// one writer at a time; readers wait on busy_timeout
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	slog.Default().Info("database connected", "dialect", dialect.String())
	return New(db, dialect), nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func redact(u string) string {
	if i := strings.Index(u, "@"); i >= 0 {
		if j := strings.Index(u, "://"); j >= 0 && j < i {
			return u[:j+3] + "***" + u[i:]
		}
	}
	return u
}

func (s *SQLStore) DB() *sql.DB                    { return s.db }
func (s *SQLStore) Dialect() Dialect               { return s.dialect }
func (s *SQLStore) Close() error                   { return s.db.Close() }
func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Evaluations returns the evaluation repository.
func (s *SQLStore) Evaluations() *EvaluationStore { return &EvaluationStore{s: s} }

// Audit returns the audit log repository.
func (s *SQLStore) Audit() *AuditStore { return &AuditStore{s: s} }

// Registry returns the application registry.
func (s *SQLStore) Registry() *RegistryStore { return &RegistryStore{s: s, now: time.Now} }

// rebind turns ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

// sqliteTime is fixed width so string order equals time order.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// timeArg renders t for a query argument.
func (s *SQLStore) timeArg(t time.Time) any {
	if s.dialect == DialectSQLite {
		return t.UTC().Format(sqliteTime)
	}
	return t.UTC()
}

// timeValue scans a timestamp from either dialect.
type timeValue struct{ t *time.Time }

func (v timeValue) Scan(src any) error {
	switch x := src.(type) {
	case nil:
		*v.t = time.Time{}
	case time.Time:
		*v.t = x.UTC()
	case string:
		return v.parse(x)
	case []byte:
		return v.parse(string(x))
	default:
		return fmt.Errorf("store: cannot scan %T into time", src)
	}
	return nil
}

func (v timeValue) parse(s string) error {
	for _, layout := range []string{sqliteTime, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			*v.t = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("store: unparseable time %q", s)
}

type rowScanner interface {
	Scan(dest ...any) error
}
