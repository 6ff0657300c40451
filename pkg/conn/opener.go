package conn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite
const DriverName = "sqlite"

// Handle is an open store: a single-connection write pool and a query-only
// read pool over the same file.
type Handle struct {
	Write *sql.DB
	Read  *sql.DB
}

// Close closes both pools
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	var errs []error
	if h.Read != nil {
		errs = append(errs, h.Read.Close())
	}
	if h.Write != nil {
		errs = append(errs, h.Write.Close())
	}
	return errors.Join(errs...)
}

// Opener opens a store. Implementations must return a handle whose pools have
// been verified with a query.
type Opener interface {
	Open(ctx context.Context, cfg Config) (*Handle, error)
}

// OpenerFunc adapts a function to the Opener interface
type OpenerFunc func(ctx context.Context, cfg Config) (*Handle, error)

// Open calls f(ctx, cfg)
func (f OpenerFunc) Open(ctx context.Context, cfg Config) (*Handle, error) {
	return f(ctx, cfg)
}

// SQLite opens stores through modernc.org/sqlite in WAL mode
var SQLite Opener = sqliteOpener{}

type sqliteOpener struct{}

func (sqliteOpener) Open(ctx context.Context, cfg Config) (*Handle, error) {
	// SQLite would create a missing file but not a missing directory; check
	// it first so the failure carries a filesystem error.
	if _, err := os.Stat(filepath.Dir(cfg.Path)); err != nil {
		return nil, fmt.Errorf("database directory: %w", err)
	}

	write, err := sql.Open(DriverName, DSN(cfg.Path, cfg.BusyTimeout, false))
	if err != nil {
		return nil, fmt.Errorf("failed to open write pool: %w", err)
	}
	write.SetMaxOpenConns(1)
	write.SetMaxIdleConns(1)
	write.SetConnMaxLifetime(0)
	write.SetConnMaxIdleTime(0)

	if err := verifyWritePool(ctx, write); err != nil {
		_ = write.Close()
		return nil, err
	}

	read, err := sql.Open(DriverName, DSN(cfg.Path, cfg.BusyTimeout, true))
	if err != nil {
		_ = write.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	read.SetMaxOpenConns(cfg.ReadPoolSize)
	read.SetMaxIdleConns(cfg.ReadPoolSize)

	if err := read.PingContext(ctx); err != nil {
		_ = read.Close()
		_ = write.Close()
		return nil, fmt.Errorf("failed to ping read pool: %w", err)
	}

	return &Handle{Write: write, Read: read}, nil
}

func verifyWritePool(ctx context.Context, db *sql.DB) error {
	// Reading sqlite_master forces the file header to be parsed, so a file
	// that is not a database fails here rather than on first use.
	var tables int
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&tables); err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}

	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if mode != "wal" {
		return fmt.Errorf("journal mode is %q, expected wal", mode)
	}
	return nil
}

// DSN builds a modernc.org/sqlite data source name. The write DSN enables WAL
// and begins transactions IMMEDIATE so lock contention surfaces at BEGIN; the
// read DSN sets query_only.
func DSN(path string, busyTimeout time.Duration, readOnly bool) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	if readOnly {
		q.Add("_pragma", "query_only(1)")
	} else {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
		q.Set("_txlock", "immediate")
	}
	return FileURI(path, q)
}

var uriEscaper = strings.NewReplacer("%", "%25", "?", "%3F", "#", "%23")

// FileURI builds a SQLite URI filename for path with the given query. The
// characters SQLite treats as delimiters in a URI path are percent-encoded,
// so a '?' or '#' in a directory name stays part of the file name.
func FileURI(path string, query url.Values) string {
	uri := "file:" + uriEscaper.Replace(path)
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}
	return uri
}
