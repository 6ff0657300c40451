package audit

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/bastion/pkg/dberr"
	"github.com/cuemby/bastion/pkg/degrade"
	"github.com/cuemby/bastion/pkg/events"
	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/metrics"
	"github.com/cuemby/bastion/pkg/retry"
	"github.com/cuemby/bastion/pkg/txn"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Entry is one administrative action
type Entry struct {
	ID      uuid.UUID         `json:"id"`
	Time    time.Time         `json:"time"`
	Actor   string            `json:"actor"`
	Action  string            `json:"action"`
	Target  string            `json:"target,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Config holds audit settings
type Config struct {
	// FallbackPath is the append-only file used while the store cannot
	// take entries
	FallbackPath string `yaml:"fallback_path"`

	// Retry bounds the attempts made against the store for each entry
	Retry retry.Policy `yaml:"retry"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		FallbackPath: "data/audit-fallback.jsonl",
		Retry:        retry.DefaultPolicy(),
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.FallbackPath == "" {
		return errors.New("fallback_path is required")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

// fallbackRecord is one line of the fallback file
type fallbackRecord struct {
	Entry    Entry      `json:"entry"`
	FailedAt time.Time  `json:"failed_at"`
	Kind     dberr.Kind `json:"failure_kind"`
	Reason   string     `json:"reason"`
}

// Gate reports whether the store accepts writes right now
type Gate interface {
	Allow(access degrade.Access) error
}

// Logger records audit entries in the store, falling back to a local file
// when the store cannot take them. An entry is never dropped silently: it is
// either committed, appended and fsynced to the fallback file, or Record
// returns an error.
type Logger struct {
	cfg    Config
	txn    *txn.Manager
	gate   Gate
	events events.Publisher
	logger zerolog.Logger

	// mu guards the fallback file
	mu sync.Mutex
}

// NewLogger creates an audit logger. gate may be nil, in which case every
// entry is first tried against the store.
func NewLogger(cfg Config, t *txn.Manager, gate Gate, pub events.Publisher) *Logger {
	if pub == nil {
		pub = events.Discard
	}
	return &Logger{
		cfg:    cfg,
		txn:    t,
		gate:   gate,
		events: pub,
		logger: log.WithComponent("audit").With().Str("fallback", cfg.FallbackPath).Logger(),
	}
}

// Record persists e. Transient failures are retried with backoff; when the
// attempts run out, the failure is not transient, or the store is
// unavailable, e goes to the fallback file instead. Record returns an error
// only if neither sink took the entry.
func (l *Logger) Record(ctx context.Context, e Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if e.Actor == "" || e.Action == "" {
		return errors.New("audit entry needs an actor and an action")
	}

	var err error
	if l.gate != nil {
		err = l.gate.Allow(degrade.Write)
	}
	if err == nil {
		var attempts int
		attempts, err = retry.Do(ctx, l.cfg.Retry, func(ctx context.Context, attempt int) error {
			return l.txn.RunAtomic(ctx, insertEntries([]Entry{e}))
		}, func(attempt int, err error, delay time.Duration) {
			l.logger.Debug().Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("Audit write failed, retrying")
		})
		if err == nil {
			metrics.AuditEntriesTotal.WithLabelValues("store").Inc()
			return nil
		}
		l.logger.Warn().Int("attempts", attempts).Err(err).Msg("Audit write to store failed")
	}

	return l.fallback(e, err)
}

func (l *Logger) fallback(e Entry, cause error) error {
	ce := dberr.Classify("audit.record", cause)
	rec := fallbackRecord{
		Entry:    e,
		FailedAt: time.Now().UTC(),
		Kind:     ce.Kind,
		Reason:   cause.Error(),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit entry %s: %w", e.ID, err)
	}

	if err := l.append(line); err != nil {
		l.logger.Error().
			Str("entry_id", e.ID.String()).
			Str("actor", e.Actor).
			Str("action", e.Action).
			Err(err).
			Msg("Audit entry could not be written to either sink")
		return errors.Join(ce, fmt.Errorf("write audit fallback: %w", err))
	}

	metrics.AuditEntriesTotal.WithLabelValues("fallback").Inc()
	metrics.UpdateComponent(metrics.ComponentAudit, false, "entries waiting in fallback file")
	l.logger.Warn().
		Str("entry_id", e.ID.String()).
		Str("failure_kind", string(ce.Kind)).
		Msg("Audit entry written to fallback file")
	l.events.Publish(&events.Event{
		Type:     events.EventAuditFallback,
		Message:  fmt.Sprintf("audit entry %s written to fallback file", e.ID),
		Metadata: map[string]string{events.KeyKind: string(ce.Kind), events.KeyReason: rec.Reason},
	})
	return nil
}

func (l *Logger) append(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.cfg.FallbackPath), 0o750); err != nil {
		return err
	}
	return appendLine(l.cfg.FallbackPath, line)
}

// appendLine writes line and a newline to the end of path and fsyncs it. A
// file left without a trailing newline by an interrupted write gets one
// first, so the torn bytes never merge into line.
func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	buf := make([]byte, 0, len(line)+2)
	if size := info.Size(); size > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, size-1); err != nil {
			f.Close()
			return err
		}
		if last[0] != '\n' {
			buf = append(buf, '\n')
		}
	}
	buf = append(buf, line...)
	buf = append(buf, '\n')

	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// CorruptPath is where Replay moves fallback lines it cannot decode
func (l *Logger) CorruptPath() string {
	return l.cfg.FallbackPath + ".corrupt"
}

// Pending returns the entries waiting in the fallback file, oldest first.
// Lines that cannot be decoded are skipped.
func (l *Logger) Pending() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, _, err := l.load()
	return entries, err
}

// load reads the fallback file. Lines that do not decode are returned
// verbatim in unreadable.
func (l *Logger) load() (entries []Entry, unreadable [][]byte, err error) {
	f, err := os.Open(l.cfg.FallbackPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var rec fallbackRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			l.logger.Error().Int("line", lineNo).Str("raw", scanner.Text()).Err(err).Msg("Skipping unreadable fallback line")
			unreadable = append(unreadable, bytes.Clone(scanner.Bytes()))
			continue
		}
		entries = append(entries, rec.Entry)
	}
	return entries, unreadable, scanner.Err()
}

// Replay moves every entry in the fallback file into the store in one
// transaction and empties the file once it committed. Entries already in the
// store are skipped, so a replay interrupted after the commit is safe to run
// again. Lines that cannot be decoded are appended to CorruptPath before the
// file is emptied. It returns the number of entries read from the file.
func (l *Logger) Replay(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, unreadable, err := l.load()
	if err != nil {
		return 0, fmt.Errorf("read audit fallback: %w", err)
	}
	if len(entries) == 0 && len(unreadable) == 0 {
		return 0, nil
	}

	if len(entries) > 0 {
		if err := l.txn.RunAtomic(ctx, insertEntries(entries)); err != nil {
			return 0, err
		}
	}

	if len(unreadable) > 0 {
		if err := appendLine(l.CorruptPath(), bytes.Join(unreadable, []byte{'\n'})); err != nil {
			return len(entries), fmt.Errorf("keep unreadable audit lines: %w", err)
		}
		l.logger.Error().
			Int("lines", len(unreadable)).
			Str("corrupt_path", l.CorruptPath()).
			Msg("Moved unreadable fallback lines aside")
	}

	if err := truncate(l.cfg.FallbackPath); err != nil {
		return len(entries), fmt.Errorf("truncate audit fallback: %w", err)
	}

	metrics.AuditReplayed.Add(float64(len(entries)))
	metrics.UpdateComponent(metrics.ComponentAudit, true, "")
	l.logger.Info().Int("entries", len(entries)).Msg("Replayed audit fallback into store")
	return len(entries), nil
}

func truncate(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func insertEntries(entries []Entry) txn.UnitOfWork {
	return func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO audit_log (id, occurred_at, actor, action, target, details, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now().UTC().Format(time.RFC3339Nano)
		for _, e := range entries {
			details := []byte("{}")
			if len(e.Details) > 0 {
				if details, err = json.Marshal(e.Details); err != nil {
					return err
				}
			}
			if _, err := stmt.ExecContext(ctx, e.ID.String(), e.Time.UTC().Format(time.RFC3339Nano),
				e.Actor, e.Action, e.Target, string(details), now); err != nil {
				return fmt.Errorf("insert audit entry %s: %w", e.ID, err)
			}
		}
		return nil
	}
}

// List returns the stored entries, newest first, at most limit of them
func List(ctx context.Context, q txn.Querier, limit int) ([]Entry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, occurred_at, actor, action, target, details
		FROM audit_log ORDER BY occurred_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e               Entry
			id, at, details string
		)
		if err := rows.Scan(&id, &at, &e.Actor, &e.Action, &e.Target, &details); err != nil {
			return nil, err
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("audit entry id %q: %w", id, err)
		}
		if e.Time, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("audit entry %s time: %w", id, err)
		}
		if details != "{}" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("audit entry %s details: %w", id, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
