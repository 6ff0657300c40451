package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/bastion/pkg/conn"
	"github.com/cuemby/bastion/pkg/dberr"
	"github.com/cuemby/bastion/pkg/events"
	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/metrics"
	"github.com/rs/zerolog"
)

var (
	// ErrBusy is returned when a backup or restore is already running
	ErrBusy = errors.New("another backup or restore is in progress")

	// ErrInvalidName is returned for names that are not bastion backups
	ErrInvalidName = errors.New("invalid backup name")
)

// Kind distinguishes why a backup was taken
type Kind string

const (
	KindScheduled  Kind = "scheduled"
	KindManual     Kind = "manual"
	KindPreRestore Kind = "pre-restore"
)

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	return k == KindScheduled || k == KindManual || k == KindPreRestore
}

const (
	timeLayout = "20060102T150405.000000000Z"
	fileExt    = ".db"
	tmpExt     = ".tmp"
)

// Config holds backup settings
type Config struct {
	// Dir is the directory backups are written to
	Dir string `yaml:"dir"`

	// Prefix starts every backup file name
	Prefix string `yaml:"prefix"`

	// Interval between scheduled backups; zero disables the scheduler
	Interval time.Duration `yaml:"interval"`

	// MaxCount is the number of scheduled backups kept
	MaxCount int `yaml:"max_count"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Dir:      "data/backups",
		Prefix:   "bastion",
		Interval: 6 * time.Hour,
		MaxCount: 14,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch {
	case c.Dir == "":
		return errors.New("dir is required")
	case c.Prefix == "" || strings.ContainsAny(c.Prefix, `_/\`):
		return fmt.Errorf("prefix %q must be non-empty and must not contain '_' or path separators", c.Prefix)
	case c.Interval < 0:
		return errors.New("interval must not be negative")
	case c.MaxCount < 1:
		return fmt.Errorf("max_count must be at least 1, got %d", c.MaxCount)
	}
	return nil
}

// Record describes one backup file. It is derived from the file name and
// stat; nothing about backups is stored in the database.
type Record struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	Kind      Kind      `json:"kind"`
	Size      int64     `json:"size"`
	Verified  bool      `json:"verified"`
}

// Manager creates, verifies, lists, prunes and restores backups
type Manager struct {
	cfg    Config
	conn   *conn.Manager
	events events.Publisher
	logger zerolog.Logger
	now    func() time.Time
	verify func(ctx context.Context, path string) error

	// op is held by the one running backup or restore
	op sync.Mutex

	mu          sync.RWMutex
	lastSuccess time.Time
	lastFailure time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
	wg       sync.WaitGroup
}

// NewManager creates a backup manager for the store behind c
func NewManager(cfg Config, c *conn.Manager, pub events.Publisher) *Manager {
	if pub == nil {
		pub = events.Discard
	}
	return &Manager{
		cfg:    cfg,
		conn:   c,
		events: pub,
		logger: log.WithComponent("backup").With().Str("backup_dir", cfg.Dir).Logger(),
		now:    time.Now,
		verify: Verify,
		stopCh: make(chan struct{}),
	}
}

// LastSuccess returns when the last verified backup was written
func (m *Manager) LastSuccess() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSuccess
}

// LastFailure returns when a backup last failed
func (m *Manager) LastFailure() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastFailure
}

// Create writes a verified online backup of the live store. The file only
// appears under its final name once its integrity check has passed.
func (m *Manager) Create(ctx context.Context, kind Kind) (Record, error) {
	if kind != KindScheduled && kind != KindManual {
		return Record{}, fmt.Errorf("cannot create a %q backup directly", kind)
	}
	if !m.op.TryLock() {
		return Record{}, ErrBusy
	}
	defer m.op.Unlock()

	timer := metrics.NewTimer()
	rec, err := m.create(ctx, kind)
	timer.ObserveDuration(metrics.BackupDuration)

	if err != nil {
		ce := dberr.Classify("backup.create", err)
		m.mu.Lock()
		m.lastFailure = m.now()
		m.mu.Unlock()

		metrics.BackupsTotal.WithLabelValues(string(kind), "failed").Inc()
		metrics.UpdateComponent(metrics.ComponentBackup, false, ce.Error())
		m.logger.Error().Str("kind", string(kind)).Object("error", ce.LogRecord()).Msg("Backup failed")
		m.events.Publish(&events.Event{
			Type:     events.EventBackupFailed,
			Message:  ce.Error(),
			Metadata: map[string]string{events.KeyKind: string(kind), events.KeyReason: ce.Error()},
		})
		return Record{}, ce
	}

	m.mu.Lock()
	m.lastSuccess = rec.CreatedAt
	m.mu.Unlock()

	metrics.BackupsTotal.WithLabelValues(string(kind), "succeeded").Inc()
	metrics.BackupLastSuccess.Set(float64(rec.CreatedAt.Unix()))
	metrics.UpdateComponent(metrics.ComponentBackup, true, "")
	m.logger.Info().
		Str("name", rec.Name).
		Str("kind", string(kind)).
		Int64("size", rec.Size).
		Msg("Backup created")
	m.events.Publish(&events.Event{
		Type:     events.EventBackupCreated,
		Message:  fmt.Sprintf("backup %s created", rec.Name),
		Metadata: map[string]string{events.KeyKind: string(kind), events.KeyPath: rec.Path},
	})

	if kind == KindScheduled {
		m.prune()
	}
	return rec, nil
}

func (m *Manager) create(ctx context.Context, kind Kind) (Record, error) {
	if err := os.MkdirAll(m.cfg.Dir, 0o750); err != nil {
		return Record{}, fmt.Errorf("create backup directory: %w", err)
	}

	created := m.now().UTC()
	name := m.fileName(kind, created)
	final := filepath.Join(m.cfg.Dir, name)
	tmp := final + tmpExt
	_ = os.Remove(tmp)

	if err := m.snapshot(ctx, tmp); err != nil {
		removeWithSidecars(tmp)
		return Record{}, fmt.Errorf("snapshot: %w", err)
	}
	if err := m.verify(ctx, tmp); err != nil {
		removeWithSidecars(tmp)
		return Record{}, err
	}
	if err := os.Rename(tmp, final); err != nil {
		removeWithSidecars(tmp)
		return Record{}, fmt.Errorf("rename backup: %w", err)
	}
	if err := syncDir(m.cfg.Dir); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to sync backup directory")
	}

	info, err := os.Stat(final)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Name:      name,
		Path:      final,
		CreatedAt: created,
		Kind:      kind,
		Size:      info.Size(),
		Verified:  true,
	}, nil
}

// snapshot copies the live store into dest with VACUUM INTO. The writer lease
// is held only while the snapshot connection opens; the copy itself reads a
// WAL snapshot and does not block writers.
func (m *Manager) snapshot(ctx context.Context, dest string) error {
	lease, err := m.conn.Acquire(ctx)
	if err != nil {
		return err
	}

	cfg := m.conn.Config()
	db, err := sql.Open(conn.DriverName, conn.DSN(cfg.Path, cfg.BusyTimeout, false))
	if err != nil {
		lease.Release()
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	c, err := db.Conn(ctx)
	lease.Release()
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = c.ExecContext(ctx, "VACUUM INTO ?", dest)
	return err
}

// Verify opens the database at path on its own connection and runs an
// integrity check. Any problem is returned as a Structural error.
func Verify(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return dberr.Classify("backup.verify", err)
	}

	db, err := sql.Open(conn.DriverName, conn.FileURI(path, url.Values{"_pragma": {"query_only(1)"}}))
	if err != nil {
		return dberr.Classify("backup.verify", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	problems, err := conn.IntegrityCheck(ctx, db, 10)
	if err != nil {
		ce := dberr.Classify("backup.verify", err)
		if ce.Kind == dberr.Structural {
			return ce
		}
		return dberr.New(dberr.Structural, dberr.CodeIntegrity, "backup.verify",
			fmt.Errorf("%w: %s: %w", dberr.ErrIntegrity, filepath.Base(path), err))
	}
	if len(problems) > 0 {
		return dberr.New(dberr.Structural, dberr.CodeIntegrity, "backup.verify",
			fmt.Errorf("%w: %s: %s", dberr.ErrIntegrity, filepath.Base(path), strings.Join(problems, "; ")))
	}
	return nil
}

// Restore replaces the live store with the backup at path. The backup is
// verified first; the live file is then copied aside as a pre-restore backup
// and replaced while the connection is closed. If anything fails after the
// connection closed, the original file is put back and reopened.
func (m *Manager) Restore(ctx context.Context, path string) (err error) {
	if !m.op.TryLock() {
		return ErrBusy
	}
	defer m.op.Unlock()

	defer func() {
		if err != nil {
			metrics.RestoresTotal.WithLabelValues("failed").Inc()
			m.logger.Error().Str("source", path).Err(err).Msg("Restore failed")
			m.events.Publish(&events.Event{
				Type:     events.EventRestoreFailed,
				Message:  err.Error(),
				Metadata: map[string]string{events.KeyPath: path, events.KeyReason: err.Error()},
			})
		}
	}()

	src, err := m.resolve(path)
	if err != nil {
		return err
	}
	if err := m.verify(ctx, src); err != nil {
		return err
	}

	var saved Record
	err = m.conn.Exclusive(ctx, func(live string) error {
		var err error
		saved, err = m.copyAside(live)
		if err != nil {
			return fmt.Errorf("save pre-restore copy: %w", err)
		}
		if err := replaceFile(src, live); err != nil {
			if rerr := replaceFile(saved.Path, live); rerr != nil {
				return errors.Join(fmt.Errorf("replace live file: %w", err), fmt.Errorf("put original back: %w", rerr))
			}
			return fmt.Errorf("replace live file: %w", err)
		}
		return nil
	})

	if err != nil && saved.Path != "" && m.conn.State() != conn.Connected {
		// The restored file did not open; go back to the original
		rerr := m.conn.Exclusive(ctx, func(live string) error {
			return replaceFile(saved.Path, live)
		})
		if rerr != nil {
			err = errors.Join(err, fmt.Errorf("reopen original: %w", rerr))
		}
	}
	if err != nil {
		return dberr.Classify("backup.restore", err)
	}

	metrics.RestoresTotal.WithLabelValues("succeeded").Inc()
	m.logger.Info().Str("source", src).Str("pre_restore", saved.Name).Msg("Store restored")
	m.events.Publish(&events.Event{
		Type:     events.EventRestoreCompleted,
		Message:  fmt.Sprintf("store restored from %s", filepath.Base(src)),
		Metadata: map[string]string{events.KeyPath: src},
	})
	return nil
}

// resolve accepts either a path or the name of a backup in Config.Dir
func (m *Manager) resolve(path string) (string, error) {
	if !strings.ContainsAny(path, `/\`) {
		if _, _, ok := m.parseName(path); !ok {
			return "", fmt.Errorf("%w: %q", ErrInvalidName, path)
		}
		path = filepath.Join(m.cfg.Dir, path)
	}
	return filepath.Abs(path)
}

func (m *Manager) copyAside(live string) (Record, error) {
	if err := os.MkdirAll(m.cfg.Dir, 0o750); err != nil {
		return Record{}, err
	}
	created := m.now().UTC()
	name := m.fileName(KindPreRestore, created)
	final := filepath.Join(m.cfg.Dir, name)
	tmp := final + tmpExt

	if err := copyFile(live, tmp); err != nil {
		_ = os.Remove(tmp)
		return Record{}, err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return Record{}, err
	}
	info, err := os.Stat(final)
	if err != nil {
		return Record{}, err
	}
	return Record{Name: name, Path: final, CreatedAt: created, Kind: KindPreRestore, Size: info.Size()}, nil
}

// List returns every backup in Config.Dir, newest first
func (m *Manager) List() ([]Record, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	var records []Record
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		kind, created, ok := m.parseName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		records = append(records, Record{
			Name:      e.Name(),
			Path:      filepath.Join(m.cfg.Dir, e.Name()),
			CreatedAt: created,
			Kind:      kind,
			Size:      info.Size(),
			Verified:  kind != KindPreRestore,
		})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Delete removes the named backup from Config.Dir
func (m *Manager) Delete(name string) error {
	if name != filepath.Base(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, _, ok := m.parseName(name); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if err := os.Remove(filepath.Join(m.cfg.Dir, name)); err != nil {
		return fmt.Errorf("delete backup %s: %w", name, err)
	}
	m.logger.Info().Str("name", name).Msg("Backup deleted")
	return nil
}

// prune removes scheduled backups beyond Config.MaxCount, oldest first
func (m *Manager) prune() {
	records, err := m.List()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to list backups for retention")
		return
	}

	kept := 0
	for _, rec := range records {
		if rec.Kind != KindScheduled {
			continue
		}
		kept++
		if kept <= m.cfg.MaxCount {
			continue
		}
		if err := os.Remove(rec.Path); err != nil {
			m.logger.Warn().Str("name", rec.Name).Err(err).Msg("Failed to prune backup")
			continue
		}
		m.logger.Info().Str("name", rec.Name).Msg("Pruned backup")
	}
}

// Start begins taking scheduled backups every Config.Interval. A zero
// interval leaves the scheduler off.
func (m *Manager) Start() {
	if m.cfg.Interval <= 0 || m.started {
		return
	}
	m.started = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-m.stopCh
			cancel()
		}()

		for {
			select {
			case <-ticker.C:
				if _, err := m.Create(ctx, KindScheduled); errors.Is(err, ErrBusy) {
					m.logger.Debug().Msg("Scheduled backup skipped, another operation is running")
				}
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop stops the scheduler and waits for a running scheduled backup
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) fileName(kind Kind, t time.Time) string {
	return fmt.Sprintf("%s_%s_%s%s", m.cfg.Prefix, kind, t.UTC().Format(timeLayout), fileExt)
}

// parseName splits <prefix>_<kind>_<timestamp>.db
func (m *Manager) parseName(name string) (Kind, time.Time, bool) {
	rest, ok := strings.CutPrefix(name, m.cfg.Prefix+"_")
	if !ok {
		return "", time.Time{}, false
	}
	rest, ok = strings.CutSuffix(rest, fileExt)
	if !ok {
		return "", time.Time{}, false
	}
	kindPart, stamp, ok := strings.Cut(rest, "_")
	if !ok {
		return "", time.Time{}, false
	}
	kind := Kind(kindPart)
	if !kind.Valid() {
		return "", time.Time{}, false
	}
	created, err := time.Parse(timeLayout, stamp)
	if err != nil {
		return "", time.Time{}, false
	}
	return kind, created, true
}

// replaceFile atomically replaces dst with a copy of src and removes dst's
// WAL sidecars.
func replaceFile(src, dst string) error {
	tmp := dst + ".restore" + tmpExt
	if err := copyFile(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	for _, sidecar := range []string{dst + "-wal", dst + "-shm"} {
		if err := os.Remove(sidecar); err != nil && !errors.Is(err, os.ErrNotExist) {
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return syncDir(filepath.Dir(dst))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func removeWithSidecars(path string) {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		_ = os.Remove(p)
	}
}
