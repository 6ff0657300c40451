package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/bastion/pkg/api"
	"github.com/cuemby/bastion/pkg/audit"
	"github.com/cuemby/bastion/pkg/backup"
	"github.com/cuemby/bastion/pkg/conn"
	"github.com/cuemby/bastion/pkg/degrade"
	"github.com/cuemby/bastion/pkg/health"
	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/retry"
	"gopkg.in/yaml.v3"
)

// Config is the whole bastion configuration file
type Config struct {
	Log            log.Config     `yaml:"log"`
	Connection     conn.Config    `yaml:"connection"`
	MigrationRetry retry.Policy   `yaml:"migration_retry"`
	Health         health.Config  `yaml:"health"`
	Backup         backup.Config  `yaml:"backup"`
	Degradation    degrade.Config `yaml:"degradation"`
	Audit          audit.Config   `yaml:"audit"`
	API            api.Config     `yaml:"api"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Log:            log.DefaultConfig(),
		Connection:     conn.DefaultConfig(),
		MigrationRetry: defaultMigrationRetry(),
		Health:         health.DefaultConfig(),
		Backup:         backup.DefaultConfig(),
		Degradation:    degrade.DefaultConfig(),
		Audit:          audit.DefaultConfig(),
		API:            api.DefaultConfig(),
	}
}

// Migrations retry briefly: a busy store is the only failure worth retrying
// before giving up on startup.
func defaultMigrationRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
		Jitter:         0.1,
	}
}

// Load reads the YAML file at path over the defaults. Keys missing from the
// file keep their default value; unknown keys are an error. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Decode(bytes.NewReader(data), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML from r into cfg, rejecting unknown keys
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Marshal renders cfg as YAML
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks every section and reports all problems at once
func (c Config) Validate() error {
	var errs []error
	add := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	if !c.Log.Level.Valid() {
		add("log", fmt.Errorf("unknown level %q", c.Log.Level))
	}
	add("connection", c.Connection.Validate())
	add("migration_retry", c.MigrationRetry.Validate())
	add("health", c.Health.Validate())
	add("backup", c.Backup.Validate())
	add("degradation", c.Degradation.Validate())
	add("audit", c.Audit.Validate())
	add("api", c.API.Validate())
	return errors.Join(errs...)
}
