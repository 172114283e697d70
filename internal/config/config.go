// Package config loads gateway settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	BackendSupabase = "supabase"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Modbus   ModbusConfig  `yaml:"modbus"`
	Polling  PollingConfig `yaml:"polling"`
	Storage  StorageConfig `yaml:"storage"`
	Log      LogConfig     `yaml:"log"`
	Status   StatusConfig  `yaml:"status"`
	NATS     NATSConfig    `yaml:"nats"`
	Timezone string        `yaml:"timezone"`

	location *time.Location
}

type ModbusConfig struct {
	ConnectionName   string        `yaml:"connection_name"`
	Protocol         string        `yaml:"protocol"` // tcp | rtu
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	SlaveID          int           `yaml:"slave_id"`
	Timeout          time.Duration `yaml:"timeout"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
	ConnectRetries   int           `yaml:"connect_retries"`

	// RTU
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`
	DataBits   int    `yaml:"data_bits"`
	StopBits   int    `yaml:"stop_bits"`
	Parity     string `yaml:"parity"`
}

type PollingConfig struct {
	Interval           time.Duration `yaml:"interval"`
	ReconnectThreshold int           `yaml:"reconnect_threshold"`
	TagReloadInterval  time.Duration `yaml:"tag_reload_interval"`
}

type StorageConfig struct {
	Driver          string `yaml:"driver"` // supabase | postgres | sqlite; empty selects by what is set
	SupabaseURL     string `yaml:"supabase_url"`
	SupabaseKey     string `yaml:"supabase_service_role_key"`
	DatabaseURL     string `yaml:"database_url"`
	SQLitePath      string `yaml:"sqlite_path"`
	Migrate         *bool  `yaml:"migrate"`
	ArchiveReadings *bool  `yaml:"archive_readings"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

type StatusConfig struct {
	Addr string `yaml:"addr"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Modbus: ModbusConfig{
			ConnectionName:   "modbus_primary",
			Protocol:         "tcp",
			Port:             502,
			SlaveID:          1,
			Timeout:          5 * time.Second,
			ReconnectBackoff: 5 * time.Second,
			BaudRate:         9600,
			DataBits:         8,
			StopBits:         1,
			Parity:           "N",
		},
		Polling: PollingConfig{
			Interval:           2 * time.Second,
			ReconnectThreshold: 5,
			TagReloadInterval:  5 * time.Minute,
		},
		Log:      LogConfig{Level: "info", Format: "text"},
		NATS:     NATSConfig{SubjectPrefix: "scada"},
		Timezone: "Local",
	}
}

// Load reads path (skipped when empty), applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type envReader struct {
	errs []error
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (r *envReader) int(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (r *envReader) millis(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err == nil && n < 0 {
		err = errors.New("must not be negative")
	}
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = time.Duration(n) * time.Millisecond
}

func (r *envReader) bool(key string, dst **bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = &b
}

func (c *Config) applyEnv() error {
	r := &envReader{}

	r.str("SUPABASE_URL", &c.Storage.SupabaseURL)
	r.str("SUPABASE_SERVICE_ROLE_KEY", &c.Storage.SupabaseKey)
	r.str("DATABASE_URL", &c.Storage.DatabaseURL)
	r.str("DATABASE_DRIVER", &c.Storage.Driver)
	r.str("SQLITE_PATH", &c.Storage.SQLitePath)
	r.bool("DATABASE_MIGRATE", &c.Storage.Migrate)
	r.bool("ARCHIVE_READINGS", &c.Storage.ArchiveReadings)

	r.str("CONNECTION_NAME", &c.Modbus.ConnectionName)
	r.str("MODBUS_PROTOCOL", &c.Modbus.Protocol)
	r.str("MODBUS_HOST", &c.Modbus.Host)
	r.int("MODBUS_PORT", &c.Modbus.Port)
	r.int("MODBUS_SLAVE_ID", &c.Modbus.SlaveID)
	r.millis("MODBUS_TIMEOUT", &c.Modbus.Timeout)
	r.millis("MODBUS_RECONNECT_BACKOFF_MS", &c.Modbus.ReconnectBackoff)
	r.int("MODBUS_CONNECT_RETRIES", &c.Modbus.ConnectRetries)
	r.str("MODBUS_SERIAL_PORT", &c.Modbus.SerialPort)
	r.int("MODBUS_BAUD_RATE", &c.Modbus.BaudRate)

	r.millis("POLLING_INTERVAL_MS", &c.Polling.Interval)

	r.str("GATEWAY_TIMEZONE", &c.Timezone)
	r.str("LOG_LEVEL", &c.Log.Level)
	r.str("LOG_FORMAT", &c.Log.Format)
	r.str("STATUS_ADDR", &c.Status.Addr)
	r.str("NATS_URL", &c.NATS.URL)
	r.str("NATS_SUBJECT_PREFIX", &c.NATS.SubjectPrefix)

	return errors.Join(r.errs...)
}

// Validate checks the settings and resolves the timezone.
func (c *Config) Validate() error {
	var errs []error
	m := c.Modbus
	switch strings.ToLower(m.Protocol) {
	case "tcp", "":
		if strings.TrimSpace(m.Host) == "" {
			errs = append(errs, errors.New("modbus host is required (MODBUS_HOST)"))
		}
		if m.Port < 1 || m.Port > 65535 {
			errs = append(errs, fmt.Errorf("modbus port %d out of range", m.Port))
		}
	case "rtu":
		if strings.TrimSpace(m.SerialPort) == "" {
			errs = append(errs, errors.New("modbus serial port is required for rtu (MODBUS_SERIAL_PORT)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported modbus protocol %q", m.Protocol))
	}
	if m.SlaveID < 0 || m.SlaveID > 247 {
		errs = append(errs, fmt.Errorf("modbus slave id %d out of range 0-247", m.SlaveID))
	}
	if m.Timeout <= 0 {
		errs = append(errs, errors.New("modbus timeout must be positive"))
	}
	if m.ConnectRetries < 0 {
		errs = append(errs, errors.New("modbus connect retries must not be negative"))
	}
	if c.Polling.Interval <= 0 {
		errs = append(errs, errors.New("polling interval must be positive"))
	}

	switch backend := c.Storage.Backend(); backend {
	case BackendSupabase:
		if c.Storage.SupabaseURL == "" || c.Storage.SupabaseKey == "" {
			errs = append(errs, errors.New("SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required"))
		}
	case BackendPostgres:
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres"))
		}
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for sqlite"))
		}
	case "":
		errs = append(errs, errors.New("no storage configured: set SUPABASE_URL, DATABASE_URL or SQLITE_PATH"))
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", backend))
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.Log.Format))
	}

	loc, err := loadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, err)
	}
	c.location = loc
	return errors.Join(errs...)
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	return loc, nil
}

// Location is the zone operational logs and rollups bucket by.
func (c Config) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}
	return c.location
}

// Backend names the storage backend: explicit driver first, then Supabase,
// then a Postgres URL, then a SQLite path.
func (s StorageConfig) Backend() string {
	if d := strings.ToLower(strings.TrimSpace(s.Driver)); d != "" {
		if d == "sqlite3" {
			return BackendSQLite
		}
		if d == "postgresql" || d == "pgx" {
			return BackendPostgres
		}
		return d
	}
	switch {
	case s.SupabaseURL != "":
		return BackendSupabase
	case s.DatabaseURL != "":
		return BackendPostgres
	case s.SQLitePath != "":
		return BackendSQLite
	}
	return ""
}

// ShouldMigrate defaults to true for SQLite only.
func (s StorageConfig) ShouldMigrate() bool {
	if s.Migrate != nil {
		return *s.Migrate
	}
	return s.Backend() == BackendSQLite
}

// Archive reports whether readings are appended to the history table. Default true.
func (s StorageConfig) Archive() bool {
	return s.ArchiveReadings == nil || *s.ArchiveReadings
}

// DSN returns the connection string for gorm backends.
func (s StorageConfig) DSN() string {
	if s.Backend() == BackendSQLite {
		return s.SQLitePath
	}
	return s.DatabaseURL
}
