package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for dv.
type Config struct {
	BaseDir    string           `toml:"base_dir" validate:"required"`
	Log        LogConfig        `toml:"log"`
	Database   DatabaseConfig   `toml:"database"`
	Remote     RemoteConfig     `toml:"remote"`
	Archive    ArchiveConfig    `toml:"archive"`
	Encryption EncryptionConfig `toml:"encryption"`
	Versioning VersioningConfig `toml:"versioning"`
	Reconcile  LoopConfig       `toml:"reconcile"`
	Cleanup    LoopConfig       `toml:"cleanup"`
	Audit      AuditConfig      `toml:"audit"`
	Upload     UploadConfig     `toml:"upload"`
}

// LogConfig controls the rotating log file.
type LogConfig struct {
	Dir        string `toml:"dir" validate:"required"`
	Level      string `toml:"level" validate:"oneof=debug info warn error"`
	MaxSizeMB  int    `toml:"max_size_mb" validate:"gte=1"`
	MaxBackups int    `toml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `toml:"max_age_days" validate:"gte=0"`
}

// DatabaseConfig represents configuration for the metadata database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type" validate:"oneof=sqlite memory"`
	DataDir string `toml:"data_dir,omitempty" validate:"required_if=Type sqlite"` // only used for type=sqlite
}

// RemoteConfig represents configuration for the remote provider holding the
// editable copies.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RemoteConfig struct {
	Type    string   `toml:"type" validate:"oneof=memory filesystem s3"`
	Timeout Duration `toml:"timeout"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot  string `toml:"fs_root,omitempty" validate:"required_if=Type filesystem"`
	BaseURL string `toml:"base_url,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string   `toml:"s3_bucket,omitempty" validate:"required_if=Type s3"`
	S3Region          string   `toml:"s3_region,omitempty" validate:"required_if=Type s3"`
	S3Prefix          string   `toml:"s3_prefix,omitempty"`
	S3Endpoint        string   `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string   `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string   `toml:"s3_secret_access_key,omitempty"`
	S3UsePathStyle    bool     `toml:"s3_use_path_style,omitempty"`
	LinkExpiry        Duration `toml:"link_expiry,omitempty"`
}

// ArchiveConfig represents configuration for the local version archive.
type ArchiveConfig struct {
	Type    string `toml:"type" validate:"oneof=memory filesystem"`
	Dir     string `toml:"dir,omitempty" validate:"required_if=Type filesystem"`
	Encrypt bool   `toml:"encrypt"`
}

// EncryptionConfig holds paths to the age key pair used for archive encryption.
type EncryptionConfig struct {
	Type           string `toml:"type" validate:"oneof=age test none"`
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// VersioningConfig bounds how many archived versions the cleanup loop keeps.
type VersioningConfig struct {
	RetentionDays      int `toml:"retention_days" validate:"gte=0"`
	MaxVersionsPerFile int `toml:"max_versions_per_file" validate:"gte=1"`
}

// AuditConfig bounds how long audit entries are kept. RetentionDays 0
// keeps them forever.
type AuditConfig struct {
	RetentionDays int        `toml:"retention_days" validate:"gte=0"`
	Cleanup       LoopConfig `toml:"cleanup"`
}

// LoopConfig schedules a background loop. Schedule, a standard cron
// expression, takes precedence over Interval when set.
type LoopConfig struct {
	Interval Duration `toml:"interval"`
	Schedule string   `toml:"schedule"`
}

// UploadConfig holds settings for uploading local files.
type UploadConfig struct {
	Ignore []string `toml:"ignore"`
}

// Duration is a time.Duration written as a string ("1m", "24h") in TOML.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// NewConfig creates a new Config rooted at baseDir with default values.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		Log: LogConfig{
			Dir:        filepath.Join(baseDir, "log"),
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Remote: RemoteConfig{
			Type:    "filesystem",
			Timeout: Duration(30 * time.Second),
			FSRoot:  filepath.Join(baseDir, "remote"),
		},
		Archive: ArchiveConfig{
			Type:    "filesystem",
			Dir:     filepath.Join(baseDir, "archive"),
			Encrypt: true,
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "dv.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "dv.key"),
		},
		Versioning: VersioningConfig{
			RetentionDays:      365,
			MaxVersionsPerFile: 10,
		},
		Reconcile: LoopConfig{Interval: Duration(time.Minute)},
		Cleanup:   LoopConfig{Interval: Duration(24 * time.Hour)},
		Audit: AuditConfig{
			RetentionDays: 365,
			Cleanup:       LoopConfig{Interval: Duration(24 * time.Hour)},
		},
		Upload: UploadConfig{
			Ignore: []string{".DS_Store", "~$*", "*.tmp"},
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
