package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/petalpipe/filestore"
	"github.com/petal-labs/petalpipe/llmprovider"
	"github.com/petal-labs/petalpipe/otel"
	"github.com/petal-labs/petalpipe/sandbox"
	"github.com/petal-labs/petalpipe/store"
)

const (
	projectConfigName = "petalpipe.yaml"
	homeConfigDir     = ".petalpipe"
	homeConfigName    = "config.yaml"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// File store drivers.
const (
	FilesLocal = "local"
	FilesMinio = "minio"
)

// Config is the petalpipe.yaml shape.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Events    EventsConfig    `yaml:"events"`
	Sandbox   sandbox.Config  `yaml:"sandbox"`
	Files     FilesConfig     `yaml:"files"`
	LLM       LLMConfig       `yaml:"llm"`
	Code      CodeConfig      `yaml:"code"`
	Telemetry otel.Config     `yaml:"telemetry"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	CORSOrigin      string        `yaml:"cors_origin"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects where executions, pipelines and schedules live.
// An empty driver picks postgres when a URL is set, then sqlite when a path
// is set, then memory.
type StorageConfig struct {
	Driver     string               `yaml:"driver"`
	SQLitePath string               `yaml:"sqlite_path"`
	Postgres   store.PostgresConfig `yaml:"postgres"`
}

// EventsConfig controls event persistence for SSE replay. Without a SQLite
// path events are kept in memory.
type EventsConfig struct {
	SQLitePath     string        `yaml:"sqlite_path"`
	RetentionAge   time.Duration `yaml:"retention_age"`
	RetentionCount int           `yaml:"retention_count"`
	PruneInterval  time.Duration `yaml:"prune_interval"`
}

// FilesConfig selects the File step backend.
type FilesConfig struct {
	Driver string                `yaml:"driver"`
	Root   string                `yaml:"root"`
	Minio  filestore.MinioConfig `yaml:"minio"`
}

// LLMConfig lists provider credentials for Prompt steps. Missing API keys
// fall back to <PROVIDER>_API_KEY.
type LLMConfig struct {
	DefaultProvider string                        `yaml:"default_provider"`
	Providers       map[string]llmprovider.Config `yaml:"providers"`
}

// CodeConfig restricts Code steps.
type CodeConfig struct {
	AllowedPackages []string `yaml:"allowed_packages"`
}

// SchedulerConfig controls cron schedule polling.
type SchedulerConfig struct {
	Disabled     bool          `yaml:"disabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Files:     FilesConfig{Driver: FilesLocal, Root: "./data/files"},
		Telemetry: otel.Config{ServiceName: "petalpipe"},
		Scheduler: SchedulerConfig{PollInterval: 5 * time.Second},
	}
}

// DiscoverConfigPath resolves the config location with first-match
// semantics: explicit path, ./petalpipe.yaml, ~/.petalpipe/config.yaml.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)
	var candidates []string
	if explicit != "" {
		candidates = []string{filepath.Clean(explicit)}
	} else {
		candidates = []string{
			filepath.Join(cwd, projectConfigName),
			filepath.Join(homeDir, homeConfigDir, homeConfigName),
		}
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		switch {
		case err == nil && !info.IsDir():
			return candidate, true, nil
		case errors.Is(err, os.ErrNotExist):
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
		case err != nil:
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// LoadConfig reads path over DefaultConfig. ${VAR} references are expanded
// from the environment before parsing. An empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	cfg.Storage.SQLitePath = resolveConfigRelative(baseDir, cfg.Storage.SQLitePath)
	cfg.Events.SQLitePath = resolveConfigRelative(baseDir, cfg.Events.SQLitePath)
	if cfg.Files.Driver == FilesLocal || cfg.Files.Driver == "" {
		cfg.Files.Root = resolveConfigRelative(baseDir, cfg.Files.Root)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// StorageDriver returns the effective storage driver.
func (c Config) StorageDriver() string {
	if d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d != "" {
		return d
	}
	switch {
	case c.Storage.Postgres.URL != "":
		return StoragePostgres
	case c.Storage.SQLitePath != "":
		return StorageSQLite
	default:
		return StorageMemory
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver() {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage: sqlite_path is required for the sqlite driver"))
		}
	case StoragePostgres:
		if c.Storage.Postgres.URL == "" {
			errs = append(errs, errors.New("storage: postgres.url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown driver %q", c.Storage.Driver))
	}

	switch strings.ToLower(c.Files.Driver) {
	case "", FilesLocal:
	case FilesMinio:
		if err := c.Files.Minio.Validate(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("files: unknown driver %q", c.Files.Driver))
	}

	if c.LLM.DefaultProvider != "" && len(c.LLM.Providers) > 0 {
		if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("llm: default provider %q is not configured", c.LLM.DefaultProvider))
		}
	}
	if c.Events.RetentionCount < 0 {
		errs = append(errs, errors.New("events: retention_count must not be negative"))
	}
	return errors.Join(errs...)
}

func resolveConfigRelative(baseDir, p string) string {
	if p == "" || p == ":memory:" || strings.HasPrefix(p, "file:") {
		return p
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
