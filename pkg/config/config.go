// Package config provides configuration file support for trmv.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/trctl/trmv/pkg/errclass"
	"github.com/trctl/trmv/pkg/fsutil"
	"github.com/trctl/trmv/pkg/model"
	"github.com/trctl/trmv/pkg/webhook"
)

// Disabled turns off an optional path setting such as history_db.
const Disabled = "none"

// Config represents the trmv configuration.
type Config struct {
	RPC                 RPCConfig      `yaml:"rpc"`
	ForceNotRemote      bool           `yaml:"force_not_remote"`
	BaseDir             string         `yaml:"base_dir"`
	DLDirs              []string       `yaml:"dldirs"`
	DestinationDirs     []string       `yaml:"destination_dirs"`
	DefaultDestination  string         `yaml:"default_destination"`
	Verify              bool           `yaml:"verify"`
	DstFreeSpaceToLeave string         `yaml:"dst_free_space_to_leave"`
	LockDir             string         `yaml:"lock_dir"`
	MetadataDir         string         `yaml:"metadata_dir"`
	HistoryDB           string         `yaml:"history_db"`
	Engine              string         `yaml:"engine"`
	RsyncPath           string         `yaml:"rsync_path"`
	IONice              bool           `yaml:"io_nice"`
	Metrics             MetricsConfig  `yaml:"metrics"`
	Webhooks            webhook.Config `yaml:"webhooks,omitempty"`
	Logging             LoggingConfig  `yaml:"logging"`
}

// RPCConfig configures access to the torrent daemon.
type RPCConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Timeout  string `yaml:"timeout"`
}

// MetricsConfig configures the Prometheus textfile export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		RPC: RPCConfig{
			URL:     "http://127.0.0.1:9091/transmission/rpc",
			Timeout: "2m",
		},
		BaseDir:             "/var/cache/torrents/",
		DLDirs:              []string{"/var/cache/torrents/dl"},
		DestinationDirs:     []string{"/var/cache/torrents/completed"},
		DefaultDestination:  "/var/cache/torrents/completed",
		DstFreeSpaceToLeave: "40GiB",
		LockDir:             "/run/lock/trmv",
		HistoryDB:           defaultDataPath("history.db"),
		Engine:              string(model.EngineRsync),
		RsyncPath:           "rsync",
		IONice:              true,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/trmv/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join("/etc", "trmv", "config.yaml")
	}
	return filepath.Join(dir, "trmv", "config.yaml")
}

func defaultDataPath(name string) string {
	if d := os.Getenv("XDG_DATA_HOME"); d != "" {
		return filepath.Join(d, "trmv", name)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Disabled
	}
	return filepath.Join(home, ".local", "share", "trmv", name)
}

// Load loads configuration from path, or from DefaultPath when path is empty.
// Returns default config if the file doesn't exist.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes configuration to path.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return fsutil.AtomicWrite(path, data, 0600)
}

// Validate checks the settings a relocation depends on.
func (c *Config) Validate() error {
	switch model.EngineType(c.Engine) {
	case model.EngineRsync, model.EngineCopy:
	default:
		return errclass.ErrConfigInvalid.WithMessagef("unknown engine %q", c.Engine)
	}
	if _, err := c.Margin(); err != nil {
		return err
	}
	if _, err := c.RPCTimeout(); err != nil {
		return err
	}
	if _, err := url.Parse(c.RPC.URL); err != nil {
		return errclass.ErrConfigInvalid.WithMessagef("rpc.url: %v", err)
	}
	for key, dir := range map[string]string{
		"lock_dir":            c.LockDir,
		"default_destination": c.DefaultDestination,
	} {
		if !filepath.IsAbs(dir) {
			return errclass.ErrConfigInvalid.WithMessagef("%s must be absolute: %q", key, dir)
		}
	}
	if c.MetadataDir != "" && !filepath.IsAbs(c.MetadataDir) {
		return errclass.ErrConfigInvalid.WithMessagef("metadata_dir must be absolute: %q", c.MetadataDir)
	}
	if err := c.Webhooks.Validate(); err != nil {
		return errclass.ErrConfigInvalid.WithMessage(err.Error())
	}
	return nil
}

// Margin returns dst_free_space_to_leave in bytes.
func (c *Config) Margin() (int64, error) {
	n, err := ParseSize(c.DstFreeSpaceToLeave)
	if err != nil {
		return 0, errclass.ErrConfigInvalid.WithMessagef("dst_free_space_to_leave: %v", err)
	}
	return n, nil
}

// RPCTimeout returns the per-command timeout of the torrent daemon.
func (c *Config) RPCTimeout() (time.Duration, error) {
	if c.RPC.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.RPC.Timeout)
	if err != nil {
		return 0, errclass.ErrConfigInvalid.WithMessagef("rpc.timeout: %v", err)
	}
	return d, nil
}

// IsRemote reports whether the daemon runs on another host, in which case
// its paths are not ours to move.
func (c *Config) IsRemote() bool {
	if c.ForceNotRemote {
		return false
	}
	u, err := url.Parse(c.RPC.URL)
	if err != nil {
		return true
	}
	h := u.Hostname()
	return !(strings.HasPrefix(h, "127.") || h == "localhost" || h == "::1")
}

// HistoryEnabled reports whether completed moves are recorded.
func (c *Config) HistoryEnabled() bool {
	return c.HistoryDB != "" && c.HistoryDB != Disabled
}

// ParseSize parses "40GiB", "512m" or a plain byte count.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return n, nil
}

// FormatSize renders a byte count with binary units.
func FormatSize(n int64) string {
	return units.BytesSize(float64(n))
}
