package internal

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config is the snapshot of the external configuration collaborator a
// session runs with. It is passed explicitly into the patcher at session
// start; the core holds no global configuration state.
type Config struct {
	// Protocol selects the registered transport: "http", "ftp" or
	// "torrent".
	Protocol string

	// HTTPBaseURL, FTPBaseURL and TorrentSource are the per-protocol
	// transport roots; only the one matching Protocol is consulted.
	HTTPBaseURL   string
	FTPBaseURL    string
	TorrentSource string

	// InstallRoot is the local installation directory all file operations
	// are confined to.
	InstallRoot string

	// Platform is the target platform identifier segment of remote paths.
	Platform string

	// GameID and LauncherID are stable identity strings for the artifact
	// sets this launcher manages.
	GameID     string
	LauncherID string

	// LauncherVersion is the running launcher's own version; empty disables
	// the launcher self-update check.
	LauncherVersion string

	// RetryBudget is the per-operation retry allowance shared across the
	// session.
	RetryBudget int

	// Concurrency bounds the download worker pool.
	Concurrency int

	// SpeedLimit caps aggregate download throughput in bytes per second;
	// 0 means unlimited.
	SpeedLimit int64

	// MaxConnections bounds transport-level connections where applicable.
	MaxConnections int
}

// LoadConfig reads the launcher INI file plus LAUNCHER_* environment
// overrides. path may be empty, in which case launcher.ini is looked up in
// the working directory.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("launcher")
		v.SetConfigType("ini")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("LAUNCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("update.protocol", "http")
	v.SetDefault("update.retry_budget", 3)
	v.SetDefault("update.concurrency", 3)
	v.SetDefault("update.speed_limit", 0)
	v.SetDefault("update.max_connections", 16)
	v.SetDefault("game.platform", runtime.GOOS)
	v.SetDefault("game.install_root", ".")

	if err := v.ReadInConfig(); err != nil {
		// Env-only operation is fine when no file was named; an explicitly
		// named or present-but-broken file is fatal.
		if _, missing := err.(viper.ConfigFileNotFoundError); !missing {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Config{
		Protocol:        strings.ToLower(strings.TrimSpace(v.GetString("update.protocol"))),
		HTTPBaseURL:     strings.TrimSpace(v.GetString("update.http_base_url")),
		FTPBaseURL:      strings.TrimSpace(v.GetString("update.ftp_base_url")),
		TorrentSource:   strings.TrimSpace(v.GetString("update.torrent_source")),
		InstallRoot:     strings.TrimSpace(v.GetString("game.install_root")),
		Platform:        strings.TrimSpace(v.GetString("game.platform")),
		GameID:          strings.TrimSpace(v.GetString("game.id")),
		LauncherID:      strings.TrimSpace(v.GetString("launcher.id")),
		LauncherVersion: strings.TrimSpace(v.GetString("launcher.version")),
		RetryBudget:     v.GetInt("update.retry_budget"),
		Concurrency:     v.GetInt("update.concurrency"),
		SpeedLimit:      v.GetInt64("update.speed_limit"),
		MaxConnections:  v.GetInt("update.max_connections"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration snapshot for a runnable session.
func (c Config) Validate() error {
	if c.InstallRoot == "" {
		return fmt.Errorf("config: game.install_root must not be empty")
	}
	if c.Platform == "" {
		return fmt.Errorf("config: game.platform must not be empty")
	}
	if c.RetryBudget < 1 {
		return fmt.Errorf("config: update.retry_budget must be at least 1, got %d", c.RetryBudget)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: update.concurrency must be at least 1, got %d", c.Concurrency)
	}
	switch c.Protocol {
	case "http":
		if c.HTTPBaseURL == "" {
			return fmt.Errorf("config: update.http_base_url required for protocol http")
		}
	case "ftp":
		if c.FTPBaseURL == "" {
			return fmt.Errorf("config: update.ftp_base_url required for protocol ftp")
		}
	case "torrent":
		if c.TorrentSource == "" {
			return fmt.Errorf("config: update.torrent_source required for protocol torrent")
		}
	default:
		return fmt.Errorf("config: unknown protocol %q", c.Protocol)
	}
	return nil
}

// BackendConfig projects the per-transport slice of the configuration.
func (c Config) BackendConfig() BackendConfig {
	base := ""
	switch c.Protocol {
	case "http":
		base = c.HTTPBaseURL
	case "ftp":
		base = c.FTPBaseURL
	case "torrent":
		base = c.TorrentSource
	}
	return BackendConfig{
		BaseURL:        base,
		Platform:       c.Platform,
		MaxConnections: c.MaxConnections,
		ScratchDir:     filepath.Join(c.InstallRoot, torrentScratchDirName),
	}
}

// GameInstanceID derives the stable per-game identifier from the configured
// identity strings. The same configuration always yields the same id.
func (c Config) GameInstanceID() string {
	return DeterministicID(c.GameID + "|" + c.Platform).String()
}
