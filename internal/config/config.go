// Package config resolves runtime settings from built-in defaults, an optional
// TOML file, .env files and YTD_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"yt-digest/internal/runstore"
)

const (
	DefaultMaxWorkers      = 3
	DefaultInterItemDelay  = 2 * time.Second
	DefaultPollInterval    = 5 * time.Second
	DefaultBackoffBase     = 5 * time.Second
	DefaultBackoffCap      = 60 * time.Second
	DefaultBackoffRetries  = 3
	DefaultRateWarnPerHour = 200
	DefaultRateHighPerHour = 400
	DefaultRateRetention   = 24 * time.Hour
	DefaultJobRetention    = 7 * 24 * time.Hour
	DefaultYTDLPPath       = "yt-dlp"
	DefaultSubLangs        = "en"

	ConfigFileName = "config.toml"
	envPrefix      = "YTD_"
)

type Config struct {
	DataDir          string
	DBPath           string
	MaxWorkers       int
	InterItemDelay   time.Duration
	PollInterval     time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	BackoffRetries   int
	RateWarnPerHour  int
	RateHighPerHour  int
	RateRetention    time.Duration
	JobRetention     time.Duration
	YTDLPPath        string
	SubLangs         string
	SummarizeCommand string
	ScoreCommand     string
	CookiesFile      string
	CookiesBrowser   string
	Proxy            string
}

// fileConfig is the on-disk TOML shape. Durations are Go duration strings.
type fileConfig struct {
	DataDir          string `toml:"data_dir,omitempty"`
	DBPath           string `toml:"db_path,omitempty"`
	MaxWorkers       int    `toml:"max_workers,omitempty"`
	InterItemDelay   string `toml:"inter_item_delay,omitempty"`
	PollInterval     string `toml:"poll_interval,omitempty"`
	BackoffBase      string `toml:"backoff_base,omitempty"`
	BackoffCap       string `toml:"backoff_cap,omitempty"`
	BackoffRetries   int    `toml:"backoff_retries"`
	RateWarnPerHour  int    `toml:"rate_warn_per_hour,omitempty"`
	RateHighPerHour  int    `toml:"rate_high_per_hour,omitempty"`
	RateRetention    string `toml:"rate_retention,omitempty"`
	JobRetention     string `toml:"job_retention,omitempty"`
	YTDLPPath        string `toml:"ytdlp_path,omitempty"`
	SubLangs         string `toml:"sub_langs,omitempty"`
	SummarizeCommand string `toml:"summarize_command,omitempty"`
	ScoreCommand     string `toml:"score_command,omitempty"`
	CookiesFile      string `toml:"cookies_file,omitempty"`
	CookiesBrowser   string `toml:"cookies_browser,omitempty"`
	Proxy            string `toml:"proxy,omitempty"`
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".yt-digest"
	}
	return filepath.Join(home, ".yt-digest")
}

func Default() Config {
	dataDir := DefaultDataDir()
	return Config{
		DataDir:         dataDir,
		DBPath:          runstore.DefaultDBPath(dataDir),
		MaxWorkers:      DefaultMaxWorkers,
		InterItemDelay:  DefaultInterItemDelay,
		PollInterval:    DefaultPollInterval,
		BackoffBase:     DefaultBackoffBase,
		BackoffCap:      DefaultBackoffCap,
		BackoffRetries:  DefaultBackoffRetries,
		RateWarnPerHour: DefaultRateWarnPerHour,
		RateHighPerHour: DefaultRateHighPerHour,
		RateRetention:   DefaultRateRetention,
		JobRetention:    DefaultJobRetention,
		YTDLPPath:       DefaultYTDLPPath,
		SubLangs:        DefaultSubLangs,
	}
}

// Load resolves the effective configuration. An empty path means
// $YTD_CONFIG or <data-dir>/config.toml; a missing file is not an error.
func Load(path string) (Config, error) {
	loadEnvFiles()

	cfg := Default()
	if dir := getEnv(envPrefix+"DATA_DIR", ""); dir != "" {
		cfg.DataDir = dir
		cfg.DBPath = runstore.DefaultDBPath(dir)
	}

	path = firstNonEmpty(path, getEnv(envPrefix+"CONFIG", ""), filepath.Join(cfg.DataDir, ConfigFileName))
	if err := applyFile(&cfg, path); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadEnvFiles() {
	// godotenv never overrides variables already present in the environment
	for _, name := range []string{".env.local", ".env"} {
		_ = godotenv.Load(name)
	}
}

func applyFile(cfg *Config, path string) error {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("decode config %s: %w", path, err)
	}

	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
		if fc.DBPath == "" {
			cfg.DBPath = runstore.DefaultDBPath(fc.DataDir)
		}
	}
	cfg.DBPath = firstNonEmpty(fc.DBPath, cfg.DBPath)
	// an explicit 0 in the file is a value, not "unset"
	ints := []struct {
		key string
		val int
		dst *int
	}{
		{"max_workers", fc.MaxWorkers, &cfg.MaxWorkers},
		{"backoff_retries", fc.BackoffRetries, &cfg.BackoffRetries},
		{"rate_warn_per_hour", fc.RateWarnPerHour, &cfg.RateWarnPerHour},
		{"rate_high_per_hour", fc.RateHighPerHour, &cfg.RateHighPerHour},
	}
	for _, i := range ints {
		if md.IsDefined(i.key) {
			*i.dst = i.val
		}
	}
	cfg.YTDLPPath = firstNonEmpty(fc.YTDLPPath, cfg.YTDLPPath)
	cfg.SubLangs = firstNonEmpty(fc.SubLangs, cfg.SubLangs)
	cfg.SummarizeCommand = firstNonEmpty(fc.SummarizeCommand, cfg.SummarizeCommand)
	cfg.ScoreCommand = firstNonEmpty(fc.ScoreCommand, cfg.ScoreCommand)
	cfg.CookiesFile = firstNonEmpty(fc.CookiesFile, cfg.CookiesFile)
	cfg.CookiesBrowser = firstNonEmpty(fc.CookiesBrowser, cfg.CookiesBrowser)
	cfg.Proxy = firstNonEmpty(fc.Proxy, cfg.Proxy)

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"inter_item_delay", fc.InterItemDelay, &cfg.InterItemDelay},
		{"poll_interval", fc.PollInterval, &cfg.PollInterval},
		{"backoff_base", fc.BackoffBase, &cfg.BackoffBase},
		{"backoff_cap", fc.BackoffCap, &cfg.BackoffCap},
		{"rate_retention", fc.RateRetention, &cfg.RateRetention},
		{"job_retention", fc.JobRetention, &cfg.JobRetention},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("config %s: invalid %s %q: %w", path, d.key, d.raw, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.DBPath = getEnv(envPrefix+"DB_PATH", cfg.DBPath)
	cfg.MaxWorkers = getEnvAsInt(envPrefix+"MAX_WORKERS", cfg.MaxWorkers)
	cfg.InterItemDelay = getEnvAsDuration(envPrefix+"INTER_ITEM_DELAY", cfg.InterItemDelay)
	cfg.PollInterval = getEnvAsDuration(envPrefix+"POLL_INTERVAL", cfg.PollInterval)
	cfg.BackoffBase = getEnvAsDuration(envPrefix+"BACKOFF_BASE", cfg.BackoffBase)
	cfg.BackoffCap = getEnvAsDuration(envPrefix+"BACKOFF_CAP", cfg.BackoffCap)
	cfg.BackoffRetries = getEnvAsInt(envPrefix+"BACKOFF_RETRIES", cfg.BackoffRetries)
	cfg.RateWarnPerHour = getEnvAsInt(envPrefix+"RATE_WARN_PER_HOUR", cfg.RateWarnPerHour)
	cfg.RateHighPerHour = getEnvAsInt(envPrefix+"RATE_HIGH_PER_HOUR", cfg.RateHighPerHour)
	cfg.RateRetention = getEnvAsDuration(envPrefix+"RATE_RETENTION", cfg.RateRetention)
	cfg.JobRetention = getEnvAsDuration(envPrefix+"JOB_RETENTION", cfg.JobRetention)
	cfg.YTDLPPath = getEnv(envPrefix+"YTDLP_PATH", cfg.YTDLPPath)
	cfg.SubLangs = getEnv(envPrefix+"SUB_LANGS", cfg.SubLangs)
	cfg.SummarizeCommand = getEnv(envPrefix+"SUMMARIZE_COMMAND", cfg.SummarizeCommand)
	cfg.ScoreCommand = getEnv(envPrefix+"SCORE_COMMAND", cfg.ScoreCommand)
	cfg.CookiesFile = getEnv(envPrefix+"COOKIES_FILE", cfg.CookiesFile)
	cfg.CookiesBrowser = getEnv(envPrefix+"COOKIES_BROWSER", cfg.CookiesBrowser)
	cfg.Proxy = getEnv(envPrefix+"PROXY", cfg.Proxy)
}

func normalize(cfg *Config) {
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.DBPath = strings.TrimSpace(cfg.DBPath)
	cfg.YTDLPPath = strings.TrimSpace(cfg.YTDLPPath)
	cfg.SubLangs = strings.TrimSpace(cfg.SubLangs)
	cfg.SummarizeCommand = strings.TrimSpace(cfg.SummarizeCommand)
	cfg.ScoreCommand = strings.TrimSpace(cfg.ScoreCommand)
	cfg.CookiesFile = strings.TrimSpace(cfg.CookiesFile)
	cfg.CookiesBrowser = strings.TrimSpace(cfg.CookiesBrowser)
	cfg.Proxy = strings.TrimSpace(cfg.Proxy)
}

func (c Config) Validate() error {
	switch {
	case c.DataDir == "":
		return fmt.Errorf("data dir is required")
	case c.DBPath == "":
		return fmt.Errorf("db path is required")
	case c.MaxWorkers < 1:
		return fmt.Errorf("max workers must be >= 1, got %d", c.MaxWorkers)
	case c.InterItemDelay < 0:
		return fmt.Errorf("inter item delay must be >= 0")
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be > 0")
	case c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase:
		return fmt.Errorf("backoff base must be > 0 and not exceed cap (base=%s cap=%s)", c.BackoffBase, c.BackoffCap)
	case c.BackoffRetries < 0:
		return fmt.Errorf("backoff retries must be >= 0")
	case c.RateWarnPerHour < 1 || c.RateHighPerHour < c.RateWarnPerHour:
		return fmt.Errorf("rate thresholds must satisfy 1 <= warn <= high (warn=%d high=%d)", c.RateWarnPerHour, c.RateHighPerHour)
	case c.RateRetention < time.Hour:
		return fmt.Errorf("rate retention must be at least 1h")
	case c.JobRetention <= 0:
		return fmt.Errorf("job retention must be > 0")
	case c.YTDLPPath == "":
		return fmt.Errorf("yt-dlp path is required")
	}
	return nil
}

// WriteTOML writes cfg to path, refusing to replace an existing file unless
// force is set.
func WriteTOML(cfg Config, path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# yt-digest configuration")
	fmt.Fprintln(f, "# Environment variables YTD_<KEY> override values in this file.")
	fmt.Fprintln(f, "")
	if err := toml.NewEncoder(f).Encode(toFile(cfg)); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

func toFile(cfg Config) fileConfig {
	return fileConfig{
		DataDir:          cfg.DataDir,
		DBPath:           cfg.DBPath,
		MaxWorkers:       cfg.MaxWorkers,
		InterItemDelay:   cfg.InterItemDelay.String(),
		PollInterval:     cfg.PollInterval.String(),
		BackoffBase:      cfg.BackoffBase.String(),
		BackoffCap:       cfg.BackoffCap.String(),
		BackoffRetries:   cfg.BackoffRetries,
		RateWarnPerHour:  cfg.RateWarnPerHour,
		RateHighPerHour:  cfg.RateHighPerHour,
		RateRetention:    cfg.RateRetention.String(),
		JobRetention:     cfg.JobRetention.String(),
		YTDLPPath:        cfg.YTDLPPath,
		SubLangs:         cfg.SubLangs,
		SummarizeCommand: cfg.SummarizeCommand,
		ScoreCommand:     cfg.ScoreCommand,
		CookiesFile:      cfg.CookiesFile,
		CookiesBrowser:   cfg.CookiesBrowser,
		Proxy:            cfg.Proxy,
	}
}

func getEnv(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
