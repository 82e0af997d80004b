package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "YESTERDAY_"

// Run modes of the daemon.
const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	Mode      string
}

// ComfyConfig points at the generation server.
type ComfyConfig struct {
	URL     string
	Timeout time.Duration
}

// SchedulerConfig tunes the dispatch loop.
type SchedulerConfig struct {
	CheckInterval     time.Duration
	LookAheadMinutes  int
	DefaultMaxRetries int
	Autostart         bool
	CleanupDays       int
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark      BarkConfig
	Rate      float64
	QueueSize int
}

// Config holds all runtime configuration options.
type Config struct {
	Server       ServerConfig
	Comfy        ComfyConfig
	Scheduler    SchedulerConfig
	Notification NotificationConfig

	LogLevel      string
	StateDir      string
	UseUTC        bool
	ShutdownGrace time.Duration
}

const (
	defaultAddr             = "0.0.0.0:7171"
	defaultLogLevel         = "info"
	defaultComfyURL         = "http://localhost:8188"
	defaultCheckInterval    = 60 * time.Second
	minCheckInterval        = 10 * time.Second
	defaultLookAheadMinutes = 5
	defaultMaxRetries       = 3
	defaultCleanupDays      = 30
	defaultNotifyRate       = 2.0
	defaultNotifyQueue      = 64
	defaultShutdownGrace    = 5 * time.Second
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
			return d
		}
	}
	return defaultVal
}

// Load builds a Config from .env files, the environment and defaults. It does
// not touch command line flags.
func Load() (*Config, error) {
	loadDotEnv()

	barkURL := getEnvString("BARK_URL", "")
	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("ADDR", defaultAddr),
			AuthToken: getEnvString("AUTH_TOKEN", ""),
			Mode:      getEnvString("MODE", ModeHTTP),
		},
		Comfy: ComfyConfig{
			URL:     getEnvString("COMFY_URL", defaultComfyURL),
			Timeout: getEnvDuration("COMFY_TIMEOUT", 0),
		},
		Scheduler: SchedulerConfig{
			CheckInterval:     getEnvDuration("CHECK_INTERVAL", defaultCheckInterval),
			LookAheadMinutes:  getEnvInt("LOOK_AHEAD_MINUTES", defaultLookAheadMinutes),
			DefaultMaxRetries: getEnvInt("DEFAULT_MAX_RETRIES", defaultMaxRetries),
			Autostart:         getEnvBool("AUTOSTART", true),
			CleanupDays:       getEnvInt("CLEANUP_DAYS", defaultCleanupDays),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     barkURL,
				Enabled: getEnvBool("BARK_ENABLED", barkURL != ""),
			},
			Rate:      getEnvFloat("NOTIFY_RATE", defaultNotifyRate),
			QueueSize: getEnvInt("NOTIFY_QUEUE", defaultNotifyQueue),
		},
		LogLevel:      getEnvString("LOG_LEVEL", defaultLogLevel),
		StateDir:      getEnvString("STATE_DIR", ""),
		UseUTC:        getEnvBool("USE_UTC", false),
		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is Load plus command line flags, which take precedence.
// Priority: CLI flags > environment variables > .env file > defaults.
func Parse() (*Config, error) {
	return parseArgs(flag.CommandLine, os.Args[1:])
}

func parseArgs(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	var (
		addr, logLevel, stateDir, mode, comfyURL string
		useUTC, autostart                        bool
		checkInterval, shutdownGrace             time.Duration
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&stateDir, "state-dir", "", "Directory holding the database")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&mode, "mode", "", "Run mode: http, mcp or both")
	fs.StringVar(&comfyURL, "comfy-url", "", "Base URL of the ComfyUI server")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC instead of system local time")
	fs.BoolVar(&autostart, "autostart", true, "Start the scheduler on boot")
	fs.DurationVar(&checkInterval, "check-interval", 0, "How often the scheduler polls for due tasks")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if mode != "" {
		cfg.Server.Mode = mode
	}
	if comfyURL != "" {
		cfg.Comfy.URL = comfyURL
	}
	// Bool and duration flags only apply when given explicitly.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "autostart":
			cfg.Scheduler.Autostart = autostart
		case "check-interval":
			cfg.Scheduler.CheckInterval = checkInterval
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Location returns the zone used for calendar arithmetic and display.
func (c *Config) Location() *time.Location {
	if c.UseUTC {
		return time.UTC
	}
	return time.Local
}

func (c *Config) finalize() error {
	switch c.Server.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		return fmt.Errorf("invalid mode %q (want http, mcp or both)", c.Server.Mode)
	}
	if c.Scheduler.CheckInterval < minCheckInterval {
		c.Scheduler.CheckInterval = minCheckInterval
	}
	if c.Scheduler.LookAheadMinutes <= 0 {
		c.Scheduler.LookAheadMinutes = defaultLookAheadMinutes
	}
	if c.Scheduler.DefaultMaxRetries < 0 {
		c.Scheduler.DefaultMaxRetries = defaultMaxRetries
	}
	if c.Scheduler.CleanupDays < 0 {
		c.Scheduler.CleanupDays = 0
	}
	if c.Notification.Rate <= 0 {
		c.Notification.Rate = defaultNotifyRate
	}
	if c.Notification.QueueSize <= 0 {
		c.Notification.QueueSize = defaultNotifyQueue
	}
	if c.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return fmt.Errorf("resolve default state dir: %w", err)
		}
		c.StateDir = dir
	}
	return nil
}

// loadDotEnv reads optional .env files without overriding variables already
// present in the environment.
func loadDotEnv() {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "yesterday", ".env"))
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(baseDir, "yesterday"), nil
}
