// Package config provides configuration management for the capture agent.
// Values come from built-in defaults, an optional TOML file, and environment
// variables, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// Default values
	DefaultPort            = 8797
	DefaultLogLevel        = "info"
	DefaultDataDir         = ".videodb"
	DefaultAPIURL          = "https://api.videodb.io"
	DefaultEventCapacity   = 1024
	DefaultShutdownTimeout = 5 * time.Second

	// Environment variable names
	EnvPort            = "VIDEODB_PORT"
	EnvLogLevel        = "VIDEODB_LOG_LEVEL"
	EnvLogFile         = "VIDEODB_LOG_FILE"
	EnvDataDir         = "VIDEODB_DATA_DIR"
	EnvAPIURL          = "VIDEODB_API_URL"
	EnvAPIKey          = "VIDEODB_API_KEY"
	EnvCollectionID    = "VIDEODB_COLLECTION_ID"
	EnvRecorderPath    = "VIDEODB_RECORDER_PATH"
	EnvRecorderDir     = "VIDEODB_RECORDER_DIR"
	EnvEventCapacity   = "VIDEODB_EVENT_CAPACITY"
	EnvShutdownTimeout = "VIDEODB_SHUTDOWN_TIMEOUT"
	EnvHeadless        = "VIDEODB_HEADLESS"

	// Database filename
	DBFilename = "capture.db"

	// Config file location relative to the user config dir
	configDirName  = "videodb"
	configFilename = "capture.toml"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	LogFile() string
	DataDir() string
	DBPath() string
	APIURL() string
	APIKey() string
	CollectionID() string
	RecorderPath() string
	RecorderDir() string
	EventCapacity() int
	ShutdownTimeout() time.Duration
	Headless() bool
}

// EnvConfig holds the resolved configuration.
type EnvConfig struct {
	port            int
	logLevel        string
	logFile         string
	dataDir         string
	apiURL          string
	apiKey          string
	collectionID    string
	recorderPath    string
	recorderDir     string
	eventCapacity   int
	shutdownTimeout time.Duration
	headless        bool

	file string
}

// fileConfig mirrors capture.toml. Zero values leave the default in place.
type fileConfig struct {
	Port            int    `toml:"port"`
	LogLevel        string `toml:"log_level"`
	LogFile         string `toml:"log_file"`
	DataDir         string `toml:"data_dir"`
	APIURL          string `toml:"api_url"`
	APIKey          string `toml:"api_key"`
	CollectionID    string `toml:"collection_id"`
	RecorderPath    string `toml:"recorder_path"`
	RecorderDir     string `toml:"recorder_dir"`
	EventCapacity   int    `toml:"event_capacity"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	Headless        *bool  `toml:"headless"`
}

// New loads configuration from the user's capture.toml, if any, and the
// environment.
func New() (*EnvConfig, error) {
	return Load(configFilePath())
}

// Load is New with an explicit config file path. An empty path skips the
// file.
func Load(path string) (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:            DefaultPort,
		logLevel:        DefaultLogLevel,
		dataDir:         defaultDataDir(),
		apiURL:          DefaultAPIURL,
		eventCapacity:   DefaultEventCapacity,
		shutdownTimeout: DefaultShutdownTimeout,
	}

	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *EnvConfig) applyFile(path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	c.file = path

	if fc.Port != 0 {
		if err := validPort(fc.Port, "port"); err != nil {
			return err
		}
		c.port = fc.Port
	}
	if fc.LogLevel != "" {
		c.logLevel = fc.LogLevel
	}
	if fc.LogFile != "" {
		c.logFile = expandTilde(fc.LogFile)
	}
	if fc.DataDir != "" {
		c.dataDir = expandTilde(fc.DataDir)
	}
	if fc.APIURL != "" {
		c.apiURL = fc.APIURL
	}
	c.apiKey = fc.APIKey
	c.collectionID = fc.CollectionID
	if fc.RecorderPath != "" {
		c.recorderPath = expandTilde(fc.RecorderPath)
	}
	if fc.RecorderDir != "" {
		c.recorderDir = expandTilde(fc.RecorderDir)
	}
	if fc.EventCapacity != 0 {
		if fc.EventCapacity < 1 {
			return fmt.Errorf("invalid event_capacity: must be positive")
		}
		c.eventCapacity = fc.EventCapacity
	}
	if fc.ShutdownTimeout != "" {
		d, err := parseTimeout(fc.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("invalid shutdown_timeout: %w", err)
		}
		c.shutdownTimeout = d
	}
	if fc.Headless != nil {
		c.headless = *fc.Headless
	}
	return nil
}

func (c *EnvConfig) applyEnv() error {
	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if err := validPort(port, EnvPort); err != nil {
			return err
		}
		c.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		c.logLevel = ll
	}
	if lf := os.Getenv(EnvLogFile); lf != "" {
		c.logFile = expandTilde(lf)
	}
	if dd := os.Getenv(EnvDataDir); dd != "" {
		c.dataDir = expandTilde(dd)
	}
	if u := os.Getenv(EnvAPIURL); u != "" {
		c.apiURL = u
	}
	if k := os.Getenv(EnvAPIKey); k != "" {
		c.apiKey = k
	}
	if id := os.Getenv(EnvCollectionID); id != "" {
		c.collectionID = id
	}
	if rp := os.Getenv(EnvRecorderPath); rp != "" {
		c.recorderPath = expandTilde(rp)
	}
	if rd := os.Getenv(EnvRecorderDir); rd != "" {
		c.recorderDir = expandTilde(rd)
	}

	if ec := os.Getenv(EnvEventCapacity); ec != "" {
		n, err := strconv.Atoi(ec)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvEventCapacity, err)
		}
		if n < 1 {
			return fmt.Errorf("invalid %s: must be positive", EnvEventCapacity)
		}
		c.eventCapacity = n
	}

	if st := os.Getenv(EnvShutdownTimeout); st != "" {
		d, err := parseTimeout(st)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvShutdownTimeout, err)
		}
		c.shutdownTimeout = d
	}

	if h := os.Getenv(EnvHeadless); h != "" {
		headless, err := strconv.ParseBool(h)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		c.headless = headless
	}
	return nil
}

func validPort(port int, name string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid %s: port must be between 1 and 65535", name)
	}
	return nil
}

// parseTimeout accepts a Go duration ("5s", "1500ms") or a bare number of
// seconds.
func parseTimeout(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		secs, convErr := strconv.ParseFloat(s, 64)
		if convErr != nil {
			return 0, err
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive")
	}
	return d, nil
}

// Port returns the local API port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// LogFile returns the rotating log file path, empty for stdout only
func (c *EnvConfig) LogFile() string {
	return c.logFile
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite journal
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

func (c *EnvConfig) APIURL() string {
	return c.apiURL
}

func (c *EnvConfig) APIKey() string {
	return c.apiKey
}

func (c *EnvConfig) CollectionID() string {
	return c.collectionID
}

// RecorderPath returns an explicit recorder executable, if configured
func (c *EnvConfig) RecorderPath() string {
	return c.recorderPath
}

// RecorderDir returns the capture runtime install directory
func (c *EnvConfig) RecorderDir() string {
	if c.recorderDir != "" {
		return c.recorderDir
	}
	return filepath.Join(c.dataDir, "runtime")
}

func (c *EnvConfig) EventCapacity() int {
	return c.eventCapacity
}

func (c *EnvConfig) ShutdownTimeout() time.Duration {
	return c.shutdownTimeout
}

// Headless disables the tray UI
func (c *EnvConfig) Headless() bool {
	return c.headless
}

// File returns the config file that was loaded, if any
func (c *EnvConfig) File() string {
	return c.file
}

func configFilePath() string {
	var dir string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		dir = filepath.Join(xdg, configDirName)
	} else if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".config", configDirName)
	} else {
		return ""
	}

	path := filepath.Join(dir, configFilename)
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
