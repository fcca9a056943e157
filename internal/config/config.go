package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultZonesFile      = "zones.yaml"
	defaultAPIPort        = 8080
	defaultReloadInterval = 30 * time.Second
)

// Config holds the service settings read from the environment
type Config struct {
	HAURL    string
	HAToken  string
	ReadOnly bool
	Debug    bool

	// ZonesFile is the zone policy document
	ZonesFile string
	// DBPath is the SQLite restore store. Empty keeps switch state in memory.
	DBPath string
	// APIPort is the HTTP API port. 0 disables the API.
	APIPort int
	// ReloadInterval is how often the zones file is checked for changes.
	// 0 disables the watcher.
	ReloadInterval time.Duration
}

// Load reads a .env file if one exists and then the environment. The
// returned bool reports whether a .env file was found.
func Load(envFiles ...string) (*Config, bool, error) {
	found := godotenv.Load(envFiles...) == nil

	cfg, err := FromEnv(os.Getenv)
	return cfg, found, err
}

// FromEnv builds a Config from a variable lookup
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		HAURL:          getenv("HA_URL"),
		HAToken:        getenv("HA_TOKEN"),
		ReadOnly:       getenv("READ_ONLY") == "true",
		Debug:          getenv("DEBUG") == "true",
		ZonesFile:      getenv("ZONES_FILE"),
		DBPath:         getenv("DB_PATH"),
		APIPort:        defaultAPIPort,
		ReloadInterval: defaultReloadInterval,
	}

	if cfg.HAURL == "" || cfg.HAToken == "" {
		return nil, fmt.Errorf("HA_URL and HA_TOKEN environment variables must be set")
	}
	if cfg.ZonesFile == "" {
		cfg.ZonesFile = defaultZonesFile
	}

	if v := getenv("API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return nil, fmt.Errorf("invalid API_PORT %q", v)
		}
		cfg.APIPort = port
	}

	if v := getenv("ZONES_RELOAD_INTERVAL"); v != "" {
		interval, err := time.ParseDuration(v)
		if err != nil || interval < 0 {
			return nil, fmt.Errorf("invalid ZONES_RELOAD_INTERVAL %q", v)
		}
		cfg.ReloadInterval = interval
	}

	return cfg, nil
}
