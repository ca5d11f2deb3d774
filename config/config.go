// Package config loads probe and simulator settings from the environment.
//
// Values come from defaults, then a .env file, then VPP_PING_* variables, then
// command line flags bound with BindFlags.
package config

import (
	"encoding/json"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const envPrefix = "VPP_PING_"

// Config holds all configuration values
type Config struct {
	Environment string `json:"environment"`
	LogLevel    string `json:"log_level"`

	// Connection
	ClientName   string        `json:"client_name"`
	Network      string        `json:"network"`
	Socket       string        `json:"socket"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	Keepalive    time.Duration `json:"keepalive"`
	CloseTimeout time.Duration `json:"close_timeout"`

	// Probe
	Timeout      time.Duration `json:"timeout"`       // Whole run
	ReplyTimeout time.Duration `json:"reply_timeout"` // Each ping
	Retries      int           `json:"retries"`
	RateLimit    float64       `json:"rate_limit"` // Pings per second, 0 = unlimited
	Output       string        `json:"output"`

	// Watch mode
	Watch    bool          `json:"watch"`
	Interval time.Duration `json:"interval"`

	// Discovery
	Discovery DiscoveryConfig `json:"discovery"`

	// Monitoring
	MetricsAddr string `json:"metrics_addr"`
}

// DiscoveryConfig holds etcd settings
type DiscoveryConfig struct {
	Endpoints   []string      `json:"endpoints"`
	DialTimeout time.Duration `json:"dial_timeout"`
	Service     string        `json:"service"`
	Balancer    string        `json:"balancer"`
	All         bool          `json:"all"`        // Probe every discovered engine
	Status      bool          `json:"status"`     // List published verdicts instead of probing
	StatusTTL   int64         `json:"status_ttl"` // Seconds a published result stays visible
}

// Load reads the configuration. A missing .env file is not an error.
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnvString("ENVIRONMENT", "production"),
		LogLevel:    getEnvString("LOG_LEVEL", "info"),

		ClientName:   getEnvString("NAME", "ControlPingTest"),
		Network:      getEnvString("NETWORK", "unix"),
		Socket:       getEnvString("SOCKET", "/run/vpp/api.sock"),
		DialTimeout:  getEnvDuration("DIAL_TIMEOUT", 5*time.Second),
		Keepalive:    getEnvDuration("KEEPALIVE", 0),
		CloseTimeout: getEnvDuration("CLOSE_TIMEOUT", time.Second),

		Timeout:      getEnvDuration("TIMEOUT", 10*time.Second),
		ReplyTimeout: getEnvDuration("REPLY_TIMEOUT", 2*time.Second),
		Retries:      getEnvInt("RETRIES", 0),
		RateLimit:    getEnvFloat("RATE_LIMIT", 0),
		Output:       getEnvString("OUTPUT", "text"),

		Watch:    getEnvBool("WATCH", false),
		Interval: getEnvDuration("INTERVAL", 10*time.Second),

		Discovery: DiscoveryConfig{
			Endpoints:   getEnvStringSlice("ETCD_ENDPOINTS", nil),
			DialTimeout: getEnvDuration("ETCD_DIAL_TIMEOUT", 5*time.Second),
			Service:     getEnvString("SERVICE", "vpp"),
			Balancer:    getEnvString("BALANCER", "roundrobin"),
			All:         getEnvBool("ALL", false),
			Status:      getEnvBool("STATUS", false),
			StatusTTL:   getEnvInt64("STATUS_TTL", 60),
		},

		MetricsAddr: getEnvString("METRICS_ADDR", ""),
	}
	return cfg, nil
}

// BindFlags registers command line flags that override the loaded values.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ClientName, "name", c.ClientName, "client name announced to the engine")
	fs.StringVar(&c.Socket, "socket", c.Socket, "engine API socket path or host:port")
	fs.StringVar(&c.Network, "network", c.Network, "socket network: unix or tcp")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "bound on one whole probe run")
	fs.DurationVar(&c.ReplyTimeout, "reply-timeout", c.ReplyTimeout, "bound on each ping")
	fs.DurationVar(&c.Keepalive, "keepalive", c.Keepalive, "connection keepalive interval, 0 disables")
	fs.IntVar(&c.Retries, "retries", c.Retries, "retries for a ping that timed out")
	fs.StringVar(&c.Output, "output", c.Output, "output format: text or json")
	fs.Func("etcd", "comma separated etcd endpoints for discovery", func(s string) error {
		c.Discovery.Endpoints = splitList(s)
		return nil
	})
	fs.StringVar(&c.Discovery.Service, "service", c.Discovery.Service, "discovery service name of the engines")
	fs.StringVar(&c.Discovery.Balancer, "balancer", c.Discovery.Balancer, "endpoint choice: roundrobin, weighted or hash")
	fs.BoolVar(&c.Discovery.All, "all", c.Discovery.All, "probe every discovered engine")
	fs.BoolVar(&c.Discovery.Status, "status", c.Discovery.Status, "list the verdicts published in etcd and exit")
	fs.BoolVar(&c.Watch, "watch", c.Watch, "probe repeatedly until interrupted")
	fs.DurationVar(&c.Interval, "interval", c.Interval, "time between probes in watch mode")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve Prometheus metrics on this address")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
}

// Validate checks the configuration after flags are applied.
func (c *Config) Validate() error {
	if c.ClientName == "" {
		return errors.Errorf("client name is required")
	}
	if len(c.ClientName) >= 64 {
		return errors.Errorf("client name %q is longer than 63 bytes", c.ClientName)
	}
	if c.Network != "unix" && c.Network != "tcp" {
		return errors.Errorf("network must be unix or tcp, got %q", c.Network)
	}
	if c.Output != "text" && c.Output != "json" {
		return errors.Errorf("output must be text or json, got %q", c.Output)
	}
	if c.Timeout <= 0 || c.ReplyTimeout <= 0 {
		return errors.Errorf("timeouts must be positive")
	}
	if c.Retries < 0 {
		return errors.Errorf("retries must not be negative")
	}
	if c.Watch && c.Interval <= 0 {
		return errors.Errorf("watch mode needs a positive interval")
	}
	if c.Discovery.All && len(c.Discovery.Endpoints) == 0 {
		return errors.Errorf("-all needs etcd endpoints")
	}
	if c.Discovery.Status && len(c.Discovery.Endpoints) == 0 {
		return errors.Errorf("-status needs etcd endpoints")
	}
	return nil
}

// UseDiscovery reports whether engines come from etcd instead of Socket.
func (c *Config) UseDiscovery() bool { return len(c.Discovery.Endpoints) > 0 }

// ToJSON returns the configuration as a single line of JSON.
func (c *Config) ToJSON() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(envPrefix + key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(envPrefix + key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(envPrefix + key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return splitList(value)
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
