package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Terminal TerminalConfig `yaml:"terminal"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Emulator EmulatorConfig `yaml:"emulator"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// TerminalConfig holds the default terminal destination used when a
// request does not carry its own ip/port/ecrId.
type TerminalConfig struct {
	IP      string `yaml:"ip"`
	Port    int    `yaml:"port"`
	PortAlt int    `yaml:"port_alt"`
	EcrID   string `yaml:"ecr_id"`
}

// TimeoutConfig holds the three layered protocol timeouts, in
// milliseconds. Idle resets on every byte received; overall does not.
type TimeoutConfig struct {
	ConnectMs  int `yaml:"connect_ms"`
	ReadMs     int `yaml:"read_ms"`
	IdleByteMs int `yaml:"idle_byte_ms"`
}

type EmulatorConfig struct {
	Port            int    `yaml:"port"`
	PortAlt         int    `yaml:"port_alt"`
	HTTPPort        string `yaml:"http_port"`
	DataFile        string `yaml:"data_file"`
	ResponseDelayMs int    `yaml:"response_delay_ms"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("Config: failed to load config file (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from YAML file
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	// Server
	c.Server.Port = getEnv("AGENT_HTTP_PORT", c.Server.Port)
	c.Server.Env = getEnv("AGENT_ENV", c.Server.Env)
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	// Terminal defaults
	c.Terminal.IP = getEnv("TERMINAL_IP", c.Terminal.IP)
	if v := getEnvInt("TERMINAL_PORT", 0); v > 0 {
		c.Terminal.Port = v
	}
	if v := getEnvInt("TERMINAL_PORT_ALT", 0); v > 0 {
		c.Terminal.PortAlt = v
	}
	c.Terminal.EcrID = getEnv("ECR_ID", c.Terminal.EcrID)

	// Protocol timeouts
	if v := getEnvInt("CONNECT_TIMEOUT_MS", 0); v > 0 {
		c.Timeouts.ConnectMs = v
	}
	if v := getEnvInt("READ_TIMEOUT_MS", 0); v > 0 {
		c.Timeouts.ReadMs = v
	}
	if v := getEnvInt("IDLE_BYTE_TIMEOUT_MS", 0); v > 0 {
		c.Timeouts.IdleByteMs = v
	}

	// Emulator
	if v := getEnvInt("EMULATOR_PORT", 0); v > 0 {
		c.Emulator.Port = v
	}
	if v := getEnvInt("EMULATOR_PORT_ALT", 0); v > 0 {
		c.Emulator.PortAlt = v
	}
	c.Emulator.HTTPPort = getEnv("EMULATOR_HTTP_PORT", c.Emulator.HTTPPort)
	c.Emulator.DataFile = getEnv("EMULATOR_DATA_FILE", c.Emulator.DataFile)
	if v := getEnvInt("EMULATOR_RESPONSE_DELAY_MS", -1); v >= 0 {
		c.Emulator.ResponseDelayMs = v
	}

	// Apply defaults for zero values
	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "3000"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		// Terminal sessions can legitimately run for minutes while the
		// cardholder interacts; the response must not be cut off mid-wait.
		c.Server.WriteTimeoutSec = 300
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.Terminal.IP == "" {
		c.Terminal.IP = "127.0.0.1"
	}
	if c.Terminal.Port == 0 {
		c.Terminal.Port = 9001
	}
	if c.Terminal.PortAlt == 0 {
		c.Terminal.PortAlt = 9002
	}
	if c.Terminal.EcrID == "" {
		c.Terminal.EcrID = "1"
	}
	if c.Timeouts.ConnectMs == 0 {
		c.Timeouts.ConnectMs = 5000
	}
	if c.Timeouts.ReadMs == 0 {
		c.Timeouts.ReadMs = 180000
	}
	if c.Timeouts.IdleByteMs == 0 {
		c.Timeouts.IdleByteMs = 25000
	}
	if c.Emulator.Port == 0 {
		c.Emulator.Port = 9001
	}
	if c.Emulator.PortAlt == 0 {
		c.Emulator.PortAlt = 9002
	}
	if c.Emulator.HTTPPort == "" {
		c.Emulator.HTTPPort = "3001"
	}
	if c.Emulator.DataFile == "" {
		c.Emulator.DataFile = "verifone-transactions.json"
	}
	if c.Emulator.ResponseDelayMs == 0 {
		c.Emulator.ResponseDelayMs = 200
	}
	if c.Emulator.FlushIntervalMs == 0 {
		c.Emulator.FlushIntervalMs = 30000
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "3000"
	}
	return c.Server.Port
}
