package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/isee/rtsp-client/pkg/logger"
	"github.com/isee/rtsp-client/pkg/rtsp"
)

var (
	// ErrInvalidConfig indicates a configuration value is out of range or missing
	ErrInvalidConfig = errors.New("invalid configuration")
)

const (
	// EnvPrefix prefixes every environment override, e.g. ISEE_SERVER_HOST
	EnvPrefix = "ISEE"
	// PasswordEnv is the only source of the RTSP password
	PasswordEnv = "ISEE_PASSWORD"

	redacted = "******"
)

// Config holds application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Auth    AuthConfig    `mapstructure:"auth" yaml:"auth"`
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig locates the stream and tunes the control channel
type ServerConfig struct {
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	Path           string        `mapstructure:"path" yaml:"path"`
	Track          string        `mapstructure:"track" yaml:"track"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent"`
	ReadBufferSize int           `mapstructure:"read_buffer_size" yaml:"read_buffer_size"`
	DialRetries    int           `mapstructure:"dial_retries" yaml:"dial_retries"`
	KeepAlive      bool          `mapstructure:"keep_alive" yaml:"keep_alive"`
}

// AuthConfig carries Digest credentials. The password never comes from a
// file or a flag.
type AuthConfig struct {
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"-" yaml:"password,omitempty"`
}

// CaptureConfig bounds a streaming run and picks where datagrams go
type CaptureConfig struct {
	BindHost    string        `mapstructure:"bind_host" yaml:"bind_host"`
	MaxPackets  int           `mapstructure:"max_packets" yaml:"max_packets"`
	Duration    time.Duration `mapstructure:"duration" yaml:"duration"`
	Output      string        `mapstructure:"output" yaml:"output"`
	BufferBytes int           `mapstructure:"buffer_bytes" yaml:"buffer_bytes"`
	DropOldest  bool          `mapstructure:"drop_oldest" yaml:"drop_oldest"`
}

// LogConfig selects verbosity and an optional rotated log file
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	JSON       bool   `mapstructure:"json" yaml:"json"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set
type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// flagKeys maps command-line flag names to configuration keys
var flagKeys = map[string]string{
	"server":           "server.host",
	"port":             "server.port",
	"path":             "server.path",
	"track":            "server.track",
	"timeout":          "server.timeout",
	"user-agent":       "server.user_agent",
	"read-buffer-size": "server.read_buffer_size",
	"dial-retries":     "server.dial_retries",
	"keep-alive":       "server.keep_alive",
	"username":         "auth.username",
	"bind-host":        "capture.bind_host",
	"max-packets":      "capture.max_packets",
	"duration":         "capture.duration",
	"output":           "capture.output",
	"buffer-bytes":     "capture.buffer_bytes",
	"drop-oldest":      "capture.drop_oldest",
	"log-level":        "log.level",
	"log-file":         "log.file",
	"log-json":         "log.json",
	"metrics-listen":   "metrics.listen",
}

// Load builds the effective configuration. Precedence, highest first:
// changed flags, ISEE_* environment, the YAML file at path, defaults.
// Either path or flags may be empty.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Auth.Password = os.Getenv(PasswordEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", rtsp.DefaultPort)
	v.SetDefault("server.path", "")
	v.SetDefault("server.track", "")
	v.SetDefault("server.timeout", rtsp.DefaultTimeout)
	v.SetDefault("server.user_agent", rtsp.DefaultUserAgent)
	v.SetDefault("server.read_buffer_size", rtsp.DefaultReadBufferSize)
	v.SetDefault("server.dial_retries", 3)
	v.SetDefault("server.keep_alive", true)

	v.SetDefault("auth.username", "")

	v.SetDefault("capture.bind_host", "")
	v.SetDefault("capture.max_packets", 0)
	v.SetDefault("capture.duration", 10*time.Second)
	v.SetDefault("capture.output", "")
	v.SetDefault("capture.buffer_bytes", 8<<20)
	v.SetDefault("capture.drop_oldest", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.json", false)
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("metrics.listen", "")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("%w: server host is required", ErrInvalidConfig)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", ErrInvalidConfig, c.Server.Port)
	}

	if c.Server.Timeout <= 0 {
		c.Server.Timeout = rtsp.DefaultTimeout
	}
	if c.Server.ReadBufferSize <= 0 {
		c.Server.ReadBufferSize = rtsp.DefaultReadBufferSize
	}
	if c.Server.UserAgent == "" {
		c.Server.UserAgent = rtsp.DefaultUserAgent
	}

	if c.Auth.Password != "" && c.Auth.Username == "" {
		return fmt.Errorf("%w: %s is set but no username", ErrInvalidConfig, PasswordEnv)
	}

	if c.Capture.MaxPackets < 0 {
		return fmt.Errorf("%w: max packets must not be negative", ErrInvalidConfig)
	}
	if c.Capture.Duration < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrInvalidConfig)
	}
	if c.Capture.Output == "" && c.Capture.BufferBytes <= 0 {
		return fmt.Errorf("%w: in-memory capture needs a positive buffer size", ErrInvalidConfig)
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return nil
}

// Address returns the host:port of the control channel
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Credentials returns the Digest credentials, empty when no username is set
func (c *Config) Credentials() rtsp.Credentials {
	return rtsp.Credentials{Username: c.Auth.Username, Password: c.Auth.Password}
}

// URI returns the aggregate stream URI
func (c *Config) URI() string {
	return rtsp.BuildURI(c.Server.Host, c.Server.Port, c.Server.Path, "")
}

// YAML renders the effective configuration with the password redacted
func (c *Config) YAML() ([]byte, error) {
	out := *c
	if out.Auth.Password != "" {
		out.Auth.Password = redacted
	}
	return yaml.Marshal(&out)
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	password := ""
	if c.Auth.Password != "" {
		password = redacted
	}
	return fmt.Sprintf(
		"Configuration:\n  URI: %s\n  Track: %s\n  Username: %s\n  Password: %s\n  Timeout: %v\n  Keep-alive: %t\n  Max Packets: %d\n  Duration: %v\n  Output: %s\n  Log Level: %s",
		c.URI(),
		c.Server.Track,
		c.Auth.Username,
		password,
		c.Server.Timeout,
		c.Server.KeepAlive,
		c.Capture.MaxPackets,
		c.Capture.Duration,
		c.Capture.Output,
		c.Log.Level,
	)
}
