package main

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"i4.energy/across/espgw/esp"
)

// Config holds the application configuration
type Config struct {
	Serial     SerialConfig     `mapstructure:"serial"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Wifi       WifiConfig       `mapstructure:"wifi"`
	ThingSpeak ThingSpeakConfig `mapstructure:"thingspeak"`
	Upload     UploadConfig     `mapstructure:"upload"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SerialConfig selects and configures the line to the module
type SerialConfig struct {
	// Transport is either "serial" or "tcp"
	Transport string `mapstructure:"transport"`
	// Port is the path to the module's serial port (e.g. "/dev/ttyUSB0")
	Port string `mapstructure:"port"`
	// BaudRate is the UART speed (e.g. 115200)
	BaudRate int `mapstructure:"baud_rate"`
	// ReadTimeout bounds a single read on the line
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// TCPAddress is the host:port of a UART bridge, used with the tcp transport
	TCPAddress string `mapstructure:"tcp_address"`
}

// EngineConfig tunes the response scanner
type EngineConfig struct {
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	WindowSize      int           `mapstructure:"window_size"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// WifiConfig holds the access point joined at startup. An empty SSID
// disables the startup join.
type WifiConfig struct {
	SSID     string `mapstructure:"ssid"`
	Password string `mapstructure:"password"`
}

// ThingSpeakConfig is the ingestion endpoint used by uploads
type ThingSpeakConfig struct {
	Host   string `mapstructure:"host"`
	APIKey string `mapstructure:"api_key"`
}

// UploadConfig controls the sample pump
type UploadConfig struct {
	// Interval is the pause after every upload attempt
	Interval time.Duration `mapstructure:"interval"`
}

// ServerConfig configures the HTTP façade
type ServerConfig struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080")
	BindAddress    string   `mapstructure:"bind_address"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig configures the zap logger
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// ConfigOption is a function that adds a configuration layer
type ConfigOption func(*viper.Viper) error

// LoadConfig creates a new config by applying the given options in order.
// Later layers win over earlier ones.
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	v := viper.New()

	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(v *viper.Viper) error {
		v.SetDefault("serial.transport", "serial")
		v.SetDefault("serial.port", "/dev/ttyUSB0")
		v.SetDefault("serial.baud_rate", esp.DefaultBaudRate)
		v.SetDefault("serial.read_timeout", esp.DefaultReadTimeout)
		v.SetDefault("serial.tcp_address", "")

		v.SetDefault("engine.response_timeout", esp.DefaultResponseTimeout)
		v.SetDefault("engine.window_size", esp.DefaultWindowSize)
		v.SetDefault("engine.poll_interval", esp.DefaultPollInterval)

		v.SetDefault("wifi.ssid", "")
		v.SetDefault("wifi.password", "")

		v.SetDefault("thingspeak.host", "api.thingspeak.com")
		v.SetDefault("thingspeak.api_key", "")

		v.SetDefault("upload.interval", 20*time.Second)

		v.SetDefault("server.bind_address", "0.0.0.0:8080")
		v.SetDefault("server.allowed_origins", []string{})

		v.SetDefault("logging.level", "info")
		v.SetDefault("logging.format", "json")
		v.SetDefault("logging.output", "stderr")
		v.SetDefault("logging.max_size", 100)
		v.SetDefault("logging.max_backups", 3)
		v.SetDefault("logging.max_age", 28)
		v.SetDefault("logging.compress", true)
		return nil
	}
}

// WithFile merges a YAML, JSON or TOML file. An empty path is skipped.
func WithFile(path string) ConfigOption {
	return func(v *viper.Viper) error {
		if path == "" {
			return nil
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", path, err)
		}
		return nil
	}
}

// WithEnv loads configuration from ESPGW_ prefixed environment variables,
// e.g. ESPGW_SERIAL_PORT for serial.port.
func WithEnv() ConfigOption {
	return func(v *viper.Viper) error {
		v.SetEnvPrefix("ESPGW")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
		return nil
	}
}

// flagKeys maps command-line flags to configuration keys
var flagKeys = map[string]string{
	"transport":       "serial.transport",
	"serial-port":     "serial.port",
	"baud-rate":       "serial.baud_rate",
	"tcp-address":     "serial.tcp_address",
	"ssid":            "wifi.ssid",
	"api-key":         "thingspeak.api_key",
	"upload-interval": "upload.interval",
	"bind-address":    "server.bind_address",
	"log-level":       "logging.level",
	"log-format":      "logging.format",
}

// RegisterFlags defines the command-line flags understood by WithFlags
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a configuration file")
	fs.String("transport", "serial", "Line to the module: serial or tcp")
	fs.String("serial-port", "/dev/ttyUSB0", "Serial port the ESP module is attached to")
	fs.Int("baud-rate", esp.DefaultBaudRate, "Baud rate for serial communication")
	fs.String("tcp-address", "", "host:port of a TCP bridge to the module's UART")
	fs.String("ssid", "", "Access point to join at startup")
	fs.String("api-key", "", "ThingSpeak write API key")
	fs.Duration("upload-interval", 20*time.Second, "Pause after every upload")
	fs.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.String("log-format", "json", "Log format (json, console)")
}

// WithFlags loads configuration from command-line flags. Only flags set on
// the command line override the earlier layers.
func WithFlags(fs *pflag.FlagSet) ConfigOption {
	return func(v *viper.Viper) error {
		var err error
		fs.Visit(func(f *pflag.Flag) {
			if key, ok := flagKeys[f.Name]; ok && err == nil {
				err = v.BindPFlag(key, f)
			}
		})
		return err
	}
}

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"json", "console"}
)

func (c *Config) validate() error {
	var errs []error

	switch c.Serial.Transport {
	case "serial":
		if c.Serial.Port == "" {
			errs = append(errs, errors.New("serial.port is required for the serial transport"))
		}
		if !esp.IsSupportedBaudRate(c.Serial.BaudRate) {
			errs = append(errs, fmt.Errorf("serial.baud_rate %d: %w", c.Serial.BaudRate, esp.ErrUnsupportedBaudRate))
		}
	case "tcp":
		if c.Serial.TCPAddress == "" {
			errs = append(errs, errors.New("serial.tcp_address is required for the tcp transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("serial.transport must be serial or tcp, got %q", c.Serial.Transport))
	}

	if c.Engine.ResponseTimeout < 0 {
		errs = append(errs, errors.New("engine.response_timeout must not be negative"))
	}
	if c.Engine.WindowSize < 0 {
		errs = append(errs, errors.New("engine.window_size must not be negative"))
	}
	if c.Upload.Interval < 0 {
		errs = append(errs, errors.New("upload.interval must not be negative"))
	}
	if c.ThingSpeak.Host == "" {
		errs = append(errs, errors.New("thingspeak.host is required"))
	}
	if !slices.Contains(logLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("invalid log level: %s", c.Logging.Level))
	}
	if !slices.Contains(logFormats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("invalid log format: %s", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Dialer returns the esp.Dialer for the configured transport
func (c *Config) Dialer() esp.Dialer {
	if c.Serial.Transport == "tcp" {
		return esp.TCPDialer{
			Address:     c.Serial.TCPAddress,
			Timeout:     10 * time.Second,
			ReadTimeout: c.Serial.ReadTimeout,
		}
	}
	return esp.SerialDialer{
		PortName:    c.Serial.Port,
		BaudRate:    c.Serial.BaudRate,
		ReadTimeout: c.Serial.ReadTimeout,
	}
}
