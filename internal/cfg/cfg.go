package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"portfolio-pulse/internal/common"
	"portfolio-pulse/internal/live"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	Host           string
	Secure         bool
	WsURL          string
	AuthToken      string
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	Ping           time.Duration
	APIBaseURL     string
	RESTTimeout    time.Duration
	HistoryDays    int
	DataPath       string
	SampleInterval time.Duration
	ListenPort     int
	Annualization  string
	LogLevel       string
	LogFormat      string
}

type ConfigFile struct {
	API struct {
		BaseURL     string `yaml:"baseURL"`
		Token       string `yaml:"token"`
		RESTTimeout string `yaml:"restTimeout"`
		HistoryDays int    `yaml:"historyDays"`
	} `yaml:"api"`

	Stream struct {
		Host           string `yaml:"host"`
		Secure         bool   `yaml:"secure"`
		WsURL          string `yaml:"wsURL"`
		ReconnectDelay string `yaml:"reconnectDelay"`
		ConnectTimeout string `yaml:"connectTimeout"`
		IdleTimeout    string `yaml:"idleTimeout"`
		PingInterval   string `yaml:"pingInterval"`
	} `yaml:"stream"`

	Risk struct {
		Annualization string `yaml:"annualization"`
	} `yaml:"risk"`

	System struct {
		DataPath       string `yaml:"dataPath"`
		SampleInterval string `yaml:"sampleInterval"`
		ListenPort     int    `yaml:"listenPort"`
		LogLevel       string `yaml:"logLevel"`
		LogFormat      string `yaml:"logFormat"`
	} `yaml:"system"`
}

// Load reads a .env file when present, then the YAML file named by CONFIG_FILE,
// falling back to plain environment variables.
func Load() (Settings, error) {
	_ = godotenv.Load()

	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	return loadFromEnv()
}

// StreamURL returns the explicit WebSocket URL if configured, otherwise the
// portfolio endpoint derived from the host.
func (s *Settings) StreamURL() string {
	if s.WsURL != "" {
		return s.WsURL
	}
	return live.EndpointURL(s.Host, s.Secure)
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	settings := Settings{
		Host:           getEnvOrDefault(common.EnvPortfolioHost, orDefault(config.Stream.Host, common.DefaultPortfolioHost)),
		Secure:         getBoolOrDefault(common.EnvWsSecure, config.Stream.Secure),
		WsURL:          getEnvOrDefault(common.EnvWsURL, config.Stream.WsURL),
		AuthToken:      getEnvOrDefault(common.EnvAuthToken, config.API.Token),
		ReconnectDelay: getDurationOrDefault(common.EnvReconnectDelay, parseDuration(config.Stream.ReconnectDelay, common.DefaultReconnectDelay)),
		ConnectTimeout: getDurationOrDefault(common.EnvConnectTimeout, parseDuration(config.Stream.ConnectTimeout, common.DefaultConnectTimeout)),
		IdleTimeout:    getDurationOrDefault(common.EnvIdleTimeout, parseDuration(config.Stream.IdleTimeout, common.DefaultIdleTimeout)),
		Ping:           getDurationOrDefault(common.EnvPingInterval, parseDuration(config.Stream.PingInterval, common.DefaultPingInterval)),
		APIBaseURL:     getEnvOrDefault(common.EnvAPIBaseURL, orDefault(config.API.BaseURL, common.DefaultAPIBaseURL)),
		RESTTimeout:    getDurationOrDefault(common.EnvRESTTimeout, parseDuration(config.API.RESTTimeout, common.DefaultRESTTimeout)),
		HistoryDays:    getIntFromEnvOrConfig(common.EnvHistoryDays, config.API.HistoryDays, common.DefaultHistoryDays),
		DataPath:       getEnvOrDefault(common.EnvDataPath, config.System.DataPath),
		SampleInterval: getDurationOrDefault(common.EnvSampleInterval, parseDuration(config.System.SampleInterval, common.DefaultSampleInterval)),
		ListenPort:     getIntFromEnvOrConfig(common.EnvListenPort, config.System.ListenPort, common.DefaultListenPort),
		Annualization:  getEnvOrDefault(common.EnvAnnualization, orDefault(config.Risk.Annualization, common.DefaultAnnualization)),
		LogLevel:       getEnvOrDefault(common.EnvLogLevel, orDefault(config.System.LogLevel, common.DefaultLogLevel)),
		LogFormat:      getEnvOrDefault(common.EnvLogFormat, config.System.LogFormat),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		Host:           getEnvOrDefault(common.EnvPortfolioHost, common.DefaultPortfolioHost),
		Secure:         getBoolOrDefault(common.EnvWsSecure, false),
		WsURL:          os.Getenv(common.EnvWsURL),
		AuthToken:      os.Getenv(common.EnvAuthToken),
		ReconnectDelay: getDurationOrDefault(common.EnvReconnectDelay, common.DefaultReconnectDelay),
		ConnectTimeout: getDurationOrDefault(common.EnvConnectTimeout, common.DefaultConnectTimeout),
		IdleTimeout:    getDurationOrDefault(common.EnvIdleTimeout, common.DefaultIdleTimeout),
		Ping:           getDurationOrDefault(common.EnvPingInterval, common.DefaultPingInterval),
		APIBaseURL:     getEnvOrDefault(common.EnvAPIBaseURL, common.DefaultAPIBaseURL),
		RESTTimeout:    getDurationOrDefault(common.EnvRESTTimeout, common.DefaultRESTTimeout),
		HistoryDays:    getIntOrDefault(common.EnvHistoryDays, common.DefaultHistoryDays),
		DataPath:       os.Getenv(common.EnvDataPath), // optional
		SampleInterval: getDurationOrDefault(common.EnvSampleInterval, common.DefaultSampleInterval),
		ListenPort:     getIntOrDefault(common.EnvListenPort, common.DefaultListenPort),
		Annualization:  getEnvOrDefault(common.EnvAnnualization, common.DefaultAnnualization),
		LogLevel:       getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		LogFormat:      os.Getenv(common.EnvLogFormat),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func parseDuration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

// validateSettings checks ranges and required values
func validateSettings(settings *Settings) error {
	if settings.Host == "" && settings.WsURL == "" {
		return fmt.Errorf(common.ErrMsgHostRequired)
	}
	if settings.WsURL != "" && !strings.HasPrefix(settings.WsURL, "ws://") && !strings.HasPrefix(settings.WsURL, "wss://") {
		return fmt.Errorf("WebSocket URL must use ws:// or wss://, got %s", settings.WsURL)
	}
	if settings.APIBaseURL == "" {
		return fmt.Errorf(common.ErrMsgAPIBaseURLRequired)
	}

	if settings.ReconnectDelay <= 0 || settings.ReconnectDelay > common.MaxReconnectDelay {
		return fmt.Errorf("reconnect delay must be between 0 and %v, got %v", common.MaxReconnectDelay, settings.ReconnectDelay)
	}
	if settings.ConnectTimeout < time.Second || settings.ConnectTimeout > time.Minute {
		return fmt.Errorf("connect timeout must be between 1s and 1m, got %v", settings.ConnectTimeout)
	}
	if settings.IdleTimeout < time.Second || settings.IdleTimeout > 30*time.Minute {
		return fmt.Errorf("idle timeout must be between 1s and 30m, got %v", settings.IdleTimeout)
	}
	// zero disables keep-alive pings
	if settings.Ping != 0 && (settings.Ping < time.Second || settings.Ping > 5*time.Minute) {
		return fmt.Errorf("ping interval must be 0 or between 1s and 5m, got %v", settings.Ping)
	}
	if settings.Ping != 0 && settings.Ping >= settings.IdleTimeout {
		return fmt.Errorf("ping interval %v must be shorter than idle timeout %v", settings.Ping, settings.IdleTimeout)
	}
	if settings.RESTTimeout < time.Second || settings.RESTTimeout > time.Minute {
		return fmt.Errorf("REST timeout must be between 1s and 1m, got %v", settings.RESTTimeout)
	}

	if settings.HistoryDays <= 0 || settings.HistoryDays > 3650 {
		return fmt.Errorf("history days must be between 1 and 3650, got %d", settings.HistoryDays)
	}
	if settings.SampleInterval < common.MinSampleInterval {
		return fmt.Errorf("sample interval must be at least %v, got %v", common.MinSampleInterval, settings.SampleInterval)
	}
	if settings.ListenPort < common.MinListenPort || settings.ListenPort > common.MaxListenPort {
		return fmt.Errorf("listen port must be between %d and %d, got %d", common.MinListenPort, common.MaxListenPort, settings.ListenPort)
	}

	switch settings.Annualization {
	case common.AnnualizationDaily, common.AnnualizationInferred:
	default:
		return fmt.Errorf("annualization must be %q or %q, got %q", common.AnnualizationDaily, common.AnnualizationInferred, settings.Annualization)
	}

	return nil
}
