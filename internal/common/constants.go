package common

import "time"

// Environment variable keys
const (
	EnvConfigFile     = "CONFIG_FILE"
	EnvPortfolioHost  = "PORTFOLIO_HOST"
	EnvWsSecure       = "WS_SECURE"
	EnvWsURL          = "WS_URL"
	EnvAuthToken      = "AUTH_TOKEN"
	EnvReconnectDelay = "RECONNECT_DELAY"
	EnvConnectTimeout = "CONNECT_TIMEOUT"
	EnvIdleTimeout    = "IDLE_TIMEOUT"
	EnvPingInterval   = "PING_INTERVAL"
	EnvAPIBaseURL     = "API_BASE_URL"
	EnvRESTTimeout    = "REST_TIMEOUT"
	EnvHistoryDays    = "HISTORY_DAYS"
	EnvDataPath       = "DATA_PATH"
	EnvSampleInterval = "SAMPLE_INTERVAL"
	EnvListenPort     = "LISTEN_PORT"
	EnvAnnualization  = "ANNUALIZATION"
	EnvLogLevel       = "LOG_LEVEL"
	EnvLogFormat      = "LOG_FORMAT"
)

// Configuration defaults
const (
	DefaultPortfolioHost  = "localhost:8000"
	DefaultAPIBaseURL     = "http://localhost:8000"
	DefaultReconnectDelay = 5000 * time.Millisecond
	DefaultConnectTimeout = 10 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
	DefaultPingInterval   = 15 * time.Second
	DefaultRESTTimeout    = 5 * time.Second
	DefaultHistoryDays    = 30
	DefaultSampleInterval = 30 * time.Minute
	DefaultRetention      = 400 * 24 * time.Hour
	DefaultListenPort     = 8080
	DefaultAnnualization  = AnnualizationDaily
	DefaultLogLevel       = "info"
)

// Annualization modes for the risk calculator
const (
	AnnualizationDaily    = "daily"    // sqrt(252), assumes one point per trading day
	AnnualizationInferred = "inferred" // derived from the median spacing of the series
)

// Live stream wire constants
const (
	PortfolioPath          = "/ws/portfolio/"
	MessagePortfolioUpdate = "portfolio_update"
)

// Series names used by the local journal
const (
	SeriesPortfolio = "portfolio"
)

// Validation constants
const (
	MinListenPort     = 1024
	MaxListenPort     = 65535
	MaxReconnectDelay = 10 * time.Minute
	MinSampleInterval = time.Second
)

// Common error messages
const (
	ErrMsgHostRequired       = "portfolio host or WebSocket URL is required"
	ErrMsgAPIBaseURLRequired = "API base URL is required"
)
