package utilities

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// LogLevel defines the severity of a log message.
type LogLevel int

// Logging Level
const (
	Debug LogLevel = iota
	Info
	Warn
	Error
	Fatal
)

// ErrConfig marks a fatal configuration problem discovered at startup.
// main maps it to exit code 1.
var ErrConfig = errors.New("configuration error")

// --- Types (Alphabetized) ---

// AppConfig is the root configuration structure, holding all other config sections.
type AppConfig struct {
	AppName       string               `mapstructure:"app_name"`
	Version       string               `mapstructure:"version"`
	Environment   string               `mapstructure:"environment"`
	Binance       *BinanceConfig       `mapstructure:"binance"`
	Bitvavo       *BitvavoConfig       `mapstructure:"bitvavo"`
	Coingecko     *CoingeckoConfig     `mapstructure:"coingecko"`
	Coinmarketcap *CoinmarketcapConfig `mapstructure:"coinmarketcap"`
	DB            DatabaseConfig       `mapstructure:"database"`
	Livecoinwatch *LivecoinwatchConfig `mapstructure:"livecoinwatch"`
	Logging       LoggingConfig        `mapstructure:"logging"`
	Poller        PollerConfig         `mapstructure:"poller"`
	Web           WebConfig            `mapstructure:"web"`
}

// BinanceConfig holds settings for the Binance REST data provider.
type BinanceConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	APIKey            string `mapstructure:"api_key"`
	APISecret         string `mapstructure:"api_secret"`
	QuoteCurrency     string `mapstructure:"quote_currency"`
	RequestTimeoutSec int    `mapstructure:"request_timeout_sec"`
	MinIntervalSec    int    `mapstructure:"min_interval_sec"`
}

// BitvavoConfig holds settings for the Bitvavo REST data provider.
type BitvavoConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	APIKey            string `mapstructure:"api_key"`
	APISecret         string `mapstructure:"api_secret"`
	QuoteCurrency     string `mapstructure:"quote_currency"`
	RequestTimeoutSec int    `mapstructure:"request_timeout_sec"`
	WeightPerMinute   int    `mapstructure:"weight_per_minute"`
}

// CoingeckoConfig holds settings for the CoinGecko data provider.
type CoingeckoConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	APIKey            string `mapstructure:"api_key"`
	QuoteCurrency     string `mapstructure:"quote_currency"`
	RequestTimeoutSec int    `mapstructure:"request_timeout_sec"`
	MinIntervalSec    int    `mapstructure:"min_interval_sec"`
	ListCacheTTLMin   int    `mapstructure:"list_cache_ttl_min"`
}

// CoinmarketcapConfig holds settings for the CoinMarketCap data provider.
type CoinmarketcapConfig struct {
	BaseURL             string `mapstructure:"base_url"`
	APIKey              string `mapstructure:"api_key"`
	QuoteCurrency       string `mapstructure:"quote_currency"`
	RequestTimeoutSec   int    `mapstructure:"request_timeout_sec"`
	MaxBatch            int    `mapstructure:"max_batch"`
	WeightPerMinute     int    `mapstructure:"weight_per_minute"`
	ListingsCacheTTLMin int    `mapstructure:"listings_cache_ttl_min"`
}

// DatabaseConfig holds settings for database connections.
type DatabaseConfig struct {
	DBPath string `mapstructure:"database_path"`
}

// LivecoinwatchConfig holds settings for the LiveCoinWatch data provider.
type LivecoinwatchConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	APIKey            string `mapstructure:"api_key"`
	QuoteCurrency     string `mapstructure:"quote_currency"`
	RequestTimeoutSec int    `mapstructure:"request_timeout_sec"`
	MinIntervalSec    int    `mapstructure:"min_interval_sec"`
}

// Logger provides a structured logger with different levels.
type Logger struct {
	Level  LogLevel
	Logger *log.Logger
}

// NewLogger creates a new Logger instance.
func NewLogger(level LogLevel) *Logger {
	return &Logger{
		Level:  level,
		Logger: log.New(os.Stdout, "[Coinpulse] ", log.Ldate|log.Ltime|log.Lshortfile),
	}
}

// LogDebug logs a message at Debug level.
func (l *Logger) LogDebug(format string, v ...interface{}) {
	if l.Level <= Debug {
		_ = l.Logger.Output(2, fmt.Sprintf("[DEBUG] "+format, v...))
	}
}

// LogError logs a message at Error level.
func (l *Logger) LogError(format string, v ...interface{}) {
	if l.Level <= Error {
		_ = l.Logger.Output(2, fmt.Sprintf("[ERROR] "+format, v...))
	}
}

// LogFatal logs a message at Fatal level and then calls os.Exit(1).
func (l *Logger) LogFatal(format string, v ...interface{}) {
	_ = l.Logger.Output(2, fmt.Sprintf("[FATAL] "+format, v...))
	os.Exit(1)
}

// LogInfo logs a message at Info level.
func (l *Logger) LogInfo(format string, v ...interface{}) {
	if l.Level <= Info {
		_ = l.Logger.Output(2, fmt.Sprintf("[INFO] "+format, v...))
	}
}

// LogWarn logs a message at Warn level.
func (l *Logger) LogWarn(format string, v ...interface{}) {
	if l.Level <= Warn {
		_ = l.Logger.Output(2, fmt.Sprintf("[WARN] "+format, v...))
	}
}

// SetLogLevel updates the logging level of the logger.
func (l *Logger) SetLogLevel(level LogLevel) {
	l.Level = level
}

// LoggingConfig holds settings related to logging.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	LogToFile   bool   `mapstructure:"log_to_file"`
	LogFilePath string `mapstructure:"log_file_path"`
}

// PollerConfig holds the scheduler and budget knobs.
type PollerConfig struct {
	ActiveExchange         string `mapstructure:"active_exchange"`
	PollIntervalSec        int    `mapstructure:"poll_interval_seconds"`
	UniverseIntervalSec    int    `mapstructure:"universe_interval_seconds"`
	CooldownSec            int    `mapstructure:"cooldown_seconds"`
	MaxInflightGlobal      int    `mapstructure:"max_inflight_global"`
	MaxInflightPerUpstream int    `mapstructure:"max_inflight_per_upstream"`
	PurgeOnExchangeChange  bool   `mapstructure:"purge_on_exchange_change"`
}

// WebConfig holds settings for the HTTP facade.
type WebConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// --- Standalone Functions (Alphabetized) ---

// DoJSONRequest performs an HTTP request, retries on transient errors, and unmarshals a JSON response.
func DoJSONRequest(client *http.Client, req *http.Request, maxRetries int, retryDelay time.Duration, result interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		r := req
		if attempt > 0 && req.GetBody != nil {
			bodyReader, err := req.GetBody()
			if err != nil {
				return fmt.Errorf("retry %d: could not reset request body: %w", attempt, err)
			}
			r = req.Clone(req.Context())
			r.Body = bodyReader
		}

		resp, err := client.Do(r)
		if err != nil {
			lastErr = err
			time.Sleep(retryDelay)
			continue
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 && resp.StatusCode <= 599 {
			lastErr = fmt.Errorf("server error %d %s", resp.StatusCode, resp.Status)
			time.Sleep(retryDelay)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("http %d: %s", resp.StatusCode, string(snippet))
		}

		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode JSON response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("all retries failed: %w", lastErr)
}

// MinInt returns the minimum of two integers.
func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// NewHTTPClient builds an http.Client with the standard connect/read timeouts
// shared by all upstream adapters.
func NewHTTPClient(timeoutSec int) *http.Client {
	if timeoutSec <= 0 {
		timeoutSec = 10
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = time.Duration(timeoutSec) * time.Second
	transport.TLSHandshakeTimeout = 5 * time.Second
	return &http.Client{
		Timeout:   time.Duration(timeoutSec) * time.Second,
		Transport: transport,
	}
}

// ParseLogLevel converts a string log level to the LogLevel type.
func ParseLogLevel(levelStr string) (LogLevel, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warn":
		return Warn, nil
	case "error":
		return Error, nil
	case "fatal":
		return Fatal, nil
	default:
		return Info, fmt.Errorf("invalid log level string: %s", levelStr)
	}
}

// ToNaiveUTC parses an upstream timestamp (RFC3339 variants, or an already
// canonical string) and renders it as the naive UTC form
// "YYYY-MM-DD HH:MM:SS" used throughout the store.
func ToNaiveUTC(ts string) (string, error) {
	if ts == "" {
		return "", errors.New("empty timestamp")
	}
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC().Format("2006-01-02 15:04:05"), nil
		}
	}
	return "", fmt.Errorf("unrecognized timestamp format: %q", ts)
}
