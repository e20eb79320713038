package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration of the sync job.
type Config struct {
	Feed      FeedConfig
	Firewall  FirewallConfig
	Workspace WorkspaceConfig
	Logging   LoggingConfig
	Ledger    LedgerConfig
	Slack     SlackConfig

	QueryFile      string
	GroupChunkSize int
	RetentionDays  int
	PushgatewayURL string
}

type FeedConfig struct {
	APIKey       string
	BaseURL      string
	Endpoint     string
	PageSize     int
	MaxOffset    int
	RequestDelay time.Duration
	RetryDelay   time.Duration
	MaxAttempts  int
	Timeout      time.Duration
}

type FirewallConfig struct {
	Host        string
	Token       string
	PolicyID    string
	InsecureTLS bool

	// RequestDelay paces consecutive address object creations.
	RequestDelay time.Duration
	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration

	CircuitBreakerEnabled     bool
	CircuitBreakerMaxFailures int
}

type WorkspaceConfig struct {
	Dir string
}

// InputDir holds the ledgers.
func (w WorkspaceConfig) InputDir() string {
	return strings.TrimRight(w.Dir, "/") + "/input"
}

// OutputDir holds the per-run audit artifacts.
func (w WorkspaceConfig) OutputDir() string {
	return strings.TrimRight(w.Dir, "/") + "/output"
}

type LoggingConfig struct {
	Dir   string
	Level string
}

type LedgerConfig struct {
	// Backend is "csv" or "postgres".
	Backend     string
	DatabaseURL string
}

type SlackConfig struct {
	BotToken    string
	Channel     string
	MentionTeam string
}

func (s SlackConfig) Enabled() bool {
	return s.BotToken != "" && s.Channel != ""
}

// Load reads envFile (when present) into the environment and builds a Config.
// A missing dotenv file is not an error; missing required variables are.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		Feed: FeedConfig{
			APIKey:       os.Getenv("CRIMINALIP_API_KEY"),
			BaseURL:      getEnv("CRIMINALIP_BASE_URL", "https://api.criminalip.io/"),
			Endpoint:     getEnv("CRIMINALIP_ENDPOINT", "v1/banner/search"),
			PageSize:     getEnvInt("FEED_PAGE_SIZE", 10),
			MaxOffset:    getEnvInt("FEED_MAX_OFFSET", 9900),
			RequestDelay: getEnvDuration("FEED_REQUEST_DELAY", 2*time.Second),
			RetryDelay:   getEnvDuration("FEED_RETRY_DELAY", 2*time.Second),
			MaxAttempts:  getEnvInt("FEED_MAX_ATTEMPTS", 70),
			Timeout:      getEnvDuration("FEED_TIMEOUT", 30*time.Second),
		},
		Firewall: FirewallConfig{
			Host:                      os.Getenv("FORTIGATE_HOST"),
			Token:                     os.Getenv("FORTIGATE_TOKEN"),
			PolicyID:                  os.Getenv("FORTIGATE_POLICY_ID"),
			InsecureTLS:               getEnvBool("FORTIGATE_INSECURE_TLS", true),
			RequestDelay:              getEnvDuration("FIREWALL_REQUEST_DELAY", 500*time.Millisecond),
			Timeout:                   getEnvDuration("FIREWALL_TIMEOUT", 30*time.Second),
			MaxRetries:                getEnvInt("FIREWALL_MAX_RETRIES", 3),
			RetryDelay:                getEnvDuration("FIREWALL_RETRY_DELAY", 2*time.Second),
			CircuitBreakerEnabled:     getEnvBool("FIREWALL_CIRCUIT_BREAKER_ENABLED", true),
			CircuitBreakerMaxFailures: getEnvInt("FIREWALL_CIRCUIT_BREAKER_MAX_FAILURES", 5),
		},
		Workspace: WorkspaceConfig{
			Dir: getEnv("WORK_DIR", "./work"),
		},
		Logging: LoggingConfig{
			Dir:   os.Getenv("LOG_DIR"),
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Ledger: LedgerConfig{
			Backend:     strings.ToLower(getEnv("LEDGER_BACKEND", "csv")),
			DatabaseURL: os.Getenv("DATABASE_URL"),
		},
		Slack: SlackConfig{
			BotToken:    os.Getenv("SLACK_BOT_TOKEN"),
			Channel:     os.Getenv("SLACK_CHANNEL"),
			MentionTeam: getEnv("SLACK_MENTION_TEAM", "@security-team"),
		},
		QueryFile:      os.Getenv("QUERY_FILE"),
		GroupChunkSize: getEnvInt("GROUP_CHUNK_SIZE", 600),
		RetentionDays:  getEnvInt("RETENTION_DAYS", 7),
		PushgatewayURL: os.Getenv("PUSHGATEWAY_URL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	required := []struct{ key, value string }{
		{"CRIMINALIP_API_KEY", c.Feed.APIKey},
		{"FORTIGATE_HOST", c.Firewall.Host},
		{"FORTIGATE_TOKEN", c.Firewall.Token},
		{"FORTIGATE_POLICY_ID", c.Firewall.PolicyID},
		{"QUERY_FILE", c.QueryFile},
	}
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	switch c.Ledger.Backend {
	case "csv":
	case "postgres":
		if c.Ledger.DatabaseURL == "" {
			return errors.New("LEDGER_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q (want csv or postgres)", c.Ledger.Backend)
	}

	if c.Feed.PageSize <= 0 {
		return fmt.Errorf("FEED_PAGE_SIZE must be positive, got %d", c.Feed.PageSize)
	}
	if c.Feed.MaxAttempts <= 0 {
		return fmt.Errorf("FEED_MAX_ATTEMPTS must be positive, got %d", c.Feed.MaxAttempts)
	}
	if c.GroupChunkSize <= 0 {
		return fmt.Errorf("GROUP_CHUNK_SIZE must be positive, got %d", c.GroupChunkSize)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be positive, got %d", c.RetentionDays)
	}
	return nil
}

// getEnv reads a string from environment variable or returns default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt reads an integer from environment variable or returns default
func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool reads a boolean from environment variable or returns default
func getEnvBool(key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("500ms") or whole seconds ("2").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
