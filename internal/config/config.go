package config

import (
	"os"
	"strings"
	"sync"
	"time"
)

type Config struct {
	ServerURL      string
	LogLevel       string
	LogFormat      string
	LocalHost      string
	LocalPort      int
	DBDriver       string
	DBDSN          string
	AuthToken      string
	GenerationMode string
	TestCommand    string
	OpenAIEndpoint string
	OpenAIModel    string
	OpenAIAPIKey   string

	ReconnectMaxAttempts int
	ReconnectDelay       time.Duration
	MutationAttempts     int
	MutationDelay        time.Duration
	FeedSize             int
	SearchDebounce       time.Duration
	DenyIntentTTL        time.Duration
}

var (
	cacheTTL   = 10 * time.Second
	nowFunc    = time.Now
	cacheMu    sync.RWMutex
	cachedCfg  Config
	cachedAt   time.Time
	cacheValid bool
)

func LoadConfig() Config {
	cfg := loadFromEnv()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = nowFunc()
	cacheValid = true
	cacheMu.Unlock()
	return cfg
}

func GetConfig() *Config {
	now := nowFunc()
	cacheMu.RLock()
	valid := cacheValid && now.Sub(cachedAt) < cacheTTL
	if valid {
		out := cachedCfg
		cacheMu.RUnlock()
		return &out
	}
	cacheMu.RUnlock()

	cfg := loadFromEnv()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = now
	cacheValid = true
	cacheMu.Unlock()

	out := cfg
	return &out
}

func loadFromEnv() Config {
	localHost := envOr("CHANGEDESK_LOCAL_HOST", "127.0.0.1")
	localPort := atoiOrDefault(os.Getenv("CHANGEDESK_LOCAL_PORT"), 4621)

	driver := strings.ToLower(envOr("CHANGEDESK_DB_DRIVER", "sqlite"))
	switch driver {
	case "sqlite", "postgres":
	default:
		driver = "sqlite"
	}

	generation := strings.ToLower(envOr("CHANGEDESK_GENERATION", "manual"))
	if generation != "openai" {
		generation = "manual"
	}

	return Config{
		ServerURL:      strings.TrimRight(envOr("CHANGEDESK_SERVER_URL", "http://127.0.0.1:4621"), "/"),
		LogLevel:       envOr("CHANGEDESK_LOG_LEVEL", "info"),
		LogFormat:      envOr("CHANGEDESK_LOG_FORMAT", "json"),
		LocalHost:      localHost,
		LocalPort:      localPort,
		DBDriver:       driver,
		DBDSN:          strings.TrimSpace(os.Getenv("CHANGEDESK_DB_DSN")),
		AuthToken:      strings.TrimSpace(os.Getenv("CHANGEDESK_AUTH_TOKEN")),
		GenerationMode: generation,
		TestCommand:    strings.TrimSpace(os.Getenv("CHANGEDESK_TEST_COMMAND")),
		OpenAIEndpoint: os.Getenv("OPENAI_ENDPOINT"),
		OpenAIModel:    os.Getenv("OPENAI_MODEL"),
		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),

		ReconnectMaxAttempts: atoiOrDefault(os.Getenv("CHANGEDESK_RECONNECT_ATTEMPTS"), 5),
		ReconnectDelay:       durationOrDefault(os.Getenv("CHANGEDESK_RECONNECT_DELAY"), time.Second),
		MutationAttempts:     atoiOrDefault(os.Getenv("CHANGEDESK_MUTATION_ATTEMPTS"), 3),
		MutationDelay:        durationOrDefault(os.Getenv("CHANGEDESK_MUTATION_DELAY"), time.Second),
		FeedSize:             atoiOrDefault(os.Getenv("CHANGEDESK_FEED_SIZE"), 50),
		SearchDebounce:       durationOrDefault(os.Getenv("CHANGEDESK_SEARCH_DEBOUNCE"), 300*time.Millisecond),
		DenyIntentTTL:        durationOrDefault(os.Getenv("CHANGEDESK_DENY_INTENT_TTL"), 2*time.Minute),
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationOrDefault(v string, fallback time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func atoiOrDefault(v string, fallback int) int {
	n := 0
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return fallback
		}
		n = n*10 + int(v[i]-'0')
	}
	if n == 0 {
		return fallback
	}
	return n
}
