package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendStrapi   = "strapi"
)

type Config struct {
	Port          string
	AllowedOrigin string
	AppEnv        string
	LogLevel      string
	LogFormat     string

	DataBackend    string
	DatabaseURL    string
	StrapiURL      string
	StrapiToken    string
	StrapiTimeout  time.Duration
	StrapiPageSize int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PrintPayloadTTL time.Duration
	PrintDelayMS    int

	BranchID string
	DeskID   string
	Currency string

	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL := getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480)

	cfg := Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		AppEnv:        getEnv("APP_ENV", "development"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		LogFormat:     os.Getenv("LOG_FORMAT"),

		DatabaseURL:    os.Getenv("DATABASE_URL"),
		StrapiURL:      strings.TrimRight(strings.TrimSpace(os.Getenv("STRAPI_URL")), "/"),
		StrapiToken:    strings.TrimSpace(os.Getenv("STRAPI_TOKEN")),
		StrapiTimeout:  time.Duration(getPositiveInt("STRAPI_TIMEOUT_SECONDS", 15)) * time.Second,
		StrapiPageSize: getPositiveInt("STRAPI_PAGE_SIZE", 100),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,

		PrintPayloadTTL: time.Duration(getPositiveInt("PRINT_PAYLOAD_TTL_SECONDS", 300)) * time.Second,
		PrintDelayMS:    getPositiveInt("PRINT_DELAY_MS", 500),

		BranchID: getEnv("DEFAULT_BRANCH_ID", "main-branch"),
		DeskID:   getEnv("DEFAULT_DESK_ID", "desk-1"),
		Currency: strings.ToUpper(getEnv("CURRENCY", "USD")),

		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
	}
	cfg.DataBackend = resolveBackend(os.Getenv("DATA_BACKEND"), cfg)

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// resolveBackend honours DATA_BACKEND when set, otherwise picks strapi or
// postgres from whichever connection setting is present.
func resolveBackend(raw string, cfg Config) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case BackendMemory:
		return BackendMemory
	case BackendPostgres:
		return BackendPostgres
	case BackendStrapi:
		return BackendStrapi
	}
	switch {
	case cfg.StrapiURL != "":
		return BackendStrapi
	case cfg.DatabaseURL != "":
		return BackendPostgres
	default:
		return BackendMemory
	}
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}
