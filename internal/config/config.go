package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port         string
	StoreBackend string
	DatabaseURL  string
	RedisAddr    string
	RedisDB      int

	TicketPrefix   string
	NumberPad      int
	ServiceMinutes int
	CounterIDs     []string

	StaffPINs      []string
	StaffPINHashes []string
	SessionTTL     time.Duration

	AbandonTTL     time.Duration
	PurgeInterval  time.Duration
	PurgeBatchSize int

	RateLimitPerMinute int
	RateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:         port,
		StoreBackend: readString("STORE_BACKEND", "memory"),
		DatabaseURL:  os.Getenv("DB_DSN"),
		RedisAddr:    readString("REDIS_ADDR", "localhost:6379"),
		RedisDB:      readInt("REDIS_DB", 0),

		TicketPrefix:   readString("TICKET_PREFIX", "A"),
		NumberPad:      readInt("TICKET_NUMBER_PAD", 3),
		ServiceMinutes: readInt("SERVICE_MINUTES", 5),
		CounterIDs:     readStrings("COUNTER_IDS", []string{"1", "2", "3", "4", "5", "6"}),

		StaffPINs:      readStrings("STAFF_PINS", nil),
		StaffPINHashes: readStrings("STAFF_PIN_HASHES", nil),
		SessionTTL:     readDurationSeconds("SESSION_TTL_SECONDS", 8*60*60),

		AbandonTTL:     readDurationSeconds("ABANDON_TTL_SECONDS", 4*60*60),
		PurgeInterval:  readDurationSeconds("PURGE_INTERVAL_SECONDS", 60),
		PurgeBatchSize: readInt("PURGE_BATCH_SIZE", 100),

		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
	}
}

func readString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readStrings(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	if len(values) == 0 {
		return fallback
	}
	return values
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
