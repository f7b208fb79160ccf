package app

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	HTTPAddr      string
	MongoURI      string
	MongoDatabase string
	LogLevel      string
	LogFormat     string
	DataDir       string

	// User policy defaults; runtime changes go through the policy API and
	// are persisted separately.
	OnlyOnWiFi             bool
	SaveBattery            bool
	LowBatteryThreshold    float64
	MaxConcurrentPeers     int
	UploadLimitBytesPerSec int64

	AllowedOrigins []string
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DB", "swarmstream"),
		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:     strings.ToLower(getEnv("LOG_FORMAT", "text")),
		DataDir:       getEnv("SWARM_DATA_DIR", "data"),

		OnlyOnWiFi:             getEnvBool("SWARM_ONLY_ON_WIFI", false),
		SaveBattery:            getEnvBool("SWARM_SAVE_BATTERY", true),
		LowBatteryThreshold:    getEnvFloat("SWARM_LOW_BATTERY_THRESHOLD", 0.25),
		MaxConcurrentPeers:     int(getEnvInt64("SWARM_MAX_CONCURRENT_PEERS", 35)),
		UploadLimitBytesPerSec: getEnvInt64("SWARM_UPLOAD_LIMIT_BYTES_PER_SEC", 0),

		AllowedOrigins: splitList(getEnv("HTTP_ALLOWED_ORIGINS", "")),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
