package config

import (
	"os"
	"strconv"
)

type Config struct {
	// Server
	Port string

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Auth (single user)
	AdminUsername    string
	AdminPassword    string // bcrypt hash stored, plaintext in env for initial setup
	AdminDisplayName string
	JWTSecret        string

	// Settings encryption (n8n API key at rest)
	SettingsEncryptionKey string

	// AI (Gemini)
	GeminiAPIKey        string
	GeminiAPIURL        string
	GeminiModel         string
	ModelTimeoutSeconds int
	AssistantName       string

	// n8n defaults, overridable through the settings API
	N8nURL               string
	N8nAPIKey            string
	N8nRequestsPerSecond float64

	// Realtime: "local" fans out in-process, "postgres" goes through LISTEN/NOTIFY
	RealtimeMode    string
	RealtimeChannel string
}

func Load() *Config {
	modelTimeout, _ := strconv.Atoi(getEnv("MODEL_TIMEOUT_SECONDS", "120"))
	n8nRate, _ := strconv.ParseFloat(getEnv("N8N_REQUESTS_PER_SECOND", "5"), 64)
	return &Config{
		Port:                  getEnv("PORT", "8097"),
		DBHost:                getEnv("DB_HOST", "localhost"),
		DBPort:                getEnv("DB_PORT", "5432"),
		DBUser:                getEnv("DB_USER", "postgres"),
		DBPassword:            getEnv("DB_PASSWORD", ""),
		DBName:                getEnv("DB_NAME", "torid_db"),
		DBSSLMode:             getEnv("DB_SSLMODE", "disable"),
		AdminUsername:         getEnv("ADMIN_USERNAME", "user@example.com"),
		AdminPassword:         getEnv("ADMIN_PASSWORD", ""),
		AdminDisplayName:      getEnv("ADMIN_DISPLAY_NAME", "Torid User"),
		JWTSecret:             getEnv("JWT_SECRET", ""),
		SettingsEncryptionKey: getEnv("SETTINGS_ENCRYPTION_KEY", ""),
		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		GeminiAPIURL:          getEnv("GEMINI_API_URL", "https://generativelanguage.googleapis.com/v1beta"),
		GeminiModel:           getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		ModelTimeoutSeconds:   modelTimeout,
		AssistantName:         getEnv("ASSISTANT_NAME", "TORID_AI"),
		N8nURL:                getEnv("N8N_URL", ""),
		N8nAPIKey:             getEnv("N8N_API_KEY", ""),
		N8nRequestsPerSecond:  n8nRate,
		RealtimeMode:          getEnv("REALTIME_MODE", "local"),
		RealtimeChannel:       getEnv("REALTIME_CHANNEL", "torid_changes"),
	}
}

// DSN builds the postgres connection string shared by gorm and the realtime listener.
func (c *Config) DSN() string {
	return "host=" + c.DBHost + " port=" + c.DBPort + " user=" + c.DBUser +
		" password=" + c.DBPassword + " dbname=" + c.DBName + " sslmode=" + c.DBSSLMode
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
