package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "change-this-secret-in-production"

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server"`

	// Database configuration
	Database DatabaseConfig `json:"database"`

	// Identity provider configuration
	Identity IdentityConfig `json:"identity"`

	// Broker configuration
	Broker BrokerConfig `json:"broker"`

	// Audit configuration
	Audit AuditConfig `json:"audit"`

	// Credential hashing configuration
	Credentials CredentialsConfig `json:"credentials"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`

	// CORS configuration
	CORS CORSConfig `json:"cors"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         string        `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver   string        `json:"driver"` // postgres or memory
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	User     string        `json:"user"`
	Password string        `json:"password"`
	DBName   string        `json:"db_name"`
	SSLMode  string        `json:"ssl_mode"`
	MaxConns int           `json:"max_conns"`
	MinConns int           `json:"min_conns"`
	Timeout  time.Duration `json:"timeout"`
}

// IdentityConfig selects how bearer tokens are verified
type IdentityConfig struct {
	Mode             string        `json:"mode"` // jwt or remote
	JWTSecretKey     string        `json:"jwt_secret_key"`
	JWTIssuer        string        `json:"jwt_issuer"`
	JWTAudience      string        `json:"jwt_audience"`
	RemoteURL        string        `json:"remote_url"`
	RemoteAPIKey     string        `json:"remote_api_key"`
	Timeout          time.Duration `json:"timeout"`
	MaxRetries       int           `json:"max_retries"`
	BreakerThreshold int           `json:"breaker_threshold"`
	BreakerCooldown  time.Duration `json:"breaker_cooldown"`
}

// BrokerConfig holds the broker address handed to devices and the
// registrar used to create broker accounts
type BrokerConfig struct {
	PublicHost     string        `json:"public_host"`
	PublicPort     int           `json:"public_port"`
	PublicTLS      bool          `json:"public_tls"`
	Registrar      string        `json:"registrar"` // dynsec or none
	DeviceRole     string        `json:"device_role"`
	AuthHookSecret string        `json:"-"`
	Timeout        time.Duration `json:"timeout"`
	Admin          MQTTConfig    `json:"admin"`
}

// MQTTConfig holds the admin connection used by the dynamic-security registrar
type MQTTConfig struct {
	BrokerHost   string        `json:"broker_host"`
	BrokerPort   int           `json:"broker_port"`
	BrokerUser   string        `json:"broker_user"`
	BrokerPass   string        `json:"broker_pass"`
	UseTLS       bool          `json:"use_tls"`
	CACertPath   string        `json:"ca_cert_path"`
	ClientID     string        `json:"client_id"`
	ControlTopic string        `json:"control_topic"`
	KeepAlive    time.Duration `json:"keep_alive"`
	PingTimeout  time.Duration `json:"ping_timeout"`
}

// AuditConfig selects where provisioning events are recorded
type AuditConfig struct {
	Sink            string        `json:"sink"` // mongo or log
	MongoURI        string        `json:"mongo_uri"`
	MongoDatabase   string        `json:"mongo_database"`
	MongoCollection string        `json:"mongo_collection"`
	Timeout         time.Duration `json:"timeout"`
	// Retention expires mongo events after this long; zero keeps them
	Retention time.Duration `json:"retention"`
}

// CredentialsConfig holds the Argon2id parameters for broker password hashes
type CredentialsConfig struct {
	HashTime      uint32 `json:"hash_time"`
	HashMemoryKiB uint32 `json:"hash_memory_kib"`
	HashThreads   uint8  `json:"hash_threads"`
	HashKeyLen    uint32 `json:"hash_key_len"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level        string `json:"level"`
	Format       string `json:"format"` // json or text
	Output       string `json:"output"` // stdout, stderr, or file path
	EnableCaller bool   `json:"enable_caller"`
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	ExposedHeaders   []string `json:"exposed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age"`
}

// LoadApiConfig loads configuration for the API service
func LoadApiConfig() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	if err := godotenv.Load(); err != nil {
		// Silently ignore .env file loading errors
		// This allows the application to work with environment variables set directly
	}

	driver := strings.ToLower(getEnv("DATABASE_DRIVER", "postgres"))
	database := DatabaseConfig{
		Driver:   driver,
		Host:     getEnv("POSTGRES_HOST", "localhost"),
		Port:     getInt("POSTGRES_PORT", 5432),
		DBName:   getEnv("POSTGRES_DB", "iot"),
		SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		MaxConns: getInt("POSTGRES_MAX_CONNS", 25),
		MinConns: getInt("POSTGRES_MIN_CONNS", 5),
		Timeout:  getDuration("STORE_TIMEOUT", 5*time.Second),
	}
	if driver == "postgres" {
		database.User = getRequiredEnv("POSTGRES_USER")
		database.Password = getRequiredEnv("POSTGRES_PASSWORD")
	}

	config := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "9002"),
			ReadTimeout:  getDuration("READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDuration("WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getDuration("IDLE_TIMEOUT", 120*time.Second),
		},
		Database: database,
		Identity: IdentityConfig{
			Mode:             strings.ToLower(getEnv("IDENTITY_MODE", "jwt")),
			JWTSecretKey:     getEnv("JWT_SECRET_KEY", defaultJWTSecret),
			JWTIssuer:        getEnv("JWT_ISSUER", ""),
			JWTAudience:      getEnv("JWT_AUDIENCE", ""),
			RemoteURL:        getEnv("IDENTITY_URL", ""),
			RemoteAPIKey:     getEnv("IDENTITY_API_KEY", ""),
			Timeout:          getDuration("IDENTITY_TIMEOUT", 5*time.Second),
			MaxRetries:       getInt("IDENTITY_MAX_RETRIES", 2),
			BreakerThreshold: getInt("IDENTITY_BREAKER_THRESHOLD", 5),
			BreakerCooldown:  getDuration("IDENTITY_BREAKER_COOLDOWN", 30*time.Second),
		},
		Broker: BrokerConfig{
			PublicHost:     getEnv("BROKER_PUBLIC_HOST", "localhost"),
			PublicPort:     getInt("BROKER_PUBLIC_PORT", 8883),
			PublicTLS:      getBool("BROKER_PUBLIC_TLS", true),
			Registrar:      strings.ToLower(getEnv("BROKER_REGISTRAR", "none")),
			DeviceRole:     getEnv("BROKER_DEVICE_ROLE", "device"),
			AuthHookSecret: getEnv("BROKER_AUTH_SECRET", ""),
			Timeout:        getDuration("BROKER_TIMEOUT", 3*time.Second),
			Admin: MQTTConfig{
				BrokerHost:   getEnv("BROKER_HOST", "localhost"),
				BrokerPort:   getInt("BROKER_PORT", 1883),
				BrokerUser:   getEnv("BROKER_USER", ""),
				BrokerPass:   getEnv("BROKER_PASS", ""),
				UseTLS:       getBool("BROKER_TLS", false),
				CACertPath:   getEnv("BROKER_CA_FILE", ""),
				ClientID:     getEnv("MQTT_CLIENT_ID", "device-api"),
				ControlTopic: getEnv("BROKER_CONTROL_TOPIC", "$CONTROL/dynamic-security/v1"),
				KeepAlive:    getDuration("MQTT_KEEP_ALIVE", 30*time.Second),
				PingTimeout:  getDuration("MQTT_PING_TIMEOUT", 10*time.Second),
			},
		},
		Audit: AuditConfig{
			Sink:            strings.ToLower(getEnv("AUDIT_SINK", "log")),
			MongoURI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
			MongoDatabase:   getEnv("MONGO_DATABASE", "iot"),
			MongoCollection: getEnv("MONGO_AUDIT_COLLECTION", "provisioning_audit"),
			Timeout:         getDuration("AUDIT_TIMEOUT", 2*time.Second),
			Retention:       getDuration("AUDIT_RETENTION", 90*24*time.Hour),
		},
		Credentials: CredentialsConfig{
			HashTime:      uint32(getInt("ARGON2_TIME", 1)),
			HashMemoryKiB: uint32(getInt("ARGON2_MEMORY_KIB", 64*1024)),
			HashThreads:   uint8(getInt("ARGON2_THREADS", 2)),
			HashKeyLen:    uint32(getInt("ARGON2_KEY_LEN", 32)),
		},
		Logging: LoggingConfig{
			Level:        getEnv("LOG_LEVEL", "info"),
			Format:       getEnv("LOG_FORMAT", "text"),
			Output:       getEnv("LOG_OUTPUT", "stdout"),
			EnableCaller: getBool("LOG_ENABLE_CALLER", false),
		},
		CORS: CORSConfig{
			AllowedOrigins:   getStringSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			AllowedMethods:   getStringSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
			AllowedHeaders:   getStringSlice("CORS_ALLOWED_HEADERS", []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"}),
			ExposedHeaders:   getStringSlice("CORS_EXPOSED_HEADERS", []string{"Content-Length", "X-Request-ID"}),
			AllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", true),
			MaxAge:           getInt("CORS_MAX_AGE", 43200), // 12 hours
		},
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.User == "" {
			return fmt.Errorf("POSTGRES_USER is required")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("POSTGRES_PASSWORD is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.Database.Driver)
	}

	switch c.Identity.Mode {
	case "jwt":
		if c.Identity.JWTSecretKey == defaultJWTSecret {
			log.Println("WARNING: Using default JWT secret key. Change JWT_SECRET_KEY in production!")
		}
	case "remote":
		if c.Identity.RemoteURL == "" {
			return fmt.Errorf("IDENTITY_URL is required when IDENTITY_MODE=remote")
		}
	default:
		return fmt.Errorf("unsupported IDENTITY_MODE %q", c.Identity.Mode)
	}

	switch c.Broker.Registrar {
	case "none":
	case "dynsec":
		if c.Broker.Admin.BrokerUser == "" {
			return fmt.Errorf("BROKER_USER is required when BROKER_REGISTRAR=dynsec")
		}
	default:
		return fmt.Errorf("unsupported BROKER_REGISTRAR %q", c.Broker.Registrar)
	}

	switch c.Audit.Sink {
	case "log", "mongo":
	default:
		return fmt.Errorf("unsupported AUDIT_SINK %q", c.Audit.Sink)
	}
	if c.Audit.Retention < 0 {
		return fmt.Errorf("AUDIT_RETENTION must not be negative")
	}

	if c.Broker.PublicPort <= 0 || c.Broker.PublicPort > 65535 {
		return fmt.Errorf("BROKER_PUBLIC_PORT out of range: %d", c.Broker.PublicPort)
	}
	if c.Credentials.HashMemoryKiB < 8*uint32(c.Credentials.HashThreads) {
		return fmt.Errorf("ARGON2_MEMORY_KIB must be at least 8 per thread")
	}
	if c.Broker.Timeout <= 0 || c.Database.Timeout <= 0 || c.Identity.Timeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT, IDENTITY_TIMEOUT and BROKER_TIMEOUT must be positive")
	}
	return nil
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

// GetMQTTBrokerURL returns the admin MQTT broker URL
func (c *Config) GetMQTTBrokerURL() string {
	scheme := "tcp"
	if c.Broker.Admin.UseTLS {
		scheme = "tcps"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Broker.Admin.BrokerHost, c.Broker.Admin.BrokerPort)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getRequiredEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("missing required environment variable: %s", key)
	}
	return value
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return intValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if value == "1" || value == "true" || value == "TRUE" {
		return true
	}
	if value == "0" || value == "false" || value == "FALSE" {
		return false
	}
	log.Fatalf("invalid %s: %q (expected true/false or 1/0)", key, value)
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return duration
}

func getStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
