package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailnexy/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// DeliveryConfig drives the delivery scheduler.
type DeliveryConfig struct {
	Interval               time.Duration `json:"interval"`
	BatchLimit             int           `json:"batch_limit"`
	MinSendIntervalMinutes int           `json:"min_send_interval_minutes"`
	SMTPTimeout            time.Duration `json:"smtp_timeout"`
	TrackingBaseURL        string        `json:"tracking_base_url"`
}

// ReplyConfig drives the reply/bounce detection worker.
type ReplyConfig struct {
	Interval        time.Duration `json:"interval"`
	MessageLimit    int           `json:"message_limit"`
	Parallelism     int           `json:"parallelism"`
	AddressFallback bool          `json:"address_fallback"`
	InboundTimeout  time.Duration `json:"inbound_timeout"`
}

type Config struct {
	Environment     string         `json:"environment"`
	EncryptionKey   string         `json:"-"`
	ServerPort      string         `json:"server_port"`
	WebhookSecret   string         `json:"-"`
	EventsRateLimit int            `json:"events_rate_limit"`
	CORSOrigins     []string       `json:"cors_origins"`
	LogLevel        string         `json:"log_level"`
	LogFormat       string         `json:"log_format"`
	SentryDSN       string         `json:"-"`
	DBHost          string         `json:"db_host"`
	DBPort          string         `json:"db_port"`
	DBUser          string         `json:"db_user"`
	DBPassword      string         `json:"-"`
	DBName          string         `json:"db_name"`
	DBSSLMode       string         `json:"db_ssl_mode"`
	DBMaxIdleConns  int            `json:"db_max_idle_conns"`
	DBMaxOpenConns  int            `json:"db_max_open_conns"`
	Redis           RedisConfig    `json:"redis"`
	Delivery        DeliveryConfig `json:"delivery"`
	Reply           ReplyConfig    `json:"reply"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:     getEnv("ENVIRONMENT", "development"),
		EncryptionKey:   getEnv("ENCRYPTION_KEY", ""),
		ServerPort:      getEnv("SERVER_PORT", "5000"),
		WebhookSecret:   getEnv("WEBHOOK_SECRET", ""),
		EventsRateLimit: getEnvAsInt("EVENTS_RATE_LIMIT", 120),
		CORSOrigins:     getEnvAsList("CORS_ALLOWED_ORIGINS"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		SentryDSN:       getEnv("SENTRY_DSN", ""),
		DBHost:          getEnv("DB_HOST", "localhost"),
		DBPort:          getEnv("DB_PORT", "5432"),
		DBUser:          getEnv("DB_USER", "postgres"),
		DBPassword:      getEnv("DB_PASSWORD", ""),
		DBName:          getEnv("DB_NAME", "mailnexy"),
		DBSSLMode:       getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns:  getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns:  getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Delivery: DeliveryConfig{
			Interval:               getEnvAsDuration("DELIVERY_INTERVAL", time.Minute),
			BatchLimit:             getEnvAsInt("DELIVERY_BATCH_LIMIT", 25),
			MinSendIntervalMinutes: getEnvAsInt("MIN_SEND_INTERVAL_MINUTES", 0),
			SMTPTimeout:            getEnvAsDuration("SMTP_TIMEOUT", 30*time.Second),
			TrackingBaseURL:        getEnv("TRACKING_BASE_URL", ""),
		},
		Reply: ReplyConfig{
			Interval:        getEnvAsDuration("REPLY_POLL_INTERVAL", 5*time.Minute),
			MessageLimit:    getEnvAsInt("REPLY_MESSAGE_LIMIT", 50),
			Parallelism:     getEnvAsInt("REPLY_PARALLELISM", 4),
			AddressFallback: getEnvAsBool("REPLY_ADDRESS_FALLBACK", false),
			InboundTimeout:  getEnvAsDuration("INBOUND_TIMEOUT", time.Minute),
		},
	}

	if err := AppConfig.Validate(); err != nil {
		return err
	}

	logConfig()
	return nil
}

// Validate checks required settings and bounds.
func (c *Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	switch len(c.EncryptionKey) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("ENCRYPTION_KEY must be 16, 24 or 32 bytes")
	}
	if c.Delivery.BatchLimit <= 0 {
		return fmt.Errorf("DELIVERY_BATCH_LIMIT must be positive")
	}
	if c.Delivery.MinSendIntervalMinutes < 0 {
		return fmt.Errorf("MIN_SEND_INTERVAL_MINUTES cannot be negative")
	}
	if c.EventsRateLimit < 0 {
		return fmt.Errorf("EVENTS_RATE_LIMIT cannot be negative")
	}
	if c.Reply.Parallelism <= 0 {
		c.Reply.Parallelism = 1
	}
	if c.Environment == "production" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required in production")
	}
	return nil
}

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	logrus.WithField("dsn", maskPassword(dsn)).Debug("Using connection string")

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logrus.Info("Successfully connected to the database")
	return nil
}

// MigrateDB creates or updates every table the engine uses.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Team{},
		&models.TeamUsage{},
		&models.Sender{},
		&models.Contact{},
		&models.ContactCustomField{},
		&models.Sequence{},
		&models.SequenceStep{},
		&models.DeliveryStatus{},
		&models.DeliveryLog{},
	)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsList(key string) []string {
	var out []string
	for _, v := range strings.Split(getEnv(key, ""), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":       AppConfig.Environment,
		"server_port":       AppConfig.ServerPort,
		"database":          fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":             AppConfig.Redis.Enabled,
		"delivery_interval": AppConfig.Delivery.Interval.String(),
		"batch_limit":       AppConfig.Delivery.BatchLimit,
		"reply_interval":    AppConfig.Reply.Interval.String(),
		"address_fallback":  AppConfig.Reply.AddressFallback,
	}).Info("Loaded configuration")
}
