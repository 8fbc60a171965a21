package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jrzesz33/teewatch/internal/models"
)

// Stage represents the deployment environment
type Stage string

const (
	// StageDev represents the development environment
	StageDev Stage = "dev"
	// StageStage represents the staging environment
	StageStage Stage = "stage"
	// StageProd represents the production environment
	StageProd Stage = "prod"
)

// IsValid checks if the stage value is valid
func (s Stage) IsValid() bool {
	switch s {
	case StageDev, StageStage, StageProd:
		return true
	default:
		return false
	}
}

// String returns the string representation of the stage
func (s Stage) String() string {
	return string(s)
}

// SMTPConfig holds outgoing mail settings.
type SMTPConfig struct {
	Host    string
	Port    int
	User    string
	Pass    string
	From    string
	To      []string // default recipients, comma-separated in EMAIL_TO
	Enabled bool
	UseSSL  bool
	Timeout time.Duration
}

// Config holds all configuration for the application
type Config struct {
	// Stage is the deployment environment (dev, stage, prod)
	Stage Stage

	// AWS Configuration (Secrets Manager, Bedrock, optional SNS)
	AWSRegion string

	// Booking portal credentials. Filled from env, or from Secrets
	// Manager when running without --local.
	GolfboxUser string
	GolfboxPass string

	// GolfSecretName is the Secrets Manager entry holding the portal
	// credentials when they are not provided via env.
	GolfSecretName string

	// LoginURL is the portal login page.
	LoginURL string

	// DatabaseURL is the Postgres DSN. Empty switches the store to the
	// file-backed degraded mode.
	DatabaseURL string

	// PrefsFile is the JSON fallback for user preferences.
	PrefsFile string

	// CookieJarPath is where the browser session persists its cookies.
	CookieJarPath string

	// SMTP holds email dispatch settings.
	SMTP SMTPConfig

	// NtfyURL enables desktop/push alerts when non-empty.
	NtfyURL string

	// AlertsTopicArn enables the optional SNS alert fan-out when non-empty.
	AlertsTopicArn string

	// APIJWTSecret enables bearer auth on mutating API routes when set.
	APIJWTSecret string

	// BedrockModelID is the model used for LLM-assisted login discovery.
	BedrockModelID string

	// Scan parameters. Defaults here, overridable by CLI flags.
	CheckInterval time.Duration
	JitterSeconds int
	DaysAhead     int
	MinSeats      int
	TimeWindow    models.TimeWindow

	// TeeCapacity is the default seats per tee-time.
	TeeCapacity int

	// Headless controls whether the session advertises a headless agent.
	Headless bool

	// RetainDays is how long scraped observations are kept before reaping.
	RetainDays int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	stage := os.Getenv("STAGE")
	if stage == "" {
		stage = "dev"
	}
	stageEnum := Stage(stage)
	if !stageEnum.IsValid() {
		return nil, fmt.Errorf("invalid STAGE value: %s (must be dev, stage, or prod)", stage)
	}

	awsRegion := os.Getenv("AWS_REGION")
	if awsRegion == "" {
		awsRegion = "us-east-1"
	}

	golfSecretName := os.Getenv("GOLF_SECRET_NAME")
	if golfSecretName == "" {
		golfSecretName = fmt.Sprintf("teewatch/golfbox/credentials-%s", stage)
	}

	prefsFile := os.Getenv("PREFS_FILE")
	if prefsFile == "" {
		prefsFile = "user_preferences.json"
	}

	cookieJarPath := os.Getenv("COOKIE_JAR_PATH")
	if cookieJarPath == "" {
		cookieJarPath = ".golfbox_cookies.json"
	}

	smtpPort, err := intEnv("SMTP_PORT", 587)
	if err != nil {
		return nil, err
	}
	smtp := SMTPConfig{
		Host:    os.Getenv("SMTP_HOST"),
		Port:    smtpPort,
		User:    os.Getenv("SMTP_USER"),
		Pass:    os.Getenv("SMTP_PASS"),
		From:    os.Getenv("EMAIL_FROM"),
		To:      splitRecipients(os.Getenv("EMAIL_TO")),
		Enabled: boolEnv("EMAIL_ENABLED", true),
		UseSSL:  boolEnv("SMTP_SSL", false),
		Timeout: 30 * time.Second,
	}

	teeCapacity, err := intEnv("TEE_CAPACITY", models.DefaultTeeCapacity)
	if err != nil {
		return nil, err
	}
	if teeCapacity < 1 {
		return nil, fmt.Errorf("TEE_CAPACITY must be >= 1, got %d", teeCapacity)
	}

	retainDays, err := intEnv("RETAIN_DAYS", 30)
	if err != nil {
		return nil, err
	}

	bedrockModelID := os.Getenv("BEDROCK_MODEL_ID")
	if bedrockModelID == "" {
		bedrockModelID = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}

	window, err := models.ParseTimeWindow(envOrDefault("TIME_WINDOW", "08:00-17:00"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIME_WINDOW: %w", err)
	}

	return &Config{
		Stage:          stageEnum,
		AWSRegion:      awsRegion,
		GolfboxUser:    os.Getenv("GOLFBOX_USER"),
		GolfboxPass:    os.Getenv("GOLFBOX_PASS"),
		GolfSecretName: golfSecretName,
		LoginURL:       envOrDefault("GOLFBOX_LOGIN_URL", "https://www.golfbox.no/login.asp"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		PrefsFile:      prefsFile,
		CookieJarPath:  cookieJarPath,
		SMTP:           smtp,
		NtfyURL:        os.Getenv("NTFY_URL"),
		AlertsTopicArn: os.Getenv("ALERTS_TOPIC_ARN"),
		APIJWTSecret:   os.Getenv("API_JWT_SECRET"),
		BedrockModelID: bedrockModelID,
		CheckInterval:  300 * time.Second,
		JitterSeconds:  20,
		DaysAhead:      4,
		MinSeats:       1,
		TimeWindow:     window,
		TeeCapacity:    teeCapacity,
		Headless:       boolEnv("HEADLESS", true),
		RetainDays:     retainDays,
	}, nil
}

// MustLoad loads configuration and panics if there's an error
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if !c.Stage.IsValid() {
		return fmt.Errorf("invalid stage: %s", c.Stage)
	}
	if c.CheckInterval < time.Second {
		return fmt.Errorf("check interval must be >= 1s, got %s", c.CheckInterval)
	}
	if c.DaysAhead < 1 || c.DaysAhead > 14 {
		return fmt.Errorf("days ahead must be in [1, 14], got %d", c.DaysAhead)
	}
	if c.MinSeats < 1 {
		return fmt.Errorf("min seats must be >= 1, got %d", c.MinSeats)
	}
	if err := c.TimeWindow.Validate(); err != nil {
		return fmt.Errorf("invalid time window: %w", err)
	}
	if c.SMTP.Enabled {
		if c.SMTP.Host == "" {
			return fmt.Errorf("SMTP_HOST is required when EMAIL_ENABLED")
		}
		if c.SMTP.From == "" {
			return fmt.Errorf("EMAIL_FROM is required when EMAIL_ENABLED")
		}
	}
	return nil
}

// HasCredentials reports whether portal credentials were supplied via env.
func (c *Config) HasCredentials() bool {
	return c.GolfboxUser != "" && c.GolfboxPass != ""
}

// IsDevelopment returns true if the stage is development
func (c *Config) IsDevelopment() bool {
	return c.Stage == StageDev
}

// IsProduction returns true if the stage is production
func (c *Config) IsProduction() bool {
	return c.Stage == StageProd
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return n, nil
}

func boolEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func splitRecipients(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
