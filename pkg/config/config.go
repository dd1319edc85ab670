package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Admin         AdminConfig         `mapstructure:"admin"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Executor      ExecutorConfig      `mapstructure:"executor"`
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Connections   ConnectionsConfig   `mapstructure:"connections"`
	Timeplus      TimeplusConfig      `mapstructure:"timeplus"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Auth          AuthConfig          `mapstructure:"auth"`
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Port            string `mapstructure:"port"`
	AllowedOrigins  string `mapstructure:"allowedOrigins"`
	ShutdownTimeout int    `mapstructure:"shutdownTimeout"`
}

// Origins splits AllowedOrigins on commas
func (c ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// AdminConfig holds the health/metrics listener
type AdminConfig struct {
	Port string `mapstructure:"port"`
}

// DatabaseConfig points at the dashboard database. An empty URL runs the
// service on the in-memory store.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
}

// SchedulerConfig controls the periodic scan
type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TickInterval time.Duration `mapstructure:"tickInterval"`
	Workers      int           `mapstructure:"workers"`
}

// ExecutorConfig bounds query execution
type ExecutorConfig struct {
	DefaultTimeout time.Duration `mapstructure:"defaultTimeout"`
	MaxTimeout     time.Duration `mapstructure:"maxTimeout"`
	MaxRows        int           `mapstructure:"maxRows"`
	ScanLimit      int           `mapstructure:"scanLimit"`
}

// AlertsConfig holds alert engine defaults
type AlertsConfig struct {
	NotifyOnResolve bool              `mapstructure:"notifyOnResolve"`
	DefaultRule     DefaultRuleConfig `mapstructure:"defaultRule"`
}

// DefaultRuleConfig describes the rule used for queries without alert rules
type DefaultRuleConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	Channels        []string `mapstructure:"channels"`
	EmailRecipients []string `mapstructure:"emailRecipients"`
	SlackWebhook    string   `mapstructure:"slackWebhook"`
	CustomWebhook   string   `mapstructure:"customWebhook"`
	ThrottleMinutes int      `mapstructure:"throttleMinutes"`
}

// NotificationsConfig holds channel transport settings
type NotificationsConfig struct {
	Email          EmailConfig   `mapstructure:"email"`
	WebhookTimeout time.Duration `mapstructure:"webhookTimeout"`
}

// EmailConfig selects and configures the email transport
type EmailConfig struct {
	Provider string     `mapstructure:"provider"` // smtp or ses
	From     string     `mapstructure:"from"`
	SMTP     SMTPConfig `mapstructure:"smtp"`
	SES      SESConfig  `mapstructure:"ses"`
}

// SMTPConfig holds SMTP server settings
type SMTPConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Encryption string `mapstructure:"encryption"` // tls, starttls or none
}

// SESConfig holds Amazon SES settings
type SESConfig struct {
	Region string `mapstructure:"region"`
}

// ConnectionsConfig controls the connection resolver
type ConnectionsConfig struct {
	File      string `mapstructure:"file"`
	CacheSize int    `mapstructure:"cacheSize"`
}

// TimeplusConfig holds defaults for Timeplus connections
type TimeplusConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	Username  string `mapstructure:"username"`
	Workspace string `mapstructure:"workspace"`
}

// NATSConfig holds the event bus settings. An empty URL disables the bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

// AuthConfig holds API authentication. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

// LoadConfig loads the application configuration from file or environment variables
func LoadConfig(configPath string) (*Config, error) {
	var config Config

	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.Warnf("Error reading .env file: %v", err)
	}

	v := viper.New()

	// Set default values
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.allowedOrigins", "*")
	v.SetDefault("server.shutdownTimeout", 10)
	v.SetDefault("admin.port", "9090")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tickInterval", time.Minute)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("executor.defaultTimeout", 30*time.Second)
	v.SetDefault("executor.maxTimeout", 5*time.Minute)
	v.SetDefault("executor.maxRows", 1000)
	v.SetDefault("executor.scanLimit", 1000000)
	v.SetDefault("alerts.notifyOnResolve", false)
	v.SetDefault("alerts.defaultRule.enabled", false)
	v.SetDefault("alerts.defaultRule.throttleMinutes", 60)
	v.SetDefault("notifications.email.provider", "smtp")
	v.SetDefault("notifications.email.smtp.port", 587)
	v.SetDefault("notifications.email.smtp.encryption", "starttls")
	v.SetDefault("notifications.webhookTimeout", 10*time.Second)
	v.SetDefault("connections.cacheSize", 64)
	v.SetDefault("nats.subjectPrefix", "dbqa")

	// Keys without a useful default still need registering so AutomaticEnv
	// can see them during Unmarshal
	for _, key := range []string{
		"database.url",
		"alerts.defaultRule.slackWebhook",
		"alerts.defaultRule.customWebhook",
		"notifications.email.from",
		"notifications.email.smtp.host",
		"notifications.email.smtp.username",
		"notifications.email.smtp.password",
		"notifications.email.ses.region",
		"connections.file",
		"timeplus.address",
		"timeplus.username",
		"timeplus.password",
		"timeplus.workspace",
		"nats.url",
		"auth.jwtSecret",
	} {
		v.SetDefault(key, "")
	}

	// Allow environment variables to override config file
	v.SetEnvPrefix("DBQA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// If config file is provided, read it
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			logrus.Warnf("Error reading config file: %v", err)
		}
	}

	// Unmarshal config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
