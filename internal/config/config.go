// Package config loads the service configuration from YAML with environment
// variable overrides for secrets and deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch service.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Email    EmailConfig    `yaml:"email"`
	SMS      SMSConfig      `yaml:"sms"`
	Chat     ChatConfig     `yaml:"chat"`
	Push     PushConfig     `yaml:"push"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Company  CompanyConfig  `yaml:"company"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the queue backend settings.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// EmailConfig holds SES credentials and sender identity.
type EmailConfig struct {
	Region             string `yaml:"region"`
	AccessKey          string `yaml:"access_key"`
	SecretKey          string `yaml:"secret_key"`
	FromEmail          string `yaml:"from_email"`
	FromName           string `yaml:"from_name"`
	MessageDelayMillis int    `yaml:"message_delay_millis"`
}

// MessageDelay returns the pause between sequential email sends.
func (c EmailConfig) MessageDelay() time.Duration {
	return time.Duration(c.MessageDelayMillis) * time.Millisecond
}

// SMSConfig holds the SMS provider credentials.
type SMSConfig struct {
	AccountSID         string `yaml:"account_sid"`
	AuthToken          string `yaml:"auth_token"`
	From               string `yaml:"from"`
	DefaultCountry     string `yaml:"default_country"`
	MessageDelayMillis int    `yaml:"message_delay_millis"`
}

// MessageDelay returns the pause between sequential SMS sends.
func (c SMSConfig) MessageDelay() time.Duration {
	return time.Duration(c.MessageDelayMillis) * time.Millisecond
}

// ChatConfig holds the chat transport credentials.
type ChatConfig struct {
	Token              string `yaml:"token"`
	PhoneNumberID      string `yaml:"phone_number_id"`
	MessageDelayMillis int    `yaml:"message_delay_millis"`
}

// MessageDelay returns the pause between sequential chat sends.
func (c ChatConfig) MessageDelay() time.Duration {
	return time.Duration(c.MessageDelayMillis) * time.Millisecond
}

// PushConfig holds the push gateway credentials.
type PushConfig struct {
	ServerKey          string `yaml:"server_key"`
	MessageDelayMillis int    `yaml:"message_delay_millis"`
}

// MessageDelay returns the pause between sequential push sends.
func (c PushConfig) MessageDelay() time.Duration {
	return time.Duration(c.MessageDelayMillis) * time.Millisecond
}

// DispatchConfig holds the orchestration knobs.
type DispatchConfig struct {
	BatchSize              int `yaml:"batch_size"`
	BatchPauseMillis       int `yaml:"batch_pause_millis"`
	DrainBatchSize         int `yaml:"drain_batch_size"`
	DrainIntervalSeconds   int `yaml:"drain_interval_seconds"`
	PromoteIntervalSeconds int `yaml:"promote_interval_seconds"`
	CampaignPollSeconds    int `yaml:"campaign_poll_seconds"`
	WebhookRetrySeconds    int `yaml:"webhook_retry_seconds"`
}

// BatchPause returns the inter-batch pause as a duration.
func (d DispatchConfig) BatchPause() time.Duration {
	return time.Duration(d.BatchPauseMillis) * time.Millisecond
}

// CompanyConfig is the brand block merged into every template context.
type CompanyConfig struct {
	Name         string `yaml:"name"`
	AppURL       string `yaml:"app_url"`
	WebsiteURL   string `yaml:"website_url"`
	SupportEmail string `yaml:"support_email"`
}

// LoggingConfig controls log verbosity and PII handling.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads the YAML file (when present) and overrides secrets and
// connection strings from the environment. A missing file is not an error:
// container deployments often configure everything through the environment.
func LoadFromEnv(path string) (*Config, error) {
	// Pick up a local .env in development; ignore when absent.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		if loaded, err := Load(path); err == nil {
			cfg = loaded
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}

	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.Email.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.Email.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.Email.Region = v
	}
	if v := os.Getenv("EMAIL_FROM_ADDRESS"); v != "" {
		cfg.Email.FromEmail = v
	}

	if v := os.Getenv("SMS_ACCOUNT_SID"); v != "" {
		cfg.SMS.AccountSID = v
	}
	if v := os.Getenv("SMS_AUTH_TOKEN"); v != "" {
		cfg.SMS.AuthToken = v
	}
	if v := os.Getenv("SMS_FROM_NUMBER"); v != "" {
		cfg.SMS.From = v
	}

	if v := os.Getenv("CHAT_API_TOKEN"); v != "" {
		cfg.Chat.Token = v
	}
	if v := os.Getenv("CHAT_PHONE_NUMBER_ID"); v != "" {
		cfg.Chat.PhoneNumberID = v
	}

	if v := os.Getenv("PUSH_SERVER_KEY"); v != "" {
		cfg.Push.ServerKey = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Email.Region == "" {
		cfg.Email.Region = "us-east-1"
	}
	if cfg.Email.FromName == "" {
		cfg.Email.FromName = "WaggleTail"
	}
	if cfg.SMS.DefaultCountry == "" {
		cfg.SMS.DefaultCountry = "1"
	}
	// Per-channel pacing between sequential sends. Chat transports throttle
	// far harder than the others.
	if cfg.Email.MessageDelayMillis == 0 {
		cfg.Email.MessageDelayMillis = 100
	}
	if cfg.SMS.MessageDelayMillis == 0 {
		cfg.SMS.MessageDelayMillis = 200
	}
	if cfg.Chat.MessageDelayMillis == 0 {
		cfg.Chat.MessageDelayMillis = 1000
	}
	if cfg.Push.MessageDelayMillis == 0 {
		cfg.Push.MessageDelayMillis = 100
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 100
	}
	if cfg.Dispatch.BatchPauseMillis == 0 {
		cfg.Dispatch.BatchPauseMillis = 500
	}
	if cfg.Dispatch.DrainBatchSize == 0 {
		cfg.Dispatch.DrainBatchSize = 10
	}
	if cfg.Dispatch.DrainIntervalSeconds == 0 {
		cfg.Dispatch.DrainIntervalSeconds = 5
	}
	if cfg.Dispatch.PromoteIntervalSeconds == 0 {
		cfg.Dispatch.PromoteIntervalSeconds = 30
	}
	if cfg.Dispatch.CampaignPollSeconds == 0 {
		cfg.Dispatch.CampaignPollSeconds = 60
	}
	if cfg.Dispatch.WebhookRetrySeconds == 0 {
		cfg.Dispatch.WebhookRetrySeconds = 60
	}
	if cfg.Company.Name == "" {
		cfg.Company.Name = "WaggleTail"
	}
	if cfg.Company.WebsiteURL == "" {
		cfg.Company.WebsiteURL = "https://waggletail.com"
	}
	if cfg.Company.AppURL == "" {
		cfg.Company.AppURL = "https://app.waggletail.com"
	}
	if cfg.Company.SupportEmail == "" {
		cfg.Company.SupportEmail = "support@waggletail.com"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks that the pieces required to start at all are present.
// Channel credentials are deliberately not required: a deployment may run a
// subset of channels, and a sender without credentials fails sends with a
// clear configuration error instead.
func (cfg *Config) Validate() error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required (or DATABASE_URL)")
	}
	if cfg.Redis.URL == "" {
		return fmt.Errorf("redis.url is required (or REDIS_URL)")
	}
	return nil
}
