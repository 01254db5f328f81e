package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"deliverybot/internal/secrets"
	"deliverybot/pkg/config"
)

type OpenAIConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	JSONMode  bool   `yaml:"json_mode"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// GmailConfig 值可以是文件路径，也可以是内联 JSON
type GmailConfig struct {
	Credentials string `yaml:"credentials_file"`
	Token       string `yaml:"token_file"`
	MaxResults  int64  `yaml:"max_results"`
}

type CheckConfig struct {
	LookbackHours int    `yaml:"lookback_hours"`
	DailyTime     string `yaml:"daily_time"`
	Enabled       bool   `yaml:"enabled"`
}

type NotifyConfig struct {
	Policy         string        `yaml:"policy"`
	SuppressWindow time.Duration `yaml:"suppress_window"`
}

type GCPConfig struct {
	ProjectID string `yaml:"project_id"`
}

type Config struct {
	Server   config.ServerConfig `yaml:"server"`
	DB       config.DBConfig     `yaml:"db"`
	Redis    config.RedisConfig  `yaml:"redis"`
	MQ       config.MQConfig     `yaml:"mq"`
	JWT      config.JWTConfig    `yaml:"jwt"`
	LogLevel string              `yaml:"log_level"`
	OpenAI   OpenAIConfig        `yaml:"openai"`
	Telegram TelegramConfig      `yaml:"telegram"`
	Gmail    GmailConfig         `yaml:"gmail"`
	Check    CheckConfig         `yaml:"check"`
	Notify   NotifyConfig        `yaml:"notify"`
	GCP      GCPConfig           `yaml:"gcp"`
}

// Default returns the values used when neither file nor env sets a key.
func Default() Config {
	return Config{
		Server:   config.ServerConfig{Port: "8080"},
		LogLevel: "info",
		OpenAI: OpenAIConfig{
			Model:     "gpt-4o-mini",
			MaxTokens: 500,
			JSONMode:  true,
		},
		Gmail: GmailConfig{
			Credentials: "credentials.json",
			Token:       "token.json",
			MaxResults:  50,
		},
		Check: CheckConfig{
			LookbackHours: 24,
			DailyTime:     "09:00",
			Enabled:       true,
		},
		Notify: NotifyConfig{
			Policy:         "always",
			SuppressWindow: 24 * time.Hour,
		},
	}
}

// Load 读取 configDir 下的 base.yaml / <env>.yaml / secrets.env，再用环境变量覆盖。
// 配置文件缺失不报错。
func Load(env, configDir string) (*Config, error) {
	raw, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if len(raw) > 0 {
		// map -> yaml -> struct，未出现的 key 保留默认值
		data, err := yaml.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideJWTFromEnv(&cfg.JWT)
	overrideFromEnv(&cfg)

	return &cfg, nil
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.OpenAI.Model = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAI.BaseURL = v
	}
	if v := os.Getenv("CHECK_INTERVAL_HOURS"); v != "" {
		if h, err := strconv.Atoi(v); err == nil && h > 0 {
			cfg.Check.LookbackHours = h
		}
	}
	if v := os.Getenv("DAILY_CHECK_TIME"); v != "" {
		cfg.Check.DailyTime = v
	}
	if v := os.Getenv("NOTIFY_POLICY"); v != "" {
		cfg.Notify.Policy = v
	}
	if v := os.Getenv("GCP_PROJECT_ID"); v != "" {
		cfg.GCP.ProjectID = v
	}
}

// SecretNames are resolved through the secret provider.
var SecretNames = []string{
	"OPENAI_API_KEY",
	"TELEGRAM_BOT_TOKEN",
	"TELEGRAM_CHAT_ID",
	"DATABASE_URL",
	"GMAIL_CREDENTIALS",
	"GMAIL_TOKEN",
}

// ResolveSecrets overwrites each secret-backed field the provider has a
// value for. Unresolved names keep the file value.
func (c *Config) ResolveSecrets(ctx context.Context, p secrets.Provider) {
	targets := map[string]*string{
		"OPENAI_API_KEY":     &c.OpenAI.APIKey,
		"TELEGRAM_BOT_TOKEN": &c.Telegram.BotToken,
		"TELEGRAM_CHAT_ID":   &c.Telegram.ChatID,
		"DATABASE_URL":       &c.DB.URL,
		"GMAIL_CREDENTIALS":  &c.Gmail.Credentials,
		"GMAIL_TOKEN":        &c.Gmail.Token,
	}
	for _, name := range SecretNames {
		if v := p.Get(ctx, name); v != "" {
			*targets[name] = v
		}
	}
}

// Missing lists required values that are unset. It never fails the boot:
// the caller degrades to health-check-only mode.
func (c *Config) Missing() []string {
	var missing []string
	if c.OpenAI.APIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if c.Telegram.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.ChatID() == 0 {
		missing = append(missing, "TELEGRAM_CHAT_ID")
	}
	return missing
}

// ChatID parses the configured chat destination; 0 means unset or invalid.
func (c *Config) ChatID() int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Telegram.ChatID), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
