package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// AuthToken maps a static API token to an identity. Token issuance is
// handled by an external service in production; this list covers
// single-box deployments and tests.
type AuthToken struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	TeamID string `json:"team_id"`
}

type Config struct {
	DataDir   string `json:"data_dir"`
	LogLevel  string `json:"log_level"`
	MasterKey string `json:"master_key"`
	HTTP      struct {
		Listen    string `json:"listen"`
		PublicURL string `json:"public_url"`
	} `json:"http"`
	Sync struct {
		IntervalMinutes      int `json:"interval_minutes"`
		RefreshMarginMinutes int `json:"refresh_margin_minutes"`
		AdapterTimeoutSecs   int `json:"adapter_timeout_secs"`
	} `json:"sync"`
	GitHub struct {
		ClientID      string `json:"client_id"`
		ClientSecret  string `json:"client_secret"`
		WebhookSecret string `json:"webhook_secret"`
	} `json:"github"`
	Slack struct {
		ClientID      string `json:"client_id"`
		ClientSecret  string `json:"client_secret"`
		SigningSecret string `json:"signing_secret"`
	} `json:"slack"`
	Telegram struct {
		Token          string `json:"token"`
		OperatorChatID int64  `json:"operator_chat_id"`
	} `json:"telegram"`
	AuthTokens []AuthToken `json:"auth_tokens"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".contexthub"),
		LogLevel: "info",
	}
	cfg.HTTP.Listen = "127.0.0.1:8787"
	cfg.HTTP.PublicURL = "http://127.0.0.1:8787"
	cfg.Sync.IntervalMinutes = 15
	cfg.Sync.RefreshMarginMinutes = 5
	cfg.Sync.AdapterTimeoutSecs = 60

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if v := os.Getenv("CONTEXTHUB_MASTER_KEY"); v != "" {
		cfg.MasterKey = v
	}
	if v := os.Getenv("GITHUB_CLIENT_SECRET"); v != "" {
		cfg.GitHub.ClientSecret = v
	}
	if v := os.Getenv("GITHUB_WEBHOOK_SECRET"); v != "" {
		cfg.GitHub.WebhookSecret = v
	}
	if v := os.Getenv("SLACK_CLIENT_SECRET"); v != "" {
		cfg.Slack.ClientSecret = v
	}
	if v := os.Getenv("SLACK_SIGNING_SECRET"); v != "" {
		cfg.Slack.SigningSecret = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
