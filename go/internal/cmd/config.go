package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultScopes cover every upstream subscription plus chat.
var DefaultScopes = []string{
	"user:read:email",
	"moderator:read:followers",
	"channel:read:subscriptions",
	"bits:read",
	"channel:read:redemptions",
	"chat:read",
	"chat:edit",
}

type Config struct {
	Server struct {
		Port       string `yaml:"port"`
		OverlayDir string `yaml:"overlay_dir"`
	} `yaml:"server"`

	Twitch struct {
		ClientID     string   `yaml:"client_id"`
		ClientSecret string   `yaml:"client_secret"`
		RedirectURI  string   `yaml:"redirect_uri"`
		Scopes       []string `yaml:"scopes"`
	} `yaml:"twitch"`

	Timer struct {
		InitialSeconds int `yaml:"initial_seconds"`
	} `yaml:"timer"`

	Redis struct {
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	NATS struct {
		URL           string `yaml:"url"`
		StreamName    string `yaml:"stream_name"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	LogLevel string `yaml:"log_level"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Server.OverlayDir = "overlay"
	cfg.Twitch.RedirectURI = "http://localhost:17563"
	cfg.Twitch.Scopes = append([]string(nil), DefaultScopes...)
	cfg.Timer.InitialSeconds = 300
	cfg.Redis.KeyPrefix = "subathon:"
	cfg.LogLevel = "info"
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// loadConfig reads the optional YAML file at path over the defaults, then
// applies environment overrides. An empty path skips the file.
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.applyEnv()
	return config, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.OverlayDir = getEnv("OVERLAY_DIR", c.Server.OverlayDir)

	c.Twitch.ClientID = getEnv("TWITCH_CLIENT_ID", c.Twitch.ClientID)
	c.Twitch.ClientSecret = getEnv("TWITCH_CLIENT_SECRET", c.Twitch.ClientSecret)
	c.Twitch.RedirectURI = getEnv("TWITCH_REDIRECT_URI", c.Twitch.RedirectURI)
	if scopes := os.Getenv("TWITCH_SCOPES"); scopes != "" {
		c.Twitch.Scopes = strings.Fields(scopes)
	}

	c.Timer.InitialSeconds = getEnvAsInt("INITIAL_SECONDS", c.Timer.InitialSeconds)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}
