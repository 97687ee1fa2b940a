package bootstrap

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Config struct {
	Endpoint      string `mapstructure:"endpoint"`
	UserID        string `mapstructure:"user_id"`
	InterviewID   string `mapstructure:"interview_id"`
	AudioMode     bool   `mapstructure:"audio_mode"`
	AutoReconnect bool   `mapstructure:"auto_reconnect"`

	UploadURL   string `mapstructure:"upload_url"`
	UploadToken string `mapstructure:"upload_token"`

	// SyntheticMedia swaps real devices for generated tone and test-pattern
	// sources, for hosts without capture hardware.
	SyntheticMedia bool `mapstructure:"synthetic_media"`

	LogLevel string `mapstructure:"log_level"`
}

// LoadConfig reads the engine configuration from an optional YAML file and
// INTERVIEW_-prefixed environment variables, env taking precedence.
func LoadConfig(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("INTERVIEW")
	v.AutomaticEnv()

	v.SetDefault("endpoint", "ws://localhost:8080")
	// Keys must be registered for env-only values to survive Unmarshal.
	v.SetDefault("user_id", "")
	v.SetDefault("interview_id", "")
	v.SetDefault("upload_token", "")
	v.SetDefault("audio_mode", true)
	v.SetDefault("auto_reconnect", true)
	v.SetDefault("upload_url", "http://localhost:8081")
	v.SetDefault("synthetic_media", false)
	v.SetDefault("log_level", "info")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.UserID == "" {
		cfg.UserID = uuid.New().String()
	}
	if cfg.InterviewID == "" {
		return nil, fmt.Errorf("interview_id is required")
	}
	return &cfg, nil
}
