package config

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/slchat-go/slchat"
)

// Config holds bot process configuration.
type Config struct {
	Host              string        `mapstructure:"host" yaml:"host" validate:"required"`
	Prefix            string        `mapstructure:"prefix" yaml:"prefix" validate:"required,nospace"`
	BotID             string        `mapstructure:"bot_id" yaml:"bot_id" validate:"required"`
	Token             string        `mapstructure:"token" yaml:"token" validate:"required"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	SendTimeout       time.Duration `mapstructure:"send_timeout" yaml:"send_timeout" validate:"min=100ms"`
	CacheWipeInterval time.Duration `mapstructure:"cache_wipe_interval" yaml:"cache_wipe_interval" validate:"min=1m"`
	Debug             bool          `mapstructure:"debug" yaml:"debug"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Host:              slchat.DefaultHost,
		Prefix:            "!",
		LogLevel:          "info",
		SendTimeout:       slchat.DefaultSendTimeout,
		CacheWipeInterval: slchat.DefaultCacheWipeInterval,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Host != "" {
		c.Host = other.Host
	}
	if other.Prefix != "" {
		c.Prefix = other.Prefix
	}
	if other.BotID != "" {
		c.BotID = other.BotID
	}
	if other.Token != "" {
		c.Token = other.Token
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.SendTimeout != 0 {
		c.SendTimeout = other.SendTimeout
	}
	if other.CacheWipeInterval != 0 {
		c.CacheWipeInterval = other.CacheWipeInterval
	}
	if other.Debug {
		c.Debug = true
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("nospace", func(fl validator.FieldLevel) bool {
		return !strings.ContainsFunc(fl.Field().String(), unicode.IsSpace)
	})
	return v
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Options maps the configuration onto bot options.
func (c Config) Options() []slchat.Option {
	return []slchat.Option{
		slchat.WithHost(c.Host),
		slchat.WithSendTimeout(c.SendTimeout),
		slchat.WithCacheWipeInterval(c.CacheWipeInterval),
		slchat.WithDebug(c.Debug),
	}
}
