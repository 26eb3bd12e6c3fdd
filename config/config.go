/*
Package config loads server configuration.

SOURCES (later wins):
  1. Defaults()
  2. YAML file, when it exists
  3. RE_* environment variables

ENVIRONMENT:
  RE_HTTP_ADDR        server.addr
  RE_DB_PATH          database.path
  RE_JWT_SECRET       auth.jwt_secret
  RE_JWT_TTL          auth.token_ttl (Go duration)
  RE_LOG_LEVEL        log.level
  RE_LOG_FORMAT       log.format
  RE_CORS_ORIGINS     cors.allowed_origins (comma separated)
  RE_WEBHOOK_TIMEOUT  webhook.timeout (Go duration)

EXAMPLE (config.yaml):
  server:
    addr: ":8080"
  database:
    path: "recognition.db"
  auth:
    jwt_secret: "change-me"
    token_ttl: 12h
  recognition:
    default_points: 10
    max_points: 10000
    approval:
      rules:
        - actor_roles: [executive]
          scope: global
          recipient_roles: [employee]
          min_points: 1
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/recognition-engine/recognition"
)

type Config struct {
	Server      Server      `yaml:"server"`
	Database    Database    `yaml:"database"`
	Auth        Auth        `yaml:"auth"`
	Log         Log         `yaml:"log"`
	CORS        CORS        `yaml:"cors"`
	Recognition Recognition `yaml:"recognition"`
	Webhook     Webhook     `yaml:"webhook"`
	Scheduler   Scheduler   `yaml:"scheduler"`
}

type Server struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type Database struct {
	Path string `yaml:"path"`
}

type Auth struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type CORS struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Recognition struct {
	recognition.PointsConfig `yaml:",inline"`
	Approval                 recognition.ApprovalPolicy `yaml:"approval"`
}

type Webhook struct {
	Timeout time.Duration `yaml:"timeout"`
}

type Scheduler struct {
	Enabled       bool          `yaml:"enabled"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

func Defaults() Config {
	return Config{
		Server:   Server{Addr: ":8080", ReadTimeout: 15 * time.Second, WriteTimeout: 15 * time.Second},
		Database: Database{Path: "recognition.db"},
		Auth:     Auth{TokenTTL: 12 * time.Hour},
		Log:      Log{Level: "info", Format: "json"},
		CORS:     CORS{AllowedOrigins: []string{"http://localhost:3000"}},
		Recognition: Recognition{
			PointsConfig: recognition.DefaultPointsConfig(),
			Approval:     recognition.DefaultApprovalPolicy(),
		},
		Webhook:   Webhook{Timeout: 5 * time.Second},
		Scheduler: Scheduler{Enabled: true, CheckInterval: time.Hour},
	}
}

// Load reads path (skipped when empty or missing), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(content, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("RE_HTTP_ADDR", &c.Server.Addr)
	str("RE_DB_PATH", &c.Database.Path)
	str("RE_JWT_SECRET", &c.Auth.JWTSecret)
	str("RE_LOG_LEVEL", &c.Log.Level)
	str("RE_LOG_FORMAT", &c.Log.Format)
	if v, ok := lookup("RE_CORS_ORIGINS"); ok {
		c.CORS.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORS.AllowedOrigins = append(c.CORS.AllowedOrigins, o)
			}
		}
	}
	if err := dur("RE_JWT_TTL", &c.Auth.TokenTTL); err != nil {
		return err
	}
	return dur("RE_WEBHOOK_TIMEOUT", &c.Webhook.Timeout)
}

func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required (or set RE_JWT_SECRET)")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth.token_ttl must be positive")
	}
	if err := c.Recognition.PointsConfig.Validate(); err != nil {
		return fmt.Errorf("recognition: %w", err)
	}
	if err := c.Recognition.Approval.Validate(); err != nil {
		return fmt.Errorf("recognition.approval: %w", err)
	}
	if c.Scheduler.Enabled && c.Scheduler.CheckInterval <= 0 {
		return errors.New("scheduler.check_interval must be positive")
	}
	return nil
}
