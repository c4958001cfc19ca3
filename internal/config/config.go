// Package config loads the service configuration from a YAML file with
// WRITERSYNC_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration unmarshals YAML values like "5m" or "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Couch struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Rokfor struct {
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	RWKey    string `yaml:"rwkey"`
	ReadKey  string `yaml:"readkey"`
	Book     int64  `yaml:"book"`
	Template string `yaml:"template"`
	Chapter  int    `yaml:"chapter"`
}

type Mail struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type Sync struct {
	RefreshInterval Duration `yaml:"refreshInterval"`
	LockBackendDSN  string   `yaml:"lockBackendDsn"`
	RetainFiles     bool     `yaml:"retainFiles"`
	CallbackBaseURL string   `yaml:"callbackBaseUrl"`
	ExportMode      string   `yaml:"exportMode"`
}

type Config struct {
	Listen string `yaml:"listen"`
	Couch  Couch  `yaml:"couch"`
	Rokfor Rokfor `yaml:"rokfor"`
	Mail   Mail   `yaml:"mail"`
	Sync   Sync   `yaml:"sync"`
}

func Default() Config {
	return Config{
		Listen: ":8088",
		Couch:  Couch{URL: "http://127.0.0.1:5984"},
		Rokfor: Rokfor{Template: "Text", Chapter: 1, Book: 1},
		Sync: Sync{
			RefreshInterval: Duration(10 * time.Minute),
			ExportMode:      "Book",
		},
	}
}

// Load reads the YAML file at path (if path is empty only defaults and the
// environment apply) and layers WRITERSYNC_* overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Rokfor.Endpoint) == "" {
		return fmt.Errorf("config: rokfor.endpoint is required")
	}
	if strings.TrimSpace(c.Couch.URL) == "" {
		return fmt.Errorf("config: couch.url is required")
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Listen, "WRITERSYNC_LISTEN")
	setString(&cfg.Couch.URL, "WRITERSYNC_COUCH_URL")
	setString(&cfg.Couch.Username, "WRITERSYNC_COUCH_USERNAME")
	setString(&cfg.Couch.Password, "WRITERSYNC_COUCH_PASSWORD")
	setString(&cfg.Rokfor.Endpoint, "WRITERSYNC_ROKFOR_ENDPOINT")
	setString(&cfg.Rokfor.Username, "WRITERSYNC_ROKFOR_USERNAME")
	setString(&cfg.Rokfor.RWKey, "WRITERSYNC_ROKFOR_RWKEY")
	setString(&cfg.Rokfor.ReadKey, "WRITERSYNC_ROKFOR_READKEY")
	setInt64(&cfg.Rokfor.Book, "WRITERSYNC_ROKFOR_BOOK")
	setString(&cfg.Rokfor.Template, "WRITERSYNC_ROKFOR_TEMPLATE")
	setInt(&cfg.Rokfor.Chapter, "WRITERSYNC_ROKFOR_CHAPTER")
	setString(&cfg.Mail.Addr, "WRITERSYNC_MAIL_ADDR")
	setString(&cfg.Mail.Username, "WRITERSYNC_MAIL_USERNAME")
	setString(&cfg.Mail.Password, "WRITERSYNC_MAIL_PASSWORD")
	setString(&cfg.Mail.From, "WRITERSYNC_MAIL_FROM")
	setDuration(&cfg.Sync.RefreshInterval, "WRITERSYNC_REFRESH_INTERVAL")
	setString(&cfg.Sync.LockBackendDSN, "WRITERSYNC_LOCK_BACKEND_DSN")
	setBool(&cfg.Sync.RetainFiles, "WRITERSYNC_RETAIN_FILES")
	setString(&cfg.Sync.CallbackBaseURL, "WRITERSYNC_CALLBACK_BASE_URL")
	setString(&cfg.Sync.ExportMode, "WRITERSYNC_EXPORT_MODE")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
