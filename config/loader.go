// Package config loads the service configuration: defaults, then an
// optional YAML file, then ARBITER_* environment overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arbiterhq/arbiter/cache"
	"github.com/arbiterhq/arbiter/compute"
	"github.com/arbiterhq/arbiter/fanout"
	"github.com/arbiterhq/arbiter/internal/server"
	"github.com/arbiterhq/arbiter/quota"
	"github.com/arbiterhq/arbiter/ratelimit"
)

// Config is the complete service configuration.
type Config struct {
	Server    server.Config            `yaml:"server" env:"SERVER"`
	Redis     RedisConfig              `yaml:"redis" env:"REDIS"`
	Cache     cache.Config             `yaml:"cache" env:"CACHE"`
	Quota     quota.Config             `yaml:"quota" env:"QUOTA"`
	RateLimit ratelimit.Config         `yaml:"ratelimit" env:"RATELIMIT"`
	Fanout    fanout.Config            `yaml:"fanout" env:"FANOUT"`
	Compute   compute.HTTPClientConfig `yaml:"compute" env:"COMPUTE"`
	Log       LogConfig                `yaml:"log" env:"LOG"`
}

// RedisConfig configures the shared redis client backing the persistent
// cache tier and the fallback store.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level        string `yaml:"level" env:"LEVEL"`
	Format       string `yaml:"format" env:"FORMAT"`
	EnableCaller bool   `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// DefaultConfig returns the configuration used when nothing is supplied.
func DefaultConfig() *Config {
	return &Config{
		Server:    server.DefaultConfig(),
		Redis:     RedisConfig{Addr: "localhost:6379", PoolSize: 10, MinIdleConns: 2},
		Cache:     cache.DefaultConfig(),
		Quota:     quota.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Fanout:    fanout.DefaultConfig(),
		Compute: compute.HTTPClientConfig{
			BaseURL:   "http://localhost:9090",
			Timeout:   60 * time.Second,
			Estimator: compute.DefaultEstimatorConfig(),
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Loader loads configuration with precedence defaults < file < env.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the ARBITER env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "ARBITER"}
}

// WithConfigPath sets the YAML file path. A missing file is not an error;
// defaults apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("validate config: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", l.configPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", l.configPath, err)
	}
	return nil
}

// setFieldsFromEnv walks the struct and applies PREFIX_SECTION_FIELD
// environment variables. Fields without an env tag are file-only.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			// Nested config structs from other packages tag yaml only;
			// derive the env segment from the yaml tag.
			envTag = envSegment(fieldType)
		}
		if envTag == "-" || envTag == "" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("env %s: %w", envKey, err)
		}
	}
	return nil
}

func envSegment(field reflect.StructField) string {
	yamlTag := field.Tag.Get("yaml")
	if yamlTag == "" || yamlTag == "-" {
		return ""
	}
	name := strings.Split(yamlTag, ",")[0]
	return strings.ToUpper(name)
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("field is not settable")
	}

	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q: %w", value, err)
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float %q: %w", value, err)
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool %q: %w", value, err)
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
