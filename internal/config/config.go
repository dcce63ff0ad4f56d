// Package config loads the platform's single typed configuration document
// from a YAML file plus environment-variable overrides. The
// env-substitution idiom ($FOO values inside the YAML document, resolved
// at load time) lets secret-bearing fields reference an environment
// variable name instead of embedding the secret in the file; the
// top-level environment overrides (DATABASE_URL, REDIS_URL, ...) are
// layered on top and always win.
package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/ghodss/yaml"
)

// Config is the single configuration document loaded once at process
// startup. Tenant-scoped overrides (security policy,
// rate limits) are NOT here: those live in the tenant registry and are
// fetched per request.
type Config struct {
	ListenAddr    string `json:"listenAddr"`
	TelemetryAddr string `json:"telemetryAddr"`
	Issuer        string `json:"issuer"`

	DatabaseURL         string `json:"databaseUrl"`
	RedisURL            string `json:"redisUrl"`
	JWTPrivateKeys      string `json:"jwtPrivateKeys"`
	FieldEncryptionKey  string `json:"fieldEncryptionKey"`

	DefaultAccessTTL  time.Duration `json:"defaultAccessTtl"`
	DefaultRefreshTTL time.Duration `json:"defaultRefreshTtl"`

	RateLimit RateLimitDefaults `json:"rateLimit"`

	ProxyConfigPath string `json:"proxyConfigPath"`

	Logger Logger `json:"logger"`
}

// RateLimitDefaults seeds a tenant's RateLimitPolicy when the tenant
// registry has no explicit override.
type RateLimitDefaults struct {
	LoginPerMinute       int `json:"loginPerMinute"`
	PasswordResetPerHour int `json:"passwordResetPerHour"`
	Burst                int `json:"burst"`
}

// Logger configures the structured logger built by internal/logging.
type Logger struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// defaults applied when the YAML document and environment leave a field
// at its zero value.
func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":5556"
	}
	if c.DefaultAccessTTL == 0 {
		c.DefaultAccessTTL = time.Hour
	}
	if c.DefaultRefreshTTL == 0 {
		c.DefaultRefreshTTL = 30 * 24 * time.Hour
	}
	if c.RateLimit.LoginPerMinute == 0 {
		c.RateLimit.LoginPerMinute = 30
	}
	if c.RateLimit.PasswordResetPerHour == 0 {
		c.RateLimit.PasswordResetPerHour = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 5
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
}

// Load reads the YAML document at path (if non-empty), resolves any $FOO
// placeholders against the environment, then applies the recognized
// top-level environment overrides, which always win over
// the file.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := replaceEnvKeys(&c, os.Getenv); err != nil {
		return nil, fmt.Errorf("resolve $VAR placeholders: %w", err)
	}

	applyEnvOverride(&c.DatabaseURL, "DATABASE_URL")
	applyEnvOverride(&c.RedisURL, "REDIS_URL")
	applyEnvOverride(&c.JWTPrivateKeys, "JWT_PRIVATE_KEYS")
	applyEnvOverride(&c.FieldEncryptionKey, "FIELD_ENCRYPTION_KEY")
	applyEnvOverride(&c.ListenAddr, "LISTEN_ADDR")
	applyEnvOverride(&c.ProxyConfigPath, "PROXY_CONFIG_PATH")
	applyDurationEnvOverride(&c.DefaultAccessTTL, "DEFAULT_ACCESS_TTL")
	applyDurationEnvOverride(&c.DefaultRefreshTTL, "DEFAULT_REFRESH_TTL")
	applyIntEnvOverride(&c.RateLimit.LoginPerMinute, "RATE_LIMIT_LOGIN_PER_MINUTE")
	applyIntEnvOverride(&c.RateLimit.PasswordResetPerHour, "RATE_LIMIT_PASSWORD_RESET_PER_HOUR")
	applyIntEnvOverride(&c.RateLimit.Burst, "RATE_LIMIT_BURST")

	c.setDefaults()
	return &c, c.Validate()
}

func applyEnvOverride(field *string, name string) {
	if v := os.Getenv(name); v != "" {
		*field = v
	}
}

func applyDurationEnvOverride(field *time.Duration, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*field = d
	}
}

func applyIntEnvOverride(field *int, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
		*field = n
	}
}

// Validate fails loudly on configuration errors that should hard-fail
// startup (bad DSN, missing signing key material, etc. are
// caught later when those resources are actually opened; this checks what
// is knowable from the document alone).
func (c Config) Validate() error {
	var problems []string
	if c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL (or config databaseUrl) is required")
	}
	if c.RedisURL == "" {
		problems = append(problems, "REDIS_URL (or config redisUrl) is required")
	}
	if c.FieldEncryptionKey == "" {
		problems = append(problems, "FIELD_ENCRYPTION_KEY (or config fieldEncryptionKey) is required")
	}
	if c.Issuer == "" {
		problems = append(problems, "issuer is required")
	}
	if len(problems) == 0 {
		return nil
	}
	msg := "invalid configuration:"
	for _, p := range problems {
		msg += "\n\t- " + p
	}
	return fmt.Errorf("%s", msg)
}

// replaceEnvKeys walks data (a pointer to a struct) and replaces any string
// field whose value starts with "$" with the named environment variable.
func replaceEnvKeys(data interface{}, getenv func(string) string) error {
	val := reflect.ValueOf(data)
	if val.Kind() != reflect.Interface && val.Kind() != reflect.Ptr {
		return nil
	}

	s := val.Elem()
	if !s.CanSet() {
		return nil
	}

	if s.Kind() == reflect.String {
		value := s.Interface().(string)
		if len(value) > 1 && value[0] == '$' {
			s.SetString(getenv(value[1:]))
		}
		return nil
	}

	if s.Kind() == reflect.Struct {
		for i := 0; i < s.NumField(); i++ {
			f := s.Field(i)
			if !f.CanAddr() {
				continue
			}
			if err := replaceEnvKeys(f.Addr().Interface(), getenv); err != nil {
				return err
			}
		}
		return nil
	}

	if s.Kind() == reflect.Slice {
		for i := 0; i < s.Len(); i++ {
			if err := replaceEnvKeys(s.Index(i).Addr().Interface(), getenv); err != nil {
				return err
			}
		}
		return nil
	}

	return nil
}
