// Package config loads the application settings from a settings file,
// GRAPHMAIL_ environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "GRAPHMAIL"

// ErrConfig matches every *ConfigError.
var ErrConfig = errors.New("invalid configuration")

// Settings holds the application configuration.
type Settings struct {
	ApplicationID string `mapstructure:"applicationId" validate:"required"`
	TenantID      string `mapstructure:"tenantId"      validate:"required"`

	AuthorityURL string   `mapstructure:"authorityUrl" validate:"required,url"`
	GraphBaseURL string   `mapstructure:"graphBaseUrl" validate:"required,url"`
	Scopes       []string `mapstructure:"scopes"       validate:"min=1,dive,required"`

	PageSize       int `mapstructure:"pageSize"       validate:"gte=1,lte=1000"`
	MaxConcurrency int `mapstructure:"maxConcurrency" validate:"gte=0"`

	MaxAttempts       int           `mapstructure:"maxAttempts"       validate:"gte=1"`
	DefaultRetryDelay time.Duration `mapstructure:"defaultRetryDelay" validate:"gt=0"`
	MaxRetryWait      time.Duration `mapstructure:"maxRetryWait"      validate:"gte=0"`
	RateLimit         float64       `mapstructure:"rateLimit"         validate:"gte=0"`
	RequestTimeout    time.Duration `mapstructure:"requestTimeout"    validate:"gt=0"`

	RedisURL    string `mapstructure:"redisUrl"    validate:"omitempty,url"`
	MetricsAddr string `mapstructure:"metricsAddr" validate:"omitempty,hostname_port"`

	Log LogSettings `mapstructure:"log"`
}

// LogSettings holds logging configuration.
type LogSettings struct {
	Level  string `mapstructure:"level"  validate:"oneof=debug info warn error"`
	Pretty bool   `mapstructure:"pretty"`
}

// ConfigError reports settings that failed to load or validate.
type ConfigError struct {
	// Fields lists the offending keys with the failed rule, e.g. "tenantId (required)".
	Fields []string
	Err    error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Fields, ", "))
	}
	return fmt.Sprintf("invalid configuration: %v", e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrConfig.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// keys lists every setting together with its flag name.
var keys = []struct {
	key  string
	flag string
}{
	{"applicationId", "application-id"},
	{"tenantId", "tenant-id"},
	{"authorityUrl", "authority-url"},
	{"graphBaseUrl", "graph-base-url"},
	{"scopes", "scopes"},
	{"pageSize", "page-size"},
	{"maxConcurrency", "max-concurrency"},
	{"maxAttempts", "max-attempts"},
	{"defaultRetryDelay", "default-retry-delay"},
	{"maxRetryWait", "max-retry-wait"},
	{"rateLimit", "rate-limit"},
	{"requestTimeout", "request-timeout"},
	{"redisUrl", "redis-url"},
	{"metricsAddr", "metrics-addr"},
	{"log.level", "log-level"},
	{"log.pretty", "log-pretty"},
}

// RegisterFlags defines the command line flags understood by Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "settings file (default ./appsettings.{json,yaml})")
	fs.String("application-id", "", "application (client) id")
	fs.String("tenant-id", "", "directory (tenant) id")
	fs.String("authority-url", "", "identity platform authority")
	fs.String("graph-base-url", "", "Graph API base url")
	fs.StringSlice("scopes", nil, "delegated scopes")
	fs.Int("page-size", 0, "messages to list ($top)")
	fs.Int("max-concurrency", 0, "parallel detail fetches (0 = unbounded)")
	fs.Int("max-attempts", 0, "sends per message including retries")
	fs.Duration("default-retry-delay", 0, "delay after a 429 without Retry-After")
	fs.Duration("max-retry-wait", 0, "cumulative throttle wait per message (0 = unbounded)")
	fs.Float64("rate-limit", 0, "requests per second (0 = unpaced)")
	fs.Duration("request-timeout", 0, "timeout of one HTTP exchange")
	fs.String("redis-url", "", "share throttle state through Redis")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.Bool("log-pretty", false, "human readable logs")
}

// Load reads the settings. Precedence from high to low: changed flags,
// environment, settings file, defaults. path selects the settings file; when
// empty, appsettings.* in the working directory is used if present.
func Load(path string, flags *pflag.FlagSet) (*Settings, error) {
	vip := viper.New()
	if path != "" {
		vip.SetConfigFile(path)
	} else {
		vip.SetConfigName("appsettings")
		vip.AddConfigPath(".")
	}

	setDefaults(vip)

	vip.SetEnvPrefix(EnvPrefix)
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vip.AutomaticEnv()
	for _, k := range keys {
		if err := vip.BindEnv(k.key, envName(k.key)); err != nil {
			return nil, &ConfigError{Err: fmt.Errorf("bind env %s: %w", k.key, err)}
		}
	}

	if flags != nil {
		for _, k := range keys {
			if f := flags.Lookup(k.flag); f != nil {
				if err := vip.BindPFlag(k.key, f); err != nil {
					return nil, &ConfigError{Err: fmt.Errorf("bind flag %s: %w", k.flag, err)}
				}
			}
		}
	}

	if err := vip.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, &ConfigError{Err: fmt.Errorf("failed to read config file: %w", err)}
		}
	}

	var cfg Settings
	if err := vip.Unmarshal(&cfg); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("failed to unmarshal config: %w", err)}
	}

	cfg.ApplicationID = strings.TrimSpace(cfg.ApplicationID)
	cfg.TenantID = strings.TrimSpace(cfg.TenantID)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg and returns a *ConfigError naming every invalid key.
func Validate(cfg *Settings) error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("mapstructure")
	})

	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ConfigError{Err: fmt.Errorf("config validation failed: %w", err)}
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := strings.TrimPrefix(fe.Namespace(), "Settings.")
		fields = append(fields, fmt.Sprintf("%s (%s)", name, fe.Tag()))
	}
	return &ConfigError{Fields: fields, Err: err}
}

func setDefaults(vip *viper.Viper) {
	vip.SetDefault("authorityUrl", "https://login.microsoftonline.com")
	vip.SetDefault("graphBaseUrl", "https://graph.microsoft.com/v1.0")
	vip.SetDefault("scopes", []string{"User.Read", "Mail.Read"})
	vip.SetDefault("pageSize", 100)
	vip.SetDefault("maxConcurrency", 0)
	vip.SetDefault("maxAttempts", 5)
	vip.SetDefault("defaultRetryDelay", "2s")
	vip.SetDefault("maxRetryWait", "0s")
	vip.SetDefault("rateLimit", 0)
	vip.SetDefault("requestTimeout", "30s")
	vip.SetDefault("redisUrl", "")
	vip.SetDefault("metricsAddr", "")
	vip.SetDefault("log.level", "info")
	vip.SetDefault("log.pretty", true)
}

// envName maps a key to its variable: "log.level" -> GRAPHMAIL_LOG_LEVEL,
// "applicationId" -> GRAPHMAIL_APPLICATION_ID.
func envName(key string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	b.WriteByte('_')
	for i, r := range key {
		switch {
		case r == '.':
			b.WriteByte('_')
		case unicode.IsUpper(r):
			if i > 0 && key[i-1] != '.' {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
