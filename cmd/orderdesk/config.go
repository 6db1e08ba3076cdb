package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/agentworkforce/orderdesk/internal/orders"
)

const envPrefix = "ORDERDESK"

type config struct {
	Viewer orders.Viewer

	APIURL     string
	APIToken   string
	APITimeout time.Duration

	PushURL     string
	PushConnect time.Duration

	CacheDSN string
	Policy   orders.MergePolicy

	Addr          string
	JWTSecret     string
	RateLimitMax  int
	RefreshEvery  time.Duration
	RefreshJitter float64

	LogLevel  string
	LogFormat string
}

// settings maps each config key to its flag name, default and help text.
var settings = []struct {
	key   string
	flag  string
	value any
	usage string
}{
	{"viewer.id", "user-id", "", "viewer user id"},
	{"viewer.name", "user", "", "viewer display name"},
	{"viewer.role", "role", string(orders.RoleMember), "viewer role (admin, dispatcher, member)"},
	{"viewer.team", "team", "", "viewer team (glass, caps, boxes, pumps)"},
	{"api.url", "api-url", "http://127.0.0.1:5000/api", "order service base URL"},
	{"api.token", "api-token", "", "order service bearer token"},
	{"api.timeout", "api-timeout", 15 * time.Second, "order service request timeout"},
	{"push.url", "push-url", "", "push feed websocket URL (empty disables the feed)"},
	{"push.connect_timeout", "push-connect-timeout", 3 * time.Second, "how long one-shot commands wait for the push feed"},
	{"cache.dsn", "cache-dsn", "", "cache backend DSN (file path, memory://, postgres://, redis://)"},
	{"cache.policy", "merge-policy", "last-arrival", "merge policy (last-arrival, highest-revision)"},
	{"http.addr", "addr", "127.0.0.1:9464", "status endpoint listen address (empty disables it)"},
	{"http.jwt_secret", "jwt-secret", "", "HS256 secret required on /v1 routes"},
	{"http.rate_limit", "rate-limit", 0, "requests per minute per caller on /v1 routes (0 disables)"},
	{"refresh.interval", "refresh-interval", 5 * time.Minute, "periodic refetch interval for watch"},
	{"refresh.jitter", "refresh-jitter", 0.2, "refresh interval jitter ratio (0.0-1.0)"},
	{"log.level", "log-level", "info", "log level (debug, info, warn, error)"},
	{"log.format", "log-format", "console", "log format (console, json)"},
}

func registerFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "config file (yaml)")
	for _, s := range settings {
		switch value := s.value.(type) {
		case string:
			flags.String(s.flag, value, s.usage)
		case time.Duration:
			flags.Duration(s.flag, value, s.usage)
		case int:
			flags.Int(s.flag, value, s.usage)
		case float64:
			flags.Float64(s.flag, value, s.usage)
		}
	}
}

// newViper layers flags over ORDERDESK_* environment variables over the
// config file over defaults.
func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.value)
		if flag := flags.Lookup(s.flag); flag != nil {
			if err := v.BindPFlag(s.key, flag); err != nil {
				return nil, err
			}
		}
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	path, _ := flags.GetString("config")
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("orderdesk")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "orderdesk"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func loadConfig(v *viper.Viper) (config, error) {
	policy, err := orders.ParseMergePolicy(v.GetString("cache.policy"))
	if err != nil {
		return config{}, err
	}
	cfg := config{
		Viewer: orders.Viewer{
			UserID: strings.TrimSpace(v.GetString("viewer.id")),
			Name:   strings.TrimSpace(v.GetString("viewer.name")),
			Role:   orders.Role(strings.ToLower(strings.TrimSpace(v.GetString("viewer.role")))),
			Team:   strings.TrimSpace(v.GetString("viewer.team")),
		},
		APIURL:        strings.TrimSpace(v.GetString("api.url")),
		APIToken:      strings.TrimSpace(v.GetString("api.token")),
		APITimeout:    durationSetting(v, "api.timeout", 15*time.Second),
		PushURL:       strings.TrimSpace(v.GetString("push.url")),
		PushConnect:   durationSetting(v, "push.connect_timeout", 3*time.Second),
		CacheDSN:      strings.TrimSpace(v.GetString("cache.dsn")),
		Policy:        policy,
		Addr:          strings.TrimSpace(v.GetString("http.addr")),
		JWTSecret:     v.GetString("http.jwt_secret"),
		RateLimitMax:  v.GetInt("http.rate_limit"),
		RefreshEvery:  durationSetting(v, "refresh.interval", 5*time.Minute),
		RefreshJitter: clampJitterRatio(v.GetFloat64("refresh.jitter")),
		LogLevel:      v.GetString("log.level"),
		LogFormat:     v.GetString("log.format"),
	}
	if cfg.Viewer.Name == "" {
		return config{}, errors.New("viewer name is required (--user or ORDERDESK_VIEWER_NAME)")
	}
	if !cfg.Viewer.Global() && cfg.Viewer.Team == "" {
		return config{}, errors.New("team is required for non-dispatcher viewers (--team or ORDERDESK_VIEWER_TEAM)")
	}
	if cfg.CacheDSN == "" {
		cfg.CacheDSN = defaultCacheDir()
	}
	return cfg, nil
}

// durationSetting accepts either a Go duration string or a number of
// seconds, falling back when the value cannot be parsed.
func durationSetting(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback
	}
	if value, err := time.ParseDuration(raw); err == nil && value > 0 {
		return value
	}
	if seconds := v.GetInt(key); seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %s\n", key, raw, fallback)
	return fallback
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "orderdesk")
	}
	return filepath.Join(os.TempDir(), "orderdesk")
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
