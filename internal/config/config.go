package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"

	"course-tutor/internal/integrations/gemini"
)

type StoreBackend string

const (
	BackendAuto     StoreBackend = ""
	BackendREST     StoreBackend = "rest"
	BackendValkey   StoreBackend = "valkey"
	BackendDynamoDB StoreBackend = "dynamodb"
	BackendNone     StoreBackend = "none"
)

// Config is read once at start-up and never mutated afterwards.
type Config struct {
	APIKey      string
	CourseID    string
	ParamPrefix string

	StoreBackend   StoreBackend
	KVRestURL      string
	KVRestToken    string
	ValkeyAddress  string
	ValkeyPassword string
	ValkeyDB       int
	ValkeyPrefix   string
	KVTable        string

	WindowSize      int
	CacheTTL        time.Duration
	SafetyMargin    time.Duration
	RequestDeadline time.Duration
	PipelineCeiling time.Duration
	CacheModel      string
	ChatModel       string
	SingleFlight    bool

	LogLevel string
}

var envBindings = map[string][]string{
	"api_key":             {"API_KEY", "GOOGLE_API_KEY", "VITE_API_KEY"},
	"course_id":           {"COURSE_ID"},
	"param_prefix":        {"PARAM_PREFIX"},
	"store_backend":       {"STORE_BACKEND"},
	"kv_rest_url":         {"KV_REST_API_URL", "UPSTASH_REDIS_REST_URL", "STORAGE_REST_API_URL"},
	"kv_rest_token":       {"KV_REST_API_TOKEN", "UPSTASH_REDIS_REST_TOKEN", "STORAGE_REST_API_TOKEN"},
	"valkey_address":      {"VALKEY_ADDRESS"},
	"valkey_password":     {"VALKEY_PASSWORD"},
	"valkey_db":           {"VALKEY_DB"},
	"valkey_key_prefix":   {"VALKEY_KEY_PREFIX"},
	"kv_table":            {"KV_TABLE"},
	"window_size":         {"WINDOW_SIZE"},
	"cache_ttl":           {"CACHE_TTL"},
	"cache_safety_margin": {"CACHE_SAFETY_MARGIN"},
	"request_deadline":    {"REQUEST_DEADLINE"},
	"pipeline_ceiling":    {"PIPELINE_CEILING"},
	"cache_model":         {"CACHE_MODEL"},
	"chat_model":          {"CHAT_MODEL"},
	"cache_single_flight": {"CACHE_SINGLE_FLIGHT"},
	"log_level":           {"LOG_LEVEL"},
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault("window_size", 6)
	v.SetDefault("cache_ttl", time.Hour)
	v.SetDefault("cache_safety_margin", 60*time.Second)
	v.SetDefault("request_deadline", 9*time.Second)
	v.SetDefault("pipeline_ceiling", 55*time.Second)
	v.SetDefault("cache_model", gemini.DefaultCacheModel)
	v.SetDefault("chat_model", gemini.DefaultChatModel)
	v.SetDefault("cache_single_flight", false)
	v.SetDefault("log_level", "info")

	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}
	return v, nil
}

// Load reads the environment, applies defaults, resolves the store backend
// and validates the result.
func Load() (Config, error) {
	v, err := newViper()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		APIKey:      strings.TrimSpace(v.GetString("api_key")),
		CourseID:    strings.TrimSpace(v.GetString("course_id")),
		ParamPrefix: strings.TrimRight(strings.TrimSpace(v.GetString("param_prefix")), "/"),

		StoreBackend:   StoreBackend(strings.ToLower(strings.TrimSpace(v.GetString("store_backend")))),
		KVRestURL:      strings.TrimSpace(v.GetString("kv_rest_url")),
		KVRestToken:    strings.TrimSpace(v.GetString("kv_rest_token")),
		ValkeyAddress:  strings.TrimSpace(v.GetString("valkey_address")),
		ValkeyPassword: v.GetString("valkey_password"),
		ValkeyDB:       v.GetInt("valkey_db"),
		ValkeyPrefix:   strings.TrimSpace(v.GetString("valkey_key_prefix")),
		KVTable:        strings.TrimSpace(v.GetString("kv_table")),

		WindowSize:      v.GetInt("window_size"),
		CacheTTL:        v.GetDuration("cache_ttl"),
		SafetyMargin:    v.GetDuration("cache_safety_margin"),
		RequestDeadline: v.GetDuration("request_deadline"),
		PipelineCeiling: v.GetDuration("pipeline_ceiling"),
		CacheModel:      strings.TrimSpace(v.GetString("cache_model")),
		ChatModel:       strings.TrimSpace(v.GetString("chat_model")),
		SingleFlight:    v.GetBool("cache_single_flight"),

		LogLevel: strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),
	}
	if cfg.StoreBackend == "auto" {
		cfg.StoreBackend = BackendAuto
	}
	if cfg.StoreBackend == BackendAuto {
		cfg.StoreBackend = cfg.detectBackend()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c Config) detectBackend() StoreBackend {
	switch {
	case c.KVRestURL != "" && c.KVRestToken != "":
		return BackendREST
	case c.ValkeyAddress != "":
		return BackendValkey
	case c.KVTable != "":
		return BackendDynamoDB
	default:
		return BackendNone
	}
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ParamPrefix, validation.Required),
		validation.Field(&c.StoreBackend, validation.Required,
			validation.In(BackendREST, BackendValkey, BackendDynamoDB, BackendNone)),
		validation.Field(&c.KVRestURL, validation.When(c.StoreBackend == BackendREST, validation.Required)),
		validation.Field(&c.KVRestToken, validation.When(c.StoreBackend == BackendREST, validation.Required)),
		validation.Field(&c.ValkeyAddress, validation.When(c.StoreBackend == BackendValkey, validation.Required)),
		validation.Field(&c.ValkeyDB, validation.Min(0)),
		validation.Field(&c.KVTable, validation.When(c.StoreBackend == BackendDynamoDB, validation.Required)),
		validation.Field(&c.WindowSize, validation.Required, validation.Min(1)),
		validation.Field(&c.CacheTTL, validation.Required, validation.Min(time.Minute)),
		validation.Field(&c.SafetyMargin, validation.Min(time.Duration(0))),
		validation.Field(&c.RequestDeadline, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.PipelineCeiling, validation.Required, validation.Min(c.RequestDeadline)),
		validation.Field(&c.CacheModel, validation.Required),
		validation.Field(&c.ChatModel, validation.Required),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
	)
}

func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
