package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/convo-relay/relay"
	"github.com/ZanzyTHEbar/convo-relay/relay/db"
	"github.com/ZanzyTHEbar/convo-relay/relay/llm"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	OpenAI       OpenAIConfig       `mapstructure:"openai"`
	WhatsApp     WhatsAppConfig     `mapstructure:"whatsapp"`
	History      HistoryConfig      `mapstructure:"history"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	Interstitial InterstitialConfig `mapstructure:"interstitial"`
	Dispatch     DispatchConfig     `mapstructure:"dispatch"`
	Contacts     ContactsConfig     `mapstructure:"contacts"`
	Log          LogConfig          `mapstructure:"log"`
}

// ServerConfig stores the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig stores database connection details.
type DatabaseConfig struct {
	DSN       string `mapstructure:"dsn"`
	Type      string `mapstructure:"type"`
	AuthToken string `mapstructure:"auth_token"` // remote libsql only

	MaxOpenConns   int    `mapstructure:"max_open_conns"`
	MaxIdleConns   int    `mapstructure:"max_idle_conns"`
	ConnMaxIdleSec int    `mapstructure:"conn_max_idle_sec"`
	ConnMaxLifeSec int    `mapstructure:"conn_max_life_sec"`
	JournalMode    string `mapstructure:"journal_mode"`
	SyncMode       string `mapstructure:"sync_mode"`
	BusyTimeout    int    `mapstructure:"busy_timeout"` // milliseconds
}

// OpenAIConfig stores completion and transcription settings.
type OpenAIConfig struct {
	APIKey             string        `mapstructure:"api_key"`
	BaseURL            string        `mapstructure:"base_url"`
	ChatModel          string        `mapstructure:"chat_model"`
	TranscriptionModel string        `mapstructure:"transcription_model"`
	MaxTokens          int           `mapstructure:"max_tokens"`          // model context size
	MaxResponseTokens  int           `mapstructure:"max_response_tokens"` // reply cap
	TokensPadding      int           `mapstructure:"message_tokens_padding"`
	SafetyMargin       int           `mapstructure:"safety_margin"`
	Temperature        float64       `mapstructure:"temperature"`
	InitialPrompt      string        `mapstructure:"initial_prompt"`
	DefaultPrompt      string        `mapstructure:"default_prompt"` // used once the contact has been answered
	Timeout            time.Duration `mapstructure:"timeout"`        // 0 = transport default
}

// WhatsAppConfig stores Graph API credentials and channel limits.
type WhatsAppConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	PhoneID        string        `mapstructure:"phone_id"`
	AccountID      string        `mapstructure:"account_id"`
	MessagingToken string        `mapstructure:"messaging_token"`
	VerifyToken    string        `mapstructure:"verify_token"`
	AppSecret      string        `mapstructure:"app_secret"` // enables X-Hub-Signature-256 checks
	MessageLimit   int           `mapstructure:"message_limit"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// HistoryConfig controls prompt assembly.
type HistoryConfig struct {
	Limit      int    `mapstructure:"limit"`
	GroupOrder string `mapstructure:"group_order"` // "newest_first" or "chronological"
}

// PipelineConfig controls the generate-and-respond run.
type PipelineConfig struct {
	SerializePerContact bool   `mapstructure:"serialize_per_contact"`
	ApologyMessage      string `mapstructure:"apology_message"`
	UnsupportedMessage  string `mapstructure:"unsupported_message"`
	AudioEchoTemplate   string `mapstructure:"audio_echo_template"` // %s is the transcription

	// Contact name cache
	CacheEnabled  bool `mapstructure:"cache_enabled"`
	CacheCapacity int  `mapstructure:"cache_capacity"`

	// Completion rate limiting
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`

	EnableTracing bool `mapstructure:"enable_tracing"`
}

// InterstitialConfig controls the filler sent while a reply is generated.
type InterstitialConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Delay   time.Duration `mapstructure:"delay"`
	Phrases []string      `mapstructure:"phrases"`
}

// DispatchConfig controls the deferred pipeline queue.
type DispatchConfig struct {
	Mode          string        `mapstructure:"mode"` // "local" or "http"
	Delay         time.Duration `mapstructure:"delay"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	Concurrency   int           `mapstructure:"concurrency"`
	BatchSize     int           `mapstructure:"batch_size"`
	TargetURL     string        `mapstructure:"target_url"`
	Token         string        `mapstructure:"token"` // bearer token shared with the /dispatch processor
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
}

// ContactsConfig controls who may talk to the relay.
type ContactsConfig struct {
	Allowlist       []string `mapstructure:"allowlist"` // exact numbers or "prefix*"
	Moderators      []string `mapstructure:"moderators"`
	ModeratorNotice string   `mapstructure:"moderator_notice"` // %s is the rejected number
	PlaceholderName string   `mapstructure:"placeholder_name"`
}

// LogConfig controls the root zerolog logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

const (
	DispatchModeLocal = "local"
	DispatchModeHTTP  = "http"

	DatabaseTypeLibSQL = internal.DefaultDatabaseType
	DatabaseTypeMemory = "memory"
)

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		viper.AddConfigPath(internal.DefaultConfigPath)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	setDefaults()

	viper.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. openai.max_tokens becomes OPENAI_MAX_TOKENS
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := bindLegacyEnv(); err != nil {
		return nil, err
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &AppConfig, nil
}

// legacyEnv lists environment names that do not follow the key layout.
// The canonical name comes first so it keeps precedence.
var legacyEnv = map[string][]string{
	"contacts.allowlist":    {"CONTACTS_ALLOWLIST", "CONTACTS_WHITE_LIST"},
	"contacts.moderators":   {"CONTACTS_MODERATORS", "MODERATOR_PHONE_LIST"},
	"whatsapp.verify_token": {"WHATSAPP_VERIFY_TOKEN", "WEBHOOK_VERIFY_TOKEN"},
	"dispatch.target_url":   {"DISPATCH_TARGET_URL", "WEBHOOK_QUEUE_PROCESSOR_URL"},
}

func bindLegacyEnv() error {
	for key, names := range legacyEnv {
		if err := viper.BindEnv(append([]string{key}, names...)...); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.addr", internal.DefaultListenAddr)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "60s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	viper.SetDefault("database.dsn", internal.DefaultDatabaseDSN)
	viper.SetDefault("database.type", internal.DefaultDatabaseType)
	viper.SetDefault("database.auth_token", "")
	viper.SetDefault("database.max_open_conns", 10)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_idle_sec", 300)
	viper.SetDefault("database.conn_max_life_sec", 3600)
	viper.SetDefault("database.journal_mode", "WAL")
	viper.SetDefault("database.sync_mode", "NORMAL")
	viper.SetDefault("database.busy_timeout", 5000)

	viper.SetDefault("openai.api_key", "")
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.chat_model", "gpt-3.5-turbo")
	viper.SetDefault("openai.transcription_model", "whisper-1")
	viper.SetDefault("openai.max_tokens", 4096)
	viper.SetDefault("openai.max_response_tokens", 512)
	viper.SetDefault("openai.message_tokens_padding", 4)
	viper.SetDefault("openai.safety_margin", 16)
	viper.SetDefault("openai.temperature", 0.8)
	viper.SetDefault("openai.initial_prompt", "You are a helpful assistant.")
	viper.SetDefault("openai.default_prompt", "")
	viper.SetDefault("openai.timeout", "0s")

	viper.SetDefault("whatsapp.base_url", "https://graph.facebook.com/v16.0")
	viper.SetDefault("whatsapp.phone_id", "")
	viper.SetDefault("whatsapp.account_id", "")
	viper.SetDefault("whatsapp.messaging_token", "")
	viper.SetDefault("whatsapp.verify_token", "")
	viper.SetDefault("whatsapp.app_secret", "")
	viper.SetDefault("whatsapp.message_limit", 4096)
	viper.SetDefault("whatsapp.timeout", "0s")

	viper.SetDefault("history.limit", internal.DefaultHistoryLimit)
	viper.SetDefault("history.group_order", "newest_first")

	viper.SetDefault("pipeline.serialize_per_contact", false)
	viper.SetDefault("pipeline.apology_message", "¡Ups! Algo no está bien 🤒. Por favor, contacta al soporte técnico para que puedan resolver la situación lo más pronto posible.")
	viper.SetDefault("pipeline.unsupported_message", "Lo siento, no puedo entender este tipo de mensajes")
	viper.SetDefault("pipeline.audio_echo_template", "Esto es lo que entendí en tu mensaje:\n*%s*\nPor favor, dame un momento mientras reflexiono sobre la respuesta adecuada.")
	viper.SetDefault("pipeline.cache_enabled", true)
	viper.SetDefault("pipeline.cache_capacity", 1000)
	viper.SetDefault("pipeline.rate_limit_enabled", false)
	viper.SetDefault("pipeline.rate_limit_capacity", 10)
	viper.SetDefault("pipeline.rate_limit_refill_rate", "1s")
	viper.SetDefault("pipeline.enable_tracing", true)

	viper.SetDefault("interstitial.enabled", true)
	viper.SetDefault("interstitial.delay", "3s")
	viper.SetDefault("interstitial.phrases", []string{})

	viper.SetDefault("dispatch.mode", DispatchModeLocal)
	viper.SetDefault("dispatch.delay", "60s")
	viper.SetDefault("dispatch.poll_interval", "1s")
	viper.SetDefault("dispatch.lease_duration", "5m")
	viper.SetDefault("dispatch.concurrency", 4)
	viper.SetDefault("dispatch.batch_size", 16)
	viper.SetDefault("dispatch.target_url", "")
	viper.SetDefault("dispatch.token", "")
	viper.SetDefault("dispatch.http_timeout", "0s")

	viper.SetDefault("contacts.allowlist", []string{})
	viper.SetDefault("contacts.moderators", []string{})
	viper.SetDefault("contacts.moderator_notice", "El número %s ha intentado escribirme y no está en la lista de contactos válidos. Podrias revisar?")
	viper.SetDefault("contacts.placeholder_name", internal.DefaultPlaceholderName)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.OpenAI.MaxTokens <= c.OpenAI.MaxResponseTokens+c.OpenAI.SafetyMargin {
		errs = append(errs, fmt.Errorf("openai.max_tokens (%d) must exceed max_response_tokens + safety_margin (%d)",
			c.OpenAI.MaxTokens, c.OpenAI.MaxResponseTokens+c.OpenAI.SafetyMargin))
	}
	if c.OpenAI.MaxResponseTokens < 1 {
		errs = append(errs, errors.New("openai.max_response_tokens must be at least 1"))
	}
	if c.OpenAI.TokensPadding < 0 || c.OpenAI.SafetyMargin < 0 {
		errs = append(errs, errors.New("openai padding and safety margin must not be negative"))
	}
	if c.OpenAI.ChatModel == "" {
		errs = append(errs, errors.New("openai.chat_model is required"))
	} else if _, ok := llm.EncodingName(c.OpenAI.ChatModel); !ok {
		errs = append(errs, fmt.Errorf("openai.chat_model %q has no known tokenizer", c.OpenAI.ChatModel))
	}
	switch c.Database.Type {
	case DatabaseTypeLibSQL, DatabaseTypeMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown database.type %q", c.Database.Type))
	}
	if c.WhatsApp.MessageLimit < 1 {
		errs = append(errs, errors.New("whatsapp.message_limit must be at least 1"))
	}
	switch strings.ToLower(c.History.GroupOrder) {
	case "", "newest_first", "newest-first", "chronological":
	default:
		errs = append(errs, fmt.Errorf("unknown history.group_order %q", c.History.GroupOrder))
	}
	switch c.Dispatch.Mode {
	case DispatchModeLocal:
	case DispatchModeHTTP:
		if c.Dispatch.TargetURL == "" {
			errs = append(errs, errors.New("dispatch.target_url is required in http mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dispatch.mode %q", c.Dispatch.Mode))
	}
	if c.Dispatch.Concurrency < 1 {
		errs = append(errs, errors.New("dispatch.concurrency must be at least 1"))
	}

	return errors.Join(errs...)
}

// ValidateServe adds the credential checks needed to talk to real services.
func (c *Config) ValidateServe() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("openai.api_key is required"))
	}
	if c.WhatsApp.PhoneID == "" || c.WhatsApp.MessagingToken == "" {
		errs = append(errs, errors.New("whatsapp.phone_id and whatsapp.messaging_token are required"))
	}
	return errors.Join(errs...)
}

// DB maps the database section onto connection settings.
func (c *Config) DB() db.Config {
	return db.Config{
		DSN:            c.Database.DSN,
		AuthToken:      c.Database.AuthToken,
		MaxOpenConns:   c.Database.MaxOpenConns,
		MaxIdleConns:   c.Database.MaxIdleConns,
		ConnMaxIdleSec: c.Database.ConnMaxIdleSec,
		ConnMaxLifeSec: c.Database.ConnMaxLifeSec,
		JournalMode:    c.Database.JournalMode,
		SyncMode:       c.Database.SyncMode,
		BusyTimeout:    time.Duration(c.Database.BusyTimeout) * time.Millisecond,
	}
}

// Watch re-reads the config file whenever it changes and hands the new
// config to fn. Invalid reloads are reported through onErr and skipped.
func Watch(fn func(*Config), onErr func(error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var next Config
		if err := viper.Unmarshal(&next); err != nil {
			onErr(fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}
		if err := next.Validate(); err != nil {
			onErr(fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}
		fn(&next)
	})
	viper.WatchConfig()
}

// FileUsed returns the config file LoadConfig read, or "" when only
// defaults and environment applied.
func FileUsed() string { return viper.ConfigFileUsed() }
