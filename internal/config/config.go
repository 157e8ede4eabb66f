package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix          = "HUDDLE"
	defaultHTTPAddress = "0.0.0.0:8090"
	defaultDatabase    = "huddle.db"
	defaultLogLevel    = "info"
)

// Session tuning defaults. These mirror the timings the collaboration
// session was designed around; all of them can be overridden per deployment.
const (
	defaultHeartbeatInterval  = 3 * time.Second
	defaultStalenessThreshold = 15 * time.Second
	defaultSweepInterval      = 1 * time.Second
	defaultDocumentDebounce   = 500 * time.Millisecond
	defaultMentionDebounce    = 300 * time.Millisecond
	defaultMentionMinQuery    = 2
	defaultSubscribeTimeout   = 5 * time.Second
	defaultReconnectDelay     = 3 * time.Second
	defaultHistoryLimit       = 100
)

// AppConfig captures runtime configuration for the relay server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenTTL      time.Duration
	Session       SessionTuning
}

// SessionTuning holds the timing knobs shared by every room session.
type SessionTuning struct {
	HeartbeatInterval  time.Duration
	StalenessThreshold time.Duration
	SweepInterval      time.Duration
	DocumentDebounce   time.Duration
	MentionDebounce    time.Duration
	MentionMinQuery    int
	SubscribeTimeout   time.Duration
	ReconnectDelay     time.Duration
	HistoryLimit       int
}

// DefaultSessionTuning returns the stock timing profile.
func DefaultSessionTuning() SessionTuning {
	return SessionTuning{
		HeartbeatInterval:  defaultHeartbeatInterval,
		StalenessThreshold: defaultStalenessThreshold,
		SweepInterval:      defaultSweepInterval,
		DocumentDebounce:   defaultDocumentDebounce,
		MentionDebounce:    defaultMentionDebounce,
		MentionMinQuery:    defaultMentionMinQuery,
		SubscribeTimeout:   defaultSubscribeTimeout,
		ReconnectDelay:     defaultReconnectDelay,
		HistoryLimit:       defaultHistoryLimit,
	}
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabase)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", 720)

	configViper.SetDefault("session.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("session.staleness_threshold", defaultStalenessThreshold)
	configViper.SetDefault("session.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("session.document_debounce", defaultDocumentDebounce)
	configViper.SetDefault("session.mention_debounce", defaultMentionDebounce)
	configViper.SetDefault("session.mention_min_query", defaultMentionMinQuery)
	configViper.SetDefault("session.subscribe_timeout", defaultSubscribeTimeout)
	configViper.SetDefault("session.reconnect_delay", defaultReconnectDelay)
	configViper.SetDefault("session.history_limit", defaultHistoryLimit)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		Session: SessionTuning{
			HeartbeatInterval:  configViper.GetDuration("session.heartbeat_interval"),
			StalenessThreshold: configViper.GetDuration("session.staleness_threshold"),
			SweepInterval:      configViper.GetDuration("session.sweep_interval"),
			DocumentDebounce:   configViper.GetDuration("session.document_debounce"),
			MentionDebounce:    configViper.GetDuration("session.mention_debounce"),
			MentionMinQuery:    configViper.GetInt("session.mention_min_query"),
			SubscribeTimeout:   configViper.GetDuration("session.subscribe_timeout"),
			ReconnectDelay:     configViper.GetDuration("session.reconnect_delay"),
			HistoryLimit:       configViper.GetInt("session.history_limit"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate rejects tuning values that would disable liveness detection or
// turn the debounce loops into busy loops.
func (s SessionTuning) Validate() error {
	if s.HeartbeatInterval <= 0 {
		return fmt.Errorf("session.heartbeat_interval must be positive")
	}
	if s.StalenessThreshold <= s.HeartbeatInterval {
		return fmt.Errorf("session.staleness_threshold must exceed the heartbeat interval")
	}
	if s.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval must be positive")
	}
	if s.DocumentDebounce <= 0 {
		return fmt.Errorf("session.document_debounce must be positive")
	}
	if s.MentionDebounce <= 0 {
		return fmt.Errorf("session.mention_debounce must be positive")
	}
	if s.MentionMinQuery < 1 {
		return fmt.Errorf("session.mention_min_query must be at least 1")
	}
	if s.SubscribeTimeout <= 0 {
		return fmt.Errorf("session.subscribe_timeout must be positive")
	}
	if s.ReconnectDelay <= 0 {
		return fmt.Errorf("session.reconnect_delay must be positive")
	}
	if s.HistoryLimit < 1 {
		return fmt.Errorf("session.history_limit must be at least 1")
	}
	return nil
}
