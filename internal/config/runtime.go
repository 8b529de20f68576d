package config

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// RuntimeSettings are the knobs that may change without a restart.
type RuntimeSettings struct {
	LogLevel         string `mapstructure:"logLevel"`
	RateLimitEnabled bool   `mapstructure:"rateLimitEnabled"`
}

// RuntimeHolder keeps the current RuntimeSettings and reloads them when the
// watched file changes.
type RuntimeHolder struct {
	current atomic.Value // holds RuntimeSettings

	mu        sync.Mutex
	listeners []func(RuntimeSettings)
}

func defaultRuntimeSettings(cfg Config) RuntimeSettings {
	return RuntimeSettings{
		LogLevel:         "info",
		RateLimitEnabled: cfg.RateLimit.Enabled,
	}
}

// NewRuntimeHolder loads runtime settings from cfg.RuntimeFile. Without a file
// the defaults derived from cfg are served and never change.
func NewRuntimeHolder(cfg Config) (*RuntimeHolder, error) {
	holder := &RuntimeHolder{}
	holder.current.Store(defaultRuntimeSettings(cfg))

	if cfg.RuntimeFile == "" {
		return holder, nil
	}

	v := viper.New()
	v.SetConfigFile(cfg.RuntimeFile)
	defaults := defaultRuntimeSettings(cfg)
	v.SetDefault("runtime.logLevel", defaults.LogLevel)
	v.SetDefault("runtime.rateLimitEnabled", defaults.RateLimitEnabled)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	settings, err := decodeRuntime(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(settings)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeRuntime(v)
		if err != nil {
			zap.L().Warn("runtime config reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.Set(updated)
		zap.L().Info("runtime config reloaded", zap.String("file", e.Name), zap.String("log_level", updated.LogLevel))
	})

	return holder, nil
}

func decodeRuntime(v *viper.Viper) (RuntimeSettings, error) {
	var settings RuntimeSettings
	if err := v.UnmarshalKey("runtime", &settings); err != nil {
		return RuntimeSettings{}, err
	}
	settings.LogLevel = strings.ToLower(strings.TrimSpace(settings.LogLevel))
	if settings.LogLevel == "" {
		settings.LogLevel = "info"
	}
	return settings, nil
}

func (h *RuntimeHolder) Get() RuntimeSettings {
	return h.current.Load().(RuntimeSettings)
}

// Set replaces the settings and notifies listeners.
func (h *RuntimeHolder) Set(settings RuntimeSettings) {
	h.current.Store(settings)
	h.mu.Lock()
	listeners := append([]func(RuntimeSettings){}, h.listeners...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(settings)
	}
}

// OnChange registers fn for every subsequent reload.
func (h *RuntimeHolder) OnChange(fn func(RuntimeSettings)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}
