package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/smallbiznis/casc/pkg/db"
	"github.com/spf13/viper"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(func(cfg Config) db.Config { return cfg.DB }),
	fx.Provide(NewRuntimeHolder),
)

var (
	ErrMissingDSN       = errors.New("database dsn is not configured")
	ErrMissingMasterKey = errors.New("CASC_MASTER_KEY is not configured")
	ErrMissingJWTSecret = errors.New("AUTH_TOKEN_SECRET is not configured")
	ErrInvalidNodeID    = errors.New("WORKER_NODE_ID must be between 0 and 1023")
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DB          db.Config
	AutoMigrate bool

	// MasterKey encrypts tenant credential blobs. It is the only runtime secret.
	MasterKey string

	AuthTokenSecret string
	AuthTokenTTL    time.Duration

	OTLPEndpoint string

	Redis     RedisConfig
	RateLimit RateLimitConfig
	Worker    WorkerConfig
	Realtime  RealtimeConfig

	WebhookTimeout time.Duration
	CORSOrigins    []string

	// RuntimeFile is an optional YAML file watched for hot-reloadable settings.
	RuntimeFile string

	Bootstrap BootstrapConfig
}

// BootstrapConfig provisions a first tenant and admin on boot when TenantName
// is set. Existing tenants are left untouched.
type BootstrapConfig struct {
	TenantName    string
	TenantSlug    string
	AdminEmail    string
	AdminPassword string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	Enabled      bool
	IngressRate  float64
	IngressBurst int
	APIRate      float64
	APIBurst     int
}

type WorkerConfig struct {
	// NodeID seeds the snowflake generator and must differ per replica.
	NodeID           int64
	Enabled          bool
	DispatchInterval time.Duration
	GCInterval       time.Duration
	BatchSize        int
	Concurrency      int
}

type RealtimeConfig struct {
	BufferSize   int
	ReplaySize   int
	PingInterval time.Duration
	// IdleTTL is how long a stream without sessions keeps its replay history.
	IdleTTL      time.Duration
}

// Load reads .env, environment variables and the optional CASC_CONFIG_FILE.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if file := strings.TrimSpace(v.GetString("casc.config.file")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := Config{
		AppName:     v.GetString("app.service"),
		AppVersion:  v.GetString("app.version"),
		Environment: strings.ToLower(v.GetString("environment")),
		HTTPAddr:    v.GetString("http.addr"),
		DB: db.Config{
			Type:            strings.ToLower(v.GetString("db.type")),
			DSN:             strings.TrimSpace(v.GetString("db.dsn")),
			Host:            v.GetString("db.host"),
			Port:            v.GetString("db.port"),
			Name:            v.GetString("db.name"),
			User:            v.GetString("db.user"),
			Password:        v.GetString("db.password"),
			SSLMode:         v.GetString("db.sslmode"),
			MaxIdleConn:     v.GetInt("db.max.idle.conn"),
			MaxOpenConn:     v.GetInt("db.max.open.conn"),
			ConnMaxLifetime: v.GetDuration("db.conn.max.lifetime"),
			ConnMaxIdleTime: v.GetDuration("db.conn.max.idle.time"),
			TenantGuard:     v.GetBool("db.tenant.guard"),
		},
		AutoMigrate:     v.GetBool("auto.migrate"),
		MasterKey:       strings.TrimSpace(v.GetString("casc.master.key")),
		AuthTokenSecret: strings.TrimSpace(v.GetString("auth.token.secret")),
		AuthTokenTTL:    v.GetDuration("auth.token.ttl"),
		OTLPEndpoint:    v.GetString("otlp.endpoint"),
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		RateLimit: RateLimitConfig{
			Enabled:      v.GetBool("rate.limit.enabled"),
			IngressRate:  v.GetFloat64("rate.limit.ingress.rate"),
			IngressBurst: v.GetInt("rate.limit.ingress.burst"),
			APIRate:      v.GetFloat64("rate.limit.api.rate"),
			APIBurst:     v.GetInt("rate.limit.api.burst"),
		},
		Worker: WorkerConfig{
			NodeID:           v.GetInt64("worker.node.id"),
			Enabled:          v.GetBool("worker.enabled"),
			DispatchInterval: v.GetDuration("worker.dispatch.interval"),
			GCInterval:       v.GetDuration("worker.gc.interval"),
			BatchSize:        v.GetInt("worker.batch.size"),
			Concurrency:      v.GetInt("worker.concurrency"),
		},
		Realtime: RealtimeConfig{
			BufferSize:   v.GetInt("realtime.buffer.size"),
			ReplaySize:   v.GetInt("realtime.replay.size"),
			PingInterval: v.GetDuration("realtime.ping.interval"),
			IdleTTL:      v.GetDuration("realtime.idle.ttl"),
		},
		WebhookTimeout: v.GetDuration("webhook.timeout"),
		CORSOrigins:    splitList(v.GetString("cors.origins")),
		RuntimeFile:    strings.TrimSpace(v.GetString("casc.runtime.file")),
		Bootstrap: BootstrapConfig{
			TenantName:    strings.TrimSpace(v.GetString("bootstrap.tenant.name")),
			TenantSlug:    strings.TrimSpace(v.GetString("bootstrap.tenant.slug")),
			AdminEmail:    strings.TrimSpace(v.GetString("bootstrap.admin.email")),
			AdminPassword: v.GetString("bootstrap.admin.password"),
		},
	}

	cfg = cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.service", "casc")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("environment", "development")
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("db.type", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.name", "casc")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max.idle.conn", 10)
	v.SetDefault("db.max.open.conn", 50)
	v.SetDefault("db.conn.max.lifetime", 30*time.Minute)
	v.SetDefault("db.conn.max.idle.time", 5*time.Minute)
	v.SetDefault("db.tenant.guard", false)
	v.SetDefault("auto.migrate", false)

	v.SetDefault("auth.token.ttl", 12*time.Hour)
	v.SetDefault("otlp.endpoint", "localhost:4317")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rate.limit.enabled", false)
	v.SetDefault("rate.limit.ingress.rate", 50.0)
	v.SetDefault("rate.limit.ingress.burst", 100)
	v.SetDefault("rate.limit.api.rate", 20.0)
	v.SetDefault("rate.limit.api.burst", 40)

	v.SetDefault("worker.node.id", 1)
	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.dispatch.interval", 2*time.Second)
	v.SetDefault("worker.gc.interval", 15*time.Minute)
	v.SetDefault("worker.batch.size", 50)
	v.SetDefault("worker.concurrency", 8)

	v.SetDefault("realtime.buffer.size", 64)
	v.SetDefault("realtime.replay.size", 50)
	v.SetDefault("realtime.ping.interval", 30*time.Second)
	v.SetDefault("realtime.idle.ttl", 10*time.Minute)

	v.SetDefault("webhook.timeout", 10*time.Second)
}

func (c Config) normalize() Config {
	if c.WebhookTimeout <= 0 || c.WebhookTimeout > 10*time.Second {
		c.WebhookTimeout = 10 * time.Second
	}
	// the notification sweep must run at least hourly
	if c.Worker.GCInterval <= 0 || c.Worker.GCInterval > time.Hour {
		c.Worker.GCInterval = time.Hour
	}
	if c.AuthTokenTTL <= 0 {
		c.AuthTokenTTL = 12 * time.Hour
	}
	return c
}

// Validate reports configuration that prevents startup.
func (c Config) Validate() error {
	var errs []error
	if c.DB.DSN == "" && (c.DB.Type == "postgres" || c.DB.Type == "mysql") && c.DB.Host == "" {
		errs = append(errs, ErrMissingDSN)
	}
	if c.MasterKey == "" {
		errs = append(errs, ErrMissingMasterKey)
	}
	if c.AuthTokenSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.Worker.NodeID < 0 || c.Worker.NodeID > maxNodeID {
		errs = append(errs, ErrInvalidNodeID)
	}
	return errors.Join(errs...)
}

// maxNodeID is the largest node id of a 10-bit snowflake node field.
const maxNodeID = 1<<10 - 1

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
