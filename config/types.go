package config

import (
	"errors"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type AppConfig struct {
	DBDriver   string          `yaml:"db_driver" env:"PARKWATCH_DB_DRIVER" env-default:"sqlite"`
	DBURL      string          `yaml:"db_url" env:"PARKWATCH_DB_URL" env-default:"file:data/parkwatch.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"`
	ListenAddr string          `yaml:"listen_addr" env:"PARKWATCH_LISTEN_ADDR" env-default:"0.0.0.0:8080"`
	AppEnv     string          `yaml:"app_env" env:"PARKWATCH_APP_ENV"`
	TLSEnabled bool            `yaml:"tls_enabled" env:"PARKWATCH_TLS_ENABLED" env-default:"false"`
	TLSCert    string          `yaml:"tls_cert" env:"PARKWATCH_TLS_CERT"`
	TLSKey     string          `yaml:"tls_key" env:"PARKWATCH_TLS_KEY"`
	Auth       AuthConfig      `yaml:"auth"`
	Security   SecurityConfig  `yaml:"security"`
	Incidents  IncidentsConfig `yaml:"incidents"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
	Cache      CacheConfig     `yaml:"cache"`
}

type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret" env:"PARKWATCH_JWT_SECRET"`
	JWTIssuer     string        `yaml:"jwt_issuer" env:"PARKWATCH_JWT_ISSUER" env-default:"parkwatch"`
	TokenTTL      time.Duration `yaml:"token_ttl" env:"PARKWATCH_TOKEN_TTL" env-default:"8h"`
	BcryptCost    int           `yaml:"bcrypt_cost" env:"PARKWATCH_BCRYPT_COST" env-default:"10"`
	AdminUsername string        `yaml:"admin_username" env:"PARKWATCH_ADMIN_USERNAME" env-default:"admin"`
	AdminPassword string        `yaml:"admin_password" env:"PARKWATCH_ADMIN_PASSWORD"`
}

type SecurityConfig struct {
	TrustedProxies         []string `yaml:"trusted_proxies" env:"PARKWATCH_SECURITY_TRUSTED_PROXIES" env-separator:","`
	MaxBodyBytes           int64    `yaml:"max_body_bytes" env:"PARKWATCH_SECURITY_MAX_BODY_BYTES" env-default:"1048576"`
	LoginAttemptsPerMinute int      `yaml:"login_attempts_per_minute" env:"PARKWATCH_SECURITY_LOGIN_ATTEMPTS_PER_MINUTE" env-default:"10"`
}

type IncidentsConfig struct {
	StaleScanCron string        `yaml:"stale_scan_cron" env:"PARKWATCH_INCIDENTS_STALE_SCAN_CRON" env-default:"@every 1h"`
	StaleAfter    time.Duration `yaml:"stale_after" env:"PARKWATCH_INCIDENTS_STALE_AFTER" env-default:"72h"`
	ListLimit     int           `yaml:"list_limit" env:"PARKWATCH_INCIDENTS_LIST_LIMIT" env-default:"500"`
}

type SchedulerConfig struct {
	Enabled bool `yaml:"enabled" env:"PARKWATCH_SCHEDULER_ENABLED" env-default:"true"`
}

type CacheConfig struct {
	Driver    string        `yaml:"driver" env:"PARKWATCH_CACHE_DRIVER" env-default:"memory"`
	RedisAddr string        `yaml:"redis_addr" env:"PARKWATCH_CACHE_REDIS_ADDR" env-default:"localhost:6379"`
	RedisDB   int           `yaml:"redis_db" env:"PARKWATCH_CACHE_REDIS_DB" env-default:"0"`
	Prefix    string        `yaml:"prefix" env:"PARKWATCH_CACHE_PREFIX" env-default:"parkwatch:"`
	TTL       time.Duration `yaml:"ttl" env:"PARKWATCH_CACHE_TTL" env-default:"0s"`
}

func (c *AppConfig) IsDevelopment() bool {
	if c == nil {
		return false
	}
	env := strings.ToLower(strings.TrimSpace(c.AppEnv))
	return env == "dev" || env == "development" || env == "test"
}

// Load reads path when it is set and overlays the environment; without a path
// only the environment and defaults apply.
func Load(path string) (*AppConfig, error) {
	var cfg AppConfig
	var err error
	if strings.TrimSpace(path) != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.DBDriver)) {
	case "sqlite", "postgres":
	default:
		return errors.New("config: db_driver must be sqlite or postgres")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		if !c.IsDevelopment() {
			return errors.New("config: auth.jwt_secret is required")
		}
		c.Auth.JWTSecret = "parkwatch-dev-secret"
	}
	if c.TLSEnabled && (c.TLSCert == "" || c.TLSKey == "") {
		return errors.New("config: tls_cert and tls_key are required when tls is enabled")
	}
	switch strings.ToLower(strings.TrimSpace(c.Cache.Driver)) {
	case "", "memory", "redis":
	default:
		return errors.New("config: cache.driver must be memory or redis")
	}
	return nil
}

func (c *AppConfig) EffectiveTokenTTL() time.Duration {
	if c == nil || c.Auth.TokenTTL <= 0 {
		return 8 * time.Hour
	}
	return c.Auth.TokenTTL
}
