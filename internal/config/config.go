package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/demandsync/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store           StoreConfig       `yaml:"store" mapstructure:"store"`
	EPIAS           EPIASConfig       `yaml:"epias" mapstructure:"epias"`
	Ingest          IngestConfig      `yaml:"ingest" mapstructure:"ingest"`
	Notify          NotifyConfig      `yaml:"notify" mapstructure:"notify"`
	Schedule        ScheduleConfig    `yaml:"schedule" mapstructure:"schedule"`
	Server          ServerConfig      `yaml:"server" mapstructure:"server"`
	Log             LogConfig         `yaml:"log" mapstructure:"log"`
	Credentials     Credentials       `yaml:"credentials" mapstructure:"credentials"`
	CredentialsFile string            `yaml:"credentials_file" mapstructure:"credentials_file"`
	Principals      []model.Principal `yaml:"principals" mapstructure:"principals"`
}

// Credentials is the two-account form: username1 becomes principal K1 and
// username2 becomes K2, sharing one password.
type Credentials struct {
	Username1 string `yaml:"username1" mapstructure:"username1"`
	Username2 string `yaml:"username2" mapstructure:"username2"`
	Password  string `yaml:"password" mapstructure:"password"`
}

func (c Credentials) principals() []model.Principal {
	var out []model.Principal
	if c.Username1 != "" {
		out = append(out, model.Principal{Name: "K1", Username: c.Username1, Password: c.Password})
	}
	if c.Username2 != "" {
		out = append(out, model.Principal{Name: "K2", Username: c.Username2, Password: c.Password})
	}
	return out
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver       string     `yaml:"driver" mapstructure:"driver"`
	DatabaseURL  string     `yaml:"database_url" mapstructure:"database_url"`
	StrictInsert bool       `yaml:"strict_insert" mapstructure:"strict_insert"`
	Pool         PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolConfig tunes the Postgres connection pool.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// EPIASConfig configures the remote source client.
type EPIASConfig struct {
	CASURL         string  `yaml:"cas_url" mapstructure:"cas_url"`
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// Timeout returns the per-request timeout.
func (c EPIASConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// IngestConfig configures batch processing.
type IngestConfig struct {
	PageSize        int         `yaml:"page_size" mapstructure:"page_size"`
	ErrorBudget     int         `yaml:"error_budget" mapstructure:"error_budget"`
	NotifyOnFailure bool        `yaml:"notify_on_failure" mapstructure:"notify_on_failure"`
	Retry           RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig configures retries of transient source calls.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// NotifyConfig configures operator alerts.
type NotifyConfig struct {
	Recipient  string     `yaml:"recipient" mapstructure:"recipient"`
	SMTP       SMTPConfig `yaml:"smtp" mapstructure:"smtp"`
	WebhookURL string     `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// SMTPConfig holds mail relay settings.
type SMTPConfig struct {
	Host        string `yaml:"host" mapstructure:"host"`
	Port        int    `yaml:"port" mapstructure:"port"`
	Username    string `yaml:"username" mapstructure:"username"`
	Password    string `yaml:"password" mapstructure:"password"`
	From        string `yaml:"from" mapstructure:"from"`
	FromName    string `yaml:"from_name" mapstructure:"from_name"`
	ImplicitTLS bool   `yaml:"implicit_tls" mapstructure:"implicit_tls"`
}

// ScheduleConfig configures the daemon trigger.
type ScheduleConfig struct {
	Cron       string `yaml:"cron" mapstructure:"cron"`
	RunOnStart bool   `yaml:"run_on_start" mapstructure:"run_on_start"`
	Timezone   string `yaml:"timezone" mapstructure:"timezone"`
}

// Location resolves Timezone. Empty means the source's fixed +03:00 zone.
func (c ScheduleConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return model.SourceZone, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, eris.Wrapf(err, "config: load timezone %q", c.Timezone)
	}
	return loc, nil
}

// ServerConfig configures the daemon's HTTP listener.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	Dir        string `yaml:"dir" mapstructure:"dir"`
	PerRunFile bool   `yaml:"per_run_file" mapstructure:"per_run_file"`
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DEMANDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Legacy variable names used by existing deployments.
	for key, env := range map[string]string{
		"notify.recipient":      "EMAIL_RECIPIENT",
		"notify.smtp.username":  "EMAIL_USER",
		"notify.smtp.password":  "EMAIL_PASS",
		"credentials.username1": "USERNAME1",
		"credentials.username2": "USERNAME2",
		"credentials.password":  "USERPASSWORD",
	} {
		if err := v.BindEnv(key, "DEMANDSYNC_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "Energydata.db")
	v.SetDefault("store.strict_insert", false)
	v.SetDefault("epias.cas_url", "https://cas.epias.com.tr")
	v.SetDefault("epias.base_url", "https://epys.epias.com.tr")
	v.SetDefault("epias.timeout_secs", 30)
	v.SetDefault("epias.requests_per_sec", 5)
	v.SetDefault("ingest.page_size", 10)
	v.SetDefault("ingest.error_budget", 5)
	v.SetDefault("ingest.notify_on_failure", false)
	v.SetDefault("ingest.retry.max_attempts", 1)
	v.SetDefault("ingest.retry.initial_backoff_ms", 500)
	v.SetDefault("ingest.retry.max_backoff_ms", 30000)
	v.SetDefault("notify.smtp.host", "smtp.gmail.com")
	v.SetDefault("notify.smtp.port", 465)
	v.SetDefault("notify.smtp.from_name", "Energy Data Integration")
	v.SetDefault("notify.smtp.implicit_tls", true)
	v.SetDefault("schedule.cron", "0 0 0 25 * *")
	v.SetDefault("schedule.run_on_start", false)
	v.SetDefault("server.port", 9090)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.dir", "logs")
	v.SetDefault("log.per_run_file", true)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs before it touches the network
// or the database.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	if mode == "run" || mode == "schedule" {
		if c.Ingest.PageSize < 1 {
			errs = append(errs, "ingest.page_size must be positive")
		}
		if c.Ingest.ErrorBudget < 1 {
			errs = append(errs, "ingest.error_budget must be positive")
		}
		if c.EPIAS.BaseURL == "" || c.EPIAS.CASURL == "" {
			errs = append(errs, "epias.base_url and epias.cas_url are required")
		}
	}
	if mode == "schedule" && (c.Server.Port < 1 || c.Server.Port > 65535) {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)
	return nil
}

func buildLogger(cfg LogConfig) (*zap.Logger, error) {
	zapCfg := zapConfig(cfg)

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, eris.Wrap(err, "config: build logger")
	}
	return logger, nil
}

func zapConfig(cfg LogConfig) zap.Config {
	if cfg.Format == "console" {
		return zap.NewDevelopmentConfig()
	}
	return zap.NewProductionConfig()
}
