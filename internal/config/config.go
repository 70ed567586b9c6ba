package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	DB      DBConfig      `mapstructure:"db"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Persist PersistConfig `mapstructure:"persist"`
	Orders  OrdersConfig  `mapstructure:"orders"`
}

type AppConfig struct {
	Env          string `mapstructure:"env"`
	BaseCurrency string `mapstructure:"base_currency"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type GatewayConfig struct {
	URL               string        `mapstructure:"url"`
	Account           string        `mapstructure:"account"`
	ClientID          int           `mapstructure:"client_id"`
	ReconnectMinDelay time.Duration `mapstructure:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	AutoStart         bool          `mapstructure:"auto_start"`
}

type PersistConfig struct {
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ImmediateRetries int           `mapstructure:"immediate_retries"`
	SnapshotSpec     string        `mapstructure:"snapshot_spec"`
}

type OrdersConfig struct {
	QueueCapacity   int           `mapstructure:"queue_capacity"`
	RetentionWindow time.Duration `mapstructure:"retention_window"`
	SubmitTimeout   time.Duration `mapstructure:"submit_timeout"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("app.env", "dev")
	v.SetDefault("app.base_currency", "USD")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("gateway.url", "ws://127.0.0.1:7497/events")
	v.SetDefault("gateway.account", "")
	v.SetDefault("gateway.client_id", 1)
	v.SetDefault("gateway.reconnect_min_delay", "3s")
	v.SetDefault("gateway.reconnect_max_delay", "60s")
	v.SetDefault("gateway.keepalive_interval", "15s")
	v.SetDefault("gateway.dial_timeout", "10s")
	v.SetDefault("gateway.auto_start", true)
	v.SetDefault("persist.flush_interval", "30s")
	v.SetDefault("persist.write_timeout", "5s")
	v.SetDefault("persist.immediate_retries", 3)
	v.SetDefault("persist.snapshot_spec", "@every 1h")
	v.SetDefault("orders.queue_capacity", 50)
	v.SetDefault("orders.retention_window", "10m")
	v.SetDefault("orders.submit_timeout", "8s")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
