package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	Account   AccountConfig   `yaml:"account"`
	Pairs     []PairConfig    `yaml:"pairs"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Poll      PollConfig      `yaml:"poll"`
	History   HistoryConfig   `yaml:"history"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type AccountConfig struct {
	SubAccountID int64  `yaml:"sub_account_id"`
	BrokerPrefix string `yaml:"broker_prefix"`
}

// PairConfig binds one tracked trading pair to its exchange instrument name.
type PairConfig struct {
	TradingPair    string `yaml:"trading_pair"`
	ExchangeSymbol string `yaml:"exchange_symbol"`
}

type ReconcileConfig struct {
	AmountEpsilon    string `yaml:"amount_epsilon"`
	CompletedHistory int    `yaml:"completed_history"`
}

type PollConfig struct {
	ShortInterval   time.Duration `yaml:"short_interval"`
	LongInterval    time.Duration `yaml:"long_interval"`
	FundingInterval time.Duration `yaml:"funding_interval"`
}

type HistoryConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SQLitePath string `yaml:"sqlite_path"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.Account.BrokerPrefix == "" {
		cfg.Account.BrokerPrefix = "PCx"
	}
	if cfg.Reconcile.AmountEpsilon == "" {
		cfg.Reconcile.AmountEpsilon = "0.000000001"
	}
	if cfg.Reconcile.CompletedHistory == 0 {
		cfg.Reconcile.CompletedHistory = 500
	}
	if cfg.Poll.ShortInterval == 0 {
		cfg.Poll.ShortInterval = 5 * time.Second
	}
	if cfg.Poll.LongInterval == 0 {
		cfg.Poll.LongInterval = time.Minute
	}
	if cfg.Poll.FundingInterval == 0 {
		cfg.Poll.FundingInterval = 2 * time.Minute
	}
	if cfg.History.SQLitePath == "" {
		cfg.History.SQLitePath = "data/perp-connector.db"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9184"
	}
}

func validate(cfg *Config) error {
	if cfg.REST.BaseURL == "" {
		return errors.New("rest.base_url is required")
	}
	if cfg.WS.URL == "" {
		return errors.New("ws.url is required")
	}
	if len(cfg.Pairs) == 0 {
		return errors.New("at least one trading pair is required")
	}
	for i, pair := range cfg.Pairs {
		if pair.TradingPair == "" || pair.ExchangeSymbol == "" {
			return fmt.Errorf("pairs[%d]: trading_pair and exchange_symbol are required", i)
		}
	}
	if _, err := decimal.NewFromString(cfg.Reconcile.AmountEpsilon); err != nil {
		return fmt.Errorf("reconcile.amount_epsilon: %w", err)
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}

// AmountEpsilon returns the parsed fill tolerance. Call only after Load.
func (c *Config) AmountEpsilon() decimal.Decimal {
	eps, err := decimal.NewFromString(c.Reconcile.AmountEpsilon)
	if err != nil {
		return decimal.New(1, -9)
	}
	return eps
}
