// Package config loads the settlement pipeline configuration from defaults,
// an optional config file, a .env file and SETTLEMENT_ environment
// variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"wallet-settlement/pkg/api"
	balanceredis "wallet-settlement/pkg/balance/redis"
	"wallet-settlement/pkg/intake"
	"wallet-settlement/pkg/ledger/postgres"
	"wallet-settlement/pkg/logging"
	"wallet-settlement/pkg/provider"
	"wallet-settlement/pkg/provider/banktransfer"
	"wallet-settlement/pkg/provider/exchange"
	"wallet-settlement/pkg/provider/mobilemoney"
	"wallet-settlement/pkg/provider/simulated"
	queuememory "wallet-settlement/pkg/queue/memory"
	"wallet-settlement/pkg/queue/rabbitmq"
	queueredis "wallet-settlement/pkg/queue/redis"
	"wallet-settlement/pkg/reconciler"
	"wallet-settlement/pkg/redisconn"
	"wallet-settlement/pkg/resilience"
	"wallet-settlement/pkg/worker"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g.
// SETTLEMENT_WORKER_CONCURRENCY sets worker.concurrency.
const EnvPrefix = "SETTLEMENT"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendRabbitMQ = "rabbitmq"
)

// Config is the complete process configuration.
type Config struct {
	Log        logging.Config    `mapstructure:"log"`
	Redis      redisconn.Config  `mapstructure:"redis"`
	Postgres   postgres.Config   `mapstructure:"postgres"`
	RabbitMQ   rabbitmq.Config   `mapstructure:"rabbitmq"`
	Ledger     LedgerConfig      `mapstructure:"ledger"`
	Balance    BalanceConfig     `mapstructure:"balance"`
	Queue      QueueConfig       `mapstructure:"queue"`
	Worker     worker.Config     `mapstructure:"worker"`
	Reconciler reconciler.Config `mapstructure:"reconciler"`
	Resilience resilience.Config `mapstructure:"resilience"`
	Intake     intake.Config     `mapstructure:"intake"`
	API        api.ServerConfig  `mapstructure:"api"`
	Sweep      SweepConfig       `mapstructure:"sweep"`
	Providers  ProvidersConfig   `mapstructure:"providers"`

	// MetricsNamespace prefixes every pipeline metric (default: "settlement")
	MetricsNamespace string `mapstructure:"metrics_namespace"`
}

// LedgerConfig selects the transaction ledger.
type LedgerConfig struct {
	// Backend is postgres or memory (default: postgres)
	Backend string `mapstructure:"backend"`
}

// BalanceConfig selects the balance store.
type BalanceConfig struct {
	// Backend is redis or memory (default: redis)
	Backend             string `mapstructure:"backend"`
	balanceredis.Config `mapstructure:",squash"`
}

// QueueConfig selects the work queue.
type QueueConfig struct {
	// Backend is redis, rabbitmq or memory (default: redis)
	Backend string             `mapstructure:"backend"`
	Redis   queueredis.Config  `mapstructure:"redis"`
	Memory  queuememory.Config `mapstructure:"memory"`
}

// visibility returns the selected queue's redelivery timeout, or 0 for a
// broker that redelivers only when the consumer goes away.
func (q QueueConfig) visibility() time.Duration {
	switch q.Backend {
	case BackendRedis:
		return q.Redis.Visibility
	case BackendMemory:
		return q.Memory.Visibility
	}
	return 0
}

// SweepConfig drives the periodic re-enqueue of pending transactions whose
// work item was lost between commit and enqueue.
type SweepConfig struct {
	// Interval between sweeps. 0 disables the sweep (default: 1m)
	Interval time.Duration `mapstructure:"interval"`
	// OlderThan skips rows younger than this, which are most likely still
	// queued (default: 5m)
	OlderThan time.Duration `mapstructure:"older_than"`
}

// ProvidersConfig enables and configures the provider gateways.
type ProvidersConfig struct {
	Telebirr  TelebirrProvider  `mapstructure:"telebirr"`
	MPesa     MPesaProvider     `mapstructure:"mpesa"`
	Chapa     ChapaProvider     `mapstructure:"chapa"`
	OKX       OKXProvider       `mapstructure:"okx"`
	Simulated SimulatedProvider `mapstructure:"simulated"`
}

type TelebirrProvider struct {
	Enabled                    bool `mapstructure:"enabled"`
	mobilemoney.TelebirrConfig `mapstructure:",squash"`
}

type MPesaProvider struct {
	Enabled                 bool `mapstructure:"enabled"`
	mobilemoney.MPesaConfig `mapstructure:",squash"`
}

type ChapaProvider struct {
	Enabled             bool `mapstructure:"enabled"`
	banktransfer.Config `mapstructure:",squash"`
}

type OKXProvider struct {
	Enabled         bool `mapstructure:"enabled"`
	exchange.Config `mapstructure:",squash"`
}

type SimulatedProvider struct {
	Enabled          bool `mapstructure:"enabled"`
	simulated.Config `mapstructure:",squash"`
}

// Default returns the configuration used when nothing overrides it. Only
// the simulated provider is enabled.
func Default() *Config {
	return &Config{
		Log:      logging.DefaultConfig(),
		Redis:    redisconn.DefaultConfig(),
		Postgres: postgres.DefaultConfig(),
		RabbitMQ: rabbitmq.DefaultConfig(),
		Ledger:   LedgerConfig{Backend: BackendPostgres},
		Balance:  BalanceConfig{Backend: BackendRedis, Config: balanceredis.DefaultConfig()},
		Queue: QueueConfig{
			Backend: BackendRedis,
			Redis:   queueredis.DefaultConfig(),
			Memory:  queuememory.Config{Name: "memory", QueueSize: 1000, Visibility: 2 * time.Minute},
		},
		Worker:     worker.DefaultConfig(),
		Reconciler: reconciler.DefaultConfig(),
		Resilience: resilience.DefaultConfig(),
		Intake:     intake.DefaultConfig(),
		API:        api.DefaultServerConfig(),
		Sweep: SweepConfig{
			Interval:  time.Minute,
			OlderThan: 5 * time.Minute,
		},
		Providers: ProvidersConfig{
			Telebirr:  TelebirrProvider{TelebirrConfig: mobilemoney.DefaultTelebirrConfig()},
			MPesa:     MPesaProvider{MPesaConfig: mobilemoney.DefaultMPesaConfig()},
			Chapa:     ChapaProvider{Config: banktransfer.DefaultConfig()},
			OKX:       OKXProvider{Config: exchange.DefaultConfig()},
			Simulated: SimulatedProvider{Enabled: true, Config: simulated.Config{Name: "simulated"}},
		},
		MetricsNamespace: "settlement",
	}
}

// Load reads the configuration. path names an optional config file (any
// format viper understands); an empty path skips it. A .env file in the
// working directory is loaded into the environment when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	// AutomaticEnv only answers for keys viper already knows about
	bindEnvs(v, reflect.TypeOf(*cfg), "")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnvs registers an environment binding for every leaf key of t.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "-" || !field.IsExported() {
			continue
		}

		name, opts, _ := strings.Cut(tag, ",")
		if field.Type.Kind() == reflect.Struct {
			if opts == "squash" {
				bindEnvs(v, field.Type, prefix)
			} else {
				bindEnvs(v, field.Type, key(prefix, name, field.Name))
			}
			continue
		}

		switch field.Type.Kind() {
		case reflect.Func, reflect.Interface, reflect.Pointer, reflect.Chan:
			continue
		}
		v.BindEnv(key(prefix, name, field.Name))
	}
}

func key(prefix, name, field string) string {
	if name == "" {
		name = strings.ToLower(field)
	}
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Validate checks every section the process may use.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log: %w", err)
	}

	switch c.Ledger.Backend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("config: unknown ledger backend %q", c.Ledger.Backend)
	}
	switch c.Balance.Backend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("config: unknown balance backend %q", c.Balance.Backend)
	}
	switch c.Queue.Backend {
	case BackendRedis, BackendRabbitMQ, BackendMemory:
	default:
		return fmt.Errorf("config: unknown queue backend %q", c.Queue.Backend)
	}
	if c.Queue.Backend == BackendRabbitMQ && c.RabbitMQ.URL == "" {
		return fmt.Errorf("config: rabbitmq url is required")
	}

	validators := []interface{ Validate() error }{
		c.Worker,
		c.Reconciler,
		c.Resilience,
		c.Intake,
	}
	for _, v := range validators {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}

	// A delivery still being worked on must not be handed out again
	if vis, longest := c.Queue.visibility(), c.Reconciler.LongestDelivery(); vis > 0 && vis < longest {
		return fmt.Errorf("config: queue visibility %s is shorter than the longest delivery %s", vis, longest)
	}

	if c.Sweep.Interval < 0 || c.Sweep.OlderThan < 0 {
		return fmt.Errorf("config: sweep durations must not be negative")
	}
	// Rows waiting on the provider are touched every pending delay
	if c.Sweep.Interval > 0 && c.Sweep.OlderThan <= c.Reconciler.PendingDelay {
		return fmt.Errorf("config: sweep older_than %s must exceed the reconciler pending delay %s",
			c.Sweep.OlderThan, c.Reconciler.PendingDelay)
	}
	return c.Providers.Validate()
}

// Validate checks the enabled providers. At least one must be enabled.
func (p ProvidersConfig) Validate() error {
	enabled := 0
	for _, e := range p.entries() {
		if !e.enabled {
			continue
		}
		enabled++
		if e.validate == nil {
			continue
		}
		if err := e.validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("config: no provider enabled")
	}
	return nil
}

// Gateways builds a gateway for every enabled provider.
func (p ProvidersConfig) Gateways() []provider.Gateway {
	var gateways []provider.Gateway
	for _, e := range p.entries() {
		if e.enabled {
			gateways = append(gateways, e.build())
		}
	}
	return gateways
}

type providerEntry struct {
	enabled  bool
	validate func() error
	build    func() provider.Gateway
}

func (p ProvidersConfig) entries() []providerEntry {
	return []providerEntry{
		{p.Telebirr.Enabled, p.Telebirr.TelebirrConfig.Validate, func() provider.Gateway {
			return mobilemoney.NewTelebirr(p.Telebirr.TelebirrConfig)
		}},
		{p.MPesa.Enabled, p.MPesa.MPesaConfig.Validate, func() provider.Gateway {
			return mobilemoney.NewMPesa(p.MPesa.MPesaConfig)
		}},
		{p.Chapa.Enabled, p.Chapa.Config.Validate, func() provider.Gateway {
			return banktransfer.New(p.Chapa.Config)
		}},
		{p.OKX.Enabled, p.OKX.Config.Validate, func() provider.Gateway {
			return exchange.New(p.OKX.Config)
		}},
		{p.Simulated.Enabled, nil, func() provider.Gateway {
			return simulated.New(p.Simulated.Config)
		}},
	}
}
