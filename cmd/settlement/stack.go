package main

import (
	"errors"
	"fmt"

	"wallet-settlement/pkg/balance"
	balancememory "wallet-settlement/pkg/balance/memory"
	balanceredis "wallet-settlement/pkg/balance/redis"
	"wallet-settlement/pkg/config"
	"wallet-settlement/pkg/intake"
	"wallet-settlement/pkg/ledger"
	ledgermemory "wallet-settlement/pkg/ledger/memory"
	"wallet-settlement/pkg/ledger/postgres"
	prommetrics "wallet-settlement/pkg/metrics/prometheus"
	"wallet-settlement/pkg/provider"
	"wallet-settlement/pkg/provider/refstore"
	"wallet-settlement/pkg/queue"
	queuememory "wallet-settlement/pkg/queue/memory"
	"wallet-settlement/pkg/queue/rabbitmq"
	queueredis "wallet-settlement/pkg/queue/redis"
	"wallet-settlement/pkg/redisconn"
	"wallet-settlement/pkg/resilience"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// stack holds the shared handles a command works with. Every handle is
// created once per process and passed down explicitly.
type stack struct {
	ledger    ledger.Ledger
	balances  balance.Store
	queue     queue.Queue
	providers *provider.Registry
	metrics   *prommetrics.Collector
	registry  *prometheus.Registry

	redis   rueidis.Client
	closers []func() error
}

// open connects the ledger, balance store and provider gateways. The work
// queue is only opened when withQueue is set.
func (a *app) open(withQueue bool) (*stack, error) {
	cfg := a.config
	s := &stack{
		metrics:  prommetrics.NewCollector(cfg.MetricsNamespace),
		registry: prometheus.NewRegistry(),
	}

	if err := s.metrics.Register(s.registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	err := s.openLedger(cfg, a)
	if err == nil {
		err = s.openBalances(cfg)
	}
	if err == nil && withQueue {
		err = s.openQueue(cfg, a)
	}
	var providers config.ProvidersConfig
	if err == nil {
		providers, err = s.providerConfig(cfg)
	}
	if err != nil {
		s.Close()
		return nil, err
	}

	s.providers = provider.NewRegistry(providers.Gateways()...)
	s.providers.Wrap(resilience.Wrap(cfg.Resilience.WithMetrics(s.metrics).WithLogger(a.logger)))
	a.logger.Info("stack ready",
		zap.String("ledger", s.ledger.Name()),
		zap.String("balance", s.balances.Name()),
		zap.Strings("providers", s.providers.Names()),
	)
	return s, nil
}

func (s *stack) openLedger(cfg *config.Config, a *app) error {
	switch cfg.Ledger.Backend {
	case config.BackendMemory:
		s.ledger = ledgermemory.New(ledgermemory.DefaultConfig())
	default:
		pgCfg := cfg.Postgres
		pgCfg.Logger = a.logger
		l, err := postgres.Open(pgCfg)
		if err != nil {
			return err
		}
		s.ledger = l
	}
	s.closers = append(s.closers, s.ledger.Close)
	return nil
}

func (s *stack) openBalances(cfg *config.Config) error {
	switch cfg.Balance.Backend {
	case config.BackendMemory:
		s.balances = balancememory.New("memory")
	default:
		client, err := s.redisClient(cfg)
		if err != nil {
			return err
		}
		s.balances = balanceredis.New(client, cfg.Balance.Config)
	}
	s.closers = append(s.closers, s.balances.Close)
	return nil
}

func (s *stack) openQueue(cfg *config.Config, a *app) error {
	switch cfg.Queue.Backend {
	case config.BackendMemory:
		qCfg := cfg.Queue.Memory
		qCfg.Metrics = s.metrics
		s.queue = queuememory.New(qCfg)
	case config.BackendRabbitMQ:
		qCfg := cfg.RabbitMQ
		qCfg.Metrics = s.metrics
		qCfg.Logger = a.logger
		q, err := rabbitmq.Dial(qCfg)
		if err != nil {
			return err
		}
		s.queue = q
	default:
		client, err := s.redisClient(cfg)
		if err != nil {
			return err
		}
		qCfg := cfg.Queue.Redis
		qCfg.Metrics = s.metrics
		qCfg.Logger = a.logger
		s.queue = queueredis.New(client, qCfg)
	}
	s.closers = append(s.closers, s.queue.Close)
	return nil
}

// providerConfig points gateways that must remember their submissions
// across restarts at Redis.
func (s *stack) providerConfig(cfg *config.Config) (config.ProvidersConfig, error) {
	providers := cfg.Providers
	if providers.MPesa.Enabled {
		client, err := s.redisClient(cfg)
		if err != nil {
			return providers, err
		}
		providers.MPesa.Submissions = refstore.NewRedis(client, providers.MPesa.Name, refstore.DefaultRedisConfig())
	}
	return providers, nil
}

// redisClient returns the one client shared by the balance store, the
// queue and the provider submission store.
func (s *stack) redisClient(cfg *config.Config) (rueidis.Client, error) {
	if s.redis != nil {
		return s.redis, nil
	}
	client, err := redisconn.New(cfg.Redis)
	if err != nil {
		return nil, err
	}
	s.redis = client
	return client, nil
}

// intake builds the submission service over the stack.
func (s *stack) intake(a *app) (*intake.Service, error) {
	if s.queue == nil {
		return nil, errors.New("intake needs the work queue")
	}
	cfg := a.config.Intake
	cfg.Metrics = s.metrics
	cfg.Logger = a.logger
	return intake.New(s.ledger, s.balances, s.queue, s.providers, cfg)
}

// Close releases every handle in reverse order of opening.
func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if s.redis != nil {
		s.redis.Close()
	}
	return errors.Join(errs...)
}
