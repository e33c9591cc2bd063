package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opentalon/conductor/internal/agent"
	"github.com/opentalon/conductor/internal/config"
	"github.com/opentalon/conductor/internal/dispatch"
	"github.com/opentalon/conductor/internal/notify"
	"github.com/opentalon/conductor/internal/registry"
	"github.com/opentalon/conductor/internal/router"
	"github.com/opentalon/conductor/internal/state/redisstore"
	"github.com/opentalon/conductor/internal/state/store"
	"github.com/opentalon/conductor/internal/transport"
	"github.com/opentalon/conductor/internal/workflow"
)

const connectTimeout = 10 * time.Second

// connectAgents opens every configured agent and registers it. An agent
// that cannot be reached or described is logged and left out; the rest
// still start.
func connectAgents(ctx context.Context, reg *registry.Registry, agents []config.AgentConfig) []io.Closer {
	var closers []io.Closer
	for _, a := range agents {
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		remote, err := transport.Open(cctx, a.Endpoint)
		if err != nil {
			cancel()
			log.Printf("conductor: agent %s: %v", a.ID, err)
			continue
		}
		desc, err := transport.SelfDescribe(cctx, remote, agent.Descriptor{
			ID:           a.ID,
			Capabilities: a.Capabilities,
			Priority:     a.Priority,
			Endpoint:     a.Endpoint,
		})
		cancel()
		if err == nil && len(desc.Capabilities) == 0 {
			err = errors.New("no capabilities configured or described")
		}
		if err == nil {
			err = reg.Register(desc, remote)
		}
		if err != nil {
			log.Printf("conductor: agent %s: %v", a.ID, err)
			_ = remote.Close()
			continue
		}
		closers = append(closers, remote)
		log.Printf("conductor: registered agent %s at %s (%v)", desc.ID, desc.Endpoint, desc.Capabilities)
	}
	return closers
}

func knownCapabilities(reg *registry.Registry) map[string]bool {
	known := make(map[string]bool)
	for _, c := range reg.Capabilities() {
		known[c] = true
	}
	return known
}

// loadCatalog adds every valid pattern found in dir. Patterns that fail
// to parse or validate are returned as errors and never added.
func loadCatalog(dir string, known map[string]bool) (*workflow.Catalog, []error) {
	catalog := workflow.NewCatalog()
	if dir == "" {
		return catalog, nil
	}
	patterns, err := workflow.LoadDir(dir)
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, p := range patterns {
		if err := catalog.Add(p, known); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Printf("conductor: loaded pattern %s v%d", p.Name, p.Version)
	}
	return catalog, errs
}

func routerConfig(r config.RoutingConfig, catalog router.PatternTriggers) router.Config {
	patterns := make([]router.PatternRule, 0, len(r.Patterns))
	for _, p := range r.Patterns {
		patterns = append(patterns, router.PatternRule{Match: p.Match, Capability: p.Capability})
	}
	return router.Config{
		Rules: router.Rules{
			Direct:       r.Direct,
			Entity:       r.Entity,
			Capabilities: r.Capabilities,
			Patterns:     patterns,
		},
		Catalog:          catalog,
		Threshold:        r.Threshold,
		DiscoveryTimeout: r.DiscoveryTimeout,
	}
}

func classifier(r config.RoutingConfig, reg *registry.Registry) (router.Classifier, error) {
	switch r.Classifier {
	case "none":
		return nil, nil
	case "anthropic":
		return router.NewAnthropicClassifier(reg, router.AnthropicConfig{
			APIKey:  r.Anthropic.APIKey,
			Model:   r.Anthropic.Model,
			BaseURL: r.Anthropic.BaseURL,
		})
	}
	return router.NewKeywordClassifier(reg), nil
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	limits := make(map[string]int)
	for _, a := range cfg.Agents {
		if a.MaxConcurrent > 0 {
			limits[a.ID] = a.MaxConcurrent
		}
	}
	return dispatch.Config{
		Timeout:       cfg.Dispatch.Timeout,
		MaxConcurrent: cfg.Dispatch.MaxConcurrent,
		Limits:        limits,
	}
}

func workflowConfig(w config.WorkflowsConfig) workflow.Config {
	return workflow.Config{
		StepTimeout: w.StepTimeout,
		Backoff: workflow.Backoff{
			Initial:    w.Backoff.Initial,
			Max:        w.Backoff.Max,
			Multiplier: w.Backoff.Multiplier,
		},
	}
}

func redisClient(r config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB})
}

// instanceStore is the workflow store plus whatever must be closed with it.
// Prune is nil when the backend expires finished instances on its own.
type instanceStore struct {
	workflow.Store
	Prune func(ctx context.Context, cutoff time.Time) (int64, error)
	close func() error
}

func (s *instanceStore) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (*instanceStore, error) {
	switch cfg.Driver {
	case config.DriverRedis:
		client := redisClient(cfg.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis store %s: %w", cfg.Redis.Addr, err)
		}
		return &instanceStore{
			Store: redisstore.New(client, cfg.Prefix, cfg.Retention),
			close: client.Close,
		}, nil
	case config.DriverPostgres:
		db, err := store.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		s := store.NewInstanceStore(db)
		return &instanceStore{Store: s, Prune: s.PruneFinished, close: db.Close}, nil
	default:
		db, err := store.Open(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		s := store.NewInstanceStore(db)
		return &instanceStore{Store: s, Prune: s.PruneFinished, close: db.Close}, nil
	}
}

// notifySink always logs notifications and also publishes them on Redis
// when configured.
func notifySink(cfg config.NotifyConfig) (notify.Sink, func() error) {
	sinks := notify.Multi{notify.LogSink{}}
	if cfg.Redis == nil {
		return sinks, func() error { return nil }
	}
	client := redisClient(*cfg.Redis)
	sinks = append(sinks, notify.NewRedisSink(client, cfg.ChannelPrefix))
	return sinks, client.Close
}
