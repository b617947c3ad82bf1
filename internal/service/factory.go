package service

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/nevenhsu/llmbook-sub003/core/config"
	"github.com/nevenhsu/llmbook-sub003/internal/agent"
	"github.com/nevenhsu/llmbook-sub003/internal/dispatcher"
	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/persona"
	"github.com/nevenhsu/llmbook-sub003/internal/policy"
	"github.com/nevenhsu/llmbook-sub003/internal/provider"
	"github.com/nevenhsu/llmbook-sub003/internal/queue"
	"github.com/nevenhsu/llmbook-sub003/internal/review"
	"github.com/nevenhsu/llmbook-sub003/internal/store"
	"github.com/nevenhsu/llmbook-sub003/internal/workerstatus"
)

// Deps are the infrastructure pieces the services are built on.
type Deps struct {
	Stores  store.Provider
	Tx      store.TxRunner
	Sink    events.Sink
	Clients provider.ClientFactory
	Workers workerstatus.Registry
}

// Services builds every governance component once and hands out the shared instances.
type Services struct {
	cfg  config.Config
	deps Deps

	queue      *queue.Queue
	reviews    *review.Queue
	policies   *policy.Service
	cache      *policy.CachedProvider
	invoker    *provider.Invoker
	dispatcher *dispatcher.Dispatcher
	contexts   *persona.ContextLoader
}

func NewServices(cfg config.Config, deps Deps) *Services {
	if deps.Clients == nil {
		deps.Clients = provider.NewFactory(cfg.Providers)
	}
	if deps.Workers == nil {
		deps.Workers = workerstatus.NewMemoryRegistry(0)
	}
	deps.Sink = events.Safe(deps.Sink)
	sink := deps.Sink

	cache := policy.NewCachedProvider(deps.Stores.PolicyReleases(), sink, cfg.Policy.CacheTTL).
		WithDefault(defaultDocument(cfg.Safety))
	policies := policy.NewService(deps.Stores, deps.Tx, sink)
	policies.OnChange(cache.Invalidate)

	routes := policy.NewRouteTable(cache)
	invoker := provider.NewInvoker(routes.Registry, deps.Clients, sink, provider.Config{
		AttemptTimeout: cfg.Providers.AttemptTimeout,
		MaxRetries:     cfg.Providers.MaxRetries,
	})

	q := queue.New(deps.Stores, deps.Tx, sink, queue.Config{
		LeaseDuration: cfg.Queue.LeaseDuration,
		MaxRetries:    cfg.Queue.MaxRetries,
	})

	return &Services{
		cfg:        cfg,
		deps:       deps,
		queue:      q,
		reviews:    review.New(deps.Stores, deps.Tx, sink, review.Config{ExpiryWindow: cfg.Review.ExpiryWindow}),
		policies:   policies,
		cache:      cache,
		invoker:    invoker,
		dispatcher: dispatcher.New(deps.Stores, cache, q, sink),
		contexts:   persona.NewContextLoader(deps.Stores, sink),
	}
}

// NewEventSink fans events out to the log, the Redis stream when a client is given,
// and the event log table when persistence is enabled.
func NewEventSink(cfg config.EventsConfig, client *redis.Client, stores store.Provider) events.Sink {
	sinks := []events.Sink{events.LogSink{Level: slog.LevelDebug}}
	if client != nil && cfg.RedisStream != "" {
		sinks = append(sinks, events.NewRedisStreamSink(client, cfg.RedisStream, cfg.MaxLen))
	}
	if cfg.PersistToDB && stores != nil {
		sinks = append(sinks, events.NewStoreSink(stores.EventLogs()))
	}
	return events.Multi(sinks...)
}

func defaultDocument(s config.SafetyConfig) model.PolicyDocument {
	doc := policy.DefaultDocument()
	safety := &doc.GlobalPolicyDraft.Safety
	if s.MaxLength > 0 {
		safety.MaxLength = s.MaxLength
	}
	if s.MaxCharRun > 0 {
		safety.MaxCharRun = s.MaxCharRun
	}
	if s.MaxNgramRepeats > 0 {
		safety.MaxNgramRepeats = s.MaxNgramRepeats
	}
	if s.SimilarityThreshold > 0 {
		safety.SimilarityThreshold = s.SimilarityThreshold
	}
	return doc
}

func (s *Services) Reviews() ReviewService { return s.reviews }

func (s *Services) ReviewQueue() *review.Queue { return s.reviews }

func (s *Services) Policies() PolicyService {
	return &policyService{Service: s.policies, cache: s.cache}
}

func (s *Services) Tasks() QueueService { return s.queue }

func (s *Services) Workers() WorkerService { return s.deps.Workers }

func (s *Services) Providers() ProviderService { return s.invoker }

func (s *Services) Dispatcher() *dispatcher.Dispatcher { return s.dispatcher }

func (s *Services) Invoker() *provider.Invoker { return s.invoker }

func (s *Services) PolicyCache() *policy.CachedProvider { return s.cache }

func (s *Services) ContextLoader() *persona.ContextLoader { return s.contexts }

func (s *Services) WorkerRegistry() workerstatus.Registry { return s.deps.Workers }

func (s *Services) Reaper() *queue.Reaper {
	return queue.NewReaper(s.queue, s.cfg.Queue.ReaperInterval)
}

func (s *Services) Sweeper() *review.Sweeper {
	return review.NewSweeper(s.reviews, s.cfg.Review.SweepInterval)
}

// Agents builds n execution workers named <prefix>-<i>.
func (s *Services) Agents(prefix string, n int) []*agent.Agent {
	if n <= 0 {
		n = 1
	}
	out := make([]*agent.Agent, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, agent.New(s.queue, s.deps.Stores, s.cache, s.invoker, s.contexts, s.reviews, s.deps.Sink, agent.Config{
			WorkerID:          fmt.Sprintf("%s-%d", prefix, i),
			PollInterval:      s.cfg.Queue.PollInterval,
			HeartbeatInterval: s.cfg.Queue.HeartbeatInterval,
		}))
	}
	return out
}

// WorkerReporter publishes the agents' status every third of the registry TTL.
func (s *Services) WorkerReporter(agents []*agent.Agent) *workerstatus.Reporter {
	workers := make([]workerstatus.Snapshotter, len(agents))
	for i, a := range agents {
		workers[i] = a
	}
	return workerstatus.NewReporter(s.deps.Workers, workerstatus.DefaultTTL/3, workers...)
}

type policyService struct {
	*policy.Service
	cache *policy.CachedProvider
}

func (p *policyService) Status() policy.Status { return p.cache.Status() }
