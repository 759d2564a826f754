// Package service wires the assignment engine into the dependencies the HTTP
// API needs and owns the lifecycle of its background workers.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/okian/rota/internal/adapters/mq/queue"
	"github.com/okian/rota/internal/adapters/mq/worker"
	"github.com/okian/rota/internal/adapters/realtime"
	"github.com/okian/rota/internal/adapters/repository"
	"github.com/okian/rota/internal/adapters/ruleconfig"
	"github.com/okian/rota/internal/config"
	"github.com/okian/rota/internal/domain/assign"
	"github.com/okian/rota/internal/domain/cache"
	"github.com/okian/rota/internal/domain/fault"
	"github.com/okian/rota/internal/domain/model"
	"github.com/okian/rota/internal/domain/roster"
	"github.com/okian/rota/internal/domain/rules"
	"github.com/okian/rota/internal/domain/scoring"
	"github.com/okian/rota/internal/domain/tracker"
	"github.com/okian/rota/pkg/logger"
	"github.com/okian/rota/pkg/metrics"
)

// ErrNotStarted is returned by operations called before Start.
var ErrNotStarted = errors.New("service not started")

// Service implements the API dependencies for the assignment engine.
type Service struct {
	mu sync.RWMutex

	cfg        *config.Config
	store      repository.Store
	subscriber realtime.Subscriber
	logger     logger.Logger

	cache     *cache.Store
	rules     *rules.Store
	directory *roster.Directory
	engine    *scoring.Engine
	assigner  *assign.Assigner
	queue     *queue.InMemoryQueue
	pool      *worker.Pool
	registry  *tracker.Registry
	notifier  *realtime.PGNotifier
	bus       *realtime.Bus
	redis     *redis.Client
	closers   []io.Closer

	// trackers holds the API's own live view per event.
	trackersMu sync.Mutex
	trackers   map[string]*tracker.Tracker

	started bool
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithConfig sets the configuration; defaults apply otherwise.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) {
		if cfg != nil {
			s.cfg = cfg
		}
	}
}

// WithStore replaces the data store chosen from configuration.
func WithStore(store repository.Store) Option {
	return func(s *Service) { s.store = store }
}

// WithSubscriber replaces the change-notification source chosen from configuration.
func WithSubscriber(sub realtime.Subscriber) Option {
	return func(s *Service) { s.subscriber = sub }
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Service. Nothing is connected until Start.
func New(opts ...Option) *Service {
	s := &Service{
		cfg:      config.New(),
		trackers: make(map[string]*tracker.Tracker),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	return s
}

// Start connects the data store and notification source, builds the engine
// and starts the refresh workers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	cfg := s.cfg
	s.logger.Info(ctx, "starting assignment service...")

	if err := s.openStore(ctx); err != nil {
		return err
	}
	s.openSubscriber()
	locker, err := s.openLocker(ctx)
	if err != nil {
		s.closeAll(ctx)
		return err
	}

	s.cache = cache.New(
		cache.WithRosterTTL(cfg.RosterTTL),
		cache.WithScoreTTL(cfg.ScoreTTL),
		cache.WithRuleTTL(cfg.RuleTTL),
	)
	ruleOpts := []rules.Option{
		rules.WithPersistence(s.store),
		rules.WithDefaults(cfg.Rules.Defaults),
		rules.WithTimeout(cfg.FetchTimeout),
	}
	if cfg.RulesEndpoint != "" {
		ruleOpts = append(ruleOpts, rules.WithEndpoint(ruleconfig.New(cfg.RulesEndpoint, ruleconfig.WithTimeout(cfg.FetchTimeout))))
	}
	s.rules = rules.New(s.cache, ruleOpts...)
	s.directory = roster.New(s.store, s.cache, roster.WithTimeout(cfg.FetchTimeout))
	s.engine = scoring.New(s.rules, scoring.WithCache(s.cache))
	s.assigner = assign.New(s.store, s.directory, s.rules, s.engine, s.cache,
		assign.WithLocker(locker),
		assign.WithTimeout(cfg.FetchTimeout),
	)

	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(cfg.QueueSize))
	s.registry = tracker.NewRegistry(s.subscriber, s.queue, tracker.WithDebounce(cfg.Debounce))
	s.pool = worker.NewPool(cfg.WorkerCount, s.queue, s.registry)
	s.pool.Start(ctx)

	s.started = true
	s.logger.Info(ctx, "assignment service started",
		logger.Int("workers", cfg.WorkerCount),
		logger.Int("queueSize", cfg.QueueSize),
		logger.String("lockMode", cfg.LockMode),
		logger.Bool("postgres", cfg.DatabaseDSN != ""),
	)
	return nil
}

func (s *Service) openStore(ctx context.Context) error {
	if s.store != nil {
		return nil
	}
	if s.cfg.DatabaseDSN == "" {
		s.store = repository.NewMemoryStore()
		s.logger.Info(ctx, "using in-memory store")
		return nil
	}
	pg, err := repository.OpenPostgres(ctx, s.cfg.DatabaseDSN)
	if err != nil {
		return fault.Classify("service.Start", err)
	}
	s.store = pg
	s.closers = append(s.closers, pg)
	s.logger.Info(ctx, "using postgres store")
	return nil
}

func (s *Service) openSubscriber() {
	if s.subscriber != nil {
		s.bus, _ = s.subscriber.(*realtime.Bus)
		return
	}
	if dsn := s.cfg.NotifySource(); dsn != "" {
		s.notifier = realtime.NewPGNotifier(dsn, s.logger.Named("pgnotify"))
		s.subscriber = s.notifier
		s.closers = append(s.closers, s.notifier)
		return
	}
	s.bus = realtime.NewBus()
	s.subscriber = s.bus
	s.closers = append(s.closers, s.bus)
}

// echo stands in for the database trigger when running on the in-process bus.
func (s *Service) echo(eventID, incidentID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(realtime.Change{
		Table:   realtime.TableIncidents,
		Type:    realtime.Update,
		EventID: eventID,
		RowID:   incidentID,
	})
}

func (s *Service) openLocker(ctx context.Context) (assign.Locker, error) {
	switch s.cfg.LockMode {
	case config.LockNone:
		return assign.NoopLocker{}, nil
	case config.LockRedis:
		s.redis = redis.NewClient(&redis.Options{Addr: s.cfg.RedisAddr})
		s.closers = append(s.closers, s.redis)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return nil, fault.Wrap(fault.NetworkError, "service.Start", err, "redis unreachable")
		}
		return assign.NewRedisLocker(s.redis, s.cfg.LockTTL), nil
	default:
		return assign.NewMutexLocker(), nil
	}
}

// Run blocks dispatching change notifications until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.mu.RLock()
	notifier := s.notifier
	s.mu.RUnlock()
	if notifier == nil {
		<-ctx.Done()
		return nil
	}
	return notifier.Run(ctx)
}

// Stop releases every tracker, drains the workers and closes connections.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.logger.Info(ctx, "stopping assignment service...")

	s.trackersMu.Lock()
	for id, t := range s.trackers {
		t.Close(ctx)
		delete(s.trackers, id)
	}
	s.trackersMu.Unlock()

	if err := s.pool.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "worker pool shutdown failed", logger.Error(err))
	}
	s.closeAll(ctx)

	s.started = false
	s.logger.Info(ctx, "assignment service stopped")
}

func (s *Service) closeAll(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.logger.Warn(ctx, "close failed", logger.Error(err))
		}
	}
	s.closers = nil
}

func (s *Service) running() (*assign.Assigner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.assigner, nil
}

// Assign runs an automatic assignment.
func (s *Service) Assign(ctx context.Context, req assign.Request) (assign.Result, error) {
	a, err := s.running()
	if err != nil {
		return assign.Result{}, err
	}
	res, err := a.Assign(ctx, req)
	if err == nil && len(res.AssignedStaffIDs) > 0 {
		s.echo(req.EventID, req.IncidentID)
	}
	return res, err
}

// AssignManual assigns operator-chosen staff.
func (s *Service) AssignManual(ctx context.Context, req assign.ManualRequest) (assign.ManualResult, error) {
	a, err := s.running()
	if err != nil {
		return assign.ManualResult{}, err
	}
	res, err := a.AssignManual(ctx, req)
	if err == nil {
		s.echo(req.EventID, req.IncidentID)
	}
	return res, err
}

// AssignBulk runs independent manual assignments.
func (s *Service) AssignBulk(ctx context.Context, reqs []assign.ManualRequest) []assign.BulkResult {
	a, err := s.running()
	if err != nil {
		out := make([]assign.BulkResult, len(reqs))
		for i, r := range reqs {
			out[i] = assign.BulkResult{IncidentID: r.IncidentID, Err: err}
		}
		return out
	}
	out := a.AssignBulk(ctx, reqs)
	for i, r := range out {
		if r.Err == nil {
			s.echo(reqs[i].EventID, r.IncidentID)
		}
	}
	return out
}

// Incident returns incidentID, which must belong to eventID.
func (s *Service) Incident(ctx context.Context, eventID, incidentID string) (model.Incident, error) {
	const op = "service.Incident"
	if _, err := s.running(); err != nil {
		return model.Incident{}, err
	}
	inc, err := s.store.GetIncident(ctx, incidentID)
	if errors.Is(err, fault.ErrNotFound) {
		return model.Incident{}, fault.Wrap(fault.ValidationError, op, err, "incident not found").With("incidentId", incidentID)
	}
	if err != nil {
		return model.Incident{}, fault.Classify(op, err)
	}
	if inc.EventID != eventID {
		return model.Incident{}, fault.Wrap(fault.ValidationError, op, fault.ErrNotFound,
			fmt.Sprintf("incident %s does not belong to event %s", incidentID, eventID))
	}
	return inc, nil
}

// liveView returns the API's live view of eventID, watching it on first use.
func (s *Service) liveView(ctx context.Context, eventID string) (*tracker.Tracker, error) {
	s.mu.RLock()
	started, registry, directory, engine, c := s.started, s.registry, s.directory, s.engine, s.cache
	s.mu.RUnlock()
	if !started {
		return nil, ErrNotStarted
	}

	s.trackersMu.Lock()
	defer s.trackersMu.Unlock()
	if t, ok := s.trackers[eventID]; ok {
		return t, nil
	}
	t := tracker.New(registry, directory,
		tracker.WithRanker(engine),
		tracker.WithCache(c),
		tracker.WithIncrementalThreshold(s.cfg.IncrementalThreshold),
		tracker.WithChangeWindow(s.cfg.RosterTTL),
		tracker.WithPageSize(s.cfg.PageSize),
	)
	if err := t.Watch(ctx, eventID); err != nil {
		t.Close(ctx)
		return nil, err
	}
	s.trackers[eventID] = t
	return t, nil
}

// Roster returns the live roster snapshot of eventID.
func (s *Service) Roster(ctx context.Context, eventID string) (tracker.Snapshot, error) {
	t, err := s.liveView(ctx, eventID)
	if err != nil {
		return tracker.Snapshot{}, err
	}
	return t.Snapshot(), nil
}

// Suggest ranks the live roster of eventID against incidentID.
func (s *Service) Suggest(ctx context.Context, eventID, incidentID string, limit int) ([]tracker.Suggestion, error) {
	inc, err := s.Incident(ctx, eventID, incidentID)
	if err != nil {
		return nil, err
	}
	t, err := s.liveView(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return t.Suggested(ctx, model.IncidentContext{
		Type:     inc.Type,
		Priority: inc.Priority,
		Location: inc.Location,
	}, limit)
}

// Rules returns the effective rule table of eventID; "" selects global scope.
func (s *Service) Rules(ctx context.Context, eventID string) (model.RuleTable, error) {
	if _, err := s.running(); err != nil {
		return nil, err
	}
	return s.rules.Table(ctx, eventID)
}

// UpdateRule writes a rule through to the store.
func (s *Service) UpdateRule(ctx context.Context, rule model.AssignmentRule) error {
	if _, err := s.running(); err != nil {
		return err
	}
	return s.rules.UpdateRule(ctx, rule)
}

// DeleteRule deactivates a persisted rule.
func (s *Service) DeleteRule(ctx context.Context, eventID, incidentType string) error {
	if _, err := s.running(); err != nil {
		return err
	}
	return s.rules.DeleteRule(ctx, eventID, incidentType)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":     s.started,
		"workerCount": s.cfg.WorkerCount,
		"queueSize":   s.cfg.QueueSize,
		"lockMode":    s.cfg.LockMode,
	}
	if !s.started {
		return stats
	}

	queueLen := s.queue.Len(context.Background())
	stats["queueLength"] = queueLen
	stats["watchedEvents"] = s.registry.Watched()
	stats["refreshesScheduled"] = s.registry.Fired()
	stats["refreshesProcessed"] = s.pool.Processed()
	stats["cachedRosters"] = s.cache.Rosters.Len()
	stats["cachedScores"] = s.cache.Scores.Len()
	stats["cachedRules"] = s.cache.Rules.Len()

	s.trackersMu.Lock()
	stats["trackers"] = len(s.trackers)
	s.trackersMu.Unlock()

	metrics.UpdateQueueSize(queueLen)
	return stats
}
