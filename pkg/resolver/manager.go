package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"

	"tagpin/internal/channel"
	"tagpin/pkg/hashing"
	"tagpin/pkg/metrics"
	"tagpin/pkg/store"
)

type ManagerConfig struct {
	Log             logr.Logger
	StartMode       StartMode
	IdleWorkflowTTL time.Duration
	ResolverOptions []ResolverOption
}

func (cfg *ManagerConfig) Apply(opts ...ManagerOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type ManagerOption func(cfg *ManagerConfig) error

func WithManagerLogger(log logr.Logger) ManagerOption {
	return func(cfg *ManagerConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithStartMode(mode StartMode) ManagerOption {
	return func(cfg *ManagerConfig) error {
		if _, err := ParseStartMode(string(mode)); err != nil {
			return err
		}
		cfg.StartMode = mode
		return nil
	}
}

func WithIdleWorkflowTTL(ttl time.Duration) ManagerOption {
	return func(cfg *ManagerConfig) error {
		if ttl <= 0 {
			return fmt.Errorf("idle workflow ttl must be positive, got %s", ttl)
		}
		cfg.IdleWorkflowTTL = ttl
		return nil
	}
}

func WithResolverOptions(opts ...ResolverOption) ManagerOption {
	return func(cfg *ManagerConfig) error {
		cfg.ResolverOptions = append(cfg.ResolverOptions, opts...)
		return nil
	}
}

type workflowEntry struct {
	resolver *Resolver
	cancel   context.CancelFunc
	lastUsed time.Time
}

// Manager keeps one live resolver per workflow. Instances are created on
// first use and torn down after the workflow has been idle for a while;
// mappings inside a live resolver are never evicted.
type Manager struct {
	driver          *hashing.Driver
	store           store.Store
	log             logr.Logger
	startMode       StartMode
	idleWorkflowTTL time.Duration
	resolverOpts    []ResolverOption

	mutex     sync.Mutex
	workflows map[string]*workflowEntry
	runCtx    context.Context
}

func NewManager(driver *hashing.Driver, st store.Store, opts ...ManagerOption) (*Manager, error) {
	cfg := ManagerConfig{
		Log:             logr.Discard(),
		StartMode:       StartModeRestart,
		IdleWorkflowTTL: time.Hour,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		driver:          driver,
		store:           st,
		log:             cfg.Log,
		startMode:       cfg.StartMode,
		idleWorkflowTTL: cfg.IdleWorkflowTTL,
		resolverOpts:    cfg.ResolverOptions,
		workflows:       map[string]*workflowEntry{},
	}
	return m, nil
}

// Run sweeps idle workflow resolvers until ctx is done. Resolvers created
// by Resolve are bound to this context.
func (m *Manager) Run(ctx context.Context) error {
	m.mutex.Lock()
	m.runCtx = ctx
	m.mutex.Unlock()

	immediateCh := make(chan time.Time, 1)
	immediateCh <- time.Now()
	close(immediateCh)
	sweepTicker := time.NewTicker(m.idleWorkflowTTL / 4)
	defer sweepTicker.Stop()
	tickerCh := channel.Merge(immediateCh, sweepTicker.C)
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case <-tickerCh:
			m.sweep(time.Now())
		}
	}
}

// Resolve routes a lookup to the workflow's resolver, creating it on
// first use.
func (m *Manager) Resolve(ctx context.Context, workflowID, ref string) (digest.Digest, error) {
	entry, err := m.getOrCreate(workflowID)
	if err != nil {
		return "", err
	}
	return entry.resolver.Lookup(ctx, ref)
}

func (m *Manager) getOrCreate(workflowID string) (*workflowEntry, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if entry, ok := m.workflows[workflowID]; ok {
		entry.lastUsed = time.Now()
		return entry, nil
	}

	resolver, err := New(workflowID, m.startMode, m.driver, m.store, m.resolverOpts...)
	if err != nil {
		return nil, err
	}
	runCtx := m.runCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	resolverCtx, cancel := context.WithCancel(runCtx)
	entry := &workflowEntry{
		resolver: resolver,
		cancel:   cancel,
		lastUsed: time.Now(),
	}
	m.workflows[workflowID] = entry
	metrics.ActiveWorkflows.Inc()
	m.log.Info("starting workflow resolver", "workflow", workflowID, "mode", m.startMode)
	go func() {
		if err := resolver.Run(resolverCtx); err != nil {
			m.log.Error(err, "workflow resolver exited", "workflow", workflowID)
		}
	}()
	return entry, nil
}

func (m *Manager) sweep(now time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for workflowID, entry := range m.workflows {
		if now.Sub(entry.lastUsed) < m.idleWorkflowTTL {
			continue
		}
		m.log.Info("stopping idle workflow resolver", "workflow", workflowID)
		entry.cancel()
		delete(m.workflows, workflowID)
		metrics.ActiveWorkflows.Dec()
	}
}

func (m *Manager) shutdown() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for workflowID, entry := range m.workflows {
		entry.cancel()
		delete(m.workflows, workflowID)
		metrics.ActiveWorkflows.Dec()
	}
}
