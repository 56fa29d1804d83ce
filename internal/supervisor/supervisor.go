package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"arbterm/internal/obs"
	"arbterm/internal/schema"
	"arbterm/internal/store"
	"arbterm/internal/strategy"
	"arbterm/pkg/exception"
)

// Runner is a strategy instance. Run blocks until ctx is done or the
// strategy fails.
type Runner interface {
	Run(ctx context.Context) error
}

// Factory builds a fresh runner for a configuration.
type Factory func(id string, cfg schema.StrategyConfig, env strategy.Env) (Runner, error)

// Config tunes the supervisor.
type Config struct {
	// RestartDelay is the fixed pause before a failed instance is rebuilt.
	RestartDelay   time.Duration `yaml:"restart_delay"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{
		RestartDelay:   time.Second,
		PersistTimeout: 2 * time.Second,
	}
}

// Status describes one instance.
type Status struct {
	Running   bool
	Config    schema.StrategyConfig
	Restarts  int64
	LastError string
}

type instance struct {
	id     string
	cfg    schema.StrategyConfig
	cancel context.CancelFunc
	done   chan struct{}

	running  atomic.Bool
	restarts atomic.Int64
	lastErr  atomic.Pointer[string]
}

// Supervisor owns the lifecycle of strategy instances and restarts the
// ones that fail.
type Supervisor struct {
	cfg     Config
	env     strategy.Env
	store   store.Store
	metrics *obs.Metrics

	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]*instance
	closed    bool
}

// New creates a supervisor with the pair strategy registered. st may be nil
// for unpersisted instances.
func New(cfg Config, env strategy.Env, st store.Store, metrics *obs.Metrics) *Supervisor {
	def := DefaultConfig()
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = def.RestartDelay
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	s := &Supervisor{
		cfg:       cfg,
		env:       env,
		store:     st,
		metrics:   metrics,
		factories: make(map[string]Factory),
		instances: make(map[string]*instance),
	}
	s.Register(strategy.TypePair, func(id string, cfg schema.StrategyConfig, env strategy.Env) (Runner, error) {
		return strategy.NewPair(id, cfg, env)
	})
	return s
}

// Register adds or replaces the factory of a strategy type.
func (s *Supervisor) Register(typ string, f Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[typ] = f
}

// Add builds, persists and starts a new instance.
func (s *Supervisor) Add(ctx context.Context, cfg schema.StrategyConfig) (string, error) {
	id := uuid.NewString()
	cfg = strategy.WithDefaults(cfg)
	runner, err := s.build(id, cfg)
	if err != nil {
		return "", err
	}
	if err := s.save(ctx, id, cfg, true); err != nil {
		return "", err
	}
	if err := s.start(id, cfg, runner); err != nil {
		return "", err
	}
	logs.Infof("supervisor: added %s %s (%s)", cfg.Type, id, cfg.Name)
	return id, nil
}

// Stop cancels an instance, waits for it and deactivates its stored
// configuration.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	s.mu.Unlock()
	if !ok {
		return exception.ErrStrategyNotFound
	}
	// an instance that outlives ctx stays listed so Stop can be retried
	if err := s.halt(ctx, inst); err != nil {
		return err
	}
	s.detach(id, inst)
	if s.store != nil {
		if err := s.store.DeactivateStrategyConfig(ctx, id); err != nil && err != exception.ErrStoreNotFound {
			return errors.Wrap(err, "deactivate strategy config").With("id", id)
		}
	}
	logs.Infof("supervisor: stopped %s", id)
	return nil
}

// Update restarts an instance under the same id with patch merged into its
// configuration. An invalid patch leaves the running instance untouched.
func (s *Supervisor) Update(ctx context.Context, id string, patch schema.StrategyConfig) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	s.mu.Unlock()
	if !ok {
		return exception.ErrStrategyNotFound
	}

	cfg := strategy.WithDefaults(inst.cfg.Merge(patch))
	runner, err := s.build(id, cfg)
	if err != nil {
		return err
	}

	if err := s.halt(ctx, inst); err != nil {
		return err
	}
	s.detach(id, inst)
	if err := s.save(ctx, id, cfg, true); err != nil {
		return err
	}
	if err := s.start(id, cfg, runner); err != nil {
		return err
	}
	logs.Infof("supervisor: updated %s", id)
	return nil
}

// List reports every instance.
func (s *Supervisor) List() map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Status, len(s.instances))
	for id, inst := range s.instances {
		st := Status{
			Running:  inst.running.Load(),
			Config:   inst.cfg,
			Restarts: inst.restarts.Load(),
		}
		if msg := inst.lastErr.Load(); msg != nil {
			st.LastError = *msg
		}
		out[id] = st
	}
	return out
}

// Restore starts every active stored configuration that is not running
// yet. Configurations that no longer build are logged and skipped.
func (s *Supervisor) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	records, err := s.store.LoadActiveStrategyConfigs(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "load active strategy configs")
	}
	started := 0
	for _, rec := range records {
		s.mu.Lock()
		_, running := s.instances[rec.ID]
		s.mu.Unlock()
		if running {
			continue
		}
		cfg := strategy.WithDefaults(rec.Config)
		runner, err := s.build(rec.ID, cfg)
		if err != nil {
			logs.Errorf("supervisor: restore %s, err: %+v", rec.ID, err)
			continue
		}
		if err := s.start(rec.ID, cfg, runner); err != nil {
			return started, err
		}
		started++
	}
	logs.Infof("supervisor: restored %d of %d strategies", started, len(records))
	return started, nil
}

// Close stops every instance and keeps their stored configurations active
// so the next Restore brings them back.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	all := make([]*instance, 0, len(s.instances))
	for id, inst := range s.instances {
		all = append(all, inst)
		delete(s.instances, id)
	}
	s.mu.Unlock()

	errs := make([]error, len(all))
	var wg conc.WaitGroup
	for i, inst := range all {
		wg.Go(func() {
			errs[i] = s.halt(ctx, inst)
		})
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) build(id string, cfg schema.StrategyConfig) (Runner, error) {
	s.mu.Lock()
	factory, ok := s.factories[cfg.Type]
	s.mu.Unlock()
	if !ok {
		return nil, errors.Wrap(exception.ErrStrategyUnknownType, "build strategy").With("type", cfg.Type)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(exception.ErrInvalidArgument, err.Error()).With("id", id)
	}
	return factory(id, cfg, s.env)
}

func (s *Supervisor) save(ctx context.Context, id string, cfg schema.StrategyConfig, active bool) error {
	if s.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	rec := store.StrategyRecord{ID: id, Config: cfg, Active: active, UpdatedAt: time.Now().UTC()}
	if err := s.store.SaveStrategyConfig(ctx, rec); err != nil {
		return errors.Wrap(err, "save strategy config").With("id", id)
	}
	return nil
}

func (s *Supervisor) start(id string, cfg schema.StrategyConfig, runner Runner) error {
	ctx, cancel := context.WithCancel(context.Background())
	inst := &instance{id: id, cfg: cfg, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return errors.Wrap(exception.ErrInternal, "supervisor closed")
	}
	s.instances[id] = inst
	s.mu.Unlock()

	inst.running.Store(true)
	go s.supervise(ctx, inst, runner)
	return nil
}

// supervise runs an instance and rebuilds it from its configuration after
// every failure until ctx is cancelled.
func (s *Supervisor) supervise(ctx context.Context, inst *instance, runner Runner) {
	defer close(inst.done)
	defer inst.running.Store(false)

	for {
		err := runSafe(ctx, runner)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			logs.Infof("supervisor: %s finished", inst.id)
			return
		}

		msg := err.Error()
		inst.lastErr.Store(&msg)
		inst.restarts.Add(1)
		s.metrics.IncStrategyRestart()
		logs.Errorf("supervisor: %s failed, restart in %s, err: %+v", inst.id, s.cfg.RestartDelay, err)

		timer := time.NewTimer(s.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		next, err := s.build(inst.id, inst.cfg)
		if err != nil {
			logs.Errorf("supervisor: rebuild %s, err: %+v", inst.id, err)
			return
		}
		runner = next
	}
}

func runSafe(ctx context.Context, runner Runner) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = runner.Run(ctx) })
	if r := pc.Recovered(); r != nil {
		return r.AsError()
	}
	return err
}

// detach forgets inst unless id was already taken over by another instance.
func (s *Supervisor) detach(id string, inst *instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instances[id] == inst {
		delete(s.instances, id)
	}
}

func (s *Supervisor) halt(ctx context.Context, inst *instance) error {
	inst.cancel()
	select {
	case <-inst.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for strategy").With("id", inst.id)
	}
}
