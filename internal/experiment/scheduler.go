package experiment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pidginlab/pidgin/internal/config"
	"github.com/pidginlab/pidgin/internal/engine"
	"github.com/pidginlab/pidgin/internal/events"
	"github.com/pidginlab/pidgin/internal/metrics"
	"github.com/pidginlab/pidgin/internal/observability"
	"github.com/pidginlab/pidgin/internal/providers"
	"github.com/pidginlab/pidgin/internal/ratelimit"
)

// DefaultGracePeriod is how long the scheduler waits for in-flight
// conversations to wind down after a stop signal.
const DefaultGracePeriod = 10 * time.Second

// ProviderFactory constructs the adapter for a model. Swappable in tests.
type ProviderFactory func(model string) (providers.Provider, error)

// SchedulerOptions wires a scheduler to its experiment directory.
type SchedulerOptions struct {
	ExperimentID string
	Dir          string
	Config       *config.ExperimentConfig
	Logger       *observability.Logger
	Metrics      *observability.Metrics
	Limiter      *ratelimit.Limiter
	Grace        time.Duration
	Providers    ProviderFactory
}

// Scheduler supervises one experiment: it owns the manifest, the PID file,
// and the experiment-level event log, and fans the configuration into
// repetitions conversations bounded by max_parallel.
type Scheduler struct {
	opts    SchedulerOptions
	cfg     *config.ExperimentConfig
	profile metrics.Profile
	logger  *observability.Logger

	mu       sync.Mutex
	manifest Manifest
	log      *events.Log
}

// NewScheduler validates the options against the prepared experiment
// directory. The convergence profile is resolved here so weight errors abort
// the launch.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Config == nil || opts.Dir == "" || opts.ExperimentID == "" {
		return nil, fmt.Errorf("scheduler: experiment id, directory, and config are required")
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewLimiter(ratelimit.DefaultConfig())
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGracePeriod
	}
	if opts.Providers == nil {
		opts.Providers = func(model string) (providers.Provider, error) {
			return providers.New(model, providers.Options{})
		}
	}

	profile, err := resolveProfile(opts.Config)
	if err != nil {
		return nil, err
	}
	manifest, err := LoadManifest(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	return &Scheduler{
		opts:     opts,
		cfg:      opts.Config,
		profile:  profile,
		logger:   opts.Logger,
		manifest: manifest,
	}, nil
}

func resolveProfile(cfg *config.ExperimentConfig) (metrics.Profile, error) {
	if cfg.ConvergenceProfile == "custom" {
		return metrics.CustomProfile(cfg.CustomWeights)
	}
	return metrics.ProfileByName(cfg.ConvergenceProfile)
}

// Run drives the experiment to a terminal manifest status. Cancelling ctx is
// the stop signal: in-flight conversations get the grace period to emit their
// interrupted terminal events.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx = observability.WithExperimentID(ctx, s.opts.ExperimentID)

	pidPath := filepath.Join(s.opts.Dir, PIDFile)
	if err := WritePIDFile(pidPath); err != nil {
		s.fail(fmt.Errorf("pid file: %w", err))
		return err
	}
	defer RemovePIDFile(pidPath)

	log, err := events.Open(filepath.Join(s.opts.Dir, EventsFile))
	if err != nil {
		s.fail(err)
		return err
	}
	s.log = log
	defer log.Close()

	providerA, err := s.opts.Providers(s.cfg.AgentAModel)
	if err != nil {
		s.fail(fmt.Errorf("agent_a provider: %w", err))
		return err
	}
	providerB, err := s.opts.Providers(s.cfg.AgentBModel)
	if err != nil {
		s.fail(fmt.Errorf("agent_b provider: %w", err))
		return err
	}

	s.update(func(m *Manifest) {
		m.Status = StatusRunning
		m.StartedAt = time.Now().UTC()
	})
	s.appendEvent(events.New(events.TypeExperimentStarted, map[string]any{
		"experiment_id": s.opts.ExperimentID,
		"name":          s.cfg.Name,
		"total":         s.cfg.Repetitions,
		"max_parallel":  s.cfg.MaxParallel,
	}))
	s.logger.Info(ctx, "experiment started",
		"total", s.cfg.Repetitions, "max_parallel", s.cfg.MaxParallel)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.runPool(workerCtx, providerA, providerB)
	}()

	interrupted := false
	select {
	case <-done:
	case <-ctx.Done():
		interrupted = true
		s.logger.Info(ctx, "stop signal received, cancelling conversations")
		cancelWorkers()
		select {
		case <-done:
		case <-time.After(s.opts.Grace):
			s.logger.Warn(ctx, "grace period expired with conversations still winding down",
				"grace", s.opts.Grace)
		}
	}

	status := s.terminalStatus(interrupted)
	s.update(func(m *Manifest) {
		// Repetitions never launched, plus any still winding down past the
		// grace period, count as failed so completed+failed always equals
		// total in a terminal manifest.
		if launched := m.CompletedConversations + m.FailedConversations; launched < m.TotalConversations {
			m.FailedConversations = m.TotalConversations - m.CompletedConversations
		}
		m.Status = status
		m.EndedAt = time.Now().UTC()
	})
	s.appendEvent(events.New(events.TypeExperimentEnded, map[string]any{
		"experiment_id": s.opts.ExperimentID,
		"status":        status,
		"completed":     s.snapshot().CompletedConversations,
		"failed":        s.snapshot().FailedConversations,
	}))
	s.logger.Info(ctx, "experiment ended", "status", status)
	return nil
}

// runPool enqueues repetitions conversation tasks over a max_parallel
// semaphore. Cancellation stops new launches; running tasks finish on their
// own contexts.
func (s *Scheduler) runPool(ctx context.Context, providerA, providerB providers.Provider) {
	sem := make(chan struct{}, s.cfg.MaxParallel)
	var wg sync.WaitGroup

	for i := 0; i < s.cfg.Repetitions; i++ {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.runConversation(ctx, providerA, providerB)
		}()
	}
	wg.Wait()
}

// runConversation owns one conversation directory end to end.
func (s *Scheduler) runConversation(ctx context.Context, providerA, providerB providers.Provider) {
	conversationID := NewConversationID()
	dir := filepath.Join(ConversationsDir(s.opts.Dir), conversationID)
	ctx = observability.WithConversationID(ctx, conversationID)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.conversationFailed(conversationID, fmt.Errorf("create conversation directory: %w", err))
		return
	}
	log, err := events.Open(filepath.Join(dir, EventsFile))
	if err != nil {
		s.conversationFailed(conversationID, err)
		return
	}
	defer log.Close()

	s.appendEvent(events.New(events.TypeConversationLaunched, map[string]any{
		"conversation_id": conversationID,
	}))

	eng, err := engine.New(engine.Options{
		ConversationID: conversationID,
		ExperimentID:   s.opts.ExperimentID,
		Config:         s.cfg,
		ProviderA:      providerA,
		ProviderB:      providerB,
		Limiter:        s.opts.Limiter,
		Profile:        s.profile,
		Log:            log,
		StatePath:      filepath.Join(dir, StateFile),
		Logger:         s.logger,
		Metrics:        s.opts.Metrics,
	})
	if err != nil {
		s.conversationFailed(conversationID, err)
		return
	}

	res, err := eng.Run(ctx)
	if err != nil {
		s.conversationFailed(conversationID, err)
		return
	}

	s.update(func(m *Manifest) {
		// After the terminal reconciliation every outstanding repetition is
		// already accounted for as failed.
		if Terminal(m.Status) {
			return
		}
		if res.Status == events.ConvCompleted {
			m.CompletedConversations++
		} else {
			m.FailedConversations++
		}
	})
	s.appendEvent(events.New(events.TypeConversationFinished, map[string]any{
		"conversation_id":   conversationID,
		"status":            res.Status,
		"reason":            res.Reason,
		"total_turns":       res.TotalTurns,
		"final_convergence": res.FinalConvergence,
	}))
	s.logger.Info(ctx, "conversation finished",
		"status", res.Status, "reason", res.Reason, "turns", res.TotalTurns)
}

func (s *Scheduler) conversationFailed(conversationID string, err error) {
	s.logger.Error(context.Background(), "conversation failed before termination",
		"conversation_id", conversationID, "error", err)
	s.update(func(m *Manifest) {
		if Terminal(m.Status) {
			return
		}
		m.FailedConversations++
	})
	s.appendEvent(events.New(events.TypeConversationFinished, map[string]any{
		"conversation_id": conversationID,
		"status":          events.ConvFailed,
		"error":           err.Error(),
	}))
}

// terminalStatus maps the final counts to the manifest status.
func (s *Scheduler) terminalStatus(interrupted bool) string {
	if interrupted {
		return StatusInterrupted
	}
	if s.snapshot().FailedConversations > 0 {
		return StatusCompletedWithFailures
	}
	return StatusCompleted
}

// fail transitions the experiment to failed after a scheduler-level error.
func (s *Scheduler) fail(err error) {
	s.logger.Error(context.Background(), "experiment failed", "error", err)
	s.update(func(m *Manifest) {
		m.Status = StatusFailed
		m.EndedAt = time.Now().UTC()
	})
}

// update mutates the manifest and rewrites it atomically.
func (s *Scheduler) update(mutate func(*Manifest)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.manifest)
	if err := events.WriteJSON(filepath.Join(s.opts.Dir, ManifestFile), s.manifest); err != nil {
		s.logger.Error(context.Background(), "manifest write failed", "error", err)
	}
}

func (s *Scheduler) snapshot() Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest
}

func (s *Scheduler) appendEvent(ev events.Event) {
	s.mu.Lock()
	log := s.log
	s.mu.Unlock()
	if log == nil {
		return
	}
	if err := log.Append(ev); err != nil {
		s.logger.Warn(context.Background(), "experiment event append failed",
			"type", ev.Type, "error", err)
	}
}
