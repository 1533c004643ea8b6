package experiment

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pidginlab/pidgin/internal/config"
	"github.com/pidginlab/pidgin/internal/events"
	"github.com/pidginlab/pidgin/internal/providers"
)

func schedulerConfig(repetitions, maxParallel int) *config.ExperimentConfig {
	turns := 2
	return &config.ExperimentConfig{
		Name:         "scheduler-test",
		AgentAModel:  "test",
		AgentBModel:  "test",
		Repetitions:  repetitions,
		MaxTurns:     &turns,
		MaxParallel:  maxParallel,
		FirstSpeaker: config.AgentA,
		Awareness:    config.AwarenessBasic,
		DisplayMode:  config.DisplayNone,
	}
}

func newTestScheduler(t *testing.T, cfg *config.ExperimentConfig, factory ProviderFactory) (*Scheduler, string) {
	t.Helper()
	id, dir, err := Prepare(t.TempDir(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewScheduler(SchedulerOptions{
		ExperimentID: id,
		Dir:          dir,
		Config:       cfg,
		Grace:        time.Second,
		Providers:    factory,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s, dir
}

func TestSchedulerRunsAllRepetitions(t *testing.T) {
	s, dir := newTestScheduler(t, schedulerConfig(3, 2), nil)
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	m, err := LoadManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", m.Status)
	}
	if m.CompletedConversations != 3 || m.FailedConversations != 0 {
		t.Errorf("counts = %d completed / %d failed, want 3/0",
			m.CompletedConversations, m.FailedConversations)
	}
	if m.EndedAt.IsZero() {
		t.Error("ended_at not set")
	}

	entries, err := os.ReadDir(ConversationsDir(dir))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("conversation directories = %d, want 3", len(entries))
	}
	for _, entry := range entries {
		convDir := filepath.Join(ConversationsDir(dir), entry.Name())
		var st events.ConversationState
		if err := events.ReadJSON(filepath.Join(convDir, StateFile), &st); err != nil {
			t.Fatalf("%s: %v", entry.Name(), err)
		}
		if st.Status != events.ConvCompleted {
			t.Errorf("%s status = %s, want completed", entry.Name(), st.Status)
		}
		if st.TotalTurns != 2 {
			t.Errorf("%s turns = %d, want 2", entry.Name(), st.TotalTurns)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, PIDFile)); !os.IsNotExist(err) {
		t.Error("pid file not removed after normal completion")
	}

	evs, err := events.ReadAll(filepath.Join(dir, EventsFile))
	if err != nil {
		t.Fatal(err)
	}
	counts := map[string]int{}
	for _, ev := range evs {
		counts[ev.Type]++
	}
	if counts[events.TypeExperimentStarted] != 1 || counts[events.TypeExperimentEnded] != 1 {
		t.Errorf("experiment lifecycle events = %v", counts)
	}
	if counts[events.TypeConversationLaunched] != 3 || counts[events.TypeConversationFinished] != 3 {
		t.Errorf("conversation lifecycle events = %v", counts)
	}
}

func TestSchedulerCountsFailures(t *testing.T) {
	authErr := providers.NewError("test", "test", http.StatusUnauthorized, errors.New("invalid api key"))
	factory := func(model string) (providers.Provider, error) {
		return &failingTestProvider{err: authErr}, nil
	}

	s, dir := newTestScheduler(t, schedulerConfig(2, 1), factory)
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	m, err := LoadManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusCompletedWithFailures {
		t.Errorf("status = %s, want completed_with_failures", m.Status)
	}
	if m.CompletedConversations != 0 || m.FailedConversations != 2 {
		t.Errorf("counts = %d/%d, want 0 completed, 2 failed",
			m.CompletedConversations, m.FailedConversations)
	}
}

func TestSchedulerInterruption(t *testing.T) {
	factory := func(model string) (providers.Provider, error) {
		return &blockingTestProvider{}, nil
	}
	s, dir := newTestScheduler(t, schedulerConfig(2, 2), factory)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}

	m, err := LoadManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusInterrupted {
		t.Errorf("status = %s, want interrupted", m.Status)
	}
	if got := m.CompletedConversations + m.FailedConversations; got != m.TotalConversations {
		t.Errorf("completed+failed = %d, want %d: interrupted runs must account for every repetition",
			got, m.TotalConversations)
	}
	if _, err := os.Stat(filepath.Join(dir, PIDFile)); !os.IsNotExist(err) {
		t.Error("pid file not removed after interruption")
	}
}

func TestSchedulerInterruptionCountsUnlaunchedAsFailed(t *testing.T) {
	factory := func(model string) (providers.Provider, error) {
		return &blockingTestProvider{}, nil
	}
	// Parallelism 1 leaves two repetitions unlaunched when the first blocks.
	s, dir := newTestScheduler(t, schedulerConfig(3, 1), factory)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}

	m, err := LoadManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusInterrupted {
		t.Errorf("status = %s, want interrupted", m.Status)
	}
	if m.CompletedConversations != 0 {
		t.Errorf("completed = %d, want 0", m.CompletedConversations)
	}
	if m.FailedConversations != m.TotalConversations {
		t.Errorf("failed = %d, want %d including never-launched repetitions",
			m.FailedConversations, m.TotalConversations)
	}
}

func TestSchedulerBoundsParallelism(t *testing.T) {
	gate := &concurrencyGate{mu: make(chan struct{}, 1), limit: 2}
	factory := func(model string) (providers.Provider, error) {
		return &gatedTestProvider{gate: gate}, nil
	}

	cfg := schedulerConfig(6, 2)
	*cfg.MaxTurns = 1
	s, _ := newTestScheduler(t, cfg, factory)
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gate.exceeded {
		t.Errorf("observed %d concurrent provider streams, limit %d", gate.max, gate.limit)
	}
}

func TestNewSchedulerRejectsBadWeights(t *testing.T) {
	cfg := schedulerConfig(1, 1)
	cfg.ConvergenceProfile = "custom"
	cfg.CustomWeights = map[string]float64{"content": 0.9, "structure": 0.4}

	id, dir, err := Prepare(t.TempDir(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewScheduler(SchedulerOptions{ExperimentID: id, Dir: dir, Config: cfg}); err == nil {
		t.Error("expected weight validation error at construction")
	}
}

// failingTestProvider fails every request with a fixed error.
type failingTestProvider struct{ err error }

func (p *failingTestProvider) Generate(ctx context.Context, req *providers.Request) (<-chan providers.Chunk, error) {
	return nil, p.err
}
func (p *failingTestProvider) Name() string                  { return "test" }
func (p *failingTestProvider) SupportsStreaming() bool       { return false }
func (p *failingTestProvider) SupportsThinking() bool        { return false }
func (p *failingTestProvider) TokenLimits() providers.Limits { return providers.Limits{} }

// blockingTestProvider streams nothing until cancelled.
type blockingTestProvider struct{}

func (p *blockingTestProvider) Generate(ctx context.Context, req *providers.Request) (<-chan providers.Chunk, error) {
	ch := make(chan providers.Chunk, 1)
	go func() {
		defer close(ch)
		<-ctx.Done()
		ch <- providers.Chunk{Err: ctx.Err()}
	}()
	return ch, nil
}
func (p *blockingTestProvider) Name() string                  { return "test" }
func (p *blockingTestProvider) SupportsStreaming() bool       { return true }
func (p *blockingTestProvider) SupportsThinking() bool        { return false }
func (p *blockingTestProvider) TokenLimits() providers.Limits { return providers.Limits{} }

// concurrencyGate records the maximum number of simultaneous holders.
type concurrencyGate struct {
	mu       chan struct{}
	active   int
	max      int
	limit    int
	exceeded bool
}

func (g *concurrencyGate) enter() {
	g.mu <- struct{}{}
	g.active++
	if g.active > g.max {
		g.max = g.active
	}
	if g.active > g.limit {
		g.exceeded = true
	}
	<-g.mu
}

func (g *concurrencyGate) leave() {
	g.mu <- struct{}{}
	g.active--
	<-g.mu
}

// gatedTestProvider tracks concurrency around a short deterministic response.
type gatedTestProvider struct{ gate *concurrencyGate }

func (p *gatedTestProvider) Generate(ctx context.Context, req *providers.Request) (<-chan providers.Chunk, error) {
	p.gate.enter()
	ch := make(chan providers.Chunk, 2)
	go func() {
		defer close(ch)
		defer p.gate.leave()
		time.Sleep(5 * time.Millisecond)
		ch <- providers.Chunk{Text: "steady reply"}
		ch <- providers.Chunk{Done: true, InputTokens: 3, OutputTokens: 3}
	}()
	return ch, nil
}
func (p *gatedTestProvider) Name() string                  { return "test" }
func (p *gatedTestProvider) SupportsStreaming() bool       { return true }
func (p *gatedTestProvider) SupportsThinking() bool        { return false }
func (p *gatedTestProvider) TokenLimits() providers.Limits { return providers.Limits{} }
