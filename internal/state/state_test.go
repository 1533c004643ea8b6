package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pidginlab/pidgin/internal/config"
	"github.com/pidginlab/pidgin/internal/events"
	"github.com/pidginlab/pidgin/internal/experiment"
)

func stateConfig() *config.ExperimentConfig {
	turns := 2
	return &config.ExperimentConfig{
		Name:         "state-test",
		AgentAModel:  "test",
		AgentBModel:  "test",
		Repetitions:  1,
		MaxTurns:     &turns,
		MaxParallel:  1,
		FirstSpeaker: config.AgentA,
		Awareness:    config.AwarenessBasic,
		DisplayMode:  config.DisplayNone,
	}
}

// writeConversation lays out a conversation directory with an event log and
// optionally the state.json sidecar.
func writeConversation(t *testing.T, expDir, convID string, withSidecar bool) string {
	t.Helper()
	dir := filepath.Join(experiment.ConversationsDir(expDir), convID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	log, err := events.Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()
	for _, ev := range []events.Event{
		events.New(events.TypeConversationStarted, map[string]any{
			"conversation_id": convID,
			"experiment_id":   "exp-state",
			"agent_a_model":   "test",
			"agent_b_model":   "test",
		}),
		events.New(events.TypeTurnCompleted, map[string]any{"turn": 0, "convergence": 0.4}),
		events.New(events.TypeTurnCompleted, map[string]any{"turn": 1, "convergence": 0.6}),
		events.New(events.TypeConversationEnded, map[string]any{
			"status": events.ConvCompleted, "reason": "max_turns", "total_turns": 2,
		}),
	} {
		if err := log.Append(ev); err != nil {
			t.Fatal(err)
		}
	}

	if withSidecar {
		st := events.ConversationState{
			ConversationID: convID,
			ExperimentID:   "exp-state",
			AgentAModel:    "test",
			AgentBModel:    "test",
			Status:         events.ConvCompleted,
			TotalTurns:     2,
			LastConvergence: 0.6,
			UpdatedAt:      time.Now().UTC(),
		}
		if err := events.WriteJSON(filepath.Join(dir, "state.json"), st); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestConversationPrefersFreshSidecar(t *testing.T) {
	_, expDir, err := experiment.Prepare(t.TempDir(), stateConfig())
	if err != nil {
		t.Fatal(err)
	}
	dir := writeConversation(t, expDir, "conv-a", true)

	st, err := NewBuilder().Conversation(dir)
	if err != nil {
		t.Fatal(err)
	}
	if st.ConversationID != "conv-a" || st.Status != events.ConvCompleted || st.TotalTurns != 2 {
		t.Errorf("unexpected state: %+v", st)
	}
}

func TestConversationRebuildsFromLogWithoutSidecar(t *testing.T) {
	_, expDir, err := experiment.Prepare(t.TempDir(), stateConfig())
	if err != nil {
		t.Fatal(err)
	}
	dir := writeConversation(t, expDir, "conv-b", false)

	st, err := NewBuilder().Conversation(dir)
	if err != nil {
		t.Fatal(err)
	}
	if st.ConversationID != "conv-b" {
		t.Errorf("conversation id = %q, want conv-b", st.ConversationID)
	}
	if st.Status != events.ConvCompleted || st.TotalTurns != 2 {
		t.Errorf("rebuilt state = %s turns=%d, want completed/2", st.Status, st.TotalTurns)
	}
	if st.LastConvergence != 0.6 {
		t.Errorf("last convergence = %v, want 0.6", st.LastConvergence)
	}
}

func TestConversationRebuildsWhenSidecarStale(t *testing.T) {
	_, expDir, err := experiment.Prepare(t.TempDir(), stateConfig())
	if err != nil {
		t.Fatal(err)
	}
	dir := writeConversation(t, expDir, "conv-c", true)

	// Make the log strictly newer than the sidecar: the builder must fall
	// back to scanning it.
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "state.json"), old, old); err != nil {
		t.Fatal(err)
	}
	log, err := events.Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if err := log.Append(events.New(events.TypeTurnCompleted, map[string]any{"turn": 2, "convergence": 0.9})); err != nil {
		t.Fatal(err)
	}
	log.Close()

	st, err := NewBuilder().Conversation(dir)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalTurns != 3 {
		t.Errorf("turns = %d, want 3 from the newer log", st.TotalTurns)
	}
	if st.LastConvergence != 0.9 {
		t.Errorf("last convergence = %v, want 0.9", st.LastConvergence)
	}
}

func TestBuilderCachesByMtime(t *testing.T) {
	_, expDir, err := experiment.Prepare(t.TempDir(), stateConfig())
	if err != nil {
		t.Fatal(err)
	}
	dir := writeConversation(t, expDir, "conv-d", true)
	b := NewBuilder()

	first, err := b.Conversation(dir)
	if err != nil {
		t.Fatal(err)
	}
	// Delete the backing file; a cached read must still serve the snapshot.
	if err := os.Remove(filepath.Join(dir, "events.jsonl")); err != nil {
		t.Fatal(err)
	}
	second, err := b.Conversation(dir)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("cached snapshot differs from first read")
	}

	b.ClearCache()
	if _, ok := b.cache[filepath.Join(dir, "state.json")]; ok {
		t.Error("ClearCache left entries behind")
	}
}

func TestListAndFind(t *testing.T) {
	root := t.TempDir()
	id, dir, err := experiment.Prepare(root, stateConfig())
	if err != nil {
		t.Fatal(err)
	}
	writeConversation(t, dir, "conv-e", true)

	b := NewBuilder()
	active, err := b.List(root, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Fatalf("active experiments = %d, want 1 (status created)", len(active))
	}
	if len(active[0].Conversations) != 1 {
		t.Errorf("conversations = %d, want 1", len(active[0].Conversations))
	}

	found, err := b.Find(root, id)
	if err != nil {
		t.Fatal(err)
	}
	if found.Manifest.ExperimentID != id {
		t.Errorf("found %s, want %s", found.Manifest.ExperimentID, id)
	}

	byPrefix, err := b.Find(root, id[:6])
	if err != nil {
		t.Fatal(err)
	}
	if byPrefix.Manifest.ExperimentID != id {
		t.Errorf("prefix lookup found %s, want %s", byPrefix.Manifest.ExperimentID, id)
	}

	if _, err := b.Find(root, "exp-nope"); err == nil {
		t.Error("expected error for unknown experiment")
	}
}

func TestWatchEmitsOnChange(t *testing.T) {
	_, expDir, err := experiment.Prepare(t.TempDir(), stateConfig())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := Watch(ctx, expDir, 50*time.Millisecond)

	if err := os.WriteFile(filepath.Join(expDir, "manifest.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// A queued tick may race the close; the next receive must
			// observe the closed channel.
			if _, ok := <-ch; ok {
				t.Fatal("channel still open after cancel")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
