// Package state reconstructs experiment and conversation state from the
// filesystem for list/status/attach observers. It never writes: the event log
// and the scheduler's manifest stay authoritative.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pidginlab/pidgin/internal/events"
	"github.com/pidginlab/pidgin/internal/experiment"
)

// Experiment is the observer's view of one experiment directory.
type Experiment struct {
	Dir           string
	Manifest      experiment.Manifest
	Conversations []events.ConversationState
}

// Terminal reports whether the experiment has reached a final status.
func (e *Experiment) Terminal() bool {
	return experiment.Terminal(e.Manifest.Status)
}

type cacheKey struct {
	path    string
	modTime time.Time
	size    int64
}

// Builder reads experiment state with an in-memory cache keyed by
// (path, mtime, size), so repeated polls only re-parse changed files.
type Builder struct {
	mu    sync.Mutex
	cache map[string]cachedConversation
}

type cachedConversation struct {
	key   cacheKey
	state events.ConversationState
}

// NewBuilder returns an empty read-only state builder.
func NewBuilder() *Builder {
	return &Builder{cache: make(map[string]cachedConversation)}
}

// ClearCache drops all cached conversation snapshots.
func (b *Builder) ClearCache() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache = make(map[string]cachedConversation)
}

// List enumerates experiments under the output root, newest first. Terminal
// experiments are skipped unless includeTerminal is set.
func (b *Builder) List(root string, includeTerminal bool) ([]*Experiment, error) {
	entries, err := os.ReadDir(experiment.ExperimentsDir(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*Experiment
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		exp, err := b.Experiment(filepath.Join(experiment.ExperimentsDir(root), entry.Name()))
		if err != nil {
			continue
		}
		if !includeTerminal && exp.Terminal() {
			continue
		}
		out = append(out, exp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Manifest.CreatedAt.After(out[j].Manifest.CreatedAt)
	})
	return out, nil
}

// Find resolves an experiment by exact ID or unique ID prefix under root.
func (b *Builder) Find(root, id string) (*Experiment, error) {
	dir := experiment.Dir(root, id)
	if _, err := os.Stat(dir); err == nil {
		return b.Experiment(dir)
	}

	all, err := b.List(root, true)
	if err != nil {
		return nil, err
	}
	var match *Experiment
	for _, exp := range all {
		if len(exp.Manifest.ExperimentID) >= len(id) && exp.Manifest.ExperimentID[:len(id)] == id {
			if match != nil {
				return nil, fmt.Errorf("experiment id %q is ambiguous", id)
			}
			match = exp
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no experiment matches %q", id)
	}
	return match, nil
}

// Experiment reads one experiment directory: manifest plus every
// conversation's current state.
func (b *Builder) Experiment(dir string) (*Experiment, error) {
	manifest, err := experiment.LoadManifest(dir)
	if err != nil {
		return nil, fmt.Errorf("experiment %s: %w", filepath.Base(dir), err)
	}
	exp := &Experiment{Dir: dir, Manifest: manifest}

	convRoot := experiment.ConversationsDir(dir)
	entries, err := os.ReadDir(convRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return exp, nil
		}
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		st, err := b.Conversation(filepath.Join(convRoot, entry.Name()))
		if err != nil {
			continue
		}
		exp.Conversations = append(exp.Conversations, st)
	}
	sort.Slice(exp.Conversations, func(i, j int) bool {
		return exp.Conversations[i].ConversationID < exp.Conversations[j].ConversationID
	})
	return exp, nil
}

// Conversation returns a conversation's current state. The state.json sidecar
// is preferred; when it is missing or older than the event log it is rebuilt
// by scanning events.jsonl.
func (b *Builder) Conversation(dir string) (events.ConversationState, error) {
	statePath := filepath.Join(dir, "state.json")
	logPath := filepath.Join(dir, "events.jsonl")

	stateInfo, stateErr := os.Stat(statePath)
	logInfo, logErr := os.Stat(logPath)

	if stateErr == nil && (logErr != nil || !logInfo.ModTime().After(stateInfo.ModTime())) {
		return b.cachedRead(statePath, stateInfo, func() (events.ConversationState, error) {
			var st events.ConversationState
			err := events.ReadJSON(statePath, &st)
			return st, err
		})
	}
	if logErr != nil {
		if stateErr != nil {
			return events.ConversationState{}, fmt.Errorf("conversation %s has neither state nor events", filepath.Base(dir))
		}
		var st events.ConversationState
		err := events.ReadJSON(statePath, &st)
		return st, err
	}
	return b.cachedRead(logPath, logInfo, func() (events.ConversationState, error) {
		return rebuildFromLog(logPath)
	})
}

func (b *Builder) cachedRead(path string, info os.FileInfo, load func() (events.ConversationState, error)) (events.ConversationState, error) {
	key := cacheKey{path: path, modTime: info.ModTime(), size: info.Size()}

	b.mu.Lock()
	if entry, ok := b.cache[path]; ok && entry.key == key {
		b.mu.Unlock()
		return entry.state, nil
	}
	b.mu.Unlock()

	st, err := load()
	if err != nil {
		return events.ConversationState{}, err
	}
	b.mu.Lock()
	b.cache[path] = cachedConversation{key: key, state: st}
	b.mu.Unlock()
	return st, nil
}

// rebuildFromLog derives the conversation summary by scanning the event log.
// Torn tails are tolerated by the reader.
func rebuildFromLog(logPath string) (events.ConversationState, error) {
	evs, err := events.ReadAll(logPath)
	if err != nil {
		return events.ConversationState{}, err
	}
	st := events.ConversationState{Status: events.ConvCreated}
	for _, ev := range evs {
		switch ev.Type {
		case events.TypeConversationStarted:
			st.ConversationID = ev.Str("conversation_id")
			st.ExperimentID = ev.Str("experiment_id")
			st.AgentAModel = ev.Str("agent_a_model")
			st.AgentBModel = ev.Str("agent_b_model")
			st.Status = events.ConvRunning
			st.StartedAt = ev.CreatedAt
		case events.TypeTurnCompleted:
			st.TotalTurns = ev.Int("turn") + 1
			st.LastConvergence = ev.Float("convergence")
		case events.TypeNameChosen:
			switch ev.Str("agent_id") {
			case "agent_a":
				st.ChosenNameA = ev.Str("name")
			case "agent_b":
				st.ChosenNameB = ev.Str("name")
			}
		case events.TypeConversationEnded:
			st.Status = ev.Str("status")
			st.ConvergenceReason = ev.Str("reason")
			st.TotalTurns = ev.Int("total_turns")
			st.EndedAt = ev.CreatedAt
		}
		st.UpdatedAt = ev.CreatedAt
	}
	return st, nil
}
