// handlers.go implements the command handlers wired up in commands.go.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pidginlab/pidgin/internal/config"
	"github.com/pidginlab/pidgin/internal/events"
	"github.com/pidginlab/pidgin/internal/experiment"
	"github.com/pidginlab/pidgin/internal/metrics"
	"github.com/pidginlab/pidgin/internal/observability"
	"github.com/pidginlab/pidgin/internal/providers"
	"github.com/pidginlab/pidgin/internal/state"
)

func runRun(cmd *cobra.Command, cfg *config.ExperimentConfig, outputRoot string, foreground bool) error {
	config.Resolve(cfg)
	if err := cfg.Validate(); err != nil {
		return usageErr(err)
	}
	for _, model := range []string{cfg.AgentAModel, cfg.AgentBModel} {
		if _, err := providers.ForModel(model); err != nil {
			return usageErr(err)
		}
	}
	// Weight profiles fail here, before any directory exists, so the user
	// sees the validation message instead of a daemon.log entry.
	if err := checkProfile(cfg); err != nil {
		return usageErr(err)
	}

	id, dir, err := experiment.Prepare(outputRoot, cfg)
	if err != nil {
		return err
	}

	if foreground {
		return runForeground(cmd, id, dir, cfg)
	}

	if err := spawnDaemon(dir); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "experiment %s launched\n  dir: %s\n", id, dir)

	switch cfg.DisplayMode {
	case config.DisplayChat:
		return runAttach(cmd, outputRoot, id, false)
	case config.DisplayTail:
		return runAttach(cmd, outputRoot, id, true)
	}
	return nil
}

func checkProfile(cfg *config.ExperimentConfig) error {
	if cfg.ConvergenceProfile == "custom" {
		_, err := metrics.CustomProfile(cfg.CustomWeights)
		return err
	}
	_, err := metrics.ProfileByName(cfg.ConvergenceProfile)
	return err
}

// runForeground runs the scheduler in-process. Ctrl-C interrupts the
// experiment (unlike attach, which only detaches).
func runForeground(cmd *cobra.Command, id, dir string, cfg *config.ExperimentConfig) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := experiment.NewScheduler(experiment.SchedulerOptions{
		ExperimentID: id,
		Dir:          dir,
		Config:       cfg,
		Logger:       observability.NewLogger(observability.LogConfig{Level: "info", Format: "text"}),
		Metrics:      observability.NewMetrics(),
	})
	if err != nil {
		return usageErr(err)
	}
	if err := s.Run(ctx); err != nil {
		return err
	}

	m, err := experiment.LoadManifest(dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "experiment %s %s: %d completed, %d failed of %d\n",
		id, m.Status, m.CompletedConversations, m.FailedConversations, m.TotalConversations)
	if ctx.Err() != nil {
		return &exitError{code: exitInterrupt}
	}
	return nil
}

// spawnDaemon re-execs this binary detached, with stdout/stderr appended to
// the experiment's daemon.log.
func spawnDaemon(dir string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	logFile, err := os.OpenFile(filepath.Join(dir, experiment.DaemonLog),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	daemon := exec.Command(exe, "daemon-exec", "--dir", dir)
	daemon.Stdout = logFile
	daemon.Stderr = logFile
	daemon.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := daemon.Start(); err != nil {
		return err
	}
	return daemon.Process.Release()
}

// runDaemon is the detached supervisor process. It logs JSON to daemon.log
// and exits when the experiment reaches a terminal manifest status.
func runDaemon(dir string) error {
	logFile, err := os.OpenFile(filepath.Join(dir, experiment.DaemonLog),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()
	logger := observability.NewLogger(observability.LogConfig{
		Level:  "info",
		Format: "json",
		Output: logFile,
	})

	cfg, err := config.LoadSpec(filepath.Join(dir, experiment.ConfigFile))
	if err != nil {
		return err
	}

	s, err := experiment.NewScheduler(experiment.SchedulerOptions{
		ExperimentID: filepath.Base(dir),
		Dir:          dir,
		Config:       cfg,
		Logger:       logger,
		Metrics:      observability.NewMetrics(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()
	return s.Run(ctx)
}

func runList(cmd *cobra.Command, outputRoot string, all bool) error {
	experiments, err := state.NewBuilder().List(outputRoot, all)
	if err != nil {
		return err
	}
	if len(experiments) == 0 {
		if all {
			fmt.Fprintln(cmd.OutOrStdout(), "no experiments")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "no active experiments (use --all to include finished)")
		}
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPROGRESS\tCREATED")
	for _, exp := range experiments {
		m := exp.Manifest
		fmt.Fprintf(w, "%s\t%s\t%s\t%d+%d/%d\t%s\n",
			m.ExperimentID, m.Name, m.Status,
			m.CompletedConversations, m.FailedConversations, m.TotalConversations,
			m.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, outputRoot, id string, watch bool) error {
	b := state.NewBuilder()
	exp, err := b.Find(outputRoot, id)
	if err != nil {
		return notFoundErr(err)
	}
	printExperiment(cmd, exp)
	if !watch || exp.Terminal() {
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ch := state.Watch(ctx, exp.Dir, 0)
	for {
		select {
		case <-ctx.Done():
			return &exitError{code: exitInterrupt}
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			exp, err = b.Experiment(exp.Dir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout())
			printExperiment(cmd, exp)
			if exp.Terminal() {
				return nil
			}
		}
	}
}

func printExperiment(cmd *cobra.Command, exp *state.Experiment) {
	m := exp.Manifest
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  (%s)\n", m.ExperimentID, m.Name)
	fmt.Fprintf(out, "  status:   %s\n", m.Status)
	fmt.Fprintf(out, "  progress: %d completed, %d failed of %d\n",
		m.CompletedConversations, m.FailedConversations, m.TotalConversations)
	if !m.StartedAt.IsZero() {
		fmt.Fprintf(out, "  started:  %s\n", m.StartedAt.Local().Format(time.RFC3339))
	}
	if !m.EndedAt.IsZero() {
		fmt.Fprintf(out, "  ended:    %s\n", m.EndedAt.Local().Format(time.RFC3339))
	}
	for _, conv := range exp.Conversations {
		line := fmt.Sprintf("  %s  %s  turn %d  convergence %.2f",
			conv.ConversationID, conv.Status, conv.TotalTurns, conv.LastConvergence)
		if conv.ChosenNameA != "" || conv.ChosenNameB != "" {
			line += fmt.Sprintf("  (%s vs %s)", conv.ChosenNameA, conv.ChosenNameB)
		}
		fmt.Fprintln(out, line)
	}
}

// follower tracks per-file read offsets across attach polls.
type follower struct {
	offsets map[string]int64
}

// drain reads events appended since the last call, oldest files first.
func (f *follower) drain(expDir string, emit func(source string, ev events.Event)) {
	f.file(filepath.Join(expDir, experiment.EventsFile), "experiment", emit)

	entries, err := os.ReadDir(experiment.ConversationsDir(expDir))
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		f.file(filepath.Join(experiment.ConversationsDir(expDir), entry.Name(), experiment.EventsFile),
			entry.Name(), emit)
	}
}

func (f *follower) file(path, source string, emit func(string, events.Event)) {
	evs, offset, err := events.ReadFrom(path, f.offsets[path])
	if err != nil {
		return
	}
	f.offsets[path] = offset
	for _, ev := range evs {
		emit(source, ev)
	}
}

func runAttach(cmd *cobra.Command, outputRoot, id string, tail bool) error {
	b := state.NewBuilder()
	exp, err := b.Find(outputRoot, id)
	if err != nil {
		return notFoundErr(err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	emit := func(source string, ev events.Event) {
		if tail {
			if line, err := json.Marshal(ev); err == nil {
				fmt.Fprintf(out, "%s %s\n", source, line)
			}
			return
		}
		switch ev.Type {
		case events.TypeMessageCompleted:
			fmt.Fprintf(out, "[%s] %s: %s\n", source, ev.Str("agent_id"), ev.Str("content"))
		case events.TypeNameChosen:
			fmt.Fprintf(out, "[%s] %s chose the name %q\n", source, ev.Str("agent_id"), ev.Str("name"))
		case events.TypeConvergenceReached:
			fmt.Fprintf(out, "[%s] convergence %.2f reached threshold %.2f (%s)\n",
				source, ev.Float("score"), ev.Float("threshold"), ev.Str("action"))
		case events.TypeConversationEnded:
			fmt.Fprintf(out, "[%s] ended: %s (%s) after %d turns\n",
				source, ev.Str("status"), ev.Str("reason"), ev.Int("total_turns"))
		case events.TypeExperimentEnded:
			fmt.Fprintf(out, "experiment %s: %d completed, %d failed\n",
				ev.Str("status"), ev.Int("completed"), ev.Int("failed"))
		}
	}

	f := &follower{offsets: make(map[string]int64)}
	f.drain(exp.Dir, emit)
	if exp.Terminal() {
		return nil
	}

	ch := state.Watch(ctx, exp.Dir, 0)
	for {
		select {
		case <-ctx.Done():
			// Detach only; the experiment keeps running.
			return &exitError{code: exitInterrupt}
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			f.drain(exp.Dir, emit)
			exp, err = b.Experiment(exp.Dir)
			if err == nil && exp.Terminal() {
				f.drain(exp.Dir, emit)
				return nil
			}
		}
	}
}

func runStop(cmd *cobra.Command, outputRoot, id string) error {
	exp, err := state.NewBuilder().Find(outputRoot, id)
	if err != nil {
		return notFoundErr(err)
	}
	return stopExperiment(cmd, exp)
}

func runStopAll(cmd *cobra.Command, outputRoot string) error {
	experiments, err := state.NewBuilder().List(outputRoot, false)
	if err != nil {
		return err
	}
	if len(experiments) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no running experiments")
		return nil
	}
	for _, exp := range experiments {
		if err := stopExperiment(cmd, exp); err != nil {
			return err
		}
	}
	return nil
}

func stopExperiment(cmd *cobra.Command, exp *state.Experiment) error {
	id := exp.Manifest.ExperimentID
	pid, err := experiment.ReadPIDFile(filepath.Join(exp.Dir, experiment.PIDFile))
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: no daemon running\n", id)
		return nil
	}
	if !experiment.ProcessAlive(pid) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: daemon (pid %d) already gone\n", id, pid)
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: stop signal sent to pid %d\n", id, pid)
	return nil
}
