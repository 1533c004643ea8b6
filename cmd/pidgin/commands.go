// commands.go contains the cobra command definitions and their flag wiring.
// Handlers live in handlers.go.
package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pidginlab/pidgin/internal/config"
	"github.com/pidginlab/pidgin/internal/experiment"
)

func buildRunCmd() *cobra.Command {
	var (
		specPath   string
		outputRoot string
		foreground bool

		name         string
		agentA       string
		agentB       string
		repetitions  int
		maxTurns     int
		maxParallel  int
		firstSpeaker string
		awareness    string
		customPrompt string
		promptTag    string
		chooseNames  bool
		allowTrunc   bool
		display      string
		threshold    float64
		action       string
		profile      string
		tempA        float64
		tempB        float64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch an experiment",
		Long: `Launch an experiment from a YAML spec, command-line flags, or both
(flags override the spec). The experiment runs under a detached daemon;
run returns once the daemon is launched, not when the experiment ends.`,
		Example: `  # From a YAML spec
  pidgin run --config experiment.yaml

  # Two models, twenty turns, five repetitions
  pidgin run --agent-a claude-sonnet-4-20250514 --agent-b gpt-4o \
      --max-turns 20 --repetitions 5 --max-parallel 2

  # Local smoke run in the foreground
  pidgin run --agent-a test --agent-b test --max-turns 3 --foreground`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.ExperimentConfig
			if specPath != "" {
				loaded, err := config.LoadSpec(specPath)
				if err != nil {
					return usageErr(err)
				}
				cfg = loaded
			} else {
				cfg = &config.ExperimentConfig{}
			}

			set := func(flag string, apply func()) {
				if cmd.Flags().Changed(flag) {
					apply()
				}
			}
			set("name", func() { cfg.Name = name })
			set("agent-a", func() { cfg.AgentAModel = agentA })
			set("agent-b", func() { cfg.AgentBModel = agentB })
			set("repetitions", func() { cfg.Repetitions = repetitions })
			set("max-turns", func() { cfg.MaxTurns = &maxTurns })
			set("max-parallel", func() { cfg.MaxParallel = maxParallel })
			set("first-speaker", func() { cfg.FirstSpeaker = firstSpeaker })
			set("awareness", func() { cfg.Awareness = awareness })
			set("prompt", func() { cfg.CustomPrompt = customPrompt })
			set("prompt-tag", func() { cfg.PromptTag = promptTag })
			set("choose-names", func() { cfg.ChooseNames = chooseNames })
			set("allow-truncation", func() { cfg.AllowTruncation = allowTrunc })
			set("display", func() { cfg.DisplayMode = display })
			set("convergence-threshold", func() { cfg.ConvergenceThreshold = &threshold })
			set("convergence-action", func() { cfg.ConvergenceAction = action })
			set("convergence-profile", func() { cfg.ConvergenceProfile = profile })
			set("temperature-a", func() { cfg.TemperatureA = &tempA })
			set("temperature-b", func() { cfg.TemperatureB = &tempB })

			return runRun(cmd, cfg, outputRoot, foreground)
		},
	}

	cmd.Flags().StringVarP(&specPath, "config", "c", "", "Path to YAML experiment spec")
	cmd.Flags().StringVarP(&outputRoot, "output", "o", experiment.DefaultOutputRoot(), "Output root directory")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run the experiment in the foreground instead of a daemon")

	cmd.Flags().StringVar(&name, "name", "", "Experiment name")
	cmd.Flags().StringVar(&agentA, "agent-a", "", "Model for agent A")
	cmd.Flags().StringVar(&agentB, "agent-b", "", "Model for agent B")
	cmd.Flags().IntVar(&repetitions, "repetitions", 0, "Number of conversations to run")
	cmd.Flags().IntVar(&maxTurns, "max-turns", 0, "Maximum turns per conversation")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "Concurrent conversation limit")
	cmd.Flags().StringVar(&firstSpeaker, "first-speaker", "", "First speaker: agent_a, agent_b, or random")
	cmd.Flags().StringVar(&awareness, "awareness", "", "Awareness level: none, basic, firm, research")
	cmd.Flags().StringVar(&customPrompt, "prompt", "", "Custom initial message")
	cmd.Flags().StringVar(&promptTag, "prompt-tag", "", "Tag prepended to the initial message")
	cmd.Flags().BoolVar(&chooseNames, "choose-names", false, "Ask each agent to pick a self-name")
	cmd.Flags().BoolVar(&allowTrunc, "allow-truncation", false, "Trim oldest messages on context overflow")
	cmd.Flags().StringVar(&display, "display", "", "Display mode after launch: chat, tail, quiet, none")
	cmd.Flags().Float64Var(&threshold, "convergence-threshold", 0, "Stop/warn threshold in [0,1]")
	cmd.Flags().StringVar(&action, "convergence-action", "", "Action at threshold: stop or warn")
	cmd.Flags().StringVar(&profile, "convergence-profile", "", "Weight profile: balanced, structural, semantic, strict, custom")
	cmd.Flags().Float64Var(&tempA, "temperature-a", 0, "Sampling temperature for agent A")
	cmd.Flags().Float64Var(&tempB, "temperature-b", 0, "Sampling temperature for agent B")

	return cmd
}

func buildListCmd() *cobra.Command {
	var (
		outputRoot string
		all        bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, outputRoot, all)
		},
	}
	cmd.Flags().StringVarP(&outputRoot, "output", "o", experiment.DefaultOutputRoot(), "Output root directory")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include finished experiments")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var (
		outputRoot string
		watch      bool
	)
	cmd := &cobra.Command{
		Use:   "status <experiment-id>",
		Short: "Show one experiment's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, outputRoot, args[0], watch)
		},
	}
	cmd.Flags().StringVarP(&outputRoot, "output", "o", experiment.DefaultOutputRoot(), "Output root directory")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until the experiment finishes")
	return cmd
}

func buildAttachCmd() *cobra.Command {
	var (
		outputRoot string
		tail       bool
	)
	cmd := &cobra.Command{
		Use:   "attach <experiment-id>",
		Short: "Stream live progress from a running experiment",
		Long: `Attach a read-only live view over an experiment's event logs. Detaching
with Ctrl-C never affects the experiment.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(cmd, outputRoot, args[0], tail)
		},
	}
	cmd.Flags().StringVarP(&outputRoot, "output", "o", experiment.DefaultOutputRoot(), "Output root directory")
	cmd.Flags().BoolVarP(&tail, "tail", "t", false, "Show the raw event stream instead of the chat view")
	return cmd
}

func buildStopCmd() *cobra.Command {
	var (
		outputRoot string
		all        bool
	)
	cmd := &cobra.Command{
		Use:   "stop [experiment-id]",
		Short: "Stop a running experiment's daemon",
		Long: `Send SIGTERM to the experiment's daemon. In-flight conversations get a
grace period to record their interrupted terminal events. No data is
deleted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				return runStopAll(cmd, outputRoot)
			}
			if len(args) != 1 {
				return usageErr(errors.New("stop requires an experiment id or --all"))
			}
			return runStop(cmd, outputRoot, args[0])
		},
	}
	cmd.Flags().StringVarP(&outputRoot, "output", "o", experiment.DefaultOutputRoot(), "Output root directory")
	cmd.Flags().BoolVar(&all, "all", false, "Stop every running experiment")
	return cmd
}

func buildImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Import finished experiments into an analysis database",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(),
				"import is handled by the separate post-hoc analysis tooling; the\n"+
					"event logs under the experiment directory are its input.")
			return nil
		},
	}
}

// buildDaemonExecCmd is the hidden re-exec entry for the detached daemon.
func buildDaemonExecCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:    "daemon-exec",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(dir)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Experiment directory")
	cmd.MarkFlagRequired("dir")
	return cmd
}
