// Package main provides the pidgin CLI: launch, observe, and stop AI-to-AI
// conversation experiments.
//
// # Basic Usage
//
// Launch an experiment from a YAML spec:
//
//	pidgin run --config experiment.yaml
//
// Or directly from flags:
//
//	pidgin run --agent-a claude-sonnet-4-20250514 --agent-b gpt-4o --max-turns 20
//
// Observe running experiments:
//
//	pidgin list
//	pidgin status <experiment-id> --watch
//	pidgin attach <experiment-id> --tail
//
// Stop one or all experiments:
//
//	pidgin stop <experiment-id>
//	pidgin stop --all
//
// # Environment Variables
//
//   - PIDGIN_OUTPUT_ROOT: Output directory root (default: ./pidgin_output)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - GEMINI_API_KEY / GOOGLE_API_KEY: Google API key for Gemini models
//   - XAI_API_KEY: xAI API key for Grok models
//   - OLLAMA_HOST: Ollama endpoint (default: http://localhost:11434)
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes per the CLI contract.
const (
	exitOK        = 0
	exitUsage     = 2
	exitNotFound  = 3
	exitInterrupt = 130
)

// exitError carries a specific process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageErr(err error) error    { return &exitError{code: exitUsage, err: err} }
func notFoundErr(err error) error { return &exitError{code: exitNotFound, err: err} }

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		if ee == nil || ee.err != nil {
			fmt.Fprintln(os.Stderr, "pidgin:", err)
		}
		os.Exit(code)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pidgin",
		Short: "Pidgin - AI-to-AI conversation experiment runtime",
		Long: `Pidgin orchestrates experiments in which two AI agents converse under
controlled conditions while every event is recorded and linguistic
convergence is measured turn by turn.

Each experiment runs under a detached daemon; the CLI only launches,
observes, and stops. The append-only event log in each conversation
directory is the canonical record.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildListCmd(),
		buildStatusCmd(),
		buildAttachCmd(),
		buildStopCmd(),
		buildImportCmd(),
		buildDaemonExecCmd(),
	)
	return rootCmd
}
