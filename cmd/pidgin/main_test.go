package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommandWiring(t *testing.T) {
	cmd := buildRootCmd()
	for _, name := range []string{"run", "list", "status", "attach", "stop", "import"} {
		sub, _, err := cmd.Find([]string{name})
		if err != nil || sub.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
	sub, _, err := cmd.Find([]string{"daemon-exec"})
	if err != nil || !sub.Hidden {
		t.Error("daemon-exec must be registered and hidden")
	}
}

func TestListAgainstEmptyRoot(t *testing.T) {
	out, err := execute(t, "list", "--output", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "no active experiments") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestStatusUnknownExperimentExitsNotFound(t *testing.T) {
	_, err := execute(t, "status", "exp-nope", "--output", t.TempDir())
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != exitNotFound {
		t.Fatalf("err = %v, want exit code %d", err, exitNotFound)
	}
}

func TestStopWithoutArgsIsUsageError(t *testing.T) {
	_, err := execute(t, "stop", "--output", t.TempDir())
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != exitUsage {
		t.Fatalf("err = %v, want exit code %d", err, exitUsage)
	}
}

func TestRunRejectsUnknownModel(t *testing.T) {
	_, err := execute(t, "run",
		"--agent-a", "definitely-not-a-model",
		"--agent-b", "test",
		"--max-turns", "1",
		"--output", t.TempDir())
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != exitUsage {
		t.Fatalf("err = %v, want exit code %d", err, exitUsage)
	}
}

func TestRunRejectsBadCustomWeights(t *testing.T) {
	_, err := execute(t, "run",
		"--agent-a", "test",
		"--agent-b", "test",
		"--max-turns", "1",
		"--convergence-profile", "nope",
		"--output", t.TempDir())
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != exitUsage {
		t.Fatalf("err = %v, want exit code %d", err, exitUsage)
	}
}

func TestExitErrorFormatting(t *testing.T) {
	plain := &exitError{code: exitInterrupt}
	if got := plain.Error(); got != fmt.Sprintf("exit %d", exitInterrupt) {
		t.Errorf("bare exit error = %q", got)
	}
	wrapped := usageErr(errors.New("boom"))
	if wrapped.Error() != "boom" {
		t.Errorf("wrapped error = %q", wrapped.Error())
	}
	if !errors.Is(wrapped, wrapped) {
		t.Error("exitError must support errors.Is on itself")
	}
}
