package cmdrunner

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesStdoutAndExitCode(t *testing.T) {
	res := Run(context.Background(), 5*time.Second, nil, "bash", "-c", "echo hello; exit 0")
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("unexpected stdout: %q", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", res.ExitCode)
	}
}

func TestRunCapturesNonZeroExit(t *testing.T) {
	res := Run(context.Background(), 5*time.Second, nil, "bash", "-c", "exit 7")
	if res.ExitCode != 7 {
		t.Errorf("expected exit code 7, got %d", res.ExitCode)
	}
}

func TestRunEnforcesTimeout(t *testing.T) {
	res := Run(context.Background(), 200*time.Millisecond, nil, "bash", "-c", "sleep 30")
	if !res.TimedOut {
		t.Error("expected TimedOut to be true")
	}
}

func TestRunTruncatesOversizedOutput(t *testing.T) {
	res := Run(context.Background(), 10*time.Second, nil, "bash", "-c", "head -c 2000000 /dev/zero | tr '\\0' 'a'")
	if !res.Truncated {
		t.Error("expected Truncated to be true for 2MiB of output")
	}
	if len(res.Stdout) > maxStreamBytes {
		t.Errorf("stdout exceeds cap: %d bytes", len(res.Stdout))
	}
}

func TestRunRespectsBoundedEnv(t *testing.T) {
	res := Run(context.Background(), 5*time.Second, []string{"FOO=bar"}, "bash", "-c", "echo $FOO:$HOME")
	out := strings.TrimSpace(res.Stdout)
	if !strings.HasPrefix(out, "bar:") {
		t.Errorf("expected FOO=bar to be visible, got %q", out)
	}
}
