package winrmexec

import (
	"strings"
	"testing"
	"time"
)

func TestEncodePowerShell(t *testing.T) {
	script := "Get-Date"
	encoded := encodePowerShell(script)

	expected := "RwBlAHQALQBEAGEAdABlAA=="
	if encoded != expected {
		t.Fatalf("expected %s, got %s", expected, encoded)
	}
}

func TestSplitString(t *testing.T) {
	tests := []struct {
		input    string
		size     int
		expected int
	}{
		{"hello", 3, 2},
		{"hello", 10, 1},
		{"", 5, 0},
		{"abcdef", 2, 3},
		{"abcdefg", 3, 3},
	}

	for _, tt := range tests {
		chunks := splitString(tt.input, tt.size)
		if len(chunks) != tt.expected {
			t.Fatalf("splitString(%q, %d) = %d chunks, want %d", tt.input, tt.size, len(chunks), tt.expected)
		}
		if joined := strings.Join(chunks, ""); joined != tt.input {
			t.Fatalf("reassembled %q, want %q", joined, tt.input)
		}
	}
}

func TestExecuteRefusesStaleCredential(t *testing.T) {
	e := NewExecutor(nil)
	cycleStart := time.Now().UTC()
	target := &Target{
		Hostname:           "ws01.example.com",
		CredentialIssuedAt: cycleStart.Add(-time.Minute),
	}

	result := e.Execute(cycleStart, target, "Get-Date", "remediate", 5, 0, 0)
	if result.Success {
		t.Fatal("expected stale credential to be refused")
	}
	if !strings.Contains(result.Error, "older than cycle start") {
		t.Fatalf("expected stale-credential error, got %q", result.Error)
	}
}

func TestHashOutputDeterministic(t *testing.T) {
	out := map[string]interface{}{"std_out": "ok", "status_code": 0}
	h1 := hashOutput(out)
	h2 := hashOutput(out)
	if h1 != h2 {
		t.Fatalf("hashOutput not deterministic: %s != %s", h1, h2)
	}
	if len(h1) != 16 {
		t.Fatalf("expected 16-char hash, got %d", len(h1))
	}
}
