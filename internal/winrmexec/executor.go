// Package winrmexec implements the Windows target executor (spec §4.8): it
// runs PowerShell runbook steps on remote Windows machines over WinRM,
// handling the cmd.exe 8191 character limit via temp-file chunking, NTLM
// auth, session caching, and retry with backoff.
package winrmexec

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	gowinrm "github.com/masterzen/winrm"

	"github.com/osiriscare/agentcore/internal/phi"
)

// Target describes a Windows machine and the credential this cycle pulled
// for it. CredentialIssuedAt anchors the refusal rule in spec §4.8: the
// executor must refuse to run a step if the credential predates the
// current poll cycle.
type Target struct {
	Hostname           string
	Port               int
	Username           string
	Password           string
	UseSSL             bool
	VerifySSL          bool
	CredentialIssuedAt time.Time
}

// ExecutionResult is the outcome of one runbook step on one target.
type ExecutionResult struct {
	Success      bool
	Target       string
	Phase        string
	Output       map[string]interface{}
	ExitCode     int
	DurationSecs float64
	Error        string
	Timestamp    time.Time
	OutputHash   string
	RetryCount   int
}

type cachedSession struct {
	client    *gowinrm.Client
	createdAt time.Time
}

const (
	sessionMaxAge     = 300 * time.Second
	inlineScriptLimit = 2000
	chunkSize         = 6000
	defaultTimeout    = 300
)

// Executor manages WinRM sessions and dispatches runbook steps.
type Executor struct {
	sessions map[string]*cachedSession
	mu       sync.Mutex
	scrubber *phi.Scrubber
}

// NewExecutor creates a WinRM executor. scrubber may be nil, in which case
// a default Scrubber is used.
func NewExecutor(scrubber *phi.Scrubber) *Executor {
	if scrubber == nil {
		scrubber = phi.NewScrubber()
	}
	return &Executor{
		sessions: make(map[string]*cachedSession),
		scrubber: scrubber,
	}
}

// ErrStaleCredential is returned when the target's credential predates the
// cycle that is trying to use it (spec §4.8).
type ErrStaleCredential struct {
	Hostname   string
	IssuedAt   time.Time
	CycleStart time.Time
}

func (e *ErrStaleCredential) Error() string {
	return fmt.Sprintf("credential for %s issued %s, older than cycle start %s",
		e.Hostname, e.IssuedAt.Format(time.RFC3339), e.CycleStart.Format(time.RFC3339))
}

// Execute runs a PowerShell script on a Windows target with bounded retry.
// cycleStart is the current polling cycle's start time; a credential older
// than that is refused outright (spec §4.8).
func (e *Executor) Execute(cycleStart time.Time, target *Target, script, phase string, timeout int, retries int, retryDelay float64) *ExecutionResult {
	if target.CredentialIssuedAt.Before(cycleStart) {
		err := &ErrStaleCredential{Hostname: target.Hostname, IssuedAt: target.CredentialIssuedAt, CycleStart: cycleStart}
		return &ExecutionResult{
			Success:   false,
			Target:    target.Hostname,
			Phase:     phase,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		}
	}

	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if retryDelay <= 0 {
		retryDelay = 30.0
	}

	start := time.Now().UTC()
	var lastErr string
	retryCount := 0

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(retryDelay*float64(attempt)) * time.Second
			log.Printf("[winrmexec] retry %d/%d for %s after %.0fs", attempt, retries, target.Hostname, delay.Seconds())
			time.Sleep(delay)
			retryCount++
		}

		output, exitCode, err := e.executeOnce(target, script, timeout)
		if err != nil {
			lastErr = err.Error()
			log.Printf("[winrmexec] execution failed on %s: %v", target.Hostname, err)
			e.InvalidateSession(target.Hostname)
			continue
		}

		e.scrubOutput(output)
		elapsed := time.Since(start).Seconds()
		return &ExecutionResult{
			Success:      exitCode == 0,
			Target:       target.Hostname,
			Phase:        phase,
			Output:       output,
			ExitCode:     exitCode,
			DurationSecs: elapsed,
			Timestamp:    start,
			OutputHash:   hashOutput(output),
			RetryCount:   retryCount,
		}
	}

	elapsed := time.Since(start).Seconds()
	return &ExecutionResult{
		Success:      false,
		Target:       target.Hostname,
		Phase:        phase,
		Output:       map[string]interface{}{"std_out": "", "std_err": e.scrubber.Redact(lastErr)},
		DurationSecs: elapsed,
		Error:        e.scrubber.Redact(lastErr),
		Timestamp:    start,
		RetryCount:   retryCount,
	}
}

func (e *Executor) scrubOutput(output map[string]interface{}) {
	for _, k := range []string{"std_out", "std_err"} {
		if s, ok := output[k].(string); ok {
			output[k] = e.scrubber.Redact(s)
		}
	}
}

func (e *Executor) executeOnce(target *Target, script string, timeout int) (map[string]interface{}, int, error) {
	client, err := e.getSession(target)
	if err != nil {
		return nil, -1, fmt.Errorf("get session: %w", err)
	}

	var stdout, stderr string
	var exitCode int

	if len(script) > inlineScriptLimit {
		stdout, stderr, exitCode, err = e.executeViaTempFile(client, script, timeout)
	} else {
		stdout, stderr, exitCode, err = e.executeInline(client, script, timeout)
	}
	if err != nil {
		return nil, -1, err
	}

	output := map[string]interface{}{
		"status_code": exitCode,
		"std_out":     stdout,
		"std_err":     stderr,
	}
	if stdout != "" {
		var parsed interface{}
		if json.Unmarshal([]byte(stdout), &parsed) == nil {
			output["parsed"] = parsed
		}
	}
	return output, exitCode, nil
}

func (e *Executor) executeInline(client *gowinrm.Client, script string, timeout int) (string, string, int, error) {
	shell, err := client.CreateShell()
	if err != nil {
		return "", "", -1, fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	encoded := encodePowerShell(script)
	cmd, err := shell.Execute("powershell.exe", "-NoProfile", "-NonInteractive", "-EncodedCommand", encoded)
	if err != nil {
		return "", "", -1, fmt.Errorf("execute: %w", err)
	}
	defer cmd.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	go io.Copy(&stdoutBuf, cmd.Stdout)
	go io.Copy(&stderrBuf, cmd.Stderr)
	cmd.Wait()

	return strings.TrimSpace(stdoutBuf.String()), strings.TrimSpace(stderrBuf.String()), cmd.ExitCode(), nil
}

func (e *Executor) executeViaTempFile(client *gowinrm.Client, script string, timeout int) (string, string, int, error) {
	scriptHash := fmt.Sprintf("%x", sha256.Sum256([]byte(script)))[:8]
	tempB64 := fmt.Sprintf(`C:\Windows\Temp\agentcore_%s.b64`, scriptHash)
	tempPS1 := fmt.Sprintf(`C:\Windows\Temp\agentcore_%s.ps1`, scriptHash)

	encoded := base64.StdEncoding.EncodeToString([]byte(script))
	chunks := splitString(encoded, chunkSize)

	shell, err := client.CreateShell()
	if err != nil {
		return "", "", -1, fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	for i, chunk := range chunks {
		op := ">"
		if i > 0 {
			op = ">>"
		}
		cmdStr := fmt.Sprintf(`echo %s%s"%s"`, chunk, op, tempB64)
		cmd, err := shell.Execute("cmd.exe", "/c", cmdStr)
		if err != nil {
			return "", "", -1, fmt.Errorf("write chunk %d: %w", i, err)
		}
		cmd.Wait()
		cmd.Close()
		if cmd.ExitCode() != 0 {
			return "", "", -1, fmt.Errorf("write chunk %d failed: exit %d", i, cmd.ExitCode())
		}
	}

	decodeAndRun := fmt.Sprintf(
		`$r=(Get-Content '%s' -Raw) -replace '\s',''; `+
			`$b=[Convert]::FromBase64String($r); `+
			`[IO.File]::WriteAllText('%s',[Text.Encoding]::UTF8.GetString($b)); `+
			`Remove-Item '%s' -Force -EA SilentlyContinue; `+
			`try { & '%s' } finally { Remove-Item '%s' -Force -EA SilentlyContinue }`,
		tempB64, tempPS1, tempB64, tempPS1, tempPS1,
	)

	encodedCmd := encodePowerShell(decodeAndRun)
	cmd, err := shell.Execute("powershell.exe", "-NoProfile", "-NonInteractive", "-EncodedCommand", encodedCmd)
	if err != nil {
		return "", "", -1, fmt.Errorf("execute temp file: %w", err)
	}
	defer cmd.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	go io.Copy(&stdoutBuf, cmd.Stdout)
	go io.Copy(&stderrBuf, cmd.Stderr)
	cmd.Wait()

	return strings.TrimSpace(stdoutBuf.String()), strings.TrimSpace(stderrBuf.String()), cmd.ExitCode(), nil
}

func (e *Executor) getSession(target *Target) (*gowinrm.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.sessions[target.Hostname]; ok {
		if time.Since(cached.createdAt) < sessionMaxAge {
			return cached.client, nil
		}
		log.Printf("[winrmexec] session expired for %s, refreshing", target.Hostname)
	}

	port := target.Port
	if port == 0 {
		if target.UseSSL {
			port = 5986
		} else {
			port = 5985
		}
	}

	endpoint := gowinrm.NewEndpoint(target.Hostname, port, target.UseSSL, !target.VerifySSL, nil, nil, nil, 120*time.Second)

	params := gowinrm.NewParameters("PT120S", "en-US", 153600)
	params.TransportDecorator = func() gowinrm.Transporter { return &gowinrm.ClientNTLM{} }

	client, err := gowinrm.NewClientWithParameters(endpoint, target.Username, target.Password, params)
	if err != nil {
		return nil, fmt.Errorf("create WinRM client for %s: %w", target.Hostname, err)
	}

	e.sessions[target.Hostname] = &cachedSession{client: client, createdAt: time.Now()}
	log.Printf("[winrmexec] new session for %s:%d (ssl=%v)", target.Hostname, port, target.UseSSL)
	return client, nil
}

// InvalidateSession drops a cached session, forcing reconnect next call.
func (e *Executor) InvalidateSession(hostname string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, hostname)
}

// SessionCount reports the number of cached sessions (for tests/metrics).
func (e *Executor) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func encodePowerShell(script string) string {
	utf16 := make([]byte, len(script)*2)
	for i, c := range []byte(script) {
		utf16[i*2] = c
		utf16[i*2+1] = 0
	}
	return base64.StdEncoding.EncodeToString(utf16)
}

func splitString(s string, size int) []string {
	var chunks []string
	for len(s) > 0 {
		end := size
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[:end])
		s = s[end:]
	}
	return chunks
}

func hashOutput(output map[string]interface{}) string {
	data, _ := json.Marshal(output)
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)[:16]
}
