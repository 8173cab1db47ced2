// Package controlplane implements the mTLS HTTPS client the Supervisor uses
// to check in, upload evidence, and refresh the egress allowlist (spec §4.7).
package controlplane

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/osiriscare/agentcore/internal/orders"
)

// Retry policy from spec §4.7.
const (
	maxRetries  = 5
	baseBackoff = time.Second
	capBackoff  = 30 * time.Second
	jitterFrac  = 0.10

	// outboundRateLimit bounds how many HTTP requests this client issues per
	// second against the control plane, independent of retry/backoff, so a
	// cycle that both checks in and drains a large queue backlog doesn't
	// burst the control plane with simultaneous connections.
	outboundRateLimit rate.Limit = 5
	outboundBurst                = 10
)

// WindowsTarget mirrors spec §3.3, as received from the control plane.
type WindowsTarget struct {
	Hostname         string   `json:"hostname"`
	IP               string   `json:"ip"`
	CredentialUser   string   `json:"credential_user"`
	CredentialSecret string   `json:"credential_secret"`
	Roles            []string `json:"roles"`
}

// CheckinResult is the decoded response of POST /api/appliances/checkin.
type CheckinResult struct {
	Orders         []orders.Order  `json:"orders"`
	WindowsTargets []WindowsTarget `json:"windows_targets"`
	ServerTime     time.Time       `json:"server_time"`
}

// PermanentError wraps a non-retryable 4xx response.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error: HTTP %d: %s", e.StatusCode, e.Body)
}

// SkewError reports that the control plane's clock diverged from the local
// clock by more than ntp_max_skew_ms (spec §6.2). CheckIn discards the
// response whenever this fires.
type SkewError struct {
	SkewMs       int64
	MaxAllowedMs int
}

func (e *SkewError) Error() string {
	return fmt.Sprintf("server clock skew %dms exceeds ntp_max_skew_ms %d: response rejected", e.SkewMs, e.MaxAllowedMs)
}

// Client is the mTLS HTTPS control-plane client.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	breaker      *gobreaker.CircuitBreaker[[]byte]
	ntpMaxSkewMs int
	rng          *rand.Rand
	limiter      *rate.Limiter
}

// New creates a Client. tlsConfig should come from internal/mtls.ClientConfig.
func New(baseURL, apiKey string, tlsConfig *tls.Config, requestTimeout time.Duration, ntpMaxSkewMs int) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	httpClient := &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			TLSClientConfig:     tlsConfig,
			MaxIdleConns:        5,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	settings := gobreaker.Settings{
		Name:        "control-plane",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("[controlplane] circuit %s: %s -> %s", name, from, to)
		},
	}

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		httpClient:   httpClient,
		breaker:      gobreaker.NewCircuitBreaker[[]byte](settings),
		ntpMaxSkewMs: ntpMaxSkewMs,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		limiter:      rate.NewLimiter(outboundRateLimit, outboundBurst),
	}
}

type checkinRequest struct {
	SiteID       string                 `json:"site_id"`
	HostID       string                 `json:"host_id"`
	AgentVersion string                 `json:"agent_version"`
	Metrics      map[string]interface{} `json:"metrics"`
}

// CheckIn performs the checkin round-trip (spec §4.7, §6.2). It validates
// the server's clock against the local clock per §6.2's skew contract;
// callers must treat a skew violation as an alert and discard the response.
func (c *Client) CheckIn(ctx context.Context, siteID, hostID, agentVersion string, metrics map[string]interface{}, localNow time.Time) (*CheckinResult, error) {
	body, err := json.Marshal(checkinRequest{SiteID: siteID, HostID: hostID, AgentVersion: agentVersion, Metrics: metrics})
	if err != nil {
		return nil, fmt.Errorf("marshal checkin request: %w", err)
	}

	respBody, err := c.doWithRetry(ctx, http.MethodPost, "/api/appliances/checkin", "application/json", body)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Orders         []orders.Order  `json:"orders"`
		WindowsTargets []WindowsTarget `json:"windows_targets"`
		ServerTime     string          `json:"server_time"`
	}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("parse checkin response: %w", err)
	}

	serverTime, err := time.Parse(time.RFC3339, raw.ServerTime)
	if err != nil {
		return nil, fmt.Errorf("parse server_time: %w", err)
	}

	skewMs := math.Abs(float64(localNow.Sub(serverTime).Milliseconds()))
	if int(skewMs) > c.ntpMaxSkewMs {
		return nil, &SkewError{SkewMs: int64(skewMs), MaxAllowedMs: c.ntpMaxSkewMs}
	}

	return &CheckinResult{Orders: raw.Orders, WindowsTargets: raw.WindowsTargets, ServerTime: serverTime}, nil
}

// UploadOutcome is the result of UploadEvidence.
type UploadOutcome string

const (
	UploadAck         UploadOutcome = "ack"
	UploadRetryLater  UploadOutcome = "retry-later"
	UploadPermanent   UploadOutcome = "permanent-error"
)

// UploadEvidence uploads a bundle and its optional signature as a multipart
// request (spec §6.2).
func (c *Client) UploadEvidence(ctx context.Context, bundlePath, signaturePath string) (UploadOutcome, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := attachFile(writer, "bundle", bundlePath); err != nil {
		return UploadPermanent, err
	}
	if signaturePath != "" {
		if err := attachFile(writer, "signature", signaturePath); err != nil {
			return UploadPermanent, err
		}
	}
	if err := writer.Close(); err != nil {
		return UploadPermanent, fmt.Errorf("close multipart writer: %w", err)
	}

	_, err := c.doWithRetry(ctx, http.MethodPost, "/api/evidence", writer.FormDataContentType(), buf.Bytes())
	if err != nil {
		var permErr *PermanentError
		if errors.As(err, &permErr) {
			return UploadPermanent, err
		}
		return UploadRetryLater, err
	}
	return UploadAck, nil
}

func attachFile(w *multipart.Writer, field, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s for upload: %w", path, err)
	}
	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("create form field %s: %w", field, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write form field %s: %w", field, err)
	}
	return nil
}

// RefreshEgressIPs fetches the site's runbooks endpoint and returns the host
// names listed in its "allowed_hosts" field (not resolved IP addresses), for
// the Egress refresher (spec §4.7, §6.2).
func (c *Client) RefreshEgressIPs(ctx context.Context, siteID string) ([]string, error) {
	path := fmt.Sprintf("/api/sites/%s/runbooks", url.PathEscape(siteID))
	respBody, err := c.doWithRetry(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}

	var raw struct {
		AllowedHosts []string `json:"allowed_hosts"`
	}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("parse runbooks response: %w", err)
	}
	return raw.AllowedHosts, nil
}

// doWithRetry performs one HTTP round trip with up to maxRetries attempts,
// exponential backoff with ±10% jitter (base 1s, cap 30s), wrapped in a
// circuit breaker so a prolonged outage trips into backing-off instead of
// retrying indefinitely every cycle.
func (c *Client) doWithRetry(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, c.rng)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.breaker.Execute(func() ([]byte, error) {
			return c.doOnce(ctx, method, path, contentType, body)
		})
		if err == nil {
			return result, nil
		}

		var permErr *PermanentError
		if errors.As(err, &permErr) {
			return nil, err // 4xx: not retried
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("control-plane circuit open: %w", err)
		}

		lastErr = err
		log.Printf("[controlplane] %s %s attempt %d/%d failed: %v", method, path, attempt+1, maxRetries, err)
	}

	return nil, fmt.Errorf("control-plane request failed after %d attempts: %w", maxRetries, lastErr)
}

func backoffDelay(attempt int, rng *rand.Rand) time.Duration {
	d := time.Duration(float64(baseBackoff) * math.Pow(2, float64(attempt)))
	if d > capBackoff {
		d = capBackoff
	}
	jitter := 1 + (rng.Float64()*2-1)*jitterFrac
	return time.Duration(float64(d) * jitter)
}

func (c *Client) doOnce(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", "agentcore/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &PermanentError{StatusCode: resp.StatusCode, Body: string(respBody)}
	default:
		return nil, fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, string(respBody))
	}
}
