// Package egress resolves the control plane's allowed hostnames to their
// current A records and republishes them into the host firewall's egress
// allowlist set, on a periodic timer and at startup (spec §4.4).
package egress

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"
)

// RefreshInterval is the periodic timer period spec §4.4 names.
const RefreshInterval = time.Hour

// SetWriter atomically replaces the contents of the host-firewall's named
// egress-allowlist set (spec §6.4: "load a complete set, then swap").
// Implemented by internal/firewall in production; a package boundary here
// keeps Refresher testable without root privileges.
type SetWriter interface {
	ReplaceSet(ctx context.Context, ips []string) error
}

// Resolver looks up A records for a hostname. Overridable in tests.
type Resolver func(ctx context.Context, host string) ([]string, error)

// Refresher re-resolves configured hostnames and republishes the firewall
// egress set.
type Refresher struct {
	hosts    []string
	writer   SetWriter
	resolve  Resolver
	running  int32
	lastIPs  []string
}

// New creates a Refresher for the given allowed hostnames.
func New(hosts []string, writer SetWriter) *Refresher {
	return &Refresher{
		hosts:   hosts,
		writer:  writer,
		resolve: defaultResolve,
	}
}

func defaultResolve(ctx context.Context, host string) ([]string, error) {
	r := &net.Resolver{}
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// Run blocks, refreshing immediately and then every RefreshInterval, until
// ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	r.refreshOnce(ctx)

	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshOnce(ctx)
		}
	}
}

// RefreshNow performs a single refresh immediately, for use by the Supervisor
// when allowed_hosts changes or on demand.
func (r *Refresher) RefreshNow(ctx context.Context) ([]string, error) {
	return r.refresh(ctx)
}

func (r *Refresher) refreshOnce(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		log.Printf("[egress] refresh already in progress, skipping tick")
		return
	}
	defer atomic.StoreInt32(&r.running, 0)

	if _, err := r.refresh(ctx); err != nil {
		log.Printf("[egress] refresh failed: %v", err)
	}
}

// refresh resolves every configured host and, if at least one resolves,
// atomically swaps the firewall set to the union of resolved IPs. If every
// host fails to resolve, the existing set is left untouched (fail-closed
// against accidental lockout) and an error is returned so the caller can
// emit an alert evidence bundle.
func (r *Refresher) refresh(ctx context.Context) ([]string, error) {
	var resolved []string
	var failures int

	for _, host := range r.hosts {
		ips, err := r.resolve(ctx, host)
		if err != nil {
			failures++
			log.Printf("[egress] failed to resolve %s: %v", host, err)
			continue
		}
		resolved = append(resolved, ips...)
	}

	if len(resolved) == 0 && len(r.hosts) > 0 {
		return nil, fmt.Errorf("egress refresh: all %d hosts failed to resolve, set left unchanged", len(r.hosts))
	}

	if err := r.writer.ReplaceSet(ctx, resolved); err != nil {
		return nil, fmt.Errorf("egress refresh: replace set: %w", err)
	}

	r.lastIPs = resolved
	if failures > 0 {
		log.Printf("[egress] refreshed with %d/%d hosts resolved", len(r.hosts)-failures, len(r.hosts))
	}
	return resolved, nil
}

// LastResolved returns the IP set from the most recent successful refresh.
func (r *Refresher) LastResolved() []string { return r.lastIPs }
