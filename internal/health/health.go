// Package health probes backend availability ahead of a reconciliation run.
//
// Each backend gets a cheap, transport-appropriate probe: an HTTP request for
// the CRM, a database ping for the key-value store, a directory stat for the
// file store. The aggregated report carries its own digest so a stored report
// can later be checked for tampering the same way a manifest can.
package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/blackroad/roadsync/internal/fingerprint"
)

// Probe checks one backend's availability.
type Probe interface {
	// Name returns the backend name the probe covers.
	Name() string

	// Check returns nil when the backend is reachable.
	Check(ctx context.Context) error
}

// Check is one probe's outcome.
type Check struct {
	Probe   string        `json:"probe"`
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency_ns"`
	Error   string        `json:"error,omitempty"`
}

// Report aggregates all probe outcomes for one round.
type Report struct {
	CheckedAt time.Time `json:"checked_at"`
	Checks    []Check   `json:"checks"`
	Digest    string    `json:"digest"`
}

// Available converts the report into the orchestrator's availability map.
func (r *Report) Available() map[string]bool {
	out := make(map[string]bool, len(r.Checks))
	for _, c := range r.Checks {
		out[c.Probe] = c.Healthy
	}
	return out
}

// Healthy reports whether every probe passed.
func (r *Report) Healthy() bool {
	for _, c := range r.Checks {
		if !c.Healthy {
			return false
		}
	}
	return true
}

// Checker runs a fixed probe set and digests the result.
type Checker struct {
	probes  []Probe
	eng     *fingerprint.Engine
	timeout time.Duration
}

// NewChecker builds a Checker. timeout bounds each individual probe; zero
// means 10 seconds.
func NewChecker(eng *fingerprint.Engine, timeout time.Duration, probes ...Probe) *Checker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Checker{probes: probes, eng: eng, timeout: timeout}
}

// Run executes every probe in order and returns the digested report. Probe
// failures land in the report, not the error.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		CheckedAt: time.Now().UTC(),
		Checks:    make([]Check, 0, len(c.probes)),
	}

	for _, p := range c.probes {
		probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
		start := time.Now()
		err := p.Check(probeCtx)
		cancel()

		check := Check{
			Probe:   p.Name(),
			Healthy: err == nil,
			Latency: time.Since(start),
		}
		if err != nil {
			check.Error = err.Error()
		}
		report.Checks = append(report.Checks, check)
	}

	digest, err := c.digest(report)
	if err != nil {
		return nil, fmt.Errorf("failed to digest health report: %w", err)
	}
	report.Digest = digest
	return report, nil
}

// digest fingerprints the health outcome. Latency is excluded so two rounds
// observing the same availability produce the same digest.
func (c *Checker) digest(r *Report) (string, error) {
	checks := make([]any, 0, len(r.Checks))
	for _, check := range r.Checks {
		checks = append(checks, map[string]any{
			"probe":   check.Probe,
			"healthy": check.Healthy,
			"error":   check.Error,
		})
	}
	return c.eng.Sum(map[string]any{"checks": checks})
}

// HTTPProbe checks a backend over HTTP. Any response below 500 counts as
// reachable; reachability is not correctness.
type HTTPProbe struct {
	Backend string
	URL     string
	Client  *http.Client
}

func (p *HTTPProbe) Name() string { return p.Backend }

func (p *HTTPProbe) Check(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// Pinger is satisfied by stores that expose a connection ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe checks a backend via its Ping method.
type PingProbe struct {
	Backend string
	Target  Pinger
}

func (p *PingProbe) Name() string { return p.Backend }

func (p *PingProbe) Check(ctx context.Context) error {
	return p.Target.Ping(ctx)
}

// DirProbe checks that a backend's root directory exists and is a directory.
type DirProbe struct {
	Backend string
	Path    string
}

func (p *DirProbe) Name() string { return p.Backend }

func (p *DirProbe) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(p.Path)
	if err != nil {
		return fmt.Errorf("failed to stat store root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store root %s is not a directory", p.Path)
	}
	return nil
}
