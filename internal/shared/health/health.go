// Package health runs per-dependency health checks for the services
// endpoint and the gateway's own readiness reporting.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Component is one dependency's check result. Latency is measured around
// the actual check call, never assumed.
type Component struct {
	Name      string `json:"name"`
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"response_time_ms"`
}

// Report is the aggregate of all component checks.
type Report struct {
	Status     Status       `json:"status"`
	Components []*Component `json:"components"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Checker is one health-checkable dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// Registry aggregates checkers and runs them in parallel. A failing
// component is reported individually; it never fails the whole report.
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, c)
}

// Check runs every registered checker concurrently and aggregates results.
func (r *Registry) Check(ctx context.Context) *Report {
	r.mu.RLock()
	checkers := r.checkers
	r.mu.RUnlock()

	components := make([]*Component, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(idx int, chk Checker) {
			defer wg.Done()
			start := time.Now()
			err := chk.Check(ctx)
			comp := &Component{
				Name:      chk.Name(),
				Status:    StatusHealthy,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				comp.Status = StatusUnhealthy
				comp.Error = err.Error()
			}
			components[idx] = comp
		}(i, c)
	}
	wg.Wait()

	overall := StatusHealthy
	for _, c := range components {
		if c.Status == StatusUnhealthy {
			overall = StatusUnhealthy
			break
		}
	}
	return &Report{Status: overall, Components: components, Timestamp: time.Now()}
}

// UpstreamChecker probes an upstream's health URL with its own timeout.
type UpstreamChecker struct {
	name    string
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewUpstreamChecker(name, url string, timeout time.Duration, client *http.Client) *UpstreamChecker {
	if client == nil {
		client = http.DefaultClient
	}
	return &UpstreamChecker{name: name, url: url, timeout: timeout, client: client}
}

func (u *UpstreamChecker) Name() string { return u.name }

func (u *UpstreamChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url, nil)
	if err != nil {
		return err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// PingChecker adapts a ping function (Redis, Postgres) to Checker.
type PingChecker struct {
	name string
	ping func(context.Context) error
}

func NewPingChecker(name string, ping func(context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

func (p *PingChecker) Name() string { return p.name }

func (p *PingChecker) Check(ctx context.Context) error {
	return p.ping(ctx)
}
