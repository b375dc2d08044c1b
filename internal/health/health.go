// Package health runs named readiness probes against the service's
// dependencies (workspace store, realtime hub, alert sink).
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 2 * time.Second

// Status is the outcome of one probe.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Probe checks one dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

// Pinger is satisfied by *sql.DB and the workspace stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe adapts a Pinger.
func PingProbe(p Pinger) Probe {
	return p.Ping
}

// Registry holds named probes and runs them concurrently.
type Registry struct {
	mu      sync.RWMutex
	probes  []namedProbe
	timeout time.Duration
}

type namedProbe struct {
	name  string
	probe Probe
}

// NewRegistry creates a registry using DefaultTimeout per probe.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides the per-probe timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a named probe.
func (r *Registry) Register(name string, probe Probe) {
	r.mu.Lock()
	r.probes = append(r.probes, namedProbe{name: name, probe: probe})
	r.mu.Unlock()
}

// CheckAll runs every probe and reports overall health plus per-probe
// statuses in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	probes := make([]namedProbe, len(r.probes))
	copy(probes, r.probes)
	r.mu.RUnlock()

	statuses = make([]Status, len(probes))
	var g errgroup.Group
	for i, np := range probes {
		g.Go(func() error {
			statuses[i] = r.run(ctx, np)
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, np namedProbe) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := np.probe(ctx)
	st := Status{Name: np.name, Healthy: err == nil, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		st.Detail = err.Error()
	}
	return st
}
