// Package health wires AppsFlyer/go-sundheit checks for the persistent
// store, fast KV, and signing key ring, exposed over HTTP at /health and
// /healthz.
package health

import (
	"context"
	"net/http"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	gosundheithttp "github.com/AppsFlyer/go-sundheit/http"
)

// Pinger is satisfied by any dependency this package health-checks: the
// persistent store gateway, the fast KV gateway, and the signing key ring
// each expose a cheap liveness probe through this single method.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a plain function to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Checker wraps a gosundheit.Health with the platform's standard checks.
type Checker struct {
	health gosundheit.Health
}

// New registers a named check per dependency, each polled every period
// (default 15s) and passing initially so a slow dependency does not block
// process startup.
func New(deps map[string]Pinger, period time.Duration) (*Checker, error) {
	if period <= 0 {
		period = 15 * time.Second
	}
	h := gosundheit.New()
	for name, dep := range deps {
		dep := dep
		check := &checks.CustomCheck{
			CheckName: name,
			CheckFunc: func(ctx context.Context) (details interface{}, err error) {
				return nil, dep.Ping(ctx)
			},
		}
		if err := h.RegisterCheck(&gosundheit.Config{
			Check:            check,
			ExecutionPeriod:  period,
			InitiallyPassing: true,
		}); err != nil {
			return nil, err
		}
	}
	return &Checker{health: h}, nil
}

// Handler serves the full JSON health report (GET /healthz).
func (c *Checker) Handler() http.Handler {
	return gosundheithttp.HandleHealthJSON(c.health)
}

// Live serves a bare liveness probe (GET /health), independent of the
// registered dependency checks, matching this module's Kubernetes-style
// "/healthz/live" endpoint.
func Live(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
