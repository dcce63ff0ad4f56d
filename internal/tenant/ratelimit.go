package tenant

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ciamlabs/identity-core/internal/model"
)

// Limiter enforces a tenant's per-minute request budgets with a token
// bucket per (tenant, bucket-name) pair: golang.org/x/time/rate wrapped in
// a small struct with a protecting mutex and lazy bucket creation.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLimiter returns an empty Limiter.
func NewLimiter() *Limiter {
	return &Limiter{buckets: map[string]*rate.Limiter{}}
}

func (l *Limiter) bucket(key string, perMinute float64, burst int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b := rate.NewLimiter(rate.Limit(perMinute/60.0), burst)
	l.buckets[key] = b
	return b
}

// AllowLogin reports whether a login attempt for (tenantID, identifier) is
// within the tenant's login-rate policy.
func (l *Limiter) AllowLogin(_ context.Context, tenantID, identifier string, policy model.RateLimitPolicy) bool {
	burst := policy.Burst
	if burst <= 0 {
		burst = 1
	}
	return l.bucket("login:"+tenantID+":"+identifier, float64(policy.LoginPerMinute), burst).Allow()
}

// AllowPasswordReset reports whether a password-reset request for
// (tenantID, identifier) is within the tenant's policy.
func (l *Limiter) AllowPasswordReset(_ context.Context, tenantID, identifier string, policy model.RateLimitPolicy) bool {
	burst := policy.Burst
	if burst <= 0 {
		burst = 1
	}
	perMinute := float64(policy.PasswordResetPerHour) / 60.0
	return l.bucket("pwreset:"+tenantID+":"+identifier, perMinute, burst).Allow()
}

// sweepInterval is how often stale per-identifier buckets are dropped so
// the map does not grow unbounded across a tenant's full identifier churn.
const sweepInterval = time.Minute

// Sweep removes buckets that are full at the time of the call, i.e. have
// refilled to their burst since their last use. cmd/ciamd runs it on its
// cron scheduler.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.Tokens() == float64(b.Burst()) {
			delete(l.buckets, key)
		}
	}
}
