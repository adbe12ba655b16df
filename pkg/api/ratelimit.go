package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agenr/agenr/pkg/identity"
)

// Limiter decides whether a caller may proceed. rps > 0 overrides the
// default refill rate for that caller.
type Limiter interface {
	Allow(r *http.Request, callerID string, rps float64) (bool, error)
}

// KeyLimiter is an in-process token bucket per caller. Stale buckets are
// evicted by a background sweep.
type KeyLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	rps   rate.Limit
	burst int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewKeyLimiter(rps float64, burst int) *KeyLimiter {
	kl := &KeyLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go kl.sweep()
	return kl
}

func (kl *KeyLimiter) Allow(_ *http.Request, callerID string, rps float64) (bool, error) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	v, ok := kl.visitors[callerID]
	if !ok {
		limit, burst := kl.rps, kl.burst
		if rps > 0 {
			limit = rate.Limit(rps)
			if b := int(rps * 3); b > burst {
				burst = b
			}
		}
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		kl.visitors[callerID] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow(), nil
}

func (kl *KeyLimiter) sweep() {
	for {
		time.Sleep(time.Minute)
		kl.mu.Lock()
		for id, v := range kl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(kl.visitors, id)
			}
		}
		kl.mu.Unlock()
	}
}

// RateLimit enforces a per-caller budget. Authenticated requests are keyed
// by principal id and honor the key's rate_limit_override; anonymous ones
// fall back to the client IP. A limiter backend failure fails open.
func RateLimit(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			callerID, override := callerIdentity(r)

			allowed, err := limiter.Allow(r, callerID, override)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				WriteTooManyRequests(w, r, 5)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerIdentity(r *http.Request) (string, float64) {
	if p, err := identity.PrincipalFrom(r.Context()); err == nil {
		var override float64
		if key, ok := p.(*identity.APIKey); ok && key.RateLimitOverride != nil {
			override = float64(*key.RateLimitOverride)
		}
		return "key:" + p.PrincipalID(), override
	}
	return "ip:" + clientIP(r), 0
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return ip
}
