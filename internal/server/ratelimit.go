package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdle     = 10 * time.Minute
	limiterMaxPeers = 10000
)

type peerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client IP.
type rateLimiter struct {
	mu    sync.Mutex
	peers map[string]*peerLimiter
	rate  rate.Limit
	burst int
	now   func() time.Time
}

// newRateLimiter returns nil, meaning unlimited, when perSecond is not positive.
func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		peers: make(map[string]*peerLimiter),
		rate:  rate.Limit(perSecond),
		burst: burst,
		now:   time.Now,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if len(rl.peers) >= limiterMaxPeers {
		for k, p := range rl.peers {
			if now.Sub(p.lastSeen) > limiterIdle {
				delete(rl.peers, k)
			}
		}
	}
	p, ok := rl.peers[key]
	if !ok {
		p = &peerLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.peers[key] = p
	}
	p.lastSeen = now
	return p.limiter.AllowN(now, 1)
}

func (rl *rateLimiter) Handler(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded", Code: "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
