package api

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Per-Session Step Limiter
//
// The scarce resource behind this API is not HTTP throughput — it is
// the session lock: every message is one engine step and every training
// request queues hundreds of steps behind the same mutex. So the limit
// is counted in step cost, keyed by session (falling back to client IP
// for routes that address no session, like session creation).
//
// Fixed one-minute windows with cost weighting:
//   message / read endpoints   cost 1
//   training request           cost 1 per 100·trainCostDivisor body bytes (min 1)
//
// When a window's budget is spent the request receives HTTP 429 with a
// Retry-After pointing at the window boundary. Expired windows are swept
// periodically so abandoned sessions do not accumulate state.

const (
	stepWindow = time.Minute

	// trainCostDivisor converts corpus lines into step-budget cost.
	trainCostDivisor = 100

	sweepInterval = 5 * time.Minute
)

type stepWindowState struct {
	start time.Time
	used  float64
}

// StepLimiter tracks per-key step budgets over fixed windows.
type StepLimiter struct {
	budgetPerMin float64

	mu      sync.Mutex
	windows map[string]*stepWindowState
}

// NewStepLimiter creates a limiter allowing `budgetPerMin` step cost per
// session (or per IP for session-less routes) per minute.
func NewStepLimiter(budgetPerMin int) *StepLimiter {
	sl := &StepLimiter{
		budgetPerMin: float64(budgetPerMin),
		windows:      make(map[string]*stepWindowState),
	}
	go sl.sweep()
	return sl
}

// Allow charges `cost` against the key's current window. The second
// return is how long until the window resets when the charge is refused.
func (sl *StepLimiter) Allow(key string, cost float64) (bool, time.Duration) {
	now := time.Now()

	sl.mu.Lock()
	defer sl.mu.Unlock()

	w, ok := sl.windows[key]
	if !ok || now.Sub(w.start) >= stepWindow {
		w = &stepWindowState{start: now}
		sl.windows[key] = w
	}

	if w.used+cost > sl.budgetPerMin {
		return false, w.start.Add(stepWindow).Sub(now)
	}
	w.used += cost
	return true, 0
}

// Middleware enforces the step budget. The key prefers the session ID so
// one noisy session cannot starve its neighbors behind a shared IP, and
// a training request is charged by corpus size via Content-Length.
func (sl *StepLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "sess:" + c.Param("id")
		if key == "sess:" {
			key = "ip:" + c.ClientIP()
		}

		cost := 1.0
		if strings.HasSuffix(c.FullPath(), "/train") {
			cost = trainCost(c.Request.ContentLength)
		}

		allowed, retryAfter := sl.Allow(key, cost)
		if !allowed {
			c.Header("Retry-After", retryAfter.String())
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      "Step budget exceeded",
				"retryAfter": retryAfter.String(),
				"limit":      fmt.Sprintf("%.0f step cost/minute per session", sl.budgetPerMin),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// trainCost estimates a training request's step cost from its body
// size: a corpus line averages well under a hundred bytes, so bytes/
// (100·trainCostDivisor) under-counts lines. The handler charges nothing
// per line; the maxTrainLines cap bounds the work of one request.
func trainCost(contentLength int64) float64 {
	if contentLength <= 0 {
		return 1
	}
	cost := float64(contentLength) / float64(100*trainCostDivisor)
	if cost < 1 {
		return 1
	}
	return cost
}

// sweep drops expired windows so transient sessions and IPs do not leak.
func (sl *StepLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-stepWindow)
		sl.mu.Lock()
		for key, w := range sl.windows {
			if w.start.Before(cutoff) {
				delete(sl.windows, key)
			}
		}
		sl.mu.Unlock()
	}
}
