package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger reports reachability of one dependency.
type Pinger struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthChecker aggregates dependency probes. Readiness tolerates transient
// failures inside the grace period before reporting not-ready.
type HealthChecker struct {
	pingers []Pinger
	grace   time.Duration

	mu        sync.Mutex
	downSince map[string]time.Time
}

// NewHealthChecker constructs a checker.
func NewHealthChecker(grace time.Duration, pingers ...Pinger) *HealthChecker {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &HealthChecker{
		pingers:   pingers,
		grace:     grace,
		downSince: make(map[string]time.Time),
	}
}

// Live always succeeds while the process is serving.
func (h *HealthChecker) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready probes dependencies; a dependency down past the grace period fails
// readiness.
func (h *HealthChecker) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	type result struct {
		Name  string `json:"name"`
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}
	results := make([]result, 0, len(h.pingers))
	ready := true

	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	for _, p := range h.pingers {
		err := p.Check(ctx)
		entry := result{Name: p.Name, OK: err == nil}
		if err != nil {
			entry.Error = err.Error()
			since, seen := h.downSince[p.Name]
			if !seen {
				h.downSince[p.Name] = now
			} else if now.Sub(since) > h.grace {
				ready = false
			}
		} else {
			delete(h.downSince, p.Name)
		}
		results = append(results, entry)
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "dependencies": results})
}
