package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Check pings one dependency.
type Check func(ctx context.Context) error

// Checker serves liveness and readiness probes over the set of registered
// dependency checks.
type Checker struct {
	checks map[string]Check
	logger *zap.Logger
}

// Status represents the health status response
type Status struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewChecker creates a checker with no registered checks.
func NewChecker(logger *zap.Logger) *Checker {
	return &Checker{
		checks: make(map[string]Check),
		logger: logger,
	}
}

// Register adds a named dependency check.
func (c *Checker) Register(name string, check Check) {
	c.checks[name] = check
}

// LivenessHandler handles liveness probe requests
func (c *Checker) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, Status{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	})
}

// ReadinessHandler handles readiness probe requests, pinging every
// registered dependency.
func (c *Checker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(c.checks))
	healthy := true

	for name, check := range c.checks {
		if err := check(ctx); err != nil {
			c.logger.Error("Readiness check failed",
				zap.String("check", name),
				zap.Error(err))
			checks[name] = "unhealthy: " + err.Error()
			healthy = false
		} else {
			checks[name] = "healthy"
		}
	}

	status := Status{Status: "ready", Timestamp: time.Now().Unix(), Checks: checks}
	code := http.StatusOK
	if !healthy {
		status.Status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeStatus(w, code, status)
}

func writeStatus(w http.ResponseWriter, code int, status Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
