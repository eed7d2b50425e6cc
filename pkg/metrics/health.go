package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Overall status values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentReport `json:"components,omitempty"`
	Message    string                     `json:"message,omitempty"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
}

// ComponentReport is the externally visible state of one component
type ComponentReport struct {
	Status  string            `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
	Updated time.Time         `json:"updated"`
}

// ComponentHealth tracks the health of a single component.
// A degraded component still serves but needs attention.
type ComponentHealth struct {
	Name     string
	Healthy  bool
	Degraded bool
	Message  string
	Details  map[string]string
	Updated  time.Time
}

func (c ComponentHealth) status() string {
	switch {
	case !c.Healthy:
		return StatusUnhealthy
	case c.Degraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// HealthChecker manages health state for the service's components
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	startTime  time.Time
	version    string
	now        func() time.Time
}

// NewHealthChecker creates a checker. Critical components gate readiness.
func NewHealthChecker(version string, critical ...string) *HealthChecker {
	return &HealthChecker{
		components: make(map[string]ComponentHealth),
		critical:   critical,
		startTime:  time.Now(),
		version:    version,
		now:        time.Now,
	}
}

// RegisterComponent registers or replaces a component's health
func (hc *HealthChecker) RegisterComponent(name string, healthy bool, message string) {
	hc.Update(ComponentHealth{Name: name, Healthy: healthy, Message: message})
}

// Update stores the full health of a component
func (hc *HealthChecker) Update(comp ComponentHealth) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	comp.Updated = hc.now()
	hc.components[comp.Name] = comp
}

// Component returns the last reported health of a component
func (hc *HealthChecker) Component(name string) (ComponentHealth, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	comp, ok := hc.components[name]
	return comp, ok
}

// GetHealth returns the overall health status
func (hc *HealthChecker) GetHealth() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := StatusHealthy
	components := make(map[string]ComponentReport, len(hc.components))

	for name, comp := range hc.components {
		s := comp.status()
		switch {
		case s == StatusUnhealthy:
			status = StatusUnhealthy
		case s == StatusDegraded && status == StatusHealthy:
			status = StatusDegraded
		}
		components[name] = ComponentReport{
			Status:  s,
			Message: comp.Message,
			Details: comp.Details,
			Updated: comp.Updated,
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  hc.now(),
		Components: components,
		Version:    hc.version,
		Uptime:     hc.now().Sub(hc.startTime).String(),
	}
}

// GetReadiness reports whether every critical component is registered and healthy
func (hc *HealthChecker) GetReadiness() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := StatusReady
	var waiting []string
	components := make(map[string]ComponentReport, len(hc.critical))

	for _, name := range hc.critical {
		comp, exists := hc.components[name]
		switch {
		case !exists:
			waiting = append(waiting, name)
			components[name] = ComponentReport{Status: "not registered"}
		case !comp.Healthy:
			waiting = append(waiting, name)
			components[name] = ComponentReport{Status: StatusNotReady, Message: comp.Message, Updated: comp.Updated}
		default:
			components[name] = ComponentReport{Status: StatusReady, Updated: comp.Updated}
		}
	}

	message := ""
	if len(waiting) > 0 {
		status = StatusNotReady
		sort.Strings(waiting)
		message = "waiting for " + waiting[0]
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  hc.now(),
		Components: components,
		Message:    message,
		Version:    hc.version,
		Uptime:     hc.now().Sub(hc.startTime).String(),
	}
}

// HealthHandler returns an HTTP handler for the /health endpoint.
// Degraded components still answer 200.
func (hc *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hc.GetHealth()

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, health)
	}
}

// ReadyHandler returns an HTTP handler for the /ready endpoint
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := hc.GetReadiness()

		statusCode := http.StatusOK
		if readiness.Status != StatusReady {
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, readiness)
	}
}

// LivenessHandler returns a simple liveness check (always returns 200 if process is running)
func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": hc.now().Sub(hc.startTime).String(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
