package metrics

import (
	"encoding/json"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"
)

// Component names reported by bastion
const (
	ComponentStore  = "store"
	ComponentSchema = "schema"
	ComponentBackup = "backup"
	ComponentAudit  = "audit"
)

// The process is not ready until these are registered and healthy
var criticalComponents = []string{ComponentSchema, ComponentStore}

// HealthStatus is the body of the /ready endpoint and the component part of
// /health
type HealthStatus struct {
	Status     string            `json:"status"` // healthy|degraded|unhealthy, or ready|not_ready
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth is the last report from one component. Since is when the
// component last changed between healthy and unhealthy.
type ComponentHealth struct {
	Name    string    `json:"name"`
	Healthy bool      `json:"healthy"`
	Message string    `json:"message,omitempty"`
	Updated time.Time `json:"updated"`
	Since   time.Time `json:"since"`
}

type registry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	started    time.Time
	version    string
}

var components = newRegistry()

func newRegistry() *registry {
	return &registry{
		components: make(map[string]ComponentHealth),
		started:    time.Now(),
	}
}

func (r *registry) uptime() string {
	return time.Since(r.started).Round(time.Second).String()
}

// SetVersion sets the version reported by the health endpoints
func SetVersion(version string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.version = version
}

// RegisterComponent records a component's initial health
func RegisterComponent(name string, healthy bool, message string) {
	now := time.Now()
	components.mu.Lock()
	components.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: now,
		Since:   now,
	}
	components.mu.Unlock()
	setHealthyGauge(name, healthy)
}

// UpdateComponent records a component's current health. Since only moves when
// the healthy flag changes.
func UpdateComponent(name string, healthy bool, message string) {
	now := time.Now()
	components.mu.Lock()
	prev, ok := components.components[name]
	since := now
	if ok && prev.Healthy == healthy {
		since = prev.Since
	}
	components.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: now,
		Since:   since,
	}
	components.mu.Unlock()
	setHealthyGauge(name, healthy)
}

func setHealthyGauge(name string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	ComponentHealthy.WithLabelValues(name).Set(v)
}

// Component returns the last report of a component
func Component(name string) (ComponentHealth, bool) {
	components.mu.RLock()
	defer components.mu.RUnlock()
	comp, ok := components.components[name]
	return comp, ok
}

// Components returns every component report, ordered by name
func Components() []ComponentHealth {
	components.mu.RLock()
	out := make([]ComponentHealth, 0, len(components.components))
	for _, c := range components.components {
		out = append(out, c)
	}
	components.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetHealth returns the overall health. An unhealthy critical component
// makes the process unhealthy; any other unhealthy component degrades it.
func GetHealth() HealthStatus {
	components.mu.RLock()
	defer components.mu.RUnlock()

	status := "healthy"
	byName := make(map[string]string, len(components.components))
	for name, comp := range components.components {
		if comp.Healthy {
			byName[name] = "healthy"
			continue
		}
		byName[name] = "unhealthy: " + comp.Message
		if slices.Contains(criticalComponents, name) {
			status = "unhealthy"
		} else if status == "healthy" {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: byName,
		Version:    components.version,
		Uptime:     components.uptime(),
	}
}

// GetReadiness reports whether the store can serve traffic: the schema is
// validated and the connection is healthy.
func GetReadiness() HealthStatus {
	components.mu.RLock()
	defer components.mu.RUnlock()

	status := "ready"
	message := ""
	byName := make(map[string]string, len(criticalComponents))
	for _, name := range criticalComponents {
		comp, ok := components.components[name]
		switch {
		case !ok:
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			byName[name] = "not registered"
		case !comp.Healthy:
			status = "not_ready"
			message = "waiting for " + name
			byName[name] = "not ready: " + comp.Message
		default:
			byName[name] = "ready"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: byName,
		Message:    message,
		Version:    components.version,
		Uptime:     components.uptime(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadyHandler serves /ready: 200 when ready, 503 otherwise
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, readiness)
	}
}

// LivenessHandler serves /live. It answers 200 as long as the process runs;
// store problems are reported by /health and /ready.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components.mu.RLock()
		body := map[string]string{
			"status":  "alive",
			"uptime":  components.uptime(),
			"version": components.version,
		}
		components.mu.RUnlock()
		writeJSON(w, http.StatusOK, body)
	}
}
