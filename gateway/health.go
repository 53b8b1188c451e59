package gateway

import (
	"net/http"

	"edbase/breaker"
)

// handleHealth reports component health. Any unhealthy required component
// degrades the whole response to 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := make(map[string]any)
	healthy := true

	db := s.dbHealth.Health(ctx)
	checks["database"] = map[string]any{"healthy": db.Healthy, "latency_ms": db.LatencyMS}
	if !db.Healthy {
		healthy = false
	}

	redisOK := s.limiter.Health(ctx)
	checks["redis"] = map[string]any{"healthy": redisOK}
	if !redisOK {
		healthy = false
	}

	for name, state := range s.breakers.States() {
		if state == breaker.Open {
			checks["circuit_"+name] = map[string]any{"healthy": false, "state": state.String()}
			healthy = false
		}
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": checks})
}

// handleReady mirrors health for orchestrator readiness probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.dbHealth.Health(r.Context()).Healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alive": true})
}
