package server

import "net/http"

// setupHTTPRoutes configures all HTTP handlers
func (s *PabawiServer) setupHTTPRoutes() {
	s.mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))
	s.mux.HandleFunc("/api/queue/status", s.corsMiddleware(s.HandleQueueStatus))   // Queue snapshot for the expert-mode overlay (GET)
	s.mux.HandleFunc("/api/executions", s.corsMiddleware(s.HandleExecutions))      // Submit (POST) / list with filters (GET)
	s.mux.HandleFunc("/api/executions/", s.corsMiddleware(s.HandleExecution))      // Individual execution (GET) and cancel (POST /cancel)
	s.mux.HandleFunc("/ws/executions/", s.corsMiddleware(s.HandleExecutionStream)) // Live per-execution event stream
	s.mux.HandleFunc("/ws/updates", s.corsMiddleware(s.HandleUpdates))             // Global record-update broadcast
}

// corsMiddleware adds CORS headers to HTTP responses using the configured
// allowed origins. Uses the same origin validation as WebSocket upgrades.
func (s *PabawiServer) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

func (s *PabawiServer) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
