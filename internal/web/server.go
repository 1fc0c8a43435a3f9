package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/deltalend/incentives/internal/logger"
	"github.com/deltalend/incentives/internal/state"
	"github.com/deltalend/incentives/internal/types"
)

var webLogger = logger.GetForComponent("web_server")

// WebServer exposes run summaries and program totals for operators.
type WebServer struct {
	router *mux.Router
	port   string

	runs  state.RunStore
	store state.AllocationStore
}

// NewWebServer creates a new web server instance
func NewWebServer(port string) *WebServer {
	if port == "" {
		port = "8080"
	}

	server := &WebServer{
		router: mux.NewRouter(),
		port:   port,
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	// Health endpoint (direct route)
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")

	// API endpoints
	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/runs", ws.handleGetRuns).Methods("GET")
	api.HandleFunc("/programs/{program}/latest", ws.handleGetLatestRun).Methods("GET")
	api.HandleFunc("/programs/{program}/totals", ws.handleGetProgramTotals).Methods("GET")

	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Start starts the web server
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// handleHealth reports database connectivity and the most recent runs.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	hasErrors := false

	dbHealthy := true
	if err := state.TestDBConnection(); err != nil {
		dbHealthy = false
		hasErrors = true
	}

	var runInfo map[string]interface{}
	runs, err := ws.runs.GetRecentRuns(r.Context(), 1)
	if err == nil && len(runs) > 0 {
		latest := runs[0]
		runInfo = map[string]interface{}{
			"program":     latest.Program,
			"run_id":      latest.RunID,
			"status":      latest.Status,
			"finished_at": latest.FinishedAt,
			"healthy":     latest.Healthy,
		}
		if latest.Status == types.RunStatusFailed || !latest.Healthy {
			hasErrors = true
		}
	} else {
		runInfo = map[string]interface{}{
			"status": "unknown",
		}
	}

	overallStatus := "OK"
	statusCode := http.StatusOK
	if hasErrors {
		overallStatus = "DEGRADED"
		statusCode = http.StatusServiceUnavailable
	}

	ws.writeJSONResponse(w, statusCode, map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"pipeline_status": map[string]interface{}{
			"database_healthy": dbHealthy,
			"latest_run":       runInfo,
		},
	})
}

// handleGetRuns returns recent run summaries across all programs.
func (ws *WebServer) handleGetRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 100 {
			limit = parsedLimit
		}
	}

	runs, err := ws.runs.GetRecentRuns(r.Context(), limit)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get recent runs")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve runs")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
		"limit": limit,
	})
}

// handleGetLatestRun returns the most recent run of one program.
func (ws *WebServer) handleGetLatestRun(w http.ResponseWriter, r *http.Request) {
	program := mux.Vars(r)["program"]

	run, err := ws.runs.GetLatestRun(r.Context(), program)
	if err != nil {
		webLogger.Error().Err(err).Str("program", program).Msg("Failed to get latest run")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve latest run")
		return
	}
	if run == nil {
		ws.writeErrorResponse(w, http.StatusNotFound, "Program has no runs")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, run)
}

// handleGetProgramTotals returns the cumulative per-account totals of one
// program, largest first.
func (ws *WebServer) handleGetProgramTotals(w http.ResponseWriter, r *http.Request) {
	program := mux.Vars(r)["program"]

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 1000 {
			limit = parsedLimit
		}
	}

	totals, err := ws.store.ProgramTotals(r.Context(), program, limit)
	if err != nil {
		webLogger.Error().Err(err).Str("program", program).Msg("Failed to get program totals")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve program totals")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"program": program,
		"totals":  totals,
		"count":   len(totals),
	})
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	ws.writeJSONResponse(w, statusCode, map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	})
}

// corsMiddleware adds CORS headers
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		webLogger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
