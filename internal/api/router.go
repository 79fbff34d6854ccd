package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/linqiu/stockseer/backend/internal/api/handlers"
	"github.com/linqiu/stockseer/backend/pkg/logger"
)

// NewRouter creates and configures the HTTP router. The web front end
// expects these exact paths at the root, so there is no /api prefix.
func NewRouter(stockHandler *handlers.StockHandler, log *logger.Logger) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", healthCheckHandler).Methods("GET")
	r.HandleFunc("/", stockHandler.Home).Methods("GET")

	// Fixed paths first so "list", "top5" and "update" never match {id}.
	r.HandleFunc("/stock/list", stockHandler.GetStockList).Methods("GET")
	r.HandleFunc("/stock/top5", stockHandler.GetTop5).Methods("GET")
	r.HandleFunc("/stock/update", stockHandler.Update).Methods("GET")
	r.HandleFunc("/stock/{id}", stockHandler.Predict).Methods("GET")
	r.HandleFunc("/stock/{id}/{date}", stockHandler.PredictInDate).Methods("GET")

	r.Use(requestIDMiddleware())
	r.Use(loggingMiddleware(log))
	r.Use(recoveryMiddleware(log))
	r.Use(corsMiddleware())

	return r
}

// healthCheckHandler returns server health status
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok","service":"stockseer-api"}`))
}

// requestIDMiddleware tags each request with an id for log correlation.
func requestIDMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			log.WithFields(map[string]interface{}{
				"method":     r.Method,
				"path":       r.URL.Path,
				"remote":     r.RemoteAddr,
				"request_id": w.Header().Get("X-Request-ID"),
				"duration":   time.Since(start),
			}).Debug("HTTP request")
		})
	}
}

// recoveryMiddleware recovers from panics
func recoveryMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(map[string]interface{}{
						"error": err,
						"path":  r.URL.Path,
					}).Error("Panic recovered")

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					w.Write([]byte(`{"error":"Internal server error"}`))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware allows cross-origin reads from the web front end.
func corsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
