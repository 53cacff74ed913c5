package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Routes agrupa os handlers externos montados junto da API
type Routes struct {
	// WebSocket atende /ws; nil não registra a rota
	WebSocket http.Handler
	// Metrics atende /metrics; nil não registra a rota
	Metrics http.Handler
}

// NewRouter monta todas as rotas HTTP do servidor
func NewRouter(h *Handler, extra Routes) *mux.Router {
	r := mux.NewRouter()
	r.Use(RecoveryMiddleware, CorsMiddleware)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	if extra.Metrics != nil {
		r.Handle("/metrics", extra.Metrics).Methods(http.MethodGet)
	}
	// O upgrade precisa do ResponseWriter original (Hijacker), sem o wrapper de log
	if extra.WebSocket != nil {
		r.Handle("/ws", extra.WebSocket)
	}

	// Rotas da API ficam no roteador raiz: em subrouter o mux responde 404
	// para método errado em vez de 405
	api := func(path string, f http.HandlerFunc, methods ...string) {
		r.Handle("/api"+path, LoggingMiddleware(f)).Methods(methods...)
	}

	api("/status", h.GetStatus, http.MethodGet)

	api("/tags", h.GetTags, http.MethodGet)
	api("/tags/{name}", h.GetTag, http.MethodGet)

	api("/control", h.GetControl, http.MethodGet)
	api("/control/{tank}", h.GetControlTank, http.MethodGet)
	api("/control/{tank}/mode", h.SetMode, http.MethodPost, http.MethodOptions)
	api("/control/{tank}/reset", h.Reset, http.MethodPost, http.MethodOptions)
	api("/control/{tank}/setpoint", h.SetSetpoint, http.MethodPost, http.MethodOptions)
	api("/control/{tank}/output", h.SetOutput, http.MethodPost, http.MethodOptions)

	api("/history", h.GetHistory, http.MethodGet)
	api("/history/export.csv", h.ExportHistory, http.MethodGet)

	return r
}
