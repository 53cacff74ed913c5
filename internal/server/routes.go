package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flotacao_go/internal/api"
	"flotacao_go/internal/models"
	"flotacao_go/internal/websocket"
	"flotacao_go/pkg/utils"
)

// setupRoutes configura todas as rotas do servidor
func (s *Server) setupRoutes() http.Handler {
	h := api.NewHandler(s.plcService, s.control, s.history, s.health)
	router := api.NewRouter(h, api.Routes{
		WebSocket: websocket.NewHandler(s.wsHub),
		Metrics:   promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}),
	})

	// Endpoint de informações do servidor
	router.HandleFunc("/info", s.infoHandler).Methods(http.MethodGet)
	return router
}

// health resume o estado de cada componente
func (s *Server) health() map[string]string {
	running := func(ok bool) string {
		if ok {
			return api.StatusOK
		}
		return api.StatusOffline
	}

	services := map[string]string{
		"control":   running(s.control.IsRunning()),
		"history":   running(s.history.IsRunning()),
		"pipeline":  running(s.pipeline.IsRunning()),
		"websocket": api.StatusOK,
		"plc":       api.StatusDisabled,
		"redis":     api.StatusDisabled,
		"mqtt":      api.StatusDisabled,
		"discovery": api.StatusDisabled,
	}
	if s.config.PLC.Enabled {
		services["plc"] = running(s.plcService.State() == models.StateConnected)
	}
	if s.config.Redis.Enabled {
		services["redis"] = running(s.redisClient.IsConnected())
	}
	if s.mqttBridge != nil {
		services["mqtt"] = running(s.mqttBridge.IsRunning() && s.mqttBridge.IsConnected())
	}
	if s.discovery != nil {
		services["discovery"] = running(s.discovery.IsRunning())
	}
	return services
}

// statusSnapshot é o estado enviado aos clientes WebSocket
func (s *Server) statusSnapshot() interface{} {
	return map[string]interface{}{
		"connection":     s.plcService.Status(),
		"control":        s.control.Snapshots(),
		"services":       s.health(),
		"historyBacklog": s.history.Backlog(),
	}
}

// infoHandler retorna informações básicas sobre o servidor
func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	info := s.GetServerInfo()

	response := map[string]interface{}{
		"name":        "Monitoramento da Flotação Pb-Zn",
		"version":     info.Version,
		"ip":          info.IP,
		"port":        info.Port,
		"websocket":   info.WebSocketURL,
		"api":         info.APIURL,
		"startTime":   info.StartTime,
		"uptime":      utils.FormatDuration(time.Since(info.StartTime)),
		"connections": info.Connections,
		"pipeline":    s.pipeline.Stats(),
	}
	if s.mqttBridge != nil {
		response["mqtt"] = s.mqttBridge.Stats()
	}
	if s.discovery != nil {
		response["discovery"] = map[string]interface{}{
			"running":      s.discovery.IsRunning(),
			"instanceName": s.discovery.InstanceName(),
			"serviceType":  s.discovery.ServiceType(),
		}
	}

	json.NewEncoder(w).Encode(response)
}
