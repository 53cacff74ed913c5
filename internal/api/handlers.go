// Package api expõe a API REST de tags, malhas de controle e histórico.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"flotacao_go/internal/control"
	"flotacao_go/internal/history"
	"flotacao_go/internal/models"
	"flotacao_go/internal/plc"
	"flotacao_go/pkg/logger"
	"flotacao_go/pkg/utils"
)

var log = logger.For(logger.NETWORK)

// Estados reportados por componente em /health
const (
	StatusOK       = "ok"
	StatusOffline  = "offline"
	StatusDisabled = "disabled"
)

// TagService é a visão do serviço de comunicação usada pela API
type TagService interface {
	Snapshot() []models.TagValue
	ReadTag(ctx context.Context, name string) (models.TagValue, error)
	Status() models.ConnectionStatus
}

// ControlService recebe os comandos do operador
type ControlService interface {
	SetMode(ctx context.Context, tankID, mode string) error
	Reset(ctx context.Context, tankID string) error
	SetSetpoint(ctx context.Context, tankID string, value float64) error
	SetManualOutput(ctx context.Context, tankID string, value float64) error
	Snapshot(tankID string) (models.ControlOutput, error)
	Snapshots() []models.ControlOutput
}

// HistoryService consulta o histórico gravado
type HistoryService interface {
	Query(ctx context.Context, q history.Query) ([]models.HistoryRecord, error)
	Chemicals() []string
}

// HealthFunc retorna o estado de cada componente
type HealthFunc func() map[string]string

// Handler contém os handlers HTTP para a API
type Handler struct {
	tags    TagService
	control ControlService
	history HistoryService
	health  HealthFunc
	started time.Time
}

// NewHandler cria um novo handler de API
func NewHandler(tags TagService, ctl ControlService, hist HistoryService, health HealthFunc) *Handler {
	return &Handler{
		tags:    tags,
		control: ctl,
		history: hist,
		health:  health,
		started: time.Now(),
	}
}

func (h *Handler) services() map[string]string {
	if h.health == nil {
		return map[string]string{}
	}
	return h.health()
}

// Health responde com o estado geral e de cada componente
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	services := h.services()
	status := StatusOK
	for _, s := range services {
		if s == StatusOffline {
			status = "degraded"
			break
		}
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now(),
		"services":  services,
	})
}

// GetStatus retorna a conexão com o PLC, os componentes e o tempo em operação
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"connection": h.tags.Status(),
		"services":   h.services(),
		"uptime":     utils.FormatDuration(time.Since(h.started)),
		"timestamp":  time.Now(),
	})
}

// GetTags retorna os valores em cache de todas as tags assinadas
func (h *Handler) GetTags(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, h.tags.Snapshot())
}

// GetTag lê uma tag pelo nome
func (h *Handler) GetTag(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	v, err := h.tags.ReadTag(r.Context(), name)
	if err != nil {
		h.respondWithFailure(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, v)
}

// GetControl retorna a última saída de todas as malhas
func (h *Handler) GetControl(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, h.control.Snapshots())
}

// GetControlTank retorna a última saída da malha do tanque
func (h *Handler) GetControlTank(w http.ResponseWriter, r *http.Request) {
	out, err := h.control.Snapshot(mux.Vars(r)["tank"])
	if err != nil {
		h.respondWithFailure(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, out)
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type valueRequest struct {
	Value *float64 `json:"value"`
}

// SetMode troca o modo da malha
func (h *Handler) SetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.command(w, r, func(ctx context.Context, tank string) error {
		return h.control.SetMode(ctx, tank, req.Mode)
	})
}

// Reset reconhece a falha da malha
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.control.Reset)
}

// SetSetpoint altera o setpoint de nível
func (h *Handler) SetSetpoint(w http.ResponseWriter, r *http.Request) {
	h.valueCommand(w, r, h.control.SetSetpoint)
}

// SetOutput escreve a saída manual da válvula
func (h *Handler) SetOutput(w http.ResponseWriter, r *http.Request) {
	h.valueCommand(w, r, h.control.SetManualOutput)
}

func (h *Handler) valueCommand(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, float64) error) {
	var req valueRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Value == nil {
		h.respondWithError(w, http.StatusBadRequest, "campo value obrigatório")
		return
	}
	h.command(w, r, func(ctx context.Context, tank string) error {
		return fn(ctx, tank, *req.Value)
	})
}

// command executa o comando e responde com o estado resultante da malha
func (h *Handler) command(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	tank := mux.Vars(r)["tank"]
	if err := fn(r.Context(), tank); err != nil {
		log.Warnf("Comando %s rejeitado para %s: %v", r.URL.Path, tank, err)
		h.respondWithFailure(w, err)
		return
	}
	out, err := h.control.Snapshot(tank)
	if err != nil {
		h.respondWithFailure(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, out)
}

// GetHistory consulta o histórico com agregação opcional
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	recs, ok := h.queryHistory(w, r)
	if !ok {
		return
	}
	if recs == nil {
		recs = []models.HistoryRecord{}
	}
	h.respondWithJSON(w, http.StatusOK, recs)
}

// ExportHistory exporta a consulta em CSV
func (h *Handler) ExportHistory(w http.ResponseWriter, r *http.Request) {
	recs, ok := h.queryHistory(w, r)
	if !ok {
		return
	}
	name := fmt.Sprintf("historico_%s.csv", time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	if err := history.WriteCSV(w, recs, h.history.Chemicals()); err != nil {
		log.Error("Erro ao exportar histórico", err)
	}
}

func (h *Handler) queryHistory(w http.ResponseWriter, r *http.Request) ([]models.HistoryRecord, bool) {
	q, err := parseQuery(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	recs, err := h.history.Query(r.Context(), q)
	if err != nil {
		h.respondWithFailure(w, err)
		return nil, false
	}
	return recs, true
}

// parseQuery lê tank, from, to, aggregation e bucket da query string.
// from e to aceitam RFC3339, segundos ou milissegundos Unix.
func parseQuery(r *http.Request) (history.Query, error) {
	v := r.URL.Query()
	q := history.Query{
		TankID:      v.Get("tank"),
		Aggregation: v.Get("aggregation"),
	}
	var err error
	if q.From, err = parseTime(v.Get("from")); err != nil {
		return q, fmt.Errorf("from inválido: %w", err)
	}
	if q.To, err = parseTime(v.Get("to")); err != nil {
		return q, fmt.Errorf("to inválido: %w", err)
	}
	if s := v.Get("bucket"); s != "" {
		if q.Bucket, err = time.ParseDuration(s); err != nil {
			return q, fmt.Errorf("bucket inválido: %w", err)
		}
	}
	return q, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return utils.ParseTimestamp(s)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("corpo inválido: %w", err)
	}
	return nil
}

// statusFor traduz erros dos serviços em códigos HTTP
func statusFor(err error) int {
	switch {
	case errors.Is(err, control.ErrUnknownTank), errors.Is(err, plc.ErrUnknownTag):
		return http.StatusNotFound
	case errors.Is(err, control.ErrInvalidMode), errors.Is(err, control.ErrOutOfRange),
		errors.Is(err, history.ErrInvalidQuery), errors.Is(err, plc.ErrTagNotReadable):
		return http.StatusBadRequest
	case errors.Is(err, control.ErrFaulted), errors.Is(err, control.ErrNotManual):
		return http.StatusConflict
	case errors.Is(err, plc.ErrNotConnected), errors.Is(err, control.ErrEngineStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, plc.ErrWriteTimeout), errors.Is(err, plc.ErrWriteRejected),
		errors.Is(err, plc.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondWithFailure(w http.ResponseWriter, err error) {
	h.respondWithError(w, statusFor(err), err.Error())
}

// respondWithError responde com erro em formato JSON
func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithJSON responde com JSON
func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Errorf("Erro ao codificar resposta JSON: %v", err)
	}
}
