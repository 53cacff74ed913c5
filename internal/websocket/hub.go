// Package websocket transmite os tópicos de saída do barramento para os painéis.
package websocket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"flotacao_go/internal/bus"
	"flotacao_go/internal/metrics"
	"flotacao_go/internal/models"
	"flotacao_go/pkg/logger"
)

var log = logger.For(logger.NETWORK)

// StatusFunc fornece o estado atual enviado a clientes novos e em get_status
type StatusFunc func() interface{}

// Hub gerencia todas as conexões WebSocket e distribuição de mensagens
type Hub struct {
	// Clientes registrados
	clients map[*Client]bool

	// Canal para registrar clientes
	register chan *Client

	// Canal para desregistrar clientes
	unregister chan *Client

	// Canal para mensagens de broadcast
	broadcast chan []byte

	// Mutex para operações concorrentes no mapa de clientes
	mu sync.RWMutex

	status  StatusFunc
	metrics *metrics.Metrics
	subs    []*bus.Subscription

	// Estatísticas
	totalMessages atomic.Int64
	dropped       atomic.Int64

	// Sinal para encerramento do hub
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub cria uma nova instância do Hub
func NewHub(status StatusFunc, m *metrics.Metrics) *Hub {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		status:     status,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Attach assina os tópicos de saída e os repassa aos clientes
func (h *Hub) Attach(b *bus.Bus) error {
	patterns := []string{
		models.Any(models.TopicControlOutput),
		models.Any(models.TopicControlFault),
		models.TopicHistorySnapshot,
		models.TopicConnectionState,
	}
	for _, p := range patterns {
		sub, err := b.Subscribe(p, "websocket-"+p, h.relay)
		if err != nil {
			h.Detach()
			return fmt.Errorf("erro ao assinar %s: %w", p, err)
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// Detach cancela as assinaturas do barramento
func (h *Hub) Detach() {
	for _, s := range h.subs {
		s.Unsubscribe()
	}
	h.subs = nil
}

func (h *Hub) relay(env bus.Envelope) {
	typ := messageType(env.Topic)
	if typ == "" {
		return
	}
	msg, err := SerializeMessage(models.WebSocketMessage{
		Type:      typ,
		Topic:     env.Topic,
		Timestamp: env.PublishedAt,
		Data:      env.Payload,
	})
	if err != nil {
		log.Error("Erro ao serializar mensagem do barramento", err)
		return
	}
	h.Broadcast(msg)
}

// Broadcast enfileira a mensagem sem bloquear; com a fila cheia ela é descartada
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
	}
}

// Run inicia o loop principal do hub para gerenciar clientes e mensagens
func (h *Hub) Run() {
	defer close(h.done)
	log.Info("Iniciando WebSocket Hub")

	// Ticker para estatísticas periódicas
	statsTicker := time.NewTicker(time.Minute)
	defer statsTicker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			log.Info("Encerrando WebSocket Hub")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mu.Unlock()

			h.metrics.WSClients.Set(float64(clientCount))
			log.Infof("Novo cliente WebSocket conectado. ID: %s. Total: %d", client.id, clientCount)
			h.sendWelcome(client)

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.totalMessages.Add(1)

			// Clientes lentos são desconectados, nunca aguardados
			var dead []*Client
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					dead = append(dead, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range dead {
				log.Warnf("Cliente WebSocket %s lento, desconectando", client.id)
				h.remove(client)
			}

		case <-statsTicker.C:
			log.Debugf("Estatísticas WebSocket: %d clientes, total: %d mensagens, %d descartadas",
				h.ClientCount(), h.totalMessages.Load(), h.dropped.Load())
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		log.Infof("Cliente WebSocket desconectado. ID: %s. Total: %d", client.id, len(h.clients))
	}
	clientCount := len(h.clients)
	h.mu.Unlock()
	h.metrics.WSClients.Set(float64(clientCount))
}

// sendTo envia a um cliente ainda registrado, sem bloquear
func (h *Hub) sendTo(client *Client, v interface{}) {
	msg, err := SerializeMessage(v)
	if err != nil {
		log.Error("Erro ao serializar mensagem", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client] {
		return
	}
	select {
	case client.send <- msg:
	default:
	}
}

func (h *Hub) currentStatus() interface{} {
	if h.status == nil {
		return nil
	}
	return h.status()
}

// sendWelcome envia a mensagem de boas-vindas com o estado atual
func (h *Hub) sendWelcome(client *Client) {
	h.sendTo(client, models.WebSocketMessage{
		Type:      models.MessageWelcome,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"message":  "Conectado ao servidor de monitoramento da flotação",
			"clientId": client.id,
			"status":   h.currentStatus(),
		},
	})
}

// handleCommand processa comandos recebidos dos clientes
func (h *Hub) handleCommand(client *Client, cmd models.CommandMessage) {
	switch cmd.Type {
	case "ping":
		var pingTime int64
		if v, ok := cmd.Params["time"].(float64); ok {
			pingTime = int64(v)
		}
		pong := CreatePongResponse(pingTime)
		pong.ID = cmd.ID
		h.sendTo(client, pong)
	case "get_status":
		h.sendTo(client, models.WebSocketMessage{
			Type:      models.MessageStatus,
			Timestamp: time.Now(),
			Data:      h.currentStatus(),
			ID:        cmd.ID,
		})
	default:
		log.Warnf("Comando desconhecido do cliente %s: %s", client.id, cmd.Type)
		msg := NewErrorMessage("Comando desconhecido", "unknown_command")
		msg.ID = cmd.ID
		h.sendTo(client, msg)
	}
}

// Shutdown encerra graciosamente o hub
func (h *Hub) Shutdown() {
	h.Detach()
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(time.Second):
	}
}

// closeAllClients fecha todas as conexões dos clientes
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.metrics.WSClients.Set(0)
}

// ClientCount retorna o número atual de clientes conectados
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped retorna quantas mensagens foram descartadas por fila cheia
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
