package models

import "time"

// Tipos de mensagem enviados aos clientes WebSocket
const (
	MessageWelcome         = "welcome"
	MessageControlOutput   = "control_output"
	MessageControlFault    = "control_fault"
	MessageHistorySnapshot = "history_snapshot"
	MessageConnectionState = "connection_state"
	MessageStatus          = "status"
	MessagePong            = "pong"
	MessageError           = "error"
)

// WebSocketMessage representa a estrutura base de todas as mensagens WebSocket
type WebSocketMessage struct {
	Type      string      `json:"type"`            // Tipo da mensagem: "control_output", "control_fault", etc.
	Topic     string      `json:"topic,omitempty"` // Tópico do barramento que originou a mensagem
	Timestamp time.Time   `json:"timestamp"`       // Timestamp da mensagem
	Data      interface{} `json:"data,omitempty"`  // Carga útil
	Error     string      `json:"error,omitempty"` // Mensagem de erro, se houver
	ID        string      `json:"id,omitempty"`    // Correlaciona a resposta ao comando
}

// CommandMessage é uma mensagem de comando do cliente para o servidor
type CommandMessage struct {
	Type   string                 `json:"type"`             // Tipo de comando: "ping", "get_status"
	Params map[string]interface{} `json:"params,omitempty"` // Parâmetros adicionais
	ID     string                 `json:"id,omitempty"`     // ID opcional para correlacionar solicitações/respostas
}

// PongMessage representa um pong enviado pelo servidor
type PongMessage struct {
	WebSocketMessage
	Time       int64 `json:"time"`       // Timestamp original do ping
	ServerTime int64 `json:"serverTime"` // Timestamp do servidor em milissegundos
}
