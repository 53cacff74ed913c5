package websocket

import (
	"encoding/json"
	"strings"
	"time"

	"flotacao_go/internal/models"
)

// messageType associa o tópico do barramento ao tipo de mensagem do cliente
func messageType(topic string) string {
	switch {
	case strings.HasPrefix(topic, models.TopicControlOutput+"."):
		return models.MessageControlOutput
	case strings.HasPrefix(topic, models.TopicControlFault+"."):
		return models.MessageControlFault
	case topic == models.TopicHistorySnapshot:
		return models.MessageHistorySnapshot
	case topic == models.TopicConnectionState:
		return models.MessageConnectionState
	}
	return ""
}

// NewErrorMessage cria uma nova mensagem de erro
func NewErrorMessage(message, code string) models.WebSocketMessage {
	return models.WebSocketMessage{
		Type:      models.MessageError,
		Timestamp: time.Now(),
		Error:     message,
		Data:      map[string]string{"code": code},
	}
}

// CreatePongResponse cria uma resposta para um ping do cliente
func CreatePongResponse(pingTime int64) models.PongMessage {
	return models.PongMessage{
		WebSocketMessage: models.WebSocketMessage{
			Type:      models.MessagePong,
			Timestamp: time.Now(),
		},
		Time:       pingTime,
		ServerTime: time.Now().UnixMilli(),
	}
}

// SerializeMessage serializa uma mensagem para JSON
func SerializeMessage(message interface{}) ([]byte, error) {
	return json.Marshal(message)
}

// ParseClientCommand analisa um comando recebido do cliente
func ParseClientCommand(data []byte) (models.CommandMessage, error) {
	var command models.CommandMessage
	err := json.Unmarshal(data, &command)
	return command, err
}
