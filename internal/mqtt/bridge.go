// Package mqtt republica os tópicos de saída do barramento em um broker MQTT.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"flotacao_go/internal/bus"
	"flotacao_go/internal/config"
	"flotacao_go/internal/models"
	"flotacao_go/pkg/logger"
)

var log = logger.For(logger.NETWORK)

// ErrNotConnected indica publicação sem conexão com o broker
var ErrNotConnected = errors.New("mqtt não conectado")

// client é o subconjunto do cliente paho usado pela ponte
type client interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
	IsConnectionOpen() bool
}

// Stats são os contadores da ponte
type Stats struct {
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// Bridge assina os tópicos de saída e os publica como JSON
type Bridge struct {
	cfg    config.MQTTConfig
	client client
	subs   []*bus.Subscription
	warn   *logger.Throttled

	published atomic.Uint64
	errors    atomic.Uint64

	mu      sync.RWMutex
	running bool
}

// NewBridge cria a ponte com reconexão automática do cliente paho
func NewBridge(cfg config.MQTTConfig) *Bridge {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(paho.Client) {
		log.Infof("Conectado ao broker MQTT %s", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Warnf("Conexão MQTT perdida (%v); reconexão automática", err)
	}
	return newBridge(cfg, paho.NewClient(opts))
}

func newBridge(cfg config.MQTTConfig, c client) *Bridge {
	if cfg.Timeout.Duration <= 0 {
		cfg.Timeout = config.D(5 * time.Second)
	}
	return &Bridge{
		cfg:    cfg,
		client: c,
		warn:   log.Throttle(time.Minute, 3),
	}
}

// Topic converte o tópico do barramento para o tópico MQTT sob o prefixo
func Topic(prefix, busTopic string) string {
	t := strings.ReplaceAll(busTopic, ".", "/")
	if prefix == "" {
		return t
	}
	return strings.TrimSuffix(prefix, "/") + "/" + t
}

// Start conecta ao broker e assina os tópicos de saída
func (b *Bridge) Start(eb *bus.Bus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}

	token := b.client.Connect()
	if !token.WaitTimeout(b.cfg.Timeout.Duration) {
		// Com ConnectRetry o paho continua tentando em segundo plano
		log.Warnf("Broker MQTT %s não respondeu em %v; seguindo com reconexão automática",
			b.cfg.Broker, b.cfg.Timeout.Duration)
	} else if err := token.Error(); err != nil {
		return fmt.Errorf("erro ao conectar ao broker MQTT: %w", err)
	}

	patterns := []string{
		models.Any(models.TopicControlOutput),
		models.Any(models.TopicControlFault),
		models.TopicHistorySnapshot,
		models.TopicConnectionState,
	}
	for _, p := range patterns {
		sub, err := eb.Subscribe(p, "mqtt-"+p, b.forward)
		if err != nil {
			b.unsubscribe()
			b.client.Disconnect(250)
			return fmt.Errorf("erro ao assinar %s: %w", p, err)
		}
		b.subs = append(b.subs, sub)
	}

	b.running = true
	log.Infof("Ponte MQTT ativa: %s/...", b.cfg.TopicPrefix)
	return nil
}

// Stop cancela as assinaturas e desconecta do broker
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.unsubscribe()
	b.client.Disconnect(250)
	b.running = false
	log.Info("Ponte MQTT parada")
}

func (b *Bridge) unsubscribe() {
	for _, s := range b.subs {
		s.Unsubscribe()
	}
	b.subs = nil
}

// IsRunning verifica se a ponte está ativa
func (b *Bridge) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// IsConnected informa se há conexão aberta com o broker
func (b *Bridge) IsConnected() bool {
	return b.client.IsConnectionOpen()
}

// Stats retorna os contadores de publicação
func (b *Bridge) Stats() Stats {
	return Stats{Published: b.published.Load(), Errors: b.errors.Load()}
}

func (b *Bridge) forward(env bus.Envelope) {
	if err := b.publish(env); err != nil {
		b.errors.Add(1)
		b.warn.Warnf("Falha ao publicar %s no MQTT: %v", env.Topic, err)
		return
	}
	b.published.Add(1)
}

func (b *Bridge) publish(env bus.Envelope) error {
	if !b.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("erro ao serializar: %w", err)
	}

	// Estados de malha e conexão ficam retidos para quem assina depois
	retained := strings.HasPrefix(env.Topic, models.TopicControlOutput+".") ||
		env.Topic == models.TopicConnectionState

	token := b.client.Publish(Topic(b.cfg.TopicPrefix, env.Topic), b.cfg.QoS, retained, payload)
	if !token.WaitTimeout(b.cfg.Timeout.Duration) {
		return fmt.Errorf("tempo esgotado após %v", b.cfg.Timeout.Duration)
	}
	return token.Error()
}
