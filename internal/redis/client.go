package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"flotacao_go/internal/config"
	"flotacao_go/pkg/logger"
)

var log = logger.For(logger.DATA)

// Client encapsula a conexão e operações com o Redis
type Client struct {
	client    *redis.Client
	prefix    string
	config    config.RedisConfig
	mu        sync.RWMutex
	connected bool
}

// NewClient cria um novo cliente Redis
func NewClient(cfg config.RedisConfig) *Client {
	// Se Redis estiver desabilitado, retornar cliente vazio
	if !cfg.Enabled {
		log.Info("Cliente Redis desabilitado por configuração")
		return &Client{config: cfg, prefix: cfg.Prefix}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Client{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		config: cfg,
		prefix: cfg.Prefix,
	}
}

// Connect tenta estabelecer conexão com o Redis
func (c *Client) Connect(ctx context.Context) error {
	if !c.config.Enabled {
		return fmt.Errorf("cliente Redis desabilitado por configuração")
	}
	if c.client == nil {
		return fmt.Errorf("cliente Redis não inicializado")
	}

	// Testar a conexão com ping
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := c.client.Ping(ctx).Result(); err != nil {
		c.setConnected(false)
		return fmt.Errorf("erro ao conectar ao Redis: %w", err)
	}

	c.setConnected(true)
	log.Infof("Conexão estabelecida com Redis em %s:%d", c.config.Host, c.config.Port)
	return nil
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// IsConnected verifica se o cliente está conectado
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.Enabled && c.client != nil && c.connected
}

// Close fecha a conexão com o Redis
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("erro ao fechar conexão Redis: %w", err)
	}

	c.setConnected(false)
	log.Info("Conexão com Redis fechada")
	return nil
}

// Pipeline cria uma nova pipeline de comandos Redis
func (c *Client) Pipeline() redis.Pipeliner {
	if c.client == nil {
		return nil
	}
	return c.client.Pipeline()
}

// Raw retorna o cliente Redis subjacente
func (c *Client) Raw() *redis.Client {
	return c.client
}

// FormatKey formata uma chave com o prefixo configurado
func (c *Client) FormatKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return fmt.Sprintf("%s:%s", c.prefix, key)
}
