package plc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/robinson/gos7"

	"flotacao_go/internal/config"
	"flotacao_go/pkg/utils"
)

// Endpoint identifica a CPU S7
type Endpoint struct {
	Host string `json:"host"`
	Rack int    `json:"rack"`
	Slot int    `json:"slot"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s (rack %d, slot %d)", e.Host, e.Rack, e.Slot)
}

// Credentials são as credenciais de sessão
type Credentials struct {
	Password string
}

// Driver abstrai o protocolo de campo
type Driver interface {
	Connect(ctx context.Context, ep Endpoint, creds Credentials) error
	Read(ctx context.Context, tag config.TagMapping) (float64, error)
	Write(ctx context.Context, tag config.TagMapping, value float64) error
	Close() error
}

// S7Client implementa Driver sobre o protocolo S7 (ISO-on-TCP)
type S7Client struct {
	connectTimeout time.Duration
	idleTimeout    time.Duration

	mu      sync.Mutex
	handler *gos7.TCPClientHandler
	client  gos7.Client
}

// NewS7Client cria um novo cliente para PLC S7
func NewS7Client(cfg config.PLCConfig) *S7Client {
	return &S7Client{
		connectTimeout: cfg.ConnectTimeout.Duration,
		idleTimeout:    cfg.IdleTimeout.Duration,
	}
}

// Connect estabelece a sessão com o PLC
func (c *S7Client) Connect(ctx context.Context, ep Endpoint, creds Credentials) error {
	if creds.Password != "" {
		return errors.New("sessão protegida por senha não suportada pelo driver S7")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handler != nil {
		c.handler.Close()
		c.handler, c.client = nil, nil
	}

	handler := gos7.NewTCPClientHandler(ep.Host, ep.Rack, ep.Slot)
	handler.Timeout = c.connectTimeout
	handler.IdleTimeout = c.idleTimeout

	if err := handler.Connect(); err != nil {
		return fmt.Errorf("handshake S7 falhou: %w", err)
	}

	c.handler = handler
	c.client = gos7.NewClient(handler)
	return nil
}

// Close encerra a sessão
func (c *S7Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handler == nil {
		return nil
	}
	err := c.handler.Close()
	c.handler, c.client = nil, nil
	return err
}

// Read lê a tag e converte para float64 (bool vira 0/1)
func (c *S7Client) Read(ctx context.Context, tag config.TagMapping) (float64, error) {
	addr := tag.ParsedAddress()
	buf, err := c.readDB(ctx, addr.DB, addr.Offset, addr.Size)
	if err != nil {
		return 0, err
	}
	return decode(tag.Type, addr, buf)
}

// Write escreve value na tag. BOOL é escrito por leitura-modificação-escrita do byte.
func (c *S7Client) Write(ctx context.Context, tag config.TagMapping, value float64) error {
	addr := tag.ParsedAddress()

	var buf []byte
	if tag.Type == config.TypeBool {
		current, err := c.readDB(ctx, addr.DB, addr.Offset, 1)
		if err != nil {
			return err
		}
		buf = []byte{utils.SetBit(current[0], addr.Bit, value != 0)}
	} else {
		var err error
		if buf, err = encode(tag.Type, value); err != nil {
			return err
		}
	}
	return c.writeDB(ctx, addr.DB, addr.Offset, buf)
}

func (c *S7Client) readDB(ctx context.Context, db, offset, size int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, fmt.Errorf("%w: sessão fechada", ErrTransport)
	}
	buf := make([]byte, size)
	if err := c.client.AGReadDB(db, offset, size, buf); err != nil {
		return nil, classify(fmt.Errorf("erro ao ler DB%d.%d: %w", db, offset, err))
	}
	return buf, nil
}

func (c *S7Client) writeDB(ctx context.Context, db, offset int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return fmt.Errorf("%w: sessão fechada", ErrTransport)
	}
	if err := c.client.AGWriteDB(db, offset, len(data), data); err != nil {
		return classify(fmt.Errorf("erro ao escrever DB%d.%d: %w", db, offset, err))
	}
	return nil
}

// classify separa falhas de sessão de falhas de item (endereço inexistente, acesso negado)
func classify(err error) error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w: %w", ErrTransport, ErrTimeout, err)
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return fmt.Errorf("%w: %w", ErrTagUnavailable, err)
}

func decode(typ string, addr config.Address, buf []byte) (float64, error) {
	switch typ {
	case config.TypeBool:
		if utils.BitAt(buf[0], addr.Bit) {
			return 1, nil
		}
		return 0, nil
	case config.TypeByte:
		return float64(buf[0]), nil
	case config.TypeInt:
		return float64(utils.Int16At(buf)), nil
	case config.TypeDInt:
		return float64(utils.Int32At(buf)), nil
	case config.TypeReal:
		return float64(utils.Float32At(buf)), nil
	}
	return 0, fmt.Errorf("tipo não suportado: %s", typ)
}

func encode(typ string, value float64) ([]byte, error) {
	switch typ {
	case config.TypeByte:
		if value < 0 || value > 255 {
			return nil, fmt.Errorf("valor %v fora da faixa de BYTE", value)
		}
		return []byte{byte(value)}, nil
	case config.TypeInt:
		if value < -32768 || value > 32767 {
			return nil, fmt.Errorf("valor %v fora da faixa de INT", value)
		}
		buf := make([]byte, 2)
		utils.PutInt16(buf, int16(value))
		return buf, nil
	case config.TypeDInt:
		buf := make([]byte, 4)
		utils.PutInt32(buf, int32(value))
		return buf, nil
	case config.TypeReal:
		buf := make([]byte, 4)
		utils.PutFloat32(buf, float32(value))
		return buf, nil
	}
	return nil, fmt.Errorf("tipo não suportado: %s", typ)
}
