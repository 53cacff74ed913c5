// Package bus implementa o barramento de eventos interno: publicação sem bloqueio,
// uma caixa limitada por assinante com descarte do mais antigo e entrega FIFO
// por uma goroutine dedicada a cada assinante.
package bus

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"flotacao_go/internal/metrics"
	"flotacao_go/pkg/logger"
)

var (
	// ErrBusClosed é retornado por operações em um barramento fechado
	ErrBusClosed = errors.New("barramento fechado")

	// ErrNilHandler é retornado quando Subscribe recebe handler nulo
	ErrNilHandler = errors.New("handler nulo")

	// ErrInvalidPattern é retornado para padrões de tópico inválidos
	ErrInvalidPattern = errors.New("padrão de tópico inválido")
)

var log = logger.For(logger.BUS)

// Handler processa uma mensagem entregue
type Handler func(env Envelope)

// Stats são os contadores de um assinante
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}

// Subscription é o identificador retornado por Subscribe
type Subscription struct {
	ID      string
	Name    string
	Pattern string

	bus       *Bus
	handler   Handler
	box       *mailbox
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Stats retorna um instantâneo dos contadores do assinante
func (s *Subscription) Stats() Stats {
	return Stats{
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		Queued:    s.box.len(),
	}
}

// Unsubscribe remove a assinatura do barramento
func (s *Subscription) Unsubscribe() {
	s.bus.Unsubscribe(s)
}

// Option ajusta uma assinatura
type Option func(*Subscription, *int)

// WithMailboxSize define a capacidade da caixa desta assinatura
func WithMailboxSize(n int) Option {
	return func(_ *Subscription, size *int) {
		*size = n
	}
}

// Bus é o barramento de eventos
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	closed  bool
	seq     atomic.Uint64
	mailbox int
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// New cria um barramento com a capacidade padrão de caixa informada
func New(mailboxSize int, m *metrics.Metrics) *Bus {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if mailboxSize < 1 {
		mailboxSize = 1
	}
	return &Bus{
		subs:    make(map[string]*Subscription),
		mailbox: mailboxSize,
		metrics: m,
	}
}

// Subscribe registra handler para os tópicos que casam com pattern.
// pattern é um tópico exato ou termina em ".*" (uma ou mais chaves abaixo do prefixo).
// name identifica o assinante nos contadores.
func (b *Bus) Subscribe(pattern, name string, handler Handler, opts ...Option) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:      uuid.NewString(),
		Name:    name,
		Pattern: pattern,
		bus:     b,
		handler: handler,
	}
	size := b.mailbox
	for _, opt := range opts {
		opt(sub, &size)
	}
	sub.box = newMailbox(size)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.subs[sub.ID] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.deliver(sub)

	log.Debugf("Assinante %s registrado em %s (caixa=%d)", name, pattern, size)
	return sub, nil
}

// Unsubscribe remove a assinatura; a mensagem em processamento termina normalmente
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[sub.ID]
	delete(b.subs, sub.ID)
	b.mu.Unlock()

	if ok {
		sub.box.close()
	}
}

// Publish entrega payload a todos os assinantes do tópico sem bloquear o chamador
func (b *Bus) Publish(topic string, payload interface{}) {
	env := Envelope{
		Topic:       topic,
		Payload:     payload,
		Seq:         b.seq.Add(1),
		PublishedAt: time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.metrics.BusPublished.WithLabelValues(rootOf(topic)).Inc()

	for _, sub := range b.subs {
		if !matches(sub.Pattern, topic) {
			continue
		}
		dropped, ok := sub.box.push(env)
		if !ok {
			continue
		}
		if dropped > 0 {
			sub.dropped.Add(uint64(dropped))
			b.metrics.BusDropped.WithLabelValues(sub.Name).Add(float64(dropped))
		}
	}
}

// Close encerra todas as assinaturas e aguarda as goroutines de entrega
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.box.close()
	}
	b.wg.Wait()
}

// Stats retorna os contadores de todas as assinaturas ativas, por nome
func (b *Bus) Stats() map[string]Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]Stats, len(b.subs))
	for _, s := range b.subs {
		key := s.Name
		if _, dup := out[key]; dup {
			key = s.Name + "#" + s.ID[:8]
		}
		out[key] = s.Stats()
	}
	return out
}

// deliver é a goroutine de entrega de um assinante
func (b *Bus) deliver(sub *Subscription) {
	defer b.wg.Done()

	for {
		env, ok := sub.box.next()
		if !ok {
			return
		}
		b.invoke(sub, env)
		sub.box.done()
		sub.delivered.Add(1)
		b.metrics.BusDelivered.WithLabelValues(sub.Name).Inc()
	}
}

// invoke chama o handler recuperando panics
func (b *Bus) invoke(sub *Subscription, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Panic no assinante %s ao tratar %s: %v", sub.Name, env.Topic, r)
		}
	}()
	sub.handler(env)
}

func validatePattern(pattern string) error {
	if pattern == "" || pattern == ".*" {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	if strings.Contains(strings.TrimSuffix(pattern, ".*"), "*") {
		return fmt.Errorf("%w: curinga só é aceito no final: %q", ErrInvalidPattern, pattern)
	}
	return nil
}

// matches verifica se topic casa com pattern
func matches(pattern, topic string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".") && len(topic) > len(prefix)+1
	}
	return pattern == topic
}

// rootOf retorna os dois primeiros segmentos do tópico (tag.updated, control.output...)
func rootOf(topic string) string {
	parts := strings.SplitN(topic, ".", 3)
	if len(parts) < 2 {
		return topic
	}
	return parts[0] + "." + parts[1]
}
