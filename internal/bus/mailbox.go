package bus

import (
	"sync"
	"time"
)

// Envelope é uma mensagem publicada no barramento
type Envelope struct {
	Topic       string
	Payload     interface{}
	Seq         uint64
	PublishedAt time.Time
}

// mailbox é uma fila circular limitada com descarte do mais antigo.
// A cabeça em processamento (inflight) ocupa capacidade e nunca é descartada.
type mailbox struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []Envelope
	head     int
	count    int
	inflight bool
	closed   bool
}

func newMailbox(capacity int) *mailbox {
	if capacity < 1 {
		capacity = 1
	}
	m := &mailbox{buf: make([]Envelope, capacity)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// push enfileira env; retorna quantas mensagens foram descartadas (0 ou 1)
func (m *mailbox) push(env Envelope) (dropped int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, false
	}

	capacity := len(m.buf)
	if m.count == capacity {
		if m.inflight {
			if capacity == 1 {
				// só resta a mensagem em processamento: a nova é descartada
				return 1, true
			}
			// remove a mais antiga ainda não entregue (logo após a cabeça)
			m.removeAt(1)
		} else {
			m.buf[m.head] = Envelope{}
			m.head = (m.head + 1) % capacity
			m.count--
		}
		dropped = 1
	}

	m.buf[(m.head+m.count)%capacity] = env
	m.count++
	m.cond.Signal()
	return dropped, true
}

// removeAt remove o elemento na posição lógica i, deslocando os seguintes
func (m *mailbox) removeAt(i int) {
	capacity := len(m.buf)
	for j := i; j < m.count-1; j++ {
		m.buf[(m.head+j)%capacity] = m.buf[(m.head+j+1)%capacity]
	}
	m.buf[(m.head+m.count-1)%capacity] = Envelope{}
	m.count--
}

// next bloqueia até haver mensagem e a marca como em processamento
func (m *mailbox) next() (Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.count == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return Envelope{}, false
	}
	m.inflight = true
	return m.buf[m.head], true
}

// done libera a cabeça após o processamento
func (m *mailbox) done() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.inflight || m.count == 0 {
		m.inflight = false
		return
	}
	m.buf[m.head] = Envelope{}
	m.head = (m.head + 1) % len(m.buf)
	m.count--
	m.inflight = false
}

// len retorna o número de mensagens ocupando a caixa
func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()
}
