package plc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"flotacao_go/internal/config"
	"flotacao_go/internal/metrics"
	"flotacao_go/internal/models"
	"flotacao_go/pkg/logger"
)

var log = logger.For(logger.PLC)

// Publisher é o lado de publicação do barramento
type Publisher interface {
	Publish(topic string, payload interface{})
}

// tagEntry é o estado de cache de uma tag
type tagEntry struct {
	mapping    config.TagMapping
	value      models.TagValue
	misses     int
	subscribed bool
}

// pollGroup é um conjunto de tags lidas no mesmo intervalo
type pollGroup struct {
	id       string
	name     string
	interval time.Duration
	tags     []string
	next     time.Time
}

// Service mantém a sessão com o PLC, o cache de tags e o laço de leitura
type Service struct {
	driver       Driver
	bus          Publisher
	metrics      *metrics.Metrics
	staleAfter   int
	writeTimeout time.Duration
	backoffCfg   config.BackoffConfig

	mu       sync.RWMutex
	state    models.ConnectionState
	endpoint Endpoint
	creds    Credentials
	dialed   bool
	lastErr  error
	tags     map[string]*tagEntry
	groups   []*pollGroup

	// ioMu serializa o acesso ao driver entre leitura e escrita
	ioMu sync.Mutex

	faults chan error
	wake   chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	pollWarn *logger.Throttled
}

// NewService cria o serviço de comunicação com as tags do mapeamento
func NewService(cfg config.PLCConfig, tags []config.TagMapping, driver Driver, bus Publisher, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		driver:       driver,
		bus:          bus,
		metrics:      m,
		staleAfter:   cfg.StaleAfter,
		writeTimeout: cfg.WriteTimeout.Duration,
		backoffCfg:   cfg.Backoff,
		state:        models.StateDisconnected,
		tags:         make(map[string]*tagEntry, len(tags)),
		faults:       make(chan error, 1),
		wake:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		pollWarn:     log.Throttle(10*time.Second, 3),
	}
	for _, t := range tags {
		s.tags[t.Name] = &tagEntry{
			mapping: t,
			value:   models.TagValue{Name: t.Name, Type: t.Type, Quality: models.QualityStale},
		}
	}
	s.setStateLocked(models.StateDisconnected, 0)
	return s
}

// Connect abre a sessão com o PLC. Falhas de handshake retornam *ConnectionError;
// o endpoint fica registrado e o laço de leitura passa a tentar reconectar.
func (s *Service) Connect(ctx context.Context, ep Endpoint, creds Credentials) error {
	s.mu.Lock()
	s.endpoint, s.creds, s.dialed = ep, creds, true
	s.mu.Unlock()

	if err := s.dial(ctx); err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.setStateLocked(models.StateDisconnected, 0)
		s.mu.Unlock()
		s.signalWake()
		return err
	}

	log.Infof("Conectado ao PLC em %s", ep)
	return nil
}

// dial executa o handshake e, em caso de sucesso, marca as tags assinadas como Stale
func (s *Service) dial(ctx context.Context) error {
	s.mu.Lock()
	ep, creds := s.endpoint, s.creds
	s.setStateLocked(models.StateConnecting, 0)
	s.mu.Unlock()

	s.ioMu.Lock()
	err := s.driver.Connect(ctx, ep, creds)
	s.ioMu.Unlock()
	if err != nil {
		return &ConnectionError{Endpoint: ep.String(), Err: err}
	}

	// falhas anteriores à nova sessão não valem mais
	select {
	case <-s.faults:
	default:
	}

	s.mu.Lock()
	s.lastErr = nil
	s.markAllLocked(models.QualityStale)
	now := time.Now()
	for _, g := range s.groups {
		g.next = now
	}
	s.setStateLocked(models.StateConnected, 0)
	s.mu.Unlock()
	return nil
}

// SubscribeTags registra um grupo de leitura periódica e retorna seu identificador
func (s *Service) SubscribeTags(names []string, interval time.Duration) (string, error) {
	return s.subscribe("", names, interval)
}

func (s *Service) subscribe(groupName string, names []string, interval time.Duration) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("intervalo de leitura inválido: %v", interval)
	}

	s.mu.Lock()
	for _, name := range names {
		e, ok := s.tags[name]
		if !ok {
			s.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrUnknownTag, name)
		}
		if !e.mapping.Readable() {
			s.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrTagNotReadable, name)
		}
	}

	g := &pollGroup{
		id:       uuid.NewString(),
		name:     groupName,
		interval: interval,
		tags:     append([]string(nil), names...),
		next:     time.Now(),
	}
	if g.name == "" {
		g.name = g.id[:8]
	}
	for _, name := range names {
		s.tags[name].subscribed = true
	}
	s.groups = append(s.groups, g)
	s.mu.Unlock()

	s.signalWake()
	log.Infof("Grupo de leitura %s: %d tags a cada %v", g.name, len(names), interval)
	return g.id, nil
}

// SubscribeGroups registra os grupos de leitura configurados
func (s *Service) SubscribeGroups(groups []config.PollGroup) error {
	for _, g := range groups {
		if _, err := s.subscribe(g.Name, g.Tags, g.Interval.Duration); err != nil {
			return fmt.Errorf("grupo %s: %w", g.Name, err)
		}
	}
	return nil
}

// ReadTag retorna o valor em cache de uma tag assinada ou lê diretamente uma tag não assinada
func (s *Service) ReadTag(ctx context.Context, name string) (models.TagValue, error) {
	s.mu.RLock()
	e, ok := s.tags[name]
	state := s.state
	var cached models.TagValue
	var subscribed bool
	var mapping config.TagMapping
	if ok {
		cached, subscribed, mapping = e.value, e.subscribed, e.mapping
	}
	s.mu.RUnlock()

	if !ok {
		return models.TagValue{}, fmt.Errorf("%w: %s", ErrUnknownTag, name)
	}
	if state != models.StateConnected {
		return models.TagValue{}, ErrNotConnected
	}
	if subscribed {
		return cached, nil
	}
	if !mapping.Readable() {
		return models.TagValue{}, fmt.Errorf("%w: %s", ErrTagNotReadable, name)
	}

	s.ioMu.Lock()
	v, err := s.driver.Read(ctx, mapping)
	s.ioMu.Unlock()
	if err != nil {
		if errors.Is(err, ErrTransport) {
			s.reportFault(err)
		}
		return models.TagValue{}, fmt.Errorf("erro ao ler %s: %w", name, err)
	}
	return models.TagValue{Name: name, Type: mapping.Type, Value: v, Quality: models.QualityGood, Timestamp: time.Now()}, nil
}

// Snapshot retorna cópias de todas as tags em cache, ordenadas por nome
func (s *Service) Snapshot() []models.TagValue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.TagValue, 0, len(s.tags))
	for _, e := range s.tags {
		if e.subscribed {
			out = append(out, e.value)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// WriteTag escreve de forma síncrona e aguarda a confirmação até o prazo de escrita.
// Não há nova tentativa: o chamador decide.
func (s *Service) WriteTag(ctx context.Context, name string, value float64) error {
	s.mu.RLock()
	e, ok := s.tags[name]
	state := s.state
	var mapping config.TagMapping
	if ok {
		mapping = e.mapping
	}
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTag, name)
	}
	if !mapping.Writable() {
		return fmt.Errorf("%w: %w: %s", ErrWriteRejected, ErrTagNotWritable, name)
	}
	if state != models.StateConnected {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	start := time.Now()
	result := make(chan error, 1)
	go func() {
		s.ioMu.Lock()
		defer s.ioMu.Unlock()
		if err := ctx.Err(); err != nil {
			result <- err
			return
		}
		result <- s.driver.Write(ctx, mapping, value)
	}()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = ctx.Err()
	}

	switch {
	case err == nil:
		s.metrics.PLCWriteDuration.Observe(time.Since(start).Seconds())
		log.Debugf("Escrita confirmada: %s = %v", name, value)
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		s.metrics.PLCWriteFailures.WithLabelValues("timeout").Inc()
		if errors.Is(err, ErrTransport) {
			s.reportFault(err)
		}
		return fmt.Errorf("%w: %s", ErrWriteTimeout, name)
	default:
		s.metrics.PLCWriteFailures.WithLabelValues("rejected").Inc()
		if errors.Is(err, ErrTransport) {
			s.reportFault(err)
		}
		return fmt.Errorf("%w: %s: %w", ErrWriteRejected, name, err)
	}
}

// State retorna o estado atual da conexão
func (s *Service) State() models.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status retorna o estado da conexão com o último erro
func (s *Service) Status() models.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := models.ConnectionStatus{State: s.state, Endpoint: s.endpoint.String(), Timestamp: time.Now()}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Start inicia o laço de leitura e reconexão
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true
	s.wg.Add(1)
	go s.run()

	log.Info("Serviço de comunicação PLC iniciado")
	return nil
}

// Stop encerra o laço e fecha a sessão
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.ioMu.Lock()
	s.driver.Close()
	s.ioMu.Unlock()

	s.mu.Lock()
	s.setStateLocked(models.StateDisconnected, 0)
	s.mu.Unlock()
	log.Info("Serviço de comunicação PLC parado")
}

// IsRunning verifica se o serviço está em execução
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// run é o laço principal: lê os grupos vencidos e trata falhas de transporte
func (s *Service) run() {
	defer s.wg.Done()

	for {
		s.mu.RLock()
		state, dialed := s.state, s.dialed
		s.mu.RUnlock()

		if dialed && (state == models.StateDisconnected || state == models.StateReconnecting) {
			if !s.reconnect() {
				return
			}
			continue
		}

		timer := time.NewTimer(s.untilNextDue(time.Now()))
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
		case err := <-s.faults:
			s.transportFailure(err)
		case <-timer.C:
			if state == models.StateConnected {
				s.pollDue(time.Now())
			}
		}
		timer.Stop()
	}
}

// untilNextDue calcula a espera até o próximo grupo vencer
func (s *Service) untilNextDue(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wait := time.Second
	for _, g := range s.groups {
		if d := g.next.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// pollDue lê os grupos cujo intervalo venceu
func (s *Service) pollDue(now time.Time) {
	s.mu.Lock()
	var due []*pollGroup
	for _, g := range s.groups {
		if !now.Before(g.next) {
			due = append(due, g)
			g.next = g.next.Add(g.interval)
			if g.next.Before(now) {
				g.next = now.Add(g.interval)
			}
		}
	}
	s.mu.Unlock()

	for _, g := range due {
		if err := s.pollGroup(g); err != nil {
			s.transportFailure(err)
			return
		}
	}
}

// pollGroup lê cada tag do grupo; retorna erro apenas em falha de transporte
func (s *Service) pollGroup(g *pollGroup) error {
	s.metrics.PLCPollCycles.WithLabelValues(g.name).Inc()

	for _, name := range g.tags {
		s.mu.RLock()
		mapping := s.tags[name].mapping
		s.mu.RUnlock()

		s.ioMu.Lock()
		v, err := s.driver.Read(s.ctx, mapping)
		s.ioMu.Unlock()

		if err != nil {
			if errors.Is(err, ErrTransport) {
				return err
			}
			if s.ctx.Err() != nil {
				return nil
			}
			s.pollWarn.Warnf("Leitura perdida de %s: %v", name, err)
			s.recordMiss(name)
			continue
		}
		s.recordGood(name, v, time.Now())
	}
	return nil
}

// recordGood atualiza o cache e publica a cada leitura bem-sucedida, mesmo com valor repetido
func (s *Service) recordGood(name string, v float64, ts time.Time) {
	s.mu.Lock()
	e := s.tags[name]
	if e.value.Quality != models.QualityGood {
		s.metrics.PLCQualityChanges.WithLabelValues(string(models.QualityGood)).Inc()
	}
	e.misses = 0
	e.value.Value = v
	e.value.Quality = models.QualityGood
	e.value.Timestamp = ts
	out := e.value
	s.mu.Unlock()

	s.publishTag(out)
}

// recordMiss conta leituras perdidas; na K-ésima consecutiva a tag passa a Stale uma única vez
func (s *Service) recordMiss(name string) {
	s.mu.Lock()
	e := s.tags[name]
	e.misses++
	transition := e.misses >= s.staleAfter && e.value.Quality == models.QualityGood
	if transition {
		e.value.Quality = models.QualityStale
		s.metrics.PLCQualityChanges.WithLabelValues(string(models.QualityStale)).Inc()
	}
	out := e.value
	s.mu.Unlock()

	if transition {
		log.Warnf("Tag %s sem leitura há %d ciclos: Stale", name, s.staleAfter)
		s.publishTag(out)
	}
}

// transportFailure marca as tags como Bad e leva o serviço a Reconnecting
func (s *Service) transportFailure(err error) {
	s.mu.Lock()
	if s.state != models.StateConnected {
		s.mu.Unlock()
		return
	}
	s.lastErr = err
	changed := s.markAllLocked(models.QualityBad)
	s.setStateLocked(models.StateReconnecting, 0)
	s.mu.Unlock()

	log.Error("Falha de transporte com o PLC", err)

	s.ioMu.Lock()
	s.driver.Close()
	s.ioMu.Unlock()

	for _, v := range changed {
		s.publishTag(v)
	}
}

// reconnect tenta refazer a sessão com backoff exponencial até conseguir ou o serviço parar
func (s *Service) reconnect() bool {
	b := newBackoff(s.backoffCfg)

	for attempt := 1; ; attempt++ {
		wait := b.NextBackOff()

		s.mu.Lock()
		s.setStateLocked(models.StateReconnecting, attempt)
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		s.metrics.PLCReconnects.Inc()
		err := s.dial(s.ctx)
		if err == nil {
			log.Infof("Reconectado ao PLC após %d tentativa(s)", attempt)
			s.publishStale()
			return true
		}
		if s.ctx.Err() != nil {
			return false
		}

		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.pollWarn.Warnf("Tentativa %d de reconexão falhou (próxima em até %v): %v", attempt, b.MaxInterval, err)
	}
}

// markAllLocked aplica a qualidade a todas as tags assinadas e retorna as que mudaram
func (s *Service) markAllLocked(q models.Quality) []models.TagValue {
	var changed []models.TagValue
	for _, e := range s.tags {
		if !e.subscribed {
			continue
		}
		e.misses = 0
		if e.value.Quality != q {
			e.value.Quality = q
			changed = append(changed, e.value)
			s.metrics.PLCQualityChanges.WithLabelValues(string(q)).Inc()
		}
	}
	return changed
}

// publishStale publica as tags assinadas que continuam Stale após a reconexão
func (s *Service) publishStale() {
	s.mu.RLock()
	var out []models.TagValue
	for _, e := range s.tags {
		if e.subscribed && e.value.Quality == models.QualityStale {
			out = append(out, e.value)
		}
	}
	s.mu.RUnlock()

	for _, v := range out {
		s.publishTag(v)
	}
}

func (s *Service) publishTag(v models.TagValue) {
	if s.bus != nil {
		s.bus.Publish(models.TagTopic(v.Name), v)
	}
}

// setStateLocked altera o estado e publica a transição; exige s.mu.
// Publish nunca bloqueia, então é seguro publicar com o lock.
func (s *Service) setStateLocked(state models.ConnectionState, attempt int) {
	prev := s.state
	s.state = state
	for _, st := range []models.ConnectionState{
		models.StateDisconnected, models.StateConnecting, models.StateConnected, models.StateReconnecting,
	} {
		v := 0.0
		if st == state {
			v = 1
		}
		s.metrics.PLCConnectionState.WithLabelValues(string(st)).Set(v)
	}

	if s.bus == nil || (prev == state && attempt == 0) {
		return
	}
	st := models.ConnectionStatus{
		State:     state,
		Endpoint:  s.endpoint.String(),
		Attempt:   attempt,
		Timestamp: time.Now(),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.bus.Publish(models.TopicConnectionState, st)
}

// reportFault encaminha ao laço uma falha de transporte observada fora dele
func (s *Service) reportFault(err error) {
	select {
	case s.faults <- err:
	default:
	}
}

func (s *Service) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
