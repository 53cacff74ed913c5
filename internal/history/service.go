package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"flotacao_go/internal/bus"
	"flotacao_go/internal/config"
	"flotacao_go/internal/metrics"
	"flotacao_go/internal/models"
	"flotacao_go/pkg/logger"
)

var log = logger.For(logger.DATA)

const storeTimeout = 5 * time.Second

// Service monta registros a partir do barramento e os grava fora do caminho
// de entrega, através de uma fila limitada.
type Service struct {
	cfg       config.HistoryConfig
	store     Store
	bus       *bus.Bus
	metrics   *metrics.Metrics
	chemicals []string
	levelTank map[string]string
	warn      *logger.Throttled

	kpi *meanAccumulator

	sampleMu    sync.Mutex
	lastControl map[string]time.Time
	lastDosing  map[string]map[string]float64

	qmu     sync.Mutex
	queue   []models.HistoryRecord
	wake    chan struct{}
	dropped uint64

	subs    []*bus.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewService cria o serviço de histórico
func NewService(cfg *config.Config, store Store, b *bus.Bus, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:         cfg.History,
		store:       store,
		bus:         b,
		metrics:     m,
		chemicals:   cfg.DosingChemicals(),
		levelTank:   make(map[string]string),
		warn:        log.Throttle(time.Minute, 3),
		kpi:         newMeanAccumulator(),
		lastControl: make(map[string]time.Time),
		lastDosing:  make(map[string]map[string]float64),
		wake:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	if s.cfg.QueueSize < 1 {
		s.cfg.QueueSize = 1
	}
	for _, t := range cfg.Tanks {
		s.levelTank[t.LevelTag] = t.ID
	}
	return s
}

// Chemicals retorna os reagentes na ordem das colunas de exportação
func (s *Service) Chemicals() []string {
	return s.chemicals
}

// Start assina os tópicos e inicia o gravador e o fechamento periódico de KPIs
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	subs := []struct {
		pattern, name string
		h             bus.Handler
	}{
		{models.Any(models.TopicFeatureReady), "historico-espuma", s.handleFeature},
		{models.Any(models.TopicTagUpdated), "historico-tags", s.handleTag},
		{models.Any(models.TopicControlOutput), "historico-controle", s.handleControl},
	}
	for _, def := range subs {
		sub, err := s.bus.Subscribe(def.pattern, def.name, def.h)
		if err != nil {
			for _, done := range s.subs {
				done.Unsubscribe()
			}
			s.subs = nil
			return fmt.Errorf("erro ao assinar %s: %w", def.pattern, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.wg.Add(2)
	go s.writer()
	go s.kpiLoop()

	s.running = true
	log.Infof("Serviço de histórico iniciado (fila %d, KPI a cada %s)", s.cfg.QueueSize, s.cfg.KPIInterval)
	return nil
}

// Stop cancela as assinaturas, fecha a janela de KPI e grava o que restou na fila
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
	// janela de KPI em aberto vira registro antes da última gravação
	s.flushKPI(time.Now())
	s.drain(context.Background())

	if err := s.store.Close(); err != nil {
		log.Error("Erro ao fechar armazenamento do histórico", err)
	}
	log.Info("Serviço de histórico parado")
}

// IsRunning verifica se o serviço está em execução
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Service) handleFeature(env bus.Envelope) {
	f, ok := env.Payload.(models.FeatureFrame)
	if !ok {
		return
	}
	sum := f.Summary()
	s.enqueue(models.HistoryRecord{
		TankID:    f.TankID,
		Timestamp: f.Timestamp,
		Source:    models.SourceFeature,
		Froth:     &sum,
	})
}

func (s *Service) handleTag(env bus.Envelope) {
	v, ok := env.Payload.(models.TagValue)
	if !ok || !v.Good() {
		return
	}
	switch v.Name {
	case s.cfg.FeedGradeTag, s.cfg.ConcGradeTag, s.cfg.TailGradeTag:
		s.kpi.add(v.Name, v.Value)
	default:
		if _, ok := s.levelTank[v.Name]; ok {
			s.kpi.add(v.Name, v.Value)
		}
	}
}

// handleControl amostra as saídas de controle, no máximo uma por intervalo por tanque
func (s *Service) handleControl(env bus.Envelope) {
	out, ok := env.Payload.(models.ControlOutput)
	if !ok {
		return
	}
	tank := out.Loop.TankID

	dosing := make(map[string]float64, len(out.Dosing))
	for _, d := range out.Dosing {
		dosing[d.Chemical] = d.Setpoint
	}

	s.sampleMu.Lock()
	s.lastDosing[tank] = dosing
	last := s.lastControl[tank]
	due := last.IsZero() || out.Timestamp.Sub(last) >= s.cfg.ControlSampleInterval.Duration
	if due {
		s.lastControl[tank] = out.Timestamp
	}
	s.sampleMu.Unlock()

	if !due {
		return
	}

	rec := models.HistoryRecord{
		TankID:    tank,
		Timestamp: out.Timestamp,
		Source:    models.SourceControl,
		Froth:     out.Froth,
		Dosing:    dosing,
	}
	if out.Loop.MeasuredQuality == models.QualityGood {
		level := out.Loop.Measured
		rec.KPI.Level = &level
	}
	s.enqueue(rec)
}

func (s *Service) kpiLoop() {
	defer s.wg.Done()

	interval := s.cfg.KPIInterval.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.flushKPI(now)
		}
	}
}

// flushKPI fecha a janela de médias e gera um registro de KPI por tanque
func (s *Service) flushKPI(now time.Time) {
	means := s.kpi.flush()
	if len(means) == 0 {
		return
	}

	var base models.KPI
	pick := func(name string) *float64 {
		if v, ok := means[name]; ok && name != "" {
			return &v
		}
		return nil
	}
	base.FeedGrade = pick(s.cfg.FeedGradeTag)
	base.ConcGrade = pick(s.cfg.ConcGradeTag)
	base.TailGrade = pick(s.cfg.TailGradeTag)
	if base.FeedGrade != nil && base.ConcGrade != nil && base.TailGrade != nil {
		if r, ok := Recovery(*base.FeedGrade, *base.ConcGrade, *base.TailGrade); ok {
			base.Recovery = &r
		}
	}

	levelTags := make([]string, 0, len(s.levelTank))
	for tag := range s.levelTank {
		levelTags = append(levelTags, tag)
	}
	sort.Strings(levelTags)

	for _, tag := range levelTags {
		tank := s.levelTank[tag]
		kpi := base
		kpi.Level = pick(tag)
		if kpi == (models.KPI{}) {
			continue
		}

		s.sampleMu.Lock()
		var dosing map[string]float64
		if d := s.lastDosing[tank]; len(d) > 0 {
			dosing = make(map[string]float64, len(d))
			for k, v := range d {
				dosing[k] = v
			}
		}
		s.sampleMu.Unlock()

		s.enqueue(models.HistoryRecord{
			TankID:    tank,
			Timestamp: now,
			Source:    models.SourceKPI,
			KPI:       kpi,
			Dosing:    dosing,
		})
	}
}

// enqueue coloca o registro na fila; cheia, descarta o mais antigo
func (s *Service) enqueue(rec models.HistoryRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	s.qmu.Lock()
	if len(s.queue) >= s.cfg.QueueSize {
		s.queue = s.queue[1:]
		s.dropped++
		s.metrics.HistoryDropped.Inc()
		s.warn.Warnf("Fila do histórico cheia (%d): registro mais antigo descartado (total %d)", s.cfg.QueueSize, s.dropped)
	}
	s.queue = append(s.queue, rec)
	s.metrics.HistoryBacklog.Set(float64(len(s.queue)))
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) dequeue() (models.HistoryRecord, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.queue) == 0 {
		return models.HistoryRecord{}, false
	}
	rec := s.queue[0]
	s.queue[0] = models.HistoryRecord{}
	s.queue = s.queue[1:]
	s.metrics.HistoryBacklog.Set(float64(len(s.queue)))
	return rec, true
}

func (s *Service) writer() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
			s.drain(s.ctx)
		}
	}
}

func (s *Service) drain(ctx context.Context) {
	for {
		rec, ok := s.dequeue()
		if !ok {
			return
		}
		s.write(ctx, rec)
	}
}

func (s *Service) write(ctx context.Context, rec models.HistoryRecord) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	wctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := s.store.Append(wctx, rec); err != nil {
		s.metrics.HistoryErrors.Inc()
		s.warn.Warnf("Falha ao gravar registro do tanque %s: %v", rec.TankID, err)
		return
	}
	s.metrics.HistoryAppended.Inc()
	s.bus.Publish(models.TopicHistorySnapshot, rec)
}

// Dropped retorna quantos registros foram descartados por fila cheia
func (s *Service) Dropped() uint64 {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return s.dropped
}

// Backlog retorna o tamanho atual da fila
func (s *Service) Backlog() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.queue)
}

// Query consulta o armazenamento e aplica a agregação pedida
func (s *Service) Query(ctx context.Context, q Query) ([]models.HistoryRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	recs, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("erro ao consultar histórico: %w", err)
	}
	return Aggregate(recs, q.Aggregation, q.Bucket), nil
}
