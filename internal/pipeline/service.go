// Package pipeline executa a aquisição e análise periódica das câmeras de espuma.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"flotacao_go/internal/camera"
	"flotacao_go/internal/config"
	"flotacao_go/internal/metrics"
	"flotacao_go/internal/models"
	"flotacao_go/internal/vision"
	"flotacao_go/pkg/logger"
)

var log = logger.For(logger.VIDEO)

const defaultSampleInterval = 10 * time.Second

// Publisher é o lado de publicação do barramento
type Publisher interface {
	Publish(topic string, payload interface{})
}

// Analyzer prepara e analisa quadros consecutivos
type Analyzer interface {
	Prepare(img image.Image, at time.Time) (*vision.Frame, error)
	Analyze(prev, cur *vision.Frame) (models.FeatureFrame, error)
}

// Service mantém um worker por câmera
type Service struct {
	workers []*worker

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewService cria os workers; cada câmera precisa de uma origem em sources
func NewService(cfg config.PipelineConfig, cameras []config.CameraConfig, tanks []config.TankConfig,
	sources map[string]camera.Source, analyzer Analyzer, bus Publisher, m *metrics.Metrics) (*Service, error) {

	if m == nil {
		m = metrics.NewUnregistered()
	}
	intervals := make(map[string]time.Duration, len(tanks))
	for _, t := range tanks {
		intervals[t.ID] = t.SampleInterval.Duration
	}

	acquireTimeout := cfg.AcquireTimeout.Duration
	if acquireTimeout <= 0 {
		acquireTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{ctx: ctx, cancel: cancel}

	for _, cam := range cameras {
		src, ok := sources[cam.ID]
		if !ok {
			cancel()
			return nil, fmt.Errorf("câmera %s sem origem de quadros", cam.ID)
		}
		interval, ok := intervals[cam.TankID]
		if !ok {
			cancel()
			return nil, fmt.Errorf("câmera %s: tanque desconhecido %q", cam.ID, cam.TankID)
		}
		if interval <= 0 {
			interval = defaultSampleInterval
		}
		s.workers = append(s.workers, &worker{
			cam:            cam,
			interval:       interval,
			acquireTimeout: acquireTimeout,
			source:         src,
			analyzer:       analyzer,
			bus:            bus,
			metrics:        m,
			warn:           log.Throttle(time.Minute, 3),
		})
	}
	return s, nil
}

// Start inicia um laço por câmera
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true
	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w *worker) {
			defer s.wg.Done()
			w.run(s.ctx)
		}(w)
		log.Infof("Câmera %s (tanque %s) amostrando a cada %s", w.cam.ID, w.cam.TankID, w.interval)
	}
	log.Infof("Pipeline de espuma iniciado com %d câmeras", len(s.workers))
	return nil
}

// Stop encerra os laços e aguarda as análises em curso
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
	log.Info("Pipeline de espuma parado")
}

// IsRunning verifica se o pipeline está em execução
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Stats retorna os contadores por câmera, ordenados por id
func (s *Service) Stats() []WorkerStats {
	out := make([]WorkerStats, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}
