package pipeline

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"flotacao_go/internal/camera"
	"flotacao_go/internal/config"
	"flotacao_go/internal/metrics"
	"flotacao_go/internal/models"
	"flotacao_go/internal/vision"
	"flotacao_go/pkg/logger"
)

// WorkerStats são os contadores de uma câmera
type WorkerStats struct {
	CameraID string    `json:"cameraId"`
	TankID   string    `json:"tankId"`
	Acquired uint64    `json:"acquired"`
	Dropped  uint64    `json:"dropped"`
	Failed   uint64    `json:"failed"`
	Emitted  uint64    `json:"emitted"`
	LastAt   time.Time `json:"lastAt,omitempty"`
}

type worker struct {
	cam            config.CameraConfig
	interval       time.Duration
	acquireTimeout time.Duration
	source         camera.Source
	analyzer       Analyzer
	bus            Publisher
	metrics        *metrics.Metrics
	warn           *logger.Throttled

	busy     atomic.Bool
	inflight sync.WaitGroup

	// prev só é acessado pela análise em curso, que é única por câmera
	prev *vision.Frame

	acquired atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
	emitted  atomic.Uint64
	lastAt   atomic.Int64
}

func (w *worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.inflight.Wait()
			return
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

// cycle adquire um quadro e o analisa em segundo plano; se a análise anterior
// ainda estiver em curso o quadro novo é descartado.
func (w *worker) cycle(ctx context.Context) {
	actx, cancel := context.WithTimeout(ctx, w.acquireTimeout)
	img, err := w.source.Acquire(actx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.fail("acquire")
		w.warn.Warnf("Câmera %s: falha na aquisição: %v", w.cam.ID, err)
		return
	}
	at := time.Now()
	w.acquired.Add(1)
	w.metrics.FramesAcquired.WithLabelValues(w.cam.ID).Inc()

	if !w.busy.CompareAndSwap(false, true) {
		w.dropped.Add(1)
		w.metrics.FramesDropped.WithLabelValues(w.cam.ID).Inc()
		log.Debugf("Câmera %s: análise anterior em curso, quadro descartado", w.cam.ID)
		return
	}

	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		defer w.busy.Store(false)
		w.analyze(img, at)
	}()
}

func (w *worker) analyze(img image.Image, at time.Time) {
	start := time.Now()
	defer func() {
		w.metrics.AnalysisSeconds.WithLabelValues(w.cam.ID).Observe(time.Since(start).Seconds())
	}()

	frame, err := w.analyzer.Prepare(img, at)
	if err != nil {
		w.fail("decode")
		w.warn.Warnf("Câmera %s: quadro inválido: %v", w.cam.ID, err)
		return
	}

	prev := w.prev
	w.prev = frame

	ff, err := w.analyzer.Analyze(prev, frame)
	if err != nil {
		w.fail("analysis")
		w.warn.Warnf("Câmera %s: análise descartada: %v", w.cam.ID, err)
		return
	}

	ff.CameraID = w.cam.ID
	ff.TankID = w.cam.TankID
	w.bus.Publish(models.FeatureTopic(w.cam.TankID), ff)

	w.emitted.Add(1)
	w.lastAt.Store(at.UnixNano())
	w.metrics.FeaturesEmitted.WithLabelValues(w.cam.TankID).Inc()
}

func (w *worker) fail(stage string) {
	w.failed.Add(1)
	w.metrics.FramesFailed.WithLabelValues(w.cam.ID, stage).Inc()
}

func (w *worker) stats() WorkerStats {
	s := WorkerStats{
		CameraID: w.cam.ID,
		TankID:   w.cam.TankID,
		Acquired: w.acquired.Load(),
		Dropped:  w.dropped.Load(),
		Failed:   w.failed.Load(),
		Emitted:  w.emitted.Load(),
	}
	if ns := w.lastAt.Load(); ns > 0 {
		s.LastAt = time.Unix(0, ns)
	}
	return s
}
