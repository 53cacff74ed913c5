package vision

import (
	"fmt"
	"image"
	"time"

	"flotacao_go/internal/config"
	"flotacao_go/internal/models"
)

// Extractor aplica a extração completa de características a quadros consecutivos
type Extractor struct {
	cfg config.PipelineConfig
}

// NewExtractor cria um extrator com os parâmetros do pipeline
func NewExtractor(cfg config.PipelineConfig) *Extractor {
	return &Extractor{cfg: cfg}
}

func (e *Extractor) border() int {
	return e.cfg.PatchRadius + 2
}

// Prepare reduz o quadro e detecta os pontos de interesse
func (e *Extractor) Prepare(img image.Image, at time.Time) (*Frame, error) {
	f, err := Prepare(img, e.cfg.MaxWidth, at)
	if err != nil {
		return nil, err
	}
	f.keypoints = DetectKeypoints(f.Gray, e.cfg.KeypointCell, e.border())
	return f, nil
}

// Analyze extrai as características de cur; prev nil indica o primeiro quadro,
// que não tem velocidade.
func (e *Extractor) Analyze(prev, cur *Frame) (models.FeatureFrame, error) {
	ff := models.FeatureFrame{
		Timestamp:  cur.At,
		Texture:    Texture(cur.Gray, e.cfg.GLCMLevels),
		Intensity:  Intensity(cur.Gray),
		ColorRatio: ColorRatio(cur),
		Keypoints:  len(cur.keypoints),
	}
	if prev == nil {
		return ff, nil
	}
	if !prev.Gray.Rect.Eq(cur.Gray.Rect) {
		return ff, fmt.Errorf("%w: %v -> %v", ErrSizeMismatch, prev.Gray.Rect.Size(), cur.Gray.Rect.Size())
	}

	matches := MatchBlocks(prev.Gray, cur.Gray, prev.keypoints, e.cfg.PatchRadius, e.cfg.SearchRadius, e.cfg.RatioTest)
	vel, stability, err := motionStats(matches, cur.At.Sub(prev.At), len(prev.keypoints), len(cur.keypoints), e.cfg.MinMatches)
	if err != nil {
		return ff, err
	}
	ff.Velocity = vel
	ff.Stability = stability
	ff.Matches = len(matches)
	return ff, nil
}
