// Package vision extrai características de textura, cor e movimento
// de imagens da espuma de flotação.
package vision

import (
	"errors"
	"image"
	"math"
	"time"
)

var (
	// ErrEmptyImage indica imagem nula, vazia ou corrompida
	ErrEmptyImage = errors.New("imagem vazia")
	// ErrNoMatches indica que nenhum ponto foi correspondido entre dois quadros
	ErrNoMatches = errors.New("nenhuma correspondência entre quadros")
	// ErrSizeMismatch indica quadros consecutivos de tamanhos diferentes
	ErrSizeMismatch = errors.New("quadros com dimensões diferentes")
)

// Frame é um quadro já reduzido e convertido para cinza
type Frame struct {
	Gray     *image.Gray
	RedMean  float64
	GrayMean float64
	At       time.Time

	keypoints []image.Point
}

// Keypoints retorna os pontos de interesse detectados no quadro
func (f *Frame) Keypoints() []image.Point {
	return f.keypoints
}

// Prepare reduz a imagem até maxWidth (média em blocos) e converte para cinza.
// maxWidth <= 0 mantém a resolução original.
func Prepare(img image.Image, maxWidth int, at time.Time) (*Frame, error) {
	if img == nil {
		return nil, ErrEmptyImage
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, ErrEmptyImage
	}

	step := 1
	if maxWidth > 0 && b.Dx() > maxWidth {
		step = (b.Dx() + maxWidth - 1) / maxWidth
	}
	w, h := b.Dx()/step, b.Dy()/step
	if w == 0 || h == 0 {
		return nil, ErrEmptyImage
	}

	gray := image.NewGray(image.Rect(0, 0, w, h))
	n := float64(step * step)
	var redSum, graySum float64

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, bl float64
			for dy := 0; dy < step; dy++ {
				for dx := 0; dx < step; dx++ {
					cr, cg, cb, _ := img.At(b.Min.X+x*step+dx, b.Min.Y+y*step+dy).RGBA()
					r += float64(cr >> 8)
					g += float64(cg >> 8)
					bl += float64(cb >> 8)
				}
			}
			r, g, bl = r/n, g/n, bl/n

			// Luminância ITU-R BT.601
			v := 0.299*r + 0.587*g + 0.114*bl
			gray.Pix[y*gray.Stride+x] = uint8(math.Min(255, math.Round(v)))
			redSum += r
			graySum += v
		}
	}

	total := float64(w * h)
	return &Frame{
		Gray:     gray,
		RedMean:  redSum / total,
		GrayMean: graySum / total,
		At:       at,
	}, nil
}

// ColorRatio é o índice de vermelho relativo (média do vermelho / média do cinza)
func ColorRatio(f *Frame) float64 {
	if f.GrayMean <= 0 {
		return 0
	}
	return f.RedMean / f.GrayMean
}
