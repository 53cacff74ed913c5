package vision

import (
	"image"
	"math"
	"time"

	"flotacao_go/internal/models"
)

const (
	harrisK = 0.04
	// Resposta mínima relativa ao maior valor do quadro
	harrisThreshold = 0.01
	// Variância mínima do bloco de referência; blocos lisos não são rastreáveis
	minPatchVariance = 1.0
)

// Match liga um ponto do quadro anterior à sua posição no quadro atual
type Match struct {
	From image.Point
	To   image.Point
}

// Displacement retorna o deslocamento em pixels
func (m Match) Displacement() float64 {
	dx := float64(m.To.X - m.From.X)
	dy := float64(m.To.Y - m.From.Y)
	return math.Hypot(dx, dy)
}

// harrisResponse calcula a resposta de Harris com janela 3x3
func harrisResponse(g *image.Gray) []float64 {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	resp := make([]float64, w*h)
	if w < 5 || h < 5 {
		return resp
	}

	px := func(x, y int) float64 { return float64(g.Pix[y*g.Stride+x]) }
	ixx := make([]float64, w*h)
	iyy := make([]float64, w*h)
	ixy := make([]float64, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := (px(x+1, y) - px(x-1, y)) / 2
			gy := (px(x, y+1) - px(x, y-1)) / 2
			i := y*w + x
			ixx[i] = gx * gx
			iyy[i] = gy * gy
			ixy[i] = gx * gy
		}
	}

	for y := 2; y < h-2; y++ {
		for x := 2; x < w-2; x++ {
			var sxx, syy, sxy float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					i := (y+dy)*w + x + dx
					sxx += ixx[i]
					syy += iyy[i]
					sxy += ixy[i]
				}
			}
			tr := sxx + syy
			resp[y*w+x] = sxx*syy - sxy*sxy - harrisK*tr*tr
		}
	}
	return resp
}

// DetectKeypoints escolhe o canto de Harris mais forte de cada célula da grade,
// ignorando uma margem de border pixels.
func DetectKeypoints(g *image.Gray, cell, border int) []image.Point {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if cell < 1 {
		cell = 1
	}
	if border < 2 {
		border = 2
	}
	resp := harrisResponse(g)

	var maxR float64
	for _, r := range resp {
		if r > maxR {
			maxR = r
		}
	}
	if maxR <= 0 {
		return nil
	}
	thr := harrisThreshold * maxR

	var kps []image.Point
	for cy := border; cy < h-border; cy += cell {
		for cx := border; cx < w-border; cx += cell {
			best, bestR := image.Point{}, thr
			found := false
			for y := cy; y < cy+cell && y < h-border; y++ {
				for x := cx; x < cx+cell && x < w-border; x++ {
					if r := resp[y*w+x]; r > bestR {
						best, bestR, found = image.Pt(x, y), r, true
					}
				}
			}
			if found {
				kps = append(kps, best)
			}
		}
	}
	return kps
}

func patchInside(g *image.Gray, p image.Point, r int) bool {
	return p.X-r >= 0 && p.Y-r >= 0 && p.X+r < g.Rect.Dx() && p.Y+r < g.Rect.Dy()
}

func patchVariance(g *image.Gray, p image.Point, r int) float64 {
	var sum, sq float64
	for y := p.Y - r; y <= p.Y+r; y++ {
		for x := p.X - r; x <= p.X+r; x++ {
			v := float64(g.Pix[y*g.Stride+x])
			sum += v
			sq += v * v
		}
	}
	n := float64((2*r + 1) * (2*r + 1))
	mean := sum / n
	return sq/n - mean*mean
}

func ssd(a *image.Gray, pa image.Point, b *image.Gray, pb image.Point, r int) float64 {
	var s int
	for dy := -r; dy <= r; dy++ {
		ra := (pa.Y+dy)*a.Stride + pa.X
		rb := (pb.Y+dy)*b.Stride + pb.X
		for dx := -r; dx <= r; dx++ {
			d := int(a.Pix[ra+dx]) - int(b.Pix[rb+dx])
			s += d * d
		}
	}
	return float64(s)
}

// MatchBlocks procura cada ponto do quadro anterior no quadro atual por
// soma dos quadrados das diferenças dentro de ±searchR. A correspondência só
// é aceita quando a melhor é claramente melhor que a segunda, fora da
// vizinhança imediata da melhor (teste de razão sobre a distância).
func MatchBlocks(prev, cur *image.Gray, kps []image.Point, patchR, searchR int, ratio float64) []Match {
	side := 2*searchR + 1
	costs := make([]float64, side*side)
	limit := ratio * ratio

	var matches []Match
	for _, p := range kps {
		if !patchInside(prev, p, patchR) || patchVariance(prev, p, patchR) < minPatchVariance {
			continue
		}

		best := -1
		for i := range costs {
			q := image.Pt(p.X+i%side-searchR, p.Y+i/side-searchR)
			if !patchInside(cur, q, patchR) {
				costs[i] = math.Inf(1)
				continue
			}
			costs[i] = ssd(prev, p, cur, q, patchR)
			if best < 0 || costs[i] < costs[best] {
				best = i
			}
		}
		if best < 0 {
			continue
		}

		bx, by := best%side, best/side
		second := math.Inf(1)
		for i, c := range costs {
			if abs(i%side-bx) <= 1 && abs(i/side-by) <= 1 {
				continue
			}
			if c < second {
				second = c
			}
		}
		if math.IsInf(second, 1) || costs[best] >= limit*second {
			continue
		}

		matches = append(matches, Match{
			From: p,
			To:   image.Pt(p.X+bx-searchR, p.Y+by-searchR),
		})
	}
	return matches
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// motionStats converte as correspondências em velocidade (px/s) e estabilidade.
// Nenhuma correspondência é falha; menos de minMatches omite a velocidade.
func motionStats(matches []Match, dt time.Duration, kpPrev, kpCur, minMatches int) (*models.Velocity, float64, error) {
	if len(matches) == 0 {
		return nil, 0, ErrNoMatches
	}

	var stability float64
	if kpPrev+kpCur > 0 {
		stability = float64(len(matches)) / (0.5 * float64(kpPrev+kpCur))
		if stability > 1 {
			stability = 1
		}
	}

	if len(matches) < minMatches || dt <= 0 {
		return nil, stability, nil
	}

	secs := dt.Seconds()
	var sum, sq float64
	for _, m := range matches {
		v := m.Displacement() / secs
		sum += v
		sq += v * v
	}
	n := float64(len(matches))
	mean := sum / n
	variance := sq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return &models.Velocity{Mean: mean, Variance: variance}, stability, nil
}
