package vision

import (
	"image"
	"math"

	"flotacao_go/internal/models"
)

// Deslocamentos da matriz de co-ocorrência: 0°, 45°, 90° e 135° com distância 1
var glcmOffsets = []image.Point{{1, 0}, {1, 1}, {0, 1}, {-1, 1}}

// Texture calcula energia, contraste, correlação e homogeneidade da GLCM
// simétrica e normalizada, com a média das quatro direções.
func Texture(g *image.Gray, levels int) models.TextureFeatures {
	if levels < 2 {
		levels = 2
	}
	if levels > 256 {
		levels = 256
	}
	w, h := g.Rect.Dx(), g.Rect.Dy()

	q := make([]int, w*h)
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for x, v := range row {
			q[y*w+x] = int(v) * levels / 256
		}
	}

	var out models.TextureFeatures
	counted := 0
	glcm := make([]float64, levels*levels)

	for _, off := range glcmOffsets {
		for i := range glcm {
			glcm[i] = 0
		}
		var total float64
		for y := 0; y < h; y++ {
			ny := y + off.Y
			if ny < 0 || ny >= h {
				continue
			}
			for x := 0; x < w; x++ {
				nx := x + off.X
				if nx < 0 || nx >= w {
					continue
				}
				a, b := q[y*w+x], q[ny*w+nx]
				glcm[a*levels+b]++
				glcm[b*levels+a]++
				total += 2
			}
		}
		if total == 0 {
			continue
		}
		for i := range glcm {
			glcm[i] /= total
		}

		t := glcmStats(glcm, levels)
		out.Energy += t.Energy
		out.Contrast += t.Contrast
		out.Correlation += t.Correlation
		out.Homogeneity += t.Homogeneity
		counted++
	}

	if counted == 0 {
		return models.TextureFeatures{Energy: 1, Correlation: 1, Homogeneity: 1}
	}
	k := float64(counted)
	out.Energy /= k
	out.Contrast /= k
	out.Correlation /= k
	out.Homogeneity /= k
	return out
}

func glcmStats(p []float64, levels int) models.TextureFeatures {
	var t models.TextureFeatures
	var mean float64
	for i := 0; i < levels; i++ {
		for j := 0; j < levels; j++ {
			v := p[i*levels+j]
			if v == 0 {
				continue
			}
			d := float64(i - j)
			t.Energy += v * v
			t.Contrast += v * d * d
			t.Homogeneity += v / (1 + d*d)
			mean += float64(i) * v
		}
	}

	// Matriz simétrica: médias e variâncias de linha e coluna coincidem
	var variance, cov float64
	for i := 0; i < levels; i++ {
		for j := 0; j < levels; j++ {
			v := p[i*levels+j]
			if v == 0 {
				continue
			}
			di, dj := float64(i)-mean, float64(j)-mean
			variance += di * di * v
			cov += di * dj * v
		}
	}
	if variance < 1e-12 {
		t.Correlation = 1
	} else {
		t.Correlation = cov / variance
	}
	return t
}

// Intensity calcula os momentos do histograma de cinza
func Intensity(g *image.Gray) models.IntensityStats {
	var hist [256]float64
	w, h := g.Rect.Dx(), g.Rect.Dy()
	for y := 0; y < h; y++ {
		for _, v := range g.Pix[y*g.Stride : y*g.Stride+w] {
			hist[v]++
		}
	}
	n := float64(w * h)
	if n == 0 {
		return models.IntensityStats{}
	}

	var mean float64
	for v, c := range hist {
		mean += float64(v) * c
	}
	mean /= n

	var m2, m3, m4 float64
	for v, c := range hist {
		if c == 0 {
			continue
		}
		d := float64(v) - mean
		d2 := d * d
		m2 += d2 * c
		m3 += d2 * d * c
		m4 += d2 * d2 * c
	}
	m2, m3, m4 = m2/n, m3/n, m4/n

	stats := models.IntensityStats{Mean: mean, StdDev: math.Sqrt(m2)}
	if m2 > 1e-12 {
		stats.Skewness = m3 / math.Pow(m2, 1.5)
		stats.Kurtosis = m4 / (m2 * m2)
	}
	return stats
}
