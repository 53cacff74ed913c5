package history

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"flotacao_go/internal/models"
)

// Columns retorna o cabeçalho fixo da exportação
func Columns(chemicals []string) []string {
	cols := []string{
		"timestamp", "tankId",
		"feed_grade", "conc_grade", "tail_grade", "recovery", "level",
		"velocity_mean", "velocity_variance", "stability", "energy", "contrast",
		"correlation", "homogeneity", "gray_mean", "color_ratio",
	}
	for _, c := range chemicals {
		cols = append(cols, "dosing_"+c)
	}
	return cols
}

func formatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return formatValue(*v)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteCSV exporta os registros; campos ausentes ficam vazios
func WriteCSV(w io.Writer, recs []models.HistoryRecord, chemicals []string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns(chemicals)); err != nil {
		return fmt.Errorf("erro ao escrever cabeçalho: %w", err)
	}

	for _, r := range recs {
		row := []string{
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.TankID,
			formatPtr(r.KPI.FeedGrade),
			formatPtr(r.KPI.ConcGrade),
			formatPtr(r.KPI.TailGrade),
			formatPtr(r.KPI.Recovery),
			formatPtr(r.KPI.Level),
		}
		if f := r.Froth; f != nil {
			row = append(row,
				formatPtr(f.VelocityMean),
				formatPtr(f.VelocityVariance),
				formatValue(f.Stability),
				formatValue(f.Energy),
				formatValue(f.Contrast),
				formatValue(f.Correlation),
				formatValue(f.Homogeneity),
				formatValue(f.GrayMean),
				formatValue(f.ColorRatio),
			)
		} else {
			row = append(row, make([]string, 9)...)
		}
		for _, c := range chemicals {
			if v, ok := r.Dosing[c]; ok {
				row = append(row, formatValue(v))
			} else {
				row = append(row, "")
			}
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("erro ao escrever linha: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
