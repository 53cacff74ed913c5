package history

import (
	"sort"
	"time"

	"flotacao_go/internal/models"
)

type series struct {
	sum, max float64
	n        int
}

func (s *series) add(v float64) {
	if s.n == 0 || v > s.max {
		s.max = v
	}
	s.sum += v
	s.n++
}

func (s *series) addPtr(v *float64) {
	if v != nil {
		s.add(*v)
	}
}

func (s *series) value(kind string) (float64, bool) {
	if s.n == 0 {
		return 0, false
	}
	if kind == AggregateMax {
		return s.max, true
	}
	return s.sum / float64(s.n), true
}

func (s *series) ptr(kind string) *float64 {
	v, ok := s.value(kind)
	if !ok {
		return nil
	}
	return &v
}

type group struct {
	tank  string
	start time.Time

	feed, conc, tail, recovery, level series

	froth       int
	velMean     series
	velVar      series
	stability   series
	energy      series
	contrast    series
	correlation series
	homogeneity series
	gray        series
	color       series
	dosing      map[string]*series
}

func (g *group) add(r models.HistoryRecord) {
	g.feed.addPtr(r.KPI.FeedGrade)
	g.conc.addPtr(r.KPI.ConcGrade)
	g.tail.addPtr(r.KPI.TailGrade)
	g.recovery.addPtr(r.KPI.Recovery)
	g.level.addPtr(r.KPI.Level)

	if f := r.Froth; f != nil {
		g.froth++
		g.velMean.addPtr(f.VelocityMean)
		g.velVar.addPtr(f.VelocityVariance)
		g.stability.add(f.Stability)
		g.energy.add(f.Energy)
		g.contrast.add(f.Contrast)
		g.correlation.add(f.Correlation)
		g.homogeneity.add(f.Homogeneity)
		g.gray.add(f.GrayMean)
		g.color.add(f.ColorRatio)
	}

	for chem, v := range r.Dosing {
		s, ok := g.dosing[chem]
		if !ok {
			s = &series{}
			g.dosing[chem] = s
		}
		s.add(v)
	}
}

func (g *group) record(kind string) models.HistoryRecord {
	rec := models.HistoryRecord{
		TankID:    g.tank,
		Timestamp: g.start,
		Source:    models.SourceAggregate,
		KPI: models.KPI{
			FeedGrade: g.feed.ptr(kind),
			ConcGrade: g.conc.ptr(kind),
			TailGrade: g.tail.ptr(kind),
			Recovery:  g.recovery.ptr(kind),
			Level:     g.level.ptr(kind),
		},
	}
	if g.froth > 0 {
		val := func(s *series) float64 { v, _ := s.value(kind); return v }
		rec.Froth = &models.FeatureSummary{
			VelocityMean:     g.velMean.ptr(kind),
			VelocityVariance: g.velVar.ptr(kind),
			Stability:        val(&g.stability),
			Energy:           val(&g.energy),
			Contrast:         val(&g.contrast),
			Correlation:      val(&g.correlation),
			Homogeneity:      val(&g.homogeneity),
			GrayMean:         val(&g.gray),
			ColorRatio:       val(&g.color),
		}
	}
	if len(g.dosing) > 0 {
		rec.Dosing = make(map[string]float64, len(g.dosing))
		for chem, s := range g.dosing {
			rec.Dosing[chem], _ = s.value(kind)
		}
	}
	return rec
}

// Aggregate reduz registros por tanque (e por janela, se bucket > 0) usando
// média ou máximo de cada campo presente. AggregateNone devolve os registros.
func Aggregate(recs []models.HistoryRecord, kind string, bucket time.Duration) []models.HistoryRecord {
	if kind == "" || kind == AggregateNone || len(recs) == 0 {
		return recs
	}

	type key struct {
		tank  string
		start int64
	}
	groups := make(map[key]*group)
	var keys []key

	for _, r := range recs {
		start := recs[0].Timestamp
		if bucket > 0 {
			start = r.Timestamp.Truncate(bucket)
		}
		k := key{r.TankID, start.UnixNano()}
		g, ok := groups[k]
		if !ok {
			g = &group{tank: r.TankID, start: start, dosing: make(map[string]*series)}
			groups[k] = g
			keys = append(keys, k)
		}
		g.add(r)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].start != keys[j].start {
			return keys[i].start < keys[j].start
		}
		return keys[i].tank < keys[j].tank
	})

	out := make([]models.HistoryRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, groups[k].record(kind))
	}
	return out
}
