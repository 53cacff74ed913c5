package history

import (
	"math"
	"sync"
)

// Recovery calcula a recuperação metalúrgica (%) pelos teores de alimentação,
// concentrado e rejeito: c(f-t) / f(c-t) * 100.
func Recovery(feed, conc, tail float64) (float64, bool) {
	den := feed * (conc - tail)
	if den == 0 || math.IsNaN(den) {
		return 0, false
	}
	return conc * (feed - tail) / den * 100, true
}

// meanAccumulator acumula médias por tag até o próximo fechamento
type meanAccumulator struct {
	mu   sync.Mutex
	sums map[string]*series
}

func newMeanAccumulator() *meanAccumulator {
	return &meanAccumulator{sums: make(map[string]*series)}
}

func (a *meanAccumulator) add(name string, v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sums[name]
	if !ok {
		s = &series{}
		a.sums[name] = s
	}
	s.add(v)
}

// flush retorna as médias e reinicia o acumulador
func (a *meanAccumulator) flush() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]float64, len(a.sums))
	for name, s := range a.sums {
		if v, ok := s.value(AggregateAvg); ok {
			out[name] = v
		}
	}
	a.sums = make(map[string]*series)
	return out
}
