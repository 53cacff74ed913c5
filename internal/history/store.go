// Package history grava e consulta o histórico de KPIs, espuma e dosagem.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flotacao_go/internal/models"
)

// Agregações suportadas em consultas
const (
	AggregateNone = "none"
	AggregateAvg  = "avg"
	AggregateMax  = "max"
)

// ErrInvalidQuery indica parâmetros de consulta inválidos
var ErrInvalidQuery = errors.New("consulta inválida")

// Query seleciona registros; TankID vazio seleciona todos os tanques
type Query struct {
	TankID      string
	From        time.Time
	To          time.Time
	Aggregation string
	// Bucket agrupa a agregação em janelas; zero agrega o intervalo inteiro
	Bucket time.Duration
}

// Validate normaliza e confere a consulta
func (q *Query) Validate() error {
	if q.To.IsZero() {
		q.To = time.Now()
	}
	if q.From.After(q.To) {
		return fmt.Errorf("%w: início depois do fim", ErrInvalidQuery)
	}
	switch q.Aggregation {
	case "":
		q.Aggregation = AggregateNone
	case AggregateNone, AggregateAvg, AggregateMax:
	default:
		return fmt.Errorf("%w: agregação %q", ErrInvalidQuery, q.Aggregation)
	}
	if q.Bucket < 0 {
		return fmt.Errorf("%w: janela negativa", ErrInvalidQuery)
	}
	return nil
}

// Store é o armazenamento append-only do histórico; Query retorna registros
// brutos em ordem crescente de timestamp.
type Store interface {
	Append(ctx context.Context, rec models.HistoryRecord) error
	Query(ctx context.Context, q Query) ([]models.HistoryRecord, error)
	Close() error
}
