package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"flotacao_go/internal/history"
	"flotacao_go/internal/models"
	"flotacao_go/pkg/utils"
)

// ErrNotConnected indica operação sem conexão ativa
var ErrNotConnected = errors.New("Redis não conectado")

// Store grava o histórico em um conjunto ordenado por tanque,
// com score em milissegundos Unix e o registro em JSON como membro.
type Store struct {
	client    *Client
	retention time.Duration
}

// NewStore cria o armazenamento de histórico sobre o cliente
func NewStore(client *Client, retention time.Duration) *Store {
	return &Store{client: client, retention: retention}
}

func (s *Store) historyKey(tankID string) string {
	return s.client.FormatKey("history:" + tankID)
}

func (s *Store) tanksKey() string {
	return s.client.FormatKey("history:tanks")
}

func scoreOf(t time.Time) float64 {
	return float64(utils.UnixMillis(t))
}

// Append adiciona o registro e aplica a retenção do tanque
func (s *Store) Append(ctx context.Context, rec models.HistoryRecord) error {
	if !s.client.IsConnected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("erro ao serializar registro: %w", err)
	}

	key := s.historyKey(rec.TankID)
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: scoreOf(rec.Timestamp), Member: data})
	pipe.SAdd(ctx, s.tanksKey(), rec.TankID)
	if s.retention > 0 {
		cutoff := scoreOf(rec.Timestamp.Add(-s.retention))
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatFloat(cutoff, 'f', 0, 64))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("erro ao gravar histórico no Redis: %w", err)
	}
	return nil
}

// Query lê a faixa [From, To] de um tanque ou de todos
func (s *Store) Query(ctx context.Context, q history.Query) ([]models.HistoryRecord, error) {
	if !s.client.IsConnected() {
		return nil, ErrNotConnected
	}
	raw := s.client.Raw()

	tanks := []string{q.TankID}
	if q.TankID == "" {
		var err error
		tanks, err = raw.SMembers(ctx, s.tanksKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("erro ao listar tanques do histórico: %w", err)
		}
	}

	rangeBy := &redis.ZRangeBy{
		Min: strconv.FormatInt(utils.UnixMillis(q.From), 10),
		Max: strconv.FormatInt(utils.UnixMillis(q.To), 10),
	}

	var out []models.HistoryRecord
	for _, tank := range tanks {
		members, err := raw.ZRangeByScore(ctx, s.historyKey(tank), rangeBy).Result()
		if err != nil {
			return nil, fmt.Errorf("erro ao consultar histórico de %s: %w", tank, err)
		}
		for _, m := range members {
			rec, err := decodeRecord(m)
			if err != nil {
				log.Warnf("Registro inválido em %s ignorado: %v", tank, err)
				continue
			}
			out = append(out, rec)
		}
	}
	history.SortRecords(out)
	return out, nil
}

func decodeRecord(member string) (models.HistoryRecord, error) {
	var rec models.HistoryRecord
	if err := json.Unmarshal([]byte(member), &rec); err != nil {
		return rec, fmt.Errorf("erro ao decodificar registro: %w", err)
	}
	return rec, nil
}

// Close fecha o cliente
func (s *Store) Close() error {
	return s.client.Close()
}
