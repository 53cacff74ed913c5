package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"flotacao_go/internal/models"
)

// MemoryStore mantém o histórico em memória, com retenção por idade
type MemoryStore struct {
	mu        sync.RWMutex
	byTank    map[string][]models.HistoryRecord
	retention time.Duration
}

// NewMemoryStore cria o armazenamento; retention zero mantém tudo
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		byTank:    make(map[string][]models.HistoryRecord),
		retention: retention,
	}
}

// Append insere mantendo a ordem por timestamp
func (s *MemoryStore) Append(_ context.Context, rec models.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.byTank[rec.TankID]
	i := sort.Search(len(recs), func(i int) bool { return recs[i].Timestamp.After(rec.Timestamp) })
	recs = append(recs, models.HistoryRecord{})
	copy(recs[i+1:], recs[i:])
	recs[i] = rec

	if s.retention > 0 {
		cutoff := recs[len(recs)-1].Timestamp.Add(-s.retention)
		n := sort.Search(len(recs), func(i int) bool { return !recs[i].Timestamp.Before(cutoff) })
		recs = recs[n:]
	}
	s.byTank[rec.TankID] = recs
	return nil
}

// Query retorna os registros de [From, To]
func (s *MemoryStore) Query(_ context.Context, q Query) ([]models.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.HistoryRecord
	for tank, recs := range s.byTank {
		if q.TankID != "" && tank != q.TankID {
			continue
		}
		for _, r := range recs {
			if r.Timestamp.Before(q.From) || r.Timestamp.After(q.To) {
				continue
			}
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

// Close não faz nada
func (s *MemoryStore) Close() error {
	return nil
}

// sortRecords ordena por timestamp, depois por tanque
func sortRecords(recs []models.HistoryRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].Timestamp.Before(recs[j].Timestamp)
		}
		return recs[i].TankID < recs[j].TankID
	})
}

// SortRecords é usado por armazenamentos externos para garantir a ordem da consulta
func SortRecords(recs []models.HistoryRecord) {
	sortRecords(recs)
}
