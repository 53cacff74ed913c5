package history

import (
	"bytes"
	"context"
	"encoding/csv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flotacao_go/internal/bus"
	"flotacao_go/internal/config"
	"flotacao_go/internal/metrics"
	"flotacao_go/internal/models"
)

func f64(v float64) *float64 { return &v }

var t0 = time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		Tanks: []config.TankConfig{
			{ID: "rougher", LevelTag: "nivel_rougher", Dosing: []config.DosingChannelConfig{{Chemical: "xantato"}, {Chemical: "oleo_pinho"}}},
			{ID: "cleaner1", LevelTag: "nivel_cleaner1"},
		},
		History: config.HistoryConfig{
			QueueSize:             16,
			KPIInterval:           config.D(time.Hour),
			ControlSampleInterval: config.D(10 * time.Second),
			FeedGradeTag:          "grade_feed",
			ConcGradeTag:          "grade_conc",
			TailGradeTag:          "grade_tail",
		},
	}
}

func TestRecovery(t *testing.T) {
	r, ok := Recovery(5, 60, 0.5)
	require.True(t, ok)
	assert.InDelta(t, 60*4.5/(5*59.5)*100, r, 1e-9)

	_, ok = Recovery(0, 60, 0.5)
	assert.False(t, ok)
	_, ok = Recovery(5, 1, 1)
	assert.False(t, ok)
}

func TestMemoryStoreOrdersAndFilters(t *testing.T) {
	st := NewMemoryStore(0)
	ctx := context.Background()
	for _, off := range []int{3, 1, 2} {
		require.NoError(t, st.Append(ctx, models.HistoryRecord{TankID: "rougher", Timestamp: t0.Add(time.Duration(off) * time.Minute)}))
	}
	require.NoError(t, st.Append(ctx, models.HistoryRecord{TankID: "cleaner1", Timestamp: t0.Add(2 * time.Minute)}))

	all, err := st.Query(ctx, Query{From: t0, To: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].Timestamp.Before(all[i-1].Timestamp))
	}
	assert.Equal(t, "cleaner1", all[1].TankID, "empate resolvido por tanque")

	one, err := st.Query(ctx, Query{TankID: "rougher", From: t0.Add(2 * time.Minute), To: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, one, 2)
}

func TestMemoryStoreRetention(t *testing.T) {
	st := NewMemoryStore(time.Hour)
	ctx := context.Background()
	require.NoError(t, st.Append(ctx, models.HistoryRecord{TankID: "a", Timestamp: t0}))
	require.NoError(t, st.Append(ctx, models.HistoryRecord{TankID: "a", Timestamp: t0.Add(2 * time.Hour)}))

	recs, err := st.Query(ctx, Query{From: t0.Add(-time.Hour), To: t0.Add(3 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, t0.Add(2*time.Hour), recs[0].Timestamp)
}

func TestQueryValidate(t *testing.T) {
	q := Query{From: t0.Add(time.Hour), To: t0}
	assert.ErrorIs(t, q.Validate(), ErrInvalidQuery)

	q = Query{From: t0, To: t0.Add(time.Hour), Aggregation: "median"}
	assert.ErrorIs(t, q.Validate(), ErrInvalidQuery)

	q = Query{From: t0}
	require.NoError(t, q.Validate())
	assert.Equal(t, AggregateNone, q.Aggregation)
	assert.False(t, q.To.IsZero())
}

func TestAggregateAvgAndMax(t *testing.T) {
	recs := []models.HistoryRecord{
		{TankID: "rougher", Timestamp: t0, KPI: models.KPI{ConcGrade: f64(50)}, Dosing: map[string]float64{"xantato": 40}},
		{TankID: "rougher", Timestamp: t0.Add(10 * time.Minute), KPI: models.KPI{ConcGrade: f64(60), Level: f64(1.1)},
			Froth: &models.FeatureSummary{Stability: 0.4, VelocityMean: f64(3)}},
		{TankID: "rougher", Timestamp: t0.Add(70 * time.Minute), KPI: models.KPI{ConcGrade: f64(70)}},
		{TankID: "cleaner1", Timestamp: t0.Add(5 * time.Minute), KPI: models.KPI{ConcGrade: f64(10)}},
	}

	avg := Aggregate(recs, AggregateAvg, 0)
	require.Len(t, avg, 2)
	assert.Equal(t, "cleaner1", avg[0].TankID)
	rougher := avg[1]
	assert.Equal(t, "rougher", rougher.TankID)
	assert.InDelta(t, 60.0, *rougher.KPI.ConcGrade, 1e-9)
	assert.InDelta(t, 1.1, *rougher.KPI.Level, 1e-9)
	assert.Nil(t, rougher.KPI.FeedGrade)
	require.NotNil(t, rougher.Froth)
	assert.InDelta(t, 0.4, rougher.Froth.Stability, 1e-9)
	assert.Equal(t, 3.0, *rougher.Froth.VelocityMean)
	assert.Equal(t, 40.0, rougher.Dosing["xantato"])
	assert.Equal(t, models.SourceAggregate, rougher.Source)
	assert.Nil(t, avg[0].Froth)

	hourly := Aggregate(recs, AggregateMax, time.Hour)
	require.Len(t, hourly, 3)
	assert.Equal(t, t0, hourly[0].Timestamp)
	assert.Equal(t, "cleaner1", hourly[0].TankID)
	assert.Equal(t, 60.0, *hourly[1].KPI.ConcGrade)
	assert.Equal(t, t0.Add(time.Hour), hourly[2].Timestamp)
	assert.Equal(t, 70.0, *hourly[2].KPI.ConcGrade)

	assert.Equal(t, recs, Aggregate(recs, AggregateNone, 0))
}

func TestWriteCSVColumnOrder(t *testing.T) {
	recs := []models.HistoryRecord{
		{
			TankID:    "rougher",
			Timestamp: t0,
			KPI:       models.KPI{FeedGrade: f64(5), ConcGrade: f64(60), Recovery: f64(90.5)},
			Froth:     &models.FeatureSummary{VelocityMean: f64(12.5), Stability: 0.8, Energy: 0.1, ColorRatio: 1.2},
			Dosing:    map[string]float64{"oleo_pinho": 30},
		},
		{TankID: "cleaner1", Timestamp: t0.Add(time.Minute)},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, recs, []string{"xantato", "oleo_pinho"}))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{
		"timestamp", "tankId", "feed_grade", "conc_grade", "tail_grade", "recovery", "level",
		"velocity_mean", "velocity_variance", "stability", "energy", "contrast", "correlation",
		"homogeneity", "gray_mean", "color_ratio", "dosing_xantato", "dosing_oleo_pinho",
	}, rows[0])
	assert.Equal(t, []string{
		"2024-03-10T08:00:00Z", "rougher", "5", "60", "", "90.5", "",
		"12.5", "", "0.8", "0.1", "0", "0", "0", "0", "1.2", "", "30",
	}, rows[1])
	assert.Len(t, rows[2], 18)
	assert.Equal(t, "cleaner1", rows[2][1])
	assert.Empty(t, rows[2][7])
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.History.QueueSize = 3
	m := metrics.NewUnregistered()
	b := bus.New(16, nil)
	defer b.Close()
	store := NewMemoryStore(0)
	s := NewService(cfg, store, b, m)

	for i := 0; i < 5; i++ {
		s.enqueue(models.HistoryRecord{TankID: "rougher", Timestamp: t0.Add(time.Duration(i) * time.Second)})
	}
	assert.Equal(t, 3, s.Backlog())
	assert.Equal(t, uint64(2), s.Dropped())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HistoryDropped))

	s.drain(context.Background())
	recs, err := store.Query(context.Background(), Query{From: t0, To: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, t0.Add(2*time.Second), recs[0].Timestamp, "os dois mais antigos foram descartados")
	for _, r := range recs {
		assert.NotEmpty(t, r.ID)
	}
}

type snapshots struct {
	mu  sync.Mutex
	got []models.HistoryRecord
}

func (s *snapshots) handle(env bus.Envelope) {
	s.mu.Lock()
	s.got = append(s.got, env.Payload.(models.HistoryRecord))
	s.mu.Unlock()
}

func (s *snapshots) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestServiceRecordsFromBus(t *testing.T) {
	b := bus.New(64, nil)
	defer b.Close()
	store := NewMemoryStore(0)
	s := NewService(testConfig(), store, b, nil)

	var snaps snapshots
	_, err := b.Subscribe(models.TopicHistorySnapshot, "teste", snaps.handle)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	defer s.Stop()

	b.Publish(models.FeatureTopic("rougher"), models.FeatureFrame{
		TankID: "rougher", Timestamp: t0, Stability: 0.7,
		Velocity: &models.Velocity{Mean: 4, Variance: 1},
	})

	out := models.ControlOutput{
		Loop:      models.ControlLoopState{TankID: "rougher", Measured: 1.3, MeasuredQuality: models.QualityGood},
		Dosing:    []models.DosingChannel{{Chemical: "xantato", Setpoint: 55}},
		Timestamp: t0.Add(time.Second),
	}
	b.Publish(models.ControlOutputTopic("rougher"), out)
	out.Timestamp = t0.Add(5 * time.Second)
	b.Publish(models.ControlOutputTopic("rougher"), out)
	out.Timestamp = t0.Add(12 * time.Second)
	b.Publish(models.ControlOutputTopic("rougher"), out)

	for _, v := range []float64{4, 6} {
		b.Publish(models.TagTopic("grade_feed"), models.TagValue{Name: "grade_feed", Value: v, Quality: models.QualityGood})
	}
	b.Publish(models.TagTopic("grade_conc"), models.TagValue{Name: "grade_conc", Value: 60, Quality: models.QualityGood})
	b.Publish(models.TagTopic("grade_tail"), models.TagValue{Name: "grade_tail", Value: 0.5, Quality: models.QualityGood})
	b.Publish(models.TagTopic("grade_tail"), models.TagValue{Name: "grade_tail", Value: 99, Quality: models.QualityStale})
	b.Publish(models.TagTopic("nivel_rougher"), models.TagValue{Name: "nivel_rougher", Value: 1.2, Quality: models.QualityGood})

	// 1 espuma + 2 amostras de controle
	require.Eventually(t, func() bool { return snaps.len() == 3 }, 2*time.Second, 5*time.Millisecond)

	// Aguarda as tags antes de fechar a janela de KPI
	require.Eventually(t, func() bool {
		s.kpi.mu.Lock()
		defer s.kpi.mu.Unlock()
		return len(s.kpi.sums) == 4
	}, 2*time.Second, 5*time.Millisecond)
	s.flushKPI(t0.Add(time.Minute))

	require.Eventually(t, func() bool { return snaps.len() == 5 }, 2*time.Second, 5*time.Millisecond)

	recs, err := s.Query(context.Background(), Query{TankID: "rougher", From: t0, To: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, models.SourceFeature, recs[0].Source)
	assert.Equal(t, 4.0, *recs[0].Froth.VelocityMean)
	assert.Equal(t, models.SourceControl, recs[1].Source)
	assert.Equal(t, 55.0, recs[1].Dosing["xantato"])
	assert.Equal(t, 1.3, *recs[1].KPI.Level)
	assert.Equal(t, t0.Add(12*time.Second), recs[2].Timestamp)

	kpi := recs[3]
	assert.Equal(t, models.SourceKPI, kpi.Source)
	assert.Equal(t, 5.0, *kpi.KPI.FeedGrade)
	assert.Equal(t, 0.5, *kpi.KPI.TailGrade)
	assert.Equal(t, 1.2, *kpi.KPI.Level)
	require.NotNil(t, kpi.KPI.Recovery)
	assert.InDelta(t, 60*4.5/(5*59.5)*100, *kpi.KPI.Recovery, 1e-9)
	assert.Equal(t, 55.0, kpi.Dosing["xantato"])

	cleaner, err := s.Query(context.Background(), Query{TankID: "cleaner1", From: t0, To: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, cleaner, 1)
	assert.Nil(t, cleaner[0].KPI.Level)
	assert.NotNil(t, cleaner[0].KPI.ConcGrade)
}

func kpiWindowLen(s *Service) int {
	s.kpi.mu.Lock()
	defer s.kpi.mu.Unlock()
	return len(s.kpi.sums)
}

func TestSteadyTagYieldsKPIEveryWindow(t *testing.T) {
	b := bus.New(64, nil)
	defer b.Close()
	store := NewMemoryStore(0)
	s := NewService(testConfig(), store, b, nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	steady := models.TagValue{Name: "nivel_rougher", Value: 1.4, Quality: models.QualityGood}
	for w := 0; w < 3; w++ {
		b.Publish(models.TagTopic(steady.Name), steady)
		require.Eventually(t, func() bool { return kpiWindowLen(s) == 1 }, 2*time.Second, 5*time.Millisecond)
		s.flushKPI(t0.Add(time.Duration(w+1) * time.Minute))
	}

	require.Eventually(t, func() bool {
		recs, err := store.Query(context.Background(), Query{TankID: "rougher", From: t0, To: t0.Add(time.Hour)})
		return err == nil && len(recs) == 3
	}, 2*time.Second, 5*time.Millisecond, "valor constante gera um registro de KPI por janela")

	recs, err := store.Query(context.Background(), Query{TankID: "rougher", From: t0, To: t0.Add(time.Hour)})
	require.NoError(t, err)
	for _, r := range recs {
		assert.Equal(t, models.SourceKPI, r.Source)
		assert.Equal(t, 1.4, *r.KPI.Level)
	}
}

func TestStopPersistsOpenKPIWindow(t *testing.T) {
	b := bus.New(64, nil)
	defer b.Close()
	store := NewMemoryStore(0)
	s := NewService(testConfig(), store, b, nil)
	require.NoError(t, s.Start())

	b.Publish(models.TagTopic("nivel_rougher"), models.TagValue{Name: "nivel_rougher", Value: 1.1, Quality: models.QualityGood})
	b.Publish(models.TagTopic("grade_feed"), models.TagValue{Name: "grade_feed", Value: 5, Quality: models.QualityGood})
	require.Eventually(t, func() bool { return kpiWindowLen(s) == 2 }, 2*time.Second, 5*time.Millisecond)

	before := time.Now()
	s.Stop()

	recs, err := store.Query(context.Background(), Query{TankID: "rougher", From: before.Add(-time.Second), To: time.Now().Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, recs, 1, "janela parcial gravada no encerramento")
	assert.Equal(t, models.SourceKPI, recs[0].Source)
	assert.Equal(t, 1.1, *recs[0].KPI.Level)
	assert.Equal(t, 5.0, *recs[0].KPI.FeedGrade)
	assert.Zero(t, kpiWindowLen(s))
}
