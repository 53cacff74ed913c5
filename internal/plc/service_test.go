package plc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flotacao_go/internal/bus"
	"flotacao_go/internal/config"
	"flotacao_go/internal/models"
)

type fakeWrite struct {
	tag   string
	value float64
}

type fakeDriver struct {
	mu         sync.Mutex
	values     map[string]float64
	missing    map[string]bool
	down       bool
	connectErr error
	connects   int
	writeDelay time.Duration
	writeErr   error
	writes     []fakeWrite
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{values: map[string]float64{}, missing: map[string]bool{}}
}

func (f *fakeDriver) Connect(_ context.Context, _ Endpoint, _ Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	if f.down {
		return errors.New("sem rota para o host")
	}
	return nil
}

func (f *fakeDriver) Read(_ context.Context, tag config.TagMapping) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return 0, fmt.Errorf("%w: conexão encerrada", ErrTransport)
	}
	if f.missing[tag.Name] {
		return 0, fmt.Errorf("%w: item indisponível", ErrTagUnavailable)
	}
	return f.values[tag.Name], nil
}

func (f *fakeDriver) Write(ctx context.Context, tag config.TagMapping, value float64) error {
	f.mu.Lock()
	delay, werr := f.writeDelay, f.writeErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if werr != nil {
		return werr
	}
	f.mu.Lock()
	f.writes = append(f.writes, fakeWrite{tag.Name, value})
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) Close() error { return nil }

func (f *fakeDriver) set(fn func(f *fakeDriver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type tagRecorder struct {
	mu     sync.Mutex
	events []models.TagValue
}

func (r *tagRecorder) handle(env bus.Envelope) {
	r.mu.Lock()
	r.events = append(r.events, env.Payload.(models.TagValue))
	r.mu.Unlock()
}

func (r *tagRecorder) qualities(name string) []models.Quality {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Quality
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e.Quality)
		}
	}
	return out
}

func (r *tagRecorder) count(name string, q models.Quality) int {
	n := 0
	for _, got := range r.qualities(name) {
		if got == q {
			n++
		}
	}
	return n
}

var testTags = []config.TagMapping{
	{Name: "nivel", Address: "DB1.DBD0", Type: config.TypeReal, Access: config.AccessRead},
	{Name: "valvula", Address: "DB1.DBD4", Type: config.TypeReal, Access: config.AccessReadWrite},
	{Name: "avulsa", Address: "DB1.DBW8", Type: config.TypeInt, Access: config.AccessRead},
}

func testPLCConfig() config.PLCConfig {
	return config.PLCConfig{
		StaleAfter:   3,
		WriteTimeout: config.D(50 * time.Millisecond),
		Backoff: config.BackoffConfig{
			Initial: config.D(5 * time.Millisecond),
			Max:     config.D(20 * time.Millisecond),
		},
	}
}

func newTestService(t *testing.T) (*Service, *fakeDriver, *tagRecorder) {
	t.Helper()
	b := bus.New(1024, nil)
	t.Cleanup(b.Close)

	rec := &tagRecorder{}
	_, err := b.Subscribe(models.Any(models.TopicTagUpdated), "teste", rec.handle)
	require.NoError(t, err)

	drv := newFakeDriver()
	s := NewService(testPLCConfig(), testTags, drv, b, nil)
	t.Cleanup(s.Stop)
	return s, drv, rec
}

func quality(s *Service, name string) models.Quality {
	for _, v := range s.Snapshot() {
		if v.Name == name {
			return v.Quality
		}
	}
	return ""
}

func TestConnectFailureReturnsConnectionError(t *testing.T) {
	s, drv, _ := newTestService(t)
	drv.set(func(f *fakeDriver) { f.connectErr = errors.New("recusado") })

	err := s.Connect(context.Background(), Endpoint{Host: "10.0.0.1", Slot: 1}, Credentials{})
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Contains(t, connErr.Endpoint, "10.0.0.1")
	assert.Equal(t, models.StateDisconnected, s.State())

	_, err = s.ReadTag(context.Background(), "nivel")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, s.WriteTag(context.Background(), "valvula", 10), ErrNotConnected)
}

func TestStaleAfterKConsecutiveMissesExactlyOnce(t *testing.T) {
	s, _, rec := newTestService(t)
	_, err := s.SubscribeTags([]string{"nivel"}, time.Hour)
	require.NoError(t, err)

	s.recordGood("nivel", 1.2, time.Now())
	require.Equal(t, models.QualityGood, quality(s, "nivel"))

	s.recordMiss("nivel")
	s.recordMiss("nivel")
	assert.Equal(t, models.QualityGood, quality(s, "nivel"), "menos de K perdas não altera a qualidade")

	s.recordMiss("nivel")
	assert.Equal(t, models.QualityStale, quality(s, "nivel"))

	for i := 0; i < 5; i++ {
		s.recordMiss("nivel")
	}
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.count("nivel", models.QualityStale), "a transição para Stale é publicada uma vez")

	s.recordGood("nivel", 1.3, time.Now())
	assert.Equal(t, models.QualityGood, quality(s, "nivel"))
}

func TestSingleMissDoesNotResetAfterGoodRead(t *testing.T) {
	s, _, _ := newTestService(t)
	_, err := s.SubscribeTags([]string{"nivel"}, time.Hour)
	require.NoError(t, err)

	s.recordGood("nivel", 1, time.Now())
	for i := 0; i < 10; i++ {
		s.recordMiss("nivel")
		s.recordMiss("nivel")
		s.recordGood("nivel", 1, time.Now())
	}
	assert.Equal(t, models.QualityGood, quality(s, "nivel"))
}

func (r *tagRecorder) good(name string) []models.TagValue {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.TagValue
	for _, e := range r.events {
		if e.Name == name && e.Quality == models.QualityGood {
			out = append(out, e)
		}
	}
	return out
}

func TestRepeatedValuePublishedOnEveryPoll(t *testing.T) {
	s, drv, rec := newTestService(t)
	drv.set(func(f *fakeDriver) { f.values["nivel"] = 1.5 })

	_, err := s.SubscribeTags([]string{"nivel"}, 5*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background(), Endpoint{Host: "plc"}, Credentials{}))
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool { return len(rec.good("nivel")) >= 5 }, 2*time.Second, 5*time.Millisecond,
		"valor constante ainda gera um evento por ciclo")

	evs := rec.good("nivel")
	for i := 1; i < len(evs); i++ {
		assert.InDelta(t, 1.5, evs[i].Value, 1e-9)
		assert.True(t, evs[i].Timestamp.After(evs[i-1].Timestamp), "timestamp avança a cada leitura")
	}
}

func TestRecordGoodPublishesUnchangedValue(t *testing.T) {
	s, _, rec := newTestService(t)
	_, err := s.SubscribeTags([]string{"nivel"}, time.Hour)
	require.NoError(t, err)

	t0 := time.Now()
	for i := 0; i < 3; i++ {
		s.recordGood("nivel", 2, t0.Add(time.Duration(i)*time.Second))
	}
	require.Eventually(t, func() bool { return len(rec.good("nivel")) == 3 }, time.Second, 5*time.Millisecond)
}

func TestPollLoopMarksStaleAndRecovers(t *testing.T) {
	s, drv, _ := newTestService(t)
	drv.set(func(f *fakeDriver) { f.values["nivel"] = 1.2 })

	_, err := s.SubscribeTags([]string{"nivel"}, 5*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background(), Endpoint{Host: "plc"}, Credentials{}))
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool { return quality(s, "nivel") == models.QualityGood }, time.Second, 5*time.Millisecond)

	v, err := s.ReadTag(context.Background(), "nivel")
	require.NoError(t, err)
	assert.InDelta(t, 1.2, v.Value, 1e-9)

	drv.set(func(f *fakeDriver) { f.missing["nivel"] = true })
	require.Eventually(t, func() bool { return quality(s, "nivel") == models.QualityStale }, time.Second, 5*time.Millisecond)

	drv.set(func(f *fakeDriver) { f.missing["nivel"] = false })
	require.Eventually(t, func() bool { return quality(s, "nivel") == models.QualityGood }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StateConnected, s.State())
}

func TestTransportFailureMarksBadAndReconnects(t *testing.T) {
	s, drv, rec := newTestService(t)
	drv.set(func(f *fakeDriver) { f.values["nivel"] = 2 })

	_, err := s.SubscribeTags([]string{"nivel"}, 5*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background(), Endpoint{Host: "plc"}, Credentials{}))
	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return quality(s, "nivel") == models.QualityGood }, time.Second, 5*time.Millisecond)

	drv.set(func(f *fakeDriver) { f.down = true })
	require.Eventually(t, func() bool { return quality(s, "nivel") == models.QualityBad }, time.Second, 5*time.Millisecond)
	assert.NotEqual(t, models.StateConnected, s.State())
	assert.ErrorIs(t, s.WriteTag(context.Background(), "valvula", 1), ErrNotConnected)

	drv.set(func(f *fakeDriver) { f.down = false })
	require.Eventually(t, func() bool {
		return s.State() == models.StateConnected && quality(s, "nivel") == models.QualityGood
	}, 2*time.Second, 5*time.Millisecond)

	// Good -> Bad -> Stale (reconexão) -> Good
	require.Eventually(t, func() bool {
		qs := rec.qualities("nivel")
		want := []models.Quality{models.QualityBad, models.QualityStale, models.QualityGood}
		i := 0
		for _, q := range qs {
			if i < len(want) && q == want[i] {
				i++
			}
		}
		return i == len(want)
	}, time.Second, 5*time.Millisecond)
}

func TestWriteTagOutcomes(t *testing.T) {
	s, drv, _ := newTestService(t)
	require.NoError(t, s.Connect(context.Background(), Endpoint{Host: "plc"}, Credentials{}))
	ctx := context.Background()

	require.NoError(t, s.WriteTag(ctx, "valvula", 42.5))
	drv.mu.Lock()
	assert.Equal(t, []fakeWrite{{"valvula", 42.5}}, drv.writes)
	drv.mu.Unlock()

	err := s.WriteTag(ctx, "nivel", 1)
	assert.ErrorIs(t, err, ErrWriteRejected)
	assert.ErrorIs(t, err, ErrTagNotWritable)

	assert.ErrorIs(t, s.WriteTag(ctx, "inexistente", 1), ErrUnknownTag)

	drv.set(func(f *fakeDriver) { f.writeErr = fmt.Errorf("%w: acesso negado", ErrTagUnavailable) })
	err = s.WriteTag(ctx, "valvula", 10)
	assert.ErrorIs(t, err, ErrWriteRejected)
	assert.NotErrorIs(t, err, ErrWriteTimeout)

	drv.set(func(f *fakeDriver) {
		f.writeErr = nil
		f.writeDelay = 500 * time.Millisecond
	})
	start := time.Now()
	err = s.WriteTag(ctx, "valvula", 10)
	assert.ErrorIs(t, err, ErrWriteTimeout)
	assert.NotErrorIs(t, err, ErrWriteRejected)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestReadTagReadsUnsubscribedTagDirectly(t *testing.T) {
	s, drv, _ := newTestService(t)
	drv.set(func(f *fakeDriver) { f.values["avulsa"] = 7 })
	require.NoError(t, s.Connect(context.Background(), Endpoint{Host: "plc"}, Credentials{}))

	v, err := s.ReadTag(context.Background(), "avulsa")
	require.NoError(t, err)
	assert.Equal(t, 7.0, v.Value)
	assert.Equal(t, models.QualityGood, v.Quality)

	_, err = s.ReadTag(context.Background(), "nada")
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestSubscribeRejectsUnknownTags(t *testing.T) {
	s, _, _ := newTestService(t)
	_, err := s.SubscribeTags([]string{"nivel", "fantasma"}, time.Second)
	assert.ErrorIs(t, err, ErrUnknownTag)
	_, err = s.SubscribeTags([]string{"nivel"}, 0)
	assert.Error(t, err)
}

func TestBackoffDoublesUpToMax(t *testing.T) {
	b := newBackoff(config.BackoffConfig{Initial: config.D(time.Second), Max: config.D(8 * time.Second)})
	want := []time.Duration{1, 2, 4, 8, 8, 8}
	for _, w := range want {
		assert.Equal(t, w*time.Second, b.NextBackOff())
	}

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	b := newBackoff(config.BackoffConfig{Initial: config.D(time.Second), Max: config.D(8 * time.Second), Jitter: 0.2})
	base := []time.Duration{1, 2, 4, 8, 8, 8, 8}
	for _, d := range base {
		got := b.NextBackOff()
		lo := time.Duration(float64(d*time.Second) * 0.8)
		hi := time.Duration(float64(d*time.Second)*1.2) + time.Nanosecond
		assert.GreaterOrEqual(t, got, lo)
		assert.LessOrEqual(t, got, hi)
	}
}
