package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flotacao_go/internal/bus"
	"flotacao_go/internal/config"
	"flotacao_go/internal/metrics"
	"flotacao_go/internal/models"
)

type write struct {
	tag   string
	value float64
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []write
	fail   error
}

func (w *fakeWriter) WriteTag(ctx context.Context, name string, value float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, write{name, value})
	return w.fail
}

func (w *fakeWriter) setFail(err error) {
	w.mu.Lock()
	w.fail = err
	w.mu.Unlock()
}

func (w *fakeWriter) to(tag string) []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []float64
	for _, wr := range w.writes {
		if wr.tag == tag {
			out = append(out, wr.value)
		}
	}
	return out
}

type recorder struct {
	mu  sync.Mutex
	got map[string][]interface{}
}

func (r *recorder) Publish(topic string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.got == nil {
		r.got = make(map[string][]interface{})
	}
	r.got[topic] = append(r.got[topic], payload)
}

func (r *recorder) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got[topic])
}

func testTank() config.TankConfig {
	return config.TankConfig{
		ID:            "tank1",
		LevelTag:      "LevelTank1",
		ValveTag:      "ValveTank1",
		Setpoint:      65,
		ControlPeriod: config.D(time.Second),
		PID: config.PIDGains{
			Kp: 1.2, Ki: 0.1, Kd: 0,
			IntegralMax: 0.25,
			OutputMin:   0,
			OutputMax:   100,
		},
	}
}

func testControl() config.ControlConfig {
	return config.ControlConfig{WriteFailureThreshold: 3, StaleTickLimit: 3}
}

func good(name string, v float64) models.TagValue {
	return models.TagValue{Name: name, Value: v, Quality: models.QualityGood, Timestamp: time.Now()}
}

func newTestLoop(tank config.TankConfig) (*Loop, *fakeWriter, *recorder) {
	w := &fakeWriter{}
	r := &recorder{}
	return newLoop(tank, testControl(), w, r, metrics.NewUnregistered()), w, r
}

func TestPIDStepExample(t *testing.T) {
	l, w, r := newTestLoop(testTank())
	ctx := context.Background()

	require.NoError(t, l.apply(ctx, command{kind: cmdSetMode, mode: models.ModeAuto}))
	l.onTag(good("LevelTank1", 62.5))
	l.tick(ctx, time.Now())

	writes := w.to("ValveTank1")
	require.Len(t, writes, 1)
	assert.InDelta(t, 3.025, writes[0], 1e-9)

	snap := l.Snapshot()
	assert.True(t, snap.Applied)
	assert.InDelta(t, 0.25, snap.Loop.Integral, 1e-9)
	assert.InDelta(t, 2.5, snap.Loop.LastError, 1e-9)
	assert.InDelta(t, 3.025, snap.Loop.LastOutput, 1e-9)
	assert.Positive(t, r.count(models.ControlOutputTopic("tank1")))
}

func TestPIDStepUsesConfiguredPeriod(t *testing.T) {
	tank := testTank()
	tank.ControlPeriod = config.D(200 * time.Millisecond)
	tank.PID.IntegralMax = 10
	l, w, _ := newTestLoop(tank)
	ctx := context.Background()

	require.NoError(t, l.apply(ctx, command{kind: cmdSetMode, mode: models.ModeAuto}))
	l.onTag(good("LevelTank1", 62.5))

	// Ciclos seguidos ou atrasados avançam a integral pelo mesmo passo
	start := time.Now()
	l.tick(ctx, start)
	l.tick(ctx, start.Add(5*time.Second))

	writes := w.to("ValveTank1")
	require.Len(t, writes, 2)
	assert.InDelta(t, 3.05, writes[0], 1e-9)
	assert.InDelta(t, 3.1, writes[1], 1e-9)
	assert.InDelta(t, 1.0, l.Snapshot().Loop.Integral, 1e-9)
}

func TestPIDIntegralPlateaus(t *testing.T) {
	p := NewPID(config.PIDGains{Kp: 1, Ki: 1, IntegralMax: 5, OutputMin: -100, OutputMax: 100})
	for i := 0; i < 1000; i++ {
		p.Step(100, 0, 0.5)
		require.LessOrEqual(t, p.Integral(), 5.0)
	}
	assert.Equal(t, 5.0, p.Integral())

	for i := 0; i < 1000; i++ {
		out := p.Step(-100, 0, 0.5)
		require.GreaterOrEqual(t, p.Integral(), -5.0)
		require.GreaterOrEqual(t, out, -100.0)
	}
	assert.Equal(t, -5.0, p.Integral())
}

func TestPIDDerivativeAndClamp(t *testing.T) {
	p := NewPID(config.PIDGains{Kd: 1, IntegralMax: 10, OutputMin: -5, OutputMax: 5})
	assert.Equal(t, 0.0, p.Step(1, 0, 1), "primeiro passo sem derivada")
	assert.Equal(t, 2.0, p.Step(3, 0, 1))
	assert.Equal(t, 5.0, p.Step(100, 0, 1))
}

func TestManualToAutoResetsIntegral(t *testing.T) {
	tank := testTank()
	tank.PID.IntegralMax = 100
	l, _, _ := newTestLoop(tank)
	ctx := context.Background()

	require.NoError(t, l.apply(ctx, command{kind: cmdSetMode, mode: models.ModeAuto}))
	for i := 0; i < 4; i++ {
		l.onTag(good("LevelTank1", 60))
		l.tick(ctx, time.Now())
	}
	assert.InDelta(t, 20.0, l.pid.Integral(), 1e-9)

	require.NoError(t, l.apply(ctx, command{kind: cmdSetMode, mode: models.ModeManual}))
	l.tick(ctx, time.Now())
	assert.InDelta(t, 20.0, l.pid.Integral(), 1e-9, "manual não altera o acumulador")

	require.NoError(t, l.apply(ctx, command{kind: cmdSetMode, mode: models.ModeAuto}))
	assert.Zero(t, l.pid.Integral())

	l.tick(ctx, time.Now())
	assert.InDelta(t, 5.0, l.pid.Integral(), 1e-9, "apenas um passo acumulado após a troca")
}

func TestWriteFailuresLeadToFaultAndRequireReset(t *testing.T) {
	l, w, r := newTestLoop(testTank())
	ctx := context.Background()

	require.NoError(t, l.apply(ctx, command{kind: cmdSetMode, mode: models.ModeAuto}))
	l.onTag(good("LevelTank1", 62.5))
	l.tick(ctx, time.Now())
	held := l.st.LastOutput

	w.setFail(errors.New("escrita expirou"))
	for i := 1; i <= 2; i++ {
		l.tick(ctx, time.Now())
		assert.Equal(t, models.ModeAuto, l.st.Mode)
		assert.Equal(t, i, l.st.WriteFailures)
		assert.Equal(t, held, l.st.LastOutput, "saída anterior mantida")
		assert.False(t, l.Snapshot().Applied)
	}
	assert.Zero(t, r.count(models.ControlFaultTopic("tank1")))

	l.tick(ctx, time.Now())
	assert.Equal(t, models.ModeFault, l.st.Mode)
	assert.Equal(t, 1, r.count(models.ControlFaultTopic("tank1")))
	fault := r.got[models.ControlFaultTopic("tank1")][0].(models.ControlFault)
	assert.Equal(t, 3, fault.Failures)

	// Em falha não há novas escritas nem retomada automática
	w.setFail(nil)
	n := len(w.to("ValveTank1"))
	l.tick(ctx, time.Now())
	assert.Len(t, w.to("ValveTank1"), n)
	assert.Equal(t, models.ModeFault, l.st.Mode)

	err := l.apply(ctx, command{kind: cmdSetMode, mode: models.ModeAuto})
	assert.ErrorIs(t, err, ErrFaulted)

	require.NoError(t, l.apply(ctx, command{kind: cmdReset}))
	assert.Equal(t, models.ModeManual, l.st.Mode)
	assert.Zero(t, l.st.WriteFailures)
	assert.Empty(t, l.st.FaultReason)
	require.NoError(t, l.apply(ctx, command{kind: cmdSetMode, mode: models.ModeAuto}))
}

func TestStaleMeasurementUsesLastGoodThenFaults(t *testing.T) {
	l, w, r := newTestLoop(testTank())
	ctx := context.Background()

	require.NoError(t, l.apply(ctx, command{kind: cmdSetMode, mode: models.ModeAuto}))
	l.onTag(good("LevelTank1", 62.5))
	l.tick(ctx, time.Now())

	l.onTag(models.TagValue{Name: "LevelTank1", Value: 10, Quality: models.QualityStale})
	l.tick(ctx, time.Now())
	l.tick(ctx, time.Now())

	// O valor Stale (10) nunca entra no cálculo: o erro continua 2.5
	assert.InDelta(t, 2.5, l.st.LastError, 1e-9)
	assert.Len(t, w.to("ValveTank1"), 3)
	assert.Equal(t, models.QualityStale, l.st.MeasuredQuality)

	l.tick(ctx, time.Now())
	assert.Equal(t, models.ModeFault, l.st.Mode)
	assert.Equal(t, 1, r.count(models.ControlFaultTopic("tank1")))
	assert.Len(t, w.to("ValveTank1"), 3)
}

func TestAutoWithoutMeasurementHoldsOutput(t *testing.T) {
	l, w, _ := newTestLoop(testTank())
	ctx := context.Background()

	require.NoError(t, l.apply(ctx, command{kind: cmdSetMode, mode: models.ModeAuto}))
	l.tick(ctx, time.Now())
	assert.Empty(t, w.to("ValveTank1"))
	assert.Equal(t, models.ModeAuto, l.st.Mode)
}

func TestDosingRuleIsRateLimited(t *testing.T) {
	cfg := config.DosingChannelConfig{Gain: 0.5, MaxStep: 5, Min: 0, Max: 200}
	assert.Equal(t, 55.0, nextDosingSetpoint(cfg, 50, 20))
	assert.Equal(t, 51.0, nextDosingSetpoint(cfg, 50, 2))
	assert.Equal(t, 45.0, nextDosingSetpoint(cfg, 50, -40))
	assert.Equal(t, 200.0, nextDosingSetpoint(cfg, 198, 20))
	assert.Equal(t, 0.0, nextDosingSetpoint(cfg, 2, -20))
}

func TestDosingAdjustsOncePerGradeSample(t *testing.T) {
	tank := testTank()
	tank.GradeTag = "GradeConc"
	tank.GradeTarget = 60
	tank.Dosing = []config.DosingChannelConfig{{
		Chemical: "xantato", SetpointTag: "XantatoSP", FlowTag: "XantatoFlow", StatusTag: "XantatoOn",
		Gain: 0.5, MaxStep: 5, Min: 0, Max: 200, Initial: 50,
	}}
	l, w, _ := newTestLoop(tank)
	ctx := context.Background()

	require.NoError(t, l.apply(ctx, command{kind: cmdSetMode, mode: models.ModeAuto}))
	l.onTag(good("LevelTank1", 65))
	l.onTag(good("XantatoFlow", 48))
	l.onTag(models.TagValue{Name: "XantatoOn", Value: 1, Quality: models.QualityGood})
	l.onTag(models.TagValue{Name: "GradeConc", Value: 52, Quality: models.QualityGood, Timestamp: time.Unix(100, 0)})

	l.tick(ctx, time.Now())
	l.tick(ctx, time.Now())
	assert.Equal(t, []float64{54}, w.to("XantatoSP"), "um ajuste por amostra de teor")

	l.onTag(models.TagValue{Name: "GradeConc", Value: 40, Quality: models.QualityGood, Timestamp: time.Unix(200, 0)})
	l.tick(ctx, time.Now())
	assert.Equal(t, []float64{54, 59}, w.to("XantatoSP"))

	snap := l.Snapshot()
	require.Len(t, snap.Dosing, 1)
	assert.Equal(t, 59.0, snap.Dosing[0].Setpoint)
	assert.Equal(t, 48.0, snap.Dosing[0].MeasuredFlow)
	assert.Equal(t, models.DeviceRunning, snap.Dosing[0].Status)

	// Teor sem qualidade não ajusta
	l.onTag(models.TagValue{Name: "GradeConc", Value: 10, Quality: models.QualityBad, Timestamp: time.Unix(300, 0)})
	l.tick(ctx, time.Now())
	assert.Len(t, w.to("XantatoSP"), 2)
}

func TestDosingKeepsCorrectingSteadyGrade(t *testing.T) {
	tank := testTank()
	tank.GradeTag = "GradeConc"
	tank.GradeTarget = 60
	tank.Dosing = []config.DosingChannelConfig{{
		Chemical: "xantato", SetpointTag: "XantatoSP",
		Gain: 0.5, MaxStep: 5, Min: 0, Max: 200, Initial: 50,
	}}
	l, w, _ := newTestLoop(tank)
	ctx := context.Background()

	require.NoError(t, l.apply(ctx, command{kind: cmdSetMode, mode: models.ModeAuto}))
	l.onTag(good("LevelTank1", 65))

	// Mesmo teor fora da meta, relido a cada ciclo com timestamp novo
	for i := 0; i < 3; i++ {
		l.onTag(models.TagValue{Name: "GradeConc", Value: 52, Quality: models.QualityGood, Timestamp: time.Unix(int64(100+i), 0)})
		l.tick(ctx, time.Now())
	}
	assert.Equal(t, []float64{54, 58, 62}, w.to("XantatoSP"))
}

func TestManualOutputCommand(t *testing.T) {
	l, w, _ := newTestLoop(testTank())
	ctx := context.Background()

	require.NoError(t, l.apply(ctx, command{kind: cmdSetOutput, value: 42}))
	assert.Equal(t, []float64{42}, w.to("ValveTank1"))
	assert.Equal(t, 42.0, l.st.LastOutput)

	assert.ErrorIs(t, l.apply(ctx, command{kind: cmdSetOutput, value: 150}), ErrOutOfRange)

	w.setFail(errors.New("rejeitada"))
	assert.Error(t, l.apply(ctx, command{kind: cmdSetOutput, value: 10}))
	assert.Equal(t, 42.0, l.st.LastOutput)

	w.setFail(nil)
	require.NoError(t, l.apply(ctx, command{kind: cmdSetMode, mode: models.ModeAuto}))
	assert.ErrorIs(t, l.apply(ctx, command{kind: cmdSetOutput, value: 10}), ErrNotManual)
}

func TestEngineRoutesBusInputsAndCommands(t *testing.T) {
	b := bus.New(64, nil)
	defer b.Close()

	tank := testTank()
	tank.ControlPeriod = config.D(10 * time.Millisecond)
	cfg := &config.Config{Tanks: []config.TankConfig{tank}, Control: testControl()}

	w := &fakeWriter{}
	e := NewEngine(cfg, w, b, nil)
	require.NoError(t, e.Start())
	defer e.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.ErrorIs(t, e.SetMode(ctx, "tank1", "fault"), ErrInvalidMode)
	assert.ErrorIs(t, e.SetMode(ctx, "tanque_x", "auto"), ErrUnknownTank)
	require.NoError(t, e.SetSetpoint(ctx, "tank1", 70))
	require.NoError(t, e.SetMode(ctx, "tank1", "AUTO"))

	b.Publish(models.TagTopic("LevelTank1"), good("LevelTank1", 62.5))
	b.Publish(models.FeatureTopic("tank1"), models.FeatureFrame{TankID: "tank1", Stability: 0.8})

	require.Eventually(t, func() bool { return len(w.to("ValveTank1")) > 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		snap, err := e.Snapshot("tank1")
		return err == nil && snap.Froth != nil
	}, 2*time.Second, 5*time.Millisecond)

	snap, err := e.Snapshot("tank1")
	require.NoError(t, err)
	assert.Equal(t, models.ModeAuto, snap.Loop.Mode)
	assert.Equal(t, 70.0, snap.Loop.Setpoint)
	assert.Equal(t, 0.8, snap.Froth.Stability)
	assert.Len(t, e.Snapshots(), 1)

	require.NoError(t, e.Reset(ctx, "tank1"))
	snap, _ = e.Snapshot("tank1")
	assert.Equal(t, models.ModeManual, snap.Loop.Mode)
}

func TestEngineStoppedRejectsCommands(t *testing.T) {
	b := bus.New(8, nil)
	defer b.Close()
	e := NewEngine(&config.Config{Tanks: []config.TankConfig{testTank()}, Control: testControl()}, &fakeWriter{}, b, nil)
	require.NoError(t, e.Start())
	e.Stop()

	err := e.Reset(context.Background(), "tank1")
	assert.ErrorIs(t, err, ErrEngineStopped)
}
