package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"flotacao_go/internal/config"
	"flotacao_go/internal/metrics"
	"flotacao_go/internal/models"
	"flotacao_go/pkg/logger"
)

// Erros dos comandos de operador
var (
	ErrUnknownTank    = errors.New("tanque desconhecido")
	ErrFaulted        = errors.New("malha em falha: reset necessário")
	ErrInvalidMode    = errors.New("modo inválido")
	ErrNotManual      = errors.New("malha não está em manual")
	ErrOutOfRange     = errors.New("valor fora da faixa")
	ErrEngineStopped  = errors.New("motor de controle parado")
	errInvalidCommand = errors.New("comando inválido")
)

// Writer entrega saídas ao serviço de comunicação
type Writer interface {
	WriteTag(ctx context.Context, name string, value float64) error
}

// Publisher é o lado de publicação do barramento
type Publisher interface {
	Publish(topic string, payload interface{})
}

type commandKind int

const (
	cmdSetMode commandKind = iota
	cmdReset
	cmdSetSetpoint
	cmdSetOutput
)

type command struct {
	kind  commandKind
	mode  models.Mode
	value float64
	reply chan error
}

type dosingChannel struct {
	cfg      config.DosingChannelConfig
	setpoint float64
	flow     float64
	status   models.DeviceStatus
}

// inputs são os últimos valores recebidos do barramento
type inputs struct {
	level models.TagValue
	grade models.TagValue
	tags  map[string]models.TagValue
	froth *models.FeatureSummary
}

// Loop é a malha de nível de um tanque; seu estado pertence exclusivamente
// à goroutine do laço.
type Loop struct {
	tank             config.TankConfig
	period           time.Duration
	failureThreshold int
	staleTickLimit   int
	writer           Writer
	bus              Publisher
	metrics          *metrics.Metrics
	warn             *logger.Throttled

	inMu sync.Mutex
	in   inputs

	cmds     chan command
	snapshot atomic.Pointer[models.ControlOutput]

	// Estado do laço
	pid         *PID
	st          models.ControlLoopState
	dosing      []*dosingChannel
	lastGood    float64
	haveGood    bool
	staleTicks  int
	lastGradeAt time.Time
}

func newLoop(tank config.TankConfig, ctl config.ControlConfig, writer Writer, bus Publisher, m *metrics.Metrics) *Loop {
	period := tank.ControlPeriod.Duration
	if period <= 0 {
		period = time.Second
	}
	l := &Loop{
		tank:             tank,
		period:           period,
		failureThreshold: ctl.WriteFailureThreshold,
		staleTickLimit:   ctl.StaleTickLimit,
		writer:           writer,
		bus:              bus,
		metrics:          m,
		warn:             log.Throttle(time.Minute, 5),
		in:               inputs{tags: make(map[string]models.TagValue)},
		cmds:             make(chan command),
		pid:              NewPID(tank.PID),
		st: models.ControlLoopState{
			TankID:          tank.ID,
			Mode:            models.ModeManual,
			Setpoint:        tank.Setpoint,
			Kp:              tank.PID.Kp,
			Ki:              tank.PID.Ki,
			Kd:              tank.PID.Kd,
			MeasuredQuality: models.QualityStale,
		},
	}
	if l.failureThreshold < 1 {
		l.failureThreshold = 1
	}
	if l.staleTickLimit < 1 {
		l.staleTickLimit = 1
	}
	for _, d := range tank.Dosing {
		l.dosing = append(l.dosing, &dosingChannel{cfg: d, setpoint: d.Initial, status: models.DeviceUnknown})
	}
	l.setModeMetric()
	l.publish(false, time.Now())
	return l
}

// onTag registra um valor de tag relevante para o tanque
func (l *Loop) onTag(v models.TagValue) {
	l.inMu.Lock()
	defer l.inMu.Unlock()
	switch v.Name {
	case l.tank.LevelTag:
		l.in.level = v
	case l.tank.GradeTag:
		l.in.grade = v
	}
	l.in.tags[v.Name] = v
}

// onFeature registra o último resumo de espuma do tanque
func (l *Loop) onFeature(f models.FeatureFrame) {
	s := f.Summary()
	l.inMu.Lock()
	l.in.froth = &s
	l.inMu.Unlock()
}

func (l *Loop) readInputs() inputs {
	l.inMu.Lock()
	defer l.inMu.Unlock()
	in := l.in
	in.tags = make(map[string]models.TagValue, len(l.in.tags))
	for k, v := range l.in.tags {
		in.tags[k] = v
	}
	return in
}

func (l *Loop) run(ctx context.Context) {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-l.cmds:
			cmd.reply <- l.apply(ctx, cmd)
		case now := <-ticker.C:
			l.tick(ctx, now)
		}
	}
}

// send entrega um comando à goroutine do laço e aguarda a resposta
func (l *Loop) send(ctx context.Context, done <-chan struct{}, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case l.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrEngineStopped
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) apply(ctx context.Context, cmd command) error {
	now := time.Now()
	switch cmd.kind {
	case cmdSetMode:
		if l.st.Mode == models.ModeFault {
			return ErrFaulted
		}
		switch cmd.mode {
		case models.ModeAuto:
			if l.st.Mode != models.ModeAuto {
				// Entrada em automático sempre parte de integral zerada
				l.pid.Reset(l.st.Setpoint-l.lastGood, l.haveGood)
				l.st.Mode = models.ModeAuto
				log.Infof("Tanque %s em automático (setpoint %.3f)", l.tank.ID, l.st.Setpoint)
			}
		case models.ModeManual:
			if l.st.Mode != models.ModeManual {
				l.st.Mode = models.ModeManual
				log.Infof("Tanque %s em manual", l.tank.ID)
			}
		default:
			return fmt.Errorf("%w: %q", ErrInvalidMode, cmd.mode)
		}

	case cmdReset:
		if l.st.Mode == models.ModeFault {
			log.Infof("Tanque %s: falha reconhecida (%s), retornando a manual", l.tank.ID, l.st.FaultReason)
		}
		l.st.Mode = models.ModeManual
		l.st.FaultReason = ""
		l.st.WriteFailures = 0
		l.staleTicks = 0
		l.pid.Reset(0, false)

	case cmdSetSetpoint:
		if math.IsNaN(cmd.value) || math.IsInf(cmd.value, 0) {
			return fmt.Errorf("%w: setpoint %v", ErrOutOfRange, cmd.value)
		}
		l.st.Setpoint = cmd.value

	case cmdSetOutput:
		if l.st.Mode != models.ModeManual {
			return ErrNotManual
		}
		if cmd.value < l.pid.OutMin || cmd.value > l.pid.OutMax {
			return fmt.Errorf("%w: %.3f fora de [%.3f, %.3f]", ErrOutOfRange, cmd.value, l.pid.OutMin, l.pid.OutMax)
		}
		if err := l.writer.WriteTag(ctx, l.tank.ValveTag, cmd.value); err != nil {
			return fmt.Errorf("erro ao escrever saída manual: %w", err)
		}
		l.st.LastOutput = cmd.value

	default:
		return errInvalidCommand
	}

	l.setModeMetric()
	l.publish(false, now)
	return nil
}

// tick executa um ciclo de controle; o passo do PID é sempre o período
// configurado, atrasos do ticker não inflam a integral
func (l *Loop) tick(ctx context.Context, now time.Time) {
	in := l.readInputs()

	l.st.Measured = in.level.Value
	l.st.MeasuredQuality = in.level.Quality
	if l.st.MeasuredQuality == "" {
		l.st.MeasuredQuality = models.QualityStale
	}
	if in.level.Good() {
		l.lastGood = in.level.Value
		l.haveGood = true
		l.staleTicks = 0
	} else {
		l.staleTicks++
	}
	l.updateDosingReadings(in)

	if l.st.Mode != models.ModeAuto {
		l.publishWith(in, false, now)
		return
	}

	if l.staleTicks >= l.staleTickLimit {
		l.fault(fmt.Sprintf("nível sem qualidade há %d ciclos", l.staleTicks), now)
		l.publishWith(in, false, now)
		return
	}
	if !l.haveGood {
		l.warn.Warnf("Tanque %s: aguardando medição válida de %s", l.tank.ID, l.tank.LevelTag)
		l.publishWith(in, false, now)
		return
	}

	saved := *l.pid
	out := l.pid.Step(l.st.Setpoint, l.lastGood, l.period.Seconds())
	applied := true

	if err := l.writer.WriteTag(ctx, l.tank.ValveTag, out); err != nil {
		// Mantém a saída anterior; a integral não avança sem atuação
		*l.pid = saved
		applied = false
		l.st.WriteFailures++
		l.warn.Warnf("Tanque %s: falha ao escrever %s (%d/%d): %v",
			l.tank.ID, l.tank.ValveTag, l.st.WriteFailures, l.failureThreshold, err)
		if l.st.WriteFailures >= l.failureThreshold {
			l.fault(fmt.Sprintf("%d falhas consecutivas de escrita: %v", l.st.WriteFailures, err), now)
		}
	} else {
		l.st.WriteFailures = 0
		l.st.LastOutput = out
		l.adjustDosing(ctx, in)
	}

	l.st.Integral = l.pid.Integral()
	l.st.LastError = l.pid.LastError()
	l.publishWith(in, applied, now)
}

func (l *Loop) fault(reason string, now time.Time) {
	l.st.Mode = models.ModeFault
	l.st.FaultReason = reason
	l.setModeMetric()
	l.metrics.ControlFaults.WithLabelValues(l.tank.ID).Inc()

	log.Errorf("Tanque %s em FALHA: %s", l.tank.ID, reason)
	l.bus.Publish(models.ControlFaultTopic(l.tank.ID), models.ControlFault{
		TankID:    l.tank.ID,
		Reason:    reason,
		Failures:  l.st.WriteFailures,
		Timestamp: now,
	})
}

func (l *Loop) updateDosingReadings(in inputs) {
	for _, d := range l.dosing {
		if v, ok := in.tags[d.cfg.FlowTag]; ok && v.Good() {
			d.flow = v.Value
		}
		d.status = models.DeviceUnknown
		if v, ok := in.tags[d.cfg.StatusTag]; ok && v.Good() {
			d.status = models.DeviceStopped
			if v.Bool() {
				d.status = models.DeviceRunning
			}
		}
	}
}

// adjustDosing corrige os setpoints de dosagem a cada nova análise de teor válida
func (l *Loop) adjustDosing(ctx context.Context, in inputs) {
	if len(l.dosing) == 0 || !in.grade.Good() || !in.grade.Timestamp.After(l.lastGradeAt) {
		return
	}
	l.lastGradeAt = in.grade.Timestamp
	deviation := l.tank.GradeTarget - in.grade.Value

	for _, d := range l.dosing {
		next := nextDosingSetpoint(d.cfg, d.setpoint, deviation)
		if next == d.setpoint {
			continue
		}
		if err := l.writer.WriteTag(ctx, d.cfg.SetpointTag, next); err != nil {
			l.warn.Warnf("Tanque %s: falha ao ajustar dosagem de %s: %v", l.tank.ID, d.cfg.Chemical, err)
			continue
		}
		log.Debugf("Tanque %s: dosagem de %s %.2f -> %.2f", l.tank.ID, d.cfg.Chemical, d.setpoint, next)
		d.setpoint = next
	}
}

// nextDosingSetpoint aplica a regra proporcional limitada por ciclo
func nextDosingSetpoint(cfg config.DosingChannelConfig, current, deviation float64) float64 {
	delta := clamp(cfg.Gain*deviation, -cfg.MaxStep, cfg.MaxStep)
	return clamp(current+delta, cfg.Min, cfg.Max)
}

func (l *Loop) publish(applied bool, now time.Time) {
	l.publishWith(l.readInputs(), applied, now)
}

func (l *Loop) publishWith(in inputs, applied bool, now time.Time) {
	l.st.UpdatedAt = now
	out := &models.ControlOutput{
		Loop:      l.st,
		Dosing:    make([]models.DosingChannel, 0, len(l.dosing)),
		Applied:   applied,
		Timestamp: now,
	}
	for _, d := range l.dosing {
		out.Dosing = append(out.Dosing, models.DosingChannel{
			Chemical:     d.cfg.Chemical,
			TankID:       l.tank.ID,
			Setpoint:     d.setpoint,
			MeasuredFlow: d.flow,
			Status:       d.status,
		})
	}
	if in.froth != nil {
		f := *in.froth
		out.Froth = &f
	}

	l.snapshot.Store(out)
	l.metrics.ControlOutputs.WithLabelValues(l.tank.ID).Inc()
	l.bus.Publish(models.ControlOutputTopic(l.tank.ID), *out)
}

func (l *Loop) setModeMetric() {
	for _, m := range []models.Mode{models.ModeManual, models.ModeAuto, models.ModeFault} {
		v := 0.0
		if m == l.st.Mode {
			v = 1
		}
		l.metrics.ControlMode.WithLabelValues(l.tank.ID, string(m)).Set(v)
	}
}

// Snapshot retorna a última saída publicada
func (l *Loop) Snapshot() models.ControlOutput {
	return *l.snapshot.Load()
}
