// Package control executa as malhas de nível e a dosagem de reagentes por tanque.
package control

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"flotacao_go/internal/bus"
	"flotacao_go/internal/config"
	"flotacao_go/internal/metrics"
	"flotacao_go/internal/models"
	"flotacao_go/pkg/logger"
)

var log = logger.For(logger.CONTROL)

// Engine constrói uma malha por tanque e encaminha as entradas do barramento
type Engine struct {
	loops  map[string]*Loop
	byTag  map[string][]*Loop
	bus    *bus.Bus
	subs   []*bus.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// NewEngine cria as malhas dos tanques configurados
func NewEngine(cfg *config.Config, writer Writer, b *bus.Bus, m *metrics.Metrics) *Engine {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		loops:  make(map[string]*Loop, len(cfg.Tanks)),
		byTag:  make(map[string][]*Loop),
		bus:    b,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, t := range cfg.Tanks {
		l := newLoop(t, cfg.Control, writer, b, m)
		e.loops[t.ID] = l

		tags := []string{t.LevelTag, t.GradeTag}
		for _, d := range t.Dosing {
			tags = append(tags, d.FlowTag, d.StatusTag)
		}
		for _, name := range tags {
			if name != "" {
				e.byTag[name] = append(e.byTag[name], l)
			}
		}
	}
	return e
}

// Start assina o barramento e inicia as malhas
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	tagSub, err := e.bus.Subscribe(models.Any(models.TopicTagUpdated), "controle-tags", e.handleTag)
	if err != nil {
		return fmt.Errorf("erro ao assinar tags: %w", err)
	}
	featSub, err := e.bus.Subscribe(models.Any(models.TopicFeatureReady), "controle-espuma", e.handleFeature)
	if err != nil {
		tagSub.Unsubscribe()
		return fmt.Errorf("erro ao assinar características: %w", err)
	}
	e.subs = []*bus.Subscription{tagSub, featSub}

	for _, l := range e.loops {
		e.wg.Add(1)
		go func(l *Loop) {
			defer e.wg.Done()
			l.run(e.ctx)
		}(l)
	}
	e.running = true
	log.Infof("Motor de controle iniciado com %d malhas", len(e.loops))
	return nil
}

// Stop encerra as malhas; saídas já escritas permanecem no PLC
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	e.cancel()
	e.wg.Wait()
	log.Info("Motor de controle parado")
}

// IsRunning verifica se o motor está em execução
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func (e *Engine) handleTag(env bus.Envelope) {
	v, ok := env.Payload.(models.TagValue)
	if !ok {
		return
	}
	for _, l := range e.byTag[v.Name] {
		l.onTag(v)
	}
}

func (e *Engine) handleFeature(env bus.Envelope) {
	f, ok := env.Payload.(models.FeatureFrame)
	if !ok {
		return
	}
	if l, ok := e.loops[f.TankID]; ok {
		l.onFeature(f)
	}
}

func (e *Engine) loop(tankID string) (*Loop, error) {
	l, ok := e.loops[tankID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTank, tankID)
	}
	return l, nil
}

func (e *Engine) send(ctx context.Context, tankID string, cmd command) error {
	l, err := e.loop(tankID)
	if err != nil {
		return err
	}
	return l.send(ctx, e.ctx.Done(), cmd)
}

// SetMode alterna entre manual e automático; o texto é validado aqui
func (e *Engine) SetMode(ctx context.Context, tankID, mode string) error {
	m, ok := models.ParseMode(strings.ToLower(mode))
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	return e.send(ctx, tankID, command{kind: cmdSetMode, mode: m})
}

// Reset reconhece uma falha e devolve a malha ao modo manual
func (e *Engine) Reset(ctx context.Context, tankID string) error {
	return e.send(ctx, tankID, command{kind: cmdReset})
}

// SetSetpoint altera o setpoint de nível
func (e *Engine) SetSetpoint(ctx context.Context, tankID string, value float64) error {
	return e.send(ctx, tankID, command{kind: cmdSetSetpoint, value: value})
}

// SetManualOutput escreve a abertura da válvula com a malha em manual
func (e *Engine) SetManualOutput(ctx context.Context, tankID string, value float64) error {
	return e.send(ctx, tankID, command{kind: cmdSetOutput, value: value})
}

// Snapshot retorna a última saída publicada pela malha do tanque
func (e *Engine) Snapshot(tankID string) (models.ControlOutput, error) {
	l, err := e.loop(tankID)
	if err != nil {
		return models.ControlOutput{}, err
	}
	return l.Snapshot(), nil
}

// Snapshots retorna as saídas de todas as malhas ordenadas por tanque
func (e *Engine) Snapshots() []models.ControlOutput {
	ids := make([]string, 0, len(e.loops))
	for id := range e.loops {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]models.ControlOutput, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.loops[id].Snapshot())
	}
	return out
}
