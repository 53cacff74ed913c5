package control

import (
	"math"

	"flotacao_go/internal/config"
)

// PID é um controlador discreto com integral limitada (anti-windup)
type PID struct {
	Kp, Ki, Kd     float64
	IntegralMax    float64
	OutMin, OutMax float64

	integral  float64
	lastError float64
	primed    bool
}

// NewPID cria o controlador com os ganhos configurados
func NewPID(g config.PIDGains) *PID {
	return &PID{
		Kp:          g.Kp,
		Ki:          g.Ki,
		Kd:          g.Kd,
		IntegralMax: g.IntegralMax,
		OutMin:      g.OutputMin,
		OutMax:      g.OutputMax,
	}
}

// Step calcula a saída para o intervalo dt (segundos)
func (p *PID) Step(setpoint, measured, dt float64) float64 {
	err := setpoint - measured
	p.integral = clamp(p.integral+err*dt, -p.IntegralMax, p.IntegralMax)

	var derivative float64
	if p.primed && dt > 0 {
		derivative = (err - p.lastError) / dt
	}
	p.lastError = err
	p.primed = true

	return clamp(p.Kp*err+p.Ki*p.integral+p.Kd*derivative, p.OutMin, p.OutMax)
}

// Reset zera a integral e reinicia o histórico da derivada a partir de lastError
func (p *PID) Reset(lastError float64, primed bool) {
	p.integral = 0
	p.lastError = lastError
	p.primed = primed
}

// Integral retorna o acumulador atual
func (p *PID) Integral() float64 { return p.integral }

// LastError retorna o último erro calculado
func (p *PID) LastError() float64 { return p.lastError }

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
