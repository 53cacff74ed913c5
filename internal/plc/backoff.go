package plc

import (
	"time"

	"github.com/cenkalti/backoff"

	"flotacao_go/internal/config"
)

// newBackoff cria a política de reconexão: d0, 2·d0, 4·d0... limitada a dmax,
// com jitter multiplicativo e sem limite de tempo total
func newBackoff(cfg config.BackoffConfig) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.Initial.Duration,
		RandomizationFactor: cfg.Jitter,
		Multiplier:          2,
		MaxInterval:         cfg.Max.Duration,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = 500 * time.Millisecond
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Reset()
	return b
}
