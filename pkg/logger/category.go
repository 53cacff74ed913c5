package logger

import (
	"time"

	"golang.org/x/time/rate"
)

// Category identifica o subsistema que originou a mensagem
type Category string

const (
	SYSTEM  Category = "SYSTEM"
	PLC     Category = "PLC"
	VIDEO   Category = "VIDEO"
	CONTROL Category = "CONTROL"
	DATA    Category = "DATA"
	NETWORK Category = "NETWORK"
	BUS     Category = "BUS"
)

// Logger é um logger com categoria fixa
type Logger struct {
	category Category
}

// For retorna um logger para a categoria
func For(category Category) *Logger {
	return &Logger{category: category}
}

func (l *Logger) Info(msg string) {
	logMessage(INFO, l.category, 2, "%s", msg)
}

func (l *Logger) Warn(msg string) {
	logMessage(WARN, l.category, 2, "%s", msg)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	logMessage(DEBUG, l.category, 2, format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	logMessage(INFO, l.category, 2, format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	logMessage(WARN, l.category, 2, format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	logMessage(ERROR, l.category, 2, format, args...)
}

// Error registra msg com o erro anexado
func (l *Logger) Error(msg string, err error) {
	if err != nil {
		logMessage(ERROR, l.category, 2, "%s: %v", msg, err)
		return
	}
	logMessage(ERROR, l.category, 2, "%s", msg)
}

// Throttled limita a frequência de mensagens repetitivas (laços de polling, quadros descartados)
type Throttled struct {
	log     *Logger
	limiter *rate.Limiter
}

// Throttle cria um emissor limitado a uma mensagem a cada interval, com rajada burst
func (l *Logger) Throttle(interval time.Duration, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{log: l, limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Warnf emite o aviso se o limitador permitir; retorna false quando suprimido
func (t *Throttled) Warnf(format string, args ...interface{}) bool {
	if !t.limiter.Allow() {
		return false
	}
	logMessage(WARN, t.log.category, 2, format, args...)
	return true
}

// Errorf emite o erro se o limitador permitir
func (t *Throttled) Errorf(format string, args ...interface{}) bool {
	if !t.limiter.Allow() {
		return false
	}
	logMessage(ERROR, t.log.category, 2, format, args...)
	return true
}
