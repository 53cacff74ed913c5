package plc

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected é retornado por leituras e escritas fora do estado Connected
	ErrNotConnected = errors.New("não conectado ao PLC")

	// ErrWriteTimeout indica que a escrita não foi confirmada dentro do prazo
	ErrWriteTimeout = errors.New("tempo esgotado na escrita")

	// ErrWriteRejected indica que o PLC recusou a escrita
	ErrWriteRejected = errors.New("escrita rejeitada")

	// ErrUnknownTag é retornado para tags fora do mapeamento
	ErrUnknownTag = errors.New("tag desconhecida")

	// ErrTagNotWritable é retornado ao escrever em tag somente leitura
	ErrTagNotWritable = errors.New("tag não permite escrita")

	// ErrTagNotReadable é retornado ao assinar tag somente escrita
	ErrTagNotReadable = errors.New("tag não permite leitura")

	// ErrTransport classifica falhas de conexão (a sessão precisa ser refeita)
	ErrTransport = errors.New("falha de transporte")

	// ErrTimeout classifica operações que excederam o prazo do driver
	ErrTimeout = errors.New("tempo esgotado")

	// ErrTagUnavailable classifica falhas de leitura de uma tag isolada
	ErrTagUnavailable = errors.New("tag indisponível")
)

// ConnectionError é retornado quando o handshake com o PLC falha
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("erro de conexão com %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
