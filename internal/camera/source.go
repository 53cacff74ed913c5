// Package camera obtém quadros das câmeras de espuma.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"flotacao_go/internal/config"
	"flotacao_go/pkg/logger"
)

var log = logger.For(logger.VIDEO)

var (
	// ErrNoFrames indica que a origem não tem nenhum quadro disponível
	ErrNoFrames = errors.New("nenhum quadro disponível")
	// ErrUnsupportedSource indica tipo de origem desconhecido
	ErrUnsupportedSource = errors.New("tipo de origem não suportado")
)

// Source entrega um quadro por chamada
type Source interface {
	Acquire(ctx context.Context) (image.Image, error)
}

// New cria a origem configurada para a câmera
func New(cfg config.CameraConfig) (Source, error) {
	switch cfg.Source {
	case config.SourceHTTP:
		return NewHTTPSnapshotSource(cfg), nil
	case config.SourceDirectory:
		return NewDirectorySource(cfg.Path)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, cfg.Source)
}

func decode(r io.Reader) (image.Image, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("erro ao decodificar quadro: %w", err)
	}
	log.Debugf("Quadro %s decodificado: %v", format, img.Bounds().Size())
	return img, nil
}
