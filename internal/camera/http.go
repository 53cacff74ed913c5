package camera

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"time"

	"flotacao_go/internal/config"
)

const defaultSnapshotTimeout = 5 * time.Second

// HTTPSnapshotSource busca um JPEG/PNG por requisição no endpoint de snapshot da câmera
type HTTPSnapshotSource struct {
	url      string
	username string
	password string
	client   *http.Client
}

// NewHTTPSnapshotSource cria a origem HTTP da câmera
func NewHTTPSnapshotSource(cfg config.CameraConfig) *HTTPSnapshotSource {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = defaultSnapshotTimeout
	}
	return &HTTPSnapshotSource{
		url:      cfg.URL,
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Timeout: timeout},
	}
}

// Acquire baixa e decodifica um quadro
func (s *HTTPSnapshotSource) Acquire(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("erro ao criar requisição de snapshot: %w", err)
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("erro ao buscar snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot retornou status %d", resp.StatusCode)
	}
	return decode(resp.Body)
}
