package camera

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DirectorySource reproduz em ciclo as imagens de um diretório (testes de bancada e replay)
type DirectorySource struct {
	mu    sync.Mutex
	files []string
	next  int
}

// NewDirectorySource lista as imagens .jpg, .jpeg e .png do diretório em ordem alfabética
func NewDirectorySource(dir string) (*DirectorySource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("erro ao ler diretório de quadros: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w em %s", ErrNoFrames, dir)
	}
	sort.Strings(files)

	log.Infof("Origem de diretório %s com %d quadros", dir, len(files))
	return &DirectorySource{files: files}, nil
}

// Acquire decodifica o próximo arquivo, voltando ao início no fim da lista
func (s *DirectorySource) Acquire(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	path := s.files[s.next]
	s.next = (s.next + 1) % len(s.files)
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("erro ao abrir quadro: %w", err)
	}
	defer f.Close()

	img, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return img, nil
}
