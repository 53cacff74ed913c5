package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"flotacao_go/internal/config"
	"flotacao_go/internal/server"
	"flotacao_go/pkg/logger"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "arquivo de configuração JSON (vazio usa os padrões)")
	logLevel := pflag.String("log-level", "", "nível de log: debug, info, warn, error (sobrepõe a configuração)")
	logDir := pflag.String("log-dir", "", "diretório dos arquivos de log (sobrepõe a configuração)")
	pflag.Parse()

	logger.Init()
	defer logger.Sync()

	displayBanner()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Erro ao carregar configurações", err)
	}

	if err := setupLogging(cfg.Log, *logLevel, *logDir); err != nil {
		logger.Fatal("Erro ao configurar log", err)
	}

	logger.Infof("Configuração carregada: %d tanques, %d câmeras, %d tags", len(cfg.Tanks), len(cfg.Cameras), len(cfg.Tags))
	if cfg.PLC.Enabled {
		logger.Infof("PLC em %s (rack %d, slot %d)", cfg.PLC.Host, cfg.PLC.Rack, cfg.PLC.Slot)
	}

	if err := run(cfg); err != nil {
		logger.Error("Servidor encerrado com erro", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Servidor encerrado com sucesso")
}

// setupLogging aplica nível e diretório; as flags têm prioridade sobre o arquivo
func setupLogging(cfg config.LogConfig, levelFlag, dirFlag string) error {
	levelName := cfg.Level
	if levelFlag != "" {
		levelName = levelFlag
	}
	if levelName != "" {
		level, err := logger.ParseLevel(levelName)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
	}

	dir := cfg.Dir
	if dirFlag != "" {
		dir = dirFlag
	}
	if dir != "" {
		if err := logger.EnableFileLogging(dir, cfg.Prefix); err != nil {
			return err
		}
	}
	return nil
}

// run inicia o servidor e aguarda SIGINT/SIGTERM para o shutdown gracioso
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("erro ao criar servidor: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Servidor iniciado na porta %d", cfg.Server.Port)
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Desligando servidor...")

		timeout := cfg.Server.ShutdownTimeout.Duration
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// displayBanner exibe um banner de inicialização
func displayBanner() {
	banner := `
  ___ _     _____ _____ _    ___   _   ___    ___  ___     ____  _  _
 | __| |   / _ \ \_   _/_\  / __| /_\ / _ \  | _ \| _ )___|_  / \| |
 | _|| |__| (_) | | |/ _ \| (__ / _ \ (_) | |  _/| _ \___|/ /| .  |
 |_| |____|\___/  |_/_/ \_\\___/_/ \_\___/  |_|  |___/   /___|_|\_|
                                         MONITORAMENTO E CONTROLE
 `
	fmt.Println(banner)
	fmt.Printf("Iniciando em %s\n\n", time.Now().Format("2006-01-02 15:04:05"))
}
