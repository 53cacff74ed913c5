// Package server monta e supervisiona todos os componentes do backend.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"flotacao_go/internal/bus"
	"flotacao_go/internal/camera"
	"flotacao_go/internal/config"
	"flotacao_go/internal/control"
	"flotacao_go/internal/discovery"
	"flotacao_go/internal/history"
	"flotacao_go/internal/metrics"
	"flotacao_go/internal/mqtt"
	"flotacao_go/internal/pipeline"
	"flotacao_go/internal/plc"
	"flotacao_go/internal/redis"
	"flotacao_go/internal/vision"
	"flotacao_go/internal/websocket"
	"flotacao_go/pkg/logger"
)

var log = logger.For(logger.SYSTEM)

// Version é a versão anunciada em /info e no mDNS
const Version = "1.0.0"

// Server encapsula o servidor HTTP com todos os componentes
type Server struct {
	config     *config.Config
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *metrics.Metrics

	bus         *bus.Bus
	plcService  *plc.Service
	redisClient *redis.Client
	store       history.Store
	history     *history.Service
	control     *control.Engine
	pipeline    *pipeline.Service
	wsHub       *websocket.Hub
	mqttBridge  *mqtt.Bridge
	discovery   *discovery.Service

	serverInfo ServerInfo
}

// ServerInfo contém informações sobre o servidor
type ServerInfo struct {
	IP           string
	Port         int
	StartTime    time.Time
	Connections  int
	Version      string
	WebSocketURL string
	APIURL       string
}

// New cria todos os componentes; a conexão com o Redis é testada aqui para
// decidir entre o armazenamento Redis e o armazenamento em memória.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{
		config: cfg,
		serverInfo: ServerInfo{
			StartTime: time.Now(),
			Version:   Version,
			Port:      cfg.Server.Port,
			IP:        localIP(),
		},
	}
	s.serverInfo.WebSocketURL = fmt.Sprintf("ws://%s:%d/ws", s.serverInfo.IP, cfg.Server.Port)
	s.serverInfo.APIURL = fmt.Sprintf("http://%s:%d/api", s.serverInfo.IP, cfg.Server.Port)

	if err := s.initComponents(ctx); err != nil {
		return nil, err
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.setupRoutes(),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// initComponents inicializa todos os componentes do servidor
func (s *Server) initComponents(ctx context.Context) error {
	cfg := s.config

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.New(s.registry)

	s.bus = bus.New(cfg.Bus.MailboxSize, s.metrics)

	s.plcService = plc.NewService(cfg.PLC, cfg.Tags, plc.NewS7Client(cfg.PLC), s.bus, s.metrics)

	// Armazenamento do histórico: Redis quando disponível, memória caso contrário
	s.redisClient = redis.NewClient(cfg.Redis)
	if cfg.Redis.Enabled {
		if err := s.redisClient.Connect(ctx); err != nil {
			log.Warnf("Redis indisponível (%v); histórico mantido em memória", err)
		}
	}
	if s.redisClient.IsConnected() {
		s.store = redis.NewStore(s.redisClient, cfg.History.Retention.Duration)
	} else {
		s.store = history.NewMemoryStore(cfg.History.Retention.Duration)
	}
	s.history = history.NewService(cfg, s.store, s.bus, s.metrics)

	s.control = control.NewEngine(cfg, s.plcService, s.bus, s.metrics)

	sources := make(map[string]camera.Source, len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		src, err := camera.New(cam)
		if err != nil {
			return fmt.Errorf("câmera %s: %w", cam.ID, err)
		}
		sources[cam.ID] = src
	}
	p, err := pipeline.NewService(cfg.Pipeline, cfg.Cameras, cfg.Tanks, sources,
		vision.NewExtractor(cfg.Pipeline), s.bus, s.metrics)
	if err != nil {
		return fmt.Errorf("erro ao inicializar pipeline de espuma: %w", err)
	}
	s.pipeline = p

	s.wsHub = websocket.NewHub(s.statusSnapshot, s.metrics)

	if cfg.MQTT.Enabled {
		s.mqttBridge = mqtt.NewBridge(cfg.MQTT)
	}

	if cfg.Discovery.Enabled {
		tanks := make([]string, 0, len(cfg.Tanks))
		for _, t := range cfg.Tanks {
			tanks = append(tanks, t.ID)
		}
		s.discovery = discovery.NewService(cfg.Discovery, cfg.Server.Port, tanks)
	}

	return nil
}

// Start inicia os componentes, consumidores antes dos produtores, e bloqueia
// servindo HTTP até Shutdown.
func (s *Server) Start() error {
	if err := s.history.Start(); err != nil {
		return fmt.Errorf("erro ao iniciar histórico: %w", err)
	}
	if err := s.control.Start(); err != nil {
		return fmt.Errorf("erro ao iniciar controle: %w", err)
	}

	if err := s.wsHub.Attach(s.bus); err != nil {
		return fmt.Errorf("erro ao ligar WebSocket ao barramento: %w", err)
	}
	go s.wsHub.Run()

	if s.mqttBridge != nil {
		if err := s.mqttBridge.Start(s.bus); err != nil {
			// A ponte é opcional; o núcleo segue sem ela
			log.Warnf("Ponte MQTT desativada: %v", err)
		}
	}

	if err := s.startPLC(); err != nil {
		return err
	}

	if err := s.pipeline.Start(); err != nil {
		return fmt.Errorf("erro ao iniciar pipeline de espuma: %w", err)
	}

	if s.discovery != nil {
		if err := s.discovery.Start(); err != nil {
			log.Warnf("Erro ao iniciar serviço de descoberta: %v", err)
		}
	}

	s.logServerInfo()

	log.Infof("Iniciando servidor HTTP na porta %d", s.config.Server.Port)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("erro ao iniciar servidor HTTP: %w", err)
	}
	return nil
}

// startPLC registra os grupos de leitura e abre a sessão. Falha de conexão
// não impede a partida: o laço do serviço segue tentando reconectar.
func (s *Server) startPLC() error {
	cfg := s.config.PLC
	if !cfg.Enabled {
		log.Warn("Comunicação com o PLC desabilitada; malhas não conseguirão atuar")
		return nil
	}

	if err := s.plcService.SubscribeGroups(cfg.PollGroups); err != nil {
		return fmt.Errorf("erro ao assinar grupos de leitura: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout.Duration)
	defer cancel()
	ep := plc.Endpoint{Host: cfg.Host, Rack: cfg.Rack, Slot: cfg.Slot}
	if err := s.plcService.Connect(ctx, ep, plc.Credentials{Password: cfg.Password}); err != nil {
		log.Errorf("Erro ao conectar ao PLC em %s: %v", ep, err)
	}

	if err := s.plcService.Start(); err != nil {
		return fmt.Errorf("erro ao iniciar serviço PLC: %w", err)
	}
	return nil
}

// Shutdown encerra os componentes na ordem inversa da partida
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Iniciando shutdown do servidor")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("servidor HTTP: %w", err))
	}

	for _, step := range s.stopSteps() {
		log.Debugf("Parando %s", step.name)
		step.stop()
	}

	if s.redisClient.IsConnected() {
		if err := s.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	s.bus.Close()

	log.Info("Shutdown completo")
	return errors.Join(errs...)
}

type stopStep struct {
	name string
	stop func()
}

// stopSteps define a ordem de parada: o controle encerra antes do PLC para
// que nenhum ciclo escreva numa conexão já fechada; o histórico por último
// drena a fila e fecha o armazenamento.
func (s *Server) stopSteps() []stopStep {
	var steps []stopStep
	if s.discovery != nil {
		steps = append(steps, stopStep{"discovery", s.discovery.Stop})
	}
	steps = append(steps,
		stopStep{"control", s.control.Stop},
		stopStep{"pipeline", s.pipeline.Stop},
		stopStep{"plc", s.plcService.Stop},
	)
	if s.mqttBridge != nil {
		steps = append(steps, stopStep{"mqtt", s.mqttBridge.Stop})
	}
	return append(steps,
		stopStep{"websocket", s.wsHub.Shutdown},
		stopStep{"history", s.history.Stop},
	)
}

// Handler retorna o roteador HTTP (usado também nos testes)
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// GetServerInfo retorna informações sobre o servidor
func (s *Server) GetServerInfo() ServerInfo {
	info := s.serverInfo
	info.Connections = s.wsHub.ClientCount()
	return info
}

// localIP obtém o endereço IPv4 local ou "localhost"
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "localhost"
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "localhost"
}

// logServerInfo exibe informações do servidor no log
func (s *Server) logServerInfo() {
	log.Info("===============================================")
	log.Info("      Monitoramento da Flotação Pb-Zn          ")
	log.Info("===============================================")
	log.Infof("Versão: %s", s.serverInfo.Version)
	log.Infof("Endereço IP: %s", s.serverInfo.IP)
	log.Infof("Porta HTTP: %d", s.serverInfo.Port)
	log.Infof("WebSocket URL: %s", s.serverInfo.WebSocketURL)
	log.Infof("API URL: %s", s.serverInfo.APIURL)
	log.Infof("Tanques: %d, câmeras: %d", len(s.config.Tanks), len(s.config.Cameras))
	if s.discovery != nil {
		log.Infof("mDNS: %s.%s%s", s.discovery.InstanceName(), s.discovery.ServiceType(), s.config.Discovery.Domain)
	}
	log.Info("===============================================")
}
