// Package discovery anuncia o servidor na rede local via mDNS.
package discovery

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/grandcat/zeroconf"

	"flotacao_go/internal/config"
	"flotacao_go/pkg/logger"
)

var log = logger.For(logger.NETWORK)

// Valores usados quando a configuração não informa
const (
	DefaultService = "_flotacao._tcp"
	DefaultDomain  = "local."
	Version        = "1.0"
)

// registerFunc registra o anúncio; substituída nos testes
type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (shutdowner, error)

type shutdowner interface {
	Shutdown()
}

func zeroconfRegister(instance, service, domain string, port int, text []string, ifaces []net.Interface) (shutdowner, error) {
	return zeroconf.Register(instance, service, domain, port, text, ifaces)
}

// Service gerencia o anúncio do serviço na rede local
type Service struct {
	server   shutdowner
	register registerFunc
	mutex    sync.Mutex

	instanceName string
	service      string
	domain       string
	port         int
	tanks        []string
	running      bool
	serverIP     string
}

// NewService cria o anúncio mDNS da porta HTTP com a lista de tanques
func NewService(cfg config.DiscoveryConfig, port int, tanks []string) *Service {
	instance := cfg.Instance
	if instance == "" {
		hostname, _ := os.Hostname()
		instance = fmt.Sprintf("%s-flotacao", hostname)
	}
	service := cfg.Service
	if service == "" {
		service = DefaultService
	}
	domain := cfg.Domain
	if domain == "" {
		domain = DefaultDomain
	}
	return &Service{
		register:     zeroconfRegister,
		instanceName: instance,
		service:      service,
		domain:       domain,
		port:         port,
		tanks:        tanks,
	}
}

// TXT retorna os metadados anunciados
func (s *Service) TXT(ip string) []string {
	txt := []string{
		"version=" + Version,
		"ip=" + ip,
		"api=/api",
		"ws=/ws",
	}
	for _, t := range s.tanks {
		txt = append(txt, "tank="+t)
	}
	return txt
}

// Start inicia o anúncio
func (s *Service) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return nil
	}

	ip, err := localIP()
	if err != nil {
		return fmt.Errorf("erro ao obter IP local: %w", err)
	}
	s.serverIP = ip

	server, err := s.register(s.instanceName, s.service, s.domain, s.port, s.TXT(ip), nil)
	if err != nil {
		return fmt.Errorf("erro ao registrar serviço de descoberta: %w", err)
	}

	s.server = server
	s.running = true

	log.Infof("Serviço de descoberta iniciado em %s:%d (mDNS: %s.%s%s)",
		ip, s.port, s.instanceName, s.service, s.domain)
	return nil
}

// Stop encerra o anúncio
func (s *Service) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.running {
		return
	}
	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
	}
	s.running = false
	log.Info("Serviço de descoberta parado")
}

// ServerIP retorna o IP anunciado
func (s *Service) ServerIP() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.serverIP
}

// InstanceName retorna o nome da instância do serviço
func (s *Service) InstanceName() string {
	return s.instanceName
}

// ServiceType retorna o tipo de serviço anunciado
func (s *Service) ServiceType() string {
	return s.service
}

// IsRunning verifica se o anúncio está ativo
func (s *Service) IsRunning() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.running
}

// localIP obtém o primeiro endereço IPv4 que não é loopback
func localIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String(), nil
			}
		}
	}

	return "", fmt.Errorf("não foi possível determinar o endereço IP local")
}
