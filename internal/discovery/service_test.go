package discovery

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flotacao_go/internal/config"
	"flotacao_go/pkg/logger"
)

func init() {
	logger.SetLevel(logger.ERROR)
}

type fakeServer struct {
	shut bool
}

func (f *fakeServer) Shutdown() { f.shut = true }

func TestDefaults(t *testing.T) {
	s := NewService(config.DiscoveryConfig{}, 8080, nil)
	assert.Equal(t, DefaultService, s.ServiceType())
	assert.Contains(t, s.InstanceName(), "-flotacao")
}

func TestTXTListsTanks(t *testing.T) {
	s := NewService(config.DiscoveryConfig{Instance: "Flotacao"}, 8080, []string{"rougher", "cleaner1"})
	txt := s.TXT("10.0.0.5")
	assert.Contains(t, txt, "ip=10.0.0.5")
	assert.Contains(t, txt, "tank=rougher")
	assert.Contains(t, txt, "tank=cleaner1")
}

func TestStartStop(t *testing.T) {
	if _, err := localIP(); err != nil {
		t.Skip("sem interface IPv4 fora do loopback")
	}

	srv := &fakeServer{}
	var gotPort int
	var gotService string
	s := NewService(config.DiscoveryConfig{Instance: "Flotacao", Service: "_flotacao._tcp"}, 9090, nil)
	s.register = func(instance, service, domain string, port int, text []string, _ []net.Interface) (shutdowner, error) {
		gotPort, gotService = port, service
		return srv, nil
	}

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.NotEmpty(t, s.ServerIP())
	assert.Equal(t, 9090, gotPort)
	assert.Equal(t, "_flotacao._tcp", gotService)

	s.Stop()
	assert.False(t, s.IsRunning())
	assert.True(t, srv.shut)
}

func TestStartPropagatesRegisterError(t *testing.T) {
	if _, err := localIP(); err != nil {
		t.Skip("sem interface IPv4 fora do loopback")
	}
	s := NewService(config.DiscoveryConfig{}, 8080, nil)
	s.register = func(string, string, string, int, []string, []net.Interface) (shutdowner, error) {
		return nil, errors.New("multicast indisponível")
	}
	require.Error(t, s.Start())
	assert.False(t, s.IsRunning())
}
