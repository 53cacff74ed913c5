package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// Config representa a configuração completa da aplicação
type Config struct {
	Server    ServerConfig    `json:"server"`
	Log       LogConfig       `json:"log"`
	Bus       BusConfig       `json:"bus"`
	PLC       PLCConfig       `json:"plc"`
	Tags      []TagMapping    `json:"tags"`
	Cameras   []CameraConfig  `json:"cameras"`
	Tanks     []TankConfig    `json:"tanks"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Control   ControlConfig   `json:"control"`
	History   HistoryConfig   `json:"history"`
	Redis     RedisConfig     `json:"redis"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Discovery DiscoveryConfig `json:"discovery"`
}

// ServerConfig contém configurações do servidor HTTP/WebSocket
type ServerConfig struct {
	Port            int      `json:"port"`
	ReadTimeout     Duration `json:"readTimeout"`
	WriteTimeout    Duration `json:"writeTimeout"`
	ShutdownTimeout Duration `json:"shutdownTimeout"`
}

// LogConfig contém configurações de log
type LogConfig struct {
	Level  string `json:"level"`
	Dir    string `json:"dir"`
	Prefix string `json:"prefix"`
}

// BusConfig contém configurações do barramento de eventos
type BusConfig struct {
	// MailboxSize é a capacidade padrão da caixa de cada assinante
	MailboxSize int `json:"mailboxSize"`
}

// PLCConfig contém configurações da comunicação com o PLC/DCS (S7)
type PLCConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Rack     int    `json:"rack"`
	Slot     int    `json:"slot"`
	Password string `json:"password"`

	ConnectTimeout Duration `json:"connectTimeout"`
	IdleTimeout    Duration `json:"idleTimeout"`
	WriteTimeout   Duration `json:"writeTimeout"`

	// StaleAfter é o número K de ciclos consecutivos sem leitura até a tag virar Stale
	StaleAfter int `json:"staleAfter"`

	Backoff    BackoffConfig `json:"backoff"`
	PollGroups []PollGroup   `json:"pollGroups"`
}

// BackoffConfig define a espera entre tentativas de reconexão
type BackoffConfig struct {
	Initial Duration `json:"initial"`
	Max     Duration `json:"max"`
	// Jitter é o fator de aleatorização (0 desliga)
	Jitter float64 `json:"jitter"`
}

// PollGroup agrupa tags lidas com o mesmo intervalo
type PollGroup struct {
	Name     string   `json:"name"`
	Interval Duration `json:"interval"`
	Tags     []string `json:"tags"`
}

// TagMapping mapeia o nome lógico da tag para o endereço no PLC
type TagMapping struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	Type        string `json:"type"`
	Access      string `json:"access"`
	Description string `json:"description,omitempty"`
	Unit        string `json:"unit,omitempty"`
}

// Origens de quadro suportadas
const (
	SourceHTTP      = "http"
	SourceDirectory = "directory"
)

// CameraConfig descreve uma câmera de espuma
type CameraConfig struct {
	ID       string   `json:"id"`
	TankID   string   `json:"tankId"`
	Source   string   `json:"source"`
	URL      string   `json:"url,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	Path     string   `json:"path,omitempty"`
	Timeout  Duration `json:"timeout"`
}

// TankConfig descreve um tanque de flotação e sua malha de controle
type TankConfig struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	LevelTag string `json:"levelTag"`
	ValveTag string `json:"valveTag"`

	Setpoint      float64  `json:"setpoint"`
	ControlPeriod Duration `json:"controlPeriod"`
	PID           PIDGains `json:"pid"`

	// SampleInterval é a cadência de amostragem de espuma do tanque
	SampleInterval Duration `json:"sampleInterval"`

	GradeTag    string                `json:"gradeTag,omitempty"`
	GradeTarget float64               `json:"gradeTarget,omitempty"`
	Dosing      []DosingChannelConfig `json:"dosing"`
}

// PIDGains contém ganhos e limites do PID
type PIDGains struct {
	Kp          float64 `json:"kp"`
	Ki          float64 `json:"ki"`
	Kd          float64 `json:"kd"`
	IntegralMax float64 `json:"integralMax"`
	OutputMin   float64 `json:"outputMin"`
	OutputMax   float64 `json:"outputMax"`
}

// DosingChannelConfig descreve um canal de dosagem de reagente
type DosingChannelConfig struct {
	Chemical    string  `json:"chemical"`
	SetpointTag string  `json:"setpointTag"`
	FlowTag     string  `json:"flowTag,omitempty"`
	StatusTag   string  `json:"statusTag,omitempty"`
	Gain        float64 `json:"gain"`
	MaxStep     float64 `json:"maxStep"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Initial     float64 `json:"initial"`
}

// PipelineConfig contém parâmetros da extração de características
type PipelineConfig struct {
	MinMatches     int      `json:"minMatches"`
	MaxWidth       int      `json:"maxWidth"`
	GLCMLevels     int      `json:"glcmLevels"`
	KeypointCell   int      `json:"keypointCell"`
	PatchRadius    int      `json:"patchRadius"`
	SearchRadius   int      `json:"searchRadius"`
	RatioTest      float64  `json:"ratioTest"`
	AcquireTimeout Duration `json:"acquireTimeout"`
}

// ControlConfig contém parâmetros comuns às malhas de controle
type ControlConfig struct {
	WriteFailureThreshold int `json:"writeFailureThreshold"`
	StaleTickLimit        int `json:"staleTickLimit"`
}

// HistoryConfig contém parâmetros do histórico
type HistoryConfig struct {
	QueueSize             int      `json:"queueSize"`
	KPIInterval           Duration `json:"kpiInterval"`
	ControlSampleInterval Duration `json:"controlSampleInterval"`
	Retention             Duration `json:"retention"`
	FeedGradeTag          string   `json:"feedGradeTag,omitempty"`
	ConcGradeTag          string   `json:"concGradeTag,omitempty"`
	TailGradeTag          string   `json:"tailGradeTag,omitempty"`
}

// RedisConfig contém configurações do Redis
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
	Enabled  bool   `json:"enabled"`
}

// MQTTConfig contém configurações da ponte MQTT
type MQTTConfig struct {
	Enabled     bool     `json:"enabled"`
	Broker      string   `json:"broker"`
	ClientID    string   `json:"clientId"`
	Username    string   `json:"username,omitempty"`
	Password    string   `json:"password,omitempty"`
	TopicPrefix string   `json:"topicPrefix"`
	QoS         byte     `json:"qos"`
	Timeout     Duration `json:"timeout"`
}

// DiscoveryConfig contém configurações do anúncio mDNS
type DiscoveryConfig struct {
	Enabled  bool   `json:"enabled"`
	Instance string `json:"instance"`
	Service  string `json:"service"`
	Domain   string `json:"domain"`
}

// Load carrega a configuração do arquivo informado. Sem arquivo, usa os valores padrão.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := getDefaultConfig()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("erro ao abrir configuração: %w", err)
	}
	defer file.Close()

	return Parse(file)
}

// Parse decodifica a configuração sobre os valores padrão, rejeitando chaves desconhecidas
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("erro ao ler configuração: %w", err)
	}

	cfg := getDefaultConfig()
	if err := clearProvidedLists(data, &cfg); err != nil {
		return nil, fmt.Errorf("erro ao decodificar configuração: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("erro ao decodificar configuração: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// clearProvidedLists zera as listas padrão que o arquivo redefine, para que o decoder
// não misture elementos novos com os antigos
func clearProvidedLists(data []byte, cfg *Config) error {
	var top map[string]json.RawMessage
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &top); err != nil {
		return err
	}
	if _, ok := top["tags"]; ok {
		cfg.Tags = nil
	}
	if _, ok := top["tanks"]; ok {
		cfg.Tanks = nil
	}
	if _, ok := top["cameras"]; ok {
		cfg.Cameras = nil
	}
	if raw, ok := top["plc"]; ok {
		var plc map[string]json.RawMessage
		if err := json.Unmarshal(raw, &plc); err == nil {
			if _, ok := plc["pollGroups"]; ok {
				cfg.PLC.PollGroups = nil
			}
		}
	}
	return nil
}

// Tag retorna o mapeamento da tag pelo nome
func (c *Config) Tag(name string) (TagMapping, bool) {
	for _, t := range c.Tags {
		if t.Name == name {
			return t, true
		}
	}
	return TagMapping{}, false
}

// Tank retorna a configuração do tanque pelo id
func (c *Config) Tank(id string) (TankConfig, bool) {
	for _, t := range c.Tanks {
		if t.ID == id {
			return t, true
		}
	}
	return TankConfig{}, false
}

// DosingChemicals retorna os reagentes configurados, na ordem de declaração e sem repetição
func (c *Config) DosingChemicals() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range c.Tanks {
		for _, d := range t.Dosing {
			if !seen[d.Chemical] {
				seen[d.Chemical] = true
				out = append(out, d.Chemical)
			}
		}
	}
	return out
}
