package models

import "time"

// Quality indica a confiabilidade de um valor de tag
type Quality string

const (
	QualityGood  Quality = "good"
	QualityStale Quality = "stale"
	QualityBad   Quality = "bad"
)

// TagValue é o último valor conhecido de uma tag do PLC
type TagValue struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Type      string    `json:"type"`
	Quality   Quality   `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
}

// Bool interpreta o valor como booleano
func (v TagValue) Bool() bool {
	return v.Value != 0
}

// Good informa se o valor pode alimentar cálculos
func (v TagValue) Good() bool {
	return v.Quality == QualityGood
}

// ConnectionState é o estado da conexão com o PLC
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ConnectionStatus é publicado a cada transição de estado da conexão
type ConnectionStatus struct {
	State     ConnectionState `json:"state"`
	Endpoint  string          `json:"endpoint"`
	Attempt   int             `json:"attempt,omitempty"`
	LastError string          `json:"lastError,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// TextureFeatures são as estatísticas da matriz de co-ocorrência (GLCM)
type TextureFeatures struct {
	Energy      float64 `json:"energy"`
	Contrast    float64 `json:"contrast"`
	Correlation float64 `json:"correlation"`
	Homogeneity float64 `json:"homogeneity"`
}

// IntensityStats são os momentos do histograma de cinza
type IntensityStats struct {
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"stdDev"`
	Skewness float64 `json:"skewness"`
	Kurtosis float64 `json:"kurtosis"`
}

// Velocity é a velocidade das bolhas em pixels por segundo
type Velocity struct {
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
}

// FeatureFrame é o resultado da análise de um quadro de espuma
type FeatureFrame struct {
	CameraID   string          `json:"cameraId"`
	TankID     string          `json:"tankId"`
	Timestamp  time.Time       `json:"timestamp"`
	Texture    TextureFeatures `json:"texture"`
	Intensity  IntensityStats  `json:"intensity"`
	ColorRatio float64         `json:"colorRatio"`
	// Velocity é omitida quando não há correspondências suficientes
	Velocity  *Velocity `json:"velocity,omitempty"`
	Stability float64   `json:"stability"`
	Keypoints int       `json:"keypoints"`
	Matches   int       `json:"matches"`
}

// Summary reduz o quadro aos campos gravados no histórico
func (f FeatureFrame) Summary() FeatureSummary {
	s := FeatureSummary{
		Stability:   f.Stability,
		Energy:      f.Texture.Energy,
		Contrast:    f.Texture.Contrast,
		Correlation: f.Texture.Correlation,
		Homogeneity: f.Texture.Homogeneity,
		GrayMean:    f.Intensity.Mean,
		ColorRatio:  f.ColorRatio,
	}
	if f.Velocity != nil {
		mean, variance := f.Velocity.Mean, f.Velocity.Variance
		s.VelocityMean = &mean
		s.VelocityVariance = &variance
	}
	return s
}

// FeatureSummary é o resumo de espuma anexado a saídas de controle e ao histórico
type FeatureSummary struct {
	VelocityMean     *float64 `json:"velocityMean,omitempty"`
	VelocityVariance *float64 `json:"velocityVariance,omitempty"`
	Stability        float64  `json:"stability"`
	Energy           float64  `json:"energy"`
	Contrast         float64  `json:"contrast"`
	Correlation      float64  `json:"correlation"`
	Homogeneity      float64  `json:"homogeneity"`
	GrayMean         float64  `json:"grayMean"`
	ColorRatio       float64  `json:"colorRatio"`
}

// Mode é o modo de operação de uma malha
type Mode string

const (
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
	ModeFault  Mode = "fault"
)

// ParseMode valida o texto do modo pedido pelo operador (fault não é selecionável)
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeManual, ModeAuto:
		return Mode(s), true
	}
	return "", false
}

// ControlLoopState é o estado de uma malha de nível por tanque
type ControlLoopState struct {
	TankID          string    `json:"tankId"`
	Mode            Mode      `json:"mode"`
	Setpoint        float64   `json:"setpoint"`
	Kp              float64   `json:"kp"`
	Ki              float64   `json:"ki"`
	Kd              float64   `json:"kd"`
	Integral        float64   `json:"integral"`
	LastError       float64   `json:"lastError"`
	LastOutput      float64   `json:"lastOutput"`
	Measured        float64   `json:"measured"`
	MeasuredQuality Quality   `json:"measuredQuality"`
	WriteFailures   int       `json:"writeFailures"`
	FaultReason     string    `json:"faultReason,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// DeviceStatus é o estado da bomba dosadora
type DeviceStatus string

const (
	DeviceRunning DeviceStatus = "running"
	DeviceStopped DeviceStatus = "stopped"
	DeviceUnknown DeviceStatus = "unknown"
)

// DosingChannel é um canal de dosagem de reagente
type DosingChannel struct {
	Chemical     string       `json:"chemical"`
	TankID       string       `json:"tankId"`
	Setpoint     float64      `json:"setpoint"`
	MeasuredFlow float64      `json:"measuredFlow"`
	Status       DeviceStatus `json:"status"`
}

// ControlOutput é publicado a cada ciclo de controle
type ControlOutput struct {
	Loop      ControlLoopState `json:"loop"`
	Dosing    []DosingChannel  `json:"dosing"`
	Froth     *FeatureSummary  `json:"froth,omitempty"`
	Applied   bool             `json:"applied"`
	Timestamp time.Time        `json:"timestamp"`
}

// ControlFault é publicado quando uma malha entra em falha
type ControlFault struct {
	TankID    string    `json:"tankId"`
	Reason    string    `json:"reason"`
	Failures  int       `json:"failures"`
	Timestamp time.Time `json:"timestamp"`
}

// KPI são os indicadores de processo; campos ausentes ficam nil
type KPI struct {
	FeedGrade *float64 `json:"feedGrade,omitempty"`
	ConcGrade *float64 `json:"concGrade,omitempty"`
	TailGrade *float64 `json:"tailGrade,omitempty"`
	Recovery  *float64 `json:"recovery,omitempty"`
	Level     *float64 `json:"level,omitempty"`
}

// Origem do registro histórico
const (
	SourceKPI     = "kpi"
	SourceFeature = "feature"
	SourceControl = "control"
)

// SourceAggregate marca registros resultantes de agregação em consulta
const SourceAggregate = "aggregate"

// HistoryRecord é um registro imutável do histórico
type HistoryRecord struct {
	ID        string             `json:"id"`
	TankID    string             `json:"tankId"`
	Timestamp time.Time          `json:"timestamp"`
	Source    string             `json:"source"`
	KPI       KPI                `json:"kpi"`
	Froth     *FeatureSummary    `json:"froth,omitempty"`
	Dosing    map[string]float64 `json:"dosing,omitempty"`
}
