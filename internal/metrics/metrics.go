package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flotacao"

// Metrics reúne os coletores Prometheus do sistema
type Metrics struct {
	// Barramento
	BusPublished *prometheus.CounterVec
	BusDelivered *prometheus.CounterVec
	BusDropped   *prometheus.CounterVec

	// PLC
	PLCConnectionState *prometheus.GaugeVec
	PLCReconnects      prometheus.Counter
	PLCPollCycles      *prometheus.CounterVec
	PLCQualityChanges  *prometheus.CounterVec
	PLCWriteFailures   *prometheus.CounterVec
	PLCWriteDuration   prometheus.Histogram

	// Câmeras e análise
	FramesAcquired  *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	FramesFailed    *prometheus.CounterVec
	FeaturesEmitted *prometheus.CounterVec
	AnalysisSeconds *prometheus.HistogramVec

	// Controle
	ControlOutputs *prometheus.CounterVec
	ControlFaults  *prometheus.CounterVec
	ControlMode    *prometheus.GaugeVec

	// Histórico
	HistoryAppended prometheus.Counter
	HistoryDropped  prometheus.Counter
	HistoryErrors   prometheus.Counter
	HistoryBacklog  prometheus.Gauge

	// WebSocket
	WSClients prometheus.Gauge
}

// New cria os coletores e os registra em reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BusPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "published_total",
			Help: "Mensagens publicadas por tópico raiz",
		}, []string{"topic"}),
		BusDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "delivered_total",
			Help: "Mensagens entregues por assinante",
		}, []string{"subscriber"}),
		BusDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "dropped_total",
			Help: "Mensagens descartadas por estouro da caixa do assinante",
		}, []string{"subscriber"}),

		PLCConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "plc", Name: "connection_state",
			Help: "1 para o estado atual da conexão, 0 para os demais",
		}, []string{"state"}),
		PLCReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "plc", Name: "reconnect_attempts_total",
			Help: "Tentativas de reconexão com o PLC",
		}),
		PLCPollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "plc", Name: "poll_cycles_total",
			Help: "Ciclos de leitura por grupo",
		}, []string{"group"}),
		PLCQualityChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "plc", Name: "quality_transitions_total",
			Help: "Transições de qualidade de tags",
		}, []string{"quality"}),
		PLCWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "plc", Name: "write_failures_total",
			Help: "Escritas que falharam por motivo",
		}, []string{"reason"}),
		PLCWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "plc", Name: "write_duration_seconds",
			Help:    "Duração das escritas confirmadas",
			Buckets: prometheus.DefBuckets,
		}),

		FramesAcquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "video", Name: "frames_acquired_total",
			Help: "Quadros adquiridos por câmera",
		}, []string{"camera"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "video", Name: "frames_dropped_total",
			Help: "Quadros descartados porque a análise anterior não terminou",
		}, []string{"camera"}),
		FramesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "video", Name: "frames_failed_total",
			Help: "Falhas de aquisição ou análise por câmera",
		}, []string{"camera", "stage"}),
		FeaturesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "video", Name: "features_published_total",
			Help: "Quadros de características publicados por tanque",
		}, []string{"tank"}),
		AnalysisSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "video", Name: "analysis_duration_seconds",
			Help:    "Duração da análise de um quadro",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"camera"}),

		ControlOutputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "control", Name: "outputs_total",
			Help: "Saídas calculadas por tanque",
		}, []string{"tank"}),
		ControlFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "control", Name: "faults_total",
			Help: "Entradas em falha por tanque",
		}, []string{"tank"}),
		ControlMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "control", Name: "mode",
			Help: "1 para o modo atual da malha",
		}, []string{"tank", "mode"}),

		HistoryAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "history", Name: "appended_total",
			Help: "Registros gravados",
		}),
		HistoryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "history", Name: "dropped_total",
			Help: "Registros descartados por fila cheia",
		}),
		HistoryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "history", Name: "store_errors_total",
			Help: "Falhas de gravação no armazenamento",
		}),
		HistoryBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "history", Name: "queue_length",
			Help: "Registros aguardando gravação",
		}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "websocket", Name: "clients",
			Help: "Clientes WebSocket conectados",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.BusPublished, m.BusDelivered, m.BusDropped,
			m.PLCConnectionState, m.PLCReconnects, m.PLCPollCycles, m.PLCQualityChanges,
			m.PLCWriteFailures, m.PLCWriteDuration,
			m.FramesAcquired, m.FramesDropped, m.FramesFailed, m.FeaturesEmitted, m.AnalysisSeconds,
			m.ControlOutputs, m.ControlFaults, m.ControlMode,
			m.HistoryAppended, m.HistoryDropped, m.HistoryErrors, m.HistoryBacklog,
			m.WSClients,
		)
	}
	return m
}

// NewUnregistered cria coletores sem registrá-los (testes e componentes isolados)
func NewUnregistered() *Metrics {
	return New(nil)
}
