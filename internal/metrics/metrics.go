package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: полное время Send (включая ожидание ответа)
	SendDuration *prometheus.HistogramVec

	// Traffic: поток сообщений по типам
	SendTotal *prometheus.CounterVec

	// Исходы доставки (OK, TIMEOUT, ROUTING_UNAUTHORIZED, ...)
	OutcomeTotal *prometheus.CounterVec

	// Попытки доставки по результатам (success, failure)
	DeliveryAttempts *prometheus.CounterVec

	// Saturation: состояние предохранителя (0 - closed, 1 - open, 2 - half-open)
	CircuitState *prometheus.GaugeVec

	// Ответы, отданные из кэша last-good при открытом CB
	FallbackServes prometheus.Counter

	// Нарушения порядка: принудительные пропуски номера в паре
	SequenceGapSkips prometheus.Counter

	// Дубликаты, погашенные окном идемпотентности
	DuplicatesSuppressed prometheus.Counter

	// Журнал: всего записей и заполненность буфера архиватора (backpressure)
	LedgerAppends      prometheus.Counter
	ArchiverBufferFill prometheus.Gauge

	// Реестр: живые агенты и выселения
	RegistryAgents    prometheus.Gauge
	RegistryEvictions prometheus.Counter

	// Fan-out: длительность и заполненность лимитера
	FanoutDuration *prometheus.HistogramVec
	FanoutInflight prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Тестам registry не нужен: без него метрики пишутся в локальный,
	// который никто не скрейпит
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		SendDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coord_send_duration_seconds",
			Help:    "Histogram of Send latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"message_type", "kind"}),

		SendTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "coord_send_total",
			Help: "Total number of submitted messages.",
		}, []string{"message_type"}),

		OutcomeTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "coord_outcomes_total",
			Help: "Terminal delivery outcomes by kind.",
		}, []string{"kind"}),

		DeliveryAttempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "coord_delivery_attempts_total",
			Help: "Individual delivery attempts by result.",
		}, []string{"result"}), // результаты: success, failure

		CircuitState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "coord_circuit_state",
			Help: "Circuit state per destination (0=closed, 1=open, 2=half-open).",
		}, []string{"destination"}),

		FallbackServes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "coord_fallback_serves_total",
			Help: "Responses served from the last-good cache.",
		}),

		SequenceGapSkips: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "coord_sequence_gap_skips_total",
			Help: "Forced sequence gap skips after gap timeout.",
		}),

		DuplicatesSuppressed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "coord_duplicates_suppressed_total",
			Help: "Inbound duplicates suppressed by idempotency window.",
		}),

		LedgerAppends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "coord_ledger_appends_total",
			Help: "Entries appended to the audit ledger.",
		}),

		ArchiverBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "coord_ledger_archiver_buffer_utilization",
			Help: "Current number of entries in the archiver buffer.",
		}),

		RegistryAgents: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "coord_registry_agents",
			Help: "Registered agents with a live lease.",
		}),

		RegistryEvictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "coord_registry_evictions_total",
			Help: "Agents evicted by the lease sweep.",
		}),

		FanoutDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coord_fanout_duration_seconds",
			Help:    "Histogram of fan-out wall time.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"mode"}), // режимы: all, first

		FanoutInflight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "coord_fanout_inflight",
			Help: "Fan-out tasks currently holding a concurrency slot.",
		}),
	}
}
