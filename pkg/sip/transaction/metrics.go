package transaction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics экспортирует метрики транзакционного уровня в Prometheus.
// Реализован как подписчик шины событий: менеджер про метрики не знает.
type Metrics struct {
	events      *prometheus.CounterVec
	stateChange *prometheus.CounterVec
	unsubscribe func()
	done        chan struct{}
}

// NewMetrics регистрирует метрики и подписывает их на события менеджера
func NewMetrics(reg prometheus.Registerer, m *Manager) *Metrics {
	factory := promauto.With(reg)

	mt := &Metrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "events_total",
			Help:      "Transaction layer events by kind",
		}, []string{"kind"}),
		stateChange: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "state_transitions_total",
			Help:      "Transaction state transitions by target state",
		}, []string{"state"}),
		done: make(chan struct{}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sip",
		Subsystem: "transaction",
		Name:      "active",
		Help:      "Transactions currently in the table",
	}, func() float64 {
		return float64(m.TransactionCount())
	})

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "transaction",
		Name:      "events_dropped_total",
		Help:      "Events dropped due to slow subscribers",
	}, func() float64 {
		return float64(m.Stats().EventsDropped)
	})

	events, unsubscribe := m.Subscribe()
	mt.unsubscribe = unsubscribe

	go func() {
		defer close(mt.done)
		for ev := range events {
			mt.events.WithLabelValues(ev.Kind.String()).Inc()
			if ev.Kind == EventStateChanged {
				mt.stateChange.WithLabelValues(ev.NewState.String()).Inc()
			}
		}
	}()

	return mt
}

// Close отписывает сборщик от шины и дожидается остановки
func (mt *Metrics) Close() {
	mt.unsubscribe()
	<-mt.done
}
