package dialog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RegisterMetrics регистрирует метрики диалогового уровня.
// Все метрики читаются из счетчиков менеджера, отдельный подписчик
// событий не нужен.
func RegisterMetrics(reg prometheus.Registerer, m *Manager) {
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sip",
		Subsystem: "dialog",
		Name:      "active",
		Help:      "Dialogs currently in the table",
	}, func() float64 {
		return float64(m.DialogCount())
	})

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "dialog",
		Name:      "created_total",
		Help:      "Dialogs created since start",
	}, func() float64 {
		return float64(m.createdTotal.Load())
	})

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "dialog",
		Name:      "terminated_total",
		Help:      "Dialogs terminated since start",
	}, func() float64 {
		return float64(m.terminatedTotal.Load())
	})

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "dialog",
		Name:      "events_dropped_total",
		Help:      "Session coordination events dropped due to slow consumer",
	}, func() float64 {
		return float64(m.EventsDropped())
	})
}
