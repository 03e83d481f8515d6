package transaction_test

import (
	"context"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
)

// gatherValue возвращает сумму значений метрики с именем name, у которой
// совпадают все заданные пары label=value
func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !labelsMatch(m, labels) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			}
		}
	}
	return sum
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	for k, v := range want {
		found := false
		for _, lp := range m.GetLabel() {
			if lp.GetName() == k && lp.GetValue() == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// waitGatherValue опрашивает реестр до достижения want: счетчики,
// питаемые подписчиком шины, обновляются асинхронно
func waitGatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string, want float64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if gatherValue(t, reg, name, labels) >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("%s = %v, want >= %v", name, gatherValue(t, reg, name, labels), want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMetricsObserveTransactionLifecycle(t *testing.T) {
	m, port := newTestManager(t)
	reg := prometheus.NewRegistry()
	mt := transaction.NewMetrics(reg, m)
	defer mt.Close()

	req := buildRequest(sip.INVITE, transaction.GenerateBranch())
	key, err := m.CreateClientTransaction(req, remoteAddr)
	if err != nil {
		t.Fatalf("CreateClientTransaction: %v", err)
	}
	if err := m.SendRequest(key); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	resp.To().Params.Add("tag", "bob-tag")
	port.Deliver(resp, remoteAddr)

	if !m.WaitForTransactionState(context.Background(), key, transaction.StateTerminated, time.Second) {
		t.Fatal("transaction did not terminate")
	}

	if got := gatherValue(t, reg, "sip_transaction_active", nil); got != 1 {
		t.Errorf("sip_transaction_active = %v, want 1 (terminated stays until cleanup)", got)
	}
	if got := gatherValue(t, reg, "sip_transaction_events_dropped_total", nil); got != 0 {
		t.Errorf("sip_transaction_events_dropped_total = %v, want 0", got)
	}

	waitGatherValue(t, reg, "sip_transaction_state_transitions_total",
		map[string]string{"state": "Terminated"}, 1)
	waitGatherValue(t, reg, "sip_transaction_events_total",
		map[string]string{"kind": "SuccessResponse"}, 1)
}
