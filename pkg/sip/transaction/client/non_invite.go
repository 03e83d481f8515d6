package client

import (
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
	"github.com/arzzra/sip_engine/pkg/sip/transport"
)

// NonInviteTransaction клиентская non-INVITE транзакция (RFC 3261 17.1.2).
//
// Начальное состояние Trying. Таймер E ретранслирует запрос с удвоением
// интервала до потолка T2 (в Proceeding интервал фиксируется на T2),
// таймер F ограничивает время жизни, таймер K поглощает ретрансмиссии
// ответа в Completed.
type NonInviteTransaction struct {
	baseTransaction
}

// NewNonInvite создает клиентскую non-INVITE транзакцию в состоянии Trying.
// Запрос не отправляется до вызова SendRequest.
func NewNonInvite(id string, key transaction.Key, req *sip.Request, dest string, port transport.Port, timers transaction.Timers, log zerolog.Logger) *NonInviteTransaction {
	return &NonInviteTransaction{
		baseTransaction: newBase(id, key, req, dest, port, timers, transaction.StateTrying, log),
	}
}

func (t *NonInviteTransaction) IsInvite() bool { return false }

// SendRequest отправляет запрос и запускает таймеры E и F
func (t *NonInviteTransaction) SendRequest() error {
	if t.State() != transaction.StateTrying {
		return transaction.NewError(t.key, "send_request", t.State(), transaction.ErrInvalidState)
	}
	if !t.markStarted() {
		return transaction.NewError(t.key, "send_request", t.State(), transaction.ErrInvalidState)
	}

	if err := t.send(t, t.request); err != nil {
		return err
	}

	t.scheduleRetransmit(t.timers.TimerE)
	t.tm.Start(transaction.TimerF, t.timers.TimerF, func() {
		state := t.State()
		if state != transaction.StateTrying && state != transaction.StateProceeding {
			return
		}
		t.notifyTimeout(t, transaction.TimerF)
		t.changeState(t, transaction.StateTerminated)
	})
	return nil
}

// scheduleRetransmit планирует ретрансмиссию запроса. В Trying интервал
// удваивается до T2, в Proceeding фиксирован на T2 (RFC 3261 17.1.2.2).
func (t *NonInviteTransaction) scheduleRetransmit(interval time.Duration) {
	t.tm.Start(transaction.TimerE, interval, func() {
		state := t.State()
		if state != transaction.StateTrying && state != transaction.StateProceeding {
			return
		}
		if err := t.send(t, t.request); err != nil {
			return
		}
		next := transaction.NextRetransmitInterval(interval, t.timers.T2)
		if state == transaction.StateProceeding {
			next = t.timers.T2
		}
		t.scheduleRetransmit(next)
	})
}

// Retry повторно отправляет запрос по решению TU
func (t *NonInviteTransaction) Retry() error {
	if t.IsTerminated() {
		return transaction.NewError(t.key, "retry", transaction.StateTerminated, transaction.ErrTerminated)
	}
	return t.send(t, t.request)
}

// HandleResponse обрабатывает входящий ответ согласно конечному автомату
func (t *NonInviteTransaction) HandleResponse(resp *sip.Response) error {
	state := t.State()
	switch state {
	case transaction.StateTrying, transaction.StateProceeding:
		if resp.StatusCode < 200 {
			t.storeResponse(t, resp)
			t.changeState(t, transaction.StateProceeding)
			return nil
		}
		t.tm.Stop(transaction.TimerE)
		t.tm.Stop(transaction.TimerF)
		t.storeResponse(t, resp)
		t.changeState(t, transaction.StateCompleted)
		t.startTimerK()
		return nil

	case transaction.StateCompleted:
		// Ретрансмиссия ответа поглощается без уведомления TU
		return nil

	case transaction.StateTerminated:
		return transaction.NewError(t.key, "handle_response", state, transaction.ErrTerminated)

	default:
		return transaction.NewError(t.key, "handle_response", state, transaction.ErrInvalidState)
	}
}

// startTimerK запускает поглощение ретрансмиссий ответа. Для надежного
// транспорта таймер нулевой и транзакция терминируется сразу.
func (t *NonInviteTransaction) startTimerK() {
	if t.timers.TimerK <= 0 {
		t.changeState(t, transaction.StateTerminated)
		return
	}
	t.tm.Start(transaction.TimerK, t.timers.TimerK, func() {
		t.changeState(t, transaction.StateTerminated)
	})
}

// Terminate принудительно завершает транзакцию
func (t *NonInviteTransaction) Terminate() {
	t.changeState(t, transaction.StateTerminated)
}
