package client

import (
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
	"github.com/arzzra/sip_engine/pkg/sip/transport"
)

// InviteTransaction клиентская INVITE транзакция (RFC 3261 17.1.1).
//
// Начальное состояние Calling. Таймер A ретранслирует INVITE с
// удвоением интервала, таймер B ограничивает время жизни, таймер D
// поглощает ретрансмиссии финального ответа в Completed. Ответы
// 300-699 подтверждаются автоматически сгенерированным ACK, который
// принадлежит этой же транзакции. Ответ 2xx сразу терминирует
// транзакцию: доставкой 2xx и ACK на него управляет диалоговый уровень.
type InviteTransaction struct {
	baseTransaction
	builder *transaction.MessageBuilder

	ackMu sync.Mutex
	ack   *sip.Request
}

// NewInvite создает клиентскую INVITE транзакцию в состоянии Calling.
// Запрос не отправляется до вызова SendRequest.
func NewInvite(id string, key transaction.Key, req *sip.Request, dest string, port transport.Port, timers transaction.Timers, log zerolog.Logger) *InviteTransaction {
	return &InviteTransaction{
		baseTransaction: newBase(id, key, req, dest, port, timers, transaction.StateCalling, log),
		builder:         transaction.NewMessageBuilder(),
	}
}

func (t *InviteTransaction) IsInvite() bool { return true }

// SendRequest отправляет INVITE и запускает таймеры A и B
func (t *InviteTransaction) SendRequest() error {
	if t.State() != transaction.StateCalling {
		return transaction.NewError(t.key, "send_request", t.State(), transaction.ErrInvalidState)
	}
	if !t.markStarted() {
		return transaction.NewError(t.key, "send_request", t.State(), transaction.ErrInvalidState)
	}

	if err := t.send(t, t.request); err != nil {
		return err
	}

	// Таймер A активен только для ненадежного транспорта
	t.scheduleRetransmit(t.timers.TimerA)
	// Таймер B действует только в Calling (RFC 3261 17.1.1.2):
	// после предварительного ответа вызов может звонить сколь угодно долго
	t.tm.Start(transaction.TimerB, t.timers.TimerB, func() {
		if t.State() != transaction.StateCalling {
			return
		}
		t.notifyTimeout(t, transaction.TimerB)
		t.changeState(t, transaction.StateTerminated)
	})
	return nil
}

// scheduleRetransmit планирует ретрансмиссию INVITE. Интервал
// удваивается до потолка T2.
func (t *InviteTransaction) scheduleRetransmit(interval time.Duration) {
	t.tm.Start(transaction.TimerA, interval, func() {
		if t.State() != transaction.StateCalling {
			return
		}
		if err := t.send(t, t.request); err != nil {
			return
		}
		t.scheduleRetransmit(transaction.NextRetransmitInterval(interval, t.timers.T2))
	})
}

// Retry повторно отправляет INVITE по решению TU
func (t *InviteTransaction) Retry() error {
	if t.IsTerminated() {
		return transaction.NewError(t.key, "retry", transaction.StateTerminated, transaction.ErrTerminated)
	}
	return t.send(t, t.request)
}

// HandleResponse обрабатывает входящий ответ согласно конечному автомату
func (t *InviteTransaction) HandleResponse(resp *sip.Response) error {
	state := t.State()
	switch state {
	case transaction.StateCalling, transaction.StateProceeding:
		switch {
		case resp.StatusCode < 200:
			t.tm.Stop(transaction.TimerA)
			t.storeResponse(t, resp)
			t.changeState(t, transaction.StateProceeding)
		case resp.StatusCode < 300:
			t.storeResponse(t, resp)
			t.changeState(t, transaction.StateTerminated)
		default:
			t.storeResponse(t, resp)
			if err := t.sendAck(resp); err != nil {
				return err
			}
			t.changeState(t, transaction.StateCompleted)
			t.startTimerD()
		}
		return nil

	case transaction.StateCompleted:
		// Ретрансмиссия финального ответа: повторить ACK, TU не уведомлять
		if resp.StatusCode >= 300 {
			return t.resendAck()
		}
		return nil

	case transaction.StateTerminated:
		return transaction.NewError(t.key, "handle_response", state, transaction.ErrTerminated)

	default:
		return transaction.NewError(t.key, "handle_response", state, transaction.ErrInvalidState)
	}
}

// sendAck строит и отправляет ACK на не-2xx финальный ответ
func (t *InviteTransaction) sendAck(resp *sip.Response) error {
	ack, err := t.builder.BuildACKForNon2xx(t.request, resp)
	if err != nil {
		return err
	}
	t.ackMu.Lock()
	t.ack = ack
	t.ackMu.Unlock()
	return t.send(t, ack)
}

// resendAck повторяет ранее построенный ACK
func (t *InviteTransaction) resendAck() error {
	t.ackMu.Lock()
	ack := t.ack
	t.ackMu.Unlock()
	if ack == nil {
		return nil
	}
	return t.send(t, ack)
}

// startTimerD запускает ожидание ретрансмиссий финального ответа.
// Для надежного транспорта таймер нулевой и транзакция терминируется сразу.
func (t *InviteTransaction) startTimerD() {
	if t.timers.TimerD <= 0 {
		t.changeState(t, transaction.StateTerminated)
		return
	}
	t.tm.Start(transaction.TimerD, t.timers.TimerD, func() {
		t.changeState(t, transaction.StateTerminated)
	})
}

// Terminate принудительно завершает транзакцию
func (t *InviteTransaction) Terminate() {
	t.changeState(t, transaction.StateTerminated)
}
