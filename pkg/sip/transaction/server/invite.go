package server

import (
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
	"github.com/arzzra/sip_engine/pkg/sip/transport"
)

// InviteTransaction серверная INVITE транзакция (RFC 3261 17.2.1).
//
// Начальное состояние Proceeding. Финальный не-2xx ответ переводит в
// Completed: таймер G ретранслирует ответ с удвоением интервала до T2,
// таймер H ограничивает ожидание ACK. Принятый ACK переводит в
// Confirmed, где таймер I поглощает его ретрансмиссии. Ответ 2xx сразу
// терминирует транзакцию: его ретрансмиссиями управляет диалоговый
// уровень.
type InviteTransaction struct {
	baseTransaction
}

// NewInvite создает серверную INVITE транзакцию в состоянии Proceeding
func NewInvite(id string, key transaction.Key, req *sip.Request, source string, port transport.Port, timers transaction.Timers, log zerolog.Logger) *InviteTransaction {
	return &InviteTransaction{
		baseTransaction: newBase(id, key, req, source, port, timers, transaction.StateProceeding, log),
	}
}

func (t *InviteTransaction) IsInvite() bool { return true }

// SendResponse отправляет ответ согласно конечному автомату
func (t *InviteTransaction) SendResponse(resp *sip.Response) error {
	state := t.State()
	switch state {
	case transaction.StateProceeding:
		switch {
		case resp.StatusCode < 200:
			if err := t.send(t, resp); err != nil {
				return err
			}
			t.storeResponse(resp)
			return nil
		case resp.StatusCode < 300:
			if err := t.send(t, resp); err != nil {
				return err
			}
			t.storeResponse(resp)
			t.changeState(t, transaction.StateTerminated)
			return nil
		default:
			if err := t.send(t, resp); err != nil {
				return err
			}
			t.storeResponse(resp)
			t.changeState(t, transaction.StateCompleted)
			t.scheduleRetransmit(t.timers.TimerG)
			t.tm.Start(transaction.TimerH, t.timers.TimerH, func() {
				if t.State() != transaction.StateCompleted {
					return
				}
				t.notifyTimeout(t, transaction.TimerH)
				t.changeState(t, transaction.StateTerminated)
			})
			return nil
		}

	case transaction.StateTerminated:
		return transaction.NewError(t.key, "send_response", state, transaction.ErrTerminated)

	default:
		return transaction.NewError(t.key, "send_response", state, transaction.ErrInvalidState)
	}
}

// scheduleRetransmit планирует ретрансмиссию финального ответа.
// Интервал удваивается до потолка T2 (RFC 3261 17.2.1, таймер G).
func (t *InviteTransaction) scheduleRetransmit(interval time.Duration) {
	t.tm.Start(transaction.TimerG, interval, func() {
		if t.State() != transaction.StateCompleted {
			return
		}
		if err := t.retransmitLastResponse(t); err != nil {
			return
		}
		t.scheduleRetransmit(transaction.NextRetransmitInterval(interval, t.timers.T2))
	})
}

// HandleRequest обрабатывает ретрансмиссию INVITE, ACK или CANCEL
func (t *InviteTransaction) HandleRequest(req *sip.Request) error {
	switch req.Method {
	case sip.INVITE:
		return t.handleInviteRetransmit()
	case sip.ACK:
		return t.handleAck(req)
	case sip.CANCEL:
		// Ответом на CANCEL и посылкой 487 занимается TU
		return nil
	default:
		return transaction.NewError(t.key, "handle_request", t.State(), transaction.ErrInvalidMessage)
	}
}

// handleInviteRetransmit поглощает ретрансмиссию INVITE, повторяя
// последний отправленный ответ
func (t *InviteTransaction) handleInviteRetransmit() error {
	switch t.State() {
	case transaction.StateProceeding, transaction.StateCompleted:
		return t.retransmitLastResponse(t)
	default:
		return nil
	}
}

// handleAck обрабатывает ACK на не-2xx финальный ответ
func (t *InviteTransaction) handleAck(ack *sip.Request) error {
	switch t.State() {
	case transaction.StateCompleted:
		t.tm.Stop(transaction.TimerG)
		t.tm.Stop(transaction.TimerH)
		t.changeState(t, transaction.StateConfirmed)
		t.notifyAck(t, ack)
		t.startTimerI()
		return nil
	case transaction.StateConfirmed:
		// Ретрансмиссия ACK поглощается
		return nil
	default:
		return transaction.NewError(t.key, "handle_ack", t.State(), transaction.ErrInvalidState)
	}
}

// startTimerI запускает поглощение ретрансмиссий ACK. Для надежного
// транспорта таймер нулевой и транзакция терминируется сразу.
func (t *InviteTransaction) startTimerI() {
	if t.timers.TimerI <= 0 {
		t.changeState(t, transaction.StateTerminated)
		return
	}
	t.tm.Start(transaction.TimerI, t.timers.TimerI, func() {
		t.changeState(t, transaction.StateTerminated)
	})
}

// Terminate принудительно завершает транзакцию
func (t *InviteTransaction) Terminate() {
	t.changeState(t, transaction.StateTerminated)
}
