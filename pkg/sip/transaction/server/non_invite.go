package server

import (
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
	"github.com/arzzra/sip_engine/pkg/sip/transport"
)

// NonInviteTransaction серверная non-INVITE транзакция (RFC 3261 17.2.2).
//
// Начальное состояние Trying. Предварительный ответ переводит в
// Proceeding, финальный в Completed, где таймер J поглощает
// ретрансмиссии запроса. Ретрансмиссии финального ответа здесь не
// нужны: ответ повторяется только в ответ на ретрансмиссию запроса.
type NonInviteTransaction struct {
	baseTransaction
}

// NewNonInvite создает серверную non-INVITE транзакцию в состоянии Trying
func NewNonInvite(id string, key transaction.Key, req *sip.Request, source string, port transport.Port, timers transaction.Timers, log zerolog.Logger) *NonInviteTransaction {
	return &NonInviteTransaction{
		baseTransaction: newBase(id, key, req, source, port, timers, transaction.StateTrying, log),
	}
}

func (t *NonInviteTransaction) IsInvite() bool { return false }

// SendResponse отправляет ответ согласно конечному автомату
func (t *NonInviteTransaction) SendResponse(resp *sip.Response) error {
	state := t.State()
	switch state {
	case transaction.StateTrying, transaction.StateProceeding:
		if err := t.send(t, resp); err != nil {
			return err
		}
		t.storeResponse(resp)
		if resp.StatusCode < 200 {
			t.changeState(t, transaction.StateProceeding)
			return nil
		}
		t.changeState(t, transaction.StateCompleted)
		t.startTimerJ()
		return nil

	case transaction.StateTerminated:
		return transaction.NewError(t.key, "send_response", state, transaction.ErrTerminated)

	default:
		return transaction.NewError(t.key, "send_response", state, transaction.ErrInvalidState)
	}
}

// HandleRequest поглощает ретрансмиссию запроса. В Trying ответа еще
// нет и ретрансмиссия молча отбрасывается, в Proceeding и Completed
// повторяется последний ответ (RFC 3261 17.2.2).
func (t *NonInviteTransaction) HandleRequest(req *sip.Request) error {
	if req.Method != t.request.Method {
		return transaction.NewError(t.key, "handle_request", t.State(), transaction.ErrInvalidMessage)
	}
	switch t.State() {
	case transaction.StateTrying:
		return nil
	case transaction.StateProceeding, transaction.StateCompleted:
		return t.retransmitLastResponse(t)
	default:
		return nil
	}
}

// startTimerJ запускает поглощение ретрансмиссий запроса. Для надежного
// транспорта таймер нулевой и транзакция терминируется сразу.
func (t *NonInviteTransaction) startTimerJ() {
	if t.timers.TimerJ <= 0 {
		t.changeState(t, transaction.StateTerminated)
		return
	}
	t.tm.Start(transaction.TimerJ, t.timers.TimerJ, func() {
		t.changeState(t, transaction.StateTerminated)
	})
}

// Terminate принудительно завершает транзакцию
func (t *NonInviteTransaction) Terminate() {
	t.changeState(t, transaction.StateTerminated)
}
