// Package server реализует серверные транзакции RFC 3261 Section 17.2:
// INVITE (Proceeding -> Completed -> Confirmed -> Terminated)
// и non-INVITE (Trying -> Proceeding -> Completed -> Terminated).
package server

import (
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
	"github.com/arzzra/sip_engine/pkg/sip/transport"
)

// baseTransaction общая часть серверных транзакций.
//
// КРИТИЧНО: обработчики вызываются без удержания мьютекса, срезы
// копируются перед вызовом.
type baseTransaction struct {
	id      string
	key     transaction.Key
	request *sip.Request
	source  string
	port    transport.Port
	timers  transaction.Timers
	tm      *transaction.TimerManager
	log     zerolog.Logger

	mu           sync.RWMutex
	state        transaction.State
	lastResponse *sip.Response

	stateHandlers     []transaction.StateChangeHandler
	responseHandlers  []transaction.ResponseHandler
	timeoutHandlers   []transaction.TimeoutHandler
	transportHandlers []transaction.TransportErrorHandler
	ackHandlers       []transaction.AckHandler
}

func newBase(id string, key transaction.Key, req *sip.Request, source string, port transport.Port, timers transaction.Timers, initial transaction.State, log zerolog.Logger) baseTransaction {
	return baseTransaction{
		id:      id,
		key:     key,
		request: req,
		source:  source,
		port:    port,
		timers:  timers,
		tm:      transaction.NewTimerManager(),
		log:     log,
		state:   initial,
	}
}

func (t *baseTransaction) ID() string           { return t.id }
func (t *baseTransaction) Key() transaction.Key { return t.key }
func (t *baseTransaction) IsClient() bool       { return false }

func (t *baseTransaction) State() transaction.State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *baseTransaction) IsTerminated() bool {
	return t.State() == transaction.StateTerminated
}

func (t *baseTransaction) Request() *sip.Request { return t.request }

func (t *baseTransaction) LastResponse() *sip.Response {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastResponse
}

func (t *baseTransaction) RemoteAddr() string { return t.source }

// SendRequest серверная транзакция запросы не отправляет
func (t *baseTransaction) SendRequest() error {
	return transaction.ErrNotClientTransaction
}

// Retry применим только к клиентской транзакции
func (t *baseTransaction) Retry() error {
	return transaction.ErrNotClientTransaction
}

// HandleResponse серверная транзакция ответы не принимает
func (t *baseTransaction) HandleResponse(_ *sip.Response) error {
	return transaction.ErrNotClientTransaction
}

func (t *baseTransaction) OnStateChange(handler transaction.StateChangeHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandlers = append(t.stateHandlers, handler)
}

func (t *baseTransaction) OnResponse(handler transaction.ResponseHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responseHandlers = append(t.responseHandlers, handler)
}

func (t *baseTransaction) OnTimeout(handler transaction.TimeoutHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeoutHandlers = append(t.timeoutHandlers, handler)
}

func (t *baseTransaction) OnTransportError(handler transaction.TransportErrorHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transportHandlers = append(t.transportHandlers, handler)
}

func (t *baseTransaction) OnAck(handler transaction.AckHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ackHandlers = append(t.ackHandlers, handler)
}

// changeState переводит транзакцию в новое состояние и уведомляет
// обработчиков. Переход в Terminated останавливает все таймеры.
func (t *baseTransaction) changeState(self transaction.Transaction, newState transaction.State) {
	t.mu.Lock()
	oldState := t.state
	if oldState == newState || oldState == transaction.StateTerminated {
		t.mu.Unlock()
		return
	}
	t.state = newState
	handlers := make([]transaction.StateChangeHandler, len(t.stateHandlers))
	copy(handlers, t.stateHandlers)
	t.mu.Unlock()

	if newState == transaction.StateTerminated {
		t.tm.StopAll()
	}

	t.log.Debug().
		Str("old", oldState.String()).
		Str("new", newState.String()).
		Msg("server transaction state change")

	for _, handler := range handlers {
		handler(self, oldState, newState)
	}
}

// storeResponse сохраняет отправленный ответ
func (t *baseTransaction) storeResponse(resp *sip.Response) {
	t.mu.Lock()
	t.lastResponse = resp
	t.mu.Unlock()
}

// notifyTimeout уведомляет о срабатывании таймера таймаута
func (t *baseTransaction) notifyTimeout(self transaction.Transaction, timer transaction.TimerID) {
	t.mu.RLock()
	handlers := make([]transaction.TimeoutHandler, len(t.timeoutHandlers))
	copy(handlers, t.timeoutHandlers)
	t.mu.RUnlock()

	t.log.Debug().Str("timer", string(timer)).Msg("server transaction timeout")
	for _, handler := range handlers {
		handler(self, timer)
	}
}

// notifyTransportError уведомляет о транспортной ошибке
func (t *baseTransaction) notifyTransportError(self transaction.Transaction, err error) {
	t.mu.RLock()
	handlers := make([]transaction.TransportErrorHandler, len(t.transportHandlers))
	copy(handlers, t.transportHandlers)
	t.mu.RUnlock()

	t.log.Warn().Err(err).Msg("server transaction transport error")
	for _, handler := range handlers {
		handler(self, err)
	}
}

// notifyAck уведомляет о принятом ACK
func (t *baseTransaction) notifyAck(self transaction.Transaction, ack *sip.Request) {
	t.mu.RLock()
	handlers := make([]transaction.AckHandler, len(t.ackHandlers))
	copy(handlers, t.ackHandlers)
	t.mu.RUnlock()

	for _, handler := range handlers {
		handler(self, ack)
	}
}

// send отправляет сообщение источнику запроса. Транспортная ошибка
// немедленно терминирует транзакцию (RFC 3261 17.2.4).
func (t *baseTransaction) send(self transaction.Transaction, msg sip.Message) error {
	if err := t.port.Send(msg, t.source); err != nil {
		t.notifyTransportError(self, err)
		t.changeState(self, transaction.StateTerminated)
		return transaction.NewError(t.key, "send", t.State(), transaction.ErrTransportFailure)
	}
	return nil
}

// retransmitLastResponse повторяет последний отправленный ответ,
// если он есть
func (t *baseTransaction) retransmitLastResponse(self transaction.Transaction) error {
	resp := t.LastResponse()
	if resp == nil {
		return nil
	}
	return t.send(self, resp)
}
