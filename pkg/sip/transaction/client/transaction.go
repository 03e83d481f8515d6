// Package client реализует клиентские транзакции RFC 3261 Section 17.1:
// INVITE (конечный автомат Calling -> Proceeding -> Completed -> Terminated)
// и non-INVITE (Trying -> Proceeding -> Completed -> Terminated).
package client

import (
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/sip_engine/pkg/sip/transaction"
	"github.com/arzzra/sip_engine/pkg/sip/transport"
)

// baseTransaction общая часть клиентских транзакций: идентификация,
// состояние, обработчики, таймеры и отправка через транспортный порт.
//
// КРИТИЧНО: обработчики вызываются без удержания мьютекса. Перед вызовом
// срез обработчиков копируется, иначе обработчик, обращающийся к
// транзакции, взял бы блокировку повторно.
type baseTransaction struct {
	id      string
	key     transaction.Key
	request *sip.Request
	dest    string
	port    transport.Port
	timers  transaction.Timers
	tm      *transaction.TimerManager
	log     zerolog.Logger

	mu           sync.RWMutex
	state        transaction.State
	lastResponse *sip.Response
	started      bool

	stateHandlers     []transaction.StateChangeHandler
	responseHandlers  []transaction.ResponseHandler
	timeoutHandlers   []transaction.TimeoutHandler
	transportHandlers []transaction.TransportErrorHandler
}

func newBase(id string, key transaction.Key, req *sip.Request, dest string, port transport.Port, timers transaction.Timers, initial transaction.State, log zerolog.Logger) baseTransaction {
	return baseTransaction{
		id:      id,
		key:     key,
		request: req,
		dest:    dest,
		port:    port,
		timers:  timers,
		tm:      transaction.NewTimerManager(),
		log:     log,
		state:   initial,
	}
}

func (t *baseTransaction) ID() string           { return t.id }
func (t *baseTransaction) Key() transaction.Key { return t.key }
func (t *baseTransaction) IsClient() bool       { return true }

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

func (t *baseTransaction) RemoteAddr() string { return t.dest }

// SendResponse клиентская транзакция ответы не отправляет
func (t *baseTransaction) SendResponse(_ *sip.Response) error {
	return transaction.ErrNotServerTransaction
}

// HandleRequest клиентская транзакция запросы не принимает
func (t *baseTransaction) HandleRequest(_ *sip.Request) error {
	return transaction.ErrNotServerTransaction
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

// OnAck у клиентской транзакции ACK события не возникают,
// регистрация принимается и игнорируется
func (t *baseTransaction) OnAck(_ transaction.AckHandler) {}

// changeState переводит транзакцию в новое состояние и уведомляет
// обработчиков. Переход в Terminated останавливает все таймеры.
// self передается, чтобы обработчики получили конкретную транзакцию,
// а не встроенную базу.
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
		Msg("client transaction state change")

	for _, handler := range handlers {
		handler(self, oldState, newState)
	}
}

// storeResponse сохраняет ответ и уведомляет обработчиков
func (t *baseTransaction) storeResponse(self transaction.Transaction, resp *sip.Response) {
	t.mu.Lock()
	t.lastResponse = resp
	handlers := make([]transaction.ResponseHandler, len(t.responseHandlers))
	copy(handlers, t.responseHandlers)
	t.mu.Unlock()

	for _, handler := range handlers {
		handler(self, resp)
	}
}

// notifyTimeout уведомляет о срабатывании таймера таймаута
func (t *baseTransaction) notifyTimeout(self transaction.Transaction, timer transaction.TimerID) {
	t.mu.RLock()
	handlers := make([]transaction.TimeoutHandler, len(t.timeoutHandlers))
	copy(handlers, t.timeoutHandlers)
	t.mu.RUnlock()

	t.log.Debug().Str("timer", string(timer)).Msg("client transaction timeout")
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

	t.log.Warn().Err(err).Msg("client transaction transport error")
	for _, handler := range handlers {
		handler(self, err)
	}
}

// send отправляет сообщение в транспорт. Транспортная ошибка немедленно
// терминирует транзакцию (RFC 3261 17.1.4).
func (t *baseTransaction) send(self transaction.Transaction, msg sip.Message) error {
	if err := t.port.Send(msg, t.dest); err != nil {
		t.notifyTransportError(self, err)
		t.changeState(self, transaction.StateTerminated)
		return transaction.NewError(t.key, "send", t.State(), transaction.ErrTransportFailure)
	}
	return nil
}

// markStarted помечает транзакцию запущенной. Возвращает false,
// если запрос уже был отправлен.
func (t *baseTransaction) markStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return false
	}
	t.started = true
	return true
}
