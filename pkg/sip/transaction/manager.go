package transaction

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/sip_engine/pkg/sip/transport"
)

// waitPollInterval интервал фонового опроса в Wait* методах.
// Страхует от пропуска события при гонке подписки с публикацией.
const waitPollInterval = 25 * time.Millisecond

// Config конфигурация менеджера транзакций
type Config struct {
	// Timers значения таймеров. Нулевая структура означает DefaultTimers.
	Timers Timers

	// EventBufferSize размер буфера канала подписчика шины событий
	EventBufferSize int

	// CleanupInterval период фоновой чистки терминированных транзакций.
	// Ноль отключает фоновую чистку, остается только явный вызов
	// CleanupTerminatedTransactions.
	CleanupInterval time.Duration

	// Logger базовый логгер. Менеджер создает из него sublogger
	// с контекстом компонента.
	Logger zerolog.Logger
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Timers:          DefaultTimers(),
		EventBufferSize: DefaultEventBufferSize,
		CleanupInterval: 30 * time.Second,
		Logger:          zerolog.Nop(),
	}
}

// managerStats атомарные счетчики менеджера
type managerStats struct {
	clientTransactions     atomic.Uint64
	serverTransactions     atomic.Uint64
	completedTransactions  atomic.Uint64
	terminatedTransactions atomic.Uint64
	timedOutTransactions   atomic.Uint64

	requestsSent      atomic.Uint64
	requestsReceived  atomic.Uint64
	responsesSent     atomic.Uint64
	responsesReceived atomic.Uint64

	retransmissions   atomic.Uint64
	duplicateRequests atomic.Uint64
	orphanResponses   atomic.Uint64
	transportErrors   atomic.Uint64
	invalidMessages   atomic.Uint64
	cleanupSweeps     atomic.Uint64
	sweptTransactions atomic.Uint64
}

// Manager менеджер транзакций. Единая точка входа транзакционного уровня:
// владеет таблицей активных транзакций, принимает сообщения от транспорта,
// сопоставляет их транзакциям по RFC 3261 правилам и транслирует события
// жизненного цикла подписчикам через шину.
//
// Все методы безопасны для конкурентного вызова.
type Manager struct {
	store   *Store
	port    transport.Port
	creator Creator
	bus     *EventBus
	builder *MessageBuilder
	timers  Timers
	log     zerolog.Logger
	stats   managerStats

	closeOnce sync.Once
	closed    chan struct{}
}

// NewManager создает менеджер транзакций поверх транспортного порта.
// Менеджер сразу подписывается на входящие сообщения порта.
func NewManager(port transport.Port, creator Creator, cfg Config) *Manager {
	timers := cfg.Timers
	if timers.T1 == 0 {
		timers = DefaultTimers()
	}
	if port.IsReliable() {
		timers = timers.AdjustForReliableTransport()
	}

	log := cfg.Logger.With().Str("component", "transaction_manager").Logger()

	m := &Manager{
		store:   NewStore(),
		port:    port,
		creator: creator,
		bus:     NewEventBus(cfg.EventBufferSize, log),
		builder: NewMessageBuilder(),
		timers:  timers,
		log:     log,
		closed:  make(chan struct{}),
	}

	port.OnMessage(m.handleMessage)

	if cfg.CleanupInterval > 0 {
		go m.cleanupLoop(cfg.CleanupInterval)
	}
	return m
}

// Subscribe подписывает на события транзакционного уровня
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.bus.Subscribe()
}

// CreateClientTransaction создает клиентскую транзакцию для запроса.
//
// Запрос обязан нести Call-ID, CSeq и верхний Via с RFC 3261 branch.
// Транзакция регистрируется в таблице, но запрос НЕ отправляется:
// отправку запускает отдельный вызов SendRequest. Это позволяет TU
// подписаться на события до первого пакета в сети.
func (m *Manager) CreateClientTransaction(req *sip.Request, dest string) (Key, error) {
	if err := m.validateRequest(req); err != nil {
		m.stats.invalidMessages.Add(1)
		return Key{}, err
	}

	key, err := KeyFromMessage(req, true)
	if err != nil {
		m.stats.invalidMessages.Add(1)
		return Key{}, err
	}

	id := GenerateTransactionID()
	txLog := m.log.With().Str("tx", id).Str("key", key.String()).Logger()

	var tx Transaction
	if req.Method == sip.INVITE {
		tx = m.creator.ClientInvite(id, key, req, dest, m.port, m.timers, txLog)
	} else {
		tx = m.creator.ClientNonInvite(id, key, req, dest, m.port, m.timers, txLog)
	}
	m.wire(tx)

	if err := m.store.Add(tx); err != nil {
		return Key{}, NewError(key, "create", tx.State(), err)
	}
	m.stats.clientTransactions.Add(1)

	m.log.Debug().Str("key", key.String()).Str("dest", dest).Msg("client transaction created")
	return key, nil
}

// CreateServerTransaction создает серверную транзакцию для входящего
// запроса. Вызывается диспетчером входящих сообщений, но доступна и TU,
// получившему запрос в обход транспорта менеджера.
func (m *Manager) CreateServerTransaction(req *sip.Request, source string) (Key, error) {
	if err := m.validateRequest(req); err != nil {
		m.stats.invalidMessages.Add(1)
		return Key{}, err
	}
	if req.Method == sip.ACK {
		return Key{}, fmt.Errorf("%w: ACK does not create a transaction", ErrInvalidMessage)
	}

	key, err := KeyFromMessage(req, false)
	if err != nil {
		m.stats.invalidMessages.Add(1)
		return Key{}, err
	}

	id := GenerateTransactionID()
	txLog := m.log.With().Str("tx", id).Str("key", key.String()).Logger()

	var tx Transaction
	if req.Method == sip.INVITE {
		tx = m.creator.ServerInvite(id, key, req, source, m.port, m.timers, txLog)
	} else {
		tx = m.creator.ServerNonInvite(id, key, req, source, m.port, m.timers, txLog)
	}
	m.wire(tx)

	if err := m.store.Add(tx); err != nil {
		return Key{}, NewError(key, "create", tx.State(), err)
	}
	m.stats.serverTransactions.Add(1)

	m.log.Debug().Str("key", key.String()).Str("source", source).Msg("server transaction created")
	return key, nil
}

// SendRequest отправляет исходный запрос клиентской транзакции и
// запускает ее таймеры
func (m *Manager) SendRequest(key Key) error {
	tx, ok := m.store.Get(key)
	if !ok {
		return ErrTransactionNotFound
	}
	if !tx.IsClient() {
		return NewError(key, "send_request", tx.State(), ErrNotClientTransaction)
	}
	if err := tx.SendRequest(); err != nil {
		return err
	}
	m.stats.requestsSent.Add(1)
	return nil
}

// SendResponse отправляет ответ через серверную транзакцию
func (m *Manager) SendResponse(key Key, resp *sip.Response) error {
	tx, ok := m.store.Get(key)
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.IsClient() {
		return NewError(key, "send_response", tx.State(), ErrNotServerTransaction)
	}
	if err := tx.SendResponse(resp); err != nil {
		return err
	}
	m.stats.responsesSent.Add(1)
	return nil
}

// RetryRequest повторно отправляет исходный запрос клиентской транзакции
// по инициативе TU. Протокольные ретрансмиссии по таймерам A/E этим
// методом не управляются.
func (m *Manager) RetryRequest(key Key) error {
	tx, ok := m.store.Get(key)
	if !ok {
		return ErrTransactionNotFound
	}
	if !tx.IsClient() {
		return NewError(key, "retry", tx.State(), ErrNotClientTransaction)
	}
	if err := tx.Retry(); err != nil {
		return err
	}
	m.stats.requestsSent.Add(1)
	m.stats.retransmissions.Add(1)
	return nil
}

// CancelInviteTransaction строит и отправляет CANCEL для клиентской
// INVITE транзакции. Возвращает ключ новой CANCEL транзакции.
//
// RFC 3261 Section 9.1: CANCEL допустим только после получения
// предварительного ответа, в состоянии Calling вызов отклоняется.
func (m *Manager) CancelInviteTransaction(key Key) (Key, error) {
	tx, ok := m.store.Get(key)
	if !ok {
		return Key{}, ErrTransactionNotFound
	}
	if !tx.IsClient() || !tx.IsInvite() {
		return Key{}, NewError(key, "cancel", tx.State(), ErrNotClientTransaction)
	}
	if tx.State() != StateProceeding {
		return Key{}, NewError(key, "cancel", tx.State(), ErrInvalidState)
	}

	cancel, err := m.builder.BuildCANCEL(tx.Request())
	if err != nil {
		return Key{}, err
	}

	cancelKey, err := m.CreateClientTransaction(cancel, tx.RemoteAddr())
	if err != nil {
		return Key{}, err
	}
	if err := m.SendRequest(cancelKey); err != nil {
		return Key{}, err
	}
	return cancelKey, nil
}

// TerminateTransaction принудительно завершает транзакцию.
// Транзакция остается в таблице до ближайшей чистки, ее состояние
// доступно для запросов.
func (m *Manager) TerminateTransaction(key Key) error {
	tx, ok := m.store.Get(key)
	if !ok {
		return ErrTransactionNotFound
	}
	tx.Terminate()
	return nil
}

// CleanupTerminatedTransactions удаляет терминированные транзакции из
// таблицы и возвращает количество удаленных
func (m *Manager) CleanupTerminatedTransactions() int {
	removed := m.store.SweepTerminated()
	m.stats.cleanupSweeps.Add(1)
	m.stats.sweptTransactions.Add(uint64(removed))
	if removed > 0 {
		m.log.Debug().Int("removed", removed).Msg("terminated transactions swept")
	}
	return removed
}

// OriginalRequest возвращает исходный запрос транзакции
func (m *Manager) OriginalRequest(key Key) (*sip.Request, error) {
	tx, ok := m.store.Get(key)
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx.Request(), nil
}

// LastResponse возвращает последний ответ транзакции: последний
// полученный для клиентской, последний отправленный для серверной
func (m *Manager) LastResponse(key Key) (*sip.Response, error) {
	tx, ok := m.store.Get(key)
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx.LastResponse(), nil
}

// RemoteAddr возвращает адрес удаленной стороны транзакции
func (m *Manager) RemoteAddr(key Key) (string, error) {
	tx, ok := m.store.Get(key)
	if !ok {
		return "", ErrTransactionNotFound
	}
	return tx.RemoteAddr(), nil
}

// TransactionState возвращает текущее состояние транзакции
func (m *Manager) TransactionState(key Key) (State, error) {
	tx, ok := m.store.Get(key)
	if !ok {
		return StateTerminated, ErrTransactionNotFound
	}
	return tx.State(), nil
}

// HasTransaction проверяет наличие транзакции в таблице
func (m *Manager) HasTransaction(key Key) bool {
	_, ok := m.store.Get(key)
	return ok
}

// TransactionCount возвращает количество транзакций в таблице,
// включая терминированные до чистки
func (m *Manager) TransactionCount() int {
	return m.store.Count()
}

// FindRelatedTransactions возвращает ключи всех транзакций с данным
// Call-ID. Линейный проход по таблице: операция диагностическая и
// на горячем пути не используется.
func (m *Manager) FindRelatedTransactions(callID string) []Key {
	var keys []Key
	m.store.ForEach(func(tx Transaction) {
		req := tx.Request()
		if req == nil {
			return
		}
		if cid := req.CallID(); cid != nil && cid.Value() == callID {
			keys = append(keys, tx.Key())
		}
	})
	return keys
}

// WaitForTransactionState ждет перехода транзакции в состояние target.
// Возвращает false по таймауту, отмене контекста или отсутствию
// транзакции. Подписка на события дополняется фоновым опросом:
// событие могло быть опубликовано до оформления подписки.
func (m *Manager) WaitForTransactionState(ctx context.Context, key Key, target State, timeout time.Duration) bool {
	events, unsubscribe := m.bus.Subscribe()
	defer unsubscribe()

	check := func() (bool, bool) {
		tx, ok := m.store.Get(key)
		if !ok {
			return false, true
		}
		return tx.State() == target, false
	}

	if reached, missing := check(); reached {
		return true
	} else if missing {
		return false
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(waitPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			if ev.Key == key && ev.Kind == EventStateChanged && ev.NewState == target {
				return true
			}
		case <-poll.C:
			if reached, missing := check(); reached {
				return true
			} else if missing {
				return false
			}
		}
	}
}

// WaitForFinalResponse ждет финальный ответ клиентской транзакции.
// Возвращает nil по таймауту, отмене контекста или отсутствию транзакции.
func (m *Manager) WaitForFinalResponse(ctx context.Context, key Key, timeout time.Duration) *sip.Response {
	events, unsubscribe := m.bus.Subscribe()
	defer unsubscribe()

	check := func() (*sip.Response, bool) {
		tx, ok := m.store.Get(key)
		if !ok {
			return nil, true
		}
		if resp := tx.LastResponse(); resp != nil && resp.StatusCode >= 200 {
			return resp, false
		}
		return nil, false
	}

	if resp, missing := check(); resp != nil {
		return resp
	} else if missing {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(waitPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Key == key && ev.IsFinal() {
				return ev.Response
			}
		case <-poll.C:
			if resp, missing := check(); resp != nil {
				return resp
			} else if missing {
				return nil
			}
		}
	}
}

// Stats возвращает снимок статистики менеджера
func (m *Manager) Stats() Stats {
	return Stats{
		ClientTransactions:     m.stats.clientTransactions.Load(),
		ServerTransactions:     m.stats.serverTransactions.Load(),
		ActiveTransactions:     uint64(m.store.Count()),
		CompletedTransactions:  m.stats.completedTransactions.Load(),
		TerminatedTransactions: m.stats.terminatedTransactions.Load(),
		TimedOutTransactions:   m.stats.timedOutTransactions.Load(),
		RequestsSent:           m.stats.requestsSent.Load(),
		RequestsReceived:       m.stats.requestsReceived.Load(),
		ResponsesSent:          m.stats.responsesSent.Load(),
		ResponsesReceived:      m.stats.responsesReceived.Load(),
		Retransmissions:        m.stats.retransmissions.Load(),
		DuplicateRequests:      m.stats.duplicateRequests.Load(),
		OrphanResponses:        m.stats.orphanResponses.Load(),
		TransportErrors:        m.stats.transportErrors.Load(),
		InvalidMessages:        m.stats.invalidMessages.Load(),
		EventsDropped:          m.bus.Dropped(),
		CleanupSweeps:          m.stats.cleanupSweeps.Load(),
		SweptTransactions:      m.stats.sweptTransactions.Load(),
	}
}

// Close завершает все активные транзакции и закрывает шину событий.
// Транспортный порт менеджеру не принадлежит и не закрывается.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.store.Clear()
		m.bus.Close()
		m.log.Debug().Msg("transaction manager closed")
	})
}

// handleMessage диспетчер входящих сообщений от транспорта
func (m *Manager) handleMessage(msg sip.Message, addr string) {
	switch v := msg.(type) {
	case *sip.Request:
		m.stats.requestsReceived.Add(1)
		m.handleRequest(v, addr)
	case *sip.Response:
		m.stats.responsesReceived.Add(1)
		m.handleResponse(v)
	default:
		m.stats.invalidMessages.Add(1)
		m.log.Warn().Msg("unsupported message type from transport")
	}
}

// handleRequest сопоставляет входящий запрос серверной транзакции.
//
// Ретрансмиссия попадает в существующую транзакцию и поглощается ею.
// ACK и CANCEL ищут свою INVITE транзакцию по тому же branch. Новый
// запрос создает серверную транзакцию и публикуется для TU.
func (m *Manager) handleRequest(req *sip.Request, source string) {
	key, err := KeyFromMessage(req, false)
	if err != nil {
		m.stats.invalidMessages.Add(1)
		m.log.Warn().Err(err).Msg("dropping unmatched request")
		return
	}

	if tx, ok := m.store.Get(key); ok {
		m.stats.duplicateRequests.Add(1)
		if err := tx.HandleRequest(req); err != nil {
			m.log.Debug().Err(err).Str("key", key.String()).Msg("retransmission not absorbed")
		}
		return
	}

	switch req.Method {
	case sip.ACK:
		m.handleAck(req, key)
		return
	case sip.CANCEL:
		// CANCEL образует собственную non-INVITE транзакцию, но
		// адресован существующей INVITE транзакции с тем же branch
		if invTx, ok := m.store.Get(InviteKeyFor(key)); ok {
			cancelKey, err := m.CreateServerTransaction(req, source)
			if err != nil {
				m.log.Warn().Err(err).Msg("failed to create CANCEL transaction")
				return
			}
			m.bus.Publish(Event{Kind: EventRequestReceived, Key: cancelKey, Request: req})
			_ = invTx.HandleRequest(req)
			return
		}
		m.log.Debug().Str("key", key.String()).Msg("CANCEL without matching INVITE transaction")
	}

	newKey, err := m.CreateServerTransaction(req, source)
	if err != nil {
		m.log.Warn().Err(err).Str("method", string(req.Method)).Msg("failed to create server transaction")
		return
	}
	m.bus.Publish(Event{Kind: EventRequestReceived, Key: newKey, Request: req})
}

// handleAck направляет ACK в серверную INVITE транзакцию. ACK на 2xx
// транзакции не находит (она терминируется сразу после 2xx) и
// передается TU событием с пустым ключом.
func (m *Manager) handleAck(ack *sip.Request, key Key) {
	if invTx, ok := m.store.Get(InviteKeyFor(key)); ok && !invTx.IsTerminated() {
		if err := invTx.HandleRequest(ack); err != nil {
			m.log.Debug().Err(err).Str("key", key.String()).Msg("ACK not absorbed by INVITE transaction")
		}
		return
	}
	m.bus.Publish(Event{Kind: EventAckReceived, Request: ack})
}

// handleResponse сопоставляет входящий ответ клиентской транзакции.
// Ответ без транзакции (orphan) отбрасывается с записью в лог:
// вслепую передавать его TU нельзя.
func (m *Manager) handleResponse(resp *sip.Response) {
	key, err := MatchingKey(resp)
	if err != nil {
		m.stats.invalidMessages.Add(1)
		m.log.Warn().Err(err).Msg("dropping unmatched response")
		return
	}

	tx, ok := m.store.Get(key)
	if !ok {
		m.stats.orphanResponses.Add(1)
		m.log.Debug().Str("key", key.String()).Int("status", resp.StatusCode).Msg("orphan response dropped")
		return
	}

	if err := tx.HandleResponse(resp); err != nil {
		m.log.Debug().Err(err).Str("key", key.String()).Msg("response rejected by transaction")
	}
}

// wire подключает обработчики транзакции к шине событий и статистике
func (m *Manager) wire(tx Transaction) {
	tx.OnStateChange(func(t Transaction, oldState, newState State) {
		m.bus.Publish(Event{
			Kind:      EventStateChanged,
			Key:       t.Key(),
			PrevState: oldState,
			NewState:  newState,
		})
		switch newState {
		case StateCompleted:
			m.stats.completedTransactions.Add(1)
		case StateTerminated:
			m.stats.terminatedTransactions.Add(1)
			m.bus.Publish(Event{
				Kind:      EventTransactionTerminated,
				Key:       t.Key(),
				PrevState: oldState,
				NewState:  newState,
			})
		}
	})

	tx.OnResponse(func(t Transaction, resp *sip.Response) {
		kind := EventProvisionalResponse
		switch {
		case resp.StatusCode >= 300:
			kind = EventFailureResponse
		case resp.StatusCode >= 200:
			kind = EventSuccessResponse
		}
		m.bus.Publish(Event{Kind: kind, Key: t.Key(), Response: resp})
	})

	tx.OnTimeout(func(t Transaction, timer TimerID) {
		m.stats.timedOutTransactions.Add(1)
		m.bus.Publish(Event{Kind: EventTimeout, Key: t.Key(), Timer: timer})
	})

	tx.OnTransportError(func(t Transaction, err error) {
		m.stats.transportErrors.Add(1)
		m.bus.Publish(Event{Kind: EventTransportError, Key: t.Key(), Err: err})
	})

	tx.OnAck(func(t Transaction, ack *sip.Request) {
		m.bus.Publish(Event{Kind: EventAckReceived, Key: t.Key(), Request: ack})
	})
}

// validateRequest проверяет обязательные заголовки запроса
func (m *Manager) validateRequest(req *sip.Request) error {
	if req.CallID() == nil {
		return fmt.Errorf("%w: missing Call-ID header", ErrInvalidMessage)
	}
	if req.CSeq() == nil {
		return fmt.Errorf("%w: missing CSeq header", ErrInvalidMessage)
	}
	via := req.Via()
	if via == nil {
		return fmt.Errorf("%w: missing Via header", ErrInvalidMessage)
	}
	if branch, ok := via.Params.Get("branch"); !ok || branch == "" {
		return fmt.Errorf("%w: missing branch parameter in Via header", ErrInvalidMessage)
	}
	return nil
}

// cleanupLoop фоновая чистка терминированных транзакций
func (m *Manager) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closed:
			return
		case <-ticker.C:
			m.CleanupTerminatedTransactions()
		}
	}
}
