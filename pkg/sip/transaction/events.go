package transaction

import (
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

// EventKind тип события транзакционного уровня
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventProvisionalResponse
	EventSuccessResponse
	EventFailureResponse
	EventTransactionTerminated
	EventTransportError
	EventAckReceived
	EventTimeout
	EventRequestReceived
)

// String возвращает строковое представление типа события
func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "StateChanged"
	case EventProvisionalResponse:
		return "ProvisionalResponse"
	case EventSuccessResponse:
		return "SuccessResponse"
	case EventFailureResponse:
		return "FailureResponse"
	case EventTransactionTerminated:
		return "TransactionTerminated"
	case EventTransportError:
		return "TransportError"
	case EventAckReceived:
		return "AckReceived"
	case EventTimeout:
		return "Timeout"
	case EventRequestReceived:
		return "RequestReceived"
	default:
		return "Unknown"
	}
}

// Event событие транзакционного уровня, доставляемое подписчикам (TU,
// диалоговый уровень, метрики). Заполненность полей зависит от Kind:
// ответы несут Response, транспортные сбои Err, смена состояния
// PrevState/NewState.
type Event struct {
	Kind      EventKind
	Key       Key
	PrevState State
	NewState  State
	Response  *sip.Response
	Request   *sip.Request
	Timer     TimerID
	Err       error
}

// IsFinal возвращает true для событий финальных ответов
func (e Event) IsFinal() bool {
	return e.Kind == EventSuccessResponse || e.Kind == EventFailureResponse
}

// EventBus широковещательная шина событий транзакций.
//
// Каждый подписчик получает собственный буферизованный канал. Публикация
// никогда не блокируется: если буфер подписчика заполнен, событие для
// него отбрасывается и учитывается в счетчике потерь. Медленный
// подписчик не задерживает остальных.
type EventBus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]chan Event
	bufSize int
	dropped atomic.Uint64
	closed  bool
	log     zerolog.Logger
}

// DefaultEventBufferSize размер буфера подписчика по умолчанию
const DefaultEventBufferSize = 128

// NewEventBus создает шину с заданным размером буфера подписчика
func NewEventBus(bufSize int, log zerolog.Logger) *EventBus {
	if bufSize <= 0 {
		bufSize = DefaultEventBufferSize
	}
	return &EventBus{
		subs:    make(map[uint64]chan Event),
		bufSize: bufSize,
		log:     log,
	}
}

// Subscribe регистрирует нового подписчика. Возвращенная функция
// отписывает его и закрывает канал.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan Event, b.bufSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Publish рассылает событие всем подписчикам без блокировки
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.log.Warn().
				Str("key", ev.Key.String()).
				Str("kind", ev.Kind.String()).
				Msg("event dropped: slow subscriber")
		}
	}
}

// Dropped возвращает количество отброшенных событий
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount возвращает количество активных подписчиков
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close закрывает шину и каналы всех подписчиков
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
