package transaction

import (
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/sip_engine/pkg/sip/transport"
)

// Transaction общий интерфейс клиентской и серверной транзакции.
//
// Конкретные реализации живут в подпакетах client и server (INVITE и
// non-INVITE варианты с общей базой). Менеджер работает только через
// этот интерфейс и не заглядывает внутрь конечных автоматов.
type Transaction interface {
	// Идентификация
	ID() string
	Key() Key
	IsClient() bool
	IsInvite() bool

	// Состояние
	State() State
	IsTerminated() bool

	// Сообщения
	Request() *sip.Request
	LastResponse() *sip.Response

	// RemoteAddr адрес удаленной стороны: назначение для клиентской
	// транзакции, источник запроса для серверной
	RemoteAddr() string

	// SendRequest отправляет исходный запрос и запускает таймеры
	// (только клиентская транзакция)
	SendRequest() error

	// Retry повторно отправляет исходный запрос по решению TU.
	// Не связан с протокольными ретрансмиссиями по таймерам.
	Retry() error

	// SendResponse отправляет ответ (только серверная транзакция)
	SendResponse(resp *sip.Response) error

	// HandleRequest обрабатывает входящий запрос: ретрансмиссию,
	// ACK или CANCEL (только серверная транзакция)
	HandleRequest(req *sip.Request) error

	// HandleResponse обрабатывает входящий ответ
	// (только клиентская транзакция)
	HandleResponse(resp *sip.Response) error

	// Terminate принудительно завершает транзакцию и останавливает
	// все таймеры. Идемпотентна.
	Terminate()

	// Подписки на события жизненного цикла
	OnStateChange(handler StateChangeHandler)
	OnResponse(handler ResponseHandler)
	OnTimeout(handler TimeoutHandler)
	OnTransportError(handler TransportErrorHandler)
	OnAck(handler AckHandler)
}

// Creator фабрика конкретных транзакций.
//
// Разрывает циклическую зависимость между этим пакетом и пакетами
// client/server: менеджер получает готовую фабрику из пакета creator.
type Creator interface {
	ClientInvite(id string, key Key, req *sip.Request, dest string, port transport.Port, timers Timers, log zerolog.Logger) Transaction
	ClientNonInvite(id string, key Key, req *sip.Request, dest string, port transport.Port, timers Timers, log zerolog.Logger) Transaction
	ServerInvite(id string, key Key, req *sip.Request, source string, port transport.Port, timers Timers, log zerolog.Logger) Transaction
	ServerNonInvite(id string, key Key, req *sip.Request, source string, port transport.Port, timers Timers, log zerolog.Logger) Transaction
}
