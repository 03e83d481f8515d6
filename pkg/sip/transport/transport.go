// Package transport определяет границу транспортного уровня для SIP ядра.
//
// Само ядро (транзакции и диалоги) не реализует проводной транспорт:
// ему нужна только возможность отправить сообщение по адресу и поток
// входящих сообщений. Конкретные реализации (UDP/TCP/TLS) подключаются
// снаружи через интерфейс Port.
package transport

import (
	"errors"

	"github.com/emiago/sipgo/sip"
)

// ErrClosed возвращается при отправке через закрытый транспорт.
var ErrClosed = errors.New("transport closed")

// MessageHandler вызывается для каждого входящего сообщения.
// addr содержит адрес источника в формате host:port.
type MessageHandler func(msg sip.Message, addr string)

// Port представляет асинхронный транспортный порт для SIP сообщений.
//
// Send не должен блокироваться дольше, чем требуется для записи в сокет.
// Ошибка Send фатальна для транзакции, которая её вызвала, но не для
// менеджера в целом.
type Port interface {
	// Send сериализует и отправляет сообщение по адресу host:port.
	Send(msg sip.Message, addr string) error

	// OnMessage регистрирует обработчик входящих сообщений.
	// Обработчики вызываются последовательно в порядке регистрации.
	OnMessage(handler MessageHandler)

	// IsReliable возвращает true для транспорта с гарантией доставки
	// (TCP/TLS). Для надежного транспорта ретрансмиссионные таймеры
	// транзакций отключаются.
	IsReliable() bool

	// Close освобождает ресурсы транспорта.
	Close() error
}
