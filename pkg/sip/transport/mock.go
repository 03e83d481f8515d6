package transport

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

// MockPort реализует Port поверх in-memory реестра без сетевых сокетов.
// Используется в тестах транзакционного и диалогового уровней: пара
// портов, созданных через NewMockPair, доставляет сообщения друг другу
// синхронно, что делает сценарии ретрансмиссий детерминированными.
type MockPort struct {
	mu       sync.RWMutex
	addr     string
	peer     *MockPort
	handlers []MessageHandler
	reliable bool
	closed   bool

	// Перехват исходящих сообщений для проверок в тестах
	sent []sentMessage

	// SendErr подменяет результат Send для симуляции транспортных сбоев
	SendErr error
}

type sentMessage struct {
	msg  sip.Message
	addr string
}

// NewMockPort создает одиночный мок-порт с заданным локальным адресом.
func NewMockPort(addr string, reliable bool) *MockPort {
	return &MockPort{addr: addr, reliable: reliable}
}

// NewMockPair создает два связанных порта: сообщение, отправленное через
// один, доставляется обработчикам другого.
func NewMockPair(addrA, addrB string, reliable bool) (*MockPort, *MockPort) {
	a := NewMockPort(addrA, reliable)
	b := NewMockPort(addrB, reliable)
	a.peer = b
	b.peer = a
	return a, b
}

// Send записывает сообщение в журнал отправленных и доставляет его peer.
func (m *MockPort) Send(msg sip.Message, addr string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.SendErr != nil {
		err := m.SendErr
		m.mu.Unlock()
		return err
	}
	m.sent = append(m.sent, sentMessage{msg: msg, addr: addr})
	peer := m.peer
	local := m.addr
	m.mu.Unlock()

	if peer != nil {
		peer.Deliver(msg, local)
	}
	return nil
}

// OnMessage регистрирует обработчик входящих сообщений.
func (m *MockPort) OnMessage(handler MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// IsReliable возвращает признак надежного транспорта.
func (m *MockPort) IsReliable() bool {
	return m.reliable
}

// Close закрывает порт. Дальнейшие Send возвращают ErrClosed.
func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Deliver имитирует получение сообщения от удаленной стороны.
func (m *MockPort) Deliver(msg sip.Message, from string) {
	m.mu.RLock()
	handlers := make([]MessageHandler, len(m.handlers))
	copy(handlers, m.handlers)
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return
	}
	for _, h := range handlers {
		h(msg, from)
	}
}

// SentCount возвращает количество отправленных сообщений.
func (m *MockPort) SentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sent)
}

// LastSent возвращает последнее отправленное сообщение и адрес назначения.
func (m *MockPort) LastSent() (sip.Message, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.sent) == 0 {
		return nil, "", false
	}
	last := m.sent[len(m.sent)-1]
	return last.msg, last.addr, true
}

// SentMessages возвращает копию журнала отправленных сообщений.
func (m *MockPort) SentMessages() []sip.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := make([]sip.Message, len(m.sent))
	for i, s := range m.sent {
		msgs[i] = s.msg
	}
	return msgs
}

// LocalAddr возвращает локальный адрес порта.
func (m *MockPort) LocalAddr() string {
	return m.addr
}

var _ Port = (*MockPort)(nil)
