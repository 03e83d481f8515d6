package transaction

import (
	"github.com/emiago/sipgo/sip"
)

// State состояние транзакции согласно RFC 3261 Section 17
type State int

const (
	// Клиентские состояния
	StateCalling State = iota
	StateProceeding
	StateCompleted
	StateTerminated

	// Серверные состояния
	StateTrying
	StateConfirmed
)

// String возвращает строковое представление состояния
func (s State) String() string {
	switch s {
	case StateCalling:
		return "Calling"
	case StateProceeding:
		return "Proceeding"
	case StateCompleted:
		return "Completed"
	case StateTerminated:
		return "Terminated"
	case StateTrying:
		return "Trying"
	case StateConfirmed:
		return "Confirmed"
	default:
		return "Unknown"
	}
}

// Key уникальный ключ транзакции.
//
// RFC 3261 Section 17.1.3/17.2.3: транзакция идентифицируется branch
// параметром Via заголовка, методом из CSeq и ролью (клиент/сервер).
// Ключ неизменяем после создания и используется как ключ таблицы.
type Key struct {
	Branch   string            // branch параметр Via
	Method   sip.RequestMethod // метод из CSeq
	IsClient bool              // true = клиентская транзакция
}

// String возвращает строковое представление ключа
func (k Key) String() string {
	role := "server"
	if k.IsClient {
		role = "client"
	}
	return k.Branch + "|" + string(k.Method) + "|" + role
}

// IsZero возвращает true для пустого ключа
func (k Key) IsZero() bool {
	return k.Branch == "" && k.Method == ""
}

// Обработчики событий транзакции
type (
	StateChangeHandler    func(tx Transaction, oldState, newState State)
	ResponseHandler       func(tx Transaction, resp *sip.Response)
	TimeoutHandler        func(tx Transaction, timer TimerID)
	TransportErrorHandler func(tx Transaction, err error)
	AckHandler            func(tx Transaction, ack *sip.Request)
)

// Stats статистика менеджера транзакций
type Stats struct {
	ClientTransactions     uint64
	ServerTransactions     uint64
	ActiveTransactions     uint64
	CompletedTransactions  uint64
	TerminatedTransactions uint64
	TimedOutTransactions   uint64

	RequestsSent      uint64
	RequestsReceived  uint64
	ResponsesSent     uint64
	ResponsesReceived uint64

	Retransmissions   uint64
	DuplicateRequests uint64
	OrphanResponses   uint64
	TransportErrors   uint64
	InvalidMessages   uint64
	EventsDropped     uint64
	CleanupSweeps     uint64
	SweptTransactions uint64
}
