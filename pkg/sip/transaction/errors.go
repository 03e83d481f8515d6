package transaction

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage возвращается для сообщений без обязательных
	// заголовков (Via с branch, CSeq, Call-ID)
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInvalidState операция недопустима в текущем состоянии
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrTransactionNotFound транзакция не найдена по ключу.
	// Трактуется как "уже завершена": повторять операцию вслепую нельзя.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrTransactionExists транзакция с таким ключом уже существует
	ErrTransactionExists = errors.New("transaction already exists")

	// ErrTerminated операция над терминированной транзакцией
	ErrTerminated = errors.New("transaction terminated")

	// ErrTransportFailure транспортная ошибка при отправке
	ErrTransportFailure = errors.New("transport failure")

	// ErrNotClientTransaction операция применима только к клиентской транзакции
	ErrNotClientTransaction = errors.New("not a client transaction")

	// ErrNotServerTransaction операция применима только к серверной транзакции
	ErrNotServerTransaction = errors.New("not a server transaction")
)

// Error ошибка операции над транзакцией с контекстом
type Error struct {
	Key   Key
	Op    string
	State State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transaction %s in state %s: %s: %v", e.Key, e.State, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError создает ошибку транзакции
func NewError(key Key, op string, state State, err error) error {
	return &Error{Key: key, Op: op, State: state, Err: err}
}
