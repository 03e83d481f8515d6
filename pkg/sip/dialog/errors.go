package dialog

import (
	"errors"
	"fmt"
)

var (
	// ErrDialogNotFound диалог не найден
	ErrDialogNotFound = errors.New("dialog not found")

	// ErrDialogExists диалог с таким идентификатором уже существует
	ErrDialogExists = errors.New("dialog already exists")

	// ErrInvalidTransition недопустимый переход состояния
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrMissingCallID запрос без Call-ID заголовка
	ErrMissingCallID = errors.New("request missing Call-ID header")

	// ErrNotInvite операция применима только к INVITE запросу
	ErrNotInvite = errors.New("request method must be INVITE")

	// ErrStaleCSeq номер CSeq не выше последнего принятого.
	// Ретрансмиссии поглощает транзакционный уровень, сюда доходят
	// только нарушения порядка.
	ErrStaleCSeq = errors.New("CSeq not greater than last seen")

	// ErrDialogLimitExceeded достигнут предел количества диалогов
	ErrDialogLimitExceeded = errors.New("dialog limit exceeded")

	// ErrManagerClosed менеджер диалогов остановлен
	ErrManagerClosed = errors.New("dialog manager closed")
)

// TransitionError ошибка недопустимого перехода состояния диалога.
// Текст называет оба состояния: он попадает в ответы протокольного
// уровня и логи, по нему диагностируются рассинхронизации.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("Invalid state transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
