// Package dialog реализует диалоговый уровень RFC 3261 Section 12:
// идентификацию диалогов по Call-ID и тегам, конечный автомат состояний,
// учет CSeq и route set, а также менеджер с двунаправленным поиском.
package dialog

// State состояние диалога
type State int

const (
	// StateInitial диалог создан, но ни раннего, ни подтвержденного
	// состояния еще нет
	StateInitial State = iota

	// StateEarly ранний диалог: получен предварительный ответ с тегом
	StateEarly

	// StateConfirmed подтвержденный диалог: получен финальный 2xx ответ
	StateConfirmed

	// StateRecovering диалог восстанавливается из снимка после сбоя
	StateRecovering

	// StateTerminated диалог завершен
	StateTerminated
)

// String возвращает строковое представление состояния
func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateEarly:
		return "Early"
	case StateConfirmed:
		return "Confirmed"
	case StateRecovering:
		return "Recovering"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fsmName имя состояния внутри конечного автомата
func (s State) fsmName() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateEarly:
		return "early"
	case StateConfirmed:
		return "confirmed"
	case StateRecovering:
		return "recovering"
	case StateTerminated:
		return "terminated"
	default:
		return "initial"
	}
}

// stateFromFSMName обратное преобразование имени состояния автомата
func stateFromFSMName(name string) State {
	switch name {
	case "initial":
		return StateInitial
	case "early":
		return StateEarly
	case "confirmed":
		return StateConfirmed
	case "recovering":
		return StateRecovering
	case "terminated":
		return StateTerminated
	default:
		return StateInitial
	}
}

// ValidTransition проверяет допустимость перехода между состояниями.
//
// Initial и Recovering допускают переход в любое состояние: из них
// диалог только собирается. Early не возвращается назад, Confirmed
// может только завершиться, Terminated терминален. Переход в то же
// состояние всегда допустим и трактуется как no-op.
func ValidTransition(from, to State) bool {
	if from == to {
		return true
	}
	switch from {
	case StateInitial, StateRecovering:
		return true
	case StateEarly:
		return to == StateConfirmed || to == StateTerminated
	case StateConfirmed:
		return to == StateTerminated
	case StateTerminated:
		return false
	default:
		return false
	}
}
