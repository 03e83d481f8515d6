package dialog

// SessionEventKind тип события координации сессий
type SessionEventKind int

const (
	// DialogCreated новый диалог зарегистрирован в менеджере
	DialogCreated SessionEventKind = iota

	// DialogStateChanged диалог сменил состояние
	DialogStateChanged

	// DialogTerminated диалог завершен
	DialogTerminated
)

// String возвращает строковое представление типа события
func (k SessionEventKind) String() string {
	switch k {
	case DialogCreated:
		return "DialogCreated"
	case DialogStateChanged:
		return "DialogStateChanged"
	case DialogTerminated:
		return "DialogTerminated"
	default:
		return "Unknown"
	}
}

// SessionCoordinationEvent событие жизненного цикла диалога для
// сессионного уровня (управление медиа, биллинг, мониторинг).
type SessionCoordinationEvent struct {
	Kind      SessionEventKind
	DialogID  string
	CallID    string
	PrevState State
	NewState  State
}
