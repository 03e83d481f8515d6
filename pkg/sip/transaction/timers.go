package transaction

import (
	"sync"
	"time"
)

// TimerID идентификатор таймера согласно RFC 3261
type TimerID string

const (
	TimerA TimerID = "A" // ретрансмиссия INVITE запроса
	TimerB TimerID = "B" // таймаут INVITE транзакции
	TimerD TimerID = "D" // ожидание ретрансмиссий финального ответа
	TimerE TimerID = "E" // ретрансмиссия non-INVITE запроса
	TimerF TimerID = "F" // таймаут non-INVITE транзакции
	TimerG TimerID = "G" // ретрансмиссия финального ответа INVITE
	TimerH TimerID = "H" // ожидание ACK
	TimerI TimerID = "I" // поглощение ретрансмиссий ACK
	TimerJ TimerID = "J" // поглощение ретрансмиссий non-INVITE запроса
	TimerK TimerID = "K" // поглощение ретрансмиссий ответа
)

// Timers базовые значения и производные таймеры RFC 3261
type Timers struct {
	T1 time.Duration // оценка RTT (по умолчанию 500ms)
	T2 time.Duration // максимальный интервал ретрансмиссии (4s)
	T4 time.Duration // максимальное время жизни сообщения в сети (5s)

	TimerA time.Duration
	TimerB time.Duration
	TimerD time.Duration
	TimerE time.Duration
	TimerF time.Duration
	TimerG time.Duration
	TimerH time.Duration
	TimerI time.Duration
	TimerJ time.Duration
	TimerK time.Duration
}

// DefaultTimers возвращает таймеры по умолчанию согласно RFC 3261
func DefaultTimers() Timers {
	t1 := 500 * time.Millisecond
	t2 := 4 * time.Second
	t4 := 5 * time.Second

	return Timers{
		T1: t1,
		T2: t2,
		T4: t4,

		TimerA: t1,
		TimerB: 64 * t1,
		TimerD: 32 * time.Second,
		TimerE: t1,
		TimerF: 64 * t1,
		TimerG: t1,
		TimerH: 64 * t1,
		TimerI: t4,
		TimerJ: 64 * t1,
		TimerK: t4,
	}
}

// ScaledTimers возвращает таймеры с уменьшенным базовым T1.
// Используется в тестах, чтобы сценарии с таймерами занимали миллисекунды.
func ScaledTimers(t1 time.Duration) Timers {
	t := DefaultTimers()
	scale := func(d time.Duration) time.Duration {
		return d / t.T1 * t1
	}
	return Timers{
		T1: t1, T2: scale(t.T2), T4: scale(t.T4),
		TimerA: t1, TimerB: 64 * t1,
		TimerD: scale(t.TimerD),
		TimerE: t1, TimerF: 64 * t1,
		TimerG: t1, TimerH: 64 * t1,
		TimerI: scale(t.TimerI),
		TimerJ: 64 * t1, TimerK: scale(t.TimerK),
	}
}

// AdjustForReliableTransport обнуляет таймеры, не используемые
// для надежного транспорта (TCP/TLS)
func (t Timers) AdjustForReliableTransport() Timers {
	adjusted := t
	adjusted.TimerA = 0
	adjusted.TimerD = 0
	adjusted.TimerE = 0
	adjusted.TimerG = 0
	adjusted.TimerI = 0
	adjusted.TimerJ = 0
	adjusted.TimerK = 0
	return adjusted
}

// Duration возвращает длительность таймера по идентификатору
func (t Timers) Duration(id TimerID) time.Duration {
	switch id {
	case TimerA:
		return t.TimerA
	case TimerB:
		return t.TimerB
	case TimerD:
		return t.TimerD
	case TimerE:
		return t.TimerE
	case TimerF:
		return t.TimerF
	case TimerG:
		return t.TimerG
	case TimerH:
		return t.TimerH
	case TimerI:
		return t.TimerI
	case TimerJ:
		return t.TimerJ
	case TimerK:
		return t.TimerK
	default:
		return 0
	}
}

// NextRetransmitInterval вычисляет следующий интервал ретрансмиссии:
// удваивается на каждой итерации, но не превышает T2 (RFC 3261 17.1.1.2)
func NextRetransmitInterval(current, t2 time.Duration) time.Duration {
	next := current * 2
	if next > t2 {
		return t2
	}
	return next
}

// TimerManager управляет активными таймерами одной транзакции.
//
// Каждый таймер это отложенный вызов callback. Сработавший callback
// обязан сам перепроверить состояние транзакции: остановка таймера
// через Stop не гарантирует, что callback не был уже запущен.
// Поколение (gen) отсекает поздние срабатывания после StopAll.
type TimerManager struct {
	mu     sync.Mutex
	timers map[TimerID]*time.Timer
	gen    uint64
}

// NewTimerManager создает менеджер таймеров
func NewTimerManager() *TimerManager {
	return &TimerManager{timers: make(map[TimerID]*time.Timer)}
}

// Start запускает таймер. Уже активный таймер с тем же ID перезапускается.
// Нулевая длительность означает "таймер не используется" (надежный транспорт).
func (tm *TimerManager) Start(id TimerID, duration time.Duration, callback func()) {
	if duration <= 0 {
		return
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	if old, ok := tm.timers[id]; ok {
		old.Stop()
	}

	gen := tm.gen
	tm.timers[id] = time.AfterFunc(duration, func() {
		tm.mu.Lock()
		stale := tm.gen != gen
		if !stale {
			delete(tm.timers, id)
		}
		tm.mu.Unlock()
		if stale {
			return
		}
		callback()
	})
}

// Stop останавливает таймер
func (tm *TimerManager) Stop(id TimerID) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	timer, ok := tm.timers[id]
	if !ok {
		return false
	}
	delete(tm.timers, id)
	return timer.Stop()
}

// Reset перезапускает активный таймер с новой длительностью
func (tm *TimerManager) Reset(id TimerID, duration time.Duration) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	timer, ok := tm.timers[id]
	if !ok {
		return false
	}
	return timer.Reset(duration)
}

// IsActive проверяет, активен ли таймер
func (tm *TimerManager) IsActive(id TimerID) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	_, ok := tm.timers[id]
	return ok
}

// StopAll останавливает все таймеры и инвалидирует уже сработавшие,
// но еще не выполненные callbacks
func (tm *TimerManager) StopAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.gen++
	for id, timer := range tm.timers {
		timer.Stop()
		delete(tm.timers, id)
	}
}
