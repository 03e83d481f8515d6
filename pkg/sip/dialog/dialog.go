package dialog

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// StateChangeHandler обработчик смены состояния диалога
type StateChangeHandler func(d *Dialog, oldState, newState State)

// Dialog представляет SIP диалог между двумя UA (RFC 3261 Section 12).
//
// Диалог идентифицируется тройкой Call-ID, локальный тег, удаленный тег.
// Для инициатора локальный тег это тег From, удаленный тег To; для
// принимающей стороны наоборот. Удаленный тег появляется только с первым
// ответом, до этого диалог ранний и ищется сканированием.
//
// Все методы безопасны для конкурентного вызова.
type Dialog struct {
	mu sync.RWMutex

	// opMu сериализует составные изменения через Manager.WithDialog:
	// mu защищает отдельные методы, но не их последовательности
	opMu sync.Mutex

	id     string
	callID string

	localURI  sip.Uri
	remoteURI sip.Uri
	localTag  string
	remoteTag string

	// isInitiator true для UAC стороны диалога
	isInitiator bool

	// Учет CSeq: localCSeq нумерует исходящие запросы, remoteCSeq
	// отслеживает порядок входящих
	localCSeq  uint32
	remoteCSeq uint32

	// routeSet и remoteTarget определяют маршрутизацию внутридиалоговых
	// запросов (RFC 3261 12.2)
	routeSet     []sip.Uri
	remoteTarget sip.Uri

	createdAt    time.Time
	lastActivity time.Time

	// FSM для управления состояниями
	sm *fsm.FSM

	stateChangeHandler StateChangeHandler
}

// newStateMachine создает конечный автомат диалога с заданным начальным
// состоянием. Таблица событий повторяет матрицу допустимых переходов.
func newStateMachine(initial State) *fsm.FSM {
	return fsm.NewFSM(
		initial.fsmName(),
		fsm.Events{
			// Предварительный ответ с тегом создает ранний диалог
			{Name: "early", Src: []string{"initial", "recovering"}, Dst: "early"},
			// Финальный 2xx подтверждает диалог
			{Name: "confirm", Src: []string{"initial", "early", "recovering"}, Dst: "confirmed"},
			// Завершение допустимо из любого живого состояния
			{Name: "terminate", Src: []string{"initial", "early", "confirmed", "recovering"}, Dst: "terminated"},
			// Восстановление из снимка
			{Name: "recover", Src: []string{"initial"}, Dst: "recovering"},
			// Откат незавершенного восстановления
			{Name: "reset", Src: []string{"recovering"}, Dst: "initial"},
		},
		fsm.Callbacks{},
	)
}

// eventForTarget имя события автомата, ведущего в целевое состояние
func eventForTarget(target State) string {
	switch target {
	case StateEarly:
		return "early"
	case StateConfirmed:
		return "confirm"
	case StateTerminated:
		return "terminate"
	case StateRecovering:
		return "recover"
	default:
		return "reset"
	}
}

// NewDialog создает диалог в состоянии Initial
func NewDialog(callID string, localURI, remoteURI sip.Uri, localTag, remoteTag string, isInitiator bool) *Dialog {
	now := time.Now()
	return &Dialog{
		id:           uuid.NewString(),
		callID:       callID,
		localURI:     localURI,
		remoteURI:    remoteURI,
		localTag:     localTag,
		remoteTag:    remoteTag,
		isInitiator:  isInitiator,
		remoteTarget: remoteURI,
		createdAt:    now,
		lastActivity: now,
		sm:           newStateMachine(StateInitial),
	}
}

// ID возвращает идентификатор диалога
func (d *Dialog) ID() string { return d.id }

// CallID возвращает Call-ID диалога
func (d *Dialog) CallID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.callID
}

// State возвращает текущее состояние диалога
func (d *Dialog) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return stateFromFSMName(d.sm.Current())
}

// LocalTag возвращает локальный тег
func (d *Dialog) LocalTag() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localTag
}

// RemoteTag возвращает удаленный тег. Пустая строка означает, что
// ответ от удаленной стороны еще не получен.
func (d *Dialog) RemoteTag() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTag
}

// SetLocalTag устанавливает локальный тег
func (d *Dialog) SetLocalTag(tag string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localTag = tag
	d.lastActivity = time.Now()
}

// SetRemoteTag устанавливает удаленный тег после первого ответа
func (d *Dialog) SetRemoteTag(tag string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remoteTag = tag
	d.lastActivity = time.Now()
}

// LocalURI возвращает локальный URI
func (d *Dialog) LocalURI() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localURI
}

// RemoteURI возвращает удаленный URI
func (d *Dialog) RemoteURI() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteURI
}

// IsInitiator возвращает true, если локальная сторона была UAC
func (d *Dialog) IsInitiator() bool { return d.isInitiator }

// NextLocalCSeq увеличивает и возвращает локальный номер CSeq
func (d *Dialog) NextLocalCSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localCSeq++
	d.lastActivity = time.Now()
	return d.localCSeq
}

// LocalCSeq возвращает текущий локальный номер CSeq без инкремента
func (d *Dialog) LocalCSeq() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localCSeq
}

// RemoteCSeq возвращает последний принятый удаленный номер CSeq
func (d *Dialog) RemoteCSeq() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteCSeq
}

// UpdateRemoteCSeq фиксирует номер CSeq входящего запроса.
// Номер обязан строго расти (RFC 3261 12.2.2), ретрансмиссии
// до диалогового уровня не доходят.
func (d *Dialog) UpdateRemoteCSeq(seq uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.remoteCSeq != 0 && seq <= d.remoteCSeq {
		return ErrStaleCSeq
	}
	d.remoteCSeq = seq
	d.lastActivity = time.Now()
	return nil
}

// RouteSet возвращает копию route set диалога
func (d *Dialog) RouteSet() []sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	routes := make([]sip.Uri, len(d.routeSet))
	copy(routes, d.routeSet)
	return routes
}

// SetRouteSet устанавливает route set. Набор фиксируется при
// установлении диалога и далее не меняется (RFC 3261 12.1.1).
func (d *Dialog) SetRouteSet(routes []sip.Uri) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routeSet = make([]sip.Uri, len(routes))
	copy(d.routeSet, routes)
	d.lastActivity = time.Now()
}

// RemoteTarget возвращает удаленный target URI для внутридиалоговых
// запросов
func (d *Dialog) RemoteTarget() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTarget
}

// SetRemoteTarget обновляет удаленный target из Contact заголовка
func (d *Dialog) SetRemoteTarget(target sip.Uri) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remoteTarget = target
	d.lastActivity = time.Now()
}

// CreatedAt возвращает время создания диалога
func (d *Dialog) CreatedAt() time.Time { return d.createdAt }

// LastActivity возвращает время последней операции над диалогом
func (d *Dialog) LastActivity() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastActivity
}

// OnStateChange устанавливает обработчик смены состояния.
// Обработчик вызывается вне блокировки диалога.
func (d *Dialog) OnStateChange(handler StateChangeHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stateChangeHandler = handler
}

// TransitionTo переводит диалог в новое состояние с проверкой матрицы
// допустимых переходов. Переход в текущее состояние это no-op.
func (d *Dialog) TransitionTo(target State) error {
	d.mu.Lock()
	current := stateFromFSMName(d.sm.Current())
	if current == target {
		d.mu.Unlock()
		return nil
	}
	if !ValidTransition(current, target) {
		d.mu.Unlock()
		return &TransitionError{From: current, To: target}
	}
	if err := d.sm.Event(context.Background(), eventForTarget(target)); err != nil {
		d.mu.Unlock()
		return &TransitionError{From: current, To: target}
	}
	d.lastActivity = time.Now()
	handler := d.stateChangeHandler
	d.mu.Unlock()

	if handler != nil {
		handler(d, current, target)
	}
	return nil
}

// Terminate переводит диалог в Terminated. Идемпотентен.
func (d *Dialog) Terminate() error {
	return d.TransitionTo(StateTerminated)
}

// Snapshot сериализуемый снимок состояния диалога для восстановления
type Snapshot struct {
	ID           string
	CallID       string
	LocalURI     sip.Uri
	RemoteURI    sip.Uri
	LocalTag     string
	RemoteTag    string
	IsInitiator  bool
	LocalCSeq    uint32
	RemoteCSeq   uint32
	RouteSet     []sip.Uri
	RemoteTarget sip.Uri
	State        State
}

// Snapshot возвращает снимок текущего состояния диалога
func (d *Dialog) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	routes := make([]sip.Uri, len(d.routeSet))
	copy(routes, d.routeSet)

	return Snapshot{
		ID:           d.id,
		CallID:       d.callID,
		LocalURI:     d.localURI,
		RemoteURI:    d.remoteURI,
		LocalTag:     d.localTag,
		RemoteTag:    d.remoteTag,
		IsInitiator:  d.isInitiator,
		LocalCSeq:    d.localCSeq,
		RemoteCSeq:   d.remoteCSeq,
		RouteSet:     routes,
		RemoteTarget: d.remoteTarget,
		State:        stateFromFSMName(d.sm.Current()),
	}
}

// Clone возвращает независимую копию диалога. Автомат копии создается
// заново в текущем состоянии, обработчики не копируются.
func (d *Dialog) Clone() *Dialog {
	snap := d.Snapshot()
	clone := &Dialog{
		id:           snap.ID,
		callID:       snap.CallID,
		localURI:     snap.LocalURI,
		remoteURI:    snap.RemoteURI,
		localTag:     snap.LocalTag,
		remoteTag:    snap.RemoteTag,
		isInitiator:  snap.IsInitiator,
		localCSeq:    snap.LocalCSeq,
		remoteCSeq:   snap.RemoteCSeq,
		routeSet:     snap.RouteSet,
		remoteTarget: snap.RemoteTarget,
		createdAt:    d.createdAt,
		lastActivity: d.LastActivity(),
		sm:           newStateMachine(snap.State),
	}
	return clone
}

// restoreDialog создает диалог из снимка в состоянии Recovering.
// Целевое состояние снимка применяется отдельным переходом.
func restoreDialog(snap Snapshot) *Dialog {
	id := snap.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	routes := make([]sip.Uri, len(snap.RouteSet))
	copy(routes, snap.RouteSet)

	return &Dialog{
		id:           id,
		callID:       snap.CallID,
		localURI:     snap.LocalURI,
		remoteURI:    snap.RemoteURI,
		localTag:     snap.LocalTag,
		remoteTag:    snap.RemoteTag,
		isInitiator:  snap.IsInitiator,
		localCSeq:    snap.LocalCSeq,
		remoteCSeq:   snap.RemoteCSeq,
		routeSet:     routes,
		remoteTarget: snap.RemoteTarget,
		createdAt:    now,
		lastActivity: now,
		sm:           newStateMachine(StateRecovering),
	}
}
