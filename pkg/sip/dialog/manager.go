package dialog

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

// Config конфигурация менеджера диалогов
type Config struct {
	// MaxDialogs предел количества диалогов. Ноль означает без предела.
	MaxDialogs int

	// EventBufferSize размер буфера канала событий координации сессий
	EventBufferSize int

	// CleanupInterval период фоновой чистки терминированных диалогов.
	// Ноль отключает фоновую чистку.
	CleanupInterval time.Duration

	// Domain локальный домен, подставляется в Via внутридиалоговых
	// запросов
	Domain string

	// Logger базовый логгер
	Logger zerolog.Logger
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		EventBufferSize: 128,
		CleanupInterval: 30 * time.Second,
		Logger:          zerolog.Nop(),
	}
}

// Manager менеджер диалогов. Владеет таблицей диалогов, вторичным
// индексом по Call-ID и тегам и каналом событий координации сессий.
//
// Живые диалоги наружу не выдаются: GetDialog и ListDialogs возвращают
// копии, изменения идут через операции менеджера или WithDialog.
type Manager struct {
	dialogs *shardedMap
	log     zerolog.Logger

	// indexMu защищает вторичный индекс. Индексируются только диалоги
	// с обоими тегами, индекс это ускоряющий кеш: промах по нему не
	// означает отсутствие диалога.
	indexMu  sync.RWMutex
	index    map[string]string // lookup key -> dialog ID
	keyByID  map[string]string // dialog ID -> lookup key
	maxCount int
	domain   string

	// storeMu делает проверку предела и вставку атомарными
	storeMu sync.Mutex

	events  chan SessionCoordinationEvent
	dropped atomic.Uint64

	createdTotal    atomic.Uint64
	terminatedTotal atomic.Uint64

	closeMu   sync.RWMutex
	closedVal bool
	closed    chan struct{}
	closeOnce sync.Once
}

// NewManager создает менеджер диалогов
func NewManager(cfg Config) *Manager {
	bufSize := cfg.EventBufferSize
	if bufSize <= 0 {
		bufSize = 128
	}

	domain := cfg.Domain
	if domain == "" {
		domain = "localhost"
	}

	m := &Manager{
		dialogs:  newShardedMap(),
		log:      cfg.Logger.With().Str("component", "dialog_manager").Logger(),
		index:    make(map[string]string),
		keyByID:  make(map[string]string),
		maxCount: cfg.MaxDialogs,
		domain:   domain,
		events:   make(chan SessionCoordinationEvent, bufSize),
		closed:   make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 {
		go m.cleanupLoop(cfg.CleanupInterval)
	}
	return m
}

// Events возвращает канал событий координации сессий
func (m *Manager) Events() <-chan SessionCoordinationEvent {
	return m.events
}

// EventsDropped возвращает количество отброшенных событий
func (m *Manager) EventsDropped() uint64 {
	return m.dropped.Load()
}

// CreateDialog создает серверный (UAS) диалог из входящего запроса в
// состоянии Early. Удаленный тег берется из From, локальный тег еще не
// назначен: он фиксируется первым ответом через ConfirmDialog. Без
// локального тега диалог не попадает во вторичный индекс и ищется
// сканированием ранних диалогов.
func (m *Manager) CreateDialog(req *sip.Request) (*Dialog, error) {
	callID, fromTag, _, err := RequestDialogID(req)
	if err != nil {
		return nil, err
	}

	from := req.From()
	to := req.To()
	if from == nil || to == nil {
		return nil, fmt.Errorf("%w: missing From or To header", ErrDialogNotFound)
	}

	d := NewDialog(callID, to.Address, from.Address, "", fromTag, false)
	if cseq := req.CSeq(); cseq != nil {
		d.remoteCSeq = cseq.SeqNo
	}
	if err := d.TransitionTo(StateEarly); err != nil {
		return nil, err
	}
	if err := m.storeDialog(d); err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// CreateOutgoingDialog создает клиентский (UAC) диалог из исходящего
// запроса в состоянии Early. Локальный тег берется из From или
// генерируется, удаленный тег появится с первым ответом. Запрос без
// Call-ID получает сгенерированный.
func (m *Manager) CreateOutgoingDialog(req *sip.Request) (*Dialog, error) {
	cid := req.CallID()
	if cid == nil || cid.Value() == "" {
		generated := sip.CallIDHeader(GenerateCallID())
		req.RemoveHeader("Call-ID")
		req.AppendHeader(&generated)
		cid = &generated
	}

	from := req.From()
	to := req.To()
	if from == nil || to == nil {
		return nil, fmt.Errorf("%w: missing From or To header", ErrDialogNotFound)
	}

	localTag, _ := from.Params.Get("tag")
	if localTag == "" {
		localTag = GenerateTag()
	}
	remoteTag, _ := to.Params.Get("tag")

	d := NewDialog(cid.Value(), from.Address, to.Address, localTag, remoteTag, true)
	if cseq := req.CSeq(); cseq != nil {
		d.localCSeq = cseq.SeqNo
	}
	if err := d.TransitionTo(StateEarly); err != nil {
		return nil, err
	}
	if err := m.storeDialog(d); err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// CreateEarlyDialogFromInvite создает серверный диалог в состоянии Early
// из входящего INVITE. Для других методов ранний диалог не существует.
func (m *Manager) CreateEarlyDialogFromInvite(req *sip.Request) (*Dialog, error) {
	if req.Method != sip.INVITE {
		return nil, fmt.Errorf("%w: got %s", ErrNotInvite, req.Method)
	}

	callID, fromTag, _, err := RequestDialogID(req)
	if err != nil {
		return nil, err
	}

	from := req.From()
	to := req.To()
	if from == nil || to == nil {
		return nil, fmt.Errorf("%w: missing From or To header", ErrDialogNotFound)
	}

	d := NewDialog(callID, to.Address, from.Address, GenerateTag(), fromTag, false)
	if cseq := req.CSeq(); cseq != nil {
		d.remoteCSeq = cseq.SeqNo
	}
	if err := m.storeDialog(d); err != nil {
		return nil, err
	}
	if err := m.UpdateDialogState(d.ID(), StateEarly); err != nil {
		return nil, err
	}
	return m.GetDialog(d.ID())
}

// StoreDialog регистрирует диалог, созданный вне менеджера. Диалог
// переходит во владение менеджера: снаружи остаются только копии.
func (m *Manager) StoreDialog(d *Dialog) error {
	return m.storeDialog(d)
}

// RestoreDialog восстанавливает диалог из снимка. Диалог регистрируется
// в состоянии Recovering, затем переводится в состояние снимка.
func (m *Manager) RestoreDialog(snap Snapshot) (*Dialog, error) {
	if snap.CallID == "" {
		return nil, ErrMissingCallID
	}

	d := restoreDialog(snap)
	if err := m.storeDialog(d); err != nil {
		return nil, err
	}
	if snap.State != StateRecovering {
		if err := m.UpdateDialogState(d.ID(), snap.State); err != nil {
			return nil, err
		}
	}
	return m.GetDialog(d.ID())
}

// GetDialog возвращает копию диалога
func (m *Manager) GetDialog(id string) (*Dialog, error) {
	d, ok := m.dialogs.get(id)
	if !ok {
		return nil, ErrDialogNotFound
	}
	return d.Clone(), nil
}

// WithDialog выполняет fn с живым диалогом под эксклюзивной блокировкой:
// два конкурентных вызова для одного диалога не перемежаются, составные
// изменения (чтение-модификация-запись) атомарны. Все изменения через
// методы диалога видны менеджеру, по завершении fn индекс обновляется.
// fn не должна блокироваться надолго и вызывать методы менеджера для
// того же диалога.
func (m *Manager) WithDialog(id string, fn func(*Dialog) error) error {
	d, ok := m.dialogs.get(id)
	if !ok {
		return ErrDialogNotFound
	}
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if err := fn(d); err != nil {
		return err
	}
	m.reindex(d)
	return nil
}

// UpdateDialogState переводит диалог в новое состояние с проверкой
// матрицы допустимых переходов
func (m *Manager) UpdateDialogState(id string, target State) error {
	d, ok := m.dialogs.get(id)
	if !ok {
		return ErrDialogNotFound
	}
	if err := d.TransitionTo(target); err != nil {
		m.log.Warn().
			Str("dialog", id).
			Str("target", target.String()).
			Err(err).
			Msg("dialog state transition rejected")
		return err
	}
	m.reindex(d)
	return nil
}

// ConfirmDialog переводит диалог из Early в Confirmed. Непустой localTag
// фиксирует финальный локальный тег перед подтверждением.
func (m *Manager) ConfirmDialog(id string, localTag string) error {
	d, ok := m.dialogs.get(id)
	if !ok {
		return ErrDialogNotFound
	}
	if localTag != "" {
		d.SetLocalTag(localTag)
	}
	if err := d.TransitionTo(StateConfirmed); err != nil {
		return err
	}
	m.reindex(d)
	return nil
}

// TerminateDialog завершает диалог. Идемпотентен: повторный вызов для
// терминированного диалога успешен. Диалог остается в таблице до чистки.
func (m *Manager) TerminateDialog(id string) error {
	d, ok := m.dialogs.get(id)
	if !ok {
		return ErrDialogNotFound
	}
	return d.Terminate()
}

// GetDialogState возвращает текущее состояние диалога
func (m *Manager) GetDialogState(id string) (State, error) {
	d, ok := m.dialogs.get(id)
	if !ok {
		return StateTerminated, ErrDialogNotFound
	}
	return d.State(), nil
}

// HasDialog проверяет наличие диалога
func (m *Manager) HasDialog(id string) bool {
	_, ok := m.dialogs.get(id)
	return ok
}

// DialogCount возвращает количество диалогов в таблице
func (m *Manager) DialogCount() int {
	return m.dialogs.count()
}

// ListDialogs возвращает копии всех диалогов
func (m *Manager) ListDialogs() []*Dialog {
	var list []*Dialog
	m.dialogs.forEach(func(d *Dialog) {
		list = append(list, d.Clone())
	})
	return list
}

// FindDialogByKey ищет диалог по Call-ID и паре тегов. Сначала индекс,
// при промахе линейный проход: индекс это кеш и может отставать.
func (m *Manager) FindDialogByKey(callID, localTag, remoteTag string) (*Dialog, error) {
	if localTag != "" && remoteTag != "" {
		m.indexMu.RLock()
		id, ok := m.index[LookupKey(callID, localTag, remoteTag)]
		m.indexMu.RUnlock()
		if ok {
			if d, found := m.dialogs.get(id); found {
				return d.Clone(), nil
			}
		}
	}

	var match *Dialog
	m.dialogs.forEach(func(d *Dialog) {
		if match != nil {
			return
		}
		snap := d.Snapshot()
		if snap.CallID == callID && snap.LocalTag == localTag && snap.RemoteTag == remoteTag {
			match = d
		}
	})
	if match == nil {
		return nil, ErrDialogNotFound
	}
	return match.Clone(), nil
}

// FindDialogForRequest ищет диалог, которому адресован входящий запрос.
//
// Для входящего запроса тег From принадлежит удаленной стороне. Сначала
// проверяются оба упорядочивания тегов (роль локальной стороны заранее
// неизвестна), затем ранние диалоги по Call-ID и удаленному тегу: у них
// может не быть зафиксированной пары тегов в индексе.
func (m *Manager) FindDialogForRequest(req *sip.Request) (*Dialog, error) {
	callID, fromTag, toTag, err := RequestDialogID(req)
	if err != nil {
		return nil, err
	}

	if toTag != "" {
		if d, err := m.FindDialogByKey(callID, toTag, fromTag); err == nil {
			return d, nil
		}
		if d, err := m.FindDialogByKey(callID, fromTag, toTag); err == nil {
			return d, nil
		}
	}

	var match *Dialog
	m.dialogs.forEach(func(d *Dialog) {
		if match != nil {
			return
		}
		snap := d.Snapshot()
		if snap.State != StateEarly {
			return
		}
		if snap.CallID == callID && snap.RemoteTag == fromTag {
			match = d
		}
	})
	if match == nil {
		return nil, ErrDialogNotFound
	}
	return match.Clone(), nil
}

// CleanupTerminated удаляет терминированные диалоги из таблицы и индекса.
// Возвращает количество удаленных.
func (m *Manager) CleanupTerminated() int {
	removed := 0
	m.dialogs.forEach(func(d *Dialog) {
		if d.State() != StateTerminated {
			return
		}
		if m.dialogs.remove(d.ID()) {
			m.deindex(d.ID())
			removed++
		}
	})
	if removed > 0 {
		m.log.Debug().Int("removed", removed).Msg("terminated dialogs swept")
	}
	return removed
}

// Close останавливает менеджер: завершает все диалоги и закрывает
// канал событий
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)

		m.dialogs.forEach(func(d *Dialog) {
			_ = d.Terminate()
		})
		m.dialogs.clear()

		m.indexMu.Lock()
		m.index = make(map[string]string)
		m.keyByID = make(map[string]string)
		m.indexMu.Unlock()

		m.closeMu.Lock()
		m.closedVal = true
		close(m.events)
		m.closeMu.Unlock()

		m.log.Debug().Msg("dialog manager closed")
	})
}

// storeDialog регистрирует диалог: проверяет предел, подключает
// публикацию событий, индексирует и публикует DialogCreated
func (m *Manager) storeDialog(d *Dialog) error {
	select {
	case <-m.closed:
		return ErrManagerClosed
	default:
	}

	d.OnStateChange(func(dlg *Dialog, oldState, newState State) {
		m.publish(SessionCoordinationEvent{
			Kind:      DialogStateChanged,
			DialogID:  dlg.ID(),
			CallID:    dlg.CallID(),
			PrevState: oldState,
			NewState:  newState,
		})
		if newState == StateTerminated {
			m.terminatedTotal.Add(1)
			m.publish(SessionCoordinationEvent{
				Kind:      DialogTerminated,
				DialogID:  dlg.ID(),
				CallID:    dlg.CallID(),
				PrevState: oldState,
				NewState:  newState,
			})
		}
	})

	// Проверка предела и вставка под одной блокировкой, иначе
	// конкурентные создания превышают MaxDialogs
	m.storeMu.Lock()
	if m.maxCount > 0 && m.dialogs.count() >= m.maxCount {
		m.storeMu.Unlock()
		return ErrDialogLimitExceeded
	}
	inserted := m.dialogs.put(d)
	m.storeMu.Unlock()
	if !inserted {
		return ErrDialogExists
	}
	m.createdTotal.Add(1)
	m.reindex(d)

	m.publish(SessionCoordinationEvent{
		Kind:     DialogCreated,
		DialogID: d.ID(),
		CallID:   d.CallID(),
		NewState: d.State(),
	})
	m.log.Debug().
		Str("dialog", d.ID()).
		Str("call_id", d.CallID()).
		Bool("initiator", d.IsInitiator()).
		Msg("dialog created")
	return nil
}

// reindex обновляет запись диалога во вторичном индексе. Диалог попадает
// в индекс только с обоими тегами, прежняя запись снимается.
func (m *Manager) reindex(d *Dialog) {
	snap := d.Snapshot()

	m.indexMu.Lock()
	defer m.indexMu.Unlock()

	if old, ok := m.keyByID[snap.ID]; ok {
		delete(m.index, old)
		delete(m.keyByID, snap.ID)
	}
	if snap.LocalTag == "" || snap.RemoteTag == "" {
		return
	}
	key := LookupKey(snap.CallID, snap.LocalTag, snap.RemoteTag)
	m.index[key] = snap.ID
	m.keyByID[snap.ID] = key
}

// deindex снимает диалог с индекса
func (m *Manager) deindex(id string) {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()

	if key, ok := m.keyByID[id]; ok {
		delete(m.index, key)
		delete(m.keyByID, id)
	}
}

// publish отправляет событие без блокировки. При переполнении буфера
// событие отбрасывается с записью в лог.
func (m *Manager) publish(ev SessionCoordinationEvent) {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()

	if m.closedVal {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
		m.log.Warn().
			Str("dialog", ev.DialogID).
			Str("kind", ev.Kind.String()).
			Msg("session event dropped: slow consumer")
	}
}

// cleanupLoop фоновая чистка терминированных диалогов
func (m *Manager) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closed:
			return
		case <-ticker.C:
			m.CleanupTerminated()
		}
	}
}
