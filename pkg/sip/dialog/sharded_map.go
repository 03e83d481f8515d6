package dialog

import (
	"hash/fnv"
	"sync"
)

// shardCount количество шардов таблицы диалогов.
// Должно быть степенью 2 для быстрого взятия остатка.
const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	dialogs map[string]*Dialog
}

// shardedMap шардированная таблица диалогов по идентификатору.
// Снижает конкуренцию блокировок при большом количестве диалогов.
type shardedMap struct {
	shards [shardCount]*shard
}

func newShardedMap() *shardedMap {
	m := &shardedMap{}
	for i := range m.shards {
		m.shards[i] = &shard{dialogs: make(map[string]*Dialog)}
	}
	return m
}

func (m *shardedMap) shard(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return m.shards[h.Sum32()&(shardCount-1)]
}

// put добавляет диалог. Возвращает false, если идентификатор занят.
func (m *shardedMap) put(d *Dialog) bool {
	s := m.shard(d.ID())
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dialogs[d.ID()]; exists {
		return false
	}
	s.dialogs[d.ID()] = d
	return true
}

func (m *shardedMap) get(id string) (*Dialog, bool) {
	s := m.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.dialogs[id]
	return d, ok
}

func (m *shardedMap) remove(id string) bool {
	s := m.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.dialogs[id]; !ok {
		return false
	}
	delete(s.dialogs, id)
	return true
}

func (m *shardedMap) count() int {
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += len(s.dialogs)
		s.mu.RUnlock()
	}
	return total
}

// forEach вызывает fn для каждого диалога. Итерация идет по снимку,
// fn может безопасно обращаться к таблице.
func (m *shardedMap) forEach(fn func(*Dialog)) {
	for _, d := range m.snapshot() {
		fn(d)
	}
}

func (m *shardedMap) snapshot() []*Dialog {
	var all []*Dialog
	for _, s := range m.shards {
		s.mu.RLock()
		for _, d := range s.dialogs {
			all = append(all, d)
		}
		s.mu.RUnlock()
	}
	return all
}

func (m *shardedMap) clear() {
	for _, s := range m.shards {
		s.mu.Lock()
		s.dialogs = make(map[string]*Dialog)
		s.mu.Unlock()
	}
}
