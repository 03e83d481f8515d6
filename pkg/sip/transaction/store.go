package transaction

import (
	"hash/fnv"
	"sync"
)

// storeShardCount количество шардов таблицы транзакций.
// Должно быть степенью 2 для быстрого взятия остатка.
const storeShardCount = 32

type storeShard struct {
	mu  sync.RWMutex
	txs map[Key]Transaction
}

// Store шардированная таблица активных транзакций.
//
// Блокировка всегда на уровне одного шарда, конфликтуют только операции
// над ключами, попавшими в один шард. Каллеры не держат блокировку шарда
// через блокирующие вызовы: все методы копируют нужные данные и отпускают
// мьютекс до возврата.
type Store struct {
	shards [storeShardCount]*storeShard
}

// NewStore создает таблицу транзакций
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &storeShard{txs: make(map[Key]Transaction)}
	}
	return s
}

func (s *Store) shard(key Key) *storeShard {
	h := fnv.New32a()
	h.Write([]byte(key.Branch))
	h.Write([]byte(key.Method))
	if key.IsClient {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	return s.shards[h.Sum32()&(storeShardCount-1)]
}

// Add добавляет транзакцию. Возвращает ErrTransactionExists при коллизии ключа.
func (s *Store) Add(tx Transaction) error {
	shard := s.shard(tx.Key())
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, exists := shard.txs[tx.Key()]; exists {
		return ErrTransactionExists
	}
	shard.txs[tx.Key()] = tx
	return nil
}

// Get возвращает транзакцию по ключу
func (s *Store) Get(key Key) (Transaction, bool) {
	shard := s.shard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	tx, ok := shard.txs[key]
	return tx, ok
}

// Remove удаляет транзакцию. Возвращает true если ключ существовал.
func (s *Store) Remove(key Key) bool {
	shard := s.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, ok := shard.txs[key]; !ok {
		return false
	}
	delete(shard.txs, key)
	return true
}

// Count возвращает количество транзакций во всех шардах
func (s *Store) Count() int {
	count := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		count += len(shard.txs)
		shard.mu.RUnlock()
	}
	return count
}

// ForEach вызывает fn для каждой транзакции. Итерация идет по снимку,
// поэтому fn может безопасно обращаться к таблице.
func (s *Store) ForEach(fn func(Transaction)) {
	for _, tx := range s.snapshot() {
		fn(tx)
	}
}

// Keys возвращает ключи всех активных транзакций
func (s *Store) Keys() []Key {
	var keys []Key
	for _, shard := range s.shards {
		shard.mu.RLock()
		for key := range shard.txs {
			keys = append(keys, key)
		}
		shard.mu.RUnlock()
	}
	return keys
}

// SweepTerminated удаляет все транзакции в состоянии Terminated
// и возвращает их количество
func (s *Store) SweepTerminated() int {
	removed := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, tx := range shard.txs {
			if tx.IsTerminated() {
				delete(shard.txs, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Clear удаляет все транзакции, завершая каждую
func (s *Store) Clear() {
	for _, tx := range s.snapshot() {
		tx.Terminate()
	}
	for _, shard := range s.shards {
		shard.mu.Lock()
		shard.txs = make(map[Key]Transaction)
		shard.mu.Unlock()
	}
}

func (s *Store) snapshot() []Transaction {
	var txs []Transaction
	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, tx := range shard.txs {
			txs = append(txs, tx)
		}
		shard.mu.RUnlock()
	}
	return txs
}
