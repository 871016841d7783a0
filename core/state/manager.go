package state

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"irsvenue/storage"
)

// Manager provides RLP-encoded key/value access to ledger state backed by a
// storage.Database. Writes made inside Atomic are journaled and reach the
// database in a single batch only when the callback succeeds.
//
// Manager is not safe for concurrent writers; callers serialise mutations.
type Manager struct {
	db      storage.Database
	journal *journal
}

type journalEntry struct {
	value   []byte
	deleted bool
}

type journal struct {
	writes map[string]journalEntry
	order  []string
}

func newJournal() *journal {
	return &journal{writes: make(map[string]journalEntry)}
}

func (j *journal) clone() *journal {
	out := &journal{writes: make(map[string]journalEntry, len(j.writes)), order: append([]string(nil), j.order...)}
	for k, v := range j.writes {
		out.writes[k] = v
	}
	return out
}

func (j *journal) set(key []byte, entry journalEntry) {
	k := string(key)
	if _, ok := j.writes[k]; !ok {
		j.order = append(j.order, k)
	}
	j.writes[k] = entry
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// InTransaction reports whether an Atomic call is in flight.
func (m *Manager) InTransaction() bool {
	return m != nil && m.journal != nil
}

// Atomic runs fn with all state writes journaled. The journal is committed to
// the backing database when fn returns nil and discarded otherwise. Nested
// calls join the outer journal; a failing nested call rolls back only its own
// writes.
func (m *Manager) Atomic(fn func() error) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager not configured")
	}
	if fn == nil {
		return nil
	}
	if m.journal != nil {
		saved := m.journal.clone()
		if err := fn(); err != nil {
			m.journal = saved
			return err
		}
		return nil
	}
	m.journal = newJournal()
	defer func() { m.journal = nil }()
	if err := fn(); err != nil {
		return err
	}
	return m.commit()
}

func (m *Manager) commit() error {
	batch := new(storage.Batch)
	for _, key := range m.journal.order {
		entry := m.journal.writes[key]
		if entry.deleted {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), entry.value)
	}
	if err := m.db.Write(batch); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

func (m *Manager) read(hashed []byte) ([]byte, error) {
	if m.journal != nil {
		if entry, ok := m.journal.writes[string(hashed)]; ok {
			if entry.deleted {
				return nil, nil
			}
			return entry.value, nil
		}
	}
	data, err := m.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (m *Manager) write(hashed, value []byte) error {
	if m.journal != nil {
		m.journal.set(hashed, journalEntry{value: value})
		return nil
	}
	return m.db.Put(hashed, value)
}

// KVPut stores the RLP encoding of value under the supplied key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.write(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.read(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	if m.journal != nil {
		m.journal.set(hashed, journalEntry{deleted: true})
		return nil
	}
	return m.db.Delete(hashed)
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep the index
// deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	data, err := m.read(hashed)
	if err != nil {
		return err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return err
		}
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.write(hashed, encoded)
}

// KVGetList decodes the list stored under key into out, which must point to a
// slice. Missing keys yield an empty slice.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.read(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}
