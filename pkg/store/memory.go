package store

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryDB is a Database held entirely in memory.
type MemoryDB struct {
	mu        sync.RWMutex
	private   uuid.UUID
	previous  *uuid.UUID
	public    uuid.UUID
	docs      map[string]*Document
	bySeq     map[uint64]string
	seqs      []uint64 // ascending; entries whose doc moved on are skipped on read
	lastSeq   uint64
	raw       map[string]map[string][]byte
	closed    bool
	observers observers
}

var _ Database = (*MemoryDB)(nil)

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		private: uuid.New(),
		public:  uuid.New(),
		docs:    make(map[string]*Document),
		bySeq:   make(map[uint64]string),
		raw:     make(map[string]map[string][]byte),
	}
}

// Copy returns an independent copy with a new private UUID, the way a
// database file copied to another device behaves.
func (m *MemoryDB) Copy() *MemoryDB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := NewMemoryDB()
	prev := m.private
	c.previous = &prev
	c.lastSeq = m.lastSeq
	c.seqs = append(c.seqs, m.seqs...)
	for k, v := range m.bySeq {
		c.bySeq[k] = v
	}
	for id, d := range m.docs {
		cp := *d
		cp.Body = append([]byte(nil), d.Body...)
		c.docs[id] = &cp
	}
	for ns, kv := range m.raw {
		c.raw[ns] = make(map[string][]byte, len(kv))
		for k, v := range kv {
			c.raw[ns][k] = append([]byte(nil), v...)
		}
	}
	return c
}

func (m *MemoryDB) PrivateUUID() uuid.UUID { return m.private }
func (m *MemoryDB) PublicUUID() uuid.UUID  { return m.public }

func (m *MemoryDB) PreviousPrivateUUID() (uuid.UUID, bool) {
	if m.previous == nil {
		return uuid.Nil, false
	}
	return *m.previous, true
}

func (m *MemoryDB) GetRaw(namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.raw[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryDB) PutRaw(namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if value == nil {
		delete(m.raw[namespace], key)
		return nil
	}
	ns := m.raw[namespace]
	if ns == nil {
		ns = make(map[string][]byte)
		m.raw[namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryDB) Get(docID string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Document{}, ErrClosed
	}
	d, ok := m.docs[docID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return *d, nil
}

func (m *MemoryDB) Put(docID string, body []byte, deleted bool) (Document, error) {
	if err := validateDocID(docID); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	parent := ""
	if d, ok := m.docs[docID]; ok {
		parent = d.RevID
	}
	doc, err := m.storeLocked(Document{
		ID:      docID,
		RevID:   NextRevID(parent, body, deleted),
		Deleted: deleted,
		Body:    append([]byte(nil), body...),
	})
	m.mu.Unlock()
	if err != nil {
		return Document{}, err
	}
	m.observers.notify([]Change{doc.change()})
	return doc, nil
}

func (m *MemoryDB) PutForeign(doc Document) (Document, error) {
	if err := validateDocID(doc.ID); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	if cur, ok := m.docs[doc.ID]; ok && cur.RevID == doc.RevID {
		m.mu.Unlock()
		return *cur, nil
	}
	doc.Foreign = true
	doc.Body = append([]byte(nil), doc.Body...)
	stored, err := m.storeLocked(doc)
	m.mu.Unlock()
	if err != nil {
		return Document{}, err
	}
	m.observers.notify([]Change{stored.change()})
	return stored, nil
}

func (m *MemoryDB) storeLocked(doc Document) (Document, error) {
	if m.closed {
		return Document{}, ErrClosed
	}
	if old, ok := m.docs[doc.ID]; ok {
		delete(m.bySeq, old.Sequence)
	}
	m.lastSeq++
	doc.Sequence = m.lastSeq
	m.docs[doc.ID] = &doc
	m.bySeq[doc.Sequence] = doc.ID
	m.seqs = append(m.seqs, doc.Sequence)
	return doc, nil
}

func (m *MemoryDB) LastSequence() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.lastSeq, nil
}

func (m *MemoryDB) ChangesSince(since uint64, limit int) ([]Change, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	i := sort.Search(len(m.seqs), func(i int) bool { return m.seqs[i] > since })
	var changes []Change
	for ; i < len(m.seqs) && (limit <= 0 || len(changes) < limit); i++ {
		id, ok := m.bySeq[m.seqs[i]]
		if !ok {
			continue
		}
		changes = append(changes, m.docs[id].change())
	}
	return changes, nil
}

func (m *MemoryDB) Observe(fn func([]Change)) func() {
	return m.observers.add(fn)
}

func (m *MemoryDB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
