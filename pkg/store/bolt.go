package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	infoBucket = []byte("info")
	docsBucket = []byte("docs")
	seqsBucket = []byte("seqs")

	keyPrivateUUID  = []byte("privateUUID")
	keyPreviousUUID = []byte("previousPrivateUUID")
	keyPublicUUID   = []byte("publicUUID")
	keyLastSequence = []byte("lastSequence")
)

func rawBucket(namespace string) []byte {
	return []byte("raw:" + namespace)
}

// storedDoc is the on-disk form of a document. Body is snappy-compressed.
type storedDoc struct {
	RevID    string `json:"rev"`
	Sequence uint64 `json:"seq"`
	Deleted  bool   `json:"del,omitempty"`
	Foreign  bool   `json:"foreign,omitempty"`
	Body     []byte `json:"body,omitempty"`
}

func encodeDoc(d *Document) ([]byte, error) {
	return json.Marshal(storedDoc{
		RevID:    d.RevID,
		Sequence: d.Sequence,
		Deleted:  d.Deleted,
		Foreign:  d.Foreign,
		Body:     snappy.Encode(nil, d.Body),
	})
}

func decodeDoc(id string, data []byte) (Document, error) {
	var sd storedDoc
	if err := json.Unmarshal(data, &sd); err != nil {
		return Document{}, fmt.Errorf("decode document %q: %w", id, err)
	}
	body, err := snappy.Decode(nil, sd.Body)
	if err != nil {
		return Document{}, fmt.Errorf("decompress document %q: %w", id, err)
	}
	return Document{ID: id, RevID: sd.RevID, Sequence: sd.Sequence, Deleted: sd.Deleted, Foreign: sd.Foreign, Body: body}, nil
}

func seqKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, seq)
}

// BoltDB is a Database stored in a bbolt file.
type BoltDB struct {
	db        *bolt.DB
	private   uuid.UUID
	previous  *uuid.UUID
	public    uuid.UUID
	observers observers
}

var _ Database = (*BoltDB)(nil)

// OpenBolt opens or creates the database file at path.
func OpenBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	b := &BoltDB{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{infoBucket, docsBucket, seqsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		info := tx.Bucket(infoBucket)
		var err error
		if b.private, err = loadOrCreateUUID(info, keyPrivateUUID); err != nil {
			return err
		}
		if b.public, err = loadOrCreateUUID(info, keyPublicUUID); err != nil {
			return err
		}
		if v := info.Get(keyPreviousUUID); v != nil {
			prev, err := uuid.FromBytes(v)
			if err != nil {
				return fmt.Errorf("corrupt previous UUID: %w", err)
			}
			b.previous = &prev
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize %s: %w", path, err)
	}
	return b, nil
}

func loadOrCreateUUID(info *bolt.Bucket, key []byte) (uuid.UUID, error) {
	if v := info.Get(key); v != nil {
		return uuid.FromBytes(v)
	}
	id := uuid.New()
	return id, info.Put(key, id[:])
}

// RegenerateUUIDs gives the database a new private UUID and remembers the
// old one. Call it on a file that was just copied from another device.
func (b *BoltDB) RegenerateUUIDs() error {
	prev := b.private
	next := uuid.New()
	err := b.db.Update(func(tx *bolt.Tx) error {
		info := tx.Bucket(infoBucket)
		if err := info.Put(keyPreviousUUID, prev[:]); err != nil {
			return err
		}
		return info.Put(keyPrivateUUID, next[:])
	})
	if err != nil {
		return err
	}
	b.previous = &prev
	b.private = next
	return nil
}

func (b *BoltDB) PrivateUUID() uuid.UUID { return b.private }
func (b *BoltDB) PublicUUID() uuid.UUID  { return b.public }

func (b *BoltDB) PreviousPrivateUUID() (uuid.UUID, bool) {
	if b.previous == nil {
		return uuid.Nil, false
	}
	return *b.previous, true
}

func (b *BoltDB) GetRaw(namespace, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rawBucket(namespace))
		if bucket == nil {
			return ErrNotFound
		}
		v := bucket.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, mapClosed(err)
}

func (b *BoltDB) PutRaw(namespace, key string, value []byte) error {
	return mapClosed(b.db.Update(func(tx *bolt.Tx) error {
		if value == nil {
			if bucket := tx.Bucket(rawBucket(namespace)); bucket != nil {
				return bucket.Delete([]byte(key))
			}
			return nil
		}
		bucket, err := tx.CreateBucketIfNotExists(rawBucket(namespace))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), value)
	}))
}

func (b *BoltDB) Get(docID string) (Document, error) {
	var doc Document
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(docsBucket).Get([]byte(docID))
		if v == nil {
			return ErrNotFound
		}
		var err error
		doc, err = decodeDoc(docID, v)
		return err
	})
	return doc, mapClosed(err)
}

func (b *BoltDB) Put(docID string, body []byte, deleted bool) (Document, error) {
	if err := validateDocID(docID); err != nil {
		return Document{}, err
	}
	return b.write(func(tx *bolt.Tx) (Document, bool, error) {
		parent := ""
		if v := tx.Bucket(docsBucket).Get([]byte(docID)); v != nil {
			cur, err := decodeDoc(docID, v)
			if err != nil {
				return Document{}, false, err
			}
			parent = cur.RevID
		}
		return Document{ID: docID, RevID: NextRevID(parent, body, deleted), Deleted: deleted, Body: body}, true, nil
	})
}

func (b *BoltDB) PutForeign(doc Document) (Document, error) {
	if err := validateDocID(doc.ID); err != nil {
		return Document{}, err
	}
	return b.write(func(tx *bolt.Tx) (Document, bool, error) {
		if v := tx.Bucket(docsBucket).Get([]byte(doc.ID)); v != nil {
			cur, err := decodeDoc(doc.ID, v)
			if err != nil {
				return Document{}, false, err
			}
			if cur.RevID == doc.RevID {
				return cur, false, nil
			}
		}
		doc.Foreign = true
		return doc, true, nil
	})
}

// write runs build in a write transaction and, if it asks to store the
// returned document, assigns it the next sequence.
func (b *BoltDB) write(build func(tx *bolt.Tx) (Document, bool, error)) (Document, error) {
	var (
		doc    Document
		stored bool
	)
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		doc, stored, err = build(tx)
		if err != nil || !stored {
			return err
		}
		docs, seqs, info := tx.Bucket(docsBucket), tx.Bucket(seqsBucket), tx.Bucket(infoBucket)

		if v := docs.Get([]byte(doc.ID)); v != nil {
			old, err := decodeDoc(doc.ID, v)
			if err != nil {
				return err
			}
			if err := seqs.Delete(seqKey(old.Sequence)); err != nil {
				return err
			}
		}

		var last uint64
		if v := info.Get(keyLastSequence); v != nil {
			last = binary.BigEndian.Uint64(v)
		}
		doc.Sequence = last + 1
		if err := info.Put(keyLastSequence, seqKey(doc.Sequence)); err != nil {
			return err
		}
		encoded, err := encodeDoc(&doc)
		if err != nil {
			return err
		}
		if err := docs.Put([]byte(doc.ID), encoded); err != nil {
			return err
		}
		return seqs.Put(seqKey(doc.Sequence), []byte(doc.ID))
	})
	if err != nil {
		return Document{}, mapClosed(err)
	}
	if stored {
		b.observers.notify([]Change{doc.change()})
	}
	return doc, nil
}

func (b *BoltDB) LastSequence() (uint64, error) {
	var last uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(infoBucket).Get(keyLastSequence); v != nil {
			last = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return last, mapClosed(err)
}

func (b *BoltDB) ChangesSince(since uint64, limit int) ([]Change, error) {
	var changes []Change
	err := b.db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket(docsBucket)
		c := tx.Bucket(seqsBucket).Cursor()
		for k, v := c.Seek(seqKey(since + 1)); k != nil && (limit <= 0 || len(changes) < limit); k, v = c.Next() {
			raw := docs.Get(v)
			if raw == nil {
				return fmt.Errorf("sequence %d points at missing document %q", binary.BigEndian.Uint64(k), v)
			}
			doc, err := decodeDoc(string(v), raw)
			if err != nil {
				return err
			}
			changes = append(changes, doc.change())
		}
		return nil
	})
	if err != nil {
		return nil, mapClosed(err)
	}
	return changes, nil
}

func (b *BoltDB) Observe(fn func([]Change)) func() {
	return b.observers.add(fn)
}

func (b *BoltDB) Close() error {
	return b.db.Close()
}

func mapClosed(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}
