// Package store is the local document database the replicator reads changes
// from and persists checkpoints into.
package store

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("database is closed")
	ErrConflict = errors.New("revision conflict")
)

// Namespaces for raw (non-document) records.
const (
	CheckpointsNamespace     = "checkpoints"
	PeerCheckpointsNamespace = "peerCheckpoints"

	// BlobsNamespace holds attachment bodies keyed by digest.
	BlobsNamespace = "blobs"
)

// Document is the current revision of a document.
type Document struct {
	ID       string
	RevID    string
	Sequence uint64
	Deleted  bool
	// Foreign marks a revision that was received from a peer rather than
	// written locally.
	Foreign bool
	Body    []byte
}

// Change is one entry in the by-sequence index.
type Change struct {
	DocID    string
	RevID    string
	Sequence uint64
	Deleted  bool
	Foreign  bool
	BodySize int
}

func (d *Document) change() Change {
	return Change{DocID: d.ID, RevID: d.RevID, Sequence: d.Sequence, Deleted: d.Deleted, Foreign: d.Foreign, BodySize: len(d.Body)}
}

// Database is the storage the replication packages depend on.
type Database interface {
	// PrivateUUID identifies this copy of the database. It changes when the
	// database file is copied, and the old value becomes PreviousPrivateUUID.
	PrivateUUID() uuid.UUID
	PreviousPrivateUUID() (uuid.UUID, bool)
	PublicUUID() uuid.UUID

	GetRaw(namespace, key string) ([]byte, error)
	// PutRaw stores value under key; a nil value deletes it.
	PutRaw(namespace, key string, value []byte) error

	Get(docID string) (Document, error)
	// Put writes a new local revision on top of the current one.
	Put(docID string, body []byte, deleted bool) (Document, error)
	// PutForeign stores a revision received from a peer as-is.
	PutForeign(doc Document) (Document, error)

	LastSequence() (uint64, error)
	// ChangesSince returns up to limit changes with sequence > since, in
	// sequence order. Only the latest revision of each document appears.
	ChangesSince(since uint64, limit int) ([]Change, error)
	// Observe calls fn after each committed write. The returned func
	// unregisters it.
	Observe(fn func([]Change)) (cancel func())

	Close() error
}

// NextRevID derives the revision ID of a new revision from its parent and
// content: generation+1, a dash, then a content digest.
func NextRevID(parent string, body []byte, deleted bool) string {
	gen := RevGeneration(parent) + 1
	h := sha1.New()
	h.Write([]byte(parent))
	if deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(body)
	return strconv.Itoa(gen) + "-" + hex.EncodeToString(h.Sum(nil))
}

// RevGeneration parses the generation prefix of a revision ID, 0 if none.
func RevGeneration(rev string) int {
	prefix, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0
	}
	gen, err := strconv.Atoi(prefix)
	if err != nil || gen < 0 {
		return 0
	}
	return gen
}

func validateDocID(id string) error {
	if id == "" {
		return fmt.Errorf("empty document ID")
	}
	return nil
}

// observers fans committed changes out to registered callbacks.
type observers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func([]Change)
}

func (o *observers) add(fn func([]Change)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]func([]Change))
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.fns, id)
		o.mu.Unlock()
	}
}

func (o *observers) notify(changes []Change) {
	o.mu.Lock()
	fns := make([]func([]Change), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(changes)
	}
}
