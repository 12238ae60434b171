// Package pkv implements the persistent key-value store: an ordered map
// from 32-bit integer keys to opaque byte records, with cursor traversal,
// single-writer transactions, and durable-on-commit semantics. It is the
// only component that touches disk directly; every other reactor in
// samwise treats keys and records as opaque.
//
// Keys are stored as big-endian uint32 so bbolt's byte-wise key ordering
// doubles as numeric ordering — see DESIGN.md's Open Question decision on
// key encoding.
package pkv

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

// Error kinds surfaced to callers. PKV never returns raw bbolt errors so
// that BUF's failure-handling switch (spec §4.3.5) can stay mechanical.
var (
	// ErrNotFound is returned by Get/Sibling when no record exists at the
	// requested position.
	ErrNotFound = errors.New("pkv: not found")
	// ErrIO wraps any underlying filesystem or bbolt I/O failure.
	ErrIO = errors.New("pkv: io error")
	// ErrCorrupt wraps a detected on-disk inconsistency.
	ErrCorrupt = errors.New("pkv: corrupt store")
)

var bucketName = []byte("records")

// Options configures Open.
type Options struct {
	// FileMode is applied to the data file if it must be created.
	FileMode os.FileMode
}

// DefaultOptions returns sane defaults for Open.
func DefaultOptions() Options {
	return Options{FileMode: 0o600}
}

// PKV is a durable ordered store keyed by uint32. The zero value is not
// usable; construct with Open.
type PKV struct {
	db *bbolt.DB
}

// Open creates the home directory and data file if absent, recovers from
// any prior uncommitted transaction (bbolt does this implicitly by virtue
// of its single-file copy-on-write format — an interrupted write never
// reaches a committed state), and returns a PKV whose keys compare as
// unsigned big-endian integers.
func Open(home, file string, opts Options) (*PKV, error) {
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, errors.Wrapf(ErrIO, "pkv: create home %q: %v", home, err)
	}

	path := filepath.Join(home, file)
	db, err := bbolt.Open(path, opts.FileMode, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "pkv: open %q: %v", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(ErrCorrupt, "pkv: init bucket: %v", err)
	}

	return &PKV{db: db}, nil
}

// Close releases the underlying file handle.
func (p *PKV) Close() error {
	if err := p.db.Close(); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	return nil
}

// Sibling direction for Txn.Sibling.
type Sibling int

const (
	// Next moves the cursor to the first key greater than the current one.
	Next Sibling = iota
	// Prev moves the cursor to the first key less than the current one.
	Prev
)

// UpdateMode for Txn.Update.
type UpdateMode int

const (
	// ReplaceCurrent rewrites the value at the cursor's current key.
	ReplaceCurrent UpdateMode = iota
	// ByKey deletes the record at the cursor's current key and inserts
	// value at its own embedded key (value's key is supplied separately
	// since PKV treats values as opaque bytes).
	ByKey
)

func encodeKey(key uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], key)
	return b
}

func decodeKey(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// Txn is a single read/write transaction with an implicit cursor.
// Concurrent transactions are not supported; PKV.Begin blocks (via
// bbolt's own writer lock) until any prior writer transaction completes,
// matching the single-writer discipline spec.md §4.1 requires.
type Txn struct {
	tx     *bbolt.Tx
	bucket *bbolt.Bucket
	cur    *bbolt.Cursor
	curKey []byte
	curVal []byte
	done   bool
}

// Begin starts a transaction. mut selects a writable transaction (one
// PKV.Begin(true) excludes other writable ones; read-only transactions
// may run alongside it) versus a read-only one.
func (p *PKV) Begin(mut bool) (*Txn, error) {
	tx, err := p.db.Begin(mut)
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	b := tx.Bucket(bucketName)
	if b == nil {
		_ = tx.Rollback()
		return nil, errors.Wrap(ErrCorrupt, "records bucket missing")
	}
	return &Txn{tx: tx, bucket: b, cur: b.Cursor()}, nil
}

// Get positions the cursor on key and returns its value, or ErrNotFound.
func (t *Txn) Get(key uint32) ([]byte, error) {
	k := encodeKey(key)
	ck, cv := t.cur.Seek(k[:])
	if ck == nil || decodeKey(ck) != key {
		t.curKey, t.curVal = nil, nil
		return nil, ErrNotFound
	}
	t.curKey, t.curVal = ck, cv
	return cloneBytes(cv), nil
}

// Sibling moves the cursor relative to its current position and returns
// the value found there, or ErrNotFound if none exists.
func (t *Txn) Sibling(dir Sibling) (key uint32, value []byte, err error) {
	var k, v []byte
	switch dir {
	case Next:
		if t.curKey == nil {
			k, v = t.cur.First()
		} else {
			t.cur.Seek(t.curKey)
			k, v = t.cur.Next()
		}
	case Prev:
		if t.curKey == nil {
			k, v = t.cur.Last()
		} else {
			t.cur.Seek(t.curKey)
			k, v = t.cur.Prev()
		}
	}
	if k == nil {
		return 0, nil, ErrNotFound
	}
	t.curKey, t.curVal = k, v
	return decodeKey(k), cloneBytes(v), nil
}

// NextAfter returns the smallest key strictly greater than after, or
// ErrNotFound if none exists. Unlike Sibling, it re-seeks from scratch on
// every call and does not depend on (or update) the transaction's
// traversal cursor state, so it stays correct across a scan that deletes
// or relocates records as it goes — the shape BUF's retry pass needs
// (spec §4.3.3).
func (t *Txn) NextAfter(after uint32) (key uint32, value []byte, err error) {
	k := encodeKey(after)
	c := t.bucket.Cursor()
	ck, cv := c.Seek(k[:])
	if ck != nil && decodeKey(ck) == after {
		ck, cv = c.Next()
	}
	if ck == nil {
		return 0, nil, ErrNotFound
	}
	return decodeKey(ck), cloneBytes(cv), nil
}

// Put upserts key/value and positions the cursor there.
func (t *Txn) Put(key uint32, value []byte) error {
	k := encodeKey(key)
	if err := t.bucket.Put(k[:], value); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	t.curKey, t.curVal = k[:], value
	return nil
}

// Update rewrites the record at the cursor. ReplaceCurrent keeps the
// cursor's key; ByKey deletes the current record and inserts value under
// newKey instead.
func (t *Txn) Update(mode UpdateMode, newKey uint32, value []byte) error {
	if t.curKey == nil {
		return errors.New("pkv: update: cursor not positioned")
	}
	switch mode {
	case ReplaceCurrent:
		return t.Put(decodeKey(t.curKey), value)
	case ByKey:
		if err := t.bucket.Delete(t.curKey); err != nil {
			return errors.Wrap(ErrIO, err.Error())
		}
		return t.Put(newKey, value)
	default:
		return errors.Errorf("pkv: unknown update mode %d", mode)
	}
}

// Del deletes the record at the cursor's current position.
func (t *Txn) Del() error {
	if t.curKey == nil {
		return errors.New("pkv: del: cursor not positioned")
	}
	if err := t.bucket.Delete(t.curKey); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	t.curKey, t.curVal = nil, nil
	return nil
}

// DelKey deletes the record at key regardless of cursor position, without
// disturbing the cursor. Used by BUF to walk back through a tombstone
// chain deleting prior entries while a traversal cursor sits elsewhere.
func (t *Txn) DelKey(key uint32) error {
	k := encodeKey(key)
	if err := t.bucket.Delete(k[:]); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	return nil
}

// PutKey writes key/value without moving the transaction's traversal
// cursor. Used alongside DelKey for out-of-band writes during a traversal.
func (t *Txn) PutKey(key uint32, value []byte) error {
	k := encodeKey(key)
	if err := t.bucket.Put(k[:], value); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	return nil
}

// GetKey reads key without disturbing the traversal cursor.
func (t *Txn) GetKey(key uint32) ([]byte, error) {
	k := encodeKey(key)
	v := t.bucket.Get(k[:])
	if v == nil {
		return nil, ErrNotFound
	}
	return cloneBytes(v), nil
}

// Commit durably applies the transaction; a crash before Commit returns
// leaves no effect (bbolt fsyncs on commit by default).
func (t *Txn) Commit() error {
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	return nil
}

// Abort discards the transaction.
func (t *Txn) Abort() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
