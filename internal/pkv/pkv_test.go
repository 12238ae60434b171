package pkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *PKV {
	t.Helper()
	dir := t.TempDir()
	p, err := Open(dir, "samwise.pkv", DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPutGetCommit(t *testing.T) {
	p := openTemp(t)

	txn, err := p.Begin(true)
	require.NoError(t, err)
	require.NoError(t, txn.Put(1, []byte("hello")))
	require.NoError(t, txn.Commit())

	txn, err = p.Begin(false)
	require.NoError(t, err)
	v, err := txn.Get(1)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), v)
	require.NoError(t, txn.Abort())
}

func TestGetNotFound(t *testing.T) {
	p := openTemp(t)
	txn, err := p.Begin(false)
	require.NoError(t, err)
	_, err = txn.Get(99)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, txn.Abort())
}

func TestSiblingTraversal(t *testing.T) {
	p := openTemp(t)

	txn, err := p.Begin(true)
	require.NoError(t, err)
	for _, k := range []uint32{1, 5, 10} {
		require.NoError(t, txn.Put(k, []byte{byte(k)}))
	}
	require.NoError(t, txn.Commit())

	txn, err = p.Begin(false)
	require.NoError(t, err)

	k, _, err := txn.Sibling(Next)
	require.NoError(t, err)
	require.Equal(t, uint32(1), k)

	k, _, err = txn.Sibling(Next)
	require.NoError(t, err)
	require.Equal(t, uint32(5), k)

	k, _, err = txn.Sibling(Prev)
	require.NoError(t, err)
	require.Equal(t, uint32(1), k)

	require.NoError(t, txn.Abort())
}

func TestUpdateByKeyMovesRecord(t *testing.T) {
	p := openTemp(t)

	txn, err := p.Begin(true)
	require.NoError(t, err)
	require.NoError(t, txn.Put(1, []byte("v1")))
	require.NoError(t, txn.Commit())

	txn, err = p.Begin(true)
	require.NoError(t, err)
	_, err = txn.Get(1)
	require.NoError(t, err)
	require.NoError(t, txn.Update(ByKey, 2, []byte("v2")))
	require.NoError(t, txn.Commit())

	txn, err = p.Begin(false)
	require.NoError(t, err)
	_, err = txn.Get(1)
	require.ErrorIs(t, err, ErrNotFound)
	v, err := txn.Get(2)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
	require.NoError(t, txn.Abort())
}

func TestAbortDiscardsWrites(t *testing.T) {
	p := openTemp(t)

	txn, err := p.Begin(true)
	require.NoError(t, err)
	require.NoError(t, txn.Put(1, []byte("v1")))
	require.NoError(t, txn.Abort())

	txn, err = p.Begin(false)
	require.NoError(t, err)
	_, err = txn.Get(1)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, txn.Abort())
}

func TestReopenObservesCommittedWrites(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir, "samwise.pkv", DefaultOptions())
	require.NoError(t, err)

	txn, err := p.Begin(true)
	require.NoError(t, err)
	require.NoError(t, txn.Put(7, []byte("persisted")))
	require.NoError(t, txn.Commit())
	require.NoError(t, p.Close())

	p2, err := Open(dir, "samwise.pkv", DefaultOptions())
	require.NoError(t, err)
	defer p2.Close()

	txn, err = p2.Begin(false)
	require.NoError(t, err)
	v, err := txn.Get(7)
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), v)
	require.NoError(t, txn.Abort())
}
