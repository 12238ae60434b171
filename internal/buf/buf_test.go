package buf

import (
	"context"
	"testing"
	"time"

	"github.com/dreadworks/samwise/internal/logging"
	"github.com/dreadworks/samwise/internal/metrics"
	"github.com/dreadworks/samwise/internal/pkv"
	"github.com/dreadworks/samwise/internal/wmsg"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
)

func openTestBuf(t *testing.T, cfg Config) (*Buf, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := pkv.Open(dir, "buf.pkv", pkv.DefaultOptions())
	require.NoError(t, err)

	b, err := Open(cfg, store, logging.Nop(), metrics.Noop{})
	require.NoError(t, err)
	return b, dir
}

// isEmpty inspects b's own store directly (same package) rather than
// reopening the data file, which would deadlock against bbolt's exclusive
// file lock while b is still running.
func isEmpty(t *testing.T, b *Buf) bool {
	t.Helper()
	txn, err := b.store.Begin(false)
	require.NoError(t, err)
	defer txn.Abort()

	_, _, serr := txn.Sibling(pkv.Next)
	return serr == pkv.ErrNotFound
}

func defaultCfg() Config {
	return Config{Tries: 3, Interval: 20 * time.Millisecond, Threshold: 10 * time.Millisecond}
}

func payload(s string) *wmsg.Msg {
	return wmsg.New(wmsg.Frame(s))
}

func TestSaveAssignsIncreasingKeys(t *testing.T) {
	defer leaktest.Check(t)()
	b, _ := openTestBuf(t, defaultCfg())
	defer b.Close()

	ctx := context.Background()
	k1, err := b.Save(ctx, RoundRobinPolicy(), payload("m1"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), k1)

	k2, err := b.Save(ctx, RoundRobinPolicy(), payload("m2"))
	require.NoError(t, err)
	require.Equal(t, uint32(2), k2)
}

func TestRoundRobinDeletedOnSingleAck(t *testing.T) {
	defer leaktest.Check(t)()
	b, _ := openTestBuf(t, defaultCfg())
	defer b.Close()

	ctx := context.Background()
	key, err := b.Save(ctx, RoundRobinPolicy(), payload("m1"))
	require.NoError(t, err)

	b.Ack(1, key)
	time.Sleep(50 * time.Millisecond)

	require.True(t, isEmpty(t, b))
}

func TestRedundantRequiresAllDistinctBackends(t *testing.T) {
	defer leaktest.Check(t)()
	b, _ := openTestBuf(t, defaultCfg())
	defer b.Close()

	ctx := context.Background()
	pol, err := RedundantPolicy(3)
	require.NoError(t, err)
	key, err := b.Save(ctx, pol, payload("m1"))
	require.NoError(t, err)

	b.Ack(1, key) // backend 1
	b.Ack(2, key) // backend 2
	time.Sleep(30 * time.Millisecond)

	require.False(t, isEmpty(t, b), "message should still be buffered with one ack outstanding")

	b.Ack(4, key) // backend 3 (bit 4)
	time.Sleep(30 * time.Millisecond)

	require.True(t, isEmpty(t, b))
}

func TestDuplicateAckIsIdempotent(t *testing.T) {
	defer leaktest.Check(t)()
	b, _ := openTestBuf(t, defaultCfg())
	defer b.Close()

	ctx := context.Background()
	pol, err := RedundantPolicy(2)
	require.NoError(t, err)
	key, err := b.Save(ctx, pol, payload("m1"))
	require.NoError(t, err)

	b.Ack(1, key)
	b.Ack(1, key) // duplicate, must not double-decrement
	b.Ack(1, key)
	time.Sleep(30 * time.Millisecond)

	require.False(t, isEmpty(t, b), "duplicate acks from the same backend must not satisfy redundancy")

	b.Ack(2, key)
	time.Sleep(30 * time.Millisecond)

	require.True(t, isEmpty(t, b))
}

func TestEarlyAckRace(t *testing.T) {
	defer leaktest.Check(t)()
	b, _ := openTestBuf(t, defaultCfg())
	defer b.Close()

	// Ack arrives before any save for key 1.
	b.Ack(1, 1)
	time.Sleep(20 * time.Millisecond)

	ctx := context.Background()
	key, err := b.Save(ctx, RoundRobinPolicy(), payload("m1"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), key)

	time.Sleep(20 * time.Millisecond)
	require.True(t, isEmpty(t, b))
}

func TestRetryExhaustionDiscardsSilently(t *testing.T) {
	defer leaktest.Check(t)()
	cfg := Config{Tries: 2, Interval: 15 * time.Millisecond, Threshold: 1 * time.Millisecond}
	b, _ := openTestBuf(t, cfg)
	defer b.Close()

	ctx := context.Background()
	_, err := b.Save(ctx, RoundRobinPolicy(), payload("m1"))
	require.NoError(t, err)

	// drain resend requests so the reactor never blocks on the channel
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-b.Resends():
			case <-done:
				return
			}
		}
	}()

	time.Sleep(120 * time.Millisecond)
	close(done)

	require.True(t, isEmpty(t, b))
}

func TestResendProducesNewKeyAndTombstone(t *testing.T) {
	defer leaktest.Check(t)()
	cfg := Config{Tries: 5, Interval: 15 * time.Millisecond, Threshold: 1 * time.Millisecond}
	b, _ := openTestBuf(t, cfg)
	defer b.Close()

	ctx := context.Background()
	key, err := b.Save(ctx, RoundRobinPolicy(), payload("m1"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), key)

	select {
	case rr := <-b.Resends():
		require.Equal(t, uint32(2), rr.Key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resend")
	}

	// a late ack against the original key follows the tombstone to the new
	// key and acknowledges the message there.
	b.Ack(1, key)
	time.Sleep(30 * time.Millisecond)
}

func TestCrashRecoveryRestoresSeqAndLastStored(t *testing.T) {
	defer leaktest.Check(t)()
	dir := t.TempDir()
	store, err := pkv.Open(dir, "buf.pkv", pkv.DefaultOptions())
	require.NoError(t, err)

	b, err := Open(defaultCfg(), store, logging.Nop(), metrics.Noop{})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = b.Save(ctx, RoundRobinPolicy(), payload("m1"))
	require.NoError(t, err)
	k2, err := b.Save(ctx, RoundRobinPolicy(), payload("m2"))
	require.NoError(t, err)
	_, err = b.Save(ctx, RoundRobinPolicy(), payload("m3"))
	require.NoError(t, err)

	b.Ack(1, k2)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, b.Close())

	store2, err := pkv.Open(dir, "buf.pkv", pkv.DefaultOptions())
	require.NoError(t, err)
	b2, err := Open(defaultCfg(), store2, logging.Nop(), metrics.Noop{})
	require.NoError(t, err)
	defer b2.Close()

	require.Equal(t, uint32(3), b2.seq)
	require.Equal(t, uint32(3), b2.lastStored)
}

// TestFatalPKVErrorStopsReactorAndSurfacesOnFatal exercises spec
// §4.3.5/§7's Io/Corrupt path: closing the store out from under a running
// Buf makes the next handler observe ErrIO, which must stop the reactor
// and deliver the error on Fatal() for cmd/samwised to act on, rather
// than silently leaving the reactor (and every future Save/Ack) dead.
func TestFatalPKVErrorStopsReactorAndSurfacesOnFatal(t *testing.T) {
	defer leaktest.Check(t)()
	b, _ := openTestBuf(t, defaultCfg())

	require.NoError(t, b.store.Close())

	ctx := context.Background()
	_, err := b.Save(ctx, RoundRobinPolicy(), payload("m1"))
	require.Error(t, err)
	require.True(t, isFatal(err), "save error after store close must be classified fatal")

	select {
	case ferr := <-b.Fatal():
		require.Error(t, ferr)
		require.True(t, isFatal(ferr))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Fatal()")
	}

	select {
	case <-b.doneCh:
	case <-time.After(time.Second):
		t.Fatal("reactor goroutine did not exit after fatal error")
	}

	// the reactor loop has already returned; a further Save must fail
	// with ErrClosed rather than hang or panic on a dead channel.
	_, err = b.Save(ctx, RoundRobinPolicy(), payload("m2"))
	require.ErrorIs(t, err, ErrClosed)
}
