package wmsg

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestPopPicture(t *testing.T) {
	m := New(Frame("42"), Frame("hello"), Frame{0x01, 0x02})

	vals, err := m.Pop("is f")
	require.Error(t, err) // four picture characters, only three frames

	vals, err = m.Pop("is")
	require.NoError(t, err)
	require.Equal(t, int64(42), vals[0])
	require.Equal(t, "hello", vals[1])
	require.Equal(t, 1, m.Len())
}

func TestPopTooFewFrames(t *testing.T) {
	m := New(Frame("1"))
	_, err := m.Pop("ii")
	require.Error(t, err)
}

func TestContainIsIdempotent(t *testing.T) {
	m := New(Frame("7"), Frame("rest"))

	first, err := m.Contain("i")
	require.NoError(t, err)
	require.Equal(t, int64(7), first[0])
	require.Equal(t, 1, m.Len())

	for i := 0; i < 3; i++ {
		again, err := m.Contained("i")
		require.NoError(t, err)
		require.Equal(t, int64(7), again[0])
	}
}

func TestDupIsDeepCopy(t *testing.T) {
	orig := New(Frame{1, 2, 3})
	dup := orig.Dup()

	orig.frames[0][0] = 0xff
	require.Equal(t, byte(1), dup.frames[0][0])
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := New(Frame("round"), Frame("robin"), Frame{0, 0, 0}, Frame(""))

	buf := m.Encode(nil)
	require.Len(t, buf, m.EncodedSize())

	decoded, n, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)

	if diff := cmp.Diff(m.Frames(), decoded.Frames()); diff != "" {
		t.Fatalf("decode round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeTruncated(t *testing.T) {
	m := New(Frame("abc"))
	buf := m.Encode(nil)

	_, _, err := Decode(buf[:len(buf)-1])
	require.Error(t, err)

	_, _, err = Decode(buf[:2])
	require.Error(t, err)
}

func TestEncodeEmptyMessage(t *testing.T) {
	m := New()
	buf := m.Encode(nil)
	require.Equal(t, 4, len(buf))

	decoded, n, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, 0, decoded.Len())
}
