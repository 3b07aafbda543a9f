package desegment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/segscope/internal/core"
)

func TestChunkStoreExistingBytesWin(t *testing.T) {
	var s chunkStore
	assert.Equal(t, 4, s.insert(2, []byte("CDEF"), 1))
	assert.Equal(t, 4, s.insert(0, []byte("abcdefgh"), 2), "only uncovered bytes are kept")
	assert.Zero(t, s.insert(3, []byte("xyz"), 3))
	id, ok := s.packetAt(6)
	require.True(t, ok)
	assert.Equal(t, core.PacketID(2), id)
	assert.Equal(t, uint32(8), s.contiguous())
	assert.Equal(t, "abCDEFgh", string(s.prefix(8)))
}

func TestRegistryAppendAndClose(t *testing.T) {
	r := NewRegistry()
	h := r.Create(100, 110, 1)

	require.NoError(t, r.Append(h, 100, []byte("hello"), 1))
	assert.False(t, r.MaybeClose(h))

	require.NoError(t, r.Append(h, 105, []byte("world!!"), 2)) // two bytes past the end
	require.True(t, r.MaybeClose(h))

	data, err := r.Bytes(h)
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(data))

	err = r.Append(h, 110, []byte("x"), 3)
	assert.True(t, errors.Is(err, core.ErrMessageClosed))

	require.NoError(t, r.Close(h, 2))
	m, err := r.Get(h)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, m.State)
	assert.Equal(t, core.PacketID(2), m.ReassembledIn)
	assert.Equal(t, []core.PacketID{1, 2}, m.Packets())

	_, _, ok := r.Lookup(105)
	assert.False(t, ok)
}

func TestRegistryGapTolerant(t *testing.T) {
	r := NewRegistry()
	h := r.Create(0, 9, 1)
	require.NoError(t, r.Append(h, 6, []byte("ghi"), 2))
	require.NoError(t, r.Append(h, 0, []byte("abc"), 1))
	assert.False(t, r.MaybeClose(h))

	data, err := r.Bytes(h)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))

	require.NoError(t, r.Append(h, 3, []byte("def"), 3))
	assert.True(t, r.MaybeClose(h))
}

func TestRegistrySplit(t *testing.T) {
	r := NewRegistry()
	h := r.Create(0, 30, 1)
	require.NoError(t, r.Append(h, 0, make([]byte, 10), 1))
	require.NoError(t, r.Append(h, 10, make([]byte, 10), 2))
	require.NoError(t, r.Append(h, 20, make([]byte, 10), 3))

	b, err := r.Split(h, 21)
	require.NoError(t, err)

	mb, err := r.Get(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(21), mb.Seq)
	assert.Equal(t, uint32(30), mb.End)
	assert.Equal(t, core.PacketID(3), mb.FirstPacket, "first packet contributes byte 21")
	assert.Equal(t, StateOpen, mb.State)

	ma, _ := r.Get(h)
	assert.Equal(t, uint32(21), ma.End)

	again, err := r.Split(h, 21)
	require.NoError(t, err)
	assert.Equal(t, b, again, "split is idempotent")

	data, err := r.Bytes(b)
	require.NoError(t, err)
	assert.Len(t, data, 9)
}

func TestRegistryExpectNextSegment(t *testing.T) {
	r := NewRegistry()
	h := r.Create(0, 4, 1)
	require.NoError(t, r.Append(h, 0, []byte("abcd"), 1))
	require.NoError(t, r.ExpectNextSegment(h))

	got, m, ok := r.Lookup(4)
	require.True(t, ok)
	assert.Equal(t, h, got)
	assert.True(t, m.EntireNextSegment)

	require.NoError(t, r.Append(h, 4, []byte("efghij"), 2))
	assert.Equal(t, uint32(10), m.End)
	assert.True(t, r.MaybeClose(h))
}

func TestRegistryUntilEnd(t *testing.T) {
	r := NewRegistry()
	h := r.Create(0, 1, 1)
	require.NoError(t, r.ExpectUntilEnd(h))
	require.NoError(t, r.Append(h, 0, []byte("abc"), 1))
	require.NoError(t, r.Append(h, 3, []byte("def"), 2))
	assert.False(t, r.MaybeClose(h))

	_, _, ok := r.Lookup(1000)
	assert.True(t, ok)

	data, err := r.Bytes(h)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))
}

func TestRegistryLookupPrefersLatest(t *testing.T) {
	r := NewRegistry()
	outer := r.Create(100, 150, 1)
	inner := r.Create(120, 130, 2)

	h, _, ok := r.Lookup(125)
	require.True(t, ok)
	assert.Equal(t, inner, h)

	h, _, ok = r.Lookup(110)
	require.True(t, ok)
	assert.Equal(t, outer, h)
}

func TestRegistrySizeBound(t *testing.T) {
	r := NewRegistry()
	h := r.Create(0, 4, 1)
	err := r.Extend(h, DefaultMaxMessageBytes+1)
	assert.True(t, errors.Is(err, core.ErrMessageTooLarge))
	require.NoError(t, r.Extend(h, DefaultMaxMessageBytes))

	r.SetMaxBytes(8)
	u := r.Create(100, 101, 2)
	require.NoError(t, r.ExpectUntilEnd(u))
	require.NoError(t, r.Append(u, 100, []byte("abcdefgh"), 2))
	err = r.Append(u, 108, []byte("i"), 3)
	assert.True(t, errors.Is(err, core.ErrMessageTooLarge))
	m, err := r.Get(u)
	require.NoError(t, err)
	assert.Equal(t, 8, m.Stored())
}

func TestRegistryStaleHandle(t *testing.T) {
	r := NewRegistry()
	h := r.Create(0, 1, 1)
	require.NoError(t, r.Close(h, 1))
	r.Release(h)

	_, err := r.Get(h)
	assert.True(t, errors.Is(err, core.ErrStaleHandle))

	h2 := r.Create(5, 6, 2)
	assert.NotEqual(t, h, h2)
	_, err = r.Get(h)
	assert.True(t, errors.Is(err, core.ErrStaleHandle))
	assert.Equal(t, 1, r.Len())

	_, err = r.Get(Handle{})
	assert.True(t, errors.Is(err, core.ErrMessageNotFound))
}
