package session

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceSWD/pkg/apierr"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/probe"
	"github.com/OpenTraceLab/OpenTraceSWD/pkg/rtt"
)

const (
	cbAt      = 0x20002000
	upNameAt  = 0x20002100
	upBufAt   = 0x20002200
	upSize    = 64
	downBufAt = 0x20002300
	downSize  = 16
)

func words(vs ...uint32) []byte {
	var out []byte
	for _, v := range vs {
		out = binary.LittleEndian.AppendUint32(out, v)
	}
	return out
}

// pokeControlBlock lays out one up and one down channel the way a target
// runtime would.
func pokeControlBlock(t *testing.T, target *probe.SimTarget) {
	t.Helper()
	hdr := append([]byte(rtt.ID), make([]byte, rtt.IDSize-len(rtt.ID))...)
	hdr = append(hdr, words(1, 1)...)
	hdr = append(hdr, words(upNameAt, upBufAt, upSize, 0, 0, 0)...)
	hdr = append(hdr, words(0, downBufAt, downSize, 0, 0, 0)...)
	require.NoError(t, target.Poke(cbAt, hdr))
	require.NoError(t, target.Poke(upNameAt, []byte("Terminal\x00")))
}

// setUp places data in the up ring and moves the offsets to match.
func setUp(t *testing.T, target *probe.SimTarget, rd uint32, data []byte) {
	t.Helper()
	for i, c := range data {
		off := (rd + uint32(i)) % upSize
		require.NoError(t, target.Poke(upBufAt+off, []byte{c}))
	}
	wr := (rd + uint32(len(data))) % upSize
	desc := uint32(cbAt + rtt.HeaderSize)
	require.NoError(t, target.Poke(desc+12, words(wr, rd)))
}

func findControlBlock(t *testing.T, s *Session) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		found, err := s.RTTIsControlBlockFound()
		require.NoError(t, err)
		if found {
			return
		}
	}
	t.Fatal("control block not found")
}

func TestRTTNeedsStart(t *testing.T) {
	b := connected(t)
	s := b.s

	_, err := s.RTTIsControlBlockFound()
	requireKind(t, err, apierr.InvalidOperation)
	_, err = s.RTTRead(0, 10)
	requireKind(t, err, apierr.InvalidOperation)
	_, err = s.RTTWrite(0, []byte("x"))
	requireKind(t, err, apierr.InvalidOperation)
	_, _, err = s.RTTReadChannelCount()
	requireKind(t, err, apierr.InvalidOperation)

	started, err := s.RTTIsStarted()
	require.NoError(t, err)
	assert.False(t, started)
	require.NoError(t, s.RTTStop(), "stop without start")
}

func TestRTTScan(t *testing.T) {
	b := connected(t)
	s := b.s
	pokeControlBlock(t, b.target)
	setUp(t, b.target, 0, []byte("hello"))

	require.NoError(t, s.RTTStart())
	requireKind(t, s.RTTStart(), apierr.InvalidOperation)
	requireKind(t, s.RTTSetControlBlockAddress(cbAt), apierr.InvalidOperation)

	// The search never finishes in a single call.
	found, err := s.RTTIsControlBlockFound()
	require.NoError(t, err)
	assert.False(t, found)
	findControlBlock(t, s)

	_, err = s.RTTRead(0, -1)
	requireKind(t, err, apierr.InvalidParameter)
	got, err := s.RTTRead(0, 100)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	got, err = s.RTTRead(0, 100)
	require.NoError(t, err)
	assert.Empty(t, got)

	setUp(t, b.target, upSize-3, []byte("wrapped"))
	got, err = s.RTTRead(0, 4)
	require.NoError(t, err)
	assert.Equal(t, "wrap", string(got))
	got, err = s.RTTRead(0, 100)
	require.NoError(t, err)
	assert.Equal(t, "ped", string(got))

	_, err = s.RTTRead(1, 10)
	requireKind(t, err, apierr.InvalidParameter)
}

func TestRTTWrite(t *testing.T) {
	b := connected(t)
	s := b.s
	pokeControlBlock(t, b.target)
	require.NoError(t, s.RTTStart())
	findControlBlock(t, s)

	n, err := s.RTTWrite(0, []byte("0123456789abcdefghij"))
	require.NoError(t, err)
	assert.Equal(t, downSize-1, n, "one slot stays free")
	ring, err := b.target.Peek(downBufAt, downSize-1)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcde", string(ring))

	n, err = s.RTTWrite(0, []byte("more"))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.RTTWrite(1, []byte("x"))
	requireKind(t, err, apierr.InvalidParameter)
}

func TestRTTChannels(t *testing.T) {
	b := connected(t)
	s := b.s
	pokeControlBlock(t, b.target)
	require.NoError(t, s.RTTStart())
	findControlBlock(t, s)

	down, up, err := s.RTTReadChannelCount()
	require.NoError(t, err)
	assert.Equal(t, 1, down)
	assert.Equal(t, 1, up)

	info, err := s.RTTReadChannelInfo(0, rtt.Up)
	require.NoError(t, err)
	assert.Equal(t, ChannelInfo{Index: 0, Direction: rtt.Up, Name: "Terminal", Size: upSize}, info)

	info, err = s.RTTReadChannelInfo(0, rtt.Down)
	require.NoError(t, err)
	assert.Equal(t, ChannelInfo{Index: 0, Direction: rtt.Down, Size: downSize}, info)

	_, err = s.RTTReadChannelInfo(2, rtt.Down)
	requireKind(t, err, apierr.InvalidParameter)
}

func TestRTTFixedAddress(t *testing.T) {
	b := connected(t)
	s := b.s
	pokeControlBlock(t, b.target)

	requireKind(t, s.RTTSetControlBlockAddress(0x1000), apierr.InvalidParameter)
	require.NoError(t, s.RTTSetControlBlockAddress(cbAt+0x10))
	require.NoError(t, s.RTTStart())
	found, err := s.RTTIsControlBlockFound()
	require.NoError(t, err)
	assert.False(t, found, "no block at the configured address")
	require.NoError(t, s.RTTStop())

	require.NoError(t, s.RTTSetControlBlockAddress(cbAt))
	require.NoError(t, s.RTTStart())
	found, err = s.RTTIsControlBlockFound()
	require.NoError(t, err)
	assert.True(t, found, "configured address is checked directly")
}

func TestRTTStopWipesID(t *testing.T) {
	b := connected(t)
	s := b.s
	pokeControlBlock(t, b.target)
	require.NoError(t, s.RTTStart())
	findControlBlock(t, s)

	require.NoError(t, s.RTTStop())
	started, err := s.RTTIsStarted()
	require.NoError(t, err)
	assert.False(t, started)

	id, err := b.target.Peek(cbAt, rtt.IDSize)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, rtt.IDSize), id)

	_, err = s.RTTRead(0, 1)
	requireKind(t, err, apierr.InvalidOperation)
}
