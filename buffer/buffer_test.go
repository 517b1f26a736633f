package buffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrependAndAdvance(t *testing.T) {
	b := NewRAM(100, 20)
	assert.Equal(t, 100, b.Len)
	assert.Equal(t, 100, b.TotLen)
	assert.Equal(t, 20, b.Offset())

	if !b.Prepend(20) {
		t.Fatal("Prepend failed with sufficient headroom")
	}
	assert.Equal(t, 120, b.Len)
	assert.Equal(t, 0, b.Offset())

	if b.Prepend(1) {
		t.Fatal("Prepend succeeded with exhausted headroom")
	}

	b.Advance(20)
	assert.Equal(t, 100, b.Len)
	assert.Equal(t, 20, b.Offset())

	b.RewindTo(0)
	assert.Equal(t, 120, b.Len)
	assert.Equal(t, 120, b.TotLen)
}

func TestTailroom(t *testing.T) {
	b := NewRAM(100, 20)
	b.Len = 60
	b.TotLen = 60
	assert.Equal(t, 40, b.Tailroom())

	copy(b.Tail(10), bytes.Repeat([]byte{0xAB}, 10))
	b.Len += 10
	b.TotLen += 10
	assert.Equal(t, 30, b.Tailroom())
	assert.Equal(t, byte(0xAB), b.Payload()[60])
}

func TestCatFixesTotLen(t *testing.T) {
	a := NewRAM(10, 0)
	b := NewRAM(20, 0)
	c := NewRAM(30, 0)
	a.Cat(b)
	assert.Equal(t, 30, a.TotLen)
	assert.Equal(t, 20, b.TotLen)

	a.Cat(c)
	assert.Equal(t, 60, a.TotLen)
	assert.Equal(t, 50, b.TotLen)
	assert.Equal(t, 30, c.TotLen)

	assert.Equal(t, 3, a.Clen())
	assert.Equal(t, c, a.Last())

	// The chain invariant holds at every node
	for p := a; p != nil; p = p.Next {
		want := p.Len
		if p.Next != nil {
			want += p.Next.TotLen
		}
		assert.Equal(t, want, p.TotLen)
	}
}

func TestWritable(t *testing.T) {
	b := NewRAM(10, 0)
	assert.True(t, b.Writable())
	b.Ref = 2
	assert.False(t, b.Writable())
}

func TestStackHeader(t *testing.T) {
	payload := NewView([]byte{1, 2, 3, 4}, ZeroCopy)
	hdr := []byte{9, 9}
	s := NewStackHeader(hdr, payload)
	assert.Equal(t, Stack, s.Type)
	assert.Equal(t, 2, s.Len)
	assert.Equal(t, 6, s.TotLen)
	assert.Equal(t, payload, s.Next)
}

func TestSetPayloadRef(t *testing.T) {
	ext := []byte{1, 2, 3, 4, 5}
	b := NewRAM(3, 8)
	b.SetPayloadRef(ext[1:4])
	assert.True(t, bytes.Equal(b.Payload(), []byte{2, 3, 4}))

	// Mutations through the buffer are visible to the owner: the bytes
	// are referenced, not copied
	b.Payload()[0] = 7
	assert.Equal(t, byte(7), ext[1])
}
