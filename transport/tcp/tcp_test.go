package tcp_test

import (
	"bytes"
	"os"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ustackio/ustack/buffer"
	"github.com/ustackio/ustack/checker"
	"github.com/ustackio/ustack/config"
	"github.com/ustackio/ustack/header"
	"github.com/ustackio/ustack/seqnum"
	"github.com/ustackio/ustack/transport/tcp"
	"github.com/ustackio/ustack/types"
)

const (
	testLocalPort  = 1234
	testRemotePort = 4321

	// testISS is the initial send sequence number used throughout the
	// tests
	testISS = seqnum.Value(10000)

	// testIRS mimics the peer's initial sequence number
	testIRS = seqnum.Value(50000)
)

type testFrame struct {
	data  []byte
	flags tcp.OutputFlags
}

func (f testFrame) payload() []byte {
	return header.TCP(f.data).Payload()
}

// testContext wires a PCB to stub hooks that capture every emitted frame
type testContext struct {
	t      *testing.T
	engine *tcp.Engine
	pcb    *tcp.PCB

	frames []testFrame

	// outErrs is consumed one entry per emission; nil entries emit
	// normally
	outErrs []error

	// allocCountdown, when positive, fails the Nth buffer allocation
	allocCountdown int
	segAllocFail   bool

	now uint32
}

func newContext(t *testing.T, mss uint16) *testContext {
	c := &testContext{t: t, now: 100000}

	hooks := tcp.Hooks{
		Now:      func() uint32 { return c.now },
		RouteMTU: func(*tcp.PCB) uint16 { return 1500 },
		AllocBuffer: func(conn interface{}, size int, typ buffer.Type, desc *buffer.Desc, hint *buffer.Buffer) *buffer.Buffer {
			if c.allocCountdown > 0 {
				c.allocCountdown--
				if c.allocCountdown == 0 {
					return nil
				}
			}
			b := buffer.NewRAM(size, 64)
			b.Type = typ
			if desc != nil {
				b.Desc = *desc
			}
			return b
		},
		FreeBuffer: func(conn interface{}, p *buffer.Buffer) {},
		AllocSegment: func(conn interface{}) *tcp.Segment {
			if c.segAllocFail {
				return nil
			}
			return &tcp.Segment{}
		},
		FreeSegment: func(conn interface{}, seg *tcp.Segment) {},
	}

	logger := log.New()
	logger.SetLevel(log.ErrorLevel)

	c.engine = tcp.NewEngine(hooks, config.Default(), tcp.WithLogger(logger))

	pcb := c.engine.NewPCB(tcp.PriorityNormal, nil)
	pcb.LocalPort = testLocalPort
	pcb.RemotePort = testRemotePort
	pcb.IPOutput = c.ipOutput
	pcb.UpdateMSS(mss)
	pcb.AdvtsdMSS = mss
	pcb.SetState(types.Established)
	pcb.SndNxt = testISS
	pcb.SndLbb = testISS
	pcb.Lastack = testISS
	pcb.SndWnd = 65535
	pcb.SndWndMax = 65535
	pcb.Cwnd = 65535
	pcb.RcvNxt = testIRS
	pcb.RcvAnnWnd = 30000
	c.pcb = pcb
	return c
}

func (c *testContext) ipOutput(p *buffer.Buffer, seg *tcp.Segment, pcb *tcp.PCB, flags tcp.OutputFlags) error {
	if len(c.outErrs) > 0 {
		err := c.outErrs[0]
		c.outErrs = c.outErrs[1:]
		if err != nil {
			return err
		}
	}
	var data []byte
	for node := p; node != nil; node = node.Next {
		data = append(data, node.Payload()...)
	}
	c.frames = append(c.frames, testFrame{data: data, flags: flags})
	return nil
}

// takeFrames drains the captured frames
func (c *testContext) takeFrames() []testFrame {
	f := c.frames
	c.frames = nil
	return f
}

// ackAll mimics the external ACK processing: every in-flight byte is
// acknowledged, the unacked queue is freed and the send-buffer credit comes
// back
func (c *testContext) ackAll() {
	pcb := c.pcb
	for seg := pcb.Unacked; seg != nil; seg = seg.Next {
		pcb.SndBuf += uint32(seg.Len)
		pcb.SndQueuelen -= uint32(seg.P.Clen())
	}
	pcb.Unacked = nil
	pcb.LastUnacked = nil
	pcb.Lastack = pcb.SndNxt
	pcb.Flags &^= tcp.FlagInFR
}

// segLen is the sequence-space footprint of a queued segment
func segLen(seg *tcp.Segment) seqnum.Size {
	l := seqnum.Size(seg.Len)
	if seg.Header() != nil && seg.Header().Flags()&(header.TCPFlagSyn|header.TCPFlagFin) != 0 {
		l++
	}
	return l
}

// checkQueues asserts the structural invariants of the transmit queues:
// monotone contiguous sequence numbers, valid cached tails, consistent
// byte and oversize accounting
func checkQueues(t *testing.T, pcb *tcp.PCB) {
	t.Helper()

	var queuedBytes seqnum.Size
	var phantoms seqnum.Size

	walk := func(name string, head, cachedTail *tcp.Segment) {
		var last *tcp.Segment
		for seg := head; seg != nil; seg = seg.Next {
			if seg.Next != nil && seg.Seqno.Add(segLen(seg)) != seg.Next.Seqno {
				t.Fatalf("%s: discontinuity at %d: %d+%d != %d",
					name, uint32(seg.Seqno), uint32(seg.Seqno), uint32(segLen(seg)), uint32(seg.Next.Seqno))
			}
			queuedBytes += seqnum.Size(seg.Len)
			if seg.Header().Flags()&(header.TCPFlagSyn|header.TCPFlagFin) != 0 {
				phantoms++
			}
			last = seg
		}
		if cachedTail != last {
			t.Fatalf("%s: cached tail out of date", name)
		}
	}
	walk("unacked", pcb.Unacked, pcb.LastUnacked)
	walk("unsent", pcb.Unsent, pcb.LastUnsent)

	if pcb.Unacked != nil && pcb.Unsent != nil {
		if end := pcb.LastUnacked.Seqno.Add(segLen(pcb.LastUnacked)); pcb.Unsent.Seqno.LessThan(end) {
			t.Fatalf("unsent head %d overlaps unacked end %d", uint32(pcb.Unsent.Seqno), uint32(end))
		}
	}

	// Byte conservation over both queues
	if want := pcb.Lastack.Size(pcb.SndLbb); queuedBytes+phantoms != want {
		t.Fatalf("byte conservation: queued %d + phantoms %d != snd_lbb-lastack %d",
			queuedBytes, phantoms, want)
	}

	// Oversize accuracy
	if pcb.LastUnsent == nil {
		if pcb.UnsentOversize != 0 {
			t.Fatalf("unsent empty but oversize = %d", pcb.UnsentOversize)
		}
	} else if pcb.LastUnsent.P != nil {
		if free := pcb.LastUnsent.P.Last().Tailroom(); int(pcb.UnsentOversize) != free {
			t.Fatalf("oversize %d does not match tail free bytes %d", pcb.UnsentOversize, free)
		}
	}
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestWriteThenOutputBasic(t *testing.T) {
	c := newContext(t, 1000)
	c.pcb.SndWnd = 5000
	c.pcb.Cwnd = 5000

	data := testData(2500)
	require.NoError(t, c.pcb.Write(data, tcp.WriteFlagCopy, nil))
	checkQueues(t, c.pcb)

	require.NoError(t, c.pcb.Output())
	checkQueues(t, c.pcb)

	frames := c.takeFrames()
	require.Len(t, frames, 3)

	wantLens := []int{1000, 1000, 500}
	pos := 0
	for i, f := range frames {
		flags := uint8(header.TCPFlagAck)
		if i == 2 {
			flags |= header.TCPFlagPsh
		}
		checker.TCP(t, f.data,
			checker.SrcPort(testLocalPort),
			checker.DstPort(testRemotePort),
			checker.SeqNum(uint32(testISS)+uint32(pos)),
			checker.AckNum(uint32(testIRS)),
			checker.TCPFlags(flags),
			checker.PayloadLen(wantLens[i]),
			checker.Payload(data[pos:pos+wantLens[i]]),
		)
		pos += wantLens[i]
	}

	assert.Equal(t, testISS.Add(2500), c.pcb.SndNxt)
	assert.Nil(t, c.pcb.Unsent)

	n := 0
	for seg := c.pcb.Unacked; seg != nil; seg = seg.Next {
		n++
	}
	assert.Equal(t, 3, n)
}

func TestOutputRespectsSendWindow(t *testing.T) {
	c := newContext(t, 1000)
	c.pcb.SndWnd = 1000
	c.pcb.Cwnd = 5000

	data := testData(4000)
	require.NoError(t, c.pcb.Write(data, tcp.WriteFlagCopy|tcp.WriteFlagMore, nil))
	require.NoError(t, c.pcb.Output())
	checkQueues(t, c.pcb)

	frames := c.takeFrames()
	require.Len(t, frames, 1)
	checker.TCP(t, frames[0].data,
		checker.SeqNum(uint32(testISS)),
		checker.PayloadLen(1000),
		checker.Payload(data[:1000]),
	)

	n := 0
	for seg := c.pcb.Unsent; seg != nil; seg = seg.Next {
		n++
	}
	assert.Equal(t, 3, n)
}

func TestNagleHoldsSmallSegment(t *testing.T) {
	c := newContext(t, 1000)

	require.NoError(t, c.pcb.Write(testData(900), tcp.WriteFlagCopy, nil))
	require.NoError(t, c.pcb.Output())
	require.Len(t, c.takeFrames(), 1)

	// A small write while the first segment is still in flight stays
	// queued
	data := testData(800)
	require.NoError(t, c.pcb.Write(data, tcp.WriteFlagCopy, nil))
	require.NoError(t, c.pcb.Output())
	assert.Empty(t, c.takeFrames())
	checkQueues(t, c.pcb)

	// Acknowledging the outstanding segment releases it
	c.ackAll()
	require.NoError(t, c.pcb.Output())
	frames := c.takeFrames()
	require.Len(t, frames, 1)
	checker.TCP(t, frames[0].data, checker.PayloadLen(800), checker.Payload(data))
}

func TestSmallTailOfBurstIsNotDelayed(t *testing.T) {
	c := newContext(t, 1000)

	// The sub-MSS tail of a multi-segment burst goes out with the burst
	require.NoError(t, c.pcb.Write(testData(2500), tcp.WriteFlagCopy, nil))
	require.NoError(t, c.pcb.Output())
	assert.Len(t, c.takeFrames(), 3)
}

func TestTSOMerge(t *testing.T) {
	c := newContext(t, 1000)
	c.pcb.SndWnd = 10000
	c.pcb.Cwnd = 10000
	c.pcb.TSO.MaxPayloadSz = 10000
	c.pcb.TSO.MaxSendSGE = 16

	data := testData(1500)
	require.NoError(t, c.pcb.Write(data, tcp.WriteFlagCopy, nil))
	require.NoError(t, c.pcb.Output())
	checkQueues(t, c.pcb)

	frames := c.takeFrames()
	require.Len(t, frames, 1)
	assert.NotZero(t, frames[0].flags&tcp.OutputTSO)
	checker.TCP(t, frames[0].data,
		checker.SeqNum(uint32(testISS)),
		checker.PayloadLen(1500),
		checker.Payload(data),
	)

	assert.Equal(t, testISS.Add(1500), c.pcb.SndNxt)
	assert.Nil(t, c.pcb.Unsent)
}

func TestTSOMergeRespectsPayloadCap(t *testing.T) {
	c := newContext(t, 1000)
	c.pcb.SndWnd = 30000
	c.pcb.Cwnd = 30000
	c.pcb.TSO.MaxPayloadSz = 2000
	c.pcb.TSO.MaxSendSGE = 16

	data := testData(3000)
	require.NoError(t, c.pcb.Write(data, tcp.WriteFlagCopy, nil))
	require.NoError(t, c.pcb.Output())
	checkQueues(t, c.pcb)

	// 2000 bytes fit one offloaded send, the rest goes separately
	frames := c.takeFrames()
	require.Len(t, frames, 2)
	checker.TCP(t, frames[0].data, checker.PayloadLen(2000))
	checker.TCP(t, frames[1].data, checker.PayloadLen(1000))

	// Payload equality across the merge
	var got []byte
	for _, f := range frames {
		got = append(got, f.payload()...)
	}
	assert.True(t, bytes.Equal(got, data))
}

func TestFastRetransmit(t *testing.T) {
	c := newContext(t, 1000)

	data := testData(1000)
	require.NoError(t, c.pcb.Write(data, tcp.WriteFlagCopy, nil))
	require.NoError(t, c.pcb.Output())
	require.Len(t, c.takeFrames(), 1)

	// Third duplicate ACK
	c.pcb.Dupacks = 3
	c.pcb.RexmitFast()
	checkQueues(t, c.pcb)

	wantSsthresh := uint32(65535) / 2
	assert.Equal(t, wantSsthresh, c.pcb.Ssthresh)
	assert.Equal(t, wantSsthresh+3*1000, c.pcb.Cwnd)
	assert.NotZero(t, c.pcb.Flags&tcp.FlagInFR)

	require.NoError(t, c.pcb.Output())
	frames := c.takeFrames()
	require.Len(t, frames, 1)
	assert.NotZero(t, frames[0].flags&tcp.OutputRexmit)
	checker.TCP(t, frames[0].data,
		checker.SeqNum(uint32(testISS)),
		checker.Payload(data),
	)

	// A fourth duplicate ACK must not retrigger
	cwnd := c.pcb.Cwnd
	c.pcb.Dupacks = 4
	c.pcb.RexmitFast()
	require.NoError(t, c.pcb.Output())
	assert.Empty(t, c.takeFrames())
	assert.Equal(t, cwnd, c.pcb.Cwnd)
}

func TestFINMergesOntoLastSegment(t *testing.T) {
	c := newContext(t, 1000)

	data := testData(10)
	require.NoError(t, c.pcb.Write(data, tcp.WriteFlagCopy, nil))

	lbb := c.pcb.SndLbb
	require.NoError(t, c.pcb.SendFIN())
	assert.Equal(t, lbb.Add(1), c.pcb.SndLbb)
	assert.NotZero(t, c.pcb.Flags&tcp.FlagFin)
	checkQueues(t, c.pcb)

	// Still a single segment: the FIN rode along
	require.NotNil(t, c.pcb.Unsent)
	assert.Nil(t, c.pcb.Unsent.Next)

	require.NoError(t, c.pcb.Output())
	frames := c.takeFrames()
	require.Len(t, frames, 1)
	checker.TCP(t, frames[0].data,
		checker.TCPFlags(header.TCPFlagAck|header.TCPFlagPsh|header.TCPFlagFin),
		checker.PayloadLen(10),
		checker.Payload(data),
	)
	assert.Equal(t, testISS.Add(11), c.pcb.SndNxt)
}

func TestFINAloneWhenLastSegmentIsControl(t *testing.T) {
	c := newContext(t, 1000)
	c.pcb.SetState(types.SynSent)
	require.NoError(t, c.pcb.EnqueueFlags(header.TCPFlagSyn))

	// The SYN cannot carry the FIN; a separate segment is enqueued
	require.NoError(t, c.pcb.SendFIN())
	checkQueues(t, c.pcb)

	n := 0
	for seg := c.pcb.Unsent; seg != nil; seg = seg.Next {
		n++
	}
	assert.Equal(t, 2, n)
}

func TestZeroWindow(t *testing.T) {
	c := newContext(t, 1000)
	c.pcb.SndWnd = 0

	require.NoError(t, c.pcb.Write(testData(500), tcp.WriteFlagCopy, nil))
	require.NoError(t, c.pcb.Output())
	assert.Empty(t, c.takeFrames())
	checkQueues(t, c.pcb)

	// A forced ACK still goes out as an empty segment
	c.pcb.Flags |= tcp.FlagAckNow
	require.NoError(t, c.pcb.Output())
	frames := c.takeFrames()
	require.Len(t, frames, 1)
	checker.TCP(t, frames[0].data,
		checker.SeqNum(uint32(c.pcb.SndNxt)),
		checker.AckNum(uint32(testIRS)),
		checker.TCPFlags(header.TCPFlagAck),
		checker.PayloadLen(0),
	)
	assert.Zero(t, c.pcb.Flags&tcp.FlagAckNow)
}

func TestWindowScaleUnscaledOnSyn(t *testing.T) {
	c := newContext(t, 1000)
	c.pcb.SetState(types.SynSent)
	c.pcb.SndNxt = testISS
	c.pcb.RcvScale = 3
	c.pcb.RcvAnnWnd = 240000

	require.NoError(t, c.pcb.EnqueueFlags(header.TCPFlagSyn))
	require.NoError(t, c.pcb.Output())
	checkQueues(t, c.pcb)

	frames := c.takeFrames()
	require.Len(t, frames, 1)
	checker.TCP(t, frames[0].data,
		checker.TCPFlags(header.TCPFlagSyn),
		// The window on a SYN carrying the scale option is unscaled,
		// clamped to 16 bits
		checker.Window(65535),
		checker.TCPOption(header.TCPOptionMSS, []byte{0x03, 0xE8}),
		checker.TCPOption(header.TCPOptionWS, []byte{3}),
	)
	assert.Equal(t, testISS.Add(1), c.pcb.SndNxt)

	// Segments sent after the handshake advertise the scaled window
	c.ackAll()
	c.pcb.SetState(types.Established)
	require.NoError(t, c.pcb.SendEmptyACK())
	frames = c.takeFrames()
	require.Len(t, frames, 1)
	checker.TCP(t, frames[0].data,
		checker.Window(240000>>3),
		checker.NoTCPOption(header.TCPOptionWS),
	)
}

func TestTimestampOption(t *testing.T) {
	c := newContext(t, 1000)
	c.pcb.Flags |= tcp.FlagTimestamp
	c.pcb.TsRecent = 777
	c.now = 123450

	require.NoError(t, c.pcb.Write(testData(100), tcp.WriteFlagCopy, nil))
	require.NoError(t, c.pcb.Output())
	checkQueues(t, c.pcb)

	frames := c.takeFrames()
	require.Len(t, frames, 1)
	checker.TCP(t, frames[0].data,
		checker.PayloadLen(100),
		checker.TCPOption(header.TCPOptionTimestamp, []byte{
			0, 1, 226, 58, // 123450
			0, 0, 3, 9, // 777
		}),
	)
}

func TestWriteCoalescesIntoOversizeTail(t *testing.T) {
	c := newContext(t, 1000)

	first := testData(500)
	second := testData(300)
	require.NoError(t, c.pcb.Write(first, tcp.WriteFlagCopy|tcp.WriteFlagMore, nil))
	checkQueues(t, c.pcb)
	assert.Equal(t, uint16(500), c.pcb.UnsentOversize)
	assert.Equal(t, uint32(1), c.pcb.SndQueuelen)

	require.NoError(t, c.pcb.Write(second, tcp.WriteFlagCopy, nil))
	checkQueues(t, c.pcb)

	// Still one segment and one buffer: the bytes went into the tail
	require.NotNil(t, c.pcb.Unsent)
	assert.Nil(t, c.pcb.Unsent.Next)
	assert.Equal(t, 800, c.pcb.Unsent.Len)
	assert.Equal(t, uint32(1), c.pcb.SndQueuelen)
	assert.Equal(t, uint16(200), c.pcb.UnsentOversize)

	require.NoError(t, c.pcb.Output())
	frames := c.takeFrames()
	require.Len(t, frames, 1)
	want := append(append([]byte{}, first...), second...)
	checker.TCP(t, frames[0].data, checker.PayloadLen(800), checker.Payload(want))
}

func TestRetransmitSplitsMultiBufferSegment(t *testing.T) {
	c := newContext(t, 1000)
	// Force phase 2 on the second write: no oversize slack on the first
	c.pcb.TCPOversizeVal = 0

	first := testData(200)
	second := testData(300)
	require.NoError(t, c.pcb.Write(first, tcp.WriteFlagCopy, nil))
	require.NoError(t, c.pcb.Write(second, tcp.WriteFlagCopy, nil))
	checkQueues(t, c.pcb)

	// One segment, two buffers
	require.NotNil(t, c.pcb.Unsent)
	assert.Nil(t, c.pcb.Unsent.Next)
	assert.Equal(t, 500, c.pcb.Unsent.Len)
	assert.Equal(t, uint32(2), c.pcb.SndQueuelen)

	require.NoError(t, c.pcb.Output())
	frames := c.takeFrames()
	require.Len(t, frames, 1)
	checker.TCP(t, frames[0].data, checker.PayloadLen(500))

	// The retransmission must not reference interior buffers of one
	// segment: each buffer is re-sent as a segment of its own
	c.pcb.RexmitRTO()
	checkQueues(t, c.pcb)
	frames = c.takeFrames()
	require.Len(t, frames, 2)

	for _, f := range frames {
		assert.NotZero(t, f.flags&tcp.OutputRexmit)
	}
	checker.TCP(t, frames[0].data,
		checker.SeqNum(uint32(testISS)),
		checker.PayloadLen(200),
		checker.Payload(first),
	)
	checker.TCP(t, frames[1].data,
		checker.SeqNum(uint32(testISS)+200),
		checker.PayloadLen(300),
		checker.Payload(second),
	)
}

func TestWindowSplitRoundTrip(t *testing.T) {
	c := newContext(t, 1000)
	c.pcb.SndWnd = 700

	data := testData(1500)
	require.NoError(t, c.pcb.Write(data, tcp.WriteFlagCopy, nil))
	require.NoError(t, c.pcb.Output())
	checkQueues(t, c.pcb)

	// Exactly the window-worth of bytes went out
	frames := c.takeFrames()
	require.Len(t, frames, 1)
	checker.TCP(t, frames[0].data,
		checker.SeqNum(uint32(testISS)),
		checker.PayloadLen(700),
		checker.Payload(data[:700]),
	)

	// Open the window and drain the rest; concatenation restores the
	// original byte stream
	c.ackAll()
	c.pcb.SndWnd = 65535
	require.NoError(t, c.pcb.Output())
	checkQueues(t, c.pcb)

	got := append([]byte{}, data[:700]...)
	for _, f := range c.takeFrames() {
		got = append(got, f.payload()...)
	}
	assert.True(t, bytes.Equal(got, data))
	assert.Nil(t, c.pcb.Unsent)
}

func TestDummySegmentIsUnrolled(t *testing.T) {
	c := newContext(t, 1000)

	lbb := c.pcb.SndLbb
	sndBuf := c.pcb.SndBuf
	require.NoError(t, c.pcb.Write(testData(100), tcp.WriteFlagCopy|tcp.WriteFlagDummy, nil))
	assert.Equal(t, lbb.Add(100), c.pcb.SndLbb)

	require.NoError(t, c.pcb.Output())
	frames := c.takeFrames()
	require.Len(t, frames, 1)
	assert.NotZero(t, frames[0].flags&tcp.OutputDummy)

	// The dummy never reaches the peer: accounting is rolled back and
	// nothing is retransmittable
	assert.Equal(t, lbb, c.pcb.SndLbb)
	assert.Equal(t, sndBuf, c.pcb.SndBuf)
	assert.Zero(t, c.pcb.SndQueuelen)
	assert.Nil(t, c.pcb.Unacked)
	assert.Equal(t, testISS, c.pcb.SndNxt)
}

func TestZeroCopyWrite(t *testing.T) {
	c := newContext(t, 1000)

	data := testData(5000)
	require.NoError(t, c.pcb.Write(data, tcp.WriteFlagZeroCopy, nil))
	checkQueues(t, c.pcb)

	require.NoError(t, c.pcb.Output())
	frames := c.takeFrames()
	require.Len(t, frames, 1)
	assert.NotZero(t, frames[0].flags&tcp.OutputZeroCopy)
	checker.TCP(t, frames[0].data,
		checker.SeqNum(uint32(testISS)),
		checker.PayloadLen(5000),
		checker.Payload(data),
	)
}

func TestFileWrite(t *testing.T) {
	c := newContext(t, 1000)

	data := testData(2500)
	f, err := os.CreateTemp(t.TempDir(), "txfile")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(data)
	require.NoError(t, err)

	desc := &buffer.Desc{Attr: buffer.DescFD, FD: int(f.Fd())}
	require.NoError(t, c.pcb.WriteFile(2500, 0, desc))
	checkQueues(t, c.pcb)

	require.NoError(t, c.pcb.Output())
	var got []byte
	for _, fr := range c.takeFrames() {
		got = append(got, fr.payload()...)
	}
	assert.True(t, bytes.Equal(got, data))
}

func TestWriteFailureIsTransactional(t *testing.T) {
	c := newContext(t, 1000)

	// Seed some queued state first
	require.NoError(t, c.pcb.Write(testData(700), tcp.WriteFlagCopy|tcp.WriteFlagMore, nil))
	checkQueues(t, c.pcb)

	snapLbb := c.pcb.SndLbb
	snapBuf := c.pcb.SndBuf
	snapQueuelen := c.pcb.SndQueuelen
	snapOversize := c.pcb.UnsentOversize
	snapLen := c.pcb.Unsent.Len

	// Fail the second buffer allocation of the next write. The write
	// needs several buffers, so it must roll back completely.
	c.allocCountdown = 2
	err := c.pcb.Write(testData(2500), tcp.WriteFlagCopy, nil)
	require.Equal(t, types.ErrMemExhausted, err)
	c.allocCountdown = 0

	assert.Equal(t, snapLbb, c.pcb.SndLbb)
	assert.Equal(t, snapBuf, c.pcb.SndBuf)
	assert.Equal(t, snapQueuelen, c.pcb.SndQueuelen)
	assert.Equal(t, snapOversize, c.pcb.UnsentOversize)
	assert.Equal(t, snapLen, c.pcb.Unsent.Len)
	assert.Nil(t, c.pcb.Unsent.Next)
	assert.NotZero(t, c.pcb.Flags&tcp.FlagNagleMemErr)
	checkQueues(t, c.pcb)
}

func TestWriteFailureOnSegmentAlloc(t *testing.T) {
	c := newContext(t, 1000)

	snapLbb := c.pcb.SndLbb
	snapBuf := c.pcb.SndBuf

	c.segAllocFail = true
	err := c.pcb.Write(testData(1500), tcp.WriteFlagCopy, nil)
	require.Equal(t, types.ErrMemExhausted, err)
	c.segAllocFail = false

	assert.Equal(t, snapLbb, c.pcb.SndLbb)
	assert.Equal(t, snapBuf, c.pcb.SndBuf)
	assert.Nil(t, c.pcb.Unsent)
	checkQueues(t, c.pcb)
}

func TestWriteChecks(t *testing.T) {
	c := newContext(t, 1000)

	c.pcb.SetState(types.Closed)
	assert.Equal(t, types.ErrInvalidState, c.pcb.Write(testData(10), tcp.WriteFlagCopy, nil))

	c.pcb.SetState(types.Established)
	assert.Equal(t, types.ErrInvalidArg, c.pcb.Write(nil, tcp.WriteFlagCopy, nil))

	// Zero-length writes succeed without queueing anything
	require.NoError(t, c.pcb.Write([]byte{}, tcp.WriteFlagCopy, nil))
	assert.Nil(t, c.pcb.Unsent)

	// Exceeding the send buffer fails and flags the memory error
	err := c.pcb.Write(make([]byte, c.pcb.SndBuf+1), tcp.WriteFlagCopy, nil)
	assert.Equal(t, types.ErrMemExhausted, err)
	assert.NotZero(t, c.pcb.Flags&tcp.FlagNagleMemErr)
}

func TestEnqueueFlagsQueueLimitBypassedForFIN(t *testing.T) {
	c := newContext(t, 1000)

	c.pcb.SndQueuelen = c.pcb.MaxUnsentLen
	assert.Equal(t, types.ErrMemExhausted, c.pcb.EnqueueFlags(header.TCPFlagSyn))

	// FIN always comes through
	require.NoError(t, c.pcb.EnqueueFlags(header.TCPFlagFin))
	assert.NotZero(t, c.pcb.Flags&tcp.FlagFin)
}

func TestWouldBlockIsRetried(t *testing.T) {
	c := newContext(t, 1000)

	data := testData(1000)
	require.NoError(t, c.pcb.Write(data, tcp.WriteFlagCopy, nil))

	c.outErrs = []error{types.ErrWouldBlock}
	require.NoError(t, c.pcb.Output())
	assert.Empty(t, c.takeFrames())
	assert.True(t, c.pcb.IsLastSegDropped)

	// The next pass forcibly retransmits the dropped segment
	require.NoError(t, c.pcb.Output())
	checkQueues(t, c.pcb)
	frames := c.takeFrames()
	require.Len(t, frames, 1)
	checker.TCP(t, frames[0].data,
		checker.SeqNum(uint32(testISS)),
		checker.Payload(data),
	)
	assert.False(t, c.pcb.IsLastSegDropped)
}

func TestOutputNoopsDuringInput(t *testing.T) {
	c := newContext(t, 1000)

	require.NoError(t, c.pcb.Write(testData(1000), tcp.WriteFlagCopy, nil))
	c.pcb.IsInInput = true
	require.NoError(t, c.pcb.Output())
	assert.Empty(t, c.takeFrames())

	c.pcb.IsInInput = false
	require.NoError(t, c.pcb.Output())
	assert.Len(t, c.takeFrames(), 1)
}

func TestKeepalive(t *testing.T) {
	c := newContext(t, 1000)
	c.pcb.TicksSinceDataSent = -1

	require.NoError(t, c.pcb.Keepalive())
	frames := c.takeFrames()
	require.Len(t, frames, 1)
	checker.TCP(t, frames[0].data,
		checker.SeqNum(uint32(c.pcb.SndNxt)-1),
		checker.AckNum(uint32(testIRS)),
		checker.TCPFlags(header.TCPFlagAck),
		checker.PayloadLen(0),
	)
	assert.Equal(t, int32(0), c.pcb.TicksSinceDataSent)
}

func TestZeroWindowProbe(t *testing.T) {
	c := newContext(t, 1000)
	c.pcb.SndWnd = 0

	data := testData(100)
	require.NoError(t, c.pcb.Write(data, tcp.WriteFlagCopy, nil))
	require.NoError(t, c.pcb.Output())
	require.Empty(t, c.takeFrames())

	require.NoError(t, c.pcb.ZeroWindowProbe())
	frames := c.takeFrames()
	require.Len(t, frames, 1)
	checker.TCP(t, frames[0].data,
		checker.SeqNum(uint32(testISS)),
		checker.PayloadLen(1),
		checker.Payload(data[:1]),
	)

	// The probed byte tentatively advances snd_nxt
	assert.Equal(t, testISS.Add(1), c.pcb.SndNxt)
}

func TestZeroWindowProbeFIN(t *testing.T) {
	c := newContext(t, 1000)
	c.pcb.SndWnd = 0

	require.NoError(t, c.pcb.SendFIN())
	require.NoError(t, c.pcb.ZeroWindowProbe())
	frames := c.takeFrames()
	require.Len(t, frames, 1)
	checker.TCP(t, frames[0].data,
		checker.TCPFlags(header.TCPFlagAck|header.TCPFlagFin),
		checker.PayloadLen(0),
	)
}

func TestSendRST(t *testing.T) {
	c := newContext(t, 1000)

	c.pcb.SendRST(4242, 2424, testLocalPort, testRemotePort)
	frames := c.takeFrames()
	require.Len(t, frames, 1)
	checker.TCP(t, frames[0].data,
		checker.SrcPort(testLocalPort),
		checker.DstPort(testRemotePort),
		checker.SeqNum(4242),
		checker.AckNum(2424),
		checker.TCPFlags(header.TCPFlagRst|header.TCPFlagAck),
		checker.Window(65535),
		checker.PayloadLen(0),
	)
}

func TestIsWndAvailable(t *testing.T) {
	c := newContext(t, 1000)
	c.pcb.SndWnd = 3000
	c.pcb.Cwnd = 3000

	assert.True(t, c.pcb.IsWndAvailable(3000))
	assert.False(t, c.pcb.IsWndAvailable(3001))

	require.NoError(t, c.pcb.Write(testData(1000), tcp.WriteFlagCopy, nil))
	assert.True(t, c.pcb.IsWndAvailable(2000))
	assert.False(t, c.pcb.IsWndAvailable(2001))
}

func TestRecycle(t *testing.T) {
	c := newContext(t, 1000)

	require.NoError(t, c.pcb.Write(testData(1500), tcp.WriteFlagCopy, nil))
	require.NoError(t, c.pcb.Output())
	c.takeFrames()

	c.pcb.Recycle()
	assert.Nil(t, c.pcb.Unsent)
	assert.Nil(t, c.pcb.Unacked)
	assert.Zero(t, c.pcb.SndQueuelen)
	assert.Equal(t, c.pcb.MaxSndBuff, c.pcb.SndBuf)
	assert.Equal(t, types.Closed, c.pcb.State())
}

func TestStateObserver(t *testing.T) {
	var observed []types.State
	c := newContext(t, 1000)

	// A fresh engine with an observer wired in
	hooks := tcp.Hooks{
		Now:          func() uint32 { return 0 },
		RouteMTU:     func(*tcp.PCB) uint16 { return 1500 },
		AllocBuffer:  func(conn interface{}, size int, typ buffer.Type, desc *buffer.Desc, hint *buffer.Buffer) *buffer.Buffer { return buffer.NewRAM(size, 64) },
		FreeBuffer:   func(conn interface{}, p *buffer.Buffer) {},
		AllocSegment: func(conn interface{}) *tcp.Segment { return &tcp.Segment{} },
		FreeSegment:  func(conn interface{}, seg *tcp.Segment) {},
		StateObserver: func(container interface{}, s types.State) {
			observed = append(observed, s)
		},
	}
	engine := tcp.NewEngine(hooks, nil)
	pcb := engine.NewPCB(200, "conn-1") // out-of-range priority falls back
	assert.Equal(t, uint8(tcp.PriorityNormal), pcb.Prio)

	pcb.SetState(types.SynSent)
	pcb.SetState(types.Established)
	assert.Equal(t, []types.State{types.SynSent, types.Established}, observed)
	_ = c
}
