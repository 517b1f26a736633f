package tcp

import (
	"golang.org/x/sys/unix"

	"github.com/ustackio/ustack/buffer"
	"github.com/ustackio/ustack/header"
	"github.com/ustackio/ustack/seqnum"
	"github.com/ustackio/ustack/types"
)

// WriteFlags qualify one Write call
type WriteFlags uint16

const (
	// WriteFlagCopy copies the data into stack-owned memory
	WriteFlagCopy WriteFlags = 0x01

	// WriteFlagMore tells that more data follows shortly. It does not
	// suppress PSH: the last segment of a write gets PSH whenever the
	// push-flag policy is enabled
	WriteFlagMore WriteFlags = 0x02

	// WriteFlagRexmit marks a retransmission request
	WriteFlagRexmit WriteFlags = 0x08

	// WriteFlagDummy enqueues a locally-accounted segment that is
	// unrolled after emission
	WriteFlagDummy WriteFlags = 0x10

	// WriteFlagTSO marks a write as eligible for offloaded segmentation.
	// The write path does not read it; offload follows the connection's
	// TSO caps
	WriteFlagTSO WriteFlags = 0x20

	// WriteFlagFile sources the bytes from a file descriptor
	WriteFlagFile WriteFlags = 0x40

	// WriteFlagZeroCopy references the caller memory instead of copying
	WriteFlagZeroCopy WriteFlags = 0x80
)

// Limits of the vectored read used for file writes
const (
	piovMaxSize = 512
	piovMaxLen  = 65536
)

// writeChecks validates state, send-buffer credit and queue-length budgets
// before a write is segmented
func (pcb *PCB) writeChecks(length uint32) error {
	switch pcb.state {
	case types.Established, types.CloseWait, types.SynSent, types.SynRcvd:
	default:
		pcb.logger.Warnf("write called in invalid state %v", pcb.state)
		return types.ErrInvalidState
	}
	if length == 0 {
		return nil
	}

	if length > pcb.SndBuf {
		pcb.logger.Debugf("write: too much data (len=%d > snd_buf=%d)", length, pcb.SndBuf)
		pcb.memErr()
		return types.ErrMemExhausted
	}

	if pcb.SndQueuelen >= pcb.MaxUnsentLen || pcb.SndQueuelen > SndQueuelenOverflow {
		pcb.logger.Debugf("write: too long queue %d (max %d)", pcb.SndQueuelen, pcb.MaxUnsentLen)
		pcb.memErr()
		return types.ErrMemExhausted
	}
	return nil
}

// xmitSizeGoal computes the per-call segmentation goal: at least the MSS
// (grown to the TSO buffer cap when useMax), never more than half the
// largest window the peer ever announced
func (pcb *PCB) xmitSizeGoal(useMax bool) int {
	size := uint32(pcb.MSS)

	if pcb.Flags&FlagTimestamp != 0 {
		// ensure that segments can hold at least one data byte
		if size < header.TCPOptionTSSize+1 {
			size = header.TCPOptionTSSize + 1
		}
	}

	if useMax && pcb.tsoEnabled() && pcb.TSO.MaxBufSz != 0 {
		if size < pcb.TSO.MaxBufSz {
			size = pcb.TSO.MaxBufSz
		}
	}

	// don't build segments bigger than half the maximum window we ever
	// received
	if half := pcb.SndWndMax >> 1; size > half {
		size = half
	}
	return int(size)
}

// Write buffers data for sending. Nothing is transmitted until Output is
// called; segments are built here so consecutive writes coalesce.
func (pcb *PCB) Write(data []byte, apiflags WriteFlags, desc *buffer.Desc) error {
	if data == nil {
		return types.ErrInvalidArg
	}
	return pcb.write(data, len(data), apiflags, desc)
}

// WriteFile buffers length bytes read from the file descriptor in desc at
// desc.Offset. The bytes are gathered with a vectored read; a short read
// aborts the whole write, since partial writes are not allowed.
func (pcb *PCB) WriteFile(length int, apiflags WriteFlags, desc *buffer.Desc) error {
	if desc == nil || desc.Attr != buffer.DescFD {
		return types.ErrInvalidArg
	}
	return pcb.write(nil, length, apiflags|WriteFlagFile, desc)
}

func (pcb *PCB) write(data []byte, length int, apiflags WriteFlags, desc *buffer.Desc) error {
	var concatP *buffer.Buffer
	var queue, prevSeg, seg *Segment
	pos := 0
	oversize := 0
	oversizeUsed := 0

	isZerocopy := apiflags&WriteFlagZeroCopy != 0
	isFile := apiflags&WriteFlagFile != 0 && !isZerocopy
	typ := buffer.RAM
	if isZerocopy {
		typ = buffer.ZeroCopy
	}

	byteQueued := uint32(pcb.Lastack.Size(pcb.SndNxt))
	if length < int(pcb.MSS) && apiflags&WriteFlagDummy == 0 {
		pcb.SndSmlAdd = pcb.unackedLen() + byteQueued
	}

	if err := pcb.writeChecks(uint32(length)); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	queuelen := pcb.SndQueuelen

	mssLocal := pcb.xmitSizeGoal(true)
	if isZerocopy {
		mssLocal = int(pcb.engine.cfg.ZeroCopyTxSize)
	}

	var optflags SegOptFlags
	if apiflags&WriteFlagDummy != 0 {
		optflags |= OptDummy
	}
	if isZerocopy {
		optflags |= OptZeroCopy
	}
	if pcb.Flags&FlagTimestamp != 0 {
		optflags |= OptTS
	}
	optlen := optLength(optflags)
	mssLocalMinusOpts := mssLocal - optlen
	if isZerocopy {
		// options will reside in the segment's header scratch area
		optlen = 0
	}

	var piov [][]byte
	piovCurLen := 0
	var offset, offsetNext int64
	if isFile {
		offset = desc.Offset
		offsetNext = offset
	}

	// memerr rolls back every allocation staged so far; committed pcb
	// state is untouched by construction, as all mutation below happens
	// on locals until the commit block
	memerr := func() error {
		pcb.memErr()
		if concatP != nil {
			pcb.freeTxBuffer(concatP)
		}
		if queue != nil {
			pcb.freeSegments(queue)
		}
		pcb.logger.Debugf("write: %d (with mem err)", pcb.SndQueuelen)
		return types.ErrMemExhausted
	}

	/*
	 * Segmentation is done in three phases with increasing complexity:
	 *
	 * 1. Copy data directly into the oversized tail of the last unsent
	 *    buffer.
	 * 2. Chain a new buffer to the end of the last unsent segment.
	 * 3. Create new segments.
	 *
	 * Memory can run out at any point; nothing on the pcb changes until
	 * the commit at the bottom. Progress is tracked in pos, queuelen and
	 * oversize.
	 */
	if pcb.Unsent != nil {
		var space int

		if pcb.LastUnsent == nil || pcb.LastUnsent.Next != nil {
			for pcb.LastUnsent = pcb.Unsent; pcb.LastUnsent.Next != nil; pcb.LastUnsent = pcb.LastUnsent.Next {
			}
		}

		// Usable space at the end of the last unsent segment
		unsentOptlen := optLength(pcb.LastUnsent.Flags)
		if pcb.LastUnsent.P == nil || pcb.LastUnsent.P.Type == typ {
			if space = mssLocal - (pcb.LastUnsent.Len + unsentOptlen); space < 0 {
				space = 0
			}
		} else {
			space = 0
		}
		seg = pcb.LastUnsent
		totP := 0
		if seg.P != nil {
			totP = seg.P.Clen()
		}

		/*
		 * Phase 1: the copy into the preallocated tail happens at
		 * commit time; only the byte count is decided here.
		 */
		if pcb.UnsentOversize > 0 && !isFile && !isZerocopy {
			oversize = int(pcb.UnsentOversize)
			oversizeUsed = oversize
			if oversizeUsed > length {
				oversizeUsed = length
			}
			pos += oversizeUsed
			oversize -= oversizeUsed
			space -= oversizeUsed
		}

		/*
		 * Phase 2: chain one new buffer to the last unsent segment.
		 * Segments carrying SYN/FIN or options only (len==0) are not
		 * extended. The buffer is kept in concatP and concatenated at
		 * commit time.
		 */
		if !isFile && !isZerocopy && pos < length && space > 0 &&
			pcb.LastUnsent.Len > 0 && totP < int(pcb.TSO.MaxSendSGE) {
			seglen := space
			if rem := length - pos; rem < seglen {
				seglen = rem
			}

			concatP, oversize = pcb.pbufPrealloc(seglen, space, typ, true, true, desc, nil)
			if concatP == nil {
				pcb.logger.Debugf("write: could not allocate memory for buffer copy size %d", seglen)
				return memerr()
			}
			copy(concatP.Payload(), data[pos:pos+seglen])

			pos += seglen
			queuelen += uint32(concatP.Clen())
		}
	} else {
		pcb.LastUnsent = nil
	}

	/*
	 * Phase 3: create new segments, chained together in the local queue
	 * until the commit appends them to pcb.Unsent.
	 */
	for pos < length {
		left := length - pos
		maxLen := mssLocalMinusOpts
		seglen := left
		if seglen > maxLen {
			seglen = maxLen
		}
		if isZerocopy {
			// exact-size buffer, to later avoid the oversize flow
			maxLen = seglen
		}

		p, ov := pcb.pbufPrealloc(seglen+optlen, maxLen, typ, true, queue == nil, desc, nil)
		if p == nil {
			pcb.logger.Debugf("write: could not allocate memory for buffer copy size %d", seglen)
			return memerr()
		}
		oversize = ov

		if isZerocopy {
			p.SetPayloadRef(data[pos : pos+seglen])
		} else if isFile {
			piov = append(piov, p.Payload()[optlen:optlen+seglen])
			piovCurLen += seglen
			offsetNext += int64(seglen)
			if left <= seglen || len(piov) >= piovMaxSize || piovCurLen >= piovMaxLen {
				// The whole write fails on any unexpected return,
				// partial writes are not supported
				n, err := unix.Preadv(desc.FD, piov, offset)
				if err != nil || n != piovCurLen {
					pcb.freeTxBuffer(p)
					return memerr()
				}
				piov = piov[:0]
				piovCurLen = 0
				offset = offsetNext
			}
		} else {
			copy(p.Payload()[optlen:], data[pos:pos+seglen])
		}

		queuelen += uint32(p.Clen())

		// With more buffers queued, re-check the queue budget
		if queuelen > pcb.MaxUnsentLen || queuelen > SndQueuelenOverflow {
			pcb.logger.Debugf("write: queue too long %d (%d)", queuelen, pcb.MaxUnsentLen)
			pcb.freeTxBuffer(p)
			return memerr()
		}

		if seg = pcb.createSegment(p, 0, pcb.SndLbb.Add(seqnum.Size(pos)), optflags); seg == nil {
			pcb.freeTxBuffer(p)
			return memerr()
		}

		if queue == nil {
			queue = seg
		} else {
			prevSeg.Next = seg
		}
		prevSeg = seg

		pcb.logger.Debugf("write: queueing %d:%d", uint32(seg.Seqno), uint32(seg.Seqno)+uint32(seg.tcpLen()))
		pos += seglen
	}

	/*
	 * All three phases succeeded: commit.
	 */

	// Phase 1: pay the tail bytes into the last unsent chain
	if oversizeUsed > 0 {
		for p := pcb.LastUnsent.P; p != nil; p = p.Next {
			p.TotLen += oversizeUsed
			if p.Next == nil {
				copy(p.Tail(oversizeUsed), data[:oversizeUsed])
				p.Len += oversizeUsed
			}
		}
		pcb.LastUnsent.Len += oversizeUsed
	}
	pcb.UnsentOversize = uint16(oversize)

	// Phase 2: concatenate concatP onto the last unsent segment
	if concatP != nil {
		pcb.LastUnsent.P.Cat(concatP)
		pcb.LastUnsent.Len += concatP.TotLen
	}

	// Phase 3: append the new segments to the unsent queue
	if pcb.LastUnsent == nil {
		pcb.Unsent = queue
	} else {
		pcb.LastUnsent.Next = queue
	}
	pcb.LastUnsent = seg

	pcb.SndLbb = pcb.SndLbb.Add(seqnum.Size(length))
	pcb.SndBuf -= uint32(length)
	pcb.SndQueuelen = queuelen

	// Set the PSH flag on the last enqueued segment
	if pcb.engine.cfg.EnablePushFlag && seg != nil && seg.hdr != nil {
		seg.hdr.SetFlagBits(header.TCPFlagPsh)
	}

	pcb.logger.Debugf("write: mss %d, %d queued", mssLocal, pcb.SndQueuelen)
	return nil
}

// EnqueueFlags appends a header-only segment carrying SYN and/or FIN. The
// queue-length budget is bypassed for FIN so closing is always possible.
func (pcb *PCB) EnqueueFlags(flags uint8) error {
	if flags&(header.TCPFlagSyn|header.TCPFlagFin) == 0 {
		return types.ErrInvalidArg
	}

	if (pcb.SndQueuelen >= pcb.MaxUnsentLen || pcb.SndQueuelen > SndQueuelenOverflow) &&
		flags&header.TCPFlagFin == 0 {
		pcb.logger.Debugf("enqueueFlags: too long queue %d (max %d)", pcb.SndQueuelen, pcb.MaxUnsentLen)
		pcb.memErr()
		return types.ErrMemExhausted
	}

	var optflags SegOptFlags
	if flags&header.TCPFlagSyn != 0 {
		optflags = OptMSS
		if pcb.engine.cfg.EnableWndScale &&
			(pcb.state != types.SynRcvd || pcb.Flags&FlagWndScale != 0) {
			// In a <SYN,ACK> the window scale option may only be
			// sent if the remote host sent one first
			optflags |= OptWndScale
		}
		if pcb.EnableTSOpt && flags&header.TCPFlagAck == 0 {
			// initial timestamp announcement, connecting side only
			optflags |= OptTS
		}
	}
	if pcb.Flags&FlagTimestamp != 0 {
		optflags |= OptTS
	}
	optlen := optLength(optflags)

	p := pcb.allocTxBuffer(optlen, buffer.RAM, nil, nil)
	if p == nil {
		pcb.memErr()
		return types.ErrMemExhausted
	}
	seg := pcb.createSegment(p, flags, pcb.SndLbb, optflags)
	if seg == nil {
		pcb.memErr()
		pcb.freeTxBuffer(p)
		return types.ErrMemExhausted
	}

	pcb.logger.Debugf("enqueueFlags: queueing %d:%d (0x%x)", uint32(seg.Seqno), uint32(seg.Seqno)+uint32(seg.tcpLen()), flags)

	if pcb.Unsent == nil {
		pcb.Unsent = seg
	} else {
		useg := pcb.Unsent
		for useg.Next != nil {
			useg = useg.Next
		}
		useg.Next = seg
	}
	pcb.LastUnsent = seg
	// The new unsent tail has no free space
	pcb.UnsentOversize = 0

	// SYN and FIN occupy one sequence number each, but never consume
	// send-buffer credit
	pcb.SndLbb = pcb.SndLbb.Add(1)
	if flags&header.TCPFlagFin != 0 {
		pcb.Flags |= FlagFin
	}

	pcb.SndQueuelen += uint32(seg.P.Clen())
	return nil
}
