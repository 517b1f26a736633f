package tcp

import (
	"github.com/ustackio/ustack/buffer"
	"github.com/ustackio/ustack/header"
	"github.com/ustackio/ustack/seqnum"
	"github.com/ustackio/ustack/types"
)

// nagleAllowsOutput reports whether the Nagle algorithm permits sending the
// head of the unsent queue now
func (pcb *PCB) nagleAllowsOutput() bool {
	return pcb.Unacked == nil || pcb.NagleDisabled() ||
		(pcb.Unsent != nil &&
			(pcb.Unsent.Next != nil || pcb.Unsent.Len >= int(pcb.MSS)))
}

// Output finds out what can be sent and sends it.
//
// Segments leave the unsent queue head first, paced by the effective window
// and the Nagle/Minshall rules, and move to the unacked queue once handed to
// the IP output hook. Transient backpressure from the hook is absorbed here:
// the segment is marked dropped and retried on the next call.
func (pcb *PCB) Output() error {
	// When invoked from within input processing, hold back: the input
	// path re-invokes Output once it is done with the shared counters.
	if pcb.IsInInput {
		return nil
	}

	wnd := pcb.wnd()

	if pcb.IsLastSegDropped && pcb.Unacked != nil && pcb.Unacked.Next == nil {
		// The previous pass lost its only in-flight segment at the IP
		// hook; put it back in front of everything unsent.
		pcb.IsLastSegDropped = false
		pcb.Unacked.Next = pcb.Unsent
		pcb.Unsent = pcb.Unacked
		pcb.Unacked = nil
		pcb.LastUnacked = nil
	}
	seg := pcb.Unsent

	// If an immediate ACK is due and no data can go out, either because
	// nothing is queued or the window does not take the head segment,
	// send a standalone ACK. Otherwise the ACK piggybacks below.
	if pcb.Flags&FlagAckNow != 0 &&
		(seg == nil || uint32(pcb.Lastack.Size(seg.Seqno))+uint32(seg.Len) > wnd) {
		return pcb.SendEmptyACK()
	}

	var rc error
	for seg != nil && rc == nil {
		// A TSO segment sits in unsent only when it is being
		// retransmitted. Convert it back to plain segments unless it
		// can go out whole, then drop the mark; the split and join
		// steps below re-derive it.
		if seg.Flags&OptTSO != 0 {
			seg = pcb.rexmitSegment(seg, wnd)
		}
		seg.Flags &^= OptTSO

		if seg.Seqno.LessThan(pcb.SndNxt) && seg.P != nil && seg.P.Len != seg.P.TotLen {
			pcb.splitRexmit(seg)
		}

		// Window smaller than the head segment: send what fits now
		if pcb.Unacked == nil && wnd != 0 &&
			uint32(seg.Len)+uint32(pcb.Lastack.Size(seg.Seqno)) > wnd {
			pcb.splitSegment(seg, wnd)
		}

		if uint32(pcb.Lastack.Size(seg.Seqno))+uint32(seg.Len) > wnd {
			break
		}

		// Hold small segments back while another small segment is
		// outstanding, unless a FIN is pending or a previous enqueue
		// failed on memory (the peer may be waiting on a delayed ACK
		// we owe either way)
		if !pcb.nagleAllowsOutput() && !seg.isDummy() &&
			pcb.Flags&(FlagNagleMemErr|FlagFin) == 0 {
			if pcb.SndSmlSnt > pcb.unackedLen() {
				break
			}
			nextLen := 0
			if seg.Next != nil {
				nextLen = seg.Next.Len
			}
			if uint32(nextLen+seg.Len) <= pcb.SndSmlAdd {
				// A small segment written while bytes were
				// outstanding stays queued until the in-flight
				// data is acked; a small tail of a larger burst
				// goes out with it
				pcb.SndSmlSnt = pcb.SndSmlAdd
				break
			}
		}

		if pcb.tsoEnabled() {
			pcb.tsoSegment(seg, wnd)
		}

		// A dummy cannot carry the pending ACK to the peer; send the
		// ACK for real first
		if seg.isDummy() && pcb.Flags&(FlagAckDelay|FlagAckNow) != 0 {
			pcb.SendEmptyACK()
		}

		if pcb.state != types.SynSent {
			seg.hdr.SetFlagBits(header.TCPFlagAck)
			pcb.Flags &^= FlagAckDelay | FlagAckNow
		}

		rc = pcb.outputSegment(seg)
		if rc != nil && pcb.Unacked != nil {
			// Transmission failed; keep the segment in unsent and
			// retry on the next pass. At least one unacked segment
			// exists, so the retransmit timer stays armed.
			break
		}
		if rc == types.ErrWouldBlock {
			// The hook dropped the segment; remember to force a
			// retransmit on the next pass
			pcb.IsLastSegDropped = true
		}

		pcb.Unsent = seg.Next
		if sndNxt := seg.Seqno.Add(seqnum.Size(seg.tcpLen())); pcb.SndNxt.LessThan(sndNxt) && !seg.isDummy() {
			pcb.SndNxt = sndNxt
		}

		if seg.tcpLen() > 0 {
			seg.Next = nil
			if seg.isDummy() {
				// A dummy never reaches the peer: give its
				// reservation back right away
				pcb.SndLbb -= seqnum.Value(seg.Len)
				pcb.SndBuf += uint32(seg.Len)
				pcb.SndQueuelen -= uint32(seg.P.Clen())
				pcb.freeSegment(seg)
			} else if pcb.Unacked == nil {
				pcb.Unacked = seg
				pcb.LastUnacked = seg
			} else if useg := pcb.LastUnacked; seg.Seqno.LessThan(useg.Seqno) {
				// Fast retransmit: the segment belongs before
				// the tail; walk to its sorted slot
				cur := &pcb.Unacked
				for *cur != nil && (*cur).Seqno.LessThan(seg.Seqno) {
					cur = &(*cur).Next
				}
				seg.Next = *cur
				*cur = seg
			} else {
				useg.Next = seg
				pcb.LastUnacked = seg
			}
		} else {
			// Empty segments have nothing to retransmit
			pcb.freeSegment(seg)
		}
		seg = pcb.Unsent
	}

	if pcb.Unsent == nil {
		// Everything pending went out
		pcb.LastUnsent = nil
		pcb.UnsentOversize = 0
	}

	pcb.Flags &^= FlagNagleMemErr

	// Refill the prefetch singletons for the next pass
	if pcb.segAlloc == nil {
		pcb.segAlloc = pcb.createSegment(nil, 0, 0, 0)
	}
	if pcb.pbufAlloc == nil {
		pcb.pbufAlloc = pcb.allocTxBuffer(0, buffer.RAM, nil, nil)
	}

	if rc == types.ErrWouldBlock {
		rc = nil
	}
	return rc
}

// outputSegment finalizes the header of seg and hands it to the IP output
// hook. Everything except ackno, window, options and checksum was filled
// when the segment was built.
func (pcb *PCB) outputSegment(seg *Segment) error {
	seg.hdr.SetAckNumber(uint32(pcb.RcvNxt))

	if seg.Flags&OptWndScale != 0 {
		// The window in a SYN segment itself (the only segment type
		// carrying the window scale option) is never scaled
		seg.hdr.SetWindowSize(wnd16(pcb.RcvAnnWnd))
	} else {
		seg.hdr.SetWindowSize(wnd16(pcb.RcvAnnWnd >> pcb.RcvScale))
	}

	if !seg.isDummy() {
		pcb.RcvAnnRightEdge = pcb.RcvNxt.Add(seqnum.Size(pcb.RcvAnnWnd))
	}

	// Options, in fixed order: MSS, window scale, timestamps
	opts := seg.hdr[header.TCPMinimumSize:]
	if seg.Flags&OptMSS != 0 {
		opts = opts[header.EncodeMSSOption(opts, pcb.AdvtsdMSS):]
	}
	if seg.Flags&OptWndScale != 0 {
		opts = opts[header.EncodeWSOption(opts, pcb.engine.cfg.RcvWndScale):]
	}
	if !seg.isDummy() {
		pcb.TsLastAckSent = uint32(pcb.RcvNxt)
	}
	if seg.Flags&OptTS != 0 {
		header.EncodeTSOption(opts, pcb.engine.hooks.Now(), pcb.TsRecent)
	}

	if !seg.isDummy() {
		// Arm the retransmission timer and the RTT sampler
		if pcb.Rtime == -1 {
			pcb.Rtime = 0
		}
		if pcb.TicksSinceDataSent == -1 {
			pcb.TicksSinceDataSent = 0
		}
		if pcb.Rttest == 0 {
			pcb.Rttest = pcb.engine.ticks()
			pcb.Rtseq = seg.Seqno
			pcb.logger.Debugf("outputSegment: rtseq %d", uint32(pcb.Rtseq))
		}
	}

	pcb.logger.Debugf("outputSegment: %d:%d", uint32(seg.Seqno), uint32(seg.Seqno)+uint32(seg.Len))

	// Computed downstream or by the NIC
	seg.hdr.SetChecksum(0)

	var p *buffer.Buffer
	if seg.Flags&OptZeroCopy != 0 {
		// The caller memory must stay untouched; carry the header in
		// a transient node prepended to the payload chain
		p = buffer.NewStackHeader(seg.hdr, seg.P)
	} else {
		seg.P.RewindTo(seg.hdrOff)
		p = seg.P
	}

	var flags OutputFlags
	if seg.isDummy() {
		flags |= OutputDummy
	}
	if seg.Flags&OptTSO != 0 {
		flags |= OutputTSO
	}
	if seg.Seqno.LessThan(pcb.SndNxt) {
		flags |= OutputRexmit
	}
	if seg.Flags&OptZeroCopy != 0 {
		flags |= OutputZeroCopy
	}

	err := pcb.IPOutput(p, seg, pcb, flags)
	if err == nil {
		pcb.engine.stats.SegmentsOut.Inc()
		pcb.engine.stats.BytesOut.Add(float64(seg.Len))
	}
	return err
}
