package tcp

import (
	"github.com/ustackio/ustack/buffer"
	"github.com/ustackio/ustack/header"
	"github.com/ustackio/ustack/seqnum"
)

// moveSegFlags moves the selected header flags from one segment to another.
// Used by the split functions to keep FIN/RST on the rightmost half.
func moveSegFlags(from, to *Segment, flags uint8) {
	fromFlags := from.hdr.Flags() & flags

	if from != to && to != nil && fromFlags != 0 {
		to.hdr.SetFlagBits(fromFlags)
		from.hdr.ClearFlagBits(flags)
	}
}

// splitSegment splits seg so that its first part fits the bytes still open
// in wnd and can be transmitted now. The remainder becomes a new segment
// directly behind it. Buffers still referenced by an in-flight send are
// never touched.
func (pcb *PCB) splitSegment(seg *Segment, wnd uint32) {
	if seg == nil || seg.P == nil {
		return
	}
	if uint32(pcb.Lastack.Size(seg.Seqno)) >= wnd || !seg.P.Writable() {
		return
	}

	isZerocopy := seg.Flags&OptZeroCopy != 0
	lentosend := int(wnd - uint32(pcb.Lastack.Size(seg.Seqno)))

	mssLocal := pcb.xmitSizeGoal(false)

	var optflags SegOptFlags
	if pcb.Flags&FlagTimestamp != 0 {
		optflags |= OptTS
	}
	optlen := optLength(optflags)

	hlenDelta := header.TCPMinimumSize
	typ := buffer.RAM
	if isZerocopy {
		optflags |= OptZeroCopy
		typ = buffer.ZeroCopy
		optlen = 0
		hlenDelta = 0
	}

	var newseg *Segment
	switch {
	case seg.P.Len > hlenDelta+optlen+lentosend:
		// The head buffer itself is too big, split it
		lentoqueue := seg.P.Len - (hlenDelta + optlen) - lentosend
		maxLength := mssLocal
		if isZerocopy {
			maxLength = lentoqueue + optlen
		}

		p, oversize := pcb.pbufPrealloc(lentoqueue+optlen, maxLength, typ, false, false, &seg.P.Desc, seg.P)
		if p == nil {
			pcb.logger.Debugf("splitSegment: could not allocate memory for buffer copy size %d", lentoqueue+optlen)
			return
		}

		// Move the tail bytes out of the original buffer
		if isZerocopy {
			p.SetPayloadRef(seg.P.Payload()[lentosend:])
		} else {
			data := seg.P.Payload()[int(seg.hdr.DataOffset())+lentosend:]
			copy(p.Payload()[optlen:], data[:lentoqueue])
		}

		p.TotLen = seg.P.TotLen - lentosend - hlenDelta
		p.Next = seg.P.Next

		newseg = pcb.createSegment(p, 0, seg.Seqno.Add(seqnum.Size(lentosend)), optflags)
		if newseg == nil {
			pcb.logger.Debug("splitSegment: could not allocate memory for segment")
			// Avoid corrupting the original segment's chain
			p.Next = nil
			p.TotLen = p.Len
			pcb.freeTxBuffer(p)
			return
		}

		// Update the original buffer
		seg.P.Next = nil
		seg.P.Len -= lentoqueue
		seg.P.TotLen = seg.P.Len

		newseg.Next = seg.Next
		newseg.Flags = seg.Flags

		seg.Next = newseg
		seg.Len = seg.P.Len - (hlenDelta + optlen)

		if pcb.engine.cfg.EnablePushFlag {
			newseg.hdr.SetFlagBits(header.TCPFlagPsh)
		}

		pcb.SndQueuelen++
		pcb.engine.stats.Splits.Inc()

		if pcb.LastUnsent == seg {
			pcb.LastUnsent = newseg
			pcb.UnsentOversize = uint16(oversize)
		}

	case seg.P.Next != nil:
		// The head buffer fits; snip the chain where the window runs
		// out. At least one buffer will be sent.
		pnewhead := seg.P.Next
		pnewtail := seg.P
		headchainlen := seg.P.Len

		for headchainlen+pnewhead.Len-(hlenDelta+optlen) <= lentosend {
			if !pnewtail.Writable() {
				return
			}

			headchainlen += pnewhead.Len
			pnewtail = pnewhead
			pnewhead = pnewhead.Next

			if pnewhead == nil {
				// the caller established that the segment
				// overruns the window
				pcb.logger.Warn("splitSegment: chain ended inside the window")
				return
			}
		}

		// Make room for this segment's own option area in the new head
		if optlen > 0 && !pnewhead.Prepend(optlen) {
			return
		}

		newseg = pcb.createSegment(pnewhead, 0,
			seg.Seqno.Add(seqnum.Size(headchainlen-(hlenDelta+optlen))), optflags)
		if newseg == nil {
			pcb.logger.Debug("splitSegment: could not allocate memory for segment")
			if optlen > 0 {
				pnewhead.Advance(optlen)
			}
			return
		}

		pnewtail.Next = nil

		newseg.Next = seg.Next
		newseg.Flags = seg.Flags
		seg.Next = newseg
		seg.Len = headchainlen - (hlenDelta + optlen)

		// Rewrite the running TotLen over the retained chain
		for ptmp := seg.P; ptmp != nil; ptmp = ptmp.Next {
			ptmp.TotLen = headchainlen
			headchainlen -= ptmp.Len
		}

		pcb.engine.stats.Splits.Inc()

		if pcb.LastUnsent == seg {
			pcb.LastUnsent = newseg
			pcb.UnsentOversize = 0
		}

	default:
		pcb.logger.Warn("splitSegment: nothing to split")
		return
	}

	moveSegFlags(seg, newseg, header.TCPFlagFin|header.TCPFlagRst)
}

// splitRexmit splits a retransmitted multi-buffer segment so that every
// buffer of its chain becomes a segment of its own. Without this, an
// interior buffer could be freed by ACK processing while its payload is
// still referenced by the retransmission in flight. The pieces are pinned
// against re-joining.
func (pcb *PCB) splitRexmit(seg *Segment) {
	var optflags SegOptFlags
	if pcb.Flags&FlagTimestamp != 0 {
		optflags |= OptTS
	}
	optlen := optLength(optflags)

	hlenDelta := header.TCPMinimumSize
	if seg.Flags&OptZeroCopy != 0 {
		optlen = 0
		optflags |= OptZeroCopy
		hlenDelta = 0
	}

	seg.Flags |= OptNoMerge
	cur := seg
	curP := seg.P.Next

	for curP != nil {
		if optlen > 0 && !curP.Prepend(optlen) {
			return
		}

		seqno := cur.Seqno.Add(seqnum.Size(cur.P.Len - hlenDelta - optlen))
		newseg := pcb.createSegment(curP, 0, seqno, optflags)
		if newseg == nil {
			// Avoid corrupting the original segment's buffer
			if optlen > 0 {
				curP.Advance(optlen)
			}
			return
		}

		newseg.Next = cur.Next
		newseg.Flags = cur.Flags

		cur.Next = newseg
		cur.Len = cur.P.Len - hlenDelta - optlen
		cur.P.TotLen = cur.P.Len
		cur.P.Next = nil

		if pcb.LastUnsent == cur {
			pcb.LastUnsent = newseg
			pcb.UnsentOversize = 0
		}

		moveSegFlags(cur, newseg, header.TCPFlagFin|header.TCPFlagRst)
		pcb.engine.stats.Splits.Inc()
		cur = newseg
		curP = cur.P.Next
	}
}

// splitOne subdivides a single-buffer segment until every piece fits
// lentosend bytes. Returns nil when an allocation failed before the
// subdivision completed; the segment is left consistent either way.
func (pcb *PCB) splitOne(seg *Segment, lentosend int, optflags SegOptFlags, optlen int) *Segment {
	isZerocopy := optflags&OptZeroCopy != 0
	hlenDelta := header.TCPMinimumSize
	typ := buffer.RAM
	if isZerocopy {
		hlenDelta = 0
		optlen = 0
		typ = buffer.ZeroCopy
	}

	cur := seg
	var result *Segment
	maxLength := cur.P.Len
	oversize := 0
	failed := false

	for cur.P.Len == cur.P.TotLen && cur.Len > lentosend {
		lentoqueue := cur.Len - lentosend
		if isZerocopy {
			// avoid the oversize flow for zero-copy
			maxLength = lentoqueue + optlen
		}

		curP, ov := pcb.pbufPrealloc(lentoqueue+optlen, maxLength, typ, false, false, &cur.P.Desc, cur.P)
		if curP == nil {
			pcb.logger.Debugf("splitOne: could not allocate memory for buffer copy size %d", lentoqueue+optlen)
			failed = true
			break
		}
		oversize = ov

		// Prefetch the segment record so a failed allocation cannot
		// strand the buffer half-linked
		if pcb.segAlloc == nil {
			if pcb.segAlloc = pcb.createSegment(nil, 0, 0, 0); pcb.segAlloc == nil {
				pcb.logger.Debug("splitOne: could not allocate memory for segment")
				pcb.freeTxBuffer(curP)
				failed = true
				break
			}
		}

		// Carry the tail bytes over
		if isZerocopy {
			curP.SetPayloadRef(cur.P.Payload()[lentosend:])
		} else {
			data := cur.P.Payload()[int(cur.hdr.DataOffset())+lentosend:]
			copy(curP.Payload()[optlen:], data[:lentoqueue])
		}

		curP.TotLen = cur.P.TotLen - lentosend - hlenDelta
		curP.Next = cur.P.Next

		newseg := pcb.createSegment(curP, 0, cur.Seqno.Add(seqnum.Size(lentosend)), optflags)
		if newseg == nil {
			pcb.logger.Debug("splitOne: could not allocate memory for segment")
			curP.Next = nil
			pcb.freeTxBuffer(curP)
			failed = true
			break
		}

		newseg.Next = cur.Next
		newseg.Flags = cur.Flags

		// Shrink the original buffer
		cur.P.Next = nil
		cur.P.Len -= lentoqueue
		cur.P.TotLen = cur.P.Len

		cur.Next = newseg
		cur.Len = cur.P.Len - (hlenDelta + optlen)

		cur = newseg

		pcb.SndQueuelen++
		pcb.engine.stats.Splits.Inc()
	}
	if !failed {
		result = seg
	}

	if cur.Len+optLength(cur.Flags) > int(pcb.MSS) {
		cur.Flags |= OptTSO
	}
	if pcb.LastUnsent == seg {
		pcb.LastUnsent = cur
		if result != nil {
			pcb.UnsentOversize = uint16(oversize)
		} else {
			pcb.UnsentOversize = 0
		}
	}
	moveSegFlags(seg, cur, header.TCPFlagFin|header.TCPFlagRst)
	return result
}

// rexmitSegment prepares an offloaded segment for retransmission. A segment
// whose buffers are still in flight, or which no longer fits the window, is
// broken back into one segment per buffer and each piece is cut down to at
// most the MSS; the pieces are not fitted to wnd here. An idle segment that
// still fits is retransmitted as is.
func (pcb *PCB) rexmitSegment(seg *Segment, wnd uint32) *Segment {
	if seg.Seqno.GreaterThanEq(pcb.SndNxt) {
		return seg
	}

	mssLocal := pcb.xmitSizeGoal(false)

	if seg.P.Writable() && uint32(seg.Len)+uint32(pcb.Lastack.Size(seg.Seqno)) <= wnd {
		if seg.Len <= mssLocal {
			seg.Flags &^= OptTSO
		}
		return seg
	}

	var optflags SegOptFlags
	if pcb.Flags&FlagTimestamp != 0 {
		optflags |= OptTS
	}
	optlen := optLength(optflags)
	mssLocalMinusOpts := mssLocal - optlen

	hlenDelta := header.TCPMinimumSize
	if seg.Flags&OptZeroCopy != 0 {
		optlen = 0
		optflags |= OptZeroCopy
		hlenDelta = 0
	}

	cur := seg
	cur.Flags &^= OptTSO
	curP := seg.P.Next

	for curP != nil {
		if pcb.segAlloc == nil {
			if pcb.segAlloc = pcb.createSegment(nil, 0, 0, 0); pcb.segAlloc == nil {
				pcb.logger.Debug("rexmitSegment: could not allocate memory for segment")
				return seg
			}
		}

		if optlen > 0 && !curP.Prepend(optlen) {
			return seg
		}

		seqno := cur.Seqno.Add(seqnum.Size(cur.P.Len - hlenDelta - optlen))
		newseg := pcb.createSegment(curP, 0, seqno, optflags)
		if newseg == nil {
			if cur.Len+optLength(cur.Flags) > int(pcb.MSS) {
				cur.Flags |= OptTSO
			}
			// Avoid corrupting the original segment's buffer
			if optlen > 0 {
				curP.Advance(optlen)
			}
			return seg
		}

		newseg.Next = cur.Next
		newseg.Flags = cur.Flags

		cur.Next = newseg
		cur.Len = cur.P.Len - hlenDelta - optlen
		cur.P.TotLen = cur.P.Len
		cur.P.Next = nil

		if pcb.LastUnsent == cur {
			pcb.LastUnsent = newseg
			pcb.UnsentOversize = 0
		}

		moveSegFlags(cur, newseg, header.TCPFlagFin|header.TCPFlagRst)

		if pcb.splitOne(cur, mssLocalMinusOpts, optflags, optlen) == nil {
			if newseg.Len+optLength(newseg.Flags) > int(pcb.MSS) {
				newseg.Flags |= OptTSO
			}
			return seg
		}
		cur = newseg
		curP = cur.P.Next
	}

	if pcb.splitOne(cur, mssLocalMinusOpts, optflags, optlen) == nil {
		pcb.logger.Debug("rexmitSegment: could not MSS-fit the tail piece")
	}
	return seg
}
