package tcp

import (
	"github.com/ustackio/ustack/header"
)

// tsoSegment joins the run of mergeable segments starting at seg into one
// large segment for offloaded sending. Retransmits, dummies, pinned
// segments and anything carrying flags beyond ACK|PSH are left alone. The
// join is bounded by the offload payload cap, the scatter-gather limit and
// the bytes still open in wnd. Consuming the unsent tail moves the cached
// tail pointer onto the surviving segment.
func (pcb *PCB) tsoSegment(seg *Segment, wnd uint32) {
	if seg.Seqno.LessThan(pcb.SndNxt) ||
		seg.Flags&(OptTSO|OptDummy|OptNoMerge) != 0 ||
		seg.hdr.Flags()&^(header.TCPFlagAck|header.TCPFlagPsh) != 0 {
		pcb.markOversized(seg)
		return
	}

	maxPayload := pcb.TSO.MaxPayloadSz
	if room := wnd - uint32(pcb.Lastack.Size(seg.Seqno)); room < maxPayload {
		maxPayload = room
	}
	flags := seg.Flags
	totLen := uint32(0)
	totP := 0

	cur := seg
	for cur != nil && cur.Flags == flags &&
		cur.hdr.Flags()&^(header.TCPFlagAck|header.TCPFlagPsh) == 0 {

		totLen += uint32(cur.Len)
		if totLen > maxPayload {
			break
		}

		totP += cur.P.Clen()
		if totP > int(pcb.TSO.MaxSendSGE) {
			break
		}

		// Don't merge different types of segments
		if (seg.Flags^cur.Flags)&OptZeroCopy != 0 {
			break
		}

		if seg != cur {
			seg.Next = cur.Next
			seg.Len += cur.Len

			// Skip the merged segment's header bytes; a zero-copy
			// header lives in the side scratch area and the chain
			// is already pure payload
			if cur.Flags&OptZeroCopy == 0 {
				cur.P.Advance(int(cur.hdr.DataOffset()))
			}

			seg.P.Cat(cur.P)

			// The surviving segment inherits the tail position;
			// the free tail bytes themselves moved with the chain,
			// so the recorded oversize stays accurate
			if pcb.LastUnsent == cur {
				pcb.LastUnsent = seg
			}

			// Release the joined segment record without touching
			// its buffers, which now belong to seg
			pcb.freeSegRecord(cur)
			pcb.engine.stats.TSOMerges.Inc()
		}
		cur = seg.Next
	}

	pcb.markOversized(seg)
}

// markOversized flags any segment larger than the MSS for offloaded
// sending, whatever produced it
func (pcb *PCB) markOversized(seg *Segment) {
	if seg.Len+optLength(seg.Flags) > int(pcb.MSS) {
		seg.Flags |= OptTSO
	}
}
