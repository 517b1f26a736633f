package tcp

import (
	"github.com/ustackio/ustack/buffer"
	"github.com/ustackio/ustack/header"
	"github.com/ustackio/ustack/seqnum"
)

// SegOptFlags qualify one queued segment
type SegOptFlags uint8

const (
	// OptMSS includes the MSS option (SYN only)
	OptMSS SegOptFlags = 0x01

	// OptWndScale includes the window scale option (SYN only)
	OptWndScale SegOptFlags = 0x02

	// OptTS includes the timestamp option
	OptTS SegOptFlags = 0x04

	// OptDummy marks a locally-accounted segment that is unrolled after
	// emission instead of entering the unacked queue
	OptDummy SegOptFlags = 0x08

	// OptTSO marks a segment larger than the MSS, to be re-segmented by
	// the NIC
	OptTSO SegOptFlags = 0x10

	// OptZeroCopy marks a segment whose payload references caller memory
	// and whose header lives in the side scratch area
	OptZeroCopy SegOptFlags = 0x20

	// OptNoMerge pins a segment against TSO joining; set on segments
	// split for retransmission
	OptNoMerge SegOptFlags = 0x40
)

// optLength returns the encoded length of the options selected by flags
func optLength(flags SegOptFlags) int {
	n := 0
	if flags&OptMSS != 0 {
		n += header.TCPOptionMSSSize
	}
	if flags&OptWndScale != 0 {
		n += header.TCPOptionWSSize
	}
	if flags&OptTS != 0 {
		n += header.TCPOptionTSSize
	}
	return n
}

// Segment is one outgoing TCP PDU queued on the unsent or unacked list
type Segment struct {
	Next *Segment

	// Seqno is the sequence number of the first payload byte
	Seqno seqnum.Value

	// Len is the payload length. It excludes options and the phantom
	// byte consumed by SYN and FIN.
	Len int

	// P heads the buffer chain carrying the segment bytes. For regular
	// segments the first buffer also holds the TCP header; for zero-copy
	// segments the chain is pure payload and the header lives in the
	// scratch area below.
	P *buffer.Buffer

	Flags SegOptFlags

	hdr    header.TCP
	hdrOff int

	// hdrScratch backs the header of zero-copy segments
	hdrScratch [header.TCPMinimumSize + header.TCPMaximumOptionSize]byte
}

// Header returns the segment's TCP header view
func (s *Segment) Header() header.TCP {
	return s.hdr
}

// tcpLen is the sequence-space footprint: payload plus one phantom byte for
// SYN or FIN
func (s *Segment) tcpLen() int {
	l := s.Len
	if s.hdr != nil && s.hdr.Flags()&(header.TCPFlagSyn|header.TCPFlagFin) != 0 {
		l++
	}
	return l
}

// isDummy reports whether the segment is locally accounted only
func (s *Segment) isDummy() bool {
	return s.Flags&OptDummy != 0
}

// payloadStart returns the first payload byte of the segment
func (s *Segment) payloadStart() byte {
	if s.Flags&OptZeroCopy != 0 {
		return s.P.Payload()[0]
	}
	return s.P.Payload()[s.hdr.DataOffset()]
}

// reset clears a recycled segment record
func (s *Segment) reset() {
	s.Next = nil
	s.Seqno = 0
	s.Len = 0
	s.P = nil
	s.Flags = 0
	s.hdr = nil
	s.hdrOff = 0
}

// createSegment builds a segment around p with a prefilled TCP header. The
// header is complete except for ackno and window, which are set at emission
// time. A nil p fetches a blank record, used to replenish the per-connection
// prefetch singleton. On failure p is not freed; the caller still owns it.
func (pcb *PCB) createSegment(p *buffer.Buffer, flags uint8, seqno seqnum.Value, optflags SegOptFlags) *Segment {
	var seg *Segment
	optlen := optLength(optflags)

	if pcb.segAlloc == nil {
		if seg = pcb.engine.hooks.AllocSegment(pcb.Container); seg == nil {
			pcb.logger.Warn("createSegment: no memory")
			return nil
		}
		seg.reset()
	} else {
		seg = pcb.segAlloc
		pcb.segAlloc = nil
	}

	if p == nil {
		// Prefetch mode: hand back a blank record for later use
		seg.P = nil
		return seg
	}

	seg.Flags = optflags
	seg.P = p
	seg.Len = p.TotLen - optlen
	seg.Seqno = seqno

	if optflags&OptZeroCopy != 0 {
		// The header cannot live in caller memory; it goes to the
		// side scratch area and the payload chain stays untouched
		seg.hdr = header.TCP(seg.hdrScratch[:header.TCPMinimumSize+optlen])
		seg.hdrOff = -1
		seg.Len = p.TotLen
	} else {
		if !p.Prepend(header.TCPMinimumSize) {
			pcb.logger.Warn("createSegment: no room for TCP header in buffer")
			pcb.freeSegRecord(seg)
			return nil
		}
		seg.hdrOff = p.Offset()
		seg.hdr = header.TCP(p.Payload()[:header.TCPMinimumSize+optlen])
	}

	seg.hdr.Encode(&header.TCPFields{
		SrcPort:    pcb.LocalPort,
		DstPort:    pcb.RemotePort,
		SeqNum:     uint32(seqno),
		DataOffset: uint8(header.TCPMinimumSize + optlen),
		Flags:      flags,
	})
	return seg
}

// freeSegRecord releases a segment record without touching its buffers
func (pcb *PCB) freeSegRecord(seg *Segment) {
	pcb.engine.hooks.FreeSegment(pcb.Container, seg)
}

// freeSegment releases a segment together with its buffer chain
func (pcb *PCB) freeSegment(seg *Segment) {
	if seg.P != nil {
		pcb.freeTxBuffer(seg.P)
	}
	pcb.freeSegRecord(seg)
}

// freeSegments releases a whole segment list
func (pcb *PCB) freeSegments(seg *Segment) {
	for seg != nil {
		next := seg.Next
		pcb.freeSegment(seg)
		seg = next
	}
}

const memAlignment = 4

func memAlign(n int) int {
	return (n + memAlignment - 1) &^ (memAlignment - 1)
}

// pbufPrealloc allocates a RAM or zero-copy buffer for length payload bytes,
// possibly rounding the allocation up to leave usable tail bytes for later
// writes. The heuristic matches the Nagle deferral test: when the segment is
// likely to sit in the queue, pay for the oversize now and avoid another
// allocation on the next write. The free tail is returned as oversize.
func (pcb *PCB) pbufPrealloc(length, maxLength int, typ buffer.Type, writeMore, firstSeg bool, desc *buffer.Desc, hint *buffer.Buffer) (p *buffer.Buffer, oversize int) {
	alloc := length

	if length < maxLength {
		if writeMore ||
			(!pcb.NagleDisabled() && (!firstSeg || pcb.Unsent != nil || pcb.Unacked != nil)) {
			alloc = memAlign(length + int(pcb.TCPOversizeVal))
			if alloc > maxLength {
				alloc = maxLength
			}
		}
	}
	p = pcb.allocTxBuffer(alloc, typ, desc, hint)
	if p == nil {
		return nil, 0
	}
	oversize = p.Len - length
	// Trim to the currently used size; the slack stays reachable as
	// tailroom
	p.Len = length
	p.TotLen = length
	return p, oversize
}

// wnd16 clamps a window to the 16-bit header field
func wnd16(v uint32) uint16 {
	if v > 0xFFFF {
		return 0xFFFF
	}
	return uint16(v)
}

// outputAllocHeader builds a header-only buffer for control segments sent
// outside the queues (empty ACK, keepalive, zero window probe). The
// prefetched buffer singleton is consumed first so these segments can still
// be sent under memory pressure. The returned header carries ACK and the
// scaled window; the announced right edge is refreshed.
func (pcb *PCB) outputAllocHeader(optlen, datalen int, seqno seqnum.Value) (*buffer.Buffer, header.TCP) {
	size := optlen + datalen
	var p *buffer.Buffer
	if s := pcb.pbufAlloc; s != nil && s.Offset() >= header.TCPMinimumSize && s.Cap() >= size {
		pcb.pbufAlloc = nil
		s.Len = size
		s.TotLen = size
		p = s
	} else {
		p = pcb.allocTxBuffer(size, buffer.RAM, nil, nil)
	}
	if p == nil {
		return nil, nil
	}
	if !p.Prepend(header.TCPMinimumSize) {
		pcb.freeTxBuffer(p)
		return nil, nil
	}
	hdr := header.TCP(p.Payload())
	hdr.Encode(&header.TCPFields{
		SrcPort:    pcb.LocalPort,
		DstPort:    pcb.RemotePort,
		SeqNum:     uint32(seqno),
		AckNum:     uint32(pcb.RcvNxt),
		DataOffset: uint8(header.TCPMinimumSize + optlen),
		Flags:      header.TCPFlagAck,
		WindowSize: wnd16(pcb.RcvAnnWnd >> pcb.RcvScale),
	})

	// We are sending a packet, so update the announced right window edge
	pcb.RcvAnnRightEdge = pcb.RcvNxt.Add(seqnum.Size(pcb.RcvAnnWnd))
	return p, hdr
}
