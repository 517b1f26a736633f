package tcp

import (
	"github.com/ustackio/ustack/buffer"
	"github.com/ustackio/ustack/header"
	"github.com/ustackio/ustack/seqnum"
	"github.com/ustackio/ustack/types"
)

// SendEmptyACK sends an ACK without data
func (pcb *PCB) SendEmptyACK() error {
	var optflags SegOptFlags
	if pcb.Flags&FlagTimestamp != 0 {
		optflags = OptTS
	}
	optlen := optLength(optflags)

	p, hdr := pcb.outputAllocHeader(optlen, 0, pcb.SndNxt)
	if p == nil {
		pcb.logger.Debug("output: (ACK) could not allocate buffer")
		return types.ErrMemExhausted
	}
	pcb.logger.Debugf("output: sending ACK for %d", uint32(pcb.RcvNxt))

	// The pending ACK goes out right here
	pcb.Flags &^= FlagAckDelay | FlagAckNow

	pcb.TsLastAckSent = uint32(pcb.RcvNxt)
	if optflags&OptTS != 0 {
		header.EncodeTSOption(hdr[header.TCPMinimumSize:], pcb.engine.hooks.Now(), pcb.TsRecent)
	}

	pcb.IPOutput(p, nil, pcb, 0)
	pcb.freeTxBuffer(p)
	pcb.engine.stats.EmptyAcks.Inc()
	return nil
}

// SendFIN enqueues a FIN, merging it onto the last unsent segment when that
// segment carries no SYN/FIN/RST of its own
func (pcb *PCB) SendFIN() error {
	if pcb.Unsent != nil {
		lastUnsent := pcb.Unsent
		for lastUnsent.Next != nil {
			lastUnsent = lastUnsent.Next
		}

		if lastUnsent.hdr.Flags()&(header.TCPFlagSyn|header.TCPFlagFin|header.TCPFlagRst) == 0 {
			lastUnsent.hdr.SetFlagBits(header.TCPFlagFin)
			pcb.Flags |= FlagFin
			// The FIN occupies one sequence number
			pcb.SndLbb = pcb.SndLbb.Add(1)
			return nil
		}
	}
	return pcb.EnqueueFlags(header.TCPFlagFin)
}

// SendRST sends a standalone RST+ACK segment. Sequence and acknowledgment
// numbers are caller-supplied because a reset is usually sent for a
// connection that has no valid transmit state of its own.
func (pcb *PCB) SendRST(seqno, ackno seqnum.Value, localPort, remotePort uint16) {
	p := pcb.allocTxBuffer(0, buffer.RAM, nil, nil)
	if p == nil {
		pcb.logger.Debug("sendRST: could not allocate memory for buffer")
		return
	}
	if !p.Prepend(header.TCPMinimumSize) {
		pcb.freeTxBuffer(p)
		return
	}

	hdr := header.TCP(p.Payload())
	hdr.Encode(&header.TCPFields{
		SrcPort:    localPort,
		DstPort:    remotePort,
		SeqNum:     uint32(seqno),
		AckNum:     uint32(ackno),
		DataOffset: header.TCPMinimumSize,
		Flags:      header.TCPFlagRst | header.TCPFlagAck,
		WindowSize: wnd16(pcb.engine.cfg.Window),
	})

	pcb.IPOutput(p, nil, pcb, 0)
	pcb.freeTxBuffer(p)
	pcb.engine.stats.Resets.Inc()
	pcb.logger.Debugf("sendRST: seqno %d ackno %d", uint32(seqno), uint32(ackno))
}

// Keepalive sends a probe that keeps an idle connection alive: an empty
// segment one sequence number behind snd_nxt, which the peer answers with
// an ACK
func (pcb *PCB) Keepalive() error {
	var optflags SegOptFlags
	if pcb.Flags&FlagTimestamp != 0 {
		optflags = OptTS
	}
	optlen := optLength(optflags)

	p, hdr := pcb.outputAllocHeader(optlen, 0, pcb.SndNxt-1)
	if p == nil {
		pcb.logger.Debug("keepalive: could not allocate memory for buffer")
		return types.ErrMemExhausted
	}

	pcb.TsLastAckSent = uint32(pcb.RcvNxt)
	if optflags&OptTS != 0 {
		header.EncodeTSOption(hdr[header.TCPMinimumSize:], pcb.engine.hooks.Now(), pcb.TsRecent)
	}

	pcb.IPOutput(p, nil, pcb, 0)
	pcb.freeTxBuffer(p)

	if pcb.TicksSinceDataSent == -1 {
		pcb.TicksSinceDataSent = 0
	}

	pcb.engine.stats.Keepalives.Inc()
	pcb.logger.Debugf("keepalive: seqno %d ackno %d", uint32(pcb.SndNxt-1), uint32(pcb.RcvNxt))
	return nil
}

// ZeroWindowProbe sends a persist-timer probe carrying one byte (or the
// pending FIN) from the head of the unsent queue, so a lost window update
// cannot deadlock the connection. The probed byte may be acknowledged
// without the window opening, so snd_nxt advances tentatively.
func (pcb *PCB) ZeroWindowProbe() error {
	seg := pcb.Unsent
	if seg == nil {
		// The persist timer should be off when nothing is queued
		return nil
	}

	isFin := seg.hdr.Flags()&header.TCPFlagFin != 0 && seg.Len == 0
	datalen := 1
	if isFin {
		datalen = 0
	}

	var optflags SegOptFlags
	if pcb.Flags&FlagTimestamp != 0 {
		optflags = OptTS
	}
	optlen := optLength(optflags)

	p, hdr := pcb.outputAllocHeader(optlen, datalen, seg.Seqno)
	if p == nil {
		pcb.logger.Debug("zeroWindowProbe: no memory for buffer")
		return types.ErrMemExhausted
	}

	pcb.TsLastAckSent = uint32(pcb.RcvNxt)
	if optflags&OptTS != 0 {
		header.EncodeTSOption(hdr[header.TCPMinimumSize:], pcb.engine.hooks.Now(), pcb.TsRecent)
	}

	if isFin {
		hdr.SetFlags(header.TCPFlagAck | header.TCPFlagFin)
	} else {
		hdr.Payload()[0] = seg.payloadStart()
	}

	if sndNxt := seg.Seqno.Add(1); pcb.SndNxt.LessThan(sndNxt) {
		pcb.SndNxt = sndNxt
	}

	pcb.IPOutput(p, nil, pcb, 0)
	pcb.freeTxBuffer(p)

	pcb.engine.stats.ZeroWndProbes.Inc()
	pcb.logger.Debugf("zeroWindowProbe: seqno %d ackno %d", uint32(seg.Seqno), uint32(pcb.RcvNxt))
	return nil
}
