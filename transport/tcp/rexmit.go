package tcp

// RexmitRTO requeues every unacked segment for retransmission. Called by
// the external slow timer when the retransmission timeout fires.
func (pcb *PCB) RexmitRTO() {
	if pcb.Unacked == nil {
		return
	}

	// Concatenate the unsent queue after the unacked queue and promote
	// the whole thing to unsent
	seg := pcb.Unacked
	for seg.Next != nil {
		seg = seg.Next
	}
	seg.Next = pcb.Unsent
	if pcb.Unsent == nil {
		pcb.LastUnsent = seg
		pcb.UnsentOversize = 0
	}
	pcb.Unsent = pcb.Unacked
	pcb.Unacked = nil
	pcb.LastUnacked = nil

	pcb.Nrtx++

	// Don't take any RTT measurements after retransmitting
	pcb.Rttest = 0

	pcb.engine.stats.Retransmits.Inc()

	pcb.Output()
}

// Rexmit requeues the first unacked segment for retransmission, keeping the
// unsent queue sorted. The caller decides when to invoke Output.
func (pcb *PCB) Rexmit() {
	if pcb.Unacked == nil {
		return
	}

	seg := pcb.Unacked
	pcb.Unacked = seg.Next
	if pcb.Unacked == nil {
		pcb.LastUnacked = nil
	}

	cur := &pcb.Unsent
	for *cur != nil && (*cur).Seqno.LessThan(seg.Seqno) {
		cur = &(*cur).Next
	}
	seg.Next = *cur
	*cur = seg
	if seg.Next == nil {
		// The retransmitted segment is the new unsent tail
		pcb.LastUnsent = seg
		pcb.UnsentOversize = 0
	}

	pcb.Nrtx++

	// Don't take any RTT measurements after retransmitting
	pcb.Rttest = 0

	pcb.engine.stats.Retransmits.Inc()
}

// RexmitFast handles the third duplicate ACK: retransmit the first unacked
// segment once and enter fast recovery. Further duplicate ACKs have no
// effect until recovery ends.
func (pcb *PCB) RexmitFast() {
	if pcb.Unacked == nil || pcb.Flags&FlagInFR != 0 {
		return
	}

	pcb.logger.Debugf("rexmitFast: dupacks %d (%d), fast retransmit %d",
		pcb.Dupacks, uint32(pcb.Lastack), uint32(pcb.Unacked.Seqno))
	pcb.Rexmit()
	pcb.engine.stats.FastRetransmits.Inc()

	if signal := pcb.engine.hooks.CongestionSignal; signal != nil {
		signal(pcb, CongestionDupAck)
	} else {
		// Set ssthresh to half of the minimum of the current cwnd and
		// the advertised window, floored at two segments
		ssthresh := pcb.Cwnd
		if pcb.SndWnd < ssthresh {
			ssthresh = pcb.SndWnd
		}
		ssthresh /= 2
		if ssthresh < 2*uint32(pcb.MSS) {
			ssthresh = 2 * uint32(pcb.MSS)
		}
		pcb.Ssthresh = ssthresh
		pcb.Cwnd = pcb.Ssthresh + 3*uint32(pcb.MSS)
	}

	pcb.Flags |= FlagInFR
}
