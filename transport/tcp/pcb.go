package tcp

import (
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/ustackio/ustack/buffer"
	"github.com/ustackio/ustack/header"
	"github.com/ustackio/ustack/seqnum"
	"github.com/ustackio/ustack/types"
)

// Flags is the per-connection flag bitset
type Flags uint16

const (
	// FlagAckDelay delays the ACK for piggybacking
	FlagAckDelay Flags = 0x0001

	// FlagAckNow forces an immediate ACK
	FlagAckNow Flags = 0x0002

	// FlagInFR marks fast recovery in progress
	FlagInFR Flags = 0x0004

	// FlagTimestamp enables the timestamp option on every segment
	FlagTimestamp Flags = 0x0008

	// FlagRxClosed marks the receive side shut down by the user
	FlagRxClosed Flags = 0x0010

	// FlagFin marks that a FIN has been enqueued for this connection
	FlagFin Flags = 0x0020

	// FlagNoDelay disables the Nagle algorithm
	FlagNoDelay Flags = 0x0040

	// FlagNagleMemErr records an enqueue memory failure so the next
	// output pass flushes a tail ACK instead of waiting on Nagle
	FlagNagleMemErr Flags = 0x0080

	// FlagWndScale records that the peer sent a window scale option
	FlagWndScale Flags = 0x0100
)

// SndQueuelenOverflow is the hard sentinel for the queued-buffer counter
const SndQueuelenOverflow = 0xFFFFFF - 3

// TSOCaps describe the NIC segmentation-offload limits for one connection
type TSOCaps struct {
	// MaxBufSz is the maximum length of one memory buffer
	MaxBufSz uint32

	// MaxPayloadSz is the maximum TCP payload of one offloaded send
	MaxPayloadSz uint32

	// MaxHeaderSz is the maximum header length of one offloaded send
	MaxHeaderSz uint16

	// MaxSendSGE is the maximum number of scatter-gather elements
	MaxSendSGE uint32
}

// PCB is the per-connection state consumed and maintained by the transmit
// engine. Fields are exported because the surrounding stack (ACK processing,
// slow timer, socket layer) shares ownership of the connection; the engine
// assumes exclusive access for the duration of any one call.
type PCB struct {
	// Identity / routing
	LocalIP    types.Address
	RemoteIP   types.Address
	IsIPv6     bool
	LocalPort  uint16
	RemotePort uint16
	TOS        uint8
	TTL        uint8
	Prio       uint8

	// ID correlates log lines of one connection
	ID xid.ID

	// Container is an opaque owner handle passed to the state observer
	Container interface{}

	// IPOutput frames and sends one buffer chain
	IPOutput OutputFunc

	Flags Flags

	// Receiver fields consumed by the output path
	RcvNxt          seqnum.Value
	RcvAnnWnd       uint32
	RcvAnnRightEdge seqnum.Value
	RcvScale        uint8
	SndScale        uint8

	// Retransmission timer, -1 when disarmed
	Rtime int16

	MSS       uint16
	AdvtsdMSS uint16

	// RTT estimation
	Rttest             uint32
	Rtseq              seqnum.Value
	RTO                int16
	Nrtx               uint8
	TicksSinceDataSent int32

	// Fast retransmit
	Lastack seqnum.Value
	Dupacks uint8

	// Congestion control
	Cwnd     uint32
	Ssthresh uint32

	// Sender sequence space
	SndNxt    seqnum.Value
	SndWnd    uint32
	SndWndMax uint32
	SndLbb    seqnum.Value

	// Send buffer accounting
	SndBuf     uint32
	MaxSndBuff uint32

	// Minshall state
	SndSmlSnt uint32
	SndSmlAdd uint32

	// Queue accounting
	SndQueuelen       uint32
	MaxTCPSndQueuelen uint32
	MaxUnsentLen      uint32
	UnsentOversize    uint16
	TCPOversizeVal    uint16

	// Transmit queues, ordered by sequence number, with cached tails
	Unsent      *Segment
	LastUnsent  *Segment
	Unacked     *Segment
	LastUnacked *Segment

	// Timestamp option state
	EnableTSOpt   bool
	TsLastAckSent uint32
	TsRecent      uint32

	// Keepalive / persist state driven by the external slow timer
	KeepIdle       uint32
	KeepIntvl      uint32
	KeepCnt        uint32
	KeepCntSent    uint8
	PersistCnt     uint32
	PersistBackoff uint8

	// IsInInput is set by the input path around ACK processing; output
	// no-ops while it is set and is re-invoked afterwards
	IsInInput bool

	// IsLastSegDropped records that the IP hook dropped the previous
	// segment, forcing a retransmit on the next output pass
	IsLastSegDropped bool

	TSO TSOCaps

	// Prefetched allocations guaranteeing forward progress in paths that
	// must not fail halfway
	segAlloc  *Segment
	pbufAlloc *buffer.Buffer

	state  types.State
	engine *Engine
	logger *log.Entry
}

// NewPCB builds a connection record bound to the engine. A prio outside
// [PriorityMin, PriorityMax] is replaced by PriorityNormal; container is
// handed to the state observer.
func (e *Engine) NewPCB(prio uint8, container interface{}) *PCB {
	if prio < PriorityMin || prio > PriorityMax {
		prio = PriorityNormal
	}
	cfg := e.cfg
	pcb := &PCB{
		ID:                 xid.New(),
		Container:          container,
		Prio:               prio,
		TTL:                64,
		MaxSndBuff:         cfg.MaxSndBuf,
		SndBuf:             cfg.MaxSndBuf,
		SndWndMax:          cfg.Window,
		Rtime:              -1,
		RTO:                6,
		TicksSinceDataSent: -1,
		TSO: TSOCaps{
			MaxBufSz:     cfg.TSOMaxBufSz,
			MaxPayloadSz: cfg.TSOMaxPayloadSz,
			MaxHeaderSz:  cfg.TSOMaxHeaderSz,
			MaxSendSGE:   cfg.TSOMaxSendSGE,
		},
		KeepIdle:  cfg.KeepIdle,
		KeepIntvl: cfg.KeepIntvl,
		KeepCnt:   cfg.KeepCnt,
		engine:    e,
	}
	pcb.logger = e.log.WithField("conn", pcb.ID.String())

	// Start from the configured MSS, capped by what the egress path can
	// carry; the peer's announcement later overrides it via UpdateMSS
	mss := cfg.MSS
	if e.hooks.RouteMTU != nil {
		if mtu := e.hooks.RouteMTU(pcb); mtu > 40 && mtu-40 < mss {
			mss = mtu - 40
		}
	}
	pcb.UpdateMSS(mss)
	pcb.AdvtsdMSS = mss
	pcb.Cwnd = uint32(pcb.MSS)
	pcb.Ssthresh = cfg.MaxSndBuf
	return pcb
}

// Connection priorities
const (
	PriorityMin    = 1
	PriorityNormal = 64
	PriorityMax    = 127
)

// Recycle returns a closed connection's transmit state to its post-NewPCB
// shape so the record can be reused for a new connection. Queued segments
// go back to the allocator.
func (pcb *PCB) Recycle() {
	if pcb.Unsent != nil {
		pcb.freeSegments(pcb.Unsent)
	}
	if pcb.Unacked != nil {
		pcb.freeSegments(pcb.Unacked)
	}
	pcb.Unsent, pcb.LastUnsent = nil, nil
	pcb.Unacked, pcb.LastUnacked = nil, nil
	pcb.SndQueuelen = 0
	pcb.UnsentOversize = 0
	pcb.SndBuf = pcb.MaxSndBuff
	pcb.Flags = 0
	pcb.SndSmlSnt = 0
	pcb.SndSmlAdd = 0
	pcb.Rtime = -1
	pcb.Rttest = 0
	pcb.Nrtx = 0
	pcb.Dupacks = 0
	pcb.IsLastSegDropped = false
	pcb.IsInInput = false
	pcb.state = types.Closed
}

// State returns the connection state
func (pcb *PCB) State() types.State {
	return pcb.state
}

// SetState transitions the connection state and notifies the observer
func (pcb *PCB) SetState(s types.State) {
	pcb.state = s
	if pcb.engine.hooks.StateObserver != nil {
		pcb.engine.hooks.StateObserver(pcb.Container, s)
	}
}

// UpdateMSS installs a new segment size and recomputes the queue budgets
// that derive from it
func (pcb *PCB) UpdateMSS(mss uint16) {
	pcb.MSS = mss
	pcb.MaxTCPSndQueuelen = 16 * pcb.MaxSndBuff / uint32(mss)
	pcb.MaxUnsentLen = 16 * pcb.MaxSndBuff / uint32(mss)
	pcb.TCPOversizeVal = mss
}

// EffectiveMSS returns the usable payload size per segment, accounting for
// the timestamp option when enabled
func (pcb *PCB) EffectiveMSS() uint16 {
	if pcb.Flags&FlagTimestamp != 0 {
		return pcb.MSS - header.TCPOptionTSSize
	}
	return pcb.MSS
}

// NagleDisable turns the Nagle algorithm off
func (pcb *PCB) NagleDisable() {
	pcb.Flags |= FlagNoDelay
}

// NagleEnable turns the Nagle algorithm on
func (pcb *PCB) NagleEnable() {
	pcb.Flags &^= FlagNoDelay
}

// NagleDisabled reports whether the Nagle algorithm is off
func (pcb *PCB) NagleDisabled() bool {
	return pcb.Flags&FlagNoDelay != 0
}

// tsoEnabled reports whether the connection may build offloaded segments
func (pcb *PCB) tsoEnabled() bool {
	return pcb.TSO.MaxPayloadSz != 0
}

// wnd returns the current effective send window
func (pcb *PCB) wnd() uint32 {
	if pcb.SndWnd < pcb.Cwnd {
		return pcb.SndWnd
	}
	return pcb.Cwnd
}

// unackedLen returns the payload length of the first unacked segment, or 0
func (pcb *PCB) unackedLen() uint32 {
	if pcb.Unacked != nil {
		return uint32(pcb.Unacked.Len)
	}
	return 0
}

// IsWndAvailable reports whether dataLen more bytes fit the effective send
// window on top of everything already queued or in flight. Connections with
// the timestamp option account its per-segment overhead.
func (pcb *PCB) IsWndAvailable(dataLen uint32) bool {
	var totUnacked, totUnsent, totOptsHdrs int64
	wnd := int64(pcb.wnd())

	if pcb.Flags&FlagTimestamp != 0 && dataLen > 0 {
		mssLocal := uint32(pcb.MSS)
		if half := pcb.SndWndMax / 2; half < mssLocal {
			mssLocal = half
		}
		if mssLocal == 0 {
			mssLocal = uint32(pcb.MSS)
		}
		totOptsHdrs = int64(header.TCPOptionTSSize) * (1 + int64(dataLen-1)/int64(mssLocal))
	}

	if pcb.Unacked != nil {
		totUnacked = int64(uint32(pcb.LastUnacked.Seqno-pcb.Unacked.Seqno)) + int64(pcb.LastUnacked.Len)
	}
	if pcb.Unsent != nil {
		totUnsent = int64(uint32(pcb.LastUnsent.Seqno-pcb.Unsent.Seqno)) + int64(pcb.LastUnsent.Len)
	}

	return wnd-totUnacked >= totUnsent+totOptsHdrs+int64(dataLen)
}

// memErr flags the enqueue failure so the next output pass can flush a tail
// ACK, and counts it
func (pcb *PCB) memErr() {
	pcb.Flags |= FlagNagleMemErr
	pcb.engine.stats.MemErrors.Inc()
}

// allocTxBuffer requests a transmit buffer from the injected allocator
func (pcb *PCB) allocTxBuffer(size int, typ buffer.Type, desc *buffer.Desc, hint *buffer.Buffer) *buffer.Buffer {
	return pcb.engine.hooks.AllocBuffer(pcb.Container, size, typ, desc, hint)
}

// freeTxBuffer returns a buffer chain to the injected allocator
func (pcb *PCB) freeTxBuffer(p *buffer.Buffer) {
	pcb.engine.hooks.FreeBuffer(pcb.Container, p)
}
