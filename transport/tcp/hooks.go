package tcp

import (
	log "github.com/sirupsen/logrus"

	"github.com/ustackio/ustack/buffer"
	"github.com/ustackio/ustack/config"
	"github.com/ustackio/ustack/stats"
	"github.com/ustackio/ustack/types"
)

// OutputFunc frames a buffer chain and hands it to the IP layer. The segment
// is nil for control segments built outside the queues (empty ACK, RST,
// keepalive, probes).
type OutputFunc func(p *buffer.Buffer, seg *Segment, pcb *PCB, flags OutputFlags) error

// OutputFlags qualify one emission for the IP output hook
type OutputFlags uint16

const (
	// OutputDummy marks a locally-accounted segment that must not reach
	// the peer
	OutputDummy OutputFlags = 1 << iota

	// OutputTSO asks the NIC to re-segment the payload
	OutputTSO

	// OutputRexmit marks a retransmission
	OutputRexmit

	// OutputZeroCopy marks a chain whose payload references caller memory
	OutputZeroCopy
)

// CongestionEvent identifies the signal delivered to a pluggable congestion
// module
type CongestionEvent int

const (
	// CongestionDupAck is raised on the third duplicate ACK
	CongestionDupAck CongestionEvent = iota
)

// Hooks are the injected collaborators of the transmit engine. All of them
// must be set except RouteMTU, StateObserver and CongestionSignal, which may
// be nil; without RouteMTU the configured MSS is used uncapped.
type Hooks struct {
	// Now returns a millisecond clock used for RTT sampling and the
	// timestamp option.
	Now func() uint32

	// RouteMTU returns the MTU of the egress path for a connection.
	RouteMTU func(pcb *PCB) uint16

	// AllocBuffer returns a transmit buffer with size visible payload
	// bytes and enough headroom for a TCP header with options, or nil
	// when memory is exhausted. hint, when non-nil, is a buffer the new
	// one will share fate with (same completion context).
	AllocBuffer func(conn interface{}, size int, typ buffer.Type, desc *buffer.Desc, hint *buffer.Buffer) *buffer.Buffer

	// FreeBuffer releases a buffer chain, respecting reference counts.
	FreeBuffer func(conn interface{}, p *buffer.Buffer)

	// AllocSegment returns a blank segment record, or nil.
	AllocSegment func(conn interface{}) *Segment

	// FreeSegment releases a segment record. The buffer chain, if any,
	// has already been released by the caller.
	FreeSegment func(conn interface{}, seg *Segment)

	// StateObserver, when set, is notified on every state transition.
	StateObserver types.StateObserver

	// CongestionSignal, when set, replaces the built-in cwnd/ssthresh
	// response to congestion events.
	CongestionSignal func(pcb *PCB, event CongestionEvent)
}

// Engine ties the injected hooks to the shared tunables, metrics and logger.
// All connections transmitting through the same engine share them.
type Engine struct {
	hooks Hooks
	cfg   *config.Config
	stats *stats.Stats
	log   *log.Logger
}

// EngineOption customizes an engine at construction time
type EngineOption func(*Engine)

// WithLogger replaces the default (standard logrus) logger
func WithLogger(l *log.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithStats replaces the default, unregistered counter set
func WithStats(s *stats.Stats) EngineOption {
	return func(e *Engine) { e.stats = s }
}

// NewEngine builds a transmit engine from the injected hooks. A nil cfg
// selects the built-in defaults.
func NewEngine(hooks Hooks, cfg *config.Config, opts ...EngineOption) *Engine {
	if hooks.Now == nil || hooks.AllocBuffer == nil || hooks.FreeBuffer == nil ||
		hooks.AllocSegment == nil || hooks.FreeSegment == nil {
		panic("tcp: NewEngine called with incomplete hooks")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		hooks: hooks,
		cfg:   cfg,
		stats: stats.New(nil),
		log:   log.StandardLogger(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Config returns the engine tunables
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// ticks converts the millisecond clock to the 10ms ticks the RTT estimator
// works in
func (e *Engine) ticks() uint32 {
	return e.hooks.Now() / 10
}
