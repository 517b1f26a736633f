package header

import (
	"encoding/binary"
)

const (
	srcPort     = 0
	dstPort     = 2
	seqNum      = 4
	ackNum      = 8
	dataOffset  = 12
	tcpFlags    = 13
	winSize     = 14
	tcpChecksum = 16
	urgentPtr   = 18
)

// Flags that may be set in a TCP segment
const (
	TCPFlagFin = 1 << iota
	TCPFlagSyn
	TCPFlagRst
	TCPFlagPsh
	TCPFlagAck
	TCPFlagUrg
)

// TCP option kinds emitted by the output path
const (
	TCPOptionEOL       = 0
	TCPOptionNOP       = 1
	TCPOptionMSS       = 2
	TCPOptionWS        = 3
	TCPOptionTimestamp = 8
)

const (
	// TCPMinimumSize is the minimum size of a valid TCP header
	TCPMinimumSize = 20

	// TCPMaximumOptionSize is the largest option area a header can carry
	TCPMaximumOptionSize = 40

	// TCPOptionMSSSize is the encoded size of the MSS option
	TCPOptionMSSSize = 4

	// TCPOptionWSSize is the encoded size of the window scale option,
	// including the leading NOP that keeps the header 32-bit aligned
	TCPOptionWSSize = 4

	// TCPOptionTSSize is the encoded size of the timestamps option,
	// including the two leading NOPs
	TCPOptionTSSize = 12
)

// TCPFields contains the fields of a TCP packet. It is used to describe the
// fields of a packet that needs to be encoded
type TCPFields struct {
	SrcPort uint16

	DstPort uint16

	SeqNum uint32

	AckNum uint32

	DataOffset uint8

	Flags uint8

	WindowSize uint16

	Checksum uint16

	UrgentPointer uint16
}

// TCP represents a TCP header stored in a byte order
type TCP []byte

func (b TCP) SourcePort() uint16 {
	return binary.BigEndian.Uint16(b[srcPort:])
}

func (b TCP) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(b[dstPort:])
}

func (b TCP) SequenceNumber() uint32 {
	return binary.BigEndian.Uint32(b[seqNum:])
}

func (b TCP) AckNumber() uint32 {
	return binary.BigEndian.Uint32(b[ackNum:])
}

func (b TCP) DataOffset() uint8 {
	return (b[dataOffset] >> 4) * 4
}

func (b TCP) Payload() []byte {
	return b[b.DataOffset():]
}

func (b TCP) Flags() uint8 {
	return b[tcpFlags]
}

func (b TCP) WindowSize() uint16 {
	return binary.BigEndian.Uint16(b[winSize:])
}

func (b TCP) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[tcpChecksum:])
}

// Options returns the option bytes between the fixed header and the payload
func (b TCP) Options() []byte {
	return b[TCPMinimumSize:b.DataOffset()]
}

func (b TCP) SetSourcePort(port uint16) {
	binary.BigEndian.PutUint16(b[srcPort:], port)
}

func (b TCP) SetDestinationPort(port uint16) {
	binary.BigEndian.PutUint16(b[dstPort:], port)
}

func (b TCP) SetSequenceNumber(seq uint32) {
	binary.BigEndian.PutUint32(b[seqNum:], seq)
}

func (b TCP) SetAckNumber(ack uint32) {
	binary.BigEndian.PutUint32(b[ackNum:], ack)
}

// SetDataOffsetFlags encodes the header length (in bytes, a multiple of 4)
// together with the flag bits, as the two share a 16-bit word
func (b TCP) SetDataOffsetFlags(hdrLen int, flags uint8) {
	b[dataOffset] = uint8(hdrLen/4) << 4
	b[tcpFlags] = flags
}

func (b TCP) SetFlags(flags uint8) {
	b[tcpFlags] = flags
}

// SetFlagBits sets the given flag bits, leaving the others untouched
func (b TCP) SetFlagBits(flags uint8) {
	b[tcpFlags] |= flags
}

// ClearFlagBits clears the given flag bits, leaving the others untouched
func (b TCP) ClearFlagBits(flags uint8) {
	b[tcpFlags] &^= flags
}

func (b TCP) SetWindowSize(wnd uint16) {
	binary.BigEndian.PutUint16(b[winSize:], wnd)
}

func (b TCP) SetChecksum(xsum uint16) {
	binary.BigEndian.PutUint16(b[tcpChecksum:], xsum)
}

func (b TCP) SetUrgentPointer(ptr uint16) {
	binary.BigEndian.PutUint16(b[urgentPtr:], ptr)
}

// Encode encodes all the fields of the tcp header
func (b TCP) Encode(t *TCPFields) {
	b.SetSourcePort(t.SrcPort)
	b.SetDestinationPort(t.DstPort)
	b.SetSequenceNumber(t.SeqNum)
	b.SetAckNumber(t.AckNum)
	b[dataOffset] = (t.DataOffset / 4) << 4
	b[tcpFlags] = t.Flags
	b.SetWindowSize(t.WindowSize)
	b.SetChecksum(t.Checksum)
	b.SetUrgentPointer(t.UrgentPointer)
}

// EncodeMSSOption writes the MSS option (kind 2, length 4) into b and
// returns the number of bytes written
func EncodeMSSOption(b []byte, mss uint16) int {
	b[0] = TCPOptionMSS
	b[1] = TCPOptionMSSSize
	binary.BigEndian.PutUint16(b[2:], mss)
	return TCPOptionMSSSize
}

// EncodeWSOption writes the window scale option (kind 3, length 3) preceded
// by one NOP so the header stays 32-bit aligned, and returns the number of
// bytes written
func EncodeWSOption(b []byte, scale uint8) int {
	b[0] = TCPOptionNOP
	b[1] = TCPOptionWS
	b[2] = 3
	b[3] = scale
	return TCPOptionWSSize
}

// EncodeTSOption writes the timestamps option (kind 8, length 10) preceded
// by two NOPs, and returns the number of bytes written
func EncodeTSOption(b []byte, tsVal, tsEcr uint32) int {
	b[0] = TCPOptionNOP
	b[1] = TCPOptionNOP
	b[2] = TCPOptionTimestamp
	b[3] = 10
	binary.BigEndian.PutUint32(b[4:], tsVal)
	binary.BigEndian.PutUint32(b[8:], tsEcr)
	return TCPOptionTSSize
}
