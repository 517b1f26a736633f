// Package checker provides helpers to check the validity and fields of the
// TCP segments the transmit engine emits.
package checker

import (
	"bytes"
	"testing"

	"github.com/ustackio/ustack/header"
)

// TransportChecker is a function to check a property of an emitted segment
type TransportChecker func(*testing.T, header.TCP)

// TCP checks the validity and properties of the given TCP segment. It is
// expected to be used in conjunction with other checkers for specific
// properties. For example, to check the sequence number and flags, one
// would call:
//
// checker.TCP(t, b, checker.SeqNum(x), checker.TCPFlags(y))
func TCP(t *testing.T, b []byte, checkers ...TransportChecker) {
	t.Helper()

	if len(b) < header.TCPMinimumSize {
		t.Fatalf("Segment too short to be a TCP header: %v bytes", len(b))
	}

	tcp := header.TCP(b)
	offset := int(tcp.DataOffset())
	if offset < header.TCPMinimumSize || offset > len(b) {
		t.Fatalf("Bad data offset: %v (segment is %v bytes)", offset, len(b))
	}

	for _, f := range checkers {
		f(t, tcp)
	}
}

// SrcPort creates a checker that checks the source port
func SrcPort(port uint16) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()
		if p := h.SourcePort(); p != port {
			t.Fatalf("Bad source port, got %v, want %v", p, port)
		}
	}
}

// DstPort creates a checker that checks the destination port
func DstPort(port uint16) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()
		if p := h.DestinationPort(); p != port {
			t.Fatalf("Bad destination port, got %v, want %v", p, port)
		}
	}
}

// SeqNum creates a checker that checks the sequence number
func SeqNum(seq uint32) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()
		if s := h.SequenceNumber(); s != seq {
			t.Fatalf("Bad sequence number, got %v, want %v", s, seq)
		}
	}
}

// AckNum creates a checker that checks the ack number
func AckNum(ack uint32) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()
		if a := h.AckNumber(); a != ack {
			t.Fatalf("Bad ack number, got %v, want %v", a, ack)
		}
	}
}

// Window creates a checker that checks the window advertisement
func Window(wnd uint16) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()
		if w := h.WindowSize(); w != wnd {
			t.Fatalf("Bad window, got %v, want %v", w, wnd)
		}
	}
}

// TCPFlags creates a checker that checks the segment flags
func TCPFlags(flags uint8) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()
		if f := h.Flags(); f != flags {
			t.Fatalf("Bad flags, got 0x%x, want 0x%x", f, flags)
		}
	}
}

// TCPFlagsMatch creates a checker that checks the segment flags under the
// given mask
func TCPFlagsMatch(flags, mask uint8) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()
		if f := h.Flags(); f&mask != flags&mask {
			t.Fatalf("Bad masked flags, got 0x%x, want 0x%x, mask 0x%x", f, flags, mask)
		}
	}
}

// PayloadLen creates a checker that checks the payload length
func PayloadLen(plen int) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()
		if l := len(h.Payload()); l != plen {
			t.Fatalf("Bad payload length, got %v, want %v", l, plen)
		}
	}
}

// Payload creates a checker that checks the payload bytes
func Payload(want []byte) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()
		if got := h.Payload(); !bytes.Equal(got, want) {
			t.Fatalf("Bad payload, got %x, want %x", got, want)
		}
	}
}

// TCPOption creates a checker that checks for the presence of a TCP option
// with the given kind and encoded contents anywhere in the option area
func TCPOption(kind uint8, contents []byte) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()
		opts := h.Options()
		for i := 0; i < len(opts); {
			switch opts[i] {
			case header.TCPOptionEOL:
				i = len(opts)
			case header.TCPOptionNOP:
				i++
			default:
				if i+1 >= len(opts) {
					t.Fatalf("Truncated option at %v", i)
				}
				l := int(opts[i+1])
				if l < 2 || i+l > len(opts) {
					t.Fatalf("Bad option length %v at %v", l, i)
				}
				if opts[i] == kind {
					if !bytes.Equal(opts[i+2:i+l], contents) {
						t.Fatalf("Bad option %v contents, got %x, want %x", kind, opts[i+2:i+l], contents)
					}
					return
				}
				i += l
			}
		}
		t.Fatalf("Option %v not found", kind)
	}
}

// NoTCPOption creates a checker that checks a TCP option kind is absent
func NoTCPOption(kind uint8) TransportChecker {
	return func(t *testing.T, h header.TCP) {
		t.Helper()
		opts := h.Options()
		for i := 0; i < len(opts); {
			switch opts[i] {
			case header.TCPOptionEOL:
				i = len(opts)
			case header.TCPOptionNOP:
				i++
			default:
				if opts[i] == kind {
					t.Fatalf("Option %v unexpectedly present", kind)
				}
				if i+1 >= len(opts) {
					return
				}
				l := int(opts[i+1])
				if l < 2 {
					return
				}
				i += l
			}
		}
	}
}
