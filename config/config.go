// Package config holds the tunables of the transmit engine. Values can be
// loaded from an INI file or taken from the defaults.
package config

import (
	"gopkg.in/ini.v1"
)

// Config carries the stack-wide transmit tunables. A single Config is shared
// by every connection created through the same engine.
type Config struct {
	// MSS is the default maximum segment size used until the peer
	// announces one.
	MSS uint16 `ini:"mss"`

	// MaxSndBuf is the per-connection send buffer budget in bytes.
	MaxSndBuf uint32 `ini:"snd_buf"`

	// Window is the window advertised on segments built outside a
	// connection context (RST).
	Window uint32 `ini:"window"`

	// ZeroCopyTxSize is the segmentation goal for zero-copy writes.
	ZeroCopyTxSize uint16 `ini:"zc_tx_size"`

	// EnableWndScale announces the window scale option on SYN.
	EnableWndScale bool `ini:"wnd_scale"`

	// RcvWndScale is the shift announced when window scaling is enabled.
	RcvWndScale uint8 `ini:"rcv_wnd_scale"`

	// EnablePushFlag sets PSH on the last segment of every write.
	EnablePushFlag bool `ini:"push_flag"`

	// Priority is the default connection priority. Load replaces a value
	// outside [PriorityMin, PriorityMax] with PriorityNormal.
	Priority uint8 `ini:"priority"`

	// TSO caps, applied to new connections. A zero MaxPayloadSz disables
	// segmentation offload.
	TSOMaxBufSz     uint32 `ini:"tso_max_buf_sz"`
	TSOMaxPayloadSz uint32 `ini:"tso_max_payload_sz"`
	TSOMaxHeaderSz  uint16 `ini:"tso_max_header_sz"`
	TSOMaxSendSGE   uint32 `ini:"tso_max_send_sge"`

	// Keepalive defaults, in milliseconds / probe counts.
	KeepIdle  uint32 `ini:"keep_idle"`
	KeepIntvl uint32 `ini:"keep_intvl"`
	KeepCnt   uint32 `ini:"keep_cnt"`
}

// Connection priority bounds
const (
	PriorityMin    = 1
	PriorityNormal = 64
	PriorityMax    = 127
)

// Default returns the built-in tunables
func Default() *Config {
	return &Config{
		MSS:             536,
		MaxSndBuf:       256 * 1024,
		Window:          65535,
		ZeroCopyTxSize:  16384,
		EnableWndScale:  true,
		RcvWndScale:     3,
		EnablePushFlag:  true,
		Priority:        PriorityNormal,
		// Offload stays disabled until the NIC capabilities are known;
		// the scatter-gather limit also bounds plain sends
		TSOMaxBufSz:     0,
		TSOMaxPayloadSz: 0,
		TSOMaxHeaderSz:  128,
		TSOMaxSendSGE:   16,
		KeepIdle:        7200000,
		KeepIntvl:       75000,
		KeepCnt:         9,
	}
}

// Load reads tunables from the [tcp] and [tso] sections of an INI file,
// falling back to the defaults for anything the file does not set. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	f, err := ini.LooseLoad(path)
	if err != nil {
		return nil, err
	}
	if err := f.Section("tcp").MapTo(cfg); err != nil {
		return nil, err
	}
	if err := f.Section("tso").MapTo(cfg); err != nil {
		return nil, err
	}
	if cfg.Priority < PriorityMin || cfg.Priority > PriorityMax {
		cfg.Priority = PriorityNormal
	}
	return cfg, nil
}
