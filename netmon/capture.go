/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package netmon

import (
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

// Capture wraps one pcap handle ("one thread per pcap handle
// for packet ingest"). BPF filtering is supported but not required (spec
// §4.1 Non-goals).
type Capture struct {
	iface  string
	handle *pcap.Handle
}

// OpenCapture opens a live handle on iface in promiscuous mode, mirroring
// the teacher's one-handle-per-source construction in its own network
// collaborators (short read timeout so Close() unblocks the read loop
// promptly on shutdown).
func OpenCapture(iface string, snaplen int32, bpf string) (*Capture, error) {
	if snaplen <= 0 {
		snaplen = 262144
	}
	h, err := pcap.OpenLive(iface, snaplen, true, 250*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if bpf != `` {
		if err := h.SetBPFFilter(bpf); err != nil {
			h.Close()
			return nil, err
		}
	}
	return &Capture{iface: iface, handle: h}, nil
}

func (c *Capture) Interface() string { return c.iface }

// Run decodes frames off the handle until stop is closed, handing each
// successfully decoded packet to onPacket. Decode failures are counted
// via onDropped rather than surfaced as events (the design: malformed
// frames increment a decode-error counter, not a PacketDropped event).
func (c *Capture) Run(stop <-chan struct{}, onPacket func(ParsedPacket), onDropped func()) {
	src := gopacket.NewPacketSource(c.handle, c.handle.LinkType())
	src.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	packets := src.Packets()
	for {
		select {
		case <-stop:
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			pp, decOK := Decode(pkt.Data(), c.handle.LinkType())
			if !decOK {
				if onDropped != nil {
					onDropped()
				}
				continue
			}
			if onPacket != nil {
				onPacket(pp)
			}
		}
	}
}

func (c *Capture) Close() error { return c.handle.Close() }
