package netmon

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const dnsPort = 53

// Decode parses one captured frame down to the fields the tracker and DNS
// filter need. Malformed frames are reported via ok=false and must be
// counted by the caller, not turned into an event.
func Decode(data []byte, linkType layers.LinkType) (pp ParsedPacket, ok bool) {
	defer func() {
		// gopacket layer decoders can panic on deeply truncated frames;
		// treat that the same as a parse failure rather than letting it
		// take down the capture goroutine.
		if r := recover(); r != nil {
			ok = false
		}
	}()

	packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	netLayer := packet.NetworkLayer()
	if netLayer == nil {
		return pp, false
	}
	flow := netLayer.NetworkFlow()
	src, dst := flow.Src(), flow.Dst()

	pp.Length = len(data)

	switch tl := packet.TransportLayer().(type) {
	case *layers.TCP:
		pp.Proto = ProtoTCP
		pp.Sport = uint16(tl.SrcPort)
		pp.Dport = uint16(tl.DstPort)
		pp.TCPFlags = tcpFlagByte(tl)
		pp.Src, pp.Dst = netAddrToIP(src), netAddrToIP(dst)
		if pp.Sport == dnsPort || pp.Dport == dnsPort {
			pp.DNSPayload = tl.Payload
		}
	case *layers.UDP:
		pp.Proto = ProtoUDP
		pp.Sport = uint16(tl.SrcPort)
		pp.Dport = uint16(tl.DstPort)
		pp.Src, pp.Dst = netAddrToIP(src), netAddrToIP(dst)
		if pp.Sport == dnsPort || pp.Dport == dnsPort {
			pp.DNSPayload = tl.Payload
		}
	default:
		return pp, false
	}
	if pp.Src == nil || pp.Dst == nil {
		return pp, false
	}
	return pp, true
}

func tcpFlagByte(tcp *layers.TCP) uint8 {
	var f uint8
	if tcp.FIN {
		f |= 0x01
	}
	if tcp.SYN {
		f |= 0x02
	}
	if tcp.RST {
		f |= 0x04
	}
	if tcp.PSH {
		f |= 0x08
	}
	if tcp.ACK {
		f |= 0x10
	}
	if tcp.URG {
		f |= 0x20
	}
	return f
}

func netAddrToIP(ep gopacket.Endpoint) net.IP {
	raw := ep.Raw()
	if len(raw) != 4 && len(raw) != 16 {
		return nil
	}
	return net.IP(raw)
}
