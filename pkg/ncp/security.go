package ncp

import (
	"encoding/binary"
)

// Security flags tracking the provisional-join policy. During network
// join the NCP briefly permits unauthenticated traffic on specific
// ports; these flags decide per datagram whether it rides the secure
// or the insecure stream. Owner goroutine only.
const (
	secThreadStarted uint32 = 1 << iota
	secInsecurePortsEnabled
	secInsecureSourcePortOpen
	secSecureSeenOnInsecurePort
)

// SecurityState is the process-wide security bitset plus the
// registered insecure ports.
type SecurityState struct {
	flags      uint32
	sourcePort uint16
	ports      []uint16
}

func (s *SecurityState) has(f uint32) bool {
	return s.flags&f != 0
}

func (s *SecurityState) set(f uint32, on bool) {
	if on {
		s.flags |= f
	} else {
		s.flags &^= f
	}
}

// ThreadStarted reports whether the mesh interface is up and secured.
func (s *SecurityState) ThreadStarted() bool {
	return s.has(secThreadStarted)
}

// NeedOpenSourcePort decides whether the next outbound TCP datagram
// must first register its source port as insecure on the NCP.
func (s *SecurityState) NeedOpenSourcePort() bool {
	return !s.has(secThreadStarted) && s.has(secInsecurePortsEnabled) &&
		!s.has(secInsecureSourcePortOpen)
}

// AnswerInsecurely decides whether a provisional join response may
// still go out unsecured after the network is up.
func (s *SecurityState) AnswerInsecurely() bool {
	return s.has(secThreadStarted) && s.has(secInsecurePortsEnabled) &&
		!s.has(secSecureSeenOnInsecurePort)
}

// addInsecurePort registers a permitted unauthenticated port.
func (s *SecurityState) addInsecurePort(port uint16) {
	for _, p := range s.ports {
		if p == port {
			return
		}
	}
	s.ports = append(s.ports, port)
	s.set(secInsecurePortsEnabled, true)
}

// removeInsecurePort drops a permitted port; when the last one goes,
// the whole provisional window closes.
func (s *SecurityState) removeInsecurePort(port uint16) {
	for i, p := range s.ports {
		if p == port {
			s.ports = append(s.ports[:i], s.ports[i+1:]...)
			break
		}
	}
	if len(s.ports) == 0 {
		s.set(secInsecurePortsEnabled, false)
		s.set(secInsecureSourcePortOpen, false)
		s.set(secSecureSeenOnInsecurePort, false)
		s.sourcePort = 0
	}
}

func (s *SecurityState) hasInsecurePort(port uint16) bool {
	for _, p := range s.ports {
		if p == port {
			return true
		}
	}
	return false
}

// outboundSecure classifies an outbound datagram.
func (s *SecurityState) outboundSecure(pkt []byte) bool {
	if !s.has(secThreadStarted) {
		return false
	}
	if s.AnswerInsecurely() {
		if port, ok := tcpSourcePort(pkt); ok && s.hasInsecurePort(port) {
			return false
		}
	}
	return true
}

// noteInbound inspects an inbound datagram from the secure stream: a
// secured message addressed to a provisional port means the peer has
// finished joining, closing the insecure-answer window.
func (s *SecurityState) noteInbound(pkt []byte, secure bool) {
	if !secure || !s.has(secInsecurePortsEnabled) {
		return
	}
	if port, ok := tcpDestPort(pkt); ok && s.hasInsecurePort(port) {
		s.set(secSecureSeenOnInsecurePort, true)
	}
}

// IPv6 header inspection. Only the fixed header is examined; datagrams
// with extension headers before TCP are treated as non-TCP.
const (
	ip6HeaderLen     = 40
	ip6NextHeaderOff = 6
	protoTCP         = 6
)

func tcpPort(pkt []byte, off int) (uint16, bool) {
	if len(pkt) < ip6HeaderLen+4 {
		return 0, false
	}
	if pkt[ip6NextHeaderOff] != protoTCP {
		return 0, false
	}
	return binary.BigEndian.Uint16(pkt[ip6HeaderLen+off:]), true
}

// tcpSourcePort extracts the TCP source port from an IPv6 datagram.
func tcpSourcePort(pkt []byte) (uint16, bool) {
	return tcpPort(pkt, 0)
}

// tcpDestPort extracts the TCP destination port from an IPv6 datagram.
func tcpDestPort(pkt []byte) (uint16, bool) {
	return tcpPort(pkt, 2)
}
