package ncp

import (
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/robotalks/ncp.go/pkg/spinel"
)

// outputIP6 allocates a message for an outbound datagram, classifies
// it per the security policy, queues it and wakes the pump. Owner
// goroutine only; SendIP6 is the marshaled entry point.
func (l *Link) outputIP6(pkt []byte, legacy bool) error {
	if l.State() != StateInitialized {
		return ErrInvalidState
	}
	secure := l.sec.outboundSecure(pkt)
	m, err := l.pool.Alloc(secure, legacy, len(pkt))
	if err != nil {
		return err
	}
	if err = m.Append(pkt); err != nil {
		m.Free()
		return err
	}
	if err = l.queue.Enqueue(m); err != nil {
		m.Free()
		return err
	}
	l.txWake.Post()
	return nil
}

// processOutgoing drains the packet queue. If the queue is non-empty
// on exit, for any reason, exactly one wake is re-armed so the flow
// never silently stalls.
func (l *Link) processOutgoing() {
	if l.State() != StateInitialized {
		return
	}
	for atomic.LoadInt32(&l.stalled) == 0 {
		m := l.queue.Dequeue()
		if m == nil {
			break
		}
		if err := l.transmit(m); err != nil {
			glog.Errorf("ncp: datagram send: %v", err)
			break
		}
	}
	if !l.queue.Empty() {
		l.txWake.Post()
	}
}

// transmit sends one queued datagram and waits for the last-status
// confirmation. The message is freed regardless of the outcome.
func (l *Link) transmit(m *Message) error {
	pkt := m.payload()
	if l.sec.NeedOpenSourcePort() {
		if port, ok := tcpSourcePort(pkt); ok {
			if err := l.openSourcePort(port); err != nil {
				glog.Warningf("ncp: open source port %d: %v", port, err)
			}
		}
	}

	cmd, prop := spinel.CmdPropValueSet, spinel.PropStreamNetInsecure
	switch {
	case m.Legacy():
		prop = spinel.PropVendorStreamLegacy
	case m.Secure():
		prop = spinel.PropStreamNet
	}

	payload, err := spinel.Pack("d", pkt)
	if err != nil {
		m.Free()
		return err
	}
	tid := l.nextTID()
	err = l.sendFrame(tid, cmd, prop, payload)
	m.Free()
	if err != nil {
		return err
	}
	reply, err := l.waitResponse(tid, spinel.CmdPropValueIs, spinel.PropLastStatus, false)
	if err != nil {
		return err
	}
	return checkStatus(reply)
}

// openSourcePort registers a provisional-join TCP source port as
// insecure on the NCP before the first outbound datagram uses it.
func (l *Link) openSourcePort(port uint16) error {
	if err := l.insertProp(spinel.PropThreadAssistingPorts, "S", port); err != nil {
		return err
	}
	l.sec.set(secInsecureSourcePortOpen, true)
	l.sec.sourcePort = port
	l.sec.addInsecurePort(port)
	return nil
}

// StallOutgoing pauses or resumes the pump without discarding queued
// datagrams. Safe from any goroutine.
func (l *Link) StallOutgoing(stall bool) {
	if stall {
		atomic.StoreInt32(&l.stalled, 1)
		return
	}
	atomic.StoreInt32(&l.stalled, 0)
	if !l.queue.Empty() {
		l.txWake.Post()
	}
}
