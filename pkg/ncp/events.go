package ncp

import (
	"sync"

	"github.com/golang/glog"

	"github.com/robotalks/ncp.go/pkg/spinel"
)

// Callbacks are the upper-layer notification hooks. InboundIP6 runs on
// the link goroutine (it is the datapath); everything else is
// delivered by a dispatcher goroutine and may block briefly.
type Callbacks struct {
	InboundIP6   func(pkt []byte, secure bool)
	RoleChanged  func(role spinel.NetRole)
	ScanResult   func(result *ScanResult)
	ScanDone     func()
	LegacyPrefix func(prefix [8]byte)
	Recovered    func()
}

// ScanResult is one beacon heard during an active scan.
type ScanResult struct {
	Channel     byte
	RSSI        int8
	PanID       uint16
	ExtAddr     [8]byte
	LQI         byte
	NetworkName string
	XPanID      []byte
}

type bufKind int

const (
	bufFree bufKind = iota
	bufScanResult
	bufLegacyUla
)

// callbackBuf carries payload from the decode path to the dispatcher
// without allocation. Slots are claimed before decode copies into
// them and released once the callback has consumed them.
type callbackBuf struct {
	kind bufKind
	scan ScanResult
	ula  [8]byte
}

type callbackPool struct {
	bufs []callbackBuf
	lock sync.Mutex
}

const callbackPoolSize = 8

func newCallbackPool() *callbackPool {
	return &callbackPool{bufs: make([]callbackBuf, callbackPoolSize)}
}

func (p *callbackPool) claim(kind bufKind) *callbackBuf {
	p.lock.Lock()
	defer p.lock.Unlock()
	for i := range p.bufs {
		if p.bufs[i].kind == bufFree {
			p.bufs[i].kind = kind
			return &p.bufs[i]
		}
	}
	return nil
}

func (p *callbackPool) release(b *callbackBuf) {
	p.lock.Lock()
	b.kind = bufFree
	p.lock.Unlock()
}

type eventKind int

const (
	evRole eventKind = iota
	evScanResult
	evScanDone
	evLegacyUla
	evRecovered
)

type event struct {
	kind eventKind
	role spinel.NetRole
	buf  *callbackBuf
}

// postEvent hands an event to the dispatcher, dropping it when the
// channel is saturated. Events are advisory; the datapath never goes
// through here.
func (l *Link) postEvent(ev event) {
	select {
	case l.eventCh <- ev:
	default:
		if ev.buf != nil {
			l.cbPool.release(ev.buf)
		}
		glog.Warningf("ncp: event %d dropped", ev.kind)
	}
}

func (l *Link) dispatchEvents() {
	for ev := range l.eventCh {
		l.dispatchEvent(ev)
	}
}

func (l *Link) dispatchEvent(ev event) {
	if ev.buf != nil {
		defer l.cbPool.release(ev.buf)
	}
	switch ev.kind {
	case evRole:
		if f := l.Callbacks.RoleChanged; f != nil {
			f(ev.role)
		}
	case evScanResult:
		if f := l.Callbacks.ScanResult; f != nil {
			f(&ev.buf.scan)
		}
	case evScanDone:
		if f := l.Callbacks.ScanDone; f != nil {
			f()
		}
	case evLegacyUla:
		if f := l.Callbacks.LegacyPrefix; f != nil {
			f(ev.buf.ula)
		}
	case evRecovered:
		if f := l.Callbacks.Recovered; f != nil {
			f()
		}
	}
}
