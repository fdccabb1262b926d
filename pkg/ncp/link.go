// Package ncp implements the host side of the serial transport to a
// Thread/6LoWPAN network co-processor: property transactions with
// reply correlation, outbound datagram pumping under flow control,
// provisional-join security policy, and NCP crash recovery.
package ncp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/ncp.go/pkg/framework"
	"github.com/robotalks/ncp.go/pkg/l0/hdlc"
	"github.com/robotalks/ncp.go/pkg/l0/uart"
	"github.com/robotalks/ncp.go/pkg/spinel"
)

// State is the module lifecycle state.
type State int32

// States.
const (
	StateUninitialized State = iota
	StateInitialized
	StateResetRecovery
	StateHostSleep
)

// Resetter controls the hardware reset line of the NCP. When absent,
// recovery falls back to the software reset command.
type Resetter interface {
	HardReset() error
}

// Config carries the tunables of a Link. Zero values select defaults.
type Config struct {
	// ResponseTimeout bounds a transaction wait.
	ResponseTimeout time.Duration
	// AllocTimeout bounds the wait for message pool space.
	AllocTimeout time.Duration
	// PoolSize is the message pool backing size in bytes.
	PoolSize int
	// QueueDepth is the outgoing packet queue capacity.
	QueueDepth int
	// ResetRetries is the post-reset handshake attempt budget.
	ResetRetries int
}

// DefaultResponseTimeout is the request-reply wire time budget.
const DefaultResponseTimeout = 3000 * time.Millisecond

const defaultResetRetries = 3

// Link owns the serial link to the NCP. All internal state belongs to
// the goroutine running Run; other goroutines reach it only through
// the marshaled public API.
type Link struct {
	Port      *uart.Port
	Resetter  Resetter
	Callbacks Callbacks
	Config    Config

	state      int32
	started    int32
	recovering int32
	stalled    int32

	dec     hdlc.Decoder
	tid     spinel.TID
	pending *pendingResponse

	pool  *MsgPool
	queue *PacketQueue
	sec   SecurityState

	txWake  *framework.Signal
	recWake *framework.Signal

	calls    chan *call
	callLock sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once

	cbPool  *callbackPool
	eventCh chan event
}

// pendingResponse is the single in-flight expectation. The link
// supports one outstanding synchronous request at a time.
type pendingResponse struct {
	tid     spinel.TID
	cmd     spinel.Command
	prop    spinel.Prop
	done    bool
	ok      bool
	payload []byte
}

type call struct {
	fn   func() error
	done chan error
}

// NewLink creates a Link over a port.
func NewLink(port *uart.Port, resetter Resetter) *Link {
	return &Link{
		Port:     port,
		Resetter: resetter,
		tid:      spinel.TID(2),
		txWake:   framework.NewSignal(),
		recWake:  framework.NewSignal(),
		calls:    make(chan *call),
		stopCh:   make(chan struct{}),
		cbPool:   newCallbackPool(),
		eventCh:  make(chan event, callbackPoolSize),
	}
}

// State returns the module state.
func (l *Link) State() State {
	return State(atomic.LoadInt32(&l.state))
}

func (l *Link) setState(s State) {
	atomic.StoreInt32(&l.state, int32(s))
}

func (l *Link) responseTimeout() time.Duration {
	if l.Config.ResponseTimeout > 0 {
		return l.Config.ResponseTimeout
	}
	return DefaultResponseTimeout
}

func (l *Link) resetRetries() int {
	if l.Config.ResetRetries > 0 {
		return l.Config.ResetRetries
	}
	return defaultResetRetries
}

// Run initializes the NCP and processes the link until the context is
// canceled. The calling goroutine becomes the link owner; the Port
// must be running concurrently.
func (l *Link) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&l.started, 0, 1) {
		return ErrInvalidState
	}
	l.pool = NewMsgPool(l.Config.PoolSize)
	if l.Config.AllocTimeout > 0 {
		l.pool.Timeout = l.Config.AllocTimeout
	}
	l.queue = NewPacketQueue(l.Config.QueueDepth)

	go l.dispatchEvents()
	defer close(l.eventCh)
	defer l.stopOnce.Do(func() { close(l.stopCh) })

	if err := l.initialize(); err != nil {
		return err
	}
	defer l.finalize()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.Port.RxWake.C():
			l.drainRx()
		case <-l.txWake.C():
			l.processOutgoing()
		case <-l.recWake.C():
			l.recover()
		case c := <-l.calls:
			c.done <- c.fn()
		}
	}
}

func (l *Link) initialize() error {
	l.Port.Enable()
	if err := l.resetWithVerify(); err != nil {
		return err
	}
	// A decode failure during the verify retries may have latched a
	// recovery request; the verified reset already served it.
	atomic.StoreInt32(&l.recovering, 0)
	l.recWake.Clear()
	l.setState(StateInitialized)
	if version, err := l.getPropString(spinel.PropNcpVersion); err == nil {
		glog.Infof("ncp: %s", version)
	} else {
		glog.Warningf("ncp: version query failed: %v", err)
	}
	return nil
}

func (l *Link) finalize() {
	if err := l.setPropByte(spinel.PropPowerState, spinel.PowerStateOffline); err != nil {
		glog.V(2).Infof("ncp: power-off on finalize: %v", err)
	}
	l.Port.Disable()
	l.dec.Reset()
	l.setState(StateUninitialized)
}

// do marshals fn into the link goroutine and waits for its result.
// One marshaled call runs at a time.
func (l *Link) do(fn func() error) error {
	l.callLock.Lock()
	defer l.callLock.Unlock()
	c := &call{fn: fn, done: make(chan error, 1)}
	select {
	case l.calls <- c:
	case <-l.stopCh:
		return ErrInvalidState
	}
	return <-c.done
}

// drainRx pops buffered bytes through the decoder, handling complete
// frames. It stops early once the pending response is captured, or on
// a framing error. Returns true when the pending response completed.
func (l *Link) drainRx() bool {
	for !l.dec.Failed() {
		b, ok := l.Port.Ring.Pop()
		if !ok {
			break
		}
		r := l.dec.Decode(b)
		if r.Err != nil {
			glog.Errorf("ncp: frame decode: %v", r.Err)
			l.triggerRecovery()
			break
		}
		if r.Frame != nil {
			l.handleFrame(r.Frame)
			if l.pending != nil && l.pending.done {
				break
			}
		}
	}
	l.Port.Resume()
	// Stopping at a captured reply may leave trailing frames buffered
	// with the coalesced wake already consumed; re-arm it so they are
	// picked up without waiting for more line traffic.
	if l.Port.Ring.Len() > 0 && !l.dec.Failed() {
		l.Port.RxWake.Post()
	}
	return l.pending != nil && l.pending.done
}

// nextTID allocates the next transaction id.
func (l *Link) nextTID() spinel.TID {
	tid := l.tid
	l.tid = l.tid.Next()
	return tid
}

// sendFrame packs and transmits one request frame.
func (l *Link) sendFrame(tid spinel.TID, cmd spinel.Command, prop spinel.Prop, payload []byte) error {
	buf, err := spinel.Pack("CiiD", spinel.Header(tid), cmd, prop, payload)
	if err != nil {
		return err
	}
	_, err = l.Port.Write(hdlc.Encode(buf))
	return err
}

// sendCommand transmits a bare command frame (reset).
func (l *Link) sendCommand(cmd spinel.Command) error {
	buf, err := spinel.Pack("Ci", spinel.Header(spinel.TIDDontCare), cmd)
	if err != nil {
		return err
	}
	_, err = l.Port.Write(hdlc.Encode(buf))
	return err
}

// waitResponse blocks the link goroutine until a frame matching the
// expectation arrives, cooperatively draining the receive path while
// blocked. On timeout it triggers recovery unless avoidRecovery is
// set (the recovery handshake itself waits with it set). A late reply
// is dropped: the pending record is already cleared.
func (l *Link) waitResponse(tid spinel.TID, cmd spinel.Command, prop spinel.Prop, avoidRecovery bool) ([]byte, error) {
	p := &pendingResponse{tid: tid, cmd: cmd, prop: prop}
	l.pending = p
	defer func() { l.pending = nil }()

	timer := time.NewTimer(l.responseTimeout())
	defer timer.Stop()
	for !p.done {
		if l.drainRx() {
			break
		}
		if l.dec.Failed() {
			return nil, ErrLinkFailed
		}
		select {
		case <-l.Port.RxWake.C():
		case <-timer.C:
			if !avoidRecovery {
				glog.Errorf("ncp: response timeout (tid %d)", tid)
				l.triggerRecovery()
			}
			return nil, ErrTimeout
		}
	}
	if !p.ok {
		status := spinel.StatusFailure
		if vals, err := spinel.Unpack("i", p.payload); err == nil {
			status = spinel.Status(vals[0].(uint32))
		}
		return nil, &StatusError{Status: status}
	}
	return p.payload, nil
}

// handleFrame routes one decoded frame to the pending expectation or
// the unsolicited path.
func (l *Link) handleFrame(frame []byte) {
	if len(frame) < 2 {
		glog.Warningf("ncp: runt frame (%d bytes)", len(frame))
		return
	}
	hdr := frame[0]
	cmdv, n, err := spinel.UnpackUint(frame[1:])
	if err != nil {
		glog.Warningf("ncp: frame command: %v", err)
		return
	}
	propv, m, err := spinel.UnpackUint(frame[1+n:])
	if err != nil {
		glog.Warningf("ncp: frame property: %v", err)
		return
	}
	cmd, prop := spinel.Command(cmdv), spinel.Prop(propv)
	payload := frame[1+n+m:]

	if p := l.pending; p != nil && !p.done && l.matchResponse(p, hdr, cmd, prop, payload) {
		return
	}
	l.handleUnsolicited(cmd, prop, payload)
}

// matchResponse applies the correlation rule: with a real transaction
// id the reply matches on header id alone, and a command/property
// mismatch is an NCP-reported failure, not a stray frame. With the
// don't-care id, matching is purely by command+property.
func (l *Link) matchResponse(p *pendingResponse, hdr byte, cmd spinel.Command, prop spinel.Prop, payload []byte) bool {
	if p.tid != spinel.TIDDontCare {
		if spinel.HeaderTID(hdr) != p.tid {
			return false
		}
		p.done = true
		p.ok = cmd == p.cmd && prop == p.prop
		p.payload = append([]byte(nil), payload...)
		if !p.ok {
			l.handleLastStatus(prop, payload)
		}
		return true
	}
	if cmd == p.cmd && prop == p.prop {
		p.done, p.ok = true, true
		p.payload = append([]byte(nil), payload...)
		return true
	}
	return false
}

// handleLastStatus inspects an error-status payload; a status in the
// reset sub-range means the NCP rebooted under us.
func (l *Link) handleLastStatus(prop spinel.Prop, payload []byte) {
	if prop != spinel.PropLastStatus {
		return
	}
	vals, err := spinel.Unpack("i", payload)
	if err != nil {
		return
	}
	if status := spinel.Status(vals[0].(uint32)); status.IsReset() {
		glog.Warningf("ncp: reset detected (status %d)", status)
		l.triggerRecovery()
	}
}

func (l *Link) handleUnsolicited(cmd spinel.Command, prop spinel.Prop, payload []byte) {
	if cmd != spinel.CmdPropValueIs && cmd != spinel.CmdPropValueInserted {
		glog.V(4).Infof("ncp: ignoring cmd %d prop %d", cmd, prop)
		return
	}
	switch prop {
	case spinel.PropLastStatus:
		l.handleLastStatus(prop, payload)
	case spinel.PropStreamNet, spinel.PropStreamNetInsecure:
		l.handleInbound(prop, payload)
	case spinel.PropNetRole:
		if vals, err := spinel.Unpack("C", payload); err == nil {
			l.postEvent(event{kind: evRole, role: spinel.NetRole(vals[0].(byte))})
		}
	case spinel.PropMacScanBeacon:
		l.handleScanBeacon(payload)
	case spinel.PropMacScanState:
		if vals, err := spinel.Unpack("C", payload); err == nil &&
			vals[0].(byte) == spinel.ScanStateIdle {
			l.postEvent(event{kind: evScanDone})
		}
	case spinel.PropVendorLegacyUla:
		buf := l.cbPool.claim(bufLegacyUla)
		if buf == nil {
			glog.Warningf("ncp: legacy ula dropped, no callback buffer")
			return
		}
		copy(buf.ula[:], payload)
		l.postEvent(event{kind: evLegacyUla, buf: buf})
	default:
		glog.V(4).Infof("ncp: unsolicited prop %d (%d bytes)", prop, len(payload))
	}
}

// handleInbound reconstructs an IP datagram from a stream property and
// hands it to the host network stack.
func (l *Link) handleInbound(prop spinel.Prop, payload []byte) {
	vals, err := spinel.Unpack("d", payload)
	if err != nil {
		glog.Warningf("ncp: inbound datagram: %v", err)
		return
	}
	pkt := vals[0].([]byte)
	secure := prop == spinel.PropStreamNet
	l.sec.noteInbound(pkt, secure)
	if f := l.Callbacks.InboundIP6; f != nil {
		f(pkt, secure)
	}
}

func (l *Link) handleScanBeacon(payload []byte) {
	vals, err := spinel.Unpack("CCtt", payload)
	if err != nil {
		glog.Warningf("ncp: scan beacon: %v", err)
		return
	}
	buf := l.cbPool.claim(bufScanResult)
	if buf == nil {
		glog.Warningf("ncp: scan result dropped, no callback buffer")
		return
	}
	sr := &buf.scan
	*sr = ScanResult{Channel: vals[0].(byte), RSSI: int8(vals[1].(byte))}
	if mac, err := spinel.Unpack("ESSC", vals[2].([]byte)); err == nil {
		copy(sr.ExtAddr[:], mac[0].([]byte))
		sr.PanID = mac[2].(uint16)
		sr.LQI = mac[3].(byte)
	}
	if net, err := spinel.Unpack("iCUd", vals[3].([]byte)); err == nil {
		sr.NetworkName = net[2].(string)
		sr.XPanID = append([]byte(nil), net[3].([]byte)...)
	}
	l.postEvent(event{kind: evScanResult, buf: buf})
}

// triggerRecovery requests NCP recovery. Idempotent: a trigger while
// recovery is already pending or running is ignored. Safe from any
// goroutine.
func (l *Link) triggerRecovery() {
	if !atomic.CompareAndSwapInt32(&l.recovering, 0, 1) {
		return
	}
	if l.State() == StateInitialized || l.State() == StateResetRecovery {
		l.setState(StateResetRecovery)
	}
	l.recWake.Post()
}

// recover re-synchronizes with the NCP: line down, reset, line up,
// verify the post-reset status frame, then re-establish comms. On
// repeated failure the state stays ResetRecovery and API calls keep
// failing fast.
func (l *Link) recover() {
	defer atomic.StoreInt32(&l.recovering, 0)
	l.setState(StateResetRecovery)
	if err := l.resetWithVerify(); err != nil {
		glog.Errorf("ncp: recovery failed: %v", err)
		return
	}
	if err := l.reestablish(); err != nil {
		glog.Errorf("ncp: re-establish failed: %v", err)
		return
	}
	l.setState(StateInitialized)
	glog.Info("ncp: recovered")
	l.postEvent(event{kind: evRecovered})
	if !l.queue.Empty() {
		l.txWake.Post()
	}
}

// resetWithVerify resets the NCP and waits for the unsolicited reset
// status frame, retrying a bounded number of times. The verify wait
// must not re-trigger recovery on timeout.
func (l *Link) resetWithVerify() error {
	var lastErr error = ErrTimeout
	for i := 0; i < l.resetRetries(); i++ {
		l.Port.Disable()
		l.dec.Reset()
		l.Port.Enable()
		if l.Resetter != nil {
			if err := l.Resetter.HardReset(); err != nil {
				lastErr = err
				continue
			}
		} else if err := l.sendCommand(spinel.CmdReset); err != nil {
			lastErr = err
			continue
		}
		payload, err := l.waitResponse(spinel.TIDDontCare, spinel.CmdPropValueIs, spinel.PropLastStatus, true)
		if err != nil {
			glog.Warningf("ncp: reset verify attempt %d: %v", i+1, err)
			lastErr = err
			continue
		}
		vals, err := spinel.Unpack("i", payload)
		if err != nil {
			lastErr = err
			continue
		}
		if status := spinel.Status(vals[0].(uint32)); status.IsReset() {
			return nil
		}
		lastErr = ErrTimeout
	}
	return lastErr
}

// reestablish probes the NCP after reset to confirm two-way comms.
// Runs while the state is still ResetRecovery, so it bypasses the
// state-checked property helpers.
func (l *Link) reestablish() error {
	tid := l.nextTID()
	if err := l.sendFrame(tid, spinel.CmdPropValueGet, spinel.PropNetRole, nil); err != nil {
		return err
	}
	_, err := l.waitResponse(tid, spinel.CmdPropValueIs, spinel.PropNetRole, true)
	return err
}

// hostSleep drives the NCP to low power once the receive path is fully
// drained, then takes the line down.
func (l *Link) hostSleep() error {
	if l.State() != StateInitialized {
		return ErrInvalidState
	}
	if err := l.setPropByte(spinel.PropPowerState, spinel.PowerStateLowPower); err != nil {
		return err
	}
	for i := 0; ; i++ {
		l.drainRx()
		if l.Port.Ring.Len() == 0 && !l.dec.Receiving() {
			break
		}
		if i >= 100 {
			return ErrTimeout
		}
		select {
		case <-l.Port.RxWake.C():
		case <-time.After(10 * time.Millisecond):
		}
	}
	l.Port.Disable()
	l.setState(StateHostSleep)
	return nil
}

// hostWake reverses hostSleep unconditionally.
func (l *Link) hostWake() error {
	if l.State() != StateHostSleep {
		return ErrInvalidState
	}
	l.Port.Enable()
	l.dec.Reset()
	l.setState(StateInitialized)
	if err := l.setPropByte(spinel.PropPowerState, spinel.PowerStateOnline); err != nil {
		return err
	}
	if !l.queue.Empty() {
		l.txWake.Post()
	}
	return nil
}
