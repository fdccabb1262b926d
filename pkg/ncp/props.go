package ncp

import (
	"github.com/robotalks/ncp.go/pkg/spinel"
)

// Property transaction helpers. All run on the link goroutine; the
// exported operations below marshal into it.

func checkStatus(payload []byte) error {
	vals, err := spinel.Unpack("i", payload)
	if err != nil {
		return err
	}
	if status := spinel.Status(vals[0].(uint32)); status != spinel.StatusOK {
		return &StatusError{Status: status}
	}
	return nil
}

// getProp issues a property get and returns the raw reply payload.
func (l *Link) getProp(prop spinel.Prop) ([]byte, error) {
	if l.State() != StateInitialized {
		return nil, ErrInvalidState
	}
	tid := l.nextTID()
	if err := l.sendFrame(tid, spinel.CmdPropValueGet, prop, nil); err != nil {
		return nil, err
	}
	return l.waitResponse(tid, spinel.CmdPropValueIs, prop, false)
}

func (l *Link) getPropByte(prop spinel.Prop) (byte, error) {
	payload, err := l.getProp(prop)
	if err != nil {
		return 0, err
	}
	vals, err := spinel.Unpack("C", payload)
	if err != nil {
		return 0, err
	}
	return vals[0].(byte), nil
}

func (l *Link) getPropUint(prop spinel.Prop) (uint32, error) {
	payload, err := l.getProp(prop)
	if err != nil {
		return 0, err
	}
	vals, err := spinel.Unpack("L", payload)
	if err != nil {
		return 0, err
	}
	return vals[0].(uint32), nil
}

func (l *Link) getPropString(prop spinel.Prop) (string, error) {
	payload, err := l.getProp(prop)
	if err != nil {
		return "", err
	}
	vals, err := spinel.Unpack("U", payload)
	if err != nil {
		return "", err
	}
	return vals[0].(string), nil
}

// setProp issues a property set and verifies the echoed value frame.
// The NCP confirms a successful set by echoing the property; an error
// comes back as a last-status reply, surfaced by waitResponse as a
// StatusError.
func (l *Link) setProp(prop spinel.Prop, format string, args ...interface{}) error {
	if l.State() != StateInitialized {
		return ErrInvalidState
	}
	payload, err := spinel.Pack(format, args...)
	if err != nil {
		return err
	}
	tid := l.nextTID()
	if err = l.sendFrame(tid, spinel.CmdPropValueSet, prop, payload); err != nil {
		return err
	}
	_, err = l.waitResponse(tid, spinel.CmdPropValueIs, prop, false)
	return err
}

func (l *Link) setPropByte(prop spinel.Prop, v byte) error {
	return l.setProp(prop, "C", v)
}

func (l *Link) setPropBool(prop spinel.Prop, v bool) error {
	return l.setProp(prop, "b", v)
}

func (l *Link) insertProp(prop spinel.Prop, format string, args ...interface{}) error {
	return l.changeProp(spinel.CmdPropValueInsert, spinel.CmdPropValueInserted, prop, format, args...)
}

func (l *Link) removeProp(prop spinel.Prop, format string, args ...interface{}) error {
	return l.changeProp(spinel.CmdPropValueRemove, spinel.CmdPropValueRemoved, prop, format, args...)
}

func (l *Link) changeProp(cmd, confirm spinel.Command, prop spinel.Prop, format string, args ...interface{}) error {
	if l.State() != StateInitialized {
		return ErrInvalidState
	}
	payload, err := spinel.Pack(format, args...)
	if err != nil {
		return err
	}
	tid := l.nextTID()
	if err = l.sendFrame(tid, cmd, prop, payload); err != nil {
		return err
	}
	_, err = l.waitResponse(tid, confirm, prop, false)
	return err
}

// withNetDataChange brackets a network-data mutation with the
// allow-local-change property.
func (l *Link) withNetDataChange(fn func() error) error {
	if err := l.setPropBool(spinel.PropThreadAllowLocalNetDataChange, true); err != nil {
		return err
	}
	err := fn()
	if e := l.setPropBool(spinel.PropThreadAllowLocalNetDataChange, false); err == nil {
		err = e
	}
	return err
}

// Exported operations. Each marshals into the link goroutine; one runs
// at a time.

// SendIP6 submits an outbound IPv6 datagram. A full queue or an
// exhausted message pool drops the datagram and reports the error.
func (l *Link) SendIP6(pkt []byte, legacy bool) error {
	return l.do(func() error { return l.outputIP6(pkt, legacy) })
}

// ThreadStart brings the mesh interface and the Thread stack up.
func (l *Link) ThreadStart() error {
	return l.do(func() error {
		if err := l.setPropBool(spinel.PropNetIfUp, true); err != nil {
			return err
		}
		if err := l.setPropBool(spinel.PropNetStackUp, true); err != nil {
			return err
		}
		l.sec.set(secThreadStarted, true)
		return nil
	})
}

// ThreadStop takes the Thread stack and the mesh interface down.
func (l *Link) ThreadStop() error {
	return l.do(func() error {
		l.sec.set(secThreadStarted, false)
		if err := l.setPropBool(spinel.PropNetStackUp, false); err != nil {
			return err
		}
		return l.setPropBool(spinel.PropNetIfUp, false)
	})
}

// Version returns the NCP firmware version string.
func (l *Link) Version() (string, error) {
	var version string
	err := l.do(func() (e error) {
		version, e = l.getPropString(spinel.PropNcpVersion)
		return
	})
	return version, err
}

// Role returns the current device role.
func (l *Link) Role() (spinel.NetRole, error) {
	var role byte
	err := l.do(func() (e error) {
		role, e = l.getPropByte(spinel.PropNetRole)
		return
	})
	return spinel.NetRole(role), err
}

// Counter reads one NCP counter property.
func (l *Link) Counter(prop spinel.Prop) (uint32, error) {
	var v uint32
	err := l.do(func() (e error) {
		v, e = l.getPropUint(prop)
		return
	})
	return v, err
}

func channelMaskBytes(mask uint32) []byte {
	chans := make([]byte, 0, 32)
	for ch := byte(0); ch < 32; ch++ {
		if mask&(1<<uint(ch)) != 0 {
			chans = append(chans, ch)
		}
	}
	return chans
}

// Scan starts an active beacon scan over the masked channels. Results
// arrive through the ScanResult callback, completion through ScanDone.
func (l *Link) Scan(channelMask uint32, periodMs uint16) error {
	return l.scan(channelMask, periodMs, spinel.ScanStateBeacon)
}

// Discover starts an MLE discovery scan over the masked channels.
func (l *Link) Discover(channelMask uint32, periodMs uint16) error {
	return l.scan(channelMask, periodMs, spinel.ScanStateDiscover)
}

func (l *Link) scan(channelMask uint32, periodMs uint16, state byte) error {
	return l.do(func() error {
		if err := l.setProp(spinel.PropMacScanMask, "D", channelMaskBytes(channelMask)); err != nil {
			return err
		}
		if err := l.setProp(spinel.PropMacScanPeriod, "S", periodMs); err != nil {
			return err
		}
		return l.setPropByte(spinel.PropMacScanState, state)
	})
}

// AddUnsecurePort opens a provisional-join port: traffic to it is
// exempted from the security policy until the port is removed.
func (l *Link) AddUnsecurePort(port uint16) error {
	return l.do(func() error {
		if err := l.insertProp(spinel.PropThreadAssistingPorts, "S", port); err != nil {
			return err
		}
		l.sec.addInsecurePort(port)
		return nil
	})
}

// RemoveUnsecurePort closes a provisional-join port.
func (l *Link) RemoveUnsecurePort(port uint16) error {
	return l.do(func() error {
		if err := l.removeProp(spinel.PropThreadAssistingPorts, "S", port); err != nil {
			return err
		}
		l.sec.removeInsecurePort(port)
		return nil
	})
}

// AddBorderRouter announces an on-mesh prefix.
func (l *Link) AddBorderRouter(prefix []byte, prefixLen byte, stable bool, flags byte) error {
	return l.do(func() error {
		return l.withNetDataChange(func() error {
			return l.insertProp(spinel.PropThreadOnMeshNets, "6CbC", prefix, prefixLen, stable, flags)
		})
	})
}

// AddExternalRoute announces an off-mesh route.
func (l *Link) AddExternalRoute(prefix []byte, prefixLen byte, stable bool, preference byte) error {
	return l.do(func() error {
		return l.withNetDataChange(func() error {
			return l.insertProp(spinel.PropThreadOffMeshRoutes, "6CbC", prefix, prefixLen, stable, preference)
		})
	})
}

// RemoveExternalRoute withdraws an off-mesh route.
func (l *Link) RemoveExternalRoute(prefix []byte, prefixLen byte) error {
	return l.do(func() error {
		return l.withNetDataChange(func() error {
			return l.removeProp(spinel.PropThreadOffMeshRoutes, "6C", prefix, prefixLen)
		})
	})
}

// ChildEntry is one row of the child table.
type ChildEntry struct {
	ExtAddr [8]byte
	Rloc16  uint16
	Age     uint32
}

// ChildTable reads and parses the child table.
func (l *Link) ChildTable() ([]ChildEntry, error) {
	var entries []ChildEntry
	err := l.do(func() error {
		payload, err := l.getProp(spinel.PropThreadChildTable)
		if err != nil {
			return err
		}
		for len(payload) > 0 {
			vals, err := spinel.Unpack("t", payload)
			if err != nil {
				return err
			}
			blob := vals[0].([]byte)
			payload = payload[2+len(blob):]
			row, err := spinel.Unpack("ESL", blob)
			if err != nil {
				continue
			}
			var entry ChildEntry
			copy(entry.ExtAddr[:], row[0].([]byte))
			entry.Rloc16 = row[1].(uint16)
			entry.Age = row[2].(uint32)
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// RecoverNCP requests an explicit NCP recovery cycle.
func (l *Link) RecoverNCP() {
	l.triggerRecovery()
}

// Sleep drives the link into host-sleep once the receive path drains.
func (l *Link) Sleep() error {
	return l.do(l.hostSleep)
}

// Wake brings the link back from host-sleep.
func (l *Link) Wake() error {
	return l.do(l.hostWake)
}
