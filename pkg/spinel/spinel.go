// Package spinel defines the wire constants and value packing for the
// property protocol spoken with the network co-processor. Values are
// dictated by the NCP firmware and must match bit-for-bit.
package spinel

// Frame header layout: bit 7 flag, bits 5..4 interface id, bits 3..0
// transaction id.
const (
	HeaderFlag    byte = 0x80
	HeaderIIDMask byte = 0x30
	HeaderTIDMask byte = 0x0f
)

// TID is the 4-bit transaction id correlating a request with its reply.
// 0 is reserved by the wire protocol, 1 means match by command+property
// instead of id.
type TID byte

// TID range.
const (
	TIDDontCare TID = 1
	tidMin      TID = 2
	tidMax      TID = 14
)

// Next calculates the next transaction id, wrapping within the usable
// range.
func (t TID) Next() TID {
	n := t + 1
	if n < tidMin || n > tidMax {
		n = tidMin
	}
	return n
}

// IsValid checks if the id is allocatable.
func (t TID) IsValid() bool {
	return t >= tidMin && t <= tidMax
}

// Header builds the frame header byte for a transaction id.
func Header(tid TID) byte {
	return HeaderFlag | (byte(tid) & HeaderTIDMask)
}

// HeaderTID extracts the transaction id from a header byte.
func HeaderTID(h byte) TID {
	return TID(h & HeaderTIDMask)
}

// Command is a packed command number.
type Command uint32

// Commands used by the host.
const (
	CmdNoop              Command = 0
	CmdReset             Command = 1
	CmdPropValueGet      Command = 2
	CmdPropValueSet      Command = 3
	CmdPropValueInsert   Command = 4
	CmdPropValueRemove   Command = 5
	CmdPropValueIs       Command = 6
	CmdPropValueInserted Command = 7
	CmdPropValueRemoved  Command = 8
)

// Prop is a packed property key.
type Prop uint32

// Properties used by the host.
const (
	PropLastStatus Prop = 0
	PropNcpVersion Prop = 2
	PropPowerState Prop = 8

	PropMacScanState  Prop = 0x30
	PropMacScanMask   Prop = 0x31
	PropMacScanPeriod Prop = 0x32
	PropMacScanBeacon Prop = 0x33

	PropNetIfUp    Prop = 0x41
	PropNetStackUp Prop = 0x42
	PropNetRole    Prop = 0x43

	PropThreadChildTable              Prop = 0x52
	PropThreadOnMeshNets              Prop = 0x5a
	PropThreadOffMeshRoutes           Prop = 0x5b
	PropThreadAssistingPorts          Prop = 0x5c
	PropThreadAllowLocalNetDataChange Prop = 0x5d

	PropStreamNet         Prop = 0x72
	PropStreamNetInsecure Prop = 0x73

	PropCntrTxPktTotal Prop = 1281
	PropCntrRxPktTotal Prop = 1380

	// Vendor extension block.
	propVendorBegin        Prop = 0x3c00
	PropVendorLegacyUla    Prop = propVendorBegin + 1
	PropVendorStreamLegacy Prop = propVendorBegin + 2
)

// Status is a last-status value reported by the NCP.
type Status uint32

// Status values.
const (
	StatusOK              Status = 0
	StatusFailure         Status = 1
	StatusUnimplemented   Status = 2
	StatusInvalidArgument Status = 3
	StatusInvalidState    Status = 4
	StatusInvalidCommand  Status = 5
	StatusNomem           Status = 11
	StatusBusy            Status = 12
	StatusDropped         Status = 14
	StatusAlready         Status = 19

	statusResetBegin Status = 112
	statusResetEnd   Status = 128
)

// IsReset checks if the status falls in the post-reset sub-range.
func (s Status) IsReset() bool {
	return s >= statusResetBegin && s < statusResetEnd
}

// NetRole is the device role in the mesh.
type NetRole byte

// Roles.
const (
	RoleDetached NetRole = 0
	RoleChild    NetRole = 1
	RoleRouter   NetRole = 2
	RoleLeader   NetRole = 3
)

// String implements fmt.Stringer.
func (r NetRole) String() string {
	switch r {
	case RoleDetached:
		return "detached"
	case RoleChild:
		return "child"
	case RoleRouter:
		return "router"
	case RoleLeader:
		return "leader"
	}
	return "unknown"
}

// ScanState values for PropMacScanState.
const (
	ScanStateIdle     byte = 0
	ScanStateBeacon   byte = 1
	ScanStateEnergy   byte = 2
	ScanStateDiscover byte = 3
)

// PowerState values for PropPowerState.
const (
	PowerStateOffline   byte = 0
	PowerStateDeepSleep byte = 1
	PowerStateStandby   byte = 2
	PowerStateLowPower  byte = 3
	PowerStateOnline    byte = 4
)
