package spinel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTIDNext(t *testing.T) {
	tid := TID(2)
	seen := make(map[TID]int)
	for i := 0; i < 26; i++ {
		require.True(t, tid.IsValid())
		seen[tid]++
		tid = tid.Next()
	}
	require.Len(t, seen, 13)
	for id, n := range seen {
		require.Equal(t, 2, n, "tid %d", id)
	}
	require.Equal(t, TID(2), TID(14).Next())
}

func TestHeader(t *testing.T) {
	h := Header(TID(9))
	require.Equal(t, byte(0x89), h)
	require.Equal(t, TID(9), HeaderTID(h))
	require.Equal(t, TIDDontCare, HeaderTID(Header(TIDDontCare)))
}

func TestPackUint(t *testing.T) {
	cases := []struct {
		value   uint32
		encoded []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{0x7f, []byte{0x7f}},
		{0x80, []byte{0x80, 0x01}},
		{0x1337, []byte{0xb7, 0x26}},
		{0x3fff, []byte{0xff, 0x7f}},
		{0x4000, []byte{0x80, 0x80, 0x01}},
	}
	for _, tc := range cases {
		require.Equal(t, tc.encoded, PackUint(nil, tc.value), "value %#x", tc.value)
		v, n, err := UnpackUint(tc.encoded)
		require.NoError(t, err)
		require.Equal(t, tc.value, v)
		require.Equal(t, len(tc.encoded), n)
	}

	_, _, err := UnpackUint([]byte{0x80, 0x80})
	require.Error(t, err)
	_, _, err = UnpackUint([]byte{0xff, 0xff, 0xff, 0xff, 0x7f})
	require.Error(t, err)
}

func TestPackUnpack(t *testing.T) {
	buf, err := Pack("CiiS", Header(TID(3)), CmdPropValueSet, PropThreadAssistingPorts, uint16(19788))
	require.NoError(t, err)
	require.Equal(t, []byte{0x83, 0x03, 0x5c, 0x4c, 0x4d}, buf)

	vals, err := Unpack("CiiS", buf)
	require.NoError(t, err)
	require.Equal(t, byte(0x83), vals[0])
	require.Equal(t, uint32(CmdPropValueSet), vals[1])
	require.Equal(t, uint32(PropThreadAssistingPorts), vals[2])
	require.Equal(t, uint16(19788), vals[3])
}

func TestPackFormats(t *testing.T) {
	eui := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	buf, err := Pack("bULdE", true, "OPENTHREAD", uint32(0xdeadbeef), []byte{0xaa, 0xbb}, eui)
	require.NoError(t, err)

	vals, err := Unpack("bULdE", buf)
	require.NoError(t, err)
	require.Equal(t, true, vals[0])
	require.Equal(t, "OPENTHREAD", vals[1])
	require.Equal(t, uint32(0xdeadbeef), vals[2])
	require.Equal(t, []byte{0xaa, 0xbb}, vals[3])
	require.Equal(t, eui, vals[4])
}

func TestUnpackTolerant(t *testing.T) {
	buf, err := Pack("CC", byte(1), byte(2))
	require.NoError(t, err)
	vals, err := Unpack("C", buf)
	require.NoError(t, err)
	require.Len(t, vals, 1)

	_, err = Unpack("S", []byte{0x01})
	require.Error(t, err)
	_, err = Unpack("d", []byte{0x05, 0x00, 0x01})
	require.Error(t, err)
}

func TestStatusReset(t *testing.T) {
	require.False(t, StatusOK.IsReset())
	require.False(t, StatusFailure.IsReset())
	require.True(t, Status(112).IsReset())
	require.True(t, Status(127).IsReset())
	require.False(t, Status(128).IsReset())
}
