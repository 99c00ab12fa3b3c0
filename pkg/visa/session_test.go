package visa

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver/sim"
)

func TestSessionQuery(t *testing.T) {
	rm, _ := newSimRM(t)
	s := openSession(t, rm, sim.DefaultDMM)

	resp, err := s.Query("*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "OpenTrace,SimDMM-34401,SIM0001,1.0\n", resp)
}

func TestSessionWriteRead(t *testing.T) {
	rm, _ := newSimRM(t)
	s := openSession(t, rm, sim.DefaultDMM)

	c, err := s.WriteString("*IDN?\n")
	require.NoError(t, err)
	assert.Equal(t, 6, c.Count)
	assert.Equal(t, OutcomeSuccess, c.Outcome())

	buf := make([]byte, 256)
	c, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, Success, c.Status)
	assert.Equal(t, "OpenTrace,SimDMM-34401,SIM0001,1.0\n", string(buf[:c.Count]))
}

func TestReadMaxCount(t *testing.T) {
	rm, _ := newSimRM(t)
	s := openSession(t, rm, sim.DefaultDMM)

	_, err := s.WriteString("*IDN?\n")
	require.NoError(t, err)

	buf := make([]byte, 9)
	c, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, SuccessMaxCnt, c.Status)
	assert.Equal(t, len(buf), c.Count)
	assert.True(t, c.Truncated())
	assert.Equal(t, OutcomeQualified, c.Outcome())
	assert.Equal(t, "OpenTrace", string(buf))

	rest, err := s.ReadString()
	require.NoError(t, err)
	assert.Equal(t, ",SimDMM-34401,SIM0001,1.0\n", rest)
}

func TestReadTermChar(t *testing.T) {
	rm, _ := newSimRM(t)
	s := openSession(t, rm, sim.DefaultDMM)

	require.NoError(t, s.SetAttribute(AttrTermChar, '5'))
	require.NoError(t, s.SetAttribute(AttrTermCharEn, true))

	_, err := s.WriteString("SIM:DATA? 10\n")
	require.NoError(t, err)

	buf := make([]byte, 64)
	c, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, SuccessTermChar, c.Status)
	assert.Equal(t, "012345", string(buf[:c.Count]))
}

func TestTermCharDefaults(t *testing.T) {
	rm, _ := newSimRM(t)

	tests := []struct {
		name string
		want bool
	}{
		{sim.DefaultDMM, false},
		{sim.DefaultScope, false},
		{sim.DefaultPSU, true},
	}
	for _, tt := range tests {
		s := openSession(t, rm, tt.name)
		v, err := s.GetAttribute(AttrTermCharEn)
		require.NoError(t, err)
		assert.Equal(t, tt.want, v, tt.name)

		v, err = s.GetAttribute(AttrTermChar)
		require.NoError(t, err)
		assert.Equal(t, byte('\n'), v)
	}
}

func TestReadTimeout(t *testing.T) {
	rm, _ := newSimRM(t)
	s := openSession(t, rm, sim.DefaultDMM)
	require.NoError(t, s.SetTimeout(30*time.Millisecond))

	c, err := s.Read(make([]byte, 16))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, ErrorTmo, c.Status)
	assert.Equal(t, 0, c.Count)
}

func TestShortWriteSurfaced(t *testing.T) {
	bare := &bareDriver{name: "GPIB3::1::INSTR"}
	rm, _ := newSimRM(t, WithDrivers(bare))
	s := openSession(t, rm, "GPIB3::1::INSTR")

	c, err := s.WriteString("*RST;*CLS\n")
	require.NoError(t, err)
	assert.Equal(t, 4, c.Count)
}

func TestQueryShortWriteFails(t *testing.T) {
	bare := &bareDriver{name: "GPIB3::1::INSTR"}
	rm, _ := newSimRM(t, WithDrivers(bare))
	s := openSession(t, rm, "GPIB3::1::INSTR")

	resp, err := s.Query("MEAS:VOLT:DC?")
	require.Error(t, err)
	assert.Empty(t, resp)
	assert.Equal(t, ErrorIO, StatusOf(err))
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Contains(t, err.Error(), "sent 4 of 14 bytes")
}

func TestUnsupportedDeviceOps(t *testing.T) {
	bare := &bareDriver{name: "GPIB3::1::INSTR"}
	rm, _ := newSimRM(t, WithDrivers(bare))
	s := openSession(t, rm, "GPIB3::1::INSTR")

	assert.Equal(t, ErrorNsupOper, StatusOf(s.Clear()))
	assert.Equal(t, ErrorNsupOper, StatusOf(s.AssertTrigger()))
	_, err := s.ReadSTB()
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestDeviceOps(t *testing.T) {
	rm, d := newSimRM(t)
	s := openSession(t, rm, sim.DefaultDMM)
	inst, _ := d.Instrument(sim.DefaultDMM)

	_, err := s.WriteString("*IDN?\n")
	require.NoError(t, err)
	require.NoError(t, s.Clear())
	assert.Equal(t, 0, inst.Pending())

	require.NoError(t, s.AssertTrigger())
	triggers, clears := inst.Counts()
	assert.Equal(t, 1, triggers)
	assert.Equal(t, 1, clears)

	inst.RequestService()
	stb, err := s.ReadSTB()
	require.NoError(t, err)
	assert.NotZero(t, stb&sim.STBRequestService)
}

func TestConnectionLost(t *testing.T) {
	rm, d := newSimRM(t)
	s := openSession(t, rm, sim.DefaultDMM)
	inst, _ := d.Instrument(sim.DefaultDMM)
	inst.SetOffline(true)

	_, err := s.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrConnLost)
}

func TestAttributes(t *testing.T) {
	rm, _ := newSimRM(t)
	scope := openSession(t, rm, sim.DefaultScope)

	tests := []struct {
		attr Attribute
		want any
	}{
		{AttrRsrcName, sim.DefaultScope},
		{AttrRsrcClass, "INSTR"},
		{AttrIntfType, uint16(7)},
		{AttrIntfNum, uint16(0)},
		{AttrManfID, uint16(0x1AB1)},
		{AttrModelCode, uint16(0x04CE)},
		{AttrUSBSerialNum, "DS1ZA000000001"},
		{AttrRsrcManfName, "Rigol Technologies"},
		{AttrTmoValue, uint32(2000)},
		{AttrMaxQueueLength, uint32(50)},
		{AttrSendEndEn, true},
		{AttrRsrcLockState, NoLock},
	}
	for _, tt := range tests {
		v, err := scope.GetAttribute(tt.attr)
		require.NoError(t, err, tt.attr.Name())
		assert.Equal(t, tt.want, v, tt.attr.Name())
	}

	dmm := openSession(t, rm, sim.DefaultDMM)
	v, err := dmm.GetAttribute(AttrGPIBPrimaryAddr)
	require.NoError(t, err)
	assert.Equal(t, uint16(22), v)
	v, err = dmm.GetAttribute(AttrGPIBSecondaryAddr)
	require.NoError(t, err)
	assert.Equal(t, NoSecondaryAddress, v)

	psu := openSession(t, rm, sim.DefaultPSU)
	v, err = psu.GetAttribute(AttrTCPIPPort)
	require.NoError(t, err)
	assert.Equal(t, uint16(5025), v)
	v, err = psu.GetAttribute(AttrTCPIPAddr)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", v)
}

func TestAttributeErrors(t *testing.T) {
	rm, _ := newSimRM(t)
	s := openSession(t, rm, sim.DefaultDMM)

	tests := []struct {
		name   string
		attr   Attribute
		value  any
		status Status
	}{
		{"unknown", Attribute(0x3FFF0FFF), 1, ErrorNsupAttr},
		{"read only", AttrRsrcName, "x", ErrorAttrReadonly},
		{"lock state", AttrRsrcLockState, NoLock, ErrorAttrReadonly},
		{"not applicable", AttrUSBSerialNum, "x", ErrorNsupAttr},
		{"wrong type", AttrTmoValue, "fast", ErrorNsupAttrState},
		{"negative", AttrTmoValue, -5, ErrorNsupAttrState},
		{"bool as int", AttrTermCharEn, 1, ErrorNsupAttrState},
		{"termchar range", AttrTermChar, 300, ErrorNsupAttrState},
		{"zero queue", AttrMaxQueueLength, 0, ErrorNsupAttrState},
		{"baud on gpib", AttrASRLBaud, 9600, ErrorNsupAttr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.SetAttribute(tt.attr, tt.value)
			require.Error(t, err)
			assert.Equal(t, tt.status, StatusOf(err))
		})
	}

	_, err := s.GetAttribute(AttrUSBSerialNum)
	assert.Equal(t, ErrorNsupAttr, StatusOf(err))
	_, err = s.GetAttribute(AttrJobID)
	assert.Equal(t, ErrorNsupAttr, StatusOf(err))
}

func TestTimeoutHelpers(t *testing.T) {
	rm, _ := newSimRM(t, WithDefaultTimeout(5*time.Second))
	s := openSession(t, rm, sim.DefaultDMM)
	assert.Equal(t, 5*time.Second, s.Timeout())

	require.NoError(t, s.SetTimeout(Infinite))
	v, err := s.GetAttribute(AttrTmoValue)
	require.NoError(t, err)
	assert.Equal(t, TmoInfinite, v)
	assert.Equal(t, Infinite, s.Timeout())

	require.NoError(t, s.SetAttribute(AttrTmoValue, uint32(250)))
	assert.Equal(t, 250*time.Millisecond, s.Timeout())

	require.NoError(t, s.SetAttribute(AttrUserData, map[string]int{"slot": 3}))
	v, err = s.GetAttribute(AttrUserData)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"slot": 3}, v)
}

func TestReadToFile(t *testing.T) {
	rm, _ := newSimRM(t)
	s := openSession(t, rm, sim.DefaultDMM)
	path := filepath.Join(t.TempDir(), "data.bin")

	_, err := s.WriteString("SIM:DATA? 20\n")
	require.NoError(t, err)

	c, err := s.ReadToFile(path, 8)
	require.NoError(t, err)
	assert.Equal(t, SuccessMaxCnt, c.Status)
	assert.Equal(t, 8, c.Count)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "01234567", string(data))

	c, err = s.ReadToFile(path, 64)
	require.NoError(t, err)
	assert.Equal(t, Success, c.Status)
	data, _ = os.ReadFile(path)
	assert.Equal(t, "890123456789\n", string(data))

	_, err = s.ReadToFile(filepath.Join(t.TempDir(), "missing", "x.bin"), 4)
	assert.Equal(t, ErrorFileAccess, StatusOf(err))
}

func TestWriteFromFile(t *testing.T) {
	rm, d := newSimRM(t)
	s := openSession(t, rm, sim.DefaultDMM)
	inst, _ := d.Instrument(sim.DefaultDMM)

	path := filepath.Join(t.TempDir(), "cmds.txt")
	require.NoError(t, os.WriteFile(path, []byte("*TRG\n*IDN?\n"), 0o644))

	c, err := s.WriteFromFile(path, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, c.Count)
	assert.Equal(t, "*TRG", inst.LastCommand())

	_, err = s.WriteFromFile(filepath.Join(t.TempDir(), "nope"), 5)
	assert.Equal(t, ErrorFileAccess, StatusOf(err))
}

func TestSessionCloseTwice(t *testing.T) {
	rm, _ := newSimRM(t)
	s := openSession(t, rm, sim.DefaultPSU)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), ErrInvalidObject)

	_, err := s.Read(make([]byte, 4))
	assert.ErrorIs(t, err, ErrInvalidObject)
}

func TestQueryOnSocketUsesTermChar(t *testing.T) {
	rm, _ := newSimRM(t)
	s := openSession(t, rm, sim.DefaultPSU)

	resp, err := s.Query("VOLT?;CURR?")
	require.NoError(t, err)
	assert.Equal(t, "5.000;0.100", strings.TrimSpace(resp))
}
