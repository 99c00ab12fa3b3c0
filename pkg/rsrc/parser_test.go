package rsrc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCanonical(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		intf  InterfaceType
		board int
		class Class
	}{
		{"gpib primary", "GPIB0::5::INSTR", "GPIB0::5::INSTR", InterfaceGPIB, 0, ClassInstr},
		{"gpib implicit class", "gpib1::22", "GPIB1::22::INSTR", InterfaceGPIB, 1, ClassInstr},
		{"gpib secondary", "GPIB::3::12::INSTR", "GPIB0::3::12::INSTR", InterfaceGPIB, 0, ClassInstr},
		{"gpib interface", "GPIB2::INTFC", "GPIB2::INTFC", InterfaceGPIB, 2, ClassIntfc},
		{"tcpip socket", "TCPIP0::192.168.1.10::5025::SOCKET", "TCPIP0::192.168.1.10::5025::SOCKET", InterfaceTCPIP, 0, ClassSocket},
		{"tcpip default device", "TCPIP::scope.lab", "TCPIP0::scope.lab::inst0::INSTR", InterfaceTCPIP, 0, ClassInstr},
		{"tcpip hislip", "tcpip0::10.0.0.2::hislip0::instr", "TCPIP0::10.0.0.2::hislip0::INSTR", InterfaceTCPIP, 0, ClassInstr},
		{"tcpip ipv6", "TCPIP0::[fe80::1]::5025::SOCKET", "TCPIP0::[fe80::1]::5025::SOCKET", InterfaceTCPIP, 0, ClassSocket},
		{"usb hex", "USB0::0x1AB1::0x04CE::DS1ZA123::INSTR", "USB0::0x1AB1::0x04CE::DS1ZA123::INSTR", InterfaceUSB, 0, ClassInstr},
		{"usb decimal and interface", "USB::2391::1031::MY123::0::INSTR", "USB0::0x0957::0x0407::MY123::0::INSTR", InterfaceUSB, 0, ClassInstr},
		{"usb raw", "USB1::0x0699::0x0368::C0001::RAW", "USB1::0x0699::0x0368::C0001::RAW", InterfaceUSB, 1, ClassRaw},
		{"asrl board", "ASRL3::INSTR", "ASRL3::INSTR", InterfaceASRL, 3, ClassInstr},
		{"asrl path", "ASRL/dev/ttyUSB0::INSTR", "ASRL/dev/ttyUSB0::INSTR", InterfaceASRL, 0, ClassInstr},
		{"vxi", "VXI0::1::INSTR", "VXI0::1::INSTR", InterfaceVXI, 0, ClassInstr},
		{"vxi memacc", "VXI0::MEMACC", "VXI0::MEMACC", InterfaceVXI, 0, ClassMemacc},
		{"gpib-vxi", "GPIB-VXI0::128::INSTR", "GPIB-VXI0::128::INSTR", InterfaceGPIBVXI, 0, ClassInstr},
		{"pxi", "PXI0::14::2::INSTR", "PXI0::14::2::INSTR", InterfacePXI, 0, ClassInstr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.String())
			assert.Equal(t, tt.intf, r.Interface)
			assert.Equal(t, tt.board, r.Board)
			assert.Equal(t, tt.class, r.Class)

			// The canonical form must parse back to itself.
			again, err := Parse(r.String())
			require.NoError(t, err)
			assert.Equal(t, r.String(), again.String())
		})
	}
}

func TestParseFields(t *testing.T) {
	r, err := Parse("USB0::0x1AB1::0x04CE::DS1ZA123::INSTR")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1AB1), r.ManfID)
	assert.Equal(t, uint16(0x04CE), r.ModelCode)
	assert.Equal(t, "DS1ZA123", r.Serial)
	assert.Equal(t, -1, r.USBInterface)

	r, err = Parse("GPIB0::3::12::INSTR")
	require.NoError(t, err)
	assert.Equal(t, 3, r.Primary)
	assert.Equal(t, 12, r.Secondary)

	r, err = Parse("TCPIP0::127.0.0.1::5025::SOCKET")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", r.Host)
	assert.Equal(t, 5025, r.Port)

	r, err = Parse("ASRL/dev/ttyACM1::INSTR")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM1", r.Path)
}

func TestParseInvalid(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"FOO0::1::INSTR",
		"GPIB0::31::INSTR",
		"GPIB0::abc::INSTR",
		"GPIB0::::INSTR",
		"GPIB0::5::SOCKET",
		"GPIBx::5::INSTR",
		"TCPIP0::host::0::SOCKET",
		"TCPIP0::host::SOCKET",
		"USB0::0x1AB1::INSTR",
		"USB0::0xZZZZ::0x1::SN::INSTR",
		"ASRL1::2::INSTR",
		"GPIB0 ::5::INSTR",
		"PXI0::40::INSTR",
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidName), "error should wrap ErrInvalidName: %v", err)
		})
	}
}

func TestParseReturnsCopy(t *testing.T) {
	first, err := Parse("GPIB0::9::INSTR")
	require.NoError(t, err)
	first.Primary = 1

	second, err := Parse("GPIB0::9::INSTR")
	require.NoError(t, err)
	assert.Equal(t, 9, second.Primary, "cached entries must not be shared")
}

func TestResourceAttributes(t *testing.T) {
	r, err := Parse("USB0::0x0957::0x1796::MY5400::INSTR")
	require.NoError(t, err)

	attrs := r.Attributes()
	assert.Equal(t, int(InterfaceUSB), attrs["VI_ATTR_INTF_TYPE"])
	assert.Equal(t, 0x0957, attrs["VI_ATTR_MANF_ID"])
	assert.Equal(t, "MY5400", attrs["VI_ATTR_USB_SERIAL_NUM"])
	assert.Equal(t, "INSTR", attrs["VI_ATTR_RSRC_CLASS"])
}

func TestInterfaceTypeString(t *testing.T) {
	assert.Equal(t, "GPIB-VXI", InterfaceGPIBVXI.String())
	assert.Equal(t, "TCPIP", InterfaceTCPIP.String())
	assert.Equal(t, "INTF(99)", InterfaceType(99).String())
}
