package rsrc

import (
	"errors"
	"fmt"
	"strings"
)

// InterfaceType is the VISA interface type number (VI_INTF_*).
type InterfaceType uint16

const (
	InterfaceGPIB    InterfaceType = 1
	InterfaceVXI     InterfaceType = 2
	InterfaceGPIBVXI InterfaceType = 3
	InterfaceASRL    InterfaceType = 4
	InterfacePXI     InterfaceType = 5
	InterfaceTCPIP   InterfaceType = 6
	InterfaceUSB     InterfaceType = 7
)

var interfaceNames = map[InterfaceType]string{
	InterfaceGPIB:    "GPIB",
	InterfaceVXI:     "VXI",
	InterfaceGPIBVXI: "GPIB-VXI",
	InterfaceASRL:    "ASRL",
	InterfacePXI:     "PXI",
	InterfaceTCPIP:   "TCPIP",
	InterfaceUSB:     "USB",
}

func (t InterfaceType) String() string {
	if name, ok := interfaceNames[t]; ok {
		return name
	}
	return fmt.Sprintf("INTF(%d)", uint16(t))
}

// lookupInterface resolves an interface prefix, case-insensitively.
func lookupInterface(prefix string) (InterfaceType, bool) {
	for t, name := range interfaceNames {
		if strings.EqualFold(name, prefix) {
			return t, true
		}
	}
	return 0, false
}

// Class is the resource class suffix of a resource string.
type Class string

const (
	ClassInstr     Class = "INSTR"
	ClassIntfc     Class = "INTFC"
	ClassSocket    Class = "SOCKET"
	ClassRaw       Class = "RAW"
	ClassBackplane Class = "BACKPLANE"
	ClassMemacc    Class = "MEMACC"
	ClassServant   Class = "SERVANT"
)

var knownClasses = []Class{
	ClassInstr, ClassIntfc, ClassSocket, ClassRaw,
	ClassBackplane, ClassMemacc, ClassServant,
}

func lookupClass(field string) (Class, bool) {
	for _, c := range knownClasses {
		if strings.EqualFold(string(c), field) {
			return c, true
		}
	}
	return "", false
}

// ErrInvalidName is wrapped by every parse failure.
var ErrInvalidName = errors.New("rsrc: invalid resource name")

// ErrInvalidExpr is wrapped by find-expression compile failures.
var ErrInvalidExpr = errors.New("rsrc: invalid find expression")

// Resource is a parsed resource string. Fields that do not apply to the
// interface type keep their zero value (or -1 for optional numbers).
type Resource struct {
	Interface InterfaceType
	Board     int
	Path      string // ASRL device path when the board is not numbered
	Class     Class

	// GPIB and GPIB-VXI
	Primary   int
	Secondary int

	// TCPIP
	Host      string
	LANDevice string
	Port      int

	// USB
	ManfID       uint16
	ModelCode    uint16
	Serial       string
	USBInterface int

	// VXI, GPIB-VXI, PXI
	Logical  int
	Device   int
	Function int
}

// String returns the canonical (expanded) form of the resource name.
func (r Resource) String() string {
	head := fmt.Sprintf("%s%d", r.Interface, r.Board)
	if r.Interface == InterfaceASRL && r.Path != "" {
		head = "ASRL" + r.Path
	}

	switch r.Interface {
	case InterfaceGPIB:
		if r.Class == ClassIntfc {
			return head + "::INTFC"
		}
		if r.Secondary >= 0 {
			return fmt.Sprintf("%s::%d::%d::INSTR", head, r.Primary, r.Secondary)
		}
		return fmt.Sprintf("%s::%d::INSTR", head, r.Primary)

	case InterfaceTCPIP:
		if r.Class == ClassSocket {
			return fmt.Sprintf("%s::%s::%d::SOCKET", head, r.Host, r.Port)
		}
		return fmt.Sprintf("%s::%s::%s::INSTR", head, r.Host, r.LANDevice)

	case InterfaceUSB:
		s := fmt.Sprintf("%s::0x%04X::0x%04X::%s", head, r.ManfID, r.ModelCode, r.Serial)
		if r.USBInterface >= 0 {
			s += fmt.Sprintf("::%d", r.USBInterface)
		}
		return s + "::" + string(r.Class)

	case InterfaceASRL:
		return head + "::INSTR"

	case InterfaceVXI, InterfaceGPIBVXI:
		switch r.Class {
		case ClassMemacc, ClassServant:
			return head + "::" + string(r.Class)
		case ClassBackplane:
			return fmt.Sprintf("%s::%d::BACKPLANE", head, r.Logical)
		}
		return fmt.Sprintf("%s::%d::INSTR", head, r.Logical)

	case InterfacePXI:
		if r.Class == ClassMemacc {
			return head + "::MEMACC"
		}
		if r.Function >= 0 {
			return fmt.Sprintf("%s::%d::%d::INSTR", head, r.Device, r.Function)
		}
		return fmt.Sprintf("%s::%d::INSTR", head, r.Device)
	}

	return head + "::" + string(r.Class)
}

// Attributes returns the find-filter attributes implied by the name itself.
// Drivers merge their own (manufacturer name, etc.) on top.
func (r Resource) Attributes() map[string]any {
	attrs := map[string]any{
		"VI_ATTR_INTF_TYPE":  int(r.Interface),
		"VI_ATTR_INTF_NUM":   r.Board,
		"VI_ATTR_RSRC_CLASS": string(r.Class),
		"VI_ATTR_RSRC_NAME":  r.String(),
	}
	switch r.Interface {
	case InterfaceGPIB:
		attrs["VI_ATTR_GPIB_PRIMARY_ADDR"] = r.Primary
		attrs["VI_ATTR_GPIB_SECONDARY_ADDR"] = r.Secondary
	case InterfaceTCPIP:
		attrs["VI_ATTR_TCPIP_ADDR"] = r.Host
		if r.Class == ClassSocket {
			attrs["VI_ATTR_TCPIP_PORT"] = r.Port
		} else {
			attrs["VI_ATTR_TCPIP_DEVICE_NAME"] = r.LANDevice
		}
	case InterfaceUSB:
		attrs["VI_ATTR_MANF_ID"] = int(r.ManfID)
		attrs["VI_ATTR_MODEL_CODE"] = int(r.ModelCode)
		attrs["VI_ATTR_USB_SERIAL_NUM"] = r.Serial
	}
	return attrs
}
