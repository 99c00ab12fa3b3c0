package visa

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Attribute is a VISA attribute identifier (VI_ATTR_*).
type Attribute uint32

// Session attributes.
const (
	AttrRsrcClass         Attribute = 0xBFFF0001
	AttrRsrcName          Attribute = 0xBFFF0002
	AttrRsrcImplVersion   Attribute = 0x3FFF0003
	AttrRsrcLockState     Attribute = 0x3FFF0004
	AttrMaxQueueLength    Attribute = 0x3FFF0005
	AttrUserData          Attribute = 0x3FFF0007
	AttrSendEndEn         Attribute = 0x3FFF0016
	AttrTermChar          Attribute = 0x3FFF0018
	AttrTmoValue          Attribute = 0x3FFF001A
	AttrASRLBaud          Attribute = 0x3FFF0021
	AttrSuppressEndEn     Attribute = 0x3FFF0036
	AttrTermCharEn        Attribute = 0x3FFF0038
	AttrManfName          Attribute = 0xBFFF0072
	AttrManfID            Attribute = 0x3FFF00D9
	AttrModelCode         Attribute = 0x3FFF00DF
	AttrIntfInstName      Attribute = 0xBFFF00E9
	AttrIntfType          Attribute = 0x3FFF0171
	AttrGPIBPrimaryAddr   Attribute = 0x3FFF0172
	AttrGPIBSecondaryAddr Attribute = 0x3FFF0173
	AttrRsrcManfName      Attribute = 0xBFFF0174
	AttrRsrcManfID        Attribute = 0x3FFF0175
	AttrIntfNum           Attribute = 0x3FFF0176
	AttrModelName         Attribute = 0xBFFF0177
	AttrTCPIPAddr         Attribute = 0xBFFF0195
	AttrTCPIPHostname     Attribute = 0xBFFF0196
	AttrTCPIPPort         Attribute = 0x3FFF0197
	AttrTCPIPDeviceName   Attribute = 0xBFFF0199
	AttrUSBSerialNum      Attribute = 0xBFFF01A0
	AttrUSBIntfcNum       Attribute = 0x3FFF01A1
	AttrUSBProtocol       Attribute = 0x3FFF01A7
)

// Event context attributes.
const (
	AttrJobID     Attribute = 0x3FFF4006
	AttrEventType Attribute = 0x3FFF4010
	AttrStatus    Attribute = 0x3FFF4025
	AttrRetCount  Attribute = 0x3FFF4026
	AttrBuffer    Attribute = 0x3FFF4027
	AttrOperName  Attribute = 0xBFFF4042

	// AttrSTB carries the status byte of a service request event. It is
	// an extension; standard VISA makes the handler call ReadSTB.
	AttrSTB Attribute = 0x3FFF8001
)

const (
	// TmoImmediate makes operations fail at once if they would block.
	TmoImmediate uint32 = 0
	// TmoInfinite disables the timeout.
	TmoInfinite uint32 = 0xFFFFFFFF

	// NoSecondaryAddress is VI_NO_SEC_ADDR.
	NoSecondaryAddress uint16 = 0xFFFF

	DefaultMaxQueueLength uint32 = 50
	DefaultTermChar       byte   = '\n'
)

type attrKind int

const (
	kindUint32 attrKind = iota
	kindUint16
	kindByte
	kindBool
	kindString
	kindAny
	kindAccessMode
	kindEventType
	kindStatus
	kindBytes
)

func (k attrKind) String() string {
	switch k {
	case kindUint32:
		return "uint32"
	case kindUint16:
		return "uint16"
	case kindByte:
		return "byte"
	case kindBool:
		return "bool"
	case kindString:
		return "string"
	case kindAccessMode:
		return "AccessMode"
	case kindEventType:
		return "EventType"
	case kindStatus:
		return "Status"
	case kindBytes:
		return "[]byte"
	}
	return "any"
}

type attrDef struct {
	name     string
	kind     attrKind
	writable bool
	min, max uint64
}

var attrDefs = map[Attribute]attrDef{
	AttrRsrcClass:         {name: "VI_ATTR_RSRC_CLASS", kind: kindString},
	AttrRsrcName:          {name: "VI_ATTR_RSRC_NAME", kind: kindString},
	AttrRsrcImplVersion:   {name: "VI_ATTR_RSRC_IMPL_VERSION", kind: kindUint32},
	AttrRsrcLockState:     {name: "VI_ATTR_RSRC_LOCK_STATE", kind: kindAccessMode},
	AttrMaxQueueLength:    {name: "VI_ATTR_MAX_QUEUE_LENGTH", kind: kindUint32, writable: true, min: 1, max: math.MaxUint32},
	AttrUserData:          {name: "VI_ATTR_USER_DATA", kind: kindAny, writable: true},
	AttrSendEndEn:         {name: "VI_ATTR_SEND_END_EN", kind: kindBool, writable: true},
	AttrTermChar:          {name: "VI_ATTR_TERMCHAR", kind: kindByte, writable: true, max: math.MaxUint8},
	AttrTmoValue:          {name: "VI_ATTR_TMO_VALUE", kind: kindUint32, writable: true, max: math.MaxUint32},
	AttrASRLBaud:          {name: "VI_ATTR_ASRL_BAUD", kind: kindUint32, writable: true, min: 1, max: math.MaxUint32},
	AttrSuppressEndEn:     {name: "VI_ATTR_SUPPRESS_END_EN", kind: kindBool, writable: true},
	AttrTermCharEn:        {name: "VI_ATTR_TERMCHAR_EN", kind: kindBool, writable: true},
	AttrManfName:          {name: "VI_ATTR_MANF_NAME", kind: kindString},
	AttrManfID:            {name: "VI_ATTR_MANF_ID", kind: kindUint16},
	AttrModelCode:         {name: "VI_ATTR_MODEL_CODE", kind: kindUint16},
	AttrIntfInstName:      {name: "VI_ATTR_INTF_INST_NAME", kind: kindString},
	AttrIntfType:          {name: "VI_ATTR_INTF_TYPE", kind: kindUint16},
	AttrGPIBPrimaryAddr:   {name: "VI_ATTR_GPIB_PRIMARY_ADDR", kind: kindUint16},
	AttrGPIBSecondaryAddr: {name: "VI_ATTR_GPIB_SECONDARY_ADDR", kind: kindUint16},
	AttrRsrcManfName:      {name: "VI_ATTR_RSRC_MANF_NAME", kind: kindString},
	AttrRsrcManfID:        {name: "VI_ATTR_RSRC_MANF_ID", kind: kindUint16},
	AttrIntfNum:           {name: "VI_ATTR_INTF_NUM", kind: kindUint16},
	AttrModelName:         {name: "VI_ATTR_MODEL_NAME", kind: kindString},
	AttrTCPIPAddr:         {name: "VI_ATTR_TCPIP_ADDR", kind: kindString},
	AttrTCPIPHostname:     {name: "VI_ATTR_TCPIP_HOSTNAME", kind: kindString},
	AttrTCPIPPort:         {name: "VI_ATTR_TCPIP_PORT", kind: kindUint16},
	AttrTCPIPDeviceName:   {name: "VI_ATTR_TCPIP_DEVICE_NAME", kind: kindString},
	AttrUSBSerialNum:      {name: "VI_ATTR_USB_SERIAL_NUM", kind: kindString},
	AttrUSBIntfcNum:       {name: "VI_ATTR_USB_INTFC_NUM", kind: kindUint16},
	AttrUSBProtocol:       {name: "VI_ATTR_USB_PROTOCOL", kind: kindUint16},

	AttrJobID:     {name: "VI_ATTR_JOB_ID", kind: kindUint32},
	AttrEventType: {name: "VI_ATTR_EVENT_TYPE", kind: kindEventType},
	AttrStatus:    {name: "VI_ATTR_STATUS", kind: kindStatus},
	AttrRetCount:  {name: "VI_ATTR_RET_COUNT", kind: kindUint32},
	AttrBuffer:    {name: "VI_ATTR_BUFFER", kind: kindBytes},
	AttrOperName:  {name: "VI_ATTR_OPER_NAME", kind: kindString},
	AttrSTB:       {name: "VI_ATTR_STB", kind: kindByte},
}

// Name returns the VI_ATTR_* identifier.
func (a Attribute) Name() string {
	if def, ok := attrDefs[a]; ok {
		return def.name
	}
	return fmt.Sprintf("0x%08X", uint32(a))
}

func (a Attribute) String() string {
	return a.Name()
}

// LookupAttribute resolves a VI_ATTR_* name, with or without the VI_ATTR_
// prefix, case-insensitively.
func LookupAttribute(name string) (Attribute, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(name, "VI_ATTR_") {
		name = "VI_ATTR_" + name
	}
	for a, def := range attrDefs {
		if def.name == name {
			return a, true
		}
	}
	return 0, false
}

// AttributeNames lists the known attribute names in sorted order.
func AttributeNames() []string {
	names := make([]string, 0, len(attrDefs))
	for _, def := range attrDefs {
		names = append(names, def.name)
	}
	sort.Strings(names)
	return names
}

// ParseValue converts text such as "5000", "0x0A", "true" or `'\n'` to a
// value SetAttribute accepts for a.
func (a Attribute) ParseValue(text string) (any, error) {
	def, ok := attrDefs[a]
	if !ok {
		return nil, fmt.Errorf("unknown attribute %s", a)
	}
	switch def.kind {
	case kindAny, kindString:
		return text, nil
	case kindBool:
		switch strings.ToLower(text) {
		case "on":
			return true, nil
		case "off":
			return false, nil
		}
		b, err := strconv.ParseBool(text)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid boolean %q", def.name, text)
		}
		return b, nil
	case kindByte:
		if len(text) >= 3 && text[0] == '\'' && text[len(text)-1] == '\'' {
			c, _, tail, err := strconv.UnquoteChar(text[1:len(text)-1], '\'')
			if err != nil || tail != "" || c > math.MaxUint8 {
				return nil, fmt.Errorf("%s: invalid character %s", def.name, text)
			}
			return byte(c), nil
		}
	case kindUint32, kindUint16:
	default:
		return nil, fmt.Errorf("%s: cannot be set from text", def.name)
	}
	n, err := strconv.ParseUint(text, 0, 32)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid number %q", def.name, text)
	}
	return uint32(n), nil
}

// checkValue validates a value for a writable attribute and converts it to
// the attribute's Go type.
func (def attrDef) checkValue(value any) (any, bool) {
	switch def.kind {
	case kindAny:
		return value, true
	case kindBool:
		b, ok := value.(bool)
		return b, ok
	case kindString:
		s, ok := value.(string)
		return s, ok
	}

	n, ok := toUint(value)
	if !ok || n < def.min || n > def.max {
		return nil, false
	}
	switch def.kind {
	case kindUint32:
		return uint32(n), true
	case kindUint16:
		return uint16(n), true
	case kindByte:
		return byte(n), true
	}
	return nil, false
}

// convert turns a loosely typed driver value into the attribute's type.
func (def attrDef) convert(value any) (any, bool) {
	switch def.kind {
	case kindString:
		if s, ok := value.(string); ok {
			return s, true
		}
		return fmt.Sprint(value), true
	case kindUint16:
		if n, ok := toUint(value); ok && n <= math.MaxUint16 {
			return uint16(n), true
		}
		if n, ok := value.(int); ok && n < 0 {
			return NoSecondaryAddress, true
		}
	case kindUint32:
		if n, ok := toUint(value); ok && n <= math.MaxUint32 {
			return uint32(n), true
		}
	}
	return nil, false
}

// toUint accepts any non-negative Go integer.
func toUint(value any) (uint64, bool) {
	switch v := value.(type) {
	case int:
		return uint64(v), v >= 0
	case int8:
		return uint64(v), v >= 0
	case int16:
		return uint64(v), v >= 0
	case int32:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	case uint:
		return uint64(v), true
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	}
	return 0, false
}
