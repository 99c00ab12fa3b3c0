package usbids

import "fmt"

// vendors lists instrument makers by USB vendor id
var vendors = map[uint16]Vendor{
	0x0403: {ID: 0x0403, Name: "Future Technology Devices International", Abbreviation: "FTDI"},
	0x0499: {ID: 0x0499, Name: "Yamaha", Abbreviation: "Yamaha"},
	0x05E6: {ID: 0x05E6, Name: "Keithley Instruments", Abbreviation: "Keithley"},
	0x0699: {ID: 0x0699, Name: "Tektronix", Abbreviation: "Tektronix"},
	0x0957: {ID: 0x0957, Name: "Agilent Technologies", Abbreviation: "Agilent"},
	0x0AAD: {ID: 0x0AAD, Name: "Rohde & Schwarz", Abbreviation: "R&S"},
	0x0B21: {ID: 0x0B21, Name: "Yokogawa Electric", Abbreviation: "Yokogawa"},
	0x1313: {ID: 0x1313, Name: "Thorlabs", Abbreviation: "Thorlabs"},
	0x1AB1: {ID: 0x1AB1, Name: "Rigol Technologies", Abbreviation: "Rigol"},
	0x2184: {ID: 0x2184, Name: "GW Instek", Abbreviation: "GWInstek"},
	0x2A8D: {ID: 0x2A8D, Name: "Keysight Technologies", Abbreviation: "Keysight"},
	0x3923: {ID: 0x3923, Name: "National Instruments", Abbreviation: "NI"},
	0x5345: {ID: 0x5345, Name: "Owon", Abbreviation: "Owon"},
	0xF4EC: {ID: 0xF4EC, Name: "Siglent Technologies", Abbreviation: "Siglent"},
	0xF4ED: {ID: 0xF4ED, Name: "Siglent Technologies", Abbreviation: "Siglent"},
}

// LookupVendor returns vendor info for a USB vendor id
func LookupVendor(id uint16) (Vendor, bool) {
	v, ok := vendors[id]
	if !ok {
		return Vendor{
			ID:           id,
			Name:         fmt.Sprintf("Unknown (0x%04X)", id),
			Abbreviation: "Unknown",
		}, false
	}
	return v, true
}
