// Package usbids names the USB vendors that ship test and measurement
// instruments.
package usbids

// Vendor represents a USB-IF vendor id assignment
type Vendor struct {
	ID           uint16 // USB vendor id
	Name         string // "Rigol Technologies"
	Abbreviation string // "Rigol"
}
