package usbids

import "testing"

func TestLookupVendor(t *testing.T) {
	tests := []struct {
		id       uint16
		wantName string
		wantOK   bool
	}{
		{0x1AB1, "Rigol Technologies", true},
		{0x2A8D, "Keysight Technologies", true},
		{0x0957, "Agilent Technologies", true},
		{0x0699, "Tektronix", true},
		{0xF4EC, "Siglent Technologies", true},
		{0x1234, "Unknown (0x1234)", false},
	}

	for _, tt := range tests {
		v, ok := LookupVendor(tt.id)
		if ok != tt.wantOK {
			t.Errorf("LookupVendor(0x%04X) ok = %v, want %v", tt.id, ok, tt.wantOK)
		}
		if v.Name != tt.wantName {
			t.Errorf("LookupVendor(0x%04X) name = %q, want %q", tt.id, v.Name, tt.wantName)
		}
		if v.ID != tt.id {
			t.Errorf("LookupVendor(0x%04X) id = 0x%04X", tt.id, v.ID)
		}
	}
}

func TestVendorTableKeys(t *testing.T) {
	for id, v := range vendors {
		if v.ID != id {
			t.Errorf("vendor %q stored under 0x%04X has id 0x%04X", v.Name, id, v.ID)
		}
	}
}
