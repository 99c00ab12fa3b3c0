package usbtmc

import (
	"context"
	"errors"
	"testing"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/rsrc"
)

func TestOpenNotMine(t *testing.T) {
	res, err := rsrc.Parse("GPIB0::5::INSTR")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if _, err := New().Open(context.Background(), res); !errors.Is(err, driver.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

// Integration test - only runs with real hardware
func TestFindIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	found, err := New().Find(context.Background())
	if err != nil {
		t.Skipf("USB enumeration unavailable: %v", err)
	}
	if len(found) == 0 {
		t.Skip("No USBTMC hardware found")
	}

	for _, r := range found {
		t.Logf("Found %s %v", r.Name, r.Attrs)
		if _, err := rsrc.Parse(r.Name); err != nil {
			t.Errorf("Discovered name %q does not parse: %v", r.Name, err)
		}
	}
}
