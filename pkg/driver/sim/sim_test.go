package sim

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/rsrc"
)

func openSim(t *testing.T, profiles []Profile, name string) (*Driver, driver.Conn) {
	t.Helper()
	d, err := New(profiles...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res, err := rsrc.Parse(name)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	conn, err := d.Open(context.Background(), res)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return d, conn
}

func query(t *testing.T, conn driver.Conn, cmd string) (string, driver.Reason) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := conn.Write(ctx, []byte(cmd+"\n"), true); err != nil {
		t.Fatalf("Write %q failed: %v", cmd, err)
	}
	buf := make([]byte, 256)
	n, reason, err := conn.Read(ctx, buf, driver.Termination{})
	if err != nil {
		t.Fatalf("Read after %q failed: %v", cmd, err)
	}
	return string(buf[:n]), reason
}

func TestSimIDN(t *testing.T) {
	_, conn := openSim(t, DefaultProfiles(), DefaultDMM)

	resp, reason := query(t, conn, "*IDN?")
	if resp != "OpenTrace,SimDMM-34401,SIM0001,1.0\n" {
		t.Errorf("Unexpected IDN %q", resp)
	}
	if reason != driver.ReasonEnd {
		t.Errorf("Expected ReasonEnd, got %v", reason)
	}
}

func TestSimCompoundQuery(t *testing.T) {
	_, conn := openSim(t, DefaultProfiles(), DefaultPSU)

	resp, _ := query(t, conn, "VOLT?;CURR?")
	if resp != "5.000;0.100\n" {
		t.Errorf("Unexpected response %q", resp)
	}
}

func TestSimSettingUpdatesQuery(t *testing.T) {
	_, conn := openSim(t, DefaultProfiles(), DefaultPSU)

	ctx := context.Background()
	if _, err := conn.Write(ctx, []byte("VOLT 3.3\n"), true); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	resp, _ := query(t, conn, "VOLT?")
	if resp != "3.3\n" {
		t.Errorf("Expected updated voltage, got %q", resp)
	}
}

func TestSimUndefinedHeader(t *testing.T) {
	_, conn := openSim(t, DefaultProfiles(), DefaultDMM)

	if _, err := conn.Write(context.Background(), []byte("BOGUS\n"), true); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	resp, _ := query(t, conn, "SYST:ERR?")
	if !strings.HasPrefix(resp, "-113") {
		t.Errorf("Expected -113 error, got %q", resp)
	}
	resp, _ = query(t, conn, "SYST:ERR?")
	if !strings.HasPrefix(resp, "0,") {
		t.Errorf("Expected empty error queue, got %q", resp)
	}
}

func TestSimReadCountAndTermChar(t *testing.T) {
	_, conn := openSim(t, DefaultProfiles(), DefaultDMM)
	ctx := context.Background()

	if _, err := conn.Write(ctx, []byte("SIM:DATA? 10\n"), true); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	buf := make([]byte, 4)
	n, reason, err := conn.Read(ctx, buf, driver.Termination{})
	if err != nil || n != 4 || reason != driver.ReasonCount {
		t.Fatalf("Read = %d, %v, %v; want 4, count, nil", n, reason, err)
	}
	if string(buf) != "0123" {
		t.Errorf("Unexpected data %q", buf)
	}

	// '5' acts as termination character in the middle of the message.
	n, reason, err = conn.Read(ctx, make([]byte, 16), driver.Termination{Char: '5', Enabled: true})
	if err != nil || n != 2 || reason != driver.ReasonTermChar {
		t.Fatalf("Read = %d, %v, %v; want 2, termchar, nil", n, reason, err)
	}

	n, reason, err = conn.Read(ctx, make([]byte, 16), driver.Termination{})
	if err != nil || n != 5 || reason != driver.ReasonEnd {
		t.Fatalf("Read = %d, %v, %v; want 5, end, nil", n, reason, err)
	}
}

func TestSimReadTimeout(t *testing.T) {
	_, conn := openSim(t, DefaultProfiles(), DefaultDMM)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := conn.Read(ctx, make([]byte, 8), driver.Termination{})
	if !errors.Is(err, driver.ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
}

func TestSimDelay(t *testing.T) {
	profiles := []Profile{{Resource: "GPIB0::7::INSTR", IDN: "slow", Delay: 100 * time.Millisecond}}
	_, conn := openSim(t, profiles, "GPIB0::7::INSTR")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := conn.Write(ctx, []byte("*IDN?\n"), true); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, _, err := conn.Read(ctx, make([]byte, 8), driver.Termination{}); !errors.Is(err, driver.ErrTimeout) {
		t.Fatalf("Expected timeout before delay elapsed, got %v", err)
	}

	resp, _ := query(t, conn, "*OPC?")
	if resp != "slow\n" {
		t.Errorf("Expected the delayed IDN first, got %q", resp)
	}
}

func TestSimServiceRequest(t *testing.T) {
	d, conn := openSim(t, DefaultProfiles(), DefaultDMM)
	inst, _ := d.Instrument(DefaultDMM)

	srq := conn.(driver.ServiceRequester).ServiceRequests()
	inst.RequestService()

	select {
	case stb := <-srq:
		if stb&STBRequestService == 0 {
			t.Errorf("Expected RQS bit in 0x%02X", stb)
		}
	case <-time.After(time.Second):
		t.Fatal("no service request delivered")
	}

	stb, err := conn.(driver.StatusByteReader).ReadSTB(context.Background())
	if err != nil {
		t.Fatalf("ReadSTB failed: %v", err)
	}
	if stb&STBRequestService == 0 {
		t.Errorf("Expected RQS in first poll, got 0x%02X", stb)
	}
	stb, _ = conn.(driver.StatusByteReader).ReadSTB(context.Background())
	if stb&STBRequestService != 0 {
		t.Errorf("Serial poll should clear RQS, got 0x%02X", stb)
	}
}

func TestSimClearAndTrigger(t *testing.T) {
	d, conn := openSim(t, DefaultProfiles(), DefaultDMM)
	inst, _ := d.Instrument(DefaultDMM)

	ctx := context.Background()
	conn.Write(ctx, []byte("*IDN?\n"), true)
	if inst.Pending() != 1 {
		t.Fatalf("Expected one pending message, got %d", inst.Pending())
	}

	if err := conn.(driver.Clearer).Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if err := conn.(driver.Triggerer).Trigger(ctx); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	conn.Write(ctx, []byte("*TRG\n"), true)

	triggers, clears := inst.Counts()
	if triggers != 2 || clears != 1 {
		t.Errorf("Counts = %d triggers, %d clears; want 2, 1", triggers, clears)
	}
	if inst.Pending() != 0 {
		t.Errorf("Clear should drop pending output")
	}
}

func TestSimOffline(t *testing.T) {
	d, conn := openSim(t, DefaultProfiles(), DefaultDMM)
	inst, _ := d.Instrument(DefaultDMM)
	inst.SetOffline(true)

	_, _, err := conn.Read(context.Background(), make([]byte, 8), driver.Termination{})
	if !errors.Is(err, driver.ErrConnLost) {
		t.Errorf("Expected ErrConnLost, got %v", err)
	}

	res, _ := rsrc.Parse(DefaultDMM)
	if _, err := d.Open(context.Background(), res); !errors.Is(err, driver.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for offline instrument, got %v", err)
	}

	found, _ := d.Find(context.Background())
	for _, r := range found {
		if r.Name == DefaultDMM {
			t.Error("offline instrument must not be listed")
		}
	}
}

func TestSimFind(t *testing.T) {
	d, err := New(DefaultProfiles()...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	found, err := d.Find(context.Background())
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(found) != 3 {
		t.Fatalf("Expected 3 resources, got %d", len(found))
	}
	for _, r := range found {
		if r.Name == DefaultScope && r.Attrs["VI_ATTR_RSRC_MANF_NAME"] != "Rigol Technologies" {
			t.Errorf("Profile attributes should override IDN manufacturer: %v", r.Attrs)
		}
	}
}

func TestSimOpenUnknown(t *testing.T) {
	d, _ := New(DefaultProfiles()...)
	res, _ := rsrc.Parse("GPIB0::1::INSTR")
	if _, err := d.Open(context.Background(), res); !errors.Is(err, driver.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSimDuplicate(t *testing.T) {
	_, err := New(Profile{Resource: "GPIB0::1"}, Profile{Resource: "GPIB0::1::INSTR"})
	if err == nil {
		t.Error("Expected duplicate canonical names to be rejected")
	}
}

func TestSimCommandHook(t *testing.T) {
	d, conn := openSim(t, DefaultProfiles(), DefaultDMM)
	inst, _ := d.Instrument(DefaultDMM)
	inst.OnCommand = func(inst *Instrument, cmd string) (string, bool) {
		if cmd == "READ?" {
			return "42", true
		}
		return "", false
	}

	resp, _ := query(t, conn, "READ?")
	if resp != "42\n" {
		t.Errorf("Expected hook response, got %q", resp)
	}
	if inst.LastCommand() != "READ?" {
		t.Errorf("LastCommand = %q", inst.LastCommand())
	}
}

func TestSimMaxWrite(t *testing.T) {
	_, conn := openSim(t, []Profile{{Resource: "GPIB0::9::INSTR", IDN: "ACME,SLOW,1,1.0", MaxWrite: 4}}, "GPIB0::9::INSTR")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n, err := conn.Write(ctx, []byte("*IDN?\n"), true)
	if err != nil || n != 4 {
		t.Fatalf("Write = %d, %v; want 4, nil", n, err)
	}
	// The remainder completes the command.
	if n, err = conn.Write(ctx, []byte("?\n"), true); err != nil || n != 2 {
		t.Fatalf("Write remainder = %d, %v; want 2, nil", n, err)
	}

	buf := make([]byte, 64)
	n, _, err = conn.Read(ctx, buf, driver.Termination{Char: '\n', Enabled: true})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got := string(buf[:n]); got != "ACME,SLOW,1,1.0\n" {
		t.Errorf("Read = %q", got)
	}
}
