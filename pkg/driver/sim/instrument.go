package sim

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver"
)

// Status byte bits.
const (
	STBMessageAvailable = 0x10
	STBEventStatus      = 0x20
	STBRequestService   = 0x40
)

// CommandHook lets tests and profiles emulate instrument-specific behaviour.
// Returning handled=false falls through to the built-in command set.
type CommandHook func(inst *Instrument, cmd string) (resp string, handled bool)

// Profile describes a simulated instrument.
type Profile struct {
	Resource  string
	IDN       string
	Responses map[string]string
	Delay     time.Duration
	Attrs     map[string]any

	// MaxWrite limits the bytes accepted per write when positive, like a
	// transport with a small send buffer.
	MaxWrite int
}

type message struct {
	data    []byte
	readyAt time.Time
}

// Instrument is one simulated device. It is shared by every connection
// opened on its resource name, like a real instrument's output queue.
type Instrument struct {
	name    string
	profile Profile

	OnCommand CommandHook

	mu          sync.Mutex
	output      []message
	changed     chan struct{}
	stb         byte
	sre         byte
	errs        []string
	triggers    int
	clears      int
	lastCommand string
	offline     bool
	subscribers map[*conn]struct{}
}

func newInstrument(name string, profile Profile) *Instrument {
	responses := make(map[string]string, len(profile.Responses))
	for k, v := range profile.Responses {
		responses[normalize(k)] = v
	}
	profile.Responses = responses

	return &Instrument{
		name:        name,
		profile:     profile,
		changed:     make(chan struct{}),
		subscribers: make(map[*conn]struct{}),
	}
}

// Name returns the canonical resource name.
func (i *Instrument) Name() string {
	return i.name
}

// LastCommand returns the most recent command the instrument executed.
func (i *Instrument) LastCommand() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastCommand
}

// Counts reports how many triggers and device clears were received.
func (i *Instrument) Counts() (triggers, clears int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.triggers, i.clears
}

// SetOffline simulates unplugging the instrument. Open fails and existing
// connections report a lost connection.
func (i *Instrument) SetOffline(offline bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.offline = offline
	i.notifyLocked()
}

// RequestService sets RQS in the status byte and notifies every connection
// that listens for service requests.
func (i *Instrument) RequestService() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.requestServiceLocked()
}

func (i *Instrument) requestServiceLocked() {
	i.stb |= STBRequestService
	stb := i.stb
	for c := range i.subscribers {
		select {
		case c.srq <- stb:
		default:
			driver.Logger().Debug("sim: dropped service request", zapName(i.name))
		}
	}
}

// Pending reports the number of unread response messages.
func (i *Instrument) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.output)
}

func (i *Instrument) notifyLocked() {
	close(i.changed)
	i.changed = make(chan struct{})
}

func (i *Instrument) pushLocked(data []byte) {
	i.output = append(i.output, message{
		data:    data,
		readyAt: time.Now().Add(i.profile.Delay),
	})
	i.stb |= STBMessageAvailable
	i.notifyLocked()
	if i.sre&STBMessageAvailable != 0 {
		i.requestServiceLocked()
	}
}

// execute runs one program message (commands separated by ';').
func (i *Instrument) execute(msg string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	var replies []string
	for _, cmd := range strings.Split(msg, ";") {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		i.lastCommand = cmd

		if i.OnCommand != nil {
			// The hook may call back into exported methods.
			i.mu.Unlock()
			resp, handled := i.OnCommand(i, cmd)
			i.mu.Lock()
			if handled {
				if resp != "" {
					replies = append(replies, resp)
				}
				continue
			}
		}

		if resp, ok := i.builtinLocked(cmd); ok {
			if resp != "" {
				replies = append(replies, resp)
			}
			continue
		}

		if resp, ok := i.respondLocked(cmd); ok {
			if resp != "" {
				replies = append(replies, resp)
			}
			continue
		}

		i.errs = append(i.errs, `-113,"Undefined header"`)
		i.stb |= STBEventStatus
	}

	if len(replies) > 0 {
		i.pushLocked([]byte(strings.Join(replies, ";") + "\n"))
	}
}

func (i *Instrument) builtinLocked(cmd string) (string, bool) {
	fields := strings.Fields(cmd)
	head := normalize(fields[0])
	args := fields[1:]

	switch head {
	case "*IDN?":
		return i.profile.IDN, true
	case "*RST":
		i.output = nil
		i.sre = 0
		return "", true
	case "*CLS":
		i.errs = nil
		i.stb = 0
		return "", true
	case "*OPC?":
		return "1", true
	case "*ESR?":
		return "0", true
	case "*STB?":
		return strconv.Itoa(int(i.stb)), true
	case "*SRE?":
		return strconv.Itoa(int(i.sre)), true
	case "*SRE":
		if len(args) == 1 {
			if n, err := strconv.Atoi(args[0]); err == nil && n >= 0 && n < 256 {
				i.sre = byte(n)
				return "", true
			}
		}
		i.errs = append(i.errs, `-224,"Illegal parameter value"`)
		return "", true
	case "*TRG":
		i.triggers++
		return "", true
	case "SYST:ERR?", "SYSTEM:ERROR?":
		if len(i.errs) == 0 {
			return `0,"No error"`, true
		}
		e := i.errs[0]
		i.errs = i.errs[1:]
		return e, true
	case "SIM:SRQ":
		i.requestServiceLocked()
		return "", true
	case "SIM:DATA?":
		n := 0
		if len(args) == 1 {
			n, _ = strconv.Atoi(args[0])
		}
		if n <= 0 {
			i.errs = append(i.errs, `-109,"Missing parameter"`)
			return "", true
		}
		return pattern(n), true
	}
	return "", false
}

// respondLocked looks cmd up in the profile responses. A setting command
// "X value" whose query "X?" is known updates the query's answer.
func (i *Instrument) respondLocked(cmd string) (string, bool) {
	if resp, ok := i.profile.Responses[normalize(cmd)]; ok {
		return resp, true
	}
	fields := strings.Fields(cmd)
	if len(fields) == 2 {
		query := normalize(fields[0]) + "?"
		if _, ok := i.profile.Responses[query]; ok {
			i.profile.Responses[query] = fields[1]
			return "", true
		}
	}
	return "", false
}

func (i *Instrument) clear() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.output = nil
	i.stb &^= STBMessageAvailable
	i.clears++
	i.notifyLocked()
}

func (i *Instrument) trigger() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.triggers++
}

func (i *Instrument) readSTB() byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	stb := i.stb
	i.stb &^= STBRequestService
	return stb
}

// read copies at most one response message into p.
func (i *Instrument) read(ctx context.Context, p []byte, term driver.Termination) (int, driver.Reason, error) {
	for {
		i.mu.Lock()
		if i.offline {
			i.mu.Unlock()
			return 0, driver.ReasonCount, driver.ErrConnLost
		}

		var wait <-chan time.Time
		if len(i.output) > 0 {
			head := &i.output[0]
			if delay := time.Until(head.readyAt); delay > 0 {
				wait = time.After(delay)
			} else {
				n, reason := i.consumeLocked(p, term)
				i.mu.Unlock()
				return n, reason, nil
			}
		}
		changed := i.changed
		i.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, driver.ReasonCount, driver.ContextError(ctx.Err())
		case <-changed:
		case <-wait:
		}
	}
}

func (i *Instrument) consumeLocked(p []byte, term driver.Termination) (int, driver.Reason) {
	head := &i.output[0]
	n := 0
	for n < len(p) && len(head.data) > 0 {
		b := head.data[0]
		head.data = head.data[1:]
		p[n] = b
		n++
		if len(head.data) == 0 {
			i.output = i.output[1:]
			if len(i.output) == 0 {
				i.stb &^= STBMessageAvailable
			}
			return n, driver.ReasonEnd
		}
		if term.Enabled && b == term.Char {
			return n, driver.ReasonTermChar
		}
	}
	return n, driver.ReasonCount
}

func normalize(cmd string) string {
	return strings.ToUpper(strings.TrimSpace(cmd))
}

// pattern returns n bytes of repeating digits.
func pattern(n int) string {
	var b strings.Builder
	b.Grow(n)
	for k := 0; k < n; k++ {
		b.WriteByte(byte('0' + k%10))
	}
	return b.String()
}

// attributes derives the manufacturer from the IDN string; profile
// attributes take precedence.
func (i *Instrument) attributes() map[string]any {
	attrs := map[string]any{}
	if manf, _, ok := strings.Cut(i.profile.IDN, ","); ok {
		attrs["VI_ATTR_RSRC_MANF_NAME"] = strings.TrimSpace(manf)
	}
	for k, v := range i.profile.Attrs {
		attrs[k] = v
	}
	return attrs
}

func (i *Instrument) String() string {
	return fmt.Sprintf("sim(%s)", i.name)
}
