// Package shell is an interactive console for one instrument session.
//
// Lines whose header ends in '?' are queries and print the response; other
// lines are written with a trailing newline. Lines starting with ':' are
// shell commands:
//
//	:stb    serial poll
//	:clear  device clear
//	:trg    assert trigger
//	:help   list commands
//	:q      quit
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/visa"
)

// Session is the part of *visa.Session the shell drives.
type Session interface {
	Name() string
	WriteString(data string) (visa.Completion, error)
	Query(cmd string) (string, error)
	ReadSTB() (byte, error)
	Clear() error
	AssertTrigger() error
}

// Result is the outcome of one input line.
type Result struct {
	Output string
	Err    error
	Quit   bool
}

const helpText = `:stb    read the status byte
:clear  device clear
:trg    assert trigger
:q      quit
Lines ending in ? are queries; anything else is written.`

// IsQuery reports whether line expects a response: its header (the first
// word) or the whole line ends in '?'.
func IsQuery(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	return strings.HasSuffix(fields[0], "?") || strings.HasSuffix(line, "?")
}

// Exec runs one input line against s.
func Exec(s Session, line string) Result {
	line = strings.TrimSpace(line)
	if line == "" {
		return Result{}
	}

	if strings.HasPrefix(line, ":") {
		switch strings.ToLower(line) {
		case ":q", ":quit", ":exit":
			return Result{Quit: true}
		case ":help", ":h", ":?":
			return Result{Output: helpText}
		case ":stb":
			stb, err := s.ReadSTB()
			if err != nil {
				return Result{Err: err}
			}
			return Result{Output: fmt.Sprintf("STB 0x%02X", stb)}
		case ":clear":
			if err := s.Clear(); err != nil {
				return Result{Err: err}
			}
			return Result{Output: "cleared"}
		case ":trg":
			if err := s.AssertTrigger(); err != nil {
				return Result{Err: err}
			}
			return Result{Output: "triggered"}
		}
		return Result{Err: fmt.Errorf("unknown command %s (try :help)", line)}
	}

	if IsQuery(line) {
		resp, err := s.Query(line)
		if err != nil {
			return Result{Err: err}
		}
		return Result{Output: strings.TrimRight(resp, "\r\n")}
	}

	data := line + "\n"
	c, err := s.WriteString(data)
	if err != nil {
		return Result{Err: err}
	}
	if c.Count < len(data) {
		return Result{Err: visa.ShortWrite("Write", s.Name(), c.Count, len(data))}
	}
	return Result{}
}

// formatError renders err with its completion code name when it has one.
func formatError(err error) string {
	var e *visa.Error
	if !errors.As(err, &e) {
		return "error: " + err.Error()
	}
	msg := fmt.Sprintf("error: %s (%s)", e.Status.Name(), e.Status.Description())
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// RunLines reads commands from in until EOF or :q, writing results to out.
func RunLines(ctx context.Context, s Session, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := Exec(s, scanner.Text())
		switch {
		case res.Quit:
			return nil
		case res.Err != nil:
			fmt.Fprintln(out, formatError(res.Err))
		case res.Output != "":
			fmt.Fprintln(out, res.Output)
		}
	}
	return scanner.Err()
}

// Run starts the terminal UI when in is a terminal and falls back to
// RunLines otherwise.
func Run(ctx context.Context, s Session, in *os.File, out io.Writer) error {
	if !term.IsTerminal(int(in.Fd())) {
		return RunLines(ctx, s, in, out)
	}
	p := tea.NewProgram(New(s),
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(out),
		tea.WithAltScreen(),
	)
	_, err := p.Run()
	return err
}
