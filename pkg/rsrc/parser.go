package rsrc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Parser turns resource strings into Resources.
type Parser struct {
	parser *participle.Parser[resourceString]
	cache  *lru.Cache[string, Resource]
}

// NewParser creates a parser with a cache of recently parsed names.
func NewParser(cacheSize int) (*Parser, error) {
	parser, err := participle.Build[resourceString](
		participle.Lexer(ResourceLexer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build parser: %w", err)
	}

	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, Resource](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create parse cache: %w", err)
	}

	return &Parser{parser: parser, cache: cache}, nil
}

var defaultParser = mustParser()

func mustParser() *Parser {
	p, err := NewParser(256)
	if err != nil {
		panic(err)
	}
	return p
}

// Parse parses name with the package default parser.
func Parse(name string) (*Resource, error) {
	return defaultParser.Parse(name)
}

// Canonical returns the expanded form of name.
func Canonical(name string) (string, error) {
	r, err := Parse(name)
	if err != nil {
		return "", err
	}
	return r.String(), nil
}

// Parse decomposes name into a Resource. The returned value is a copy and
// may be modified by the caller.
func (p *Parser) Parse(name string) (*Resource, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidName)
	}

	if cached, ok := p.cache.Get(name); ok {
		r := cached
		return &r, nil
	}

	raw, err := p.parser.ParseString("", name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidName, name, err)
	}

	r, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidName, name, err)
	}

	p.cache.Add(name, *r)
	return r, nil
}

var headPattern = regexp.MustCompile(`(?i)^(GPIB-VXI|GPIB|VXI|ASRL|PXI|TCPIP|USB)(.*)$`)

func decode(raw *resourceString) (*Resource, error) {
	m := headPattern.FindStringSubmatch(raw.Head)
	if m == nil {
		return nil, fmt.Errorf("unknown interface in %q", raw.Head)
	}
	intf, _ := lookupInterface(m[1])

	r := &Resource{
		Interface:    intf,
		Secondary:    -1,
		USBInterface: -1,
		Function:     -1,
	}

	if board := m[2]; board != "" {
		n, err := strconv.Atoi(board)
		switch {
		case err == nil && n >= 0:
			r.Board = n
		case intf == InterfaceASRL:
			r.Path = board
		default:
			return nil, fmt.Errorf("invalid board number %q", board)
		}
	}

	fields, class := splitClass(raw.Fields)

	var err error
	switch intf {
	case InterfaceGPIB:
		err = decodeGPIB(r, fields, class)
	case InterfaceTCPIP:
		err = decodeTCPIP(r, fields, class)
	case InterfaceUSB:
		err = decodeUSB(r, fields, class)
	case InterfaceASRL:
		if class != ClassInstr || len(fields) != 0 {
			err = fmt.Errorf("ASRL resources take no fields")
		}
		r.Class = ClassInstr
	case InterfaceVXI, InterfaceGPIBVXI:
		err = decodeVXI(r, fields, class)
	case InterfacePXI:
		err = decodePXI(r, fields, class)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// splitClass pops a trailing class field. Without one the class defaults
// to INSTR.
func splitClass(fields []string) ([]string, Class) {
	if n := len(fields); n > 0 {
		if c, ok := lookupClass(fields[n-1]); ok {
			return fields[:n-1], c
		}
	}
	return fields, ClassInstr
}

func decodeGPIB(r *Resource, fields []string, class Class) error {
	r.Class = class
	switch class {
	case ClassIntfc:
		if len(fields) != 0 {
			return fmt.Errorf("GPIB INTFC takes no address")
		}
		return nil
	case ClassInstr:
	default:
		return fmt.Errorf("unsupported GPIB class %s", class)
	}

	if len(fields) < 1 || len(fields) > 2 {
		return fmt.Errorf("GPIB INSTR needs a primary and optional secondary address")
	}
	primary, err := parseRange(fields[0], 0, 30)
	if err != nil {
		return fmt.Errorf("primary address: %w", err)
	}
	r.Primary = primary
	if len(fields) == 2 {
		secondary, err := parseRange(fields[1], 0, 30)
		if err != nil {
			return fmt.Errorf("secondary address: %w", err)
		}
		r.Secondary = secondary
	}
	return nil
}

func decodeTCPIP(r *Resource, fields []string, class Class) error {
	r.Class = class
	switch class {
	case ClassSocket:
		if len(fields) != 2 {
			return fmt.Errorf("TCPIP SOCKET needs host and port")
		}
		port, err := parseRange(fields[1], 1, 65535)
		if err != nil {
			return fmt.Errorf("port: %w", err)
		}
		r.Host = fields[0]
		r.Port = port
		return nil
	case ClassInstr:
	default:
		return fmt.Errorf("unsupported TCPIP class %s", class)
	}

	if len(fields) < 1 || len(fields) > 2 {
		return fmt.Errorf("TCPIP INSTR needs host and optional LAN device name")
	}
	r.Host = fields[0]
	r.LANDevice = "inst0"
	if len(fields) == 2 {
		r.LANDevice = fields[1]
	}
	return nil
}

func decodeUSB(r *Resource, fields []string, class Class) error {
	if class != ClassInstr && class != ClassRaw {
		return fmt.Errorf("unsupported USB class %s", class)
	}
	r.Class = class
	if len(fields) < 3 || len(fields) > 4 {
		return fmt.Errorf("USB needs manufacturer, model and serial number")
	}
	manf, err := strconv.ParseUint(fields[0], 0, 16)
	if err != nil {
		return fmt.Errorf("manufacturer id %q: %w", fields[0], err)
	}
	model, err := strconv.ParseUint(fields[1], 0, 16)
	if err != nil {
		return fmt.Errorf("model code %q: %w", fields[1], err)
	}
	r.ManfID = uint16(manf)
	r.ModelCode = uint16(model)
	r.Serial = fields[2]
	if len(fields) == 4 {
		n, err := parseRange(fields[3], 0, 255)
		if err != nil {
			return fmt.Errorf("interface number: %w", err)
		}
		r.USBInterface = n
	}
	return nil
}

func decodeVXI(r *Resource, fields []string, class Class) error {
	r.Class = class
	switch class {
	case ClassInstr, ClassBackplane:
		if len(fields) != 1 {
			return fmt.Errorf("%s %s needs a logical address", r.Interface, class)
		}
		la, err := parseRange(fields[0], 0, 511)
		if err != nil {
			return fmt.Errorf("logical address: %w", err)
		}
		r.Logical = la
		return nil
	case ClassMemacc, ClassServant:
		if len(fields) != 0 {
			return fmt.Errorf("%s %s takes no fields", r.Interface, class)
		}
		return nil
	}
	return fmt.Errorf("unsupported %s class %s", r.Interface, class)
}

func decodePXI(r *Resource, fields []string, class Class) error {
	r.Class = class
	switch class {
	case ClassMemacc:
		if len(fields) != 0 {
			return fmt.Errorf("PXI MEMACC takes no fields")
		}
		return nil
	case ClassInstr:
	default:
		return fmt.Errorf("unsupported PXI class %s", class)
	}
	if len(fields) < 1 || len(fields) > 2 {
		return fmt.Errorf("PXI INSTR needs a device and optional function")
	}
	dev, err := parseRange(fields[0], 0, 31)
	if err != nil {
		return fmt.Errorf("device: %w", err)
	}
	r.Device = dev
	if len(fields) == 2 {
		fn, err := parseRange(fields[1], 0, 7)
		if err != nil {
			return fmt.Errorf("function: %w", err)
		}
		r.Function = fn
	}
	return nil
}

func parseRange(s string, min, max int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%d out of range %d..%d", n, min, max)
	}
	return n, nil
}
