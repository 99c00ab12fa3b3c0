package rsrc

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Pattern is a compiled find expression: a VISA regular expression over
// resource names with an optional attribute filter in braces.
//
//	?*INSTR
//	USB?*{VI_ATTR_MANF_ID==0x1AB1 && VI_ATTR_MODEL_CODE!=0}
type Pattern struct {
	source string
	re     *regexp.Regexp
	filter *vm.Program
}

// Compile parses a find expression.
func Compile(expression string) (*Pattern, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidExpr)
	}

	pattern, filter, err := splitFilter(expression)
	if err != nil {
		return nil, err
	}

	translated, err := translate(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpr, expression, err)
	}
	re, err := regexp.Compile(translated)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpr, expression, err)
	}

	p := &Pattern{source: expression, re: re}
	if filter != "" {
		program, err := expr.Compile(filter, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("%w: filter %q: %v", ErrInvalidExpr, filter, err)
		}
		p.filter = program
	}
	return p, nil
}

// String returns the expression the pattern was compiled from.
func (p *Pattern) String() string {
	return p.source
}

// Match reports whether name matches the regular expression and attrs
// satisfy the filter. A filter that fails to evaluate does not match.
func (p *Pattern) Match(name string, attrs map[string]any) bool {
	if !p.re.MatchString(name) {
		return false
	}
	if p.filter == nil {
		return true
	}
	if attrs == nil {
		attrs = map[string]any{}
	}
	out, err := expr.Run(p.filter, attrs)
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

func splitFilter(expression string) (string, string, error) {
	open := -1
	for i := 0; i < len(expression); i++ {
		if expression[i] == '\\' {
			i++
			continue
		}
		if expression[i] == '{' {
			open = i
			break
		}
	}
	if open < 0 {
		return expression, "", nil
	}
	if !strings.HasSuffix(expression, "}") {
		return "", "", fmt.Errorf("%w: unterminated attribute filter", ErrInvalidExpr)
	}
	filter := strings.TrimSpace(expression[open+1 : len(expression)-1])
	if filter == "" {
		return "", "", fmt.Errorf("%w: empty attribute filter", ErrInvalidExpr)
	}
	return expression[:open], filter, nil
}

// translate converts VISA regular-expression syntax into Go syntax. In
// VISA '?' is any single character, '*' and '+' repeat the previous atom,
// and '.' is literal.
func translate(pattern string) (string, error) {
	var b strings.Builder
	b.WriteString("(?i)^(?:")

	hasAtom := false
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '\\':
			if i+1 >= len(runes) {
				return "", fmt.Errorf("trailing escape")
			}
			i++
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
			hasAtom = true
		case '?':
			b.WriteByte('.')
			hasAtom = true
		case '*':
			if !hasAtom {
				b.WriteString(".*")
			} else {
				b.WriteByte('*')
			}
			hasAtom = false
		case '+':
			if !hasAtom {
				return "", fmt.Errorf("'+' at offset %d has nothing to repeat", i)
			}
			b.WriteByte('+')
			hasAtom = false
		case '[':
			end := i + 1
			if end < len(runes) && runes[end] == '^' {
				end++
			}
			if end < len(runes) && runes[end] == ']' {
				end++
			}
			for end < len(runes) && runes[end] != ']' {
				end++
			}
			if end >= len(runes) {
				return "", fmt.Errorf("unterminated character list")
			}
			b.WriteString(string(runes[i : end+1]))
			i = end
			hasAtom = true
		case '(':
			b.WriteByte('(')
			hasAtom = false
		case ')':
			b.WriteByte(')')
			hasAtom = true
		case '|':
			b.WriteByte('|')
			hasAtom = false
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
			hasAtom = true
		}
	}

	b.WriteString(")$")
	return b.String(), nil
}
