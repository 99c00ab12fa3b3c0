package rsrc

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// ResourceLexer splits a VISA resource string into its "::"-separated
// fields. Bracketed IPv6 literals may contain colons and are kept whole.
var ResourceLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Sep", Pattern: `::`},

	// [fe80::1%eth0]
	{Name: "IPv6", Pattern: `\[[0-9A-Za-z:.%]+\]`},

	// Everything else up to the next separator. Whitespace is not part of
	// any rule so embedded blanks fail to lex.
	{Name: "Word", Pattern: `[^:\[\]\s]+`},
})
