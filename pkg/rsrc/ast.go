package rsrc

// resourceString is the raw token layout of a resource string:
// a head (interface plus board) followed by zero or more fields.
// Example: TCPIP0::192.168.1.10::5025::SOCKET
type resourceString struct {
	Head   string   `parser:"@Word"`
	Fields []string `parser:"( Sep @( Word | IPv6 ) )*"`
}
