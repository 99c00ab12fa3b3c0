package tcpip

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/rsrc"
)

// startInstrument answers "*IDN?" lines on a loopback listener.
func startInstrument(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				sc := bufio.NewScanner(c)
				for sc.Scan() {
					if sc.Text() == "*IDN?" {
						c.Write([]byte("ACME,SOCK-1,42,1.0\n"))
					}
				}
			}(c)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestSocketQuery(t *testing.T) {
	port := startInstrument(t)
	d := New(Config{})

	res, err := rsrc.Parse("TCPIP0::127.0.0.1::" + strconv.Itoa(port) + "::SOCKET")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.Open(ctx, res)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(ctx, []byte("*IDN?\n"), true)
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, reason, err := conn.Read(ctx, buf, driver.Termination{Char: '\n', Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, driver.ReasonTermChar, reason)
	assert.Equal(t, "ACME,SOCK-1,42,1.0\n", string(buf[:n]))

	_, ok := conn.(driver.Clearer)
	assert.True(t, ok, "socket conns support clear")
}

func TestSocketReadTimeout(t *testing.T) {
	port := startInstrument(t)
	d := New(Config{})
	res, err := rsrc.Parse("TCPIP::127.0.0.1::" + strconv.Itoa(port) + "::SOCKET")
	require.NoError(t, err)

	conn, err := d.Open(context.Background(), res)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = conn.Read(ctx, make([]byte, 8), driver.Termination{Char: '\n', Enabled: true})
	assert.ErrorIs(t, err, driver.ErrTimeout)
}

func TestOpenNotMine(t *testing.T) {
	d := New(Config{})
	names := []string{
		"GPIB0::1::INSTR",
		"TCPIP0::10.0.0.1::INSTR",
		"TCPIP0::10.0.0.1::hislip0::INSTR",
		"TCPIP0::10.0.0.1::inst0::INSTR",
	}
	for _, name := range names {
		res, err := rsrc.Parse(name)
		require.NoError(t, err)
		_, err = d.Open(context.Background(), res)
		assert.ErrorIs(t, err, driver.ErrNotFound, name)
	}
}

func TestOpenRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	d := New(Config{DialTimeout: time.Second})
	res, err := rsrc.Parse("TCPIP0::127.0.0.1::" + strconv.Itoa(port) + "::SOCKET")
	require.NoError(t, err)
	_, err = d.Open(context.Background(), res)
	assert.ErrorIs(t, err, driver.ErrNotFound)
}

func TestFindConfiguredHosts(t *testing.T) {
	d := New(Config{Hosts: []string{"10.0.0.5", "10.0.0.6:5555", "10.0.0.5:5025", "bad:port:x"}})

	found, err := d.Find(context.Background())
	require.NoError(t, err)

	var names []string
	for _, r := range found {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{
		"TCPIP0::10.0.0.5::5025::SOCKET",
		"TCPIP0::10.0.0.6::5555::SOCKET",
	}, names)
}

func TestFindWithBrowse(t *testing.T) {
	d := New(Config{MDNS: true})
	d.browse = func(ctx context.Context, service string, wait time.Duration) ([]Service, error) {
		assert.Equal(t, ServiceSCPIRaw, service)
		return []Service{{Instance: "scope", Host: "192.168.1.50", Port: 5025}}, nil
	}

	found, err := d.Find(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "TCPIP0::192.168.1.50::5025::SOCKET", found[0].Name)
	assert.Equal(t, "scope", found[0].Attrs["VI_ATTR_TCPIP_HOSTNAME"])
}

func TestFindBrowseFailure(t *testing.T) {
	d := New(Config{Hosts: []string{"10.0.0.7"}, MDNS: true})
	d.browse = func(ctx context.Context, service string, wait time.Duration) ([]Service, error) {
		return nil, errors.New("no multicast route")
	}

	found, err := d.Find(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestSplitHost(t *testing.T) {
	tests := []struct {
		entry    string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"scope.lan", "scope.lan", DefaultPort, false},
		{"10.0.0.1:5555", "10.0.0.1", 5555, false},
		{"fe80::1", "fe80::1", DefaultPort, false},
		{"[fe80::1]", "fe80::1", DefaultPort, false},
		{"[fe80::1]:7000", "fe80::1", 7000, false},
		{"host:0", "", 0, true},
		{"host:http", "", 0, true},
		{"", "", 0, true},
	}
	for _, tt := range tests {
		host, port, err := SplitHost(tt.entry)
		if tt.wantErr {
			assert.Error(t, err, tt.entry)
			continue
		}
		require.NoError(t, err, tt.entry)
		assert.Equal(t, tt.wantHost, host, tt.entry)
		assert.Equal(t, tt.wantPort, port, tt.entry)
	}
}

func TestSocketNameIPv6(t *testing.T) {
	name := socketName("fe80::1", 5025)
	assert.Equal(t, "TCPIP0::[fe80::1]::5025::SOCKET", name)

	res, err := rsrc.Parse(name)
	require.NoError(t, err)
	assert.Equal(t, 5025, res.Port)
}

func TestBuildQuery(t *testing.T) {
	m := buildQuery("_scpi-raw._tcp.local")
	require.Len(t, m.Question, 1)
	assert.Equal(t, ServiceSCPIRaw, m.Question[0].Name)
	assert.Equal(t, dns.TypePTR, m.Question[0].Qtype)
	assert.NotZero(t, m.Question[0].Qclass&qclassUnicast)
	assert.False(t, m.RecursionDesired)
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func TestCollectorJoinsRecords(t *testing.T) {
	answer := new(dns.Msg)
	answer.Answer = []dns.RR{
		mustRR(t, "_scpi-raw._tcp.local. 120 IN PTR scope1._scpi-raw._tcp.local."),
		mustRR(t, "_scpi-raw._tcp.local. 120 IN PTR dmm._scpi-raw._tcp.local."),
		mustRR(t, "_http._tcp.local. 120 IN PTR web._http._tcp.local."),
	}
	answer.Extra = []dns.RR{
		mustRR(t, "scope1._scpi-raw._tcp.local. 120 IN SRV 0 0 5025 scope1.local."),
		mustRR(t, "scope1.local. 120 IN A 192.168.1.50"),
	}

	// The second instance resolves in a later packet and without an address.
	later := new(dns.Msg)
	later.Answer = []dns.RR{
		mustRR(t, "dmm._scpi-raw._tcp.local. 120 IN SRV 0 0 5555 dmm.local."),
		mustRR(t, "web._http._tcp.local. 120 IN SRV 0 0 80 web.local."),
	}

	c := newCollector()
	c.add(answer)
	c.add(later)

	assert.Equal(t, []Service{
		{Instance: "dmm", Host: "dmm.local", Port: 5555},
		{Instance: "scope1", Host: "192.168.1.50", Port: 5025},
	}, c.services(ServiceSCPIRaw))
}
