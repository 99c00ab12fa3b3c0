// Package tcpip serves TCPIP[board]::host::port::SOCKET resources over
// plain TCP connections.
package tcpip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/rsrc"
)

const (
	// DefaultPort is the SCPI raw socket port used when a host entry has none.
	DefaultPort = 5025

	DefaultDialTimeout = 5 * time.Second
	DefaultBrowseTime  = 1 * time.Second
)

// Config selects what Find reports.
type Config struct {
	// Hosts are "host" or "host:port" entries that are always listed.
	Hosts []string

	// MDNS enables browsing for _scpi-raw._tcp instruments.
	MDNS bool

	// BrowseTime bounds one mDNS browse.
	BrowseTime time.Duration

	// DialTimeout bounds connection setup when the context has no deadline.
	DialTimeout time.Duration
}

// Driver opens raw socket sessions.
type Driver struct {
	cfg    Config
	dialer net.Dialer
	browse func(ctx context.Context, service string, wait time.Duration) ([]Service, error)
}

// New creates a socket driver.
func New(cfg Config) *Driver {
	if cfg.BrowseTime <= 0 {
		cfg.BrowseTime = DefaultBrowseTime
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &Driver{
		cfg:    cfg,
		dialer: net.Dialer{KeepAlive: 30 * time.Second},
		browse: Browse,
	}
}

func (d *Driver) Name() string {
	return "tcpip"
}

func (d *Driver) Find(ctx context.Context) ([]driver.Resource, error) {
	seen := make(map[string]bool)
	var results []driver.Resource

	add := func(host string, port int, attrs map[string]any) {
		name := socketName(host, port)
		if seen[name] {
			return
		}
		seen[name] = true
		results = append(results, driver.Resource{Name: name, Attrs: attrs})
	}

	for _, entry := range d.cfg.Hosts {
		host, port, err := SplitHost(entry)
		if err != nil {
			driver.Logger().Warn("tcpip: ignoring host entry", zap.String("entry", entry), zap.Error(err))
			continue
		}
		add(host, port, nil)
	}

	if d.cfg.MDNS {
		services, err := d.browse(ctx, ServiceSCPIRaw, d.cfg.BrowseTime)
		if err != nil {
			// Configured hosts are still useful without multicast.
			driver.Logger().Warn("tcpip: mdns browse failed", zap.Error(err))
		}
		for _, s := range services {
			add(s.Host, s.Port, map[string]any{
				"VI_ATTR_TCPIP_HOSTNAME": s.Instance,
			})
		}
	}

	sort.Slice(results, func(a, b int) bool { return results[a].Name < results[b].Name })
	return results, nil
}

func (d *Driver) Open(ctx context.Context, res *rsrc.Resource) (driver.Conn, error) {
	if res.Interface != rsrc.InterfaceTCPIP || res.Class != rsrc.ClassSocket {
		return nil, driver.ErrNotFound
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.DialTimeout)
		defer cancel()
	}

	addr := net.JoinHostPort(strings.Trim(res.Host, "[]"), strconv.Itoa(res.Port))
	nc, err := d.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: dial %s: %v", driver.ErrNotFound, addr, err)
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	driver.Logger().Debug("tcpip: connected", zap.String("addr", addr))
	return &socketConn{StreamConn: driver.NewStreamConn(nc)}, nil
}

// socketConn adds device clear to a raw socket. A socket has no clear
// message, so clear drops whatever the instrument already sent.
type socketConn struct {
	*driver.StreamConn
}

func (c *socketConn) Clear(ctx context.Context) error {
	c.Discard()
	return nil
}

// SplitHost parses a "host" or "host:port" entry.
func SplitHost(entry string) (string, int, error) {
	if entry == "" {
		return "", 0, errors.New("empty host")
	}
	host, portStr, err := net.SplitHostPort(entry)
	if err != nil {
		// No port given; accept bare hosts and bare IPv6 literals.
		if ip := net.ParseIP(strings.Trim(entry, "[]")); ip != nil || !strings.Contains(entry, ":") {
			return strings.Trim(entry, "[]"), DefaultPort, nil
		}
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// socketName builds the resource name; IPv6 literals are bracketed.
func socketName(host string, port int) string {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	res := rsrc.Resource{Interface: rsrc.InterfaceTCPIP, Class: rsrc.ClassSocket, Host: host, Port: port}
	return res.String()
}
