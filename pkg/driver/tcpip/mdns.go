package tcpip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver"
)

// ServiceSCPIRaw is the DNS-SD service type of LXI raw socket instruments.
const ServiceSCPIRaw = "_scpi-raw._tcp.local."

// qclassUnicast asks responders to answer the querier directly (RFC 6762 5.4).
const qclassUnicast = 1 << 15

var mdnsGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// Service is one instrument found by a browse.
type Service struct {
	Instance string
	Host     string
	Port     int
}

// Browse sends one mDNS PTR query for service and collects answers until
// wait elapses or ctx is done.
func Browse(ctx context.Context, service string, wait time.Duration) ([]Service, error) {
	query, err := buildQuery(service).Pack()
	if err != nil {
		return nil, fmt.Errorf("mdns: pack query: %w", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("mdns: listen: %w", err)
	}
	defer conn.Close()

	if _, err := conn.WriteToUDP(query, mdnsGroup); err != nil {
		return nil, fmt.Errorf("mdns: send query: %w", err)
	}

	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	c := newCollector()
	buf := make([]byte, 65536)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return nil, fmt.Errorf("mdns: read: %w", err)
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			driver.Logger().Debug("mdns: bad packet", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		c.add(msg)
	}
	return c.services(service), nil
}

func buildQuery(service string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(service), dns.TypePTR)
	m.RecursionDesired = false
	m.Question[0].Qclass |= qclassUnicast
	return m
}

type srvTarget struct {
	host string
	port int
}

// collector joins PTR, SRV and address records from any number of answers.
type collector struct {
	instances map[string]bool
	targets   map[string]srvTarget
	addrs     map[string]string
}

func newCollector() *collector {
	return &collector{
		instances: make(map[string]bool),
		targets:   make(map[string]srvTarget),
		addrs:     make(map[string]string),
	}
}

func (c *collector) add(msg *dns.Msg) {
	records := append(append([]dns.RR{}, msg.Answer...), msg.Extra...)
	for _, rr := range records {
		name := strings.ToLower(rr.Header().Name)
		switch rr := rr.(type) {
		case *dns.PTR:
			c.instances[strings.ToLower(rr.Ptr)] = true
		case *dns.SRV:
			c.targets[name] = srvTarget{host: strings.ToLower(rr.Target), port: int(rr.Port)}
		case *dns.A:
			c.addrs[name] = rr.A.String()
		case *dns.AAAA:
			if _, ok := c.addrs[name]; !ok {
				c.addrs[name] = rr.AAAA.String()
			}
		}
	}
}

func (c *collector) services(service string) []Service {
	suffix := "." + strings.ToLower(dns.Fqdn(service))
	var out []Service
	for instance := range c.instances {
		if !strings.HasSuffix(instance, suffix) {
			continue
		}
		target, ok := c.targets[instance]
		if !ok {
			continue
		}
		host, ok := c.addrs[target.host]
		if !ok {
			host = strings.TrimSuffix(target.host, ".")
		}
		out = append(out, Service{
			Instance: strings.TrimSuffix(instance, suffix),
			Host:     host,
			Port:     target.port,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Instance < out[b].Instance })
	return out
}
