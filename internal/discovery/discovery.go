// Package discovery finds network ADB endpoints advertised over mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"

	"github.com/1ureka/adbwire/internal/util"
)

// Service types advertised by adbd.
const (
	ServiceADB         = "_adb._tcp"
	ServiceTLSConnect  = "_adb-tls-connect._tcp"
	ServiceTLSPairing  = "_adb-tls-pairing._tcp"
	defaultDomain      = "local."
	maxPacketSize      = 9000
	unicastResponseBit = 1 << 15
)

// mdnsAddr is the IPv4 multicast group for mDNS.
var mdnsAddr = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// Service is one resolved advertisement.
type Service struct {
	Instance string   `json:"instance"`
	Host     string   `json:"host"`
	Port     uint16   `json:"port"`
	Addrs    []net.IP `json:"addrs"`
}

// Addr returns a dialable host:port, preferring an IPv4 address.
func (s Service) Addr() string {
	host := strings.TrimSuffix(s.Host, ".")
	for _, ip := range s.Addrs {
		if ip.To4() != nil {
			host = ip.String()
			break
		}
	}
	if host == "" && len(s.Addrs) > 0 {
		host = s.Addrs[0].String()
	}
	return net.JoinHostPort(host, fmt.Sprint(s.Port))
}

// Query builds the PTR question for a service type such as "_adb._tcp".
// The QU bit asks responders to answer us directly instead of the group.
func Query(service string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(service+"."+defaultDomain), dns.TypePTR)
	m.Question[0].Qclass |= unicastResponseBit
	m.RecursionDesired = false
	m.Id = 0
	return m
}

// Browse sends one PTR query for service and collects answers until timeout
// or ctx expires.
func Browse(ctx context.Context, service string, timeout time.Duration) ([]Service, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open mDNS socket")
	}
	defer conn.Close()

	packed, err := Query(service).Pack()
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack mDNS query")
	}
	if _, err := conn.WriteToUDP(packed, mdnsAddr); err != nil {
		return nil, errors.Wrap(err, "failed to send mDNS query")
	}
	util.LogDebug("mDNS query sent for %s", service)

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	var msgs []*dns.Msg
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return nil, errors.Wrap(err, "failed to read mDNS response")
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			util.LogDebug("dropping malformed mDNS packet from %s: %v", from, err)
			continue
		}
		if msg.Response {
			msgs = append(msgs, msg)
		}
	}

	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, ctx.Err()
	}
	return ParseResponses(service, msgs), nil
}

// ParseResponses joins PTR, SRV and address records from any number of
// responses into services of the given type. Instances without an SRV
// record are dropped.
func ParseResponses(service string, msgs []*dns.Msg) []Service {
	suffix := strings.ToLower(dns.Fqdn(service + "." + defaultDomain))

	instances := map[string]bool{}
	srvs := map[string]*dns.SRV{}
	addrs := map[string][]net.IP{}

	for _, msg := range msgs {
		records := append(append([]dns.RR{}, msg.Answer...), msg.Extra...)
		for _, rr := range records {
			switch r := rr.(type) {
			case *dns.PTR:
				if strings.ToLower(r.Hdr.Name) == suffix {
					instances[strings.ToLower(r.Ptr)] = true
				}
			case *dns.SRV:
				srvs[strings.ToLower(r.Hdr.Name)] = r
			case *dns.A:
				host := strings.ToLower(r.Hdr.Name)
				addrs[host] = appendIP(addrs[host], r.A)
			case *dns.AAAA:
				host := strings.ToLower(r.Hdr.Name)
				addrs[host] = appendIP(addrs[host], r.AAAA)
			}
		}
	}

	// Some responders skip the PTR in unicast replies.
	for name := range srvs {
		if strings.HasSuffix(name, "."+suffix) {
			instances[name] = true
		}
	}

	var out []Service
	for name := range instances {
		srv, ok := srvs[name]
		if !ok {
			continue
		}
		out = append(out, Service{
			Instance: strings.TrimSuffix(strings.TrimSuffix(name, suffix), "."),
			Host:     srv.Target,
			Port:     srv.Port,
			Addrs:    addrs[strings.ToLower(srv.Target)],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

func appendIP(ips []net.IP, ip net.IP) []net.IP {
	for _, have := range ips {
		if have.Equal(ip) {
			return ips
		}
	}
	return append(ips, ip)
}
