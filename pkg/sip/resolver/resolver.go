// Package resolver locates SIP servers (RFC 3263 without NAPTR): SRV records
// first, then A/AAAA on the default port.
package resolver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ErrNoRecords is returned when neither SRV nor address records exist.
var ErrNoRecords = errors.New("no DNS records")

// Target is one address to try, in preference order.
type Target struct {
	Host     string
	Port     int
	Priority uint16
	Weight   uint16
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Resolver resolves SIP server names.
type Resolver struct {
	// NameServer specifies the DNS server address (e.g., "8.8.8.8:53").
	// If empty, /etc/resolv.conf is used.
	NameServer string
	// Timeout specifies the timeout for DNS queries.
	// If zero, defaults to 5 seconds.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Resolve returns the targets for host. An IP literal or an explicit port
// bypasses SRV lookup.
func (r *Resolver) Resolve(ctx context.Context, host string, port int, network string) ([]Target, error) {
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return []Target{{Host: ip.String(), Port: defaultPort(port, network)}}, nil
	}
	if port > 0 {
		return r.lookupAddr(ctx, host, port)
	}

	srvs, err := r.LookupSRV(ctx, service(network), proto(network), host)
	if err != nil {
		r.logger().Debug("SRV lookup failed, falling back to A/AAAA",
			slog.String("host", host), slog.Any("error", err))
	}
	if len(srvs) > 0 {
		var targets []Target
		for _, srv := range srvs {
			addrs, err := r.lookupAddr(ctx, srv.Host, srv.Port)
			if err != nil {
				continue
			}
			for _, a := range addrs {
				a.Priority, a.Weight = srv.Priority, srv.Weight
				targets = append(targets, a)
			}
		}
		if len(targets) > 0 {
			return targets, nil
		}
	}
	return r.lookupAddr(ctx, host, defaultPort(0, network))
}

// LookupSRV queries SRV records, sorted by priority then descending weight.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]Target, error) {
	name := fmt.Sprintf("_%s._%s.%s", service, proto, host)
	resp, err := r.exchange(ctx, name, dns.TypeSRV)
	if err != nil {
		return nil, err
	}
	var out []Target
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.SRV); ok {
			out = append(out, Target{
				Host:     strings.TrimSuffix(rr.Target, "."),
				Port:     int(rr.Port),
				Priority: rr.Priority,
				Weight:   rr.Weight,
			})
		}
	}
	slices.SortStableFunc(out, func(a, b Target) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})
	return out, nil
}

func (r *Resolver) lookupAddr(ctx context.Context, host string, port int) ([]Target, error) {
	var out []Target
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := r.exchange(ctx, host, qtype)
		if err != nil {
			continue
		}
		for _, ans := range resp.Answer {
			switch rr := ans.(type) {
			case *dns.A:
				out = append(out, Target{Host: rr.A.String(), Port: port})
			case *dns.AAAA:
				out = append(out, Target{Host: rr.AAAA.String(), Port: port})
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoRecords, host)
	}
	return out, nil
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	nameserver, err := r.nameserver()
	if err != nil {
		return nil, err
	}

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, &net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       name,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		}
	}
	return resp, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil
		}
		return r.NameServer, nil
	}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", err
	}
	if len(conf.Servers) == 0 {
		return "", &net.DNSError{Err: "no DNS servers configured", Name: "resolv.conf"}
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default().With(slog.String("component", "resolver"))
}

func service(network string) string {
	if strings.EqualFold(network, "tls") {
		return "sips"
	}
	return "sip"
}

func proto(network string) string {
	if strings.EqualFold(network, "udp") {
		return "udp"
	}
	return "tcp"
}

func defaultPort(port int, network string) int {
	if port > 0 {
		return port
	}
	if strings.EqualFold(network, "tls") {
		return 5061
	}
	return 5060
}
