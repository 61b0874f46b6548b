package iptvscan

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const resolverCacheTTL = 5 * time.Minute

type resolveError struct {
	host string
	err  error
}

func (e *resolveError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("resolve %s: no address", e.host)
	}
	return fmt.Sprintf("resolve %s: %v", e.host, e.err)
}

func (e *resolveError) Unwrap() error {
	return e.err
}

type cachedAddr struct {
	addr    string
	expires time.Time
}

// Resolver turns candidate hostnames into dialable addresses. With configured
// servers it queries them directly, otherwise it uses the system resolver.
// Successful answers are cached for a few minutes since a range scan hits the
// same relay host many times.
type Resolver struct {
	servers []string
	client  *dns.Client
	system  *net.Resolver
	cache   sync.Map
}

func NewResolver(servers []string) *Resolver {
	r := &Resolver{
		client: &dns.Client{Net: "udp", Timeout: 2 * time.Second},
		system: net.DefaultResolver,
	}
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(strings.Trim(s, "[]"), "53")
		}
		r.servers = append(r.servers, s)
	}
	return r
}

// Lookup returns an IP literal for host. IP literals are returned unchanged.
func (r *Resolver) Lookup(ctx context.Context, host string) (string, error) {
	host = strings.Trim(host, "[]")
	if _, err := netip.ParseAddr(host); err == nil {
		return host, nil
	}
	if v, ok := r.cache.Load(host); ok {
		entry := v.(cachedAddr)
		if time.Now().Before(entry.expires) {
			return entry.addr, nil
		}
		r.cache.Delete(host)
	}
	var (
		addr string
		err  error
	)
	if len(r.servers) > 0 {
		addr, err = r.queryServers(ctx, host)
	} else {
		addr, err = r.querySystem(ctx, host)
	}
	if err != nil {
		return "", err
	}
	r.cache.Store(host, cachedAddr{addr: addr, expires: time.Now().Add(resolverCacheTTL)})
	return addr, nil
}

func (r *Resolver) querySystem(ctx context.Context, host string) (string, error) {
	addrs, err := r.system.LookupIPAddr(ctx, host)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &resolveError{host: host, err: err}
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0].IP.String(), nil
	}
	return "", &resolveError{host: host}
}

func (r *Resolver) queryServers(ctx context.Context, host string) (string, error) {
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true
		for _, server := range r.servers {
			in, _, err := r.client.ExchangeContext(ctx, msg, server)
			if err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				lastErr = err
				continue
			}
			if in.Rcode != dns.RcodeSuccess {
				lastErr = fmt.Errorf("rcode %s from %s", dns.RcodeToString[in.Rcode], server)
				continue
			}
			for _, ans := range in.Answer {
				switch rr := ans.(type) {
				case *dns.A:
					return rr.A.String(), nil
				case *dns.AAAA:
					return rr.AAAA.String(), nil
				}
			}
		}
	}
	return "", &resolveError{host: host, err: lastErr}
}

// DialContext resolves the host part of address through the resolver before dialing.
func (r *Resolver) DialContext(ctx context.Context, dialer *net.Dialer, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	ip, err := r.Lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
}
