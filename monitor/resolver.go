package monitor

import (
	"net"
	"sync"
	"time"

	"github.com/jedisct1/dlog"
	"github.com/miekg/dns"
)

const (
	resolverTimeout  = 2500 * time.Millisecond
	resolvedCacheTTL = 5 * time.Minute
)

type resolvedEntry struct {
	ip        net.IP
	expiresAt time.Time
}

// Resolver turns configured hostnames into IPv4 addresses. Literal addresses
// pass straight through; domain names are resolved with an explicit A lookup
// against the system resolvers and cached for a few minutes, so a polling
// cycle does not hammer the resolver with the same name.
type Resolver struct {
	sync.Mutex
	servers []string
	cache   map[string]resolvedEntry
}

func NewResolver() *Resolver {
	resolver := &Resolver{cache: make(map[string]resolvedEntry)}
	config, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(config.Servers) == 0 {
		dlog.Noticef("No usable resolv.conf, name resolution falls back to the net package: %v", err)
		return resolver
	}
	for _, server := range config.Servers {
		resolver.servers = append(resolver.servers, net.JoinHostPort(server, config.Port))
	}
	return resolver
}

// Resolve returns the IPv4 address for host and whether host was a literal
// address (in which case response provenance can be checked exactly).
func (resolver *Resolver) Resolve(host string) (net.IP, bool, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, true, nil
		}
		return nil, true, ErrAddressNotAllowed
	}

	now := time.Now()
	resolver.Lock()
	entry, found := resolver.cache[host]
	resolver.Unlock()
	if found && now.Before(entry.expiresAt) {
		return entry.ip, false, nil
	}

	ip, err := resolver.lookup(host)
	if err != nil {
		return nil, false, err
	}
	resolver.Lock()
	resolver.cache[host] = resolvedEntry{ip: ip, expiresAt: now.Add(resolvedCacheTTL)}
	resolver.Unlock()
	return ip, false, nil
}

func (resolver *Resolver) lookup(host string) (net.IP, error) {
	for _, server := range resolver.servers {
		client := dns.Client{Timeout: resolverTimeout}
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
		response, _, err := client.Exchange(msg, server)
		if err != nil {
			dlog.Debugf("Lookup of [%s] via %s failed: %v", host, server, err)
			continue
		}
		for _, answer := range response.Answer {
			if a, ok := answer.(*dns.A); ok {
				if ip4 := a.A.To4(); ip4 != nil {
					return ip4, nil
				}
			}
		}
	}
	// Last resort: the standard library resolver.
	addrs, err := net.LookupIP(host)
	if err != nil {
		return nil, ErrNoResponse
	}
	for _, addr := range addrs {
		if ip4 := addr.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, ErrNoResponse
}
