package cmkengine

import (
	"net"
	"net/netip"
	"strings"

	deadlock "github.com/sasha-s/go-deadlock"
)

// AllowedHost is a single entry of the allowed hosts list: network, ip or host name.
type AllowedHost struct {
	Prefix       *netip.Prefix
	IP           *netip.Addr
	HostName     *string
	ResolveCache []netip.Addr
}

// NewAllowedHost parses a network range, an ip address or a host name.
func NewAllowedHost(name string) AllowedHost {
	allowed := AllowedHost{}

	name = strings.TrimSuffix(strings.TrimPrefix(name, "["), "]")

	if netRange, err := netip.ParsePrefix(name); err == nil {
		allowed.Prefix = &netRange

		return allowed
	}

	if ip, err := netip.ParseAddr(name); err == nil {
		allowed.IP = &ip

		return allowed
	}

	allowed.HostName = &name

	return allowed
}

func (a *AllowedHost) String() string {
	switch {
	case a.Prefix != nil:
		return a.Prefix.String()
	case a.IP != nil:
		return a.IP.String()
	case a.HostName != nil:
		return *a.HostName
	}

	return ""
}

// Contains returns true if addr matches. Host names are resolved, with caching only once.
func (a *AllowedHost) Contains(addr netip.Addr, useCaching bool) bool {
	switch {
	case a.Prefix != nil:
		return a.Prefix.Contains(addr)
	case a.IP != nil:
		return a.IP.Compare(addr) == 0
	case a.HostName != nil:
		resolved := a.ResolveCache
		if !useCaching || len(resolved) == 0 {
			resolved = a.resolve()
			if useCaching {
				a.ResolveCache = resolved
			}
		}
		for _, i := range resolved {
			if i.Compare(addr) == 0 {
				return true
			}
		}
	}

	return false
}

func (a *AllowedHost) resolve() []netip.Addr {
	resolved := make([]netip.Addr, 0)

	ips, err := net.LookupIP(*a.HostName)
	if err != nil {
		log.Debugf("dns lookup for %s failed: %s", *a.HostName, err.Error())

		return resolved
	}

	for _, v := range ips {
		if i, err := netip.ParseAddr(v.String()); err == nil {
			resolved = append(resolved, i.Unmap())
		}
	}

	return resolved
}

// AllowedHosts restricts the remote addresses of the automation server.
// An empty list allows everyone.
type AllowedHosts struct {
	lock    deadlock.Mutex
	hosts   []AllowedHost
	caching bool
}

// NewAllowedHosts parses the comma separated allowed hosts list.
func NewAllowedHosts(list []string, caching bool) *AllowedHosts {
	allowed := &AllowedHosts{caching: caching}
	for _, entry := range list {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		allowed.hosts = append(allowed.hosts, NewAllowedHost(entry))
	}

	return allowed
}

// Check returns true if the remote address (host:port or plain ip) is allowed.
func (a *AllowedHosts) Check(remoteAddr string) bool {
	if len(a.hosts) == 0 {
		return true
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"))
	if err != nil {
		log.Debugf("cannot parse remote address %s: %s", remoteAddr, err.Error())

		return false
	}
	addr = addr.Unmap()

	a.lock.Lock()
	defer a.lock.Unlock()
	for i := range a.hosts {
		if a.hosts[i].Contains(addr, a.caching) {
			return true
		}
	}

	return false
}

func (a *AllowedHosts) String() string {
	names := make([]string, 0, len(a.hosts))
	for i := range a.hosts {
		names = append(names, a.hosts[i].String())
	}

	return strings.Join(names, ", ")
}
