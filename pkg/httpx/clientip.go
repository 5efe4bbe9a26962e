package httpx

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPResolver picks the client address for a request. X-Forwarded-For
// is read only when the direct peer is a trusted proxy, and then the
// right-most hop that is not itself trusted wins.
type ClientIPResolver struct {
	trusted []netip.Prefix
}

// NewClientIPResolver accepts a comma-separated list of CIDRs and bare
// addresses.
func NewClientIPResolver(trustedProxies string) (*ClientIPResolver, error) {
	r := &ClientIPResolver{}
	for _, entry := range splitList(trustedProxies) {
		p, err := parseProxy(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		r.trusted = append(r.trusted, p)
	}
	return r, nil
}

func parseProxy(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		return p.Masked(), err
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (c *ClientIPResolver) trustedAddr(addr netip.Addr) bool {
	for _, p := range c.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (c *ClientIPResolver) ClientIP(r *http.Request) string {
	peer, ok := peerAddr(r.RemoteAddr)
	if !ok {
		return r.RemoteAddr
	}
	if !c.trustedAddr(peer) {
		return peer.String()
	}
	hops := splitList(r.Header.Get("X-Forwarded-For"))
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(hops[i])
		if err != nil {
			continue
		}
		if addr = addr.Unmap(); !c.trustedAddr(addr) {
			return addr.String()
		}
	}
	return peer.String()
}

// Peer returns ClientIP together with whether the direct peer is a trusted
// proxy. Headers set by the client are believable only in that case.
func (c *ClientIPResolver) Peer(r *http.Request) (string, bool) {
	peer, ok := peerAddr(r.RemoteAddr)
	return c.ClientIP(r), ok && c.trustedAddr(peer)
}

func peerAddr(raw string) (netip.Addr, bool) {
	host := raw
	if h, _, err := net.SplitHostPort(raw); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
