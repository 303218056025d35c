package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// ErrForbiddenTarget rejects connects into address space the agent must
// never reach on a client's behalf.
var ErrForbiddenTarget = errors.New("target address is not routable from this agent")

// resolveTarget turns a SOCKS target host into a dialable IP string,
// resolving domain names and refusing private, loopback, link-local and
// unspecified destinations both before and after resolution.
func resolveTarget(ctx context.Context, host string, allowPrivate bool) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		if !allowPrivate && isForbiddenIP(ip) {
			return "", fmt.Errorf("%w: %s", ErrForbiddenTarget, host)
		}
		return ip.String(), nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("resolve %s: no addresses", host)
	}

	// Prefer the first IPv4 answer, fall back to whatever came first.
	chosen := addrs[0].IP
	for _, a := range addrs {
		if a.IP.To4() != nil {
			chosen = a.IP
			break
		}
	}

	if !allowPrivate && isForbiddenIP(chosen) {
		return "", fmt.Errorf("%w: %s resolves to %s", ErrForbiddenTarget, host, chosen)
	}
	return chosen.String(), nil
}

// rfc5737Nets are the IPv4 documentation ranges (TEST-NET-1 through -3).
// net.IP has no predicate for them, so the ranges are spelled out.
var rfc5737Nets = []net.IPNet{
	{IP: net.IPv4(192, 0, 2, 0), Mask: net.CIDRMask(24, 32)},
	{IP: net.IPv4(198, 51, 100, 0), Mask: net.CIDRMask(24, 32)},
	{IP: net.IPv4(203, 0, 113, 0), Mask: net.CIDRMask(24, 32)},
}

// isForbiddenIP reports whether an address belongs to ranges that must
// not be dialed for a tunnelled client: RFC 1918 and ULA space, loopback,
// link-local, broadcast, unspecified, and the RFC 5737 documentation
// blocks.
func isForbiddenIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	return ip.IsPrivate() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.Equal(net.IPv4bcast) ||
		isDocumentationIPv4(ip)
}

func isDocumentationIPv4(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	for _, n := range rfc5737Nets {
		if n.Contains(v4) {
			return true
		}
	}
	return false
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

func portString(p uint16) string {
	return strconv.Itoa(int(p))
}
