package socks

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// ReadAddress reads an ATYP byte followed by a SOCKS5 destination address
// and port from r. The format follows RFC 1928 Section 4:
//
//	+------+----------+----------+
//	| ATYP | DST.ADDR | DST.PORT |
//	+------+----------+----------+
//	|  1   | Variable |    2     |
//
// The host is returned in textual form: canonical for IPv4/IPv6, the raw
// label for domain names. IPv6 hosts are not bracketed; callers join with
// net.JoinHostPort.
func ReadAddress(r io.Reader) (string, uint16, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return "", 0, err
	}

	var host string
	switch atyp[0] {
	case IPv4:
		var raw [4]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return "", 0, err
		}
		host = net.IP(raw[:]).String()

	case IPv6:
		var raw [16]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return "", 0, err
		}
		host = net.IP(raw[:]).String()

	case Domain:
		var length [1]byte
		if _, err := io.ReadFull(r, length[:]); err != nil {
			return "", 0, err
		}
		if length[0] == 0 {
			return "", 0, fmt.Errorf("empty domain name")
		}
		raw := make([]byte, length[0])
		if _, err := io.ReadFull(r, raw); err != nil {
			return "", 0, err
		}
		host = string(raw)

	default:
		return "", 0, fmt.Errorf("unsupported address type 0x%02x", atyp[0])
	}

	var portRaw [2]byte
	if _, err := io.ReadFull(r, portRaw[:]); err != nil {
		return "", 0, err
	}
	return host, binary.BigEndian.Uint16(portRaw[:]), nil
}
