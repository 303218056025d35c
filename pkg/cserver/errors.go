package cserver

import (
	"errors"
	"fmt"
	"strconv"
)

var errNoAcceptableMethod = errors.New("client does not offer username/password auth")

func errUnsupportedVersion(v byte) error {
	return fmt.Errorf("unsupported SOCKS version 0x%02x", v)
}

func errBadAuthVersion(v byte) error {
	return fmt.Errorf("unsupported auth sub-negotiation version 0x%02x", v)
}

func errUnsupportedCommand(c byte) error {
	return fmt.Errorf("unsupported SOCKS command 0x%02x", c)
}

func portString(p uint16) string {
	return strconv.Itoa(int(p))
}
