package socks

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadAddressIPv4(t *testing.T) {
	host, port, err := ReadAddress(bytes.NewReader([]byte{IPv4, 8, 8, 4, 4, 0x01, 0xBB}))
	require.NoError(t, err)
	assert.Equal(t, "8.8.4.4", host)
	assert.Equal(t, uint16(443), port)
}

func TestReadAddressDomain(t *testing.T) {
	raw := append([]byte{Domain, byte(len("example.test"))}, []byte("example.test")...)
	raw = append(raw, 0x00, 0x50)

	host, port, err := ReadAddress(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "example.test", host)
	assert.Equal(t, uint16(80), port)
}

func TestReadAddressIPv6(t *testing.T) {
	raw := []byte{IPv6}
	raw = append(raw, 0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01)
	raw = append(raw, 0x1F, 0x90)

	host, port, err := ReadAddress(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", host)
	assert.Equal(t, uint16(8080), port)
}

func TestReadAddressRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"unknown atyp", []byte{0x02, 1, 2, 3, 4, 0, 80}},
		{"truncated ipv4", []byte{IPv4, 1, 2}},
		{"truncated port", []byte{IPv4, 1, 2, 3, 4, 0}},
		{"empty domain", []byte{Domain, 0, 0, 80}},
		{"truncated domain", []byte{Domain, 10, 'a', 'b'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ReadAddress(bytes.NewReader(tt.raw))
			assert.Error(t, err)
		})
	}
}
