package socks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicyByID(t *testing.T) {
	p, err := ParsePolicy("agent_aBcDeFgHiJkLm")
	require.NoError(t, err)
	assert.Equal(t, "aBcDeFgHiJkLm", p.AgentID)
	assert.False(t, p.ByCountry())
}

func TestParsePolicyByCountries(t *testing.T) {
	tests := []struct {
		username string
		want     []string
	}{
		{"country_JP", []string{"JP"}},
		{"country_JPUS", []string{"JP", "US"}},
		{"country_jpus", []string{"JP", "US"}},
		{"country_dEuS", []string{"DE", "US"}},
	}

	for _, tt := range tests {
		t.Run(tt.username, func(t *testing.T) {
			p, err := ParsePolicy(tt.username)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Countries)
			assert.True(t, p.ByCountry())
		})
	}
}

func TestParsePolicyRejects(t *testing.T) {
	usernames := []string{
		"",
		"someuser",
		"agent_",
		"country_",
		"country_J",     // odd length
		"country_JPU",   // odd length
		"country_J1",    // digit
		"country_JP US", // odd length, with a space
		"all",
		"AGENT_abc", // prefixes are case-sensitive
	}

	for _, username := range usernames {
		t.Run(username, func(t *testing.T) {
			_, err := ParsePolicy(username)
			assert.ErrorIs(t, err, ErrBadUsername)
		})
	}
}
