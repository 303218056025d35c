package socks

import (
	"errors"
	"strings"
)

// Username prefixes recognized by the selection grammar.
const (
	agentPrefix   = "agent_"
	countryPrefix = "country_"
)

// ErrBadUsername marks a SOCKS username that matches neither selection
// form. Authentication is rejected for such usernames before the token is
// ever consulted.
var ErrBadUsername = errors.New("username matches no selection policy")

// Policy identifies which agent should serve a request. Exactly one of
// the two fields is set.
type Policy struct {
	// AgentID pins the request to one specific agent.
	AgentID string

	// Countries restricts selection to agents whose country code is in
	// the set. Codes are uppercase ISO-3166 alpha-2.
	Countries []string
}

// ByCountry reports whether the policy selects by country set.
func (p Policy) ByCountry() bool { return len(p.Countries) > 0 }

// ParsePolicy derives a selection policy from a SOCKS5 username:
//
//	agent_<id>          pin to the agent with that exact ID
//	country_<CC>(<CC>)* uniform random among agents in any listed country
//
// Country codes are two ASCII letters each, case-insensitive on input and
// uppercased here. Any other shape, including an odd-length or non-letter
// country suffix, is rejected.
func ParsePolicy(username string) (Policy, error) {
	switch {
	case strings.HasPrefix(username, agentPrefix):
		id := username[len(agentPrefix):]
		if id == "" {
			return Policy{}, ErrBadUsername
		}
		return Policy{AgentID: id}, nil

	case strings.HasPrefix(username, countryPrefix):
		codes := username[len(countryPrefix):]
		if codes == "" || len(codes)%2 != 0 {
			return Policy{}, ErrBadUsername
		}
		for i := 0; i < len(codes); i++ {
			c := codes[i]
			if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
				return Policy{}, ErrBadUsername
			}
		}
		codes = strings.ToUpper(codes)
		set := make([]string, 0, len(codes)/2)
		for i := 0; i < len(codes); i += 2 {
			set = append(set, codes[i:i+2])
		}
		return Policy{Countries: set}, nil

	default:
		return Policy{}, ErrBadUsername
	}
}
