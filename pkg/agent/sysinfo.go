package agent

import (
	"os"
	"os/user"
	"runtime"
	"strings"

	"chilsonite/pkg/protocol"
)

// hostMetadata collects the local facts an agent registers with. The
// network-derived fields are filled in by the caller from the geo lookup.
func hostMetadata() protocol.Metadata {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	username := "unknown"
	if current, err := user.Current(); err == nil {
		username = current.Username
	}

	return protocol.Metadata{
		OSName:    runtime.GOOS,
		OSVersion: osVersion(),
		Hostname:  hostname,
		Username:  username,
	}
}

// osVersion reads the release version from /etc/os-release. Platforms
// without one report "unknown".
func osVersion() string {
	raw, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return "unknown"
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if v, ok := strings.CutPrefix(line, "VERSION_ID="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return "unknown"
}
