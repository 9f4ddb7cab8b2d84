// Package topic builds the agent's topic names and matches MQTT-style
// subscription filters.
package topic

import (
	"fmt"
	"strings"
)

const (
	reportsSuffix  = "reports"
	commandsSuffix = "commands"
)

// Reports returns the topic a device publishes its location reports on.
func Reports(prefix, deviceID string) string {
	return join(prefix, deviceID, reportsSuffix)
}

// Commands returns the topic a device listens on for remote requests.
func Commands(prefix, deviceID string) string {
	return join(prefix, deviceID, commandsSuffix)
}

func join(prefix, deviceID, suffix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", deviceID, suffix)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, deviceID, suffix)
}

// ValidFilter reports whether filter is a well-formed subscription filter:
// '#' only as the last level and wildcards never mixed with other characters.
func ValidFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, l := range levels {
		switch {
		case l == "#":
			if i != len(levels)-1 {
				return false
			}
		case l == "+":
		case strings.ContainsAny(l, "#+"):
			return false
		}
	}
	return true
}

// Match reports whether topic matches filter. '+' matches exactly one level,
// '#' matches the remaining levels including none.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return i == len(f)-1
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
