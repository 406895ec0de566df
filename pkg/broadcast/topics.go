package broadcast

import (
	"fmt"
	"strings"
)

// Topics builds the MQTT topics of one station:
//
//	<prefix>/<station>/status           retained online/offline and state
//	<prefix>/<station>/events/<type>    every telemetry event
//	<prefix>/<station>/cmd/quit         inbound quit requests
type Topics struct {
	Prefix  string
	Station string
}

func (t Topics) base() string {
	return fmt.Sprintf("%s/%s", strings.TrimSuffix(t.Prefix, "/"), t.Station)
}

// Status returns the retained status topic.
func (t Topics) Status() string {
	return t.base() + "/status"
}

// Event returns the topic for events of the given type. Dots become slashes
// so subscribers can filter with wildcards, e.g. "testrig/bench-1/events/cycle/#".
func (t Topics) Event(eventType string) string {
	return t.base() + "/events/" + strings.ReplaceAll(eventType, ".", "/")
}

// Events returns a wildcard matching every event topic.
func (t Topics) Events() string {
	return t.base() + "/events/#"
}

// Quit returns the command topic that requests a voluntary quit.
func (t Topics) Quit() string {
	return t.base() + "/cmd/quit"
}
