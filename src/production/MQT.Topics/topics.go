package topics

import "strings"

// Access is the kind of topic access a broker asks about
type Access int

const (
	AccessRead      Access = 1
	AccessWrite     Access = 2
	AccessReadWrite Access = 3
	AccessSubscribe Access = 4
)

// Namespace is the set of topic patterns a device may use.
// It depends only on the owner and device ids, so it survives token regeneration.
type Namespace struct {
	Subscribe       string `json:"subscribe"`
	StatePrefix     string `json:"state_prefix"`
	TelemetryPrefix string `json:"telemetry_prefix"`
}

// For derives the namespace of a device
func For(ownerID, deviceID string) Namespace {
	root := "u/" + ownerID + "/d/" + deviceID + "/"
	return Namespace{
		Subscribe:       root + "cmd/#",
		StatePrefix:     root + "state/",
		TelemetryPrefix: root + "tel/",
	}
}

// commandRoot is the subscribe pattern without the trailing "/#"
func (n Namespace) commandRoot() string {
	return strings.TrimSuffix(n.Subscribe, "/#")
}

// Allows reports whether a device may access topic.
// Reads and subscriptions are limited to the command tree, writes to the
// state and telemetry prefixes. Wildcards are only accepted on reads.
func (n Namespace) Allows(topic string, access Access) bool {
	if topic == "" {
		return false
	}
	switch access {
	case AccessRead, AccessSubscribe:
		return n.allowsRead(topic)
	case AccessWrite:
		return n.allowsWrite(topic)
	case AccessReadWrite:
		return n.allowsRead(topic) && n.allowsWrite(topic)
	default:
		return false
	}
}

func (n Namespace) allowsRead(topic string) bool {
	root := n.commandRoot()
	if topic == root || topic == n.Subscribe {
		return true
	}
	if !strings.HasPrefix(topic, root+"/") {
		return false
	}
	rest := strings.TrimPrefix(topic, root+"/")
	// '#' is only valid as the last level
	if i := strings.Index(rest, "#"); i >= 0 && i != len(rest)-1 {
		return false
	}
	return true
}

func (n Namespace) allowsWrite(topic string) bool {
	if strings.ContainsAny(topic, "+#") {
		return false
	}
	for _, prefix := range []string{n.StatePrefix, n.TelemetryPrefix} {
		if strings.HasPrefix(topic, prefix) && len(topic) > len(prefix) {
			return true
		}
	}
	return false
}
