package sparkplug

import (
	"strings"
)

const (
	Namespace         = "spBv1.0"
	NamespaceWildcard = Namespace + "/#"

	StateTopicPrefix = "STATE/"
	StateOnline      = "ONLINE"
	StateOffline     = "OFFLINE"

	TCKWildcard     = "SPARKPLUG_TCK/#"
	TCKControlTopic = "SPARKPLUG_TCK/TEST_CONTROL"
	TCKResultTopic  = "SPARKPLUG_TCK/RESULT"
)

type MessageType string

const (
	NBIRTH MessageType = "NBIRTH"
	NDEATH MessageType = "NDEATH"
	NDATA  MessageType = "NDATA"
	NCMD   MessageType = "NCMD"
	DBIRTH MessageType = "DBIRTH"
	DDEATH MessageType = "DDEATH"
	DDATA  MessageType = "DDATA"
	DCMD   MessageType = "DCMD"
	STATE  MessageType = "STATE"
)

var MessageTypes = []MessageType{NBIRTH, NDEATH, NDATA, NCMD, DBIRTH, DDEATH, DDATA, DCMD, STATE}

func (mt MessageType) Valid() bool {
	switch mt {
	case NBIRTH, NDEATH, NDATA, NCMD, DBIRTH, DDEATH, DDATA, DCMD, STATE:
		return true
	}
	return false
}

// IsDevice reports device level message types, addressed with device id token.
func (mt MessageType) IsDevice() bool {
	switch mt {
	case DBIRTH, DDEATH, DDATA, DCMD:
		return true
	}
	return false
}

type Topic struct {
	Namespace string
	GroupID   string
	Type      MessageType
	NodeID    string
	DeviceID  string
}

func (t Topic) IsDevice() bool { return t.DeviceID != "" }

func (t Topic) String() string {
	ns := t.Namespace
	if ns == "" {
		ns = Namespace
	}
	return buildTopic(ns, t.Type, t.GroupID, t.NodeID, t.DeviceID)
}

// BuildTopic returns namespace/group/type/node[/device].
func BuildTopic(mt MessageType, group, node, device string) string {
	return buildTopic(Namespace, mt, group, node, device)
}

func buildTopic(ns string, mt MessageType, group, node, device string) string {
	var b strings.Builder
	b.Grow(len(ns) + len(group) + len(mt) + len(node) + len(device) + 4)
	b.WriteString(ns)
	b.WriteByte('/')
	b.WriteString(group)
	b.WriteByte('/')
	b.WriteString(string(mt))
	b.WriteByte('/')
	b.WriteString(node)
	if device != "" {
		b.WriteByte('/')
		b.WriteString(device)
	}
	return b.String()
}

func ParseTopic(s string) (Topic, error) { return ParseTopicNamespace(Namespace, s) }

func ParseTopicNamespace(ns, s string) (Topic, error) {
	parts := strings.Split(s, "/")
	malformed := func(reason string) (Topic, error) {
		return Topic{}, &MalformedTopicError{Topic: s, Reason: reason}
	}
	if len(parts) < 4 {
		return malformed("fewer than 4 tokens")
	}
	if len(parts) > 5 {
		return malformed("more than 5 tokens")
	}
	if parts[0] != ns {
		return malformed("namespace expected " + ns)
	}
	for _, p := range parts {
		if p == "" {
			return malformed("empty token")
		}
	}
	t := Topic{Namespace: parts[0], GroupID: parts[1], Type: MessageType(parts[2]), NodeID: parts[3]}
	if !t.Type.Valid() || t.Type == STATE {
		return malformed("unknown message type")
	}
	if len(parts) == 5 {
		t.DeviceID = parts[4]
	}
	if t.Type.IsDevice() != t.IsDevice() {
		return malformed("device id token mismatch message type")
	}
	return t, nil
}

func StateTopic(hostID string) string { return StateTopicPrefix + hostID }

func ParseStateTopic(s string) (string, error) {
	if !strings.HasPrefix(s, StateTopicPrefix) {
		return "", &MalformedTopicError{Topic: s, Reason: "expected prefix " + StateTopicPrefix}
	}
	id := s[len(StateTopicPrefix):]
	if id == "" || strings.Contains(id, "/") {
		return "", &MalformedTopicError{Topic: s, Reason: "invalid host id"}
	}
	return id, nil
}

// Subscription filters of an edge node for commands addressed to it.
func NodeCommandFilter(group, node string) string { return BuildTopic(NCMD, group, node, "") }

func DeviceCommandFilter(group, node string) string { return BuildTopic(DCMD, group, node, "+") }
