package telephony

import "strings"

// EventType is the canonical event type of a signal.
type EventType string

const (
	EventCallStarted      EventType = "CALL_STARTED"
	EventCallEnded        EventType = "CALL_ENDED"
	EventCallConnected    EventType = "CALL_CONNECTED"
	EventCallDisconnected EventType = "CALL_DISCONNECTED"
	EventUserJoined       EventType = "USER_JOINED"
	EventUserLeft         EventType = "USER_LEFT"
	EventMediaChanged     EventType = "MEDIA_CHANGED"
	EventStatusChanged    EventType = "STATUS_CHANGED"
	EventCallback         EventType = "CALLBACK"
)

var typeAliases = map[string]EventType{
	"start":        EventCallStarted,
	"started":      EventCallStarted,
	"end":          EventCallEnded,
	"ended":        EventCallEnded,
	"connected":    EventCallConnected,
	"connect":      EventCallConnected,
	"disconnected": EventCallDisconnected,
	"disconnect":   EventCallDisconnected,
}

// classifierRule returns an event type and true when it applies.
type classifierRule struct {
	name  string
	match func(Signal) (EventType, bool)
}

// classifierRules is evaluated in order and the first match wins. Several
// shapes omit an explicit type and depend on this order: a "C" short code is a
// join when a participant is present and a media change when only media is.
var classifierRules = []classifierRule{
	{name: "explicit_type", match: matchExplicitType},
	{name: "markers", match: matchMarkers},
	{name: "short_code", match: matchShortCode},
	{name: "status", match: matchStatus},
	{name: "callback", match: func(Signal) (EventType, bool) { return EventCallback, true }},
}

// Classify derives the canonical event type of s.
func Classify(s Signal) EventType {
	for _, r := range classifierRules {
		if t, ok := r.match(s); ok {
			return t
		}
	}
	return EventCallback
}

func matchExplicitType(s Signal) (EventType, bool) {
	t := strings.TrimSpace(s.Type)
	if t == "" {
		return "", false
	}
	if alias, ok := typeAliases[strings.ToLower(t)]; ok {
		return alias, true
	}
	t = strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(t)
	return EventType(strings.ToUpper(t)), true
}

func matchMarkers(s Signal) (EventType, bool) {
	switch {
	case s.EndMarker:
		return EventCallEnded, true
	case s.StartMarker:
		return EventCallStarted, true
	}
	return "", false
}

func matchShortCode(s Signal) (EventType, bool) {
	if s.ShortCode == "" {
		return "", false
	}
	if s.Participant != "" {
		switch s.ShortCode {
		case "J", "C":
			return EventUserJoined, true
		case "L", "D":
			return EventUserLeft, true
		}
	}
	if s.Media != "" {
		switch s.ShortCode {
		case "C", "M":
			return EventMediaChanged, true
		}
	}
	return "", false
}

func matchStatus(s Signal) (EventType, bool) {
	if strings.TrimSpace(s.Status) == "" {
		return "", false
	}
	return EventStatusChanged, true
}
