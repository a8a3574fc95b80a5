package telephony

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Shape identifies which upstream source produced a signal.
type Shape string

const (
	ShapeStatusCallback Shape = "status_callback"
	ShapeLifecycle      Shape = "lifecycle"
	ShapeRaw            Shape = "raw"
)

// Signal is the canonical form of an inbound webhook, whatever its shape.
type Signal struct {
	Shape  Shape
	SID    string
	RoomID string

	// Type is the explicit type field as sent, if any.
	Type   string
	Status string

	StartMarker bool
	EndMarker   bool

	// ShortCode, Participant and Media come from terse platform payloads.
	ShortCode   string
	Participant string
	Media       string

	Reason           string
	TerminateCode    int
	DisconnectReason int
	RoomType         string

	Timestamp *time.Time

	// EventType is derived by Classify.
	EventType EventType

	Raw map[string]any
}

// IsGroupRoom reports whether the signal concerns a group room rather than a
// 1:1 agent call.
func (s Signal) IsGroupRoom() bool {
	return strings.EqualFold(strings.TrimSpace(s.RoomType), "group")
}

var ErrEmptySignal = errors.New("telephony: empty signal")

type statusCallbackPayload struct {
	CallSid         string `mapstructure:"CallSid"`
	CallStatus      string `mapstructure:"CallStatus"`
	Timestamp       string `mapstructure:"Timestamp"`
	SipResponseCode string `mapstructure:"SipResponseCode"`
	Type            string `mapstructure:"type"`
}

type lifecyclePayload struct {
	SID              string `mapstructure:"sid"`
	RoomID           string `mapstructure:"roomId"`
	Type             string `mapstructure:"type"`
	EventType        string `mapstructure:"eventType"`
	Event            string `mapstructure:"event"`
	Status           string `mapstructure:"status"`
	Reason           string `mapstructure:"reason"`
	TerminateCode    string `mapstructure:"terminateCode"`
	DisconnectReason string `mapstructure:"disconnect_reason"`
	RoomType         string `mapstructure:"roomType"`
	StartedAt        string `mapstructure:"startedAt"`
	EndedAt          string `mapstructure:"endedAt"`
	Timestamp        string `mapstructure:"timestamp"`
}

type rawPayload struct {
	SID              string `mapstructure:"s"`
	RoomID           string `mapstructure:"rid"`
	Code             string `mapstructure:"c"`
	Participant      string `mapstructure:"u"`
	Media            string `mapstructure:"m"`
	Start            string `mapstructure:"st"`
	End              string `mapstructure:"et"`
	Reason           string `mapstructure:"r"`
	TerminateCode    string `mapstructure:"tc"`
	DisconnectReason string `mapstructure:"dr"`
	RoomType         string `mapstructure:"rt"`
	Timestamp        string `mapstructure:"t"`
}

// Normalize decodes a merged webhook field map into a Signal and classifies it.
func Normalize(raw map[string]any) (Signal, error) {
	if len(raw) == 0 {
		return Signal{}, ErrEmptySignal
	}
	var (
		sig Signal
		err error
	)
	switch detectShape(raw) {
	case ShapeStatusCallback:
		sig, err = fromStatusCallback(raw)
	case ShapeRaw:
		sig, err = fromRaw(raw)
	default:
		sig, err = fromLifecycle(raw)
	}
	if err != nil {
		return Signal{}, err
	}
	sig.Raw = raw
	sig.EventType = Classify(sig)
	return sig, nil
}

func detectShape(raw map[string]any) Shape {
	if _, ok := raw["CallSid"]; ok {
		return ShapeStatusCallback
	}
	for _, k := range []string{"s", "rid", "c"} {
		if _, ok := raw[k]; ok {
			return ShapeRaw
		}
	}
	return ShapeLifecycle
}

func decode(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		MatchName:        func(mapKey, fieldName string) bool { return mapKey == fieldName },
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

func fromStatusCallback(raw map[string]any) (Signal, error) {
	var p statusCallbackPayload
	if err := decode(raw, &p); err != nil {
		return Signal{}, err
	}
	return Signal{
		Shape:         ShapeStatusCallback,
		SID:           strings.TrimSpace(p.CallSid),
		Type:          strings.TrimSpace(p.Type),
		Status:        strings.TrimSpace(p.CallStatus),
		TerminateCode: atoi(p.SipResponseCode),
		Timestamp:     parseTimestamp(p.Timestamp),
	}, nil
}

func fromLifecycle(raw map[string]any) (Signal, error) {
	var p lifecyclePayload
	if err := decode(raw, &p); err != nil {
		return Signal{}, err
	}
	typ := firstNonEmpty(p.Type, p.EventType, p.Event)
	ts := parseTimestamp(firstNonEmpty(p.Timestamp, p.EndedAt, p.StartedAt))
	return Signal{
		Shape:            ShapeLifecycle,
		SID:              strings.TrimSpace(p.SID),
		RoomID:           strings.TrimSpace(p.RoomID),
		Type:             typ,
		Status:           strings.TrimSpace(p.Status),
		StartMarker:      strings.TrimSpace(p.StartedAt) != "",
		EndMarker:        strings.TrimSpace(p.EndedAt) != "",
		Reason:           strings.TrimSpace(p.Reason),
		TerminateCode:    atoi(p.TerminateCode),
		DisconnectReason: atoi(p.DisconnectReason),
		RoomType:         strings.TrimSpace(p.RoomType),
		Timestamp:        ts,
	}, nil
}

func fromRaw(raw map[string]any) (Signal, error) {
	var p rawPayload
	if err := decode(raw, &p); err != nil {
		return Signal{}, err
	}
	return Signal{
		Shape:            ShapeRaw,
		SID:              strings.TrimSpace(p.SID),
		RoomID:           strings.TrimSpace(p.RoomID),
		StartMarker:      strings.TrimSpace(p.Start) != "",
		EndMarker:        strings.TrimSpace(p.End) != "",
		ShortCode:        strings.ToUpper(strings.TrimSpace(p.Code)),
		Participant:      strings.TrimSpace(p.Participant),
		Media:            strings.TrimSpace(p.Media),
		Reason:           strings.TrimSpace(p.Reason),
		TerminateCode:    atoi(p.TerminateCode),
		DisconnectReason: atoi(p.DisconnectReason),
		RoomType:         strings.TrimSpace(p.RoomType),
		Timestamp:        parseTimestamp(p.Timestamp),
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts RFC 3339, RFC 1123 (Twilio) and unix seconds or
// milliseconds. Unparseable values yield nil.
func parseTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		var t time.Time
		if n > 1e12 {
			t = time.UnixMilli(n).UTC()
		} else {
			t = time.Unix(n, 0).UTC()
		}
		return &t
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
