package telephony

import "strings"

// TimeoutKind says which vocabulary flagged a signal as rejected or unanswered.
type TimeoutKind int

const (
	TimeoutNone TimeoutKind = iota
	// TimeoutByReason: a free-text "no answer" style reason or status.
	TimeoutByReason
	// TimeoutByCode: a terminate code or a disconnect-reason code.
	TimeoutByCode
)

// Terminate codes are SIP final responses for an unanswered or refused call.
var terminateCodes = map[int]struct{}{
	408: {}, // request timeout
	480: {}, // temporarily unavailable
	486: {}, // busy here
	487: {}, // request terminated
	603: {}, // decline
}

var disconnectReasons = map[int]struct{}{
	1203: {}, // ring timeout
}

var noAnswerReasons = []string{"no answer", "no_answer", "no-answer", "noanswer", "timeout"}

var noAnswerStatuses = map[string]struct{}{
	"no-answer": {},
	"busy":      {},
}

// Timeout checks all three independent vocabularies. Reason text takes
// precedence so the recorded event type stays NO_ANSWER when a signal carries
// both a reason and a code.
func (s Signal) Timeout() TimeoutKind {
	if matchesNoAnswer(s.Reason) {
		return TimeoutByReason
	}
	if s.Shape == ShapeStatusCallback {
		if _, ok := noAnswerStatuses[strings.ToLower(strings.TrimSpace(s.Status))]; ok {
			return TimeoutByReason
		}
	}
	if _, ok := terminateCodes[s.TerminateCode]; ok {
		return TimeoutByCode
	}
	if _, ok := disconnectReasons[s.DisconnectReason]; ok {
		return TimeoutByCode
	}
	return TimeoutNone
}

func matchesNoAnswer(reason string) bool {
	r := strings.ToLower(strings.TrimSpace(reason))
	if r == "" {
		return false
	}
	for _, v := range noAnswerReasons {
		if strings.Contains(r, v) {
			return true
		}
	}
	return false
}
