package notify

import (
	"fmt"
	"strings"
	"time"
)

type messageKey int

const (
	msgMissedCall messageKey = iota
	msgRetryScheduled
	msgGroupCallStarted
	msgRetryAction
)

var catalog = map[string]map[messageKey]string{
	"en": {
		msgMissedCall:       "You missed a call from %s.",
		msgRetryScheduled:   "We will call you again at %s.",
		msgGroupCallStarted: "A group call has started in room %s.",
		msgRetryAction:      "Call me back",
	},
	"es": {
		msgMissedCall:       "Tienes una llamada perdida de %s.",
		msgRetryScheduled:   "Te volveremos a llamar a las %s.",
		msgGroupCallStarted: "Ha comenzado una llamada grupal en la sala %s.",
		msgRetryAction:      "Devolver la llamada",
	},
	"fr": {
		msgMissedCall:       "Vous avez manqué un appel de %s.",
		msgRetryScheduled:   "Nous vous rappellerons à %s.",
		msgGroupCallStarted: "Un appel de groupe a commencé dans la salle %s.",
		msgRetryAction:      "Me rappeler",
	},
}

func lookup(language string, key messageKey) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if m, ok := catalog[lang]; ok {
		return m[key]
	}
	return catalog["en"][key]
}

// MissedCallText tells a callee they missed an agent call.
func MissedCallText(language, callerID string) string {
	return fmt.Sprintf(lookup(language, msgMissedCall), callerID)
}

// RetryScheduledText confirms when the retry call will be placed.
func RetryScheduledText(language string, at time.Time) string {
	return fmt.Sprintf(lookup(language, msgRetryScheduled), at.UTC().Format("15:04 UTC"))
}

// GroupCallStartedText is the operator broadcast for a group room start.
func GroupCallStartedText(language, roomID string) string {
	return fmt.Sprintf(lookup(language, msgGroupCallStarted), roomID)
}

// RetryActionLabel is the button label for the retry-now link.
func RetryActionLabel(language string) string {
	return lookup(language, msgRetryAction)
}
