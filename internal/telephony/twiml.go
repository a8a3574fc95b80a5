package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// Only the primitives agent calls need are modelled.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlPlay struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type twimlPause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

var ErrNoAudio = errors.New("telephony: at least one audio payload ref required")

// RenderPlay builds the TwiML that plays each audio ref in order, with a short
// pause between clips, then hangs up. language is accepted for symmetry with
// text-to-speech verbs and is currently unused by <Play>.
func RenderPlay(refs []string, language string) (string, error) {
	var r twimlResponse
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if len(r.Verbs) > 0 {
			r.Verbs = append(r.Verbs, twimlPause{Length: 1})
		}
		r.Verbs = append(r.Verbs, twimlPlay{URL: ref})
	}
	if len(r.Verbs) == 0 {
		return "", ErrNoAudio
	}
	r.Verbs = append(r.Verbs, twimlHangup{})

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
