package telephony

import (
	"context"
	"errors"
)

// Placer is the provider-agnostic outbound call boundary.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Place either returns a platform call identifier or an error; it never
//   persists anything.
type Placer interface {
	Name() string
	Place(ctx context.Context, req PlaceRequest) (PlaceResult, error)
}

// PlaceRequest describes one outbound agent call.
type PlaceRequest struct {
	CalleeID    string `json:"callee_id"`
	CalleeRealm string `json:"callee_realm,omitempty"`

	// AudioPayloadRefs are played in order once the callee picks up.
	AudioPayloadRefs []string `json:"audio_payload_refs"`
	Language         string   `json:"language,omitempty"`

	// CallbackURL receives the platform's status callbacks for this call.
	CallbackURL string `json:"callback_url,omitempty"`
}

type PlaceResult struct {
	// SID is the platform call identifier. It doubles as the room id.
	SID string `json:"sid"`
	// Mock is true when no platform was contacted.
	Mock bool `json:"mock,omitempty"`
}

var (
	ErrMissingCredentials = errors.New("telephony: platform credentials missing")
	ErrRejected           = errors.New("telephony: platform rejected call")
)

func validatePlaceRequest(req PlaceRequest) error {
	if req.CalleeID == "" {
		return errors.New("telephony: callee_id required")
	}
	return nil
}
