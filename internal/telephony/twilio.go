package telephony

import (
	"context"
	"fmt"
	"strings"

	"agentcall/internal/config"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// statusCallbackEvents are the progress events Twilio reports back for a call.
var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

type callCreator interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
}

// TwilioPlacer places outbound calls through the Twilio REST API.
type TwilioPlacer struct {
	api         callCreator
	from        string
	ringTimeout int
}

func NewTwilioPlacer(cfg config.TwilioConfig) (*TwilioPlacer, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, ErrMissingCredentials
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioPlacer{
		api:         client.Api,
		from:        cfg.FromNumber,
		ringTimeout: cfg.RingTimeout,
	}, nil
}

func (p *TwilioPlacer) Name() string { return "twilio" }

func (p *TwilioPlacer) Place(ctx context.Context, req PlaceRequest) (PlaceResult, error) {
	if err := validatePlaceRequest(req); err != nil {
		return PlaceResult{}, err
	}
	twiml, err := RenderPlay(req.AudioPayloadRefs, req.Language)
	if err != nil {
		return PlaceResult{}, err
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(dialTarget(req.CalleeID))
	params.SetFrom(p.from)
	params.SetTwiml(twiml)
	if req.CallbackURL != "" {
		params.SetStatusCallback(req.CallbackURL)
		params.SetStatusCallbackMethod("POST")
		params.SetStatusCallbackEvent(statusCallbackEvents)
	}
	if p.ringTimeout > 0 {
		params.SetTimeout(p.ringTimeout)
	}

	resp, err := p.api.CreateCall(params)
	if err != nil {
		return PlaceResult{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if resp == nil || resp.Sid == nil || *resp.Sid == "" {
		return PlaceResult{}, fmt.Errorf("%w: empty call sid", ErrRejected)
	}
	return PlaceResult{SID: *resp.Sid}, nil
}

// dialTarget dials E.164 numbers directly and everything else as a Twilio
// client identity.
func dialTarget(calleeID string) string {
	calleeID = strings.TrimSpace(calleeID)
	if strings.HasPrefix(calleeID, "+") || strings.HasPrefix(calleeID, "client:") {
		return calleeID
	}
	return "client:" + calleeID
}
