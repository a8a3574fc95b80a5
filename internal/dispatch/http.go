package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPDispatcher posts jobs to an external delayed-job service, which POSTs the
// envelope to CallbackURL after the delay.
type HTTPDispatcher struct {
	client      *resty.Client
	endpoint    string
	callbackURL string
	signer      Signer
	clock       func() time.Time
}

type httpDispatchRequest struct {
	URL          string    `json:"url"`
	Body         Envelope  `json:"body"`
	DelaySeconds int64     `json:"delay_seconds"`
	NotBefore    time.Time `json:"not_before"`
}

func NewHTTPDispatcher(endpoint, token, callbackURL string, signer Signer) *HTTPDispatcher {
	c := resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &HTTPDispatcher{
		client:      c,
		endpoint:    endpoint,
		callbackURL: callbackURL,
		signer:      signer,
		clock:       time.Now,
	}
}

func (d *HTTPDispatcher) Schedule(ctx context.Context, job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	now := d.clock()
	token, err := d.signer.SignCallback(job.QueueID, now)
	if err != nil {
		return fmt.Errorf("dispatch: sign callback: %w", err)
	}

	delay := job.ScheduledAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(httpDispatchRequest{
			URL:          d.callbackURL,
			Body:         Envelope{Job: job, Token: token},
			DelaySeconds: int64(delay.Round(time.Second) / time.Second),
			NotBefore:    job.ScheduledAt.UTC(),
		}).
		Post(d.endpoint)
	if err != nil {
		return fmt.Errorf("dispatch: post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("dispatch: dispatcher responded %d", resp.StatusCode())
	}
	return nil
}
