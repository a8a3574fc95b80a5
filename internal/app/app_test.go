package app

import (
	"errors"
	"testing"

	"agentcall/internal/config"
	"agentcall/internal/notify"
	"agentcall/internal/telephony"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPlacer(t *testing.T) {
	p, err := NewPlacer(config.Config{Calls: config.CallsConfig{MockMode: true}})
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())

	_, err = NewPlacer(config.Config{})
	assert.True(t, errors.Is(err, telephony.ErrMissingCredentials))

	p, err = NewPlacer(config.Config{Twilio: config.TwilioConfig{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550000000"}})
	require.NoError(t, err)
	assert.Equal(t, "twilio", p.Name())
}

func TestNewNotifier_DefaultsToLog(t *testing.T) {
	n, err := NewNotifier(config.Config{Notifier: config.NotifierConfig{Mode: "log"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, notify.LogNotifier{}, n)
}
