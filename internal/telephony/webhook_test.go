package telephony

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReadSignalFields_FormOverridesQuery(t *testing.T) {
	body := strings.NewReader("CallSid=CA123&CallStatus=ringing")
	r := httptest.NewRequest(http.MethodPost, "/webhooks/agent-calls/callback?CallStatus=queued&extra=1", body)
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	got, err := ReadSignalFields(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got["CallSid"] != "CA123" || got["CallStatus"] != "ringing" || got["extra"] != "1" {
		t.Fatalf("unexpected fields: %+v", got)
	}
}

func TestReadSignalFields_JSON(t *testing.T) {
	body := strings.NewReader(`{"sid":"CA1","terminateCode":480}`)
	r := httptest.NewRequest(http.MethodPost, "/webhooks/agent-calls/callback", body)
	r.Header.Set("Content-Type", "application/json")

	got, err := ReadSignalFields(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got["sid"] != "CA1" {
		t.Fatalf("expected sid, got %+v", got)
	}
	if got["terminateCode"].(float64) != 480 {
		t.Fatalf("expected numeric terminate code")
	}
}

func TestReadSignalFields_GETQueryOnly(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/webhooks/agent-calls/callback?s=CA1&c=J&u=user-1", nil)
	got, err := ReadSignalFields(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 fields, got %+v", got)
	}
}

func TestReadSignalFields_RejectsNonObjectJSON(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`[1,2]`))
	r.Header.Set("Content-Type", "application/json")
	if _, err := ReadSignalFields(r); err == nil {
		t.Fatalf("expected error")
	}
}
