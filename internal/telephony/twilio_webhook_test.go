package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestParseTwilioStatusCallback(t *testing.T) {
	body := strings.NewReader("CallSid=CA123&CallStatus=no-answer&AccountSid=AC1")
	r := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", body)
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	form, params, err := ParseTwilioStatusCallback(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if form.CallSid != "CA123" {
		t.Fatalf("expected CallSid")
	}
	if params.Get("AccountSid") != "AC1" {
		t.Fatalf("expected raw params returned")
	}

	ev, terminal := form.ToCompletion()
	if !terminal {
		t.Fatalf("no-answer should be terminal")
	}
	if ev.ProviderCallID != "CA123" || ev.Outcome != CallOutcomeNoAnswer {
		t.Fatalf("unexpected completion: %+v", ev)
	}
}

func TestTwilioStatusMapping(t *testing.T) {
	cases := []struct {
		status   string
		outcome  CallOutcome
		terminal bool
	}{
		{"completed", CallOutcomeAnswered, true},
		{"busy", CallOutcomeBusy, true},
		{"no-answer", CallOutcomeNoAnswer, true},
		{"failed", CallOutcomeFailed, true},
		{"canceled", CallOutcomeFailed, true},
		{"ringing", "", false},
		{"in-progress", "", false},
		{"queued", "", false},
	}
	for _, tc := range cases {
		ev, terminal := TwilioStatusForm{CallSid: "CA1", CallStatus: tc.status}.ToCompletion()
		if terminal != tc.terminal {
			t.Fatalf("%s: terminal=%v, want %v", tc.status, terminal, tc.terminal)
		}
		if terminal && ev.Outcome != tc.outcome {
			t.Fatalf("%s: outcome=%q, want %q", tc.status, ev.Outcome, tc.outcome)
		}
	}
}

func TestValidateTwilioSignature(t *testing.T) {
	params := url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}
	fullURL := "https://example.com/webhooks/twilio/status"

	mac := hmac.New(sha1.New, []byte("secret"))
	mac.Write([]byte(fullURL + "CallSidCA1CallStatuscompleted"))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !ValidateTwilioSignature("secret", fullURL, params, sig) {
		t.Fatalf("expected valid signature")
	}
	if ValidateTwilioSignature("other", fullURL, params, sig) {
		t.Fatalf("expected signature mismatch with wrong token")
	}
	if ValidateTwilioSignature("secret", fullURL, params, "") {
		t.Fatalf("expected empty signature to be rejected")
	}
}
